package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Conversation represents the conversations table. ParticipantA <= ParticipantB
// by canonical string order; both are equal for a private notes thread.
type Conversation struct {
	ID             string
	SecretVersion  int
	ParticipantA   uuid.UUID
	ParticipantB   uuid.UUID
	LastActivityAt time.Time
	CreatedAt      time.Time
}

// SortedPair orders two user ids by their canonical string form.
func SortedPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if a.String() <= b.String() {
		return a, b
	}
	return b, a
}

// Other returns the participant that is not userID. For a self thread it
// returns userID.
func (c Conversation) Other(userID uuid.UUID) uuid.UUID {
	if c.ParticipantA == userID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID uuid.UUID) bool {
	return c.ParticipantA == userID || c.ParticipantB == userID
}

// IsSelf reports whether this is a private notes thread.
func (c Conversation) IsSelf() bool {
	return c.ParticipantA == c.ParticipantB
}
