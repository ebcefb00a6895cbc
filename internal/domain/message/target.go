package message

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// TargetKind discriminates Target.
type TargetKind int

const (
	TargetChannel TargetKind = iota + 1
	TargetConversation
)

// Target addresses a message to a channel or to a DM conversation, never both.
// Build it with ChannelTarget or ConversationTarget.
type Target struct {
	kind           TargetKind
	channelID      uuid.UUID
	conversationID string
}

func ChannelTarget(channelID uuid.UUID) Target {
	return Target{kind: TargetChannel, channelID: channelID}
}

func ConversationTarget(conversationID string) Target {
	return Target{kind: TargetConversation, conversationID: conversationID}
}

func (t Target) Kind() TargetKind { return t.kind }

// Channel returns the channel id and true for channel targets.
func (t Target) Channel() (uuid.UUID, bool) {
	return t.channelID, t.kind == TargetChannel
}

// Conversation returns the conversation id and true for DM targets.
func (t Target) Conversation() (string, bool) {
	return t.conversationID, t.kind == TargetConversation
}

func (t Target) IsZero() bool { return t.kind == 0 }

// Columns splits the target into the nullable storage columns.
func (t Target) Columns() (uuid.NullUUID, sql.NullString) {
	switch t.kind {
	case TargetChannel:
		return uuid.NullUUID{UUID: t.channelID, Valid: true}, sql.NullString{}
	case TargetConversation:
		return uuid.NullUUID{}, sql.NullString{String: t.conversationID, Valid: true}
	}
	return uuid.NullUUID{}, sql.NullString{}
}

// TargetFromColumns rebuilds a Target from storage columns.
func TargetFromColumns(channelID uuid.NullUUID, conversationID sql.NullString) (Target, error) {
	switch {
	case channelID.Valid && !conversationID.Valid:
		return ChannelTarget(channelID.UUID), nil
	case !channelID.Valid && conversationID.Valid:
		return ConversationTarget(conversationID.String), nil
	}
	return Target{}, fmt.Errorf("message target must have exactly one of channel or conversation")
}

func (t Target) String() string {
	switch t.kind {
	case TargetChannel:
		return "channel:" + t.channelID.String()
	case TargetConversation:
		return "dm:" + t.conversationID
	}
	return ""
}
