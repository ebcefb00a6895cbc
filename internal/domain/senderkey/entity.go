package senderkey

import (
	"time"

	"github.com/google/uuid"
)

// AnyDevice addresses a distribution to every device of the recipient.
const AnyDevice = 0

// Distribution represents sender_key_distributions, a read-once mailbox entry.
type Distribution struct {
	ID                uuid.UUID
	ChannelID         uuid.UUID
	SenderUserID      uuid.UUID
	SenderDeviceID    int
	RecipientUserID   uuid.UUID
	RecipientDeviceID int
	Payload           []byte
	CreatedAt         time.Time
}

// ChannelMember is a member of a channel's parent group with the devices that
// should receive sender keys.
type ChannelMember struct {
	UserID    uuid.UUID `json:"user_id"`
	DeviceIDs []int     `json:"device_ids"`
}
