package message

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Protocol versions.
const (
	ProtocolShared    = 1 // one ciphertext readable by every recipient device
	ProtocolPerDevice = 2 // one envelope per recipient device
)

// Message represents the messages table
type Message struct {
	ID              uuid.UUID
	SenderID        uuid.UUID
	SenderDeviceID  int
	Target          Target
	Ciphertext      []byte
	Nonce           string
	ProtocolVersion int
	Status          Status
	ReplyToID       uuid.NullUUID
	IsEdited        bool
	IsDeleted       bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Envelope represents message_envelopes, one per (message, recipient device).
type Envelope struct {
	ID                uuid.UUID
	MessageID         uuid.UUID
	RecipientUserID   uuid.UUID
	RecipientDeviceID int
	Ciphertext        []byte
	Delivered         bool
	DeliveredAt       sql.NullTime
	CreatedAt         time.Time
}

// DeviceCiphertext is one entry of a per-device send.
type DeviceCiphertext struct {
	DeviceID   int
	Ciphertext []byte
}
