package repository

import (
	"context"
	"time"

	"sealed-relay/internal/domain/conversation"
	"sealed-relay/internal/domain/encryption"
	"sealed-relay/internal/domain/message"
	"sealed-relay/internal/domain/senderkey"

	"github.com/google/uuid"
)

// Cursor anchors keyset pagination at an existing message.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// KeyRepository owns devices and their key material.
type KeyRepository interface {
	// RegisterDevice upserts the device and its keys in one transaction and
	// returns the stored device. A zero DeviceID is replaced by max+1.
	RegisterDevice(ctx context.Context, reg encryption.DeviceRegistration, signedExpiresAt time.Time) (encryption.Device, error)
	GetDevice(ctx context.Context, userID uuid.UUID, deviceID int) (encryption.Device, error)
	ListDevices(ctx context.Context, userID uuid.UUID) ([]encryption.Device, error)
	DeactivateDevice(ctx context.Context, userID uuid.UUID, deviceID int) error
	TouchDevice(ctx context.Context, userID uuid.UUID, deviceID int, at time.Time) error

	// ListDeviceKeys returns identity + active unexpired signed key for every
	// active device of the user, optionally restricted to one device.
	ListDeviceKeys(ctx context.Context, userID uuid.UUID, deviceID *int, now time.Time) ([]encryption.DeviceKeys, error)
	// ConsumeOneTimeKey atomically marks one unused key as used and returns it.
	// Returns ErrNotFound when the pool is empty.
	ConsumeOneTimeKey(ctx context.Context, userID uuid.UUID, deviceID int, now time.Time) (encryption.OneTimePreKey, error)
	AddOneTimeKeys(ctx context.Context, userID uuid.UUID, deviceID int, keys []encryption.OneTimeKeyUpload) (int, error)
	CountOneTimeKeys(ctx context.Context, userID uuid.UUID, deviceID int) (int64, error)

	DeleteUsedOneTimeKeys(ctx context.Context, usedBefore time.Time) (int64, error)
	ExpireSignedKeys(ctx context.Context, now time.Time) (int64, error)
}

// ConversationRepository stores DM conversation rows keyed by derived id.
type ConversationRepository interface {
	// Create inserts c. Returns ErrAlreadyExists when the id is taken.
	Create(ctx context.Context, c conversation.Conversation) error
	GetByID(ctx context.Context, id string) (conversation.Conversation, error)
	ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]conversation.Conversation, error)
	Touch(ctx context.Context, id string, at time.Time) error
}

// MessageRepository stores messages and per-device envelopes.
type MessageRepository interface {
	// Create inserts the message and its envelopes atomically. Returns
	// ErrAlreadyExists when (sender, nonce) was already used.
	Create(ctx context.Context, m message.Message, envelopes []message.Envelope) error
	GetByID(ctx context.Context, id uuid.UUID) (message.Message, error)
	GetByNonce(ctx context.Context, senderID uuid.UUID, nonce string) (message.Message, error)
	// ListByTarget returns up to limit non-deleted messages newest first,
	// strictly older than before when set.
	ListByTarget(ctx context.Context, target message.Target, limit int, before *Cursor) ([]message.Message, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status message.Status, at time.Time) error
	// AdvanceStatus sets status only when it ranks after the stored one and
	// reports whether the row changed.
	AdvanceStatus(ctx context.Context, id uuid.UUID, status message.Status, at time.Time) (bool, error)
	UpdateCiphertext(ctx context.Context, id uuid.UUID, ciphertext []byte, at time.Time) error
	SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error

	GetEnvelope(ctx context.Context, messageID, recipientUserID uuid.UUID, recipientDeviceID int) (message.Envelope, error)
	GetEnvelopeByID(ctx context.Context, id uuid.UUID) (message.Envelope, error)
	ListPendingEnvelopes(ctx context.Context, recipientUserID uuid.UUID, recipientDeviceID int, limit int) ([]message.Envelope, error)
	MarkEnvelopeDelivered(ctx context.Context, id uuid.UUID, at time.Time) error
}

// SenderKeyRepository is the read-once sender key mailbox.
type SenderKeyRepository interface {
	// Upsert replaces any pending record for the same
	// (channel, sender user, sender device, recipient user, recipient device).
	Upsert(ctx context.Context, d senderkey.Distribution) error
	// TakePending deletes and returns every matching record in one statement.
	// recipientDeviceID 0 matches all records of the recipient; otherwise
	// records for that device and device-agnostic records match.
	TakePending(ctx context.Context, channelID, recipientUserID uuid.UUID, recipientDeviceID int) ([]senderkey.Distribution, error)
}
