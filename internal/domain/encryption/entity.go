package encryption

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Device kinds reported by clients at registration.
const (
	DeviceKindDesktop = "desktop"
	DeviceKindMobile  = "mobile"
	DeviceKindWeb     = "web"
)

// Device represents the devices table
type Device struct {
	UserID       uuid.UUID
	DeviceID     int
	Kind         string
	IsActive     bool
	LastActiveAt time.Time
	CreatedAt    time.Time
}

// IdentityKey represents identity_keys. One row per device.
type IdentityKey struct {
	UserID         uuid.UUID
	DeviceID       int
	PublicKey      []byte
	RegistrationID int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SignedPreKey represents signed_prekeys
type SignedPreKey struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	DeviceID  int
	KeyID     int
	PublicKey []byte
	Signature []byte
	IsActive  bool
	ExpiresAt time.Time
	CreatedAt time.Time
}

// OneTimePreKey represents onetime_prekeys
type OneTimePreKey struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	DeviceID  int
	KeyID     int
	PublicKey []byte
	IsUsed    bool
	UsedAt    sql.NullTime
	CreatedAt time.Time
}

// OneTimeKeyUpload is the client supplied part of a one-time key.
type OneTimeKeyUpload struct {
	KeyID     int
	PublicKey []byte
}

// SignedKeyUpload is the client supplied part of a signed medium-term key.
type SignedKeyUpload struct {
	KeyID     int
	PublicKey []byte
	Signature []byte
}

// DeviceRegistration carries everything needed to (re)register a device.
// DeviceID 0 asks the registry to assign the next free id for the user.
type DeviceRegistration struct {
	UserID         uuid.UUID
	DeviceID       int
	Kind           string
	IdentityKey    []byte
	RegistrationID int
	SignedKey      SignedKeyUpload
	OneTimeKeys    []OneTimeKeyUpload
}
