package encryption

import (
	"github.com/google/uuid"
)

// PreKeyBundle is what a peer needs to open a session with one device.
type PreKeyBundle struct {
	UserID                uuid.UUID `json:"user_id"`
	DeviceID              int       `json:"device_id"`
	RegistrationID        int       `json:"registration_id"`
	IdentityKey           []byte    `json:"identity_key"`
	SignedPreKeyID        int       `json:"signed_prekey_id"`
	SignedPreKey          []byte    `json:"signed_prekey"`
	SignedPreKeySignature []byte    `json:"signed_prekey_signature"`
	OneTimePreKeyID       *int      `json:"one_time_prekey_id,omitempty"`
	OneTimePreKey         []byte    `json:"one_time_prekey,omitempty"`
}

// SweepResult reports what a maintenance pass touched.
type SweepResult struct {
	DeletedOneTimeKeys int64
	ExpiredSignedKeys  int64
}

// DeviceKeys is the long-lived key material of one active device, before a
// one-time key is attached.
type DeviceKeys struct {
	Identity IdentityKey
	Signed   SignedPreKey
}
