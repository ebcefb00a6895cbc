package httpdto

import (
	"encoding/base64"
	"time"

	"sealed-relay/internal/domain/encryption"
)

// RegisterDeviceRequest is used for POST /v1/keys/devices. Key material is
// base64 encoded.
type RegisterDeviceRequest struct {
	DeviceID       int                `json:"device_id"`
	Kind           string             `json:"kind" binding:"required"`
	IdentityKey    string             `json:"identity_key" binding:"required"`
	RegistrationID int                `json:"registration_id"`
	SignedPreKey   SignedPreKeyDTO    `json:"signed_prekey" binding:"required"`
	OneTimePreKeys []OneTimePreKeyDTO `json:"one_time_prekeys"`
}

type SignedPreKeyDTO struct {
	KeyID     int    `json:"key_id"`
	PublicKey string `json:"public_key" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

type OneTimePreKeyDTO struct {
	KeyID     int    `json:"key_id"`
	PublicKey string `json:"public_key" binding:"required"`
}

// UploadOneTimeKeysRequest is used for POST /v1/keys/devices/:device_id/one-time-keys
type UploadOneTimeKeysRequest struct {
	Keys []OneTimePreKeyDTO `json:"keys" binding:"required"`
}

type UploadOneTimeKeysResponse struct {
	Stored int `json:"stored"`
}

type OneTimeKeyCountResponse struct {
	DeviceID int   `json:"device_id"`
	Count    int64 `json:"count"`
}

type DeviceDTO struct {
	UserID       string `json:"user_id"`
	DeviceID     int    `json:"device_id"`
	Kind         string `json:"kind"`
	IsActive     bool   `json:"is_active"`
	LastActiveAt string `json:"last_active_at"`
	CreatedAt    string `json:"created_at"`
}

func FromDevice(d encryption.Device) DeviceDTO {
	return DeviceDTO{
		UserID:       d.UserID.String(),
		DeviceID:     d.DeviceID,
		Kind:         d.Kind,
		IsActive:     d.IsActive,
		LastActiveAt: d.LastActiveAt.UTC().Format(time.RFC3339),
		CreatedAt:    d.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type PreKeyBundleDTO struct {
	UserID                string `json:"user_id"`
	DeviceID              int    `json:"device_id"`
	RegistrationID        int    `json:"registration_id"`
	IdentityKey           string `json:"identity_key"`
	SignedPreKeyID        int    `json:"signed_prekey_id"`
	SignedPreKey          string `json:"signed_prekey"`
	SignedPreKeySignature string `json:"signed_prekey_signature"`
	OneTimePreKeyID       *int   `json:"one_time_prekey_id,omitempty"`
	OneTimePreKey         string `json:"one_time_prekey,omitempty"`
}

func FromPreKeyBundle(b encryption.PreKeyBundle) PreKeyBundleDTO {
	dto := PreKeyBundleDTO{
		UserID:                b.UserID.String(),
		DeviceID:              b.DeviceID,
		RegistrationID:        b.RegistrationID,
		IdentityKey:           base64.StdEncoding.EncodeToString(b.IdentityKey),
		SignedPreKeyID:        b.SignedPreKeyID,
		SignedPreKey:          base64.StdEncoding.EncodeToString(b.SignedPreKey),
		SignedPreKeySignature: base64.StdEncoding.EncodeToString(b.SignedPreKeySignature),
		OneTimePreKeyID:       b.OneTimePreKeyID,
	}
	if b.OneTimePreKeyID != nil {
		dto.OneTimePreKey = base64.StdEncoding.EncodeToString(b.OneTimePreKey)
	}
	return dto
}
