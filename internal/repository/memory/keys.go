// Package memory holds in-process repository implementations. They back the
// service tests and the STORAGE_DRIVER=memory development mode.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"sealed-relay/internal/domain/encryption"
	"sealed-relay/internal/repository"
	sealed_errors "sealed-relay/pkg/errors"

	"github.com/google/uuid"
)

type deviceKey struct {
	userID   uuid.UUID
	deviceID int
}

// KeyRepository is a mutex guarded KeyRepository.
type KeyRepository struct {
	mu         sync.Mutex
	devices    map[deviceKey]*encryption.Device
	identities map[deviceKey]encryption.IdentityKey
	signed     []*encryption.SignedPreKey
	oneTime    []*encryption.OneTimePreKey
	seq        int64
}

var _ repository.KeyRepository = (*KeyRepository)(nil)

func NewKeyRepository() *KeyRepository {
	return &KeyRepository{
		devices:    make(map[deviceKey]*encryption.Device),
		identities: make(map[deviceKey]encryption.IdentityKey),
	}
}

// next returns a monotonically increasing creation stamp so pool order is
// deterministic even when the wall clock does not move.
func (r *KeyRepository) next() time.Time {
	r.seq++
	return time.Unix(0, r.seq).UTC()
}

func (r *KeyRepository) RegisterDevice(ctx context.Context, reg encryption.DeviceRegistration, signedExpiresAt time.Time) (encryption.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	deviceID := reg.DeviceID
	if deviceID == 0 {
		for k := range r.devices {
			if k.userID == reg.UserID && k.deviceID > deviceID {
				deviceID = k.deviceID
			}
		}
		deviceID++
	}
	key := deviceKey{reg.UserID, deviceID}
	now := time.Now().UTC()

	d, ok := r.devices[key]
	if !ok {
		d = &encryption.Device{UserID: reg.UserID, DeviceID: deviceID, CreatedAt: now}
		r.devices[key] = d
	}
	d.Kind = reg.Kind
	d.IsActive = true
	d.LastActiveAt = now

	r.identities[key] = encryption.IdentityKey{
		UserID:         reg.UserID,
		DeviceID:       deviceID,
		PublicKey:      append([]byte(nil), reg.IdentityKey...),
		RegistrationID: reg.RegistrationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	for _, s := range r.signed {
		if s.UserID == reg.UserID && s.DeviceID == deviceID {
			s.IsActive = false
		}
	}
	r.signed = append(r.signed, &encryption.SignedPreKey{
		ID:        uuid.New(),
		UserID:    reg.UserID,
		DeviceID:  deviceID,
		KeyID:     reg.SignedKey.KeyID,
		PublicKey: append([]byte(nil), reg.SignedKey.PublicKey...),
		Signature: append([]byte(nil), reg.SignedKey.Signature...),
		IsActive:  true,
		ExpiresAt: signedExpiresAt,
		CreatedAt: now,
	})

	kept := r.oneTime[:0]
	for _, k := range r.oneTime {
		if k.UserID == reg.UserID && k.DeviceID == deviceID && !k.IsUsed {
			continue
		}
		kept = append(kept, k)
	}
	r.oneTime = kept
	r.addOneTimeKeysLocked(reg.UserID, deviceID, reg.OneTimeKeys)

	return *d, nil
}

func (r *KeyRepository) addOneTimeKeysLocked(userID uuid.UUID, deviceID int, keys []encryption.OneTimeKeyUpload) int {
	unused := make(map[int]bool)
	for _, k := range r.oneTime {
		if k.UserID == userID && k.DeviceID == deviceID && !k.IsUsed {
			unused[k.KeyID] = true
		}
	}
	inserted := 0
	for _, k := range keys {
		if unused[k.KeyID] {
			continue
		}
		unused[k.KeyID] = true
		r.oneTime = append(r.oneTime, &encryption.OneTimePreKey{
			ID:        uuid.New(),
			UserID:    userID,
			DeviceID:  deviceID,
			KeyID:     k.KeyID,
			PublicKey: append([]byte(nil), k.PublicKey...),
			CreatedAt: r.next(),
		})
		inserted++
	}
	return inserted
}

func (r *KeyRepository) GetDevice(ctx context.Context, userID uuid.UUID, deviceID int) (encryption.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceKey{userID, deviceID}]
	if !ok {
		return encryption.Device{}, fmt.Errorf("%w: device", sealed_errors.ErrNotFound)
	}
	return *d, nil
}

func (r *KeyRepository) ListDevices(ctx context.Context, userID uuid.UUID) ([]encryption.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []encryption.Device
	for k, d := range r.devices {
		if k.userID == userID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (r *KeyRepository) DeactivateDevice(ctx context.Context, userID uuid.UUID, deviceID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceKey{userID, deviceID}]
	if !ok {
		return fmt.Errorf("%w: device", sealed_errors.ErrNotFound)
	}
	d.IsActive = false
	return nil
}

func (r *KeyRepository) TouchDevice(ctx context.Context, userID uuid.UUID, deviceID int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[deviceKey{userID, deviceID}]; ok {
		d.LastActiveAt = at
	}
	return nil
}

func (r *KeyRepository) ListDeviceKeys(ctx context.Context, userID uuid.UUID, deviceID *int, now time.Time) ([]encryption.DeviceKeys, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []encryption.DeviceKeys
	for k, d := range r.devices {
		if k.userID != userID || !d.IsActive {
			continue
		}
		if deviceID != nil && k.deviceID != *deviceID {
			continue
		}
		identity, ok := r.identities[k]
		if !ok {
			continue
		}
		for _, s := range r.signed {
			if s.UserID == userID && s.DeviceID == k.deviceID && s.IsActive && s.ExpiresAt.After(now) {
				out = append(out, encryption.DeviceKeys{Identity: identity, Signed: *s})
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.DeviceID < out[j].Identity.DeviceID })
	return out, nil
}

func (r *KeyRepository) ConsumeOneTimeKey(ctx context.Context, userID uuid.UUID, deviceID int, now time.Time) (encryption.OneTimePreKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.oneTime {
		if k.UserID == userID && k.DeviceID == deviceID && !k.IsUsed {
			k.IsUsed = true
			k.UsedAt = sql.NullTime{Time: now, Valid: true}
			return *k, nil
		}
	}
	return encryption.OneTimePreKey{}, fmt.Errorf("%w: one-time key", sealed_errors.ErrNotFound)
}

func (r *KeyRepository) AddOneTimeKeys(ctx context.Context, userID uuid.UUID, deviceID int, keys []encryption.OneTimeKeyUpload) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addOneTimeKeysLocked(userID, deviceID, keys), nil
}

func (r *KeyRepository) CountOneTimeKeys(ctx context.Context, userID uuid.UUID, deviceID int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, k := range r.oneTime {
		if k.UserID == userID && k.DeviceID == deviceID && !k.IsUsed {
			n++
		}
	}
	return n, nil
}

func (r *KeyRepository) DeleteUsedOneTimeKeys(ctx context.Context, usedBefore time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int64
	kept := r.oneTime[:0]
	for _, k := range r.oneTime {
		if k.IsUsed && k.UsedAt.Valid && k.UsedAt.Time.Before(usedBefore) {
			deleted++
			continue
		}
		kept = append(kept, k)
	}
	r.oneTime = kept
	return deleted, nil
}

func (r *KeyRepository) ExpireSignedKeys(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.signed {
		if s.IsActive && !s.ExpiresAt.After(now) {
			s.IsActive = false
			n++
		}
	}
	return n, nil
}
