package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"sealed-relay/internal/domain/encryption"
	"sealed-relay/internal/metrics"
	"sealed-relay/internal/repository"
	sealed_errors "sealed-relay/pkg/errors"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	maxPublicKeyBytes = 1024
	maxSignatureBytes = 1024
)

type KeyRegistryConfig struct {
	SignedKeyTTL     time.Duration
	UsedKeyRetention time.Duration
	MaxOneTimeKeys   int
}

func DefaultKeyRegistryConfig() KeyRegistryConfig {
	return KeyRegistryConfig{
		SignedKeyTTL:     30 * 24 * time.Hour,
		UsedKeyRetention: 7 * 24 * time.Hour,
		MaxOneTimeKeys:   200,
	}
}

// KeyRegistry owns device registration and the prekey lifecycle.
type KeyRegistry struct {
	repo    repository.KeyRepository
	cfg     KeyRegistryConfig
	clock   func() time.Time
	backoff func() retry.Backoff
	log     *zap.Logger
}

func NewKeyRegistry(repo repository.KeyRepository, cfg KeyRegistryConfig) *KeyRegistry {
	return &KeyRegistry{
		repo:  repo,
		cfg:   cfg,
		clock: time.Now,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(3, retry.NewExponential(50*time.Millisecond))
		},
		log: zap.L().With(zap.String("component", "key_registry")),
	}
}

func (s *KeyRegistry) RegisterDevice(ctx context.Context, reg encryption.DeviceRegistration) (encryption.Device, error) {
	if err := s.validateRegistration(reg); err != nil {
		metrics.DeviceRegistrationsTotal.WithLabelValues("invalid").Inc()
		return encryption.Device{}, err
	}

	device, err := s.repo.RegisterDevice(ctx, reg, s.clock().Add(s.cfg.SignedKeyTTL))
	if err != nil {
		metrics.DeviceRegistrationsTotal.WithLabelValues("error").Inc()
		return encryption.Device{}, err
	}

	metrics.DeviceRegistrationsTotal.WithLabelValues("ok").Inc()
	s.log.Info("device registered",
		zap.String("user_id", device.UserID.String()),
		zap.Int("device_id", device.DeviceID),
		zap.Int("one_time_keys", len(reg.OneTimeKeys)),
	)
	return device, nil
}

func (s *KeyRegistry) validateRegistration(reg encryption.DeviceRegistration) error {
	if reg.UserID == uuid.Nil {
		return fmt.Errorf("%w: user id is required", sealed_errors.ErrInvalidInput)
	}
	if reg.DeviceID < 0 {
		return fmt.Errorf("%w: device id must not be negative", sealed_errors.ErrInvalidInput)
	}
	switch reg.Kind {
	case encryption.DeviceKindDesktop, encryption.DeviceKindMobile, encryption.DeviceKindWeb:
	default:
		return fmt.Errorf("%w: unknown device kind %q", sealed_errors.ErrInvalidInput, reg.Kind)
	}
	if err := checkKey("identity key", reg.IdentityKey, maxPublicKeyBytes); err != nil {
		return err
	}
	if err := checkKey("signed prekey", reg.SignedKey.PublicKey, maxPublicKeyBytes); err != nil {
		return err
	}
	if err := checkKey("signed prekey signature", reg.SignedKey.Signature, maxSignatureBytes); err != nil {
		return err
	}
	return s.validateOneTimeKeys(reg.OneTimeKeys)
}

func (s *KeyRegistry) validateOneTimeKeys(keys []encryption.OneTimeKeyUpload) error {
	if len(keys) > s.cfg.MaxOneTimeKeys {
		return fmt.Errorf("%w: at most %d one-time keys per batch", sealed_errors.ErrTooLarge, s.cfg.MaxOneTimeKeys)
	}
	seen := make(map[int]bool, len(keys))
	for _, k := range keys {
		if seen[k.KeyID] {
			return fmt.Errorf("%w: duplicate one-time key id %d", sealed_errors.ErrInvalidInput, k.KeyID)
		}
		seen[k.KeyID] = true
		if err := checkKey("one-time key "+strconv.Itoa(k.KeyID), k.PublicKey, maxPublicKeyBytes); err != nil {
			return err
		}
	}
	return nil
}

func checkKey(name string, key []byte, limit int) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: %s is required", sealed_errors.ErrInvalidInput, name)
	}
	if len(key) > limit {
		return fmt.Errorf("%w: %s exceeds %d bytes", sealed_errors.ErrTooLarge, name, limit)
	}
	return nil
}

// GetPreKeyBundle returns one bundle per active device of userID, or only
// deviceID when set. Each bundle carries at most one freshly consumed
// one-time key.
func (s *KeyRegistry) GetPreKeyBundle(ctx context.Context, userID uuid.UUID, deviceID *int) ([]encryption.PreKeyBundle, error) {
	now := s.clock()

	var keys []encryption.DeviceKeys
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		var err error
		keys, err = s.repo.ListDeviceKeys(ctx, userID, deviceID, now)
		return retryable(err)
	})
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no active device with published keys", sealed_errors.ErrNotFound)
	}

	bundles := make([]encryption.PreKeyBundle, 0, len(keys))
	for _, k := range keys {
		bundle := encryption.PreKeyBundle{
			UserID:                k.Identity.UserID,
			DeviceID:              k.Identity.DeviceID,
			RegistrationID:        k.Identity.RegistrationID,
			IdentityKey:           k.Identity.PublicKey,
			SignedPreKeyID:        k.Signed.KeyID,
			SignedPreKey:          k.Signed.PublicKey,
			SignedPreKeySignature: k.Signed.Signature,
		}

		var otk encryption.OneTimePreKey
		err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
			var err error
			otk, err = s.repo.ConsumeOneTimeKey(ctx, userID, k.Identity.DeviceID, now)
			return retryable(err)
		})
		switch {
		case err == nil:
			keyID := otk.KeyID
			bundle.OneTimePreKeyID = &keyID
			bundle.OneTimePreKey = otk.PublicKey
			metrics.PreKeyBundlesFetchedTotal.WithLabelValues("true").Inc()
		case errors.Is(err, sealed_errors.ErrNotFound):
			s.log.Warn("one-time key pool exhausted",
				zap.String("user_id", userID.String()),
				zap.Int("device_id", k.Identity.DeviceID),
			)
			metrics.PreKeyBundlesFetchedTotal.WithLabelValues("false").Inc()
		default:
			return nil, err
		}
		bundles = append(bundles, bundle)
	}
	return bundles, nil
}

// retryable marks infrastructure failures for another attempt. Taxonomy
// errors and cancellation end the loop.
func retryable(err error) error {
	if err == nil {
		return nil
	}
	if sealed_errors.IsTaxonomy(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return retry.RetryableError(err)
}

func (s *KeyRegistry) requireActiveDevice(ctx context.Context, userID uuid.UUID, deviceID int) error {
	d, err := s.repo.GetDevice(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	if !d.IsActive {
		return fmt.Errorf("%w: device %d is not active", sealed_errors.ErrNotFound, deviceID)
	}
	return nil
}

// UploadOneTimeKeys appends keys to the device pool and returns how many were
// stored. Key ids already present among unused keys are skipped.
func (s *KeyRegistry) UploadOneTimeKeys(ctx context.Context, userID uuid.UUID, deviceID int, keys []encryption.OneTimeKeyUpload) (int, error) {
	if len(keys) == 0 {
		return 0, fmt.Errorf("%w: no one-time keys supplied", sealed_errors.ErrInvalidInput)
	}
	if err := s.validateOneTimeKeys(keys); err != nil {
		return 0, err
	}
	if err := s.requireActiveDevice(ctx, userID, deviceID); err != nil {
		return 0, err
	}
	return s.repo.AddOneTimeKeys(ctx, userID, deviceID, keys)
}

func (s *KeyRegistry) GetOneTimeKeyCount(ctx context.Context, userID uuid.UUID, deviceID int) (int64, error) {
	if err := s.requireActiveDevice(ctx, userID, deviceID); err != nil {
		return 0, err
	}
	return s.repo.CountOneTimeKeys(ctx, userID, deviceID)
}

func (s *KeyRegistry) DeactivateDevice(ctx context.Context, userID uuid.UUID, deviceID int) error {
	if err := s.repo.DeactivateDevice(ctx, userID, deviceID); err != nil {
		return err
	}
	s.log.Info("device deactivated", zap.String("user_id", userID.String()), zap.Int("device_id", deviceID))
	return nil
}

func (s *KeyRegistry) ListDevices(ctx context.Context, userID uuid.UUID) ([]encryption.Device, error) {
	return s.repo.ListDevices(ctx, userID)
}

func (s *KeyRegistry) IsActiveDevice(ctx context.Context, userID uuid.UUID, deviceID int) (bool, error) {
	if deviceID <= 0 {
		return false, nil
	}
	d, err := s.repo.GetDevice(ctx, userID, deviceID)
	if errors.Is(err, sealed_errors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return d.IsActive, nil
}

func (s *KeyRegistry) TouchDevice(ctx context.Context, userID uuid.UUID, deviceID int) error {
	return s.repo.TouchDevice(ctx, userID, deviceID, s.clock())
}

// Sweep drops used one-time keys past the retention window and deactivates
// expired signed keys. Both steps run even if the other fails.
func (s *KeyRegistry) Sweep(ctx context.Context) (encryption.SweepResult, error) {
	now := s.clock()
	var result encryption.SweepResult

	deleted, delErr := s.repo.DeleteUsedOneTimeKeys(ctx, now.Add(-s.cfg.UsedKeyRetention))
	if delErr == nil {
		result.DeletedOneTimeKeys = deleted
		metrics.KeySweepRemovedTotal.WithLabelValues("one_time_key").Add(float64(deleted))
	} else {
		delErr = fmt.Errorf("delete used one-time keys: %w", delErr)
	}

	expired, expErr := s.repo.ExpireSignedKeys(ctx, now)
	if expErr == nil {
		result.ExpiredSignedKeys = expired
		metrics.KeySweepRemovedTotal.WithLabelValues("signed_key").Add(float64(expired))
	} else {
		expErr = fmt.Errorf("expire signed keys: %w", expErr)
	}

	return result, errors.Join(delErr, expErr)
}
