package repository

import (
	"context"
	"fmt"
	"time"

	"sealed-relay/internal/domain/encryption"

	"github.com/google/uuid"
)

type keyRepository struct {
	db DBTX
}

func NewKeyRepository(db DBTX) KeyRepository {
	return &keyRepository{db: db}
}

func (r *keyRepository) RegisterDevice(ctx context.Context, reg encryption.DeviceRegistration, signedExpiresAt time.Time) (encryption.Device, error) {
	var device encryption.Device
	err := WithTx(ctx, r.db, func(tx DBTX) error {
		// Serializes id assignment for one user without locking other users.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, reg.UserID); err != nil {
			return err
		}

		deviceID := reg.DeviceID
		if deviceID == 0 {
			if err := tx.QueryRowContext(ctx, `
                SELECT COALESCE(MAX(device_id), 0) + 1 FROM devices WHERE user_id = $1
            `, reg.UserID).Scan(&deviceID); err != nil {
				return err
			}
		}

		if err := tx.QueryRowContext(ctx, `
            INSERT INTO devices (user_id, device_id, kind, is_active, last_active_at, created_at)
            VALUES ($1, $2, $3, TRUE, now(), now())
            ON CONFLICT (user_id, device_id)
            DO UPDATE SET kind = EXCLUDED.kind, is_active = TRUE, last_active_at = now()
            RETURNING user_id, device_id, kind, is_active, last_active_at, created_at
        `, reg.UserID, deviceID, reg.Kind).Scan(
			&device.UserID,
			&device.DeviceID,
			&device.Kind,
			&device.IsActive,
			&device.LastActiveAt,
			&device.CreatedAt,
		); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
            INSERT INTO identity_keys (user_id, device_id, public_key, registration_id, created_at, updated_at)
            VALUES ($1, $2, $3, $4, now(), now())
            ON CONFLICT (user_id, device_id)
            DO UPDATE SET public_key = EXCLUDED.public_key, registration_id = EXCLUDED.registration_id, updated_at = now()
        `, reg.UserID, deviceID, reg.IdentityKey, reg.RegistrationID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
            UPDATE signed_prekeys SET is_active = FALSE
            WHERE user_id = $1 AND device_id = $2 AND is_active
        `, reg.UserID, deviceID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
            INSERT INTO signed_prekeys (id, user_id, device_id, key_id, public_key, signature, is_active, expires_at, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7, now())
        `, uuid.New(), reg.UserID, deviceID, reg.SignedKey.KeyID, reg.SignedKey.PublicKey, reg.SignedKey.Signature, signedExpiresAt); err != nil {
			return err
		}

		// Unused keys from a previous registration are considered stale.
		if _, err := tx.ExecContext(ctx, `
            DELETE FROM onetime_prekeys WHERE user_id = $1 AND device_id = $2 AND NOT is_used
        `, reg.UserID, deviceID); err != nil {
			return err
		}

		_, err := insertOneTimeKeys(ctx, tx, reg.UserID, deviceID, reg.OneTimeKeys)
		return err
	})
	if err != nil {
		return encryption.Device{}, err
	}
	return device, nil
}

func insertOneTimeKeys(ctx context.Context, db DBTX, userID uuid.UUID, deviceID int, keys []encryption.OneTimeKeyUpload) (int, error) {
	inserted := 0
	for _, k := range keys {
		res, err := db.ExecContext(ctx, `
            INSERT INTO onetime_prekeys (id, user_id, device_id, key_id, public_key, is_used, created_at)
            VALUES ($1, $2, $3, $4, $5, FALSE, now())
            ON CONFLICT (user_id, device_id, key_id) WHERE NOT is_used DO NOTHING
        `, uuid.New(), userID, deviceID, k.KeyID, k.PublicKey)
		if err != nil {
			return inserted, fmt.Errorf("insert one-time key %d: %w", k.KeyID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += int(n)
	}
	return inserted, nil
}

func (r *keyRepository) GetDevice(ctx context.Context, userID uuid.UUID, deviceID int) (encryption.Device, error) {
	var d encryption.Device
	err := r.db.QueryRowContext(ctx, `
        SELECT user_id, device_id, kind, is_active, last_active_at, created_at
        FROM devices
        WHERE user_id = $1 AND device_id = $2
    `, userID, deviceID).Scan(&d.UserID, &d.DeviceID, &d.Kind, &d.IsActive, &d.LastActiveAt, &d.CreatedAt)
	if err != nil {
		return encryption.Device{}, notFound(err, "device")
	}
	return d, nil
}

func (r *keyRepository) ListDevices(ctx context.Context, userID uuid.UUID) ([]encryption.Device, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT user_id, device_id, kind, is_active, last_active_at, created_at
        FROM devices
        WHERE user_id = $1
        ORDER BY device_id
    `, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []encryption.Device
	for rows.Next() {
		var d encryption.Device
		if err := rows.Scan(&d.UserID, &d.DeviceID, &d.Kind, &d.IsActive, &d.LastActiveAt, &d.CreatedAt); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (r *keyRepository) DeactivateDevice(ctx context.Context, userID uuid.UUID, deviceID int) error {
	res, err := r.db.ExecContext(ctx, `
        UPDATE devices SET is_active = FALSE WHERE user_id = $1 AND device_id = $2
    `, userID, deviceID)
	if err != nil {
		return err
	}
	return requireAffected(res, "device")
}

func (r *keyRepository) TouchDevice(ctx context.Context, userID uuid.UUID, deviceID int, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
        UPDATE devices SET last_active_at = $3 WHERE user_id = $1 AND device_id = $2
    `, userID, deviceID, at)
	return err
}

func (r *keyRepository) ListDeviceKeys(ctx context.Context, userID uuid.UUID, deviceID *int, now time.Time) ([]encryption.DeviceKeys, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT ik.user_id, ik.device_id, ik.public_key, ik.registration_id, ik.created_at, ik.updated_at,
               sk.id, sk.key_id, sk.public_key, sk.signature, sk.is_active, sk.expires_at, sk.created_at
        FROM devices d
        JOIN identity_keys ik ON ik.user_id = d.user_id AND ik.device_id = d.device_id
        JOIN signed_prekeys sk ON sk.user_id = d.user_id AND sk.device_id = d.device_id AND sk.is_active
        WHERE d.user_id = $1
          AND d.is_active
          AND sk.expires_at > $2
          AND ($3::int IS NULL OR d.device_id = $3)
        ORDER BY d.device_id
    `, userID, now, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []encryption.DeviceKeys
	for rows.Next() {
		var k encryption.DeviceKeys
		if err := rows.Scan(
			&k.Identity.UserID,
			&k.Identity.DeviceID,
			&k.Identity.PublicKey,
			&k.Identity.RegistrationID,
			&k.Identity.CreatedAt,
			&k.Identity.UpdatedAt,
			&k.Signed.ID,
			&k.Signed.KeyID,
			&k.Signed.PublicKey,
			&k.Signed.Signature,
			&k.Signed.IsActive,
			&k.Signed.ExpiresAt,
			&k.Signed.CreatedAt,
		); err != nil {
			return nil, err
		}
		k.Signed.UserID = k.Identity.UserID
		k.Signed.DeviceID = k.Identity.DeviceID
		out = append(out, k)
	}
	return out, rows.Err()
}

// ConsumeOneTimeKey claims a key with a single conditional update. SKIP LOCKED
// lets concurrent claims for the same device pick different rows instead of
// queueing on one.
func (r *keyRepository) ConsumeOneTimeKey(ctx context.Context, userID uuid.UUID, deviceID int, now time.Time) (encryption.OneTimePreKey, error) {
	var k encryption.OneTimePreKey
	err := r.db.QueryRowContext(ctx, `
        UPDATE onetime_prekeys SET is_used = TRUE, used_at = $3
        WHERE id = (
            SELECT id FROM onetime_prekeys
            WHERE user_id = $1 AND device_id = $2 AND NOT is_used
            ORDER BY created_at, key_id
            LIMIT 1
            FOR UPDATE SKIP LOCKED
        )
        RETURNING id, user_id, device_id, key_id, public_key, is_used, used_at, created_at
    `, userID, deviceID, now).Scan(
		&k.ID,
		&k.UserID,
		&k.DeviceID,
		&k.KeyID,
		&k.PublicKey,
		&k.IsUsed,
		&k.UsedAt,
		&k.CreatedAt,
	)
	if err != nil {
		return encryption.OneTimePreKey{}, notFound(err, "one-time key")
	}
	return k, nil
}

func (r *keyRepository) AddOneTimeKeys(ctx context.Context, userID uuid.UUID, deviceID int, keys []encryption.OneTimeKeyUpload) (int, error) {
	var inserted int
	err := WithTx(ctx, r.db, func(tx DBTX) error {
		n, err := insertOneTimeKeys(ctx, tx, userID, deviceID, keys)
		inserted = n
		return err
	})
	return inserted, err
}

func (r *keyRepository) CountOneTimeKeys(ctx context.Context, userID uuid.UUID, deviceID int) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM onetime_prekeys WHERE user_id = $1 AND device_id = $2 AND NOT is_used
    `, userID, deviceID).Scan(&count)
	return count, err
}

func (r *keyRepository) DeleteUsedOneTimeKeys(ctx context.Context, usedBefore time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
        DELETE FROM onetime_prekeys WHERE is_used AND used_at < $1
    `, usedBefore)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *keyRepository) ExpireSignedKeys(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
        UPDATE signed_prekeys SET is_active = FALSE WHERE is_active AND expires_at <= $1
    `, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
