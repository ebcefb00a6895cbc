package repository

import (
	"context"

	"sealed-relay/internal/domain/senderkey"

	"github.com/google/uuid"
)

type senderKeyRepository struct {
	db DBTX
}

func NewSenderKeyRepository(db DBTX) SenderKeyRepository {
	return &senderKeyRepository{db: db}
}

func (r *senderKeyRepository) Upsert(ctx context.Context, d senderkey.Distribution) error {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO sender_key_distributions
            (id, channel_id, sender_user_id, sender_device_id, recipient_user_id, recipient_device_id, payload, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (channel_id, sender_user_id, sender_device_id, recipient_user_id, recipient_device_id)
        DO UPDATE SET id = EXCLUDED.id, payload = EXCLUDED.payload, created_at = EXCLUDED.created_at
    `,
		d.ID,
		d.ChannelID,
		d.SenderUserID,
		d.SenderDeviceID,
		d.RecipientUserID,
		d.RecipientDeviceID,
		d.Payload,
		d.CreatedAt,
	)
	return err
}

func (r *senderKeyRepository) TakePending(ctx context.Context, channelID, recipientUserID uuid.UUID, recipientDeviceID int) ([]senderkey.Distribution, error) {
	rows, err := r.db.QueryContext(ctx, `
        DELETE FROM sender_key_distributions
        WHERE channel_id = $1
          AND recipient_user_id = $2
          AND ($3 = 0 OR recipient_device_id = 0 OR recipient_device_id = $3)
        RETURNING id, channel_id, sender_user_id, sender_device_id, recipient_user_id, recipient_device_id, payload, created_at
    `, channelID, recipientUserID, recipientDeviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []senderkey.Distribution
	for rows.Next() {
		var d senderkey.Distribution
		if err := rows.Scan(
			&d.ID,
			&d.ChannelID,
			&d.SenderUserID,
			&d.SenderDeviceID,
			&d.RecipientUserID,
			&d.RecipientDeviceID,
			&d.Payload,
			&d.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
