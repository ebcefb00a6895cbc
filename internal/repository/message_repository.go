package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sealed-relay/internal/domain/message"
	sealed_errors "sealed-relay/pkg/errors"

	"github.com/google/uuid"
)

type messageRepository struct {
	db DBTX
}

func NewMessageRepository(db DBTX) MessageRepository {
	return &messageRepository{db: db}
}

const messageColumns = `id, sender_id, sender_device_id, channel_id, conversation_id, ciphertext, nonce,
        protocol_version, status, reply_to_id, is_edited, is_deleted, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (message.Message, error) {
	var (
		m              message.Message
		channelID      uuid.NullUUID
		conversationID sql.NullString
		status         string
	)
	if err := row.Scan(
		&m.ID,
		&m.SenderID,
		&m.SenderDeviceID,
		&channelID,
		&conversationID,
		&m.Ciphertext,
		&m.Nonce,
		&m.ProtocolVersion,
		&status,
		&m.ReplyToID,
		&m.IsEdited,
		&m.IsDeleted,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return message.Message{}, err
	}
	target, err := message.TargetFromColumns(channelID, conversationID)
	if err != nil {
		return message.Message{}, err
	}
	m.Target = target
	m.Status = message.Status(status)
	return m, nil
}

func (r *messageRepository) Create(ctx context.Context, m message.Message, envelopes []message.Envelope) error {
	channelID, conversationID := m.Target.Columns()
	return WithTx(ctx, r.db, func(tx DBTX) error {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO messages (`+messageColumns+`)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
        `,
			m.ID,
			m.SenderID,
			m.SenderDeviceID,
			channelID,
			conversationID,
			m.Ciphertext,
			m.Nonce,
			m.ProtocolVersion,
			string(m.Status),
			m.ReplyToID,
			m.IsEdited,
			m.IsDeleted,
			m.CreatedAt,
			m.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: nonce %q", sealed_errors.ErrAlreadyExists, m.Nonce)
			}
			return err
		}

		for _, e := range envelopes {
			if _, err := tx.ExecContext(ctx, `
                INSERT INTO message_envelopes (id, message_id, recipient_user_id, recipient_device_id, ciphertext, delivered, delivered_at, created_at)
                VALUES ($1, $2, $3, $4, $5, FALSE, NULL, $6)
            `, e.ID, m.ID, e.RecipientUserID, e.RecipientDeviceID, e.Ciphertext, e.CreatedAt); err != nil {
				return fmt.Errorf("insert envelope for device %d: %w", e.RecipientDeviceID, err)
			}
		}
		return nil
	})
}

func (r *messageRepository) GetByID(ctx context.Context, id uuid.UUID) (message.Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx, `
        SELECT `+messageColumns+` FROM messages WHERE id = $1
    `, id))
	if err != nil {
		return message.Message{}, notFound(err, "message")
	}
	return m, nil
}

func (r *messageRepository) GetByNonce(ctx context.Context, senderID uuid.UUID, nonce string) (message.Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx, `
        SELECT `+messageColumns+` FROM messages WHERE sender_id = $1 AND nonce = $2
    `, senderID, nonce))
	if err != nil {
		return message.Message{}, notFound(err, "message")
	}
	return m, nil
}

func (r *messageRepository) ListByTarget(ctx context.Context, target message.Target, limit int, before *Cursor) ([]message.Message, error) {
	var (
		column string
		key    interface{}
	)
	if id, ok := target.Channel(); ok {
		column, key = "channel_id", id
	} else if id, ok := target.Conversation(); ok {
		column, key = "conversation_id", id
	} else {
		return nil, fmt.Errorf("%w: empty target", sealed_errors.ErrInvalidInput)
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE ` + column + ` = $1 AND NOT is_deleted`
	args := []interface{}{key}
	if before != nil {
		query += ` AND (created_at, id) < ($2, $3) ORDER BY created_at DESC, id DESC LIMIT $4`
		args = append(args, before.CreatedAt, before.ID, limit)
	} else {
		query += ` ORDER BY created_at DESC, id DESC LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []message.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *messageRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status message.Status, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
        UPDATE messages SET status = $2, updated_at = $3 WHERE id = $1
    `, id, string(status), at)
	if err != nil {
		return err
	}
	return requireAffected(res, "message")
}

const statusRank = `CASE %s WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END`

var advanceStatusQuery = fmt.Sprintf(`
        UPDATE messages SET status = $2, updated_at = $3
        WHERE id = $1 AND %s < %s
    `, fmt.Sprintf(statusRank, "status"), fmt.Sprintf(statusRank, "$2::text"))

func (r *messageRepository) AdvanceStatus(ctx context.Context, id uuid.UUID, status message.Status, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, advanceStatusQuery, id, string(status), at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *messageRepository) UpdateCiphertext(ctx context.Context, id uuid.UUID, ciphertext []byte, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
        UPDATE messages SET ciphertext = $2, is_edited = TRUE, updated_at = $3 WHERE id = $1 AND NOT is_deleted
    `, id, ciphertext, at)
	if err != nil {
		return err
	}
	return requireAffected(res, "message")
}

func (r *messageRepository) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
        UPDATE messages SET is_deleted = TRUE, updated_at = $2 WHERE id = $1
    `, id, at)
	if err != nil {
		return err
	}
	return requireAffected(res, "message")
}

const envelopeColumns = `id, message_id, recipient_user_id, recipient_device_id, ciphertext, delivered, delivered_at, created_at`

func scanEnvelope(row rowScanner) (message.Envelope, error) {
	var e message.Envelope
	err := row.Scan(
		&e.ID,
		&e.MessageID,
		&e.RecipientUserID,
		&e.RecipientDeviceID,
		&e.Ciphertext,
		&e.Delivered,
		&e.DeliveredAt,
		&e.CreatedAt,
	)
	return e, err
}

func (r *messageRepository) GetEnvelope(ctx context.Context, messageID, recipientUserID uuid.UUID, recipientDeviceID int) (message.Envelope, error) {
	e, err := scanEnvelope(r.db.QueryRowContext(ctx, `
        SELECT `+envelopeColumns+` FROM message_envelopes
        WHERE message_id = $1 AND recipient_user_id = $2 AND recipient_device_id = $3
    `, messageID, recipientUserID, recipientDeviceID))
	if err != nil {
		return message.Envelope{}, notFound(err, "envelope")
	}
	return e, nil
}

func (r *messageRepository) GetEnvelopeByID(ctx context.Context, id uuid.UUID) (message.Envelope, error) {
	e, err := scanEnvelope(r.db.QueryRowContext(ctx, `
        SELECT `+envelopeColumns+` FROM message_envelopes WHERE id = $1
    `, id))
	if err != nil {
		return message.Envelope{}, notFound(err, "envelope")
	}
	return e, nil
}

func (r *messageRepository) ListPendingEnvelopes(ctx context.Context, recipientUserID uuid.UUID, recipientDeviceID int, limit int) ([]message.Envelope, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT e.id, e.message_id, e.recipient_user_id, e.recipient_device_id, e.ciphertext, e.delivered, e.delivered_at, e.created_at
        FROM message_envelopes e
        JOIN messages m ON m.id = e.message_id
        WHERE e.recipient_user_id = $1 AND e.recipient_device_id = $2 AND NOT e.delivered AND NOT m.is_deleted
        ORDER BY e.created_at, e.id
        LIMIT $3
    `, recipientUserID, recipientDeviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []message.Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *messageRepository) MarkEnvelopeDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
        UPDATE message_envelopes SET delivered = TRUE, delivered_at = COALESCE(delivered_at, $2) WHERE id = $1
    `, id, at)
	if err != nil {
		return err
	}
	return requireAffected(res, "envelope")
}
