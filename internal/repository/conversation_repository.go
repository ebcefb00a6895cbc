package repository

import (
	"context"
	"fmt"
	"time"

	"sealed-relay/internal/domain/conversation"
	sealed_errors "sealed-relay/pkg/errors"

	"github.com/google/uuid"
)

type conversationRepository struct {
	db DBTX
}

func NewConversationRepository(db DBTX) ConversationRepository {
	return &conversationRepository{db: db}
}

func (r *conversationRepository) Create(ctx context.Context, c conversation.Conversation) error {
	res, err := r.db.ExecContext(ctx, `
        INSERT INTO conversations (id, secret_version, participant_a, participant_b, last_activity_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (id) DO NOTHING
    `, c.ID, c.SecretVersion, c.ParticipantA, c.ParticipantB, c.LastActivityAt, c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return sealed_errors.ErrAlreadyExists
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: conversation %s", sealed_errors.ErrAlreadyExists, c.ID)
	}
	return nil
}

func (r *conversationRepository) GetByID(ctx context.Context, id string) (conversation.Conversation, error) {
	var c conversation.Conversation
	err := r.db.QueryRowContext(ctx, `
        SELECT id, secret_version, participant_a, participant_b, last_activity_at, created_at
        FROM conversations
        WHERE id = $1
    `, id).Scan(&c.ID, &c.SecretVersion, &c.ParticipantA, &c.ParticipantB, &c.LastActivityAt, &c.CreatedAt)
	if err != nil {
		return conversation.Conversation{}, notFound(err, "conversation")
	}
	return c, nil
}

func (r *conversationRepository) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]conversation.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT id, secret_version, participant_a, participant_b, last_activity_at, created_at
        FROM conversations
        WHERE participant_a = $1 OR participant_b = $1
        ORDER BY last_activity_at DESC, id
        LIMIT $2
    `, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []conversation.Conversation
	for rows.Next() {
		var c conversation.Conversation
		if err := rows.Scan(&c.ID, &c.SecretVersion, &c.ParticipantA, &c.ParticipantB, &c.LastActivityAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *conversationRepository) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
        UPDATE conversations SET last_activity_at = GREATEST(last_activity_at, $2) WHERE id = $1
    `, id, at)
	return err
}
