package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"sealed-relay/internal/domain/message"
	"sealed-relay/internal/repository"
	sealed_errors "sealed-relay/pkg/errors"

	"github.com/google/uuid"
)

type nonceKey struct {
	senderID uuid.UUID
	nonce    string
}

type MessageRepository struct {
	mu        sync.Mutex
	messages  map[uuid.UUID]*message.Message
	byNonce   map[nonceKey]uuid.UUID
	envelopes map[uuid.UUID]*message.Envelope
	// FailEnvelopeWrites makes Create fail after the message insert, for
	// exercising all-or-nothing behaviour.
	FailEnvelopeWrites bool
}

var _ repository.MessageRepository = (*MessageRepository)(nil)

func NewMessageRepository() *MessageRepository {
	return &MessageRepository{
		messages:  make(map[uuid.UUID]*message.Message),
		byNonce:   make(map[nonceKey]uuid.UUID),
		envelopes: make(map[uuid.UUID]*message.Envelope),
	}
}

func (r *MessageRepository) Create(ctx context.Context, m message.Message, envelopes []message.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := nonceKey{m.SenderID, m.Nonce}
	if _, ok := r.byNonce[key]; ok {
		return fmt.Errorf("%w: nonce %q", sealed_errors.ErrAlreadyExists, m.Nonce)
	}
	if len(envelopes) > 0 && r.FailEnvelopeWrites {
		return fmt.Errorf("insert envelope for device %d: write failed", envelopes[0].RecipientDeviceID)
	}

	seen := make(map[string]bool)
	for _, e := range envelopes {
		slot := fmt.Sprintf("%s/%d", e.RecipientUserID, e.RecipientDeviceID)
		if seen[slot] {
			return fmt.Errorf("insert envelope for device %d: duplicate", e.RecipientDeviceID)
		}
		seen[slot] = true
	}

	stored := m
	r.messages[m.ID] = &stored
	r.byNonce[key] = m.ID
	for _, e := range envelopes {
		env := e
		env.MessageID = m.ID
		r.envelopes[e.ID] = &env
	}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id uuid.UUID) (message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return message.Message{}, fmt.Errorf("%w: message", sealed_errors.ErrNotFound)
	}
	return *m, nil
}

func (r *MessageRepository) GetByNonce(ctx context.Context, senderID uuid.UUID, nonce string) (message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byNonce[nonceKey{senderID, nonce}]
	if !ok {
		return message.Message{}, fmt.Errorf("%w: message", sealed_errors.ErrNotFound)
	}
	return *r.messages[id], nil
}

// Count returns the number of stored messages, including deleted ones.
func (r *MessageRepository) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// EnvelopeCount returns the number of stored envelopes for a message.
func (r *MessageRepository) EnvelopeCount(messageID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.envelopes {
		if e.MessageID == messageID {
			n++
		}
	}
	return n
}

func newerFirst(a, b message.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID.String() > b.ID.String()
}

func (r *MessageRepository) ListByTarget(ctx context.Context, target message.Target, limit int, before *repository.Cursor) ([]message.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var anchor *message.Message
	if before != nil {
		anchor = &message.Message{CreatedAt: before.CreatedAt, ID: before.ID}
	}

	var out []message.Message
	for _, m := range r.messages {
		if m.IsDeleted || m.Target != target {
			continue
		}
		if anchor != nil && !newerFirst(*anchor, *m) {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return newerFirst(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MessageRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status message.Status, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return fmt.Errorf("%w: message", sealed_errors.ErrNotFound)
	}
	m.Status = status
	m.UpdatedAt = at
	return nil
}

func (r *MessageRepository) AdvanceStatus(ctx context.Context, id uuid.UUID, status message.Status, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return false, fmt.Errorf("%w: message", sealed_errors.ErrNotFound)
	}
	if !m.Status.Before(status) {
		return false, nil
	}
	m.Status = status
	m.UpdatedAt = at
	return true, nil
}

func (r *MessageRepository) UpdateCiphertext(ctx context.Context, id uuid.UUID, ciphertext []byte, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok || m.IsDeleted {
		return fmt.Errorf("%w: message", sealed_errors.ErrNotFound)
	}
	m.Ciphertext = append([]byte(nil), ciphertext...)
	m.IsEdited = true
	m.UpdatedAt = at
	return nil
}

func (r *MessageRepository) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return fmt.Errorf("%w: message", sealed_errors.ErrNotFound)
	}
	m.IsDeleted = true
	m.UpdatedAt = at
	return nil
}

func (r *MessageRepository) GetEnvelope(ctx context.Context, messageID, recipientUserID uuid.UUID, recipientDeviceID int) (message.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.envelopes {
		if e.MessageID == messageID && e.RecipientUserID == recipientUserID && e.RecipientDeviceID == recipientDeviceID {
			return *e, nil
		}
	}
	return message.Envelope{}, fmt.Errorf("%w: envelope", sealed_errors.ErrNotFound)
}

func (r *MessageRepository) GetEnvelopeByID(ctx context.Context, id uuid.UUID) (message.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.envelopes[id]
	if !ok {
		return message.Envelope{}, fmt.Errorf("%w: envelope", sealed_errors.ErrNotFound)
	}
	return *e, nil
}

func (r *MessageRepository) ListPendingEnvelopes(ctx context.Context, recipientUserID uuid.UUID, recipientDeviceID int, limit int) ([]message.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []message.Envelope
	for _, e := range r.envelopes {
		if e.RecipientUserID != recipientUserID || e.RecipientDeviceID != recipientDeviceID || e.Delivered {
			continue
		}
		if m, ok := r.messages[e.MessageID]; ok && m.IsDeleted {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MessageRepository) MarkEnvelopeDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.envelopes[id]
	if !ok {
		return fmt.Errorf("%w: envelope", sealed_errors.ErrNotFound)
	}
	if !e.Delivered {
		e.Delivered = true
		e.DeliveredAt = sql.NullTime{Time: at, Valid: true}
	}
	return nil
}
