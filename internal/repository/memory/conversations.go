package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"sealed-relay/internal/domain/conversation"
	"sealed-relay/internal/repository"
	sealed_errors "sealed-relay/pkg/errors"

	"github.com/google/uuid"
)

type ConversationRepository struct {
	mu    sync.Mutex
	items map[string]conversation.Conversation
}

var _ repository.ConversationRepository = (*ConversationRepository)(nil)

func NewConversationRepository() *ConversationRepository {
	return &ConversationRepository{items: make(map[string]conversation.Conversation)}
}

func (r *ConversationRepository) Create(ctx context.Context, c conversation.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[c.ID]; ok {
		return fmt.Errorf("%w: conversation %s", sealed_errors.ErrAlreadyExists, c.ID)
	}
	r.items[c.ID] = c
	return nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (conversation.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok {
		return conversation.Conversation{}, fmt.Errorf("%w: conversation", sealed_errors.ErrNotFound)
	}
	return c, nil
}

func (r *ConversationRepository) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]conversation.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []conversation.Conversation
	for _, c := range r.items {
		if c.HasParticipant(userID) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the number of stored conversations.
func (r *ConversationRepository) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func (r *ConversationRepository) Touch(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.items[id]; ok && at.After(c.LastActivityAt) {
		c.LastActivityAt = at
		r.items[id] = c
	}
	return nil
}
