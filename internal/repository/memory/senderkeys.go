package memory

import (
	"context"
	"sync"

	"sealed-relay/internal/domain/senderkey"
	"sealed-relay/internal/repository"

	"github.com/google/uuid"
)

type SenderKeyRepository struct {
	mu    sync.Mutex
	items []senderkey.Distribution
}

var _ repository.SenderKeyRepository = (*SenderKeyRepository)(nil)

func NewSenderKeyRepository() *SenderKeyRepository {
	return &SenderKeyRepository{}
}

func sameSlot(a, b senderkey.Distribution) bool {
	return a.ChannelID == b.ChannelID &&
		a.SenderUserID == b.SenderUserID &&
		a.SenderDeviceID == b.SenderDeviceID &&
		a.RecipientUserID == b.RecipientUserID &&
		a.RecipientDeviceID == b.RecipientDeviceID
}

func (r *SenderKeyRepository) Upsert(ctx context.Context, d senderkey.Distribution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.items {
		if sameSlot(r.items[i], d) {
			r.items[i] = d
			return nil
		}
	}
	r.items = append(r.items, d)
	return nil
}

func (r *SenderKeyRepository) TakePending(ctx context.Context, channelID, recipientUserID uuid.UUID, recipientDeviceID int) ([]senderkey.Distribution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var taken []senderkey.Distribution
	kept := r.items[:0]
	for _, d := range r.items {
		match := d.ChannelID == channelID && d.RecipientUserID == recipientUserID &&
			(recipientDeviceID == senderkey.AnyDevice || d.RecipientDeviceID == senderkey.AnyDevice || d.RecipientDeviceID == recipientDeviceID)
		if match {
			taken = append(taken, d)
			continue
		}
		kept = append(kept, d)
	}
	r.items = kept
	return taken, nil
}
