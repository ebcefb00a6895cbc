package services

import (
	"context"
	"time"

	"sealed-relay/internal/domain/encryption"

	"go.uber.org/zap"
)

type sweeper interface {
	Sweep(ctx context.Context) (encryption.SweepResult, error)
}

// KeySweeper runs the key maintenance sweep on a fixed interval until its
// context is cancelled.
type KeySweeper struct {
	registry sweeper
	interval time.Duration
	log      *zap.Logger
}

func NewKeySweeper(registry sweeper, interval time.Duration) *KeySweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &KeySweeper{
		registry: registry,
		interval: interval,
		log:      zap.L().With(zap.String("component", "key_sweeper")),
	}
}

func (w *KeySweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep. Failures leave rows for the next cycle.
func (w *KeySweeper) RunOnce(ctx context.Context) encryption.SweepResult {
	result, err := w.registry.Sweep(ctx)
	if err != nil {
		w.log.Error("key sweep failed", zap.Error(err))
	}
	if result.DeletedOneTimeKeys > 0 || result.ExpiredSignedKeys > 0 {
		w.log.Info("key sweep completed",
			zap.Int64("deleted_one_time_keys", result.DeletedOneTimeKeys),
			zap.Int64("expired_signed_keys", result.ExpiredSignedKeys),
		)
	}
	return result
}
