package idempotency

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunPurger deletes expired records every interval until ctx is cancelled.
func RunPurger(ctx context.Context, store Store, interval time.Duration, batch int, logger *zap.Logger) {
	if store == nil || interval <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, time.Minute)
			removed, err := store.Purge(runCtx, now.UTC(), batch)
			cancel()
			if err != nil {
				logger.Error("idempotency purge failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency records purged", zap.Int("count", removed))
			}
		}
	}
}
