package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartIdleReaper removes sessions idle for longer than idle every interval
// until ctx is done.
func StartIdleReaper(
	ctx context.Context,
	store *Store,
	interval time.Duration,
	idle time.Duration,
	log *zap.Logger,
) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := store.Reap(idle); removed > 0 {
					log.Info("expired idle sessions", zap.Int("removed", removed))
				}
			}
		}
	}()
}
