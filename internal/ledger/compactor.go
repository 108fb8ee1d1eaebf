package ledger

import (
	"context"
	"time"

	"trafficengine/pkg/logger"
)

// RunCompactor periodically drops counters older than 7 days. It honors
// ctx cancellation at its loop head and never busy-loops.
func RunCompactor(ctx context.Context, l Ledger, log logger.Logger) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := l.Compact(ctx, 7*24*time.Hour)
			if err != nil {
				log.Error("rate counter compaction failed", logger.Field{Key: "error", Value: err.Error()})
				continue
			}
			if deleted > 0 {
				log.Info("compacted stale rate counters", logger.Field{Key: "deleted", Value: deleted})
			}
		}
	}
}
