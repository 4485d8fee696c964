package store

import (
	"context"
	"log/slog"
	"time"
)

const retentionInterval = time.Hour

// StartRetentionWorker runs a background goroutine that periodically deletes
// archived turns older than retention. A non-positive retention disables it.
func StartRetentionWorker(ctx context.Context, archive Archive, retention time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(retentionInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Archive retention worker started", "interval", retentionInterval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				deleted, err := archive.CleanupOlderThan(ctx, retention)
				if err != nil {
					slog.Error("Archive retention cleanup failed", "error", err)
					continue
				}
				if deleted > 0 {
					slog.Info("Archive retention removed old turns", "count", deleted)
				}
			case <-ctx.Done():
				slog.Info("Archive retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
