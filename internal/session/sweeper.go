package session

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is used when StartSweeper is given a non-positive interval.
const DefaultSweepInterval = time.Minute

// SweepCallback is called after every sweep that removed sessions.
type SweepCallback func(removed int)

// StartSweeper runs a background goroutine that periodically drops expired
// sessions. It stops when ctx is canceled; the returned channel is closed
// once the goroutine has exited.
func StartSweeper(ctx context.Context, store Store, interval time.Duration, onSweep SweepCallback) <-chan struct{} {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	done := make(chan struct{})
	ticker := time.NewTicker(interval)

	go func() {
		defer close(done)
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				removed := store.Sweep(ctx)
				if removed == 0 {
					continue
				}
				slog.Info("Session sweeper removed expired sessions", "count", removed)
				if onSweep != nil {
					onSweep(removed)
				}
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}
