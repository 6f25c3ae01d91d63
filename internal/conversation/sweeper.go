package conversation

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often idle sessions are looked for.
const DefaultSweepInterval = 5 * time.Minute

// CleanupCallback is called for every chat closed by the sweeper.
type CleanupCallback func(chatID string)

// StartSweeper runs a background goroutine that periodically closes
// sessions idle for longer than ttl. It stops when ctx is done.
func StartSweeper(ctx context.Context, reg *Registry, ttl, interval time.Duration, onCleanup CleanupCallback) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := reg.clock.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.Chan():
				expired := reg.Sweep(ttl)
				if len(expired) == 0 {
					continue
				}
				slog.Info("Session sweeper closed idle chats", "count", len(expired))
				for _, chatID := range expired {
					if onCleanup != nil {
						onCleanup(chatID)
					}
				}
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
