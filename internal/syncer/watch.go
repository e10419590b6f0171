package syncer

import (
	"context"
	"log/slog"
	"time"
)

// Watch runs fn immediately and then once per interval until the
// context is cancelled. A failing cycle is logged, never fatal; the
// next tick tries again.
func Watch(ctx context.Context, interval time.Duration, log *slog.Logger, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		log.Error("sync cycle failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				log.Error("sync cycle failed", "error", err)
			}
		}
	}
}
