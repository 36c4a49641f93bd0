package orchestrator

import (
	"context"
	"log/slog"
	"time"
)

// RunReaper drives Service.ReapStaleClaims on interval until ctx is
// cancelled, logging how many claims it reclaimed each pass. It is meant
// to run as a single background goroutine owned by the orchestrator's
// main, stopped by cancelling ctx during graceful shutdown.
func RunReaper(ctx context.Context, svc *Service, interval, heartbeatTTL time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.ReapStaleClaims(ctx, heartbeatTTL)
			if err != nil {
				logger.Error("stale claim reap failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("reaped stale claims", "count", n)
			}
		}
	}
}
