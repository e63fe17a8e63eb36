package store

import (
	"context"
	"log/slog"
	"time"
)

const visitorTTLWorkerInterval = 5 * time.Minute

// VisitorPruner is the part of Repository the TTL worker needs.
type VisitorPruner interface {
	DeleteInactiveVisitors(ctx context.Context, ttl time.Duration) (int64, error)
}

// RunVisitorTTLWorker periodically deletes visitors not seen for longer than
// ttl, together with their theme preferences, until ctx is done. A zero
// interval uses the default of five minutes.
func RunVisitorTTLWorker(ctx context.Context, repo VisitorPruner, interval, ttl time.Duration) error {
	if interval <= 0 {
		interval = visitorTTLWorkerInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("Visitor TTL worker started", "interval", interval, "ttl", ttl)

	for {
		select {
		case <-ticker.C:
			pruneVisitors(ctx, repo, ttl)
		case <-ctx.Done():
			slog.Info("Visitor TTL worker shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

func pruneVisitors(ctx context.Context, repo VisitorPruner, ttl time.Duration) {
	deleted, err := repo.DeleteInactiveVisitors(ctx, ttl)
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Visitor TTL worker: context canceled during cleanup", "error", err)
			return
		}
		slog.Error("Visitor TTL worker failed to delete inactive visitors", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Visitor TTL worker removed inactive visitors", "count", deleted)
	}
}
