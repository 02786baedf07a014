package session

import (
	"context"
	"log/slog"
	"time"
)

// EvictCallback is called for each session removed by the sweeper, after the
// session has been deleted from the registry.
type EvictCallback func(sessionID string)

// Pruner removes archived records older than a retention window.
type Pruner interface {
	CleanupExpired(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SweeperConfig configures StartSweeper.
type SweeperConfig struct {
	TTL       time.Duration
	Interval  time.Duration
	OnEvict   EvictCallback
	Archive   Pruner
	Retention time.Duration
}

const defaultRetention = 7 * 24 * time.Hour

// StartSweeper runs a background goroutine that periodically evicts sessions
// older than cfg.TTL. It returns when ctx is cancelled; callers typically run
// it inside an errgroup.
func StartSweeper(ctx context.Context, reg *Registry, cfg SweeperConfig) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	slog.Info("Session sweeper started", "interval", cfg.Interval, "ttl", cfg.TTL)

	for {
		select {
		case <-ticker.C:
			Sweep(ctx, reg, cfg)
		case <-ctx.Done():
			slog.Info("Session sweeper shutting down", "reason", ctx.Err())
			return
		}
	}
}

// Sweep performs one eviction pass and returns the number of evicted sessions.
func Sweep(ctx context.Context, reg *Registry, cfg SweeperConfig) int {
	expired := reg.Expired(cfg.TTL)
	if len(expired) > 0 {
		slog.Info("Session sweeper found expired sessions", "count", len(expired))
	}

	for _, id := range expired {
		reg.Delete(id)
		if cfg.OnEvict != nil {
			cfg.OnEvict(id)
		}
		slog.Debug("Session evicted", "session_id", id)
	}

	if cfg.Archive != nil {
		retention := cfg.Retention
		if retention <= 0 {
			retention = defaultRetention
		}
		if deleted, err := cfg.Archive.CleanupExpired(ctx, retention); err != nil {
			slog.Error("Session sweeper failed to prune archive", "error", err)
		} else if deleted > 0 {
			slog.Info("Session sweeper pruned archived sessions", "count", deleted)
		}
	}

	return len(expired)
}
