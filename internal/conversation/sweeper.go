package conversation

import (
	"context"
	"log/slog"
	"time"

	"github.com/CVMHW/roger/internal/shared"
)

// DefaultSweepInterval is how often the sweeper runs.
const DefaultSweepInterval = 5 * time.Minute

// Expirer deletes persisted conversations idle past a retention period.
type Expirer interface {
	CleanupExpiredConversations(ctx context.Context, retention time.Duration) (int64, error)
}

// SweeperConfig configures StartSweeper.
type SweeperConfig struct {
	Interval  time.Duration
	IdleTTL   time.Duration
	Retention time.Duration
}

// ExpireCallback is called for each in-memory session the sweeper closes.
type ExpireCallback func(s *Session)

// StartSweeper runs a background goroutine that periodically closes idle
// sessions and purges persisted conversations past retention. It stops
// when ctx is done; the returned channel is closed once it has exited.
func StartSweeper(ctx context.Context, mgr *Manager, repo Expirer, cfg SweeperConfig, onExpire ExpireCallback) <-chan struct{} {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	done := make(chan struct{})
	ticker := time.NewTicker(cfg.Interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", cfg.Interval, "idle_ttl", cfg.IdleTTL, "retention", cfg.Retention)

		for {
			select {
			case <-ticker.C:
				sweep(ctx, mgr, repo, cfg, onExpire)
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

func sweep(ctx context.Context, mgr *Manager, repo Expirer, cfg SweeperConfig, onExpire ExpireCallback) {
	if cfg.IdleTTL > 0 {
		expired := mgr.Sweep(cfg.IdleTTL)
		for _, s := range expired {
			if onExpire != nil {
				onExpire(s)
			}
		}
		if len(expired) > 0 {
			slog.Info("Session sweeper closed idle sessions", "count", len(expired))
		}
	}

	if repo == nil || cfg.Retention <= 0 {
		return
	}
	var deleted int64
	err := shared.RetryOnConflict(ctx, "cleanup expired conversations", shared.DefaultRetryPolicy, func() error {
		var err error
		deleted, err = repo.CleanupExpiredConversations(ctx, cfg.Retention)
		return err
	})
	switch {
	case err != nil && ctx.Err() != nil:
		slog.Debug("Session sweeper canceled during cleanup", "error", err)
	case err != nil:
		slog.Error("Session sweeper failed to cleanup expired conversations", "error", err)
	case deleted > 0:
		slog.Info("Session sweeper deleted expired conversations", "count", deleted)
	}
}
