package container

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultTTLInterval = 5 * time.Minute
	// Persisted counters for chats nobody touched in a week are dropped.
	defaultSessionRetention = 7 * 24 * time.Hour
)

// TTLConfig configures the idle sweep.
type TTLConfig struct {
	Interval         time.Duration
	TTL              time.Duration
	SessionRetention time.Duration
}

// IdleEvicter drops in-memory chat state idle for longer than ttl and returns
// the evicted chat IDs.
type IdleEvicter func(ttl time.Duration) []string

// CleanupCallback is called for every chat the TTL worker evicts.
type CleanupCallback func(ctx context.Context, chatID string)

// SessionPruner removes persisted chat sessions older than ttl.
type SessionPruner interface {
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)
}

// RunTTLWorker periodically sweeps idle chats until ctx is done.
// It blocks, so callers run it in its own goroutine or errgroup.
func RunTTLWorker(ctx context.Context, cfg TTLConfig, evict IdleEvicter, onCleanup CleanupCallback, pruner SessionPruner) error {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultTTLInterval
	}
	if cfg.SessionRetention <= 0 {
		cfg.SessionRetention = defaultSessionRetention
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	slog.Info("TTL worker started", "interval", cfg.Interval, "ttl", cfg.TTL)

	for {
		select {
		case <-ticker.C:
			sweepIdleChats(ctx, cfg, evict, onCleanup, pruner)
		case <-ctx.Done():
			slog.Info("TTL worker shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

func sweepIdleChats(ctx context.Context, cfg TTLConfig, evict IdleEvicter, onCleanup CleanupCallback, pruner SessionPruner) {
	if evict != nil && cfg.TTL > 0 {
		expired := evict(cfg.TTL)
		if len(expired) > 0 {
			slog.Info("TTL worker evicted idle chats", "count", len(expired))
		}
		for _, chatID := range expired {
			if onCleanup != nil {
				onCleanup(ctx, chatID)
			}
		}
	}

	if pruner == nil {
		return
	}
	if deleted, err := pruner.CleanupExpiredSessions(ctx, cfg.SessionRetention); err != nil {
		slog.Error("TTL worker failed to cleanup orphaned chat sessions", "error", err)
	} else if deleted > 0 {
		slog.Info("TTL worker cleaned up orphaned chat sessions", "count", deleted)
	}
}
