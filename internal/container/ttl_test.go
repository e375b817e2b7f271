package container

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakePruner struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (p *fakePruner) CleanupExpiredSessions(_ context.Context, ttl time.Duration) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, ttl)
	return 1, nil
}

func TestSweepIdleChatsCallsCleanupPerChat(t *testing.T) {
	t.Parallel()

	var evictedTTL time.Duration
	evict := func(ttl time.Duration) []string {
		evictedTTL = ttl
		return []string{"a", "b"}
	}
	var cleaned []string
	onCleanup := func(_ context.Context, chatID string) { cleaned = append(cleaned, chatID) }
	pruner := &fakePruner{}

	cfg := TTLConfig{TTL: time.Hour, SessionRetention: 24 * time.Hour}
	sweepIdleChats(context.Background(), cfg, evict, onCleanup, pruner)

	if evictedTTL != time.Hour {
		t.Fatalf("evict ttl = %v, want 1h", evictedTTL)
	}
	if len(cleaned) != 2 || cleaned[0] != "a" || cleaned[1] != "b" {
		t.Fatalf("cleaned = %v, want [a b]", cleaned)
	}
	if len(pruner.calls) != 1 || pruner.calls[0] != 24*time.Hour {
		t.Fatalf("pruner calls = %v", pruner.calls)
	}
}

func TestRunTTLWorkerStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	pruner := &fakePruner{}
	go func() {
		done <- RunTTLWorker(ctx, TTLConfig{Interval: 10 * time.Millisecond, TTL: time.Hour}, nil, nil, pruner)
	}()

	deadline := time.After(2 * time.Second)
	for {
		pruner.mu.Lock()
		n := len(pruner.calls)
		pruner.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("worker never swept")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunTTLWorker() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
