package agent

import (
	"context"
	"testing"
	"time"

	"github.com/ashureev/dataloop/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRegistryTryAcquireBusy(t *testing.T) {
	r := NewSessionRegistry(nil, nil)

	_, release, err := r.TryAcquire(context.Background(), "c1")
	require.NoError(t, err)

	_, _, err = r.TryAcquire(context.Background(), "c1")
	require.ErrorIs(t, err, ErrChatBusy)

	release()
	release() // idempotent

	_, release2, err := r.TryAcquire(context.Background(), "c1")
	require.NoError(t, err)
	release2()
}

func TestSessionRegistryAcquireHonoursContext(t *testing.T) {
	r := NewSessionRegistry(nil, nil)
	_, release, err := r.Acquire(context.Background(), "c1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = r.Acquire(ctx, "c1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSessionRegistryAcquireWaitsForRelease(t *testing.T) {
	r := NewSessionRegistry(nil, nil)
	_, release, err := r.Acquire(context.Background(), "c1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		_, rel, err := r.Acquire(context.Background(), "c1")
		if err == nil {
			rel()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire did not wait")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	<-acquired
}

func TestSessionRegistryRestoresPersistedState(t *testing.T) {
	store := newMemSessions()
	require.NoError(t, store.UpsertChatSession(context.Background(), &domain.ChatSessionState{
		ChatID:              "c1",
		FollowupDepth:       2,
		ConsecutiveFailures: 9,
		Fingerprints:        []string{"a", "b"},
	}))

	r := NewSessionRegistry(store, nil)
	s, release, err := r.Acquire(context.Background(), "c1")
	require.NoError(t, err)
	defer release()

	assert.Equal(t, 2, s.FollowupDepth)
	assert.Equal(t, escalationThreshold, s.Failures.Count(), "restored counter is clamped")
	assert.Equal(t, []string{"a", "b"}, s.Loop.Fingerprints())

	s.Failures.Record(1, 0)
	r.Save(context.Background(), s)
	state, _ := store.GetChatSession(context.Background(), "c1")
	assert.Equal(t, 0, state.ConsecutiveFailures)
}

func TestSessionRegistryEvict(t *testing.T) {
	store := newMemSessions()
	r := NewSessionRegistry(store, nil)

	s, release, err := r.Acquire(context.Background(), "c1")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.SetCancel(s, cancel)
	r.Save(context.Background(), s)

	require.NoError(t, r.Evict(context.Background(), "c1"))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.Equal(t, 0, r.Len())
	state, _ := store.GetChatSession(context.Background(), "c1")
	assert.Nil(t, state)
	release()

	// A fresh session starts clean.
	s2, release2, err := r.TryAcquire(context.Background(), "c1")
	require.NoError(t, err)
	defer release2()
	assert.NotSame(t, s, s2)
	assert.Equal(t, 0, s2.Loop.Len())
}

func TestSessionRegistryEvictIdleKeepsBusySessions(t *testing.T) {
	r := NewSessionRegistry(nil, nil)

	_, busyRelease, err := r.Acquire(context.Background(), "busy")
	require.NoError(t, err)
	_, idleRelease, err := r.Acquire(context.Background(), "idle")
	require.NoError(t, err)
	idleRelease()

	time.Sleep(5 * time.Millisecond)
	evicted := r.EvictIdle(time.Millisecond)

	assert.Equal(t, []string{"idle"}, evicted)
	assert.Equal(t, 1, r.Len())
	busyRelease()
}
