package shared

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsSQLiteConflict(t *testing.T) {
	t.Parallel()

	assert.False(t, IsSQLiteConflict(nil))
	assert.False(t, IsSQLiteConflict(errors.New("no such table: chats")))
	assert.True(t, IsSQLiteConflict(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.True(t, IsSQLiteConflict(fmt.Errorf("append turn: %w", errors.New("database is locked"))))
}

func TestRetryOnConflict(t *testing.T) {
	t.Parallel()

	t.Run("succeeds after busy", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := RetryOnConflict(context.Background(), "write", func() error {
			calls++
			if calls == 1 {
				return errors.New("SQLITE_BUSY")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		t.Parallel()
		calls := 0
		boom := errors.New("constraint failed")
		err := RetryOnConflict(context.Background(), "write", func() error {
			calls++
			return boom
		})
		require.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up", func(t *testing.T) {
		t.Parallel()
		calls := 0
		start := time.Now()
		err := RetryOnConflict(context.Background(), "write", func() error {
			calls++
			return errors.New("database is locked")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "write after 3 attempts")
		assert.Equal(t, BusyRetries, calls)
		assert.GreaterOrEqual(t, time.Since(start), 3*BusyBaseDelay)
	})

	t.Run("context canceled while waiting", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := RetryOnConflict(ctx, "write", func() error { return errors.New("SQLITE_BUSY") })
		require.ErrorIs(t, err, context.Canceled)
	})
}
