// Package shared holds SQLite helpers used by both the conversation store and
// the dataset engine.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	BusyRetries   = 3
	BusyBaseDelay = 100 * time.Millisecond
)

// IsSQLiteConflict reports whether err is SQLITE_BUSY or SQLITE_LOCKED,
// including extended codes. Errors that lost their type on the way up are
// matched by message.
func IsSQLiteConflict(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// RetryOnConflict runs op, retrying lock conflicts with exponential backoff
// (100ms, 200ms). Other errors return immediately.
func RetryOnConflict(ctx context.Context, name string, op func() error) error {
	var err error
	for i := 0; i < BusyRetries; i++ {
		err = op()
		if err == nil || !IsSQLiteConflict(err) {
			return err
		}
		if i == BusyRetries-1 {
			break
		}
		delay := BusyBaseDelay * time.Duration(1<<i)
		slog.Debug("SQLite busy, retrying", "op", name, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", name, BusyRetries, err)
}
