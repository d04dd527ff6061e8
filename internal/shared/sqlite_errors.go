// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// IsSQLiteBusy checks if the error is a SQLITE_BUSY or "database is locked"
// error. Both are SQLite concurrency errors that warrant a retry.
func IsSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

const (
	busyMaxAttempts = 3
	busyBaseDelay   = 50 * time.Millisecond
)

// WithBusyRetry runs op, retrying with exponential backoff when SQLite
// reports the database busy or locked. Any other error returns immediately.
func WithBusyRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < busyMaxAttempts; attempt++ {
		err = op()
		if err == nil || !IsSQLiteBusy(err) {
			return err
		}
		if attempt == busyMaxAttempts-1 {
			break
		}

		delay := busyBaseDelay * time.Duration(1<<attempt) // 50ms, 100ms
		slog.Debug("SQLite busy, retrying", "attempt", attempt+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
