package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// writePolicy bounds how long a repository write waits out another
// connection's lock. busy_timeout already blocks inside SQLite, so a retry
// only covers the cases it hands back straight away: a deferred transaction
// upgrading to a writer and a WAL snapshot that went stale.
type writePolicy struct {
	attempts int
	backoff  time.Duration
}

var defaultWritePolicy = writePolicy{attempts: 4, backoff: 25 * time.Millisecond}

// BusyError is returned when a write gave up because the database stayed
// locked.
type BusyError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("%s: database busy after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *BusyError) Unwrap() error { return e.Err }

// write runs fn in a transaction on behalf of the repository operation op,
// retrying the whole transaction while SQLite reports the database busy.
func (db *DB) write(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	policy := db.writes
	if policy.attempts <= 0 {
		policy = defaultWritePolicy
	}

	delay := policy.backoff
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := db.Transaction(ctx, fn)
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		if attempt >= policy.attempts {
			db.logger.Warn().Err(err).Str("op", op).Int("attempts", attempt).Msg("giving up on busy database")
			return &BusyError{Op: op, Attempts: attempt, Err: err}
		}
		db.logger.Debug().Err(err).Str("op", op).Int("attempt", attempt).Dur("retry_in", delay).Msg("database busy")
		if err := sleepWithContext(ctx, delay); err != nil {
			return err
		}
		delay *= 2
	}
}

// isBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED, extended codes
// included.
func isBusy(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	// Wrapped driver errors that lost their type.
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database is locked") || strings.Contains(message, "sqlite_busy")
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
