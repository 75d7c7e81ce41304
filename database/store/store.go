// Package store wraps an *sql.DB with the transaction-retry discipline
// described by the reservation store: bounded exponential backoff on
// transient write-conflict errors, capped at five attempts and roughly
// 200ms total, so callers get serializable-equivalent semantics without
// repeating the retry loop at every call site.
package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrBusy is returned when all retry attempts are exhausted.
var ErrBusy = errors.New("store: busy after retries")

const (
	maxAttempts  = 5
	baseBackoff  = 5 * time.Millisecond
	maxTotalWait = 200 * time.Millisecond
)

// Store executes transactions against db with retry-on-busy semantics.
type Store struct {
	db *sql.DB
}

// New wraps db.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// WithTx runs fn inside a write transaction, retrying the whole
// transaction body on a transient busy/locked error from the driver.
// fn must be idempotent with respect to reads performed before any write,
// since it may be invoked more than once.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var totalWait time.Duration
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := backoff(attempt)
			if totalWait+wait > maxTotalWait {
				break
			}
			totalWait += wait
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			if isTransient(err) {
				lastErr = err
				continue
			}
			return errors.Wrap(err, "store: begin")
		}

		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if isTransient(err) {
				lastErr = err
				continue
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			if isTransient(err) {
				lastErr = err
				continue
			}
			return errors.Wrap(err, "store: commit")
		}
		return nil
	}
	if lastErr != nil {
		return errors.Wrap(ErrBusy, lastErr.Error())
	}
	return ErrBusy
}

func backoff(attempt int) time.Duration {
	d := baseBackoff << uint(attempt-1)
	if d > maxTotalWait {
		d = maxTotalWait
	}
	return d
}

// isTransient reports whether err looks like a transient lock-contention
// error from sqlite3 or postgres, rather than a genuine constraint or
// logic failure.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"):
		return true
	case strings.Contains(msg, "busy"):
		return true
	case strings.Contains(msg, "could not serialize access"):
		return true
	case strings.Contains(msg, "deadlock detected"):
		return true
	default:
		return false
	}
}
