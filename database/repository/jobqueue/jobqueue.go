// Package jobqueue persists the durable, at-least-once job rows that
// back JobScheduler: reminder delivery, transfer expiry/execution,
// session GC, and message reconciliation.
package jobqueue

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"

	"github.com/kizaibot/kizaibot/database/repository/dbutil"
)

// ErrNotFound is returned when a lookup finds no matching job.
var ErrNotFound = errors.New("jobqueue: not found")

// ErrDuplicate is returned when Enqueue is called with a dedupe key that
// already exists.
var ErrDuplicate = errors.New("jobqueue: duplicate dedupe key")

const timeLayout = time.RFC3339

// Status is a job's lifecycle state.
type Status string

// Job statuses.
const (
	StatusPending   Status = "Pending"
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
)

// Type identifies which handler processes a job.
type Type string

// Job types consumed by the core.
const (
	TypeReminderDue            Type = "ReminderDue"
	TypeTransferExpire         Type = "TransferExpire"
	TypeTransferExecute        Type = "TransferExecute"
	TypeSessionGC              Type = "SessionGC"
	TypeMessageReconcileGuild  Type = "MessageReconcileGuild"
)

// Job is a single durable queue row.
type Job struct {
	ID              string
	JobType         Type
	Payload         []byte
	ScheduledForUTC time.Time
	Status          Status
	Attempts        int
	MaxAttempts     int
	LeaseUntilUTC   *time.Time
	DedupeKey       string
}

// Enqueue inserts a new Pending job. If dedupeKey is non-empty and a row
// with that key already exists, ErrDuplicate is returned and no row is
// inserted — the caller's reconciliation pass should treat this as
// "already scheduled" rather than a failure.
func Enqueue(ctx context.Context, db dbutil.Queryer, j *Job) error {
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	j.ID = id.String()
	j.Status = StatusPending
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 5
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO jobs (id, job_type, payload, scheduled_for_utc, status, attempts, max_attempts, dedupe_key)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		j.ID, string(j.JobType), j.Payload, j.ScheduledForUTC.UTC().Format(timeLayout), string(j.Status),
		j.MaxAttempts, nullable(j.DedupeKey))
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicate
	}
	return errors.Wrap(err, "jobqueue: enqueue")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}

// ClaimDue marks up to limit due Pending jobs Running with a fresh
// lease, incrementing attempts, and returns them. It selects then
// updates each row only while it is still Pending, so a row another
// claimer took in between is skipped rather than returned twice.
func ClaimDue(ctx context.Context, db dbutil.Queryer, now time.Time, lease time.Duration, limit int) ([]*Job, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id FROM jobs WHERE status = ? AND scheduled_for_utc <= ? ORDER BY scheduled_for_utc LIMIT ?`,
		string(StatusPending), now.UTC().Format(timeLayout), limit)
	if err != nil {
		return nil, errors.Wrap(err, "jobqueue: select due")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	leaseUntil := now.Add(lease).UTC().Format(timeLayout)
	var claimed []*Job
	for _, id := range ids {
		res, err := db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, attempts = attempts + 1, lease_until_utc = ? WHERE id = ? AND status = ?`,
			string(StatusRunning), leaseUntil, id, string(StatusPending))
		if err != nil {
			return nil, errors.Wrap(err, "jobqueue: claim")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, errors.Wrap(err, "jobqueue: claim rows affected")
		}
		if n == 0 {
			// Another scheduler instance already claimed this row
			// between the select and this update; skip it rather
			// than running the handler twice.
			continue
		}
		j, err := Get(ctx, db, id)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, j)
	}
	return claimed, nil
}

// Get fetches a job by ID.
func Get(ctx context.Context, db dbutil.Queryer, id string) (*Job, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, job_type, payload, scheduled_for_utc, status, attempts, max_attempts, lease_until_utc, dedupe_key
		FROM jobs WHERE id = ?`, id)
	return scan(row)
}

func scan(row *sql.Row) (*Job, error) {
	var j Job
	var leaseUntil, dedupe sql.NullString
	var scheduled string
	err := row.Scan(&j.ID, &j.JobType, &j.Payload, &scheduled, &j.Status, &j.Attempts, &j.MaxAttempts,
		&leaseUntil, &dedupe)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "jobqueue: scan")
	}
	j.ScheduledForUTC, err = time.Parse(timeLayout, scheduled)
	if err != nil {
		return nil, err
	}
	j.DedupeKey = dedupe.String
	if leaseUntil.Valid {
		t, err := time.Parse(timeLayout, leaseUntil.String)
		if err != nil {
			return nil, err
		}
		j.LeaseUntilUTC = &t
	}
	return &j, nil
}

// Complete marks a job Completed.
func Complete(ctx context.Context, db dbutil.Queryer, id string) error {
	_, err := db.ExecContext(ctx, `UPDATE jobs SET status = ?, lease_until_utc = NULL WHERE id = ?`,
		string(StatusCompleted), id)
	return errors.Wrap(err, "jobqueue: complete")
}

// Retry reschedules a failed attempt for retryAt, or marks the job
// Failed if attempts has reached max_attempts.
func Retry(ctx context.Context, db dbutil.Queryer, id string, attempts, maxAttempts int, retryAt time.Time) error {
	if attempts >= maxAttempts {
		_, err := db.ExecContext(ctx, `UPDATE jobs SET status = ?, lease_until_utc = NULL WHERE id = ?`,
			string(StatusFailed), id)
		return errors.Wrap(err, "jobqueue: fail")
	}
	_, err := db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, scheduled_for_utc = ?, lease_until_utc = NULL WHERE id = ?`,
		string(StatusPending), retryAt.UTC().Format(timeLayout), id)
	return errors.Wrap(err, "jobqueue: retry")
}

// ReapExpiredLeases requeues Running rows whose lease has expired,
// without incrementing attempts (the worker never got to run them).
func ReapExpiredLeases(ctx context.Context, db dbutil.Queryer, now time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, lease_until_utc = NULL
		WHERE status = ? AND lease_until_utc < ?`,
		string(StatusPending), string(StatusRunning), now.UTC().Format(timeLayout))
	if err != nil {
		return 0, errors.Wrap(err, "jobqueue: reap")
	}
	return res.RowsAffected()
}

// DeletePendingByDedupePrefix removes Pending jobs whose dedupe key has
// the given prefix, used by ReminderPlanner to cancel stale reminders
// for a reservation before re-syncing.
func DeletePendingByDedupePrefix(ctx context.Context, db dbutil.Queryer, prefix string) error {
	_, err := db.ExecContext(ctx, `
		DELETE FROM jobs WHERE status = ? AND dedupe_key LIKE ? || '%'`, string(StatusPending), prefix)
	return errors.Wrap(err, "jobqueue: delete pending by prefix")
}

// DeletePendingByDedupeKey removes a single Pending job by exact dedupe
// key, if one exists.
func DeletePendingByDedupeKey(ctx context.Context, db dbutil.Queryer, key string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM jobs WHERE status = ? AND dedupe_key = ?`, string(StatusPending), key)
	return errors.Wrap(err, "jobqueue: delete pending by key")
}

// ListPendingByDedupePrefix returns Pending jobs whose dedupe key has the
// given prefix, for ReminderPlanner's reconciliation diff.
func ListPendingByDedupePrefix(ctx context.Context, db dbutil.Queryer, prefix string) ([]*Job, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, job_type, payload, scheduled_for_utc, status, attempts, max_attempts, lease_until_utc, dedupe_key
		FROM jobs WHERE status = ? AND dedupe_key LIKE ? || '%'`, string(StatusPending), prefix)
	if err != nil {
		return nil, errors.Wrap(err, "jobqueue: list pending by prefix")
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		var j Job
		var leaseUntil, dedupe sql.NullString
		var scheduled string
		if err := rows.Scan(&j.ID, &j.JobType, &j.Payload, &scheduled, &j.Status, &j.Attempts, &j.MaxAttempts,
			&leaseUntil, &dedupe); err != nil {
			return nil, err
		}
		j.DedupeKey = dedupe.String
		j.ScheduledForUTC, err = time.Parse(timeLayout, scheduled)
		if err != nil {
			return nil, err
		}
		if leaseUntil.Valid {
			t, err := time.Parse(timeLayout, leaseUntil.String)
			if err != nil {
				return nil, err
			}
			j.LeaseUntilUTC = &t
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}
