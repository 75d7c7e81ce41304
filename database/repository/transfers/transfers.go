// Package transfers persists transfer-request rows: ownership handoffs
// that either await the recipient's approval or execute automatically at
// a scheduled time.
package transfers

import (
	"context"
	"database/sql"
	"time"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"

	"github.com/kizaibot/kizaibot/database/repository/dbutil"
)

// ErrNotFound is returned when a lookup finds no matching transfer request.
var ErrNotFound = errors.New("transfers: not found")

// Status is the lifecycle state of a transfer request.
type Status string

// Transfer request statuses.
const (
	StatusPending   Status = "Pending"
	StatusAccepted  Status = "Accepted"
	StatusDenied    Status = "Denied"
	StatusExpired   Status = "Expired"
	StatusCancelled Status = "Cancelled"
	StatusExecuted  Status = "Executed"
)

const timeLayout = time.RFC3339

// TransferRequest is a pending or resolved ownership handoff.
type TransferRequest struct {
	ID                string
	ReservationID     string
	FromUserID        string
	ToUserID          string
	RequestedByUserID string
	ExecuteAtUTC      *time.Time
	ExpiresAtUTC      time.Time
	Note              string
	Status            Status
	CreatedUTC        time.Time
	CanceledAtUTC     *time.Time
	CanceledByUserID  string
}

// Create inserts a new Pending transfer request. Callers must verify
// within the same transaction that no other Pending row exists for the
// reservation (the partial unique index also enforces this at commit).
func Create(ctx context.Context, db dbutil.Queryer, t *TransferRequest) error {
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	t.ID = id.String()
	t.Status = StatusPending
	var executeAt any
	if t.ExecuteAtUTC != nil {
		executeAt = t.ExecuteAtUTC.UTC().Format(timeLayout)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO transfer_requests (id, reservation_id, from_user_id, to_user_id, requested_by_user_id,
			execute_at_utc, expires_at_utc, note, status, created_utc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ReservationID, t.FromUserID, t.ToUserID, t.RequestedByUserID,
		executeAt, t.ExpiresAtUTC.UTC().Format(timeLayout), nullable(t.Note), string(t.Status),
		t.CreatedUTC.UTC().Format(timeLayout))
	return errors.Wrap(err, "transfers: create")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetPendingForReservation returns the single Pending transfer request
// for a reservation, if any.
func GetPendingForReservation(ctx context.Context, db dbutil.Queryer, reservationID string) (*TransferRequest, error) {
	row := db.QueryRowContext(ctx, baseSelect+` WHERE reservation_id = ? AND status = ?`,
		reservationID, string(StatusPending))
	return scanOne(row)
}

// Get fetches a transfer request by ID.
func Get(ctx context.Context, db dbutil.Queryer, id string) (*TransferRequest, error) {
	row := db.QueryRowContext(ctx, baseSelect+` WHERE id = ?`, id)
	return scanOne(row)
}

// ListDuePendingExpiry returns Pending rows whose expires_at_utc has
// passed, regardless of whether they are awaiting approval or a
// scheduled execution.
func ListDuePendingExpiry(ctx context.Context, db dbutil.Queryer, now time.Time, limit int) ([]*TransferRequest, error) {
	rows, err := db.QueryContext(ctx, baseSelect+` WHERE status = ? AND expires_at_utc <= ? ORDER BY expires_at_utc LIMIT ?`,
		string(StatusPending), now.UTC().Format(timeLayout), limit)
	if err != nil {
		return nil, errors.Wrap(err, "transfers: list due expiry")
	}
	defer rows.Close()
	return scanAll(rows)
}

const baseSelect = `
	SELECT id, reservation_id, from_user_id, to_user_id, requested_by_user_id, execute_at_utc,
		expires_at_utc, note, status, created_utc, canceled_at_utc, canceled_by_user_id
	FROM transfer_requests`

// SetStatus transitions a transfer request's status.
func SetStatus(ctx context.Context, db dbutil.Queryer, id string, status Status) error {
	_, err := db.ExecContext(ctx, `UPDATE transfer_requests SET status = ? WHERE id = ?`, string(status), id)
	return errors.Wrap(err, "transfers: set status")
}

// Cancel marks a transfer request Cancelled and records who canceled it.
func Cancel(ctx context.Context, db dbutil.Queryer, id, byUserID string, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE transfer_requests SET status = ?, canceled_at_utc = ?, canceled_by_user_id = ? WHERE id = ?`,
		string(StatusCancelled), now.UTC().Format(timeLayout), byUserID, id)
	return errors.Wrap(err, "transfers: cancel")
}

func scanOne(row *sql.Row) (*TransferRequest, error) {
	var t TransferRequest
	var executeAt, canceledAt, canceledBy, note sql.NullString
	var expiresAt, created string
	err := row.Scan(&t.ID, &t.ReservationID, &t.FromUserID, &t.ToUserID, &t.RequestedByUserID,
		&executeAt, &expiresAt, &note, &t.Status, &created, &canceledAt, &canceledBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "transfers: scan")
	}
	return fillParsed(&t, executeAt, expiresAt, created, canceledAt, canceledBy, note)
}

func scanAll(rows *sql.Rows) ([]*TransferRequest, error) {
	var out []*TransferRequest
	for rows.Next() {
		var t TransferRequest
		var executeAt, canceledAt, canceledBy, note sql.NullString
		var expiresAt, created string
		if err := rows.Scan(&t.ID, &t.ReservationID, &t.FromUserID, &t.ToUserID, &t.RequestedByUserID,
			&executeAt, &expiresAt, &note, &t.Status, &created, &canceledAt, &canceledBy); err != nil {
			return nil, err
		}
		parsed, err := fillParsed(&t, executeAt, expiresAt, created, canceledAt, canceledBy, note)
		if err != nil {
			return nil, err
		}
		out = append(out, parsed)
	}
	return out, rows.Err()
}

func fillParsed(t *TransferRequest, executeAt sql.NullString, expiresAt, created string, canceledAt, canceledBy, note sql.NullString) (*TransferRequest, error) {
	var err error
	if t.ExpiresAtUTC, err = time.Parse(timeLayout, expiresAt); err != nil {
		return nil, err
	}
	if t.CreatedUTC, err = time.Parse(timeLayout, created); err != nil {
		return nil, err
	}
	if executeAt.Valid {
		pt, err := time.Parse(timeLayout, executeAt.String)
		if err != nil {
			return nil, err
		}
		t.ExecuteAtUTC = &pt
	}
	if canceledAt.Valid {
		pt, err := time.Parse(timeLayout, canceledAt.String)
		if err != nil {
			return nil, err
		}
		t.CanceledAtUTC = &pt
	}
	t.CanceledByUserID = canceledBy.String
	t.Note = note.String
	return t, nil
}
