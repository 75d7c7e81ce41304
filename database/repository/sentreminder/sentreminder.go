// Package sentreminder persists the idempotency ledger JobScheduler
// handlers check before delivering a reminder, guaranteeing a given
// (reservation, kind) fires at most once even under at-least-once
// redelivery.
package sentreminder

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/kizaibot/kizaibot/database/repository/dbutil"
)

// ErrAlreadySent is returned by Record when a row for (reservationID,
// kind) already exists; callers should treat this as a successful no-op.
var ErrAlreadySent = errors.New("sentreminder: already sent")

const timeLayout = time.RFC3339

// Kind identifies which reminder fired.
type Kind string

// Reminder kinds.
const (
	KindPreStart Kind = "PreStart"
	KindStart    Kind = "Start"
	KindPreEnd   Kind = "PreEnd"
	KindOverdue  Kind = "Overdue"
)

// Delivery records how a reminder was actually delivered.
type Delivery string

// Delivery outcomes.
const (
	DeliveryDM      Delivery = "DM"
	DeliveryChannel Delivery = "Channel"
	DeliveryFailed  Delivery = "Failed"
)

// Record is a single sent-reminder ledger row.
type Record struct {
	ReservationID string
	Kind          string
	SentAtUTC     time.Time
	Delivery      Delivery
}

// Insert inserts the ledger row for (reservationID, kind). kind includes
// an overdue ordinal suffix (e.g. "Overdue:2") so each repeat overdue
// reminder gets its own idempotency slot. Returns ErrAlreadySent if the
// row already exists, without error otherwise.
func Insert(ctx context.Context, db dbutil.Queryer, reservationID, kind string, delivery Delivery, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sent_reminders (reservation_id, kind, sent_at_utc, delivery) VALUES (?, ?, ?, ?)`,
		reservationID, kind, now.UTC().Format(timeLayout), string(delivery))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadySent
		}
		return errors.Wrap(err, "sentreminder: insert")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value")
}

// Exists reports whether a reminder has already been recorded for
// (reservationID, kind).
func Exists(ctx context.Context, db dbutil.Queryer, reservationID, kind string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sent_reminders WHERE reservation_id = ? AND kind = ?`, reservationID, kind).Scan(&count)
	if err != nil {
		return false, errors.Wrap(err, "sentreminder: exists")
	}
	return count > 0, nil
}

// Get fetches the ledger row for (reservationID, kind), if any.
func Get(ctx context.Context, db dbutil.Queryer, reservationID, kind string) (*Record, error) {
	var r Record
	var sentAt string
	err := db.QueryRowContext(ctx, `
		SELECT reservation_id, kind, sent_at_utc, delivery FROM sent_reminders
		WHERE reservation_id = ? AND kind = ?`, reservationID, kind).
		Scan(&r.ReservationID, &r.Kind, &sentAt, &r.Delivery)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "sentreminder: get")
	}
	r.SentAtUTC, err = time.Parse(timeLayout, sentAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
