// Package reservations persists reservation rows and the atomic overlap
// predicate the ReservationEngine relies on for conflict-free booking.
// Row access is intentionally free-function-based (no lazy navigation),
// matching the teacher repository's per-entity repository packages.
package reservations

import (
	"context"
	"database/sql"
	"time"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"

	"github.com/kizaibot/kizaibot/database/repository/dbutil"
)

// ErrNotFound is returned when a lookup finds no matching reservation.
var ErrNotFound = errors.New("reservations: not found")

// Status is the lifecycle state of a reservation.
type Status string

// Reservation statuses.
const (
	StatusConfirmed Status = "Confirmed"
	StatusCancelled Status = "Cancelled"
)

// Reservation is a single booking of a piece of equipment.
type Reservation struct {
	ID             string
	EquipmentID    string
	UserID         string
	StartUTC       time.Time
	EndUTC         time.Time
	Location       string
	Status         Status
	ReturnedAtUTC  *time.Time
	ReturnLocation string
	CreatedUTC     time.Time
	UpdatedUTC     time.Time
}

const timeLayout = time.RFC3339

// Overlapping returns every Confirmed reservation on equipmentID whose
// half-open window [start, end) intersects [start, end), excluding
// excludeID (used by modify to ignore the row being changed).
func Overlapping(ctx context.Context, db dbutil.Queryer, equipmentID string, start, end time.Time, excludeID string) ([]*Reservation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, equipment_id, user_id, start_utc, end_utc, location, status,
			returned_at_utc, return_location, created_utc, updated_utc
		FROM reservations
		WHERE equipment_id = ? AND status = ? AND start_utc < ? AND end_utc > ? AND id != ?
		ORDER BY start_utc`,
		equipmentID, string(StatusConfirmed), end.UTC().Format(timeLayout), start.UTC().Format(timeLayout), excludeID)
	if err != nil {
		return nil, errors.Wrap(err, "reservations: overlapping")
	}
	defer rows.Close()
	return scanAll(rows)
}

// Create inserts a new Confirmed reservation. Callers must have already
// verified the overlap predicate inside the same transaction.
func Create(ctx context.Context, db dbutil.Queryer, equipmentID, userID string, start, end time.Time, location string, now time.Time) (*Reservation, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	r := &Reservation{
		ID: id.String(), EquipmentID: equipmentID, UserID: userID,
		StartUTC: start.UTC(), EndUTC: end.UTC(), Location: location,
		Status: StatusConfirmed, CreatedUTC: now, UpdatedUTC: now,
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO reservations (id, equipment_id, user_id, start_utc, end_utc, location, status,
			created_utc, updated_utc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.EquipmentID, r.UserID, r.StartUTC.Format(timeLayout), r.EndUTC.Format(timeLayout),
		nullable(r.Location), string(r.Status), r.CreatedUTC.Format(timeLayout), r.UpdatedUTC.Format(timeLayout))
	if err != nil {
		return nil, errors.Wrap(err, "reservations: create")
	}
	return r, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Get fetches a reservation by ID.
func Get(ctx context.Context, db dbutil.Queryer, id string) (*Reservation, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, equipment_id, user_id, start_utc, end_utc, location, status,
			returned_at_utc, return_location, created_utc, updated_utc
		FROM reservations WHERE id = ?`, id)
	return scanOne(row)
}

// ListUpcomingConfirmed returns up to limit Confirmed reservations for
// equipmentID whose end is after now, ordered by start, for the embed's
// "next up to 5 confirmed upcoming reservations" section.
func ListUpcomingConfirmed(ctx context.Context, db dbutil.Queryer, equipmentID string, now time.Time, limit int) ([]*Reservation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, equipment_id, user_id, start_utc, end_utc, location, status,
			returned_at_utc, return_location, created_utc, updated_utc
		FROM reservations
		WHERE equipment_id = ? AND status = ? AND end_utc > ?
		ORDER BY start_utc LIMIT ?`,
		equipmentID, string(StatusConfirmed), now.UTC().Format(timeLayout), limit)
	if err != nil {
		return nil, errors.Wrap(err, "reservations: list upcoming")
	}
	defer rows.Close()
	return scanAll(rows)
}

// ListAllForEquipment returns every reservation on equipmentID regardless
// of status, ordered by start time, for the admin CSV export.
func ListAllForEquipment(ctx context.Context, db dbutil.Queryer, equipmentID string) ([]*Reservation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, equipment_id, user_id, start_utc, end_utc, location, status,
			returned_at_utc, return_location, created_utc, updated_utc
		FROM reservations WHERE equipment_id = ? ORDER BY start_utc`, equipmentID)
	if err != nil {
		return nil, errors.Wrap(err, "reservations: list all for equipment")
	}
	defer rows.Close()
	return scanAll(rows)
}

// NextConfirmedStart returns the start time of the soonest Confirmed
// reservation on equipmentID beginning at or after now, excluding
// excludeID, for the return-correction window calculation.
func NextConfirmedStart(ctx context.Context, db dbutil.Queryer, equipmentID string, now time.Time, excludeID string) (*time.Time, error) {
	row := db.QueryRowContext(ctx, `
		SELECT start_utc FROM reservations
		WHERE equipment_id = ? AND status = ? AND start_utc >= ? AND id != ?
		ORDER BY start_utc LIMIT 1`,
		equipmentID, string(StatusConfirmed), now.UTC().Format(timeLayout), excludeID)
	var s string
	if err := row.Scan(&s); errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "reservations: next confirmed start")
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateWindow changes a reservation's start/end/location and bumps
// updated_utc. Callers must have already verified the overlap predicate.
func UpdateWindow(ctx context.Context, db dbutil.Queryer, id string, start, end time.Time, location string, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE reservations SET start_utc = ?, end_utc = ?, location = ?, updated_utc = ? WHERE id = ?`,
		start.UTC().Format(timeLayout), end.UTC().Format(timeLayout), nullable(location), now.UTC().Format(timeLayout), id)
	return errors.Wrap(err, "reservations: update window")
}

// Cancel marks a reservation Cancelled.
func Cancel(ctx context.Context, db dbutil.Queryer, id string, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE reservations SET status = ?, updated_utc = ? WHERE id = ?`,
		string(StatusCancelled), now.UTC().Format(timeLayout), id)
	return errors.Wrap(err, "reservations: cancel")
}

// MarkReturned sets returned_at_utc and return_location without changing
// status; returns do not cancel the reservation.
func MarkReturned(ctx context.Context, db dbutil.Queryer, id, location string, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE reservations SET returned_at_utc = ?, return_location = ?, updated_utc = ? WHERE id = ?`,
		now.UTC().Format(timeLayout), nullable(location), now.UTC().Format(timeLayout), id)
	return errors.Wrap(err, "reservations: mark returned")
}

// UndoReturn clears returned_at_utc and return_location.
func UndoReturn(ctx context.Context, db dbutil.Queryer, id string, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE reservations SET returned_at_utc = NULL, return_location = NULL, updated_utc = ? WHERE id = ?`,
		now.UTC().Format(timeLayout), id)
	return errors.Wrap(err, "reservations: undo return")
}

// CorrectReturnLocation updates return_location without touching
// returned_at_utc.
func CorrectReturnLocation(ctx context.Context, db dbutil.Queryer, id, location string, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE reservations SET return_location = ?, updated_utc = ? WHERE id = ?`,
		nullable(location), now.UTC().Format(timeLayout), id)
	return errors.Wrap(err, "reservations: correct return location")
}

// TransferOwner changes user_id, used by both immediate-accept and
// scheduled-execution transfer paths.
func TransferOwner(ctx context.Context, db dbutil.Queryer, id, newUserID string, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		UPDATE reservations SET user_id = ?, updated_utc = ? WHERE id = ?`,
		newUserID, now.UTC().Format(timeLayout), id)
	return errors.Wrap(err, "reservations: transfer owner")
}

func scanOne(row *sql.Row) (*Reservation, error) {
	var r Reservation
	var loc, retLoc, returnedAt sql.NullString
	var start, end, created, updated string
	err := row.Scan(&r.ID, &r.EquipmentID, &r.UserID, &start, &end, &loc, &r.Status,
		&returnedAt, &retLoc, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "reservations: scan")
	}
	return fillParsed(&r, start, end, created, updated, loc, retLoc, returnedAt)
}

func scanAll(rows *sql.Rows) ([]*Reservation, error) {
	var out []*Reservation
	for rows.Next() {
		var r Reservation
		var loc, retLoc, returnedAt sql.NullString
		var start, end, created, updated string
		if err := rows.Scan(&r.ID, &r.EquipmentID, &r.UserID, &start, &end, &loc, &r.Status,
			&returnedAt, &retLoc, &created, &updated); err != nil {
			return nil, err
		}
		parsed, err := fillParsed(&r, start, end, created, updated, loc, retLoc, returnedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, parsed)
	}
	return out, rows.Err()
}

func fillParsed(r *Reservation, start, end, created, updated string, loc, retLoc, returnedAt sql.NullString) (*Reservation, error) {
	var err error
	if r.StartUTC, err = time.Parse(timeLayout, start); err != nil {
		return nil, err
	}
	if r.EndUTC, err = time.Parse(timeLayout, end); err != nil {
		return nil, err
	}
	if r.CreatedUTC, err = time.Parse(timeLayout, created); err != nil {
		return nil, err
	}
	if r.UpdatedUTC, err = time.Parse(timeLayout, updated); err != nil {
		return nil, err
	}
	r.Location = loc.String
	r.ReturnLocation = retLoc.String
	if returnedAt.Valid {
		t, err := time.Parse(timeLayout, returnedAt.String)
		if err != nil {
			return nil, err
		}
		r.ReturnedAtUTC = &t
	}
	return r, nil
}
