// Package auditlog persists the append-only equipment event log, one
// package per row type in the teacher repository's style (compare
// database/repository/audit in the teacher).
package auditlog

import (
	"context"
	"database/sql"
	"time"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"

	"github.com/kizaibot/kizaibot/database/repository/dbutil"
)

const timeLayout = time.RFC3339

// Action names the kind of event recorded against a piece of equipment.
type Action string

// Recorded actions.
const (
	ActionReserved           Action = "Reserved"
	ActionModified           Action = "Modified"
	ActionCancelled          Action = "Cancelled"
	ActionReturned           Action = "Returned"
	ActionReturnUndone       Action = "ReturnUndone"
	ActionReturnCorrected    Action = "ReturnCorrected"
	ActionTransferRequested  Action = "TransferRequested"
	ActionTransferAccepted   Action = "TransferAccepted"
	ActionTransferDenied     Action = "TransferDenied"
	ActionTransferCancelled  Action = "TransferCancelled"
	ActionTransferExpired    Action = "TransferExpired"
	ActionTransferExecuted   Action = "TransferExecuted"
	ActionStatusChanged      Action = "StatusChanged"
)

// Entry is a single append-only equipment log row.
type Entry struct {
	ID              string
	EquipmentID     string
	ActorUserID     string
	Action          Action
	PreviousStatus  string
	NewStatus       string
	Location        string
	Notes           string
	TimestampUTC    time.Time
}

// Append inserts a new log entry.
func Append(ctx context.Context, db dbutil.Queryer, e *Entry) error {
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	e.ID = id.String()
	_, err = db.ExecContext(ctx, `
		INSERT INTO equipment_logs (id, equipment_id, actor_user_id, action, previous_status, new_status,
			location, notes, timestamp_utc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EquipmentID, e.ActorUserID, string(e.Action), nullable(e.PreviousStatus), nullable(e.NewStatus),
		nullable(e.Location), nullable(e.Notes), e.TimestampUTC.UTC().Format(timeLayout))
	return errors.Wrap(err, "auditlog: append")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ListForEquipment returns log entries for a piece of equipment, most
// recent first, for admin review / CSV export joins.
func ListForEquipment(ctx context.Context, db dbutil.Queryer, equipmentID string, limit int) ([]*Entry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, equipment_id, actor_user_id, action, previous_status, new_status, location, notes, timestamp_utc
		FROM equipment_logs WHERE equipment_id = ? ORDER BY timestamp_utc DESC LIMIT ?`, equipmentID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "auditlog: list for equipment")
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		var prev, newS, loc, notes sql.NullString
		var ts string
		if err := rows.Scan(&e.ID, &e.EquipmentID, &e.ActorUserID, &e.Action, &prev, &newS, &loc, &notes, &ts); err != nil {
			return nil, err
		}
		e.PreviousStatus, e.NewStatus, e.Location, e.Notes = prev.String, newS.String, loc.String, notes.String
		e.TimestampUTC, err = time.Parse(timeLayout, ts)
		if err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
