// Package csvexport implements the admin CSV export (C16): an
// RFC 4180-quoted dump of a guild's reservations via encoding/csv,
// grounded on the teacher's own RFC-4180 report writers in
// backtester's result-export path.
package csvexport

import (
	"context"
	"database/sql"
	"encoding/csv"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/kizaibot/kizaibot/clock"
	"github.com/kizaibot/kizaibot/database/repository/equipment"
	"github.com/kizaibot/kizaibot/database/repository/reservations"
)

// Header is the fixed column order for every export, per spec.
var Header = []string{
	"reservation_id", "equipment_name", "user_id",
	"start_jst", "end_jst", "start_utc", "end_utc",
	"status", "location", "returned_at_jst", "return_location",
}

// WriteGuild writes every reservation for every piece of equipment in
// guildID to w as RFC 4180 CSV, with equipment in equipment.List order
// (tag sort order, untagged items last, then name) and each item's
// reservations by start time.
func WriteGuild(ctx context.Context, db *sql.DB, w io.Writer, guildID string) error {
	items, err := equipment.List(ctx, db, guildID)
	if err != nil {
		return errors.Wrap(err, "csvexport: list equipment")
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return errors.Wrap(err, "csvexport: write header")
	}

	for _, eq := range items {
		rows, err := reservations.ListAllForEquipment(ctx, db, eq.ID)
		if err != nil {
			return errors.Wrap(err, "csvexport: list reservations")
		}
		for _, r := range rows {
			if err := cw.Write(recordFor(eq, r)); err != nil {
				return errors.Wrap(err, "csvexport: write row")
			}
		}
	}

	cw.Flush()
	return errors.Wrap(cw.Error(), "csvexport: flush")
}

func recordFor(eq *equipment.Equipment, r *reservations.Reservation) []string {
	returnedJST := ""
	if r.ReturnedAtUTC != nil {
		returnedJST = clock.FormatJST(*r.ReturnedAtUTC)
	}
	return []string{
		r.ID,
		eq.Name,
		r.UserID,
		clock.FormatJST(r.StartUTC),
		clock.FormatJST(r.EndUTC),
		r.StartUTC.UTC().Format(time.RFC3339),
		r.EndUTC.UTC().Format(time.RFC3339),
		string(r.Status),
		r.Location,
		returnedJST,
		r.ReturnLocation,
	}
}
