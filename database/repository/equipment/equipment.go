// Package equipment persists the loanable items the bot manages:
// cameras, PCs, VR headsets, and whatever else a community shares.
package equipment

import (
	"context"
	"database/sql"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"

	"github.com/kizaibot/kizaibot/database/repository/dbutil"
)

// ErrNotFound is returned when a lookup finds no matching equipment.
var ErrNotFound = errors.New("equipment: not found")

// Status is the availability state of a piece of equipment.
type Status string

// Equipment statuses.
const (
	StatusAvailable   Status = "Available"
	StatusLoaned      Status = "Loaned"
	StatusUnavailable Status = "Unavailable"
)

// Equipment is a single loanable item.
type Equipment struct {
	ID                    string
	GuildID               string
	TagID                 string
	Name                  string
	Status                Status
	CurrentLocation       string
	UnavailableReason     string
	DefaultReturnLocation string
	MessageID             string
}

// Create inserts new equipment in the Available state.
func Create(ctx context.Context, db dbutil.Queryer, guildID, tagID, name string) (*Equipment, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	e := &Equipment{ID: id.String(), GuildID: guildID, TagID: tagID, Name: name, Status: StatusAvailable}
	_, err = db.ExecContext(ctx, `
		INSERT INTO equipment (id, guild_id, tag_id, name, status)
		VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.GuildID, nullable(e.TagID), e.Name, string(e.Status))
	if err != nil {
		return nil, errors.Wrap(err, "equipment: create")
	}
	return e, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Get fetches equipment by ID.
func Get(ctx context.Context, db dbutil.Queryer, id string) (*Equipment, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, guild_id, tag_id, name, status, current_location, unavailable_reason,
			default_return_location, message_id
		FROM equipment WHERE id = ?`, id)
	return scan(row)
}

func scan(row *sql.Row) (*Equipment, error) {
	var e Equipment
	var tagID, loc, reason, defLoc, msgID sql.NullString
	err := row.Scan(&e.ID, &e.GuildID, &tagID, &e.Name, &e.Status, &loc, &reason, &defLoc, &msgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "equipment: scan")
	}
	e.TagID = tagID.String
	e.CurrentLocation = loc.String
	e.UnavailableReason = reason.String
	e.DefaultReturnLocation = defLoc.String
	e.MessageID = msgID.String
	return &e, nil
}

// List returns every piece of equipment for a guild, ordered by
// (tag sort_order ASC NULLS LAST, equipment name ASC) per the EditPlanner
// rendering order.
func List(ctx context.Context, db dbutil.Queryer, guildID string) ([]*Equipment, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT e.id, e.guild_id, e.tag_id, e.name, e.status, e.current_location, e.unavailable_reason,
			e.default_return_location, e.message_id
		FROM equipment e
		LEFT JOIN tags t ON t.id = e.tag_id
		WHERE e.guild_id = ?
		ORDER BY CASE WHEN t.sort_order IS NULL THEN 1 ELSE 0 END, t.sort_order, e.name`, guildID)
	if err != nil {
		return nil, errors.Wrap(err, "equipment: list")
	}
	defer rows.Close()

	var out []*Equipment
	for rows.Next() {
		var e Equipment
		var tagID, loc, reason, defLoc, msgID sql.NullString
		if err := rows.Scan(&e.ID, &e.GuildID, &tagID, &e.Name, &e.Status, &loc, &reason, &defLoc, &msgID); err != nil {
			return nil, err
		}
		e.TagID = tagID.String
		e.CurrentLocation = loc.String
		e.UnavailableReason = reason.String
		e.DefaultReturnLocation = defLoc.String
		e.MessageID = msgID.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

// SetStatus updates status, location, and unavailable_reason together,
// the way the reservation engine and admin management commands
// transition equipment between Available/Loaned/Unavailable.
func SetStatus(ctx context.Context, db dbutil.Queryer, id string, status Status, location, reason string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE equipment SET status = ?, current_location = ?, unavailable_reason = ? WHERE id = ?`,
		string(status), nullable(location), nullable(reason), id)
	return errors.Wrap(err, "equipment: set status")
}

// SetMessageID records the managed embed message backing this equipment,
// updated whenever the Reconciler (re)creates it.
func SetMessageID(ctx context.Context, db dbutil.Queryer, id, messageID string) error {
	_, err := db.ExecContext(ctx, `UPDATE equipment SET message_id = ? WHERE id = ?`, nullable(messageID), id)
	return errors.Wrap(err, "equipment: set message id")
}

// Rename updates an equipment's display name.
func Rename(ctx context.Context, db dbutil.Queryer, id, name string) error {
	_, err := db.ExecContext(ctx, `UPDATE equipment SET name = ? WHERE id = ?`, name, id)
	return errors.Wrap(err, "equipment: rename")
}

// SetTag moves equipment to a different tag (or none, if tagID is empty).
func SetTag(ctx context.Context, db dbutil.Queryer, id, tagID string) error {
	_, err := db.ExecContext(ctx, `UPDATE equipment SET tag_id = ? WHERE id = ?`, nullable(tagID), id)
	return errors.Wrap(err, "equipment: set tag")
}

// Delete removes equipment permanently. Callers are responsible for
// ensuring no confirmed reservations reference it first.
func Delete(ctx context.Context, db dbutil.Queryer, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM equipment WHERE id = ?`, id)
	return errors.Wrap(err, "equipment: delete")
}
