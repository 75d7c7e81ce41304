// Package location persists the named physical locations equipment can
// be checked out to and returned from.
package location

import (
	"context"
	"database/sql"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"

	"github.com/kizaibot/kizaibot/database/repository/dbutil"
)

// ErrNotFound is returned when a lookup finds no matching location.
var ErrNotFound = errors.New("location: not found")

// Location is a named place equipment can be returned to.
type Location struct {
	ID      string
	GuildID string
	Name    string
}

// Create inserts a new location.
func Create(ctx context.Context, db dbutil.Queryer, guildID, name string) (*Location, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	l := &Location{ID: id.String(), GuildID: guildID, Name: name}
	_, err = db.ExecContext(ctx, `INSERT INTO locations (id, guild_id, name) VALUES (?, ?, ?)`,
		l.ID, l.GuildID, l.Name)
	if err != nil {
		return nil, errors.Wrap(err, "location: create")
	}
	return l, nil
}

// List returns every location for a guild, alphabetically.
func List(ctx context.Context, db dbutil.Queryer, guildID string) ([]*Location, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, guild_id, name FROM locations WHERE guild_id = ? ORDER BY name`, guildID)
	if err != nil {
		return nil, errors.Wrap(err, "location: list")
	}
	defer rows.Close()

	var out []*Location
	for rows.Next() {
		var l Location
		if err := rows.Scan(&l.ID, &l.GuildID, &l.Name); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// Get fetches a location by ID.
func Get(ctx context.Context, db dbutil.Queryer, id string) (*Location, error) {
	var l Location
	err := db.QueryRowContext(ctx, `SELECT id, guild_id, name FROM locations WHERE id = ?`, id).
		Scan(&l.ID, &l.GuildID, &l.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "location: get")
	}
	return &l, nil
}

// Delete removes a location.
func Delete(ctx context.Context, db dbutil.Queryer, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM locations WHERE id = ?`, id)
	return errors.Wrap(err, "location: delete")
}
