// Package tag persists equipment categories used to group and order the
// equipment list rendered into the reservation channel.
package tag

import (
	"context"
	"database/sql"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"

	"github.com/kizaibot/kizaibot/database/repository/dbutil"
)

// ErrNotFound is returned when a lookup finds no matching tag.
var ErrNotFound = errors.New("tag: not found")

// Tag groups equipment for sorting and display.
type Tag struct {
	ID        string
	GuildID   string
	Name      string
	SortOrder int
}

// Create inserts a new tag.
func Create(ctx context.Context, db dbutil.Queryer, guildID, name string, sortOrder int) (*Tag, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	t := &Tag{ID: id.String(), GuildID: guildID, Name: name, SortOrder: sortOrder}
	_, err = db.ExecContext(ctx, `INSERT INTO tags (id, guild_id, name, sort_order) VALUES (?, ?, ?, ?)`,
		t.ID, t.GuildID, t.Name, t.SortOrder)
	if err != nil {
		return nil, errors.Wrap(err, "tag: create")
	}
	return t, nil
}

// List returns every tag for a guild, ordered by sort_order then name.
func List(ctx context.Context, db dbutil.Queryer, guildID string) ([]*Tag, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, guild_id, name, sort_order FROM tags WHERE guild_id = ? ORDER BY sort_order, name`, guildID)
	if err != nil {
		return nil, errors.Wrap(err, "tag: list")
	}
	defer rows.Close()

	var out []*Tag
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.ID, &t.GuildID, &t.Name, &t.SortOrder); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// Get fetches a tag by ID.
func Get(ctx context.Context, db dbutil.Queryer, id string) (*Tag, error) {
	var t Tag
	err := db.QueryRowContext(ctx, `SELECT id, guild_id, name, sort_order FROM tags WHERE id = ?`, id).
		Scan(&t.ID, &t.GuildID, &t.Name, &t.SortOrder)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "tag: get")
	}
	return &t, nil
}

// Delete removes a tag and detaches any equipment referencing it (sets
// tag_id to NULL rather than cascading the delete), per the documented
// invariant that deleting a tag never deletes equipment.
func Delete(ctx context.Context, db dbutil.Queryer, id string) error {
	if _, err := db.ExecContext(ctx, `UPDATE equipment SET tag_id = NULL WHERE tag_id = ?`, id); err != nil {
		return errors.Wrap(err, "tag: detach equipment")
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM tags WHERE id = ?`, id); err != nil {
		return errors.Wrap(err, "tag: delete")
	}
	return nil
}
