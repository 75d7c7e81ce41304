// Package managedmessage persists the chat messages the bot owns inside
// a guild's reservation channel: the header, per-equipment embeds, and
// the usage guide. ChatSink message IDs are weak references tracked
// here; if a lookup against the chat platform fails, the Reconciler
// recreates the row.
package managedmessage

import (
	"context"
	"database/sql"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"

	"github.com/kizaibot/kizaibot/database/repository/dbutil"
)

// ErrNotFound is returned when a lookup finds no matching managed message.
var ErrNotFound = errors.New("managedmessage: not found")

// Kind identifies what a managed message renders.
type Kind string

// Managed message kinds.
const (
	KindHeader         Kind = "Header"
	KindEquipmentEmbed Kind = "EquipmentEmbed"
	KindGuide          Kind = "Guide"
)

// ManagedMessage is a chat message the bot may edit or delete.
type ManagedMessage struct {
	ID          string
	GuildID     string
	ChannelID   string
	MessageID   string
	Kind        Kind
	EquipmentID string
	SortOrder   int
}

// Upsert inserts or, if one already exists for (guild, equipment, kind),
// updates the managed message row, keeping the EditPlanner's view of
// reality in sync after every chat-sink call.
func Upsert(ctx context.Context, db dbutil.Queryer, m *ManagedMessage) error {
	existing, err := GetByEquipmentAndKind(ctx, db, m.GuildID, m.EquipmentID, m.Kind)
	if err != nil && err != ErrNotFound {
		return err
	}
	if existing != nil {
		m.ID = existing.ID
		_, err := db.ExecContext(ctx, `
			UPDATE managed_messages SET channel_id = ?, message_id = ?, sort_order = ? WHERE id = ?`,
			m.ChannelID, m.MessageID, m.SortOrder, m.ID)
		return errors.Wrap(err, "managedmessage: update")
	}

	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	m.ID = id.String()
	_, err = db.ExecContext(ctx, `
		INSERT INTO managed_messages (id, guild_id, channel_id, message_id, kind, equipment_id, sort_order)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.GuildID, m.ChannelID, m.MessageID, string(m.Kind), nullable(m.EquipmentID), m.SortOrder)
	return errors.Wrap(err, "managedmessage: insert")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetByEquipmentAndKind looks up a managed message by its logical key.
// For KindHeader/KindGuide, equipmentID is empty.
func GetByEquipmentAndKind(ctx context.Context, db dbutil.Queryer, guildID, equipmentID string, kind Kind) (*ManagedMessage, error) {
	var row *sql.Row
	if equipmentID == "" {
		row = db.QueryRowContext(ctx, `
			SELECT id, guild_id, channel_id, message_id, kind, equipment_id, sort_order
			FROM managed_messages WHERE guild_id = ? AND kind = ? AND equipment_id IS NULL`, guildID, string(kind))
	} else {
		row = db.QueryRowContext(ctx, `
			SELECT id, guild_id, channel_id, message_id, kind, equipment_id, sort_order
			FROM managed_messages WHERE guild_id = ? AND kind = ? AND equipment_id = ?`, guildID, string(kind), equipmentID)
	}
	return scan(row)
}

func scan(row *sql.Row) (*ManagedMessage, error) {
	var m ManagedMessage
	var eq sql.NullString
	err := row.Scan(&m.ID, &m.GuildID, &m.ChannelID, &m.MessageID, &m.Kind, &eq, &m.SortOrder)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "managedmessage: scan")
	}
	m.EquipmentID = eq.String
	return &m, nil
}

// ListForGuild returns every managed message for a guild, ordered the
// way they should appear in the channel.
func ListForGuild(ctx context.Context, db dbutil.Queryer, guildID string) ([]*ManagedMessage, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, guild_id, channel_id, message_id, kind, equipment_id, sort_order
		FROM managed_messages WHERE guild_id = ? ORDER BY sort_order`, guildID)
	if err != nil {
		return nil, errors.Wrap(err, "managedmessage: list for guild")
	}
	defer rows.Close()

	var out []*ManagedMessage
	for rows.Next() {
		var m ManagedMessage
		var eq sql.NullString
		if err := rows.Scan(&m.ID, &m.GuildID, &m.ChannelID, &m.MessageID, &m.Kind, &eq, &m.SortOrder); err != nil {
			return nil, err
		}
		m.EquipmentID = eq.String
		out = append(out, &m)
	}
	return out, rows.Err()
}

// DeleteByMessageID removes the row tracking a specific chat message,
// used after the Reconciler deletes a surplus message.
func DeleteByMessageID(ctx context.Context, db dbutil.Queryer, guildID, messageID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM managed_messages WHERE guild_id = ? AND message_id = ?`, guildID, messageID)
	return errors.Wrap(err, "managedmessage: delete")
}

// DeleteAllForGuild removes every managed message row for a guild, used
// by EditPlanner's RebuildAll self-healing path.
func DeleteAllForGuild(ctx context.Context, db dbutil.Queryer, guildID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM managed_messages WHERE guild_id = ?`, guildID)
	return errors.Wrap(err, "managedmessage: delete all for guild")
}
