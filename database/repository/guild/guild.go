// Package guild persists per-community configuration: the reservation
// channel, admin roles, and notification timing, grounded on the
// teacher repository's one-package-per-row-type repository layout
// (e.g. database/repository/audit, database/repository/exchange).
package guild

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/kizaibot/kizaibot/database/repository/dbutil"
)

// ErrNotFound is returned when a lookup finds no matching guild.
var ErrNotFound = errors.New("guild: not found")

// NotifySettings holds the reminder-timing knobs configured by /setup.
type NotifySettings struct {
	DMFallbackToChannel bool
	PreStartMin         int
	PreEndMin           int
	OverdueEveryH       int
	OverdueMaxCount     int
}

// Guild is a community with the bot installed.
type Guild struct {
	ID                   string
	ReservationChannelID string
	AdminRoleIDs         []string
	Notify               NotifySettings
	CreatedUTC           time.Time
}

// Create inserts a new guild row, keyed by the chat platform's own guild
// ID, with default notification settings. Invoked the first time /setup
// runs in a community.
func Create(ctx context.Context, db dbutil.Queryer, id string, now time.Time) (*Guild, error) {
	if id == "" {
		return nil, errors.New("guild: id is required")
	}
	g := &Guild{
		ID: id,
		Notify: NotifySettings{
			DMFallbackToChannel: true,
			PreStartMin:         30,
			PreEndMin:           15,
			OverdueEveryH:       12,
			OverdueMaxCount:     3,
		},
		CreatedUTC: now,
	}
	roles, err := json.Marshal(g.AdminRoleIDs)
	if err != nil {
		return nil, err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO guilds (id, reservation_channel_id, admin_role_ids, dm_fallback_to_channel,
			pre_start_min, pre_end_min, overdue_every_h, overdue_max_count, created_utc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.ReservationChannelID, string(roles), g.Notify.DMFallbackToChannel,
		g.Notify.PreStartMin, g.Notify.PreEndMin, g.Notify.OverdueEveryH, g.Notify.OverdueMaxCount,
		g.CreatedUTC.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, errors.Wrap(err, "guild: create")
	}
	return g, nil
}

// Get fetches a guild by ID.
func Get(ctx context.Context, db dbutil.Queryer, id string) (*Guild, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, reservation_channel_id, admin_role_ids, dm_fallback_to_channel,
			pre_start_min, pre_end_min, overdue_every_h, overdue_max_count, created_utc
		FROM guilds WHERE id = ?`, id)
	return scan(row)
}

func scan(row *sql.Row) (*Guild, error) {
	var g Guild
	var channelID sql.NullString
	var rolesJSON, created string
	err := row.Scan(&g.ID, &channelID, &rolesJSON, &g.Notify.DMFallbackToChannel,
		&g.Notify.PreStartMin, &g.Notify.PreEndMin, &g.Notify.OverdueEveryH, &g.Notify.OverdueMaxCount,
		&created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "guild: scan")
	}
	g.ReservationChannelID = channelID.String
	if err := json.Unmarshal([]byte(rolesJSON), &g.AdminRoleIDs); err != nil {
		return nil, err
	}
	g.CreatedUTC, err = time.Parse(time.RFC3339, created)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// UpdateChannel sets the reservation channel for a guild.
func UpdateChannel(ctx context.Context, db dbutil.Queryer, guildID, channelID string) error {
	_, err := db.ExecContext(ctx, `UPDATE guilds SET reservation_channel_id = ? WHERE id = ?`, channelID, guildID)
	return errors.Wrap(err, "guild: update channel")
}

// UpdateAdminRoles replaces the admin role set for a guild.
func UpdateAdminRoles(ctx context.Context, db dbutil.Queryer, guildID string, roleIDs []string) error {
	roles, err := json.Marshal(roleIDs)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `UPDATE guilds SET admin_role_ids = ? WHERE id = ?`, string(roles), guildID)
	return errors.Wrap(err, "guild: update admin roles")
}

// UpdateNotifySettings replaces the notification tuning for a guild.
func UpdateNotifySettings(ctx context.Context, db dbutil.Queryer, guildID string, n NotifySettings) error {
	_, err := db.ExecContext(ctx, `
		UPDATE guilds SET dm_fallback_to_channel = ?, pre_start_min = ?, pre_end_min = ?,
			overdue_every_h = ?, overdue_max_count = ? WHERE id = ?`,
		n.DMFallbackToChannel, n.PreStartMin, n.PreEndMin, n.OverdueEveryH, n.OverdueMaxCount, guildID)
	return errors.Wrap(err, "guild: update notify settings")
}

// IsAdmin reports whether actor holds the guild administrator bit or is
// a member of any configured admin role.
func (g *Guild) IsAdmin(hasAdminBit bool, memberRoleIDs []string) bool {
	if hasAdminBit {
		return true
	}
	for _, want := range g.AdminRoleIDs {
		for _, have := range memberRoleIDs {
			if want == have {
				return true
			}
		}
	}
	return false
}
