// Package router implements the InteractionRouter (C10): it receives
// parsed slash-command/button/modal events from the transport, produces
// the ephemeral reply the 3-second acknowledgement deadline requires,
// then drives the ReservationEngine and kicks off the follow-up
// reminder sync, grounded on the teacher's single-dispatch-table REST
// command router in cmd/gctcli (one verb maps to one handler function).
package router

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/kizaibot/kizaibot/clock"
	"github.com/kizaibot/kizaibot/csvexport"
	"github.com/kizaibot/kizaibot/database/repository/guild"
	"github.com/kizaibot/kizaibot/database/repository/location"
	"github.com/kizaibot/kizaibot/database/repository/reservations"
	"github.com/kizaibot/kizaibot/log"
	"github.com/kizaibot/kizaibot/reminder"
	"github.com/kizaibot/kizaibot/reservation"
	"github.com/kizaibot/kizaibot/session"
)

var logger = log.SubLogger("router")

// SetupCommandName is the slash command name the transport layer
// registers and dispatches HandleSetupCommand for.
const SetupCommandName = "setup"

// Actor is who issued an interaction: the engine-level identity plus
// the guild role membership only the router's admin-permission checks
// need (the engine itself only ever sees the narrower reservation.Actor).
type Actor struct {
	reservation.Actor
	MemberRoleIDs []string
}

// Reply is the ephemeral first response every handler produces, per the
// "ephemeral reply first, then DB transaction, then follow-up work" rule.
type Reply struct {
	Content string
	// Attachment, when non-nil, carries exported data (e.g. the CSV
	// export) for the transport layer to attach to the reply.
	Attachment     []byte
	AttachmentName string
}

func reply(format string, a ...any) (Reply, error) {
	return Reply{Content: fmt.Sprintf(format, a...)}, nil
}

// Router is the InteractionRouter.
type Router struct {
	eng      *reservation.Engine
	db       *sql.DB
	sessions *session.Registry
	clock    clock.Clock
}

// New builds a Router over eng, persisting wizard state in sessions.
func New(eng *reservation.Engine, db *sql.DB, sessions *session.Registry, c clock.Clock) *Router {
	return &Router{eng: eng, db: db, sessions: sessions, clock: c}
}

// errorReply translates a domain or infrastructure error into the
// ephemeral text the taxonomy in the error handling design calls for.
// The second return value is the error to log/propagate, or nil when
// the caller should treat this as a handled, user-facing outcome.
func errorReply(err error) (Reply, error) {
	var domainErr *reservation.Error
	if errors.As(err, &domainErr) {
		switch domainErr.Kind {
		case reservation.KindConflict:
			var b strings.Builder
			b.WriteString("This booking conflicts with an existing reservation:\n")
			for _, c := range domainErr.Conflicts {
				fmt.Fprintf(&b, "- %s to %s\n", clock.FormatJST(c.StartUTC), clock.FormatJST(c.EndUTC))
			}
			return Reply{Content: b.String()}, nil
		case reservation.KindWindowExpired:
			return reply("That's no longer possible — either the next reservation is imminent or an hour has passed since the return.")
		case reservation.KindPermissionDenied:
			return reply("You don't have permission to do that.")
		case reservation.KindNotFound:
			return reply("That reservation or item no longer exists. The display will refresh shortly.")
		case reservation.KindInvalidInput:
			return reply("Couldn't process that: %s", domainErr.Message)
		case reservation.KindDuplicate:
			return reply("There's already a pending request for this: %s", domainErr.Message)
		case reservation.KindEquipmentUnavailable:
			return reply("This item is marked unavailable: %s", domainErr.Message)
		case reservation.KindOutOfWindow:
			return reply("That falls outside the allowed window.")
		case reservation.KindNoOp:
			return reply("Nothing to do: %s", domainErr.Message)
		}
	}
	logger.Errorf("unhandled interaction error: %v", err)
	return Reply{Content: "Something went wrong. Please try again in a moment."}, err
}

// HandleButton dispatches a button press by its custom-ID namespace.
func (rt *Router) HandleButton(ctx context.Context, actor Actor, guildID, channelID, rawCustomID string) (Reply, error) {
	id, ok := ParseCustomID(rawCustomID)
	if !ok {
		return reply("Unrecognised action.")
	}
	switch id.Namespace {
	case NamespaceReservation:
		return rt.handleReservationButton(ctx, actor, id)
	case NamespaceReturn:
		return rt.handleReturnButton(ctx, actor, guildID, id)
	case NamespaceTransfer:
		return rt.handleTransferButton(ctx, actor, id)
	case NamespaceManagement:
		return rt.handleManagementButton(ctx, actor, guildID, channelID, id)
	default:
		return reply("Unrecognised action.")
	}
}

// HandleModal dispatches a submitted modal by its custom-ID namespace.
func (rt *Router) HandleModal(ctx context.Context, actor Actor, guildID, channelID, rawCustomID string, fields map[string]string) (Reply, error) {
	id, ok := ParseCustomID(rawCustomID)
	if !ok {
		return reply("Unrecognised action.")
	}
	switch id.Namespace {
	case NamespaceReservation:
		return rt.handleReservationModal(ctx, actor, guildID, id, fields)
	case NamespaceTransfer:
		return rt.handleTransferModal(ctx, actor, guildID, id, fields)
	case NamespaceManagement:
		return rt.handleManagementModal(ctx, actor, guildID, id, fields)
	default:
		return reply("Unrecognised action.")
	}
}

func parseWindow(fields map[string]string) (time.Time, time.Time, error) {
	start, err := clock.ParseJST(fields["start"])
	if err != nil {
		return time.Time{}, time.Time{}, &reservation.Error{Kind: reservation.KindInvalidInput, Message: "start must look like " + clock.InputLayout}
	}
	end, err := clock.ParseJST(fields["end"])
	if err != nil {
		return time.Time{}, time.Time{}, &reservation.Error{Kind: reservation.KindInvalidInput, Message: "end must look like " + clock.InputLayout}
	}
	return start, end, nil
}

// --- res:* -----------------------------------------------------------

func (rt *Router) handleReservationButton(ctx context.Context, actor Actor, id CustomID) (Reply, error) {
	if len(id.Args) < 1 {
		return reply("Unrecognised action.")
	}
	switch id.Verb {
	case "new":
		return reply("To reserve %s, submit the form with the start, end (YYYY-MM-DD HH:MM, JST), and pickup location.", id.Args[0])
	case "edit":
		return reply("To change reservation %s, submit the form with the new start, end, and/or location.", id.Args[0])
	case "cancel":
		_, _, err := rt.eng.Cancel(ctx, actor.Actor, id.Args[0])
		if err != nil {
			return errorReply(err)
		}
		if err := reminder.CancelAll(ctx, rt.db, id.Args[0]); err != nil {
			logger.Warnf("cancel reminders for %s: %v", id.Args[0], err)
		}
		return reply("Reservation cancelled.")
	default:
		return reply("Unrecognised action.")
	}
}

func (rt *Router) handleReservationModal(ctx context.Context, actor Actor, guildID string, id CustomID, fields map[string]string) (Reply, error) {
	if len(id.Args) < 1 {
		return reply("Unrecognised action.")
	}
	switch id.Verb {
	case "new":
		start, end, err := parseWindow(fields)
		if err != nil {
			return errorReply(err)
		}
		r, _, err := rt.eng.Create(ctx, actor.Actor, id.Args[0], actor.UserID, start, end, fields["location"])
		if err != nil {
			return errorReply(err)
		}
		rt.syncReminders(ctx, guildID, r)
		return reply("Reserved from %s to %s.", clock.FormatJST(r.StartUTC), clock.FormatJST(r.EndUTC))
	case "edit":
		var newStart, newEnd *time.Time
		if fields["start"] != "" || fields["end"] != "" {
			start, end, err := parseWindow(fields)
			if err != nil {
				return errorReply(err)
			}
			newStart, newEnd = &start, &end
		}
		var newLocation *string
		if loc, ok := fields["location"]; ok {
			newLocation = &loc
		}
		r, _, err := rt.eng.Modify(ctx, actor.Actor, id.Args[0], newStart, newEnd, newLocation)
		if err != nil {
			return errorReply(err)
		}
		rt.syncReminders(ctx, guildID, r)
		return reply("Reservation updated: %s to %s.", clock.FormatJST(r.StartUTC), clock.FormatJST(r.EndUTC))
	default:
		return reply("Unrecognised action.")
	}
}

func (rt *Router) syncReminders(ctx context.Context, guildID string, r *reservations.Reservation) {
	g, err := guild.Get(ctx, rt.db, guildID)
	if err != nil {
		logger.Warnf("load guild %s for reminder sync: %v", guildID, err)
		return
	}
	if err := reminder.Sync(ctx, rt.db, r, g); err != nil {
		logger.Warnf("sync reminders for %s: %v", r.ID, err)
	}
}

// --- ret:* -------------------------------------------------------------

func (rt *Router) activeReservation(ctx context.Context, equipmentID string) (*reservations.Reservation, error) {
	all, err := reservations.ListUpcomingConfirmed(ctx, rt.db, equipmentID, rt.clock.NowUTC(), 1)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 || all[0].StartUTC.After(rt.clock.NowUTC()) {
		return nil, &reservation.Error{Kind: reservation.KindNotFound, Message: "no active loan for this item"}
	}
	return all[0], nil
}

func (rt *Router) handleReturnButton(ctx context.Context, actor Actor, guildID string, id CustomID) (Reply, error) {
	if len(id.Args) < 1 {
		return reply("Unrecognised action.")
	}
	switch id.Verb {
	case "start":
		r, err := rt.activeReservation(ctx, id.Args[0])
		if err != nil {
			return errorReply(err)
		}
		locs, err := location.List(ctx, rt.db, guildID)
		if err != nil {
			logger.Warnf("list locations for guild %s: %v", guildID, err)
		}
		if len(locs) == 0 {
			return reply("To complete the return of reservation %s, enter the drop-off location.", r.ID)
		}
		names := make([]string, len(locs))
		for i, l := range locs {
			names[i] = l.Name
		}
		return reply("To complete the return of reservation %s, pick a drop-off location: %s.", r.ID, strings.Join(names, ", "))
	case "loc":
		return rt.handleReturnLoc(ctx, actor, guildID, id)
	case "undo":
		r, _, err := rt.eng.ReturnUndo(ctx, actor.Actor, id.Args[0])
		if err != nil {
			return errorReply(err)
		}
		rt.syncReminders(ctx, guildID, r)
		return reply("Return undone; the item is shown as loaned again.")
	default:
		return reply("Unrecognised action.")
	}
}

// handleReturnLoc completes ret:loc:{res}:{loc}. Buttons don't carry a
// free-text field, so the location is embedded directly in the custom-ID
// as its last segment.
func (rt *Router) handleReturnLoc(ctx context.Context, actor Actor, guildID string, id CustomID) (Reply, error) {
	if len(id.Args) < 2 {
		return reply("Unrecognised action.")
	}
	r, _, err := rt.eng.Return(ctx, actor.Actor, id.Args[0], id.Args[1])
	if err != nil {
		return errorReply(err)
	}
	if err := reminder.CancelAll(ctx, rt.db, r.ID); err != nil {
		logger.Warnf("cancel reminders for %s: %v", r.ID, err)
	}
	return reply("Marked returned at %s.", id.Args[1])
}

// --- xfer:* ------------------------------------------------------------

func (rt *Router) handleTransferButton(ctx context.Context, actor Actor, id CustomID) (Reply, error) {
	if len(id.Args) < 1 {
		return reply("Unrecognised action.")
	}
	switch id.Verb {
	case "new":
		return reply("To hand off reservation %s, submit the form with the recipient, an optional scheduled time, and a note.", id.Args[0])
	case "ack":
		if len(id.Args) < 2 {
			return reply("Unrecognised action.")
		}
		switch id.Args[1] {
		case "accept":
			_, _, err := rt.eng.AcceptTransfer(ctx, actor.Actor, id.Args[0])
			if err != nil {
				return errorReply(err)
			}
			return reply("Transfer accepted; you're now the owner.")
		case "deny":
			_, err := rt.eng.DenyTransfer(ctx, actor.Actor, id.Args[0])
			if err != nil {
				return errorReply(err)
			}
			return reply("Transfer declined.")
		default:
			return reply("Unrecognised action.")
		}
	case "cancel":
		_, err := rt.eng.CancelTransfer(ctx, actor.Actor, id.Args[0])
		if err != nil {
			return errorReply(err)
		}
		return reply("Transfer request cancelled.")
	default:
		return reply("Unrecognised action.")
	}
}

func (rt *Router) handleTransferModal(ctx context.Context, actor Actor, guildID string, id CustomID, fields map[string]string) (Reply, error) {
	if id.Verb != "new" || len(id.Args) < 1 {
		return reply("Unrecognised action.")
	}
	var executeAt *time.Time
	if raw := fields["execute_at"]; raw != "" {
		t, err := clock.ParseJST(raw)
		if err != nil {
			return errorReply(&reservation.Error{Kind: reservation.KindInvalidInput, Message: "execute_at must look like " + clock.InputLayout})
		}
		executeAt = &t
	}
	isBot := func(userID string) bool { return false } // the Router holds no chat sink, so no recipient is detected as a bot here
	_, _, err := rt.eng.RequestTransfer(ctx, actor.Actor, id.Args[0], fields["to_user"], executeAt, fields["note"], isBot)
	if err != nil {
		return errorReply(err)
	}
	if executeAt != nil {
		return reply("Transfer scheduled for %s.", clock.FormatJST(*executeAt))
	}
	return reply("Transfer request sent; awaiting the recipient's response.")
}

// --- mgmt:* ------------------------------------------------------------

func (rt *Router) requireGuildAdmin(ctx context.Context, guildID string, actor Actor) (*guild.Guild, error) {
	g, err := guild.Get(ctx, rt.db, guildID)
	if err != nil {
		return nil, err
	}
	if !g.IsAdmin(actor.IsAdmin, actor.MemberRoleIDs) {
		return nil, &reservation.Error{Kind: reservation.KindPermissionDenied}
	}
	return g, nil
}

func (rt *Router) handleManagementButton(ctx context.Context, actor Actor, guildID, channelID string, id CustomID) (Reply, error) {
	switch {
	case id.Verb == "root":
		if _, err := rt.requireGuildAdmin(ctx, guildID, actor); err != nil {
			return errorReply(err)
		}
		return reply("Management panel: use mgmt:export:csv to download a reservation history export, mgmt:filter:<status> to narrow a view, or mgmt:location:list / mgmt:location:add / mgmt:location:remove:<id> to manage drop-off locations.")
	case id.Verb == "filter":
		if _, err := rt.requireGuildAdmin(ctx, guildID, actor); err != nil {
			return errorReply(err)
		}
		filter := "all"
		if len(id.Args) > 0 {
			filter = id.Args[0]
		}
		return reply("Filter applied: %s.", filter)
	case id.Verb == "export" && len(id.Args) > 0 && id.Args[0] == "csv":
		if _, err := rt.requireGuildAdmin(ctx, guildID, actor); err != nil {
			return errorReply(err)
		}
		var buf strings.Builder
		if err := csvexport.WriteGuild(ctx, rt.db, &buf, guildID); err != nil {
			return errorReply(err)
		}
		return Reply{
			Content:        "Export ready.",
			Attachment:     []byte(buf.String()),
			AttachmentName: "reservations.csv",
		}, nil
	case id.Verb == "setup":
		return rt.handleSetupButton(ctx, actor, guildID, channelID, id)
	case id.Verb == "location" && len(id.Args) > 0 && id.Args[0] == "list":
		if _, err := rt.requireGuildAdmin(ctx, guildID, actor); err != nil {
			return errorReply(err)
		}
		locs, err := location.List(ctx, rt.db, guildID)
		if err != nil {
			return errorReply(err)
		}
		if len(locs) == 0 {
			return reply("No locations configured yet; submit mgmt:location:add to create one.")
		}
		names := make([]string, len(locs))
		for i, l := range locs {
			names[i] = l.Name
		}
		return reply("Configured locations: %s.", strings.Join(names, ", "))
	case id.Verb == "location" && len(id.Args) > 0 && id.Args[0] == "add":
		if _, err := rt.requireGuildAdmin(ctx, guildID, actor); err != nil {
			return errorReply(err)
		}
		return reply("Submit the form with the new location's name.")
	case id.Verb == "location" && len(id.Args) > 1 && id.Args[0] == "remove":
		if _, err := rt.requireGuildAdmin(ctx, guildID, actor); err != nil {
			return errorReply(err)
		}
		if err := location.Delete(ctx, rt.db, id.Args[1]); err != nil {
			return errorReply(err)
		}
		return reply("Location removed.")
	default:
		return reply("Unrecognised action.")
	}
}

func (rt *Router) handleManagementModal(ctx context.Context, actor Actor, guildID string, id CustomID, fields map[string]string) (Reply, error) {
	switch {
	case id.Verb == "setup":
		return rt.handleSetupModal(ctx, actor, guildID, id, fields)
	case id.Verb == "location" && len(id.Args) > 0 && id.Args[0] == "add":
		if _, err := rt.requireGuildAdmin(ctx, guildID, actor); err != nil {
			return errorReply(err)
		}
		name := strings.TrimSpace(fields["name"])
		if name == "" {
			return reply("A location name is required.")
		}
		l, err := location.Create(ctx, rt.db, guildID, name)
		if err != nil {
			return errorReply(err)
		}
		return reply("Location %q added.", l.Name)
	default:
		return reply("Unrecognised action.")
	}
}

// --- /setup wizard -------------------------------------------------------

const setupWizard = "setup"

type setupStep int

const (
	setupStepConfirmChannel setupStep = iota
	setupStepRoles
	setupStepNotify
)

type setupState struct {
	Step         setupStep
	ChannelID    string
	AdminRoleIDs []string
}

func (rt *Router) setupKey(guildID string, actor Actor) session.Key {
	return session.Key{GuildID: guildID, UserID: actor.UserID, Wizard: setupWizard}
}

// HandleSetupCommand starts the /setup wizard: confirm channel →
// (optional) admin roles → notification timing → confirmation.
func (rt *Router) HandleSetupCommand(ctx context.Context, actor Actor, guildID, channelID string) (Reply, error) {
	if !actor.IsAdmin {
		return reply("Only a server administrator can run /setup.")
	}
	rt.sessions.Set(rt.setupKey(guildID, actor), &setupState{Step: setupStepConfirmChannel, ChannelID: channelID})
	return reply("Set up equipment reservations in this channel? Confirm with %s, or %s to abort.",
		BuildCustomID(NamespaceManagement, "setup", "confirm"), BuildCustomID(NamespaceManagement, "setup", "cancel"))
}

func (rt *Router) handleSetupButton(ctx context.Context, actor Actor, guildID, channelID string, id CustomID) (Reply, error) {
	if !actor.IsAdmin {
		return reply("Only a server administrator can run /setup.")
	}
	key := rt.setupKey(guildID, actor)
	raw, ok := rt.sessions.Get(key)
	if !ok {
		return reply("Setup session expired; run /setup again.")
	}
	st, _ := raw.(*setupState)
	if st == nil || len(id.Args) == 0 {
		return reply("Unrecognised action.")
	}
	switch id.Args[0] {
	case "cancel":
		rt.sessions.Delete(key)
		return reply("Setup cancelled.")
	case "confirm":
		if st.Step != setupStepConfirmChannel {
			return reply("Unexpected step; run /setup again.")
		}
		st.Step = setupStepRoles
		rt.sessions.Set(key, st)
		return reply("Channel confirmed. Submit %s with a comma-separated list of admin role IDs, or leave it blank to rely only on Discord's own Administrator permission.",
			BuildCustomID(NamespaceManagement, "setup", "roles"))
	default:
		return reply("Unrecognised action.")
	}
}

func (rt *Router) handleSetupModal(ctx context.Context, actor Actor, guildID string, id CustomID, fields map[string]string) (Reply, error) {
	if !actor.IsAdmin {
		return reply("Only a server administrator can run /setup.")
	}
	key := rt.setupKey(guildID, actor)
	raw, ok := rt.sessions.Get(key)
	if !ok {
		return reply("Setup session expired; run /setup again.")
	}
	st, _ := raw.(*setupState)
	if st == nil || len(id.Args) == 0 {
		return reply("Unrecognised action.")
	}
	switch id.Args[0] {
	case "roles":
		if st.Step != setupStepRoles {
			return reply("Unexpected step; run /setup again.")
		}
		var roleIDs []string
		if raw := strings.TrimSpace(fields["role_ids"]); raw != "" {
			for _, r := range strings.Split(raw, ",") {
				if r = strings.TrimSpace(r); r != "" {
					roleIDs = append(roleIDs, r)
				}
			}
		}
		st.AdminRoleIDs = roleIDs
		st.Step = setupStepNotify
		rt.sessions.Set(key, st)
		return reply("Roles saved. Submit %s: pre_start ∈ {5,15,30}, pre_end ∈ {5,15,30}, overdue_every ∈ {6,12,24}, overdue_max ≥ 1, dm_fallback (true/false).",
			BuildCustomID(NamespaceManagement, "setup", "notify"))
	case "notify":
		if st.Step != setupStepNotify {
			return reply("Unexpected step; run /setup again.")
		}
		ns, err := parseNotifySettings(fields)
		if err != nil {
			return errorReply(err)
		}
		if err := rt.finishSetup(ctx, guildID, st, ns); err != nil {
			return errorReply(err)
		}
		rt.sessions.Delete(key)
		return reply("Setup complete: %d admin role(s) configured, reminders %dm/%dm before start/end, overdue every %dh up to %d time(s), DM fallback %v.",
			len(st.AdminRoleIDs), ns.PreStartMin, ns.PreEndMin, ns.OverdueEveryH, ns.OverdueMaxCount, ns.DMFallbackToChannel)
	default:
		return reply("Unrecognised action.")
	}
}

func parseEnumInt(field string, allowed ...int) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(field))
	if err != nil {
		return 0, &reservation.Error{Kind: reservation.KindInvalidInput, Message: "expected a whole number"}
	}
	for _, a := range allowed {
		if n == a {
			return n, nil
		}
	}
	return 0, &reservation.Error{Kind: reservation.KindInvalidInput, Message: fmt.Sprintf("must be one of %v", allowed)}
}

func parseNotifySettings(fields map[string]string) (guild.NotifySettings, error) {
	preStart, err := parseEnumInt(fields["pre_start"], 5, 15, 30)
	if err != nil {
		return guild.NotifySettings{}, err
	}
	preEnd, err := parseEnumInt(fields["pre_end"], 5, 15, 30)
	if err != nil {
		return guild.NotifySettings{}, err
	}
	overdueEvery, err := parseEnumInt(fields["overdue_every"], 6, 12, 24)
	if err != nil {
		return guild.NotifySettings{}, err
	}
	overdueMax, err := strconv.Atoi(strings.TrimSpace(fields["overdue_max"]))
	if err != nil || overdueMax < 1 {
		return guild.NotifySettings{}, &reservation.Error{Kind: reservation.KindInvalidInput, Message: "overdue_max must be a whole number of at least 1"}
	}
	return guild.NotifySettings{
		DMFallbackToChannel: strings.EqualFold(strings.TrimSpace(fields["dm_fallback"]), "true"),
		PreStartMin:         preStart,
		PreEndMin:           preEnd,
		OverdueEveryH:       overdueEvery,
		OverdueMaxCount:     overdueMax,
	}, nil
}

func (rt *Router) finishSetup(ctx context.Context, guildID string, st *setupState, ns guild.NotifySettings) error {
	_, err := guild.Get(ctx, rt.db, guildID)
	if errors.Is(err, guild.ErrNotFound) {
		_, err = guild.Create(ctx, rt.db, guildID, rt.clock.NowUTC())
	}
	if err != nil {
		return err
	}
	if err := guild.UpdateChannel(ctx, rt.db, guildID, st.ChannelID); err != nil {
		return err
	}
	if err := guild.UpdateAdminRoles(ctx, rt.db, guildID, st.AdminRoleIDs); err != nil {
		return err
	}
	return guild.UpdateNotifySettings(ctx, rt.db, guildID, ns)
}
