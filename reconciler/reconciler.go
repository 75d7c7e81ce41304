// Package reconciler implements the Reconciler (C5): it drives
// editplan.Plan against a ChatSink and the managedmessage ledger,
// keeping a guild's reservation channel a deterministic render of
// Store state. Grounded on the teacher's websocket-state
// resynchronisation pattern (exchanges/stream): diff desired vs.
// observed, apply only the delta, and fall back to a full resync when
// the delta is too large to trust.
package reconciler

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/kizaibot/kizaibot/chatsink"
	"github.com/kizaibot/kizaibot/clock"
	"github.com/kizaibot/kizaibot/database/repository/equipment"
	"github.com/kizaibot/kizaibot/database/repository/managedmessage"
	"github.com/kizaibot/kizaibot/database/repository/reservations"
	"github.com/kizaibot/kizaibot/database/repository/tag"
	"github.com/kizaibot/kizaibot/editplan"
	"github.com/kizaibot/kizaibot/log"
	"github.com/kizaibot/kizaibot/reservation"
)

var logger = log.SubLogger("reconciler")

// DefaultDebounce is how long the Reconciler coalesces repeated events
// for the same equipment before re-rendering, per spec's ~500ms figure.
const DefaultDebounce = 500 * time.Millisecond

// upcomingFetchLimit bounds how many future Confirmed reservations are
// fetched per equipment; rendering shows at most maxUpcomingShown of them.
const upcomingFetchLimit = maxUpcomingShown + 1

// Reconciler keeps a guild's reservation channel in sync with Store
// state, reacting to ReservationEngine DomainEvents and performing a
// full resync on startup.
type Reconciler struct {
	sink  chatsink.ChatSink
	db    *sql.DB
	clock clock.Clock

	debounce time.Duration

	mu        sync.Mutex
	lastHash  map[string]string // equipmentID -> content hash of last successful render
	debouncer map[string]*time.Timer
}

// New builds a Reconciler over db, rendering through sink.
func New(sink chatsink.ChatSink, db *sql.DB, c clock.Clock, debounce time.Duration) *Reconciler {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Reconciler{
		sink: sink, db: db, clock: c, debounce: debounce,
		lastHash:  make(map[string]string),
		debouncer: make(map[string]*time.Timer),
	}
}

func contentHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Run subscribes to eng's DomainEvent topic and re-renders the affected
// equipment's embed for each event, until ctx is cancelled.
func (rec *Reconciler) Run(ctx context.Context, eng *reservation.Engine) error {
	pipe, err := eng.Subscribe()
	if err != nil {
		return errors.Wrap(err, "reconciler: subscribe")
	}
	defer func() { _ = pipe.Release() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-pipe.C:
			if !ok {
				return nil
			}
			ev, ok := v.(reservation.DomainEvent)
			if !ok {
				continue
			}
			rec.scheduleRerender(ctx, ev.GuildID, ev.EquipmentID)
		}
	}
}

// scheduleRerender debounces repeated events for the same equipment,
// coalescing bursts (e.g. Create immediately followed by a Modify)
// into a single re-render.
func (rec *Reconciler) scheduleRerender(ctx context.Context, guildID, equipmentID string) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if t, ok := rec.debouncer[equipmentID]; ok {
		t.Stop()
	}
	rec.debouncer[equipmentID] = time.AfterFunc(rec.debounce, func() {
		if err := rec.ReconcileEquipment(ctx, guildID, equipmentID); err != nil {
			logger.Errorf("re-render %s: %v", equipmentID, err)
		}
	})
}

// ReconcileEquipment re-renders a single equipment's embed, skipping
// the edit entirely if the rendered content hasn't changed since the
// last successful render.
func (rec *Reconciler) ReconcileEquipment(ctx context.Context, guildID, equipmentID string) error {
	eq, err := equipment.Get(ctx, rec.db, equipmentID)
	if errors.Is(err, equipment.ErrNotFound) {
		return rec.deleteEquipmentMessage(ctx, guildID, equipmentID)
	}
	if err != nil {
		return errors.Wrap(err, "reconciler: load equipment")
	}

	content, err := rec.renderEquipment(ctx, eq)
	if err != nil {
		return err
	}

	hash := contentHash(content)
	rec.mu.Lock()
	unchanged := rec.lastHash[equipmentID] == hash
	rec.mu.Unlock()
	if unchanged {
		return nil
	}

	existing, err := managedmessage.GetByEquipmentAndKind(ctx, rec.db, guildID, equipmentID, managedmessage.KindEquipmentEmbed)
	if err != nil && err != managedmessage.ErrNotFound {
		return errors.Wrap(err, "reconciler: load managed message")
	}

	if existing == nil {
		if err := rec.create(ctx, guildID, "", equipmentID, managedmessage.KindEquipmentEmbed, content, 0); err != nil {
			return err
		}
	} else if err := rec.edit(ctx, existing, content); err != nil {
		return err
	}

	rec.mu.Lock()
	rec.lastHash[equipmentID] = hash
	rec.mu.Unlock()
	return nil
}

func (rec *Reconciler) deleteEquipmentMessage(ctx context.Context, guildID, equipmentID string) error {
	m, err := managedmessage.GetByEquipmentAndKind(ctx, rec.db, guildID, equipmentID, managedmessage.KindEquipmentEmbed)
	if errors.Is(err, managedmessage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := rec.sink.DeleteMessage(ctx, m.ChannelID, m.MessageID); err != nil {
		logger.Warnf("delete stale embed for removed equipment %s: %v", equipmentID, err)
	}
	return managedmessage.DeleteByMessageID(ctx, rec.db, guildID, m.MessageID)
}

func (rec *Reconciler) renderEquipment(ctx context.Context, eq *equipment.Equipment) (string, error) {
	var tagName string
	if eq.TagID != "" {
		t, err := tag.Get(ctx, rec.db, eq.TagID)
		if err != nil && err != tag.ErrNotFound {
			return "", errors.Wrap(err, "reconciler: load tag")
		}
		if t != nil {
			tagName = t.Name
		}
	}

	all, err := reservations.ListUpcomingConfirmed(ctx, rec.db, eq.ID, rec.clock.NowUTC(), upcomingFetchLimit)
	if err != nil {
		return "", errors.Wrap(err, "reconciler: load upcoming reservations")
	}

	var active *reservations.Reservation
	upcoming := all
	if len(all) > 0 && !all[0].StartUTC.After(rec.clock.NowUTC()) {
		active = all[0]
		upcoming = all[1:]
	}

	return equipmentContent(rec.sink, eq, tagName, active, upcoming), nil
}

// ReconcileGuild performs the startup reconciliation: build the
// desired message list for guildID, diff it against managed_messages
// plus a fresh fetch of the bot's own messages in channelID, execute
// the resulting plan, and delete any user messages found in the
// channel.
func (rec *Reconciler) ReconcileGuild(ctx context.Context, guildID, channelID string) error {
	desired, err := rec.buildDesired(ctx, guildID)
	if err != nil {
		return err
	}

	managed, err := managedmessage.ListForGuild(ctx, rec.db, guildID)
	if err != nil {
		return errors.Wrap(err, "reconciler: list managed messages")
	}
	chatMsgs, err := rec.sink.ListChannelMessages(ctx, channelID, time.Time{})
	if err != nil {
		return errors.Wrap(err, "reconciler: list channel messages")
	}

	contentByMsgID := make(map[string]string, len(chatMsgs))
	for _, m := range chatMsgs {
		if m.IsBot {
			contentByMsgID[m.ID] = m.Content
		} else if err := rec.sink.DeleteMessage(ctx, channelID, m.ID); err != nil {
			logger.Warnf("delete stray user message %s: %v", m.ID, err)
		}
	}

	var existing []editplan.Existing
	for _, m := range managed {
		content, ok := contentByMsgID[m.MessageID]
		if !ok {
			continue // message vanished out-of-band; treated as missing, gets recreated
		}
		existing = append(existing, editplan.Existing{MessageID: m.MessageID, EquipmentID: m.EquipmentID, Content: content})
	}

	ops := editplan.Plan(desired, existing)
	return rec.apply(ctx, guildID, channelID, ops)
}

func (rec *Reconciler) buildDesired(ctx context.Context, guildID string) ([]editplan.Desired, error) {
	desired := []editplan.Desired{{EquipmentID: "", Content: headerContent()}}

	items, err := equipment.List(ctx, rec.db, guildID)
	if err != nil {
		return nil, errors.Wrap(err, "reconciler: list equipment")
	}
	for _, eq := range items {
		content, err := rec.renderEquipment(ctx, eq)
		if err != nil {
			return nil, err
		}
		desired = append(desired, editplan.Desired{EquipmentID: eq.ID, Content: content})
	}
	return desired, nil
}

func (rec *Reconciler) apply(ctx context.Context, guildID, channelID string, ops []editplan.Op) error {
	// editplan.Plan emits Keep/Edit/Create ops in channel position order,
	// so an op's index is its position.
	for i, op := range ops {
		switch op.Kind {
		case editplan.OpKeep:
			// nothing to do
		case editplan.OpEdit:
			if err := rec.sink.EditMessage(ctx, channelID, op.MessageID, op.Content); err != nil {
				return errors.Wrap(err, "reconciler: edit message")
			}
			if err := managedmessage.Upsert(ctx, rec.db, &managedmessage.ManagedMessage{
				GuildID: guildID, ChannelID: channelID, MessageID: op.MessageID,
				Kind: kindFor(op.EquipmentID), EquipmentID: op.EquipmentID, SortOrder: i,
			}); err != nil {
				return err
			}
			if op.EquipmentID != "" {
				rec.mu.Lock()
				rec.lastHash[op.EquipmentID] = contentHash(op.Content)
				rec.mu.Unlock()
			}
		case editplan.OpCreate:
			if err := rec.create(ctx, guildID, channelID, op.EquipmentID, kindFor(op.EquipmentID), op.Content, i); err != nil {
				return err
			}
		case editplan.OpDelete:
			if err := rec.sink.DeleteMessage(ctx, channelID, op.MessageID); err != nil {
				logger.Warnf("delete surplus message %s: %v", op.MessageID, err)
			}
			if err := managedmessage.DeleteByMessageID(ctx, rec.db, guildID, op.MessageID); err != nil {
				return err
			}
		case editplan.OpRebuildAll:
			return rec.rebuildAll(ctx, guildID, channelID)
		}
	}
	return nil
}

func (rec *Reconciler) rebuildAll(ctx context.Context, guildID, channelID string) error {
	managed, err := managedmessage.ListForGuild(ctx, rec.db, guildID)
	if err != nil {
		return err
	}
	for _, m := range managed {
		if err := rec.sink.DeleteMessage(ctx, channelID, m.MessageID); err != nil {
			logger.Warnf("rebuild: delete %s: %v", m.MessageID, err)
		}
	}
	if err := managedmessage.DeleteAllForGuild(ctx, rec.db, guildID); err != nil {
		return err
	}

	desired, err := rec.buildDesired(ctx, guildID)
	if err != nil {
		return err
	}
	for i, d := range desired {
		if err := rec.create(ctx, guildID, channelID, d.EquipmentID, kindFor(d.EquipmentID), d.Content, i); err != nil {
			return err
		}
	}
	return nil
}

func (rec *Reconciler) create(ctx context.Context, guildID, channelID, equipmentID string, kind managedmessage.Kind, content string, sortOrder int) error {
	id, err := rec.sink.SendMessage(ctx, channelID, content)
	if err != nil {
		return errors.Wrap(err, "reconciler: send message")
	}
	if err := managedmessage.Upsert(ctx, rec.db, &managedmessage.ManagedMessage{
		GuildID: guildID, ChannelID: channelID, MessageID: id, Kind: kind, EquipmentID: equipmentID, SortOrder: sortOrder,
	}); err != nil {
		return err
	}
	if equipmentID != "" {
		rec.mu.Lock()
		rec.lastHash[equipmentID] = contentHash(content)
		rec.mu.Unlock()
	}
	return nil
}

func kindFor(equipmentID string) managedmessage.Kind {
	if equipmentID == "" {
		return managedmessage.KindHeader
	}
	return managedmessage.KindEquipmentEmbed
}
