// Package reservation implements the ReservationEngine: the single
// transactional authority over booking, returning, and transferring
// equipment. Every mutating operation runs inside a store.Store
// transaction and emits DomainEvents for the Reconciler to react to;
// reminder jobs are synced by the InteractionRouter after each call.
package reservation

import (
	"context"
	"database/sql"
	"time"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"

	"github.com/kizaibot/kizaibot/clock"
	"github.com/kizaibot/kizaibot/database/repository/auditlog"
	"github.com/kizaibot/kizaibot/database/repository/equipment"
	"github.com/kizaibot/kizaibot/database/repository/reservations"
	"github.com/kizaibot/kizaibot/database/repository/transfers"
	"github.com/kizaibot/kizaibot/database/store"
	"github.com/kizaibot/kizaibot/dispatch"
)

// ErrKind classifies a domain error without exposing a Go type per kind,
// mirroring the taxonomy in the error handling design rather than the
// permission/not-found idioms of a typical CRUD service.
type ErrKind string

// Error kinds.
const (
	KindConflict             ErrKind = "Conflict"
	KindWindowExpired        ErrKind = "WindowExpired"
	KindPermissionDenied     ErrKind = "PermissionDenied"
	KindNotFound             ErrKind = "NotFound"
	KindInvalidInput         ErrKind = "InvalidInput"
	KindDuplicate            ErrKind = "Duplicate"
	KindOutOfWindow          ErrKind = "OutOfWindow"
	KindEquipmentUnavailable ErrKind = "EquipmentUnavailable"
	KindNoOp                 ErrKind = "NoOp"
)

// Error is a domain error the caller (interaction router or job handler)
// renders into an ephemeral reply or log line.
type Error struct {
	Kind    ErrKind
	Message string
	// Conflicts holds the conflicting reservations for KindConflict.
	Conflicts []*reservations.Reservation
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}
	return string(e.Kind)
}

// Is lets errors.Is(err, &Error{Kind: KindConflict}) match by kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func newErr(kind ErrKind, msg string) *Error { return &Error{Kind: kind, Message: msg} }

// MaxReservationLength is the longest permitted window: exactly 60 days
// is allowed, 60 days + 1 minute is rejected.
const MaxReservationLength = 60 * 24 * time.Hour

// TransferApprovalWindow is how long an awaiting-approval transfer
// request stays Pending before auto-expiring.
const TransferApprovalWindow = 3 * time.Hour

// ReturnCorrectionGrace is how long after a return the owner may undo or
// correct the return location, unless the next confirmed reservation
// starts sooner.
const ReturnCorrectionGrace = time.Hour

// ReturnCorrectionLeadTime is how close to the next confirmed
// reservation's start the correction window must close.
const ReturnCorrectionLeadTime = 15 * time.Minute

// Actor is who is performing an operation: a chat-platform user acting
// for themselves, a guild administrator, or the system (job worker).
type Actor struct {
	UserID   string
	IsAdmin  bool
	IsSystem bool
}

// EventKind names a DomainEvent variant.
type EventKind string

// DomainEvent kinds.
const (
	EventReserved      EventKind = "Reserved"
	EventModified      EventKind = "Modified"
	EventCancelled     EventKind = "Cancelled"
	EventReturned      EventKind = "Returned"
	EventTransferred   EventKind = "Transferred"
	EventStatusChanged EventKind = "StatusChanged"
)

// DomainEvent is published on every Engine topic subscription after a
// successful mutation; subscribers (the Reconciler) filter by
// EquipmentID/ReservationID as they see fit.
type DomainEvent struct {
	Kind          EventKind
	GuildID       string
	EquipmentID   string
	ReservationID string
	ActorUserID   string
	OccurredAtUTC time.Time
}

// Engine is the ReservationEngine. All operations take ctx, an Actor, and
// the clock-provided now; nothing calls time.Now directly.
type Engine struct {
	store *store.Store
	clock clock.Clock
	mux   *dispatch.Mux
	topic uuid.UUID
}

// New builds an Engine over db, publishing DomainEvents on its own mux
// topic. Callers obtain a subscription via Subscribe.
func New(db *sql.DB, c clock.Clock, mux *dispatch.Mux) (*Engine, error) {
	topic, err := mux.GetID()
	if err != nil {
		return nil, errors.Wrap(err, "reservation: allocate event topic")
	}
	return &Engine{store: store.New(db), clock: c, mux: mux, topic: topic}, nil
}

// Subscribe returns a Pipe receiving every DomainEvent this Engine emits.
func (e *Engine) Subscribe() (dispatch.Pipe, error) {
	return e.mux.Subscribe(e.topic)
}

func (e *Engine) publish(events ...DomainEvent) {
	for _, ev := range events {
		if err := e.mux.Publish(ev, e.topic); err != nil {
			// Publish only fails on a full queue or a nil mux/data, never
			// on "no subscribers"; either way the mutation already
			// committed, so this is a delivery problem, not a domain one.
			_ = err
		}
	}
}

func isAdmin(a Actor) bool { return a.IsAdmin || a.IsSystem }

func equipmentGuildID(ctx context.Context, tx *sql.Tx, equipmentID string) (string, error) {
	eq, err := equipment.Get(ctx, tx, equipmentID)
	if err != nil {
		return "", err
	}
	return eq.GuildID, nil
}

// Create books equipmentID for userID over [start, end), rejecting
// overlaps and out-of-window requests. Runs inside a single transaction
// so the overlap check and insert are atomic.
func (e *Engine) Create(ctx context.Context, actor Actor, equipmentID, userID string, start, end time.Time, location string) (*reservations.Reservation, []DomainEvent, error) {
	if err := validateWindow(start, end); err != nil {
		return nil, nil, err
	}

	var created *reservations.Reservation
	var guildID string
	now := e.clock.NowUTC()
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		eq, err := equipment.Get(ctx, tx, equipmentID)
		if errors.Is(err, equipment.ErrNotFound) {
			return newErr(KindNotFound, "equipment not found")
		} else if err != nil {
			return err
		}
		if eq.Status == equipment.StatusUnavailable {
			return newErr(KindEquipmentUnavailable, eq.UnavailableReason)
		}
		guildID = eq.GuildID

		conflicts, err := reservations.Overlapping(ctx, tx, equipmentID, start, end, "")
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			return &Error{Kind: KindConflict, Conflicts: conflicts}
		}

		r, err := reservations.Create(ctx, tx, equipmentID, userID, start, end, location, now)
		if err != nil {
			return err
		}
		if err := auditlog.Append(ctx, tx, &auditlog.Entry{
			EquipmentID: equipmentID, ActorUserID: actor.UserID, Action: auditlog.ActionReserved,
			NewStatus: string(equipment.StatusLoaned), Location: location, TimestampUTC: now,
		}); err != nil {
			return err
		}
		if err := equipment.SetStatus(ctx, tx, equipmentID, equipment.StatusLoaned, location, ""); err != nil {
			return err
		}
		created = r
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	events := []DomainEvent{{
		Kind: EventReserved, GuildID: guildID, EquipmentID: equipmentID, ReservationID: created.ID,
		ActorUserID: actor.UserID, OccurredAtUTC: now,
	}}
	e.publish(events...)
	return created, events, nil
}

func validateWindow(start, end time.Time) error {
	if !end.After(start) {
		return newErr(KindInvalidInput, "end must be after start")
	}
	if end.Sub(start) > MaxReservationLength {
		return newErr(KindInvalidInput, "reservation window exceeds 60 days")
	}
	return nil
}

// Modify changes a reservation's window/location, re-checking for
// overlap against every other Confirmed reservation on the same
// equipment. Only the owner or an admin may modify.
func (e *Engine) Modify(ctx context.Context, actor Actor, resID string, newStart, newEnd *time.Time, newLocation *string) (*reservations.Reservation, []DomainEvent, error) {
	now := e.clock.NowUTC()
	var updated *reservations.Reservation
	var guildID string
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		r, err := reservations.Get(ctx, tx, resID)
		if errors.Is(err, reservations.ErrNotFound) {
			return newErr(KindNotFound, "reservation not found")
		} else if err != nil {
			return err
		}
		if r.Status != reservations.StatusConfirmed {
			return newErr(KindNotFound, "reservation is not active")
		}
		if r.UserID != actor.UserID && !isAdmin(actor) {
			return newErr(KindPermissionDenied, "")
		}
		guildID, err = equipmentGuildID(ctx, tx, r.EquipmentID)
		if err != nil {
			return err
		}

		start, end := r.StartUTC, r.EndUTC
		if newStart != nil {
			start = *newStart
		}
		if newEnd != nil {
			end = *newEnd
		}
		if err := validateWindow(start, end); err != nil {
			return err
		}
		location := r.Location
		if newLocation != nil {
			location = *newLocation
		}

		conflicts, err := reservations.Overlapping(ctx, tx, r.EquipmentID, start, end, r.ID)
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			return &Error{Kind: KindConflict, Conflicts: conflicts}
		}

		if err := reservations.UpdateWindow(ctx, tx, r.ID, start, end, location, now); err != nil {
			return err
		}
		if err := auditlog.Append(ctx, tx, &auditlog.Entry{
			EquipmentID: r.EquipmentID, ActorUserID: actor.UserID, Action: auditlog.ActionModified,
			Location: location, TimestampUTC: now,
		}); err != nil {
			return err
		}
		updated, err = reservations.Get(ctx, tx, r.ID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	events := []DomainEvent{{
		Kind: EventModified, GuildID: guildID, EquipmentID: updated.EquipmentID, ReservationID: updated.ID,
		ActorUserID: actor.UserID, OccurredAtUTC: now,
	}}
	e.publish(events...)
	return updated, events, nil
}

// Cancel marks a reservation Cancelled, freeing the equipment
// immediately, and returns the prior reservation for downstream
// notification.
func (e *Engine) Cancel(ctx context.Context, actor Actor, resID string) (*reservations.Reservation, []DomainEvent, error) {
	now := e.clock.NowUTC()
	var prior *reservations.Reservation
	var guildID string
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		r, err := reservations.Get(ctx, tx, resID)
		if errors.Is(err, reservations.ErrNotFound) {
			return newErr(KindNotFound, "reservation not found")
		} else if err != nil {
			return err
		}
		if r.Status != reservations.StatusConfirmed {
			return newErr(KindNotFound, "reservation is not active")
		}
		if r.UserID != actor.UserID && !isAdmin(actor) {
			return newErr(KindPermissionDenied, "")
		}
		guildID, err = equipmentGuildID(ctx, tx, r.EquipmentID)
		if err != nil {
			return err
		}

		if err := reservations.Cancel(ctx, tx, r.ID, now); err != nil {
			return err
		}
		if err := auditlog.Append(ctx, tx, &auditlog.Entry{
			EquipmentID: r.EquipmentID, ActorUserID: actor.UserID, Action: auditlog.ActionCancelled,
			NewStatus: string(equipment.StatusAvailable), TimestampUTC: now,
		}); err != nil {
			return err
		}
		if err := equipment.SetStatus(ctx, tx, r.EquipmentID, equipment.StatusAvailable, "", ""); err != nil {
			return err
		}
		prior = r
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	events := []DomainEvent{{
		Kind: EventCancelled, GuildID: guildID, EquipmentID: prior.EquipmentID, ReservationID: prior.ID,
		ActorUserID: actor.UserID, OccurredAtUTC: now,
	}}
	e.publish(events...)
	return prior, events, nil
}

// Return records the equipment as handed back at location. Per the
// resolved Open Question, returning does not cancel the reservation or
// free its booked window for overlap purposes — only the equipment's
// displayed status flips back to Available.
func (e *Engine) Return(ctx context.Context, actor Actor, resID, location string) (*reservations.Reservation, []DomainEvent, error) {
	now := e.clock.NowUTC()
	var updated *reservations.Reservation
	var guildID string
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		r, err := reservations.Get(ctx, tx, resID)
		if errors.Is(err, reservations.ErrNotFound) {
			return newErr(KindNotFound, "reservation not found")
		} else if err != nil {
			return err
		}
		if r.Status != reservations.StatusConfirmed {
			return newErr(KindNotFound, "reservation is not active")
		}
		if r.UserID != actor.UserID && !isAdmin(actor) {
			return newErr(KindPermissionDenied, "")
		}
		guildID, err = equipmentGuildID(ctx, tx, r.EquipmentID)
		if err != nil {
			return err
		}

		if err := reservations.MarkReturned(ctx, tx, r.ID, location, now); err != nil {
			return err
		}
		if err := auditlog.Append(ctx, tx, &auditlog.Entry{
			EquipmentID: r.EquipmentID, ActorUserID: actor.UserID, Action: auditlog.ActionReturned,
			PreviousStatus: string(equipment.StatusLoaned), NewStatus: string(equipment.StatusAvailable),
			Location: location, TimestampUTC: now,
		}); err != nil {
			return err
		}
		if err := equipment.SetStatus(ctx, tx, r.EquipmentID, equipment.StatusAvailable, location, ""); err != nil {
			return err
		}
		updated, err = reservations.Get(ctx, tx, r.ID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	events := []DomainEvent{{
		Kind: EventReturned, GuildID: guildID, EquipmentID: updated.EquipmentID, ReservationID: updated.ID,
		ActorUserID: actor.UserID, OccurredAtUTC: now,
	}}
	e.publish(events...)
	return updated, events, nil
}

// correctionDeadline computes min(returned_at + 1h, next_confirmed_start
// - 15m), the window within which return_undo/return_correct_location
// remain permitted.
func correctionDeadline(ctx context.Context, tx *sql.Tx, r *reservations.Reservation) (time.Time, error) {
	deadline := r.ReturnedAtUTC.Add(ReturnCorrectionGrace)
	next, err := reservations.NextConfirmedStart(ctx, tx, r.EquipmentID, r.ReturnedAtUTC.Add(0), r.ID)
	if err != nil {
		return time.Time{}, err
	}
	if next != nil {
		leadDeadline := next.Add(-ReturnCorrectionLeadTime)
		if leadDeadline.Before(deadline) {
			deadline = leadDeadline
		}
	}
	return deadline, nil
}

// ReturnUndo reverses a return, re-activating the Loaned status, but only
// within the correction window.
func (e *Engine) ReturnUndo(ctx context.Context, actor Actor, resID string) (*reservations.Reservation, []DomainEvent, error) {
	now := e.clock.NowUTC()
	var updated *reservations.Reservation
	var guildID string
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		r, err := reservations.Get(ctx, tx, resID)
		if errors.Is(err, reservations.ErrNotFound) {
			return newErr(KindNotFound, "reservation not found")
		} else if err != nil {
			return err
		}
		if r.UserID != actor.UserID && !isAdmin(actor) {
			return newErr(KindPermissionDenied, "")
		}
		if r.ReturnedAtUTC == nil {
			return newErr(KindNotFound, "reservation has not been returned")
		}
		deadline, err := correctionDeadline(ctx, tx, r)
		if err != nil {
			return err
		}
		if now.After(deadline) {
			return newErr(KindWindowExpired, "")
		}
		guildID, err = equipmentGuildID(ctx, tx, r.EquipmentID)
		if err != nil {
			return err
		}

		if err := reservations.UndoReturn(ctx, tx, r.ID, now); err != nil {
			return err
		}
		if err := auditlog.Append(ctx, tx, &auditlog.Entry{
			EquipmentID: r.EquipmentID, ActorUserID: actor.UserID, Action: auditlog.ActionReturnUndone,
			PreviousStatus: string(equipment.StatusAvailable), NewStatus: string(equipment.StatusLoaned),
			TimestampUTC: now,
		}); err != nil {
			return err
		}
		if err := equipment.SetStatus(ctx, tx, r.EquipmentID, equipment.StatusLoaned, r.Location, ""); err != nil {
			return err
		}
		updated, err = reservations.Get(ctx, tx, r.ID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	events := []DomainEvent{{
		Kind: EventStatusChanged, GuildID: guildID, EquipmentID: updated.EquipmentID, ReservationID: updated.ID,
		ActorUserID: actor.UserID, OccurredAtUTC: now,
	}}
	e.publish(events...)
	return updated, events, nil
}

// ReturnCorrectLocation fixes a mis-recorded return location, subject to
// the same correction window as ReturnUndo.
func (e *Engine) ReturnCorrectLocation(ctx context.Context, actor Actor, resID, location string) (*reservations.Reservation, []DomainEvent, error) {
	now := e.clock.NowUTC()
	var updated *reservations.Reservation
	var guildID string
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		r, err := reservations.Get(ctx, tx, resID)
		if errors.Is(err, reservations.ErrNotFound) {
			return newErr(KindNotFound, "reservation not found")
		} else if err != nil {
			return err
		}
		if r.UserID != actor.UserID && !isAdmin(actor) {
			return newErr(KindPermissionDenied, "")
		}
		if r.ReturnedAtUTC == nil {
			return newErr(KindNotFound, "reservation has not been returned")
		}
		deadline, err := correctionDeadline(ctx, tx, r)
		if err != nil {
			return err
		}
		if now.After(deadline) {
			return newErr(KindWindowExpired, "")
		}
		guildID, err = equipmentGuildID(ctx, tx, r.EquipmentID)
		if err != nil {
			return err
		}

		if err := reservations.CorrectReturnLocation(ctx, tx, r.ID, location, now); err != nil {
			return err
		}
		if err := auditlog.Append(ctx, tx, &auditlog.Entry{
			EquipmentID: r.EquipmentID, ActorUserID: actor.UserID, Action: auditlog.ActionReturnCorrected,
			Location: location, TimestampUTC: now,
		}); err != nil {
			return err
		}
		if err := equipment.SetStatus(ctx, tx, r.EquipmentID, equipment.StatusAvailable, location, ""); err != nil {
			return err
		}
		updated, err = reservations.Get(ctx, tx, r.ID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	events := []DomainEvent{{
		Kind: EventStatusChanged, GuildID: guildID, EquipmentID: updated.EquipmentID, ReservationID: updated.ID,
		ActorUserID: actor.UserID, OccurredAtUTC: now,
	}}
	e.publish(events...)
	return updated, events, nil
}

// IsBotUser is supplied by the caller; the engine has no notion of bot
// accounts of its own. A nil predicate rejects no recipient.
type IsBotUser func(userID string) bool

// RequestTransfer creates a Pending ownership handoff to toUser, either
// awaiting that user's approval (executeAt nil) or scheduled to execute
// automatically at executeAt.
func (e *Engine) RequestTransfer(ctx context.Context, actor Actor, resID, toUser string, executeAt *time.Time, note string, isBot IsBotUser) (*transfers.TransferRequest, []DomainEvent, error) {
	now := e.clock.NowUTC()
	var created *transfers.TransferRequest
	var guildID, equipmentID string
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		r, err := reservations.Get(ctx, tx, resID)
		if errors.Is(err, reservations.ErrNotFound) {
			return newErr(KindNotFound, "reservation not found")
		} else if err != nil {
			return err
		}
		if r.Status != reservations.StatusConfirmed {
			return newErr(KindNotFound, "reservation is not active")
		}
		if r.UserID != actor.UserID && !isAdmin(actor) {
			return newErr(KindPermissionDenied, "")
		}
		equipmentID = r.EquipmentID
		guildID, err = equipmentGuildID(ctx, tx, r.EquipmentID)
		if err != nil {
			return err
		}
		if toUser == r.UserID {
			return newErr(KindNoOp, "cannot transfer to the current owner")
		}
		if isBot != nil && isBot(toUser) {
			return newErr(KindInvalidInput, "cannot transfer to a bot")
		}

		existing, err := transfers.GetPendingForReservation(ctx, tx, r.ID)
		if err != nil && !errors.Is(err, transfers.ErrNotFound) {
			return err
		}
		if existing != nil {
			return newErr(KindDuplicate, "a transfer request is already pending")
		}

		expires := now.Add(TransferApprovalWindow)
		if executeAt != nil {
			windowStart := r.StartUTC
			if now.After(windowStart) {
				windowStart = now
			}
			if executeAt.Before(windowStart) || !executeAt.Before(r.EndUTC) {
				return newErr(KindInvalidInput, "scheduled transfer time must fall within the reservation window")
			}
			expires = *executeAt
		}

		t := &transfers.TransferRequest{
			ReservationID: r.ID, FromUserID: r.UserID, ToUserID: toUser,
			RequestedByUserID: actor.UserID, ExecuteAtUTC: executeAt, ExpiresAtUTC: expires,
			Note: note, CreatedUTC: now,
		}
		if err := transfers.Create(ctx, tx, t); err != nil {
			return err
		}
		if err := auditlog.Append(ctx, tx, &auditlog.Entry{
			EquipmentID: r.EquipmentID, ActorUserID: actor.UserID, Action: auditlog.ActionTransferRequested,
			Notes: note, TimestampUTC: now,
		}); err != nil {
			return err
		}
		created = t
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	ev := DomainEvent{
		Kind: EventTransferred, GuildID: guildID, EquipmentID: equipmentID, ReservationID: created.ReservationID,
		ActorUserID: actor.UserID, OccurredAtUTC: now,
	}
	e.publish(ev)
	return created, []DomainEvent{ev}, nil
}

// AcceptTransfer executes an awaiting-approval transfer; only the
// recipient may accept.
func (e *Engine) AcceptTransfer(ctx context.Context, actor Actor, reqID string) (*reservations.Reservation, []DomainEvent, error) {
	now := e.clock.NowUTC()
	var updated *reservations.Reservation
	var guildID string
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		t, err := transfers.Get(ctx, tx, reqID)
		if errors.Is(err, transfers.ErrNotFound) {
			return newErr(KindNotFound, "transfer request not found")
		} else if err != nil {
			return err
		}
		if t.Status != transfers.StatusPending {
			return newErr(KindNotFound, "transfer request is not pending")
		}
		if t.ToUserID != actor.UserID {
			return newErr(KindPermissionDenied, "")
		}

		r, err := reservations.Get(ctx, tx, t.ReservationID)
		if err != nil {
			return err
		}
		guildID, err = equipmentGuildID(ctx, tx, r.EquipmentID)
		if err != nil {
			return err
		}
		if err := reservations.TransferOwner(ctx, tx, r.ID, t.ToUserID, now); err != nil {
			return err
		}
		if err := transfers.SetStatus(ctx, tx, t.ID, transfers.StatusAccepted); err != nil {
			return err
		}
		if err := auditlog.Append(ctx, tx, &auditlog.Entry{
			EquipmentID: r.EquipmentID, ActorUserID: actor.UserID, Action: auditlog.ActionTransferAccepted,
			TimestampUTC: now,
		}); err != nil {
			return err
		}
		updated, err = reservations.Get(ctx, tx, r.ID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	ev := DomainEvent{
		Kind: EventTransferred, GuildID: guildID, EquipmentID: updated.EquipmentID, ReservationID: updated.ID,
		ActorUserID: actor.UserID, OccurredAtUTC: now,
	}
	e.publish(ev)
	return updated, []DomainEvent{ev}, nil
}

// DenyTransfer rejects an awaiting-approval transfer; only the recipient
// may deny.
func (e *Engine) DenyTransfer(ctx context.Context, actor Actor, reqID string) ([]DomainEvent, error) {
	now := e.clock.NowUTC()
	var guildID, equipmentID, resID string
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		t, err := transfers.Get(ctx, tx, reqID)
		if errors.Is(err, transfers.ErrNotFound) {
			return newErr(KindNotFound, "transfer request not found")
		} else if err != nil {
			return err
		}
		if t.Status != transfers.StatusPending {
			return newErr(KindNotFound, "transfer request is not pending")
		}
		if t.ToUserID != actor.UserID {
			return newErr(KindPermissionDenied, "")
		}
		if err := transfers.SetStatus(ctx, tx, t.ID, transfers.StatusDenied); err != nil {
			return err
		}
		r, err := reservations.Get(ctx, tx, t.ReservationID)
		if err != nil {
			return err
		}
		guildID, err = equipmentGuildID(ctx, tx, r.EquipmentID)
		if err != nil {
			return err
		}
		if err := auditlog.Append(ctx, tx, &auditlog.Entry{
			EquipmentID: r.EquipmentID, ActorUserID: actor.UserID, Action: auditlog.ActionTransferDenied,
			TimestampUTC: now,
		}); err != nil {
			return err
		}
		equipmentID, resID = r.EquipmentID, r.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	ev := DomainEvent{
		Kind: EventTransferred, GuildID: guildID, EquipmentID: equipmentID, ReservationID: resID,
		ActorUserID: actor.UserID, OccurredAtUTC: now,
	}
	e.publish(ev)
	return []DomainEvent{ev}, nil
}

// CancelTransfer cancels a Pending transfer; permitted for whoever
// requested it, or an admin.
func (e *Engine) CancelTransfer(ctx context.Context, actor Actor, reqID string) ([]DomainEvent, error) {
	now := e.clock.NowUTC()
	var guildID, equipmentID, resID string
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		t, err := transfers.Get(ctx, tx, reqID)
		if errors.Is(err, transfers.ErrNotFound) {
			return newErr(KindNotFound, "transfer request not found")
		} else if err != nil {
			return err
		}
		if t.Status != transfers.StatusPending {
			return newErr(KindNotFound, "transfer request is not pending")
		}
		if t.RequestedByUserID != actor.UserID && !isAdmin(actor) {
			return newErr(KindPermissionDenied, "")
		}
		if err := transfers.Cancel(ctx, tx, t.ID, actor.UserID, now); err != nil {
			return err
		}
		r, err := reservations.Get(ctx, tx, t.ReservationID)
		if err != nil {
			return err
		}
		guildID, err = equipmentGuildID(ctx, tx, r.EquipmentID)
		if err != nil {
			return err
		}
		if err := auditlog.Append(ctx, tx, &auditlog.Entry{
			EquipmentID: r.EquipmentID, ActorUserID: actor.UserID, Action: auditlog.ActionTransferCancelled,
			TimestampUTC: now,
		}); err != nil {
			return err
		}
		equipmentID, resID = r.EquipmentID, r.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	ev := DomainEvent{
		Kind: EventTransferred, GuildID: guildID, EquipmentID: equipmentID, ReservationID: resID,
		ActorUserID: actor.UserID, OccurredAtUTC: now,
	}
	e.publish(ev)
	return []DomainEvent{ev}, nil
}

// ExpireOverdueTransfers is invoked by the JobScheduler. It expires
// awaiting-approval requests past expires_at, and executes or cancels
// scheduled-execution requests whose execute_at has passed depending on
// whether the underlying reservation is still Confirmed.
func (e *Engine) ExpireOverdueTransfers(ctx context.Context, now time.Time, limit int) ([]DomainEvent, error) {
	var events []DomainEvent
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		due, err := transfers.ListDuePendingExpiry(ctx, tx, now, limit)
		if err != nil {
			return err
		}
		for _, t := range due {
			r, err := reservations.Get(ctx, tx, t.ReservationID)
			if err != nil {
				return err
			}
			guildID, err := equipmentGuildID(ctx, tx, r.EquipmentID)
			if err != nil {
				return err
			}

			if t.ExecuteAtUTC != nil {
				// Scheduled transfer: execute if the reservation is still
				// live, otherwise cancel without touching ownership.
				if r.Status == reservations.StatusConfirmed {
					if err := reservations.TransferOwner(ctx, tx, r.ID, t.ToUserID, now); err != nil {
						return err
					}
					if err := transfers.SetStatus(ctx, tx, t.ID, transfers.StatusExecuted); err != nil {
						return err
					}
					if err := auditlog.Append(ctx, tx, &auditlog.Entry{
						EquipmentID: r.EquipmentID, ActorUserID: "system", Action: auditlog.ActionTransferExecuted,
						TimestampUTC: now,
					}); err != nil {
						return err
					}
					events = append(events, DomainEvent{
						Kind: EventTransferred, GuildID: guildID, EquipmentID: r.EquipmentID, ReservationID: r.ID,
						ActorUserID: "system", OccurredAtUTC: now,
					})
				} else {
					if err := transfers.SetStatus(ctx, tx, t.ID, transfers.StatusCancelled); err != nil {
						return err
					}
				}
				continue
			}

			// Awaiting-approval transfer past its 3h window.
			if err := transfers.SetStatus(ctx, tx, t.ID, transfers.StatusExpired); err != nil {
				return err
			}
			if err := auditlog.Append(ctx, tx, &auditlog.Entry{
				EquipmentID: r.EquipmentID, ActorUserID: "system", Action: auditlog.ActionTransferExpired,
				TimestampUTC: now,
			}); err != nil {
				return err
			}
			events = append(events, DomainEvent{
				Kind: EventTransferred, GuildID: guildID, EquipmentID: r.EquipmentID, ReservationID: r.ID,
				ActorUserID: "system", OccurredAtUTC: now,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(events...)
	return events, nil
}
