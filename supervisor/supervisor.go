// Package supervisor implements the Supervisor (C15): it owns the
// startup and shutdown sequencing of every background subsystem
// (JobScheduler, Reconciler, SessionRegistry GC), modeled on the
// teacher's engine/subsystem manager pattern where each subsystem
// exposes Start(wg *sync.WaitGroup) error / Stop() error and the
// manager owns a shared context used to signal shutdown.
package supervisor

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/kizaibot/kizaibot/chatsink"
	"github.com/kizaibot/kizaibot/clock"
	"github.com/kizaibot/kizaibot/database/migrator"
	"github.com/kizaibot/kizaibot/database/repository/equipment"
	"github.com/kizaibot/kizaibot/database/repository/guild"
	"github.com/kizaibot/kizaibot/database/repository/jobqueue"
	"github.com/kizaibot/kizaibot/database/repository/reservations"
	"github.com/kizaibot/kizaibot/dispatch"
	"github.com/kizaibot/kizaibot/log"
	"github.com/kizaibot/kizaibot/notifier"
	"github.com/kizaibot/kizaibot/reconciler"
	"github.com/kizaibot/kizaibot/reservation"
	"github.com/kizaibot/kizaibot/router"
	"github.com/kizaibot/kizaibot/scheduler"
	"github.com/kizaibot/kizaibot/session"
)

var logger = log.SubLogger("supervisor")

// SessionGCDedupeKey is the single self-rescheduling job row that keeps
// the in-memory SessionRegistry sweep on the same durable-queue cadence
// as every other background timer.
const SessionGCDedupeKey = "session_gc"

// Config bundles the dependencies Supervisor wires together. Callers
// (cmd/kizaibot) build these once at boot.
type Config struct {
	DB      *sql.DB
	Dialect string
	Clock   clock.Clock
	Sink    chatsink.ChatSink
	Engine  *reservation.Engine
	// Router is the InteractionRouter the transport's InteractionCreate
	// handler was bound to at construction time. Supervisor never routes
	// interactions itself; it only uses Router's command metadata to
	// register the slash command as part of the same startup sequence
	// that applies migrations and launches the other subsystems.
	Router            *router.Router
	Sessions          *session.Registry
	SchedulerCfg      scheduler.Config
	ReconcileDebounce time.Duration
	SessionGCEvery    time.Duration
}

// Supervisor starts and stops C2-C10, C13, C14 in dependency order:
// migrations first, then the subsystems that read the now-current
// schema, then the worker loops that drive them.
type Supervisor struct {
	cfg        Config
	reconciler *reconciler.Reconciler
	scheduler  *scheduler.Scheduler
	notifier   *notifier.Notifier

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a Supervisor over cfg. Background loops are not started
// until Start is called.
func New(cfg Config) *Supervisor {
	if cfg.ReconcileDebounce <= 0 {
		cfg.ReconcileDebounce = reconciler.DefaultDebounce
	}
	if cfg.SessionGCEvery <= 0 {
		cfg.SessionGCEvery = session.DefaultTTL / 4
	}
	s := &Supervisor{
		cfg:        cfg,
		reconciler: reconciler.New(cfg.Sink, cfg.DB, cfg.Clock, cfg.ReconcileDebounce),
		scheduler:  scheduler.New(cfg.DB, cfg.Clock, cfg.SchedulerCfg),
		notifier:   notifier.New(cfg.Sink, cfg.Clock),
	}
	s.registerHandlers()
	return s
}

// Start applies pending migrations, seeds the self-rescheduling
// SessionGC job, then launches the Reconciler's event subscription and
// the JobScheduler's poll loop, each as a goroutine tracked by the
// Supervisor's own WaitGroup. Start returns once every subsystem has
// been launched; it does not block for their lifetime — call Wait or
// Stop to do that.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := migrator.Up(s.cfg.DB, s.cfg.Dialect); err != nil {
		return errors.Wrap(err, "supervisor: migrate")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.seedSessionGC(runCtx); err != nil {
		cancel()
		return errors.Wrap(err, "supervisor: seed session gc job")
	}

	if s.cfg.Router != nil {
		if err := s.registerSetupCommand(); err != nil {
			cancel()
			return errors.Wrap(err, "supervisor: register setup command")
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.reconciler.Run(runCtx, s.cfg.Engine); err != nil {
			logger.Errorf("reconciler stopped: %v", err)
		}
	}()

	s.wg.Add(1)
	go s.scheduler.Run(runCtx, &s.wg)

	logger.Infof("supervisor: all subsystems started")
	return nil
}

// Stop signals every running subsystem to shut down and blocks until
// they have, mirroring the teacher's wg.Wait()-after-cancel shutdown.
func (s *Supervisor) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	logger.Infof("supervisor: all subsystems stopped")
	return nil
}

// registerHandlers binds every durable job type consumed by the core
// (spec's exact list: ReminderDue, TransferExpire, TransferExecute,
// SessionGC, MessageReconcileGuild) to the subsystem that acts on it.
func (s *Supervisor) registerHandlers() {
	s.scheduler.Register(jobqueue.TypeReminderDue, s.handleReminderDue)
	s.scheduler.Register(jobqueue.TypeTransferExpire, s.handleTransferSweep)
	s.scheduler.Register(jobqueue.TypeTransferExecute, s.handleTransferSweep)
	s.scheduler.Register(jobqueue.TypeSessionGC, s.handleSessionGC)
	s.scheduler.Register(jobqueue.TypeMessageReconcileGuild, s.handleMessageReconcileGuild)
}

// handleReminderDue delivers one PreStart/Start/PreEnd/Overdue_k
// notification. The dedupe key ("remind:{res_id}:{kind}") is the only
// durable record of which reservation and kind this row is for, so it
// is parsed back out rather than duplicated into Payload.
func (s *Supervisor) handleReminderDue(ctx context.Context, job *jobqueue.Job) error {
	resID, kind, ok := parseReminderDedupeKey(job.DedupeKey)
	if !ok {
		return errors.Errorf("supervisor: malformed reminder dedupe key %q", job.DedupeKey)
	}

	r, err := reservations.Get(ctx, s.cfg.DB, resID)
	if errors.Is(err, reservations.ErrNotFound) {
		return nil // reservation gone (e.g. cancelled after this job was queued); nothing to deliver
	}
	if err != nil {
		return errors.Wrap(err, "supervisor: load reservation")
	}
	eq, err := equipment.Get(ctx, s.cfg.DB, r.EquipmentID)
	if err != nil {
		return errors.Wrap(err, "supervisor: load equipment")
	}
	g, err := guild.Get(ctx, s.cfg.DB, eq.GuildID)
	if err != nil {
		return errors.Wrap(err, "supervisor: load guild")
	}

	message := reminderMessage(kind, eq.Name, r)
	_, err = s.notifier.Notify(ctx, s.cfg.DB, g, r.UserID, g.ReservationChannelID, resID, kind, message)
	return err
}

func reminderMessage(kind, equipmentName string, r *reservations.Reservation) string {
	switch {
	case kind == "PreStart":
		return "Reminder: your reservation for " + equipmentName + " starts at " + clock.FormatJST(r.StartUTC) + "."
	case kind == "Start":
		return "Your reservation for " + equipmentName + " has started."
	case kind == "PreEnd":
		return "Reminder: your reservation for " + equipmentName + " ends at " + clock.FormatJST(r.EndUTC) + "."
	case strings.HasPrefix(kind, "Overdue:"):
		return "Your reservation for " + equipmentName + " is overdue for return (" + clock.FormatJST(r.EndUTC) + ")."
	default:
		return "Reminder for your reservation of " + equipmentName + "."
	}
}

func parseReminderDedupeKey(key string) (reservationID, kind string, ok bool) {
	const prefix = "remind:"
	if !strings.HasPrefix(key, prefix) {
		return "", "", false
	}
	rest := key[len(prefix):]
	i := strings.Index(rest, ":")
	if i < 0 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

// handleTransferSweep drains every due scheduled-execution and
// awaiting-approval transfer in one pass. Both TransferExpire and
// TransferExecute dedupe keys funnel here since the Engine method
// itself disambiguates the two cases per due transfer row, and the
// sweep is idempotent: a transfer already resolved by a prior run no
// longer shows up in ListDuePendingExpiry.
func (s *Supervisor) handleTransferSweep(ctx context.Context, job *jobqueue.Job) error {
	const sweepBatch = 50
	_, err := s.cfg.Engine.ExpireOverdueTransfers(ctx, s.cfg.Clock.NowUTC(), sweepBatch)
	return err
}

// handleSessionGC sweeps expired wizard sessions, then re-enqueues
// itself for the next interval — the durable row exists only to give
// the in-memory sweep the same crash-safe cadence the rest of the
// scheduler's work gets, not because GC results themselves need to
// survive a restart.
func (s *Supervisor) handleSessionGC(ctx context.Context, job *jobqueue.Job) error {
	n := s.cfg.Sessions.GC()
	if n > 0 {
		logger.Infof("session gc: reaped %d expired session(s)", n)
	}
	next := s.cfg.Clock.NowUTC().Add(s.cfg.SessionGCEvery)
	err := jobqueue.Enqueue(ctx, s.cfg.DB, &jobqueue.Job{
		JobType:         jobqueue.TypeSessionGC,
		ScheduledForUTC: next,
		DedupeKey:       SessionGCDedupeKey,
	})
	if err != nil && err != jobqueue.ErrDuplicate {
		return errors.Wrap(err, "supervisor: reschedule session gc")
	}
	return nil
}

// handleMessageReconcileGuild re-renders every equipment embed in one
// guild and reconciles it against the posted messages, for the periodic
// full-resync pass that backstops
// the debounced per-equipment Reconciler subscription.
func (s *Supervisor) handleMessageReconcileGuild(ctx context.Context, job *jobqueue.Job) error {
	guildID := string(job.Payload)
	g, err := guild.Get(ctx, s.cfg.DB, guildID)
	if errors.Is(err, guild.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "supervisor: load guild")
	}
	if g.ReservationChannelID == "" {
		return nil
	}
	return s.reconciler.ReconcileGuild(ctx, guildID, g.ReservationChannelID)
}

// commandRegistrar is implemented by chat-platform sinks that expose a
// slash-command surface (chatsink/discord.Sink) to register. Sinks that
// don't (e.g. a test double) are silently skipped.
type commandRegistrar interface {
	EnsureSetupCommand() error
}

// registerSetupCommand creates (or idempotently re-creates) the
// router.SetupCommandName slash command on the bound Sink, so a fresh
// deploy never needs a manual registration step.
func (s *Supervisor) registerSetupCommand() error {
	reg, ok := s.cfg.Sink.(commandRegistrar)
	if !ok {
		logger.Warnf("sink does not support slash command registration; skipping %s", router.SetupCommandName)
		return nil
	}
	return reg.EnsureSetupCommand()
}

// seedSessionGC enqueues the first SessionGC job if none is pending
// yet, so a fresh install starts the self-rescheduling chain.
func (s *Supervisor) seedSessionGC(ctx context.Context) error {
	err := jobqueue.Enqueue(ctx, s.cfg.DB, &jobqueue.Job{
		JobType:         jobqueue.TypeSessionGC,
		ScheduledForUTC: s.cfg.Clock.NowUTC().Add(s.cfg.SessionGCEvery),
		DedupeKey:       SessionGCDedupeKey,
	})
	if err != nil && err != jobqueue.ErrDuplicate {
		return err
	}
	return nil
}

// MuxFor returns a new dispatch mux bound to d, the form reservation.New
// takes to allocate its event topic. Subscribing to the Engine's
// DomainEvents goes through Engine.Subscribe, since the topic ID is not
// exported.
func MuxFor(d *dispatch.Dispatcher) *dispatch.Mux {
	return dispatch.GetNewMux(d)
}
