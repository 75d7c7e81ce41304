// Package scheduler implements the JobScheduler (C6): a worker loop
// that claims due rows from jobqueue, dispatches them to per-type
// handlers, and retries or fails them with exponential backoff,
// throttled with golang.org/x/time/rate the way the teacher throttles
// exchange REST calls made while draining a request queue.
package scheduler

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/kizaibot/kizaibot/clock"
	"github.com/kizaibot/kizaibot/database/repository/jobqueue"
	"github.com/kizaibot/kizaibot/log"
)

var logger = log.SubLogger("scheduler")

// ErrNoHandler is returned when a claimed job's type has no registered
// handler; the job is marked Failed immediately rather than retried.
var ErrNoHandler = errors.New("scheduler: no handler registered for job type")

// Handler processes a single claimed job. Handlers must be idempotent:
// a job may be redelivered after a crash between completion and the
// Complete() call.
type Handler func(ctx context.Context, job *jobqueue.Job) error

// Backoff schedule for failed attempts, per spec: 5m, 15m, 1h, capped.
var backoffSchedule = []time.Duration{5 * time.Minute, 15 * time.Minute, time.Hour}

func backoffFor(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if attempt > len(backoffSchedule) {
		attempt = len(backoffSchedule)
	}
	return backoffSchedule[attempt-1]
}

const (
	// DefaultLease is how long a worker holds a claimed job before the
	// reaper considers it abandoned.
	DefaultLease = 60 * time.Second
	// DefaultPollInterval is how often the worker loop checks for due jobs.
	DefaultPollInterval = 5 * time.Second
	// DefaultBatchSize bounds how many jobs a single poll claims.
	DefaultBatchSize = 10
)

// Config tunes a Scheduler's polling cadence and chat-API throttle.
type Config struct {
	PollInterval time.Duration
	Lease        time.Duration
	BatchSize    int
	// RateLimit bounds how many handler dispatches run per second,
	// throttling the ChatSink calls handlers make while draining jobs.
	RateLimit rate.Limit
	// Burst is the token-bucket burst size for RateLimit.
	Burst int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Lease <= 0 {
		c.Lease = DefaultLease
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 5
	}
	if c.Burst <= 0 {
		c.Burst = c.BatchSize
	}
	return c
}

// Scheduler drains due jobqueue rows and dispatches them to registered
// Handlers.
type Scheduler struct {
	db       *sql.DB
	clock    clock.Clock
	cfg      Config
	limiter  *rate.Limiter
	handlers map[jobqueue.Type]Handler
}

// New builds a Scheduler over db using c as its time source.
func New(db *sql.DB, c clock.Clock, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		db: db, clock: c, cfg: cfg,
		limiter:  rate.NewLimiter(cfg.RateLimit, cfg.Burst),
		handlers: make(map[jobqueue.Type]Handler),
	}
}

// Register binds a Handler to a job type. Call before Run.
func (s *Scheduler) Register(t jobqueue.Type, h Handler) {
	s.handlers[t] = h
}

// RunOnce reaps expired leases, claims one batch of due jobs, and
// dispatches each to its registered handler, returning how many jobs
// were claimed. Exposed separately from Run so tests and the reaper
// path can drive ticks deterministically.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	now := s.clock.NowUTC()

	if _, err := jobqueue.ReapExpiredLeases(ctx, s.db, now); err != nil {
		return 0, errors.Wrap(err, "scheduler: reap expired leases")
	}

	claimed, err := jobqueue.ClaimDue(ctx, s.db, now, s.cfg.Lease, s.cfg.BatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "scheduler: claim due")
	}

	for _, job := range claimed {
		if err := s.limiter.Wait(ctx); err != nil {
			return 0, err
		}
		s.process(ctx, job)
	}
	return len(claimed), nil
}

func (s *Scheduler) process(ctx context.Context, job *jobqueue.Job) {
	h, ok := s.handlers[job.JobType]
	if !ok {
		logger.Errorf("job %s: %v (%s)", job.ID, ErrNoHandler, job.JobType)
		if err := jobqueue.Retry(ctx, s.db, job.ID, job.MaxAttempts, job.MaxAttempts, s.clock.NowUTC()); err != nil {
			logger.Errorf("job %s: failed to record no-handler failure: %v", job.ID, err)
		}
		return
	}

	if err := h(ctx, job); err != nil {
		logger.Warnf("job %s (%s) failed attempt %d: %v", job.ID, job.JobType, job.Attempts, err)
		retryAt := s.clock.NowUTC().Add(backoffFor(job.Attempts))
		if rerr := jobqueue.Retry(ctx, s.db, job.ID, job.Attempts, job.MaxAttempts, retryAt); rerr != nil {
			logger.Errorf("job %s: failed to record retry: %v", job.ID, rerr)
		}
		return
	}
	if err := jobqueue.Complete(ctx, s.db, job.ID); err != nil {
		logger.Errorf("job %s: failed to mark complete: %v", job.ID, err)
	}
}

// Run polls until ctx is cancelled, ticking every PollInterval. wg is
// released when the loop exits, matching the teacher's
// Start(wg *sync.WaitGroup) subsystem shape.
func (s *Scheduler) Run(ctx context.Context, wg *sync.WaitGroup) {
	if wg != nil {
		defer wg.Done()
	}
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				logger.Errorf("poll failed: %v", err)
			}
		}
	}
}
