package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/kizaibot/kizaibot/clock"
	"github.com/kizaibot/kizaibot/database/repository/jobqueue"
	"github.com/kizaibot/kizaibot/database/testhelpers"
	"github.com/kizaibot/kizaibot/scheduler"
)

func TestRunOnceCompletesSuccessfulJob(t *testing.T) {
	t.Parallel()
	inst, cleanup, err := testhelpers.ConnectSQLite()
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	db := testhelpers.MustSQL(inst)
	c := clock.NewTest(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	s := scheduler.New(db, c, scheduler.Config{RateLimit: 1000, Burst: 1000})
	ctx := context.Background()

	var seen []string
	s.Register(jobqueue.TypeSessionGC, func(_ context.Context, job *jobqueue.Job) error {
		seen = append(seen, job.ID)
		return nil
	})

	j := &jobqueue.Job{JobType: jobqueue.TypeSessionGC, ScheduledForUTC: c.NowUTC().Add(-time.Minute)}
	if err := jobqueue.Enqueue(ctx, db, j); err != nil {
		t.Fatal(err)
	}

	n, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 job claimed, got %d", n)
	}
	if len(seen) != 1 || seen[0] != j.ID {
		t.Fatalf("expected handler invoked for %s, got %v", j.ID, seen)
	}

	got, err := jobqueue.Get(ctx, db, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != jobqueue.StatusCompleted {
		t.Errorf("expected job marked Completed, got %s", got.Status)
	}
}

func TestRunOnceRetriesFailedJobWithBackoff(t *testing.T) {
	t.Parallel()
	inst, cleanup, err := testhelpers.ConnectSQLite()
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	db := testhelpers.MustSQL(inst)
	c := clock.NewTest(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	s := scheduler.New(db, c, scheduler.Config{RateLimit: 1000, Burst: 1000})
	ctx := context.Background()

	s.Register(jobqueue.TypeTransferExpire, func(_ context.Context, _ *jobqueue.Job) error {
		return errTestHandlerFailed
	})

	j := &jobqueue.Job{JobType: jobqueue.TypeTransferExpire, ScheduledForUTC: c.NowUTC().Add(-time.Minute), MaxAttempts: 3}
	if err := jobqueue.Enqueue(ctx, db, j); err != nil {
		t.Fatal(err)
	}

	if _, err := s.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := jobqueue.Get(ctx, db, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != jobqueue.StatusPending {
		t.Errorf("expected job rescheduled Pending after first failure, got %s", got.Status)
	}
	if got.ScheduledForUTC.Before(c.NowUTC().Add(4 * time.Minute)) {
		t.Errorf("expected retry scheduled at least 5m out, got %v", got.ScheduledForUTC)
	}
}

func TestRunOnceFailsJobWithNoRegisteredHandler(t *testing.T) {
	t.Parallel()
	inst, cleanup, err := testhelpers.ConnectSQLite()
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	db := testhelpers.MustSQL(inst)
	c := clock.NewTest(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	s := scheduler.New(db, c, scheduler.Config{RateLimit: 1000, Burst: 1000})
	ctx := context.Background()

	j := &jobqueue.Job{JobType: jobqueue.TypeMessageReconcileGuild, ScheduledForUTC: c.NowUTC().Add(-time.Minute), MaxAttempts: 1}
	if err := jobqueue.Enqueue(ctx, db, j); err != nil {
		t.Fatal(err)
	}

	if _, err := s.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := jobqueue.Get(ctx, db, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != jobqueue.StatusFailed {
		t.Errorf("expected job with no handler to fail immediately, got %s", got.Status)
	}
}

func TestRunOnceReapsExpiredLeaseBeforeClaiming(t *testing.T) {
	t.Parallel()
	inst, cleanup, err := testhelpers.ConnectSQLite()
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	db := testhelpers.MustSQL(inst)
	c := clock.NewTest(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	s := scheduler.New(db, c, scheduler.Config{Lease: time.Second, RateLimit: 1000, Burst: 1000})
	ctx := context.Background()

	j := &jobqueue.Job{JobType: jobqueue.TypeSessionGC, ScheduledForUTC: c.NowUTC().Add(-time.Minute)}
	if err := jobqueue.Enqueue(ctx, db, j); err != nil {
		t.Fatal(err)
	}
	// Claim it once with a short lease but never complete it, simulating
	// a crashed worker.
	if _, err := jobqueue.ClaimDue(ctx, db, c.NowUTC(), time.Second, 10); err != nil {
		t.Fatal(err)
	}

	c.Advance(time.Hour)
	var runs int
	s.Register(jobqueue.TypeSessionGC, func(_ context.Context, _ *jobqueue.Job) error {
		runs++
		return nil
	})
	if _, err := s.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if runs != 1 {
		t.Fatalf("expected reaped job to be re-claimed and run, runs=%d", runs)
	}
}

var errTestHandlerFailed = errFixed("handler failed")

type errFixed string

func (e errFixed) Error() string { return string(e) }
