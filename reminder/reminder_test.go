package reminder_test

import (
	"context"
	"testing"
	"time"

	"github.com/kizaibot/kizaibot/database/repository/guild"
	"github.com/kizaibot/kizaibot/database/repository/jobqueue"
	"github.com/kizaibot/kizaibot/database/repository/reservations"
	"github.com/kizaibot/kizaibot/database/testhelpers"
	"github.com/kizaibot/kizaibot/reminder"
)

func testGuild(now time.Time) *guild.Guild {
	return &guild.Guild{
		ID: "g1",
		Notify: guild.NotifySettings{
			DMFallbackToChannel: true,
			PreStartMin:         30,
			PreEndMin:           15,
			OverdueEveryH:       12,
			OverdueMaxCount:     2,
		},
		CreatedUTC: now,
	}
}

func TestExpectedSetActiveReservation(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	r := &reservations.Reservation{
		ID:       "r1",
		StartUTC: now.Add(time.Hour),
		EndUTC:   now.Add(3 * time.Hour),
	}
	g := testGuild(now)

	set := reminder.ExpectedSet(r, g)
	if len(set) != 5 { // PreStart, Start, PreEnd, Overdue:1, Overdue:2
		t.Fatalf("expected 5 entries, got %d: %+v", len(set), set)
	}
	want := map[string]time.Time{
		"PreStart":  now.Add(time.Hour - 30*time.Minute),
		"Start":     now.Add(time.Hour),
		"PreEnd":    now.Add(3*time.Hour - 15*time.Minute),
		"Overdue:1": now.Add(3*time.Hour + 12*time.Hour),
		"Overdue:2": now.Add(3*time.Hour + 24*time.Hour),
	}
	for _, e := range set {
		wantAt, ok := want[e.Kind]
		if !ok {
			t.Fatalf("unexpected kind %s", e.Kind)
		}
		if !e.ScheduledForUTC.Equal(wantAt) {
			t.Errorf("%s: expected %v, got %v", e.Kind, wantAt, e.ScheduledForUTC)
		}
	}
}

func TestExpectedSetReturnedReservationHasNoEntries(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	returnedAt := now.Add(2 * time.Hour)
	r := &reservations.Reservation{
		ID:            "r1",
		StartUTC:      now.Add(time.Hour),
		EndUTC:        now.Add(3 * time.Hour),
		ReturnedAtUTC: &returnedAt,
	}
	g := testGuild(now)

	set := reminder.ExpectedSet(r, g)
	if len(set) != 0 {
		t.Fatalf("expected no entries once returned, got %d: %+v", len(set), set)
	}
}

func TestSyncInsertsExpectedJobs(t *testing.T) {
	t.Parallel()
	inst, cleanup, err := testhelpers.ConnectSQLite()
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	db := testhelpers.MustSQL(inst)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	r := &reservations.Reservation{ID: "r1", StartUTC: now.Add(time.Hour), EndUTC: now.Add(3 * time.Hour)}
	g := testGuild(now)

	if err := reminder.Sync(ctx, db, r, g); err != nil {
		t.Fatal(err)
	}
	jobs, err := jobqueue.ListPendingByDedupePrefix(ctx, db, "remind:r1:")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 5 {
		t.Fatalf("expected 5 pending reminder jobs, got %d", len(jobs))
	}

	// Re-sync with identical expected set must not duplicate rows.
	if err := reminder.Sync(ctx, db, r, g); err != nil {
		t.Fatal(err)
	}
	jobs, err = jobqueue.ListPendingByDedupePrefix(ctx, db, "remind:r1:")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 5 {
		t.Fatalf("expected re-sync to stay idempotent at 5 jobs, got %d", len(jobs))
	}
}

func TestSyncDropsStaleJobsAfterWindowChange(t *testing.T) {
	t.Parallel()
	inst, cleanup, err := testhelpers.ConnectSQLite()
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	db := testhelpers.MustSQL(inst)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	r := &reservations.Reservation{ID: "r1", StartUTC: now.Add(time.Hour), EndUTC: now.Add(3 * time.Hour)}
	g := testGuild(now)
	if err := reminder.Sync(ctx, db, r, g); err != nil {
		t.Fatal(err)
	}

	// Reservation modified to start an hour later: PreStart/Start should
	// be rescheduled, not duplicated.
	r.StartUTC = r.StartUTC.Add(time.Hour)
	if err := reminder.Sync(ctx, db, r, g); err != nil {
		t.Fatal(err)
	}
	jobs, err := jobqueue.ListPendingByDedupePrefix(ctx, db, "remind:r1:")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 5 {
		t.Fatalf("expected still 5 pending jobs after reschedule, got %d", len(jobs))
	}
	for _, j := range jobs {
		if j.DedupeKey == "remind:r1:Start" && !j.ScheduledForUTC.Equal(r.StartUTC) {
			t.Errorf("expected Start rescheduled to %v, got %v", r.StartUTC, j.ScheduledForUTC)
		}
	}
}

func TestSyncDropsAllEntriesOnceReturned(t *testing.T) {
	t.Parallel()
	inst, cleanup, err := testhelpers.ConnectSQLite()
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	db := testhelpers.MustSQL(inst)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	r := &reservations.Reservation{ID: "r1", StartUTC: now.Add(time.Hour), EndUTC: now.Add(3 * time.Hour)}
	g := testGuild(now)
	if err := reminder.Sync(ctx, db, r, g); err != nil {
		t.Fatal(err)
	}

	returnedAt := now.Add(90 * time.Minute)
	r.ReturnedAtUTC = &returnedAt
	if err := reminder.Sync(ctx, db, r, g); err != nil {
		t.Fatal(err)
	}
	jobs, err := jobqueue.ListPendingByDedupePrefix(ctx, db, "remind:r1:")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected every reminder dropped after return, got %d jobs", len(jobs))
	}
}

func TestCancelAllRemovesEverything(t *testing.T) {
	t.Parallel()
	inst, cleanup, err := testhelpers.ConnectSQLite()
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	db := testhelpers.MustSQL(inst)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	r := &reservations.Reservation{ID: "r1", StartUTC: now.Add(time.Hour), EndUTC: now.Add(3 * time.Hour)}
	g := testGuild(now)
	if err := reminder.Sync(ctx, db, r, g); err != nil {
		t.Fatal(err)
	}
	if err := reminder.CancelAll(ctx, db, "r1"); err != nil {
		t.Fatal(err)
	}
	jobs, err := jobqueue.ListPendingByDedupePrefix(ctx, db, "remind:r1:")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected no jobs left after CancelAll, got %d", len(jobs))
	}
}
