package reservations_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/kizaibot/kizaibot/database/repository/equipment"
	"github.com/kizaibot/kizaibot/database/repository/guild"
	"github.com/kizaibot/kizaibot/database/repository/reservations"
	"github.com/kizaibot/kizaibot/database/testhelpers"
)

func setupEquipment(t *testing.T, db *sql.DB) string {
	t.Helper()
	ctx := context.Background()
	if _, err := guild.Create(ctx, db, "guild-1", time.Now()); err != nil {
		t.Fatal(err)
	}
	eq, err := equipment.Create(ctx, db, "guild-1", "", "Canon R5")
	if err != nil {
		t.Fatal(err)
	}
	return eq.ID
}

func TestCreateAndOverlapDetection(t *testing.T) {
	t.Parallel()
	inst, cleanup, err := testhelpers.ConnectSQLite()
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	db := testhelpers.MustSQL(inst)
	ctx := context.Background()
	eqID := setupEquipment(t, db)

	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	day1, _ := time.Parse(time.RFC3339, "2024-06-10T10:00:00Z")
	day1End, _ := time.Parse(time.RFC3339, "2024-06-10T12:00:00Z")

	r1, err := reservations.Create(ctx, db, eqID, "user-1", day1, day1End, "", now)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name        string
		start, end  string
		wantOverlap bool
	}{
		{"identical window", "2024-06-10T10:00:00Z", "2024-06-10T12:00:00Z", true},
		{"contained inside", "2024-06-10T10:30:00Z", "2024-06-10T11:00:00Z", true},
		{"overlaps start", "2024-06-10T09:00:00Z", "2024-06-10T10:30:00Z", true},
		{"overlaps end", "2024-06-10T11:30:00Z", "2024-06-10T13:00:00Z", true},
		{"touches end, half-open so no overlap", "2024-06-10T12:00:00Z", "2024-06-10T13:00:00Z", false},
		{"touches start, half-open so no overlap", "2024-06-10T08:00:00Z", "2024-06-10T10:00:00Z", false},
		{"disjoint before", "2024-06-10T06:00:00Z", "2024-06-10T08:00:00Z", false},
		{"disjoint after", "2024-06-10T14:00:00Z", "2024-06-10T16:00:00Z", false},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			start, err := time.Parse(time.RFC3339, c.start)
			if err != nil {
				t.Fatal(err)
			}
			end, err := time.Parse(time.RFC3339, c.end)
			if err != nil {
				t.Fatal(err)
			}
			overlaps, err := reservations.Overlapping(ctx, db, eqID, start, end, "")
			if err != nil {
				t.Fatal(err)
			}
			gotOverlap := len(overlaps) > 0
			if gotOverlap != c.wantOverlap {
				t.Errorf("expected overlap=%v, got %v (%d rows)", c.wantOverlap, gotOverlap, len(overlaps))
			}
		})
	}

	// Excluding the reservation itself (the modify-in-place case) must
	// never report a conflict against its own unchanged window.
	self, err := reservations.Overlapping(ctx, db, eqID, day1, day1End, r1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(self) != 0 {
		t.Errorf("expected no self-overlap when excluding own id, got %d", len(self))
	}
}

func TestOverlapIgnoresCancelled(t *testing.T) {
	t.Parallel()
	inst, cleanup, err := testhelpers.ConnectSQLite()
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	db := testhelpers.MustSQL(inst)
	ctx := context.Background()
	eqID := setupEquipment(t, db)

	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	start, _ := time.Parse(time.RFC3339, "2024-06-10T10:00:00Z")
	end, _ := time.Parse(time.RFC3339, "2024-06-10T12:00:00Z")

	r, err := reservations.Create(ctx, db, eqID, "user-1", start, end, "", now)
	if err != nil {
		t.Fatal(err)
	}
	if err := reservations.Cancel(ctx, db, r.ID, now); err != nil {
		t.Fatal(err)
	}

	overlaps, err := reservations.Overlapping(ctx, db, eqID, start, end, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(overlaps) != 0 {
		t.Errorf("expected cancelled reservation to be ignored, got %d overlaps", len(overlaps))
	}
}

func TestReturnLifecycle(t *testing.T) {
	t.Parallel()
	inst, cleanup, err := testhelpers.ConnectSQLite()
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	db := testhelpers.MustSQL(inst)
	ctx := context.Background()
	eqID := setupEquipment(t, db)

	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	start, _ := time.Parse(time.RFC3339, "2024-06-10T10:00:00Z")
	end, _ := time.Parse(time.RFC3339, "2024-06-10T12:00:00Z")
	r, err := reservations.Create(ctx, db, eqID, "user-1", start, end, "Room 1", now)
	if err != nil {
		t.Fatal(err)
	}

	if err := reservations.MarkReturned(ctx, db, r.ID, "Room 2", now); err != nil {
		t.Fatal(err)
	}
	got, err := reservations.Get(ctx, db, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ReturnedAtUTC == nil || got.ReturnLocation != "Room 2" {
		t.Fatalf("expected returned at Room 2, got %+v", got)
	}
	if got.Status != reservations.StatusConfirmed {
		t.Errorf("return must not cancel the reservation, got status %s", got.Status)
	}

	if err := reservations.UndoReturn(ctx, db, r.ID, now); err != nil {
		t.Fatal(err)
	}
	got, err = reservations.Get(ctx, db, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ReturnedAtUTC != nil || got.ReturnLocation != "" {
		t.Errorf("expected return undone, got %+v", got)
	}
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()
	inst, cleanup, err := testhelpers.ConnectSQLite()
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	db := testhelpers.MustSQL(inst)

	_, err = reservations.Get(context.Background(), db, "missing")
	if err != reservations.ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
