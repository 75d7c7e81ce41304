package auditlog_test

import (
	"context"
	"testing"
	"time"

	"github.com/kizaibot/kizaibot/database/repository/auditlog"
	"github.com/kizaibot/kizaibot/database/repository/equipment"
	"github.com/kizaibot/kizaibot/database/repository/guild"
	"github.com/kizaibot/kizaibot/database/testhelpers"
)

func TestAppendAndListForEquipment(t *testing.T) {
	t.Parallel()
	inst, cleanup, err := testhelpers.ConnectSQLite()
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	db := testhelpers.MustSQL(inst)
	ctx := context.Background()

	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	if _, err := guild.Create(ctx, db, "guild-1", now); err != nil {
		t.Fatal(err)
	}
	eq, err := equipment.Create(ctx, db, "guild-1", "", "Canon R5")
	if err != nil {
		t.Fatal(err)
	}

	if err := auditlog.Append(ctx, db, &auditlog.Entry{
		EquipmentID: eq.ID, ActorUserID: "user-1", Action: auditlog.ActionReserved,
		NewStatus: string(equipment.StatusLoaned), TimestampUTC: now,
	}); err != nil {
		t.Fatal(err)
	}
	if err := auditlog.Append(ctx, db, &auditlog.Entry{
		EquipmentID: eq.ID, ActorUserID: "user-1", Action: auditlog.ActionReturned,
		PreviousStatus: string(equipment.StatusLoaned), NewStatus: string(equipment.StatusAvailable),
		Location: "Room 204", TimestampUTC: now.Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	entries, err := auditlog.ListForEquipment(ctx, db, eq.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Action != auditlog.ActionReturned {
		t.Errorf("expected most recent first (Returned), got %s", entries[0].Action)
	}
	if entries[0].Location != "Room 204" {
		t.Errorf("expected location Room 204, got %q", entries[0].Location)
	}
}
