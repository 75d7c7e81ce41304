package equipment_test

import (
	"context"
	"testing"
	"time"

	"github.com/kizaibot/kizaibot/database/repository/equipment"
	"github.com/kizaibot/kizaibot/database/repository/guild"
	"github.com/kizaibot/kizaibot/database/repository/tag"
	"github.com/kizaibot/kizaibot/database/testhelpers"
)

func TestCreateGetDefaultStatus(t *testing.T) {
	t.Parallel()
	inst, cleanup, err := testhelpers.ConnectSQLite()
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	db := testhelpers.MustSQL(inst)
	ctx := context.Background()

	if _, err := guild.Create(ctx, db, "guild-1", time.Now()); err != nil {
		t.Fatal(err)
	}
	eq, err := equipment.Create(ctx, db, "guild-1", "", "Canon R5")
	if err != nil {
		t.Fatal(err)
	}
	if eq.Status != equipment.StatusAvailable {
		t.Errorf("expected Available by default, got %s", eq.Status)
	}

	got, err := equipment.Get(ctx, db, eq.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Canon R5" {
		t.Errorf("expected Canon R5, got %s", got.Name)
	}
}

func TestListOrderedByTagSortOrder(t *testing.T) {
	t.Parallel()
	inst, cleanup, err := testhelpers.ConnectSQLite()
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	db := testhelpers.MustSQL(inst)
	ctx := context.Background()

	if _, err := guild.Create(ctx, db, "guild-1", time.Now()); err != nil {
		t.Fatal(err)
	}
	cams, err := tag.Create(ctx, db, "guild-1", "Cameras", 1)
	if err != nil {
		t.Fatal(err)
	}
	pcs, err := tag.Create(ctx, db, "guild-1", "PCs", 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := equipment.Create(ctx, db, "guild-1", cams.ID, "Canon R5"); err != nil {
		t.Fatal(err)
	}
	if _, err := equipment.Create(ctx, db, "guild-1", pcs.ID, "Gaming PC"); err != nil {
		t.Fatal(err)
	}
	if _, err := equipment.Create(ctx, db, "guild-1", "", "Untagged Thing"); err != nil {
		t.Fatal(err)
	}

	list, err := equipment.List(ctx, db, "guild-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 equipment rows, got %d", len(list))
	}
	if list[0].Name != "Gaming PC" || list[1].Name != "Canon R5" || list[2].Name != "Untagged Thing" {
		t.Errorf("expected PCs tag, then Cameras tag, then untagged last, got %+v", []string{list[0].Name, list[1].Name, list[2].Name})
	}
}

func TestSetStatus(t *testing.T) {
	t.Parallel()
	inst, cleanup, err := testhelpers.ConnectSQLite()
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	db := testhelpers.MustSQL(inst)
	ctx := context.Background()

	if _, err := guild.Create(ctx, db, "guild-1", time.Now()); err != nil {
		t.Fatal(err)
	}
	eq, err := equipment.Create(ctx, db, "guild-1", "", "Tripod")
	if err != nil {
		t.Fatal(err)
	}

	if err := equipment.SetStatus(ctx, db, eq.ID, equipment.StatusUnavailable, "", "broken leg"); err != nil {
		t.Fatal(err)
	}
	got, err := equipment.Get(ctx, db, eq.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != equipment.StatusUnavailable || got.UnavailableReason != "broken leg" {
		t.Errorf("expected Unavailable/broken leg, got %s/%s", got.Status, got.UnavailableReason)
	}
}
