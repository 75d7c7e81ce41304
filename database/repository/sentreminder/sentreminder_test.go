package sentreminder_test

import (
	"context"
	"testing"
	"time"

	"github.com/kizaibot/kizaibot/database/repository/sentreminder"
	"github.com/kizaibot/kizaibot/database/testhelpers"
)

func TestInsertIsIdempotent(t *testing.T) {
	t.Parallel()
	inst, cleanup, err := testhelpers.ConnectSQLite()
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	db := testhelpers.MustSQL(inst)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	if err := sentreminder.Insert(ctx, db, "res-1", string(sentreminder.KindPreStart), sentreminder.DeliveryDM, now); err != nil {
		t.Fatal(err)
	}

	// A redelivered job retrying the same (reservation, kind) must not
	// insert a second row.
	err = sentreminder.Insert(ctx, db, "res-1", string(sentreminder.KindPreStart), sentreminder.DeliveryDM, now.Add(time.Second))
	if err != sentreminder.ErrAlreadySent {
		t.Errorf("expected ErrAlreadySent on duplicate insert, got %v", err)
	}

	exists, err := sentreminder.Exists(ctx, db, "res-1", string(sentreminder.KindPreStart))
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Error("expected reminder to exist after insert")
	}
}

func TestGetReturnsNilWhenAbsent(t *testing.T) {
	t.Parallel()
	inst, cleanup, err := testhelpers.ConnectSQLite()
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	db := testhelpers.MustSQL(inst)

	got, err := sentreminder.Get(context.Background(), db, "res-1", string(sentreminder.KindStart))
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil record when absent, got %+v", got)
	}
}

func TestDistinctKindsAreIndependent(t *testing.T) {
	t.Parallel()
	inst, cleanup, err := testhelpers.ConnectSQLite()
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	db := testhelpers.MustSQL(inst)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	if err := sentreminder.Insert(ctx, db, "res-1", string(sentreminder.KindPreStart), sentreminder.DeliveryDM, now); err != nil {
		t.Fatal(err)
	}
	if err := sentreminder.Insert(ctx, db, "res-1", string(sentreminder.KindStart), sentreminder.DeliveryChannel, now); err != nil {
		t.Fatal(err)
	}

	got, err := sentreminder.Get(ctx, db, "res-1", string(sentreminder.KindStart))
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Delivery != sentreminder.DeliveryChannel {
		t.Errorf("expected Start kind delivered via Channel, got %+v", got)
	}
}
