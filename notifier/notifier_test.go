package notifier_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/kizaibot/kizaibot/chatsink/chatsinktest"
	"github.com/kizaibot/kizaibot/clock"
	"github.com/kizaibot/kizaibot/database/repository/guild"
	"github.com/kizaibot/kizaibot/database/repository/sentreminder"
	"github.com/kizaibot/kizaibot/database/testhelpers"
	"github.com/kizaibot/kizaibot/notifier"
)

func testGuild() *guild.Guild {
	return &guild.Guild{
		ID:                   "g1",
		ReservationChannelID: "chan-1",
		Notify:               guild.NotifySettings{DMFallbackToChannel: true},
	}
}

func TestNotifyPrefersDM(t *testing.T) {
	t.Parallel()
	inst, cleanup, err := testhelpers.ConnectSQLite()
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	db := testhelpers.MustSQL(inst)
	ctx := context.Background()

	fake := chatsinktest.New()
	n := notifier.New(fake, clock.NewTest(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)))

	d, err := n.Notify(ctx, db, testGuild(), "user-1", "chan-1", "r1", "PreStart", "your reservation starts soon")
	if err != nil {
		t.Fatal(err)
	}
	if d != sentreminder.DeliveryDM {
		t.Fatalf("expected DM delivery, got %s", d)
	}
	if len(fake.DMsFor("user-1")) != 1 {
		t.Fatalf("expected one DM recorded, got %d", len(fake.DMsFor("user-1")))
	}

	rec, err := sentreminder.Get(ctx, db, "r1", "PreStart")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.Delivery != sentreminder.DeliveryDM {
		t.Fatalf("expected sentreminder row recording DM delivery, got %+v", rec)
	}
}

func TestNotifyFallsBackToChannelOnDMFailure(t *testing.T) {
	t.Parallel()
	inst, cleanup, err := testhelpers.ConnectSQLite()
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	db := testhelpers.MustSQL(inst)
	ctx := context.Background()

	fake := chatsinktest.New()
	fake.FailDM = chatsinktest.ErrNotFound
	n := notifier.New(fake, clock.NewTest(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)))

	d, err := n.Notify(ctx, db, testGuild(), "user-1", "chan-1", "r1", "Start", "equipment is due now")
	if err != nil {
		t.Fatal(err)
	}
	if d != sentreminder.DeliveryChannel {
		t.Fatalf("expected channel fallback delivery, got %s", d)
	}
	msgs, _ := fake.ListChannelMessages(ctx, "chan-1", time.Time{})
	if len(msgs) != 1 || !strings.Contains(msgs[0].Content, "@user-1") {
		t.Fatalf("expected a mention posted in the channel, got %+v", msgs)
	}
}

func TestNotifyRecordsFailedWhenFallbackDisabled(t *testing.T) {
	t.Parallel()
	inst, cleanup, err := testhelpers.ConnectSQLite()
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	db := testhelpers.MustSQL(inst)
	ctx := context.Background()

	fake := chatsinktest.New()
	fake.FailDM = chatsinktest.ErrNotFound
	n := notifier.New(fake, clock.NewTest(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)))

	g := testGuild()
	g.Notify.DMFallbackToChannel = false

	d, err := n.Notify(ctx, db, g, "user-1", "chan-1", "r1", "PreEnd", "equipment due soon")
	if err != nil {
		t.Fatal(err)
	}
	if d != sentreminder.DeliveryFailed {
		t.Fatalf("expected Failed delivery with fallback disabled, got %s", d)
	}
	msgs, _ := fake.ListChannelMessages(ctx, "chan-1", time.Time{})
	if len(msgs) != 0 {
		t.Fatalf("expected no channel message when fallback disabled, got %+v", msgs)
	}
}

func TestNotifyIsIdempotentUnderRetry(t *testing.T) {
	t.Parallel()
	inst, cleanup, err := testhelpers.ConnectSQLite()
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()
	db := testhelpers.MustSQL(inst)
	ctx := context.Background()

	fake := chatsinktest.New()
	n := notifier.New(fake, clock.NewTest(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)))
	g := testGuild()

	if _, err := n.Notify(ctx, db, g, "user-1", "chan-1", "r1", "PreEnd", "msg"); err != nil {
		t.Fatal(err)
	}
	// Simulated redelivery: sentreminder.Insert returns ErrAlreadySent,
	// which Notify must swallow rather than surface as a failure.
	if _, err := n.Notify(ctx, db, g, "user-1", "chan-1", "r1", "PreEnd", "msg"); err != nil {
		t.Fatalf("expected second delivery attempt to be a no-op, got %v", err)
	}
	if len(fake.DMsFor("user-1")) != 2 {
		t.Fatalf("expected the chatsink itself to still attempt delivery both times (caller gates on sentreminder.Exists before calling), got %d", len(fake.DMsFor("user-1")))
	}
}
