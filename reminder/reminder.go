// Package reminder implements the ReminderPlanner (C7): given a
// reservation, computes the expected set of reminder jobs and
// reconciles that set against the durable jobqueue, grounded on the
// teacher's order-book reconciliation style in database/repository
// (compute expected state, diff against persisted rows, apply the
// delta rather than rebuilding from scratch).
package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/kizaibot/kizaibot/database/repository/dbutil"
	"github.com/kizaibot/kizaibot/database/repository/guild"
	"github.com/kizaibot/kizaibot/database/repository/jobqueue"
	"github.com/kizaibot/kizaibot/database/repository/reservations"
)

// Expected is one entry in a reservation's expected reminder set: a
// kind and the UTC instant it should fire at.
type Expected struct {
	Kind            string
	ScheduledForUTC time.Time
}

// dedupeKey mirrors spec's "remind:{res_id}:{kind}" format. Overdue
// reminders carry their ordinal so each repeat gets its own slot.
func dedupeKey(reservationID, kind string) string {
	return fmt.Sprintf("remind:%s:%s", reservationID, kind)
}

// ExpectedSet computes the reminder set for r under g's notification
// settings. Once r.ReturnedAtUTC is non-nil the equipment is already
// back, so no reminder of any kind is expected — the caller should be
// cancelling, not reconciling.
func ExpectedSet(r *reservations.Reservation, g *guild.Guild) []Expected {
	if r.ReturnedAtUTC != nil {
		return nil
	}
	out := []Expected{
		{Kind: "PreStart", ScheduledForUTC: r.StartUTC.Add(-time.Duration(g.Notify.PreStartMin) * time.Minute)},
		{Kind: "Start", ScheduledForUTC: r.StartUTC},
		{Kind: "PreEnd", ScheduledForUTC: r.EndUTC.Add(-time.Duration(g.Notify.PreEndMin) * time.Minute)},
	}
	for k := 1; k <= g.Notify.OverdueMaxCount; k++ {
		out = append(out, Expected{
			Kind:            fmt.Sprintf("Overdue:%d", k),
			ScheduledForUTC: r.EndUTC.Add(time.Duration(k*g.Notify.OverdueEveryH) * time.Hour),
		})
	}
	return out
}

// Sync reconciles r's Pending reminder jobs against ExpectedSet(r, g):
// missing entries are enqueued, and Pending jobs whose kind is no
// longer expected or whose scheduled time has drifted are deleted.
// Jobs already recorded in sentreminder are never touched, since
// Sync only ever looks at the Pending jobqueue rows.
func Sync(ctx context.Context, db dbutil.Queryer, r *reservations.Reservation, g *guild.Guild) error {
	expected := ExpectedSet(r, g)
	existing, err := jobqueue.ListPendingByDedupePrefix(ctx, db, fmt.Sprintf("remind:%s:", r.ID))
	if err != nil {
		return errors.Wrap(err, "reminder: list existing")
	}

	existingByKey := make(map[string]*jobqueue.Job, len(existing))
	for _, j := range existing {
		existingByKey[j.DedupeKey] = j
	}

	wantKeys := make(map[string]bool, len(expected))
	for _, e := range expected {
		key := dedupeKey(r.ID, e.Kind)
		wantKeys[key] = true

		if j, ok := existingByKey[key]; ok {
			if j.ScheduledForUTC.Equal(e.ScheduledForUTC) {
				continue
			}
			if err := jobqueue.DeletePendingByDedupeKey(ctx, db, key); err != nil {
				return errors.Wrap(err, "reminder: delete drifted job")
			}
		}
		if err := jobqueue.Enqueue(ctx, db, &jobqueue.Job{
			JobType:         jobqueue.TypeReminderDue,
			ScheduledForUTC: e.ScheduledForUTC,
			DedupeKey:       key,
		}); err != nil && err != jobqueue.ErrDuplicate {
			return errors.Wrap(err, "reminder: enqueue")
		}
	}

	for key, j := range existingByKey {
		if !wantKeys[key] {
			if err := jobqueue.DeletePendingByDedupeKey(ctx, db, j.DedupeKey); err != nil {
				return errors.Wrap(err, "reminder: delete stale job")
			}
		}
	}
	return nil
}

// CancelAll deletes every Pending reminder job for a reservation,
// invoked on cancel or return per spec.
func CancelAll(ctx context.Context, db dbutil.Queryer, reservationID string) error {
	return errors.Wrap(
		jobqueue.DeletePendingByDedupePrefix(ctx, db, fmt.Sprintf("remind:%s:", reservationID)),
		"reminder: cancel all")
}
