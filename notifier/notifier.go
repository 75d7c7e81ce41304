// Package notifier implements the Notifier (C8): DM-first delivery
// with channel-mention fallback, recording every outcome in the
// sentreminder ledger, grounded on the teacher's order-notification
// fanout in communications/ (attempt the preferred channel, fall back
// to a secondary one on failure, always log the outcome).
package notifier

import (
	"context"

	"github.com/pkg/errors"

	"github.com/kizaibot/kizaibot/chatsink"
	"github.com/kizaibot/kizaibot/clock"
	"github.com/kizaibot/kizaibot/database/repository/dbutil"
	"github.com/kizaibot/kizaibot/database/repository/guild"
	"github.com/kizaibot/kizaibot/database/repository/sentreminder"
	"github.com/kizaibot/kizaibot/log"
)

var logger = log.SubLogger("notifier")

// Notifier delivers reminder/transfer notifications and records the
// outcome in the sentreminder ledger.
type Notifier struct {
	sink  chatsink.ChatSink
	clock clock.Clock
}

// New builds a Notifier over sink using c as its time source.
func New(sink chatsink.ChatSink, c clock.Clock) *Notifier {
	return &Notifier{sink: sink, clock: c}
}

// Notify delivers message to userID: DM first, falling back to a
// channel mention in channelID if the DM fails and g allows the
// fallback. reservationID and kind identify the sentreminder row this
// delivery records; kind should already carry any overdue ordinal
// suffix the caller computed. Never retries a failed delivery.
func (n *Notifier) Notify(ctx context.Context, db dbutil.Queryer, g *guild.Guild, userID, channelID, reservationID, kind, message string) (sentreminder.Delivery, error) {
	delivery := n.deliver(ctx, g, userID, channelID, message)

	if err := sentreminder.Insert(ctx, db, reservationID, kind, delivery, n.clock.NowUTC()); err != nil && err != sentreminder.ErrAlreadySent {
		return delivery, errors.Wrap(err, "notifier: record delivery")
	}
	return delivery, nil
}

func (n *Notifier) deliver(ctx context.Context, g *guild.Guild, userID, channelID, message string) sentreminder.Delivery {
	if _, err := n.sink.SendDM(ctx, userID, message); err == nil {
		return sentreminder.DeliveryDM
	} else {
		logger.Warnf("dm to %s failed: %v", userID, err)
	}

	if !g.Notify.DMFallbackToChannel || channelID == "" {
		return sentreminder.DeliveryFailed
	}

	fallback := n.sink.Mention(userID) + " " + message
	if _, err := n.sink.SendMessage(ctx, channelID, fallback); err != nil {
		logger.Warnf("channel fallback to %s failed: %v", channelID, err)
		return sentreminder.DeliveryFailed
	}
	return sentreminder.DeliveryChannel
}
