package reconciler

import (
	"fmt"
	"strings"

	"github.com/kizaibot/kizaibot/chatsink"
	"github.com/kizaibot/kizaibot/clock"
	"github.com/kizaibot/kizaibot/database/repository/equipment"
	"github.com/kizaibot/kizaibot/database/repository/reservations"
)

// maxUpcomingShown caps how many confirmed upcoming reservations are
// listed in an equipment embed.
const maxUpcomingShown = 5

// headerContent renders the single "Overall Management" header message.
// It carries no equipment-specific state, so its content never changes.
func headerContent() string {
	return "**Equipment Reservations**\n[ Overall Management ]"
}

// guideContent renders the one-time usage guide message.
func guideContent() string {
	return "Use the buttons on an item below to reserve, return, or check its status."
}

// equipmentContent renders eq's embed deterministically: identical
// inputs always produce an identical string, so the Reconciler's
// content-hash dedup can tell a genuine change from a redundant
// re-render. active is the Confirmed reservation whose window has
// already started, or nil (its holder is shown only when eq.Status is
// Loaned); upcoming is the other fetched Confirmed reservations, soonest
// first, of which at most maxUpcomingShown are listed.
func equipmentContent(sink chatsink.ChatSink, eq *equipment.Equipment, tagName string, active *reservations.Reservation, upcoming []*reservations.Reservation) string {
	var b strings.Builder

	if tagName != "" {
		fmt.Fprintf(&b, "[%s] %s\n", tagName, eq.Name)
	} else {
		fmt.Fprintf(&b, "%s\n", eq.Name)
	}

	switch eq.Status {
	case equipment.StatusAvailable:
		b.WriteString("Available\n")
	case equipment.StatusLoaned:
		b.WriteString("Loaned")
		if active != nil {
			fmt.Fprintf(&b, " — %s", sink.Mention(active.UserID))
		}
		if eq.CurrentLocation != "" {
			fmt.Fprintf(&b, " (%s)", eq.CurrentLocation)
		}
		b.WriteString("\n")
	case equipment.StatusUnavailable:
		fmt.Fprintf(&b, "Unavailable — %s\n", eq.UnavailableReason)
	}

	if len(upcoming) > 0 {
		b.WriteString("Upcoming:\n")
		n := len(upcoming)
		if n > maxUpcomingShown {
			n = maxUpcomingShown
		}
		for _, r := range upcoming[:n] {
			fmt.Fprintf(&b, "- %s to %s\n", clock.FormatJST(r.StartUTC), clock.FormatJST(r.EndUTC))
		}
	}

	b.WriteString("[ Reserve | Return | Check/Change | Settings ]")
	return b.String()
}
