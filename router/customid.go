// Package router implements the InteractionRouter (C10): it parses the
// namespaced custom-ID strings attached to buttons/modals and dispatches
// each interaction to the ReservationEngine, transfer flow, return
// flow, or admin management flow, grounded on the teacher's REST
// command-routing table in cmd/gctcli (one verb → one handler,
// dispatched from a single parsed command string).
package router

import "strings"

// Namespace identifies which custom-ID family an interaction belongs to.
type Namespace string

// Custom-ID namespaces, per spec's exact prefixes.
const (
	NamespaceReservation Namespace = "res"
	NamespaceTransfer    Namespace = "xfer"
	NamespaceManagement  Namespace = "mgmt"
	NamespaceReturn      Namespace = "ret"
	NamespaceUnknown     Namespace = ""
)

// CustomID is a parsed `namespace:verb:arg...` button/modal identifier.
type CustomID struct {
	Namespace Namespace
	Verb      string
	Args      []string
}

// ParseCustomID splits a raw custom-ID string (e.g. "res:new:eq-123" or
// "ret:loc:res-1:Clubroom") into its namespace, verb, and positional
// arguments. Returns ok=false for a string with fewer than two
// colon-separated segments.
func ParseCustomID(raw string) (CustomID, bool) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 {
		return CustomID{}, false
	}
	return CustomID{Namespace: Namespace(parts[0]), Verb: parts[1], Args: parts[2:]}, true
}

// BuildCustomID re-assembles a CustomID into its wire form, used by the
// /setup wizard's replies to name the next step's ID (kept here so both
// sides of the parse agree on the format).
func BuildCustomID(ns Namespace, verb string, args ...string) string {
	parts := append([]string{string(ns), verb}, args...)
	return strings.Join(parts, ":")
}
