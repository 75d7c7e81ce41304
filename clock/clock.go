// Package clock provides the single time source threaded through every
// other package. Nothing outside this package calls time.Now directly.
package clock

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// JST is the fixed Japan Standard Time offset. Japan does not observe
// daylight saving, so a fixed offset is correct for all dates.
var JST = time.FixedZone("JST", 9*60*60)

// InputLayout is the format accepted from users, interpreted as JST.
const InputLayout = "2006-01-02 15:04"

// DisplayLayout is the format used when rendering timestamps to users.
const DisplayLayout = "2006/01/02 15:04"

// ErrInvalidTime is returned when ParseJST is given an unparsable string.
var ErrInvalidTime = errors.New("clock: invalid time string")

// Clock abstracts "now" so tests can advance time deterministically and
// window-based filters can be replayed.
type Clock interface {
	NowUTC() time.Time
	NowJST() time.Time
}

// System is the production Clock backed by the OS monotonic clock.
type System struct{}

// NewSystem returns the production Clock.
func NewSystem() System { return System{} }

// NowUTC returns the current instant in UTC.
func (System) NowUTC() time.Time { return time.Now().UTC() }

// NowJST returns the current instant rendered in JST.
func (s System) NowJST() time.Time { return s.NowUTC().In(JST) }

// Test is a Clock whose value is set explicitly, for deterministic tests.
type Test struct {
	now time.Time
}

// NewTest returns a Test clock pinned at t (any location; stored as UTC).
func NewTest(t time.Time) *Test {
	return &Test{now: t.UTC()}
}

// NowUTC returns the pinned instant in UTC.
func (c *Test) NowUTC() time.Time { return c.now }

// NowJST returns the pinned instant rendered in JST.
func (c *Test) NowJST() time.Time { return c.now.In(JST) }

// Advance moves the pinned instant forward by d.
func (c *Test) Advance(d time.Duration) { c.now = c.now.Add(d) }

// Set pins the clock to t.
func (c *Test) Set(t time.Time) { c.now = t.UTC() }

// ParseJST parses "YYYY-MM-DD HH:MM" as JST wall-clock and returns the
// equivalent UTC instant, truncated to the minute.
func ParseJST(s string) (time.Time, error) {
	t, err := time.ParseInLocation(InputLayout, s, JST)
	if err != nil {
		return time.Time{}, errors.Wrap(ErrInvalidTime, err.Error())
	}
	return t.UTC(), nil
}

// FormatJST renders t (any location) as JST display text with a trailing
// "(JST)" marker, suitable for the first mention of a timestamp in a
// message.
func FormatJST(t time.Time) string {
	return fmt.Sprintf("%s (JST)", t.In(JST).Format(DisplayLayout))
}

// FormatJSTShort renders t as JST display text without the marker, for
// repeated mentions within the same message.
func FormatJSTShort(t time.Time) string {
	return t.In(JST).Format(DisplayLayout)
}
