// Package calendar answers session-membership questions for the tracker:
// whether a given UTC instant falls inside the LSE window used to capture
// ceiling/floor levels, or the NYSE window in which setups are hunted.
package calendar

import (
	"fmt"
	"strings"
	"time"
)

// Calendar answers session-membership questions for a single UTC instant.
// A concrete implementation with fixed local-time windows is the default;
// callers needing holiday awareness can supply their own.
type Calendar interface {
	IsLSESession(t time.Time) bool
	IsNYSESession(t time.Time) bool
	// TradingDate returns the UTC calendar date `t` belongs to, used for
	// daily rollover detection.
	TradingDate(t time.Time) time.Time
}

// Window is a local-time-of-day half-open interval [Start, End).
type Window struct {
	Start time.Duration // offset from local midnight, e.g. 9h for 09:00
	End   time.Duration
}

// FixedCalendar implements Calendar with fixed local-time windows per
// session, evaluated in a configured IANA location. This is the default
// concrete calendar implementation.
type FixedCalendar struct {
	Location *time.Location
	LSE      Window
	NYSE     Window
}

// DefaultLSEWindow is the spec's default LSE session: 09:00-15:30 local.
var DefaultLSEWindow = Window{Start: 9 * time.Hour, End: 15*time.Hour + 30*time.Minute}

// DefaultNYSEWindow opens at 15:30 local and runs to end of local day; only
// the open boundary is load-bearing for LIQ#1 detection, so the close is
// set generously.
var DefaultNYSEWindow = Window{Start: 15*time.Hour + 30*time.Minute, End: 24 * time.Hour}

// NewDefaultCalendar returns a FixedCalendar using the spec's default
// windows in the given location (pass nil for UTC).
func NewDefaultCalendar(loc *time.Location) *FixedCalendar {
	if loc == nil {
		loc = time.UTC
	}
	return &FixedCalendar{Location: loc, LSE: DefaultLSEWindow, NYSE: DefaultNYSEWindow}
}

// ParseWindow parses an "HH:MM-HH:MM" string into a Window.
func ParseWindow(s string) (Window, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return Window{}, fmt.Errorf("calendar: invalid window %q, want HH:MM-HH:MM", s)
	}
	start, err := parseClock(parts[0])
	if err != nil {
		return Window{}, fmt.Errorf("calendar: invalid window start %q: %w", s, err)
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return Window{}, fmt.Errorf("calendar: invalid window end %q: %w", s, err)
	}
	return Window{Start: start, End: end}, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func (w Window) contains(offset time.Duration) bool {
	return offset >= w.Start && offset < w.End
}

func localOffset(t time.Time, loc *time.Location) time.Duration {
	local := t.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return local.Sub(midnight)
}

// IsLSESession reports whether t falls within the LSE window.
func (c *FixedCalendar) IsLSESession(t time.Time) bool {
	return c.LSE.contains(localOffset(t, c.Location))
}

// IsNYSESession reports whether t falls within the NYSE window.
func (c *FixedCalendar) IsNYSESession(t time.Time) bool {
	return c.NYSE.contains(localOffset(t, c.Location))
}

// TradingDate returns the UTC calendar date for t: trading-date rollover
// uses UTC date regardless of the session location.
func (c *FixedCalendar) TradingDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
