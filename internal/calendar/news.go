package calendar

import "time"

// NewsEvent is one scheduled high-impact economic release that should
// black out new setup creation around it, e.g. an FOMC rate decision or a
// Non-Farm Payrolls release.
type NewsEvent struct {
	At     time.Time
	Impact string // "HIGH" or "MEDIUM"
	Name   string
}

// NewsGate answers whether new setup candidates may be opened at a given
// instant, independent of session-window membership. It is consulted only
// at LIQ#1 candidate creation, never mid-pattern: a candidate already in
// flight when a blackout starts is left alone.
type NewsGate interface {
	IsTradingAllowed(t time.Time) bool
}

// NewsCalendar blacks out trading for a configurable window around each
// filtered event. A nil *NewsCalendar, or one with no events, allows
// trading unconditionally.
type NewsCalendar struct {
	Events         []NewsEvent
	ImpactFilter   map[string]bool
	BlackoutBefore time.Duration
	BlackoutAfter  time.Duration
}

// NewNewsCalendar builds a gate over events, blacking out the default 2h
// before/after every HIGH-impact event.
func NewNewsCalendar(events []NewsEvent) *NewsCalendar {
	return &NewsCalendar{
		Events:         events,
		ImpactFilter:   map[string]bool{"HIGH": true},
		BlackoutBefore: 2 * time.Hour,
		BlackoutAfter:  2 * time.Hour,
	}
}

// IsTradingAllowed reports whether t falls outside every filtered event's
// blackout window.
func (n *NewsCalendar) IsTradingAllowed(t time.Time) bool {
	if n == nil || len(n.Events) == 0 {
		return true
	}
	for _, ev := range n.Events {
		if !n.ImpactFilter[ev.Impact] {
			continue
		}
		start := ev.At.Add(-n.BlackoutBefore)
		end := ev.At.Add(n.BlackoutAfter)
		if !t.Before(start) && !t.After(end) {
			return false
		}
	}
	return true
}
