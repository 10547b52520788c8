package models

import "time"

// CandidateState is one of the five live states (plus the two terminal
// states) a SetupCandidate progresses through.
type CandidateState string

const (
	// StateWatchingLiq1 is unused as a resting state: a candidate is created
	// directly into StateWatchingConsol on LIQ#1. Kept for completeness of
	// the state enumeration described by the spec.
	StateWatchingLiq1  CandidateState = "watching_liq1"
	StateWatchingConsol CandidateState = "watching_consol"
	StateWatchingLiq2  CandidateState = "watching_liq2"
	StateWaitingEntry  CandidateState = "waiting_entry"
	StateComplete      CandidateState = "complete"
	StateInvalidated   CandidateState = "invalidated"
)

// InvalidationReason enumerates every terminal reason a candidate can be
// dropped for.
type InvalidationReason string

const (
	ReasonConsolTimeout       InvalidationReason = "consol_timeout"
	ReasonConsolQualityLow    InvalidationReason = "consol_quality_low"
	ReasonConsolRangeTooWide  InvalidationReason = "consol_range_too_wide"
	ReasonNoWickNotFound      InvalidationReason = "nowick_not_found"
	ReasonLiq2Timeout         InvalidationReason = "liq2_timeout"
	ReasonRetracementExceeded InvalidationReason = "retracement_exceeded"
	ReasonEntryTimeout        InvalidationReason = "entry_timeout"
	ReasonMarketClosed        InvalidationReason = "market_closed"
)

// candidateTransition defines one allowed state move in the setup lifecycle.
type candidateTransition struct {
	From      CandidateState
	To        CandidateState
	Condition string
}

// validCandidateTransitions is the complete transition table for
// SetupCandidate.State, used the same way the teacher's position state
// machine precomputes a lookup map for O(1) validation.
var validCandidateTransitions = []candidateTransition{
	{StateWatchingConsol, StateWatchingLiq2, "consol_confirmed"},
	{StateWatchingConsol, StateInvalidated, "consol_timeout"},
	{StateWatchingConsol, StateInvalidated, "consol_quality_low"},
	{StateWatchingConsol, StateInvalidated, "consol_range_too_wide"},
	{StateWatchingLiq2, StateWaitingEntry, "liq2_detected"},
	{StateWatchingLiq2, StateInvalidated, "liq2_timeout"},
	{StateWatchingLiq2, StateInvalidated, "retracement_exceeded"},
	{StateWaitingEntry, StateComplete, "entry_triggered"},
	{StateWaitingEntry, StateInvalidated, "entry_timeout"},
	{StateWatchingConsol, StateInvalidated, "market_closed"},
	{StateWatchingLiq2, StateInvalidated, "market_closed"},
	{StateWaitingEntry, StateInvalidated, "market_closed"},
}

var candidateTransitionLookup map[CandidateState]map[CandidateState]map[string]bool

func init() {
	candidateTransitionLookup = make(map[CandidateState]map[CandidateState]map[string]bool)
	for _, t := range validCandidateTransitions {
		if candidateTransitionLookup[t.From] == nil {
			candidateTransitionLookup[t.From] = make(map[CandidateState]map[string]bool)
		}
		if candidateTransitionLookup[t.From][t.To] == nil {
			candidateTransitionLookup[t.From][t.To] = make(map[string]bool)
		}
		candidateTransitionLookup[t.From][t.To][t.Condition] = true
	}
}

// IsValidCandidateTransition reports whether moving from `from` to `to`
// under `condition` is a defined transition.
func IsValidCandidateTransition(from, to CandidateState, condition string) bool {
	toMap, ok := candidateTransitionLookup[from]
	if !ok {
		return false
	}
	conds, ok := toMap[to]
	if !ok {
		return false
	}
	return conds[condition]
}

// ConsolBar is one bar recorded in a candidate's consolidation window. Only
// the fields needed to recompute extrema and no-wick percentiles are kept;
// the list itself is dropped when the candidate is persisted to the cold
// store.
type ConsolBar struct {
	MinuteStart time.Time
	Open        float64
	High        float64
	Low         float64
	Close       float64
}

// SetupCandidate is the central entity of the core: one instance per
// LIQ#1 sweep, tracked independently until it completes or invalidates.
type SetupCandidate struct {
	ID          string
	Symbol      string
	CreatedAt   time.Time
	LastUpdated time.Time
	State       CandidateState

	// Session context, captured at creation.
	LSEHigh      float64
	LSELow       float64
	LSECloseTime time.Time

	// LIQ#1.
	Liq1Time  time.Time
	Liq1Price float64

	// Consolidation.
	ConsolBars         []ConsolBar
	ConsolHigh         float64
	ConsolLow          float64
	ConsolRange        float64
	ConsolQualityScore float64
	ConsolConfirmed    bool
	ConsolConfirmedTime time.Time

	// No-wick bar.
	NoWickTime      time.Time
	NoWickHigh      float64
	NoWickLow       float64
	NoWickWickRatio float64

	// LIQ#2.
	Liq2Time      time.Time
	Liq2Price     float64
	SpikeHigh     float64
	SpikeHighTime time.Time

	// Entry.
	EntryTriggerTime time.Time
	EntryPrice       float64
	SLPrice          float64
	TPPrice          float64
	RiskRewardRatio  float64

	// Termination.
	InvalidationReason InvalidationReason
	InvalidationTime   time.Time

	// barsSinceConsol / barsSinceLiq2 are internal counters used by the
	// tracker to enforce the timeout invariants; they are not part of the
	// recoverable cold-store projection but ride along on the in-memory
	// candidate for convenience.
	barsSinceConsol int
	barsSinceLiq2   int
}

// IsActive reports whether the candidate is still owned by the tracker
// (i.e. has not reached a terminal state).
func (c *SetupCandidate) IsActive() bool {
	return c.State != StateComplete && c.State != StateInvalidated
}

// BarsSinceConsol returns the running count of bars processed since the
// candidate entered WatchingLiq2.
func (c *SetupCandidate) BarsSinceConsol() int { return c.barsSinceConsol }

// IncrementBarsSinceConsol advances the WatchingLiq2 timeout counter by one
// and returns the new value.
func (c *SetupCandidate) IncrementBarsSinceConsol() int {
	c.barsSinceConsol++
	return c.barsSinceConsol
}

// BarsSinceLiq2 returns the running count of bars processed since the
// candidate entered WaitingEntry.
func (c *SetupCandidate) BarsSinceLiq2() int { return c.barsSinceLiq2 }

// IncrementBarsSinceLiq2 advances the WaitingEntry timeout counter by one
// and returns the new value.
func (c *SetupCandidate) IncrementBarsSinceLiq2() int {
	c.barsSinceLiq2++
	return c.barsSinceLiq2
}

// Clone returns a deep copy safe to hand to subscribers or the store without
// aliasing the tracker's live candidate.
func (c *SetupCandidate) Clone() *SetupCandidate {
	if c == nil {
		return nil
	}
	clone := *c
	if len(c.ConsolBars) > 0 {
		clone.ConsolBars = make([]ConsolBar, len(c.ConsolBars))
		copy(clone.ConsolBars, c.ConsolBars)
	}
	return &clone
}

// WithoutConsolBars returns a shallow copy with the heavy consolidation bar
// list dropped, the projection persisted to the cold store.
func (c *SetupCandidate) WithoutConsolBars() *SetupCandidate {
	clone := c.Clone()
	clone.ConsolBars = nil
	return clone
}
