// Package tracker implements the pattern-detection state machine: one
// SetupCandidate per LIQ#1 sweep, advanced bar by bar through
// consolidation, the no-wick confirmation bar, LIQ#2, and entry, with a
// strict no-look-ahead guarantee — every decision a candidate makes uses
// only bars already seen, in the order they were seen.
package tracker

import (
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/Benagen/slobtrading-sub000/internal/calendar"
	"github.com/Benagen/slobtrading-sub000/internal/models"
	"github.com/Benagen/slobtrading-sub000/internal/util"
)

// CandidateSubscriber receives a candidate at a terminal transition
// (completed or invalidated). The candidate passed in is a detached clone;
// mutating it has no effect on the tracker.
type CandidateSubscriber func(*models.SetupCandidate)

// Option configures a Tracker at construction.
type Option func(*Tracker)

// WithLogger overrides the default logger used for causality-violation and
// internal-consistency diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithIDGenerator overrides how new candidate IDs are minted. Tests supply
// a deterministic generator; production uses uuid.NewString.
func WithIDGenerator(f func() string) Option {
	return func(t *Tracker) { t.idGen = f }
}

// WithOnComplete registers the callback invoked when a candidate reaches
// StateComplete.
func WithOnComplete(sub CandidateSubscriber) Option {
	return func(t *Tracker) { t.onComplete = sub }
}

// WithOnInvalidated registers the callback invoked when a candidate reaches
// StateInvalidated.
func WithOnInvalidated(sub CandidateSubscriber) Option {
	return func(t *Tracker) { t.onInvalidated = sub }
}

// Tracker owns every SetupCandidate for one symbol and advances them
// synchronously, one completed bar at a time.
type Tracker struct {
	symbol string
	cfg    Config
	cal    calendar.Calendar
	idGen  func() string
	logger *log.Logger

	currentDate time.Time
	dateSet     bool

	lseInit      bool
	lseHigh      float64
	lseLow       float64
	lseCloseTime time.Time

	barHistory   []models.Bar
	lastBarMin   time.Time
	hasProcessed bool

	active      []*models.SetupCandidate
	completed   []*models.SetupCandidate
	invalidated []*models.SetupCandidate

	// lastLiq1Time dedups LIQ#1 creation against the most recent sweep
	// regardless of what became of the candidate it spawned: a completed or
	// invalidated candidate still marks that sweep as already handled.
	lastLiq1Time time.Time
	hasLiq1      bool

	onComplete    CandidateSubscriber
	onInvalidated CandidateSubscriber

	droppedBars uint64
}

// New constructs a Tracker for one symbol.
func New(symbol string, cfg Config, cal calendar.Calendar, opts ...Option) *Tracker {
	t := &Tracker{
		symbol: symbol,
		cfg:    cfg,
		cal:    cal,
		idGen:  uuid.NewString,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Active returns a snapshot of every candidate still in flight.
func (t *Tracker) Active() []*models.SetupCandidate {
	out := make([]*models.SetupCandidate, len(t.active))
	for i, c := range t.active {
		out[i] = c.Clone()
	}
	return out
}

// DroppedBars returns the count of bars rejected for arriving out of
// causal order.
func (t *Tracker) DroppedBars() uint64 { return t.droppedBars }

// OnBar advances every active candidate for this symbol by exactly one
// completed bar. It must be called with bars for this symbol in strictly
// increasing MinuteStart order; a bar that is not strictly after the last
// one processed is rejected and dropped rather than risking a
// look-ahead-tainted decision.
func (t *Tracker) OnBar(bar models.Bar) {
	if t.hasProcessed && !bar.MinuteStart.After(t.lastBarMin) {
		t.droppedBars++
		t.logger.Printf("tracker[%s]: dropping out-of-order bar at %s (last processed %s)", t.symbol, bar.MinuteStart, t.lastBarMin)
		return
	}
	t.lastBarMin = bar.MinuteStart
	t.hasProcessed = true

	t.rollDateIfNeeded(bar.MinuteStart)
	t.pushHistory(bar)

	isLSE := t.cal.IsLSESession(bar.MinuteStart)
	isNYSE := t.cal.IsNYSESession(bar.MinuteStart)

	if isLSE {
		t.updateLSE(bar)
		return
	}
	if !isNYSE {
		return
	}

	t.processActive(bar)
	t.maybeCreateCandidate(bar)
}

func (t *Tracker) rollDateIfNeeded(ts time.Time) {
	date := t.cal.TradingDate(ts)
	if !t.dateSet {
		t.currentDate = date
		t.dateSet = true
		return
	}
	if date.Equal(t.currentDate) {
		return
	}
	t.currentDate = date
	t.lseInit = false
	t.lseHigh = 0
	t.lseLow = 0
	t.lseCloseTime = time.Time{}
	t.hasLiq1 = false
	t.lastLiq1Time = time.Time{}

	for _, c := range t.active {
		t.invalidate(c, models.ReasonMarketClosed, ts)
	}
	t.active = nil
}

func (t *Tracker) pushHistory(bar models.Bar) {
	t.barHistory = append(t.barHistory, bar)
	limit := t.cfg.ATRPeriod + 1
	if len(t.barHistory) > limit {
		t.barHistory = t.barHistory[len(t.barHistory)-limit:]
	}
}

func (t *Tracker) updateLSE(bar models.Bar) {
	if !t.lseInit {
		t.lseHigh = bar.High
		t.lseLow = bar.Low
		t.lseInit = true
	} else {
		if bar.High > t.lseHigh {
			t.lseHigh = bar.High
		}
		if bar.Low < t.lseLow {
			t.lseLow = bar.Low
		}
	}
	t.lseCloseTime = bar.MinuteStart
}

// currentATR reports the simple-average true range over the last
// ATRPeriod completed true-range intervals, and whether enough history has
// accumulated to compute it at all.
func (t *Tracker) currentATR() (float64, bool) {
	need := t.cfg.ATRPeriod + 1
	if len(t.barHistory) < need {
		return 0, false
	}
	window := t.barHistory[len(t.barHistory)-need:]
	var sum float64
	for i := 1; i < len(window); i++ {
		sum += trueRange(window[i], window[i-1])
	}
	return sum / float64(t.cfg.ATRPeriod), true
}

func trueRange(cur, prev models.Bar) float64 {
	hl := cur.High - cur.Low
	hc := math.Abs(cur.High - prev.Close)
	lc := math.Abs(cur.Low - prev.Close)
	return math.Max(hl, math.Max(hc, lc))
}

// processActive advances every candidate active before this bar arrived.
// New candidates created by this same bar (maybeCreateCandidate, called
// after this returns) never see this bar in their own consolidation
// window, matching the rule that the sweep candle that creates a
// candidate is not itself part of its consolidation.
func (t *Tracker) processActive(bar models.Bar) {
	snapshot := make([]*models.SetupCandidate, len(t.active))
	copy(snapshot, t.active)

	terminated := make(map[string]bool)
	for _, c := range snapshot {
		if t.step(c, bar) {
			terminated[c.ID] = true
		}
	}
	if len(terminated) == 0 {
		return
	}
	remaining := t.active[:0]
	for _, c := range t.active {
		if !terminated[c.ID] {
			remaining = append(remaining, c)
		}
	}
	t.active = remaining
}

// step advances one candidate by one bar and reports whether it reached a
// terminal state.
func (t *Tracker) step(c *models.SetupCandidate, bar models.Bar) bool {
	switch c.State {
	case models.StateWatchingConsol:
		return t.stepWatchingConsol(c, bar)
	case models.StateWatchingLiq2:
		return t.stepWatchingLiq2(c, bar)
	case models.StateWaitingEntry:
		return t.stepWaitingEntry(c, bar)
	default:
		return false
	}
}

func (t *Tracker) stepWatchingConsol(c *models.SetupCandidate, bar models.Bar) bool {
	c.ConsolBars = append(c.ConsolBars, models.ConsolBar{
		MinuteStart: bar.MinuteStart,
		Open:        bar.Open,
		High:        bar.High,
		Low:         bar.Low,
		Close:       bar.Close,
	})
	recomputeConsolExtrema(c)
	c.LastUpdated = bar.MinuteStart

	if len(c.ConsolBars) > t.cfg.ConsolMaxDuration {
		t.invalidate(c, models.ReasonConsolTimeout, bar.MinuteStart)
		return true
	}

	atr, atrOK := t.currentATR()
	c.ConsolQualityScore = consolQualityScore(c.ConsolRange, atr, atrOK, t.cfg.RangeNormalizationFactor)

	if len(c.ConsolBars) < t.cfg.ConsolMinDuration {
		return false
	}

	if c.ConsolQualityScore < t.cfg.ConsolMinQuality {
		t.invalidate(c, models.ReasonConsolQualityLow, bar.MinuteStart)
		return true
	}

	if atrOK && c.ConsolRange > t.cfg.ATRMultiplierMax*atr {
		t.invalidate(c, models.ReasonConsolRangeTooWide, bar.MinuteStart)
		return true
	}

	found, idx := findNoWickBar(c.ConsolBars, t.cfg)
	if !found {
		return false
	}
	nw := c.ConsolBars[idx]
	c.NoWickTime = nw.MinuteStart
	c.NoWickHigh = nw.High
	c.NoWickLow = nw.Low
	if nw.High != nw.Low {
		c.NoWickWickRatio = (nw.High - math.Max(nw.Open, nw.Close)) / (nw.High - nw.Low)
	}

	// Freeze: the current bar (the confirmation candle) is removed from the
	// consolidation window before recomputing its extrema, then the
	// candidate is re-entered at WatchingLiq2 with the same bar so the
	// confirmation candle may itself trigger LIQ#2.
	c.ConsolBars = c.ConsolBars[:len(c.ConsolBars)-1]
	recomputeConsolExtrema(c)
	c.ConsolConfirmed = true
	c.ConsolConfirmedTime = bar.MinuteStart
	c.State = models.StateWatchingLiq2
	c.LastUpdated = bar.MinuteStart

	return t.stepWatchingLiq2(c, bar)
}

func (t *Tracker) stepWatchingLiq2(c *models.SetupCandidate, bar models.Bar) bool {
	if c.IncrementBarsSinceConsol() > t.cfg.MaxEntryWaitCandles {
		t.invalidate(c, models.ReasonLiq2Timeout, bar.MinuteStart)
		return true
	}

	if bar.High > c.NoWickHigh+t.cfg.MaxRetracementPips {
		t.invalidate(c, models.ReasonRetracementExceeded, bar.MinuteStart)
		return true
	}

	if bar.High > c.ConsolHigh {
		c.Liq2Time = bar.MinuteStart
		c.Liq2Price = bar.High
		c.SpikeHigh = bar.High
		c.SpikeHighTime = bar.MinuteStart
		c.State = models.StateWaitingEntry
		c.LastUpdated = bar.MinuteStart
	}

	return false
}

func (t *Tracker) stepWaitingEntry(c *models.SetupCandidate, bar models.Bar) bool {
	if bar.High > c.SpikeHigh {
		c.SpikeHigh = bar.High
		c.SpikeHighTime = bar.MinuteStart
	}

	if c.IncrementBarsSinceLiq2() > t.cfg.MaxEntryWaitCandles {
		t.invalidate(c, models.ReasonEntryTimeout, bar.MinuteStart)
		return true
	}

	if bar.Close < c.NoWickLow {
		c.EntryTriggerTime = bar.MinuteStart
		c.EntryPrice = bar.Close
		c.SLPrice = util.CeilToTick(c.SpikeHigh+t.cfg.SLBuffer, t.cfg.TickSize)
		c.TPPrice = util.FloorToTick(c.NoWickLow-t.cfg.TPBuffer, t.cfg.TickSize)
		risk := c.SLPrice - c.EntryPrice
		reward := c.EntryPrice - c.TPPrice
		if risk > 0 {
			c.RiskRewardRatio = reward / risk
		}
		c.State = models.StateComplete
		c.LastUpdated = bar.MinuteStart
		t.complete(c)
		return true
	}

	c.LastUpdated = bar.MinuteStart
	return false
}

// maybeCreateCandidate checks whether this bar's high sweeps above the
// captured LSE high and, if so and no recent duplicate exists, opens a new
// candidate directly into WatchingConsol.
func (t *Tracker) maybeCreateCandidate(bar models.Bar) {
	if !t.lseInit || bar.High <= t.lseHigh {
		return
	}
	if t.cfg.NewsGate != nil && !t.cfg.NewsGate.IsTradingAllowed(bar.MinuteStart) {
		return
	}
	if t.hasLiq1 && !bar.MinuteStart.After(t.lastLiq1Time.Add(t.cfg.Liq1DedupWindow)) {
		return
	}
	t.lastLiq1Time = bar.MinuteStart
	t.hasLiq1 = true

	c := &models.SetupCandidate{
		ID:           t.idGen(),
		Symbol:       t.symbol,
		CreatedAt:    bar.MinuteStart,
		LastUpdated:  bar.MinuteStart,
		State:        models.StateWatchingConsol,
		LSEHigh:      t.lseHigh,
		LSELow:       t.lseLow,
		LSECloseTime: t.lseCloseTime,
		Liq1Time:     bar.MinuteStart,
		Liq1Price:    bar.High,
	}
	t.active = append(t.active, c)
}

func (t *Tracker) invalidate(c *models.SetupCandidate, reason models.InvalidationReason, at time.Time) {
	c.State = models.StateInvalidated
	c.InvalidationReason = reason
	c.InvalidationTime = at
	c.LastUpdated = at
	t.invalidated = append(t.invalidated, c)
	if t.onInvalidated != nil {
		t.onInvalidated(c.Clone())
	}
}

func (t *Tracker) complete(c *models.SetupCandidate) {
	t.completed = append(t.completed, c)
	if t.onComplete != nil {
		t.onComplete(c.Clone())
	}
}

func recomputeConsolExtrema(c *models.SetupCandidate) {
	if len(c.ConsolBars) == 0 {
		c.ConsolHigh = 0
		c.ConsolLow = 0
		c.ConsolRange = 0
		return
	}
	hi := c.ConsolBars[0].High
	lo := c.ConsolBars[0].Low
	for _, b := range c.ConsolBars[1:] {
		if b.High > hi {
			hi = b.High
		}
		if b.Low < lo {
			lo = b.Low
		}
	}
	c.ConsolHigh = hi
	c.ConsolLow = lo
	c.ConsolRange = hi - lo
}

// consolQualityScore scores tightness of the consolidation window: 1.0 is
// maximally tight, 0.0 is as wide as or wider than the normalization
// denominator. When ATR is available the range is normalized against
// 2*atr; otherwise it falls back to the configured flat
// RangeNormalizationFactor denominator.
func consolQualityScore(rng, atr float64, atrOK bool, fallback float64) float64 {
	var denom float64
	if atrOK && atr > 0 {
		denom = atr * 2
	} else {
		denom = fallback
	}
	if denom <= 0 {
		return 0
	}
	score := 1 - (rng / denom)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// findNoWickBar scans the consolidation window in chronological order for
// the first bar that is bullish, has an upper wick below the configured
// upper-wick percentile, and a body size within the configured body-size
// percentile band. Requires at least 3 bars to compute percentiles.
func findNoWickBar(bars []models.ConsolBar, cfg Config) (bool, int) {
	if len(bars) < 3 {
		return false, 0
	}
	upperWicks := make([]float64, len(bars))
	bodies := make([]float64, len(bars))
	for i, b := range bars {
		upperWicks[i] = b.High - math.Max(b.Open, b.Close)
		bodies[i] = math.Abs(b.Close - b.Open)
	}
	wickCeiling := percentile(upperWicks, cfg.NoWickUpperWickPercentile)
	bodyLow := percentile(bodies, cfg.NoWickBodyLowPercentile)
	bodyHigh := percentile(bodies, cfg.NoWickBodyHighPercentile)

	for i, b := range bars {
		if b.Close <= b.Open {
			continue
		}
		if upperWicks[i] >= wickCeiling {
			continue
		}
		if bodies[i] < bodyLow || bodies[i] > bodyHigh {
			continue
		}
		return true, i
	}
	return false, 0
}
