// Package baraggregator turns a per-symbol stream of ticks into
// minute-aligned OHLCV bars, filling short gaps with flat bars and emitting
// every completed bar exactly once, in timestamp order, per symbol.
package baraggregator

import (
	"log"
	"sync"
	"time"

	"github.com/Benagen/slobtrading-sub000/internal/models"
)

// DefaultGapThreshold is the largest gap, in seconds, that gap-fill will
// synthesize flat bars across.
const DefaultGapThreshold = 120 * time.Second

// Subscriber receives completed bars, one call per bar, in timestamp order
// per symbol. A panicking subscriber is recovered and counted; it never
// corrupts aggregation state.
type Subscriber func(models.Bar)

// activeBar accumulates ticks for the minute currently in progress.
type activeBar struct {
	symbol      string
	minuteStart time.Time
	open        float64
	high        float64
	low         float64
	close       float64
	volume      int64
	tickCount   int64
}

func (a activeBar) toBar() models.Bar {
	return models.Bar{
		Symbol:      a.symbol,
		MinuteStart: a.minuteStart,
		Open:        a.open,
		High:        a.high,
		Low:         a.low,
		Close:       a.close,
		Volume:      a.volume,
		TickCount:   a.tickCount,
	}
}

// Aggregator accumulates one active bar per symbol and emits completed
// bars via its subscribers.
type Aggregator struct {
	mu             sync.Mutex
	active         map[string]*activeBar
	lastEmitted    map[string]time.Time
	subscribers    []Subscriber
	gapThreshold   time.Duration
	gapFillEnabled bool
	logger         *log.Logger

	subscriberErrors uint64
}

// Option configures an Aggregator at construction.
type Option func(*Aggregator)

// WithGapThreshold overrides DefaultGapThreshold.
func WithGapThreshold(d time.Duration) Option {
	return func(a *Aggregator) { a.gapThreshold = d }
}

// WithGapFill enables or disables gap-fill synthesis.
func WithGapFill(enabled bool) Option {
	return func(a *Aggregator) { a.gapFillEnabled = enabled }
}

// WithLogger overrides the default logger used to report subscriber panics.
func WithLogger(l *log.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// New constructs an Aggregator with gap-fill enabled and the spec's default
// gap threshold.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		active:         make(map[string]*activeBar),
		lastEmitted:    make(map[string]time.Time),
		gapThreshold:   DefaultGapThreshold,
		gapFillEnabled: true,
		logger:         log.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Subscribe registers a callback invoked once per completed bar.
func (a *Aggregator) Subscribe(sub Subscriber) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribers = append(a.subscribers, sub)
}

// OnTick processes one tick per the contract: extend the active
// bar, or emit it and synthesize gap-fill bars before seeding a new one.
func (a *Aggregator) OnTick(tick models.Tick) {
	a.mu.Lock()
	minute := tick.MinuteStart()
	bar, exists := a.active[tick.Symbol]

	switch {
	case !exists:
		a.active[tick.Symbol] = seedBar(tick, minute)
	case minute.Equal(bar.minuteStart):
		extendBar(bar, tick)
	case minute.After(bar.minuteStart):
		completed := bar.toBar()
		fills := a.buildGapFills(tick.Symbol, bar.minuteStart, minute, bar.close)
		a.active[tick.Symbol] = seedBar(tick, minute)
		a.mu.Unlock()
		a.emit(completed)
		for _, f := range fills {
			a.emit(f)
		}
		return
	default:
		// Out-of-order tick for a minute already closed out. A tick behind
		// the active bar's minute is dropped rather than silently
		// corrupting a bar already emitted.
	}
	a.mu.Unlock()
}

// buildGapFills synthesizes flat bars for the span strictly between from
// and to, provided that span is within the configured gap threshold and
// gap-fill is enabled. Must be called with mu held; does not itself emit.
func (a *Aggregator) buildGapFills(symbol string, from, to time.Time, lastClose float64) []models.Bar {
	if !a.gapFillEnabled {
		return nil
	}
	gapStart := from.Add(time.Minute)
	if !gapStart.Before(to) {
		return nil
	}
	span := to.Sub(gapStart)
	if span > a.gapThreshold {
		return nil
	}
	var fills []models.Bar
	for m := gapStart; m.Before(to); m = m.Add(time.Minute) {
		fills = append(fills, models.Bar{
			Symbol:      symbol,
			MinuteStart: m,
			Open:        lastClose,
			High:        lastClose,
			Low:         lastClose,
			Close:       lastClose,
			Volume:      0,
			TickCount:   0,
		})
	}
	return fills
}

func seedBar(tick models.Tick, minute time.Time) *activeBar {
	return &activeBar{
		symbol:      tick.Symbol,
		minuteStart: minute,
		open:        tick.Price,
		high:        tick.Price,
		low:         tick.Price,
		close:       tick.Price,
		volume:      tick.Size,
		tickCount:   1,
	}
}

func extendBar(bar *activeBar, tick models.Tick) {
	if tick.Price > bar.high {
		bar.high = tick.Price
	}
	if tick.Price < bar.low {
		bar.low = tick.Price
	}
	bar.close = tick.Price
	bar.volume += tick.Size
	bar.tickCount++
}

// ForceFlushAll emits any bar still active, for every symbol, even though
// the next minute has not arrived. Used by the engine on shutdown.
func (a *Aggregator) ForceFlushAll() {
	a.mu.Lock()
	pending := make([]models.Bar, 0, len(a.active))
	for symbol, bar := range a.active {
		pending = append(pending, bar.toBar())
		delete(a.active, symbol)
	}
	a.mu.Unlock()

	for _, bar := range pending {
		a.emit(bar)
	}
}

// emit invokes every subscriber for one completed bar, recovering and
// counting any subscriber panic so aggregation state is never corrupted by
// a subscriber fault.
func (a *Aggregator) emit(bar models.Bar) {
	a.mu.Lock()
	subs := make([]Subscriber, len(a.subscribers))
	copy(subs, a.subscribers)
	a.lastEmitted[bar.Symbol] = bar.MinuteStart
	a.mu.Unlock()

	for _, sub := range subs {
		a.safeCall(sub, bar)
	}
}

func (a *Aggregator) safeCall(sub Subscriber, bar models.Bar) {
	defer func() {
		if r := recover(); r != nil {
			a.mu.Lock()
			a.subscriberErrors++
			a.mu.Unlock()
			a.logger.Printf("baraggregator: subscriber panic for %s@%s: %v", bar.Symbol, bar.MinuteStart, r)
		}
	}()
	sub(bar)
}

// SubscriberErrors returns the running count of recovered subscriber
// panics.
func (a *Aggregator) SubscriberErrors() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.subscriberErrors
}
