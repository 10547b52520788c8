// Package engine wires the core pipeline together — tick source,
// TickBuffer, BarAggregator, per-symbol SetupTracker, EventBus, StateStore
// and the resilience-wrapped order placer — and owns the process
// lifecycle: startup recovery, the background ingestion loop, and graceful
// shutdown.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/Benagen/slobtrading-sub000/internal/baraggregator"
	"github.com/Benagen/slobtrading-sub000/internal/calendar"
	"github.com/Benagen/slobtrading-sub000/internal/control"
	"github.com/Benagen/slobtrading-sub000/internal/eventbus"
	"github.com/Benagen/slobtrading-sub000/internal/models"
	"github.com/Benagen/slobtrading-sub000/internal/resilience"
	"github.com/Benagen/slobtrading-sub000/internal/statestore"
	"github.com/Benagen/slobtrading-sub000/internal/tickbuffer"
	"github.com/Benagen/slobtrading-sub000/internal/tracker"
)

// TickSource is the external feed the engine pulls ticks from. Next blocks
// until a tick is available, the context is canceled, or the feed is
// exhausted (io.EOF-like terminal error).
type TickSource interface {
	Next(ctx context.Context) (models.Tick, error)
}

// OrderPlacer is the external boundary the engine hands completed setups
// to. It is never called directly: every call goes through the engine's
// retrier and circuit breaker.
type OrderPlacer interface {
	PlaceBracket(ctx context.Context, c *models.SetupCandidate) (*models.Trade, error)
}

// BrokerPosition is a symbol/quantity snapshot as reported by the external
// position provider, independent of the store's own open-trades view.
type BrokerPosition struct {
	Symbol   string
	Quantity float64
}

// PositionProvider reports the broker's current open positions. The engine
// consults it at startup and at shutdown to reconcile against the store's
// open-trades view; a mismatch is logged, never corrected — corrective
// trading is out of scope.
type PositionProvider interface {
	Positions(ctx context.Context) ([]BrokerPosition, error)
}

// Config bundles the tuning every subcomponent needs. Built from
// config.Config by cmd/slobcore.
type Config struct {
	Symbols            []string
	TickBufferCapacity int
	TickBufferTTL      time.Duration
	GapThreshold       time.Duration
	Tracker            tracker.Config
	Resilience         resilience.RetryConfig
	Breaker            resilience.BreakerConfig
	ShutdownBudget     time.Duration
}

// Engine is the orchestrator: one TickBuffer and BarAggregator shared
// across symbols, one Tracker per symbol, all fed from a single ingestion
// loop and all persisted through one StateStore.
type Engine struct {
	cfg    Config
	cal    calendar.Calendar
	logger *log.Logger

	feed      TickSource
	placer    OrderPlacer
	positions PositionProvider
	store     *statestore.Store
	bus       *eventbus.Bus
	metrics   *control.Metrics

	buf        *tickbuffer.Buffer
	aggregator *baraggregator.Aggregator
	trackers   map[string]*tracker.Tracker

	feedBreaker  *resilience.Breaker
	orderBreaker *resilience.Breaker
	retrier      *resilience.Retrier

	mu                 sync.Mutex
	tradesToday        int
	dailyPnL           float64
	positionMismatches int

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs an Engine. RecoverState should be called before Run so the
// hot tier reflects anything durable from a prior run. positions may be
// nil, in which case startup/shutdown position reconciliation is skipped.
func New(cfg Config, cal calendar.Calendar, feed TickSource, placer OrderPlacer, positions PositionProvider, store *statestore.Store, bus *eventbus.Bus, metrics *control.Metrics, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}

	e := &Engine{
		cfg:       cfg,
		cal:       cal,
		logger:    logger,
		feed:      feed,
		placer:    placer,
		positions: positions,
		store:     store,
		bus:       bus,
		metrics:   metrics,
		trackers:  make(map[string]*tracker.Tracker),
		stop:      make(chan struct{}),
	}

	e.buf = tickbuffer.New(
		tickbuffer.WithCapacity(cfg.TickBufferCapacity),
		tickbuffer.WithTTL(cfg.TickBufferTTL),
		tickbuffer.WithOverflowCallback(func(models.Tick) {
			if metrics != nil {
				metrics.TickBufferDropped.Inc()
			}
		}),
	)

	e.aggregator = baraggregator.New(
		baraggregator.WithGapThreshold(cfg.GapThreshold),
		baraggregator.WithLogger(logger),
	)
	e.aggregator.Subscribe(e.onBar)

	for _, symbol := range cfg.Symbols {
		e.trackers[symbol] = tracker.New(symbol, cfg.Tracker, cal,
			tracker.WithLogger(logger),
			tracker.WithOnComplete(e.onCandidateComplete),
			tracker.WithOnInvalidated(e.onCandidateInvalidated),
		)
	}

	e.retrier = resilience.NewRetrier(cfg.Resilience, logger)
	e.feedBreaker = resilience.NewBreaker(withName(cfg.Breaker, "feed"), logger, e.onBreakerStateChange)
	e.orderBreaker = resilience.NewBreaker(withName(cfg.Breaker, "orders"), logger, e.onBreakerStateChange)

	return e
}

func withName(cfg resilience.BreakerConfig, name string) resilience.BreakerConfig {
	cfg.Name = name
	return cfg
}

// RecoverState reloads every non-terminal candidate from the cold tier into
// the hot tier before the engine starts processing live bars, then
// reconciles the open trades it recovers against what the broker currently
// reports.
func (e *Engine) RecoverState(ctx context.Context) error {
	state, err := e.store.RecoverState(ctx, e.cfg.Symbols)
	if err != nil {
		return fmt.Errorf("engine: recover state: %w", err)
	}
	e.logger.Printf("engine: recovered %d active setup(s) across %d symbol(s), %d open trade(s)",
		state.ActiveCandidates, len(e.cfg.Symbols), len(state.OpenTrades))

	e.reconcilePositions(ctx, state.OpenTrades)
	return nil
}

// reconcilePositions compares the store's open-trades view against what the
// broker currently reports. Both directions of mismatch are logged and
// counted, never corrected — corrective trading is explicitly out of
// scope. An open trade with no matching broker position is a warning; a
// broker position with no matching open trade is a critical, unexpected
// position.
func (e *Engine) reconcilePositions(ctx context.Context, openTrades []*models.Trade) {
	if e.positions == nil {
		return
	}

	reconcileCtx, cancel := context.WithTimeout(ctx, e.cfg.Resilience.Timeout)
	defer cancel()

	brokerPositions, err := e.positions.Positions(reconcileCtx)
	if err != nil {
		e.logger.Printf("engine: could not query broker positions for reconciliation: %v", err)
		return
	}

	bySymbol := make(map[string]BrokerPosition, len(brokerPositions))
	for _, p := range brokerPositions {
		bySymbol[p.Symbol] = p
	}

	mismatches := 0
	seen := make(map[string]bool, len(openTrades))
	for _, tr := range openTrades {
		seen[tr.Symbol] = true
		if _, ok := bySymbol[tr.Symbol]; !ok {
			e.logger.Printf("engine: WARNING position mismatch: store has an open trade for %s but the broker reports none", tr.Symbol)
			mismatches++
		}
	}
	for symbol := range bySymbol {
		if !seen[symbol] {
			e.logger.Printf("engine: CRITICAL unexpected broker position for %s with no matching open trade", symbol)
			mismatches++
		}
	}

	if mismatches > 0 {
		e.mu.Lock()
		e.positionMismatches += mismatches
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.PositionMismatches.Add(float64(mismatches))
		}
	}
}

// Run starts ingestion and blocks until ctx is canceled or Shutdown is
// called, whichever happens first.
func (e *Engine) Run(ctx context.Context) error {
	e.wg.Add(1)
	defer e.wg.Done()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return e.ingestLoop(gctx)
	})
	g.Go(func() error {
		e.buf.AutoFlush(gctx, 250*time.Millisecond)
		return nil
	})
	g.Go(func() error {
		return e.drainLoop(gctx)
	})

	err := g.Wait()
	if err != nil && gctx.Err() == nil {
		return err
	}
	return nil
}

// ingestLoop pulls ticks from the resilience-wrapped feed and enqueues
// them; it never blocks the feed on a slow aggregator since Enqueue is
// itself non-blocking.
func (e *Engine) ingestLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.stop:
			return nil
		default:
		}

		result, err := e.feedBreaker.Execute(ctx, func(opCtx context.Context) (any, error) {
			var tick models.Tick
			opErr := e.retrier.Do(opCtx, "feed.Next", func(innerCtx context.Context) error {
				t, nextErr := e.feed.Next(innerCtx)
				if nextErr != nil {
					return nextErr
				}
				tick = t
				return nil
			})
			return tick, opErr
		})
		if err != nil {
			e.bus.Emit(eventbus.CircuitBreakerTripped, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
				continue
			}
		}

		tick := result.(models.Tick)
		if enqueueErr := e.buf.Enqueue(tick); enqueueErr != nil {
			e.logger.Printf("engine: tick dropped for %s: %v", tick.Symbol, enqueueErr)
			continue
		}
		e.bus.Emit(eventbus.TickReceived, tick)
		if e.metrics != nil {
			stats := e.buf.Stats()
			e.metrics.TickBufferSize.Set(float64(stats.Size))
			e.metrics.TickBufferUtilization.Set(stats.Utilization)
		}
	}
}

// drainLoop dequeues buffered ticks and feeds them to the aggregator. It
// runs as its own goroutine so a burst on ingestLoop never stalls
// aggregation.
func (e *Engine) drainLoop(ctx context.Context) error {
	for {
		tick, ok := e.buf.DequeueContext(ctx)
		if !ok {
			if ctx.Err() != nil {
				return nil
			}
			select {
			case <-e.stop:
				return nil
			default:
				continue
			}
		}
		e.aggregator.OnTick(tick)
	}
}

func (e *Engine) onBar(bar models.Bar) {
	e.bus.Emit(eventbus.BarCompleted, bar)
	t, ok := e.trackers[bar.Symbol]
	if !ok {
		return
	}
	t.OnBar(bar)
}

func (e *Engine) onCandidateComplete(c *models.SetupCandidate) {
	if e.metrics != nil {
		e.metrics.TrackerTransitions.WithLabelValues(c.Symbol, string(c.State)).Inc()
	}
	e.bus.Emit(eventbus.SetupDetected, c)

	if err := e.store.SaveSetup(context.Background(), c); err != nil {
		e.logger.Printf("engine: save completed setup %s: %v", c.ID, err)
	}

	e.placeOrder(c)
}

func (e *Engine) onCandidateInvalidated(c *models.SetupCandidate) {
	if e.metrics != nil {
		e.metrics.TrackerTransitions.WithLabelValues(c.Symbol, string(c.State)).Inc()
	}
	e.bus.Emit(eventbus.SetupInvalidated, c)
	if err := e.store.SaveSetup(context.Background(), c); err != nil {
		e.logger.Printf("engine: save invalidated setup %s: %v", c.ID, err)
	}
}

func (e *Engine) placeOrder(c *models.SetupCandidate) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Resilience.Timeout)
	defer cancel()

	result, err := e.orderBreaker.Execute(ctx, func(opCtx context.Context) (any, error) {
		var trade *models.Trade
		opErr := e.retrier.Do(opCtx, "orders.PlaceBracket", func(innerCtx context.Context) error {
			tr, placeErr := e.placer.PlaceBracket(innerCtx, c)
			if placeErr != nil {
				return placeErr
			}
			trade = tr
			return nil
		})
		return trade, opErr
	})
	if err != nil {
		e.bus.Emit(eventbus.OrderRejected, map[string]any{"candidate_id": c.ID, "error": err.Error()})
		e.logger.Printf("engine: order placement failed for %s: %v", c.ID, err)
		return
	}

	trade := result.(*models.Trade)
	e.bus.Emit(eventbus.OrderPlaced, trade)

	e.mu.Lock()
	e.tradesToday++
	e.dailyPnL += trade.PnL
	e.mu.Unlock()

	if err := e.store.PersistTrade(context.Background(), trade); err != nil {
		e.logger.Printf("engine: persist trade for %s: %v", c.ID, err)
	}
}

func (e *Engine) onBreakerStateChange(name string, from, to gobreaker.State) {
	if e.metrics != nil {
		e.metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
	}
	if to == gobreaker.StateOpen {
		e.bus.Emit(eventbus.SafeModeEntered, name)
	}
}

// StatsSnapshot implements control.StatsProvider.
func (e *Engine) StatsSnapshot() control.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	var active int
	breakerStates := map[string]string{
		"feed":   e.feedBreaker.State().String(),
		"orders": e.orderBreaker.State().String(),
	}
	for _, t := range e.trackers {
		active += len(t.Active())
	}

	stats := e.buf.Stats()
	return control.Snapshot{
		TickBufferSize:     stats.Size,
		TickBufferDropped:  stats.Dropped,
		ActiveCandidates:   active,
		TradesToday:        e.tradesToday,
		DailyPnL:           e.dailyPnL,
		BreakerStates:      breakerStates,
		PositionMismatches: e.positionMismatches,
	}
}

// Shutdown stops ingestion, drains what is already buffered, and releases
// every owned resource. It runs in seven steps: (1) signal ingestLoop and
// drainLoop to stop taking new work, (2) wait for in-flight goroutines with
// a bounded budget, (3) flush the tick buffer's remainder into the
// aggregator, (4) query the broker's current positions and log any mismatch
// against the store's open trades — a warning only, never a corrective
// action, (5) let the event bus finish dispatching, (6) close the state
// store, (7) close the tick buffer itself.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stop) })

	budget := e.cfg.ShutdownBudget
	if budget <= 0 {
		budget = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		e.logger.Printf("engine: shutdown budget exceeded waiting for in-flight work")
	}

	for {
		tick, ok := e.buf.Dequeue(10 * time.Millisecond)
		if !ok {
			break
		}
		e.aggregator.OnTick(tick)
	}
	e.aggregator.ForceFlushAll()

	if openTrades, err := e.store.LoadOpenTrades(shutdownCtx); err != nil {
		e.logger.Printf("engine: shutdown: could not load open trades for reconciliation: %v", err)
	} else {
		e.reconcilePositions(shutdownCtx, openTrades)
	}

	e.bus.Shutdown(2 * time.Second)
	e.store.Close()
	e.buf.Close()
	return nil
}
