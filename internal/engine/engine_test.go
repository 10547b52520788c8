package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benagen/slobtrading-sub000/internal/calendar"
	"github.com/Benagen/slobtrading-sub000/internal/control"
	"github.com/Benagen/slobtrading-sub000/internal/eventbus"
	"github.com/Benagen/slobtrading-sub000/internal/models"
	"github.com/Benagen/slobtrading-sub000/internal/resilience"
	"github.com/Benagen/slobtrading-sub000/internal/statestore"
	"github.com/Benagen/slobtrading-sub000/internal/tracker"

	"github.com/prometheus/client_golang/prometheus"
)

// fakeColdTier is a minimal in-memory ColdTier for exercising the engine
// without a real database.
type fakeColdTier struct {
	mu       sync.Mutex
	setups   map[string]*models.SetupCandidate
	trades   []*models.Trade
	sessions map[time.Time]*models.SessionState
}

func newFakeColdTier() *fakeColdTier {
	return &fakeColdTier{
		setups:   make(map[string]*models.SetupCandidate),
		sessions: make(map[time.Time]*models.SessionState),
	}
}

func (f *fakeColdTier) SaveSetup(_ context.Context, c *models.SetupCandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.setups[c.ID] = &cp
	return nil
}

func (f *fakeColdTier) LoadActiveSetups(_ context.Context, symbol string) ([]*models.SetupCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.SetupCandidate
	for _, c := range f.setups {
		if c.Symbol == symbol && c.IsActive() {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeColdTier) PersistTrade(_ context.Context, tr *models.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, tr)
	return nil
}

func (f *fakeColdTier) LoadOpenTrades(_ context.Context) ([]*models.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Trade
	for _, tr := range f.trades {
		if tr.Result == models.TradeOpen {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (f *fakeColdTier) InitSession(_ context.Context, s *models.SessionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.Date] = s
	return nil
}

func (f *fakeColdTier) UpdateSession(_ context.Context, s *models.SessionState) error {
	return f.InitSession(context.Background(), s)
}

func (f *fakeColdTier) GetSession(_ context.Context, date time.Time) (*models.SessionState, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[date]
	return s, ok, nil
}

func (f *fakeColdTier) Close() {}

// fakeFeed hands out a fixed slice of ticks, then blocks until canceled.
type fakeFeed struct {
	ticks []models.Tick
	idx   int
	mu    sync.Mutex
	err   error
}

func (f *fakeFeed) Next(ctx context.Context) (models.Tick, error) {
	f.mu.Lock()
	if f.err != nil {
		err := f.err
		f.mu.Unlock()
		return models.Tick{}, err
	}
	if f.idx < len(f.ticks) {
		t := f.ticks[f.idx]
		f.idx++
		f.mu.Unlock()
		return t, nil
	}
	f.mu.Unlock()

	select {
	case <-ctx.Done():
		return models.Tick{}, ctx.Err()
	case <-time.After(50 * time.Millisecond):
		return models.Tick{}, errors.New("no more ticks")
	}
}

// fakePlacer records every candidate it is asked to place an order for.
type fakePlacer struct {
	mu      sync.Mutex
	placed  []*models.SetupCandidate
	failAll bool
}

func (f *fakePlacer) PlaceBracket(_ context.Context, c *models.SetupCandidate) (*models.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errors.New("placer: rejected")
	}
	f.placed = append(f.placed, c)
	return &models.Trade{SetupID: c.ID, Symbol: c.Symbol, PnL: 12.5}, nil
}

// fakePositions returns a fixed, configurable set of broker positions.
type fakePositions struct {
	positions []BrokerPosition
	err       error
}

func (f *fakePositions) Positions(_ context.Context) ([]BrokerPosition, error) {
	return f.positions, f.err
}

func testConfig(symbols []string) Config {
	return Config{
		Symbols:            symbols,
		TickBufferCapacity: 128,
		TickBufferTTL:      time.Minute,
		GapThreshold:       5 * time.Minute,
		Tracker:            tracker.DefaultConfig(),
		Resilience:         resilience.DefaultRetryConfig,
		Breaker:            resilience.DefaultBreakerConfig("test"),
		ShutdownBudget:     time.Second,
	}
}

func newTestEngine(t *testing.T, feed TickSource, placer OrderPlacer) (*Engine, *statestore.Store) {
	t.Helper()
	cold := newFakeColdTier()
	store := statestore.New(statestore.NewMemoryHotTier(), cold, nil)
	bus := eventbus.New()
	reg := prometheus.NewRegistry()
	metrics := control.NewMetrics(reg)
	cal := calendar.NewDefaultCalendar(time.UTC)

	e := New(testConfig([]string{"FTSE"}), cal, feed, placer, nil, store, bus, metrics, nil)
	return e, store
}

func TestRecoverStateLoadsActiveCandidatesFromColdTier(t *testing.T) {
	feed := &fakeFeed{}
	placer := &fakePlacer{}
	e, store := newTestEngine(t, feed, placer)

	ctx := context.Background()
	require.NoError(t, store.SaveSetup(ctx, &models.SetupCandidate{
		ID: "c1", Symbol: "FTSE", State: models.StateWatchingConsol,
	}))

	require.NoError(t, e.RecoverState(ctx))
}

func TestOnBarRoutesToTrackerForSymbol(t *testing.T) {
	feed := &fakeFeed{}
	placer := &fakePlacer{}
	e, _ := newTestEngine(t, feed, placer)

	assert.NotPanics(t, func() {
		e.onBar(models.Bar{Symbol: "FTSE", MinuteStart: time.Now().UTC(), High: 1, Low: 1, Open: 1, Close: 1})
	})
	assert.NotPanics(t, func() {
		e.onBar(models.Bar{Symbol: "UNKNOWN", MinuteStart: time.Now().UTC()})
	})
}

func TestOnCandidateCompletePersistsAndPlacesOrder(t *testing.T) {
	feed := &fakeFeed{}
	placer := &fakePlacer{}
	e, store := newTestEngine(t, feed, placer)

	c := &models.SetupCandidate{ID: "c1", Symbol: "FTSE", State: models.StateComplete}
	e.onCandidateComplete(c)

	placer.mu.Lock()
	placedCount := len(placer.placed)
	placer.mu.Unlock()
	assert.Equal(t, 1, placedCount)

	e.mu.Lock()
	trades := e.tradesToday
	pnl := e.dailyPnL
	e.mu.Unlock()
	assert.Equal(t, 1, trades)
	assert.Equal(t, 12.5, pnl)

	active := store.LoadActiveSetups("FTSE")
	assert.Empty(t, active, "a completed candidate must not remain in the active set")
}

func TestOnCandidateCompleteEmitsOrderRejectedWhenPlacerFails(t *testing.T) {
	feed := &fakeFeed{}
	placer := &fakePlacer{failAll: true}
	e, _ := newTestEngine(t, feed, placer)

	var mu sync.Mutex
	var gotRejected bool
	e.bus.Subscribe(eventbus.OrderRejected, func(_ context.Context, _ any) {
		mu.Lock()
		gotRejected = true
		mu.Unlock()
	})

	c := &models.SetupCandidate{ID: "c2", Symbol: "FTSE", State: models.StateComplete}
	e.onCandidateComplete(c)
	e.bus.Shutdown(time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, gotRejected)
}

func TestOnCandidateInvalidatedPersistsWithoutPlacingOrder(t *testing.T) {
	feed := &fakeFeed{}
	placer := &fakePlacer{}
	e, store := newTestEngine(t, feed, placer)

	c := &models.SetupCandidate{ID: "c3", Symbol: "FTSE", State: models.StateInvalidated}
	e.onCandidateInvalidated(c)

	placer.mu.Lock()
	placedCount := len(placer.placed)
	placer.mu.Unlock()
	assert.Zero(t, placedCount)

	active := store.LoadActiveSetups("FTSE")
	assert.Empty(t, active)
}

func TestStatsSnapshotReflectsTradesAndBreakerStates(t *testing.T) {
	feed := &fakeFeed{}
	placer := &fakePlacer{}
	e, _ := newTestEngine(t, feed, placer)

	e.onCandidateComplete(&models.SetupCandidate{ID: "c4", Symbol: "FTSE", State: models.StateComplete})

	snap := e.StatsSnapshot()
	assert.Equal(t, 1, snap.TradesToday)
	assert.Equal(t, 12.5, snap.DailyPnL)
	assert.Contains(t, snap.BreakerStates, "feed")
	assert.Contains(t, snap.BreakerStates, "orders")
}

func TestRunProcessesTicksIntoBarsAndShutsDownCleanly(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Minute)
	feed := &fakeFeed{ticks: []models.Tick{
		{Symbol: "FTSE", Price: 100, Size: 1, Timestamp: now},
		{Symbol: "FTSE", Price: 101, Size: 1, Timestamp: now.Add(time.Second)},
	}}
	placer := &fakePlacer{}
	e, _ := newTestEngine(t, feed, placer)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	<-ctx.Done()
	err := <-done
	assert.NoError(t, err)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	assert.NoError(t, e.Shutdown(shutdownCtx))
}

func TestReconcilePositionsCountsBothDirectionsOfMismatch(t *testing.T) {
	cold := newFakeColdTier()
	store := statestore.New(statestore.NewMemoryHotTier(), cold, nil)
	bus := eventbus.New()
	reg := prometheus.NewRegistry()
	metrics := control.NewMetrics(reg)
	cal := calendar.NewDefaultCalendar(time.UTC)

	positions := &fakePositions{positions: []BrokerPosition{{Symbol: "UNKNOWN", Quantity: 1}}}
	e := New(testConfig([]string{"FTSE"}), cal, &fakeFeed{}, &fakePlacer{}, positions, store, bus, metrics, nil)

	openTrades := []*models.Trade{{SetupID: "c1", Symbol: "FTSE", Result: models.TradeOpen}}
	e.reconcilePositions(context.Background(), openTrades)

	snap := e.StatsSnapshot()
	assert.Equal(t, 2, snap.PositionMismatches, "one open trade unmatched by the broker, one broker position unmatched by a trade")
}

func TestReconcilePositionsSkippedWhenNoProviderConfigured(t *testing.T) {
	feed := &fakeFeed{}
	placer := &fakePlacer{}
	e, _ := newTestEngine(t, feed, placer)

	openTrades := []*models.Trade{{SetupID: "c1", Symbol: "FTSE", Result: models.TradeOpen}}
	assert.NotPanics(t, func() { e.reconcilePositions(context.Background(), openTrades) })

	snap := e.StatsSnapshot()
	assert.Zero(t, snap.PositionMismatches)
}

func TestOnBreakerStateChangeToHalfOpenDoesNotEmitSafeMode(t *testing.T) {
	feed := &fakeFeed{}
	placer := &fakePlacer{}
	e, _ := newTestEngine(t, feed, placer)

	var mu sync.Mutex
	var gotSafeMode bool
	e.bus.Subscribe(eventbus.SafeModeEntered, func(_ context.Context, _ any) {
		mu.Lock()
		gotSafeMode = true
		mu.Unlock()
	})

	e.onBreakerStateChange("feed", 0, 1)
	e.bus.Shutdown(time.Second)
	mu.Lock()
	assert.False(t, gotSafeMode)
	mu.Unlock()
}
