package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benagen/slobtrading-sub000/internal/models"
)

// fakeColdTier is an in-memory stand-in for PostgresColdTier so the store's
// wiring can be exercised without a live database.
type fakeColdTier struct {
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

func (f *fakeColdTier) SaveSetup(ctx context.Context, c *models.SetupCandidate) error {
	f.setups[c.ID] = c.Clone()
	return nil
}

func (f *fakeColdTier) LoadActiveSetups(ctx context.Context, symbol string) ([]*models.SetupCandidate, error) {
	var out []*models.SetupCandidate
	for _, c := range f.setups {
		if c.Symbol == symbol && c.IsActive() {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func (f *fakeColdTier) PersistTrade(ctx context.Context, tr *models.Trade) error {
	f.trades = append(f.trades, tr)
	return nil
}

func (f *fakeColdTier) LoadOpenTrades(ctx context.Context) ([]*models.Trade, error) {
	var out []*models.Trade
	for _, tr := range f.trades {
		if tr.Result == models.TradeOpen {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (f *fakeColdTier) InitSession(ctx context.Context, s *models.SessionState) error {
	f.sessions[s.Date] = s
	return nil
}

func (f *fakeColdTier) UpdateSession(ctx context.Context, s *models.SessionState) error {
	f.sessions[s.Date] = s
	return nil
}

func (f *fakeColdTier) GetSession(ctx context.Context, date time.Time) (*models.SessionState, bool, error) {
	s, ok := f.sessions[date]
	return s, ok, nil
}

func (f *fakeColdTier) Close() {}

func TestSaveSetupWritesBothTiersAndEvictsTerminal(t *testing.T) {
	cold := newFakeColdTier()
	s := New(NewMemoryHotTier(), cold, nil)

	c := &models.SetupCandidate{ID: "c1", Symbol: "ES", State: models.StateWatchingConsol}
	require.NoError(t, s.SaveSetup(context.Background(), c))

	require.Len(t, s.LoadActiveSetups("ES"), 1)
	require.Contains(t, cold.setups, "c1")

	c.State = models.StateComplete
	require.NoError(t, s.SaveSetup(context.Background(), c))

	assert.Empty(t, s.LoadActiveSetups("ES"), "terminal candidates must be evicted from the hot tier")
	assert.Equal(t, models.StateComplete, cold.setups["c1"].State, "cold tier keeps the terminal record")
}

func TestRecoverStateRepopulatesHotTierFromCold(t *testing.T) {
	cold := newFakeColdTier()
	cold.setups["c1"] = &models.SetupCandidate{ID: "c1", Symbol: "ES", State: models.StateWatchingLiq2}
	cold.setups["c2"] = &models.SetupCandidate{ID: "c2", Symbol: "ES", State: models.StateComplete}

	s := New(NewMemoryHotTier(), cold, nil)
	assert.Empty(t, s.LoadActiveSetups("ES"))

	state, err := s.RecoverState(context.Background(), []string{"ES"})
	require.NoError(t, err)
	assert.Equal(t, 1, state.ActiveCandidates, "only the non-terminal candidate should be recovered")
	require.Len(t, s.LoadActiveSetups("ES"), 1)
	assert.Equal(t, "c1", s.LoadActiveSetups("ES")[0].ID)
}

func TestRecoverStateReturnsOpenTradesAndSession(t *testing.T) {
	cold := newFakeColdTier()
	cold.trades = []*models.Trade{
		{SetupID: "c1", Symbol: "ES", Result: models.TradeOpen},
		{SetupID: "c2", Symbol: "ES", Result: models.TradeWin},
	}
	today := time.Now().UTC().Truncate(24 * time.Hour)
	cold.sessions[today] = &models.SessionState{Date: today, StartingCapital: 5000}

	s := New(NewMemoryHotTier(), cold, nil)
	state, err := s.RecoverState(context.Background(), nil)
	require.NoError(t, err)

	require.Len(t, state.OpenTrades, 1)
	assert.Equal(t, "c1", state.OpenTrades[0].SetupID)
	require.NotNil(t, state.Session)
	assert.Equal(t, 5000.0, state.Session.StartingCapital)
}

func TestSessionLifecycle(t *testing.T) {
	cold := newFakeColdTier()
	s := New(NewMemoryHotTier(), cold, nil)
	date := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	_, ok, err := s.GetSession(context.Background(), date)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.InitSession(context.Background(), &models.SessionState{Date: date, StartingCapital: 10000}))
	got, ok, err := s.GetSession(context.Background(), date)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 10000.0, got.StartingCapital)

	got.TradesExecuted = 2
	require.NoError(t, s.UpdateSession(context.Background(), got))
	got2, _, _ := s.GetSession(context.Background(), date)
	assert.Equal(t, 2, got2.TradesExecuted)
}
