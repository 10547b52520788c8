package statestore

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/Benagen/slobtrading-sub000/internal/models"
)

// Store combines the hot and cold tiers behind one API; the engine never
// talks to either tier directly.
type Store struct {
	hot    HotTier
	cold   ColdTier
	logger *log.Logger
}

// New constructs a Store over the given hot and cold tiers.
func New(hot HotTier, cold ColdTier, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	if hot == nil {
		hot = NewMemoryHotTier()
	}
	return &Store{hot: hot, cold: cold, logger: logger}
}

// SaveSetup writes a candidate through both tiers: the hot tier first (so
// concurrent readers on the trading path see it immediately), then the
// cold tier. A candidate that reaches a terminal state is also removed
// from the hot tier, since the tracker no longer owns it.
func (s *Store) SaveSetup(ctx context.Context, c *models.SetupCandidate) error {
	if c.IsActive() {
		s.hot.Put(c)
	} else {
		s.hot.Delete(c.Symbol, c.ID)
	}
	if err := s.cold.SaveSetup(ctx, c.WithoutConsolBars()); err != nil {
		return fmt.Errorf("statestore: save setup %s: %w", c.ID, err)
	}
	return nil
}

// LoadActiveSetups returns the in-flight candidates for symbol from the hot
// tier. Callers that need the durable view (e.g. at startup, before the
// hot tier has been populated) should call RecoverState first.
func (s *Store) LoadActiveSetups(symbol string) []*models.SetupCandidate {
	return s.hot.ListActive(symbol)
}

// PersistTrade records a trade to the cold tier. Trades are not cached in
// the hot tier: nothing on the live trading path re-reads them.
func (s *Store) PersistTrade(ctx context.Context, tr *models.Trade) error {
	if err := s.cold.PersistTrade(ctx, tr); err != nil {
		return fmt.Errorf("statestore: persist trade: %w", err)
	}
	return nil
}

// InitSession starts a new trading day's session row.
func (s *Store) InitSession(ctx context.Context, sess *models.SessionState) error {
	return s.cold.InitSession(ctx, sess)
}

// UpdateSession overwrites the current trading day's session row.
func (s *Store) UpdateSession(ctx context.Context, sess *models.SessionState) error {
	return s.cold.UpdateSession(ctx, sess)
}

// GetSession loads a trading day's session row, if one exists.
func (s *Store) GetSession(ctx context.Context, date time.Time) (*models.SessionState, bool, error) {
	return s.cold.GetSession(ctx, date)
}

// RecoveredState is everything RecoverState reloads from the cold tier:
// how many active candidates were restored into the hot tier, every trade
// still open when the process last stopped, and today's session record if
// one already exists.
type RecoveredState struct {
	ActiveCandidates int
	OpenTrades       []*models.Trade
	Session          *models.SessionState
}

// RecoverState reloads every non-terminal candidate for each symbol from
// the cold tier into the hot tier, and returns the open trades and today's
// session record alongside it. Called once at startup, before the engine
// begins dispatching live bars. The candidates are placed in the hot tier
// only; nothing here hands them back to a tracker.
func (s *Store) RecoverState(ctx context.Context, symbols []string) (RecoveredState, error) {
	var state RecoveredState
	for _, symbol := range symbols {
		setups, err := s.cold.LoadActiveSetups(ctx, symbol)
		if err != nil {
			return state, fmt.Errorf("statestore: recover %s: %w", symbol, err)
		}
		for _, c := range setups {
			s.hot.Put(c)
			state.ActiveCandidates++
		}
		s.logger.Printf("statestore: recovered %d active setup(s) for %s", len(setups), symbol)
	}

	openTrades, err := s.cold.LoadOpenTrades(ctx)
	if err != nil {
		return state, fmt.Errorf("statestore: recover: load open trades: %w", err)
	}
	state.OpenTrades = openTrades

	today := time.Now().UTC().Truncate(24 * time.Hour)
	sess, ok, err := s.cold.GetSession(ctx, today)
	if err != nil {
		return state, fmt.Errorf("statestore: recover: get session: %w", err)
	}
	if ok {
		state.Session = sess
	}

	return state, nil
}

// LoadOpenTrades is a thin passthrough to the cold tier, used by the engine
// to re-check its open-trades view at shutdown without re-running the
// whole (hot-tier-mutating) recovery sequence.
func (s *Store) LoadOpenTrades(ctx context.Context) ([]*models.Trade, error) {
	return s.cold.LoadOpenTrades(ctx)
}

// Close releases the cold tier's resources. The hot tier, whether
// in-memory or Redis-backed, owns its own lifecycle.
func (s *Store) Close() {
	s.cold.Close()
}
