package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Benagen/slobtrading-sub000/internal/models"
)

// Schema is the DDL the cold tier expects to already exist.
const Schema = `
CREATE TABLE IF NOT EXISTS setups (
	id            TEXT PRIMARY KEY,
	symbol        TEXT NOT NULL,
	state         TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	last_updated  TIMESTAMPTZ NOT NULL,
	payload       JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS setups_symbol_state_idx ON setups (symbol, state);

CREATE TABLE IF NOT EXISTS trades (
	id           BIGSERIAL PRIMARY KEY,
	setup_id     TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	entry_time   TIMESTAMPTZ NOT NULL,
	exit_time    TIMESTAMPTZ,
	result       TEXT NOT NULL,
	pnl          DOUBLE PRECISION NOT NULL,
	payload      JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS session_state (
	trading_date DATE PRIMARY KEY,
	payload      JSONB NOT NULL
);`

// ColdTier is the relational tier: durable, queried at startup and on
// persistence boundaries, never on the hot per-bar path.
type ColdTier interface {
	SaveSetup(ctx context.Context, c *models.SetupCandidate) error
	LoadActiveSetups(ctx context.Context, symbol string) ([]*models.SetupCandidate, error)
	PersistTrade(ctx context.Context, tr *models.Trade) error
	LoadOpenTrades(ctx context.Context) ([]*models.Trade, error)
	InitSession(ctx context.Context, s *models.SessionState) error
	UpdateSession(ctx context.Context, s *models.SessionState) error
	GetSession(ctx context.Context, date time.Time) (*models.SessionState, bool, error)
	Close()
}

// PostgresColdTier is the default ColdTier, backed by a pgx connection
// pool.
type PostgresColdTier struct {
	pool *pgxpool.Pool
}

// NewPostgresColdTier wraps an already-connected pool.
func NewPostgresColdTier(pool *pgxpool.Pool) *PostgresColdTier {
	return &PostgresColdTier{pool: pool}
}

// SaveSetup upserts the full candidate, keyed by ID, as a JSONB payload
// alongside the scalar columns needed to query without deserializing.
func (p *PostgresColdTier) SaveSetup(ctx context.Context, c *models.SetupCandidate) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("statestore: marshal setup %s: %w", c.ID, err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO setups (id, symbol, state, created_at, last_updated, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			last_updated = EXCLUDED.last_updated,
			payload = EXCLUDED.payload;`,
		c.ID, c.Symbol, string(c.State), c.CreatedAt, c.LastUpdated, payload)
	if err != nil {
		return fmt.Errorf("statestore: save setup %s: %w", c.ID, err)
	}
	return nil
}

// LoadActiveSetups returns every non-terminal candidate for symbol,
// ordered by creation time, used both for startup recovery and for
// diagnostics.
func (p *PostgresColdTier) LoadActiveSetups(ctx context.Context, symbol string) ([]*models.SetupCandidate, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT payload FROM setups
		WHERE symbol = $1 AND state NOT IN ($2, $3)
		ORDER BY created_at ASC;`,
		symbol, string(models.StateComplete), string(models.StateInvalidated))
	if err != nil {
		return nil, fmt.Errorf("statestore: load active setups for %s: %w", symbol, err)
	}
	defer rows.Close()

	var out []*models.SetupCandidate
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("statestore: scan setup: %w", err)
		}
		var c models.SetupCandidate
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, fmt.Errorf("statestore: unmarshal setup: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// PersistTrade records a completed (or opened) trade.
func (p *PostgresColdTier) PersistTrade(ctx context.Context, tr *models.Trade) error {
	payload, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("statestore: marshal trade %s: %w", tr.SetupID, err)
	}
	var exitTime *time.Time
	if !tr.ExitTime.IsZero() {
		exitTime = &tr.ExitTime
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO trades (setup_id, symbol, entry_time, exit_time, result, pnl, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7);`,
		tr.SetupID, tr.Symbol, tr.EntryTime, exitTime, string(tr.Result), tr.PnL, payload)
	if err != nil {
		return fmt.Errorf("statestore: persist trade for setup %s: %w", tr.SetupID, err)
	}
	return nil
}

// LoadOpenTrades returns every trade whose result is still Open, most
// recent first — the store's view of positions the engine believes it
// holds, used to reconcile against the broker at startup and shutdown.
func (p *PostgresColdTier) LoadOpenTrades(ctx context.Context) ([]*models.Trade, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT payload FROM trades WHERE result = $1 ORDER BY entry_time DESC;`,
		string(models.TradeOpen))
	if err != nil {
		return nil, fmt.Errorf("statestore: load open trades: %w", err)
	}
	defer rows.Close()

	var out []*models.Trade
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("statestore: scan trade: %w", err)
		}
		var tr models.Trade
		if err := json.Unmarshal(payload, &tr); err != nil {
			return nil, fmt.Errorf("statestore: unmarshal trade: %w", err)
		}
		out = append(out, &tr)
	}
	return out, rows.Err()
}

// InitSession inserts the starting row for a trading date; it is an error
// to call this for a date that already has a row.
func (p *PostgresColdTier) InitSession(ctx context.Context, s *models.SessionState) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("statestore: marshal session %s: %w", s.Date, err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO session_state (trading_date, payload) VALUES ($1, $2);`,
		s.Date, payload)
	if err != nil {
		return fmt.Errorf("statestore: init session %s: %w", s.Date, err)
	}
	return nil
}

// UpdateSession overwrites the row for s.Date.
func (p *PostgresColdTier) UpdateSession(ctx context.Context, s *models.SessionState) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("statestore: marshal session %s: %w", s.Date, err)
	}
	_, err = p.pool.Exec(ctx, `
		UPDATE session_state SET payload = $2 WHERE trading_date = $1;`,
		s.Date, payload)
	if err != nil {
		return fmt.Errorf("statestore: update session %s: %w", s.Date, err)
	}
	return nil
}

// GetSession loads the row for date, reporting false if none exists yet.
func (p *PostgresColdTier) GetSession(ctx context.Context, date time.Time) (*models.SessionState, bool, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx, `SELECT payload FROM session_state WHERE trading_date = $1;`, date).Scan(&payload)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("statestore: get session %s: %w", date, err)
	}
	var s models.SessionState
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, false, fmt.Errorf("statestore: unmarshal session %s: %w", date, err)
	}
	return &s, true, nil
}

// Close releases the underlying connection pool.
func (p *PostgresColdTier) Close() {
	p.pool.Close()
}
