// Package barstore persists completed bars to the relational cold tier so
// the aggregation history survives a restart and can be replayed for
// backtesting. Writes are batched and flushed on a timer or threshold,
// mirroring the buffered-writer idiom used for high-frequency OHLCV
// ingestion: accumulate in memory, upsert in one round trip, never block
// the aggregator on a slow database.
package barstore

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/singleflight"

	"github.com/Benagen/slobtrading-sub000/internal/models"
)

// Schema is the DDL the store expects to already exist. Migrations are run
// out of band; the store never issues DDL itself.
const Schema = `
CREATE TABLE IF NOT EXISTS bars (
	symbol       TEXT NOT NULL,
	minute_start TIMESTAMPTZ NOT NULL,
	open         DOUBLE PRECISION NOT NULL,
	high         DOUBLE PRECISION NOT NULL,
	low          DOUBLE PRECISION NOT NULL,
	close        DOUBLE PRECISION NOT NULL,
	volume       BIGINT NOT NULL,
	tick_count   BIGINT NOT NULL,
	PRIMARY KEY (symbol, minute_start)
);`

const upsertQuery = `
INSERT INTO bars (symbol, minute_start, open, high, low, close, volume, tick_count)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (symbol, minute_start) DO UPDATE SET
	open = EXCLUDED.open,
	high = EXCLUDED.high,
	low = EXCLUDED.low,
	close = EXCLUDED.close,
	volume = EXCLUDED.volume,
	tick_count = EXCLUDED.tick_count;`

const rangeQuery = `
SELECT symbol, minute_start, open, high, low, close, volume, tick_count
FROM bars
WHERE symbol = $1 AND minute_start >= $2 AND minute_start < $3
ORDER BY minute_start ASC;`

// Config controls batching behavior.
type Config struct {
	FlushThreshold int
	FlushInterval  time.Duration
}

// DefaultConfig batches up to 500 bars or one second, whichever comes first.
var DefaultConfig = Config{FlushThreshold: 500, FlushInterval: time.Second}

// Store buffers completed bars and flushes them to Postgres in batches.
type Store struct {
	pool   *pgxpool.Pool
	cfg    Config
	logger *log.Logger

	mu      sync.Mutex
	pending []models.Bar
	closed  bool

	flushErrs uint64
	wg        sync.WaitGroup
	stop      chan struct{}

	rangeGroup singleflight.Group
}

// New constructs a Store and starts its background flush loop.
func New(pool *pgxpool.Pool, cfg Config, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = DefaultConfig.FlushThreshold
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig.FlushInterval
	}
	s := &Store{pool: pool, cfg: cfg, logger: logger, stop: make(chan struct{})}
	s.wg.Add(1)
	go s.flushLoop()
	return s
}

// Append queues a completed bar for the next flush. Never blocks on the
// database.
func (s *Store) Append(bar models.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = append(s.pending, bar)
	if len(s.pending) >= s.cfg.FlushThreshold {
		batch := s.takePendingLocked()
		go s.flush(batch)
	}
}

func (s *Store) takePendingLocked() []models.Bar {
	batch := s.pending
	s.pending = nil
	return batch
}

func (s *Store) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			batch := s.takePendingLocked()
			s.mu.Unlock()
			if len(batch) > 0 {
				s.flush(batch)
			}
		case <-s.stop:
			s.mu.Lock()
			batch := s.takePendingLocked()
			s.mu.Unlock()
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *Store) flush(batch []models.Bar) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		s.mu.Lock()
		s.flushErrs++
		s.mu.Unlock()
		s.logger.Printf("barstore: begin tx failed: %v", err)
		return
	}
	defer tx.Rollback(ctx)

	for _, bar := range batch {
		if _, err := tx.Exec(ctx, upsertQuery, bar.Symbol, bar.MinuteStart, bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, bar.TickCount); err != nil {
			s.mu.Lock()
			s.flushErrs++
			s.mu.Unlock()
			s.logger.Printf("barstore: upsert failed for %s@%s: %v", bar.Symbol, bar.MinuteStart, err)
			return
		}
	}
	if err := tx.Commit(ctx); err != nil {
		s.mu.Lock()
		s.flushErrs++
		s.mu.Unlock()
		s.logger.Printf("barstore: commit failed: %v", err)
	}
}

// Range loads every persisted bar for symbol in [from, to). Concurrent
// callers asking for the identical window (the engine's recovery path and
// an operator-triggered backtest can overlap) collapse onto one query via
// singleflight rather than each round-tripping to Postgres.
func (s *Store) Range(ctx context.Context, symbol string, from, to time.Time) ([]models.Bar, error) {
	key := fmt.Sprintf("%s|%d|%d", symbol, from.UnixNano(), to.UnixNano())
	v, err, _ := s.rangeGroup.Do(key, func() (any, error) {
		return s.queryRange(ctx, symbol, from, to)
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.Bar), nil
}

func (s *Store) queryRange(ctx context.Context, symbol string, from, to time.Time) ([]models.Bar, error) {
	rows, err := s.pool.Query(ctx, rangeQuery, symbol, from, to)
	if err != nil {
		return nil, fmt.Errorf("barstore: range query: %w", err)
	}
	defer rows.Close()

	var out []models.Bar
	for rows.Next() {
		var b models.Bar
		if err := rows.Scan(&b.Symbol, &b.MinuteStart, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.TickCount); err != nil {
			return nil, fmt.Errorf("barstore: scan: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("barstore: rows: %w", err)
	}
	return out, nil
}

// FlushErrors returns the running count of failed flush attempts.
func (s *Store) FlushErrors() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushErrs
}

// Close stops the background flush loop, flushing anything pending, and
// releases the pool.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()
	s.pool.Close()
}
