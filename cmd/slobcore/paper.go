package main

import (
	"context"
	"crypto/rand"
	"log"
	"math/big"
	"time"

	"github.com/Benagen/slobtrading-sub000/internal/engine"
	"github.com/Benagen/slobtrading-sub000/internal/models"
)

// secureFloat64 returns a random float64 in [0,1) using crypto/rand, falling
// back to a fixed midpoint if the system RNG is ever unavailable.
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// paperFeed generates a synthetic per-symbol random-walk tick stream. It
// stands in for a real broker feed until one is wired: the feed boundary
// (TickSource) is the only piece of market-data plumbing out of scope for
// this core, per the order-placement/strategy non-goals.
type paperFeed struct {
	symbols []string
	prices  map[string]float64
	idx     int
	logger  *log.Logger
}

func newPaperFeed(symbols []string, logger *log.Logger) *paperFeed {
	prices := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		prices[s] = 100.0 + secureFloat64()*50
	}
	return &paperFeed{symbols: symbols, prices: prices, logger: logger}
}

func (f *paperFeed) Next(ctx context.Context) (models.Tick, error) {
	if len(f.symbols) == 0 {
		<-ctx.Done()
		return models.Tick{}, ctx.Err()
	}

	select {
	case <-ctx.Done():
		return models.Tick{}, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}

	symbol := f.symbols[f.idx%len(f.symbols)]
	f.idx++

	move := (secureFloat64() - 0.5) * 0.2
	f.prices[symbol] += move
	if f.prices[symbol] <= 0 {
		f.prices[symbol] = 0.01
	}

	return models.Tick{
		Symbol:    symbol,
		Price:     f.prices[symbol],
		Size:      1 + int64(secureFloat64()*100),
		Timestamp: time.Now().UTC(),
		Exchange:  "PAPER",
	}, nil
}

// paperPlacer logs every bracket it is asked to place and synthesizes a
// filled trade at the candidate's entry price. Real execution mechanics are
// a non-goal of this core; this keeps the OrderPlacer boundary exercised
// end-to-end without an actual broker integration.
type paperPlacer struct {
	paperTrading bool
	logger       *log.Logger
}

func newPaperPlacer(paperTrading bool, logger *log.Logger) *paperPlacer {
	return &paperPlacer{paperTrading: paperTrading, logger: logger}
}

func (p *paperPlacer) PlaceBracket(_ context.Context, c *models.SetupCandidate) (*models.Trade, error) {
	mode := "paper"
	if !p.paperTrading {
		mode = "live(simulated)"
	}
	p.logger.Printf("placer[%s]: bracket for %s entry=%.4f sl=%.4f tp=%.4f", mode, c.Symbol, c.EntryPrice, c.SLPrice, c.TPPrice)

	return &models.Trade{
		SetupID:    c.ID,
		Symbol:     c.Symbol,
		EntryTime:  time.Now().UTC(),
		EntryPrice: c.EntryPrice,
		Quantity:   1,
		SL:         c.SLPrice,
		TP:         c.TPPrice,
		Result:     models.TradeOpen,
	}, nil
}

// paperPositions reports no broker positions. There is no real broker to
// query in paper-trading mode, so reconciliation against it is a no-op; the
// PositionProvider boundary stays exercised for when a live broker is wired.
type paperPositions struct{}

func (paperPositions) Positions(_ context.Context) ([]engine.BrokerPosition, error) {
	return nil, nil
}
