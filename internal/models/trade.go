package models

import "time"

// TradeResult is the outcome of a closed trade.
type TradeResult string

const (
	TradeOpen      TradeResult = "open"
	TradeWin       TradeResult = "win"
	TradeLoss      TradeResult = "loss"
	TradeBreakeven TradeResult = "breakeven"
)

// Trade is an append-only record created by downstream order placement and
// looked up during recovery. The core never mutates a Trade after the order
// placer reports its outcome, except to append the exit fields once the
// broker reports a close.
type Trade struct {
	SetupID   string
	Symbol    string
	EntryTime time.Time
	EntryPrice float64
	Quantity  int64
	SL        float64
	TP        float64
	ExitTime  time.Time
	ExitPrice float64
	ExitReason string
	PnL       float64
	Result    TradeResult
}

// SessionState is one row per trading date, accumulating counters the
// engine reports at shutdown and on request.
type SessionState struct {
	Date            time.Time // UTC calendar date, midnight
	StartedAt       time.Time
	EndedAt         time.Time
	StartingCapital float64
	SetupsDetected  int
	TradesExecuted  int
	TradesWon       int
	TradesLost      int
	DailyPnL        float64
}
