// Package models provides the data structures shared across the ingestion
// and pattern-detection core: ticks, bars, setup candidates, trades and
// session state.
package models

import "time"

// Tick is an immutable trade print from the broker feed.
type Tick struct {
	Symbol    string
	Price     float64
	Size      int64
	Timestamp time.Time // UTC, sub-second precision preserved
	Exchange  string
}

// MinuteStart floors the tick's timestamp to the start of its containing
// minute, zeroing seconds and sub-second components.
func (t Tick) MinuteStart() time.Time {
	return t.Timestamp.Truncate(time.Minute)
}
