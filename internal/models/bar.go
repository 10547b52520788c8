package models

import (
	"fmt"
	"time"
)

// Bar is a minute-aligned OHLCV aggregate for one symbol. Bars are complete
// (all fields populated) before they are ever handed to a subscriber.
type Bar struct {
	Symbol      string
	MinuteStart time.Time // UTC, second and sub-second zero
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      int64
	TickCount   int64
}

// Validate enforces the bar invariants from the data model: low <= open,
// close <= high, volume >= 0, and minute alignment.
func (b Bar) Validate() error {
	if b.Low > b.Open || b.Open > b.High {
		return fmt.Errorf("bar %s@%s: open %.4f out of [low %.4f, high %.4f]",
			b.Symbol, b.MinuteStart, b.Open, b.Low, b.High)
	}
	if b.Low > b.Close || b.Close > b.High {
		return fmt.Errorf("bar %s@%s: close %.4f out of [low %.4f, high %.4f]",
			b.Symbol, b.MinuteStart, b.Close, b.Low, b.High)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar %s@%s: negative volume %d", b.Symbol, b.MinuteStart, b.Volume)
	}
	if !b.MinuteStart.Equal(b.MinuteStart.Truncate(time.Minute)) {
		return fmt.Errorf("bar %s@%s: minute_start not minute-aligned", b.Symbol, b.MinuteStart)
	}
	return nil
}

// IsFlat reports whether the bar is a synthesized gap-fill bar: open, high,
// low and close collapsed to the same price with no volume or ticks.
func (b Bar) IsFlat() bool {
	return b.Open == b.High && b.High == b.Low && b.Low == b.Close && b.Volume == 0 && b.TickCount == 0
}

// UpperWick is the distance between the high and the top of the real body.
func (b Bar) UpperWick() float64 {
	body := b.Open
	if b.Close > body {
		body = b.Close
	}
	return b.High - body
}

// BodySize is the absolute size of the bar's real body.
func (b Bar) BodySize() float64 {
	d := b.Close - b.Open
	if d < 0 {
		return -d
	}
	return d
}

// IsBullish reports whether the bar closed above its open.
func (b Bar) IsBullish() bool {
	return b.Close > b.Open
}
