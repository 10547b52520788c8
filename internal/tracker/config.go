package tracker

import (
	"time"

	"github.com/Benagen/slobtrading-sub000/internal/calendar"
)

// Config holds every tunable the pattern tracker needs. All of it is a
// first-class, overridable parameter — including the ATR-fallback
// normalization constant, which is a calibration parameter, not a
// hard-coded literal.
type Config struct {
	ConsolMinDuration int     // minutes
	ConsolMaxDuration int     // minutes
	ConsolMinQuality  float64 // 0.0-1.0

	ATRPeriod        int
	ATRMultiplierMax float64

	// RangeNormalizationFactor is the fallback denominator for the
	// consolidation quality score when no ATR is available yet.
	RangeNormalizationFactor float64

	NoWickUpperWickPercentile float64 // 90
	NoWickBodyLowPercentile   float64 // 30
	NoWickBodyHighPercentile  float64 // 70

	MaxEntryWaitCandles int
	MaxRetracementPips  float64

	SLBuffer float64
	TPBuffer float64

	// TickSize is the minimum price increment SL/TP levels are snapped to
	// before being handed to the order placer. Zero disables snapping.
	TickSize float64

	Liq1DedupWindow time.Duration

	// NewsGate, when non-nil, blacks out new candidate creation around
	// high-impact news events. Nil (the default) allows trading at any
	// time within the session window.
	NewsGate calendar.NewsGate
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		ConsolMinDuration:         15,
		ConsolMaxDuration:         30,
		ConsolMinQuality:          0.4,
		ATRPeriod:                 14,
		ATRMultiplierMax:          3.0,
		RangeNormalizationFactor:  50,
		NoWickUpperWickPercentile: 90,
		NoWickBodyLowPercentile:   30,
		NoWickBodyHighPercentile:  70,
		MaxEntryWaitCandles:       20,
		MaxRetracementPips:        20,
		SLBuffer:                  0,
		TPBuffer:                  0,
		TickSize:                  0,
		Liq1DedupWindow:           5 * time.Minute,
	}
}
