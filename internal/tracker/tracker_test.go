package tracker

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benagen/slobtrading-sub000/internal/calendar"
	"github.com/Benagen/slobtrading-sub000/internal/models"
)

func testConfig() Config {
	return Config{
		ConsolMinDuration:         3,
		ConsolMaxDuration:         10,
		ConsolMinQuality:          0,
		ATRPeriod:                 3,
		ATRMultiplierMax:          100,
		RangeNormalizationFactor:  50,
		NoWickUpperWickPercentile: 90,
		NoWickBodyLowPercentile:   0,
		NoWickBodyHighPercentile:  100,
		MaxEntryWaitCandles:       5,
		MaxRetracementPips:        1000,
		SLBuffer:                  0,
		TPBuffer:                  0,
		Liq1DedupWindow:           5 * time.Minute,
	}
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return "cand-" + strconv.Itoa(n)
	}
}

func barAt(day int, hour, min int, o, h, l, c float64) models.Bar {
	return models.Bar{
		Symbol:      "ES",
		MinuteStart: time.Date(2026, 1, day, hour, min, 0, 0, time.UTC),
		Open:        o,
		High:        h,
		Low:         l,
		Close:       c,
		Volume:      10,
		TickCount:   5,
	}
}

func newTestTracker(t *testing.T, opts ...Option) (tr *Tracker, completed, invalidated *[]*models.SetupCandidate) {
	t.Helper()
	completed = &[]*models.SetupCandidate{}
	invalidated = &[]*models.SetupCandidate{}
	base := []Option{
		WithIDGenerator(sequentialIDs()),
		WithOnComplete(func(c *models.SetupCandidate) { *completed = append(*completed, c) }),
		WithOnInvalidated(func(c *models.SetupCandidate) { *invalidated = append(*invalidated, c) }),
	}
	tr = New("ES", testConfig(), calendar.NewDefaultCalendar(nil), append(base, opts...)...)
	return tr, completed, invalidated
}

func TestFullLifecycleCompletesEntry(t *testing.T) {
	tr, completed, _ := newTestTracker(t)

	// LSE session establishes the ceiling.
	tr.OnBar(barAt(2, 10, 0, 95, 96, 94, 95.5))

	// LIQ#1: NYSE bar sweeps above the LSE high, opening a candidate.
	tr.OnBar(barAt(2, 15, 30, 96, 97, 95.5, 96.5))
	require.Len(t, tr.Active(), 1)
	assert.Equal(t, models.StateWatchingConsol, tr.Active()[0].State)

	// Three consolidation bars; the first is the no-wick bar and the third
	// confirms the consolidation.
	tr.OnBar(barAt(2, 15, 31, 100, 100.5, 99.5, 100.4))
	tr.OnBar(barAt(2, 15, 32, 100.4, 102, 100, 100.5))
	tr.OnBar(barAt(2, 15, 33, 100.5, 101, 99.8, 100.2))

	require.Len(t, tr.Active(), 1)
	c := tr.Active()[0]
	assert.Equal(t, models.StateWatchingLiq2, c.State)
	assert.True(t, c.ConsolConfirmed)
	assert.Equal(t, 99.5, c.NoWickLow)
	assert.Equal(t, 100.5, c.NoWickHigh)
	assert.Equal(t, 102.0, c.ConsolHigh, "confirmation bar must be dropped from the window before recomputing extrema")

	// LIQ#2: a bar sweeps above the (recomputed) consolidation high.
	tr.OnBar(barAt(2, 15, 34, 101, 103, 100.5, 102.5))
	require.Len(t, tr.Active(), 1)
	c = tr.Active()[0]
	assert.Equal(t, models.StateWaitingEntry, c.State)
	assert.Equal(t, 103.0, c.SpikeHigh)

	// Entry: close breaks back below the no-wick bar's low.
	tr.OnBar(barAt(2, 15, 35, 100, 100.5, 99, 99.2))

	require.Empty(t, tr.Active())
	require.Len(t, *completed, 1)
	done := (*completed)[0]
	assert.Equal(t, models.StateComplete, done.State)
	assert.Equal(t, 99.2, done.EntryPrice)
	assert.Equal(t, 103.0, done.SLPrice)
	assert.Equal(t, 99.5, done.TPPrice)
}

func TestOutOfOrderBarIsDroppedNotProcessed(t *testing.T) {
	tr, _, _ := newTestTracker(t)

	tr.OnBar(barAt(2, 10, 0, 95, 96, 94, 95.5))
	tr.OnBar(barAt(2, 15, 30, 96, 97, 95.5, 96.5))
	require.Len(t, tr.Active(), 1)

	// A bar at or before the last processed minute must be rejected.
	tr.OnBar(barAt(2, 15, 29, 10, 10, 10, 10))
	tr.OnBar(barAt(2, 15, 30, 10, 10, 10, 10))

	assert.Equal(t, uint64(2), tr.DroppedBars())
	require.Len(t, tr.Active(), 1)
	assert.Equal(t, 97.0, tr.Active()[0].Liq1Price, "dropped bars must not mutate candidate state")
}

func TestDayRolloverInvalidatesActiveCandidates(t *testing.T) {
	tr, _, invalidated := newTestTracker(t)

	tr.OnBar(barAt(2, 10, 0, 95, 96, 94, 95.5))
	tr.OnBar(barAt(2, 15, 30, 96, 97, 95.5, 96.5))
	require.Len(t, tr.Active(), 1)

	// First bar of a new calendar date rolls everything still in flight.
	tr.OnBar(barAt(3, 9, 0, 50, 51, 49, 50.5))

	require.Empty(t, tr.Active())
	require.Len(t, *invalidated, 1)
	assert.Equal(t, models.ReasonMarketClosed, (*invalidated)[0].InvalidationReason)
}

func TestConsolTimeoutInvalidates(t *testing.T) {
	cfg := testConfig()
	cfg.ConsolMaxDuration = 2
	var invalidated []*models.SetupCandidate
	tr := New("ES", cfg, calendar.NewDefaultCalendar(nil),
		WithIDGenerator(sequentialIDs()),
		WithOnInvalidated(func(c *models.SetupCandidate) { invalidated = append(invalidated, c) }),
	)

	tr.OnBar(barAt(2, 10, 0, 95, 96, 94, 95.5))
	tr.OnBar(barAt(2, 15, 30, 96, 97, 95.5, 96.5))
	require.Len(t, tr.Active(), 1)

	// Three consolidation bars exceed ConsolMaxDuration=2 without confirming.
	tr.OnBar(barAt(2, 15, 31, 100, 100.2, 99.9, 100.1))
	tr.OnBar(barAt(2, 15, 32, 100.1, 100.3, 99.8, 100.0))
	tr.OnBar(barAt(2, 15, 33, 100.0, 100.2, 99.9, 100.05))

	require.Empty(t, tr.Active())
	require.Len(t, invalidated, 1)
	assert.Equal(t, models.ReasonConsolTimeout, invalidated[0].InvalidationReason)
}

func TestLiq1DedupSuppressesDuplicateWithinWindow(t *testing.T) {
	tr, _, _ := newTestTracker(t)

	tr.OnBar(barAt(2, 10, 0, 95, 96, 94, 95.5))
	tr.OnBar(barAt(2, 15, 30, 96, 97, 95.5, 96.5))
	require.Len(t, tr.Active(), 1)

	// A second bar, one minute later, with an even higher high but still
	// within the dedup window must not spawn a second candidate.
	tr.OnBar(barAt(2, 15, 31, 97, 98, 96, 97.5))
	require.Len(t, tr.Active(), 1, "dedup window must suppress the second LIQ#1")
}
