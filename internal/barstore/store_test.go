package barstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Benagen/slobtrading-sub000/internal/models"
)

// TestTakePendingHandsOffAndClearsBuffer exercises only the in-memory
// buffering path (no live database): takePendingLocked returns every bar
// queued so far and leaves the pending slice empty.
func TestTakePendingHandsOffAndClearsBuffer(t *testing.T) {
	s := &Store{cfg: Config{FlushThreshold: 3, FlushInterval: time.Hour}}

	s.mu.Lock()
	s.pending = append(s.pending, models.Bar{Symbol: "ES", MinuteStart: time.Now()})
	s.pending = append(s.pending, models.Bar{Symbol: "ES", MinuteStart: time.Now()})
	got := s.takePendingLocked()
	s.mu.Unlock()

	assert.Len(t, got, 2)
	assert.Empty(t, s.pending)
}

func TestAppendIsNoOpAfterClose(t *testing.T) {
	s := &Store{cfg: Config{FlushThreshold: 100, FlushInterval: time.Hour}, closed: true}
	s.Append(models.Bar{Symbol: "ES"})
	assert.Empty(t, s.pending)
}
