// Package tickbuffer implements a bounded, TTL-evicting queue of ticks that
// sits between the feed and the bar aggregator, absorbing bursts without
// ever blocking the producer.
package tickbuffer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Benagen/slobtrading-sub000/internal/models"
)

// ErrOverflow is returned by Enqueue when the buffer is at capacity and the
// emergency TTL flush could not make room.
var ErrOverflow = errors.New("tickbuffer: overflow policy applied")

// DefaultCapacity and DefaultTTL mirror the default tuning.
const (
	DefaultCapacity = 10_000
	DefaultTTL      = 60 * time.Second
)

// Stats is a point-in-time snapshot of the buffer's counters.
type Stats struct {
	Size        int
	Capacity    int
	Utilization float64
	Enqueued    uint64
	Dequeued    uint64
	Dropped     uint64
	Evicted     uint64
}

// entry pairs a tick with its insertion time, used only by the TTL sidecar
// log for eviction bookkeeping.
type entry struct {
	tick       models.Tick
	insertedAt time.Time
	stale      bool // set by markExpiredLocked once past ttl; counted in evicted exactly once
}

// OverflowFunc is an optional callback invoked once per dropped tick.
type OverflowFunc func(models.Tick)

// Buffer is a bounded single-producer single-consumer FIFO queue of ticks
// with a sidecar insertion-time log used only for TTL eviction. Capacity is
// the hard bound; TTL is a soft guard evaluated by auto-flush.
type Buffer struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	items    []entry
	capacity int
	ttl      time.Duration
	onOverflow OverflowFunc

	enqueued uint64
	dequeued uint64
	dropped  uint64
	evicted  uint64

	closed bool
}

// Option configures a Buffer at construction.
type Option func(*Buffer)

// WithCapacity overrides DefaultCapacity.
func WithCapacity(n int) Option {
	return func(b *Buffer) { b.capacity = n }
}

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(b *Buffer) { b.ttl = d }
}

// WithOverflowCallback registers a callback invoked once per dropped tick.
func WithOverflowCallback(f OverflowFunc) Option {
	return func(b *Buffer) { b.onOverflow = f }
}

// New constructs a Buffer with the given options applied over the spec's
// defaults.
func New(opts ...Option) *Buffer {
	b := &Buffer{capacity: DefaultCapacity, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(b)
	}
	b.notEmpty = sync.NewCond(&b.mu)
	return b
}

// Enqueue never blocks the producer. On a full buffer it attempts an
// emergency TTL flush, retries once, and on continued failure increments
// the dropped counter, invokes the optional overflow callback, and returns
// ErrOverflow.
func (b *Buffer) Enqueue(tick models.Tick) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) >= b.capacity {
		b.emergencyFlushLocked(time.Now())
	}
	if len(b.items) >= b.capacity {
		// Retry once more in case the first flush raced with fresh inserts.
		b.emergencyFlushLocked(time.Now())
	}
	if len(b.items) >= b.capacity {
		b.dropped++
		if b.onOverflow != nil {
			cb := b.onOverflow
			t := tick
			go func() { cb(t) }()
		}
		return ErrOverflow
	}

	b.items = append(b.items, entry{tick: tick, insertedAt: time.Now()})
	b.enqueued++
	b.notEmpty.Signal()
	return nil
}

// Dequeue returns the oldest tick, blocking up to timeout. A non-positive
// timeout blocks indefinitely until a tick is available or the buffer is
// closed. Returns ok=false on timeout or after Close once drained.
func (b *Buffer) Dequeue(timeout time.Duration) (models.Tick, bool) {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.items) == 0 {
		if b.closed {
			return models.Tick{}, false
		}
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return models.Tick{}, false
			}
			timer := time.AfterFunc(remaining, func() {
				b.mu.Lock()
				b.notEmpty.Broadcast()
				b.mu.Unlock()
			})
			b.notEmpty.Wait()
			timer.Stop()
			continue
		}
		b.notEmpty.Wait()
	}

	e := b.items[0]
	b.items = b.items[1:]
	b.dequeued++
	return e.tick, true
}

// DequeueContext is a context-aware variant of Dequeue for callers already
// threading a context through the consumer loop.
func (b *Buffer) DequeueContext(ctx context.Context) (models.Tick, bool) {
	for {
		select {
		case <-ctx.Done():
			return models.Tick{}, false
		default:
		}
		if t, ok := b.Dequeue(50 * time.Millisecond); ok {
			return t, true
		}
		if ctx.Err() != nil {
			return models.Tick{}, false
		}
		b.mu.Lock()
		closed := b.closed
		empty := len(b.items) == 0
		b.mu.Unlock()
		if closed && empty {
			return models.Tick{}, false
		}
	}
}

// markExpiredLocked walks the sidecar insertion-time log and counts entries
// older than ttl as evicted. This is the soft, periodic path: it
// removes only the age bookkeeping, not the tick itself — a tick counted
// here is still sitting in the queue and will be returned by Dequeue in
// its normal FIFO turn. Consumers that care about staleness can compare a
// dequeued tick's timestamp against ttl themselves. Must be called with mu
// held.
func (b *Buffer) markExpiredLocked(now time.Time) {
	if b.ttl <= 0 || len(b.items) == 0 {
		return
	}
	cutoff := now.Add(-b.ttl)
	for i := range b.items {
		if b.items[i].stale {
			continue
		}
		if b.items[i].insertedAt.Before(cutoff) {
			b.items[i].stale = true
			b.evicted++
		}
	}
}

// emergencyFlushLocked is the hard capacity-relief path invoked from
// Enqueue when the buffer is full: unlike the periodic soft eviction, it
// actually drops expired entries from the front of the queue to make room
// for the incoming tick. Must be called with mu held.
func (b *Buffer) emergencyFlushLocked(now time.Time) {
	if b.ttl <= 0 || len(b.items) == 0 {
		return
	}
	cutoff := now.Add(-b.ttl)
	n := 0
	for _, e := range b.items {
		freshlyStale := !e.stale && e.insertedAt.Before(cutoff)
		if e.stale || freshlyStale {
			// Entries already marked stale were counted by markExpiredLocked.
			if freshlyStale {
				b.evicted++
			}
			continue
		}
		b.items[n] = e
		n++
	}
	b.items = b.items[:n]
}

// AutoFlush runs a background eviction loop until ctx is canceled. On
// cancellation it exits immediately without attempting a final eviction.
func (b *Buffer) AutoFlush(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.mu.Lock()
			b.markExpiredLocked(now)
			b.mu.Unlock()
		}
	}
}

// Stats returns a snapshot of the buffer's current size and counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	util := 0.0
	if b.capacity > 0 {
		util = float64(len(b.items)) / float64(b.capacity)
	}
	return Stats{
		Size:        len(b.items),
		Capacity:    b.capacity,
		Utilization: util,
		Enqueued:    b.enqueued,
		Dequeued:    b.dequeued,
		Dropped:     b.dropped,
		Evicted:     b.evicted,
	}
}

// Close marks the buffer closed, waking any blocked consumer. Shutdown
// should drain the queue (via Dequeue) before calling Close so that ticks
// already enqueued are not lost; Close itself does not discard entries.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.notEmpty.Broadcast()
	b.mu.Unlock()
}

// Len reports the current number of queued ticks.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
