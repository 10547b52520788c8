package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitDispatchesToAllSubscribers(t *testing.T) {
	b := New()
	var calls int32
	var wg sync.WaitGroup
	wg.Add(2)
	b.Subscribe(BarCompleted, func(ctx context.Context, payload any) {
		defer wg.Done()
		atomic.AddInt32(&calls, 1)
	})
	b.Subscribe(BarCompleted, func(ctx context.Context, payload any) {
		defer wg.Done()
		atomic.AddInt32(&calls, 1)
	})

	b.Emit(BarCompleted, "bar")
	wg.Wait()
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestHandlerPanicIsIsolatedAndCounted(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	wg.Add(2)
	b.Subscribe(SetupDetected, func(ctx context.Context, payload any) {
		defer wg.Done()
		panic("boom")
	})
	var secondRan bool
	b.Subscribe(SetupDetected, func(ctx context.Context, payload any) {
		defer wg.Done()
		secondRan = true
	})

	b.Emit(SetupDetected, nil)
	wg.Wait()
	// The panic is counted after the handler's own deferred Done runs, so
	// wait for the dispatch goroutines themselves to finish.
	b.Shutdown(time.Second)

	assert.True(t, secondRan)
	assert.Equal(t, uint64(1), b.HandlerErrors(SetupDetected))
}

func TestEmitAndWaitBlocksUntilHandlersFinish(t *testing.T) {
	b := New()
	var done int32
	b.Subscribe(OrderPlaced, func(ctx context.Context, payload any) {
		time.Sleep(20 * time.Millisecond)
		atomic.StoreInt32(&done, 1)
	})

	b.EmitAndWait(context.Background(), OrderPlaced, nil)
	assert.Equal(t, int32(1), atomic.LoadInt32(&done))
}

func TestShutdownDrainsOutstandingHandlers(t *testing.T) {
	b := New()
	var finished int32
	b.Subscribe(OrderFilled, func(ctx context.Context, payload any) {
		time.Sleep(10 * time.Millisecond)
		atomic.StoreInt32(&finished, 1)
	})

	b.Emit(OrderFilled, nil)
	b.Shutdown(time.Second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&finished))
}

func TestEmitAfterShutdownIsNoOp(t *testing.T) {
	b := New()
	b.Shutdown(time.Second)

	var called bool
	b.Subscribe(FeedConnected, func(ctx context.Context, payload any) { called = true })
	b.Emit(FeedConnected, nil)
	time.Sleep(10 * time.Millisecond)
	assert.False(t, called)
}

func TestSequentialHandlersDoNotOverlap(t *testing.T) {
	b := New()
	var active int32
	var maxActive int32
	var wg sync.WaitGroup
	wg.Add(3)
	handler := func(ctx context.Context, payload any) {
		defer wg.Done()
		n := atomic.AddInt32(&active, 1)
		if n > atomic.LoadInt32(&maxActive) {
			atomic.StoreInt32(&maxActive, n)
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
	}
	b.SubscribeSequential(CircuitBreakerTripped, handler)
	b.Emit(CircuitBreakerTripped, nil)
	b.Emit(CircuitBreakerTripped, nil)
	b.Emit(CircuitBreakerTripped, nil)
	wg.Wait()
	require.LessOrEqual(t, int32(1), maxActive)
	assert.Equal(t, int32(1), maxActive)
}
