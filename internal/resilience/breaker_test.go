package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	b := NewBreaker(DefaultBreakerConfig("tick-source"), nil, nil)
	for i := 0; i < 10; i++ {
		_, err := b.Execute(context.Background(), func(ctx context.Context) (any, error) {
			return "ok", nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerTripsAfterFailureRatioExceeded(t *testing.T) {
	var transitions []gobreaker.State
	cfg := DefaultBreakerConfig("order-placer")
	cfg.MinRequestsToEvaluate = 4
	cfg.FailureRatioOpens = 0.5
	b := NewBreaker(cfg, nil, func(name string, from, to gobreaker.State) {
		transitions = append(transitions, to)
	})

	for i := 0; i < 4; i++ {
		_, _ = b.Execute(context.Background(), func(ctx context.Context) (any, error) {
			return nil, errors.New("timeout")
		})
	}

	assert.Equal(t, gobreaker.StateOpen, b.State())
	require.NotEmpty(t, transitions)
	assert.Equal(t, gobreaker.StateOpen, transitions[len(transitions)-1])
}

func TestBreakerRejectsCallsWhileOpen(t *testing.T) {
	cfg := DefaultBreakerConfig("order-placer")
	cfg.MinRequestsToEvaluate = 2
	cfg.FailureRatioOpens = 0.5
	cfg.OpenTimeout = time.Hour
	b := NewBreaker(cfg, nil, nil)

	for i := 0; i < 2; i++ {
		_, _ = b.Execute(context.Background(), func(ctx context.Context) (any, error) {
			return nil, errors.New("timeout")
		})
	}
	require.Equal(t, gobreaker.StateOpen, b.State())

	calls := 0
	_, err := b.Execute(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		return nil, nil
	})
	require.Error(t, err)
	assert.Equal(t, 0, calls, "op must not run while breaker is open")
}
