package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsWithoutRetryOnFirstTry(t *testing.T) {
	r := NewRetrier(RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Timeout: time.Second}, nil)
	calls := 0
	err := r.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientErrorsThenSucceeds(t *testing.T) {
	r := NewRetrier(RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Timeout: time.Second}, nil)
	calls := 0
	err := r.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoDoesNotRetryNonTransientErrors(t *testing.T) {
	r := NewRetrier(RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Timeout: time.Second}, nil)
	calls := 0
	err := r.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return errors.New("invalid order quantity")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	r := NewRetrier(RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Timeout: time.Second}, nil)
	calls := 0
	err := r.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return errors.New("timeout")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial + 2 retries
}

func TestDoRespectsContextCancellation(t *testing.T) {
	r := NewRetrier(RetryConfig{MaxRetries: 5, InitialBackoff: 50 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, Timeout: time.Second}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := r.Do(ctx, "op", func(ctx context.Context) error {
		calls++
		return errors.New("timeout")
	})
	require.Error(t, err)
}

func TestIsTransientErrorClassification(t *testing.T) {
	assert.True(t, isTransientError(errors.New("dial tcp: connection refused")))
	assert.True(t, isTransientError(errors.New("503 Service Unavailable")))
	assert.False(t, isTransientError(errors.New("invalid argument")))
	assert.False(t, isTransientError(nil))
}
