package resilience

import (
	"context"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the gobreaker.CircuitBreaker guarding one external
// boundary (a tick source or an order placer).
type BreakerConfig struct {
	Name                 string
	MaxRequestsHalfOpen  uint32
	OpenTimeout          time.Duration
	FailureRatioOpens    float64
	MinRequestsToEvaluate uint32
}

// DefaultBreakerConfig trips once at least 5 requests have been counted and
// half or more of them failed, and probes again after a cooldown. No
// interval is set, so counts are not cleared while the breaker is closed.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:                 name,
		MaxRequestsHalfOpen:  1,
		OpenTimeout:          30 * time.Second,
		FailureRatioOpens:    0.5,
		MinRequestsToEvaluate: 5,
	}
}

// StateChangeFunc is notified whenever the breaker transitions, so the
// engine can publish CircuitBreakerTripped / SafeModeEntered onto the event
// bus without this package importing it directly.
type StateChangeFunc func(name string, from, to gobreaker.State)

// Breaker wraps one external boundary with a circuit breaker.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	logger *log.Logger
}

// NewBreaker constructs a Breaker. onStateChange may be nil.
func NewBreaker(cfg BreakerConfig, logger *log.Logger, onStateChange StateChangeFunc) *Breaker {
	if logger == nil {
		logger = log.Default()
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequestsHalfOpen,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequestsToEvaluate {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatioOpens
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Printf("resilience: breaker %s %s -> %s", name, from, to)
			if onStateChange != nil {
				onStateChange(name, from, to)
			}
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings), logger: logger}
}

// Execute runs op through the breaker. If the breaker is open, op is never
// called and gobreaker.ErrOpenState is returned.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) (any, error)) (any, error) {
	return b.cb.Execute(func() (any, error) {
		return op(ctx)
	})
}

// State reports the breaker's current state (closed, open, half-open).
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Counts returns the breaker's current rolling request/failure counts.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}
