// Package resilience wraps the core's external I/O boundaries — the tick
// source and the order placer — with the same retry-with-backoff and
// circuit-breaker idioms used for broker calls: exponential backoff with
// jitter on transient failures, and a breaker that trips after a run of
// failures to give a misbehaving upstream room to recover.
package resilience

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"
)

// RetryConfig controls backoff timing for Do.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultRetryConfig provides sensible defaults for retried operations.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

func sanitize(cfg RetryConfig) RetryConfig {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultRetryConfig.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultRetryConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultRetryConfig.MaxBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRetryConfig.Timeout
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return cfg
}

// Retrier retries a fallible operation with exponential backoff and jitter,
// retrying only errors classified as transient.
type Retrier struct {
	cfg    RetryConfig
	logger *log.Logger
}

// NewRetrier constructs a Retrier. Non-positive durations and a negative
// MaxRetries are replaced with DefaultRetryConfig's values; a MaxRetries of
// 0 is kept and means a single attempt.
func NewRetrier(cfg RetryConfig, logger *log.Logger) *Retrier {
	if logger == nil {
		logger = log.Default()
	}
	return &Retrier{cfg: sanitize(cfg), logger: logger}
}

// Do runs op, retrying on transient errors with exponential backoff plus
// jitter up to cfg.MaxRetries times, bounded overall by cfg.Timeout. op is
// called with a context already carrying that timeout.
func (r *Retrier) Do(ctx context.Context, label string, op func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var lastErr error
	backoff := r.cfg.InitialBackoff

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		select {
		case <-opCtx.Done():
			return fmt.Errorf("%s: timed out after %v: %w", label, r.cfg.Timeout, opCtx.Err())
		default:
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: canceled: %w", label, ctx.Err())
		}

		err := op(opCtx)
		if err == nil {
			return nil
		}
		lastErr = err
		r.logger.Printf("resilience: %s attempt %d/%d failed: %v", label, attempt+1, r.cfg.MaxRetries+1, err)

		if !isTransientError(err) || attempt >= r.cfg.MaxRetries {
			break
		}

		r.logger.Printf("resilience: %s retrying in %v", label, backoff)
		select {
		case <-time.After(backoff):
			backoff = r.nextBackoff(backoff)
		case <-opCtx.Done():
			return fmt.Errorf("%s: timed out during backoff: %w", label, opCtx.Err())
		case <-ctx.Done():
			return fmt.Errorf("%s: canceled during backoff: %w", label, ctx.Err())
		}
	}

	return fmt.Errorf("%s: failed after %d attempts: %w", label, r.cfg.MaxRetries+1, lastErr)
}

func (r *Retrier) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > r.cfg.MaxBackoff {
		backoff = r.cfg.MaxBackoff
	}
	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			r.logger.Printf("resilience: failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}

var transientPatterns = []string{
	"timeout",
	"i/o timeout",
	"connection refused",
	"connection reset",
	"temporary failure",
	"temporarily unavailable",
	"server error",
	"rate limit",
	"429",
	"502",
	"503",
	"504",
	"network",
	"dns",
	"tcp",
	"no such host",
	"deadline exceeded",
	"tls handshake",
	"broken pipe",
	"eof",
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
