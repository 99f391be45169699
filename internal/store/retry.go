// ABOUTME: Retry wrapper with transient error classification and backoff
// ABOUTME: Retries idempotent operations on connection-level failures only

package store

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"
)

// RetryConfig controls the retry wrapper. Zero values fall back to the
// defaults below.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 50 * time.Millisecond
	defaultMaxDelay   = 2 * time.Second
)

// transientMarkers are the connection-level failures worth retrying.
// Anything else is returned to the caller on the first attempt.
var transientMarkers = []string{
	"database is locked",
	"database table is locked",
	"sqlite_busy",
	"sqlite_locked",
	"busy",
	"timeout",
	"connection refused",
	"connection reset",
	"broken pipe",
	"shutting down",
	"cannot connect",
	"serialization failure",
	"deadlock",
}

// IsTransient reports whether err is a retryable connection-level failure.
// Context cancellation is never transient: the caller asked to stop.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// WithRetry executes op, retrying transient failures with exponential
// backoff plus jitter, up to cfg.MaxRetries retries (MaxRetries+1 attempts
// total). The last error is returned verbatim once attempts are exhausted.
//
// Retrying a transaction is only safe when its statements are idempotent or
// upsert-protected; plain inserts must not go through WithRetry.
func WithRetry[T any](ctx context.Context, cfg RetryConfig, op func() (T, error)) (T, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}

	var result T
	var err error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, err = op()
		if err == nil {
			return result, nil
		}
		if !IsTransient(err) {
			return result, err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		delay := cfg.BaseDelay << uint(attempt)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		// Jitter: up to +25% of the delay, so concurrent retries fan out.
		delay += time.Duration(rand.Int64N(int64(delay/4) + 1))

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}
	return result, err
}
