// Package retry provides bounded retry and polling loops.
//
// Two shapes are offered. Do repeats a fallible operation with exponential
// backoff, used for writes to foreign memory that may be interrupted by a
// signal. Poll waits for a condition to become true within a hard deadline,
// used while waiting for the threads of a target process to stop.
//
// # Boundedness
//
// Neither loop can run forever: Do stops after MaxRetries attempts, Poll stops
// at its timeout. Both return early when the context is canceled.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrTimeout is returned by Poll when the condition did not hold before the
// deadline.
var ErrTimeout = errors.New("condition not met before timeout")

// Config defines the retry behavior for exponential backoff operations.
//
// The zero value is not usable; MaxRetries and InitialBackoff must be set.
type Config struct {
	// MaxRetries is the maximum number of attempts. Must be greater than 0.
	MaxRetries int

	// InitialBackoff is the base backoff duration; attempt n waits
	// InitialBackoff * 2^(n-1).
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration. Zero means no cap.
	MaxBackoff time.Duration
}

// ShouldRetryFunc reports whether an error should trigger another attempt.
// A nil ShouldRetryFunc retries every error.
type ShouldRetryFunc func(error) bool

// Do executes fn with exponential backoff retry.
//
// If all attempts fail, the returned error wraps the last error from fn.
// If shouldRetry returns false the error is returned unchanged.
func Do(ctx context.Context, cfg Config, fn func() error, shouldRetry ShouldRetryFunc) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(calculateBackoff(cfg, attempt)):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}

		lastErr = err
	}

	return fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

// Poll evaluates cond every interval until it returns true, returns an
// error, the timeout elapses or the context is canceled. cond is always
// evaluated at least once.
func Poll(ctx context.Context, interval, timeout time.Duration, cond func() (bool, error)) error {
	if interval <= 0 {
		interval = time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("after %s: %w", timeout, ErrTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// calculateBackoff computes InitialBackoff * 2^(attempt-1), capped at
// MaxBackoff when set.
func calculateBackoff(cfg Config, attempt int) time.Duration {
	multiplier := math.Pow(2, float64(attempt-1))
	backoff := time.Duration(multiplier * float64(cfg.InitialBackoff))

	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}

	return backoff
}
