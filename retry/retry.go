// Package retry provides backoff retries for transient failures and fixed
// interval polling for conditions that become true over time, such as a
// transaction receipt appearing on chain. Both respect context cancellation.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPollTimeout is returned by Poll when the deadline passes before the
// condition is met.
var ErrPollTimeout = errors.New("retry: poll timed out")

// Config holds backoff retry configuration.
type Config struct {
	MaxAttempts  int           // total attempts, including the first
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration // backoff ceiling
	Multiplier   float64       // backoff growth factor
}

// DefaultConfig is tuned for short-lived network hiccups.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2.0,
}

// IsRetryable reports whether an error should trigger another attempt.
type IsRetryable func(error) bool

// Do executes fn up to config.MaxAttempts times with exponential backoff.
// A non-retryable error aborts immediately.
func Do[T any](ctx context.Context, config Config, isRetryable IsRetryable, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	delay := config.InitialDelay

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("context cancelled: %w", err)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return zero, err
		}

		if attempt < config.MaxAttempts-1 {
			select {
			case <-time.After(delay):
				delay = time.Duration(float64(delay) * config.Multiplier)
				if delay > config.MaxDelay {
					delay = config.MaxDelay
				}
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// PollFunc checks a condition once. done=true stops the poll and returns the
// value; a non-nil error aborts the poll entirely.
type PollFunc[T any] func(ctx context.Context) (value T, done bool, err error)

// Poll invokes fn at a fixed interval until it reports done, it fails, the
// timeout elapses (ErrPollTimeout) or the context is cancelled. fn runs once
// immediately before the first interval.
func Poll[T any](ctx context.Context, interval, timeout time.Duration, fn PollFunc[T]) (T, error) {
	var zero T

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		value, done, err := fn(ctx)
		if err != nil {
			return zero, err
		}
		if done {
			return value, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return zero, ErrPollTimeout
			}
			return zero, ctx.Err()
		}
	}
}
