// Package resilience provides the retry and circuit-breaker primitives that
// guard calls to the remote transcription service.
//
// [Policy] is a data-driven retry policy: attempt count, initial delay, and
// backoff factor are plain fields so the values come straight from
// configuration instead of being baked into call sites. [Breaker] is a
// three-state circuit breaker (closed → open → half-open) that stops the
// pipeline from hammering an API that is failing hard.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Policy describes how a failing call is retried. The zero value performs a
// single attempt with no retries.
type Policy struct {
	// MaxAttempts caps the total number of tries, including the first.
	MaxAttempts int

	// InitialDelay is the pause before the first retry.
	InitialDelay time.Duration

	// BackoffFactor multiplies the delay after every failed attempt
	// (1s, 2s, 4s, … with factor 2).
	BackoffFactor float64

	// Retryable classifies errors. A nil predicate retries everything.
	// Permanent errors short-circuit: the call fails immediately without
	// consuming the remaining attempts.
	Retryable func(error) bool
}

// Do runs fn under the policy. The final error is returned once attempts
// are exhausted or a permanent error occurs. Context cancellation is
// honoured during backoff sleeps and ends the retry loop with ctx.Err().
func (p Policy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.InitialDelay

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt >= attempts {
			return fmt.Errorf("%s: %d attempts exhausted: %w", op, attempts, err)
		}

		slog.Warn("retrying after error",
			"op", op, "attempt", attempt, "delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if p.BackoffFactor > 1 {
			delay = time.Duration(float64(delay) * p.BackoffFactor)
		}
	}
}

// DoWithResult runs fn under policy p and returns its result. Package-level
// because Go does not support method-level type parameters.
func DoWithResult[R any](ctx context.Context, p Policy, op string, fn func(context.Context) (R, error)) (R, error) {
	var result R
	err := p.Do(ctx, op, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fn(ctx)
		return innerErr
	})
	if err != nil {
		var zero R
		return zero, err
	}
	return result, nil
}

// ErrBreakerOpen is returned by [Breaker.Execute] while the breaker is open
// and the reset timeout has not yet elapsed.
var ErrBreakerOpen = errors.New("resilience: breaker is open")
