// Package retry runs an operation with capped exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps a single sleep. Zero means uncapped.
	MaxDelay time.Duration
}

// backOff builds the schedule: the delay doubles on each retry with +-25%
// jitter and never gives up on elapsed time alone.
func (p Policy) backOff(ctx context.Context, maxAttempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.MaxInterval = time.Duration(math.MaxInt64)
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
		b.InitialInterval = min(p.BaseDelay, p.MaxDelay)
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxAttempts-1)), ctx)
}

// Do calls fn up to p.MaxAttempts times. fn receives the zero-based attempt
// number. It stops early on success, on a *PermanentError (whose inner
// error is returned) and when ctx is cancelled.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	attempt := 0
	op := func() error {
		err := fn(attempt)
		attempt++
		var pe *PermanentError
		if errors.As(err, &pe) {
			return backoff.Permanent(pe.Err)
		}
		return err
	}
	return backoff.Retry(op, p.backOff(ctx, maxAttempts))
}
