package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy is a reusable retry schedule: MaxAttempts tries with delays of
// BaseDelay, BaseDelay*Multiplier, BaseDelay*Multiplier^2, ... between them.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

func New(maxAttempts int, baseDelay time.Duration, multiplier float64) Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if multiplier < 1 {
		multiplier = 1
	}
	return Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay, Multiplier: multiplier}
}

// Delay returns the wait before attempt n+1 (n is zero-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
	}
	return d
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error so Retry stops immediately instead of burning
// the remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry runs fn until it succeeds, attempts are exhausted, or ctx is done.
// The last error is wrapped with the attempt count.
func (p Policy) Retry(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := fn(ctx); err != nil {
			var perm *permanentError
			if errors.As(err, &perm) {
				return perm.err
			}
			lastErr = err
			if attempt == p.MaxAttempts-1 {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Delay(attempt)):
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("%d attempts exhausted: %w", p.MaxAttempts, lastErr)
}
