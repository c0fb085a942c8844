package provider

import (
	"context"
	"errors"
	"time"
)

// Backoff is a bounded exponential retry policy
type Backoff struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultBackoff is used for idempotent gateway reads
var DefaultBackoff = Backoff{Attempts: 3, Base: 200 * time.Millisecond, Max: 2 * time.Second}

// Delay returns the wait before retry number attempt (1-based)
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Retry runs fn until it succeeds, returns a non-retryable error, or attempts run out.
// The last error is returned unchanged.
func Retry(ctx context.Context, b Backoff, retryable func(error) bool, fn func(ctx context.Context) error) error {
	attempts := b.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !retryable(err) || attempt == attempts {
			return err
		}

		timer := time.NewTimer(b.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return err
}
