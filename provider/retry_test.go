package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errFlaky = errors.New("flaky")

func retryOnFlaky(err error) bool { return errors.Is(err, errFlaky) }

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Attempts: 5, Base: 100 * time.Millisecond, Max: 350 * time.Millisecond}

	tests := map[int]time.Duration{
		0: 100 * time.Millisecond,
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 350 * time.Millisecond,
		9: 350 * time.Millisecond,
	}
	for attempt, want := range tests {
		assert.Equal(t, want, b.Delay(attempt), "attempt %d", attempt)
	}

	unbounded := Backoff{Base: time.Millisecond}
	assert.Equal(t, 8*time.Millisecond, unbounded.Delay(4))
}

func TestRetry_SucceedsAfterFlakes(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Backoff{Attempts: 3, Base: time.Millisecond}, retryOnFlaky, func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Backoff{Attempts: 2, Base: time.Millisecond}, retryOnFlaky, func(context.Context) error {
		calls++
		return errFlaky
	})

	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 2, calls)
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("rejected")
	calls := 0
	err := Retry(context.Background(), Backoff{Attempts: 5, Base: time.Millisecond}, retryOnFlaky, func(context.Context) error {
		calls++
		return permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetry_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Retry(context.Background(), Backoff{}, retryOnFlaky, func(context.Context) error {
		calls++
		return errFlaky
	})
	assert.Equal(t, 1, calls)
}

func TestRetry_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, Backoff{Attempts: 5, Base: time.Hour}, retryOnFlaky, func(context.Context) error {
		calls++
		cancel()
		return errFlaky
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 1, calls)
}
