package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	var retries []int
	err := Do(context.Background(), Policy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		OnRetry: func(err error, attempt int, next time.Duration) {
			retries = append(retries, attempt)
		},
	}, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retries)
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 4, InitialDelay: time.Millisecond, Multiplier: 4}, func(ctx context.Context, attempt int) error {
		calls++
		return errTransient
	})

	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 4, calls)
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := Do(context.Background(), Policy{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		Retryable:    func(err error) bool { return !errors.Is(err, permanent) },
	}, func(ctx context.Context, attempt int) error {
		calls++
		return permanent
	})

	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDoHonoursContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{MaxAttempts: 5, InitialDelay: time.Hour}, func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return errTransient
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestPolicyDelays(t *testing.T) {
	provider := Policy{MaxAttempts: 4, InitialDelay: time.Second, Multiplier: 4}
	assert.Equal(t, []time.Duration{time.Second, 4 * time.Second, 16 * time.Second}, provider.Delays())

	refresh := Policy{MaxAttempts: 3, InitialDelay: 500 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, refresh.Delays())
}
