package errkind

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsImmediately(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, DelayMs: 1}, nil,
		func(ctx context.Context, attempt int) error {
			attempts++
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetrySucceedsAfterSpawnFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, DelayMs: 1}, nil,
		func(ctx context.Context, attempt int) error {
			attempts++
			if attempts < 3 {
				return New(SpawnFailed, "no such binary")
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryNeverRetriesNonSpawnError(t *testing.T) {
	attempts := 0
	sentinel := errors.New("application failure")
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, DelayMs: 1}, nil,
		func(ctx context.Context, attempt int) error {
			attempts++
			return sentinel
		})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, attempts)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 2, DelayMs: 1}, nil,
		func(ctx context.Context, attempt int) error {
			attempts++
			return New(SpawnFailed, "still down")
		})
	require.Error(t, err)
	assert.True(t, Is(err, SpawnFailed))
	assert.Equal(t, 3, attempts) // initial attempt + 2 retries
}

func TestRetryStopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := Retry(ctx, RetryConfig{MaxAttempts: 3, DelayMs: 1}, nil,
		func(ctx context.Context, attempt int) error {
			attempts++
			return New(SpawnFailed, "down")
		})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, attempts)
}

func TestRetryStopsDuringBackoffWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	err := Retry(ctx, RetryConfig{MaxAttempts: 5, DelayMs: 1000}, nil,
		func(ctx context.Context, attempt int) error {
			attempts++
			return New(SpawnFailed, "down")
		})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}
