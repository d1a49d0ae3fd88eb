// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryWithBackoff_SucceedsFirstAttempt(t *testing.T) {
	t.Parallel()
	calls := 0
	err := RetryWithBackoff(context.Background(), 3, 10*time.Millisecond, func(int) (bool, error) {
		calls++
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoff_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	calls := 0
	err := RetryWithBackoff(context.Background(), 5, time.Millisecond, func(attempt int) (bool, error) {
		calls++
		if attempt < 2 {
			return true, errors.New("transient")
		}
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoff_ExhaustsRetries(t *testing.T) {
	t.Parallel()
	calls := 0
	err := RetryWithBackoff(context.Background(), 3, time.Millisecond, func(int) (bool, error) {
		calls++
		return true, errors.New("always transient")
	})
	require.EqualError(t, err, "always transient")
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoff_CancelledWhileWaiting(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	start := time.Now()
	err := RetryWithBackoff(ctx, 5, time.Hour, func(attempt int) (bool, error) {
		calls++
		cancel()
		return true, errors.New("transient")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Minute, "backoff wait should be interrupted by cancellation")
}

func TestRetryWithBackoff_PermanentErrorExitsImmediately(t *testing.T) {
	t.Parallel()
	calls := 0
	permanent := errors.New("permanent")
	err := RetryWithBackoff(context.Background(), 5, time.Millisecond, func(int) (bool, error) {
		calls++
		return false, permanent
	})
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoff_BackoffTiming(t *testing.T) {
	t.Parallel()
	start := time.Now()
	_ = RetryWithBackoff(context.Background(), 3, 20*time.Millisecond, func(int) (bool, error) {
		return true, errors.New("retry")
	})
	// 20ms + 40ms
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}
