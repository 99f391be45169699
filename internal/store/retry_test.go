// ABOUTME: Tests for transient error classification and the retry wrapper
// ABOUTME: Attempt counting and context cancellation are the key behaviors

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(errors.New("database is locked")))
	assert.True(t, IsTransient(errors.New("SQLITE_BUSY: database busy")))
	assert.True(t, IsTransient(errors.New("dial tcp: connection refused")))
	assert.True(t, IsTransient(errors.New("could not serialize access due to deadlock detected")))

	assert.False(t, IsTransient(errors.New("UNIQUE constraint failed: users.username")))
	assert.False(t, IsTransient(ErrNotFound))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(context.DeadlineExceeded))
}

func TestWithRetry_SucceedsFirstTry(t *testing.T) {
	calls := 0
	result, err := WithRetry(context.Background(), RetryConfig{}, func() (int, error) {
		calls++
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_NonTransientReturnsImmediately(t *testing.T) {
	calls := 0
	wantErr := errors.New("UNIQUE constraint failed: users.username")
	_, err := WithRetry(context.Background(), RetryConfig{}, func() (int, error) {
		calls++
		return 0, wantErr
	})
	assert.Equal(t, wantErr, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	wantErr := errors.New("database is locked")
	_, err := WithRetry(context.Background(), RetryConfig{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
	}, func() (int, error) {
		calls++
		return 0, wantErr
	})
	assert.Equal(t, wantErr, err, "the last error comes back verbatim")
	assert.Equal(t, 3, calls, "MaxRetries of 2 means 3 attempts")
}

func TestWithRetry_RecoversAfterTransientFailure(t *testing.T) {
	calls := 0
	result, err := WithRetry(context.Background(), RetryConfig{
		BaseDelay: time.Millisecond,
	}, func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("database is locked")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := WithRetry(ctx, RetryConfig{
		BaseDelay: 50 * time.Millisecond,
	}, func() (int, error) {
		return 0, errors.New("database is locked")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
