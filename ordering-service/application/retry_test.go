package application

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func TestRetryPolicyDo(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Sleep: noSleep}

		calls := 0
		err := policy.Do(context.Background(), func() error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		policy := RetryPolicy{MaxAttempts: 3, Sleep: noSleep}

		calls := 0
		err := policy.Do(context.Background(), func() error {
			calls++
			return errors.New("persistent")
		})

		require.Error(t, err)
		assert.Contains(t, err.Error(), "persistent")
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		policy := RetryPolicy{MaxAttempts: 3, Sleep: noSleep}
		calls := 0
		err := policy.Do(ctx, func() error {
			calls++
			return errors.New("transient")
		})

		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, calls)
	})

	t.Run("caps the backoff delay", func(t *testing.T) {
		var delays []time.Duration
		policy := RetryPolicy{
			MaxAttempts: 4,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    150 * time.Millisecond,
			Sleep: func(ctx context.Context, d time.Duration) error {
				delays = append(delays, d)
				return nil
			},
		}

		_ = policy.Do(context.Background(), func() error { return errors.New("always") })

		require.Len(t, delays, 3)
		assert.Equal(t, 100*time.Millisecond, delays[0])
		assert.Equal(t, 150*time.Millisecond, delays[1])
		assert.Equal(t, 150*time.Millisecond, delays[2])
	})
}
