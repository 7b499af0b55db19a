package retry_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/formcraft/synckit/internal/retry"
	"github.com/formcraft/synckit/schedule"
)

var errTransient = errors.New("transient")
var errTerminal = errors.New("terminal")

func policy(maxAttempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   0,
		Retryable:   func(err error) bool { return errors.Is(err, errTransient) },
	}
}

func TestDo(t *testing.T) {
	timers := schedule.Real()

	t.Run("first attempt succeeds", func(t *testing.T) {
		calls := 0
		err := retry.Do(context.Background(), timers, policy(4), func(context.Context) error {
			calls++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, calls)
	})

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := retry.Do(context.Background(), timers, policy(4), func(context.Context) error {
			calls++
			if calls <= 3 {
				return errTransient
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 4, calls)
	})

	t.Run("exhaustion returns the last error", func(t *testing.T) {
		calls := 0
		err := retry.Do(context.Background(), timers, policy(4), func(context.Context) error {
			calls++
			return errTransient
		})
		require.ErrorIs(t, err, errTransient)
		require.Equal(t, 4, calls)
	})

	t.Run("terminal error stops immediately", func(t *testing.T) {
		calls := 0
		err := retry.Do(context.Background(), timers, policy(4), func(context.Context) error {
			calls++
			return errTerminal
		})
		require.ErrorIs(t, err, errTerminal)
		require.Equal(t, 1, calls)
	})

	t.Run("zero max attempts still runs once", func(t *testing.T) {
		calls := 0
		err := retry.Do(context.Background(), timers, policy(0), func(context.Context) error {
			calls++
			return errTransient
		})
		require.ErrorIs(t, err, errTransient)
		require.Equal(t, 1, calls)
	})

	t.Run("cancelled context stops between attempts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := retry.Do(ctx, timers, policy(4), func(context.Context) error {
			calls++
			cancel()
			return errTransient
		})
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 1, calls)
	})
}

func TestDo_BackoffSchedule(t *testing.T) {
	// Delays must double per attempt: base, 2*base, 4*base.
	manual := schedule.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p := retry.Policy{
		MaxAttempts: 4,
		BaseDelay:   time.Second,
		Retryable:   func(error) bool { return true },
	}

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- retry.Do(context.Background(), manual, p, func(context.Context) error {
			calls++
			return errTransient
		})
	}()

	// Attempt 1 runs immediately, then sleeps 1s, 2s, 4s between retries.
	require.Eventually(t, func() bool { return manual.Pending() == 1 }, time.Second, time.Millisecond)
	manual.Advance(time.Second)
	require.Eventually(t, func() bool { return manual.Pending() == 1 }, time.Second, time.Millisecond)
	manual.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return manual.Pending() == 1 }, time.Second, time.Millisecond)
	manual.Advance(4 * time.Second)

	require.ErrorIs(t, <-done, errTransient)
	require.Equal(t, 4, calls)
}
