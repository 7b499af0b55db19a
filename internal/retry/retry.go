// Package retry implements bounded retry with exponential backoff. The
// retryable/terminal split lives in a single predicate so the policy can be
// tested on its own, away from the operations it guards.
package retry

import (
	"context"
	"time"

	"github.com/formcraft/synckit/schedule"
)

// Policy describes how an operation is retried. An attempt counter of n
// sleeps BaseDelay*2^n before attempt n+1.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the backoff unit for the exponential schedule.
	BaseDelay time.Duration
	// Retryable classifies an attempt error. A false return stops the
	// loop immediately and surfaces that error as terminal.
	Retryable func(error) bool
}

// Do runs op until it succeeds, returns a terminal error, exhausts
// MaxAttempts, or ctx is done. Backoff sleeps are armed on timers so tests
// can drive them with virtual time. The last attempt's error is returned on
// exhaustion.
func Do(ctx context.Context, timers schedule.Timers, p Policy, op func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}
		if err := sleep(ctx, timers, p.BaseDelay<<uint(attempt)); err != nil {
			return err
		}
	}
	return lastErr
}

func sleep(ctx context.Context, timers schedule.Timers, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	h := timers.AfterFunc(d, func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		h.Cancel()
		return ctx.Err()
	}
}
