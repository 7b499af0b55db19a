// Package schedule provides a cancellable one-shot timer abstraction so that
// components which arm timers (proactive token refresh, save debouncing) can
// be driven by virtual time in tests.
package schedule

import "time"

// Handle refers to a single armed timer.
type Handle interface {
	// Cancel stops the timer. It reports whether the timer was still
	// pending; false means the callback already fired or was cancelled.
	Cancel() bool
}

// Timers arms one-shot timers.
type Timers interface {
	// AfterFunc runs fn on its own goroutine after d has elapsed.
	AfterFunc(d time.Duration, fn func()) Handle
}

type realTimers struct{}

type realHandle struct {
	t *time.Timer
}

func (h realHandle) Cancel() bool { return h.t.Stop() }

func (realTimers) AfterFunc(d time.Duration, fn func()) Handle {
	return realHandle{t: time.AfterFunc(d, fn)}
}

// Real returns a Timers backed by the wall clock.
func Real() Timers {
	return realTimers{}
}
