package schedule_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/formcraft/synckit/schedule"
)

var start = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestManual_FiresInDeadlineOrder(t *testing.T) {
	manual := schedule.NewManual(start)

	var fired []string
	manual.AfterFunc(3*time.Second, func() { fired = append(fired, "late") })
	manual.AfterFunc(time.Second, func() { fired = append(fired, "early") })

	manual.Advance(5 * time.Second)
	require.Equal(t, []string{"early", "late"}, fired)
	require.Zero(t, manual.Pending())
	require.Equal(t, start.Add(5*time.Second), manual.Now())
}

func TestManual_Cancel(t *testing.T) {
	manual := schedule.NewManual(start)

	fired := false
	handle := manual.AfterFunc(time.Second, func() { fired = true })
	require.True(t, handle.Cancel())
	require.False(t, handle.Cancel(), "second cancel reports not pending")

	manual.Advance(2 * time.Second)
	require.False(t, fired)
}

func TestManual_DoesNotFireEarly(t *testing.T) {
	manual := schedule.NewManual(start)

	fired := false
	manual.AfterFunc(10*time.Second, func() { fired = true })

	manual.Advance(9 * time.Second)
	require.False(t, fired)
	require.Equal(t, 1, manual.Pending())

	manual.Advance(time.Second)
	require.True(t, fired)
}

func TestManual_RearmWithinAdvance(t *testing.T) {
	manual := schedule.NewManual(start)

	var fired int
	manual.AfterFunc(time.Second, func() {
		fired++
		// Chained timer inside the same advance window.
		manual.AfterFunc(time.Second, func() { fired++ })
	})

	manual.Advance(2 * time.Second)
	require.Equal(t, 2, fired)
}

func TestManual_VirtualClockAdvancesToDeadline(t *testing.T) {
	manual := schedule.NewManual(start)

	var at time.Time
	manual.AfterFunc(time.Minute, func() { at = manual.Now() })

	manual.Advance(time.Hour)
	require.Equal(t, start.Add(time.Minute), at, "callback must observe its own deadline")
}

func TestReal_AfterFunc(t *testing.T) {
	timers := schedule.Real()

	done := make(chan struct{})
	timers.AfterFunc(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}

	handle := timers.AfterFunc(time.Hour, func() {})
	require.True(t, handle.Cancel())
}
