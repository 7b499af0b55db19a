package schedule

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Timers implementation driven by explicit calls to Advance.
// Callbacks run synchronously on the advancing goroutine, in deadline order.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	nextID int
	armed  map[int]*manualTimer
}

type manualTimer struct {
	id       int
	deadline time.Time
	fn       func()
	owner    *Manual
}

// NewManual creates a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, armed: make(map[int]*manualTimer)}
}

// Now returns the current virtual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc arms fn to run once the virtual clock passes d from now.
func (m *Manual) AfterFunc(d time.Duration, fn func()) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t := &manualTimer{id: m.nextID, deadline: m.now.Add(d), fn: fn, owner: m}
	m.armed[t.id] = t
	return t
}

func (t *manualTimer) Cancel() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if _, ok := t.owner.armed[t.id]; !ok {
		return false
	}
	delete(t.owner.armed, t.id)
	return true
}

// Pending reports the number of armed timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.armed)
}

// Advance moves the virtual clock forward by d, firing every timer whose
// deadline is reached, in deadline order. Timers armed by a firing callback
// are honoured within the same advance if they fall inside the window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	for {
		due := make([]*manualTimer, 0, len(m.armed))
		for _, t := range m.armed {
			if !t.deadline.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			break
		}
		sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
		next := due[0]
		delete(m.armed, next.id)
		if next.deadline.After(m.now) {
			m.now = next.deadline
		}
		m.mu.Unlock()
		next.fn()
		m.mu.Lock()
	}
	m.now = target
	m.mu.Unlock()
}
