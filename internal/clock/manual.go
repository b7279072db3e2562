package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Clock that only moves when Advance or Set is called. Timers
// whose deadline is reached fire synchronously, in deadline order, on the
// goroutine that advanced the clock. A timer created with d <= 0 is already
// due and fires at once on its own goroutine, as time.AfterFunc does, so f
// may take locks the caller of AfterFunc holds.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	c        *Manual
	deadline time.Time
	f        func()
	stopped  bool
	fired    bool
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	t := &manualTimer{c: m, deadline: m.now.Add(d), f: f}
	if d <= 0 {
		t.fired = true
		m.mu.Unlock()
		go f()
		return t
	}
	m.timers = append(m.timers, t)
	m.mu.Unlock()
	return t
}

// Advance moves the clock forward by d and fires every timer that became due.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	m.Set(target)
}

// Set moves the clock to t. Moving backwards only changes Now.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	var due []*manualTimer
	pending := m.timers[:0]
	for _, tm := range m.timers {
		switch {
		case tm.stopped:
		case !tm.deadline.After(t):
			tm.fired = true
			due = append(due, tm)
		default:
			pending = append(pending, tm)
		}
	}
	m.timers = pending
	m.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, tm := range due {
		tm.f()
	}
}

// Pending returns the number of timers that have neither fired nor been
// stopped.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, tm := range m.timers {
		if !tm.stopped && !tm.fired {
			n++
		}
	}
	return n
}

func (t *manualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}
