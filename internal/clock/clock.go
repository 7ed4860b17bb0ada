// Package clock provides the one-shot delayed callback scheduler used for
// restart backoff. Production code uses SystemClock; tests use FakeClock so
// restart/backoff timing can be asserted without sleeping in wall time.
package clock

import (
	"sync"
	"time"
)

// Timer is a handle to a scheduled callback. Stop cancels it if it has not
// already fired; Stop is safe to call more than once.
type Timer interface {
	Stop() bool
}

// Clock schedules a one-shot callback to run after d has elapsed.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemClock schedules callbacks with the real wall clock via time.AfterFunc.
type SystemClock struct{}

// NewSystemClock returns a Clock backed by time.AfterFunc.
func NewSystemClock() SystemClock { return SystemClock{} }

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{time.AfterFunc(d, f)}
}

type realTimer struct {
	t *time.Timer
}

func (r realTimer) Stop() bool { return r.t.Stop() }

// FakeClock is a manually-advanced Clock for deterministic tests. Nothing
// fires until Advance is called; pending callbacks whose deadline has been
// reached fire synchronously, in deadline order, on the calling goroutine.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
}

// NewFakeClock returns a FakeClock starting at the given time.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

type fakeTimer struct {
	deadline time.Time
	f        func()
	fired    bool
	stopped  bool
}

func (t *fakeTimer) Stop() bool {
	fired := t.fired
	t.stopped = true
	return !fired
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{deadline: c.now.Add(d), f: f}
	c.pending = append(c.pending, t)
	return t
}

// Advance moves the fake clock forward by d, firing (in deadline order) any
// callback whose deadline falls at or before the new time.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var due []*fakeTimer
	var rest []*fakeTimer
	for _, t := range c.pending {
		if !t.stopped && !t.fired && !t.deadline.After(now) {
			due = append(due, t)
		} else if !t.fired {
			rest = append(rest, t)
		}
	}
	c.pending = rest
	c.mu.Unlock()

	// Stable insertion sort by deadline; equal deadlines keep registration
	// order.
	for i := 1; i < len(due); i++ {
		for j := i; j > 0 && due[j].deadline.Before(due[j-1].deadline); j-- {
			due[j], due[j-1] = due[j-1], due[j]
		}
	}

	for _, t := range due {
		t.fired = true
		if !t.stopped {
			t.f()
		}
	}
}

// Now returns the fake clock's current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}
