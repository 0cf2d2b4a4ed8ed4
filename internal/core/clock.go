package core

import (
	"sync"
	"time"
)

// Clock provides time operations that can be mocked for testing.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	// After delivers the time once d has elapsed on this clock.
	After(d time.Duration) <-chan time.Time
}

// RealClock uses the standard time package.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration        { return time.Since(t) }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// FakeClock is a test clock that can be manually advanced.
// It is safe for concurrent use so workers and the aggregator can share one.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{current: start}
}

func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *FakeClock) Since(t time.Time) time.Duration { return f.Now().Sub(t) }

// After fires once the clock has been advanced by at least d.
func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.current
		return ch
	}
	f.waiters = append(f.waiters, fakeWaiter{at: f.current.Add(d), ch: ch})
	return ch
}

// Waiters returns how many After channels have not fired yet.
func (f *FakeClock) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}

func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.current = f.current.Add(d)
	f.fire()
	f.mu.Unlock()
}

func (f *FakeClock) Set(t time.Time) {
	f.mu.Lock()
	f.current = t
	f.fire()
	f.mu.Unlock()
}

// fire releases every waiter whose deadline has passed. Callers hold f.mu.
func (f *FakeClock) fire() {
	pending := f.waiters[:0]
	for _, w := range f.waiters {
		if w.at.After(f.current) {
			pending = append(pending, w)
			continue
		}
		w.ch <- f.current
	}
	f.waiters = pending
}
