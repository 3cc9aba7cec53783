// Package clock abstracts time for the renew loop so waits can be driven by
// a fake in tests.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Fake is a manual clock. After advances the clock by d and returns a channel
// that is already ready, so a wait of d completes instantly in virtual time.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	onAfter func(now time.Time)
}

func NewFake(start time.Time) *Fake { return &Fake{now: start} }

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// OnAfter registers a hook called (without the lock held) after every After
// has advanced the clock. Tests use it to inject events at virtual times.
func (f *Fake) OnAfter(fn func(now time.Time)) {
	f.mu.Lock()
	f.onAfter = fn
	f.mu.Unlock()
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	if d > 0 {
		f.now = f.now.Add(d)
	}
	now, hook := f.now, f.onAfter
	f.mu.Unlock()

	if hook != nil {
		hook(now)
	}
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}
