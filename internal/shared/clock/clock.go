// Package clock abstracts wall-clock and monotonic time so the trust
// engine's time checks can run against a fake clock in tests.
package clock

import (
	"sync"
	"time"
)

// Clock supplies the two time sources the engine correlates: the wall
// clock, which an attacker can step, and a monotonic counter, which they
// cannot.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time
	// Monotonic returns the elapsed monotonic time since the clock was
	// created (for the system clock, since process start).
	Monotonic() time.Duration
}

// System returns a Clock backed by the operating system.
func System() Clock {
	return &systemClock{start: time.Now()}
}

type systemClock struct {
	start time.Time
}

func (c *systemClock) Now() time.Time { return time.Now() }

func (c *systemClock) Monotonic() time.Duration { return time.Since(c.start) }

// Fake is a manually driven Clock for tests. Advance moves both sources
// together; StepWall moves only the wall clock, simulating a clock step.
type Fake struct {
	mu   sync.Mutex
	wall time.Time
	mono time.Duration
}

// NewFake returns a fake clock starting at the given wall time.
func NewFake(start time.Time) *Fake {
	return &Fake{wall: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wall
}

func (f *Fake) Monotonic() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mono
}

// Advance moves wall and monotonic time forward together, as a healthy
// clock would.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wall = f.wall.Add(d)
	f.mono += d
}

// StepWall moves only the wall clock. A negative duration simulates a
// rollback; monotonic time is unaffected either way.
func (f *Fake) StepWall(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wall = f.wall.Add(d)
}
