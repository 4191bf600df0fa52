package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start time of a SteppingClock.
var Epoch = time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)

// SteppingClock is a deterministic wall clock for tests.
//
// Every call to Now returns the current instant and then advances it by the
// configured step, so consecutive ledger entries get distinct, ordered
// timestamps and golden files stay byte-identical across runs.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type SteppingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewSteppingClock creates a clock starting at Epoch that advances one
// second per call.
func NewSteppingClock() *SteppingClock {
	return &SteppingClock{now: Epoch, step: time.Second}
}

// NewFixedClock creates a clock that always returns t.
func NewFixedClock(t time.Time) *SteppingClock {
	return &SteppingClock{now: t.UTC()}
}

// Now returns the current instant and advances the clock by its step.
func (c *SteppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the next instant Now would return, without advancing.
func (c *SteppingClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *SteppingClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Reset rewinds the clock to Epoch.
//
// Used for test reuse. After Reset(), the next call to Now() returns Epoch.
func (c *SteppingClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = Epoch
}
