package testutil

import (
	"sync"
	"time"
)

// StepClock is a deterministic wall clock for tests.
//
// Every call to Now returns the current instant and then advances it by a
// fixed step, so consecutive readings are strictly increasing and identical
// across runs. Use Set or Advance to jump to a specific instant, for example
// to make one replica's edit land "later" than another's.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type StepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// DefaultStart is the instant a StepClock created with a zero start begins at.
var DefaultStart = time.Date(2026, time.April, 1, 9, 0, 0, 0, time.UTC)

// NewStepClock creates a clock starting at start (DefaultStart when zero)
// that advances by step per reading (one millisecond when zero).
func NewStepClock(start time.Time, step time.Duration) *StepClock {
	if start.IsZero() {
		start = DefaultStart
	}
	if step <= 0 {
		step = time.Millisecond
	}
	return &StepClock{now: start.UTC(), step: step}
}

// Now returns the current instant and advances the clock by one step.
//
// Monotonic: never returns the same value twice.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Peek returns the instant the next Now call will return.
func (c *StepClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *StepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t. Moving backwards is allowed; callers that need
// monotonic stamps rely on the store clock to correct it.
func (c *StepClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}
