package store

import (
	"sync"
	"time"
)

// Precision is the resolution of every stored timestamp. Remote engines keep
// microseconds, so anything finer would not survive a push/pull round trip.
const Precision = time.Microsecond

// Normalize converts t to the stored representation: UTC at Precision.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(Precision)
}

// Clock issues change stamps for the Transaction Coordinator.
//
// Stamps are wall-clock based but strictly increasing: a stamp is never equal
// to or below the previous stamp or any time passed to Observe.
//
// Thread-safety: Clock is safe for concurrent use.
type Clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

// NewClock creates a clock reading from now (time.Now when nil).
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Stamp returns the next change stamp.
func (c *Clock) Stamp() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := Normalize(c.now())
	if !t.After(c.last) {
		t = c.last.Add(Precision)
	}
	c.last = t
	return t
}

// Observe raises the floor so later stamps sort after t.
func (c *Clock) Observe(t time.Time) {
	if t.IsZero() {
		return
	}
	t = Normalize(t)

	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.last) {
		c.last = t
	}
}

// Last returns the most recent stamp or observed time.
func (c *Clock) Last() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
