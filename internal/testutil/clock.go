package testutil

import (
	"sync"
	"time"
)

// ClockBase is the first instant a DeterministicClock reports.
var ClockBase = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// DeterministicClock is a wall clock for tests. Every call to Now moves it
// forward by one step, so successive timestamps are distinct and the same
// scenario always produces the same values.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu   sync.Mutex
	step time.Duration
	n    int64
}

// NewDeterministicClock creates a clock that starts at ClockBase and
// advances one second per call.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{step: time.Second}
}

// Now returns the next instant.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := ClockBase.Add(time.Duration(c.n) * c.step)
	c.n++
	return t
}

// Current returns the instant the next Now call will return, without
// advancing.
func (c *DeterministicClock) Current() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClockBase.Add(time.Duration(c.n) * c.step)
}

// Advance moves the clock forward by d.
func (c *DeterministicClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n += int64(d / c.step)
}

// Reset rewinds the clock to ClockBase.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n = 0
}
