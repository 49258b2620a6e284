package consistency

import (
	"sync"
	"sync/atomic"
	"time"
)

// Clock supplies the current time to aggregates.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a plain function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

type clockHolder struct{ Clock }

var clock atomic.Value

func init() {
	clock.Store(clockHolder{SystemClock})
}

// Now returns the current time of the process-wide clock.
func Now() time.Time {
	return clock.Load().(clockHolder).Now()
}

// SetClock replaces the process-wide clock and returns a function that
// restores the previous one. It must not be called while operations that
// depend on a stable time are in flight.
func SetClock(c Clock) (restore func()) {
	if c == nil {
		c = SystemClock
	}
	previous := clock.Swap(clockHolder{c}).(clockHolder)
	return func() {
		clock.Store(previous)
	}
}

// VirtualClock is a manually driven Clock for deterministic tests.
type VirtualClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewVirtualClock starts a VirtualClock at the given instant.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start}
}

func (c *VirtualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Set moves the clock to t.
func (c *VirtualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d.
func (c *VirtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
