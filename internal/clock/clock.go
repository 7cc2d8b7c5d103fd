// Package clock abstracts the millisecond time source.
//
// Slot arithmetic, age checks, and coarser-slot activation all stamp times
// through a Clock so tests can drive them deterministically.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock is a monotonic source of milliseconds since the Unix epoch.
type Clock interface {
	NowMillis() int64
}

// Wall reads the system clock.
type Wall struct{}

// NowMillis returns the current wall time in milliseconds.
func (Wall) NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Manual is a settable clock for tests.
type Manual struct {
	ms atomic.Int64
}

// NewManual creates a manual clock starting at the given millisecond.
func NewManual(startMs int64) *Manual {
	c := &Manual{}
	c.ms.Store(startMs)
	return c
}

// NowMillis returns the clock's current value.
func (c *Manual) NowMillis() int64 {
	return c.ms.Load()
}

// Set moves the clock to the given millisecond.
func (c *Manual) Set(ms int64) {
	c.ms.Store(ms)
}

// Advance moves the clock forward by the given duration.
func (c *Manual) Advance(d time.Duration) {
	c.ms.Add(d.Milliseconds())
}
