// Package clock abstracts wall time and delayed callbacks so timers can be
// driven by hand in tests.
package clock

import (
	"sync/atomic"
	"time"
)

// Timer is a cancellable delayed callback.
type Timer interface {
	// Stop prevents the callback from running. It returns false if the
	// callback already ran or the timer was already stopped.
	Stop() bool
}

// Clock is the time source used by the scheduler and the editor.
type Clock interface {
	Now() time.Time

	// AfterFunc runs f in its own goroutine after d.
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is the system clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Sequence is a monotonic counter for ordering events, independent of
// wall time.
//
// Thread-safety: Sequence is safe for concurrent use (atomic operations).
type Sequence struct {
	n atomic.Int64
}

// Next increments and returns the counter. The first call returns 1.
func (s *Sequence) Next() int64 {
	return s.n.Add(1)
}

// Current returns the counter without incrementing.
func (s *Sequence) Current() int64 {
	return s.n.Load()
}
