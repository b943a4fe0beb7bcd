// Package clock abstracts wall-clock time so the scheduler, lock and
// eligibility code can be tested deterministically.
package clock

import "time"

// Clock provides the current time and single-shot timers.
type Clock interface {
	Now() time.Time
	// AfterFunc arms a timer that calls f after d. Stop cancels it.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a single-shot timer armed via AfterFunc.
type Timer interface {
	Stop() bool
}

// Real is the system clock.
type Real struct{}

// New returns the system clock.
func New() Clock {
	return Real{}
}

func (Real) Now() time.Time {
	return time.Now().UTC()
}

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
