// Package clock abstracts wall-clock access so lease and visibility
// deadlines can be driven deterministically in tests.
package clock

import (
	"context"
	"time"
)

// Clock abstracts time-related functions for easier testing.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After while satisfying the Clock interface.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least the supplied duration.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Or returns clk when non-nil, otherwise Real.
func Or(clk Clock) Clock {
	if clk == nil {
		return Real{}
	}
	return clk
}

// SleepContext waits for d on clk or until ctx is done, whichever happens
// first. It returns ctx.Err() when the context ended the wait.
func SleepContext(ctx context.Context, clk Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil || d <= 0 {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-Or(clk).After(d):
		return nil
	}
}

// Expired reports whether deadline is at or before clk's current time.
func Expired(clk Clock, deadline time.Time) bool {
	return !Or(clk).Now().Before(deadline)
}
