// Package clock abstracts time so reconnect backoff, pairing windows, and
// sweep schedules can be driven deterministically in tests.
package clock

import (
	"context"
	"time"
)

// Clock is the time capability handed to every component that waits.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Since(t time.Time) time.Duration
}

// Real uses the standard library time functions.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (Real) Since(t time.Time) time.Duration        { return time.Since(t) }

// Sleep blocks for d or until ctx is cancelled, in which case it returns
// ctx.Err(). Callers use it for waits that must abort when a session stops.
func Sleep(ctx context.Context, clk Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-clk.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
