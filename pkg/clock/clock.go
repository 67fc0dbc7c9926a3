// Package clock abstracts time so scheduler and executor behavior can be
// driven deterministically in tests.
//
// Real() is the wall clock used in production. Virtual clocks advance only
// when told to (AdvanceTo/AdvanceBy) and fire pending timers as they pass.
package clock

import (
	"context"
	"time"
)

// Clock is the time source used by components that wait.
// Implementations must be safe for concurrent use.
type Clock interface {
	// Now returns the current time according to this clock.
	Now() time.Time

	// After returns a channel that receives once, after d has elapsed.
	After(d time.Duration) <-chan time.Time

	// Sleep blocks for d or until ctx is done, whichever comes first.
	// Returns ctx.Err() when interrupted, nil when the full duration elapsed.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
