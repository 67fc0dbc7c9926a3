package clock

import (
	"context"
	"sync"
	"time"
)

// VirtualClock is a Clock whose time moves only via AdvanceTo/AdvanceBy.
// Timers created with After fire, in deadline order, as the clock passes
// them. Safe for concurrent use.
type VirtualClock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*virtualTimer
}

type virtualTimer struct {
	deadline time.Time
	ch       chan time.Time
}

// NewVirtual returns a virtual clock starting at start.
func NewVirtual(start time.Time) *VirtualClock {
	return &VirtualClock{current: start}
}

func (v *VirtualClock) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

func (v *VirtualClock) After(d time.Duration) <-chan time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()

	ch := make(chan time.Time, 1)
	deadline := v.current.Add(d)
	if !deadline.After(v.current) {
		ch <- v.current
		close(ch)
		return ch
	}
	v.timers = append(v.timers, &virtualTimer{deadline: deadline, ch: ch})
	return ch
}

func (v *VirtualClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-v.After(d):
		return nil
	}
}

// AdvanceTo moves the clock forward to target and fires every timer whose
// deadline has been reached. Moving backward is a no-op.
func (v *VirtualClock) AdvanceTo(target time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !target.After(v.current) {
		return
	}
	v.current = target
	v.fireLocked()
}

// AdvanceBy moves the clock forward by d. Non-positive d is a no-op.
func (v *VirtualClock) AdvanceBy(d time.Duration) {
	if d <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.current = v.current.Add(d)
	v.fireLocked()
}

// PendingTimers reports how many timers have not fired yet.
func (v *VirtualClock) PendingTimers() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.timers)
}

func (v *VirtualClock) fireLocked() {
	remaining := v.timers[:0]
	for _, t := range v.timers {
		if t.deadline.After(v.current) {
			remaining = append(remaining, t)
			continue
		}
		t.ch <- v.current
		close(t.ch)
	}
	v.timers = remaining
}
