package scheduler

import "errors"

var (
	// ErrNotSchedulable marks tasks that cannot run on a schedule: wrong
	// trigger method, missing or malformed cron expression.
	ErrNotSchedulable = errors.New("scheduler: task cannot be scheduled")

	// ErrStopped is returned by Schedule after Stop.
	ErrStopped = errors.New("scheduler: service stopped")
)
