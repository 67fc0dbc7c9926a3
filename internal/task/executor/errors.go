package executor

import "errors"

var (
	// ErrTaskAlreadyRunning rejects Execute for a task id with a run still
	// in flight. The caller may retry after the current run finishes.
	ErrTaskAlreadyRunning = errors.New("task already running")

	// ErrInvalidTask rejects tasks that fail admission checks.
	ErrInvalidTask = errors.New("invalid task")

	// ErrUnknownTrigger rejects trigger methods with no registered runner.
	ErrUnknownTrigger = errors.New("unknown trigger method")

	// ErrStopped rejects new work after StopAll.
	ErrStopped = errors.New("task executor stopped")
)
