package executor

import (
	"time"

	"taskd/internal/task"
)

// Config controls the task executor.
type Config struct {
	// DefaultTimeout bounds each run when > 0. 0 leaves runs unbounded
	// (cancellable only).
	DefaultTimeout time.Duration

	// HistorySize bounds the in-memory result history kept for diagnostics.
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.HistorySize <= 0 {
		c.HistorySize = 128
	}
	if c.DefaultTimeout < 0 {
		c.DefaultTimeout = 0
	}
	return c
}

// RunStatus is the observable state of one in-flight run.
type RunStatus struct {
	IsRunning   bool `json:"is_running"`
	IsCancelled bool `json:"is_cancelled"`
}

// HistoryItem is one completed run kept for operator visibility.
type HistoryItem struct {
	TaskID    string
	TaskName  string
	Trigger   task.TriggerMethod
	Started   time.Time
	Duration  time.Duration
	Success   bool
	Cancelled bool
	Error     string
}

// Snapshot is a point-in-time counter view, cheap enough to take on every
// poll.
type Snapshot struct {
	Running int

	DefaultTimeout time.Duration
	HistorySize    int

	TotalRuns      uint64
	TotalFailures  uint64
	TotalCancelled uint64

	History []HistoryItem
}
