package source

import (
	"context"
	"time"

	"taskd/internal/task"
)

// Runner executes one task. Satisfied by the run recorder (and the bare
// executor in tests).
type Runner interface {
	Execute(ctx context.Context, t task.Task) (task.ExecutionResult, error)
}

// Source is a long-running producer of task firings.
type Source interface {
	// Name labels the source in logs and supervisor jobs.
	Name() string
	// Run blocks until ctx is done or the source breaks. A non-nil error
	// means the caller should restart the source.
	Run(ctx context.Context) error
	// SetTasks replaces the declared task set after a config reload.
	SetTasks(tasks []task.Task)
}

// NATSConfig configures the message source.
//
// Defaults (when fields are omitted/zero):
//   - url: nats.DefaultURL
//   - subject: "taskd.trigger"
//   - rate_per_sec: 5, burst: 10
type NATSConfig struct {
	URL        string
	Subject    string
	RatePerSec int
	Burst      int
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.Subject == "" {
		c.Subject = "taskd.trigger"
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	return c
}

// WatchConfig configures the filesystem source.
//
// Defaults (when fields are omitted/zero):
//   - debounce: 500ms
//   - rate_per_sec: 2, burst: 2
type WatchConfig struct {
	Paths      []string
	Debounce   time.Duration
	RatePerSec int
	Burst      int
}

func (c WatchConfig) withDefaults() WatchConfig {
	if c.Debounce <= 0 {
		c.Debounce = 500 * time.Millisecond
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 2
	}
	if c.Burst <= 0 {
		c.Burst = 2
	}
	return c
}

// TriggerMessage is the wire format accepted on the NATS subject.
// Source optionally overrides the task's declared event source label.
type TriggerMessage struct {
	TaskID string `json:"task_id"`
	Source string `json:"source,omitempty"`
}
