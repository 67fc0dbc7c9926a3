// Package task defines the task model shared by the executor, scheduler and
// admission validation.
package task

import (
	"strings"
	"time"
)

// TriggerMethod says how a task's execution is initiated.
type TriggerMethod string

const (
	// TriggerManual runs on demand.
	TriggerManual TriggerMethod = "manual"
	// TriggerScheduled runs on a cron schedule.
	TriggerScheduled TriggerMethod = "scheduled"
	// TriggerEvent runs when an external signal arrives.
	TriggerEvent TriggerMethod = "event"
)

// Known reports whether m is one of the three supported methods.
func (m TriggerMethod) Known() bool {
	switch m {
	case TriggerManual, TriggerScheduled, TriggerEvent:
		return true
	}
	return false
}

// ParseTriggerMethod normalizes a config/user string into a TriggerMethod.
func ParseTriggerMethod(s string) (TriggerMethod, bool) {
	m := TriggerMethod(strings.ToLower(strings.TrimSpace(s)))
	if !m.Known() {
		return "", false
	}
	return m, true
}

// Task is the read-only descriptor handed to the engine per operation.
// The surrounding system owns the authoritative task rows; the engine never
// stores Task values beyond the lifetime of a call.
type Task struct {
	ID      string
	Name    string
	Trigger TriggerMethod

	// Port is optional; nil means the task declares no port.
	Port *int

	// CronExpr is required (and must be valid) for scheduled tasks.
	CronExpr string

	// Source labels the external origin for event-triggered tasks.
	// Empty defaults to "file_system" in the event body.
	Source string
}

// Payload is trigger-specific result data. Opaque to the engine contract.
type Payload map[string]any

// ExecutionResult is the outcome of one task run.
type ExecutionResult struct {
	Success         bool
	StartTime       time.Time
	EndTime         time.Time
	DurationSeconds float64
	Payload         Payload

	// Error is set iff Success is false.
	Error string

	// Cancelled distinguishes a deliberate stop from an ordinary failure.
	Cancelled bool
}
