package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// dateLayout is the calendar-day key used by CountsByDay, always UTC.
const dateLayout = "2006-01-02"

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSON Lines backend
//   - "sqlite": SQLite database file
//   - "postgres": PostgreSQL via DSN
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string        // file and sqlite drivers
	DSN         string        // postgres driver
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// TaskRecord is one finished execution.
// Keep it compact and schema-stable.
type TaskRecord struct {
	RunID           string    `json:"run_id"`
	TaskID          string    `json:"task_id"`
	TaskName        string    `json:"task_name"`
	Trigger         string    `json:"trigger_method"`
	Success         bool      `json:"success"`
	Cancelled       bool      `json:"cancelled"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	DurationSeconds float64   `json:"duration_seconds"`
	Payload         string    `json:"payload,omitempty"` // JSON-encoded runner payload
	Error           string    `json:"error,omitempty"`
}

func (r TaskRecord) day() string {
	return r.StartTime.UTC().Format(dateLayout)
}
