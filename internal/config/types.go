package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Executor controls execution settings shared by all triggers.
	Executor ExecutorConfig `json:"executor"`

	// Scheduler controls cron trigger behavior.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Storage enables the optional run-history persistence layer.
	// Omitted means disabled (runs are kept only in the in-memory ring).
	Storage *StorageConfig `json:"storage,omitempty"`

	// Sources enables optional external event sources that fire
	// event-triggered tasks.
	Sources *SourcesConfig `json:"sources,omitempty"`

	// Debug enables the optional diagnostics HTTP endpoint (pprof plus
	// read-only task views). Omitted means disabled.
	Debug *DebugConfig `json:"debug,omitempty"`

	// Tasks declares the tasks known at startup. Scheduled ones are
	// registered with the scheduler; the rest run on demand.
	Tasks []TaskConfig `json:"tasks,omitempty"`
}

// ExecutorConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - default_timeout: "30m"
//   - history_size: 100
type ExecutorConfig struct {
	// DefaultTimeout bounds a single run. Use "0s" to disable.
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// SchedulerConfig controls the cron trigger service.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone resolves cron boundaries (IANA name, e.g. "Europe/Berlin").
	// Empty means the host's local zone.
	Timezone string `json:"timezone,omitempty"`

	// OverlapPolicy says what a cron firing does when the task is already
	// running: "log" (drop and warn, the default), "skip" (drop quietly)
	// or "queue" (wait for the running instance, then fire once).
	OverlapPolicy string `json:"overlap_policy,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./taskd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres connection string (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SourcesConfig groups the external event sources.
type SourcesConfig struct {
	NATS  *NATSSourceConfig  `json:"nats,omitempty"`
	Watch *WatchSourceConfig `json:"watch,omitempty"`
}

// NATSSourceConfig subscribes to a NATS subject and fires the
// event-triggered task named in each message.
type NATSSourceConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url,omitempty"`     // default: nats.DefaultURL
	Subject string `json:"subject,omitempty"` // default: "taskd.trigger"

	// RatePerSec/Burst bound how fast messages may fire tasks.
	// Zero keeps the defaults (5/s, burst 10).
	RatePerSec int `json:"rate_per_sec,omitempty"`
	Burst      int `json:"burst,omitempty"`
}

// WatchSourceConfig fires event-triggered tasks when files under the
// watched paths change.
type WatchSourceConfig struct {
	Enabled bool     `json:"enabled"`
	Paths   []string `json:"paths,omitempty"`

	// Debounce coalesces bursts of filesystem events (Go duration string,
	// default "500ms").
	Debounce string `json:"debounce,omitempty"`

	RatePerSec int `json:"rate_per_sec,omitempty"`
	Burst      int `json:"burst,omitempty"`
}

// DebugConfig controls the diagnostics HTTP server.
//
// The server refuses to bind a non-loopback address unless a token is set
// or allow_insecure is explicit.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
	Token   string `json:"token,omitempty"`
	// AllowInsecure permits a tokenless non-loopback bind.
	AllowInsecure bool `json:"allow_insecure,omitempty"`
}

// TaskConfig declares one task.
type TaskConfig struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Trigger string `json:"trigger"`

	// Port is optional; tasks that bind a port declare it here so admission
	// can reject reserved ones.
	Port *int `json:"port,omitempty"`

	// Cron is required for scheduled tasks (5-field expression).
	Cron string `json:"cron,omitempty"`

	// Source labels where event-triggered work comes from.
	Source string `json:"source,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
