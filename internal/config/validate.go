package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"taskd/internal/cron"
	"taskd/internal/task"
)

var knownLogLevels = map[string]bool{
	"": true, "trace": true, "debug": true, "info": true,
	"warn": true, "warning": true, "error": true,
}

var knownStorageDrivers = map[string]bool{
	"file": true, "sqlite": true, "sqlite3": true,
	"postgres": true, "postgresql": true,
}

var knownOverlapPolicies = map[string]bool{
	"": true, "log": true, "skip": true, "queue": true,
}

// Validate checks cfg semantically: durations parse, enums are known, task
// declarations pass admission. It reports the first problem found so a bad
// reload is rejected as a whole.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	if !knownLogLevels[strings.ToLower(strings.TrimSpace(cfg.Logging.Level))] {
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}

	if _, err := ParseDuration("executor.default_timeout", cfg.Executor.DefaultTimeout, 0); err != nil {
		return err
	}
	if cfg.Executor.HistorySize < 0 {
		return errors.New("executor.history_size: must be >= 0")
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	policy := strings.ToLower(strings.TrimSpace(cfg.Scheduler.OverlapPolicy))
	if !knownOverlapPolicies[policy] {
		return fmt.Errorf("scheduler.overlap_policy: unknown policy %q (want log, skip or queue)", cfg.Scheduler.OverlapPolicy)
	}

	if err := validateStorage(cfg.Storage); err != nil {
		return err
	}
	if err := validateSources(cfg.Sources); err != nil {
		return err
	}
	if err := validateDebug(cfg.Debug); err != nil {
		return err
	}
	return validateTasks(cfg.Tasks)
}

func validateStorage(sc *StorageConfig) error {
	if sc == nil {
		return nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return nil
	}
	if !knownStorageDrivers[driver] {
		return fmt.Errorf("storage.driver: unknown driver %q", sc.Driver)
	}
	switch driver {
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			return fmt.Errorf("storage.path: required for driver %q", driver)
		}
	default:
		if strings.TrimSpace(sc.DSN) == "" {
			return fmt.Errorf("storage.dsn: required for driver %q", driver)
		}
	}
	if _, err := ParseDuration("storage.busy_timeout", sc.BusyTimeout, 0); err != nil {
		return err
	}
	return nil
}

func validateSources(sc *SourcesConfig) error {
	if sc == nil {
		return nil
	}
	if n := sc.NATS; n != nil {
		if n.RatePerSec < 0 {
			return errors.New("sources.nats.rate_per_sec: must be >= 0")
		}
		if n.Burst < 0 {
			return errors.New("sources.nats.burst: must be >= 0")
		}
	}
	if w := sc.Watch; w != nil {
		if w.Enabled && len(w.Paths) == 0 {
			return errors.New("sources.watch.paths: at least one path required when enabled")
		}
		for i, p := range w.Paths {
			if strings.TrimSpace(p) == "" {
				return fmt.Errorf("sources.watch.paths[%d]: empty path", i)
			}
		}
		if _, err := ParseDuration("sources.watch.debounce", w.Debounce, 0); err != nil {
			return err
		}
		if w.RatePerSec < 0 {
			return errors.New("sources.watch.rate_per_sec: must be >= 0")
		}
		if w.Burst < 0 {
			return errors.New("sources.watch.burst: must be >= 0")
		}
	}
	return nil
}

func validateDebug(dc *DebugConfig) error {
	if dc == nil || !dc.Enabled {
		return nil
	}
	if addr := strings.TrimSpace(dc.Addr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("debug.addr: %w", err)
		}
	}
	return nil
}

func validateTasks(tasks []TaskConfig) error {
	v := task.NewValidator(cron.New())
	seen := make(map[string]bool, len(tasks))
	for i, tc := range tasks {
		id := strings.TrimSpace(tc.ID)
		if id == "" {
			return fmt.Errorf("tasks[%d].id: required", i)
		}
		if seen[id] {
			return fmt.Errorf("tasks[%d].id: duplicate id %q", i, id)
		}
		seen[id] = true

		trigger, ok := task.ParseTriggerMethod(tc.Trigger)
		if !ok {
			return fmt.Errorf("tasks[%d] (%s): invalid trigger method: %s", i, id, tc.Trigger)
		}
		if ok, reason := v.ValidateTask(tc.Name, trigger, tc.Port, tc.Cron); !ok {
			return fmt.Errorf("tasks[%d] (%s): %s", i, id, reason)
		}
	}
	return nil
}

// TaskFromConfig converts a declaration into the engine's task descriptor.
func TaskFromConfig(tc TaskConfig) task.Task {
	trigger, _ := task.ParseTriggerMethod(tc.Trigger)
	return task.Task{
		ID:       strings.TrimSpace(tc.ID),
		Name:     strings.TrimSpace(tc.Name),
		Trigger:  trigger,
		Port:     tc.Port,
		CronExpr: strings.TrimSpace(tc.Cron),
		Source:   strings.TrimSpace(tc.Source),
	}
}
