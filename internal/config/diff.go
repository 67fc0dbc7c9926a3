package config

import (
	"reflect"
	"sort"
	"strings"

	logx "taskd/pkg/logx"
)

// TaskDiff lists task ids whose declarations were added, removed or changed
// between two configs. The app uses it to reschedule only what moved.
type TaskDiff struct {
	Added   []string
	Removed []string
	Changed []string
}

func (d TaskDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// DiffTasks compares task declarations by id.
func DiffTasks(oldTasks, newTasks []TaskConfig) TaskDiff {
	oldByID := tasksByID(oldTasks)
	newByID := tasksByID(newTasks)

	var d TaskDiff
	for id, nt := range newByID {
		ot, ok := oldByID[id]
		if !ok {
			d.Added = append(d.Added, id)
			continue
		}
		if !reflect.DeepEqual(ot, nt) {
			d.Changed = append(d.Changed, id)
		}
	}
	for id := range oldByID {
		if _, ok := newByID[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}

func tasksByID(tasks []TaskConfig) map[string]TaskConfig {
	m := make(map[string]TaskConfig, len(tasks))
	for _, t := range tasks {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			continue
		}
		m[id] = t
	}
	return m
}

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like DSNs),
// and (3) the per-task diff.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, TaskDiff) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Executor
	if strings.TrimSpace(oldCfg.Executor.DefaultTimeout) != strings.TrimSpace(newCfg.Executor.DefaultTimeout) ||
		oldCfg.Executor.HistorySize != newCfg.Executor.HistorySize {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.String("executor.default_timeout", strings.TrimSpace(newCfg.Executor.DefaultTimeout)),
			logx.Int("executor.history_size", newCfg.Executor.HistorySize),
		)
	}

	// Scheduler
	if oldCfg.Scheduler.Enabled != newCfg.Scheduler.Enabled ||
		strings.TrimSpace(oldCfg.Scheduler.Timezone) != strings.TrimSpace(newCfg.Scheduler.Timezone) ||
		strings.TrimSpace(oldCfg.Scheduler.OverlapPolicy) != strings.TrimSpace(newCfg.Scheduler.OverlapPolicy) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.overlap_policy", strings.TrimSpace(newCfg.Scheduler.OverlapPolicy)),
		)
	}

	// Storage (never log the DSN)
	oldS, newS := oldCfg.Storage, newCfg.Storage
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet, oDSNSet, nDSNSet bool
	if oldS != nil {
		oDriver = strings.TrimSpace(oldS.Driver)
		oBusy = strings.TrimSpace(oldS.BusyTimeout)
		oPathSet = strings.TrimSpace(oldS.Path) != ""
		oDSNSet = strings.TrimSpace(oldS.DSN) != ""
	}
	if newS != nil {
		nDriver = strings.TrimSpace(newS.Driver)
		nBusy = strings.TrimSpace(newS.BusyTimeout)
		nPathSet = strings.TrimSpace(newS.Path) != ""
		nDSNSet = strings.TrimSpace(newS.DSN) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet || oDSNSet != nDSNSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.Bool("storage.dsn_set", nDSNSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	// Sources. Nil means all sources disabled.
	oSrc := derefSources(oldCfg.Sources)
	nSrc := derefSources(newCfg.Sources)
	if !reflect.DeepEqual(oSrc, nSrc) {
		changed = append(changed, "sources")
		attrs = append(attrs,
			logx.Bool("sources.nats_enabled", nSrc.NATS != nil && nSrc.NATS.Enabled),
			logx.Bool("sources.watch_enabled", nSrc.Watch != nil && nSrc.Watch.Enabled),
		)
		if nSrc.Watch != nil {
			attrs = append(attrs, logx.Int("sources.watch_paths", len(nSrc.Watch.Paths)))
		}
	}

	// Debug endpoint (never log the token)
	oDbg := derefDebug(oldCfg.Debug)
	nDbg := derefDebug(newCfg.Debug)
	if oDbg != nDbg {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", nDbg.Enabled),
			logx.String("debug.addr", strings.TrimSpace(nDbg.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(nDbg.Token) != ""),
		)
	}

	// Tasks (summarize only; ids at debug)
	taskDiff := DiffTasks(oldCfg.Tasks, newCfg.Tasks)
	if !taskDiff.Empty() {
		changed = append(changed, "tasks")
		attrs = append(attrs,
			logx.Int("tasks.added", len(taskDiff.Added)),
			logx.Int("tasks.removed", len(taskDiff.Removed)),
			logx.Int("tasks.changed", len(taskDiff.Changed)),
			logx.Int("tasks.total", len(newCfg.Tasks)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, taskDiff
}

func derefSources(sc *SourcesConfig) SourcesConfig {
	if sc == nil {
		return SourcesConfig{}
	}
	return *sc
}

func derefDebug(dc *DebugConfig) DebugConfig {
	if dc == nil {
		return DebugConfig{}
	}
	return *dc
}
