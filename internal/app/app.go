package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"taskd/internal/config"
	"taskd/internal/cron"
	"taskd/internal/eventbus"
	"taskd/internal/observability/debugsrv"
	"taskd/internal/record"
	"taskd/internal/source"
	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/task/executor"
	"taskd/internal/task/scheduler"
	logx "taskd/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	exec  *executor.Service
	rec   *record.Recorder
	sched *scheduler.Service
	dbg   *debugsrv.Service

	sources []source.Source

	// tasks is the declared task set keyed by id, refreshed on reload.
	mu    sync.Mutex
	tasks map[string]task.Task
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// A disabled storage driver leaves store nil; history then lives only
	// in the executor's in-memory ring.
	var store storage.Store
	sc, persist, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if persist {
		store, err = storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	execCfg, err := mapExecutorConfig(cfg)
	if err != nil {
		return nil, err
	}
	execSvc := executor.New(execCfg, cron.New(), nil, log.With(logx.String("comp", "executor")), bus)

	rec := record.New(execSvc, store, log.With(logx.String("comp", "record")))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	// Scheduled firings go through the recorder so every run is persisted.
	schedSvc := scheduler.New(schedCfg, rec, cron.New(), nil, log.With(logx.String("comp", "scheduler")), bus)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		exec:    execSvc,
		rec:     rec,
		sched:   schedSvc,
		tasks:   map[string]task.Task{},
	}
	a.setTasks(cfg.Tasks)

	// Event sources (optional)
	if nc, ok := mapNATSConfig(cfg); ok {
		a.sources = append(a.sources, source.NewNATS(nc, rec, log.With(logx.String("comp", "source.nats"))))
	}
	wc, ok, err := mapWatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	if ok {
		a.sources = append(a.sources, source.NewWatch(wc, rec, log.With(logx.String("comp", "source.watch"))))
	}
	a.pushTasksToSources()

	// Diagnostics endpoint (optional); the app itself is its engine view.
	a.dbg = debugsrv.New(mapDebugConfig(cfg), a, log.With(logx.String("comp", "debug")))

	return a, nil
}

// Tasks returns the declared task set sorted by id.
func (a *App) Tasks() []task.Task { return a.taskList() }

// Running reports the in-flight runs keyed by task id.
func (a *App) Running() map[string]executor.RunStatus { return a.exec.ListRunning() }

// Scheduled reports the registered schedules.
func (a *App) Scheduled() []scheduler.ScheduleInfo { return a.sched.ListScheduled() }

// History returns persisted runs, most recent first.
func (a *App) History(ctx context.Context, taskID string, limit int) ([]storage.TaskRecord, error) {
	return a.rec.History(ctx, taskID, limit)
}

// Stats aggregates the persisted history of one task, or of all tasks when
// taskID is empty.
func (a *App) Stats(ctx context.Context, taskID string) (record.Summary, error) {
	return a.rec.Stats(ctx, taskID)
}

// Done is closed once the run context ends, whether by Stop or by a fatal
// component error. Before Start it reports an already-closed channel.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err reports the first fatal component error, if there was one.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		// Mapping-level checks so a bad reload is rejected before apply.
		if _, err := mapExecutorConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapWatchConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	// Register declared schedules before the sources start firing events.
	if a.sched.Enabled() {
		a.scheduleDeclared()
	}

	for _, src := range a.sources {
		src := src
		a.sup.GoRestart(src.Name(), func(c context.Context) error {
			return src.Run(c)
		}, WithRestartBackoff(time.Second, 30*time.Second))
	}

	if a.dbg.Enabled() {
		a.dbg.Start(a.sup.Context())
	}

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			a.logEvents(c, events)
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("tasks", len(a.taskList())),
		logx.Int("sources", len(a.sources)),
		logx.Bool("scheduler", a.sched.Enabled()))
	return nil
}

// logEvents mirrors bus traffic into the debug log until c ends. Components
// that need events subscribe on their own; this is purely for operators.
func (a *App) logEvents(c context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			// Debug-level: busy schedules fire often.
			a.log.Debug("event",
				logx.String("topic", e.Topic),
				logx.String("task_id", e.TaskID),
				logx.Time("at", e.At))
		}
	}
}

// reloadLoop applies each published config until c ends, coalescing bursts
// so only the newest one is applied.
func (a *App) reloadLoop(c context.Context, sub <-chan *Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			next = drainNewest(sub, next)
			a.applyReload(c, last, next)
			last = next
		}
	}
}

// drainNewest empties sub without blocking and returns the newest config seen.
func drainNewest(sub <-chan *Config, cur *Config) *Config {
	for {
		select {
		case next := <-sub:
			if next != nil {
				cur = next
			}
		default:
			return cur
		}
	}
}

// applyReload pushes one validated config into the live components. Sections
// that only bind at construction (storage, sources) get a restart warning
// instead.
func (a *App) applyReload(c context.Context, prev, next *Config) {
	sections, attrs, taskDiff := SummarizeConfigChange(prev, next)
	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Debug("config change summary", fields...)
	} else {
		a.log.Debug("config reload carried no effective changes")
	}
	for _, s := range sections {
		if s == "storage" || s == "sources" {
			a.log.Warn("config section requires restart to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(next))

	if execCfg, err := mapExecutorConfig(next); err != nil {
		a.log.Warn("invalid executor config; keeping previous", logx.Err(err))
	} else {
		a.exec.Apply(execCfg)
	}

	// Scheduler settings first, then reconcile the schedule registrations
	// against the (possibly changed) task set.
	prevEnabled := a.sched.Enabled()
	if schedCfg, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(schedCfg)
	}
	nowEnabled := a.sched.Enabled()

	a.setTasks(next.Tasks)
	switch {
	case prevEnabled && !nowEnabled:
		a.log.Info("scheduler disabled via config")
		a.unscheduleAll()
	case !prevEnabled && nowEnabled:
		a.log.Info("scheduler enabled via config")
		a.scheduleDeclared()
	case nowEnabled && !taskDiff.Empty():
		a.applyTaskDiff(taskDiff)
	}
	if !taskDiff.Empty() {
		a.pushTasksToSources()
	}

	a.dbg.Reconfigure(c, mapDebugConfig(next))

	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so every background loop starts unwinding
	// while the ordered teardown below proceeds.
	a.sup.Cancel()

	// Stop order: schedules stop firing first, then in-flight runs are
	// cancelled, then the store closes, then background loops are reaped.
	a.stopStep(ctx, "scheduler", 2*time.Second, a.sched.Stop)
	a.stopStep(ctx, "executor", 2*time.Second, a.exec.StopAll)
	a.stopStep(ctx, "debug", time.Second, func(c context.Context) error { a.dbg.Stop(c); return nil })
	a.stopStep(ctx, "storage", time.Second, func(context.Context) error { return a.closeStore() })
	a.stopStep(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	if c := a.sup.Counters(); c.Active > 0 {
		a.log.Warn("goroutines still active at shutdown", logx.Int("active", int(c.Active)))
	}
	if a.bus != nil {
		if n := a.bus.Dropped(); n > 0 {
			a.log.Debug("events dropped during run", logx.Int("count", int(n)))
		}
		a.bus.Close()
	}

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// stopStep runs one shutdown step with an upper bound so a single component
// cannot stall the whole stop. A step that overruns is left to finish in the
// background and logged when it does.
func (a *App) stopStep(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	begin := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx, cancel := stepContext(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("stop step %s panicked: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		a.logStepEnd(name, begin, err, false)
	case <-stepCtx.Done():
		// fn is expected to honor stepCtx; an overrun is a leak signal.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(begin)))
		go func() { a.logStepEnd(name, begin, <-done, true) }()
	}
}

// stepContext caps ctx at limit without ever extending the caller's own
// deadline.
func stepContext(ctx context.Context, limit time.Duration) (context.Context, context.CancelFunc) {
	if limit <= 0 {
		return ctx, func() {}
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) <= limit {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, limit)
}

func (a *App) logStepEnd(name string, begin time.Time, err error, late bool) {
	took := time.Since(begin)
	fields := []logx.Field{logx.String("name", name), logx.Duration("took", took)}
	switch {
	case late && err != nil:
		a.log.Warn("stop step finished after deadline", append(fields, logx.Err(err))...)
	case late:
		a.log.Info("stop step finished after deadline", fields...)
	case err != nil:
		a.log.Warn("stop step error", append(fields, logx.Err(err))...)
	case took >= 500*time.Millisecond:
		a.log.Info("stop step end", fields...)
	default:
		a.log.Debug("stop step end", fields...)
	}
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

// ---- declared task set ----

func (a *App) setTasks(tcs []config.TaskConfig) {
	m := make(map[string]task.Task, len(tcs))
	for _, tc := range tcs {
		t := config.TaskFromConfig(tc)
		if t.ID == "" {
			continue
		}
		m[t.ID] = t
	}
	a.mu.Lock()
	a.tasks = m
	a.mu.Unlock()
}

func (a *App) taskByID(id string) (task.Task, bool) {
	a.mu.Lock()
	t, ok := a.tasks[id]
	a.mu.Unlock()
	return t, ok
}

func (a *App) taskList() []task.Task {
	a.mu.Lock()
	out := make([]task.Task, 0, len(a.tasks))
	for _, t := range a.tasks {
		out = append(out, t)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (a *App) pushTasksToSources() {
	ts := a.taskList()
	for _, src := range a.sources {
		src.SetTasks(ts)
	}
}

// scheduleDeclared registers every declared scheduled task. A task that
// fails to register is logged and skipped; the rest still start.
func (a *App) scheduleDeclared() {
	for _, t := range a.taskList() {
		if t.Trigger != task.TriggerScheduled {
			continue
		}
		if err := a.sched.Schedule(t); err != nil {
			a.log.Warn("declared task not scheduled", logx.String("id", t.ID), logx.Err(err))
		}
	}
}

func (a *App) unscheduleAll() {
	for _, info := range a.sched.ListScheduled() {
		a.sched.Unschedule(info.ID)
	}
}

// applyTaskDiff reconciles schedule registrations after a task-set change.
func (a *App) applyTaskDiff(d config.TaskDiff) {
	for _, id := range d.Removed {
		a.sched.Unschedule(id)
	}
	for _, id := range append(append([]string{}, d.Added...), d.Changed...) {
		t, ok := a.taskByID(id)
		if !ok {
			continue
		}
		if t.Trigger != task.TriggerScheduled {
			// The trigger may have moved away from cron; drop any stale loop.
			a.sched.Unschedule(id)
			continue
		}
		if err := a.sched.Schedule(t); err != nil {
			a.log.Warn("task not rescheduled", logx.String("id", id), logx.Err(err))
		}
	}
}

// ---- config mapping ----

func mapLoggingConfig(cfg *Config) logx.Config {
	if cfg == nil {
		return logx.Config{Console: true}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapExecutorConfig(cfg *Config) (executor.Config, error) {
	if cfg == nil {
		return executor.Config{}, nil
	}
	timeout, err := parseDuration("executor.default_timeout", cfg.Executor.DefaultTimeout, 30*time.Minute)
	if err != nil {
		return executor.Config{}, err
	}
	size := cfg.Executor.HistorySize
	if size <= 0 {
		size = 100
	}
	return executor.Config{
		DefaultTimeout: timeout,
		HistorySize:    size,
	}, nil
}

func mapSchedulerConfig(cfg *Config) (scheduler.Config, error) {
	if cfg == nil {
		return scheduler.Config{}, nil
	}
	overlap, err := scheduler.ParseOverlapPolicy(cfg.Scheduler.OverlapPolicy)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("scheduler.overlap_policy: %w", err)
	}
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
		Overlap:  overlap,
	}, nil
}

func mapNATSConfig(cfg *Config) (source.NATSConfig, bool) {
	if cfg == nil || cfg.Sources == nil || cfg.Sources.NATS == nil || !cfg.Sources.NATS.Enabled {
		return source.NATSConfig{}, false
	}
	n := cfg.Sources.NATS
	return source.NATSConfig{
		URL:        strings.TrimSpace(n.URL),
		Subject:    strings.TrimSpace(n.Subject),
		RatePerSec: n.RatePerSec,
		Burst:      n.Burst,
	}, true
}

func mapDebugConfig(cfg *Config) debugsrv.Config {
	if cfg == nil || cfg.Debug == nil {
		return debugsrv.Config{}
	}
	d := cfg.Debug
	return debugsrv.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
	}
}

func mapWatchConfig(cfg *Config) (source.WatchConfig, bool, error) {
	if cfg == nil || cfg.Sources == nil || cfg.Sources.Watch == nil || !cfg.Sources.Watch.Enabled {
		return source.WatchConfig{}, false, nil
	}
	w := cfg.Sources.Watch
	debounce, err := parseDuration("sources.watch.debounce", w.Debounce, 500*time.Millisecond)
	if err != nil {
		return source.WatchConfig{}, false, err
	}
	paths := make([]string, 0, len(w.Paths))
	for _, p := range w.Paths {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return source.WatchConfig{
		Paths:      paths,
		Debounce:   debounce,
		RatePerSec: w.RatePerSec,
		Burst:      w.Burst,
	}, true, nil
}
