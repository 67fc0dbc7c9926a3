package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"taskd/internal/cron"
	"taskd/internal/eventbus"
	"taskd/internal/task"
	"taskd/internal/task/executor"
	"taskd/pkg/clock"
	logx "taskd/pkg/logx"
)

func New(cfg Config, exec Executor, eval cron.Evaluator, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		log:   log,
		bus:   bus,
		exec:  exec,
		eval:  eval,
		clk:   clk,
		loops: map[string]*loopHandle{},
	}
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps the config. Running loops pick up the new timezone on their
// next recompute and the new overlap policy on their next collision.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Schedule registers a loop for the task. A task already scheduled under
// the same id is replaced: the old loop is cancelled and has fully exited
// before the new one starts, so there is never more than one loop per id.
func (s *Service) Schedule(t task.Task) error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: task id is required", ErrNotSchedulable)
	}
	if t.Trigger != task.TriggerScheduled {
		return fmt.Errorf("%w: trigger is %q, want %q", ErrNotSchedulable, t.Trigger, task.TriggerScheduled)
	}
	if strings.TrimSpace(t.CronExpr) == "" {
		return fmt.Errorf("%w: cron expression is required", ErrNotSchedulable)
	}
	if !s.eval.Validate(t.CronExpr) {
		return fmt.Errorf("%w: cron expression %q is malformed", ErrNotSchedulable, t.CronExpr)
	}

	s.smu.Lock()
	defer s.smu.Unlock()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	old := s.loops[t.ID]
	delete(s.loops, t.ID)
	s.mu.Unlock()

	if old != nil {
		old.cancel()
		<-old.done
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &loopHandle{task: t, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		return ErrStopped
	}
	s.loops[t.ID] = h
	s.mu.Unlock()

	go s.run(ctx, h)

	s.log.Info("task scheduled",
		logx.String("id", t.ID),
		logx.String("name", t.Name),
		logx.String("cron", t.CronExpr),
		logx.String("schedule", s.eval.Describe(t.CronExpr)),
		logx.Bool("replaced", old != nil))
	s.publish(eventbus.TopicScheduleRegistered, t, "")
	return nil
}

// Unschedule cancels the loop for the task id. It reports whether a loop
// was registered. An in-flight execution is cancelled cooperatively; the
// loop drains in the background.
func (s *Service) Unschedule(taskID string) bool {
	taskID = strings.TrimSpace(taskID)
	s.mu.Lock()
	h, ok := s.loops[taskID]
	if ok {
		delete(s.loops, taskID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	s.log.Info("task unscheduled", logx.String("id", taskID), logx.String("name", h.task.Name))
	s.publish(eventbus.TopicScheduleRemoved, h.task, "")
	return true
}

// ListScheduled returns the registered schedules sorted by task id.
func (s *Service) ListScheduled() []ScheduleInfo {
	s.mu.Lock()
	out := make([]ScheduleInfo, 0, len(s.loops))
	for _, h := range s.loops {
		out = append(out, ScheduleInfo{
			ID:       h.task.ID,
			Name:     h.task.Name,
			CronExpr: h.task.CronExpr,
			Describe: s.eval.Describe(h.task.CronExpr),
			Next:     h.next,
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return Snapshot{
		Enabled:   cfg.Enabled,
		Timezone:  strings.TrimSpace(cfg.Timezone),
		Overlap:   cfg.Overlap,
		Schedules: s.ListScheduled(),
	}
}

// Stop cancels every loop and waits for them to exit, bounded by ctx.
// The service rejects new schedules afterwards.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	handles := make([]*loopHandle, 0, len(s.loops))
	for _, h := range s.loops {
		handles = append(handles, h)
	}
	s.loops = map[string]*loopHandle{}
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.log.Info("service stopped", logx.Int("loops", len(handles)), logx.Duration("took", time.Since(start)))
	return nil
}

// run is the per-task loop: recompute, sleep, fire, repeat.
func (s *Service) run(ctx context.Context, h *loopHandle) {
	defer close(h.done)
	defer s.release(h)

	t := h.task
	for {
		now := s.clk.Now().In(s.location())
		next, ok := s.eval.NextRunTime(t.CronExpr, now)
		if !ok {
			// Parseable expressions can still never match (e.g. Feb 30).
			s.log.Error("schedule has no upcoming run; loop stopped",
				logx.String("id", t.ID), logx.String("cron", t.CronExpr))
			s.publish(eventbus.TopicScheduleFatal, t, "cron expression yields no upcoming run")
			return
		}
		s.setNext(h, next)

		if err := s.clk.Sleep(ctx, next.Sub(now)); err != nil {
			return
		}
		// The sleep can lose the race against cancellation when both are
		// ready at once; a cancelled loop must never fire.
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, t)
		if ctx.Err() != nil {
			return
		}
	}
}

// fire hands one execution to the executor and resolves collisions.
func (s *Service) fire(ctx context.Context, t task.Task) {
	res, err := s.exec.Execute(ctx, t)
	switch {
	case err == nil:
		s.logResult(t, res)
	case errors.Is(err, executor.ErrTaskAlreadyRunning):
		s.handleOverlap(ctx, t)
	case errors.Is(err, executor.ErrStopped):
		s.log.Warn("executor stopped; dropping firing", logx.String("id", t.ID))
	default:
		s.log.Error("firing rejected", logx.String("id", t.ID), logx.Err(err))
	}
}

func (s *Service) handleOverlap(ctx context.Context, t task.Task) {
	switch s.overlap() {
	case OverlapSkip:
		s.log.Debug("previous run still active; firing skipped", logx.String("id", t.ID))
	case OverlapQueue:
		s.log.Debug("previous run still active; waiting for it", logx.String("id", t.ID))
		if err := s.exec.AwaitIdle(ctx, t.ID); err != nil {
			return
		}
		res, err := s.exec.Execute(ctx, t)
		switch {
		case err == nil:
			s.logResult(t, res)
		case errors.Is(err, executor.ErrTaskAlreadyRunning):
			// Someone else grabbed the slot between AwaitIdle and Execute.
			// One wait is enough; do not queue behind the queue.
			s.log.Warn("task busy again after wait; firing dropped", logx.String("id", t.ID))
		default:
			s.log.Error("queued firing rejected", logx.String("id", t.ID), logx.Err(err))
		}
	default:
		s.log.Warn("task is already running; firing dropped",
			logx.String("id", t.ID), logx.String("name", t.Name))
	}
}

func (s *Service) logResult(t task.Task, res task.ExecutionResult) {
	switch {
	case res.Cancelled:
		s.log.Debug("scheduled run cancelled", logx.String("id", t.ID))
	case res.Success:
		s.log.Debug("scheduled run finished",
			logx.String("id", t.ID), logx.Float64("duration_s", res.DurationSeconds))
	default:
		s.log.Warn("scheduled run failed",
			logx.String("id", t.ID), logx.String("err", res.Error))
	}
}

// release removes the handle from the loop map unless a replacement
// already took the slot.
func (s *Service) release(h *loopHandle) {
	s.mu.Lock()
	if cur, ok := s.loops[h.task.ID]; ok && cur == h {
		delete(s.loops, h.task.ID)
	}
	s.mu.Unlock()
}

func (s *Service) setNext(h *loopHandle, next time.Time) {
	s.mu.Lock()
	h.next = next
	s.mu.Unlock()
}

func (s *Service) overlap() OverlapPolicy {
	s.mu.Lock()
	p := s.cfg.Overlap
	s.mu.Unlock()
	return p
}

func (s *Service) location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	if s.loc != nil && s.locTZ == tz {
		return s.loc
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		loc = time.Local
	}
	s.loc = loc
	s.locTZ = tz
	return loc
}

func (s *Service) publish(topic string, t task.Task, errText string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Topic:    topic,
		TaskID:   t.ID,
		TaskName: t.Name,
		At:       s.clk.Now(),
		Err:      errText,
	})
}
