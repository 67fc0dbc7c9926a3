package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"

	"taskd/internal/cron"
	"taskd/internal/eventbus"
	"taskd/internal/task"
	"taskd/pkg/clock"
	logx "taskd/pkg/logx"
)

type Service struct {
	mu      sync.Mutex
	cfg     Config
	running map[string]*runHandle
	runners map[task.TriggerMethod]Runner
	stopped bool

	hmu     sync.Mutex
	history []HistoryItem

	totalRuns      atomic.Uint64
	totalFailures  atomic.Uint64
	totalCancelled atomic.Uint64

	log  logx.Logger
	bus  eventbus.Bus
	clk  clock.Clock
	eval cron.Evaluator
	val  task.Validator
}

// runHandle represents one in-flight run. cancelled is guarded by
// Service.mu; done closes after the handle has left the running map.
type runHandle struct {
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled bool
}

func New(cfg Config, eval cron.Evaluator, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	s := &Service{
		cfg:     cfg,
		running: make(map[string]*runHandle),
		log:     log,
		bus:     bus,
		clk:     clk,
		eval:    eval,
		val:     task.NewValidator(eval),
	}
	s.runners = s.builtinRunners()
	return s
}

// Apply swaps execution settings. In-flight runs keep the timeout they
// started with; the history ring adopts the new cap on its next append.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Register installs the body for a trigger method, replacing the built-in
// placeholder. A nil runner removes the method; Execute then fails with
// ErrUnknownTrigger for it.
func (s *Service) Register(m task.TriggerMethod, r Runner) error {
	if !m.Known() {
		return fmt.Errorf("%w: %s", ErrUnknownTrigger, m)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r == nil {
		delete(s.runners, m)
		return nil
	}
	s.runners[m] = r
	return nil
}

// Execute runs t to completion and returns its result.
//
// The returned error is non-nil only for contract failures: the task failed
// admission, a run is already in flight for its id, no runner is registered
// for its trigger, or the executor is stopped. Body failures and
// cancellation are reported inside the ExecutionResult.
func (s *Service) Execute(ctx context.Context, t task.Task) (task.ExecutionResult, error) {
	if ok, reason := s.val.ValidateTask(t.Name, t.Trigger, t.Port, t.CronExpr); !ok {
		return task.ExecutionResult{}, fmt.Errorf("%w: %s", ErrInvalidTask, reason)
	}
	if strings.TrimSpace(t.ID) == "" {
		return task.ExecutionResult{}, fmt.Errorf("%w: task id is required", ErrInvalidTask)
	}

	// Check-and-install must be atomic or two racing Executes could both
	// pass the running check.
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return task.ExecutionResult{}, ErrStopped
	}
	runner := s.runners[t.Trigger]
	if runner == nil {
		s.mu.Unlock()
		return task.ExecutionResult{}, fmt.Errorf("%w: %s", ErrUnknownTrigger, t.Trigger)
	}
	if _, exists := s.running[t.ID]; exists {
		s.mu.Unlock()
		return task.ExecutionResult{}, fmt.Errorf("%w: %s", ErrTaskAlreadyRunning, t.ID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	h := &runHandle{cancel: cancel, done: make(chan struct{})}
	s.running[t.ID] = h
	timeout := s.cfg.DefaultTimeout
	s.mu.Unlock()

	if timeout > 0 {
		var tcancel context.CancelFunc
		runCtx, tcancel = context.WithTimeout(runCtx, timeout)
		defer tcancel()
	}

	// The handle must leave the map on every exit path; a leaked handle
	// would block that task id forever. done closes only after removal so
	// waiters observe an idle executor.
	defer func() {
		s.mu.Lock()
		if s.running[t.ID] == h {
			delete(s.running, t.ID)
		}
		s.mu.Unlock()
		cancel()
		close(h.done)
	}()

	s.log.Info("task started",
		logx.String("task_id", t.ID),
		logx.String("task", t.Name),
		logx.String("trigger", string(t.Trigger)))
	s.publish(eventbus.TopicTaskStarted, t, "")

	start := s.clk.Now()
	payload, err := s.runBody(runCtx, runner, t)
	end := s.clk.Now()

	res := task.ExecutionResult{
		StartTime:       start,
		EndTime:         end,
		DurationSeconds: end.Sub(start).Seconds(),
	}
	s.totalRuns.Add(1)

	switch {
	case err == nil:
		res.Success = true
		res.Payload = payload
		s.log.Info("task finished",
			logx.String("task_id", t.ID),
			logx.String("task", t.Name),
			logx.Duration("took", end.Sub(start)))
		s.publish(eventbus.TopicTaskFinished, t, "")
	case errors.Is(err, context.Canceled):
		res.Cancelled = true
		res.Error = "task was cancelled"
		s.totalCancelled.Add(1)
		s.log.Info("task cancelled",
			logx.String("task_id", t.ID),
			logx.String("task", t.Name))
		s.publish(eventbus.TopicTaskCancelled, t, res.Error)
	default:
		res.Error = err.Error()
		s.totalFailures.Add(1)
		s.log.Warn("task failed",
			logx.String("task_id", t.ID),
			logx.String("task", t.Name),
			logx.Err(err))
		s.publish(eventbus.TopicTaskFailed, t, res.Error)
	}

	s.appendHistory(HistoryItem{
		TaskID:    t.ID,
		TaskName:  t.Name,
		Trigger:   t.Trigger,
		Started:   start,
		Duration:  end.Sub(start),
		Success:   res.Success,
		Cancelled: res.Cancelled,
		Error:     res.Error,
	})
	return res, nil
}

// runBody isolates the runner: a panicking body becomes a failed run, never
// a crashed process.
func (s *Service) runBody(ctx context.Context, run Runner, t task.Task) (payload task.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked",
				logx.String("task", t.Name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			payload = nil
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return run(ctx, t)
}

// Stop requests cancellation of the running task and waits until the run
// has exited. A task with no run in flight is (false, nil), not an error.
func (s *Service) Stop(ctx context.Context, taskID string) (bool, error) {
	s.mu.Lock()
	h, ok := s.running[taskID]
	if !ok {
		s.mu.Unlock()
		s.log.Debug("stop requested for idle task", logx.String("task_id", taskID))
		return false, nil
	}
	h.cancelled = true
	s.mu.Unlock()

	h.cancel()
	select {
	case <-h.done:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// AwaitIdle blocks until no run is in flight for taskID or ctx expires.
// Returns immediately when the task is idle.
func (s *Service) AwaitIdle(ctx context.Context, taskID string) error {
	for {
		s.mu.Lock()
		h, ok := s.running[taskID]
		s.mu.Unlock()
		if !ok {
			return nil
		}
		select {
		case <-h.done:
			// Re-check: a new run may have started meanwhile.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// StopAll cancels every in-flight run, waits (bounded by ctx) for them to
// exit and rejects new work afterwards.
func (s *Service) StopAll(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	handles := make([]*runHandle, 0, len(s.running))
	for _, h := range s.running {
		h.cancelled = true
		handles = append(handles, h)
	}
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
	return nil
}

// ListRunning snapshots in-flight runs. It reads handle metadata only and
// never blocks on the runs themselves.
func (s *Service) ListRunning() map[string]RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]RunStatus, len(s.running))
	for id, h := range s.running {
		out[id] = RunStatus{IsRunning: true, IsCancelled: h.cancelled}
	}
	return out
}

// History returns up to limit completed runs, most recent first.
// limit <= 0 returns everything retained.
func (s *Service) History(limit int) []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	n := len(s.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]HistoryItem, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.history[i])
	}
	return out
}

// Snapshot is a diagnostics view for operators.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := len(s.running)
	cfg := s.cfg
	s.mu.Unlock()

	return Snapshot{
		Running:        running,
		DefaultTimeout: cfg.DefaultTimeout,
		HistorySize:    cfg.HistorySize,
		TotalRuns:      s.totalRuns.Load(),
		TotalFailures:  s.totalFailures.Load(),
		TotalCancelled: s.totalCancelled.Load(),
		History:        s.History(20),
	}
}

func (s *Service) appendHistory(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(topic string, t task.Task, errMsg string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Topic:    topic,
		TaskID:   t.ID,
		TaskName: t.Name,
		At:       s.clk.Now(),
		Err:      errMsg,
	})
}
