package source

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"taskd/internal/task"
	"taskd/internal/task/executor"
	logx "taskd/pkg/logx"
)

// Watch fires the declared file_system tasks when anything under the watched
// paths changes. Bursts of filesystem events are coalesced into a single
// firing per debounce window.
type Watch struct {
	mu    sync.Mutex
	tasks []task.Task

	cfg     WatchConfig
	log     logx.Logger
	exec    Runner
	limiter *rate.Limiter

	wg sync.WaitGroup
}

func NewWatch(cfg WatchConfig, exec Runner, log logx.Logger) *Watch {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watch{
		cfg:     cfg,
		log:     log,
		exec:    exec,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
	}
}

func (s *Watch) Name() string { return "source.watch" }

// SetTasks keeps the event-triggered tasks whose source is the filesystem.
// An empty source counts: it defaults to file_system downstream.
func (s *Watch) SetTasks(tasks []task.Task) {
	kept := make([]task.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Trigger != task.TriggerEvent || t.ID == "" {
			continue
		}
		src := strings.TrimSpace(t.Source)
		if src == "" || src == "file_system" {
			kept = append(kept, t)
		}
	}
	s.mu.Lock()
	s.tasks = kept
	s.mu.Unlock()
}

func (s *Watch) eventTasks() []task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]task.Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// Run watches the configured paths until ctx is done. Any watcher breakage
// is returned so the supervisor can recreate the source with backoff.
func (s *Watch) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	for _, p := range s.cfg.Paths {
		if err := w.Add(p); err != nil {
			return err
		}
	}
	s.log.Info("file watch started",
		logx.Int("paths", len(s.cfg.Paths)),
		logx.Duration("debounce", s.cfg.Debounce))

	// One pending timer coalesces event bursts; it is re-armed on every
	// event and fires once per quiet window.
	var (
		pending *time.Timer
		fireC   <-chan time.Time
		seen    int
	)
	arm := func() {
		seen++
		if pending == nil {
			pending = time.NewTimer(s.cfg.Debounce)
			fireC = pending.C
			return
		}
		if !pending.Stop() {
			select {
			case <-pending.C:
			default:
			}
		}
		pending.Reset(s.cfg.Debounce)
	}
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.log.Info("file watch stopped")
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watch events channel closed")
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			s.log.Debug("filesystem change", logx.String("path", ev.Name), logx.String("op", ev.Op.String()))
			arm()

		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watch errors channel closed")
			}
			if err != nil {
				return err
			}

		case <-fireC:
			pending, fireC = nil, nil
			n := seen
			seen = 0
			if !s.limiter.Allow() {
				s.log.Debug("filesystem firing rate limited", logx.Int("events", n))
				continue
			}
			tasks := s.eventTasks()
			if len(tasks) == 0 {
				s.log.Debug("filesystem change with no file_system tasks declared", logx.Int("events", n))
				continue
			}
			s.log.Debug("filesystem firing", logx.Int("events", n), logx.Int("tasks", len(tasks)))
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				for _, t := range tasks {
					s.fire(ctx, t)
				}
			}()
		}
	}
}

func (s *Watch) fire(ctx context.Context, t task.Task) {
	res, err := s.exec.Execute(ctx, t)
	switch {
	case err == nil:
		if !res.Success {
			s.log.Warn("file_system task failed",
				logx.String("task_id", t.ID), logx.String("err", res.Error))
		}
	case errors.Is(err, executor.ErrTaskAlreadyRunning):
		s.log.Debug("file_system task already running; skipped", logx.String("task_id", t.ID))
	case errors.Is(err, executor.ErrStopped):
		s.log.Debug("file_system firing dropped; executor stopped", logx.String("task_id", t.ID))
	default:
		s.log.Warn("file_system task rejected", logx.String("task_id", t.ID), logx.Err(err))
	}
}
