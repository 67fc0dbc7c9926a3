package source

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"taskd/internal/task"
	"taskd/internal/task/executor"
	logx "taskd/pkg/logx"
)

// NATS subscribes to a subject and fires the event-triggered task named in
// each message. Unknown tasks, malformed messages and over-rate messages are
// dropped with a log line; they never break the subscription.
type NATS struct {
	mu    sync.Mutex
	tasks map[string]task.Task

	cfg     NATSConfig
	log     logx.Logger
	exec    Runner
	limiter *rate.Limiter

	wg sync.WaitGroup
}

func NewNATS(cfg NATSConfig, exec Runner, log logx.Logger) *NATS {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &NATS{
		tasks:   make(map[string]task.Task),
		cfg:     cfg,
		log:     log,
		exec:    exec,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
	}
}

func (s *NATS) Name() string { return "source.nats" }

func (s *NATS) SetTasks(tasks []task.Task) {
	m := make(map[string]task.Task, len(tasks))
	for _, t := range tasks {
		if t.Trigger == task.TriggerEvent && t.ID != "" {
			m[t.ID] = t
		}
	}
	s.mu.Lock()
	s.tasks = m
	s.mu.Unlock()
}

func (s *NATS) lookup(id string) (task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// Run connects, subscribes and blocks until ctx is done. Connect and
// subscribe failures are returned so the supervisor can retry with backoff;
// once connected, the client reconnects on its own.
func (s *NATS) Run(ctx context.Context) error {
	url := strings.TrimSpace(s.cfg.URL)
	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := nats.Connect(url,
		nats.Name("taskd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return err
	}
	defer nc.Close()

	sub, err := nc.Subscribe(s.cfg.Subject, func(msg *nats.Msg) {
		s.handle(ctx, msg.Data)
	})
	if err != nil {
		return err
	}

	s.log.Info("nats source started",
		logx.String("url", nc.ConnectedUrlRedacted()),
		logx.String("subject", s.cfg.Subject))

	<-ctx.Done()

	_ = sub.Unsubscribe()
	s.wg.Wait()
	s.log.Info("nats source stopped", logx.String("subject", s.cfg.Subject))
	return nil
}

// handle is one message. Accepted firings run in their own goroutine so a
// slow task never stalls message delivery; the limiter bounds how many can
// be in flight.
func (s *NATS) handle(ctx context.Context, data []byte) {
	var tm TriggerMessage
	if err := json.Unmarshal(data, &tm); err != nil {
		s.log.Warn("trigger message malformed", logx.Err(err))
		return
	}
	id := strings.TrimSpace(tm.TaskID)
	if id == "" {
		s.log.Warn("trigger message without task_id")
		return
	}
	t, ok := s.lookup(id)
	if !ok {
		s.log.Warn("trigger for unknown task", logx.String("task_id", id))
		return
	}
	if src := strings.TrimSpace(tm.Source); src != "" {
		t.Source = src
	}
	if !s.limiter.Allow() {
		s.log.Debug("trigger rate limited", logx.String("task_id", id))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.fire(ctx, t)
	}()
}

func (s *NATS) fire(ctx context.Context, t task.Task) {
	res, err := s.exec.Execute(ctx, t)
	switch {
	case err == nil:
		if !res.Success {
			s.log.Warn("triggered task failed",
				logx.String("task_id", t.ID), logx.String("err", res.Error))
		}
	case errors.Is(err, executor.ErrTaskAlreadyRunning):
		s.log.Debug("triggered task already running; skipped", logx.String("task_id", t.ID))
	case errors.Is(err, executor.ErrStopped):
		s.log.Debug("trigger dropped; executor stopped", logx.String("task_id", t.ID))
	default:
		s.log.Warn("triggered task rejected", logx.String("task_id", t.ID), logx.Err(err))
	}
}
