package executor

import (
	"context"
	"time"

	"taskd/internal/task"
)

// Runner is one trigger method's body. It produces the trigger-specific
// payload and must observe ctx so cancellation returns promptly; a runner
// that was cancelled reports it by returning ctx.Err().
type Runner func(ctx context.Context, t task.Task) (task.Payload, error)

// The built-in bodies are placeholders that simulate a unit of work.
// Deployments register real runners via Register.
const (
	manualWorkDuration    = 2 * time.Second
	scheduledWorkDuration = 3 * time.Second
	eventWorkDuration     = time.Second
)

func (s *Service) builtinRunners() map[task.TriggerMethod]Runner {
	return map[task.TriggerMethod]Runner{
		task.TriggerManual:    s.runManual,
		task.TriggerScheduled: s.runScheduled,
		task.TriggerEvent:     s.runEvent,
	}
}

func (s *Service) runManual(ctx context.Context, t task.Task) (task.Payload, error) {
	if err := s.clk.Sleep(ctx, manualWorkDuration); err != nil {
		return nil, err
	}
	return task.Payload{
		"task_type":       "manual",
		"processed_items": 100,
		"status":          "completed",
	}, nil
}

func (s *Service) runScheduled(ctx context.Context, t task.Task) (task.Payload, error) {
	if err := s.clk.Sleep(ctx, scheduledWorkDuration); err != nil {
		return nil, err
	}
	// Informational only; the scheduler owns the actual recurrence.
	var next any
	if t.CronExpr != "" {
		if nt, ok := s.eval.NextRunTime(t.CronExpr, s.clk.Now()); ok {
			next = nt.Format(time.RFC3339)
		}
	}
	return task.Payload{
		"task_type":       "scheduled",
		"next_run_time":   next,
		"processed_items": 200,
		"status":          "completed",
	}, nil
}

func (s *Service) runEvent(ctx context.Context, t task.Task) (task.Payload, error) {
	if err := s.clk.Sleep(ctx, eventWorkDuration); err != nil {
		return nil, err
	}
	source := t.Source
	if source == "" {
		source = "file_system"
	}
	return task.Payload{
		"task_type":        "event",
		"event_source":     source,
		"processed_events": 50,
		"status":           "completed",
	}, nil
}
