package source

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// captureRunner records every Execute call.
type captureRunner struct {
	mu    sync.Mutex
	calls []task.Task
	res   task.ExecutionResult
	err   error
}

func (c *captureRunner) Execute(_ context.Context, t task.Task) (task.ExecutionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, t)
	return c.res, c.err
}

func (c *captureRunner) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *captureRunner) last() (task.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.calls) == 0 {
		return task.Task{}, false
	}
	return c.calls[len(c.calls)-1], true
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func eventTask(id, name, src string) task.Task {
	return task.Task{ID: id, Name: name, Trigger: task.TriggerEvent, Source: src}
}

func TestNATSHandleFiresDeclaredTask(t *testing.T) {
	t.Parallel()

	run := &captureRunner{res: task.ExecutionResult{Success: true}}
	s := NewNATS(NATSConfig{RatePerSec: 100, Burst: 100}, run, logx.Nop())
	s.SetTasks([]task.Task{eventTask("ev1", "spool ingest", "file_system")})

	s.handle(context.Background(), []byte(`{"task_id":"ev1"}`))
	waitFor(t, func() bool { return run.count() == 1 }, "task never fired")

	got, _ := run.last()
	if got.ID != "ev1" || got.Source != "file_system" {
		t.Fatalf("fired task = %+v", got)
	}

	// A message source overrides the declared label.
	s.handle(context.Background(), []byte(`{"task_id":"ev1","source":"message_queue"}`))
	waitFor(t, func() bool { return run.count() == 2 }, "second firing never happened")
	got, _ = run.last()
	if got.Source != "message_queue" {
		t.Fatalf("source = %q, want message_queue", got.Source)
	}
}

func TestNATSHandleDropsBadMessages(t *testing.T) {
	t.Parallel()

	run := &captureRunner{res: task.ExecutionResult{Success: true}}
	s := NewNATS(NATSConfig{RatePerSec: 100, Burst: 100}, run, logx.Nop())
	s.SetTasks([]task.Task{eventTask("ev1", "spool ingest", "")})

	s.handle(context.Background(), []byte(`not json`))
	s.handle(context.Background(), []byte(`{}`))
	s.handle(context.Background(), []byte(`{"task_id":"   "}`))
	s.handle(context.Background(), []byte(`{"task_id":"nope"}`))

	time.Sleep(50 * time.Millisecond)
	if n := run.count(); n != 0 {
		t.Fatalf("bad messages fired %d tasks", n)
	}
}

func TestNATSHandleRateLimits(t *testing.T) {
	t.Parallel()

	run := &captureRunner{res: task.ExecutionResult{Success: true}}
	s := NewNATS(NATSConfig{RatePerSec: 1, Burst: 1}, run, logx.Nop())
	s.SetTasks([]task.Task{
		eventTask("ev1", "spool ingest", ""),
		eventTask("ev2", "queue drain", "message_queue"),
	})

	s.handle(context.Background(), []byte(`{"task_id":"ev1"}`))
	s.handle(context.Background(), []byte(`{"task_id":"ev2"}`))

	waitFor(t, func() bool { return run.count() == 1 }, "first firing never happened")
	time.Sleep(50 * time.Millisecond)
	if n := run.count(); n != 1 {
		t.Fatalf("limiter admitted %d firings, want 1", n)
	}
}

func TestNATSSetTasksKeepsOnlyEventTrigger(t *testing.T) {
	t.Parallel()

	run := &captureRunner{res: task.ExecutionResult{Success: true}}
	s := NewNATS(NATSConfig{RatePerSec: 100, Burst: 100}, run, logx.Nop())
	s.SetTasks([]task.Task{
		{ID: "m1", Name: "manual one", Trigger: task.TriggerManual},
		{ID: "s1", Name: "nightly", Trigger: task.TriggerScheduled, CronExpr: "0 2 * * *"},
		eventTask("ev1", "spool ingest", ""),
	})

	s.handle(context.Background(), []byte(`{"task_id":"m1"}`))
	s.handle(context.Background(), []byte(`{"task_id":"s1"}`))
	time.Sleep(50 * time.Millisecond)
	if n := run.count(); n != 0 {
		t.Fatalf("non-event tasks fired %d times", n)
	}

	s.handle(context.Background(), []byte(`{"task_id":"ev1"}`))
	waitFor(t, func() bool { return run.count() == 1 }, "event task never fired")
}

func TestWatchSetTasksKeepsFilesystemTasks(t *testing.T) {
	t.Parallel()

	s := NewWatch(WatchConfig{Paths: []string{"."}}, &captureRunner{}, logx.Nop())
	s.SetTasks([]task.Task{
		eventTask("fs1", "spool ingest", ""),
		eventTask("fs2", "config sync", "file_system"),
		eventTask("mq1", "queue drain", "message_queue"),
		{ID: "m1", Name: "manual one", Trigger: task.TriggerManual},
	})

	got := s.eventTasks()
	if len(got) != 2 {
		t.Fatalf("eventTasks = %d entries, want 2", len(got))
	}
	for _, tt := range got {
		if tt.ID != "fs1" && tt.ID != "fs2" {
			t.Fatalf("unexpected task kept: %+v", tt)
		}
	}
}

func TestWatchFiresOnFileChange(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	run := &captureRunner{res: task.ExecutionResult{Success: true}}
	s := NewWatch(WatchConfig{
		Paths:      []string{dir},
		Debounce:   20 * time.Millisecond,
		RatePerSec: 100,
		Burst:      100,
	}, run, logx.Nop())
	s.SetTasks([]task.Task{eventTask("fs1", "spool ingest", "file_system")})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Give the watcher a moment to register before producing events.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "drop.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	waitFor(t, func() bool { return run.count() == 1 }, "file change never fired the task")
	got, _ := run.last()
	if got.ID != "fs1" {
		t.Fatalf("fired task = %+v", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v on clean shutdown", err)
	}
}

func TestWatchCoalescesEventBursts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	run := &captureRunner{res: task.ExecutionResult{Success: true}}
	s := NewWatch(WatchConfig{
		Paths:      []string{dir},
		Debounce:   60 * time.Millisecond,
		RatePerSec: 100,
		Burst:      100,
	}, run, logx.Nop())
	s.SetTasks([]task.Task{eventTask("fs1", "spool ingest", "")})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 3; i++ {
		name := filepath.Join(dir, "burst"+string(rune('a'+i))+".txt")
		if err := os.WriteFile(name, []byte("x"), 0o644); err != nil {
			t.Fatalf("write file: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	waitFor(t, func() bool { return run.count() >= 1 }, "burst never fired")
	time.Sleep(150 * time.Millisecond)
	if n := run.count(); n != 1 {
		t.Fatalf("burst fired %d times, want 1", n)
	}

	cancel()
	<-done
}

func TestWatchRunFailsOnMissingPath(t *testing.T) {
	t.Parallel()

	s := NewWatch(WatchConfig{
		Paths: []string{filepath.Join(t.TempDir(), "absent")},
	}, &captureRunner{}, logx.Nop())

	if err := s.Run(context.Background()); err == nil {
		t.Fatal("Run succeeded with a missing watch path")
	}
}
