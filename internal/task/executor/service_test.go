package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskd/internal/cron"
	"taskd/internal/eventbus"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// instantClock completes sleeps immediately; Now is fixed.
type instantClock struct{ now time.Time }

func (c instantClock) Now() time.Time { return c.now }

func (c instantClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c instantClock) Sleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

var testNow = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	return New(cfg, cron.New(), instantClock{now: testNow}, logx.Nop(), nil)
}

func manualTask(id, name string) task.Task {
	return task.Task{ID: id, Name: name, Trigger: task.TriggerManual}
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

func TestExecuteRejectsInvalidTask(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	tests := []struct {
		name   string
		task   task.Task
		reason string
	}{
		{name: "name too short", task: manualTask("t1", "A"), reason: "at least 2 characters"},
		{name: "missing id", task: manualTask("", "Valid Name"), reason: "task id is required"},
		{name: "missing cron for scheduled", task: task.Task{ID: "t2", Name: "Valid Name", Trigger: task.TriggerScheduled}, reason: "cron expression"},
		{name: "unknown trigger", task: task.Task{ID: "t3", Name: "Valid Name", Trigger: task.TriggerMethod("weekly")}, reason: "invalid trigger method"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := s.Execute(context.Background(), tt.task)
			if !errors.Is(err, ErrInvalidTask) {
				t.Fatalf("Execute error = %v, want ErrInvalidTask", err)
			}
			if !strings.Contains(err.Error(), tt.reason) {
				t.Fatalf("Execute error %q does not mention %q", err, tt.reason)
			}
		})
	}
}

func TestExecuteSingleFlight(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	started := make(chan struct{})
	release := make(chan struct{})
	err := s.Register(task.TriggerManual, func(ctx context.Context, tk task.Task) (task.Payload, error) {
		close(started)
		<-release
		return task.Payload{"done": true}, nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	tk := manualTask("t1", "First Task")
	type outcome struct {
		res task.ExecutionResult
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := s.Execute(context.Background(), tk)
		first <- outcome{res, err}
	}()
	<-started

	if _, err := s.Execute(context.Background(), tk); !errors.Is(err, ErrTaskAlreadyRunning) {
		t.Fatalf("second Execute error = %v, want ErrTaskAlreadyRunning", err)
	}

	close(release)
	got := <-first
	if got.err != nil {
		t.Fatalf("first Execute error: %v", got.err)
	}
	if !got.res.Success {
		t.Fatalf("first run result altered by rejected second call: %+v", got.res)
	}
	if got.res.Payload["done"] != true {
		t.Fatalf("unexpected payload: %v", got.res.Payload)
	}
}

func TestExecuteSingleFlightStress(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})

	var inFlight, maxInFlight atomic.Int32
	release := make(chan struct{})
	err := s.Register(task.TriggerManual, func(ctx context.Context, tk task.Task) (task.Payload, error) {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			seen := maxInFlight.Load()
			if cur <= seen || maxInFlight.CompareAndSwap(seen, cur) {
				break
			}
		}
		<-release
		return task.Payload{}, nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	tk := manualTask("t1", "Stress Task")
	const callers = 16
	var wg sync.WaitGroup
	var rejected, succeeded atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Execute(context.Background(), tk)
			switch {
			case errors.Is(err, ErrTaskAlreadyRunning):
				rejected.Add(1)
			case err == nil && res.Success:
				succeeded.Add(1)
			default:
				t.Errorf("unexpected outcome: res=%+v err=%v", res, err)
			}
		}()
	}

	waitFor(t, func() bool { return len(s.ListRunning()) == 1 }, "no run started")
	close(release)
	wg.Wait()

	if got := maxInFlight.Load(); got != 1 {
		t.Fatalf("max concurrent runs = %d, want 1", got)
	}
	if got := rejected.Load() + succeeded.Load(); got != callers {
		t.Fatalf("accounted outcomes = %d, want %d", got, callers)
	}
	if succeeded.Load() == 0 {
		t.Fatal("no Execute call succeeded")
	}
}

func TestStopCancelsRunningTask(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	started := make(chan struct{})
	err := s.Register(task.TriggerManual, func(ctx context.Context, tk task.Task) (task.Payload, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	resCh := make(chan task.ExecutionResult, 1)
	go func() {
		res, _ := s.Execute(context.Background(), manualTask("t1", "Long Task"))
		resCh <- res
	}()
	<-started

	stopped, err := s.Stop(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if !stopped {
		t.Fatal("Stop = false, want true for a running task")
	}

	res := <-resCh
	if res.Success {
		t.Fatal("cancelled run reported success")
	}
	if !res.Cancelled {
		t.Fatalf("result not marked cancelled: %+v", res)
	}
	if res.Error != "task was cancelled" {
		t.Fatalf("Error = %q, want %q", res.Error, "task was cancelled")
	}
	if n := len(s.ListRunning()); n != 0 {
		t.Fatalf("ListRunning after stop has %d entries, want 0", n)
	}
}

func TestStopIdleTask(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	stopped, err := s.Stop(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if stopped {
		t.Fatal("Stop = true for an idle task, want false")
	}
}

func TestListRunningShowsCancellationFlag(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	started := make(chan struct{})
	release := make(chan struct{})
	err := s.Register(task.TriggerManual, func(ctx context.Context, tk task.Task) (task.Payload, error) {
		close(started)
		<-release
		return nil, ctx.Err()
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	go func() { _, _ = s.Execute(context.Background(), manualTask("t1", "Slow Task")) }()
	<-started

	if st := s.ListRunning()["t1"]; !st.IsRunning || st.IsCancelled {
		t.Fatalf("pre-stop status = %+v, want running and not cancelled", st)
	}

	stopDone := make(chan struct{})
	go func() {
		defer close(stopDone)
		_, _ = s.Stop(context.Background(), "t1")
	}()

	waitFor(t, func() bool {
		st, ok := s.ListRunning()["t1"]
		return ok && st.IsCancelled
	}, "cancellation flag never became visible")

	close(release)
	<-stopDone
}

func TestExecuteRecoversPanickingBody(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	err := s.Register(task.TriggerManual, func(ctx context.Context, tk task.Task) (task.Payload, error) {
		panic("body exploded")
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, err := s.Execute(context.Background(), manualTask("t1", "Panicky Task"))
	if err != nil {
		t.Fatalf("Execute returned contract error for a body panic: %v", err)
	}
	if res.Success {
		t.Fatal("panicking run reported success")
	}
	if !strings.Contains(res.Error, "task panicked") {
		t.Fatalf("Error = %q, want panic notice", res.Error)
	}
	if n := len(s.ListRunning()); n != 0 {
		t.Fatalf("handle leaked after panic: %d entries", n)
	}

	// Executor still usable for the same id.
	if err := s.Register(task.TriggerManual, func(ctx context.Context, tk task.Task) (task.Payload, error) {
		return task.Payload{}, nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if res, err := s.Execute(context.Background(), manualTask("t1", "Panicky Task")); err != nil || !res.Success {
		t.Fatalf("re-Execute after panic: res=%+v err=%v", res, err)
	}
}

func TestExecuteBodyFailureIsNotContractError(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	if err := s.Register(task.TriggerManual, func(ctx context.Context, tk task.Task) (task.Payload, error) {
		return nil, errors.New("downstream unavailable")
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, err := s.Execute(context.Background(), manualTask("t1", "Failing Task"))
	if err != nil {
		t.Fatalf("Execute error = %v, want nil for body failure", err)
	}
	if res.Success || res.Cancelled {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Error != "downstream unavailable" {
		t.Fatalf("Error = %q, want body error text", res.Error)
	}
}

func TestExecuteDefaultTimeout(t *testing.T) {
	t.Parallel()
	s := New(Config{DefaultTimeout: 30 * time.Millisecond}, cron.New(), instantClock{now: testNow}, logx.Nop(), nil)
	if err := s.Register(task.TriggerManual, func(ctx context.Context, tk task.Task) (task.Payload, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, err := s.Execute(context.Background(), manualTask("t1", "Slow Task"))
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if res.Success || res.Cancelled {
		t.Fatalf("timed-out run should fail without cancel marker: %+v", res)
	}
	if res.Error != context.DeadlineExceeded.Error() {
		t.Fatalf("Error = %q, want deadline exceeded", res.Error)
	}
}

func TestAwaitIdle(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	if err := s.AwaitIdle(context.Background(), "idle"); err != nil {
		t.Fatalf("AwaitIdle on idle task: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	if err := s.Register(task.TriggerManual, func(ctx context.Context, tk task.Task) (task.Payload, error) {
		close(started)
		<-release
		return task.Payload{}, nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	go func() { _, _ = s.Execute(context.Background(), manualTask("t1", "Busy Task")) }()
	<-started

	awaited := make(chan error, 1)
	go func() { awaited <- s.AwaitIdle(context.Background(), "t1") }()
	select {
	case err := <-awaited:
		t.Fatalf("AwaitIdle returned %v while the run was in flight", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-awaited:
		if err != nil {
			t.Fatalf("AwaitIdle error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitIdle never observed the idle state")
	}
}

func TestStopAllRejectsNewWork(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	started := make(chan struct{}, 2)
	if err := s.Register(task.TriggerManual, func(ctx context.Context, tk task.Task) (task.Payload, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for _, id := range []string{"t1", "t2"} {
		id := id
		go func() { _, _ = s.Execute(context.Background(), manualTask(id, "Task "+id)) }()
	}
	<-started
	<-started

	if err := s.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll error: %v", err)
	}
	if n := len(s.ListRunning()); n != 0 {
		t.Fatalf("%d runs left after StopAll", n)
	}
	if _, err := s.Execute(context.Background(), manualTask("t3", "Late Task")); !errors.Is(err, ErrStopped) {
		t.Fatalf("Execute after StopAll error = %v, want ErrStopped", err)
	}
}

func TestHistoryBoundedMostRecentFirst(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{HistorySize: 2})
	for _, id := range []string{"t1", "t2", "t3"} {
		if _, err := s.Execute(context.Background(), manualTask(id, "Task "+id)); err != nil {
			t.Fatalf("Execute(%s): %v", id, err)
		}
	}

	hist := s.History(0)
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
	if hist[0].TaskID != "t3" || hist[1].TaskID != "t2" {
		t.Fatalf("history order = [%s %s], want [t3 t2]", hist[0].TaskID, hist[1].TaskID)
	}

	snap := s.Snapshot()
	if snap.TotalRuns != 3 {
		t.Fatalf("TotalRuns = %d, want 3", snap.TotalRuns)
	}
	if snap.Running != 0 {
		t.Fatalf("Running = %d, want 0", snap.Running)
	}
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	s := newTestService(t, Config{})
	if err := s.Register(task.TriggerMethod("weekly"), nil); !errors.Is(err, ErrUnknownTrigger) {
		t.Fatalf("Register(weekly) error = %v, want ErrUnknownTrigger", err)
	}

	// Removing a runner makes its trigger unexecutable.
	if err := s.Register(task.TriggerEvent, nil); err != nil {
		t.Fatalf("Register(event, nil): %v", err)
	}
	_, err := s.Execute(context.Background(), task.Task{ID: "t1", Name: "Event Task", Trigger: task.TriggerEvent})
	if !errors.Is(err, ErrUnknownTrigger) {
		t.Fatalf("Execute error = %v, want ErrUnknownTrigger", err)
	}
}

func TestExecutePublishesLifecycleEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	s := New(Config{}, cron.New(), instantClock{now: testNow}, logx.Nop(), bus)
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	if _, err := s.Execute(context.Background(), manualTask("t1", "Observed Task")); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	topics := make([]string, 0, 2)
	for len(topics) < 2 {
		select {
		case e := <-ch:
			topics = append(topics, e.Topic)
		case <-time.After(time.Second):
			t.Fatalf("lifecycle events missing, got %v", topics)
		}
	}
	if topics[0] != eventbus.TopicTaskStarted || topics[1] != eventbus.TopicTaskFinished {
		t.Fatalf("topics = %v, want [started finished]", topics)
	}
}
