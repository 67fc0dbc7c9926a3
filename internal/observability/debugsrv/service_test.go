package debugsrv

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"taskd/internal/record"
	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/task/executor"
	"taskd/internal/task/scheduler"
	logx "taskd/pkg/logx"
)

type fakeEngine struct {
	tasks     []task.Task
	running   map[string]executor.RunStatus
	schedules []scheduler.ScheduleInfo
	recs      []storage.TaskRecord
	histErr   error
	sum       record.Summary
	statsErr  error
}

func (f *fakeEngine) Tasks() []task.Task { return f.tasks }

func (f *fakeEngine) Running() map[string]executor.RunStatus { return f.running }

func (f *fakeEngine) Scheduled() []scheduler.ScheduleInfo { return f.schedules }

func (f *fakeEngine) History(_ context.Context, _ string, limit int) ([]storage.TaskRecord, error) {
	if f.histErr != nil {
		return nil, f.histErr
	}
	if limit > 0 && limit < len(f.recs) {
		return f.recs[:limit], nil
	}
	return f.recs, nil
}

func (f *fakeEngine) Stats(_ context.Context, _ string) (record.Summary, error) {
	return f.sum, f.statsErr
}

func get(t *testing.T, h http.HandlerFunc, url string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, http.NoBody)
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func TestHandleTasksMergesLiveState(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		tasks: []task.Task{
			{ID: "a1", Name: "Hourly Export", Trigger: task.TriggerScheduled, CronExpr: "0 * * * *"},
			{ID: "b2", Name: "Inbox Sweep", Trigger: task.TriggerEvent, Source: "file_system"},
		},
		running: map[string]executor.RunStatus{
			"b2": {IsRunning: true},
		},
		schedules: []scheduler.ScheduleInfo{
			{ID: "a1", Name: "Hourly Export", CronExpr: "0 * * * *"},
		},
	}
	s := New(Config{}, eng, logx.Nop())

	w := get(t, s.handleTasks, "/v1/tasks")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var views []taskView
	if err := json.Unmarshal(w.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("len(views) = %d, want 2", len(views))
	}
	if views[0].ID != "a1" || views[0].Schedule == nil || views[0].Running != nil {
		t.Fatalf("a1 view wrong: %+v", views[0])
	}
	if views[1].ID != "b2" || views[1].Running == nil || !views[1].Running.IsRunning {
		t.Fatalf("b2 view wrong: %+v", views[1])
	}
}

func TestHandleRuns(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{recs: []storage.TaskRecord{
		{RunID: "r3", TaskID: "a1"},
		{RunID: "r2", TaskID: "a1"},
		{RunID: "r1", TaskID: "a1"},
	}}
	s := New(Config{}, eng, logx.Nop())

	w := get(t, s.handleRuns, "/v1/runs?task_id=a1&limit=2")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var recs []storage.TaskRecord
	if err := json.Unmarshal(w.Body.Bytes(), &recs); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(recs) != 2 || recs[0].RunID != "r3" {
		t.Fatalf("recs = %+v", recs)
	}

	if w := get(t, s.handleRuns, "/v1/runs?limit=-1"); w.Code != http.StatusBadRequest {
		t.Fatalf("negative limit: status = %d, want 400", w.Code)
	}

	eng.histErr = storage.ErrDisabled
	if w := get(t, s.handleRuns, "/v1/runs"); w.Code != http.StatusNotImplemented {
		t.Fatalf("storage disabled: status = %d, want 501", w.Code)
	}
}

func TestHandleStats(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{sum: record.Summary{Total: 4, Succeeded: 3, Failed: 1, SuccessRate: 75}}
	s := New(Config{}, eng, logx.Nop())

	w := get(t, s.handleStats, "/v1/stats?task_id=a1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var sum record.Summary
	if err := json.Unmarshal(w.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if sum.Total != 4 || sum.SuccessRate != 75 {
		t.Fatalf("sum = %+v", sum)
	}

	eng.statsErr = errors.New("store offline")
	if w := get(t, s.handleStats, "/v1/stats"); w.Code != http.StatusInternalServerError {
		t.Fatalf("stats error: status = %d, want 500", w.Code)
	}
}

func TestWithAuth(t *testing.T) {
	t.Parallel()

	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
	h := withAuth("s3cret", ok)

	tests := []struct {
		name   string
		url    string
		header string
		want   int
	}{
		{name: "no credentials", url: "/healthz", want: http.StatusUnauthorized},
		{name: "query token", url: "/healthz?token=s3cret", want: http.StatusOK},
		{name: "wrong query token", url: "/healthz?token=guess", want: http.StatusUnauthorized},
		{name: "bearer", url: "/healthz", header: "Bearer s3cret", want: http.StatusOK},
		{name: "wrong bearer", url: "/healthz", header: "Bearer guess", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, tt.url, http.NoBody)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h(w, req)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}

	// Empty token disables the gate.
	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	w := httptest.NewRecorder()
	withAuth("", ok)(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("tokenless gate: status = %d, want 200", w.Code)
	}
}

func TestServeOnceRefusesInsecureBind(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, &fakeEngine{}, logx.Nop())
	err := s.serveOnce(context.Background())
	if err == nil || !strings.Contains(err.Error(), "insecure bind") {
		t.Fatalf("err = %v, want insecure bind refusal", err)
	}
}

func TestStartServeStop(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{tasks: []task.Task{{ID: "a1", Name: "Hourly Export", Trigger: task.TriggerManual}}}
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, eng, logx.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.Start(ctx)
	defer s.Stop(context.Background())

	// Wait for the listener to come up.
	var addr string
	for deadline := time.Now().Add(2 * time.Second); time.Now().Before(deadline); {
		if addr = s.Addr(); addr != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		t.Fatalf("server did not bind")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz = %d %q", resp.StatusCode, body)
	}

	resp, err = http.Get("http://" + addr + "/v1/tasks")
	if err != nil {
		t.Fatalf("GET /v1/tasks: %v", err)
	}
	var views []taskView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatalf("decode tasks: %v", err)
	}
	_ = resp.Body.Close()
	if len(views) != 1 || views[0].ID != "a1" {
		t.Fatalf("views = %+v", views)
	}

	s.Stop(context.Background())
	if got := s.Addr(); got != "" {
		t.Fatalf("Addr after stop = %q, want empty", got)
	}
}

func TestReconfigureTogglesServer(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: false}, &fakeEngine{}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.Start(ctx)
	if s.Addr() != "" {
		t.Fatalf("disabled service bound a listener")
	}

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	var addr string
	for deadline := time.Now().Add(2 * time.Second); time.Now().Before(deadline); {
		if addr = s.Addr(); addr != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		t.Fatalf("server did not bind after enable")
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	for deadline := time.Now().Add(2 * time.Second); time.Now().Before(deadline); {
		if s.Addr() == "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if s.Addr() != "" {
		t.Fatalf("server still bound after disable")
	}
}
