// Package debugsrv serves the operator diagnostics endpoint: liveness,
// pprof profiling, and read-only views of the task engine (declared tasks,
// run history, statistics).
package debugsrv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"taskd/internal/record"
	"taskd/internal/runtime/supervisor"
	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/task/executor"
	"taskd/internal/task/scheduler"
	logx "taskd/pkg/logx"
)

// Engine is the read-only engine view the server exposes. Satisfied by the
// app; handlers never mutate engine state.
type Engine interface {
	Tasks() []task.Task
	Running() map[string]executor.RunStatus
	Scheduled() []scheduler.ScheduleInfo
	History(ctx context.Context, taskID string, limit int) ([]storage.TaskRecord, error)
	Stats(ctx context.Context, taskID string) (record.Summary, error)
}

// Config controls the optional diagnostics HTTP server.
//
// The default bind is loopback only. A non-loopback Addr needs either a
// Token or an explicit AllowInsecure opt-in; serveOnce refuses the bind
// otherwise.
type Config struct {
	Enabled bool

	// Addr is the listen address. Blank means "127.0.0.1:6060".
	Addr string

	// Token, when set, gates every route behind bearer auth.
	Token string

	// AllowInsecure permits a tokenless bind on a non-loopback address.
	AllowInsecure bool
}

// Service owns the diagnostics listener and restarts it on failure. The
// zero value is unusable; construct with New.
type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	eng Engine

	// Live server state, guarded by mu. stopDone is non-nil exactly while
	// an asynchronous teardown is in flight.
	ln       net.Listener
	srv      *http.Server
	sup      *supervisor.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, eng Engine, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, eng: eng, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr returns the bound listen address, or "" while the server is down.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure swaps in cfg and reconciles the running state with it:
// disabling stops the server, enabling starts it, and any other change on a
// live server restarts it. Safe to call during hot-reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	live := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if live {
			s.Stop(ctx)
		}
	case !live:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start brings the server up when the config enables it. Starting a running
// service is a no-op; starting mid-Stop waits for that teardown first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		if !s.awaitNotStopping(ctx) {
			return
		}

		s.mu.Lock()
		if s.stopDone != nil {
			// A new teardown began while we were unlocked.
			s.mu.Unlock()
			continue
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		sup := supervisor.New(ctx,
			supervisor.WithLogger(s.log),
			// Diagnostics must never take the app down with them.
			supervisor.WithCancelOnError(false),
		)
		s.sup = sup
		s.mu.Unlock()

		// A crashed listener or failed bind retries with backoff until Stop
		// or ctx cancellation.
		sup.GoRestart("http.serve", s.serveOnce,
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
		return
	}
}

// awaitNotStopping blocks until no teardown is in flight, or returns false
// when ctx expires first.
func (s *Service) awaitNotStopping(ctx context.Context) bool {
	for {
		s.mu.Lock()
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return true
		}
		select {
		case <-done:
		case <-ctx.Done():
			return false
		}
	}
}

// Stop tears the server down. The work itself runs in the background so a
// caller with a short deadline never leaves half-cleared state behind;
// concurrent Stops join the same teardown.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if done := s.stopDone; done != nil {
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, ln, sup := s.srv, s.ln, s.sup
	s.mu.Unlock()

	go s.teardown(ctx, srv, ln, sup, done)

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Service) teardown(ctx context.Context, srv *http.Server, ln net.Listener, sup *supervisor.Supervisor, done chan struct{}) {
	defer close(done)

	if srv != nil {
		_ = srv.Shutdown(ctx)
		_ = srv.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
	sup.Cancel()
	_ = sup.Wait(context.Background())

	s.mu.Lock()
	s.ln, s.srv, s.sup, s.stopDone = nil, nil, nil, nil
	s.mu.Unlock()
	s.log.Info("debug server stopped")
}

const defaultAddr = "127.0.0.1:6060"

// serveOnce runs one bind-and-serve cycle under the restart loop. It returns
// context.Canceled for deliberate shutdowns so the loop does not respawn it.
func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur, log := s.cfg, s.log
	s.mu.Unlock()

	if !cur.Enabled {
		return context.Canceled
	}

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if err := bindPolicy(cur, addr, log); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("debug server listen failed", logx.String("addr", addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler: s.routes(cur.Token),
		// Profile captures stream for tens of seconds; only bound the header read.
		ReadHeaderTimeout: 5 * time.Second,
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.ln, s.srv = ln, srv
	s.mu.Unlock()

	// Unblock Serve when the supervisor context ends. Stop(ctx) owns the
	// graceful drain; this shutdown only has to be bounded.
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	log.Info("debug server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cur.Token != ""))

	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv, s.ln = nil, nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	switch {
	case stopping || ctx.Err() != nil:
		return context.Canceled
	case err == nil || errors.Is(err, http.ErrServerClosed):
		return errors.New("debug server exited unexpectedly")
	default:
		return err
	}
}

// bindPolicy refuses a tokenless bind on a non-loopback address unless the
// config opts in with AllowInsecure.
func bindPolicy(cfg Config, addr string, log logx.Logger) error {
	if isLoopbackAddr(addr) || cfg.Token != "" {
		return nil
	}
	if !cfg.AllowInsecure {
		log.Error("debug server bind refused: non-loopback listen needs debug.token or debug.allow_insecure",
			logx.String("addr", addr))
		return fmt.Errorf("insecure bind on %s: token or allow_insecure required", addr)
	}
	log.Warn("debug server exposed without a token", logx.String("addr", addr))
	return nil
}

func (s *Service) routes(token string) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(token, h) }

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))

	mux.HandleFunc("/v1/tasks", wrap(s.handleTasks))
	mux.HandleFunc("/v1/runs", wrap(s.handleRuns))
	mux.HandleFunc("/v1/stats", wrap(s.handleStats))

	mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))

	return mux
}

// taskView is the wire shape of one declared task plus its live state.
type taskView struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Trigger string `json:"trigger"`
	Port    *int   `json:"port,omitempty"`
	Cron    string `json:"cron,omitempty"`
	Source  string `json:"source,omitempty"`

	Running  *executor.RunStatus     `json:"running,omitempty"`
	Schedule *scheduler.ScheduleInfo `json:"schedule,omitempty"`
}

func (s *Service) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	running := s.eng.Running()
	schedules := map[string]scheduler.ScheduleInfo{}
	for _, si := range s.eng.Scheduled() {
		schedules[si.ID] = si
	}

	tasks := s.eng.Tasks()
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		v := taskView{
			ID:      t.ID,
			Name:    t.Name,
			Trigger: string(t.Trigger),
			Port:    t.Port,
			Cron:    t.CronExpr,
			Source:  t.Source,
		}
		if rs, ok := running[t.ID]; ok {
			rs := rs
			v.Running = &rs
		}
		if si, ok := schedules[t.ID]; ok {
			si := si
			v.Schedule = &si
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	recs, err := s.eng.History(r.Context(), strings.TrimSpace(r.URL.Query().Get("task_id")), limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if recs == nil {
		recs = []storage.TaskRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sum, err := s.eng.Stats(r.Context(), strings.TrimSpace(r.URL.Query().Get("task_id")))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func writeEngineError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrDisabled) {
		http.Error(w, "run history requires storage to be enabled", http.StatusNotImplemented)
		return
	}
	http.Error(w, fmt.Sprintf("engine query failed: %v", err), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// withAuth gates h behind a bearer token (header or ?token= query param).
// An empty token disables the check.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	// addr is host:port; an empty host means all interfaces.
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
