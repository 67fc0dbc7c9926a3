package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"taskd/internal/cron"
	"taskd/internal/eventbus"
	"taskd/internal/task"
	"taskd/pkg/clock"
	logx "taskd/pkg/logx"
)

// Executor runs one firing and lets the queue overlap policy wait out a
// running instance. Satisfied by the run recorder and the bare executor.
type Executor interface {
	Execute(ctx context.Context, t task.Task) (task.ExecutionResult, error)
	AwaitIdle(ctx context.Context, taskID string) error
}

// OverlapPolicy decides what a firing does when the previous run of the
// same task is still executing.
type OverlapPolicy string

const (
	// OverlapLog warns and drops the firing.
	OverlapLog OverlapPolicy = "log"
	// OverlapSkip silently drops the firing.
	OverlapSkip OverlapPolicy = "skip"
	// OverlapQueue waits for the running execution to finish, then fires once.
	OverlapQueue OverlapPolicy = "queue"
)

// ParseOverlapPolicy maps a config string onto a policy. Empty input
// selects OverlapLog.
func ParseOverlapPolicy(s string) (OverlapPolicy, error) {
	switch OverlapPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", OverlapLog:
		return OverlapLog, nil
	case OverlapSkip:
		return OverlapSkip, nil
	case OverlapQueue:
		return OverlapQueue, nil
	default:
		return "", fmt.Errorf("unknown overlap policy %q", s)
	}
}

// Config controls the scheduling service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means local time
	Overlap  OverlapPolicy
}

func (c Config) withDefaults() Config {
	if c.Overlap == "" {
		c.Overlap = OverlapLog
	}
	return c
}

// loopHandle is the runtime state of one schedule loop. next is guarded
// by Service.mu; cancel and done belong to the loop goroutine.
type loopHandle struct {
	task   task.Task
	cancel context.CancelFunc
	done   chan struct{}
	next   time.Time
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	bus eventbus.Bus

	exec Executor
	eval cron.Evaluator
	clk  clock.Clock

	loops   map[string]*loopHandle
	stopped bool

	// cached location so an invalid timezone warns once, not every tick
	loc   *time.Location
	locTZ string

	// smu serializes Schedule/Unschedule so replacing a loop can wait for
	// the old one without blocking readers of the loop map.
	smu sync.Mutex
}

// ScheduleInfo describes one registered schedule.
type ScheduleInfo struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	CronExpr string    `json:"cron_expr"`
	Describe string    `json:"describe"`
	Next     time.Time `json:"next_run_time"`
}

// Snapshot reports scheduler diagnostics.
type Snapshot struct {
	Enabled   bool
	Timezone  string
	Overlap   OverlapPolicy
	Schedules []ScheduleInfo
}
