package record

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"taskd/internal/storage"
	"taskd/internal/task"
	"taskd/internal/task/executor"
	logx "taskd/pkg/logx"
)

// persistTimeout bounds the store write after a run finishes. The write
// uses its own context: a cancelled run still gets recorded.
const persistTimeout = 5 * time.Second

type Recorder struct {
	exec  *executor.Service
	store storage.Store // nil when storage is disabled
	log   logx.Logger
}

func New(exec *executor.Service, store storage.Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{exec: exec, store: store, log: log}
}

// Execute runs the task through the executor and persists the outcome.
func (r *Recorder) Execute(ctx context.Context, t task.Task) (task.ExecutionResult, error) {
	res, err := r.exec.Execute(ctx, t)
	if err != nil {
		return res, err
	}
	r.persist(t, res)
	return res, nil
}

// AwaitIdle reports when no run is in flight for the task id. Passed
// through so the recorder can stand in for the executor everywhere.
func (r *Recorder) AwaitIdle(ctx context.Context, taskID string) error {
	return r.exec.AwaitIdle(ctx, taskID)
}

// History returns persisted executions, most recent first.
func (r *Recorder) History(ctx context.Context, taskID string, limit int) ([]storage.TaskRecord, error) {
	if r.store == nil {
		return nil, storage.ErrDisabled
	}
	return r.store.Records(ctx, taskID, limit)
}

func (r *Recorder) persist(t task.Task, res task.ExecutionResult) {
	if r.store == nil {
		return
	}

	rec := storage.TaskRecord{
		RunID:           uuid.New().String(),
		TaskID:          t.ID,
		TaskName:        t.Name,
		Trigger:         string(t.Trigger),
		Success:         res.Success,
		Cancelled:       res.Cancelled,
		StartTime:       res.StartTime,
		EndTime:         res.EndTime,
		DurationSeconds: res.DurationSeconds,
		Error:           res.Error,
	}
	if len(res.Payload) > 0 {
		b, err := json.Marshal(res.Payload)
		if err != nil {
			r.log.Warn("payload not serializable", logx.String("task_id", t.ID), logx.Err(err))
		} else {
			rec.Payload = string(b)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.store.AppendRecord(ctx, rec); err != nil {
		r.log.Error("record append failed",
			logx.String("task_id", t.ID), logx.String("run_id", rec.RunID), logx.Err(err))
	}
}
