package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	logx "taskd/pkg/logx"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS task_records (
    id               BIGSERIAL PRIMARY KEY,
    run_id           TEXT NOT NULL UNIQUE,
    task_id          TEXT NOT NULL,
    task_name        TEXT NOT NULL,
    trigger_method   TEXT NOT NULL,
    success          BOOLEAN NOT NULL,
    cancelled        BOOLEAN NOT NULL DEFAULT FALSE,
    start_time       TIMESTAMPTZ NOT NULL,
    end_time         TIMESTAMPTZ NOT NULL,
    duration_seconds DOUBLE PRECISION NOT NULL,
    payload          TEXT,
    err              TEXT
);

CREATE INDEX IF NOT EXISTS idx_task_records_task_start
    ON task_records(task_id, start_time DESC);
`

type postgresStore struct {
	db  *sql.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &postgresStore{db: db, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *postgresStore) AppendRecord(ctx context.Context, r TaskRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.StartTime.IsZero() {
		r.StartTime = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_records(run_id, task_id, task_name, trigger_method, success, cancelled,
		                          start_time, end_time, duration_seconds, payload, err)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.RunID, r.TaskID, r.TaskName, r.Trigger, r.Success, r.Cancelled,
		r.StartTime.UTC(), r.EndTime.UTC(), r.DurationSeconds, nullStr(r.Payload), nullStr(r.Error),
	)
	return err
}

func (s *postgresStore) Records(ctx context.Context, taskID string, limit int) ([]TaskRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	// LIMIT NULL means unlimited in PostgreSQL.
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, task_id, task_name, trigger_method, success, cancelled,
		        start_time, end_time, duration_seconds, payload, err
		 FROM task_records
		 WHERE ($1 = '' OR task_id = $1)
		 ORDER BY start_time DESC, id DESC
		 LIMIT $2`,
		taskID, lim,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var (
			r            TaskRecord
			payload, msg sql.NullString
		)
		if err := rows.Scan(&r.RunID, &r.TaskID, &r.TaskName, &r.Trigger, &r.Success, &r.Cancelled,
			&r.StartTime, &r.EndTime, &r.DurationSeconds, &payload, &msg); err != nil {
			return nil, err
		}
		r.Payload = payload.String
		r.Error = msg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *postgresStore) CountsByDay(ctx context.Context, taskID string, days int) (map[string]int, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	cutoff, _ := cutoffDay(days)
	rows, err := s.db.QueryContext(ctx,
		`SELECT to_char(start_time AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, COUNT(*)
		 FROM task_records
		 WHERE ($1 = '' OR task_id = $1)
		   AND ($2 = '' OR to_char(start_time AT TIME ZONE 'UTC', 'YYYY-MM-DD') >= $2)
		 GROUP BY day`,
		taskID, cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var day string
		var n int
		if err := rows.Scan(&day, &n); err != nil {
			return nil, err
		}
		counts[day] = n
	}
	return counts, rows.Err()
}
