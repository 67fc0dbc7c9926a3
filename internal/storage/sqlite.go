package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "taskd/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRecord(ctx context.Context, r TaskRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.StartTime.IsZero() {
		r.StartTime = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_records(run_id, task_id, task_name, trigger_method, success, cancelled,
		                          start_time, end_time, duration_seconds, payload, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		r.RunID, r.TaskID, r.TaskName, r.Trigger, boolInt(r.Success), boolInt(r.Cancelled),
		r.StartTime.UTC().Format(time.RFC3339Nano), r.EndTime.UTC().Format(time.RFC3339Nano),
		r.DurationSeconds, nullStr(r.Payload), nullStr(r.Error),
	)
	return err
}

func (s *sqliteStore) Records(ctx context.Context, taskID string, limit int) ([]TaskRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = -1 // sqlite treats negative LIMIT as unlimited
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, task_id, task_name, trigger_method, success, cancelled,
		        start_time, end_time, duration_seconds, payload, err
		 FROM task_records
		 WHERE (?1 = '' OR task_id = ?1)
		 ORDER BY start_time DESC, id DESC
		 LIMIT ?2`,
		taskID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var (
			r            TaskRecord
			success      int
			cancelled    int
			start, end   string
			payload, msg sql.NullString
		)
		if err := rows.Scan(&r.RunID, &r.TaskID, &r.TaskName, &r.Trigger, &success, &cancelled,
			&start, &end, &r.DurationSeconds, &payload, &msg); err != nil {
			return nil, err
		}
		r.Success = success != 0
		r.Cancelled = cancelled != 0
		r.StartTime, _ = time.Parse(time.RFC3339Nano, start)
		r.EndTime, _ = time.Parse(time.RFC3339Nano, end)
		r.Payload = payload.String
		r.Error = msg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountsByDay(ctx context.Context, taskID string, days int) (map[string]int, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	// start_time is RFC 3339 in UTC, so its first ten bytes are the day key.
	cutoff, _ := cutoffDay(days)
	rows, err := s.db.QueryContext(ctx,
		`SELECT substr(start_time, 1, 10) AS day, COUNT(*)
		 FROM task_records
		 WHERE (?1 = '' OR task_id = ?1) AND (?2 = '' OR substr(start_time, 1, 10) >= ?2)
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

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
