package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "taskd/pkg/logx"
)

// Store is the minimal persistence API used by the recorder.
type Store interface {
	// AppendRecord persists one finished execution.
	AppendRecord(ctx context.Context, r TaskRecord) error
	// Records returns finished executions, most recent first. An empty
	// taskID selects all tasks; limit <= 0 means no limit.
	Records(ctx context.Context, taskID string, limit int) ([]TaskRecord, error)
	// CountsByDay returns executions per UTC calendar day ("2006-01-02"),
	// covering the most recent days (all history when days <= 0).
	CountsByDay(ctx context.Context, taskID string, days int) (map[string]int, error)
	Close() error
}

// Open initializes the configured store. A blank or "none" driver means
// storage is disabled and yields (nil, nil).
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	}
	return nil, fmt.Errorf("unknown storage driver %q (want file, sqlite or postgres)", driver)
}

// cutoffDay returns the inclusive lower bound day key for a days window.
func cutoffDay(days int) (string, bool) {
	if days <= 0 {
		return "", false
	}
	return time.Now().UTC().AddDate(0, 0, -days).Format(dateLayout), true
}
