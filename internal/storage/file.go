package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "taskd/pkg/logx"
)

// fileMemoryCap bounds the records kept in memory for queries; the
// on-disk journal keeps everything.
const fileMemoryCap = 10000

// fileStore is a dependency-free persistence backend.
//
// Records are appended to <path> as JSON Lines and replayed into memory
// on open, so queries never touch the disk afterwards.
type fileStore struct {
	log logx.Logger

	mu      sync.Mutex
	file    *os.File
	records []TaskRecord // oldest first, trimmed to fileMemoryCap
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	records, err := replayRecords(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	log.Debug("record journal opened", logx.String("path", path), logx.Int("records", len(records)))
	return &fileStore{log: log, file: f, records: records}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *fileStore) AppendRecord(ctx context.Context, r TaskRecord) error {
	_ = ctx
	if r.StartTime.IsZero() {
		r.StartTime = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("record journal closed")
	}
	if err := json.NewEncoder(s.file).Encode(r); err != nil {
		return err
	}
	s.records = append(s.records, r)
	if len(s.records) > fileMemoryCap {
		s.records = s.records[len(s.records)-fileMemoryCap:]
	}
	return nil
}

func (s *fileStore) Records(ctx context.Context, taskID string, limit int) ([]TaskRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	capHint := len(s.records)
	if limit > 0 && limit < capHint {
		capHint = limit
	}
	out := make([]TaskRecord, 0, capHint)
	for i := len(s.records) - 1; i >= 0; i-- {
		if taskID != "" && s.records[i].TaskID != taskID {
			continue
		}
		out = append(out, s.records[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fileStore) CountsByDay(ctx context.Context, taskID string, days int) (map[string]int, error) {
	_ = ctx
	cutoff, bounded := cutoffDay(days)

	s.mu.Lock()
	defer s.mu.Unlock()

	counts := map[string]int{}
	for _, r := range s.records {
		if taskID != "" && r.TaskID != taskID {
			continue
		}
		day := r.day()
		if bounded && day < cutoff {
			continue
		}
		counts[day]++
	}
	return counts, nil
}

// replayRecords loads the journal, skipping lines that do not parse.
func replayRecords(path string) ([]TaskRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []TaskRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r TaskRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.TaskID == "" && r.RunID == "" {
			continue
		}
		out = append(out, r)
	}
	if len(out) > fileMemoryCap {
		out = out[len(out)-fileMemoryCap:]
	}
	return out, sc.Err()
}
