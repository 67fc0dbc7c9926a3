package app

import (
	"strings"
	"testing"
	"time"

	"taskd/internal/config"
	"taskd/internal/task/scheduler"
)

func TestMapExecutorConfig(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		got, err := mapExecutorConfig(&config.Config{})
		if err != nil {
			t.Fatalf("mapExecutorConfig: %v", err)
		}
		if got.DefaultTimeout != 30*time.Minute {
			t.Fatalf("DefaultTimeout = %v, want 30m", got.DefaultTimeout)
		}
		if got.HistorySize != 100 {
			t.Fatalf("HistorySize = %d, want 100", got.HistorySize)
		}
	})

	t.Run("explicit", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{}
		cfg.Executor.DefaultTimeout = "90s"
		cfg.Executor.HistorySize = 7
		got, err := mapExecutorConfig(cfg)
		if err != nil {
			t.Fatalf("mapExecutorConfig: %v", err)
		}
		if got.DefaultTimeout != 90*time.Second || got.HistorySize != 7 {
			t.Fatalf("got %+v", got)
		}
	})

	t.Run("bad duration", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{}
		cfg.Executor.DefaultTimeout = "soon"
		if _, err := mapExecutorConfig(cfg); err == nil {
			t.Fatalf("expected error for unparseable timeout")
		}
	})
}

func TestMapSchedulerConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Scheduler.Enabled = true
	cfg.Scheduler.Timezone = " Europe/Berlin "
	cfg.Scheduler.OverlapPolicy = "queue"

	got, err := mapSchedulerConfig(cfg)
	if err != nil {
		t.Fatalf("mapSchedulerConfig: %v", err)
	}
	if !got.Enabled || got.Timezone != "Europe/Berlin" || got.Overlap != scheduler.OverlapQueue {
		t.Fatalf("got %+v", got)
	}

	cfg.Scheduler.OverlapPolicy = "retry"
	if _, err := mapSchedulerConfig(cfg); err == nil {
		t.Fatalf("expected error for unknown overlap policy")
	}

	// Empty policy falls back to the default.
	cfg.Scheduler.OverlapPolicy = ""
	got, err = mapSchedulerConfig(cfg)
	if err != nil {
		t.Fatalf("mapSchedulerConfig: %v", err)
	}
	if got.Overlap != scheduler.OverlapLog {
		t.Fatalf("Overlap = %q, want %q", got.Overlap, scheduler.OverlapLog)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		storage     *config.StorageConfig
		wantEnabled bool
		wantErr     string
		wantDriver  string
	}{
		{name: "omitted section", storage: nil},
		{name: "driver none", storage: &config.StorageConfig{Driver: "none", Path: "x"}},
		{
			name:        "file",
			storage:     &config.StorageConfig{Driver: "file", Path: "runs.jsonl"},
			wantEnabled: true,
			wantDriver:  "file",
		},
		{
			name:    "file without path",
			storage: &config.StorageConfig{Driver: "file"},
			wantErr: "storage.path",
		},
		{
			name:        "sqlite",
			storage:     &config.StorageConfig{Driver: "SQLite", Path: "taskd.db"},
			wantEnabled: true,
			wantDriver:  "sqlite",
		},
		{
			name:    "sqlite bad busy_timeout",
			storage: &config.StorageConfig{Driver: "sqlite", Path: "taskd.db", BusyTimeout: "fast"},
			wantErr: "storage.busy_timeout",
		},
		{
			name:        "postgres",
			storage:     &config.StorageConfig{Driver: "postgres", DSN: "postgres://u:p@localhost/taskd"},
			wantEnabled: true,
			wantDriver:  "postgres",
		},
		{
			name:    "postgres without dsn",
			storage: &config.StorageConfig{Driver: "postgres"},
			wantErr: "storage.dsn",
		},
		{
			name:    "unknown driver",
			storage: &config.StorageConfig{Driver: "etcd"},
			wantErr: "unknown storage.driver",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sc, enabled, err := mapStorageConfig(&config.Config{Storage: tt.storage})
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("mapStorageConfig: %v", err)
			}
			if enabled != tt.wantEnabled {
				t.Fatalf("enabled = %v, want %v", enabled, tt.wantEnabled)
			}
			if enabled && sc.Driver != tt.wantDriver {
				t.Fatalf("driver = %q, want %q", sc.Driver, tt.wantDriver)
			}
		})
	}
}

func TestMapStorageConfigSQLiteBusyDefault(t *testing.T) {
	t.Parallel()
	sc, enabled, err := mapStorageConfig(&config.Config{
		Storage: &config.StorageConfig{Driver: "sqlite", Path: "taskd.db"},
	})
	if err != nil || !enabled {
		t.Fatalf("mapStorageConfig: enabled=%v err=%v", enabled, err)
	}
	if sc.BusyTimeout != time.Second {
		t.Fatalf("BusyTimeout = %v, want 1s", sc.BusyTimeout)
	}
}

func TestMapWatchConfig(t *testing.T) {
	t.Parallel()

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		_, ok, err := mapWatchConfig(&config.Config{})
		if err != nil || ok {
			t.Fatalf("ok=%v err=%v, want disabled", ok, err)
		}
	})

	t.Run("enabled trims paths and defaults debounce", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{Sources: &config.SourcesConfig{
			Watch: &config.WatchSourceConfig{Enabled: true, Paths: []string{" /var/drop ", "", "/srv/in"}},
		}}
		wc, ok, err := mapWatchConfig(cfg)
		if err != nil || !ok {
			t.Fatalf("ok=%v err=%v", ok, err)
		}
		if len(wc.Paths) != 2 || wc.Paths[0] != "/var/drop" || wc.Paths[1] != "/srv/in" {
			t.Fatalf("Paths = %v", wc.Paths)
		}
		if wc.Debounce != 500*time.Millisecond {
			t.Fatalf("Debounce = %v, want 500ms", wc.Debounce)
		}
	})

	t.Run("bad debounce", func(t *testing.T) {
		t.Parallel()
		cfg := &config.Config{Sources: &config.SourcesConfig{
			Watch: &config.WatchSourceConfig{Enabled: true, Paths: []string{"/srv/in"}, Debounce: "quick"},
		}}
		if _, _, err := mapWatchConfig(cfg); err == nil {
			t.Fatalf("expected error for unparseable debounce")
		}
	})
}

func TestMapNATSConfig(t *testing.T) {
	t.Parallel()

	if _, ok := mapNATSConfig(&config.Config{}); ok {
		t.Fatalf("nats mapping should be disabled when the section is omitted")
	}

	cfg := &config.Config{Sources: &config.SourcesConfig{
		NATS: &config.NATSSourceConfig{Enabled: true, URL: " nats://broker:4222 ", Subject: " tasks.fire "},
	}}
	nc, ok := mapNATSConfig(cfg)
	if !ok {
		t.Fatalf("nats mapping should be enabled")
	}
	if nc.URL != "nats://broker:4222" || nc.Subject != "tasks.fire" {
		t.Fatalf("got %+v", nc)
	}
}
