package app

import (
	"fmt"
	"strings"
	"time"

	"taskd/internal/storage"
)

// mapStorageConfig translates the config section into a storage.Config.
// ok=false with a nil error means storage is deliberately disabled.
func mapStorageConfig(cfg *Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}

	path := strings.TrimSpace(sc.Path)
	dsn := strings.TrimSpace(sc.DSN)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path: required for the file driver")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil

	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path: required for the sqlite driver")
		}
		busy, err := parseDuration("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil

	case "postgres", "postgresql":
		if dsn == "" {
			return storage.Config{}, false, fmt.Errorf("storage.dsn: required for the postgres driver")
		}
		return storage.Config{Driver: driver, DSN: dsn}, true, nil
	}
	return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
}
