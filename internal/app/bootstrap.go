package app

import (
	"time"

	"taskd/internal/config"
	"taskd/internal/runtime/supervisor"
)

// Aliases so the wiring code in this package reads as one vocabulary.

type Config = config.Config

type ConfigManager = config.ConfigManager

type Supervisor = supervisor.Supervisor

var (
	NewConfigManager      = config.NewConfigManager
	SummarizeConfigChange = config.SummarizeConfigChange

	NewSupervisor      = supervisor.New
	WithLogger         = supervisor.WithLogger
	WithCancelOnError  = supervisor.WithCancelOnError
	WithRestartBackoff = supervisor.WithRestartBackoff
)

func parseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDuration(path, raw, def)
}
