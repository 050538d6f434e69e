package app

import (
	"fmt"
	"strings"
	"time"

	"runit/internal/alert"
	"runit/internal/config"
	"runit/internal/observability/ops"
	"runit/internal/runtime/dispatcher"
	"runit/internal/runtime/language"
	"runit/internal/storage"
	"runit/internal/task/engine"
	logx "runit/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapEngineConfig keeps the pool always on: ad-hoc calls need it even
// when the scheduler is disabled.
func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	timeout, err := config.ParseDurationField("executor.timeout", cfg.Executor.Timeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:        true,
		Workers:        cfg.Executor.Workers,
		QueueSize:      cfg.Executor.QueueSize,
		DefaultTimeout: timeout,
		HistorySize:    cfg.Executor.HistorySize,
	}, nil
}

func mapDispatcherConfig(cfg *config.Config) (dispatcher.Config, error) {
	timeout, err := config.ParseDurationField("executor.timeout", cfg.Executor.Timeout)
	if err != nil {
		return dispatcher.Config{}, err
	}
	return dispatcher.Config{
		ProjectsRoot:     cfg.Projects.Root,
		NotFoundTemplate: cfg.Projects.NotFoundTemplate,
		Timeout:          timeout,
	}, nil
}

func mapRuntimes(cfg *config.Config) language.Runtimes {
	return language.Runtimes{
		Python:     cfg.Runtimes.Python,
		PHP:        cfg.Runtimes.PHP,
		JavaScript: cfg.Runtimes.JavaScript,
	}
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	read, err := config.ParseDurationOrDefault("ops.read_timeout", cfg.Ops.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", cfg.Ops.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:     cfg.Ops.Enabled,
		Addr:        cfg.Ops.Addr,
		Token:       cfg.Ops.Token,
		Pprof:       cfg.Ops.Pprof,
		ReadTimeout: read,
		IdleTimeout: idle,
	}, nil
}

// mapAlerts returns the alert config and, when enabled, a Telegram sender.
func mapAlerts(cfg *config.Config) (alert.Config, alert.Sender, error) {
	if cfg.Alerts == nil || !cfg.Alerts.Telegram.Enabled {
		return alert.Config{}, nil, nil
	}
	tg := cfg.Alerts.Telegram
	sender, err := alert.NewTelegram(tg.Token, tg.ChatID, tg.ThreadID)
	if err != nil {
		return alert.Config{}, nil, fmt.Errorf("alerts.telegram: %w", err)
	}
	return alert.Config{Enabled: true, RatePerMinute: tg.RatePerMinute}, sender, nil
}
