package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "runit/pkg/logx"
)

const (
	DefaultWorkers     = 10
	DefaultQueueSize   = 256
	DefaultHistorySize = 200
	DefaultLogLimit    = 50
	DefaultOpsAddr     = "127.0.0.1:9464"

	IsolationSpawn   = "spawn"
	IsolationProcess = "process"
)

// Environment overrides kept compatible with existing deployments.
const (
	EnvWorkdir           = "RUNIT_WORKDIR"
	EnvRuntimePython     = "RUNTIME_PYTHON"
	EnvRuntimePHP        = "RUNTIME_PHP"
	EnvRuntimeJavaScript = "RUNTIME_JAVASCRIPT"
)

// ApplyEnv fills unset fields from the environment and built-in defaults.
// Explicit config values always win.
func (c *Config) ApplyEnv() {
	if strings.TrimSpace(c.Projects.Root) == "" {
		workdir := os.Getenv(EnvWorkdir)
		if workdir == "" {
			if home, err := os.UserHomeDir(); err == nil {
				workdir = filepath.Join(home, "RUNIT_WORKDIR")
			} else {
				workdir = "RUNIT_WORKDIR"
			}
		}
		c.Projects.Root = filepath.Join(workdir, "projects")
	}
	c.Runtimes.Python = firstNonEmpty(c.Runtimes.Python, os.Getenv(EnvRuntimePython), "python3")
	c.Runtimes.PHP = firstNonEmpty(c.Runtimes.PHP, os.Getenv(EnvRuntimePHP), "php")
	c.Runtimes.JavaScript = firstNonEmpty(c.Runtimes.JavaScript, os.Getenv(EnvRuntimeJavaScript), "node")
	if strings.TrimSpace(c.Runtimes.ToolsDir) == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			c.Runtimes.ToolsDir = filepath.Join(dir, "runit", "tools")
		} else {
			c.Runtimes.ToolsDir = filepath.Join(os.TempDir(), "runit-tools")
		}
	}
	if c.Executor.Workers <= 0 {
		c.Executor.Workers = DefaultWorkers
	}
	if c.Executor.QueueSize <= 0 {
		c.Executor.QueueSize = DefaultQueueSize
	}
	if c.Executor.HistorySize <= 0 {
		c.Executor.HistorySize = DefaultHistorySize
	}
	if strings.TrimSpace(c.Executor.Isolation) == "" {
		c.Executor.Isolation = IsolationSpawn
	}
	if c.Scheduler.LogLimit <= 0 {
		c.Scheduler.LogLimit = DefaultLogLimit
	}
	if strings.TrimSpace(c.Ops.Addr) == "" {
		c.Ops.Addr = DefaultOpsAddr
	}
}

// Validate rejects configs that would fail at runtime. It is also the
// hot-reload gate, so it must not touch the filesystem.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if !logx.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format: want console or json, got %q", c.Logging.Format)
	}
	if c.Executor.Workers < 0 || c.Executor.QueueSize < 0 || c.Executor.HistorySize < 0 {
		return errors.New("executor: workers, queue_size and history_size must be >= 0")
	}
	if _, err := ParseDurationField("executor.timeout", c.Executor.Timeout); err != nil {
		return err
	}
	switch strings.TrimSpace(c.Executor.Isolation) {
	case "", IsolationSpawn, IsolationProcess:
	default:
		return fmt.Errorf("executor.isolation: want %q or %q, got %q", IsolationSpawn, IsolationProcess, c.Executor.Isolation)
	}
	if c.Scheduler.LogLimit < 0 {
		return errors.New("scheduler.log_limit must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory", "sqlite", "sqlite3":
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if a := c.Alerts; a != nil && a.Telegram.Enabled {
		if strings.TrimSpace(a.Telegram.Token) == "" {
			return errors.New("alerts.telegram.token is required when enabled")
		}
		if a.Telegram.ChatID == 0 {
			return errors.New("alerts.telegram.chat_id is required when enabled")
		}
		if a.Telegram.RatePerMinute < 0 {
			return errors.New("alerts.telegram.rate_per_minute must be >= 0")
		}
	}
	if _, err := ParseDurationField("ops.read_timeout", c.Ops.ReadTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("ops.idle_timeout", c.Ops.IdleTimeout); err != nil {
		return err
	}
	if c.Ops.Enabled && strings.TrimSpace(c.Ops.Token) == "" && !isLoopback(c.Ops.Addr) {
		return fmt.Errorf("ops.addr %q is not loopback; set ops.token", c.Ops.Addr)
	}
	return nil
}

// ParseDurationField parses a non-negative Go duration; empty means 0.
// path names the config key in error messages.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

func isLoopback(addr string) bool {
	if strings.TrimSpace(addr) == "" {
		return true // default addr is loopback
	}
	h, _, err := net.SplitHostPort(addr)
	if err != nil || h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
