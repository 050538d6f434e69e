package config

// Config is the on-disk configuration of runitd (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Projects  ProjectsConfig  `json:"projects"`
	Runtimes  RuntimesConfig  `json:"runtimes,omitempty"`
	Executor  ExecutorConfig  `json:"executor,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	Alerts    *AlertsConfig   `json:"alerts,omitempty"`
	Ops       OpsConfig       `json:"ops,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format,omitempty"` // console | json
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ProjectsConfig locates user projects on disk.
//
// Root defaults to $RUNIT_WORKDIR/projects, or ~/RUNIT_WORKDIR/projects.
type ProjectsConfig struct {
	Root             string `json:"root"`
	NotFoundTemplate string `json:"not_found_template,omitempty"`
}

// RuntimesConfig names the interpreter binary per language.
//
// Defaults: python3, php, node. ToolsDir receives the loader/runner
// scripts; empty means <user cache dir>/runit/tools.
type RuntimesConfig struct {
	Python     string `json:"python,omitempty"`
	PHP        string `json:"php,omitempty"`
	JavaScript string `json:"javascript,omitempty"`
	ToolsDir   string `json:"tools_dir,omitempty"`
}

// ExecutorConfig controls the worker pool that runs function invocations.
//
// Defaults (when omitted/zero):
//   - workers: 10
//   - queue_size: 256
//   - timeout: "0s" (no limit)
//   - isolation: "spawn"
//   - history_size: 200
type ExecutorConfig struct {
	Workers     int    `json:"workers,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
	Isolation   string `json:"isolation,omitempty"` // spawn | process
	HistorySize int    `json:"history_size,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// LogLimit is the default page size for schedule log queries.
	LogLimit int `json:"log_limit,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./runit.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type AlertsConfig struct {
	Telegram TelegramAlerts `json:"telegram"`
}

// TelegramAlerts sends schedule failure notices to one chat.
type TelegramAlerts struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// RatePerMinute caps outgoing messages; default 20.
	RatePerMinute int `json:"rate_per_minute,omitempty"`
}

// OpsConfig controls the operational HTTP endpoint (/healthz, /metrics,
// optional /debug/pprof/).
//
// Prefer a loopback address. A non-loopback bind requires Token.
type OpsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9464"
	Token   string `json:"token,omitempty"`
	Pprof   bool   `json:"pprof,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}
