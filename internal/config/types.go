package config

// Config is the on-disk configuration. JSON and YAML are both accepted;
// unknown keys are rejected.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	HTTP      HTTPConfig      `json:"http"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Action    ActionConfig    `json:"action"`
	Retention RetentionConfig `json:"retention,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Debug     DebugConfig     `json:"debug,omitempty"`
}

// HTTPConfig controls the task API listener.
type HTTPConfig struct {
	Addr            string `json:"addr"` // default ":5000"
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"` // default "10s"

	// Timezone that naive scheduler_time values are read in. Default UTC.
	Timezone string `json:"timezone,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the task store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/tasks.db" }
//
// For postgres, path may hold a full postgres:// URL; otherwise the
// host/port/user/password/name fields are used.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite

	Host         string `json:"host,omitempty"`
	Port         int    `json:"port,omitempty"`
	User         string `json:"user,omitempty"`
	Password     string `json:"password,omitempty"` // never logged
	Name         string `json:"name,omitempty"`
	SSLMode      string `json:"sslmode,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// SchedulerConfig controls firing and outcome handling.
//
// Defaults (when fields are omitted/zero):
//   - fire_timeout: "0s" (no bound beyond the action's own timeout)
//   - retry_delay: "30s"
//   - reconciler.workers: 2
//   - reconciler.queue_size: 256
//   - reconciler.timeout: "0s" (disabled)
type SchedulerConfig struct {
	FireTimeout string           `json:"fire_timeout,omitempty"`
	RetryDelay  string           `json:"retry_delay,omitempty"`
	Reconciler  ReconcilerConfig `json:"reconciler,omitempty"`
}

type ReconcilerConfig struct {
	Workers   int    `json:"workers,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

// ActionConfig configures the TfL disruption lookup.
type ActionConfig struct {
	BaseURL    string  `json:"base_url,omitempty"`
	AppKey     string  `json:"app_key,omitempty"` // never logged
	Timeout    string  `json:"timeout,omitempty"`
	RatePerSec int     `json:"rate_per_sec,omitempty"`
}

// RetentionConfig prunes completed tasks older than MaxAge.
// Schedule accepts cron descriptors (@hourly) and 5 or 6 field specs.
type RetentionConfig struct {
	Enabled  bool   `json:"enabled"`
	MaxAge   string `json:"max_age,omitempty"`
	Schedule string `json:"schedule,omitempty"`
}

type TelemetryConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"` // metric export interval, default "1m"
}

// DebugConfig controls the optional pprof/state listener.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
