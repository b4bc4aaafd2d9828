package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	logx "tflsched/pkg/logx"
)

// Environment variables that override file values.
const (
	EnvDBDriver  = "DB_DRIVER"
	EnvDBHost    = "DB_HOST"
	EnvDBName    = "DB_NAME"
	EnvDBUser    = "DB_USER"
	EnvDBPass    = "DB_PASS"
	EnvDBPort    = "DB_PORT"
	EnvHTTPAddr  = "HTTP_ADDR"
	EnvLogLevel  = "LOG_LEVEL"
	EnvTfLAppKey = "TFL_APP_KEY"
)

// LoadDotEnv loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// ApplyEnv overlays environment values onto cfg. Empty values are ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil || lookup == nil {
		return
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get(EnvDBDriver); ok {
		cfg.Storage.Driver = v
	}
	if v, ok := get(EnvDBHost); ok {
		cfg.Storage.Host = v
	}
	if v, ok := get(EnvDBName); ok {
		cfg.Storage.Name = v
	}
	if v, ok := get(EnvDBUser); ok {
		cfg.Storage.User = v
	}
	if v, ok := get(EnvDBPass); ok {
		cfg.Storage.Password = v
	}
	if v, ok := get(EnvDBPort); ok {
		// a bad port surfaces in Validate
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Storage.Port = p
		} else {
			cfg.Storage.Port = -1
		}
	}
	if v, ok := get(EnvHTTPAddr); ok {
		cfg.HTTP.Addr = v
	}
	if v, ok := get(EnvLogLevel); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get(EnvTfLAppKey); ok {
		cfg.Action.AppKey = v
	}
}

// ApplyDefaults fills omitted fields.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		c.HTTP.Addr = ":5000"
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if !c.Logging.Console && !c.Logging.File.Enabled {
		c.Logging.Console = true
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = "sqlite"
		if strings.TrimSpace(c.Storage.Path) == "" {
			c.Storage.Path = "./data/tasks.db"
		}
	}
	if strings.TrimSpace(c.Retention.Schedule) == "" {
		c.Retention.Schedule = "@hourly"
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if !logx.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		return errors.New("logging.file.path: required when file logging is enabled")
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "memory", "mem":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path: required for driver %q", c.Storage.Driver)
		}
	case "postgres", "postgresql", "pq":
		if !strings.HasPrefix(strings.TrimSpace(c.Storage.Path), "postgres") && strings.TrimSpace(c.Storage.Host) == "" {
			return errors.New("storage.host: required for postgres unless path holds a URL")
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if c.Storage.Port < 0 || c.Storage.Port > 65535 {
		return errors.New("storage.port: must be a number in 0..65535")
	}
	if c.Scheduler.Reconciler.Workers < 0 || c.Scheduler.Reconciler.QueueSize < 0 {
		return errors.New("scheduler.reconciler: workers and queue_size must be >= 0")
	}
	if c.Action.RatePerSec < 0 {
		return errors.New("action.rate_per_sec: must be >= 0")
	}
	if tz := strings.TrimSpace(c.HTTP.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("http.timezone: %w", err)
		}
	}

	if err := c.checkDurations(); err != nil {
		return err
	}
	if c.Retention.Enabled && strings.TrimSpace(c.Retention.MaxAge) == "" {
		return errors.New("retention.max_age: required when retention is enabled")
	}
	return nil
}
