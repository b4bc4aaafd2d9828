package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string. Empty means zero;
// negative durations are rejected. path names the field in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration (e.g. 30s, 5m): %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: %q is negative", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def standing in for an
// empty or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

type durationField struct{ path, raw string }

func (c *Config) durationFields() []durationField {
	return []durationField{
		{"http.read_timeout", c.HTTP.ReadTimeout},
		{"http.write_timeout", c.HTTP.WriteTimeout},
		{"http.idle_timeout", c.HTTP.IdleTimeout},
		{"http.shutdown_timeout", c.HTTP.ShutdownTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"scheduler.fire_timeout", c.Scheduler.FireTimeout},
		{"scheduler.retry_delay", c.Scheduler.RetryDelay},
		{"scheduler.reconciler.timeout", c.Scheduler.Reconciler.Timeout},
		{"action.timeout", c.Action.Timeout},
		{"retention.max_age", c.Retention.MaxAge},
		{"telemetry.interval", c.Telemetry.Interval},
	}
}

func (c *Config) checkDurations() error {
	for _, f := range c.durationFields() {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}
