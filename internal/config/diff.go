package config

import (
	"sort"
	"strings"

	logx "tflsched/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging. Secrets (db password, app key) are
// reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 20)

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.String("http.timezone", strings.TrimSpace(newCfg.HTTP.Timezone)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.host", strings.TrimSpace(newCfg.Storage.Host)),
			logx.Bool("storage.password_set", newCfg.Storage.Password != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.fire_timeout", strings.TrimSpace(newCfg.Scheduler.FireTimeout)),
			logx.String("scheduler.retry_delay", strings.TrimSpace(newCfg.Scheduler.RetryDelay)),
			logx.Int("scheduler.reconciler.workers", newCfg.Scheduler.Reconciler.Workers),
			logx.Int("scheduler.reconciler.queue_size", newCfg.Scheduler.Reconciler.QueueSize),
		)
	}

	if oldCfg.Action != newCfg.Action {
		changed = append(changed, "action")
		attrs = append(attrs,
			logx.String("action.base_url", strings.TrimSpace(newCfg.Action.BaseURL)),
			logx.String("action.timeout", strings.TrimSpace(newCfg.Action.Timeout)),
			logx.Int("action.rate_per_sec", newCfg.Action.RatePerSec),
			logx.Bool("action.app_key_set", newCfg.Action.AppKey != ""),
		)
	}

	if oldCfg.Retention != newCfg.Retention {
		changed = append(changed, "retention")
		attrs = append(attrs,
			logx.Bool("retention.enabled", newCfg.Retention.Enabled),
			logx.String("retention.max_age", strings.TrimSpace(newCfg.Retention.MaxAge)),
			logx.String("retention.schedule", strings.TrimSpace(newCfg.Retention.Schedule)),
		)
	}

	if oldCfg.Telemetry != newCfg.Telemetry {
		changed = append(changed, "telemetry")
		attrs = append(attrs, logx.Bool("telemetry.enabled", newCfg.Telemetry.Enabled))
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
			logx.Bool("debug.allow_insecure", newCfg.Debug.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect after a
// restart. Logging and the action settings are applied live.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "logging", "action":
		default:
			out = append(out, s)
		}
	}
	return out
}
