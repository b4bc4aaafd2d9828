package app

import (
	"strings"
	"time"

	"tflsched/internal/action"
	"tflsched/internal/config"
	"tflsched/internal/maintenance"
	"tflsched/internal/observability/debug"
	"tflsched/internal/storage"
	"tflsched/internal/task/reconciler"
	"tflsched/internal/task/scheduler"
	"tflsched/internal/telemetry"
	"tflsched/internal/transport/httpapi"
	logx "tflsched/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:         strings.TrimSpace(sc.Path),
		BusyTimeout:  busy,
		Host:         strings.TrimSpace(sc.Host),
		Port:         sc.Port,
		User:         sc.User,
		Password:     sc.Password,
		Name:         strings.TrimSpace(sc.Name),
		SSLMode:      strings.TrimSpace(sc.SSLMode),
		MaxOpenConns: sc.MaxOpenConns,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, *time.Location, error) {
	hc := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 15*time.Second)
	if err != nil {
		return httpapi.Config{}, nil, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 15*time.Second)
	if err != nil {
		return httpapi.Config{}, nil, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, time.Minute)
	if err != nil {
		return httpapi.Config{}, nil, err
	}
	loc := time.UTC
	if tz := strings.TrimSpace(hc.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return httpapi.Config{}, nil, err
		}
	}
	return httpapi.Config{
		Addr:         strings.TrimSpace(hc.Addr),
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, loc, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, reconciler.Config, error) {
	sc := cfg.Scheduler
	fire, err := config.ParseDurationField("scheduler.fire_timeout", sc.FireTimeout)
	if err != nil {
		return scheduler.Config{}, reconciler.Config{}, err
	}
	retry, err := config.ParseDurationOrDefault("scheduler.retry_delay", sc.RetryDelay, 30*time.Second)
	if err != nil {
		return scheduler.Config{}, reconciler.Config{}, err
	}
	commit, err := config.ParseDurationField("scheduler.reconciler.timeout", sc.Reconciler.Timeout)
	if err != nil {
		return scheduler.Config{}, reconciler.Config{}, err
	}
	return scheduler.Config{
			Action:      action.Name,
			FireTimeout: fire,
			RetryDelay:  retry,
		}, reconciler.Config{
			Workers:   sc.Reconciler.Workers,
			QueueSize: sc.Reconciler.QueueSize,
			Timeout:   commit,
		}, nil
}

func mapActionConfig(cfg *config.Config) (action.TfLConfig, error) {
	ac := cfg.Action
	timeout, err := config.ParseDurationOrDefault("action.timeout", ac.Timeout, 10*time.Second)
	if err != nil {
		return action.TfLConfig{}, err
	}
	return action.TfLConfig{
		BaseURL:    strings.TrimSpace(ac.BaseURL),
		AppKey:     strings.TrimSpace(ac.AppKey),
		Timeout:    timeout,
		RatePerSec: ac.RatePerSec,
	}, nil
}

// mapRetentionConfig reports false when retention is disabled.
func mapRetentionConfig(cfg *config.Config) (maintenance.Config, bool, error) {
	rc := cfg.Retention
	if !rc.Enabled {
		return maintenance.Config{}, false, nil
	}
	maxAge, err := config.ParseDurationField("retention.max_age", rc.MaxAge)
	if err != nil {
		return maintenance.Config{}, false, err
	}
	if _, err := maintenance.ParseSchedule(rc.Schedule); err != nil {
		return maintenance.Config{}, false, err
	}
	return maintenance.Config{MaxAge: maxAge, Schedule: strings.TrimSpace(rc.Schedule)}, true, nil
}

func mapTelemetryConfig(cfg *config.Config) (telemetry.Config, error) {
	interval, err := config.ParseDurationOrDefault("telemetry.interval", cfg.Telemetry.Interval, time.Minute)
	if err != nil {
		return telemetry.Config{}, err
	}
	return telemetry.Config{Enabled: cfg.Telemetry.Enabled, Interval: interval}, nil
}

// mapDebugConfig reports false when the debug listener is disabled.
func mapDebugConfig(cfg *config.Config) (debug.Config, bool, error) {
	dc := cfg.Debug
	if !dc.Enabled {
		return debug.Config{}, false, nil
	}
	out := debug.Config{
		Addr:          strings.TrimSpace(dc.Addr),
		Token:         strings.TrimSpace(dc.Token),
		AllowInsecure: dc.AllowInsecure,
	}
	if err := debug.CheckBind(out); err != nil {
		return debug.Config{}, false, err
	}
	return out, true, nil
}

// validate runs every mapping so a reload is rejected before it is applied.
func validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapActionConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapRetentionConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	_, err := mapTelemetryConfig(cfg)
	return err
}
