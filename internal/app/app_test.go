package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"tflsched/internal/action"
	"tflsched/internal/config"
)

func testConfig() *config.Config {
	cfg := &config.Config{
		HTTP:    config.HTTPConfig{Addr: "127.0.0.1:0"},
		Logging: config.LoggingConfig{Level: "error"},
		Storage: config.StorageConfig{Driver: "memory"},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestAppServesTasks(t *testing.T) {
	cfg := testConfig()
	cfg.Debug = config.DebugConfig{Enabled: true, Addr: "127.0.0.1:0"}
	a, err := build(nil, cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		stopCtx, c := context.WithTimeout(context.Background(), 10*time.Second)
		defer c()
		_ = a.Stop(stopCtx)
	}()

	base := "http://" + a.Addr()
	resp, err := http.Post(base+"/tasks/", "application/json",
		strings.NewReader(`{"scheduler_time":"2099-01-01T00:00:00","lines":"victoria"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	idBytes, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || len(idBytes) == 0 {
		t.Fatalf("create: %d %q", resp.StatusCode, idBytes)
	}

	resp, err = http.Get(base + "/tasks/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer resp.Body.Close()
	var tasks []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tasks) != 1 || tasks[0]["id"] != string(idBytes) || tasks[0]["lines"] != "victoria" {
		t.Fatalf("tasks: %+v", tasks)
	}
	if got := a.timers.Len(); got != 1 {
		t.Fatalf("armed timers: %d", got)
	}

	st, ok := a.debugState().(stateDump)
	if !ok || len(st.Timers) != 1 || st.Timers[0].ID != string(idBytes) {
		t.Fatalf("debug state: %+v", a.debugState())
	}
	if a.dbg == nil || a.dbg.Addr() == "" {
		t.Fatalf("debug server not running")
	}
}

func TestStopBeforeStart(t *testing.T) {
	a, err := build(nil, testConfig())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	_ = a.store.Close()
}

func TestMapConfig(t *testing.T) {
	cfg := testConfig()
	cfg.HTTP.Timezone = "UTC"
	cfg.Scheduler = config.SchedulerConfig{
		FireTimeout: "20s",
		Reconciler:  config.ReconcilerConfig{Workers: 3, Timeout: "2s"},
	}
	cfg.Action.RatePerSec = 4
	cfg.Retention = config.RetentionConfig{Enabled: true, MaxAge: "24h", Schedule: "@daily"}

	if err := validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}

	sc, rc, err := mapSchedulerConfig(cfg)
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	if sc.Action != action.Name || sc.FireTimeout != 20*time.Second || sc.RetryDelay != 30*time.Second {
		t.Fatalf("scheduler config: %+v", sc)
	}
	if rc.Workers != 3 || rc.Timeout != 2*time.Second {
		t.Fatalf("reconciler config: %+v", rc)
	}

	ac, err := mapActionConfig(cfg)
	if err != nil || ac.RatePerSec != 4 || ac.Timeout != 10*time.Second {
		t.Fatalf("action config: %+v %v", ac, err)
	}

	ret, ok, err := mapRetentionConfig(cfg)
	if err != nil || !ok || ret.MaxAge != 24*time.Hour || ret.Schedule != "@daily" {
		t.Fatalf("retention config: %+v %v %v", ret, ok, err)
	}

	hc, loc, err := mapHTTPConfig(cfg)
	if err != nil || loc != time.UTC || hc.ReadTimeout != 15*time.Second {
		t.Fatalf("http config: %+v %v %v", hc, loc, err)
	}

	cfg.Retention.Schedule = "not a schedule"
	if err := validate(cfg); err == nil {
		t.Fatalf("expected bad retention schedule to fail validation")
	}
}
