package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "DEBUG").With(Component("test"))

	log.Info("hello", Int("n", 3), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if m["message"] != "hello" {
		t.Fatalf("message = %v", m["message"])
	}
	if m["comp"] != "test" {
		t.Fatalf("comp = %v", m["comp"])
	}
	if m["n"] != float64(3) {
		t.Fatalf("n = %v", m["n"])
	}
	if m["error"] == nil && m["err"] == nil {
		t.Fatalf("expected error field, got %v", m)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "WARN")
	log.Debug("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected debug to be filtered, got %q", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatal("debug should be disabled at WARN")
	}
	if !log.Enabled(LevelError) {
		t.Fatal("error should be enabled at WARN")
	}
}

func TestZeroAndNopLoggersAreSafe(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	zero.Info("ignored")
	Nop().With(String("k", "v")).Error("ignored")
}

func TestValidLevel(t *testing.T) {
	for _, lvl := range []string{"", "debug", "INFO", "warning", "Error", "trace"} {
		if !ValidLevel(lvl) {
			t.Fatalf("ValidLevel(%q) = false", lvl)
		}
	}
	if ValidLevel("loud") {
		t.Fatal("ValidLevel(loud) = true")
	}
}

func TestTaskIDAndCaller(t *testing.T) {
	var buf bytes.Buffer
	NewWriter(&buf, "info").Info("fired", TaskID("abc"))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal %q: %v", buf.String(), err)
	}
	if m["task_id"] != "abc" {
		t.Fatalf("task_id = %v", m["task_id"])
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logger_test.go:") {
		t.Fatalf("caller = %v", m["caller"])
	}
}

func TestServiceFileSinkAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	comp := log.With(Component("scheduler"))
	comp.Info("hidden")
	comp.Warn("shown")

	// level-only change keeps the same file and is seen by derived loggers
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	comp.Debug("now visible")

	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	out := string(b)
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line written at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "now visible") {
		t.Fatalf("missing lines: %s", out)
	}
	if strings.Count(out, "\n") != 2 {
		t.Fatalf("expected 2 lines, got: %s", out)
	}
}
