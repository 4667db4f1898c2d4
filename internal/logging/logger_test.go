package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir string, cfg map[string]interface{}) {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{"logging": cfg})
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func resetLogging() {
	CloseAll()
	logsDir = ""
	dataDir = ""
	config = loggingConfig{}
	logLevel = LevelInfo
}

func TestInitializeProductionModeIsSilent(t *testing.T) {
	defer resetLogging()
	dir := t.TempDir()

	// No config file at all: production mode, no logs directory.
	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if IsDebugMode() {
		t.Error("expected debug mode off without config")
	}
	if _, err := os.Stat(filepath.Join(dir, "logs")); !os.IsNotExist(err) {
		t.Error("logs directory must not be created in production mode")
	}

	// Logging in production mode is a no-op, not a crash.
	Workflow("this should go nowhere")
}

func TestDebugModeWritesCategoryFile(t *testing.T) {
	defer resetLogging()
	dir := t.TempDir()
	writeConfig(t, dir, map[string]interface{}{"debug_mode": true, "level": "debug"})

	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	Sandbox("executed transform for table=%s", "Associates")
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("read logs dir: %v", err)
	}
	var found bool
	for _, e := range entries {
		if strings.Contains(e.Name(), "sandbox") {
			found = true
			data, _ := os.ReadFile(filepath.Join(dir, "logs", e.Name()))
			if !strings.Contains(string(data), "table=Associates") {
				t.Errorf("sandbox log missing message, got: %s", data)
			}
		}
	}
	if !found {
		t.Error("expected a sandbox category log file")
	}
}

func TestCategoryFilter(t *testing.T) {
	defer resetLogging()
	dir := t.TempDir()
	writeConfig(t, dir, map[string]interface{}{
		"debug_mode": true,
		"level":      "debug",
		"categories": map[string]bool{"retrieval": false},
	})

	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if IsCategoryEnabled(CategoryRetrieval) {
		t.Error("retrieval category should be disabled")
	}
	if !IsCategoryEnabled(CategoryWorkflow) {
		t.Error("unlisted categories default to enabled")
	}
}

func TestTimerStop(t *testing.T) {
	defer resetLogging()
	// Timer must work without initialization (no-op logger).
	timer := StartTimer(CategoryWorkflow, "ProcessMessage")
	if d := timer.Stop(); d < 0 {
		t.Errorf("negative duration: %v", d)
	}
}
