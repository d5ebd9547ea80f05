package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/coredbg/coredbg/internal/config"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writeTempFile: %v", err)
	}
	return path
}

func TestParseEmptyYAMLAppliesAllDefaults(t *testing.T) {
	cfg, err := config.Parse([]byte(``))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.MaxWatchpointSlots != 4 {
		t.Fatalf("MaxWatchpointSlots = %d, want 4", cfg.MaxWatchpointSlots)
	}
	if cfg.MaxStepInstructions != 1_000_000 {
		t.Fatalf("MaxStepInstructions = %d, want 1000000", cfg.MaxStepInstructions)
	}
	if cfg.LogLevel != config.LogLevelInfo {
		t.Fatalf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestParseNormalisesLogLevelCase(t *testing.T) {
	cfg, err := config.Parse([]byte("log_level: DEBUG\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.LogLevel != config.LogLevelDebug {
		t.Fatalf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestParseRejectsWatchpointSlotsAboveHardwareBudget(t *testing.T) {
	if _, err := config.Parse([]byte("max_watchpoint_slots: 5\n")); err == nil {
		t.Fatal("Parse: want error for 5 watchpoint slots, hardware only has 4")
	}
}

func TestParseRejectsUnknownLogLevel(t *testing.T) {
	if _, err := config.Parse([]byte("log_level: verbose\n")); err == nil {
		t.Fatal("Parse: want error for an unrecognised log level")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	if _, err := config.Parse([]byte("not_a_real_field: true\n")); err == nil {
		t.Fatal("Parse: want error for an unrecognised YAML key")
	}
}

func TestLoadFallsBackToDefaultWhenDefaultPathMissing(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxWatchpointSlots != 4 {
		t.Fatalf("MaxWatchpointSlots = %d, want 4", cfg.MaxWatchpointSlots)
	}
}

func TestLoadErrorsWhenExplicitPathMissing(t *testing.T) {
	if _, err := config.Load("/nonexistent/coredbgrc.yaml"); err == nil {
		t.Fatal("Load: want error for a missing explicit path")
	}
}

func TestLoadReadsExplicitPath(t *testing.T) {
	path := writeTempFile(t, "coredbgrc.yaml", "max_watchpoint_slots: 2\n")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxWatchpointSlots != 2 {
		t.Fatalf("MaxWatchpointSlots = %d, want 2", cfg.MaxWatchpointSlots)
	}
}
