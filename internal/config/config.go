// Package config loads coredbg's small per-user settings file,
// ~/.coredbgrc.yaml. Grounded on bobbydeveaux-starbucks-mugs's config-loading
// shape (YAML unmarshal, applyDefaults before validation, Validate
// collecting every error instead of stopping at the first one) but scaled
// down to the handful of tunables spec §6.4 allows a stateless core to
// carry: default watchpoint slot budget, the step-into instruction bound,
// and log verbosity.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/coredbg/coredbg/internal/dbgerr"
)

// LogLevel is the rc file's log verbosity setting. It is parsed and
// validated; no other package reads it, so it filters no output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

var validLogLevels = map[LogLevel]struct{}{
	LogLevelDebug: {},
	LogLevelInfo:  {},
	LogLevelWarn:  {},
	LogLevelError: {},
}

// UnmarshalYAML case-normalises the log level the way
// bobbydeveaux-starbucks-mugs's Severity does, so "DEBUG", "Debug" and
// "debug" in the rc file all resolve to the same value.
func (l *LogLevel) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*l = LogLevel(strings.ToLower(strings.TrimSpace(raw)))
	return nil
}

// hardwareWatchpointSlots is the x86-64 debug-register slot count
// (DR0-DR3); MaxWatchpointSlots in the rc file can only narrow this, never
// widen it, since the hardware has no more than four comparators.
const hardwareWatchpointSlots = 4

// Config is the root of ~/.coredbgrc.yaml.
type Config struct {
	// MaxWatchpointSlots caps how many of the hardware's four debug
	// registers watchpoint.Set will allocate from. Defaults to the full
	// hardware budget when omitted.
	MaxWatchpointSlots int `yaml:"max_watchpoint_slots"`
	// MaxStepInstructions bounds step.Engine.Into's single-step loop, the
	// same guard step.go applies on its own when the rc file is absent.
	MaxStepInstructions int `yaml:"max_step_instructions"`
	// LogLevel is parsed and validated only; nothing outside this package
	// reads it. Defaults to "info".
	LogLevel LogLevel `yaml:"log_level"`
}

// applyDefaults fills in omitted fields with the values the core already
// uses when no rc file exists.
func applyDefaults(cfg *Config) {
	if cfg.MaxWatchpointSlots == 0 {
		cfg.MaxWatchpointSlots = hardwareWatchpointSlots
	}
	if cfg.MaxStepInstructions == 0 {
		cfg.MaxStepInstructions = 1_000_000
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogLevelInfo
	}
}

// Validate checks cfg for semantic errors, returning all of them at once
// the way bobbydeveaux-starbucks-mugs's Validate does.
func Validate(cfg *Config) []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if cfg.MaxWatchpointSlots < 1 || cfg.MaxWatchpointSlots > hardwareWatchpointSlots {
		add("max_watchpoint_slots %d is out of range; must be between 1 and %d",
			cfg.MaxWatchpointSlots, hardwareWatchpointSlots)
	}
	if cfg.MaxStepInstructions < 1 {
		add("max_step_instructions must be positive")
	}
	if _, ok := validLogLevels[cfg.LogLevel]; !ok {
		add("log_level %q is invalid; must be one of debug, info, warn, error", cfg.LogLevel)
	}

	return errs
}

// Parse decodes YAML bytes, applies defaults, and validates the result.
// Callers who already have the YAML in memory (tests, or an explicit
// --config flag) should use this directly.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: parsing config YAML: %v", dbgerr.ErrInvalidRequest, err)
	}

	applyDefaults(&cfg)

	if errs := Validate(&cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("%w: invalid configuration:\n  - %s",
			dbgerr.ErrInvalidRequest, strings.Join(msgs, "\n  - "))
	}

	return &cfg, nil
}

// Default returns the configuration coredbg runs with when no rc file is
// present: every default applied, nothing to validate against.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads path, or ~/.coredbgrc.yaml when path is empty. A missing rc
// file at the default location is not an error: Load returns Default()
// instead, since the rc file is an optional override, not a required
// artifact (spec §6.4, core is stateless by default). A missing file at an
// explicitly given path is still reported, since that's a user mistake
// worth surfacing rather than silently ignoring.
func Load(path string) (*Config, error) {
	usingDefaultPath := path == ""
	if usingDefaultPath {
		home, err := os.UserHomeDir()
		if err != nil {
			return Default(), nil
		}
		path = filepath.Join(home, ".coredbgrc.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if usingDefaultPath && os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}
	return Parse(data)
}
