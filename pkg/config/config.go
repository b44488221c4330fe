// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mbeema/simhooks/pkg/callback"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for a simhooks run.
type Config struct {
	ServiceName string          `yaml:"service_name" env:"SIMHOOKS_SERVICE_NAME"`
	LogLevel    string          `yaml:"log_level" env:"SIMHOOKS_LOG_LEVEL"`
	Engine      EngineConfig    `yaml:"engine"`
	Script      ScriptConfig    `yaml:"script"`
	Hooks       HooksConfig     `yaml:"hooks"`
	Report      ReportConfig    `yaml:"report"`
	Health      HealthConfig    `yaml:"health"`
	Exporters   ExportersConfig `yaml:"exporters"`
}

type EngineConfig struct {
	Steps         int           `yaml:"steps"`
	StepDelay     time.Duration `yaml:"step_delay"`
	Electrostatic bool          `yaml:"electrostatic"`
	DiagInterval  int           `yaml:"diag_interval"` // 0 disables afterdiagnostics
}

type ScriptConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"` // reload the script when it changes on disk
}

// HooksConfig lists handlers to install by name before the first step.
// Keys are hook names, values are names resolved in the script namespace.
type HooksConfig struct {
	Preinstall map[string][]string `yaml:"preinstall"`
}

type ReportConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MinTotal      time.Duration `yaml:"min_total"`
	IncludeMinMax bool          `yaml:"include_min_max"`
	Format        string        `yaml:"format"` // "text" or "json"
	Output        string        `yaml:"output"` // file path, empty for stdout
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port"`
}

type ExportersConfig struct {
	OTLP     OTLPConfig    `yaml:"otlp"`
	Stdout   StdoutConfig  `yaml:"stdout"`
	Interval time.Duration `yaml:"interval"`
}

type OTLPConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	Compression string `yaml:"compression"` // "gzip" (default) or "none"
}

type StdoutConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"` // "text" or "json"
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "simhooks",
		LogLevel:    "info",
		Engine: EngineConfig{
			Steps:         10,
			Electrostatic: true,
			DiagInterval:  1,
		},
		Report: ReportConfig{
			Enabled:  true,
			MinTotal: time.Second,
			Format:   "text",
		},
		Health: HealthConfig{
			Enabled: false,
			Port:    ":8687",
		},
		Exporters: ExportersConfig{
			OTLP: OTLPConfig{
				Enabled:     false,
				Endpoint:    "localhost:4317",
				Insecure:    true,
				Compression: "gzip",
			},
			Stdout: StdoutConfig{
				Enabled: false,
				Format:  "text",
			},
			Interval: 15 * time.Second,
		},
	}
}

// LoadDir loads YAML files from a directory and merges them into a single
// Config. Expected files:
//   - base.yaml      → service_name, log_level, engine, script, report, health
//   - hooks.yaml     → hooks
//   - exporters.yaml → exporters
//
// Missing files are silently ignored (defaults apply).
func LoadDir(dir string) (*Config, error) {
	cfg := DefaultConfig()

	for _, f := range []string{"base.yaml", "hooks.yaml", "exporters.yaml"} {
		if err := loadFileInto(filepath.Join(dir, f), cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// loadFileInto reads a YAML file and unmarshals it into an existing Config,
// overwriting only the fields present in the file.
func loadFileInto(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnvOverrides reads SIMHOOKS_* environment variables and applies them
// to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"SIMHOOKS_SERVICE_NAME":  func(v string) { c.ServiceName = v },
		"SIMHOOKS_LOG_LEVEL":     func(v string) { c.LogLevel = v },
		"SIMHOOKS_HEALTH_PORT":   func(v string) { c.Health.Port = v },
		"SIMHOOKS_SCRIPT_PATH":   func(v string) { c.Script.Path = v },
		"SIMHOOKS_OTLP_ENDPOINT": func(v string) { c.Exporters.OTLP.Endpoint = v },
		"SIMHOOKS_REPORT_OUTPUT": func(v string) { c.Report.Output = v },
	}

	boolOverrides := map[string]*bool{
		"SIMHOOKS_HEALTH_ENABLED": &c.Health.Enabled,
		"SIMHOOKS_OTLP_ENABLED":   &c.Exporters.OTLP.Enabled,
		"SIMHOOKS_SCRIPT_WATCH":   &c.Script.Watch,
		"SIMHOOKS_ELECTROSTATIC":  &c.Engine.Electrostatic,
		"SIMHOOKS_REPORT_ENABLED": &c.Report.Enabled,
		"SIMHOOKS_STDOUT_ENABLED": &c.Exporters.Stdout.Enabled,
	}

	intOverrides := map[string]*int{
		"SIMHOOKS_ENGINE_STEPS":  &c.Engine.Steps,
		"SIMHOOKS_DIAG_INTERVAL": &c.Engine.DiagInterval,
	}

	durationOverrides := map[string]*time.Duration{
		"SIMHOOKS_STEP_DELAY":       &c.Engine.StepDelay,
		"SIMHOOKS_REPORT_MIN_TOTAL": &c.Report.MinTotal,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}

	for envKey, target := range intOverrides {
		if val := os.Getenv(envKey); val != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
				*target = n
			}
		}
	}

	for envKey, target := range durationOverrides {
		if val := os.Getenv(envKey); val != "" {
			if d, err := time.ParseDuration(strings.TrimSpace(val)); err == nil {
				*target = d
			}
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Engine.Steps < 0 {
		return fmt.Errorf("engine.steps must not be negative")
	}
	if c.Engine.DiagInterval < 0 {
		return fmt.Errorf("engine.diag_interval must not be negative")
	}
	if c.Engine.StepDelay < 0 {
		return fmt.Errorf("engine.step_delay must not be negative")
	}

	if c.Script.Watch && c.Script.Path == "" {
		return fmt.Errorf("script.path is required when script.watch is enabled")
	}

	for hook, names := range c.Hooks.Preinstall {
		if _, err := callback.ParseHookName(hook); err != nil {
			return fmt.Errorf("hooks.preinstall: %w", err)
		}
		for _, n := range names {
			if n == "" {
				return fmt.Errorf("hooks.preinstall.%s: empty handler name", hook)
			}
		}
	}

	if c.Report.Format != "text" && c.Report.Format != "json" {
		return fmt.Errorf("report.format must be 'text' or 'json'")
	}
	if c.Report.MinTotal < 0 {
		return fmt.Errorf("report.min_total must not be negative")
	}

	if c.Health.Enabled && c.Health.Port == "" {
		return fmt.Errorf("health.port is required when health is enabled")
	}

	if c.Exporters.OTLP.Enabled {
		if c.Exporters.OTLP.Endpoint == "" {
			return fmt.Errorf("exporters.otlp.endpoint is required when OTLP is enabled")
		}
		switch c.Exporters.OTLP.Compression {
		case "", "gzip", "none":
		default:
			return fmt.Errorf("exporters.otlp.compression must be 'gzip' or 'none'")
		}
	}
	if c.Exporters.Stdout.Enabled && c.Exporters.Stdout.Format != "text" && c.Exporters.Stdout.Format != "json" {
		return fmt.Errorf("exporters.stdout.format must be 'text' or 'json'")
	}
	if (c.Exporters.OTLP.Enabled || c.Exporters.Stdout.Enabled) && c.Exporters.Interval < 100*time.Millisecond {
		return fmt.Errorf("exporters.interval must be at least 100ms")
	}

	return nil
}
