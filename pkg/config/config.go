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

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the loopmon agent.
type Config struct {
	ServiceName    string            `yaml:"service_name" env:"LOOPMON_SERVICE_NAME"`
	ServiceVersion string            `yaml:"service_version" env:"LOOPMON_SERVICE_VERSION"`
	DeploymentEnv  string            `yaml:"deployment_environment" env:"LOOPMON_DEPLOYMENT_ENV"`
	LogLevel       string            `yaml:"log_level" env:"LOOPMON_LOG_LEVEL"`
	Profiling      ProfilingConfig   `yaml:"profiling"`
	Metrics        MetricsConfig     `yaml:"metrics"`
	WorkPool       WorkPoolConfig    `yaml:"workpool"`
	Exporters      ExportersConfig   `yaml:"exporters"`
	Health         HealthConfig      `yaml:"health"`
	Properties     map[string]string `yaml:"properties"` // extra host properties, applied last
}

type ProfilingConfig struct {
	Enabled        bool            `yaml:"enabled"`
	Interval       time.Duration   `yaml:"interval"`        // report period; 0 derives from JSON
	SampleInterval time.Duration   `yaml:"sample_interval"` // time between stack samples
	Threshold      time.Duration   `yaml:"threshold"`       // watchdog timeout; 0 disables suspension
	JSON           bool            `yaml:"json"`            // emit JSON trees instead of text records
	Watchdog       WatchdogConfig  `yaml:"watchdog"`
	Pyroscope      PyroscopeConfig `yaml:"pyroscope"`
}

// ReportInterval returns the profiling report period. JSON trees are large,
// so they are sent less often.
func (p *ProfilingConfig) ReportInterval() time.Duration {
	if p.Interval > 0 {
		return p.Interval
	}
	if p.JSON {
		return 60 * time.Second
	}
	return 5 * time.Second
}

type WatchdogConfig struct {
	Mode               string        `yaml:"mode"` // "idle" or "stall"
	SuspendSignal      int           `yaml:"suspend_signal"`
	ResumeSignal       int           `yaml:"resume_signal"`
	SamplerThreadNames []string      `yaml:"sampler_thread_names"` // checked in order
	LocateGrace        time.Duration `yaml:"locate_grace"`
}

type PyroscopeConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "https://profiles-prod-us-east-0.grafana.net"
	Username string `yaml:"username"` // Grafana Cloud instance ID (or empty for unauthenticated)
	Password string `yaml:"password"` // Grafana Cloud API token (or empty for unauthenticated)
}

type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Interval       time.Duration `yaml:"interval"`
	MemoryInterval time.Duration `yaml:"memory_interval"`
	GC             MetricsToggle `yaml:"gc"`
	Heap           MetricsToggle `yaml:"heap"`
	Loop           MetricsToggle `yaml:"loop"`
	Memory         MetricsToggle `yaml:"memory"`
	Environment    MetricsToggle `yaml:"environment"` // reported once per collector start
	WorkPool       MetricsToggle `yaml:"workpool"`
}

type MetricsToggle struct {
	Enabled bool `yaml:"enabled"`
}

type WorkPoolConfig struct {
	Size     int `yaml:"size"`
	Capacity int `yaml:"capacity"`
}

type ExportersConfig struct {
	OTLP   OTLPConfig   `yaml:"otlp"`
	Stdout StdoutConfig `yaml:"stdout"`
}

type OTLPConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Protocol    string            `yaml:"protocol"` // "grpc" or "http"
	Insecure    bool              `yaml:"insecure"`
	Compression string            `yaml:"compression"` // "gzip" or "none"
	Headers     map[string]string `yaml:"headers"`
}

type StdoutConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"` // "text" or "json"
}

// HealthConfig configures the health HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port" env:"LOOPMON_HEALTH_PORT"` // e.g. ":8687"
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
		ServiceName: "loopmon",
		LogLevel:    "info",
		Profiling: ProfilingConfig{
			Enabled:        false,
			SampleInterval: time.Millisecond,
			Threshold:      0,
			Watchdog: WatchdogConfig{
				Mode:               "idle",
				SuspendSignal:      62,
				ResumeSignal:       63,
				SamplerThreadNames: []string{"loopmon:sampler"},
				LocateGrace:        500 * time.Millisecond,
			},
			Pyroscope: PyroscopeConfig{
				Enabled:  false,
				Endpoint: "http://localhost:4040",
			},
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			Interval:       5 * time.Second,
			MemoryInterval: 2 * time.Second,
			GC:             MetricsToggle{Enabled: true},
			Heap:           MetricsToggle{Enabled: true},
			Loop:           MetricsToggle{Enabled: true},
			Memory:         MetricsToggle{Enabled: true},
			Environment:    MetricsToggle{Enabled: true},
			WorkPool:       MetricsToggle{Enabled: true},
		},
		WorkPool: WorkPoolConfig{
			Size:     4,
			Capacity: 1024,
		},
		Exporters: ExportersConfig{
			OTLP: OTLPConfig{
				Enabled:     false,
				Endpoint:    "localhost:4317",
				Protocol:    "grpc",
				Insecure:    true,
				Compression: "gzip",
			},
			Stdout: StdoutConfig{
				Enabled: true,
				Format:  "text",
			},
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    ":8687",
		},
	}
}

// LoadDir loads YAML files from a directory and merges them into a single
// Config. Expected files:
//   - base.yaml      → service_name, log_level, exporters, health, properties
//   - profiling.yaml → profiling
//   - metrics.yaml   → metrics, workpool
//
// Missing files are silently ignored (defaults apply).
func LoadDir(dir string) (*Config, error) {
	cfg := DefaultConfig()

	for _, f := range dirFiles {
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

// dirFiles are merged in order; later files win.
var dirFiles = []string{"base.yaml", "profiling.yaml", "metrics.yaml"}

// loadFileInto reads a YAML file and unmarshals it into an existing Config,
// overwriting only the fields present in the file.
func loadFileInto(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnvOverrides reads LOOPMON_* environment variables and applies them
// to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"LOOPMON_SERVICE_NAME":            func(v string) { c.ServiceName = v },
		"LOOPMON_SERVICE_VERSION":         func(v string) { c.ServiceVersion = v },
		"LOOPMON_DEPLOYMENT_ENV":          func(v string) { c.DeploymentEnv = v },
		"LOOPMON_LOG_LEVEL":               func(v string) { c.LogLevel = v },
		"LOOPMON_HEALTH_PORT":             func(v string) { c.Health.Port = v },
		"LOOPMON_EXPORTERS_OTLP_ENDPOINT": func(v string) { c.Exporters.OTLP.Endpoint = v },
		"LOOPMON_EXPORTERS_OTLP_PROTOCOL": func(v string) { c.Exporters.OTLP.Protocol = v },
		"LOOPMON_WATCHDOG_MODE":           func(v string) { c.Profiling.Watchdog.Mode = v },
	}

	boolOverrides := map[string]*bool{
		"LOOPMON_PROFILING_ENABLED":      &c.Profiling.Enabled,
		"LOOPMON_PROFILING_JSON":         &c.Profiling.JSON,
		"LOOPMON_METRICS_ENABLED":        &c.Metrics.Enabled,
		"LOOPMON_HEALTH_ENABLED":         &c.Health.Enabled,
		"LOOPMON_EXPORTERS_OTLP_ENABLED": &c.Exporters.OTLP.Enabled,
	}

	// Durations accept Go syntax ("250ms") or bare milliseconds.
	durationOverrides := map[string]*time.Duration{
		"LOOPMON_PROFILING_INTERVAL":        &c.Profiling.Interval,
		"LOOPMON_PROFILING_SAMPLE_INTERVAL": &c.Profiling.SampleInterval,
		"LOOPMON_PROFILING_THRESHOLD":       &c.Profiling.Threshold,
		"LOOPMON_METRICS_INTERVAL":          &c.Metrics.Interval,
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

	for envKey, target := range durationOverrides {
		if val := os.Getenv(envKey); val != "" {
			if d, ok := parseDuration(val); ok {
				*target = d
			}
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

func parseDuration(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, true
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return d, true
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Exporters.OTLP.Enabled {
		if c.Exporters.OTLP.Endpoint == "" {
			return fmt.Errorf("exporters.otlp.endpoint is required when OTLP is enabled")
		}
		if c.Exporters.OTLP.Protocol != "grpc" && c.Exporters.OTLP.Protocol != "http" {
			return fmt.Errorf("exporters.otlp.protocol must be 'grpc' or 'http'")
		}
	}

	switch c.Exporters.OTLP.Compression {
	case "", "gzip", "none":
	default:
		return fmt.Errorf("exporters.otlp.compression must be 'gzip' or 'none'")
	}

	if c.Exporters.Stdout.Format != "" && c.Exporters.Stdout.Format != "text" && c.Exporters.Stdout.Format != "json" {
		return fmt.Errorf("exporters.stdout.format must be 'text' or 'json'")
	}

	p := &c.Profiling
	if p.SampleInterval <= 0 {
		return fmt.Errorf("profiling.sample_interval must be positive")
	}
	if p.Threshold < 0 {
		return fmt.Errorf("profiling.threshold must not be negative")
	}
	if p.Interval < 0 {
		return fmt.Errorf("profiling.interval must not be negative")
	}

	wd := &p.Watchdog
	switch wd.Mode {
	case "", "idle", "stall":
	default:
		return fmt.Errorf("profiling.watchdog.mode must be 'idle' or 'stall'")
	}
	if wd.SuspendSignal == wd.ResumeSignal {
		return fmt.Errorf("profiling.watchdog suspend and resume signals must differ")
	}
	if p.Threshold > 0 && len(wd.SamplerThreadNames) == 0 {
		return fmt.Errorf("profiling.watchdog.sampler_thread_names is required when a threshold is set")
	}

	if p.Enabled && p.Pyroscope.Enabled && p.Pyroscope.Endpoint == "" {
		return fmt.Errorf("profiling.pyroscope.endpoint is required when pyroscope is enabled")
	}

	if c.Metrics.Enabled && c.Metrics.Interval < 100*time.Millisecond {
		return fmt.Errorf("metrics.interval must be at least 100ms")
	}

	if c.WorkPool.Size < 1 {
		return fmt.Errorf("workpool.size must be at least 1")
	}

	return nil
}
