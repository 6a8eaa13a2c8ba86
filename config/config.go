// Package config provides configuration loading and management for
// VaultFlow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/vaultflow/vaultflow/execution"
)

// Config represents the complete VaultFlow configuration. Durations are
// expressed in milliseconds so the YAML stays plain integers.
type Config struct {
	// VaultPath is the absolute path of the vault root.
	VaultPath string `yaml:"vault_path"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Ingest    IngestConfig    `yaml:"ingest"`
	Execution ExecutionConfig `yaml:"execution"`
	Retry     RetryConfig     `yaml:"retry"`
	Lock      LockConfig      `yaml:"lock"`
	Bus       BusConfig       `yaml:"bus"`
	Health    HealthConfig    `yaml:"health"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Audit     AuditConfig     `yaml:"audit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// IngestConfig configures the inbox watcher.
type IngestConfig struct {
	// Patterns restricts which inbox drops are ingested, as doublestar
	// globs against the filename (empty = ingest everything).
	Patterns []string `yaml:"patterns,omitempty"`
	// DebounceMS coalesces editor write bursts on one file.
	DebounceMS int `yaml:"debounce_ms"`
	// Diagnostic archives inbox drops without creating actions.
	Diagnostic bool `yaml:"diagnostic"`
}

// ExecutionConfig configures the execution engine.
type ExecutionConfig struct {
	// Mode is DRY_RUN, REAL or SIMULATED.
	Mode string `yaml:"mode"`
	// RollbackStrategy is AUTOMATIC, MANUAL or NONE.
	RollbackStrategy string `yaml:"rollback_strategy"`
	// StepTimeoutMS bounds each step attempt.
	StepTimeoutMS int `yaml:"step_timeout_ms"`
}

// RetryConfig configures exponential backoff.
type RetryConfig struct {
	BaseMS      int `yaml:"base_ms"`
	CapMS       int `yaml:"cap_ms"`
	MaxAttempts int `yaml:"max_attempts"`
}

// LockConfig configures per-stem file locks.
type LockConfig struct {
	// TimeoutMS bounds how long an acquire waits.
	TimeoutMS int `yaml:"timeout_ms"`
	// StaleMS is the age after which a lock file may be reclaimed.
	StaleMS int `yaml:"stale_ms"`
}

// BusConfig configures the in-process event broker.
type BusConfig struct {
	HistorySize     int `yaml:"history_size"`
	SubscriberQueue int `yaml:"subscriber_queue"`
}

// HealthConfig configures the orchestrator health loop.
type HealthConfig struct {
	IntervalMS int `yaml:"interval_ms"`
	TimeoutMS  int `yaml:"timeout_ms"`
}

// ApprovalConfig configures the rule engine.
type ApprovalConfig struct {
	// Rules is the path of a YAML rule list (empty = built-in defaults).
	Rules string `yaml:"rules,omitempty"`
}

// DashboardConfig configures the Dashboard.md writer.
type DashboardConfig struct {
	IntervalMS int `yaml:"interval_ms"`
}

// AuditConfig configures the audit log location.
type AuditConfig struct {
	// Path overrides the default System_Log/Audit directory.
	Path string `yaml:"path,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics ("" = disabled).
	Addr string `yaml:"addr,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		VaultPath: "",
		LogLevel:  "info",
		Ingest: IngestConfig{
			DebounceMS: 500,
		},
		Execution: ExecutionConfig{
			Mode:             string(execution.ModeDryRun),
			RollbackStrategy: string(execution.RollbackAutomatic),
			StepTimeoutMS:    120_000,
		},
		Retry: RetryConfig{
			BaseMS:      1000,
			CapMS:       60_000,
			MaxAttempts: 5,
		},
		Lock: LockConfig{
			TimeoutMS: 10_000,
			StaleMS:   300_000,
		},
		Bus: BusConfig{
			HistorySize:     1000,
			SubscriberQueue: 4096,
		},
		Health: HealthConfig{
			IntervalMS: 30_000,
			TimeoutMS:  5000,
		},
		Dashboard: DashboardConfig{
			IntervalMS: 30_000,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.VaultPath == "" {
		return fmt.Errorf("vault_path is required")
	}
	if !filepath.IsAbs(c.VaultPath) {
		return fmt.Errorf("vault_path must be absolute, got %q", c.VaultPath)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	if !execution.Mode(c.Execution.Mode).IsValid() {
		return fmt.Errorf("execution.mode: unknown mode %q", c.Execution.Mode)
	}
	if !execution.RollbackStrategy(c.Execution.RollbackStrategy).IsValid() {
		return fmt.Errorf("execution.rollback_strategy: unknown strategy %q", c.Execution.RollbackStrategy)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if c.Retry.BaseMS < 1 || c.Retry.CapMS < c.Retry.BaseMS {
		return fmt.Errorf("retry backoff bounds invalid: base_ms=%d cap_ms=%d", c.Retry.BaseMS, c.Retry.CapMS)
	}
	for _, p := range c.Ingest.Patterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("ingest.patterns: invalid pattern %q", p)
		}
	}
	return nil
}

// Duration helpers.

func (c *Config) RetryBase() time.Duration     { return time.Duration(c.Retry.BaseMS) * time.Millisecond }
func (c *Config) RetryCap() time.Duration      { return time.Duration(c.Retry.CapMS) * time.Millisecond }
func (c *Config) LockTimeout() time.Duration   { return time.Duration(c.Lock.TimeoutMS) * time.Millisecond }
func (c *Config) LockStale() time.Duration     { return time.Duration(c.Lock.StaleMS) * time.Millisecond }
func (c *Config) StepTimeout() time.Duration {
	return time.Duration(c.Execution.StepTimeoutMS) * time.Millisecond
}
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Health.IntervalMS) * time.Millisecond
}
func (c *Config) HealthTimeout() time.Duration {
	return time.Duration(c.Health.TimeoutMS) * time.Millisecond
}
func (c *Config) DashboardInterval() time.Duration {
	return time.Duration(c.Dashboard.IntervalMS) * time.Millisecond
}
func (c *Config) IngestDebounce() time.Duration {
	return time.Duration(c.Ingest.DebounceMS) * time.Millisecond
}

// AuditDir returns the audit directory, defaulting to System_Log/Audit
// inside the vault.
func (c *Config) AuditDir() string {
	if c.Audit.Path != "" {
		return c.Audit.Path
	}
	return filepath.Join(c.VaultPath, "System_Log", "Audit")
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.VaultPath != "" {
		c.VaultPath = other.VaultPath
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if len(other.Ingest.Patterns) > 0 {
		c.Ingest.Patterns = other.Ingest.Patterns
	}
	if other.Ingest.DebounceMS != 0 {
		c.Ingest.DebounceMS = other.Ingest.DebounceMS
	}
	if other.Ingest.Diagnostic {
		c.Ingest.Diagnostic = true
	}
	if other.Execution.Mode != "" {
		c.Execution.Mode = other.Execution.Mode
	}
	if other.Execution.RollbackStrategy != "" {
		c.Execution.RollbackStrategy = other.Execution.RollbackStrategy
	}
	if other.Execution.StepTimeoutMS != 0 {
		c.Execution.StepTimeoutMS = other.Execution.StepTimeoutMS
	}
	if other.Retry.BaseMS != 0 {
		c.Retry.BaseMS = other.Retry.BaseMS
	}
	if other.Retry.CapMS != 0 {
		c.Retry.CapMS = other.Retry.CapMS
	}
	if other.Retry.MaxAttempts != 0 {
		c.Retry.MaxAttempts = other.Retry.MaxAttempts
	}
	if other.Lock.TimeoutMS != 0 {
		c.Lock.TimeoutMS = other.Lock.TimeoutMS
	}
	if other.Lock.StaleMS != 0 {
		c.Lock.StaleMS = other.Lock.StaleMS
	}
	if other.Bus.HistorySize != 0 {
		c.Bus.HistorySize = other.Bus.HistorySize
	}
	if other.Bus.SubscriberQueue != 0 {
		c.Bus.SubscriberQueue = other.Bus.SubscriberQueue
	}
	if other.Health.IntervalMS != 0 {
		c.Health.IntervalMS = other.Health.IntervalMS
	}
	if other.Health.TimeoutMS != 0 {
		c.Health.TimeoutMS = other.Health.TimeoutMS
	}
	if other.Approval.Rules != "" {
		c.Approval.Rules = other.Approval.Rules
	}
	if other.Dashboard.IntervalMS != 0 {
		c.Dashboard.IntervalMS = other.Dashboard.IntervalMS
	}
	if other.Audit.Path != "" {
		c.Audit.Path = other.Audit.Path
	}
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
}
