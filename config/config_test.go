package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Execution.Mode != "DRY_RUN" {
		t.Errorf("expected default mode DRY_RUN, got %s", cfg.Execution.Mode)
	}
	if cfg.Execution.RollbackStrategy != "AUTOMATIC" {
		t.Errorf("expected default rollback AUTOMATIC, got %s", cfg.Execution.RollbackStrategy)
	}
	if cfg.Retry.BaseMS != 1000 || cfg.Retry.CapMS != 60_000 || cfg.Retry.MaxAttempts != 5 {
		t.Errorf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if got := cfg.LockTimeout(); got != 10*time.Second {
		t.Errorf("expected lock timeout 10s, got %v", got)
	}
	if cfg.Lock.StaleMS != 300_000 {
		t.Errorf("expected stale threshold 300000ms, got %d", cfg.Lock.StaleMS)
	}
	if got := cfg.HealthInterval(); got != 30*time.Second {
		t.Errorf("expected health interval 30s, got %v", got)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing vault path",
			modify:  func(c *Config) { c.VaultPath = "" },
			wantErr: true,
		},
		{
			name:    "relative vault path",
			modify:  func(c *Config) { c.VaultPath = "relative/vault" },
			wantErr: true,
		},
		{
			name:    "unknown log level",
			modify:  func(c *Config) { c.LogLevel = "trace" },
			wantErr: true,
		},
		{
			name:    "unknown execution mode",
			modify:  func(c *Config) { c.Execution.Mode = "LIVE" },
			wantErr: true,
		},
		{
			name:    "unknown rollback strategy",
			modify:  func(c *Config) { c.Execution.RollbackStrategy = "undo" },
			wantErr: true,
		},
		{
			name:    "zero retry attempts",
			modify:  func(c *Config) { c.Retry.MaxAttempts = 0 },
			wantErr: true,
		},
		{
			name:    "cap below base",
			modify:  func(c *Config) { c.Retry.BaseMS = 5000; c.Retry.CapMS = 1000 },
			wantErr: true,
		},
		{
			name:    "valid ingest patterns",
			modify:  func(c *Config) { c.Ingest.Patterns = []string{"*.md", "notes/**/*.txt"} },
			wantErr: false,
		},
		{
			name:    "invalid ingest pattern",
			modify:  func(c *Config) { c.Ingest.Patterns = []string{"[unclosed"} },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.VaultPath = "/tmp/vault"
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
vault_path: "/data/vault"
log_level: debug
execution:
  mode: SIMULATED
  rollback_strategy: MANUAL
retry:
  base_ms: 250
  max_attempts: 3
lock:
  timeout_ms: 5000
ingest:
  patterns:
    - "*.md"
    - "*.txt"
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.VaultPath != "/data/vault" {
		t.Errorf("expected vault path /data/vault, got %s", cfg.VaultPath)
	}
	if cfg.Execution.Mode != "SIMULATED" {
		t.Errorf("expected mode SIMULATED, got %s", cfg.Execution.Mode)
	}
	if cfg.Execution.RollbackStrategy != "MANUAL" {
		t.Errorf("expected rollback MANUAL, got %s", cfg.Execution.RollbackStrategy)
	}
	if cfg.Retry.BaseMS != 250 {
		t.Errorf("expected base 250ms, got %d", cfg.Retry.BaseMS)
	}
	if cfg.Lock.TimeoutMS != 5000 {
		t.Errorf("expected lock timeout 5000ms, got %d", cfg.Lock.TimeoutMS)
	}
	if len(cfg.Ingest.Patterns) != 2 {
		t.Errorf("expected 2 ingest patterns, got %d", len(cfg.Ingest.Patterns))
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		VaultPath: "/override/vault",
		Execution: ExecutionConfig{Mode: "REAL"},
		Retry:     RetryConfig{MaxAttempts: 7},
	}

	base.Merge(override)

	if base.VaultPath != "/override/vault" {
		t.Errorf("expected vault path /override/vault, got %s", base.VaultPath)
	}
	if base.Execution.Mode != "REAL" {
		t.Errorf("expected mode REAL, got %s", base.Execution.Mode)
	}
	// Rollback strategy remains from base since override didn't set it.
	if base.Execution.RollbackStrategy != "AUTOMATIC" {
		t.Errorf("expected rollback to remain AUTOMATIC, got %s", base.Execution.RollbackStrategy)
	}
	if base.Retry.MaxAttempts != 7 {
		t.Errorf("expected max attempts 7, got %d", base.Retry.MaxAttempts)
	}
	if base.Retry.BaseMS != 1000 {
		t.Errorf("expected base to remain 1000ms, got %d", base.Retry.BaseMS)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.VaultPath = "/saved/vault"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.VaultPath != "/saved/vault" {
		t.Errorf("expected vault path /saved/vault, got %s", loaded.VaultPath)
	}
}

func TestLoaderExplicitFileAndEnv(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "explicit.yaml")
	content := "vault_path: \"" + tmpDir + "\"\nlog_level: warn\n"
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(nil)
	cfg, err := loader.Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.VaultPath != tmpDir {
		t.Errorf("expected vault path %s, got %s", tmpDir, cfg.VaultPath)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.LogLevel)
	}

	envDir := t.TempDir()
	t.Setenv(EnvVaultPath, envDir)
	cfg, err = loader.Load(configPath)
	if err != nil {
		t.Fatalf("Load() with env error = %v", err)
	}
	if cfg.VaultPath != envDir {
		t.Errorf("env override ignored: vault path = %s, want %s", cfg.VaultPath, envDir)
	}
}
