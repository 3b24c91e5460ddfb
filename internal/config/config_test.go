package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Check essential defaults
	if cfg.Agent.DataDir != "./data" {
		t.Errorf("Agent.DataDir = %s, want ./data", cfg.Agent.DataDir)
	}
	if cfg.Agent.LogLevel != "info" {
		t.Errorf("Agent.LogLevel = %s, want info", cfg.Agent.LogLevel)
	}
	if cfg.Discovery.StartPort != 55500 || cfg.Discovery.EndPort != 55600 {
		t.Errorf("Discovery ports = %d-%d, want 55500-55600", cfg.Discovery.StartPort, cfg.Discovery.EndPort)
	}
	if cfg.Discovery.Path != "didconnect" {
		t.Errorf("Discovery.Path = %s, want didconnect", cfg.Discovery.Path)
	}
	if cfg.Connect.ResponseTimeout != 30*time.Second {
		t.Errorf("Connect.ResponseTimeout = %v, want 30s", cfg.Connect.ResponseTimeout)
	}
	if cfg.Storage.Backend != "bbolt" {
		t.Errorf("Storage.Backend = %s, want bbolt", cfg.Storage.Backend)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestParse_ValidConfig(t *testing.T) {
	yamlConfig := `
agent:
  data_dir: "./state"
  log_level: "debug"
  log_format: "json"
  origin: "https://app.example.com"

discovery:
  host: "127.0.0.1"
  start_port: 56000
  end_port: 56010
  inter_attempt_delay: 10ms
  user_initiated: true

connect:
  response_timeout: 45s

storage:
  backend: memory

metrics:
  enabled: true
  address: "127.0.0.1:9465"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Agent.DataDir != "./state" {
		t.Errorf("Agent.DataDir = %s, want ./state", cfg.Agent.DataDir)
	}
	if cfg.Agent.Origin != "https://app.example.com" {
		t.Errorf("Agent.Origin = %s", cfg.Agent.Origin)
	}
	if cfg.Discovery.StartPort != 56000 || cfg.Discovery.EndPort != 56010 {
		t.Errorf("Discovery ports = %d-%d, want 56000-56010", cfg.Discovery.StartPort, cfg.Discovery.EndPort)
	}
	if cfg.Discovery.InterAttemptDelay != 10*time.Millisecond {
		t.Errorf("Discovery.InterAttemptDelay = %v, want 10ms", cfg.Discovery.InterAttemptDelay)
	}
	if !cfg.Discovery.UserInitiated {
		t.Error("Discovery.UserInitiated = false, want true")
	}
	if cfg.Connect.ResponseTimeout != 45*time.Second {
		t.Errorf("Connect.ResponseTimeout = %v, want 45s", cfg.Connect.ResponseTimeout)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("Storage.Backend = %s, want memory", cfg.Storage.Backend)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
}

func TestParse_DefaultsPreserved(t *testing.T) {
	// A partial file keeps defaults for everything it omits.
	cfg, err := Parse([]byte("agent:\n  log_level: warn\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Agent.LogLevel != "warn" {
		t.Errorf("Agent.LogLevel = %s, want warn", cfg.Agent.LogLevel)
	}
	if cfg.Discovery.Host != "localhost" {
		t.Errorf("Discovery.Host = %s, want localhost", cfg.Discovery.Host)
	}
	if cfg.Connect.ResponseTimeout != 30*time.Second {
		t.Errorf("Connect.ResponseTimeout = %v, want 30s", cfg.Connect.ResponseTimeout)
	}
}

func TestParse_EnvExpansion(t *testing.T) {
	os.Setenv("WEB5_TEST_DATA_DIR", "/tmp/web5-state")
	defer os.Unsetenv("WEB5_TEST_DATA_DIR")

	yamlConfig := `
agent:
  data_dir: "${WEB5_TEST_DATA_DIR}"
  origin: "${WEB5_TEST_MISSING_ORIGIN:-https://fallback.example.com}"
`

	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Agent.DataDir != "/tmp/web5-state" {
		t.Errorf("Agent.DataDir = %s, want /tmp/web5-state", cfg.Agent.DataDir)
	}
	if cfg.Agent.Origin != "https://fallback.example.com" {
		t.Errorf("Agent.Origin = %s, want fallback default", cfg.Agent.Origin)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing data dir",
			mutate:  func(c *Config) { c.Agent.DataDir = "" },
			wantErr: "agent.data_dir is required",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Agent.LogLevel = "verbose" },
			wantErr: "invalid log_level",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Agent.LogFormat = "xml" },
			wantErr: "invalid log_format",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Discovery.StartPort = 70000 },
			wantErr: "discovery.start_port must be between",
		},
		{
			name: "inverted port range",
			mutate: func(c *Config) {
				c.Discovery.StartPort = 56010
				c.Discovery.EndPort = 56000
			},
			wantErr: "discovery.end_port must be >= start_port",
		},
		{
			name:    "leading slash in path",
			mutate:  func(c *Config) { c.Discovery.Path = "/didconnect" },
			wantErr: "discovery.path must not start with a slash",
		},
		{
			name:    "zero response timeout",
			mutate:  func(c *Config) { c.Connect.ResponseTimeout = 0 },
			wantErr: "connect.response_timeout must be positive",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Storage.Backend = "redis" },
			wantErr: "invalid storage.backend",
		},
		{
			name: "metrics enabled without address",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Address = ""
			},
			wantErr: "metrics.address is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Agent.DataDir = ""
	cfg.Agent.LogLevel = "loud"
	cfg.Storage.Backend = "redis"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	for _, want := range []string{"agent.data_dir", "invalid log_level", "invalid storage.backend"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "agent:\n  log_level: debug\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Agent.LogLevel != "debug" {
		t.Errorf("Agent.LogLevel = %s, want debug", cfg.Agent.LogLevel)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error loading missing file")
	}
}
