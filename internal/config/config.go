// Package config provides configuration parsing and validation for the
// web5 agent client.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete client configuration.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Connect   ConnectConfig   `yaml:"connect"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// AgentConfig contains client identity and logging settings.
type AgentConfig struct {
	DataDir   string `yaml:"data_dir"`   // Directory for persistent state
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
	Origin    string `yaml:"origin"`     // Connecting application origin
}

// DiscoveryConfig defines how the local agent is located.
type DiscoveryConfig struct {
	Host              string        `yaml:"host"`
	StartPort         int           `yaml:"start_port"`
	EndPort           int           `yaml:"end_port"`
	Path              string        `yaml:"path"`
	InterAttemptDelay time.Duration `yaml:"inter_attempt_delay"`
	UserInitiated     bool          `yaml:"user_initiated"` // Launch the native agent if no port answers
}

// ConnectConfig defines pairing handshake tuning.
type ConnectConfig struct {
	ResponseTimeout time.Duration `yaml:"response_timeout"`
}

// StorageConfig defines the local secure store backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // bbolt, memory
	Path    string `yaml:"path"`    // bbolt database file; defaults under data_dir
}

// MetricsConfig defines the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
			Origin:    "",
		},
		Discovery: DiscoveryConfig{
			Host:              "localhost",
			StartPort:         55_500,
			EndPort:           55_600,
			Path:              "didconnect",
			InterAttemptDelay: 5 * time.Millisecond,
			UserInitiated:     false,
		},
		Connect: ConnectConfig{
			ResponseTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Backend: "bbolt",
			Path:    "", // resolved against agent.data_dir
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9465",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	// Parse YAML
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		// Simple lookup
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Agent.DataDir == "" {
		errs = append(errs, "agent.data_dir is required")
	}
	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}

	if c.Discovery.Host == "" {
		errs = append(errs, "discovery.host is required")
	}
	if c.Discovery.StartPort < 1 || c.Discovery.StartPort > 65535 {
		errs = append(errs, fmt.Sprintf("discovery.start_port must be between 1 and 65535, got %d", c.Discovery.StartPort))
	}
	if c.Discovery.EndPort < 1 || c.Discovery.EndPort > 65535 {
		errs = append(errs, fmt.Sprintf("discovery.end_port must be between 1 and 65535, got %d", c.Discovery.EndPort))
	}
	if c.Discovery.StartPort >= 1 && c.Discovery.EndPort >= 1 && c.Discovery.EndPort < c.Discovery.StartPort {
		errs = append(errs, "discovery.end_port must be >= start_port")
	}
	if c.Discovery.InterAttemptDelay < 0 {
		errs = append(errs, "discovery.inter_attempt_delay must not be negative")
	}
	if strings.HasPrefix(c.Discovery.Path, "/") {
		errs = append(errs, "discovery.path must not start with a slash")
	}

	if c.Connect.ResponseTimeout <= 0 {
		errs = append(errs, "connect.response_timeout must be positive")
	}

	if !isValidBackend(c.Storage.Backend) {
		errs = append(errs, fmt.Sprintf("invalid storage.backend: %s (must be bbolt or memory)", c.Storage.Backend))
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidBackend(backend string) bool {
	switch backend {
	case "bbolt", "memory":
		return true
	default:
		return false
	}
}

// String returns the YAML representation of the config (for debugging).
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
