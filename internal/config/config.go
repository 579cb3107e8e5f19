// Package config loads and validates the exporter configuration.
//
// DESIGN: Configuration comes from a YAML file with ${VAR:-default} env
// expansion, then a small set of environment overrides (KATCP_HOST et al.)
// so deployments can retarget the exporter without editing files. The
// upstream host and port are required: their absence is a startup-fatal
// condition.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the exporter.
type Config struct {
	Katcp   KatcpConfig   `yaml:"katcp"`   // Upstream katcp device
	Metrics MetricsConfig `yaml:"metrics"` // Prometheus listener
	Logging LoggingConfig `yaml:"logging"` // zerolog settings
}

// KatcpConfig locates the upstream device and sets translation policy.
type KatcpConfig struct {
	Host string `yaml:"host"` // Device hostname or IP (required)
	Port int    `yaml:"port"` // Device katcp port (required)

	// WorkaroundStrings enables interned export of string/address sensors.
	// Off by default: interning open-cardinality values trades memory
	// growth for visibility and must be a deliberate choice.
	WorkaroundStrings bool `yaml:"workaround_strings"`

	// InternDB is an optional SQLite path persisting interning tables
	// across restarts. Empty disables persistence.
	InternDB string `yaml:"intern_db"`
}

// MetricsConfig contains the scrape listener settings.
type MetricsConfig struct {
	Port         int           `yaml:"port"`          // Listen port for /metrics
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // Max time to read a scrape request
	WriteTimeout time.Duration `yaml:"write_timeout"` // Max time to write a scrape response
}

// LoggingConfig contains zerolog settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// expandEnvWithDefaults expands environment variables with support for
// default values. Supports both ${VAR} and ${VAR:-default} syntax.
func expandEnvWithDefaults(s string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) > 2 {
			return parts[2]
		}
		return ""
	})
}

// Load reads configuration from a YAML file and validates it.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	cfg, err := LoadFromBytes(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFromBytes parses configuration from raw YAML bytes and applies env
// overrides. Validation is the caller's step: command-line overlays land
// between parsing and Validate.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvWithDefaults(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return &cfg, nil
}

// applyEnvOverrides applies the legacy environment surface, letting
// orchestration retarget the exporter without a config edit.
func (c *Config) applyEnvOverrides() {
	if host := os.Getenv("KATCP_HOST"); host != "" {
		c.Katcp.Host = host
	}
	if port := os.Getenv("KATCP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Katcp.Port = p
		}
	}
	if port := os.Getenv("METRICS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Metrics.Port = p
		}
	}
	if w := os.Getenv("WORKAROUND_STRINGS"); w != "" {
		if b, err := strconv.ParseBool(w); err == nil {
			c.Katcp.WorkaroundStrings = b
		}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Katcp.Host == "" {
		return fmt.Errorf("katcp.host is required")
	}
	if c.Katcp.Port == 0 {
		return fmt.Errorf("katcp.port is required")
	}
	if c.Katcp.Port < 1 || c.Katcp.Port > 65535 {
		return fmt.Errorf("invalid katcp.port: %d (must be 1-65535)", c.Katcp.Port)
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = 8080
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("invalid metrics.port: %d (must be 1-65535)", c.Metrics.Port)
	}
	if c.Metrics.ReadTimeout == 0 {
		c.Metrics.ReadTimeout = 10 * time.Second
	}
	if c.Metrics.WriteTimeout == 0 {
		c.Metrics.WriteTimeout = 10 * time.Second
	}

	return nil
}
