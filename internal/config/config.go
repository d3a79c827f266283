// ABOUTME: Configuration loading and parsing for nexus-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete nexus-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Health    HealthConfig    `yaml:"health"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Backends  []BackendConfig `yaml:"backends"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	CertFile  string `yaml:"cert_file"` // TLS cert file (generate via: tailscale cert <hostname>)
	KeyFile   string `yaml:"key_file"`  // TLS key file
	Funnel    bool   `yaml:"funnel"`    // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds session history database configuration.
// An empty path selects the in-memory store: history then lives for the
// process lifetime only and is lost on restart.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// HealthConfig holds health checker timing configuration
type HealthConfig struct {
	CheckInterval time.Duration `yaml:"-"`
	ProbeTimeout  time.Duration `yaml:"-"`

	// UnhealthyThreshold is the number of consecutive probe failures before
	// an instance stops receiving traffic. Zero means the default of 1.
	UnhealthyThreshold int `yaml:"unhealthy_threshold"`
	// RemovalThreshold is the number of consecutive probe failures before an
	// instance is deregistered entirely. Zero disables removal.
	RemovalThreshold int `yaml:"removal_threshold"`

	// Raw string values for YAML unmarshaling
	CheckIntervalRaw string `yaml:"check_interval"`
	ProbeTimeoutRaw  string `yaml:"probe_timeout"`
}

// DispatchConfig holds backend request timing configuration
type DispatchConfig struct {
	RequestTimeout    time.Duration `yaml:"-"`
	StreamIdleTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RequestTimeoutRaw    string `yaml:"request_timeout"`
	StreamIdleTimeoutRaw string `yaml:"stream_idle_timeout"`
}

// BackendConfig seeds one backend instance at startup, equivalent to a
// POST /admin/servers at boot.
type BackendConfig struct {
	Kind    string `yaml:"kind"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Health.CheckInterval != 0 && c.Health.ProbeTimeout >= c.Health.CheckInterval {
		return fmt.Errorf("health.probe_timeout must be shorter than health.check_interval")
	}

	if c.Health.UnhealthyThreshold < 0 {
		return fmt.Errorf("health.unhealthy_threshold must not be negative")
	}
	if c.Health.RemovalThreshold < 0 {
		return fmt.Errorf("health.removal_threshold must not be negative")
	}

	for i, backend := range c.Backends {
		if backend.Kind == "" {
			return fmt.Errorf("backends[%d].kind is required", i)
		}
		if backend.BaseURL == "" {
			return fmt.Errorf("backends[%d].base_url is required", i)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Health.CheckIntervalRaw, &cfg.Health.CheckInterval, "check_interval"},
		{cfg.Health.ProbeTimeoutRaw, &cfg.Health.ProbeTimeout, "probe_timeout"},
		{cfg.Dispatch.RequestTimeoutRaw, &cfg.Dispatch.RequestTimeout, "request_timeout"},
		{cfg.Dispatch.StreamIdleTimeoutRaw, &cfg.Dispatch.StreamIdleTimeout, "stream_idle_timeout"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
