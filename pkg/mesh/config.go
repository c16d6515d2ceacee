package mesh

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config holds the complete mesh server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Registry RegistryConfig `yaml:"registry"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Mesh     MeshConfig     `yaml:"mesh"`
}

// ServerConfig configures the MCP server.
type ServerConfig struct {
	Name      string `yaml:"name"`
	Version   string `yaml:"version"`
	Transport string `yaml:"transport"` // "stdio", "http"
	Address   string `yaml:"address"`
}

// DatabaseConfig configures the database connection. An empty DSN selects
// in-memory stores.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// RegistryConfig configures session presence tracking.
type RegistryConfig struct {
	// LivenessWindowSeconds bounds who-is-online results when the caller
	// does not supply a window.
	LivenessWindowSeconds int `yaml:"liveness_window_seconds"`
}

// DeliveryConfig configures the live push fan-out.
type DeliveryConfig struct {
	// HistoryCapacity fixes the broadcast history ring size.
	HistoryCapacity int `yaml:"history_capacity"`
}

// MeshConfig configures facade behavior.
type MeshConfig struct {
	// RequireExplicitSession disables acting-session inference: every
	// operation must carry a session_id. Inference from the most recent
	// heartbeat stays available for compatibility when false.
	RequireExplicitSession bool `yaml:"require_explicit_session"`

	// CleanupIntervalSeconds schedules expired-message removal for the
	// database-backed store. Zero disables the routine.
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds"`
}

// LoadConfig loads configuration from a YAML file, expanding ${VAR}
// environment references.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// DefaultConfig returns a config with all defaults applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// expandEnvVars replaces ${VAR} patterns with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "mcp-agent-mesh"
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = "1.0.0"
	}
	if cfg.Server.Transport == "" {
		cfg.Server.Transport = "stdio"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Registry.LivenessWindowSeconds == 0 {
		cfg.Registry.LivenessWindowSeconds = 300
	}
	if cfg.Delivery.HistoryCapacity == 0 {
		cfg.Delivery.HistoryCapacity = 100
	}
	if cfg.Mesh.CleanupIntervalSeconds == 0 {
		cfg.Mesh.CleanupIntervalSeconds = 300
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch c.Server.Transport {
	case "stdio", "http":
	default:
		return fmt.Errorf("invalid transport %q: must be stdio or http", c.Server.Transport)
	}
	if c.Registry.LivenessWindowSeconds < 0 {
		return fmt.Errorf("liveness_window_seconds must not be negative")
	}
	if c.Delivery.HistoryCapacity < 0 {
		return fmt.Errorf("history_capacity must not be negative")
	}
	return nil
}
