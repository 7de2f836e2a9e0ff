// Package config provides configuration types for taskdeck.
//
// Configuration is file-based (taskdeck.yaml) with environment variable
// overrides. It covers the HTTP listener, optional API key authentication,
// the session audit trail, and telemetry switches.
package config

// Config is the top-level configuration for the taskdeck server.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Auth configures optional bearer API key authentication.
	// When no hashes are configured, authentication is disabled.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Audit configures the session audit trail.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Telemetry configures OpenTelemetry stdout exporters.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// DevMode enables development features (verbose logging, etc).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// HTTPAddr is the listen address. Default "127.0.0.1:8080" (localhost only).
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel is one of debug, info, warn, error. Default "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// AllowedOrigins lists origins permitted by the DNS rebinding check.
	// Empty means requests carrying an Origin header are rejected
	// (local-only mode).
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// AuthConfig configures bearer API key authentication.
type AuthConfig struct {
	// APIKeyHashes holds stored key hashes: Argon2id PHC format,
	// "sha256:" prefixed hex, or legacy bare SHA-256 hex.
	// Generate with "taskdeck hash-key".
	APIKeyHashes []string `yaml:"api_key_hashes" mapstructure:"api_key_hashes" validate:"omitempty,dive,key_hash"`
}

// AuditConfig configures where the session audit trail is written.
type AuditConfig struct {
	// Output is "off" (default) or "sqlite://<absolute-path>".
	Output string `yaml:"output" mapstructure:"output" validate:"omitempty,audit_output"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	// Trace enables the stdout trace and metric exporters.
	Trace bool `yaml:"trace" mapstructure:"trace"`
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Audit.Output == "" {
		c.Audit.Output = "off"
	}
}

// SetDevDefaults applies permissive development defaults. Must run after
// SetDefaults and before Validate.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	c.Server.LogLevel = "debug"
}
