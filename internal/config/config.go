// Package config provides configuration types for the gateway daemon.
//
// File-based configuration, designed for simplicity: a top-level Config
// struct with yaml/mapstructure tags, environment variable overrides via
// viper, and struct-tag + cross-field validation via go-playground/validator.
package config

import (
	"github.com/spf13/viper"
)

// Config is the top-level gateway configuration.
type Config struct {
	// Server configures the inbound HTTP listener that serves every
	// endpoint's MCP and legacy SSE surface.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Pool configures the Session Pool's idle-warmup behavior.
	Pool PoolConfig `yaml:"pool" mapstructure:"pool"`

	// Timeouts holds per-method-class downstream request timeouts; see
	// TimeoutConfig, whose values are not read by the gateway.
	Timeouts TimeoutConfig `yaml:"timeouts" mapstructure:"timeouts"`

	// Coalesce configures the Invalidation Bus's debounce window; its
	// ListChanged value is not read.
	Coalesce CoalesceConfig `yaml:"coalesce" mapstructure:"coalesce"`

	// ControlPlane selects and configures the Control-Plane Facade's
	// backing store.
	ControlPlane ControlPlaneConfig `yaml:"control_plane" mapstructure:"control_plane"`

	// Auth seeds file-based credentials into the control plane at boot,
	// on top of whatever the backing store already holds.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// RateLimit configures optional per-IP/per-principal request throttling
	// at the Endpoint Dispatcher.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// ImportExport configures the bulk server-config import/export surface.
	ImportExport ImportExportConfig `yaml:"import_export" mapstructure:"import_export"`

	// DevMode enables permissive defaults for local development (a seeded
	// well-known credential when no API keys are configured).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the gateway's inbound HTTP listener.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g. "127.0.0.1:8080",
	// "0.0.0.0:8080"). Defaults to "127.0.0.1:8080" if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// PublicBaseURL defaults to "http://" + HTTPAddr. It is not read: the
	// legacy SSE `endpoint` event carries a path derived from the request's
	// own URL path, not an absolute URL.
	PublicBaseURL string `yaml:"public_base_url" mapstructure:"public_base_url" validate:"omitempty,url"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// PathPrefix is the `{prefix}` path segment every endpoint is mounted
	// under. Defaults to "/gateway".
	PathPrefix string `yaml:"path_prefix" mapstructure:"path_prefix"`

	// LegacyAPIKeyPaths enables the deprecated `{prefix}/api-key/<key>/...`
	// URL-embedded-credential routes. Default enabled; set false to require
	// the Authorization header exclusively.
	LegacyAPIKeyPaths bool `yaml:"legacy_api_key_paths" mapstructure:"legacy_api_key_paths"`

	// SessionIdleTimeout closes a client session that receives no inbound
	// traffic for this long (e.g. "30m"). Empty disables the timeout.
	SessionIdleTimeout string `yaml:"session_idle_timeout" mapstructure:"session_idle_timeout" validate:"omitempty"`

	// Name and Version are advertised in the outer `initialize` response.
	Name    string `yaml:"name" mapstructure:"name"`
	Version string `yaml:"version" mapstructure:"version"`
}

// PoolConfig configures the downstream Session Pool.
type PoolConfig struct {
	// TargetIdle is the number of warm idle downstream sessions per
	// upstream fingerprint. Defaults to 1. The Session Pool does not read
	// it; its target is the fixed pool.DefaultTargetIdle.
	TargetIdle int `yaml:"target_idle" mapstructure:"target_idle" validate:"omitempty,min=0"`

	// WarmupTimeout is a duration such as "30s". The Session Pool does not
	// read it.
	WarmupTimeout string `yaml:"warmup_timeout" mapstructure:"warmup_timeout" validate:"omitempty"`
}

// TimeoutConfig holds per-method-class downstream request timeouts. None
// of its values is read: the Aggregator applies no per-method-class
// timeout to forwarded requests.
type TimeoutConfig struct {
	// Default applies to any method not covered by List or Call.
	Default string `yaml:"default" mapstructure:"default" validate:"omitempty"`
	// List applies to `*/list`-family methods.
	List string `yaml:"list" mapstructure:"list" validate:"omitempty"`
	// Call applies to `*/call`-family methods.
	Call string `yaml:"call" mapstructure:"call" validate:"omitempty"`
}

// CoalesceConfig configures debounce windows for change fan-in.
type CoalesceConfig struct {
	// ListChanged is a duration such as "150ms". It is not read: the
	// Namespace Aggregator always uses its fixed 150ms listChanged window.
	ListChanged string `yaml:"list_changed" mapstructure:"list_changed" validate:"omitempty"`
	// Invalidation is the Invalidation Bus's per-(kind,id) coalescing
	// window (e.g. "200ms").
	Invalidation string `yaml:"invalidation" mapstructure:"invalidation" validate:"omitempty"`
}

// ControlPlaneConfig selects the Control-Plane Facade's backing store.
type ControlPlaneConfig struct {
	// Backend is "memory" or "sqlite". Defaults to "memory".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory sqlite"`
	// SQLitePath is the database file path, required when Backend is
	// "sqlite".
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path" validate:"omitempty"`
}

// AuthConfig seeds file-based API keys into the control plane at boot.
// Optional when the control-plane backing store already holds keys; bulk
// import covers server configs only, not keys.
type AuthConfig struct {
	APIKeys []APIKeyConfig `yaml:"api_keys" mapstructure:"api_keys" validate:"omitempty,dive"`
}

// APIKeyConfig defines one seeded API key.
type APIKeyConfig struct {
	// KeyHash is the hashed key value: "sha256:<hex>" or an Argon2id PHC
	// string, as produced by `metamcp-gatewayd hash-key`.
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"required"`
	// PrincipalID identifies the principal this key authenticates as.
	PrincipalID string `yaml:"principal_id" mapstructure:"principal_id" validate:"required"`
	// Public marks a credential that isn't scoped to ownership of any
	// particular endpoint or namespace.
	Public bool `yaml:"public" mapstructure:"public"`
	// OwnerOf lists endpoint/namespace ids this key's principal owns.
	OwnerOf []string `yaml:"owner_of" mapstructure:"owner_of"`
}

// RateLimitConfig configures the Endpoint Dispatcher's optional request
// throttling.
type RateLimitConfig struct {
	// Enabled turns rate limiting on or off. Default enabled.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// IPRate is the maximum requests per minute per source IP.
	IPRate int `yaml:"ip_rate" mapstructure:"ip_rate" validate:"omitempty,min=1"`

	// PrincipalRate is the maximum requests per minute per authenticated
	// principal.
	PrincipalRate int `yaml:"principal_rate" mapstructure:"principal_rate" validate:"omitempty,min=1"`

	// CleanupInterval is how often expired rate limiter entries are swept
	// (e.g. "5m").
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty"`
}

// ImportExportConfig configures the bulk server-config import/export
// surface.
type ImportExportConfig struct {
	// DefaultNamespaceID names a namespace id. It is not read: the importer
	// does not attach imported server configs to any namespace.
	DefaultNamespaceID string `yaml:"default_namespace_id" mapstructure:"default_namespace_id"`
}

// SetDefaults applies sensible default values to unset fields.
func (c *Config) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.PublicBaseURL == "" {
		c.Server.PublicBaseURL = "http://" + c.Server.HTTPAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.PathPrefix == "" {
		c.Server.PathPrefix = "/gateway"
	}
	if !viper.IsSet("server.legacy_api_key_paths") {
		c.Server.LegacyAPIKeyPaths = true
	}
	if c.Server.Name == "" {
		c.Server.Name = "metamcp-gateway"
	}
	if c.Server.Version == "" {
		c.Server.Version = "dev"
	}

	if c.Pool.WarmupTimeout == "" {
		c.Pool.WarmupTimeout = "30s"
	}
	// An explicit target_idle of 0 is kept; only an unset value defaults.
	if !viper.IsSet("pool.target_idle") {
		c.Pool.TargetIdle = 1
	}

	if c.Timeouts.Default == "" {
		c.Timeouts.Default = "120s"
	}
	if c.Timeouts.List == "" {
		c.Timeouts.List = "30s"
	}
	if c.Timeouts.Call == "" {
		c.Timeouts.Call = "120s"
	}

	if c.Coalesce.ListChanged == "" {
		c.Coalesce.ListChanged = "150ms"
	}
	if c.Coalesce.Invalidation == "" {
		c.Coalesce.Invalidation = "200ms"
	}

	if c.ControlPlane.Backend == "" {
		c.ControlPlane.Backend = "memory"
	}

	if !viper.IsSet("rate_limit.enabled") {
		c.RateLimit.Enabled = true
	}
	if c.RateLimit.IPRate == 0 {
		c.RateLimit.IPRate = 600
	}
	if c.RateLimit.PrincipalRate == 0 {
		c.RateLimit.PrincipalRate = 1200
	}
	if c.RateLimit.CleanupInterval == "" {
		c.RateLimit.CleanupInterval = "5m"
	}
}

// SetDevDefaults applies permissive defaults for development mode. This
// allows running the gateway with zero config. Applied after SetDefaults,
// before Validate.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	if len(c.Auth.APIKeys) == 0 {
		c.Auth.APIKeys = []APIKeyConfig{
			{
				KeyHash:     "sha256:6e1e4e1b8f8b36d08901cdb51b97841dfe20f5efd2fd2fd00768971408c46274",
				PrincipalID: "dev",
				Public:      true,
			},
		}
	}
}
