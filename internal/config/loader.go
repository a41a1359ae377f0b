// Package config provides configuration loading for the gateway daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// configBaseName is the config file's base name, searched for with an
// explicit YAML extension so Viper never matches the daemon binary itself
// (same base name, no extension) in the current directory.
const configBaseName = "gatewayd"

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for gatewayd.yaml/.yml in
// standard locations.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location. Set name/type
		// without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName(configBaseName)
		viper.SetConfigType("yaml")
	}

	// Environment variable support: MMCP_SERVER_HTTP_ADDR, etc.
	viper.SetEnvPrefix("MMCP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a gatewayd config file
// with an explicit YAML extension.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".gatewayd"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "gatewayd"))
		}
	} else {
		paths = append(paths, "/etc/gatewayd")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for gatewayd.yaml
// or .yml. Returns the full path of the first match, or an empty string.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, configBaseName+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds config keys for environment variable support.
// Example: MMCP_SERVER_HTTP_ADDR overrides server.http_addr.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.public_base_url")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.path_prefix")
	_ = viper.BindEnv("server.legacy_api_key_paths")
	_ = viper.BindEnv("server.session_idle_timeout")

	_ = viper.BindEnv("pool.target_idle")
	_ = viper.BindEnv("pool.warmup_timeout")

	_ = viper.BindEnv("timeouts.default")
	_ = viper.BindEnv("timeouts.list")
	_ = viper.BindEnv("timeouts.call")

	_ = viper.BindEnv("coalesce.list_changed")
	_ = viper.BindEnv("coalesce.invalidation")

	_ = viper.BindEnv("control_plane.backend")
	_ = viper.BindEnv("control_plane.sqlite_path")

	// Note: auth.api_keys is an array, complex to override via env.
	// Users should set these in the config file.

	_ = viper.BindEnv("rate_limit.enabled")
	_ = viper.BindEnv("rate_limit.ip_rate")
	_ = viper.BindEnv("rate_limit.principal_rate")
	_ = viper.BindEnv("rate_limit.cleanup_interval")

	_ = viper.BindEnv("import_export.default_namespace_id")

	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults and dev defaults, validates, and returns the Config.
// Callers that need to apply CLI flag overrides (e.g. --dev) before dev
// defaults and validation use LoadConfigRaw instead.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults, but does
// NOT apply dev defaults or validate. Use this when CLI flags may override
// DevMode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was
// loaded. Returns an empty string if no config file was found (env vars
// only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
