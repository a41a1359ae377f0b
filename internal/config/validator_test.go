package config

import (
	"strings"
	"testing"
)

// minimalValidConfig returns a minimal valid Config for testing.
func minimalValidConfig() *Config {
	return &Config{
		Server: ServerConfig{HTTPAddr: "127.0.0.1:8080"},
		ControlPlane: ControlPlaneConfig{
			Backend: "memory",
		},
		Auth: AuthConfig{
			APIKeys: []APIKeyConfig{{KeyHash: "sha256:abc123", PrincipalID: "user-1"}},
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_ZeroConfig(t *testing.T) {
	t.Parallel()

	// Simulate a user running "gatewayd serve" with no config file at all.
	cfg := &Config{}
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() zero-config unexpected error: %v", err)
	}
}

func TestValidate_SQLiteBackendRequiresPath(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.ControlPlane.Backend = "sqlite"
	cfg.ControlPlane.SQLitePath = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "sqlite_path") {
		t.Errorf("error = %q, want to contain 'sqlite_path'", err.Error())
	}
}

func TestValidate_SQLiteBackendWithPath(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.ControlPlane.Backend = "sqlite"
	cfg.ControlPlane.SQLitePath = "/var/lib/gatewayd/state.db"

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_InvalidControlPlaneBackend(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.ControlPlane.Backend = "postgres"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for unknown backend, got nil")
	}
	if !strings.Contains(err.Error(), "one of") {
		t.Errorf("error = %q, want to mention allowed values", err.Error())
	}
}

func TestValidate_InvalidKeyHashPrefix(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Auth.APIKeys[0].KeyHash = "abc123" // Missing sha256: or $argon2id$ prefix.

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for missing hash prefix, got nil")
	}
	if !strings.Contains(err.Error(), "key_hash") {
		t.Errorf("error = %q, want to contain 'key_hash'", err.Error())
	}
}

func TestValidate_ArgonKeyHashAccepted(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Auth.APIKeys[0].KeyHash = "$argon2id$v=19$m=48128,t=1,p=1$c2FsdHNhbHQ$aGFzaGhhc2g"

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error for argon2id hash: %v", err)
	}
}

func TestValidate_MissingAPIKeyPrincipal(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Auth.APIKeys[0].PrincipalID = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for missing principal_id, got nil")
	}
}

func TestValidate_EmptyAPIKeysIsValid(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Auth.APIKeys = nil

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with empty API keys unexpected error: %v", err)
	}
}

func TestValidate_InvalidHTTPAddr(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Server.HTTPAddr = "not a host port!!"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid http_addr, got nil")
	}
	if !strings.Contains(err.Error(), "host:port") {
		t.Errorf("error = %q, want to mention host:port", err.Error())
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Server.LogLevel = "verbose"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid log level, got nil")
	}
}
