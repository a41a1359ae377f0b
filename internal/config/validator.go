package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate validates the Config using struct tags and cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateControlPlaneBackend(); err != nil {
		return err
	}
	if err := c.validatePrincipalReferences(); err != nil {
		return err
	}

	return nil
}

// validateControlPlaneBackend ensures the sqlite backend carries a path.
func (c *Config) validateControlPlaneBackend() error {
	if c.ControlPlane.Backend == "sqlite" && c.ControlPlane.SQLitePath == "" {
		return errors.New("control_plane: sqlite_path is required when backend is \"sqlite\"")
	}
	return nil
}

// validatePrincipalReferences ensures every seeded API key names a
// principal id, and that hashes carry a recognizable prefix.
func (c *Config) validatePrincipalReferences() error {
	for i, key := range c.Auth.APIKeys {
		if !strings.HasPrefix(key.KeyHash, "sha256:") && !strings.HasPrefix(key.KeyHash, "$argon2id$") {
			return fmt.Errorf("auth.api_keys[%d]: key_hash must be \"sha256:<hex>\" or an Argon2id PHC string", i)
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single
// validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
