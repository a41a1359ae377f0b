// Package validation sanitizes untrusted import-document fields before
// they become ServerConfig records the control plane stores (spec §6.2).
package validation

import (
	"strings"

	"github.com/vivekrp/metamcp-sub002/internal/domain/upstream"
)

// MaxStringLength bounds any single free-form string field an import entry
// carries, guarding against memory exhaustion from a crafted document.
const MaxStringLength = 1048576

// Sanitizer cleans the free-form string fields of an import entry that
// upstream.Config.Validate doesn't already reject outright (Command, Args,
// Env values, URL, BearerToken, Description): null bytes are stripped and
// oversized values truncated, in place, before Validate and Fingerprint
// ever see them.
type Sanitizer struct{}

// NewSanitizer creates a new Sanitizer instance.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{}
}

// SanitizeString removes null bytes and truncates oversized strings.
func (s *Sanitizer) SanitizeString(str string) string {
	str = strings.ReplaceAll(str, "\x00", "")
	if len(str) > MaxStringLength {
		str = str[:MaxStringLength]
	}
	return str
}

// SanitizeConfig sanitizes cfg's free-form string fields in place.
func (s *Sanitizer) SanitizeConfig(cfg *upstream.Config) {
	cfg.Description = s.SanitizeString(cfg.Description)
	cfg.Command = s.SanitizeString(cfg.Command)
	for i, a := range cfg.Args {
		cfg.Args[i] = s.SanitizeString(a)
	}
	for k, v := range cfg.Env {
		cfg.Env[k] = s.SanitizeString(v)
	}
	cfg.URL = s.SanitizeString(cfg.URL)
	cfg.BearerToken = s.SanitizeString(cfg.BearerToken)
}
