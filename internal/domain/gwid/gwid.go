// Package gwid generates identifiers used across the gateway: opaque,
// globally-unique client-session ids and uuid-based config identities.
package gwid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// NewConfigID returns a fresh uuid for a ServerConfig, Namespace, or
// Endpoint record managed by the control plane.
func NewConfigID() string {
	return uuid.NewString()
}

// NewSessionID returns a cryptographically random, globally-unique client
// session id suitable for the mcp-session-id header. 32 bytes of entropy,
// hex-encoded, matching the teacher's session id generation.
func NewSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// NewRequestID returns a short id for enriching logs (not wire-visible).
func NewRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(b)
}
