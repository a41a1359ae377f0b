// Package controlplane implements the Control-Plane Facade (C8): the narrow
// read/subscribe surface onto the external config store consumed by the
// Session Pool, the Endpoint Dispatcher, and the Invalidation Bus (spec
// §4.8). Facade is transport-agnostic; Store is the swappable backing
// implementation (memstore for development, sqlitestore for persistence).
package controlplane

import (
	"context"
	"errors"
	"time"

	"github.com/vivekrp/metamcp-sub002/internal/domain/namespace"
	"github.com/vivekrp/metamcp-sub002/internal/domain/upstream"
)

// ErrNotFound is returned by Store lookups for an unknown id/name.
var ErrNotFound = errors.New("controlplane: not found")

// APIKey is a stored credential record. Hash holds either a legacy SHA-256
// hex hash or an Argon2id PHC-format hash; verifyKey (credential.go)
// handles both.
type APIKey struct {
	Hash        string
	PrincipalID string
	// Public marks a non-owner-scoped credential (spec §4.8).
	Public bool
	// OwnerOf lists endpoint/namespace ids this key's principal owns.
	OwnerOf   []string
	Revoked   bool
	ExpiresAt *time.Time
}

// IsExpired reports whether the key has passed its expiry, if any.
func (k *APIKey) IsExpired() bool {
	if k.ExpiresAt == nil {
		return false
	}
	return time.Now().UTC().After(*k.ExpiresAt)
}

// Store is the CRUD backing a Facade. Implementations: memstore (in-memory,
// dev/test), sqlitestore (persistent). Every method must be safe for
// concurrent use and return values safe for the caller to mutate freely
// (no aliasing of internal state).
type Store interface {
	GetServerConfig(ctx context.Context, id string) (*upstream.Config, error)
	ListServerConfigs(ctx context.Context) ([]*upstream.Config, error)
	PutServerConfig(ctx context.Context, cfg *upstream.Config) error
	DeleteServerConfig(ctx context.Context, id string) error

	GetNamespace(ctx context.Context, id string) (*namespace.Namespace, error)
	ListNamespaces(ctx context.Context) ([]*namespace.Namespace, error)
	PutNamespace(ctx context.Context, ns *namespace.Namespace) error
	DeleteNamespace(ctx context.Context, id string) error

	GetEndpointByName(ctx context.Context, name string) (*namespace.Endpoint, error)
	GetEndpoint(ctx context.Context, id string) (*namespace.Endpoint, error)
	ListEndpoints(ctx context.Context) ([]*namespace.Endpoint, error)
	PutEndpoint(ctx context.Context, ep *namespace.Endpoint) error
	DeleteEndpoint(ctx context.Context, id string) error

	GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*APIKey, error)
	PutAPIKey(ctx context.Context, key *APIKey) error
	RevokeAPIKey(ctx context.Context, hash string) error
}
