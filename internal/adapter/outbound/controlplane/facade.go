package controlplane

import (
	"context"
	"errors"
	"log/slog"

	"github.com/vivekrp/metamcp-sub002/internal/domain/namespace"
	"github.com/vivekrp/metamcp-sub002/internal/domain/upstream"
	"github.com/vivekrp/metamcp-sub002/internal/port/outbound"
)

// Facade is the Control-Plane Facade (C8): it implements
// outbound.ControlPlane over a pluggable Store, publishing a ChangeEvent the
// Invalidation Bus (C7) consumes via Subscribe for server-config puts and
// deletes, namespace puts, endpoint deletes, and API-key revocations.
// DeleteNamespace, PutEndpoint and PutAPIKey publish no event.
//
// The core only ever sees the narrow outbound.ControlPlane read surface;
// admin/import-export callers use the wider mutation methods below
// directly against the concrete Facade.
type Facade struct {
	Store  Store
	Logger *slog.Logger

	bus *broadcaster
}

// New constructs a Facade over store.
func New(store Store, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{Store: store, Logger: logger, bus: newBroadcaster(logger)}
}

func (f *Facade) GetEndpoint(ctx context.Context, name string) (*namespace.Endpoint, error) {
	ep, err := f.Store.GetEndpointByName(ctx, name)
	return ep, translateErr(err)
}

func (f *Facade) GetNamespace(ctx context.Context, id string) (*namespace.Namespace, error) {
	ns, err := f.Store.GetNamespace(ctx, id)
	return ns, translateErr(err)
}

func (f *Facade) GetServerConfig(ctx context.Context, id string) (*upstream.Config, error) {
	cfg, err := f.Store.GetServerConfig(ctx, id)
	return cfg, translateErr(err)
}

// ValidateCredential resolves raw to a Principal: a fast-path direct
// SHA-256 lookup first (YAML/import-seeded keys), falling back to
// iterating every stored key and verifying (needed for Argon2id hashes,
// whose salt makes direct lookup impossible) — mirrors the teacher's
// APIKeyService.Validate exactly.
func (f *Facade) ValidateCredential(ctx context.Context, raw string) (*outbound.Principal, error) {
	sum := hashSHA256(raw)
	for _, h := range []string{sum, "sha256:" + sum} {
		if key, err := f.Store.GetAPIKeyByHash(ctx, h); err == nil {
			return f.resolvePrincipal(key)
		}
	}

	keys, err := f.Store.ListAPIKeys(ctx)
	if err != nil {
		return nil, ErrInvalidCredential
	}
	for _, candidate := range keys {
		match, verifyErr := verifyKey(raw, candidate.Hash)
		if verifyErr != nil || !match {
			continue
		}
		return f.resolvePrincipal(candidate)
	}
	return nil, ErrInvalidCredential
}

func (f *Facade) resolvePrincipal(key *APIKey) (*outbound.Principal, error) {
	if key.Revoked || key.IsExpired() {
		return nil, ErrInvalidCredential
	}
	return &outbound.Principal{ID: key.PrincipalID, Public: key.Public, OwnerOf: key.OwnerOf}, nil
}

// Subscribe returns a stream of change events; the returned channel is
// closed when ctx is cancelled.
func (f *Facade) Subscribe(ctx context.Context) (<-chan outbound.ChangeEvent, error) {
	return f.bus.subscribe(ctx), nil
}

// --- Mutation surface: admin handlers and bulk import/export call these
// directly (never through the narrow outbound.ControlPlane interface). ---

func (f *Facade) PutServerConfig(ctx context.Context, cfg *upstream.Config) error {
	if err := f.Store.PutServerConfig(ctx, cfg); err != nil {
		return err
	}
	f.bus.publish(outbound.ChangeEvent{Kind: outbound.ChangeServerConfigUpdated, ID: cfg.ID})
	return nil
}

func (f *Facade) DeleteServerConfig(ctx context.Context, id string) error {
	if err := f.Store.DeleteServerConfig(ctx, id); err != nil {
		return err
	}
	f.bus.publish(outbound.ChangeEvent{Kind: outbound.ChangeServerConfigDeleted, ID: id})
	return nil
}

func (f *Facade) PutNamespace(ctx context.Context, ns *namespace.Namespace) error {
	if err := f.Store.PutNamespace(ctx, ns); err != nil {
		return err
	}
	f.bus.publish(outbound.ChangeEvent{Kind: outbound.ChangeNamespaceMembership, ID: ns.ID})
	return nil
}

func (f *Facade) DeleteNamespace(ctx context.Context, id string) error {
	return f.Store.DeleteNamespace(ctx, id)
}

func (f *Facade) PutEndpoint(ctx context.Context, ep *namespace.Endpoint) error {
	return f.Store.PutEndpoint(ctx, ep)
}

func (f *Facade) DeleteEndpoint(ctx context.Context, id string) error {
	if err := f.Store.DeleteEndpoint(ctx, id); err != nil {
		return err
	}
	f.bus.publish(outbound.ChangeEvent{Kind: outbound.ChangeEndpointDeleted, ID: id})
	return nil
}

func (f *Facade) PutAPIKey(ctx context.Context, key *APIKey) error {
	return f.Store.PutAPIKey(ctx, key)
}

func (f *Facade) RevokeAPIKey(ctx context.Context, principalID string) error {
	keys, err := f.Store.ListAPIKeys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.PrincipalID != principalID {
			continue
		}
		if err := f.Store.RevokeAPIKey(ctx, k.Hash); err != nil {
			return err
		}
	}
	f.bus.publish(outbound.ChangeEvent{Kind: outbound.ChangeAPIKeyRevoked, ID: principalID})
	return nil
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return outbound.ErrNotFound
	}
	return err
}

var _ outbound.ControlPlane = (*Facade)(nil)
