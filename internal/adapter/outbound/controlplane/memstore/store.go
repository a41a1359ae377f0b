// Package memstore is an in-memory controlplane.Store: every read returns a
// deep copy so callers can never mutate stored state, matching the
// teacher's memory.MemoryUpstreamStore / memory.AuthStore copy-on-read
// discipline.
package memstore

import (
	"context"
	"sync"

	"github.com/vivekrp/metamcp-sub002/internal/adapter/outbound/controlplane"
	"github.com/vivekrp/metamcp-sub002/internal/domain/namespace"
	"github.com/vivekrp/metamcp-sub002/internal/domain/upstream"
)

// Store is a goroutine-safe in-memory controlplane.Store, suitable for
// development and tests.
type Store struct {
	mu sync.RWMutex

	serverConfigs  map[string]*upstream.Config
	namespaces     map[string]*namespace.Namespace
	endpoints      map[string]*namespace.Endpoint  // by id
	endpointByName map[string]string               // name -> id
	apiKeys        map[string]*controlplane.APIKey // by hash
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		serverConfigs:  make(map[string]*upstream.Config),
		namespaces:     make(map[string]*namespace.Namespace),
		endpoints:      make(map[string]*namespace.Endpoint),
		endpointByName: make(map[string]string),
		apiKeys:        make(map[string]*controlplane.APIKey),
	}
}

func (s *Store) GetServerConfig(_ context.Context, id string) (*upstream.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.serverConfigs[id]
	if !ok {
		return nil, controlplane.ErrNotFound
	}
	return copyConfig(cfg), nil
}

func (s *Store) ListServerConfigs(_ context.Context) ([]*upstream.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*upstream.Config, 0, len(s.serverConfigs))
	for _, cfg := range s.serverConfigs {
		out = append(out, copyConfig(cfg))
	}
	return out, nil
}

func (s *Store) PutServerConfig(_ context.Context, cfg *upstream.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverConfigs[cfg.ID] = copyConfig(cfg)
	return nil
}

func (s *Store) DeleteServerConfig(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.serverConfigs[id]; !ok {
		return controlplane.ErrNotFound
	}
	delete(s.serverConfigs, id)
	return nil
}

func (s *Store) GetNamespace(_ context.Context, id string) (*namespace.Namespace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.namespaces[id]
	if !ok {
		return nil, controlplane.ErrNotFound
	}
	return copyNamespace(ns), nil
}

func (s *Store) ListNamespaces(_ context.Context) ([]*namespace.Namespace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*namespace.Namespace, 0, len(s.namespaces))
	for _, ns := range s.namespaces {
		out = append(out, copyNamespace(ns))
	}
	return out, nil
}

func (s *Store) PutNamespace(_ context.Context, ns *namespace.Namespace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.namespaces[ns.ID] = copyNamespace(ns)
	return nil
}

func (s *Store) DeleteNamespace(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.namespaces[id]; !ok {
		return controlplane.ErrNotFound
	}
	delete(s.namespaces, id)
	return nil
}

func (s *Store) GetEndpointByName(_ context.Context, name string) (*namespace.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.endpointByName[name]
	if !ok {
		return nil, controlplane.ErrNotFound
	}
	return copyEndpoint(s.endpoints[id]), nil
}

func (s *Store) GetEndpoint(_ context.Context, id string) (*namespace.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return nil, controlplane.ErrNotFound
	}
	return copyEndpoint(ep), nil
}

func (s *Store) ListEndpoints(_ context.Context) ([]*namespace.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*namespace.Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		out = append(out, copyEndpoint(ep))
	}
	return out, nil
}

func (s *Store) PutEndpoint(_ context.Context, ep *namespace.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Clear any stale name index entry if this id previously used a
	// different name.
	if old, ok := s.endpoints[ep.ID]; ok && old.Name != ep.Name {
		delete(s.endpointByName, old.Name)
	}
	s.endpoints[ep.ID] = copyEndpoint(ep)
	s.endpointByName[ep.Name] = ep.ID
	return nil
}

func (s *Store) DeleteEndpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return controlplane.ErrNotFound
	}
	delete(s.endpoints, id)
	delete(s.endpointByName, ep.Name)
	return nil
}

func (s *Store) GetAPIKeyByHash(_ context.Context, hash string) (*controlplane.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.apiKeys[hash]
	if !ok {
		return nil, controlplane.ErrNotFound
	}
	return copyAPIKey(key), nil
}

func (s *Store) ListAPIKeys(_ context.Context) ([]*controlplane.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*controlplane.APIKey, 0, len(s.apiKeys))
	for _, k := range s.apiKeys {
		out = append(out, copyAPIKey(k))
	}
	return out, nil
}

func (s *Store) PutAPIKey(_ context.Context, key *controlplane.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys[key.Hash] = copyAPIKey(key)
	return nil
}

func (s *Store) RevokeAPIKey(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.apiKeys[hash]
	if !ok {
		return controlplane.ErrNotFound
	}
	key.Revoked = true
	return nil
}

func copyConfig(c *upstream.Config) *upstream.Config {
	out := *c
	if c.Args != nil {
		out.Args = append([]string(nil), c.Args...)
	}
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = v
		}
	}
	return &out
}

func copyNamespace(n *namespace.Namespace) *namespace.Namespace {
	out := *n
	if n.Members != nil {
		out.Members = make([]namespace.Member, len(n.Members))
		for i, m := range n.Members {
			out.Members[i] = m
			if m.ToolEnabled != nil {
				out.Members[i].ToolEnabled = make(map[string]bool, len(m.ToolEnabled))
				for k, v := range m.ToolEnabled {
					out.Members[i].ToolEnabled[k] = v
				}
			}
		}
	}
	if n.Middleware != nil {
		out.Middleware = append([]namespace.MiddlewareSpec(nil), n.Middleware...)
	}
	return &out
}

func copyEndpoint(e *namespace.Endpoint) *namespace.Endpoint {
	out := *e
	return &out
}

func copyAPIKey(k *controlplane.APIKey) *controlplane.APIKey {
	out := *k
	if k.OwnerOf != nil {
		out.OwnerOf = append([]string(nil), k.OwnerOf...)
	}
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}

var _ controlplane.Store = (*Store)(nil)
