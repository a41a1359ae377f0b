package gatewayhttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/goleak"

	"github.com/vivekrp/metamcp-sub002/internal/domain/namespace"
	"github.com/vivekrp/metamcp-sub002/internal/domain/ratelimit"
	"github.com/vivekrp/metamcp-sub002/internal/domain/upstream"
	"github.com/vivekrp/metamcp-sub002/internal/port/outbound"
	"github.com/vivekrp/metamcp-sub002/internal/service/aggregator"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeControlPlane is a minimal outbound.ControlPlane backed by in-memory
// maps, enough to drive the dispatcher's auth and routing decisions
// without a real store.
type fakeControlPlane struct {
	endpoints   map[string]*namespace.Endpoint
	namespaces  map[string]*namespace.Namespace
	credentials map[string]*outbound.Principal
}

func newFakeControlPlane() *fakeControlPlane {
	return &fakeControlPlane{
		endpoints:   make(map[string]*namespace.Endpoint),
		namespaces:  make(map[string]*namespace.Namespace),
		credentials: make(map[string]*outbound.Principal),
	}
}

func (f *fakeControlPlane) GetEndpoint(ctx context.Context, name string) (*namespace.Endpoint, error) {
	ep, ok := f.endpoints[name]
	if !ok {
		return nil, outbound.ErrNotFound
	}
	return ep, nil
}

func (f *fakeControlPlane) GetNamespace(ctx context.Context, id string) (*namespace.Namespace, error) {
	ns, ok := f.namespaces[id]
	if !ok {
		return nil, outbound.ErrNotFound
	}
	return ns, nil
}

func (f *fakeControlPlane) GetServerConfig(ctx context.Context, id string) (*upstream.Config, error) {
	return nil, outbound.ErrNotFound
}

func (f *fakeControlPlane) ValidateCredential(ctx context.Context, raw string) (*outbound.Principal, error) {
	p, ok := f.credentials[raw]
	if !ok {
		return nil, outbound.ErrNotFound
	}
	return p, nil
}

func (f *fakeControlPlane) Subscribe(ctx context.Context) (<-chan outbound.ChangeEvent, error) {
	ch := make(chan outbound.ChangeEvent)
	return ch, nil
}

// fakeSessionManager records which HandleXxx method the dispatcher
// delegated to, without driving any real wire protocol.
type fakeSessionManager struct {
	sseGetCalls    int
	ssePostCalls   int
	streamableCalls int
	lastPrincipal  *outbound.Principal
}

func (f *fakeSessionManager) HandleSSEGet(ctx context.Context, w http.ResponseWriter, r *http.Request, ep *namespace.Endpoint, principal *outbound.Principal) error {
	f.sseGetCalls++
	f.lastPrincipal = principal
	w.WriteHeader(http.StatusOK)
	return nil
}

func (f *fakeSessionManager) HandleSSEPost(ctx context.Context, w http.ResponseWriter, r *http.Request, ep *namespace.Endpoint, sessionID string) error {
	f.ssePostCalls++
	w.WriteHeader(http.StatusAccepted)
	return nil
}

func (f *fakeSessionManager) HandleStreamableHTTP(ctx context.Context, w http.ResponseWriter, r *http.Request, ep *namespace.Endpoint, principal *outbound.Principal) error {
	f.streamableCalls++
	f.lastPrincipal = principal
	w.WriteHeader(http.StatusOK)
	return nil
}

func (f *fakeSessionManager) Shutdown(ctx context.Context) error { return nil }

func allowAllLimiter() ratelimit.RateLimiter { return noLimitLimiter{} }

type noLimitLimiter struct{}

func (noLimitLimiter) Allow(ctx context.Context, key string, cfg ratelimit.RateLimitConfig) (ratelimit.RateLimitResult, error) {
	return ratelimit.RateLimitResult{Allowed: true}, nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(ctx context.Context, key string, cfg ratelimit.RateLimitConfig) (ratelimit.RateLimitResult, error) {
	return ratelimit.RateLimitResult{Allowed: false, RetryAfter: 0}, nil
}

func newTestDispatcher(cp *fakeControlPlane, sm *fakeSessionManager) *Dispatcher {
	return &Dispatcher{
		Control:           cp,
		Sessions:          sm,
		Pool:              nil,
		ServerName:        "test-gateway",
		ServerVersion:     "test",
		PathPrefix:        "/gateway",
		LegacyAPIKeyPaths: true,
		IPLimiter:         allowAllLimiter(),
		PrincipalLimiter:  allowAllLimiter(),
	}
}

func publicEndpoint() *namespace.Endpoint {
	return &namespace.Endpoint{ID: "ep-pub", Name: "pub", NamespaceID: "ns-1", Auth: namespace.AuthPolicyPublic}
}

func bearerEndpoint() *namespace.Endpoint {
	return &namespace.Endpoint{ID: "ep-bearer", Name: "bearer", NamespaceID: "ns-1", Auth: namespace.AuthPolicyBearer}
}

func privateEndpoint(owner string) *namespace.Endpoint {
	return &namespace.Endpoint{ID: "ep-priv", Name: "priv", NamespaceID: "ns-1", Auth: namespace.AuthPolicyBearer, OwnerPrincipalID: owner}
}

func TestAuthenticate_PublicEndpointNeedsNoCredential(t *testing.T) {
	cp := newFakeControlPlane()
	d := newTestDispatcher(cp, &fakeSessionManager{})
	r := httptest.NewRequest(http.MethodGet, "/gateway/pub/sse", nil)

	principal, err := d.authenticate(context.Background(), r, publicEndpoint(), "", routeSSEStream)
	if err != nil {
		t.Fatalf("authenticate() error = %v, want nil", err)
	}
	if principal != nil {
		t.Errorf("authenticate() principal = %+v, want nil for public endpoint", principal)
	}
}

func TestAuthenticate_BearerEndpointMissingCredential(t *testing.T) {
	cp := newFakeControlPlane()
	d := newTestDispatcher(cp, &fakeSessionManager{})
	r := httptest.NewRequest(http.MethodGet, "/gateway/bearer/sse", nil)

	_, err := d.authenticate(context.Background(), r, bearerEndpoint(), "", routeSSEStream)
	if err != errMissingCredential {
		t.Fatalf("authenticate() error = %v, want errMissingCredential", err)
	}
}

func TestAuthenticate_BearerHeaderAccepted(t *testing.T) {
	cp := newFakeControlPlane()
	cp.credentials["secret-token"] = &outbound.Principal{ID: "alice"}
	d := newTestDispatcher(cp, &fakeSessionManager{})

	r := httptest.NewRequest(http.MethodGet, "/gateway/bearer/sse", nil)
	r.Header.Set("Authorization", "Bearer secret-token")

	principal, err := d.authenticate(context.Background(), r, bearerEndpoint(), "", routeSSEStream)
	if err != nil {
		t.Fatalf("authenticate() error = %v, want nil", err)
	}
	if principal == nil || principal.ID != "alice" {
		t.Errorf("authenticate() principal = %+v, want alice", principal)
	}
}

func TestAuthenticate_QueryParamRejectedOnSSE(t *testing.T) {
	cp := newFakeControlPlane()
	cp.credentials["secret-token"] = &outbound.Principal{ID: "alice"}
	d := newTestDispatcher(cp, &fakeSessionManager{})

	ep := bearerEndpoint()
	ep.Auth = namespace.AuthPolicyBearerOrQueryParam
	r := httptest.NewRequest(http.MethodGet, "/gateway/bearer/sse?api_key=secret-token", nil)

	_, err := d.authenticate(context.Background(), r, ep, "", routeSSEStream)
	if err != errMissingCredential {
		t.Fatalf("authenticate() error = %v, want errMissingCredential (query param must not work on SSE)", err)
	}
}

func TestAuthenticate_QueryParamAcceptedOnMCP(t *testing.T) {
	cp := newFakeControlPlane()
	cp.credentials["secret-token"] = &outbound.Principal{ID: "alice"}
	d := newTestDispatcher(cp, &fakeSessionManager{})

	ep := bearerEndpoint()
	ep.Auth = namespace.AuthPolicyBearerOrQueryParam
	r := httptest.NewRequest(http.MethodPost, "/gateway/bearer/mcp?api_key=secret-token", nil)

	principal, err := d.authenticate(context.Background(), r, ep, "", routeMCP)
	if err != nil {
		t.Fatalf("authenticate() error = %v, want nil", err)
	}
	if principal == nil || principal.ID != "alice" {
		t.Errorf("authenticate() principal = %+v, want alice", principal)
	}
}

func TestAuthenticate_InvalidCredential(t *testing.T) {
	cp := newFakeControlPlane()
	d := newTestDispatcher(cp, &fakeSessionManager{})

	r := httptest.NewRequest(http.MethodGet, "/gateway/bearer/sse", nil)
	r.Header.Set("Authorization", "Bearer nope")

	_, err := d.authenticate(context.Background(), r, bearerEndpoint(), "", routeSSEStream)
	if err != errMissingCredential {
		t.Fatalf("authenticate() error = %v, want errMissingCredential for unknown credential", err)
	}
}

func TestAuthenticate_PrivateEndpointRequiresOwnership(t *testing.T) {
	cp := newFakeControlPlane()
	cp.credentials["owner-token"] = &outbound.Principal{ID: "owner"}
	cp.credentials["other-token"] = &outbound.Principal{ID: "someone-else"}
	d := newTestDispatcher(cp, &fakeSessionManager{})

	ep := privateEndpoint("owner")
	r1 := httptest.NewRequest(http.MethodGet, "/gateway/priv/sse", nil)
	r1.Header.Set("Authorization", "Bearer owner-token")
	if _, err := d.authenticate(context.Background(), r1, ep, "", routeSSEStream); err != nil {
		t.Errorf("owner authenticate() error = %v, want nil", err)
	}

	r2 := httptest.NewRequest(http.MethodGet, "/gateway/priv/sse", nil)
	r2.Header.Set("Authorization", "Bearer other-token")
	if _, err := d.authenticate(context.Background(), r2, ep, "", routeSSEStream); err != errForbidden {
		t.Errorf("non-owner authenticate() error = %v, want errForbidden", err)
	}
}

func TestAuthenticate_OwnerOfGrantsAccess(t *testing.T) {
	cp := newFakeControlPlane()
	cp.credentials["delegate-token"] = &outbound.Principal{ID: "delegate", OwnerOf: []string{"ep-priv"}}
	d := newTestDispatcher(cp, &fakeSessionManager{})

	ep := privateEndpoint("owner")
	r := httptest.NewRequest(http.MethodGet, "/gateway/priv/sse", nil)
	r.Header.Set("Authorization", "Bearer delegate-token")
	if _, err := d.authenticate(context.Background(), r, ep, "", routeSSEStream); err != nil {
		t.Errorf("authenticate() error = %v, want nil for principal in OwnerOf", err)
	}
}

func TestResolveEndpoint_NotFound(t *testing.T) {
	cp := newFakeControlPlane()
	d := newTestDispatcher(cp, &fakeSessionManager{})

	_, err := d.resolveEndpoint(context.Background(), "missing")
	if err != errEndpointNotFound {
		t.Fatalf("resolveEndpoint() error = %v, want errEndpointNotFound", err)
	}
}

func TestRoutes_PublicSSEDelegatesToSessionManager(t *testing.T) {
	cp := newFakeControlPlane()
	cp.endpoints["pub"] = publicEndpoint()
	sm := &fakeSessionManager{}
	d := newTestDispatcher(cp, sm)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/gateway/pub/sse", nil)
	d.Routes().ServeHTTP(w, r)

	if sm.sseGetCalls != 1 {
		t.Errorf("sseGetCalls = %d, want 1", sm.sseGetCalls)
	}
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestRoutes_MissingCredentialReturns401(t *testing.T) {
	cp := newFakeControlPlane()
	cp.endpoints["bearer"] = bearerEndpoint()
	sm := &fakeSessionManager{}
	d := newTestDispatcher(cp, sm)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/gateway/bearer/sse", nil)
	d.Routes().ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if sm.sseGetCalls != 0 {
		t.Errorf("sseGetCalls = %d, want 0 (should not delegate without credential)", sm.sseGetCalls)
	}
}

func TestRoutes_UnknownEndpointReturns404(t *testing.T) {
	cp := newFakeControlPlane()
	d := newTestDispatcher(cp, &fakeSessionManager{})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/gateway/ghost/sse", nil)
	d.Routes().ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRoutes_ForbiddenPrivateEndpointReturns403(t *testing.T) {
	cp := newFakeControlPlane()
	cp.endpoints["priv"] = privateEndpoint("owner")
	cp.credentials["other-token"] = &outbound.Principal{ID: "someone-else"}
	d := newTestDispatcher(cp, &fakeSessionManager{})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/gateway/priv/sse", nil)
	r.Header.Set("Authorization", "Bearer other-token")
	d.Routes().ServeHTTP(w, r)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestRoutes_LegacyAPIKeyPathDelegates(t *testing.T) {
	cp := newFakeControlPlane()
	cp.endpoints["bearer"] = bearerEndpoint()
	cp.credentials["legacy-key"] = &outbound.Principal{ID: "alice"}
	sm := &fakeSessionManager{}
	d := newTestDispatcher(cp, sm)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/gateway/api-key/legacy-key/bearer/sse", nil)
	d.Routes().ServeHTTP(w, r)

	if sm.sseGetCalls != 1 {
		t.Errorf("sseGetCalls = %d, want 1", sm.sseGetCalls)
	}
	if sm.lastPrincipal == nil || sm.lastPrincipal.ID != "alice" {
		t.Errorf("lastPrincipal = %+v, want alice", sm.lastPrincipal)
	}
}

func TestRoutes_LegacyAPIKeyPathsDisabled(t *testing.T) {
	cp := newFakeControlPlane()
	cp.endpoints["bearer"] = bearerEndpoint()
	sm := &fakeSessionManager{}
	d := newTestDispatcher(cp, sm)
	d.LegacyAPIKeyPaths = false

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/gateway/api-key/whatever/bearer/sse", nil)
	d.Routes().ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when legacy paths are disabled", w.Code)
	}
}

func TestRoutes_IPRateLimitRejectsBeforeAuth(t *testing.T) {
	cp := newFakeControlPlane()
	cp.endpoints["bearer"] = bearerEndpoint()
	sm := &fakeSessionManager{}
	d := newTestDispatcher(cp, sm)
	d.IPLimiter = denyLimiter{}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/gateway/bearer/sse", nil)
	d.Routes().ServeHTTP(w, r)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
}

func TestRoutes_StreamableHTTPDelegates(t *testing.T) {
	cp := newFakeControlPlane()
	cp.endpoints["pub"] = publicEndpoint()
	sm := &fakeSessionManager{}
	d := newTestDispatcher(cp, sm)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/gateway/pub/mcp", nil)
	d.Routes().ServeHTTP(w, r)

	if sm.streamableCalls != 1 {
		t.Errorf("streamableCalls = %d, want 1", sm.streamableCalls)
	}
}

func TestRoutes_SSEMessageRequiresSessionID(t *testing.T) {
	cp := newFakeControlPlane()
	cp.endpoints["pub"] = publicEndpoint()
	sm := &fakeSessionManager{}
	d := newTestDispatcher(cp, sm)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/gateway/pub/message", nil)
	d.Routes().ServeHTTP(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 without sessionId", w.Code)
	}
	if sm.ssePostCalls != 0 {
		t.Errorf("ssePostCalls = %d, want 0", sm.ssePostCalls)
	}
}

var _ aggregator.OutboundSink = noopSink{}
