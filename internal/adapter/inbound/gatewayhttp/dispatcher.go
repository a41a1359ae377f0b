package gatewayhttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/vivekrp/metamcp-sub002/internal/domain/namespace"
	"github.com/vivekrp/metamcp-sub002/internal/domain/ratelimit"
	"github.com/vivekrp/metamcp-sub002/internal/port/inbound"
	"github.com/vivekrp/metamcp-sub002/internal/port/outbound"
	"github.com/vivekrp/metamcp-sub002/internal/service/aggregator"
)

// errMissingCredential and errForbidden carry the 401/403 distinction
// through resolveAuth without tying it to an HTTP status at the call site.
var (
	errMissingCredential = errors.New("missing or invalid credential")
	errForbidden         = errors.New("principal does not have access to this endpoint")
)

// routeKind distinguishes the wire route an inbound request arrived on,
// since the api_key query-param credential is accepted on some routes and
// not others (spec §4.6).
type routeKind int

const (
	routeSSEStream routeKind = iota
	routeSSEMessage
	routeMCP
	routeOpenAPI
)

func (k routeKind) allowsQueryParamCredential() bool {
	return k == routeMCP || k == routeOpenAPI
}

// Dispatcher is the Endpoint Dispatcher (C6).
type Dispatcher struct {
	Control  outbound.ControlPlane
	Sessions inbound.SessionManager
	Pool     aggregator.Pool

	ServerName    string
	ServerVersion string

	PathPrefix        string
	LegacyAPIKeyPaths bool

	IPLimiter        ratelimit.RateLimiter
	PrincipalLimiter ratelimit.RateLimiter
	IPRateConfig     ratelimit.RateLimitConfig
	PrincipalRateConfig ratelimit.RateLimitConfig

	Logger  *slog.Logger
	Metrics *Metrics
}

// resolveEndpoint loads the Endpoint record for name, translating a
// not-found lookup into the dispatcher's own sentinel so callers can map
// it to a 404 without reaching into outbound.ErrNotFound directly.
func (d *Dispatcher) resolveEndpoint(ctx context.Context, name string) (*namespace.Endpoint, error) {
	ep, err := d.Control.GetEndpoint(ctx, name)
	if err != nil {
		if errors.Is(err, outbound.ErrNotFound) {
			return nil, errEndpointNotFound
		}
		return nil, err
	}
	return ep, nil
}

var errEndpointNotFound = errors.New("unknown endpoint")

// authenticate implements spec §4.6's auth enforcement: public endpoints
// accept with no credential; everything else extracts a credential
// (Bearer header first, api_key= query param next when the route and
// endpoint policy both allow it), validates it against the control plane,
// and confirms the resolved principal has access to a private endpoint.
func (d *Dispatcher) authenticate(ctx context.Context, r *http.Request, ep *namespace.Endpoint, legacyKey string, route routeKind) (*outbound.Principal, error) {
	if ep.Auth == namespace.AuthPolicyPublic {
		return nil, nil
	}

	cred := legacyKey
	if cred == "" {
		cred = bearerCredential(r)
	}
	if cred == "" && ep.Auth == namespace.AuthPolicyBearerOrQueryParam && route.allowsQueryParamCredential() {
		cred = r.URL.Query().Get("api_key")
	}
	if cred == "" {
		return nil, errMissingCredential
	}

	principal, err := d.Control.ValidateCredential(ctx, cred)
	if err != nil || principal == nil {
		return nil, errMissingCredential
	}

	if ep.OwnerPrincipalID != "" && !ownsEndpoint(principal, ep) {
		return nil, errForbidden
	}

	return principal, nil
}

func ownsEndpoint(p *outbound.Principal, ep *namespace.Endpoint) bool {
	if p.ID == ep.OwnerPrincipalID {
		return true
	}
	for _, id := range p.OwnerOf {
		if id == ep.ID || id == ep.NamespaceID {
			return true
		}
	}
	return false
}

func bearerCredential(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return auth[len(prefix):]
}

// writeAuthError maps an authenticate error to the standard HTTP status
// spec §4.6 names: 401 missing/invalid credential, 403 forbidden.
func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errForbidden):
		writeJSONError(w, http.StatusForbidden, "forbidden")
	default:
		writeJSONError(w, http.StatusUnauthorized, "missing or invalid credential")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// realIP extracts the client's real address for IP-keyed rate limiting,
// honoring X-Forwarded-For/X-Real-IP ahead of RemoteAddr (same precedence
// the teacher's RealIPMiddleware uses).
func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// allowIP applies the ambient IP rate limit pre-auth (allowPrincipal below
// applies the per-principal limit once a principal is known), writing a 429
// and reporting false if the limit is exceeded.
func (d *Dispatcher) allowIP(ctx context.Context, w http.ResponseWriter, r *http.Request) bool {
	if d.IPLimiter == nil {
		return true
	}
	key := ratelimit.FormatKey(ratelimit.KeyTypeIP, realIP(r))
	res, err := d.IPLimiter.Allow(ctx, key, d.IPRateConfig)
	if err != nil {
		d.logger().Warn("ip rate limiter error", "error", err)
		return true
	}
	if !res.Allowed {
		if d.Metrics != nil {
			d.Metrics.RateLimitRejections.WithLabelValues("ip").Inc()
		}
		writeRateLimited(w, res)
		return false
	}
	return true
}

func (d *Dispatcher) allowPrincipal(ctx context.Context, w http.ResponseWriter, principal *outbound.Principal) bool {
	if d.PrincipalLimiter == nil || principal == nil {
		return true
	}
	key := ratelimit.FormatKey(ratelimit.KeyTypePrincipal, principal.ID)
	res, err := d.PrincipalLimiter.Allow(ctx, key, d.PrincipalRateConfig)
	if err != nil {
		d.logger().Warn("principal rate limiter error", "error", err)
		return true
	}
	if !res.Allowed {
		if d.Metrics != nil {
			d.Metrics.RateLimitRejections.WithLabelValues("principal").Inc()
		}
		writeRateLimited(w, res)
		return false
	}
	return true
}

func writeRateLimited(w http.ResponseWriter, res ratelimit.RateLimitResult) {
	w.Header().Set("Retry-After", formatSeconds(res.RetryAfter))
	writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
