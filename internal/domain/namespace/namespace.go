// Package namespace holds the Namespace and Endpoint data-model types: the
// named grouping of downstream server configs an Aggregator is built from,
// and the externally-reachable entry point bound to one.
package namespace

// MiddlewareSpec names one middleware in a namespace's ordered chain plus
// any configuration it needs (e.g. a CEL filter expression).
type MiddlewareSpec struct {
	Name string
	// Expr is a CEL expression for middleware kinds that take one
	// (internal/service/middleware's celfilter); empty for built-ins like
	// filter-inactive-tools which need no configuration.
	Expr string
}

// Member is one ServerConfig reference within a Namespace, plus the
// namespace-scoped enablement state the spec's data model requires.
type Member struct {
	ServerConfigID string
	// ShortID disambiguates exposed names on collision (spec §4.3); it is
	// derived from ServerConfigID but kept short and stable for display.
	ShortID string
	Enabled bool
	// ToolEnabled holds the per-(member, tool-name) enabled flag; a tool
	// name absent from this map is enabled by default. Disabled entries
	// are skipped when the Aggregator builds its exposed catalog.
	ToolEnabled map[string]bool
}

// ToolEnabledFor reports whether name is enabled for this member, treating
// an absent entry as enabled (the default).
func (m Member) ToolEnabledFor(name string) bool {
	if m.ToolEnabled == nil {
		return true
	}
	v, ok := m.ToolEnabled[name]
	if !ok {
		return true
	}
	return v
}

// Namespace is the ordered set of member servers plus the middleware chain
// an Aggregator built from it runs on every aggregated list/call.
type Namespace struct {
	ID         string
	Name       string
	Members    []Member
	Middleware []MiddlewareSpec
}

// EnabledMembers returns the namespace's members in order, skipping those
// disabled at the namespace level.
func (n *Namespace) EnabledMembers() []Member {
	out := make([]Member, 0, len(n.Members))
	for _, m := range n.Members {
		if m.Enabled {
			out = append(out, m)
		}
	}
	return out
}

// AuthPolicy describes how an Endpoint authenticates inbound requests.
type AuthPolicy int

const (
	// AuthPolicyBearer requires an Authorization: Bearer credential.
	AuthPolicyBearer AuthPolicy = iota
	// AuthPolicyBearerOrQueryParam additionally accepts api_key= on wire
	// shapes where that is permitted (Streamable-HTTP and the OpenAPI
	// view, never SSE; see internal/adapter/inbound/gatewayhttp).
	AuthPolicyBearerOrQueryParam
	// AuthPolicyPublic accepts the endpoint without any credential.
	AuthPolicyPublic
)

// Endpoint is the externally reachable entry point bound to one namespace.
type Endpoint struct {
	ID          string
	Name        string
	NamespaceID string
	Auth        AuthPolicy
	// OwnerPrincipalID identifies the principal a private endpoint is
	// restricted to; empty for endpoints any authenticated principal (or
	// any non-public API key) may reach.
	OwnerPrincipalID string
}
