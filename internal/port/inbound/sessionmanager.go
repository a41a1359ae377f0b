// Package inbound defines the inbound port the Endpoint Dispatcher (C6)
// calls into: handing off a resolved, authenticated request to the Client
// Session Manager (C5).
package inbound

import (
	"context"
	"net/http"

	"github.com/vivekrp/metamcp-sub002/internal/domain/namespace"
	"github.com/vivekrp/metamcp-sub002/internal/port/outbound"
)

// WireShape identifies which of the two outer wire shapes an inbound HTTP
// request is using.
type WireShape int

const (
	WireSSE WireShape = iota
	WireStreamableHTTP
)

// SessionManager is C5's dispatcher-facing surface.
type SessionManager interface {
	// HandleSSEGet opens a new SSE session stream.
	HandleSSEGet(ctx context.Context, w http.ResponseWriter, r *http.Request, ep *namespace.Endpoint, principal *outbound.Principal) error
	// HandleSSEPost accepts one client-originated frame for an existing
	// SSE session, identified by the sessionId query parameter.
	HandleSSEPost(ctx context.Context, w http.ResponseWriter, r *http.Request, ep *namespace.Endpoint, sessionID string) error
	// HandleStreamableHTTP serves both the session-initiating POST and
	// subsequent POST/GET carrying the mcp-session-id header.
	HandleStreamableHTTP(ctx context.Context, w http.ResponseWriter, r *http.Request, ep *namespace.Endpoint, principal *outbound.Principal) error
	// Shutdown closes every live Client Session, returning every lease to
	// the pool; used for graceful process shutdown.
	Shutdown(ctx context.Context) error
}
