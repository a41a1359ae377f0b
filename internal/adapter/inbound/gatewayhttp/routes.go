package gatewayhttp

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Routes builds the dispatcher's http.Handler: the normal endpoint-name
// paths and their legacy api-key-in-path mirrors (when enabled), wrapped in
// the metrics middleware when Metrics is set. /metrics itself is mounted by
// Server.Start, not here.
func (d *Dispatcher) Routes() http.Handler {
	mux := http.NewServeMux()
	prefix := d.PathPrefix

	mux.HandleFunc("GET "+prefix+"/{endpoint}/sse", d.wrap(d.handleSSEGet))
	mux.HandleFunc("POST "+prefix+"/{endpoint}/message", d.wrap(d.handleSSEPost))
	mux.HandleFunc(prefix+"/{endpoint}/mcp", d.wrap(d.handleMCP))
	mux.HandleFunc("GET "+prefix+"/{endpoint}/api", d.wrap(d.handleOpenAPIView))
	mux.HandleFunc("GET "+prefix+"/{endpoint}/api/openapi.json", d.wrap(d.handleOpenAPISchema))
	mux.HandleFunc("POST "+prefix+"/{endpoint}/api/tools/{tool}", d.wrap(d.handleOpenAPIToolCall))

	if d.LegacyAPIKeyPaths {
		mux.HandleFunc("GET "+prefix+"/api-key/{key}/{endpoint}/sse", d.wrap(d.handleSSEGet))
		mux.HandleFunc("POST "+prefix+"/api-key/{key}/{endpoint}/message", d.wrap(d.handleSSEPost))
		mux.HandleFunc(prefix+"/api-key/{key}/{endpoint}/mcp", d.wrap(d.handleMCP))
		mux.HandleFunc("GET "+prefix+"/api-key/{key}/{endpoint}/api", d.wrap(d.handleOpenAPIView))
		mux.HandleFunc("GET "+prefix+"/api-key/{key}/{endpoint}/api/openapi.json", d.wrap(d.handleOpenAPISchema))
		mux.HandleFunc("POST "+prefix+"/api-key/{key}/{endpoint}/api/tools/{tool}", d.wrap(d.handleOpenAPIToolCall))
	}

	var handler http.Handler = mux
	if d.Metrics != nil {
		handler = d.Metrics.middleware(handler)
	}
	return handler
}

// wrap logs each dispatched request's method, path and duration at debug
// level, applied per-route since the dispatcher has no single catch-all
// handler to wrap. It does not assign or log a request id.
func (d *Dispatcher) wrap(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h(w, r)
		d.logger().Debug("dispatched", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	}
}

func (d *Dispatcher) handleSSEGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ep, err := d.resolveEndpoint(ctx, r.PathValue("endpoint"))
	if err != nil {
		writeEndpointError(w, err)
		return
	}
	if !d.allowIP(ctx, w, r) {
		return
	}
	principal, err := d.authenticate(ctx, r, ep, r.PathValue("key"), routeSSEStream)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	if !d.allowPrincipal(ctx, w, principal) {
		return
	}
	if err := d.Sessions.HandleSSEGet(ctx, w, r, ep, principal); err != nil {
		d.logger().Warn("sse stream ended with error", "endpoint", ep.Name, "error", err)
	}
}

func (d *Dispatcher) handleSSEPost(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ep, err := d.resolveEndpoint(ctx, r.PathValue("endpoint"))
	if err != nil {
		writeEndpointError(w, err)
		return
	}
	if !d.allowIP(ctx, w, r) {
		return
	}
	principal, err := d.authenticate(ctx, r, ep, r.PathValue("key"), routeSSEMessage)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	if !d.allowPrincipal(ctx, w, principal) {
		return
	}
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing sessionId query parameter")
		return
	}
	if err := d.Sessions.HandleSSEPost(ctx, w, r, ep, sessionID); err != nil {
		d.logger().Warn("sse message handling failed", "endpoint", ep.Name, "error", err)
	}
}

func (d *Dispatcher) handleMCP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ep, err := d.resolveEndpoint(ctx, r.PathValue("endpoint"))
	if err != nil {
		writeEndpointError(w, err)
		return
	}
	if !d.allowIP(ctx, w, r) {
		return
	}
	principal, err := d.authenticate(ctx, r, ep, r.PathValue("key"), routeMCP)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	if !d.allowPrincipal(ctx, w, principal) {
		return
	}
	if err := d.Sessions.HandleStreamableHTTP(ctx, w, r, ep, principal); err != nil {
		d.logger().Warn("streamable-http handling failed", "endpoint", ep.Name, "error", err)
	}
}

func writeEndpointError(w http.ResponseWriter, err error) {
	if errors.Is(err, errEndpointNotFound) {
		writeJSONError(w, http.StatusNotFound, "unknown endpoint")
		return
	}
	writeJSONError(w, http.StatusBadGateway, "control plane unavailable")
}

func formatSeconds(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%d", int(d.Seconds()+0.999))
}
