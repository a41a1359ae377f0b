package gatewayhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vivekrp/metamcp-sub002/internal/domain/mcpwire"
	"github.com/vivekrp/metamcp-sub002/internal/domain/namespace"
	"github.com/vivekrp/metamcp-sub002/internal/service/aggregator"
)

// maxOpenAPIBodySize bounds a tool-call request body for the REST view,
// matching the wire-shape handlers' own body cap.
const maxOpenAPIBodySize = 1 << 20

// openAPICallTimeout bounds how long a REST tool call waits for its
// downstream-routed reply before failing with a 504.
const openAPICallTimeout = 60 * time.Second

// toolDescriptor is the subset of a tool's own schema the OpenAPI view
// needs to describe it as one path.
type toolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// newEphemeralAggregator builds a throw-away Aggregator for one OpenAPI
// view request: spec §6.1's view has no client session of its own to hang
// a long-lived Aggregator off, so each request leases, reads, and
// releases. Acceptable cost for a read-only, low-traffic view (spec places
// no latency budget on it); the wire shapes get the real, session-scoped
// Aggregator via C5 instead.
func (d *Dispatcher) newEphemeralAggregator(ctx context.Context, ep *namespace.Endpoint, sink aggregator.OutboundSink) (*aggregator.Aggregator, error) {
	ns, err := d.Control.GetNamespace(ctx, ep.NamespaceID)
	if err != nil {
		return nil, err
	}
	return aggregator.New(ctx, aggregator.Deps{
		Pool: d.Pool, Control: d.Control, Logger: d.Logger,
		ServerName: d.ServerName, ServerVersion: d.ServerVersion,
	}, ns, sink)
}

// noopSink discards anything the ephemeral Aggregator would otherwise
// write to an outer client; the schema/list views never issue a call, so
// nothing is ever sent through it.
type noopSink struct{}

func (noopSink) Send([]byte) error { return nil }

func (d *Dispatcher) handleOpenAPIView(w http.ResponseWriter, r *http.Request) {
	d.serveToolCatalog(w, r, "")
}

func (d *Dispatcher) handleOpenAPISchema(w http.ResponseWriter, r *http.Request) {
	d.serveToolCatalog(w, r, "openapi")
}

func (d *Dispatcher) serveToolCatalog(w http.ResponseWriter, r *http.Request, format string) {
	ctx := r.Context()
	ep, err := d.resolveEndpoint(ctx, r.PathValue("endpoint"))
	if err != nil {
		writeEndpointError(w, err)
		return
	}
	if !d.allowIP(ctx, w, r) {
		return
	}
	principal, err := d.authenticate(ctx, r, ep, r.PathValue("key"), routeOpenAPI)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	if !d.allowPrincipal(ctx, w, principal) {
		return
	}

	agg, err := d.newEphemeralAggregator(ctx, ep, noopSink{})
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "namespace unavailable")
		return
	}
	defer agg.Close()

	rawTools, err := agg.ListTools(ctx)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "failed to list tools")
		return
	}
	tools := decodeToolDescriptors(rawTools)

	w.Header().Set("Content-Type", "application/json")
	if format == "openapi" {
		_ = json.NewEncoder(w).Encode(buildOpenAPIDocument(ep, tools))
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"tools": tools})
}

func decodeToolDescriptors(raw []json.RawMessage) []toolDescriptor {
	out := make([]toolDescriptor, 0, len(raw))
	for _, item := range raw {
		var td toolDescriptor
		if json.Unmarshal(item, &td) == nil && td.Name != "" {
			out = append(out, td)
		}
	}
	return out
}

// buildOpenAPIDocument derives a minimal OpenAPI 3.0 document from the
// aggregated tool catalog (spec §6.1): one POST path per tool, request
// body shaped by the tool's own inputSchema when present.
func buildOpenAPIDocument(ep *namespace.Endpoint, tools []toolDescriptor) map[string]any {
	paths := make(map[string]any, len(tools))
	for _, t := range tools {
		reqBody := map[string]any{"description": "tool arguments"}
		if len(t.InputSchema) > 0 {
			var schema any
			if json.Unmarshal(t.InputSchema, &schema) == nil {
				reqBody["content"] = map[string]any{
					"application/json": map[string]any{"schema": schema},
				}
			}
		}
		paths[fmt.Sprintf("/tools/%s", t.Name)] = map[string]any{
			"post": map[string]any{
				"summary":     t.Description,
				"operationId": t.Name,
				"requestBody": reqBody,
				"responses": map[string]any{
					"200": map[string]any{"description": "tool call result"},
				},
			},
		}
	}

	return map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":   ep.Name,
			"version": "1.0.0",
		},
		"paths": paths,
	}
}

func (d *Dispatcher) handleOpenAPIToolCall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ep, err := d.resolveEndpoint(ctx, r.PathValue("endpoint"))
	if err != nil {
		writeEndpointError(w, err)
		return
	}
	if !d.allowIP(ctx, w, r) {
		return
	}
	principal, err := d.authenticate(ctx, r, ep, r.PathValue("key"), routeOpenAPI)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	if !d.allowPrincipal(ctx, w, principal) {
		return
	}

	tool := r.PathValue("tool")
	var args map[string]any
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxOpenAPIBodySize+1))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		if len(body) > maxOpenAPIBodySize {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &args); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid json body")
				return
			}
		}
	}

	sink := &callSink{reply: make(chan []byte, 1)}
	agg, err := d.newEphemeralAggregator(ctx, ep, sink)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "namespace unavailable")
		return
	}
	defer agg.Close()

	params, err := json.Marshal(map[string]any{"name": tool, "arguments": args})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to build call")
		return
	}
	req, err := mcpwire.NewRequest(1, "tools/call", params)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to build call")
		return
	}
	if err := agg.HandleInbound(ctx, req.Raw); err != nil {
		writeJSONError(w, http.StatusBadGateway, "call dispatch failed")
		return
	}

	select {
	case reply := <-sink.reply:
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(reply)
	case <-time.After(openAPICallTimeout):
		writeJSONError(w, http.StatusGatewayTimeout, "timed out waiting for tool response")
	case <-ctx.Done():
	}
}

// callSink is a one-shot OutboundSink for a REST tool call: exactly one
// request is ever sent through the ephemeral Aggregator it's attached to,
// so a single buffered slot is enough to carry the matching reply back.
type callSink struct {
	reply chan []byte
}

func (s *callSink) Send(raw []byte) error {
	select {
	case s.reply <- raw:
	default:
	}
	return nil
}
