package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	aggstate "github.com/vivekrp/metamcp-sub002/internal/domain/aggregator"
	"github.com/vivekrp/metamcp-sub002/internal/domain/gwerr"
	"github.com/vivekrp/metamcp-sub002/internal/domain/mcpwire"
	"github.com/vivekrp/metamcp-sub002/internal/service/middleware"
)

// callMethods maps a call-shaped method to the catalog kind it targets and
// the params field that names the target entry (spec §4.3 request routing).
var callMethods = map[string]struct {
	kind  aggstate.Kind
	field string
}{
	"tools/call":     {aggstate.KindTool, "name"},
	"prompts/get":    {aggstate.KindPrompt, "name"},
	"resources/read": {aggstate.KindResource, "uri"},
}

// HandleInbound processes one frame arriving from the outer client
// (spec §4.3 request routing / notification fan-in for client-originated
// notifications). Responses and forwarded requests are written through
// the Aggregator's OutboundSink; HandleInbound itself never returns a
// response payload to the caller.
func (a *Aggregator) HandleInbound(ctx context.Context, raw []byte) error {
	msg := mcpwire.Decode(raw, mcpwire.ClientToServer)

	if msg.IsNotification() {
		return a.handleInboundNotification(ctx, msg)
	}
	if !msg.IsRequest() {
		return fmt.Errorf("inbound frame is neither a request nor a notification")
	}

	rawID := msg.RawID()
	method := msg.Method()

	if method == "initialize" {
		return a.handleInitialize(rawID)
	}
	if lm, ok := listMethodsByName[method]; ok {
		return a.handleList(ctx, rawID, lm.kind, lm.resultKey)
	}
	if cm, ok := callMethods[method]; ok {
		return a.handleCall(ctx, msg, rawID, method, cm.kind, cm.field)
	}
	return a.handleGeneric(ctx, msg, rawID, method)
}

func (a *Aggregator) handleInboundNotification(ctx context.Context, msg *mcpwire.Message) error {
	if msg.Method() == "notifications/cancelled" {
		return a.handleCancelled(msg)
	}
	// No other client-originated notification has defined semantics in
	// this gateway's request table; drop it rather than guess a target.
	a.logger.Debug("dropping unrecognized inbound notification", "method", msg.Method())
	return nil
}

func (a *Aggregator) handleCancelled(msg *mcpwire.Message) error {
	params := msg.ParseParams()
	idRaw, _ := json.Marshal(params["requestId"])
	outerID := string(idRaw)

	pending, ok := a.ids.ResolveOuter(outerID)
	if !ok {
		return nil
	}
	a.ids.Remove(outerID)
	return a.cancelDownstream(pending.MemberID, pending.InnerID)
}

func (a *Aggregator) cancelDownstream(memberID, innerID string) error {
	mm := a.findMember(memberID)
	if mm == nil || mm.session == nil {
		return nil
	}
	params, _ := json.Marshal(map[string]any{"requestId": json.RawMessage(innerID)})
	note, err := mcpwire.NewNotification("notifications/cancelled", params)
	if err != nil {
		return err
	}
	return mm.session.Channel.Send(note)
}

func (a *Aggregator) findMember(memberID string) *member {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, mm := range a.members {
		if mm.ServerConfigID == memberID {
			return mm
		}
	}
	return nil
}

func (a *Aggregator) handleInitialize(rawID json.RawMessage) error {
	a.mu.Lock()
	caps := make(map[string]json.RawMessage, len(a.capabilities))
	for k, v := range a.capabilities {
		caps[k] = v
	}
	a.mu.Unlock()

	result := map[string]any{
		"protocolVersion": "2025-06-18",
		"capabilities":    caps,
		"serverInfo": map[string]string{
			"name":    a.deps.ServerName,
			"version": a.deps.ServerVersion,
		},
	}
	resp, err := mcpwire.ResultResponse(rawID, result)
	if err != nil {
		return err
	}
	return a.send(resp.Raw)
}

func (a *Aggregator) handleList(ctx context.Context, rawID json.RawMessage, kind aggstate.Kind, resultKey string) error {
	items, err := a.catalogResult(ctx, kind)
	if err != nil {
		resp := mcpwire.ErrorResponse(rawID, gwerr.CodeInternalError, "failed to list")
		return a.send(resp.Raw)
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	resp, err := mcpwire.ResultResponse(rawID, map[string]any{resultKey: items})
	if err != nil {
		return err
	}
	return a.send(resp.Raw)
}

func (a *Aggregator) handleCall(ctx context.Context, msg *mcpwire.Message, rawID json.RawMessage, method string, kind aggstate.Kind, field string) error {
	params := msg.ParseParams()
	name, _ := params[field].(string)
	if name == "" {
		resp := mcpwire.ErrorResponse(rawID, gwerr.CodeInvalidParams, fmt.Sprintf("missing %q", field))
		return a.send(resp.Raw)
	}

	a.mu.Lock()
	route, ok := a.catalogs[kind].nameMap.Lookup(name)
	a.mu.Unlock()
	if !ok {
		resp := mcpwire.ErrorResponse(rawID, gwerr.CodeToolNotFound, "tool not found")
		return a.send(resp.Raw)
	}

	mm := a.findMember(route.MemberID)
	if mm == nil {
		resp := mcpwire.ErrorResponse(rawID, gwerr.CodeToolNotFound, "tool not found")
		return a.send(resp.Raw)
	}
	if mm.degraded {
		a.retryDegraded(ctx, mm)
	}
	if mm.degraded || mm.session == nil {
		resp := mcpwire.ErrorResponse(rawID, gwerr.CodeUnavailable, "upstream unavailable")
		return a.send(resp.Raw)
	}

	decision, err := a.chain.InterceptCall(ctx, middleware.CallRequest{
		Kind: kind, ExposedName: name, MemberID: route.MemberID, InnerName: route.InnerName,
		Arguments: argumentsOf(params),
	})
	if err != nil {
		resp := mcpwire.ErrorResponse(rawID, gwerr.CodeInternalError, "middleware error")
		return a.send(resp.Raw)
	}
	if !decision.Forward {
		code := int64(gwerr.CodeToolNotFound)
		msgText := "tool not found"
		if decision.ShortCircuit != nil {
			msgText = decision.ShortCircuit.Error()
		}
		resp := mcpwire.ErrorResponse(rawID, code, msgText)
		return a.send(resp.Raw)
	}

	rewritten := cloneParams(params)
	rewritten[field] = route.InnerName
	newParams, err := json.Marshal(rewritten)
	if err != nil {
		return fmt.Errorf("marshal rewritten params: %w", err)
	}

	innerID := mm.session.NextRequestID()
	fwd, err := mcpwire.NewRequest(innerID, method, newParams)
	if err != nil {
		return fmt.Errorf("build forwarded request: %w", err)
	}

	outerKey := string(rawID)
	if !a.ids.Put(outerKey, route.MemberID, fmt.Sprint(innerID)) {
		resp := mcpwire.ErrorResponse(rawID, gwerr.CodeInternalError, "duplicate request id")
		return a.send(resp.Raw)
	}
	if err := mm.session.Channel.Send(fwd); err != nil {
		a.ids.Remove(outerKey)
		resp := mcpwire.ErrorResponse(rawID, gwerr.CodeUnavailable, "upstream unavailable")
		return a.send(resp.Raw)
	}
	return nil
}

func argumentsOf(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	if args, ok := params["arguments"].(map[string]any); ok {
		return args
	}
	return params
}

func cloneParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

// handleGeneric routes a method with no call/list semantics of its own by
// capability: forward to the first in-order member advertising the
// capability matching the method's leading path segment (spec §4.3's
// "any other method" rule).
func (a *Aggregator) handleGeneric(ctx context.Context, msg *mcpwire.Message, rawID json.RawMessage, method string) error {
	capKey := method
	if idx := strings.IndexByte(method, '/'); idx >= 0 {
		capKey = method[:idx]
	}

	a.mu.Lock()
	members := a.members
	a.mu.Unlock()

	for _, mm := range members {
		if mm.degraded || mm.session == nil {
			continue
		}
		if !hasCapability(mm.session.Capabilities, capKey) {
			continue
		}
		innerID := mm.session.NextRequestID()
		req := msg.Request()
		var params json.RawMessage
		if req != nil {
			params = req.Params
		}
		fwd, err := mcpwire.NewRequest(innerID, method, params)
		if err != nil {
			return fmt.Errorf("build forwarded request: %w", err)
		}
		outerKey := string(rawID)
		if !a.ids.Put(outerKey, mm.ServerConfigID, fmt.Sprint(innerID)) {
			resp := mcpwire.ErrorResponse(rawID, gwerr.CodeInternalError, "duplicate request id")
			return a.send(resp.Raw)
		}
		if err := mm.session.Channel.Send(fwd); err != nil {
			a.ids.Remove(outerKey)
			resp := mcpwire.ErrorResponse(rawID, gwerr.CodeUnavailable, "upstream unavailable")
			return a.send(resp.Raw)
		}
		return nil
	}

	resp := mcpwire.ErrorResponse(rawID, gwerr.CodeMethodNotFound, "method not found")
	return a.send(resp.Raw)
}

func hasCapability(raw json.RawMessage, key string) bool {
	var caps map[string]json.RawMessage
	if json.Unmarshal(raw, &caps) != nil {
		return false
	}
	_, ok := caps[key]
	return ok
}

// retryDegraded attempts the single lazy re-lease the spec allows a
// degraded member before a call against it fails (spec §4.3).
func (a *Aggregator) retryDegraded(ctx context.Context, mm *member) {
	if mm.config == nil {
		cfg, err := a.deps.Control.GetServerConfig(ctx, mm.ServerConfigID)
		if err != nil {
			return
		}
		mm.config = cfg
	}
	sess, err := a.deps.Pool.Lease(ctx, mm.config)
	if err != nil {
		a.logger.Warn("degraded member retry failed", "member", mm.ServerConfigID, "error", err)
		return
	}

	a.mu.Lock()
	mm.session = sess
	mm.degraded = false
	a.mu.Unlock()

	go a.pumpMember(a.watchCtx, mm)
}
