package clientsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	domsession "github.com/vivekrp/metamcp-sub002/internal/domain/clientsession"
	"github.com/vivekrp/metamcp-sub002/internal/domain/gwerr"
	"github.com/vivekrp/metamcp-sub002/internal/domain/namespace"
	"github.com/vivekrp/metamcp-sub002/internal/port/inbound"
	"github.com/vivekrp/metamcp-sub002/internal/port/outbound"
)

// MCPSessionIDHeader carries a Streamable-HTTP session's id on every
// request after the session-initiating POST.
const MCPSessionIDHeader = "Mcp-Session-Id"

// MCPProtocolVersionHeader echoes the negotiated protocol version.
const MCPProtocolVersionHeader = "MCP-Protocol-Version"

// maxRequestBodySize bounds one inbound frame, matching the teacher's cap.
const maxRequestBodySize = 1 << 20

// pendingReplyTimeout bounds how long a synchronous POST waits for its
// matching downstream-routed response before failing with a gateway error.
const pendingReplyTimeout = 30 * time.Second

// HandleSSEGet opens a new legacy-SSE Client Session: the GET stream is the
// server-to-client leg, with the message-posting URL announced via an
// "endpoint" event (spec §4.5's SSE wire shape).
func (m *Manager) HandleSSEGet(ctx context.Context, w http.ResponseWriter, r *http.Request, ep *namespace.Endpoint, principal *outbound.Principal) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return errors.New("response writer does not support flushing")
	}

	ls, err := m.createSession(ctx, ep, principal, inbound.WireSSE)
	if err != nil {
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return err
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	msgPath := strings.TrimSuffix(r.URL.Path, "/sse") + "/message"
	fmt.Fprintf(w, "event: endpoint\ndata: %s?sessionId=%s\n\n", msgPath, ls.sess.ID)
	flusher.Flush()

	reqCtx := r.Context()
	for {
		select {
		case <-reqCtx.Done():
			m.closeSession(ls.sess.ID, domsession.ReasonClosedByClient)
			return nil
		case <-ls.sess.Context().Done():
			return nil
		case frame := <-ls.queue:
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
	}
}

// HandleSSEPost accepts one client frame for an existing legacy-SSE
// session and acknowledges it without waiting for a reply, which arrives
// later on the GET stream.
func (m *Manager) HandleSSEPost(ctx context.Context, w http.ResponseWriter, r *http.Request, ep *namespace.Endpoint, sessionID string) error {
	ls, ok := m.lookup(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return nil
	}
	ls.touch(m.IdleTimeout)

	raw, err := readBoundedBody(w, r)
	if err != nil {
		return nil
	}

	if err := m.dispatchFrame(ctx, ls, raw); err != nil {
		m.Logger.Warn("inbound frame handling failed", "session", sessionID, "error", err)
	}
	w.WriteHeader(http.StatusAccepted)
	return nil
}

// HandleStreamableHTTP serves the Streamable-HTTP wire shape: POST both
// initiates a session (absent Mcp-Session-Id) and carries subsequent
// frames, GET opens the server-to-client stream, DELETE terminates the
// session (spec §4.5).
func (m *Manager) HandleStreamableHTTP(ctx context.Context, w http.ResponseWriter, r *http.Request, ep *namespace.Endpoint, principal *outbound.Principal) error {
	switch r.Method {
	case http.MethodPost:
		return m.handleStreamablePost(ctx, w, r, ep, principal)
	case http.MethodGet:
		return m.handleStreamableGet(ctx, w, r)
	case http.MethodDelete:
		return m.handleStreamableDelete(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil
	}
}

func (m *Manager) handleStreamablePost(ctx context.Context, w http.ResponseWriter, r *http.Request, ep *namespace.Endpoint, principal *outbound.Principal) error {
	raw, err := readBoundedBody(w, r)
	if err != nil {
		return nil
	}
	if !json.Valid(raw) {
		writeJSONRPCError(w, nil, gwerr.CodeParseError, "invalid json")
		return nil
	}

	sessionID := r.Header.Get(MCPSessionIDHeader)
	var ls *liveSession
	if sessionID == "" {
		ls, err = m.createSession(ctx, ep, principal, inbound.WireStreamableHTTP)
		if err != nil {
			writeJSONRPCError(w, nil, gwerr.CodeInternalError, "failed to create session")
			return err
		}
	} else {
		var ok bool
		ls, ok = m.lookup(sessionID)
		if !ok {
			writeJSONRPCError(w, nil, gwerr.CodeInvalidRequest, "unknown session")
			return nil
		}
	}
	ls.touch(m.IdleTimeout)

	idKey, isRequest := requestIDKey(raw)

	var waiter chan []byte
	if isRequest {
		waiter = ls.registerPending(idKey)
	}

	if err := m.dispatchFrame(ctx, ls, raw); err != nil {
		if isRequest {
			ls.dropPending(idKey)
		}
		writeJSONRPCError(w, json.RawMessage(idKey), gwerr.CodeInternalError, "dispatch failed")
		return err
	}

	w.Header().Set(MCPSessionIDHeader, ls.sess.ID)
	w.Header().Set(MCPProtocolVersionHeader, "2025-06-18")

	if !isRequest {
		w.WriteHeader(http.StatusAccepted)
		return nil
	}

	select {
	case reply := <-waiter:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(reply)
	case <-time.After(pendingReplyTimeout):
		ls.dropPending(idKey)
		writeJSONRPCError(w, json.RawMessage(idKey), gwerr.CodeUnavailable, "timed out waiting for response")
	case <-ctx.Done():
		ls.dropPending(idKey)
	}
	return nil
}

func (m *Manager) handleStreamableGet(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return errors.New("response writer does not support flushing")
	}
	sessionID := r.Header.Get(MCPSessionIDHeader)
	ls, ok := m.lookup(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return nil
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	reqCtx := r.Context()
	for {
		select {
		case <-reqCtx.Done():
			return nil
		case <-ls.sess.Context().Done():
			return nil
		case frame := <-ls.queue:
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
	}
}

func (m *Manager) handleStreamableDelete(w http.ResponseWriter, r *http.Request) error {
	sessionID := r.Header.Get(MCPSessionIDHeader)
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return nil
	}
	m.closeSession(sessionID, domsession.ReasonClosedByClient)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (m *Manager) dispatchFrame(ctx context.Context, ls *liveSession, raw []byte) error {
	return ls.agg.HandleInbound(ctx, raw)
}

func readBoundedBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body too large or unreadable", http.StatusRequestEntityTooLarge)
		return nil, err
	}
	return raw, nil
}

// requestIDKey reports whether raw carries a non-null "id" (a request) and
// its raw bytes as a map key; a notification (absent or null id) reports
// ok=false.
func requestIDKey(raw []byte) (key string, ok bool) {
	var env struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || len(env.ID) == 0 || string(env.ID) == "null" {
		return "", false
	}
	return string(env.ID), true
}

func writeJSONRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(id),
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}
