// Package mcpwire wraps JSON-RPC messages flowing through the gateway with
// proxy metadata (direction, timestamps, parsed params) and helpers for
// building/rewriting requests as they cross the aggregator. Wire-level
// JSON-RPC framing and decoding is delegated to the MCP SDK (spec.md §1
// explicitly treats that as an external dependency, not something the core
// re-implements).
package mcpwire

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Direction indicates which way a message is flowing through the gateway.
type Direction int

const (
	// ClientToServer indicates a message flowing from the external client
	// toward the gateway's own MCP server side (a request or notification).
	ClientToServer Direction = iota
	// ServerToClient indicates a message flowing back out to the external
	// client (a response, or a notification fanned in from a downstream).
	ServerToClient
)

func (d Direction) String() string {
	if d == ServerToClient {
		return "server->client"
	}
	return "client->server"
}

// Message wraps a decoded JSON-RPC message with gateway metadata.
type Message struct {
	// Raw holds the original wire bytes, used for passthrough when no
	// rewrite is needed.
	Raw []byte
	// Direction this message is flowing, relative to the gateway.
	Direction Direction
	// Decoded is either a *jsonrpc.Request or *jsonrpc.Response, or nil if
	// decoding failed (the raw bytes may still be forwarded as-is).
	Decoded jsonrpc.Message
	// Timestamp records when the gateway observed this message.
	Timestamp time.Time
	// ParsedParams caches the decoded params object of a request.
	ParsedParams map[string]any
}

// IsRequest reports whether the decoded message is a JSON-RPC request.
func (m *Message) IsRequest() bool {
	_, ok := m.Decoded.(*jsonrpc.Request)
	return ok
}

// IsResponse reports whether the decoded message is a JSON-RPC response.
func (m *Message) IsResponse() bool {
	_, ok := m.Decoded.(*jsonrpc.Response)
	return ok
}

// IsNotification reports whether the decoded message is a request with no id
// (a JSON-RPC notification carries no response expectation).
func (m *Message) IsNotification() bool {
	req, ok := m.Decoded.(*jsonrpc.Request)
	return ok && !req.IsCall()
}

// Method returns the method name for a request, or "" otherwise.
func (m *Message) Method() string {
	req, ok := m.Decoded.(*jsonrpc.Request)
	if !ok {
		return ""
	}
	return req.Method
}

// Request returns the underlying request, or nil if this isn't one.
func (m *Message) Request() *jsonrpc.Request {
	req, _ := m.Decoded.(*jsonrpc.Request)
	return req
}

// Response returns the underlying response, or nil if this isn't one.
func (m *Message) Response() *jsonrpc.Response {
	resp, _ := m.Decoded.(*jsonrpc.Response)
	return resp
}

// ParseParams decodes the request params into a generic map, memoizing the
// result so interceptors/routers sharing a Message don't re-parse.
func (m *Message) ParseParams() map[string]any {
	if m.ParsedParams != nil {
		return m.ParsedParams
	}
	req := m.Request()
	if req == nil || req.Params == nil {
		return nil
	}
	var params map[string]any
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil
	}
	m.ParsedParams = params
	return params
}

// RawID extracts the "id" field straight from the raw bytes. The SDK's own
// jsonrpc.ID type does not round-trip cleanly through interface{}, so
// rewriting ids for the aggregator's id maps works against the raw JSON
// form instead.
func (m *Message) RawID() json.RawMessage {
	if len(m.Raw) == 0 {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(m.Raw, &raw); err != nil {
		return nil
	}
	return raw["id"]
}

// ToolName returns params.name for a tools/call-shaped request, or "".
func (m *Message) ToolName() string {
	params := m.ParseParams()
	if params == nil {
		return ""
	}
	name, _ := params["name"].(string)
	return name
}
