package mcpwire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// Decode parses raw wire bytes into a Message, delegating framing to the SDK.
func Decode(raw []byte, dir Direction) *Message {
	msg := &Message{Raw: raw, Direction: dir, Timestamp: time.Now()}
	if decoded, err := jsonrpc.DecodeMessage(raw); err == nil {
		msg.Decoded = decoded
	}
	return msg
}

// Encode serializes a jsonrpc.Message to wire bytes.
func Encode(m jsonrpc.Message) ([]byte, error) {
	return jsonrpc.EncodeMessage(m)
}

// NewRequest builds a client-to-server request message with a fresh id,
// used when the aggregator forwards a request downstream under a new
// (member-local) id so that multiple outer requests multiplexed onto one
// downstream session never collide.
func NewRequest(id int64, method string, params json.RawMessage) (*Message, error) {
	jid, err := jsonrpc.MakeID(id)
	if err != nil {
		return nil, fmt.Errorf("make id: %w", err)
	}
	req := &jsonrpc.Request{ID: jid, Method: method, Params: params}
	raw, err := jsonrpc.EncodeMessage(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return &Message{Raw: raw, Decoded: req, Direction: ClientToServer, Timestamp: time.Now()}, nil
}

// NewNotification builds a notification (no id) message.
func NewNotification(method string, params json.RawMessage) (*Message, error) {
	req := &jsonrpc.Request{Method: method, Params: params}
	raw, err := jsonrpc.EncodeMessage(req)
	if err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}
	return &Message{Raw: raw, Decoded: req, Timestamp: time.Now()}, nil
}

// RewriteID re-encodes raw bytes of a response/request with a new raw id,
// used by the aggregator to translate between outer and inner request ids
// without fully re-marshaling the (possibly large) result/params payload.
func RewriteID(raw []byte, newID json.RawMessage) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("unmarshal for id rewrite: %w", err)
	}
	if newID == nil {
		delete(obj, "id")
	} else {
		obj["id"] = newID
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("marshal after id rewrite: %w", err)
	}
	return out, nil
}

// ResultResponse builds a JSON-RPC success response carrying rawID.
func ResultResponse(rawID json.RawMessage, result any) (*Message, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	env := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id,omitempty"`
		Result  json.RawMessage `json:"result"`
	}{JSONRPC: "2.0", ID: rawID, Result: resultJSON}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	return &Message{Raw: raw, Direction: ServerToClient, Timestamp: time.Now()}, nil
}

// ErrorResponse builds a JSON-RPC error response carrying rawID.
func ErrorResponse(rawID json.RawMessage, code int64, message string) *Message {
	env := struct {
		JSONRPC string `json:"jsonrpc"`
		ID      json.RawMessage `json:"id,omitempty"`
		Error   struct {
			Code    int64  `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}{JSONRPC: "2.0", ID: rawID}
	env.Error.Code = code
	env.Error.Message = message
	raw, _ := json.Marshal(env)
	return &Message{Raw: raw, Direction: ServerToClient, Timestamp: time.Now()}
}
