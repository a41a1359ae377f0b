package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/vivekrp/metamcp-sub002/internal/domain/mcpwire"
	"github.com/vivekrp/metamcp-sub002/internal/domain/namespace"
	domainpool "github.com/vivekrp/metamcp-sub002/internal/domain/pool"
	"github.com/vivekrp/metamcp-sub002/internal/domain/upstream"
	"github.com/vivekrp/metamcp-sub002/internal/port/outbound"
	poolsvc "github.com/vivekrp/metamcp-sub002/internal/service/pool"
)

const testTimeout = 2 * time.Second

type fakeChannel struct {
	sent   chan *mcpwire.Message
	recv   chan *mcpwire.Message
	closed chan struct{}
	once   sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		sent:   make(chan *mcpwire.Message, 8),
		recv:   make(chan *mcpwire.Message, 8),
		closed: make(chan struct{}),
	}
}

func (f *fakeChannel) Send(msg *mcpwire.Message) error {
	select {
	case f.sent <- msg:
	default:
	}
	return nil
}

func (f *fakeChannel) Recv() (*mcpwire.Message, error) {
	select {
	case m, ok := <-f.recv:
		if !ok {
			return nil, fmt.Errorf("closed")
		}
		return m, nil
	case <-f.closed:
		return nil, fmt.Errorf("closed")
	}
}

func (f *fakeChannel) Stderr() <-chan []byte   { return nil }
func (f *fakeChannel) Closed() <-chan struct{} { return f.closed }
func (f *fakeChannel) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// scriptedOpener hands out one fakeChannel per config command, preloaded
// with whatever catalog the test registered for that command.
type scriptedOpener struct {
	mu       sync.Mutex
	catalogs map[string]domainpool.Catalog
	channels map[string]*fakeChannel
}

func newScriptedOpener() *scriptedOpener {
	return &scriptedOpener{catalogs: make(map[string]domainpool.Catalog), channels: make(map[string]*fakeChannel)}
}

func (o *scriptedOpener) Open(ctx context.Context, cfg *upstream.Config) (domainpool.Channel, outbound.InitializeResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch := newFakeChannel()
	o.channels[cfg.Command] = ch
	return ch, outbound.InitializeResult{Capabilities: json.RawMessage(`{}`), Catalog: o.catalogs[cfg.Command]}, nil
}

func (o *scriptedOpener) channelFor(cmd string) *fakeChannel {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.channels[cmd]
}

type fakeControlPlane struct {
	configs map[string]*upstream.Config
}

func (f *fakeControlPlane) GetServerConfig(ctx context.Context, id string) (*upstream.Config, error) {
	cfg, ok := f.configs[id]
	if !ok {
		return nil, outbound.ErrNotFound
	}
	return cfg, nil
}
func (f *fakeControlPlane) GetEndpoint(ctx context.Context, name string) (*namespace.Endpoint, error) {
	return nil, outbound.ErrNotFound
}
func (f *fakeControlPlane) GetNamespace(ctx context.Context, id string) (*namespace.Namespace, error) {
	return nil, outbound.ErrNotFound
}
func (f *fakeControlPlane) ValidateCredential(ctx context.Context, raw string) (*outbound.Principal, error) {
	return nil, outbound.ErrNotFound
}
func (f *fakeControlPlane) Subscribe(ctx context.Context) (<-chan outbound.ChangeEvent, error) {
	return nil, fmt.Errorf("not implemented")
}

type fakeSink struct {
	mu     sync.Mutex
	frames [][]byte
	notify chan []byte
}

func newFakeSink() *fakeSink { return &fakeSink{notify: make(chan []byte, 16)} }

func (f *fakeSink) Send(raw []byte) error {
	f.mu.Lock()
	f.frames = append(f.frames, append([]byte(nil), raw...))
	f.mu.Unlock()
	f.notify <- raw
	return nil
}

func toolEntry(name string) domainpool.CatalogEntry {
	raw, _ := json.Marshal(map[string]any{"name": name, "description": name})
	return domainpool.CatalogEntry{Name: name, Raw: raw}
}

func inboundRequest(t *testing.T, id int64, method string, params any) []byte {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		var err error
		raw, err = json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
	}
	msg, err := mcpwire.NewRequest(id, method, raw)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return msg.Raw
}

func inboundNotification(t *testing.T, method string, params any) []byte {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	msg, err := mcpwire.NewNotification(method, raw)
	if err != nil {
		t.Fatalf("build notification: %v", err)
	}
	return msg.Raw
}

func downstreamResponse(t *testing.T, innerID json.RawMessage, result any) *mcpwire.Message {
	t.Helper()
	resultJSON, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	env := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
	}{JSONRPC: "2.0", ID: innerID, Result: resultJSON}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal response envelope: %v", err)
	}
	return mcpwire.Decode(raw, mcpwire.ServerToClient)
}

func recvWithin(t *testing.T, ch <-chan *mcpwire.Message) *mcpwire.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func notifyWithin(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case raw := <-ch:
		return raw
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for sink notification")
		return nil
	}
}

func decodeEnvelope(t *testing.T, raw []byte) map[string]json.RawMessage {
	t.Helper()
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func TestNewBuildsDisambiguatedCatalogAndListsTools(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	opener := newScriptedOpener()
	opener.catalogs["cmd-a"] = domainpool.Catalog{Tools: []domainpool.CatalogEntry{toolEntry("search"), toolEntry("weather")}}
	opener.catalogs["cmd-b"] = domainpool.Catalog{Tools: []domainpool.CatalogEntry{toolEntry("search"), toolEntry("translate")}}

	p := poolsvc.New(opener, nil)
	control := &fakeControlPlane{configs: map[string]*upstream.Config{
		"cfg-a": {Name: "member-a", Transport: upstream.TransportStdio, Command: "cmd-a"},
		"cfg-b": {Name: "member-b", Transport: upstream.TransportStdio, Command: "cmd-b"},
	}}
	ns := &namespace.Namespace{
		ID: "ns-1",
		Members: []namespace.Member{
			{ServerConfigID: "cfg-a", ShortID: "a", Enabled: true},
			{ServerConfigID: "cfg-b", ShortID: "b", Enabled: true},
		},
	}
	sink := newFakeSink()

	agg, err := New(ctx, Deps{Pool: p, Control: control, ServerName: "gatewayd", ServerVersion: "test"}, ns, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := agg.HandleInbound(ctx, inboundRequest(t, 1, "tools/list", nil)); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	raw := notifyWithin(t, sink.notify)
	env := decodeEnvelope(t, raw)
	var result struct {
		Tools []json.RawMessage `json:"tools"`
	}
	if err := json.Unmarshal(env["result"], &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Tools) != 4 {
		t.Fatalf("expected 4 disambiguated tools, got %d", len(result.Tools))
	}
	if _, ok := agg.catalogs[0].nameMap.Lookup("search"); !ok {
		t.Fatalf("expected member-a's search to keep its bare name")
	}
	if _, ok := agg.catalogs[0].nameMap.Lookup("b__search"); !ok {
		t.Fatalf("expected member-b's colliding search to be disambiguated as b__search")
	}

	if err := agg.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestHandleCallRoutesRewritesIDAndDeliversResponse(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	opener := newScriptedOpener()
	opener.catalogs["cmd-a"] = domainpool.Catalog{Tools: []domainpool.CatalogEntry{toolEntry("search")}}

	p := poolsvc.New(opener, nil)
	control := &fakeControlPlane{configs: map[string]*upstream.Config{
		"cfg-a": {Name: "member-a", Transport: upstream.TransportStdio, Command: "cmd-a"},
	}}
	ns := &namespace.Namespace{
		ID:      "ns-1",
		Members: []namespace.Member{{ServerConfigID: "cfg-a", ShortID: "a", Enabled: true}},
	}
	sink := newFakeSink()

	agg, err := New(ctx, Deps{Pool: p, Control: control}, ns, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	outerID := int64(42)
	params := map[string]any{"name": "search", "arguments": map[string]any{"q": "hi"}}
	if err := agg.HandleInbound(ctx, inboundRequest(t, outerID, "tools/call", params)); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	ch := opener.channelFor("cmd-a")
	fwd := recvWithin(t, ch.sent)
	if fwd.Method() != "tools/call" {
		t.Fatalf("expected forwarded tools/call, got %q", fwd.Method())
	}
	fwdParams := fwd.ParseParams()
	if fwdParams["name"] != "search" {
		t.Fatalf("expected forwarded name %q, got %v", "search", fwdParams["name"])
	}

	innerID := fwd.RawID()
	ch.recv <- downstreamResponse(t, innerID, map[string]any{"content": []any{"ok"}})

	raw := notifyWithin(t, sink.notify)
	env := decodeEnvelope(t, raw)
	var gotID int64
	if err := json.Unmarshal(env["id"], &gotID); err != nil {
		t.Fatalf("decode response id: %v", err)
	}
	if gotID != outerID {
		t.Fatalf("expected response id %d, got %d", outerID, gotID)
	}
	if _, ok := env["error"]; ok {
		t.Fatalf("unexpected error in response: %s", raw)
	}

	if err := agg.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestHandleCallUnknownToolIsRejectedWithoutForwarding(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	opener := newScriptedOpener()
	opener.catalogs["cmd-a"] = domainpool.Catalog{Tools: []domainpool.CatalogEntry{toolEntry("search")}}

	p := poolsvc.New(opener, nil)
	control := &fakeControlPlane{configs: map[string]*upstream.Config{
		"cfg-a": {Name: "member-a", Transport: upstream.TransportStdio, Command: "cmd-a"},
	}}
	ns := &namespace.Namespace{
		ID:      "ns-1",
		Members: []namespace.Member{{ServerConfigID: "cfg-a", ShortID: "a", Enabled: true}},
	}
	sink := newFakeSink()

	agg, err := New(ctx, Deps{Pool: p, Control: control}, ns, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	params := map[string]any{"name": "does-not-exist"}
	if err := agg.HandleInbound(ctx, inboundRequest(t, 9, "tools/call", params)); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	raw := notifyWithin(t, sink.notify)
	env := decodeEnvelope(t, raw)
	if _, ok := env["error"]; !ok {
		t.Fatalf("expected an error response, got %s", raw)
	}

	ch := opener.channelFor("cmd-a")
	select {
	case msg := <-ch.sent:
		t.Fatalf("unknown tool call should never reach the downstream, got %q", msg.Method())
	default:
	}

	if err := agg.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestHandleCancelledForwardsDownstreamAndClearsMapping(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	opener := newScriptedOpener()
	opener.catalogs["cmd-a"] = domainpool.Catalog{Tools: []domainpool.CatalogEntry{toolEntry("search")}}

	p := poolsvc.New(opener, nil)
	control := &fakeControlPlane{configs: map[string]*upstream.Config{
		"cfg-a": {Name: "member-a", Transport: upstream.TransportStdio, Command: "cmd-a"},
	}}
	ns := &namespace.Namespace{
		ID:      "ns-1",
		Members: []namespace.Member{{ServerConfigID: "cfg-a", ShortID: "a", Enabled: true}},
	}
	sink := newFakeSink()

	agg, err := New(ctx, Deps{Pool: p, Control: control}, ns, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	outerID := int64(7)
	params := map[string]any{"name": "search"}
	if err := agg.HandleInbound(ctx, inboundRequest(t, outerID, "tools/call", params)); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	ch := opener.channelFor("cmd-a")
	fwd := recvWithin(t, ch.sent)

	if agg.ids.Len() != 1 {
		t.Fatalf("expected one outstanding id mapping before cancellation, got %d", agg.ids.Len())
	}

	if err := agg.HandleInbound(ctx, inboundNotification(t, "notifications/cancelled", map[string]any{"requestId": outerID})); err != nil {
		t.Fatalf("HandleInbound cancelled: %v", err)
	}

	cancelMsg := recvWithin(t, ch.sent)
	if cancelMsg.Method() != "notifications/cancelled" {
		t.Fatalf("expected forwarded cancellation, got %q", cancelMsg.Method())
	}
	cancelParams := cancelMsg.ParseParams()
	var forwardedInner int64
	if rid, ok := cancelParams["requestId"]; ok {
		switch v := rid.(type) {
		case float64:
			forwardedInner = int64(v)
		}
	}
	var wantInner int64
	_ = json.Unmarshal(fwd.RawID(), &wantInner)
	if forwardedInner != wantInner {
		t.Fatalf("expected cancelled notification to reference inner id %d, got %d", wantInner, forwardedInner)
	}

	if agg.ids.Len() != 0 {
		t.Fatalf("expected id mapping cleared after cancellation, got %d outstanding", agg.ids.Len())
	}

	if err := agg.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestCloseReleasesLeasesAndIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	opener := newScriptedOpener()
	opener.catalogs["cmd-a"] = domainpool.Catalog{Tools: []domainpool.CatalogEntry{toolEntry("search")}}

	p := poolsvc.New(opener, nil)
	control := &fakeControlPlane{configs: map[string]*upstream.Config{
		"cfg-a": {Name: "member-a", Transport: upstream.TransportStdio, Command: "cmd-a"},
	}}
	ns := &namespace.Namespace{
		ID:      "ns-1",
		Members: []namespace.Member{{ServerConfigID: "cfg-a", ShortID: "a", Enabled: true}},
	}
	sink := newFakeSink()

	agg, err := New(ctx, Deps{Pool: p, Control: control}, ns, sink)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	fp := control.configs["cfg-a"].Fingerprint()
	if stats := p.Stats(fp); stats.Leased != 1 {
		t.Fatalf("expected 1 leased session before close, got %d", stats.Leased)
	}

	if err := agg.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := agg.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got: %v", err)
	}

	if stats := p.Stats(fp); stats.Leased != 0 {
		t.Fatalf("expected 0 leased sessions after close, got %d", stats.Leased)
	}

	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
