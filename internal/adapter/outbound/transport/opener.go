package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vivekrp/metamcp-sub002/internal/domain/gwerr"
	"github.com/vivekrp/metamcp-sub002/internal/domain/mcpwire"
	"github.com/vivekrp/metamcp-sub002/internal/domain/pool"
	"github.com/vivekrp/metamcp-sub002/internal/domain/upstream"
	"github.com/vivekrp/metamcp-sub002/internal/port/outbound"
)

const initializeTimeout = 30 * time.Second

// Opener implements outbound.TransportOpener, dialing whichever of the
// three wire shapes a ServerConfig names and running the MCP initialize
// handshake before returning.
type Opener struct {
	Logger         *slog.Logger
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
}

func NewOpener(logger *slog.Logger) *Opener {
	return &Opener{
		Logger:          logger,
		ProtocolVersion: "2025-06-18",
		ClientName:      "metamcp-gatewayd",
		ClientVersion:   "0.1.0",
	}
}

func (o *Opener) Open(ctx context.Context, cfg *upstream.Config) (pool.Channel, outbound.InitializeResult, error) {
	var ch pool.Channel
	var err error

	switch cfg.Transport {
	case upstream.TransportStdio:
		ch, err = StartStdio(ctx, o.Logger, cfg.Command, cfg.Args, cfg.Env)
	case upstream.TransportSSE:
		ch, err = DialSSE(ctx, o.Logger, cfg.URL, cfg.BearerToken)
	case upstream.TransportStreamableHTTP:
		ch = DialStreamableHTTP(ctx, o.Logger, cfg.URL, cfg.BearerToken)
	default:
		return nil, outbound.InitializeResult{}, fmt.Errorf("unknown transport kind %q", cfg.Transport)
	}
	if err != nil {
		if ErrUnauthorized(err) {
			return nil, outbound.InitializeResult{}, gwerr.UpstreamUnauthorized(err)
		}
		return nil, outbound.InitializeResult{}, gwerr.Unavailable(err)
	}

	result, err := o.handshake(ctx, ch)
	if err != nil {
		_ = ch.Close()
		return nil, outbound.InitializeResult{}, err
	}
	return ch, result, nil
}

func (o *Opener) handshake(ctx context.Context, ch pool.Channel) (outbound.InitializeResult, error) {
	hctx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()

	params, _ := json.Marshal(map[string]any{
		"protocolVersion": o.ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    o.ClientName,
			"version": o.ClientVersion,
		},
	})
	req, err := buildRequest(1, "initialize", params)
	if err != nil {
		return outbound.InitializeResult{}, fmt.Errorf("build initialize request: %w", err)
	}
	if err := ch.Send(req); err != nil {
		return outbound.InitializeResult{}, gwerr.Unavailable(fmt.Errorf("send initialize: %w", err))
	}

	resp, err := recvWithTimeout(hctx, ch)
	if err != nil {
		return outbound.InitializeResult{}, gwerr.Unavailable(fmt.Errorf("initialize handshake: %w", err))
	}

	var env struct {
		Result struct {
			Capabilities json.RawMessage `json:"capabilities"`
			ServerInfo   json.RawMessage `json:"serverInfo"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp.Raw, &env); err != nil {
		return outbound.InitializeResult{}, gwerr.Unavailable(fmt.Errorf("decode initialize response: %w", err))
	}
	if env.Error != nil {
		return outbound.InitializeResult{}, gwerr.Unavailable(fmt.Errorf("initialize error %d: %s", env.Error.Code, env.Error.Message))
	}

	if note, err := buildNotification("notifications/initialized", nil); err == nil {
		_ = ch.Send(note)
	}

	result := outbound.InitializeResult{
		ServerInfo:   env.Result.ServerInfo,
		Capabilities: env.Result.Capabilities,
	}
	result.Catalog = o.prefetchCatalog(ctx, ch)
	return result, nil
}

// prefetchCatalog best-effort fetches tools/prompts/resources lists;
// a missing capability (no response, or an error response) is not fatal.
func (o *Opener) prefetchCatalog(ctx context.Context, ch pool.Channel) pool.Catalog {
	var cat pool.Catalog
	cat.Tools = prefetchList(ctx, ch, "tools/list", "tools")
	cat.Prompts = prefetchList(ctx, ch, "prompts/list", "prompts")
	cat.Resources = prefetchList(ctx, ch, "resources/list", "resources")
	cat.ResourceTemplates = prefetchList(ctx, ch, "resources/templates/list", "resourceTemplates")
	return cat
}

func prefetchList(ctx context.Context, ch pool.Channel, method, resultKey string) []pool.CatalogEntry {
	hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := buildRequest(2, method, nil)
	if err != nil {
		return nil
	}
	if err := ch.Send(req); err != nil {
		return nil
	}
	resp, err := recvWithTimeout(hctx, ch)
	if err != nil {
		return nil
	}

	var env struct {
		Result map[string]json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(resp.Raw, &env); err != nil {
		return nil
	}
	raw, ok := env.Result[resultKey]
	if !ok {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	field := pool.IdentifierField(resultKey)
	entries := make([]pool.CatalogEntry, 0, len(items))
	for _, item := range items {
		var obj map[string]json.RawMessage
		if json.Unmarshal(item, &obj) != nil {
			continue
		}
		var id string
		if raw, ok := obj[field]; ok {
			_ = json.Unmarshal(raw, &id)
		}
		if id == "" {
			continue
		}
		entries = append(entries, pool.CatalogEntry{Name: id, Raw: item})
	}
	return entries
}

// recvWithTimeout bridges pool.Channel's blocking Recv to a context
// deadline; the handshake and prefetch calls are the only callers that
// need a bounded wait, since the steady-state receive loop (owned by the
// service layer) suspends indefinitely by design (spec §5).
func recvWithTimeout(ctx context.Context, ch pool.Channel) (*mcpwire.Message, error) {
	type result struct {
		msg *mcpwire.Message
		err error
	}
	out := make(chan result, 1)
	go func() {
		msg, err := ch.Recv()
		out <- result{msg, err}
	}()
	select {
	case r := <-out:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func buildRequest(id int64, method string, params json.RawMessage) (*mcpwire.Message, error) {
	return mcpwire.NewRequest(id, method, params)
}

func buildNotification(method string, params json.RawMessage) (*mcpwire.Message, error) {
	return mcpwire.NewNotification(method, params)
}

var _ outbound.TransportOpener = (*Opener)(nil)
