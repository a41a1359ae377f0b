// Package outbound defines the outbound port interfaces the service layer
// consumes: opening a downstream transport (C1) and reading the
// control-plane snapshot (C8).
package outbound

import (
	"context"

	"github.com/vivekrp/metamcp-sub002/internal/domain/pool"
	"github.com/vivekrp/metamcp-sub002/internal/domain/upstream"
)

// TransportOpener is C1's single operation: open(ServerConfig) -> channel,
// performing the MCP initialize handshake before returning so the caller
// never sees a channel in the "created" state.
type TransportOpener interface {
	Open(ctx context.Context, cfg *upstream.Config) (pool.Channel, InitializeResult, error)
}

// InitializeResult captures what the initialize handshake and the
// best-effort initial list prefetch produced.
type InitializeResult struct {
	ServerInfo   []byte
	Capabilities []byte
	Catalog      pool.Catalog
}
