package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/vivekrp/metamcp-sub002/internal/adapter/outbound/controlplane"
	"github.com/vivekrp/metamcp-sub002/internal/adapter/outbound/controlplane/memstore"
	"github.com/vivekrp/metamcp-sub002/internal/adapter/outbound/controlplane/sqlitestore"
	"github.com/vivekrp/metamcp-sub002/internal/config"
)

// buildFacade opens the configured control-plane backing store and wraps
// it in a Facade, seeding any file-configured API keys on top of whatever
// the store already holds. The returned closer (nil for the in-memory
// backend) must be closed when the caller is done with the facade.
func buildFacade(cfg *config.Config, logger *slog.Logger) (*controlplane.Facade, func() error, error) {
	var store controlplane.Store
	var closer func() error

	switch cfg.ControlPlane.Backend {
	case "sqlite":
		db, err := sqlitestore.Open(cfg.ControlPlane.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite control-plane store: %w", err)
		}
		store = db
		closer = db.Close
	default:
		store = memstore.New()
	}

	facade := controlplane.New(store, logger)
	if err := seedAPIKeys(facade, cfg.Auth.APIKeys); err != nil {
		if closer != nil {
			_ = closer()
		}
		return nil, nil, err
	}

	return facade, closer, nil
}

func seedAPIKeys(facade *controlplane.Facade, keys []config.APIKeyConfig) error {
	ctx := context.Background()
	for _, k := range keys {
		err := facade.PutAPIKey(ctx, &controlplane.APIKey{
			Hash:        k.KeyHash,
			PrincipalID: k.PrincipalID,
			Public:      k.Public,
			OwnerOf:     k.OwnerOf,
		})
		if err != nil {
			return fmt.Errorf("seed api key for principal %q: %w", k.PrincipalID, err)
		}
	}
	return nil
}

// newLogger builds the gateway's structured logger at the configured
// level, writing to stderr so stdout stays free for any future stdio
// transport.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
