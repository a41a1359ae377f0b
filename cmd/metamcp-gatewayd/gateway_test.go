package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/vivekrp/metamcp-sub002/internal/adapter/outbound/controlplane"
	"github.com/vivekrp/metamcp-sub002/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildFacade_MemoryBackendNeedsNoCloser(t *testing.T) {
	cfg := &config.Config{}
	cfg.ControlPlane.Backend = "memory"

	facade, closer, err := buildFacade(cfg, discardLogger())
	if err != nil {
		t.Fatalf("buildFacade: %v", err)
	}
	if facade == nil {
		t.Fatal("expected non-nil facade")
	}
	if closer != nil {
		t.Fatal("expected nil closer for memory backend")
	}
}

func TestBuildFacade_SQLiteBackendOpensFileAndReturnsCloser(t *testing.T) {
	cfg := &config.Config{}
	cfg.ControlPlane.Backend = "sqlite"
	cfg.ControlPlane.SQLitePath = filepath.Join(t.TempDir(), "gatewayd.db")

	facade, closer, err := buildFacade(cfg, discardLogger())
	if err != nil {
		t.Fatalf("buildFacade: %v", err)
	}
	if facade == nil {
		t.Fatal("expected non-nil facade")
	}
	if closer == nil {
		t.Fatal("expected non-nil closer for sqlite backend")
	}
	if err := closer(); err != nil {
		t.Fatalf("closer: %v", err)
	}
}

func TestBuildFacade_SeedsConfiguredAPIKeys(t *testing.T) {
	cfg := &config.Config{}
	cfg.ControlPlane.Backend = "memory"
	cfg.Auth.APIKeys = []config.APIKeyConfig{
		{KeyHash: "sha256:deadbeef", PrincipalID: "alice", Public: true},
	}

	facade, _, err := buildFacade(cfg, discardLogger())
	if err != nil {
		t.Fatalf("buildFacade: %v", err)
	}

	key, err := facade.Store.GetAPIKeyByHash(context.Background(), "sha256:deadbeef")
	if err != nil {
		t.Fatalf("GetAPIKeyByHash: %v", err)
	}
	if key == nil || key.PrincipalID != "alice" {
		t.Fatalf("expected seeded key for alice, got %+v", key)
	}
}

func TestSeedAPIKeys_SeedsMultipleKeysIndependently(t *testing.T) {
	facade := controlplaneFacadeForTest(t)
	err := seedAPIKeys(facade, []config.APIKeyConfig{
		{KeyHash: "sha256:aaa", PrincipalID: "alice"},
		{KeyHash: "sha256:bbb", PrincipalID: "bob", OwnerOf: []string{"ns-bob"}},
	})
	if err != nil {
		t.Fatalf("seedAPIKeys: %v", err)
	}

	bob, err := facade.Store.GetAPIKeyByHash(context.Background(), "sha256:bbb")
	if err != nil {
		t.Fatalf("GetAPIKeyByHash: %v", err)
	}
	if bob == nil || bob.PrincipalID != "bob" || len(bob.OwnerOf) != 1 || bob.OwnerOf[0] != "ns-bob" {
		t.Fatalf("expected seeded key for bob with OwnerOf, got %+v", bob)
	}
}

func controlplaneFacadeForTest(t *testing.T) *controlplane.Facade {
	t.Helper()
	cfg := &config.Config{}
	cfg.ControlPlane.Backend = "memory"
	facade, _, err := buildFacade(cfg, discardLogger())
	if err != nil {
		t.Fatalf("buildFacade: %v", err)
	}
	return facade
}
