package main

import (
	"context"
	"fmt"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/vivekrp/metamcp-sub002/internal/adapter/inbound/gatewayhttp"
	"github.com/vivekrp/metamcp-sub002/internal/adapter/outbound/memory"
	"github.com/vivekrp/metamcp-sub002/internal/adapter/outbound/transport"
	"github.com/vivekrp/metamcp-sub002/internal/config"
	"github.com/vivekrp/metamcp-sub002/internal/domain/ratelimit"
	"github.com/vivekrp/metamcp-sub002/internal/observability"
	"github.com/vivekrp/metamcp-sub002/internal/service/clientsession"
	"github.com/vivekrp/metamcp-sub002/internal/service/importexport"
	"github.com/vivekrp/metamcp-sub002/internal/service/invalidation"
	"github.com/vivekrp/metamcp-sub002/internal/service/pool"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	Long: `Start the metamcp-gatewayd HTTP listener: every configured namespace
endpoint is served under {path_prefix}/<endpoint>, aggregating whatever
downstream MCP servers that namespace's members reference.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()

	providers, err := observability.New(ctx, Version, observability.Config{})
	if err != nil {
		return fmt.Errorf("start observability providers: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("error shutting down observability providers", "error", err)
		}
	}()

	facade, closeStore, err := buildFacade(cfg, logger)
	if err != nil {
		return fmt.Errorf("build control plane: %w", err)
	}
	if closeStore != nil {
		defer func() {
			if err := closeStore(); err != nil {
				logger.Warn("error closing control-plane store", "error", err)
			}
		}()
	}

	opener := transport.NewOpener(logger)
	sessionPool := pool.New(opener, logger)
	sessionPool.SetTracer(providers.Tracer)

	sessionManager := clientsession.NewManager(sessionPool, facade, logger, cfg.Server.Name, cfg.Server.Version, sessionIdleTimeout(cfg))
	sessionManager.SetTracer(providers.Tracer)

	invalCoalesce, _ := time.ParseDuration(cfg.Coalesce.Invalidation)
	bus := invalidation.New(facade, sessionPool, sessionManager, logger, invalCoalesce)
	go func() {
		if err := bus.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("invalidation bus stopped", "error", err)
		}
	}()

	dispatcher := &gatewayhttp.Dispatcher{
		Control:           facade,
		Sessions:          sessionManager,
		Pool:              sessionPool,
		ServerName:        cfg.Server.Name,
		ServerVersion:     cfg.Server.Version,
		PathPrefix:        cfg.Server.PathPrefix,
		LegacyAPIKeyPaths: cfg.Server.LegacyAPIKeyPaths,
		Logger:            logger,
	}
	if cfg.RateLimit.Enabled {
		ipLimiter, err := memory.NewRateLimiterFromConfig(cfg.RateLimit.CleanupInterval)
		if err != nil {
			return fmt.Errorf("configure ip rate limiter: %w", err)
		}
		principalLimiter, err := memory.NewRateLimiterFromConfig(cfg.RateLimit.CleanupInterval)
		if err != nil {
			return fmt.Errorf("configure principal rate limiter: %w", err)
		}
		ipLimiter.StartCleanup(ctx)
		principalLimiter.StartCleanup(ctx)
		defer ipLimiter.Stop()
		defer principalLimiter.Stop()

		dispatcher.IPLimiter = ipLimiter
		dispatcher.PrincipalLimiter = principalLimiter
		dispatcher.IPRateConfig = ratelimit.RateLimitConfig{Rate: cfg.RateLimit.IPRate, Burst: cfg.RateLimit.IPRate, Period: time.Minute}
		dispatcher.PrincipalRateConfig = ratelimit.RateLimitConfig{Rate: cfg.RateLimit.PrincipalRate, Burst: cfg.RateLimit.PrincipalRate, Period: time.Minute}
	}

	server := gatewayhttp.NewServer(cfg.Server.HTTPAddr, dispatcher, sessionManager, logger)
	server.ImportExport = importexport.NewHandler(importexport.NewImporter(facade, logger), logger)

	logger.Info("metamcp-gatewayd starting", "addr", cfg.Server.HTTPAddr, "backend", cfg.ControlPlane.Backend)
	return server.Start(ctx)
}

func sessionIdleTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.SessionIdleTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(cfg.Server.SessionIdleTimeout)
	if err != nil {
		return 0
	}
	return d
}
