package gatewayhttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vivekrp/metamcp-sub002/internal/port/inbound"
	"github.com/vivekrp/metamcp-sub002/internal/service/importexport"
)

// shutdownGrace bounds how long Start's shutdown path waits for
// in-flight requests and live Client Sessions to drain.
const shutdownGrace = 10 * time.Second

// Server is the top-level HTTP listener wrapping the Endpoint Dispatcher:
// it registers the dispatcher's routes alongside /healthz and /metrics,
// and owns graceful shutdown of both the listener and every live Client
// Session, grounded on the teacher's HTTPTransport.Start/shutdown shape.
type Server struct {
	Addr       string
	Dispatcher *Dispatcher
	Sessions   inbound.SessionManager
	Logger     *slog.Logger

	// ImportExport, if set, mounts the bulk server-config import/export
	// admin surface (spec §6.2) alongside the gateway's own endpoints.
	ImportExport *importexport.Handler

	registry   *prometheus.Registry
	httpServer *http.Server
}

// NewServer builds a Server for d. If the dispatcher has no Metrics yet, it
// registers them on a fresh Prometheus registry (alongside the Go and
// process collectors), which Start then serves on /metrics.
func NewServer(addr string, d *Dispatcher, sessions inbound.SessionManager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	var reg *prometheus.Registry
	if d.Metrics == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		d.Metrics = NewMetrics(reg)
	}
	return &Server{Addr: addr, Dispatcher: d, Sessions: sessions, Logger: logger, registry: reg}
}

// Start begins accepting connections and blocks until ctx is cancelled or
// the listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/", s.Dispatcher.Routes())
	mux.Handle("/healthz", http.HandlerFunc(s.handleHealthz))
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}
	if s.ImportExport != nil {
		s.ImportExport.Routes(mux)
	}

	s.httpServer = &http.Server{
		Addr:    s.Addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info("starting gateway HTTP server", "addr", s.Addr)
		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.Logger.Info("context cancelled, shutting down gateway HTTP server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := s.Sessions.Shutdown(ctx); err != nil {
		s.Logger.Warn("error closing client sessions during shutdown", "error", err)
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.Logger.Error("error during gateway HTTP server shutdown", "error", err)
		return err
	}
	return nil
}

// Close gracefully shuts down the server; safe to call even if Start was
// never invoked.
func (s *Server) Close() error {
	if s.httpServer == nil {
		return nil
	}
	return s.shutdown()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
