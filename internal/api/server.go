// Package api serves the operator command surface over HTTP JSON: status and
// reward snapshots, pause/resume/rescan/redeem/sell-all interventions, and
// the Prometheus metrics endpoint. There is no UI — this is the interface a
// supervisor script or a human with curl drives.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"polymarket-rewards/internal/config"
	"polymarket-rewards/internal/engine"
)

// Server runs the operator HTTP API.
type Server struct {
	cfg    config.OperatorConfig
	eng    *engine.Engine
	server *http.Server
	logger *slog.Logger
}

// NewServer creates the operator server.
func NewServer(cfg config.OperatorConfig, eng *engine.Engine, registry *prometheus.Registry, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		eng:    eng,
		logger: logger.With("component", "operator-api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /markets", s.handleMarkets)
	mux.HandleFunc("GET /rewards", s.handleRewards)
	mux.HandleFunc("POST /pause", s.handlePause)
	mux.HandleFunc("POST /resume", s.handleResume)
	mux.HandleFunc("POST /rescan", s.handleRescan)
	mux.HandleFunc("POST /redeem", s.handleRedeem)
	mux.HandleFunc("POST /sell-all", s.handleSellAll)
	mux.HandleFunc("POST /stop", s.handleStop)
	mux.HandleFunc("POST /kill", s.handleKill)
	if registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // sell-all can take a while
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start blocks serving until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("operator server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping operator server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
