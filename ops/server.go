// Package ops exposes the operational HTTP surface: liveness and
// readiness probes, per-chain ingestion cursors, and Prometheus
// metrics. It serves operators and schedulers, not product clients.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fundback/ledger-indexer/internal/config"
	"github.com/fundback/ledger-indexer/internal/constants"
	"github.com/fundback/ledger-indexer/publish"
	"github.com/fundback/ledger-indexer/storage"
)

const (
	// defaultRecentFacts bounds the /status recent-facts section when
	// the request does not ask for a specific count.
	defaultRecentFacts = 10

	// maxRecentFacts caps the recent-facts section regardless of the
	// requested count.
	maxRecentFacts = 100
)

// StateReader supplies chain cursor snapshots for the readiness and
// status endpoints.
type StateReader interface {
	ChainStates(ctx context.Context) ([]storage.ChainState, error)
}

var _ StateReader = (*storage.Store)(nil)

// Server is the operational HTTP server.
type Server struct {
	cfg    config.OpsConfig
	logger *zap.Logger

	states StateReader
	queue  *publish.Queue
	bus    *publish.LocalBus

	router    *chi.Mux
	server    *http.Server
	startedAt time.Time
}

// NewServer wires the operational endpoints. queue and bus are
// optional; when nil the related response sections are omitted.
func NewServer(cfg config.OpsConfig, logger *zap.Logger, states StateReader, queue *publish.Queue, bus *publish.LocalBus) (*Server, error) {
	if states == nil {
		return nil, errors.New("state reader is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid ops port %d", cfg.Port)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "ops")),
		states:    states,
		queue:     queue,
		bus:       bus,
		router:    chi.NewRouter(),
		startedAt: time.Now().UTC(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  constants.DefaultReadTimeout,
		WriteTimeout: constants.DefaultWriteTimeout,
		IdleTimeout:  constants.DefaultIdleTimeout,
	}

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/readyz", s.handleReady)
	s.router.Get("/status", s.handleStatus)
	s.router.Handle("/metrics", promhttp.Handler())
}

// healthResponse is the /healthz payload.
type healthResponse struct {
	Status string              `json:"status"`
	Uptime string              `json:"uptime"`
	Queue  *publish.QueueStats `json:"queue,omitempty"`
	Bus    *busInfo            `json:"bus,omitempty"`
}

// busInfo summarizes local fan-out counters.
type busInfo struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
}

// statusResponse is the /status payload.
type statusResponse struct {
	Chains []storage.ChainState `json:"chains"`
	Queue  *publish.QueueStats  `json:"queue,omitempty"`
	Recent []*publish.Fact      `json:"recent,omitempty"`
}

// handleHealth reports process liveness. A halted chain does not fail
// this probe: the process is alive and still serving the others.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "ok",
		Uptime: time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.queue != nil {
		stats := s.queue.Stats()
		resp.Queue = &stats
	}
	if s.bus != nil {
		published, delivered, dropped := s.bus.Stats()
		resp.Bus = &busInfo{
			Subscribers: s.bus.SubscriberCount(),
			Published:   published,
			Delivered:   delivered,
			Dropped:     dropped,
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleReady fails until the store answers, so schedulers hold
// traffic during startup and after storage faults.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.states.ChainStates(r.Context()); err != nil {
		s.logger.Warn("readiness probe failed", zap.Error(err))
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleStatus returns the per-chain cursors plus queue counters and
// the most recent published facts. ?recent=N adjusts the fact count.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	chains, err := s.states.ChainStates(r.Context())
	if err != nil {
		s.logger.Error("failed to read chain states", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": err.Error(),
		})
		return
	}

	resp := statusResponse{Chains: chains}
	if s.queue != nil {
		stats := s.queue.Stats()
		resp.Queue = &stats
	}
	if s.bus != nil {
		resp.Recent = s.bus.Recent(recentCount(r))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func recentCount(r *http.Request) int {
	n := defaultRecentFacts
	if raw := r.URL.Query().Get("recent"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			n = parsed
		}
	}
	if n > maxRecentFacts {
		n = maxRecentFacts
	}
	return n
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("starting ops server", zap.String("address", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down, bounding the drain so a stuck
// client cannot stall process exit.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping ops server")

	shutdownCtx, cancel := context.WithTimeout(ctx, constants.DefaultShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown failed: %w", err)
	}
	return nil
}

// Router returns the HTTP router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
