// Package api provides the admin HTTP API: manual triggers and read-only views of the
// scheduler, jobs, snapshots and distributions.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reward-airdrop/internal/circuitbreaker"
	"github.com/reward-airdrop/internal/config"
	"github.com/reward-airdrop/internal/job"
	"github.com/reward-airdrop/internal/logging"
	"github.com/reward-airdrop/internal/models"
	"github.com/reward-airdrop/internal/scheduler"
	"github.com/reward-airdrop/internal/storage"
	"github.com/reward-airdrop/internal/types"
)

// SchedulerControl is the part of the scheduler the API drives
type SchedulerControl interface {
	Status() scheduler.Status
	Trigger(ctx context.Context, step scheduler.Step, cycleKey string) (*job.Handle, error)
}

// JobReader reads job records
type JobReader interface {
	GetJob(ctx context.Context, id string) (*models.JobRecord, error)
	ListJobs(ctx context.Context, limit int) ([]models.JobRecord, error)
}

// StateReader reads persisted snapshot and distribution state
type StateReader interface {
	GetSnapshot(ctx context.Context, key string) (*models.Snapshot, error)
	GetDistribution(ctx context.Context, cycleKey string) (*models.Distribution, error)
	ListBatches(ctx context.Context, distributionID int64, statuses ...types.PayoutStatus) ([]models.Batch, error)
	ListRecipients(ctx context.Context, distributionID int64, filter storage.RecipientFilter) ([]models.Recipient, error)
	Ping(ctx context.Context) error
}

// BreakerStats reports the chain circuit breaker on /health
type BreakerStats interface {
	GetStats() *circuitbreaker.Stats
}

// Deps are the collaborators behind the routes. Archive and Breaker are optional.
type Deps struct {
	Scheduler SchedulerControl
	Jobs      JobReader
	Store     StateReader
	Archive   storage.HolderArchive
	Breaker   BreakerStats
	Gatherer  prometheus.Gatherer
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	deps       Deps
	config     *config.ServerConfig
}

// NewServer creates a new API server instance.
func NewServer(cfg *config.ServerConfig, deps Deps) *Server {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
		config: cfg,
	}

	s.setupRouter()

	return s
}

// setupRouter wraps the router in the middleware chain. The chain sits outside mux so
// preflight requests and unmatched routes pass through it too.
func (s *Server) setupRouter() {
	s.setupRoutes()

	rateLimiter := NewRateLimiter(s.config.RequestsPerSec, s.config.RequestBurst)

	var h http.Handler = s.router
	h = CompressionMiddleware(h)
	h = RateLimitMiddleware(rateLimiter)(h)
	h = CORSMiddleware(s.config.AllowedOrigins)(h)
	h = RecoveryMiddleware(h)
	h = LoggingMiddleware(h)
	s.handler = h

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/scheduler", s.handleSchedulerStatus).Methods(http.MethodGet)
	api.HandleFunc("/triggers/{step}", s.handleTrigger).Methods(http.MethodPost)

	api.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)

	api.HandleFunc("/snapshots/{key}", s.handleGetSnapshot).Methods(http.MethodGet)

	api.HandleFunc("/distributions/{cycleKey}", s.handleGetDistribution).Methods(http.MethodGet)
	api.HandleFunc("/distributions/{cycleKey}/recipients", s.handleListRecipients).Methods(http.MethodGet)
	api.HandleFunc("/distributions/{cycleKey}/batches", s.handleListBatches).Methods(http.MethodGet)

	api.HandleFunc("/holders/{address}/history", s.handleHolderHistory).Methods(http.MethodGet)
}

// Handler returns the router with its middleware chain
func (s *Server) Handler() http.Handler {
	return s.handler
}

// handleHealth reports unhealthy when the store does not answer. An open chain
// breaker is reported but does not fail the check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	body := map[string]interface{}{
		"status":  "healthy",
		"service": "reward-airdrop",
	}
	if s.deps.Breaker != nil {
		body["chain"] = s.deps.Breaker.GetStats()
	}

	if err := s.deps.Store.Ping(ctx); err != nil {
		logging.FromContext(r.Context()).WithError(err).Warn("Health check failed")
		body["status"] = "unhealthy"
		body["error"] = "store unreachable"
		respondJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	respondJSON(w, http.StatusOK, body)
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("Starting admin API server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down admin API server")
	return s.httpServer.Shutdown(ctx)
}
