package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/spica/internal/audit"
	"github.com/mattjoyce/spica/internal/governor"
	"github.com/mattjoyce/spica/internal/registry"
)

// RegistrySnapshotter reads the capability registry.
type RegistrySnapshotter interface {
	ListAll() (*registry.Snapshot, error)
}

// GovernorInspector reads the governor state.
type GovernorInspector interface {
	Snapshot() (*governor.State, error)
}

// SpawnAuditor reads recent spawn attempts from the audit log.
type SpawnAuditor interface {
	RecentSpawns(ctx context.Context, limit int) ([]audit.SpawnRecord, error)
}

// Config holds fleet API server configuration.
type Config struct {
	Listen       string
	InstancesDir string
}

// Server is the read-only fleet status HTTP API. It exposes the registry,
// governor state, instance pool, and recent spawn history for operators and
// the watch dashboard. No mutating endpoints.
type Server struct {
	config    Config
	registry  RegistrySnapshotter
	governor  GovernorInspector
	auditor   SpawnAuditor
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a fleet API server instance.
func New(config Config, reg RegistrySnapshotter, gov GovernorInspector, auditor SpawnAuditor, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		registry:  reg,
		governor:  gov,
		auditor:   auditor,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking until ctx is cancelled).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("fleet API starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("fleet API shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/v1/registry", s.handleRegistry)
	r.Get("/v1/governor", s.handleGovernor)
	r.Get("/v1/instances", s.handleInstances)
	r.Get("/v1/spawns", s.handleSpawns)

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}
