package api

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/defenderpro/engine-orchestrator/pkg/auth"
	"github.com/defenderpro/engine-orchestrator/pkg/config"
	"github.com/defenderpro/engine-orchestrator/pkg/engine"
	"github.com/defenderpro/engine-orchestrator/pkg/scan"
	"github.com/defenderpro/engine-orchestrator/pkg/status"
	"github.com/defenderpro/engine-orchestrator/pkg/threats"
	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Dependencies are the components the control API exposes
type Dependencies struct {
	Scans   *scan.Controller
	Threats *threats.Store
	Actions *threats.Executor
	Status  *status.Monitor

	// History is optional; without it the history route answers 501
	History engine.Maintenance
}

// Server is the control API consumed by the presentation layer
type Server struct {
	config     *config.Config
	deps       Dependencies
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	logger     *logrus.Logger
	ready      atomic.Bool
}

// NewServer creates a new control API server
func NewServer(cfg *config.Config, deps Dependencies, logger *logrus.Logger) *Server {
	s := &Server{
		config: cfg,
		deps:   deps,
		router: mux.NewRouter(),
		logger: logger,
	}

	s.setupRoutes()

	origins := cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	s.handler = cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	})(s.router)

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        s.handler,
		ReadTimeout:    cfg.MustDuration(cfg.Server.ReadTimeout),
		WriteTimeout:   cfg.MustDuration(cfg.Server.WriteTimeout),
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	return s
}

// setupRoutes configures HTTP routes and middleware
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.requestSizeLimitMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReadiness).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	authenticator := auth.NewAuthenticator(s.config.Server.APIToken, s.logger)
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(authenticator.Middleware)

	api.HandleFunc("/status", s.handleGetStatus).Methods(http.MethodGet)
	api.HandleFunc("/status/refresh", s.handleRefreshStatus).Methods(http.MethodPost)
	api.HandleFunc("/activation", s.handleActivation).Methods(http.MethodPost)
	api.HandleFunc("/definitions/update", s.handleUpdateDefinitions).Methods(http.MethodPost)

	api.HandleFunc("/scans", s.handleStartScan).Methods(http.MethodPost)
	api.HandleFunc("/scans/current", s.handleCurrentScan).Methods(http.MethodGet)
	api.HandleFunc("/scans/current", s.handleCancelScan).Methods(http.MethodDelete)
	api.HandleFunc("/scans/restart", s.handleRestartScan).Methods(http.MethodPost)
	api.HandleFunc("/scans/history", s.handleScanHistory).Methods(http.MethodGet)

	api.HandleFunc("/threats", s.handleListThreats).Methods(http.MethodGet)
	api.HandleFunc("/threats/reload", s.handleReloadThreats).Methods(http.MethodPost)
	api.HandleFunc("/threats/actions", s.handleBulkAction).Methods(http.MethodPost)
	api.HandleFunc("/threats/clear", s.handleClearThreats).Methods(http.MethodPost)
	api.HandleFunc("/threats/{id}/actions", s.handleThreatAction).Methods(http.MethodPost)
}

// Handler returns the fully wrapped handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.WithFields(logrus.Fields{
		"port": s.config.Server.Port,
	}).Info("Starting HTTP server")

	s.ready.Store(true)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	s.ready.Store(false)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// SetReady sets the readiness status
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// loggingMiddleware logs all HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		entry := s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"remote_addr": r.RemoteAddr,
			"status_code": rw.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if r.URL.Path == "/health" || r.URL.Path == "/ready" || r.URL.Path == "/metrics" {
			entry.Debug("HTTP request")
			return
		}
		entry.Info("HTTP request")
	})
}

// requestSizeLimitMiddleware enforces maximum request size
func (s *Server) requestSizeLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.Server.MaxRequestSize > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxRequestSize)
		}
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
