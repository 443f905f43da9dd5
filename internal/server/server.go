// Package server exposes the adaptive routing engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/adaptive-routing-engine/internal/engine"
	"github.com/tributary-ai/adaptive-routing-engine/internal/middleware"
	"github.com/tributary-ai/adaptive-routing-engine/internal/security"
)

// Scopes checked on bearer tokens. API key callers carry all of them.
const (
	ScopeRoute     = "route"
	ScopeWorkflows = "workflows"
	ScopeTriggers  = "triggers"
	ScopeAlerts    = "alerts"
)

// Server is the HTTP surface over one engine instance
type Server struct {
	engine     *engine.AdaptiveRoutingEngine
	gatherer   prometheus.Gatherer
	httpServer *http.Server
	logger     *logrus.Logger
	config     *ServerConfig

	securityMiddleware   *middleware.SecurityMiddleware
	validationMiddleware *middleware.ValidationMiddleware
	handler              http.Handler
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	// Security is optional; nil serves every route without auth or rate limits
	Security *middleware.SecurityMiddlewareConfig `yaml:"security"`
	// ValidateRequests checks bodies and parameters against the embedded OpenAPI document
	ValidateRequests bool `yaml:"validate_requests"`
}

// NewServer builds the route table. gatherer backs /metrics and may be nil.
func NewServer(eng *engine.AdaptiveRoutingEngine, config *ServerConfig, gatherer prometheus.Gatherer, logger *logrus.Logger) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		engine:   eng,
		gatherer: gatherer,
		logger:   logger,
		config:   config,
	}

	if config.Security != nil {
		sm, err := middleware.NewSecurityMiddleware(*config.Security, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize security middleware: %w", err)
		}
		s.securityMiddleware = sm
	}

	if config.ValidateRequests {
		doc, err := LoadOpenAPI()
		if err != nil {
			return nil, err
		}
		vm, err := middleware.NewValidationMiddleware(doc, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize validation middleware: %w", err)
		}
		s.validationMiddleware = vm
	}

	s.handler = s.setupRoutes()
	return s, nil
}

// Handler returns the fully wrapped route table
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start blocks serving HTTP until Stop is called
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.handler,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting routing engine server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping routing engine server")

	if s.securityMiddleware != nil {
		s.securityMiddleware.Stop()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRoutes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)
	if s.validationMiddleware != nil {
		r.Use(s.validationMiddleware.Middleware)
	}

	api := r.PathPrefix("/v1").Subrouter()

	route := api.NewRoute().Subrouter()
	route.Use(middleware.RequireScope(ScopeRoute))
	route.HandleFunc("/route", s.handleRoute).Methods(http.MethodPost)
	route.HandleFunc("/route/decision", s.handleRoutingDecision).Methods(http.MethodPost)
	route.HandleFunc("/optimize", s.handleOptimize).Methods(http.MethodPost)

	wf := api.NewRoute().Subrouter()
	wf.Use(middleware.RequireScope(ScopeWorkflows))
	wf.HandleFunc("/workflows", s.handleListWorkflows).Methods(http.MethodGet)
	wf.HandleFunc("/workflows", s.handleCreateWorkflow).Methods(http.MethodPost)
	wf.HandleFunc("/workflows/{id}", s.handleGetWorkflow).Methods(http.MethodGet)
	wf.HandleFunc("/workflows/{id}/execute", s.handleExecuteWorkflow).Methods(http.MethodPost)
	wf.HandleFunc("/executions/{id}", s.handleGetExecution).Methods(http.MethodGet)

	triggers := api.NewRoute().Subrouter()
	triggers.Use(middleware.RequireScope(ScopeTriggers))
	triggers.HandleFunc("/hooks/{path:.+}", s.handleWebhook).Methods(http.MethodPost)
	triggers.HandleFunc("/events/{name}", s.handleEvent).Methods(http.MethodPost)
	triggers.HandleFunc("/metrics/{name}", s.handleMetric).Methods(http.MethodPost)
	triggers.HandleFunc("/files", s.handleFileChange).Methods(http.MethodPost)

	alertsRouter := api.NewRoute().Subrouter()
	alertsRouter.Use(middleware.RequireScope(ScopeAlerts))
	alertsRouter.HandleFunc("/alerts", s.handleSendAlert).Methods(http.MethodPost)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.setupDocsRoutes(r)

	var handler http.Handler = r
	if s.securityMiddleware != nil {
		handler = s.securityMiddleware.Handler()(handler)
	} else {
		// without the security stack every caller is anonymous
		next := handler
		handler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			p := &security.Principal{Subject: security.ClientIP(req), Method: security.MethodAnonymous}
			next.ServeHTTP(w, req.WithContext(security.WithPrincipal(req.Context(), p)))
		})
	}
	return handler
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		entry := s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_addr": r.RemoteAddr,
			"request_id":  r.Header.Get("X-Request-ID"),
		})
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			entry.Debug("HTTP request")
			return
		}
		entry.Info("HTTP request")
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	security.WriteError(w, statusCode, "api_error", message)
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
