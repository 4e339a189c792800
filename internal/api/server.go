// Package api exposes the storage admin surface: health, stats,
// migration and cleanup triggers, latest-record lookups, and Prometheus
// exposition. Handlers are stateless wrappers over the core components.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// Config holds the HTTP server settings.
type Config struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultConfig returns the admin server defaults.
func DefaultConfig() Config {
	return Config{
		Host:           "0.0.0.0",
		Port:           8085,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 25 * time.Second,
	}
}

// Server is the admin HTTP server.
type Server struct {
	router   *mux.Router
	server   *http.Server
	handlers *Handlers
	config   Config
}

// NewServer builds the router and wires all routes under
// /api/v1/storage.
func NewServer(config Config, handlers *Handlers) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: handlers,
		config:   config,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.timeoutMiddleware)

	// Exposition format, not JSON; bypasses the content-type middleware.
	s.router.Handle("/metrics", s.handlers.Metrics()).Methods("GET")
	s.router.HandleFunc("/health", s.handlers.Liveness).Methods("GET")

	api := s.router.PathPrefix("/api/v1/storage").Subrouter()
	api.Use(s.jsonContentTypeMiddleware)

	api.HandleFunc("/status", s.handlers.Status).Methods("GET")
	api.HandleFunc("/stats", s.handlers.Stats).Methods("GET")
	api.HandleFunc("/migration/execute", s.handlers.MigrationExecute).Methods("POST")
	api.HandleFunc("/migration/status", s.handlers.MigrationStatus).Methods("GET")
	api.HandleFunc("/lifecycle/cleanup", s.handlers.Cleanup).Methods("POST")
	api.HandleFunc("/config", s.handlers.Config).Methods("GET")
	api.HandleFunc("/latest/{type}/{exchange}/{symbol}", s.handlers.Latest).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(s.handlers.NotFound)
}

// Router returns the configured handler, for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("Admin server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Admin server shutting down")
	return s.server.Shutdown(ctx)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Metrics scrapes are frequent and uninteresting.
		if strings.HasPrefix(r.URL.Path, "/metrics") {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		log.Info().
			Str("request_id", requestIDFrom(r)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("Request handled")
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timeout := s.config.RequestTimeout
		if timeout <= 0 {
			timeout = 25 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func requestIDFrom(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return "unknown"
}

// responseWrapper captures the status code for request logging.
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
