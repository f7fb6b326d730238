package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// Server is the discovery HTTP surface: the read contract, diagnostics, and
// the calibration mutators.
type Server struct {
	router   *mux.Router
	server   *http.Server
	handlers *Handlers
}

// ServerConfig holds server transport settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns transport defaults.
func DefaultServerConfig(addr string) ServerConfig {
	return ServerConfig{
		Addr:         addr,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewServer builds the router around the handler set.
func NewServer(cfg ServerConfig, handlers *Handlers) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: handlers,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Router exposes the configured router, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.jsonContentTypeMiddleware)

	d := s.router.PathPrefix("/discovery").Subrouter()
	d.HandleFunc("/contenders", s.handlers.Contenders).Methods("GET")
	d.HandleFunc("/contenders/raw", s.handlers.ContendersRaw).Methods("GET")
	d.HandleFunc("/contenders/debug", s.handlers.Debug).Methods("GET")
	d.HandleFunc("/health", s.handlers.Health).Methods("GET")
	d.HandleFunc("/strategy-validation", s.handlers.StrategyValidation).Methods("GET")

	d.HandleFunc("/calibration/emergency/force-legacy", s.handlers.ForceLegacy).Methods("POST")
	d.HandleFunc("/calibration/{strategy}/config", s.handlers.CalibrationConfig).Methods("GET")
	d.HandleFunc("/calibration/{strategy}/preset", s.handlers.CalibrationPreset).Methods("PATCH")
	d.HandleFunc("/calibration/{strategy}/reset", s.handlers.CalibrationReset).Methods("POST")
	d.HandleFunc("/calibration/{strategy}", s.handlers.CalibrationPatch).Methods("PATCH")

	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	s.router.NotFoundHandler = http.HandlerFunc(s.handlers.NotFound)
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
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		requestID, _ := r.Context().Value(requestIDKey).(string)
		log.Debug().Str("request_id", requestID).Str("method", r.Method).
			Str("path", r.URL.Path).Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).Msg("http request")
	})
}

func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start begins serving; blocks until the listener fails or is shut down.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("discovery API listening")
	return s.server.ListenAndServe()
}

// Shutdown drains the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("discovery API shutting down")
	return s.server.Shutdown(ctx)
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
