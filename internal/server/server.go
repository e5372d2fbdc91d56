// Package server exposes the backend over HTTP: health probes, version and
// the /api/v1 job API with its WebSocket update stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/viamerun/internal/server/handlers"
	"github.com/3leaps/viamerun/internal/server/middleware"
)

type Server struct {
	host   string
	port   int
	router chi.Router
	http   *http.Server
	logger *zap.Logger
	api    *handlers.API

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAPI mounts api under /api/v1.
func WithAPI(api *handlers.API) Option {
	return func(s *Server) { s.api = api }
}

// WithTimeouts sets the http.Server timeouts. Zero leaves a timeout at its
// default.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if idle > 0 {
			s.idleTimeout = idle
		}
	}
}

func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		logger:       zap.NewNop(),
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           s.router,
		ReadHeaderTimeout: s.readTimeout,
		ReadTimeout:       s.readTimeout,
		IdleTimeout:       s.idleTimeout,
	}
	// WebSocket streams outlive any fixed write timeout, so it is applied
	// per request outside the update stream.
	s.http.Handler = s.writeDeadline(s.router)
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(s.logger))
	r.Use(middleware.Recovery)

	r.NotFound(handlers.NotFound)
	r.MethodNotAllowed(handlers.MethodNotAllowed)

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.api != nil {
		if s.api.Logger == nil {
			s.api.Logger = s.logger
		}
		r.Route("/api/v1", s.api.Routes)
	}
	return r
}

func (s *Server) writeDeadline(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/jobs/updates" {
			rc := http.NewResponseController(w)
			_ = rc.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the routed handler without the listener.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Port() int { return s.port }

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", s.http.Addr, err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	return s.http.Shutdown(ctx)
}
