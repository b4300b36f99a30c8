package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/kproc/internal/config"
	"github.com/me/kproc/internal/kernel"
	"github.com/me/kproc/internal/store"
)

// Server is the kproc introspection API.
type Server struct {
	router      chi.Router
	logger      *slog.Logger
	config      config.ServerConfig
	startTime   time.Time
	kernel      *kernel.Kernel
	store       store.Store   // optional; /events answers 503 without it
	sseInterval time.Duration // poll period of the process stream
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithStore sets the trace store backing /events.
func WithStore(st store.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// WithSSEInterval overrides how often the process stream polls the ring.
func WithSSEInterval(d time.Duration) Option {
	return func(s *Server) {
		s.sseInterval = d
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, k *kernel.Kernel, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		logger:      logger.With("component", "server"),
		config:      cfg,
		startTime:   time.Now(),
		kernel:      k,
		sseInterval: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// StartKernel runs the tick loop in a background goroutine.
func (s *Server) StartKernel(ctx context.Context) {
	go func() {
		if err := s.kernel.Run(ctx); err != nil && err != context.Canceled {
			s.logger.Error("kernel loop stopped", "error", err)
		}
	}()
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		// Discovery
		r.Get("/", s.handleDiscovery)

		// Health
		r.Get("/health", s.handleHealth)

		// Processes
		r.Route("/processes", func(r chi.Router) {
			r.Get("/", s.handleListProcesses)
			r.Post("/", s.handleSpawnProcess)
			r.Route("/{pid}", func(r chi.Router) {
				r.Get("/", s.handleGetProcess)
				r.Delete("/", s.handleKillProcess)
				r.Post("/signal", s.handleSignalProcess)
			})
		})

		// Scheduler trace
		r.Get("/events", s.handleListEvents)

		// SSE endpoints for live updates
		r.Route("/sse", func(r chi.Router) {
			r.Get("/processes", s.handleSSEProcesses)
		})
	})
}
