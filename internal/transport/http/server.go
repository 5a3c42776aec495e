// Package http is the local control API for the sync engine, routed with chi.
//
// Routes:
//
//	GET    /health
//	GET    /status
//	GET    /queue                       ?status=pending&limit=50
//	POST   /queue
//	DELETE /queue/{id}                  rollback and discard
//	POST   /queue/{id}/rollback         same as DELETE /queue/{id}
//	GET    /queue/failed
//	POST   /queue/failed/retry
//	POST   /queue/failed/{id}/retry
//	DELETE /queue/failed/{id}
//	POST   /sync                        ?wait=true runs inline
//	POST   /sync/cancel
//	GET    /connection
//	POST   /connection/connect
//	POST   /connection/disconnect
//	POST   /connection/pause
//	POST   /connection/resume
//	GET    /cache/stats
//	POST   /cache/cleanup
//	GET    /tracked
//	PUT    /tracked/{channel}
//	DELETE /tracked/{channel}
//	GET    /events/ws
//	GET    /metrics
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/snehjoshi/chatsync/internal/config"
	"github.com/snehjoshi/chatsync/internal/connection"
	"github.com/snehjoshi/chatsync/internal/metrics"
	"github.com/snehjoshi/chatsync/internal/orchestrator"
	transportws "github.com/snehjoshi/chatsync/internal/transport/websocket"
)

// ConnectionControl is the part of *connection.Manager the API drives.
type ConnectionControl interface {
	State() connection.State
	Connect(ctx context.Context) error
	Disconnect() error
	CancelReconnect()
	ResumeReconnect()
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and handler logger.
func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.log = l } }

// WithMetrics exposes reg on /metrics and records request counters into it.
func WithMetrics(reg *metrics.Registry) Option { return func(s *Server) { s.metrics = reg } }

// WithConnection enables the /connection routes.
func WithConnection(c ConnectionControl) Option { return func(s *Server) { s.conn = c } }

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option { return func(s *Server) { s.version = v } }

// Server wraps the stdlib HTTP server with the control routes.
type Server struct {
	inner *http.Server

	log     *zap.Logger
	metrics *metrics.Registry
	conn    ConnectionControl
	version string
}

// New builds a Server around o. The caller is responsible for calling
// ListenAndServe and Shutdown.
func New(o *orchestrator.Orchestrator, cfg config.APIConfig, opts ...Option) *Server {
	s := &Server{log: zap.NewNop(), version: "dev"}
	for _, opt := range opts {
		opt(s)
	}

	h := &Handler{orch: o, conn: s.conn, log: s.log, version: s.version, started: time.Now()}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		CORSMiddleware,
		MaxBodyMiddleware,
		LoggingMiddleware(s.log, s.metrics),
		RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst),
	)

	r.Get("/health", h.health)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.APIKey))

		r.Get("/status", h.status)

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", h.listQueue)
			r.Post("/", h.queueOperation)
			r.Delete("/{id}", h.rollbackOperation)
			r.Post("/{id}/rollback", h.rollbackOperation)

			r.Get("/failed", h.listFailed)
			r.Post("/failed/retry", h.retryAllFailed)
			r.Post("/failed/{id}/retry", h.retryFailed)
			r.Delete("/failed/{id}", h.discardFailed)
		})

		r.Post("/sync", h.sync)
		r.Post("/sync/cancel", h.cancelSync)

		r.Route("/connection", func(r chi.Router) {
			r.Get("/", h.connectionState)
			r.Post("/connect", h.connect)
			r.Post("/disconnect", h.disconnect)
			r.Post("/pause", h.pauseReconnect)
			r.Post("/resume", h.resumeReconnect)
		})

		r.Get("/cache/stats", h.cacheStats)
		r.Post("/cache/cleanup", h.cacheCleanup)

		r.Get("/tracked", h.listTracked)
		r.Put("/tracked/{channel}", h.track)
		r.Delete("/tracked/{channel}", h.untrack)

		r.Method(http.MethodGet, "/events/ws", &transportws.Handler{Bus: o.Bus(), Log: s.log})

		if s.metrics != nil {
			r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
		}
	})

	s.inner = &http.Server{
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // /events/ws and ?wait=true syncs are long-lived
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the composed http.Handler.
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on addr (e.g. "127.0.0.1:7420").
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
