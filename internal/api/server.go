package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/babel/internal/backend"
	"github.com/seantiz/babel/internal/build"
	"github.com/seantiz/babel/internal/lock"
	"github.com/seantiz/babel/internal/outbox"
	"github.com/seantiz/babel/internal/store"
	"github.com/seantiz/babel/internal/webhook"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Default read lock settings for inference calls.
const (
	DefaultReadLease   = 30 * time.Second
	DefaultReadTimeout = 5 * time.Second
)

// Deps are the services the HTTP API drives.
type Deps struct {
	Store    store.Store
	Engines  *backend.Registry
	Tracker  *build.Tracker
	Locks    *lock.Manager
	Webhooks *webhook.Service
	Outbox   *outbox.Dispatcher

	// HostID identifies this process in lock records.
	HostID      string
	ReadLease   time.Duration
	ReadTimeout time.Duration
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router   *chi.Mux
	store    store.Store
	engines  *backend.Registry
	tracker  *build.Tracker
	locks    *lock.Manager
	webhooks *webhook.Service
	outbox   *outbox.Dispatcher
	logger   *slog.Logger
	addr     string

	hostID      string
	readLease   time.Duration
	readTimeout time.Duration
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	srv := &Server{
		router:      chi.NewRouter(),
		store:       deps.Store,
		engines:     deps.Engines,
		tracker:     deps.Tracker,
		locks:       deps.Locks,
		webhooks:    deps.Webhooks,
		outbox:      deps.Outbox,
		logger:      logger,
		addr:        addr,
		hostID:      deps.HostID,
		readLease:   deps.ReadLease,
		readTimeout: deps.ReadTimeout,
	}
	if srv.readLease <= 0 {
		srv.readLease = DefaultReadLease
	}
	if srv.readTimeout <= 0 {
		srv.readTimeout = DefaultReadTimeout
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/engine-types", s.handleListEngineTypes)
	s.router.Get("/v1/outbox", s.handleGetOutbox)

	s.router.Route("/v1/engines", func(r chi.Router) {
		r.Post("/", s.handleCreateEngine)
		r.Get("/{id}", s.handleGetEngine)
		r.Put("/{id}", s.handleUpdateEngine)
		r.Delete("/{id}", s.handleDeleteEngine)
		r.Post("/{id}/builds", s.handleStartBuild)
		r.Get("/{id}/builds", s.handleListBuilds)
		r.Delete("/{id}/builds/current", s.handleCancelBuild)
		r.Post("/{id}/translate", s.handleTranslate)
	})

	s.router.Route("/v1/builds/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetBuild)
		r.Get("/progress", s.handleStreamProgress)

		// Engine callbacks.
		r.Post("/started", s.handleBuildStarted)
		r.Post("/progress", s.handleBuildProgress)
		r.Post("/finished", s.handleBuildFinished)
	})

	s.router.Route("/v1/webhooks", func(r chi.Router) {
		r.Post("/", s.handleCreateWebhook)
		r.Get("/", s.handleListWebhooks)
		r.Delete("/{id}", s.handleDeleteWebhook)
		r.Get("/{id}/deliveries", s.handleListDeliveries)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until ctx is cancelled, then shuts
// the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", context.Cause(ctx))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
