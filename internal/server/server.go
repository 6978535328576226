// Package server is the reference HTTP boundary: receipt ingestion, status, correction and
// reprocessing over chi, with bearer auth, request logging and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/joseph-ayodele/receipts-reconcile/internal/common"
)

// Paths reachable without a bearer token.
var publicPrefixes = []string{
	"/health/",
	"/metrics",
	"/api/v1/receipts/purchaser-submit",
}

// NewRouter mounts the API. A nil auth leaves every route open, which only tests do.
func NewRouter(receipts *ReceiptsHandler, health *HealthHandler, auth *JWTAuth, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(RequestContext)
	r.Use(chimw.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(Metrics)
	r.Use(chimw.Recoverer)
	if auth != nil {
		r.Use(JWTAuthWithExclusions(auth.Middleware(), publicPrefixes...))
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusNotFound, CodeNotFound, "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.Get("/health/live", health.Live)
	r.Get("/health/ready", health.Ready)
	r.Get("/metrics", health.Metrics)

	r.Route("/api/v1/receipts", func(r chi.Router) {
		r.Post("/upload", receipts.Upload)
		r.Post("/purchaser-submit", receipts.PurchaserSubmit)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", receipts.Get)
			r.Put("/", receipts.Replace)
			r.Patch("/", receipts.Patch)
			r.Get("/status", receipts.Status)
			r.Post("/reprocess", receipts.Reprocess)
		})
	})
	return r
}

// Server owns the HTTP listener.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        common.ServerConfig
}

func New(cfg common.ServerConfig, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		logger: logger.With(slog.String("component", "http_server")),
		cfg:    cfg,
	}
}

// Run serves until ctx is done, then shuts down within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http.serving", slog.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("http.shutdown.start")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http.shutdown.done")
	return nil
}
