package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hostwatch/hostwatch/internal/config"
	"github.com/hostwatch/hostwatch/internal/logger"
	"github.com/hostwatch/hostwatch/internal/webserver"
)

// Server is the admin API: health, a read-only view of the discovered
// hosts, and a manual reload trigger. It binds to a loopback or management
// address, never to the proxied ports.
type Server struct {
	http   *http.Server
	logger logger.Logger
}

func New(cfg *config.Config, controller *webserver.WebServer, loggerClient logger.Logger) *Server {
	r := chi.NewRouter()

	r.Use(middleware.GetHead)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	r.Use(logRequests(loggerClient))

	r.Get("/healthz", healthz())
	r.Get("/api/hosts", listHosts(controller))
	r.Post("/api/reload", triggerReload(controller, loggerClient))

	s := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return &Server{http: s, logger: loggerClient}
}

// Start runs the HTTP server (blocks until error or shutdown).
func (s *Server) Start() error {
	s.logger.Infof("admin API listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the server with the provided context deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("admin API shutting down...")
	return s.http.Shutdown(ctx)
}
