package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/edvin/proxyhost/internal/api/handler"
	mw "github.com/edvin/proxyhost/internal/api/middleware"
)

// HealthCheck reports whether the proxy behind the service is usable.
type HealthCheck func() error

// Options configures the API server.
type Options struct {
	// Token is the bearer token required on /api/v1. Empty disables the check.
	Token  string
	Health HealthCheck
}

type Server struct {
	router chi.Router
	logger zerolog.Logger
	svc    handler.Provisioner
	opts   Options
}

func NewServer(logger zerolog.Logger, svc handler.Provisioner, opts Options) *Server {
	s := &Server{
		router: chi.NewRouter(),
		logger: logger,
		svc:    svc,
		opts:   opts,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
}

func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Get("/healthz", s.handleHealthz)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.Auth(s.opts.Token))

		host := handler.NewHost(s.svc)
		r.Get("/hosts", host.List)
		r.Post("/hosts", host.Create)
		r.Get("/hosts/{id}", host.Get)
		r.Put("/hosts/{id}", host.Update)
		r.Delete("/hosts/{id}", host.Delete)

		// Certificates
		r.Get("/hosts/{id}/certificate", host.CertificateStatus)
		r.Post("/hosts/{id}/certificate", host.IssueCertificate)
		r.Post("/hosts/{id}/certificate/renew", host.RenewCertificate)

		r.Get("/jobs/{id}", host.Job)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.opts.Health != nil {
		if err := s.opts.Health(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "proxy": err.Error()})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) Handler() http.Handler {
	return s.router
}
