package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/edvin/controlplane/internal/api/handler"
	mw "github.com/edvin/controlplane/internal/api/middleware"
	"github.com/edvin/controlplane/internal/config"
	"github.com/edvin/controlplane/internal/core"
)

type Server struct {
	router         chi.Router
	logger         zerolog.Logger
	services       *core.Services
	corePool       *pgxpool.Pool
	temporalClient temporalclient.Client
	cfg            *config.Config
}

func NewServer(logger zerolog.Logger, coreDB *pgxpool.Pool, temporalClient temporalclient.Client, cfg *config.Config) *Server {
	services := core.NewServices(coreDB, temporalClient, logger)

	s := &Server{
		router:         chi.NewRouter(),
		logger:         logger,
		services:       services,
		corePool:       coreDB,
		temporalClient: temporalClient,
		cfg:            cfg,
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
	s.router.Get("/readyz", s.handleReadyz)

	// Billing webhooks authenticate via HMAC signature, not API keys.
	billingWebhook := handler.NewBillingWebhook(s.services.BillingGate, s.cfg.BillingWebhookSecret)
	s.router.Post("/webhooks/billing", billingWebhook.Handle)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.Auth(s.services.APIKey))

		instance := handler.NewInstance(s.services.Instance)
		r.Get("/instances", instance.List)
		r.Post("/instances", instance.Create)
		r.Get("/instances/{id}", instance.Get)
		r.Get("/instances/{id}/events", instance.Events)
		r.Post("/instances/{id}/start", instance.Start)
		r.Post("/instances/{id}/stop", instance.Stop)
		r.Post("/instances/{id}/migrate", instance.Migrate)
		r.Post("/instances/{id}/reprovision", instance.Reprovision)
		r.Delete("/instances/{id}", instance.Terminate)

		dbServer := handler.NewDbServer(s.services.DbServer, s.cfg.HealthFailureThreshold, s.cfg.PoolMaxInstances)
		r.Get("/db-servers", dbServer.List)
		r.Post("/db-servers", dbServer.Register)
		r.Get("/db-servers/{id}", dbServer.Get)
		r.Post("/db-servers/grow", dbServer.GrowPool)
		r.Post("/db-servers/health-check", dbServer.HealthCheck)

		search := handler.NewSearch(s.services.Search)
		r.Get("/search", search.Search)

		apiKey := handler.NewAPIKey(s.services.APIKey)
		r.Get("/api-keys", apiKey.List)
		r.Post("/api-keys", apiKey.Create)
		r.Delete("/api-keys/{id}", apiKey.Revoke)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if err := s.corePool.Ping(ctx); err != nil {
		checks["core_db"] = err.Error()
		healthy = false
	} else {
		checks["core_db"] = "ok"
	}

	if _, err := s.temporalClient.CheckHealth(ctx, &temporalclient.CheckHealthRequest{}); err != nil {
		checks["temporal"] = err.Error()
		healthy = false
	} else {
		checks["temporal"] = "ok"
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(checks)
}
