// Package server exposes the HTTP surface: the webhook ingress, the health
// probes, and the admin API backing the operator dashboard. Handlers stay
// thin; aggregation beyond a single query lives here, persistence lives in
// the store.
package server

import (
	"encoding/json"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"triagent/internal/breaker"
	"triagent/internal/config"
	"triagent/internal/logging"
	"triagent/internal/store"
)

const serviceName = "triagent"

// Server wires the HTTP routes to the store, the circuit breaker manager,
// and the webhook ingress handler.
type Server struct {
	cfg      *config.Config
	db       *store.Store
	breakers *breaker.Manager
	webhook  http.Handler
	version  string
	validate *validator.Validate
	log      *logging.Logger
}

// New builds the HTTP layer. webhookHandler may be nil in deployments that
// only serve the dashboard, in which case the webhook route returns 404.
func New(cfg *config.Config, db *store.Store, breakers *breaker.Manager, webhookHandler http.Handler, version string) *Server {
	if version == "" {
		version = "dev"
	}
	validate := validator.New()
	// Report validation failures against json field names, not Go ones.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Server{
		cfg:      cfg,
		db:       db,
		breakers: breakers,
		webhook:  webhookHandler,
		version:  version,
		validate: validate,
		log:      logging.Get(logging.CategoryServer),
	}
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/health/detailed", s.handleHealthDetailed)

	if s.webhook != nil {
		r.With(middleware.Timeout(s.cfg.WebhookTimeout())).
			Post("/webhook/github", s.webhook.ServeHTTP)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/database/health", s.handleDatabaseHealth)

		r.Route("/dashboard", func(r chi.Router) {
			r.Get("/stats", s.handleDashboardStats)
			r.Get("/bus-factor", s.handleBusFactor)
			r.Get("/health", s.handleDashboardHealth)
		})

		r.Route("/config", func(r chi.Router) {
			r.Get("/users", s.handleListUsers)
			r.Post("/users", s.handleCreateUser)
			r.Put("/users/{userID}", s.handleUpdateUser)
			r.Delete("/users/{userID}", s.handleDeleteUser)
			r.Get("/settings", s.handleGetSettings)
			r.Put("/settings", s.handleUpdateSettings)
		})

		r.Route("/assignments", func(r chi.Router) {
			r.Get("/history", s.handleAssignmentHistory)
			r.Post("/{assignmentID}/reassign", s.handleReassign)
			r.Put("/{assignmentID}/status", s.handleAssignmentStatus)
		})
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.ServerDebug("%s %s -> %d (%s)", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Triagent triage engine is running",
	})
}

// handleHealth reports the aggregate service condition. An unhealthy
// database degrades the status; a critical or offline external service
// makes it critical.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbHealth := s.db.CheckHealth(r.Context())
	sys := s.breakers.Health()

	overall := "healthy"
	if !dbHealth.OK {
		overall = "degraded"
	}
	switch sys.Overall {
	case breaker.LevelCritical, breaker.LevelOffline:
		overall = "critical"
	case breaker.LevelDegraded:
		if overall == "healthy" {
			overall = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":            overall,
		"service":           serviceName,
		"version":           s.version,
		"timestamp":         sys.Timestamp,
		"database":          dbHealth,
		"external_services": sys.Services,
		"degraded_services": sys.DegradedServices,
	})
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"database":      s.db.CheckHealth(r.Context()),
		"system_health": s.breakers.Health(),
		"timestamp":     time.Now().UTC(),
	})
}

func (s *Server) handleDatabaseHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.db.CheckHealth(r.Context()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.ServerDebug("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
