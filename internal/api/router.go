// Package api assembles the scheduling HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/medcore/surgiflow/internal/api/handlers"
	"github.com/medcore/surgiflow/internal/api/middleware"
	"github.com/medcore/surgiflow/internal/domain/appointment"
	"github.com/medcore/surgiflow/internal/engine"
	"github.com/medcore/surgiflow/pkg/circuitbreaker"
	"github.com/medcore/surgiflow/pkg/idempotency"
)

// Deps are the collaborators of the router. Inbox, History, Breakers,
// Metrics and Ready are optional.
type Deps struct {
	ServiceName  string
	Version      string
	Engine       *engine.Engine
	Appointments *appointment.Scheduler
	Inbox        idempotency.Processor
	History      handlers.TransitionReader
	Breakers     *circuitbreaker.Manager
	Metrics      http.Handler
	Ready        func(ctx context.Context) error
	APIKeys      map[string]string
	Logger       *zap.Logger
}

// NewRouter returns the HTTP handler serving /api/v1 plus health, readiness
// and metrics endpoints.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(d.Logger))
	r.Use(middleware.Logger(d.Logger))
	r.Use(middleware.Tracing(d.ServiceName))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		health := map[string]any{
			"status":  "healthy",
			"service": d.ServiceName,
			"version": d.Version,
		}
		if d.Breakers != nil {
			health["circuit_breakers"] = d.Breakers.GetHealthStatus()
		}
		writeJSON(w, http.StatusOK, health)
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if d.Ready != nil {
			if err := d.Ready(r.Context()); err != nil {
				d.Logger.Warn("readiness check failed", zap.Error(err))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(d.APIKeys))
		r.Use(middleware.Actor)
		if d.Engine != nil {
			cases := handlers.NewCaseHandler(d.Engine, d.Inbox, d.Logger)
			if d.History != nil {
				cases.WithHistory(d.History)
			}
			r.Mount("/cases", cases.Routes())
		}
		if d.Appointments != nil {
			r.Mount("/appointments", handlers.NewAppointmentHandler(d.Appointments, d.Inbox, d.Logger).Routes())
		}
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
