/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the dashboard

ROUTE GROUPS:
  /api/organizations/*  Balance, history, payout requests
  /api/payouts/*        Payout detail and state changes
  /api/internal/*       Donation pipeline callbacks
  /api/admin/*          Adjustments, audits, job triggers
  /api/scenarios/*      Demo data loading (dev/demo only)
  /healthz              Liveness
  /metrics              Prometheus metrics

SECURITY NOTE:
  No authentication middleware currently. The platform gateway is
  expected to terminate auth in front of this service.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured. The gatherer
// backs /metrics; pass nil to leave metrics unexposed.
func NewRouter(h *Handler, gatherer prometheus.Gatherer) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Organization routes
		r.Route("/organizations/{id}", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/transactions", h.GetTransactions)
			r.Get("/payouts", h.ListPayouts)
			r.Post("/payouts", h.CreatePayout)
			r.Put("/payout-account", h.SetPayoutAccount)
			r.Put("/clearing-period", h.SetClearingPeriod)
		})

		// Payout routes
		r.Route("/payouts", func(r chi.Router) {
			r.Get("/{id}", h.GetPayout)
			r.Post("/{id}/cancel", h.CancelPayout)
			r.Post("/{id}/resolve", h.ResolvePayout)
		})

		// Donation pipeline routes
		r.Route("/internal", func(r chi.Router) {
			r.Post("/donations", h.RecordDonation)
			r.Post("/refunds", h.RecordRefund)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/adjustments", h.CreateAdjustment)
			r.Get("/organizations/{id}/conservation", h.GetConservation)
			r.Post("/jobs/clearing/run", h.RunClearing)
			r.Post("/jobs/payouts/run", h.RunPayouts)
			r.Get("/jobs/runs", h.ListJobRuns)
		})

		// Demo scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetStore)
		})
	})

	// Operational routes
	r.Get("/healthz", h.Healthz)
	if gatherer != nil {
		r.Method("GET", "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return r
}
