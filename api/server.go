/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/accounts/*       Account, balance, and ledger access
  /api/stores/*         Store directory and blacklists
  /api/checkins/*       Check-in sessions and location trails
  /api/transactions     Confirmed purchases
  /api/redemptions      Loops spending
  /api/gift-cards/*     Gift card lifecycle
  /api/admin/*          Settlement checks and sweeps
  /api/scenarios/*      Demo scenarios

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
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
		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.ListAccounts)
			r.Post("/", h.CreateAccount)
			r.Get("/{id}", h.GetAccount)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/ledger", h.GetLedger)
			r.Get("/{id}/pending-loops", h.GetPendingLoops)
			r.Get("/{id}/gift-cards", h.ListAccountGiftCards)
			r.Get("/{id}/verify", h.VerifyBalance)
		})

		// Store routes
		r.Route("/stores", func(r chi.Router) {
			r.Get("/", h.ListStores)
			r.Post("/", h.CreateStore)
			r.Get("/nearby", h.NearbyStores)
			r.Post("/{id}/blacklist", h.BlacklistAccount)
		})

		// Check-in routes
		r.Route("/checkins", func(r chi.Router) {
			r.Post("/", h.StartCheckIn)
			r.Post("/{id}/location", h.RecordLocation)
			r.Post("/{id}/complete", h.CompleteCheckIn)
		})

		// Purchase routes
		r.Post("/transactions", h.PostTransaction)
		r.Post("/redemptions", h.PostRedemption)

		// Gift card routes
		r.Route("/gift-cards", func(r chi.Router) {
			r.Post("/", h.CreateGiftCard)
			r.Get("/{code}", h.ScanGiftCard)
			r.Get("/{code}/transactions", h.GetCardTransactions)
			r.Post("/{code}/use", h.UseGiftCard)
			r.Post("/{code}/topup", h.TopUpGiftCard)
			r.Post("/{code}/issue", h.IssueGiftCard)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/settlement-check", h.SettlementCheck)
			r.Post("/sweep", h.RunSweep)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}
