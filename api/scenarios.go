/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario creates accounts, stores,
	and activity that demonstrate specific features.

AVAILABLE SCENARIOS:

	neighborhood:     Store directory with coordinates + fresh accounts
	shopper-journey:  Mid-journey shopper with pending grants and history
	gift-cards:       High-balance account with active gift cards

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create stores and accounts
 3. Drive real domain operations (purchases, check-ins) so every
    scenario satisfies the ledger invariant

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario": "shopper-journey"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Domain service wiring
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/loopworks/loyalty-engine/loyalty"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "neighborhood",
		Name:        "Neighborhood",
		Description: "Store directory around downtown Seattle with fresh accounts on each plan",
	},
	{
		ID:          "shopper-journey",
		Name:        "Shopper Journey",
		Description: "Shopper with purchase history, an active check-in, and a pending grant",
	},
	{
		ID:          "gift-cards",
		Name:        "Gift Cards",
		Description: "High-balance account holding digital and physical gift cards",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.currentScenario == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}

	writeJSON(w, http.StatusOK, ScenarioDTO{
		ID:   h.currentScenario,
		Name: h.currentScenario,
	})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()

	// Reset first
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	var err error
	switch req.Scenario {
	case "neighborhood":
		err = h.loadNeighborhoodScenario(ctx)
	case "shopper-journey":
		err = h.loadShopperJourneyScenario(ctx)
	case "gift-cards":
		err = h.loadGiftCardsScenario(ctx)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown scenario: %s", req.Scenario), nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	h.currentScenario = req.Scenario
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.Scenario})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func f(v float64) *float64 { return &v }

// seedStores registers the shared downtown store directory.
func (h *Handler) seedStores(ctx context.Context) error {
	stores := []loyalty.Store{
		{ID: "store-roastery", Name: "Pike Street Roastery", Category: "coffee", Latitude: f(47.6101), Longitude: f(-122.3421)},
		{ID: "store-corner-cafe", Name: "Corner Cafe", Category: "coffee", Latitude: f(47.6097), Longitude: f(-122.3331)},
		{ID: "store-bookshop", Name: "Elliott Bay Books", Category: "books", Latitude: f(47.6142), Longitude: f(-122.3196)},
		{ID: "store-outfitters", Name: "Cascade Outfitters", Category: "outdoor", Latitude: f(47.6155), Longitude: f(-122.3394)},
		{ID: "store-popup", Name: "Market Pop-Up", Category: "general"},
	}
	for _, st := range stores {
		if err := h.Store.SaveStore(ctx, st); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadNeighborhoodScenario(ctx context.Context) error {
	if err := h.seedStores(ctx); err != nil {
		return err
	}

	accounts := []loyalty.Account{
		{ID: "acct-ana", Name: "Ana Flores", Phone: "+12065550101", Plan: loyalty.PlanStarter},
		{ID: "acct-ben", Name: "Ben Okafor", Phone: "+12065550102", Plan: loyalty.PlanBasic},
		{ID: "acct-cho", Name: "Cho Min-seo", Phone: "+12065550103", Plan: loyalty.PlanPlus},
		{ID: "acct-dee", Name: "Dee Okonkwo", Phone: "+12065550104", Plan: loyalty.PlanPremium},
	}
	for _, a := range accounts {
		if err := h.Store.SaveAccount(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadShopperJourneyScenario(ctx context.Context) error {
	if err := h.seedStores(ctx); err != nil {
		return err
	}

	shopper := loyalty.Account{ID: "acct-ana", Name: "Ana Flores", Phone: "+12065550101", Plan: loyalty.PlanBasic}
	if err := h.Store.SaveAccount(ctx, shopper); err != nil {
		return err
	}

	// Purchase history establishes a per-store average for estimates.
	for _, cents := range []int64{1450, 1825, 1230} {
		if _, err := h.Purchases.Post(ctx, shopper.ID, "store-roastery", cents); err != nil {
			return err
		}
	}

	// An open check-in at the bookshop leaves a provisional grant
	// waiting for a settlement trigger.
	if _, _, err := h.Sessions.CheckIn(ctx, shopper.ID, "store-bookshop", &loyalty.LocationHint{
		Latitude:  47.6142,
		Longitude: -122.3196,
	}); err != nil {
		return err
	}
	return nil
}

func (h *Handler) loadGiftCardsScenario(ctx context.Context) error {
	if err := h.seedStores(ctx); err != nil {
		return err
	}

	holder := loyalty.Account{ID: "acct-dee", Name: "Dee Okonkwo", Phone: "+12065550104", Plan: loyalty.PlanPremium}
	if err := h.Store.SaveAccount(ctx, holder); err != nil {
		return err
	}

	// Large purchases push the balance over the card minimum.
	for _, cents := range []int64{25000, 31000, 18500} {
		if _, err := h.Purchases.Post(ctx, holder.ID, "store-outfitters", cents); err != nil {
			return err
		}
	}

	if _, err := h.GiftCards.Create(ctx, holder.ID, 500, "store-outfitters", loyalty.CardDigital); err != nil {
		return err
	}
	if _, err := h.GiftCards.Create(ctx, holder.ID, 300, "", loyalty.CardPhysical); err != nil {
		return err
	}
	return nil
}
