package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopworks/loyalty-engine/api"
	"github.com/loopworks/loyalty-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestServer(t *testing.T) http.Handler {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return api.NewRouter(api.NewHandler(store, nil))
}

// doJSON performs a request with a JSON body and decodes the JSON
// response into a generic map.
func doJSON(t *testing.T, h http.Handler, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out),
			"body: %s", rec.Body.String())
	}
	return rec.Code, out
}

func doJSONList(t *testing.T, h http.Handler, method, path string) (int, []any) {
	t.Helper()

	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out []any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out),
			"body: %s", rec.Body.String())
	}
	return rec.Code, out
}

func createAccount(t *testing.T, h http.Handler, id, plan string) {
	t.Helper()
	code, _ := doJSON(t, h, http.MethodPost, "/api/accounts", map[string]any{
		"id": id, "name": "Shopper " + id, "plan": plan,
	})
	require.Equal(t, http.StatusCreated, code)
}

func createStore(t *testing.T, h http.Handler, id, category string, lat, lon float64) {
	t.Helper()
	code, _ := doJSON(t, h, http.MethodPost, "/api/stores", map[string]any{
		"id": id, "name": "Store " + id, "category": category,
		"latitude": lat, "longitude": lon,
	})
	require.Equal(t, http.StatusCreated, code)
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestAPI_AccountLifecycle(t *testing.T) {
	h := newTestServer(t)

	code, acct := doJSON(t, h, http.MethodPost, "/api/accounts", map[string]any{
		"id": "acct-1", "name": "Ana", "plan": "PLUS",
	})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "acct-1", acct["id"])
	assert.Equal(t, "PLUS", acct["plan"])
	assert.Equal(t, "BRONZE", acct["tier"])

	code, got := doJSON(t, h, http.MethodGet, "/api/accounts/acct-1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Ana", got["name"])

	code, balance := doJSON(t, h, http.MethodGet, "/api/accounts/acct-1/balance", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), balance["loops_balance"])
	assert.Equal(t, float64(0), balance["pending_loops"])
	assert.Equal(t, 1.10, balance["plan_multiplier"])

	code, list := doJSONList(t, h, http.MethodGet, "/api/accounts")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, list, 1)
}

func TestAPI_CreateAccountValidation(t *testing.T) {
	h := newTestServer(t)

	code, _ := doJSON(t, h, http.MethodPost, "/api/accounts", map[string]any{"name": "no id"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = doJSON(t, h, http.MethodPost, "/api/accounts", map[string]any{
		"id": "acct-1", "name": "Ana", "plan": "PLATINUM-PLUS",
	})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = doJSON(t, h, http.MethodGet, "/api/accounts/ghost", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

// =============================================================================
// PURCHASES AND LEDGER
// =============================================================================

func TestAPI_PurchaseCreditsBalance(t *testing.T) {
	h := newTestServer(t)
	createAccount(t, h, "acct-1", "STARTER")
	createStore(t, h, "store-1", "coffee", 47.61, -122.34)

	code, purchase := doJSON(t, h, http.MethodPost, "/api/transactions", map[string]any{
		"account_id": "acct-1", "store_id": "store-1", "amount_cents": 2500,
	})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, float64(35), purchase["loops_earned"])

	code, balance := doJSON(t, h, http.MethodGet, "/api/accounts/acct-1/balance", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(35), balance["loops_balance"])

	code, ledger := doJSONList(t, h, http.MethodGet, "/api/accounts/acct-1/ledger")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, ledger, 1)
	entry := ledger[0].(map[string]any)
	assert.Equal(t, "EARN", entry["change_type"])
	assert.Equal(t, float64(35), entry["amount"])
	assert.Equal(t, "store:store-1", entry["meta"])

	code, verify := doJSON(t, h, http.MethodGet, "/api/accounts/acct-1/verify", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, verify["consistent"])
}

func TestAPI_RedemptionInsufficientBalanceConflicts(t *testing.T) {
	h := newTestServer(t)
	createAccount(t, h, "acct-1", "STARTER")
	createStore(t, h, "store-1", "coffee", 47.61, -122.34)

	code, body := doJSON(t, h, http.MethodPost, "/api/redemptions", map[string]any{
		"account_id": "acct-1", "store_id": "store-1", "loops": 50,
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.NotEmpty(t, body["error"])
}

// =============================================================================
// CHECK-IN FLOW
// =============================================================================

func TestAPI_CheckInFlow(t *testing.T) {
	h := newTestServer(t)
	createAccount(t, h, "acct-1", "STARTER")
	createStore(t, h, "store-1", "coffee", 47.6100, -122.3400)

	code, sess := doJSON(t, h, http.MethodPost, "/api/checkins", map[string]any{
		"account_id": "acct-1", "store_id": "store-1",
		"latitude": 47.6100, "longitude": -122.3400,
	})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, true, sess["created"])
	assert.Equal(t, "active", sess["status"])
	sessionID := sess["id"].(string)

	// Re-checking in resumes the active session.
	code, resumed := doJSON(t, h, http.MethodPost, "/api/checkins", map[string]any{
		"account_id": "acct-1", "store_id": "store-1",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, resumed["created"])
	assert.Equal(t, sessionID, resumed["id"])

	code, _ = doJSON(t, h, http.MethodPost, "/api/checkins/"+sessionID+"/location", map[string]any{
		"account_id": "acct-1", "latitude": 47.6101, "longitude": -122.3400,
	})
	require.Equal(t, http.StatusAccepted, code)

	code, pending := doJSON(t, h, http.MethodGet, "/api/accounts/acct-1/pending-loops", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(20), pending["pending_loops"])

	code, completion := doJSON(t, h, http.MethodPost, "/api/checkins/"+sessionID+"/complete", map[string]any{
		"account_id": "acct-1",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, sessionID, completion["session_id"])
	score := completion["civ_score"].(float64)
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
}

func TestAPI_CheckInBlockedAndUnknown(t *testing.T) {
	h := newTestServer(t)
	createAccount(t, h, "acct-1", "STARTER")
	createStore(t, h, "store-1", "coffee", 47.61, -122.34)

	code, _ := doJSON(t, h, http.MethodPost, "/api/checkins", map[string]any{
		"account_id": "ghost", "store_id": "store-1",
	})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = doJSON(t, h, http.MethodPost, "/api/stores/store-1/blacklist", map[string]any{
		"account_id": "acct-1",
	})
	require.Equal(t, http.StatusOK, code)

	code, _ = doJSON(t, h, http.MethodPost, "/api/checkins", map[string]any{
		"account_id": "acct-1", "store_id": "store-1",
	})
	assert.Equal(t, http.StatusForbidden, code)
}

// =============================================================================
// STORE DIRECTORY
// =============================================================================

func TestAPI_NearbyStores(t *testing.T) {
	h := newTestServer(t)
	createStore(t, h, "near", "coffee", 47.6063, -122.3321)
	createStore(t, h, "far", "books", 47.70, -122.3321)

	code, list := doJSONList(t, h, http.MethodGet, "/api/stores/nearby?lat=47.6062&lon=-122.3321")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, list, 2)

	first := list[0].(map[string]any)
	second := list[1].(map[string]any)
	assert.Equal(t, "near", first["id"])
	assert.Equal(t, "far", second["id"])
	assert.Less(t, first["distance_meters"].(float64), second["distance_meters"].(float64))
	assert.InDelta(t, first["distance_meters"].(float64)/1609.344, first["distance_miles"].(float64), 1e-6)
}

func TestAPI_NearbyStoresRequiresCoordinates(t *testing.T) {
	h := newTestServer(t)

	code, _ := doJSON(t, h, http.MethodGet, "/api/stores/nearby", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

// =============================================================================
// GIFT CARDS
// =============================================================================

func TestAPI_GiftCardFlow(t *testing.T) {
	h := newTestServer(t)
	createAccount(t, h, "acct-1", "STARTER")
	createStore(t, h, "store-1", "coffee", 47.61, -122.34)

	// $990 at bronze: floor(99000/100) + 10 = 1000 Loops, enough for a card.
	code, _ := doJSON(t, h, http.MethodPost, "/api/transactions", map[string]any{
		"account_id": "acct-1", "store_id": "store-1", "amount_cents": 99000,
	})
	require.Equal(t, http.StatusCreated, code)

	code, card := doJSON(t, h, http.MethodPost, "/api/gift-cards", map[string]any{
		"account_id": "acct-1", "loops": 500, "card_type": "digital",
	})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "5.00", card["current_balance"])
	assert.Equal(t, "active", card["status"])
	cardCode := card["code"].(string)

	code, balance := doJSON(t, h, http.MethodGet, "/api/accounts/acct-1/balance", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(500), balance["loops_balance"])

	code, card = doJSON(t, h, http.MethodPost, "/api/gift-cards/"+cardCode+"/use", map[string]any{
		"amount": "2.50",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "2.50", card["current_balance"])

	code, card = doJSON(t, h, http.MethodGet, "/api/gift-cards/"+cardCode, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "2.50", card["current_balance"])

	code, txs := doJSONList(t, h, http.MethodGet, "/api/gift-cards/"+cardCode+"/transactions")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, txs, 2)

	code, cardList := doJSONList(t, h, http.MethodGet, "/api/accounts/acct-1/gift-cards")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, cardList, 1)

	// Overdraw is a conflict, not a server error.
	code, _ = doJSON(t, h, http.MethodPost, "/api/gift-cards/"+cardCode+"/use", map[string]any{
		"amount": "100.00",
	})
	assert.Equal(t, http.StatusConflict, code)
}

func TestAPI_GiftCardBelowMinimumBalance(t *testing.T) {
	h := newTestServer(t)
	createAccount(t, h, "acct-1", "STARTER")

	code, _ := doJSON(t, h, http.MethodPost, "/api/gift-cards", map[string]any{
		"account_id": "acct-1", "loops": 500, "card_type": "digital",
	})
	assert.Equal(t, http.StatusConflict, code)
}

// =============================================================================
// ADMIN AND SCENARIOS
// =============================================================================

func TestAPI_SettlementCheckEndpoint(t *testing.T) {
	h := newTestServer(t)
	createAccount(t, h, "acct-1", "STARTER")
	createStore(t, h, "store-1", "coffee", 47.61, -122.34)

	code, result := doJSON(t, h, http.MethodPost, "/api/admin/settlement-check", map[string]any{
		"account_id": "acct-1", "store_id": "store-1",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), result["unlocked"])
}

func TestAPI_SweepEndpoint(t *testing.T) {
	h := newTestServer(t)

	code, result := doJSON(t, h, http.MethodPost, "/api/admin/sweep", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), result["expired_sessions"])
	assert.Equal(t, float64(0), result["expired_grants"])
	assert.Equal(t, float64(0), result["unlocked_grants"])
}

func TestAPI_ScenarioLoad(t *testing.T) {
	h := newTestServer(t)

	code, list := doJSONList(t, h, http.MethodGet, "/api/scenarios")
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, list)

	code, _ = doJSON(t, h, http.MethodPost, "/api/scenarios/load", map[string]any{
		"scenario": "neighborhood",
	})
	require.Equal(t, http.StatusOK, code)

	code, accounts := doJSONList(t, h, http.MethodGet, "/api/accounts")
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, accounts)

	code, current := doJSON(t, h, http.MethodGet, "/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "neighborhood", current["id"])

	code, _ = doJSON(t, h, http.MethodPost, "/api/scenarios/load", map[string]any{
		"scenario": "does-not-exist",
	})
	assert.Equal(t, http.StatusBadRequest, code)
}
