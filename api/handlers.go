/*
handlers.go - HTTP API handlers for the loyalty engine

PURPOSE:
  Exposes the loyalty engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Accounts:
    GET    /api/accounts                     List all accounts
    POST   /api/accounts                     Create account
    GET    /api/accounts/{id}                Get account details
    GET    /api/accounts/{id}/balance        Balance + tier + pending summary
    GET    /api/accounts/{id}/ledger         Ledger history
    GET    /api/accounts/{id}/pending-loops  Live pending grants
    GET    /api/accounts/{id}/gift-cards     Account's gift cards
    GET    /api/accounts/{id}/verify         Ledger replay check

  Stores:
    GET    /api/stores                       List stores
    POST   /api/stores                       Register store
    GET    /api/stores/nearby                Nearest stores to a point
    POST   /api/stores/{id}/blacklist        Block an account

  Check-ins:
    POST   /api/checkins                     Open a session
    POST   /api/checkins/{id}/location       Append a location sample
    POST   /api/checkins/{id}/complete       Finalize and score

  Purchases:
    POST   /api/transactions                 Post confirmed purchase
    POST   /api/redemptions                  Spend loops

  Gift cards:
    POST   /api/gift-cards                   Convert loops to a card
    GET    /api/gift-cards/{code}            Scan (lazy expiry applies)
    GET    /api/gift-cards/{code}/transactions
    POST   /api/gift-cards/{code}/use        Spend card value
    POST   /api/gift-cards/{code}/topup      Add loops-funded value
    POST   /api/gift-cards/{code}/issue      Activate physical card

  Admin:
    POST   /api/admin/settlement-check       Evaluate one pair now
    POST   /api/admin/sweep                  Run the maintenance sweep

  Scenarios:
    GET    /api/scenarios                    List demo scenarios
    POST   /api/scenarios/load               Load a demo scenario
    POST   /api/scenarios/reset              Reset database

ERROR HANDLING:
  Domain errors map to HTTP status by sentinel:
  - ErrInvalidInput                          400
  - ErrBlocked                               403
  - ErrNotFound                              404
  - ErrInsufficientBalance, ErrExpired,
    ErrAlreadyFinalized                      409
  - anything else                            500

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/loopworks/loyalty-engine/loyalty"
	"github.com/loopworks/loyalty-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      *sqlite.Store
	Ledger     *loyalty.Ledger
	Sessions   *loyalty.Sessions
	Grants     *loyalty.Grants
	Settlement *loyalty.Settlement
	Purchases  *loyalty.Purchases
	GiftCards  *loyalty.GiftCards

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler wires the domain services around the given store. A nil
// notifier falls back to the no-op implementation.
func NewHandler(store *sqlite.Store, notifier loyalty.Notifier) *Handler {
	if notifier == nil {
		notifier = loyalty.NopNotifier{}
	}

	ledger := loyalty.NewLedger(store)
	settlement := loyalty.NewSettlement(store, ledger, notifier)
	grants := loyalty.NewGrants(store)
	// A fresh check-in doubles as return-visit evidence for older
	// grants at the same store.
	sessions := loyalty.NewSessions(store, settlement.CheckAsync)
	purchases := loyalty.NewPurchases(store, ledger, settlement, notifier)
	giftCards := loyalty.NewGiftCards(store, ledger, settlement, notifier)

	return &Handler{
		Store:      store,
		Ledger:     ledger,
		Sessions:   sessions,
		Grants:     grants,
		Settlement: settlement,
		Purchases:  purchases,
		GiftCards:  giftCards,
	}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// ListAccounts returns all accounts.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Store.ListAccounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list accounts", err)
		return
	}

	dtos := make([]AccountDTO, len(accounts))
	for i := range accounts {
		dtos[i] = toAccountDTO(&accounts[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateAccount creates a loyalty account.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required", nil)
		return
	}

	plan := loyalty.Plan(req.Plan)
	if req.Plan == "" {
		plan = loyalty.PlanStarter
	}
	if !plan.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid plan", nil)
		return
	}

	acct := loyalty.Account{
		ID:    req.ID,
		Name:  req.Name,
		Phone: req.Phone,
		Plan:  plan,
	}
	if err := h.Store.SaveAccount(r.Context(), acct); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create account", err)
		return
	}

	saved, err := h.Store.GetAccount(r.Context(), acct.ID)
	if err != nil || saved == nil {
		writeError(w, http.StatusInternalServerError, "Failed to load account", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(saved))
}

// GetAccount returns a single account.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	acct, err := h.Store.GetAccount(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get account", err)
		return
	}
	if acct == nil {
		writeError(w, http.StatusNotFound, "Account not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// GetBalance returns the balance summary, including the sum of live
// pending grants that have not yet settled.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	acct, err := h.Store.GetAccount(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get account", err)
		return
	}
	if acct == nil {
		writeError(w, http.StatusNotFound, "Account not found", nil)
		return
	}

	grants, err := h.Grants.ListPendingByAccount(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load pending grants", err)
		return
	}
	pending := 0
	for _, g := range grants {
		pending += g.LoopsPending
	}

	tier := acct.Tier()
	writeJSON(w, http.StatusOK, BalanceDTO{
		AccountID:        acct.ID,
		LoopsBalance:     acct.LoopsBalance,
		PendingLoops:     pending,
		TotalLoopsEarned: acct.TotalLoopsEarned,
		Tier:             string(tier),
		TierMultiplier:   tier.Multiplier(),
		Plan:             string(acct.Plan),
		PlanMultiplier:   acct.Plan.Multiplier(),
	})
}

// GetLedger returns the account's full ledger history.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	acct, err := h.Store.GetAccount(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get account", err)
		return
	}
	if acct == nil {
		writeError(w, http.StatusNotFound, "Account not found", nil)
		return
	}

	entries, err := h.Store.Entries(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load ledger", err)
		return
	}

	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = LedgerEntryDTO{
			ID:         e.ID,
			ChangeType: string(e.ChangeType),
			Amount:     e.Amount,
			Meta:       e.Meta,
			CreatedAt:  e.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPendingLoops returns the account's live pending grants.
func (h *Handler) GetPendingLoops(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	grants, err := h.Grants.ListPendingByAccount(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load pending grants", err)
		return
	}

	dtos := make([]GrantDTO, len(grants))
	total := 0
	for i := range grants {
		dtos[i] = toGrantDTO(&grants[i])
		total += grants[i].LoopsPending
	}
	writeJSON(w, http.StatusOK, PendingLoopsDTO{
		AccountID:    id,
		PendingLoops: total,
		Grants:       dtos,
	})
}

// ListAccountGiftCards returns all gift cards owned by the account.
func (h *Handler) ListAccountGiftCards(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cards, err := h.GiftCards.ListByAccount(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load gift cards", err)
		return
	}

	dtos := make([]GiftCardDTO, len(cards))
	for i := range cards {
		dtos[i] = toGiftCardDTO(&cards[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// VerifyBalance replays the account's ledger and reports whether the
// cached balance matches.
func (h *Handler) VerifyBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	report, err := h.Ledger.VerifyBalance(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to verify balance", err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyBalanceDTO{
		AccountID:    report.AccountID,
		LoopsBalance: report.LoopsBalance,
		LedgerSum:    report.LedgerSum,
		Consistent:   report.Consistent,
	})
}

// =============================================================================
// STORE HANDLERS
// =============================================================================

// CreateStore registers a retail store.
func (h *Handler) CreateStore(w http.ResponseWriter, r *http.Request) {
	var req CreateStoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required", nil)
		return
	}
	if (req.Latitude == nil) != (req.Longitude == nil) {
		writeError(w, http.StatusBadRequest, "latitude and longitude must be provided together", nil)
		return
	}

	st := loyalty.Store{
		ID:        req.ID,
		Name:      req.Name,
		Category:  req.Category,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
	}
	if err := h.Store.SaveStore(r.Context(), st); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create store", err)
		return
	}
	writeJSON(w, http.StatusCreated, toStoreDTO(&st))
}

// ListStores returns all registered stores.
func (h *Handler) ListStores(w http.ResponseWriter, r *http.Request) {
	stores, err := h.Store.ListStores(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list stores", err)
		return
	}

	dtos := make([]StoreDTO, len(stores))
	for i := range stores {
		dtos[i] = toStoreDTO(&stores[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// NearbyStores returns stores ordered by distance from the query
// point. Stores without coordinates are excluded.
// GET /api/stores/nearby?lat=..&lon=..&limit=..
func (h *Handler) NearbyStores(w http.ResponseWriter, r *http.Request) {
	lat, err1 := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "lat and lon query parameters are required", nil)
		return
	}

	limit := 10
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	stores, err := h.Store.ListStores(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list stores", err)
		return
	}

	nearby := loyalty.NearbyStores(stores, lat, lon, limit)
	dtos := make([]NearbyStoreDTO, len(nearby))
	for i, sd := range nearby {
		dtos[i] = NearbyStoreDTO{
			StoreDTO:       toStoreDTO(&sd.Store),
			DistanceMeters: sd.Meters,
			DistanceMiles:  sd.Meters / 1609.344,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// BlacklistAccount blocks an account from checking in at a store.
func (h *Handler) BlacklistAccount(w http.ResponseWriter, r *http.Request) {
	storeID := chi.URLParam(r, "id")

	var req BlacklistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required", nil)
		return
	}

	st, err := h.Store.GetStore(r.Context(), storeID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get store", err)
		return
	}
	if st == nil {
		writeError(w, http.StatusNotFound, "Store not found", nil)
		return
	}

	if err := h.Store.AddToBlacklist(r.Context(), storeID, req.AccountID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to blacklist account", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"store_id":   storeID,
		"account_id": req.AccountID,
		"status":     "blacklisted",
	})
}

// =============================================================================
// CHECK-IN HANDLERS
// =============================================================================

// StartCheckIn opens (or resumes) a check-in session.
func (h *Handler) StartCheckIn(w http.ResponseWriter, r *http.Request) {
	var req CheckInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AccountID == "" || req.StoreID == "" {
		writeError(w, http.StatusBadRequest, "account_id and store_id are required", nil)
		return
	}

	var hint *loyalty.LocationHint
	if req.Latitude != nil && req.Longitude != nil {
		hint = &loyalty.LocationHint{
			Latitude:  *req.Latitude,
			Longitude: *req.Longitude,
			Accuracy:  req.Accuracy,
		}
	}

	sess, created, err := h.Sessions.CheckIn(r.Context(), req.AccountID, req.StoreID, hint)
	if err != nil {
		writeDomainError(w, "Failed to check in", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, toSessionDTO(sess, created))
}

// RecordLocation appends a location sample to an active session.
func (h *Handler) RecordLocation(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var req LocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	err := h.Sessions.RecordLocation(r.Context(), sessionID, req.AccountID, req.Latitude, req.Longitude, req.Accuracy)
	if err != nil {
		writeDomainError(w, "Failed to record location", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sessionID, "status": "recorded"})
}

// CompleteCheckIn finalizes a session, scores its trail, and applies
// the confidence adjustment to the session's grant.
func (h *Handler) CompleteCheckIn(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var req CompleteSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	score, err := h.Sessions.Complete(r.Context(), sessionID, req.AccountID)
	if err != nil {
		writeDomainError(w, "Failed to complete session", err)
		return
	}
	writeJSON(w, http.StatusOK, CompletionDTO{SessionID: sessionID, CivScore: score})
}

// =============================================================================
// PURCHASE HANDLERS
// =============================================================================

// PostTransaction records a confirmed purchase and credits loops
// immediately.
func (h *Handler) PostTransaction(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	purchase, err := h.Purchases.Post(r.Context(), req.AccountID, req.StoreID, req.AmountCents)
	if err != nil {
		writeDomainError(w, "Failed to post transaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, PurchaseDTO{
		ID:          purchase.ID,
		AccountID:   purchase.AccountID,
		StoreID:     purchase.StoreID,
		AmountCents: purchase.AmountCents,
		LoopsEarned: purchase.LoopsEarned,
		CreatedAt:   purchase.CreatedAt.Format(time.RFC3339),
	})
}

// PostRedemption spends loops at a store.
func (h *Handler) PostRedemption(w http.ResponseWriter, r *http.Request) {
	var req RedemptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.Purchases.Redeem(r.Context(), req.AccountID, req.StoreID, req.Loops); err != nil {
		writeDomainError(w, "Failed to redeem loops", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": req.AccountID,
		"store_id":   req.StoreID,
		"loops":      req.Loops,
		"status":     "redeemed",
	})
}

// =============================================================================
// GIFT CARD HANDLERS
// =============================================================================

// CreateGiftCard converts loops into gift card value.
func (h *Handler) CreateGiftCard(w http.ResponseWriter, r *http.Request) {
	var req CreateGiftCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	cardType := loyalty.CardType(req.CardType)
	if req.CardType == "" {
		cardType = loyalty.CardDigital
	}

	card, err := h.GiftCards.Create(r.Context(), req.AccountID, req.Loops, req.StoreID, cardType)
	if err != nil {
		writeDomainError(w, "Failed to create gift card", err)
		return
	}
	writeJSON(w, http.StatusCreated, toGiftCardDTO(card))
}

// ScanGiftCard returns a card's current state. Reading an overdue
// active card transitions it to expired first.
func (h *Handler) ScanGiftCard(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	card, err := h.GiftCards.Get(r.Context(), code)
	if err != nil {
		writeDomainError(w, "Failed to get gift card", err)
		return
	}
	writeJSON(w, http.StatusOK, toGiftCardDTO(card))
}

// GetCardTransactions returns the card's immutable event log.
func (h *Handler) GetCardTransactions(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	card, err := h.GiftCards.Get(r.Context(), code)
	if err != nil {
		writeDomainError(w, "Failed to get gift card", err)
		return
	}

	txs, err := h.Store.CardTransactions(r.Context(), card.Code)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load card transactions", err)
		return
	}

	dtos := make([]CardTransactionDTO, len(txs))
	for i, t := range txs {
		dtos[i] = CardTransactionDTO{
			ID:        t.ID,
			Type:      string(t.Type),
			Amount:    t.Amount.StringFixed(2),
			CreatedAt: t.CreatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// UseGiftCard spends value from a card.
func (h *Handler) UseGiftCard(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	var req CardUseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	card, err := h.GiftCards.Use(r.Context(), code, amount)
	if err != nil {
		writeDomainError(w, "Failed to use gift card", err)
		return
	}
	writeJSON(w, http.StatusOK, toGiftCardDTO(card))
}

// TopUpGiftCard adds loops-funded value to an active card and extends
// its validity window.
func (h *Handler) TopUpGiftCard(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	var req CardTopUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	card, err := h.GiftCards.TopUp(r.Context(), code, req.Loops)
	if err != nil {
		writeDomainError(w, "Failed to top up gift card", err)
		return
	}
	writeJSON(w, http.StatusOK, toGiftCardDTO(card))
}

// IssueGiftCard activates a physical card.
func (h *Handler) IssueGiftCard(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	card, err := h.GiftCards.Issue(r.Context(), code)
	if err != nil {
		writeDomainError(w, "Failed to issue gift card", err)
		return
	}
	writeJSON(w, http.StatusOK, toGiftCardDTO(card))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// SettlementCheck synchronously evaluates settlement triggers for one
// (account, store) pair.
func (h *Handler) SettlementCheck(w http.ResponseWriter, r *http.Request) {
	var req SettlementCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.AccountID == "" || req.StoreID == "" {
		writeError(w, http.StatusBadRequest, "account_id and store_id are required", nil)
		return
	}

	unlocked, err := h.Settlement.Check(r.Context(), req.AccountID, req.StoreID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Settlement check failed", err)
		return
	}
	writeJSON(w, http.StatusOK, SettlementResultDTO{
		AccountID: req.AccountID,
		StoreID:   req.StoreID,
		Unlocked:  unlocked,
	})
}

// RunSweep runs the full maintenance pass: expire overdue sessions and
// grants, then re-check every outstanding pair.
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	expiredSessions, err := h.Sessions.ExpireDue(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to expire sessions", err)
		return
	}
	expiredGrants, err := h.Grants.ExpireDue(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to expire grants", err)
		return
	}
	unlocked, err := h.Settlement.Sweep(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Settlement sweep failed", err)
		return
	}

	writeJSON(w, http.StatusOK, SweepResultDTO{
		ExpiredSessions: expiredSessions,
		ExpiredGrants:   expiredGrants,
		UnlockedGrants:  unlocked,
	})
}

// =============================================================================
// DTO MAPPERS
// =============================================================================

func toAccountDTO(a *loyalty.Account) AccountDTO {
	return AccountDTO{
		ID:               a.ID,
		Name:             a.Name,
		Phone:            a.Phone,
		Plan:             string(a.Plan),
		Tier:             string(a.Tier()),
		LoopsBalance:     a.LoopsBalance,
		TotalLoopsEarned: a.TotalLoopsEarned,
		CreatedAt:        a.CreatedAt.Format(time.RFC3339),
	}
}

func toStoreDTO(s *loyalty.Store) StoreDTO {
	return StoreDTO{
		ID:        s.ID,
		Name:      s.Name,
		Category:  s.Category,
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
	}
}

func toSessionDTO(s *loyalty.Session, created bool) SessionDTO {
	dto := SessionDTO{
		ID:          s.ID,
		AccountID:   s.AccountID,
		StoreID:     s.StoreID,
		Status:      string(s.Status),
		CheckedInAt: s.CheckedInAt.Format(time.RFC3339),
		ExpiresAt:   s.ExpiresAt.Format(time.RFC3339),
		Created:     created,
	}
	if s.CompletedAt != nil {
		dto.CompletedAt = strPtr(s.CompletedAt.Format(time.RFC3339))
	}
	return dto
}

func toGrantDTO(g *loyalty.PendingGrant) GrantDTO {
	dto := GrantDTO{
		ID:           g.ID,
		StoreID:      g.StoreID,
		SessionID:    g.SessionID,
		LoopsPending: g.LoopsPending,
		CivScore:     g.CivScore,
		Status:       string(g.Status),
		CreatedAt:    g.CreatedAt.Format(time.RFC3339),
		ExpiresAt:    g.ExpiresAt.Format(time.RFC3339),
	}
	if g.UnlockTrigger != nil {
		dto.UnlockTrigger = strPtr(string(*g.UnlockTrigger))
	}
	return dto
}

func toGiftCardDTO(g *loyalty.GiftCard) GiftCardDTO {
	dto := GiftCardDTO{
		Code:           g.Code,
		AccountID:      g.AccountID,
		StoreID:        g.StoreID,
		OriginalValue:  g.OriginalValue.StringFixed(2),
		CurrentBalance: g.CurrentBalance.StringFixed(2),
		LoopsUsed:      g.LoopsUsed,
		Status:         string(g.Status),
		CardType:       string(g.CardType),
		ExpiresAt:      g.ExpiresAt.Format(time.RFC3339),
		CreatedAt:      g.CreatedAt.Format(time.RFC3339),
	}
	if g.IssuedAt != nil {
		dto.IssuedAt = strPtr(g.IssuedAt.Format(time.RFC3339))
	}
	return dto
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps loyalty sentinels to HTTP status codes.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, loyalty.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, loyalty.ErrBlocked):
		status = http.StatusForbidden
	case errors.Is(err, loyalty.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, loyalty.ErrInsufficientBalance),
		errors.Is(err, loyalty.ErrExpired),
		errors.Is(err, loyalty.ErrAlreadyFinalized):
		status = http.StatusConflict
	}
	writeError(w, status, message, err)
}

func strPtr(s string) *string {
	return &s
}
