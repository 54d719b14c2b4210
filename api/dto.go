/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

CONVENTIONS:
  - Timestamps are RFC3339 strings
  - Purchase amounts are integer cents
  - Gift card values are decimal dollar strings (e.g. "12.50")
  - Loops amounts are integers

VALIDATION:
  Validation is done in handlers and domain logic, not in DTOs. DTOs are
  pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

// =============================================================================
// REQUESTS
// =============================================================================

// CreateAccountRequest creates a loyalty account.
type CreateAccountRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Plan  string `json:"plan"`
}

// CreateStoreRequest registers a retail store.
type CreateStoreRequest struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Category  string   `json:"category,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// BlacklistRequest blocks an account at a store.
type BlacklistRequest struct {
	AccountID string `json:"account_id"`
}

// CheckInRequest opens a check-in session.
type CheckInRequest struct {
	AccountID string   `json:"account_id"`
	StoreID   string   `json:"store_id"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

// LocationRequest appends a location sample to a session.
type LocationRequest struct {
	AccountID string   `json:"account_id"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

// CompleteSessionRequest finalizes a session.
type CompleteSessionRequest struct {
	AccountID string `json:"account_id"`
}

// PurchaseRequest posts a confirmed point-of-sale transaction.
type PurchaseRequest struct {
	AccountID   string `json:"account_id"`
	StoreID     string `json:"store_id"`
	AmountCents int64  `json:"amount_cents"`
}

// RedemptionRequest spends loops at a store.
type RedemptionRequest struct {
	AccountID string `json:"account_id"`
	StoreID   string `json:"store_id"`
	Loops     int    `json:"loops"`
}

// CreateGiftCardRequest converts loops into a gift card.
type CreateGiftCardRequest struct {
	AccountID string `json:"account_id"`
	Loops     int    `json:"loops"`
	StoreID   string `json:"store_id,omitempty"`
	CardType  string `json:"card_type"`
}

// CardUseRequest spends gift card value. Amount is decimal dollars,
// e.g. "4.50".
type CardUseRequest struct {
	Amount string `json:"amount"`
}

// CardTopUpRequest adds loops-funded value to a card.
type CardTopUpRequest struct {
	AccountID string `json:"account_id"`
	Loops     int    `json:"loops"`
}

// SettlementCheckRequest runs a settlement evaluation for one pair.
type SettlementCheckRequest struct {
	AccountID string `json:"account_id"`
	StoreID   string `json:"store_id"`
}

// LoadScenarioRequest loads a named demo scenario.
type LoadScenarioRequest struct {
	Scenario string `json:"scenario"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// AccountDTO is the public account shape.
type AccountDTO struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Phone            string `json:"phone,omitempty"`
	Plan             string `json:"plan"`
	Tier             string `json:"tier"`
	LoopsBalance     int    `json:"loops_balance"`
	TotalLoopsEarned int    `json:"total_loops_earned"`
	CreatedAt        string `json:"created_at"`
}

// BalanceDTO is the balance summary including unsettled value.
type BalanceDTO struct {
	AccountID        string  `json:"account_id"`
	LoopsBalance     int     `json:"loops_balance"`
	PendingLoops     int     `json:"pending_loops"`
	TotalLoopsEarned int     `json:"total_loops_earned"`
	Tier             string  `json:"tier"`
	TierMultiplier   float64 `json:"tier_multiplier"`
	Plan             string  `json:"plan"`
	PlanMultiplier   float64 `json:"plan_multiplier"`
}

// StoreDTO is the public store shape.
type StoreDTO struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Category  string   `json:"category,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// NearbyStoreDTO is a store plus its distance from the query point.
type NearbyStoreDTO struct {
	StoreDTO
	DistanceMeters float64 `json:"distance_meters"`
	DistanceMiles  float64 `json:"distance_miles"`
}

// SessionDTO is the public session shape. Created is false when an
// existing active session was returned instead of a new one.
type SessionDTO struct {
	ID          string  `json:"id"`
	AccountID   string  `json:"account_id"`
	StoreID     string  `json:"store_id"`
	Status      string  `json:"status"`
	CheckedInAt string  `json:"checked_in_at"`
	ExpiresAt   string  `json:"expires_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
	Created     bool    `json:"created"`
}

// CompletionDTO reports the outcome of finalizing a session.
type CompletionDTO struct {
	SessionID string  `json:"session_id"`
	CivScore  float64 `json:"civ_score"`
}

// GrantDTO is the public pending grant shape.
type GrantDTO struct {
	ID            string  `json:"id"`
	StoreID       string  `json:"store_id"`
	SessionID     string  `json:"session_id"`
	LoopsPending  int     `json:"loops_pending"`
	CivScore      float64 `json:"civ_score"`
	Status        string  `json:"status"`
	CreatedAt     string  `json:"created_at"`
	ExpiresAt     string  `json:"expires_at"`
	UnlockTrigger *string `json:"unlock_trigger,omitempty"`
}

// PendingLoopsDTO sums an account's unsettled value.
type PendingLoopsDTO struct {
	AccountID    string     `json:"account_id"`
	PendingLoops int        `json:"pending_loops"`
	Grants       []GrantDTO `json:"grants"`
}

// LedgerEntryDTO is one immutable balance change.
type LedgerEntryDTO struct {
	ID         string `json:"id"`
	ChangeType string `json:"change_type"`
	Amount     int    `json:"amount"`
	Meta       string `json:"meta,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// PurchaseDTO reports a posted purchase.
type PurchaseDTO struct {
	ID          string `json:"id"`
	AccountID   string `json:"account_id"`
	StoreID     string `json:"store_id"`
	AmountCents int64  `json:"amount_cents"`
	LoopsEarned int    `json:"loops_earned"`
	CreatedAt   string `json:"created_at"`
}

// GiftCardDTO is the public gift card shape.
type GiftCardDTO struct {
	Code           string  `json:"code"`
	AccountID      string  `json:"account_id"`
	StoreID        string  `json:"store_id,omitempty"`
	OriginalValue  string  `json:"original_value"`
	CurrentBalance string  `json:"current_balance"`
	LoopsUsed      int     `json:"loops_used"`
	Status         string  `json:"status"`
	CardType       string  `json:"card_type"`
	IssuedAt       *string `json:"issued_at,omitempty"`
	ExpiresAt      string  `json:"expires_at"`
	CreatedAt      string  `json:"created_at"`
}

// CardTransactionDTO is one immutable card event.
type CardTransactionDTO struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Amount    string `json:"amount"`
	CreatedAt string `json:"created_at"`
}

// VerifyBalanceDTO reports the ledger replay check.
type VerifyBalanceDTO struct {
	AccountID    string `json:"account_id"`
	LoopsBalance int    `json:"loops_balance"`
	LedgerSum    int    `json:"ledger_sum"`
	Consistent   bool   `json:"consistent"`
}

// SettlementResultDTO reports a settlement check outcome.
type SettlementResultDTO struct {
	AccountID string `json:"account_id"`
	StoreID   string `json:"store_id"`
	Unlocked  int    `json:"unlocked"`
}

// SweepResultDTO reports one maintenance sweep.
type SweepResultDTO struct {
	ExpiredSessions int `json:"expired_sessions"`
	ExpiredGrants   int `json:"expired_grants"`
	UnlockedGrants  int `json:"unlocked_grants"`
}

// ScenarioDTO describes a loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error shape.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
