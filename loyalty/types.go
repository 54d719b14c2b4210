/*
Package loyalty provides the core engine for the Loop loyalty program.

PURPOSE:
  This package contains the domain types and algorithms for granting,
  deferring, verifying, and settling reward points ("Loops") earned by
  in-store visits. The heart of the package is the deferred settlement
  flow: a check-in creates a provisional grant that is later promoted
  to real balance (or expired) based on behavioral evidence.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: Loop balance plus lifetime earnings used for tier computation
  - Store: A physical retail location with coordinates and a category
  - Session: One physical-presence window at a store, owning location samples
  - PendingGrant: A provisional, not-yet-balance-affecting Loop award
  - LedgerEntry: An immutable record of a balance change (EARN or REDEEM)
  - GiftCard: A redeemable-value instrument funded from Loop balance

DESIGN PRINCIPLES:
  1. Terminal states are final: no transition leaves unlocked/expired/used
  2. The ledger is the source of truth; balance is a cached projection
  3. Every deadline is enforced lazily at read time, never by a timer
  4. Loops are plain integers; gift card dollars use decimal.Decimal

SEE ALSO:
  - ledger.go: The balance/ledger invariant maintainer
  - grants.go: The pending grant state machine
  - settlement.go: Trigger detection and grant promotion
*/
package loyalty

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PLANS AND TIERS
// =============================================================================

// Plan is a subscription-like account attribute conferring a reward multiplier.
type Plan string

const (
	PlanStarter Plan = "STARTER"
	PlanBasic   Plan = "BASIC"
	PlanPlus    Plan = "PLUS"
	PlanPremium Plan = "PREMIUM"
)

// Multiplier returns the plan's reward multiplier. Unknown plans fall back
// to the STARTER multiplier rather than failing.
func (p Plan) Multiplier() float64 {
	switch p {
	case PlanBasic:
		return 1.05
	case PlanPlus:
		return 1.10
	case PlanPremium:
		return 1.20
	default:
		return 1.0
	}
}

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	switch p {
	case PlanStarter, PlanBasic, PlanPlus, PlanPremium:
		return true
	}
	return false
}

// Tier is a lifetime-earnings bracket with its own reward multiplier.
type Tier string

const (
	TierBronze   Tier = "BRONZE"
	TierSilver   Tier = "SILVER"
	TierGold     Tier = "GOLD"
	TierPlatinum Tier = "PLATINUM"
)

// TierFor maps lifetime earnings to a tier.
func TierFor(totalLoopsEarned int) Tier {
	switch {
	case totalLoopsEarned >= 1000:
		return TierPlatinum
	case totalLoopsEarned >= 500:
		return TierGold
	case totalLoopsEarned >= 200:
		return TierSilver
	default:
		return TierBronze
	}
}

// Multiplier returns the tier's reward multiplier.
func (t Tier) Multiplier() float64 {
	switch t {
	case TierSilver:
		return 1.05
	case TierGold:
		return 1.10
	case TierPlatinum:
		return 1.20
	default:
		return 1.0
	}
}

// =============================================================================
// ACCOUNTS AND STORES
// =============================================================================

// Account holds the mutable Loop balance and the monotonically
// non-decreasing lifetime total used for tier computation.
//
// INVARIANTS:
//   - LoopsBalance never goes negative
//   - TotalLoopsEarned only increases, and only via confirmed grants
type Account struct {
	ID               string
	Name             string
	Phone            string
	Plan             Plan
	LoopsBalance     int
	TotalLoopsEarned int
	CreatedAt        time.Time
}

// Tier returns the account's current tier.
func (a *Account) Tier() Tier {
	return TierFor(a.TotalLoopsEarned)
}

// Store is a physical retail location. Coordinates are optional: stores
// without coordinates forfeit the proximity signal and nearby lookup.
type Store struct {
	ID        string
	Name      string
	Category  string
	Latitude  *float64
	Longitude *float64
	CreatedAt time.Time
}

// HasCoordinates reports whether the store has a usable location.
func (s *Store) HasCoordinates() bool {
	return s.Latitude != nil && s.Longitude != nil
}

// =============================================================================
// CHECK-IN SESSIONS
// =============================================================================

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionExpired   SessionStatus = "expired"
)

// Session identifies one (account, store, time-window) presence tuple.
// Transitions: active -> completed (explicit client action) or
// active -> expired (observed lazily once ExpiresAt passes).
type Session struct {
	ID          string
	AccountID   string
	StoreID     string
	Status      SessionStatus
	CheckedInAt time.Time
	ExpiresAt   time.Time
	CompletedAt *time.Time
}

// LocationSample is one point of a session's location trail.
// Samples are append-only, strictly ordered by Seq, never mutated.
type LocationSample struct {
	ID         string
	SessionID  string
	Seq        int
	Latitude   float64
	Longitude  float64
	Accuracy   *float64
	RecordedAt time.Time
}

// =============================================================================
// PENDING GRANTS (deferred settlement unit)
// =============================================================================

type GrantStatus string

const (
	GrantPending  GrantStatus = "pending"
	GrantUnlocked GrantStatus = "unlocked"
	GrantExpired  GrantStatus = "expired"
)

// TriggerType names the behavioral evidence that promoted a grant.
type TriggerType string

const (
	TriggerReturnVisit     TriggerType = "return_visit"
	TriggerRedemption      TriggerType = "reward_redemption"
	TriggerRepeatPurchase  TriggerType = "another_purchase"
	TriggerRelatedCategory TriggerType = "related_category_visit"
)

// PendingGrant is a provisional Loop award awaiting confirmation or expiry.
//
// A grant is mutated at most twice: once by the confidence scorer
// (shrinking LoopsPending while still pending) and once by the settlement
// detector or the expiry sweep (the terminal transition). Exactly one of
// unlock/expire may occur; the terminal write is conditioned on the row
// still being pending at write time.
type PendingGrant struct {
	ID            string
	AccountID     string
	StoreID       string
	SessionID     string
	LoopsPending  int
	CivScore      float64
	Status        GrantStatus
	CreatedAt     time.Time
	ExpiresAt     time.Time
	UnlockTrigger *TriggerType
	UnlockedAt    *time.Time
}

// GrantKey identifies one outstanding (account, store) pair for the
// periodic settlement sweep.
type GrantKey struct {
	AccountID string
	StoreID   string
}

// =============================================================================
// LEDGER
// =============================================================================

type ChangeType string

const (
	ChangeEarn   ChangeType = "EARN"
	ChangeRedeem ChangeType = "REDEEM"
)

// LedgerEntry is an immutable, append-only record of one balance change.
// EARN amounts are stored positive; REDEEM amounts are stored negative.
//
// INVARIANT: for every account, at all times,
// LoopsBalance == sum(entry.Amount for that account).
type LedgerEntry struct {
	ID         string
	AccountID  string
	ChangeType ChangeType
	Amount     int
	Meta       string
	CreatedAt  time.Time
}

// TriggerRecord is an append-only audit row written once per successful
// grant unlock. Never updated.
type TriggerRecord struct {
	ID          string
	GrantID     string
	Trigger     TriggerType
	TriggerData string
	CreatedAt   time.Time
}

// Purchase is a confirmed point-of-sale transaction. Used for direct
// Loop grants, amount estimation, and the repeat-purchase trigger.
type Purchase struct {
	ID          string
	AccountID   string
	StoreID     string
	AmountCents int64
	LoopsEarned int
	CreatedAt   time.Time
}

// =============================================================================
// GIFT CARDS
// =============================================================================

type CardStatus string

const (
	CardActive  CardStatus = "active"
	CardUsed    CardStatus = "used"
	CardExpired CardStatus = "expired"
)

type CardType string

const (
	CardDigital  CardType = "digital"
	CardPhysical CardType = "physical"
)

// GiftCard is a redeemable-value instrument funded by debiting Loop
// balance. Digital cards are issued at creation; physical cards require
// a store-side issuance step before they are usable at checkout.
type GiftCard struct {
	Code           string
	AccountID      string
	StoreID        string // optional; empty means not store-bound
	OriginalValue  decimal.Decimal
	CurrentBalance decimal.Decimal
	LoopsUsed      int
	Status         CardStatus
	CardType       CardType
	IssuedAt       *time.Time
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

// Issued reports whether the card is usable at point of sale.
// Digital cards are always issued; physical cards only after Issue.
func (g *GiftCard) Issued() bool {
	return g.IssuedAt != nil
}

type CardEventType string

const (
	CardEventCreate CardEventType = "create"
	CardEventTopUp  CardEventType = "topup"
	CardEventUsage  CardEventType = "usage"
	CardEventIssue  CardEventType = "issue"
)

// GiftCardTransaction is an immutable record of one card event.
type GiftCardTransaction struct {
	ID        string
	CardCode  string
	Type      CardEventType
	Amount    decimal.Decimal
	CreatedAt time.Time
}
