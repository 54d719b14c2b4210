/*
grants.go - Pending grant ledger (deferred settlement core)

PURPOSE:
  Owns the lifecycle of provisional Loop grants: creation at check-in,
  the one-shot confidence adjustment at session completion, and the
  expiry sweep. The unlock path belongs to settlement.go, but the
  terminal-transition guard lives in the storage contract both paths
  share: a terminal write only succeeds while the row is still pending,
  so an unlock racing an expiry produces exactly one winner.

LIFECYCLE:
  pending --civ adjustment--> pending  (at most once, shrinks value)
  pending --unlock----------> unlocked (settlement.go, credits balance)
  pending --expiry sweep----> expired  (no balance effect)
*/
package loyalty

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// GrantTTL is how long a provisional grant waits for settlement
// evidence before expiring worthless.
const GrantTTL = 7 * 24 * time.Hour

// Confidence bands for the post-completion adjustment. The grant keeps
// a fraction of its provisional value according to the session score.
// The neutral 0.5 baseline sits inside the mid band: a completion with
// no location evidence keeps 70%. The low band is reserved for scores
// below neutral, should the scorer ever subtract.
const (
	civBandHigh = 0.8
	civBandMid  = 0.5

	civKeepHigh = 1.0
	civKeepMid  = 0.7
	civKeepLow  = 0.3
)

// Grants manages provisional grant state.
type Grants struct {
	store TxStorage
	now   func() time.Time
}

// NewGrants creates the grant manager.
func NewGrants(store TxStorage) *Grants {
	return &Grants{store: store, now: time.Now}
}

// SetClock overrides the wall clock, for tests.
func (g *Grants) SetClock(now func() time.Time) { g.now = now }

// NewPendingGrant sizes and constructs a provisional grant for a
// session. The value comes from the same reward formula as confirmed
// purchases; the confidence score starts at the neutral pre-scoring
// default.
func NewPendingGrant(accountID, storeID, sessionID string, estimatedCents int64, plan Plan, totalLoopsEarned int, now time.Time) PendingGrant {
	return PendingGrant{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		StoreID:      storeID,
		SessionID:    sessionID,
		LoopsPending: LoopsForPurchase(estimatedCents, plan, totalLoopsEarned),
		CivScore:     civBaseline,
		Status:       GrantPending,
		CreatedAt:    now.UTC(),
		ExpiresAt:    now.UTC().Add(GrantTTL),
	}
}

// AdjustedLoops rescales a provisional value by the confidence band,
// floored to an integer.
func AdjustedLoops(loops int, civScore float64) int {
	keep := civKeepLow
	switch {
	case civScore >= civBandHigh:
		keep = civKeepHigh
	case civScore >= civBandMid:
		keep = civKeepMid
	}
	return int(math.Floor(float64(loops) * keep))
}

// ApplyCivAdjustment rescales the session's grant by the confidence
// band. A no-op when no grant is still pending for the session: the
// adjustment happens at most once, and only before a terminal
// transition.
func (g *Grants) ApplyCivAdjustment(ctx context.Context, sessionID string, civScore float64) error {
	return g.applyAdjustmentIn(ctx, g.store, sessionID, civScore)
}

func (g *Grants) applyAdjustmentIn(ctx context.Context, s Storage, sessionID string, civScore float64) error {
	grant, err := s.GrantBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	if grant == nil || grant.Status != GrantPending {
		return nil
	}

	adjusted := AdjustedLoops(grant.LoopsPending, civScore)
	// Conditional on the row still being pending; losing the race to a
	// terminal transition makes this a no-op.
	_, err = s.AdjustGrant(ctx, sessionID, adjusted, civScore)
	return err
}

// ExpireDue transitions every pending grant past its deadline to
// expired, with no balance effect. Runs on every periodic sweep and
// once at process startup.
func (g *Grants) ExpireDue(ctx context.Context) (int, error) {
	n, err := g.store.ExpireGrants(ctx, g.now())
	if err != nil {
		return 0, fmt.Errorf("grant expiry sweep: %w", err)
	}
	return n, nil
}

// ListPendingByAccount returns the account's live pending grants, for
// the pending-points API surface.
func (g *Grants) ListPendingByAccount(ctx context.Context, accountID string) ([]PendingGrant, error) {
	return g.store.ListPendingByAccount(ctx, accountID, g.now())
}
