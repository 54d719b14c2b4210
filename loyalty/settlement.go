/*
settlement.go - Settlement trigger detector

PURPOSE:
  Scans outstanding provisional grants for behavioral evidence that
  the original visit was genuine, and promotes matching grants into
  real balance. Runs synchronously (fire-and-forget) after check-ins
  and redemption events, and periodically over every outstanding
  (account, store) pair; the periodic sweep doubles as the retry
  mechanism for missed synchronous checks.

TRIGGERS (fixed priority, first match wins; 7-day lookback each):
  1. return_visit            another session at the same store
  2. reward_redemption       a REDEEM entry referencing the store
  3. another_purchase        a confirmed sale at the same store
  4. related_category_visit  a session at a different store in the
                             same category

PROMOTION:
  One unit of work: the conditional unlock (guarded on the grant still
  being pending), the trigger audit record, the balance credit with
  lifetime bump, and the tagged EARN ledger entry. Losing the unlock
  race to the expiry sweep rolls the whole promotion back to a no-op.
*/
package loyalty

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// TriggerLookback bounds how long after grant creation evidence counts.
const TriggerLookback = 7 * 24 * time.Hour

// Settlement is the trigger detector.
type Settlement struct {
	store    TxStorage
	ledger   *Ledger
	notifier Notifier
	now      func() time.Time
}

// NewSettlement creates the detector. notifier may be nil.
func NewSettlement(store TxStorage, ledger *Ledger, notifier Notifier) *Settlement {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Settlement{store: store, ledger: ledger, notifier: notifier, now: time.Now}
}

// SetClock overrides the wall clock, for tests.
func (d *Settlement) SetClock(now func() time.Time) { d.now = now }

// Check evaluates every live pending grant for the (account, store)
// pair and promotes each at most once via the first matching trigger.
// Returns the number of grants unlocked by this call.
func (d *Settlement) Check(ctx context.Context, accountID, storeID string) (int, error) {
	grants, err := d.store.PendingGrants(ctx, accountID, storeID, d.now())
	if err != nil {
		return 0, fmt.Errorf("load pending grants for %s/%s: %w", accountID, storeID, err)
	}

	unlocked := 0
	for _, grant := range grants {
		trigger, data, err := d.firstMatch(ctx, &grant)
		if err != nil {
			return unlocked, err
		}
		if trigger == "" {
			continue
		}
		won, err := d.promote(ctx, &grant, trigger, data)
		if err != nil {
			return unlocked, err
		}
		if won {
			unlocked++
		}
	}
	return unlocked, nil
}

// CheckAsync runs Check in the background. Failures are logged and
// swallowed; they never surface to the original caller, and the
// periodic sweep retries naturally.
func (d *Settlement) CheckAsync(accountID, storeID string) {
	go func() {
		if _, err := d.Check(context.Background(), accountID, storeID); err != nil {
			log.Printf("[Settlement] async check %s/%s failed: %v", accountID, storeID, err)
		}
	}()
}

// Sweep re-checks every distinct outstanding (account, store) pair and
// returns the total number of grants unlocked. A failing pair is
// logged and skipped; the rest of the sweep proceeds.
func (d *Settlement) Sweep(ctx context.Context) (int, error) {
	pairs, err := d.store.OutstandingPairs(ctx, d.now())
	if err != nil {
		return 0, fmt.Errorf("settlement sweep: %w", err)
	}

	unlocked := 0
	for _, p := range pairs {
		n, err := d.Check(ctx, p.AccountID, p.StoreID)
		unlocked += n
		if err != nil {
			log.Printf("[Settlement] sweep check %s/%s failed: %v", p.AccountID, p.StoreID, err)
		}
	}
	return unlocked, nil
}

// firstMatch evaluates the triggers in fixed priority order, stopping
// at the first that matches. Returns "" when none match.
func (d *Settlement) firstMatch(ctx context.Context, grant *PendingGrant) (TriggerType, string, error) {
	after := grant.CreatedAt
	until := after.Add(TriggerLookback)
	if now := d.now().UTC(); now.Before(until) {
		until = now
	}

	// 1. Return visit: another session at the origin store, excluding
	// the grant's own.
	n, err := d.store.CountSessionsAfter(ctx, grant.AccountID, grant.StoreID, after, until, grant.SessionID)
	if err != nil {
		return "", "", err
	}
	if n > 0 {
		return TriggerReturnVisit, fmt.Sprintf("sessions=%d", n), nil
	}

	// 2. Reward redemption whose metadata references the origin store.
	n, err = d.store.CountRedemptionsAfter(ctx, grant.AccountID, "store:"+grant.StoreID, after, until)
	if err != nil {
		return "", "", err
	}
	if n > 0 {
		return TriggerRedemption, fmt.Sprintf("redemptions=%d", n), nil
	}

	// 3. Another confirmed purchase at the origin store. Provisional
	// grants have no associated purchase, so nothing is excluded.
	n, err = d.store.CountPurchasesAfter(ctx, grant.AccountID, grant.StoreID, after, until, "")
	if err != nil {
		return "", "", err
	}
	if n > 0 {
		return TriggerRepeatPurchase, fmt.Sprintf("purchases=%d", n), nil
	}

	// 4. Related-category visit at a different store.
	origin, err := d.store.GetStore(ctx, grant.StoreID)
	if err != nil {
		return "", "", err
	}
	if origin != nil && origin.Category != "" {
		n, err = d.store.CountCategorySessionsAfter(ctx, grant.AccountID, origin.Category, grant.StoreID, after, until)
		if err != nil {
			return "", "", err
		}
		if n > 0 {
			return TriggerRelatedCategory, fmt.Sprintf("category=%s sessions=%d", origin.Category, n), nil
		}
	}

	return "", "", nil
}

// promote moves a grant's value into real balance. The conditional
// unlock and the credit commit or roll back together, so a lost race
// cannot double-credit. Returns whether this call won the transition.
func (d *Settlement) promote(ctx context.Context, grant *PendingGrant, trigger TriggerType, data string) (bool, error) {
	now := d.now().UTC()
	won := false

	err := d.store.WithTx(ctx, func(s Storage) error {
		ok, err := s.UnlockGrant(ctx, grant.ID, trigger, now)
		if err != nil {
			return err
		}
		if !ok {
			// Already unlocked or expired by a concurrent writer.
			return nil
		}
		won = true

		if err := s.AppendTriggerRecord(ctx, TriggerRecord{
			ID:          uuid.NewString(),
			GrantID:     grant.ID,
			Trigger:     trigger,
			TriggerData: data,
			CreatedAt:   now,
		}); err != nil {
			return err
		}

		meta := fmt.Sprintf("settlement:%s store:%s", trigger, grant.StoreID)
		return d.ledger.creditIn(ctx, s, grant.AccountID, grant.LoopsPending, meta, true)
	})
	if err != nil {
		return false, fmt.Errorf("promote grant %s: %w", grant.ID, err)
	}

	if won {
		d.notifier.GrantUnlocked(grant.AccountID, grant.StoreID, grant.LoopsPending, trigger)
	}
	return won, nil
}
