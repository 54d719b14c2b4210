/*
reward.go - Loop reward calculation and amount estimation

PURPOSE:
  The single reward formula used both for confirmed point-of-sale
  transactions and for sizing provisional grants at check-in time.
  The two call sites must never diverge in rounding or thresholds,
  so they share this function.

FORMULA:
  base = floor(amountCents / 100) + 10      one Loop per whole dollar,
                                            plus a fixed visit bonus
  loops = round(base * plan * tier)         round-half-up

AMOUNT ESTIMATION:
  Provisional grants are sized before any sale exists. Preference
  order: the account's historical average at that store, then the
  store-wide average, then a $10 default.
*/
package loyalty

import (
	"context"
	"math"
)

// VisitBonusLoops is the fixed per-visit bonus added before multipliers.
const VisitBonusLoops = 10

// DefaultEstimateCents is the fallback purchase estimate when no
// history exists for the account or the store.
const DefaultEstimateCents int64 = 1000

// LoopsForPurchase maps a monetary amount and the account's plan/tier
// standing to an integer Loop grant. Pure; negative amounts earn the
// visit bonus only.
func LoopsForPurchase(amountCents int64, plan Plan, totalLoopsEarned int) int {
	base := amountCents / 100
	if base < 0 {
		base = 0
	}
	v := float64(base+VisitBonusLoops) * plan.Multiplier() * TierFor(totalLoopsEarned).Multiplier()
	return int(math.Floor(v + 0.5))
}

// EstimateAmountCents sizes a provisional grant before any sale has
// occurred: account-at-store average, then store-wide average, then
// the $10 default.
func EstimateAmountCents(ctx context.Context, s PurchaseStore, accountID, storeID string) (int64, error) {
	avg, ok, err := s.AverageAmountCents(ctx, accountID, storeID)
	if err != nil {
		return 0, err
	}
	if ok {
		return avg, nil
	}

	avg, ok, err = s.StoreAverageAmountCents(ctx, storeID)
	if err != nil {
		return 0, err
	}
	if ok {
		return avg, nil
	}

	return DefaultEstimateCents, nil
}
