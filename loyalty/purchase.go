/*
purchase.go - Confirmed transactions and redemptions

PURPOSE:
  The two request-path balance flows that do NOT go through deferred
  settlement: a confirmed point-of-sale purchase credits Loops
  immediately, and a redemption spends them. Both route through the
  ledger primitives and both schedule a fire-and-forget settlement
  check, since either event may be the evidence an outstanding
  provisional grant was waiting for.
*/
package loyalty

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Purchases posts confirmed transactions and redemptions.
type Purchases struct {
	store      TxStorage
	ledger     *Ledger
	settlement *Settlement
	notifier   Notifier
	now        func() time.Time
}

// NewPurchases wires the purchase flows. notifier may be nil.
func NewPurchases(store TxStorage, ledger *Ledger, settlement *Settlement, notifier Notifier) *Purchases {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Purchases{store: store, ledger: ledger, settlement: settlement, notifier: notifier, now: time.Now}
}

// SetClock overrides the wall clock, for tests.
func (p *Purchases) SetClock(now func() time.Time) { p.now = now }

// Post records a confirmed sale: computes the Loop grant from the
// shared reward formula, credits balance and lifetime total with a
// tagged EARN entry, and persists the purchase row, atomically.
func (p *Purchases) Post(ctx context.Context, accountID, storeID string, amountCents int64) (*Purchase, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidInput, amountCents)
	}

	acct, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	st, err := p.store.GetStore(ctx, storeID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("store %s: %w", storeID, ErrNotFound)
	}

	loops := LoopsForPurchase(amountCents, acct.Plan, acct.TotalLoopsEarned)
	purchase := Purchase{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		StoreID:     storeID,
		AmountCents: amountCents,
		LoopsEarned: loops,
		CreatedAt:   p.now().UTC(),
	}

	err = p.store.WithTx(ctx, func(s Storage) error {
		if err := s.RecordPurchase(ctx, purchase); err != nil {
			return err
		}
		return p.ledger.creditIn(ctx, s, accountID, loops, "store:"+storeID, true)
	})
	if err != nil {
		return nil, err
	}

	p.notifier.TransactionPosted(accountID, storeID, loops)
	p.settlement.CheckAsync(accountID, storeID)

	return &purchase, nil
}

// Redeem spends Loops at a store. The REDEEM entry's metadata
// references the store so the redemption trigger can find it.
func (p *Purchases) Redeem(ctx context.Context, accountID, storeID string, loops int) error {
	if loops <= 0 {
		return fmt.Errorf("%w: loops must be positive, got %d", ErrInvalidInput, loops)
	}

	st, err := p.store.GetStore(ctx, storeID)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("store %s: %w", storeID, ErrNotFound)
	}

	if err := p.ledger.Debit(ctx, accountID, loops, "redemption store:"+storeID); err != nil {
		return err
	}

	p.notifier.RedemptionPosted(accountID, storeID, loops)
	p.settlement.CheckAsync(accountID, storeID)

	return nil
}
