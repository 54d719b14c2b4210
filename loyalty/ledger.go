/*
ledger.go - Balance/ledger invariant maintainer

PURPOSE:
  The two primitive balance operations every other component must
  route through. Each pairs the balance mutation with exactly one
  ledger entry inside one storage transaction, keeping the cached
  balance equal to the ledger sum at all times.

CRITICAL INVARIANTS:
  1. LoopsBalance == sum(ledger amounts) for every account, always
  2. EARN entries are stored positive, REDEEM entries negative
  3. TotalLoopsEarned only increases, and only on confirmed credits
  4. No component writes LoopsBalance without a paired ledger append

CORRECTIONS:
  The ledger is append-only. A mistake is corrected by a compensating
  entry, never by editing history.
*/
package loyalty

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Ledger exposes the atomic credit/debit primitives.
type Ledger struct {
	store TxStorage
	now   func() time.Time
}

// NewLedger creates a ledger over the given storage.
func NewLedger(store TxStorage) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// SetClock overrides the wall clock, for tests.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// Credit adds amount to the account balance and appends the matching
// EARN entry in the same transaction. bumpLifetime marks the credit as
// confirmed earnings counted toward tier computation.
func (l *Ledger) Credit(ctx context.Context, accountID string, amount int, meta string, bumpLifetime bool) error {
	if amount <= 0 {
		return fmt.Errorf("%w: credit amount must be positive, got %d", ErrInvalidInput, amount)
	}
	return l.store.WithTx(ctx, func(s Storage) error {
		return l.creditIn(ctx, s, accountID, amount, meta, bumpLifetime)
	})
}

// creditIn is Credit's body for callers that already hold a transaction.
func (l *Ledger) creditIn(ctx context.Context, s Storage, accountID string, amount int, meta string, bumpLifetime bool) error {
	acct, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if acct == nil {
		return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}

	if err := s.CreditBalance(ctx, accountID, amount, bumpLifetime); err != nil {
		return err
	}
	return s.AppendEntry(ctx, LedgerEntry{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		ChangeType: ChangeEarn,
		Amount:     amount,
		Meta:       meta,
		CreatedAt:  l.now().UTC(),
	})
}

// Debit subtracts amount from the account balance and appends the
// matching REDEEM entry (stored negative) in the same transaction.
// Fails with ErrInsufficientBalance when the balance does not cover
// the amount; nothing is persisted in that case.
func (l *Ledger) Debit(ctx context.Context, accountID string, amount int, meta string) error {
	if amount <= 0 {
		return fmt.Errorf("%w: debit amount must be positive, got %d", ErrInvalidInput, amount)
	}
	return l.store.WithTx(ctx, func(s Storage) error {
		return l.debitIn(ctx, s, accountID, amount, meta)
	})
}

func (l *Ledger) debitIn(ctx context.Context, s Storage, accountID string, amount int, meta string) error {
	ok, err := s.DebitBalance(ctx, accountID, amount)
	if err != nil {
		return err
	}
	if !ok {
		acct, err := s.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if acct == nil {
			return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
		}
		return &InsufficientBalanceError{
			AccountID: accountID,
			Available: acct.LoopsBalance,
			Requested: amount,
		}
	}

	return s.AppendEntry(ctx, LedgerEntry{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		ChangeType: ChangeRedeem,
		Amount:     -amount,
		Meta:       meta,
		CreatedAt:  l.now().UTC(),
	})
}

// BalanceReport is the result of reconciling the cached balance
// against the ledger.
type BalanceReport struct {
	AccountID    string
	LoopsBalance int
	LedgerSum    int
	Consistent   bool
}

// VerifyBalance replays the account's ledger and compares it to the
// cached projection. Operational/debug surface for the core invariant.
func (l *Ledger) VerifyBalance(ctx context.Context, accountID string) (*BalanceReport, error) {
	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}

	sum, err := l.store.LedgerSum(ctx, accountID)
	if err != nil {
		return nil, err
	}

	return &BalanceReport{
		AccountID:    accountID,
		LoopsBalance: acct.LoopsBalance,
		LedgerSum:    sum,
		Consistent:   acct.LoopsBalance == sum,
	}, nil
}
