/*
giftcard.go - Gift card lifecycle

PURPOSE:
  A secondary redeemable-value state machine funded from Loop balance.
  Creation and top-up consume Loops through the ledger primitives;
  usage spends the card's dollar balance at point of sale.

STATE MACHINE:
  active --usage--> active|used   (used once the balance hits zero)
  active --topup--> active        (extends expiry by a fresh window)
  active --expiry-> expired       (checked lazily on read/use)

ISSUANCE:
  Digital cards are issued at creation. Physical cards start unissued
  and require a store-side Issue step before any usage; issuance has
  no balance effect, it only gates usability.

Every state-affecting event appends an immutable card transaction row.
*/
package loyalty

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	// MinBalanceForCard is the Loop balance an account must hold to
	// create a gift card.
	MinBalanceForCard = 1000

	// LoopsPerDollar is the fixed exchange rate (100 Loops = $1).
	LoopsPerDollar = 100

	// CardValidity is the expiry window granted at creation and
	// refreshed by every top-up.
	CardValidity = 90 * 24 * time.Hour
)

// GiftCards manages the card lifecycle.
type GiftCards struct {
	store      TxStorage
	ledger     *Ledger
	settlement *Settlement
	notifier   Notifier
	now        func() time.Time
}

// NewGiftCards wires the card flows. notifier may be nil.
func NewGiftCards(store TxStorage, ledger *Ledger, settlement *Settlement, notifier Notifier) *GiftCards {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &GiftCards{store: store, ledger: ledger, settlement: settlement, notifier: notifier, now: time.Now}
}

// SetClock overrides the wall clock, for tests.
func (gc *GiftCards) SetClock(now func() time.Time) { gc.now = now }

// LoopsToValue converts Loops to card dollars at the fixed rate.
func LoopsToValue(loops int) decimal.Decimal {
	return decimal.NewFromInt(int64(loops)).Div(decimal.NewFromInt(LoopsPerDollar))
}

// Create funds a new card by debiting the account's Loop balance.
// The account must hold at least MinBalanceForCard. storeID is
// optional; when set, the funding debit counts as redemption evidence
// for that store's outstanding grants.
func (gc *GiftCards) Create(ctx context.Context, accountID string, loops int, storeID string, cardType CardType) (*GiftCard, error) {
	if loops <= 0 {
		return nil, fmt.Errorf("%w: loops must be positive, got %d", ErrInvalidInput, loops)
	}
	if cardType != CardDigital && cardType != CardPhysical {
		return nil, fmt.Errorf("%w: unsupported card type %q", ErrInvalidInput, cardType)
	}

	acct, err := gc.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	if acct.LoopsBalance < MinBalanceForCard {
		return nil, &InsufficientBalanceError{
			AccountID: accountID,
			Available: acct.LoopsBalance,
			Requested: MinBalanceForCard,
		}
	}

	now := gc.now().UTC()
	value := LoopsToValue(loops)
	card := GiftCard{
		Code:           newCardCode(),
		AccountID:      accountID,
		StoreID:        storeID,
		OriginalValue:  value,
		CurrentBalance: value,
		LoopsUsed:      loops,
		Status:         CardActive,
		CardType:       cardType,
		ExpiresAt:      now.Add(CardValidity),
		CreatedAt:      now,
	}
	if cardType == CardDigital {
		card.IssuedAt = &now
	}

	meta := "gift_card:" + card.Code
	if storeID != "" {
		meta += " store:" + storeID
	}

	err = gc.store.WithTx(ctx, func(s Storage) error {
		if err := gc.ledger.debitIn(ctx, s, accountID, loops, meta); err != nil {
			return err
		}
		if err := s.CreateGiftCard(ctx, card); err != nil {
			return err
		}
		return s.AppendCardTransaction(ctx, GiftCardTransaction{
			ID:        uuid.NewString(),
			CardCode:  card.Code,
			Type:      CardEventCreate,
			Amount:    value,
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	gc.notifier.RedemptionPosted(accountID, storeID, loops)
	if storeID != "" {
		gc.settlement.CheckAsync(accountID, storeID)
	}

	return &card, nil
}

// Get returns a card, applying the lazy expiry check.
func (gc *GiftCards) Get(ctx context.Context, code string) (*GiftCard, error) {
	card, err := gc.store.GetGiftCard(ctx, code)
	if err != nil {
		return nil, err
	}
	if card == nil {
		return nil, fmt.Errorf("gift card %s: %w", code, ErrNotFound)
	}

	if card.Status == CardActive && !gc.now().Before(card.ExpiresAt) {
		if err := gc.store.ExpireGiftCard(ctx, code); err != nil {
			return nil, err
		}
		card.Status = CardExpired
	}
	return card, nil
}

// ListByAccount returns the account's cards (no lazy expiry writes;
// display surface only).
func (gc *GiftCards) ListByAccount(ctx context.Context, accountID string) ([]GiftCard, error) {
	return gc.store.ListGiftCards(ctx, accountID)
}

// Use spends part of the card balance at point of sale. The balance
// never goes negative; a card reaching zero transitions to used and
// rejects further usage.
func (gc *GiftCards) Use(ctx context.Context, code string, amount decimal.Decimal) (*GiftCard, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: usage amount must be positive", ErrInvalidInput)
	}

	card, err := gc.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	switch card.Status {
	case CardUsed:
		return nil, fmt.Errorf("gift card %s: %w", code, ErrAlreadyFinalized)
	case CardExpired:
		return nil, fmt.Errorf("gift card %s: %w", code, ErrExpired)
	}
	if !card.Issued() {
		return nil, fmt.Errorf("%w: physical card %s has not been issued", ErrInvalidInput, code)
	}

	err = gc.store.WithTx(ctx, func(s Storage) error {
		ok, err := s.DebitGiftCard(ctx, code, amount)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("gift card %s balance %s below %s: %w",
				code, card.CurrentBalance, amount, ErrInsufficientBalance)
		}
		return s.AppendCardTransaction(ctx, GiftCardTransaction{
			ID:        uuid.NewString(),
			CardCode:  code,
			Type:      CardEventUsage,
			Amount:    amount.Neg(),
			CreatedAt: gc.now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}

	return gc.store.GetGiftCard(ctx, code)
}

// TopUp adds value to an active card by debiting more Loops, and
// extends the expiry by a fresh validity window.
func (gc *GiftCards) TopUp(ctx context.Context, code string, loops int) (*GiftCard, error) {
	if loops <= 0 {
		return nil, fmt.Errorf("%w: loops must be positive, got %d", ErrInvalidInput, loops)
	}

	card, err := gc.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	switch card.Status {
	case CardUsed:
		return nil, fmt.Errorf("gift card %s: %w", code, ErrAlreadyFinalized)
	case CardExpired:
		return nil, fmt.Errorf("gift card %s: %w", code, ErrExpired)
	}

	now := gc.now().UTC()
	value := LoopsToValue(loops)

	err = gc.store.WithTx(ctx, func(s Storage) error {
		if err := gc.ledger.debitIn(ctx, s, card.AccountID, loops, "gift_card_topup:"+code); err != nil {
			return err
		}
		ok, err := s.TopUpGiftCard(ctx, code, value, loops, now.Add(CardValidity))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("gift card %s: %w", code, ErrAlreadyFinalized)
		}
		return s.AppendCardTransaction(ctx, GiftCardTransaction{
			ID:        uuid.NewString(),
			CardCode:  code,
			Type:      CardEventTopUp,
			Amount:    value,
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	return gc.store.GetGiftCard(ctx, code)
}

// Issue performs the store-side issuance of a physical card. No
// balance effect; it only makes the card usable at point of sale.
func (gc *GiftCards) Issue(ctx context.Context, code string) (*GiftCard, error) {
	card, err := gc.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	if card.CardType != CardPhysical {
		return nil, fmt.Errorf("%w: only physical cards require issuance", ErrInvalidInput)
	}
	if card.Issued() {
		return nil, fmt.Errorf("gift card %s: %w", code, ErrAlreadyFinalized)
	}

	now := gc.now().UTC()
	err = gc.store.WithTx(ctx, func(s Storage) error {
		ok, err := s.IssueGiftCard(ctx, code, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("gift card %s: %w", code, ErrAlreadyFinalized)
		}
		return s.AppendCardTransaction(ctx, GiftCardTransaction{
			ID:        uuid.NewString(),
			CardCode:  code,
			Type:      CardEventIssue,
			Amount:    decimal.Zero,
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	return gc.store.GetGiftCard(ctx, code)
}

// newCardCode generates a scannable card code.
func newCardCode() string {
	return "GC-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:16]
}
