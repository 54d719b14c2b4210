/*
store.go - Persistence interfaces for the loyalty engine

PURPOSE:
  Defines the boundary between domain logic and the database. The
  interfaces are shaped around the engine's invariants rather than
  around tables:

  - The ledger, location samples, trigger records, and gift card
    transactions are APPEND-ONLY: no update or delete methods exist.
  - Every state-machine transition is a CONDITIONAL write whose
    affected-row result (the returned bool) communicates whether the
    row was still in the expected state. A false result means a
    concurrent writer won the race and the caller's transition is a
    no-op, never a double-credit or lost update.

ATOMICITY:
  TxStorage.WithTx runs a function against a Storage bound to one
  database transaction. Every balance mutation is paired with its
  ledger append inside such a scope; grant promotion bundles the
  conditional unlock, the trigger record, the balance credit, and the
  EARN entry into one unit of work.

IMPLEMENTATIONS:
  - store/sqlite: production SQLite (use ":memory:" in tests)
*/
package loyalty

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PER-CONCERN INTERFACES
// =============================================================================

// AccountStore persists accounts and their cached balance projection.
type AccountStore interface {
	// GetAccount returns nil, nil when the account does not exist.
	GetAccount(ctx context.Context, id string) (*Account, error)
	GetAccountByPhone(ctx context.Context, phone string) (*Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	SaveAccount(ctx context.Context, a Account) error

	// CreditBalance adds amount to the balance and, when bumpLifetime
	// is set, to the lifetime total. Callers must pair it with a
	// ledger append in the same transaction.
	CreditBalance(ctx context.Context, id string, amount int, bumpLifetime bool) error

	// DebitBalance subtracts amount, conditioned on the balance
	// covering it. Returns false when the condition failed.
	DebitBalance(ctx context.Context, id string, amount int) (bool, error)
}

// DirectoryStore persists retail stores and their blacklists.
type DirectoryStore interface {
	GetStore(ctx context.Context, id string) (*Store, error)
	ListStores(ctx context.Context) ([]Store, error)
	SaveStore(ctx context.Context, s Store) error

	IsBlacklisted(ctx context.Context, storeID, accountID string) (bool, error)
	AddToBlacklist(ctx context.Context, storeID, accountID string) error
}

// SessionStore persists check-in sessions and their location trails.
type SessionStore interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (*Session, error)

	// ActiveSession returns the unexpired active session for the pair,
	// or nil, nil when none exists.
	ActiveSession(ctx context.Context, accountID, storeID string, now time.Time) (*Session, error)

	// CompleteSession marks the session completed, conditioned on it
	// still being active and unexpired at write time.
	CompleteSession(ctx context.Context, id string, now time.Time) (bool, error)

	// ExpireSessions lazily marks active sessions whose deadline has
	// passed. Returns the number of rows transitioned.
	ExpireSessions(ctx context.Context, now time.Time) (int, error)

	// AppendSample appends to the session's trail. Ordering (Seq) is
	// assigned by the store; samples are never mutated or deleted.
	AppendSample(ctx context.Context, sample LocationSample) error
	Samples(ctx context.Context, sessionID string) ([]LocationSample, error)

	// CountSessionsAfter counts sessions for the pair created in
	// (after, until], excluding one session ID. Return-visit evidence.
	CountSessionsAfter(ctx context.Context, accountID, storeID string, after, until time.Time, excludeSessionID string) (int, error)

	// CountCategorySessionsAfter counts the account's sessions at
	// other stores sharing a category. Related-category evidence.
	CountCategorySessionsAfter(ctx context.Context, accountID, category, excludeStoreID string, after, until time.Time) (int, error)
}

// GrantStore persists pending grants. Terminal transitions are
// conditional on the row still being pending.
type GrantStore interface {
	CreateGrant(ctx context.Context, g PendingGrant) error
	GetGrant(ctx context.Context, id string) (*PendingGrant, error)
	GrantBySession(ctx context.Context, sessionID string) (*PendingGrant, error)

	// PendingGrants returns the pair's grants that are still pending
	// and not yet past their deadline.
	PendingGrants(ctx context.Context, accountID, storeID string, now time.Time) ([]PendingGrant, error)

	// ListPendingByAccount returns all live pending grants for an account.
	ListPendingByAccount(ctx context.Context, accountID string, now time.Time) ([]PendingGrant, error)

	// AdjustGrant applies the confidence adjustment, conditioned on
	// the grant still being pending.
	AdjustGrant(ctx context.Context, sessionID string, loopsPending int, civScore float64) (bool, error)

	// UnlockGrant performs the terminal unlock transition, conditioned
	// on the grant still being pending.
	UnlockGrant(ctx context.Context, id string, trigger TriggerType, now time.Time) (bool, error)

	// ExpireGrants transitions every due pending grant to expired.
	// No balance effect. Returns the number of rows transitioned.
	ExpireGrants(ctx context.Context, now time.Time) (int, error)

	// OutstandingPairs returns the distinct (account, store) pairs
	// with live pending grants, for the periodic sweep.
	OutstandingPairs(ctx context.Context, now time.Time) ([]GrantKey, error)
}

// LedgerStore is the append-only transaction log.
// No Update, no Delete. Ever.
type LedgerStore interface {
	AppendEntry(ctx context.Context, e LedgerEntry) error
	Entries(ctx context.Context, accountID string) ([]LedgerEntry, error)

	// LedgerSum replays the ledger for one account. The balance
	// projection must always equal this sum.
	LedgerSum(ctx context.Context, accountID string) (int, error)

	// CountRedemptionsAfter counts REDEEM entries in (after, until]
	// whose meta references the given fragment. Redemption evidence.
	CountRedemptionsAfter(ctx context.Context, accountID, metaFragment string, after, until time.Time) (int, error)
}

// TriggerStore is the append-only settlement audit log.
type TriggerStore interface {
	AppendTriggerRecord(ctx context.Context, r TriggerRecord) error
	TriggerRecords(ctx context.Context, grantID string) ([]TriggerRecord, error)
}

// PurchaseStore persists confirmed point-of-sale transactions.
type PurchaseStore interface {
	RecordPurchase(ctx context.Context, p Purchase) error

	// CountPurchasesAfter counts the account's purchases at the store
	// in (after, until], excluding one purchase ID.
	CountPurchasesAfter(ctx context.Context, accountID, storeID string, after, until time.Time, excludePurchaseID string) (int, error)

	// AverageAmountCents returns the account's average purchase amount
	// at the store; ok is false when no history exists.
	AverageAmountCents(ctx context.Context, accountID, storeID string) (int64, bool, error)
	StoreAverageAmountCents(ctx context.Context, storeID string) (int64, bool, error)
}

// GiftCardStore persists gift cards. Balance-affecting writes are
// conditional; the transaction log is append-only.
type GiftCardStore interface {
	CreateGiftCard(ctx context.Context, g GiftCard) error
	GetGiftCard(ctx context.Context, code string) (*GiftCard, error)
	ListGiftCards(ctx context.Context, accountID string) ([]GiftCard, error)

	// DebitGiftCard reduces the card balance, conditioned on the card
	// being active with sufficient balance. Marks the card used when
	// the balance reaches zero.
	DebitGiftCard(ctx context.Context, code string, amount decimal.Decimal) (bool, error)

	// TopUpGiftCard adds value and extends the expiry, conditioned on
	// the card being active.
	TopUpGiftCard(ctx context.Context, code string, amount decimal.Decimal, loops int, newExpiry time.Time) (bool, error)

	// IssueGiftCard sets issuedAt on a physical card, conditioned on
	// it not being issued yet.
	IssueGiftCard(ctx context.Context, code string, now time.Time) (bool, error)

	// ExpireGiftCard lazily marks an active card expired.
	ExpireGiftCard(ctx context.Context, code string) error

	AppendCardTransaction(ctx context.Context, t GiftCardTransaction) error
	CardTransactions(ctx context.Context, code string) ([]GiftCardTransaction, error)
}

// =============================================================================
// COMPOSITE STORAGE
// =============================================================================

// Storage is the full persistence surface consumed by the engine.
type Storage interface {
	AccountStore
	DirectoryStore
	SessionStore
	GrantStore
	LedgerStore
	TriggerStore
	PurchaseStore
	GiftCardStore
}

// TxStorage adds transactional scope. If fn returns an error the
// transaction rolls back; otherwise it commits. No partial
// ledger-without-balance or balance-without-ledger state is ever
// persisted.
type TxStorage interface {
	Storage

	WithTx(ctx context.Context, fn func(Storage) error) error
}
