/*
errors.go - Centralized error kinds for the loyalty engine

PURPOSE:
  All error kinds in one place for consistency and discoverability.
  Callers match with errors.Is; the HTTP layer maps each kind to a
  status code without inspecting messages.

ERROR KINDS:
  ErrNotFound            session/grant/gift-card/account absent or not
                         owned by the caller (collapsed into one kind so
                         lookups never leak existence information)
  ErrInvalidInput        malformed coordinates, non-positive amounts,
                         unsupported card type
  ErrBlocked             blacklisted account checking in at a store
  ErrInsufficientBalance debit exceeds current balance
  ErrAlreadyFinalized    terminal-state row targeted by a live transition
  ErrExpired             session/grant/gift card past its deadline at use

PROPAGATION POLICY:
  Validation errors reject synchronously. Settlement-trigger evaluation
  failures are caught, logged, and swallowed (the periodic sweep is the
  retry mechanism). Ledger/balance failures roll back the whole unit of
  work. Storage internals are never surfaced to users.
*/
package loyalty

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a row is absent or not owned by the
	// caller. The two cases are deliberately indistinguishable.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned for malformed or out-of-range input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrBlocked is returned when a blacklisted account attempts a
	// check-in at the blocking store.
	ErrBlocked = errors.New("account blocked at this store")

	// ErrInsufficientBalance is returned when a debit exceeds the
	// current balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrAlreadyFinalized is returned when a transition targets a row
	// that already reached a terminal state.
	ErrAlreadyFinalized = errors.New("already finalized")

	// ErrExpired is returned when a session, grant, or gift card is
	// past its deadline at time of use.
	ErrExpired = errors.New("expired")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError details a balance shortage.
type InsufficientBalanceError struct {
	AccountID string
	Available int
	Requested int
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for account %s: have %d, need %d",
		e.AccountID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// BlockedError details a blacklist rejection.
type BlockedError struct {
	AccountID string
	StoreID   string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("account %s is blocked at store %s", e.AccountID, e.StoreID)
}

func (e *BlockedError) Unwrap() error { return ErrBlocked }
