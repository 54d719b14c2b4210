/*
session.go - Check-in session manager

PURPOSE:
  State machine for a user's physical presence window at a store.
  Owns location-sample ingestion and drives the rest of the deferred
  settlement flow: a check-in creates the session AND its provisional
  grant in one transactional scope, and session completion feeds the
  confidence score into the grant.

STATE MACHINE:
  active --Complete--------> completed  (scores the trail, one-shot)
  active --deadline passes-> expired    (observed lazily, never by timer)

IDEMPOTENCY:
  Re-checking in while an unexpired active session exists for the same
  (account, store) pair returns that session instead of creating a new
  one. No second grant is created.

SEE ALSO:
  - civ.go: the scorer applied on completion
  - grants.go: the provisional grant created per session
  - settlement.go: the fire-and-forget check scheduled after check-in
*/
package loyalty

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// SessionTTL is the presence window deadline measured from check-in.
const SessionTTL = 30 * time.Minute

// LocationHint is an optional initial sample supplied with a check-in.
type LocationHint struct {
	Latitude  float64
	Longitude float64
	Accuracy  *float64
}

// Sessions manages check-in sessions.
type Sessions struct {
	store TxStorage
	now   func() time.Time

	// afterCheckIn is invoked after every successful check-in, created
	// or resumed, for the fire-and-forget settlement check. Never
	// blocks the caller.
	afterCheckIn func(accountID, storeID string)
}

// NewSessions creates the session manager. afterCheckIn may be nil.
func NewSessions(store TxStorage, afterCheckIn func(accountID, storeID string)) *Sessions {
	return &Sessions{store: store, now: time.Now, afterCheckIn: afterCheckIn}
}

// SetClock overrides the wall clock, for tests.
func (m *Sessions) SetClock(now func() time.Time) { m.now = now }

// CheckIn starts (or resumes) a presence window at a store.
//
// Rejects blacklisted accounts with ErrBlocked before any state is
// written. Returns the existing unexpired active session for the pair
// when present (created=false); otherwise creates a session with a
// 30-minute deadline, records the optional initial sample, and creates
// the session's provisional grant, all in one transaction.
func (m *Sessions) CheckIn(ctx context.Context, accountID, storeID string, hint *LocationHint) (*Session, bool, error) {
	acct, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, false, err
	}
	if acct == nil {
		return nil, false, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}

	st, err := m.store.GetStore(ctx, storeID)
	if err != nil {
		return nil, false, err
	}
	if st == nil {
		return nil, false, fmt.Errorf("store %s: %w", storeID, ErrNotFound)
	}

	blocked, err := m.store.IsBlacklisted(ctx, storeID, accountID)
	if err != nil {
		return nil, false, err
	}
	if blocked {
		return nil, false, &BlockedError{AccountID: accountID, StoreID: storeID}
	}

	now := m.now().UTC()

	existing, err := m.store.ActiveSession(ctx, accountID, storeID, now)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		// A resumed check-in is still a check-in; the settlement
		// check runs for it as well.
		if m.afterCheckIn != nil {
			m.afterCheckIn(accountID, storeID)
		}
		return existing, false, nil
	}

	if hint != nil && !finiteCoords(hint.Latitude, hint.Longitude) {
		return nil, false, fmt.Errorf("%w: non-finite coordinates", ErrInvalidInput)
	}

	estimate, err := EstimateAmountCents(ctx, m.store, accountID, storeID)
	if err != nil {
		return nil, false, err
	}

	session := Session{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		StoreID:     storeID,
		Status:      SessionActive,
		CheckedInAt: now,
		ExpiresAt:   now.Add(SessionTTL),
	}
	grant := NewPendingGrant(accountID, storeID, session.ID, estimate, acct.Plan, acct.TotalLoopsEarned, now)

	err = m.store.WithTx(ctx, func(s Storage) error {
		if err := s.CreateSession(ctx, session); err != nil {
			return err
		}
		if hint != nil {
			sample := LocationSample{
				ID:         uuid.NewString(),
				SessionID:  session.ID,
				Latitude:   hint.Latitude,
				Longitude:  hint.Longitude,
				Accuracy:   hint.Accuracy,
				RecordedAt: now,
			}
			if err := s.AppendSample(ctx, sample); err != nil {
				return err
			}
		}
		return s.CreateGrant(ctx, grant)
	})
	if err != nil {
		return nil, false, err
	}

	if m.afterCheckIn != nil {
		m.afterCheckIn(accountID, storeID)
	}

	return &session, true, nil
}

// RecordLocation appends a sample to the caller's active session.
// Missing, foreign, and finalized sessions are all ErrNotFound; a
// session past its deadline is ErrExpired.
func (m *Sessions) RecordLocation(ctx context.Context, sessionID, accountID string, lat, lon float64, accuracy *float64) error {
	if !finiteCoords(lat, lon) {
		return fmt.Errorf("%w: non-finite coordinates", ErrInvalidInput)
	}

	sess, err := m.ownedActiveSession(ctx, sessionID, accountID)
	if err != nil {
		return err
	}

	return m.store.AppendSample(ctx, LocationSample{
		ID:         uuid.NewString(),
		SessionID:  sess.ID,
		Latitude:   lat,
		Longitude:  lon,
		Accuracy:   accuracy,
		RecordedAt: m.now().UTC(),
	})
}

// Complete finalizes the caller's active session: scores the location
// trail against the store, shrinks the session's grant by the
// confidence band, and marks the session completed. Returns the score.
func (m *Sessions) Complete(ctx context.Context, sessionID, accountID string) (float64, error) {
	sess, err := m.ownedActiveSession(ctx, sessionID, accountID)
	if err != nil {
		return 0, err
	}

	samples, err := m.store.Samples(ctx, sess.ID)
	if err != nil {
		return 0, err
	}
	st, err := m.store.GetStore(ctx, sess.StoreID)
	if err != nil {
		return 0, err
	}

	score := ScoreSession(samples, st)
	grants := &Grants{store: m.store, now: m.now}

	now := m.now().UTC()
	err = m.store.WithTx(ctx, func(s Storage) error {
		ok, err := s.CompleteSession(ctx, sess.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			// A concurrent completion or lazy expiry won.
			return fmt.Errorf("session %s: %w", sess.ID, ErrAlreadyFinalized)
		}
		return grants.applyAdjustmentIn(ctx, s, sess.ID, score)
	})
	if err != nil {
		return 0, err
	}

	return score, nil
}

// ownedActiveSession loads a session and applies the shared
// ownership/active-status rule.
func (m *Sessions) ownedActiveSession(ctx context.Context, sessionID, accountID string) (*Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.AccountID != accountID || sess.Status != SessionActive {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if !m.now().Before(sess.ExpiresAt) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrExpired)
	}
	return sess, nil
}

// ExpireDue lazily marks active sessions past their deadline.
func (m *Sessions) ExpireDue(ctx context.Context) (int, error) {
	return m.store.ExpireSessions(ctx, m.now())
}

func finiteCoords(lat, lon float64) bool {
	return !math.IsNaN(lat) && !math.IsInf(lat, 0) &&
		!math.IsNaN(lon) && !math.IsInf(lon, 0) &&
		lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
