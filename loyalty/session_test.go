package loyalty_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopworks/loyalty-engine/loyalty"
	"github.com/loopworks/loyalty-engine/store/sqlite"
)

// newSessionFixture wires a session manager (no check-in hook) against
// a fresh store with a fake clock.
func newSessionFixture(t *testing.T) (*sqlite.Store, *loyalty.Sessions, *testClock) {
	store := newTestStore(t)
	clock := newTestClock()
	sessions := loyalty.NewSessions(store, nil)
	sessions.SetClock(clock.Now)

	seedAccount(t, store, "acct-1", loyalty.PlanStarter)
	seedStore(t, store, "store-1", "coffee", 47.6100, -122.3400)
	return store, sessions, clock
}

func TestCheckIn_CreatesSessionAndGrant(t *testing.T) {
	// GIVEN: An account with no history at the store
	// WHEN: Checking in
	// THEN: An active session and a provisional grant sized from the
	//       $10 default estimate exist, in the same transactional scope

	store, sessions, clock := newSessionFixture(t)
	ctx := context.Background()

	sess, created, err := sessions.CheckIn(ctx, "acct-1", "store-1", nil)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, loyalty.SessionActive, sess.Status)
	assert.Equal(t, clock.Now().UTC(), sess.CheckedInAt)
	assert.Equal(t, clock.Now().UTC().Add(loyalty.SessionTTL), sess.ExpiresAt)

	grant, err := store.GrantBySession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, grant)
	assert.Equal(t, loyalty.GrantPending, grant.Status)
	// Default $10 estimate: floor(1000/100) + 10 visit bonus = 20.
	assert.Equal(t, 20, grant.LoopsPending)
	assert.Equal(t, 0.5, grant.CivScore)
	assert.Equal(t, clock.Now().UTC().Add(loyalty.GrantTTL), grant.ExpiresAt)
}

func TestCheckIn_ResumesActiveSession(t *testing.T) {
	store, sessions, clock := newSessionFixture(t)
	ctx := context.Background()

	first, created, err := sessions.CheckIn(ctx, "acct-1", "store-1", nil)
	require.NoError(t, err)
	require.True(t, created)

	clock.Advance(10 * time.Minute)

	second, created, err := sessions.CheckIn(ctx, "acct-1", "store-1", nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// Still exactly one grant for the pair.
	grants, err := store.PendingGrants(ctx, "acct-1", "store-1", clock.Now())
	require.NoError(t, err)
	assert.Len(t, grants, 1)
}

func TestCheckIn_HookFiresOnCreateAndResume(t *testing.T) {
	// GIVEN: A session manager with a check-in hook
	// WHEN: Checking in twice, the second resuming the first session
	// THEN: The hook fires for both check-ins

	store := newTestStore(t)
	clock := newTestClock()

	var calls []string
	sessions := loyalty.NewSessions(store, func(accountID, storeID string) {
		calls = append(calls, accountID+"/"+storeID)
	})
	sessions.SetClock(clock.Now)

	seedAccount(t, store, "acct-1", loyalty.PlanStarter)
	seedStore(t, store, "store-1", "coffee", 47.6100, -122.3400)
	ctx := context.Background()

	_, created, err := sessions.CheckIn(ctx, "acct-1", "store-1", nil)
	require.NoError(t, err)
	require.True(t, created)

	clock.Advance(10 * time.Minute)

	_, created, err = sessions.CheckIn(ctx, "acct-1", "store-1", nil)
	require.NoError(t, err)
	require.False(t, created)

	assert.Equal(t, []string{"acct-1/store-1", "acct-1/store-1"}, calls)
}

func TestCheckIn_NewSessionAfterExpiry(t *testing.T) {
	_, sessions, clock := newSessionFixture(t)
	ctx := context.Background()

	first, _, err := sessions.CheckIn(ctx, "acct-1", "store-1", nil)
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)

	second, created, err := sessions.CheckIn(ctx, "acct-1", "store-1", nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestCheckIn_BlacklistedAccount(t *testing.T) {
	store, sessions, _ := newSessionFixture(t)
	ctx := context.Background()

	require.NoError(t, store.AddToBlacklist(ctx, "store-1", "acct-1"))

	_, _, err := sessions.CheckIn(ctx, "acct-1", "store-1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, loyalty.ErrBlocked)

	var blocked *loyalty.BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, "acct-1", blocked.AccountID)
	assert.Equal(t, "store-1", blocked.StoreID)
}

func TestCheckIn_UnknownAccountOrStore(t *testing.T) {
	_, sessions, _ := newSessionFixture(t)
	ctx := context.Background()

	_, _, err := sessions.CheckIn(ctx, "ghost", "store-1", nil)
	assert.ErrorIs(t, err, loyalty.ErrNotFound)

	_, _, err = sessions.CheckIn(ctx, "acct-1", "ghost", nil)
	assert.ErrorIs(t, err, loyalty.ErrNotFound)
}

func TestCheckIn_RejectsBadHintCoordinates(t *testing.T) {
	_, sessions, _ := newSessionFixture(t)
	ctx := context.Background()

	_, _, err := sessions.CheckIn(ctx, "acct-1", "store-1", &loyalty.LocationHint{Latitude: 91, Longitude: 0})
	assert.ErrorIs(t, err, loyalty.ErrInvalidInput)
}

// =============================================================================
// LOCATION TRAIL
// =============================================================================

func TestRecordLocation_AppendsInOrder(t *testing.T) {
	store, sessions, clock := newSessionFixture(t)
	ctx := context.Background()

	sess, _, err := sessions.CheckIn(ctx, "acct-1", "store-1",
		&loyalty.LocationHint{Latitude: 47.6100, Longitude: -122.3400})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	require.NoError(t, sessions.RecordLocation(ctx, sess.ID, "acct-1", 47.6101, -122.3400, nil))
	clock.Advance(2 * time.Minute)
	require.NoError(t, sessions.RecordLocation(ctx, sess.ID, "acct-1", 47.6100, -122.3401, nil))

	samples, err := store.Samples(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, samples, 3)
	for i, s := range samples {
		assert.Equal(t, i, s.Seq)
	}
	assert.True(t, samples[2].RecordedAt.After(samples[0].RecordedAt))
}

func TestRecordLocation_ForeignSessionIsNotFound(t *testing.T) {
	store, sessions, _ := newSessionFixture(t)
	seedAccount(t, store, "acct-2", loyalty.PlanStarter)
	ctx := context.Background()

	sess, _, err := sessions.CheckIn(ctx, "acct-1", "store-1", nil)
	require.NoError(t, err)

	err = sessions.RecordLocation(ctx, sess.ID, "acct-2", 47.61, -122.34, nil)
	assert.ErrorIs(t, err, loyalty.ErrNotFound)
}

func TestRecordLocation_ExpiredSession(t *testing.T) {
	_, sessions, clock := newSessionFixture(t)
	ctx := context.Background()

	sess, _, err := sessions.CheckIn(ctx, "acct-1", "store-1", nil)
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)

	err = sessions.RecordLocation(ctx, sess.ID, "acct-1", 47.61, -122.34, nil)
	assert.ErrorIs(t, err, loyalty.ErrExpired)
}

// =============================================================================
// COMPLETION
// =============================================================================

func TestComplete_NoSamplesKeepsMidBand(t *testing.T) {
	// GIVEN: A session completed with an empty trail
	// THEN: The neutral 0.5 score lands in the mid confidence band and
	//       the grant keeps 70% of its provisional value

	store, sessions, _ := newSessionFixture(t)
	ctx := context.Background()

	sess, _, err := sessions.CheckIn(ctx, "acct-1", "store-1", nil)
	require.NoError(t, err)

	score, err := sessions.Complete(ctx, sess.ID, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 0.5, score)

	grant, err := store.GrantBySession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 14, grant.LoopsPending) // floor(20 * 0.7)
	assert.Equal(t, 0.5, grant.CivScore)
	assert.Equal(t, loyalty.GrantPending, grant.Status)

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.SessionCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestComplete_ConfidentVisitKeepsFullValue(t *testing.T) {
	// A single sample at the store scores 0.8, the top band.
	store, sessions, _ := newSessionFixture(t)
	ctx := context.Background()

	sess, _, err := sessions.CheckIn(ctx, "acct-1", "store-1",
		&loyalty.LocationHint{Latitude: 47.6100, Longitude: -122.3400})
	require.NoError(t, err)

	score, err := sessions.Complete(ctx, sess.ID, "acct-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.8, score, 1e-9)

	grant, err := store.GrantBySession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, grant.LoopsPending)
}

func TestComplete_Twice(t *testing.T) {
	_, sessions, _ := newSessionFixture(t)
	ctx := context.Background()

	sess, _, err := sessions.CheckIn(ctx, "acct-1", "store-1", nil)
	require.NoError(t, err)

	_, err = sessions.Complete(ctx, sess.ID, "acct-1")
	require.NoError(t, err)

	// The session is no longer active, so a second completion cannot
	// find it.
	_, err = sessions.Complete(ctx, sess.ID, "acct-1")
	assert.ErrorIs(t, err, loyalty.ErrNotFound)
}

func TestComplete_AfterExpiry(t *testing.T) {
	_, sessions, clock := newSessionFixture(t)
	ctx := context.Background()

	sess, _, err := sessions.CheckIn(ctx, "acct-1", "store-1", nil)
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)

	_, err = sessions.Complete(ctx, sess.ID, "acct-1")
	assert.ErrorIs(t, err, loyalty.ErrExpired)
}

func TestExpireDue_MarksOverdueSessions(t *testing.T) {
	store, sessions, clock := newSessionFixture(t)
	ctx := context.Background()

	sess, _, err := sessions.CheckIn(ctx, "acct-1", "store-1", nil)
	require.NoError(t, err)

	n, err := sessions.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(31 * time.Minute)

	n, err = sessions.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.SessionExpired, got.Status)

	// Session expiry does not touch the grant; it waits out its own TTL.
	grant, err := store.GrantBySession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.GrantPending, grant.Status)
}
