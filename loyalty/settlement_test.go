package loyalty_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopworks/loyalty-engine/loyalty"
	"github.com/loopworks/loyalty-engine/store/sqlite"
)

// settlementFixture wires the full deferred-settlement flow against a
// fresh store with one shared fake clock. The check-in hook is nil so
// promotion only ever happens through explicit Check/Sweep calls.
type settlementFixture struct {
	store      *sqlite.Store
	clock      *testClock
	ledger     *loyalty.Ledger
	grants     *loyalty.Grants
	sessions   *loyalty.Sessions
	settlement *loyalty.Settlement
}

func newSettlementFixture(t *testing.T) *settlementFixture {
	store := newTestStore(t)
	clock := newTestClock()

	ledger := loyalty.NewLedger(store)
	ledger.SetClock(clock.Now)
	settlement := loyalty.NewSettlement(store, ledger, nil)
	settlement.SetClock(clock.Now)
	grants := loyalty.NewGrants(store)
	grants.SetClock(clock.Now)
	sessions := loyalty.NewSessions(store, nil)
	sessions.SetClock(clock.Now)

	seedAccount(t, store, "acct-1", loyalty.PlanStarter)
	seedStore(t, store, "store-1", "coffee", 47.6100, -122.3400)

	return &settlementFixture{
		store:      store,
		clock:      clock,
		ledger:     ledger,
		grants:     grants,
		sessions:   sessions,
		settlement: settlement,
	}
}

func (fx *settlementFixture) checkIn(t *testing.T, accountID, storeID string) *loyalty.Session {
	t.Helper()
	sess, created, err := fx.sessions.CheckIn(context.Background(), accountID, storeID, nil)
	require.NoError(t, err)
	require.True(t, created)
	return sess
}

func TestSettlement_ReturnVisitUnlocks(t *testing.T) {
	// GIVEN: A pending grant from a first check-in
	// WHEN: The shopper checks in at the same store an hour later
	// THEN: The older grant unlocks via return_visit and its value
	//       lands in real balance with a tagged ledger entry

	fx := newSettlementFixture(t)
	ctx := context.Background()

	first := fx.checkIn(t, "acct-1", "store-1")
	fx.clock.Advance(time.Hour)
	fx.checkIn(t, "acct-1", "store-1")

	unlocked, err := fx.settlement.Check(ctx, "acct-1", "store-1")
	require.NoError(t, err)
	assert.Equal(t, 1, unlocked)

	grant, err := fx.store.GrantBySession(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.GrantUnlocked, grant.Status)
	require.NotNil(t, grant.UnlockTrigger)
	assert.Equal(t, loyalty.TriggerReturnVisit, *grant.UnlockTrigger)
	require.NotNil(t, grant.UnlockedAt)

	acct, err := fx.store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 20, acct.LoopsBalance)
	assert.Equal(t, 20, acct.TotalLoopsEarned)

	entries, err := fx.store.Entries(ctx, "acct-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, loyalty.ChangeEarn, entries[0].ChangeType)
	assert.Equal(t, 20, entries[0].Amount)
	assert.Equal(t, "settlement:return_visit store:store-1", entries[0].Meta)

	records, err := fx.store.TriggerRecords(ctx, grant.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, loyalty.TriggerReturnVisit, records[0].Trigger)
	assert.Equal(t, "sessions=1", records[0].TriggerData)

	requireConsistent(t, fx.ledger, "acct-1")
}

func TestSettlement_ReturnVisitSparesTheNewGrant(t *testing.T) {
	// The second check-in's own grant has no evidence after its
	// creation, so it stays pending.
	fx := newSettlementFixture(t)
	ctx := context.Background()

	fx.checkIn(t, "acct-1", "store-1")
	fx.clock.Advance(time.Hour)
	second := fx.checkIn(t, "acct-1", "store-1")

	_, err := fx.settlement.Check(ctx, "acct-1", "store-1")
	require.NoError(t, err)

	grant, err := fx.store.GrantBySession(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.GrantPending, grant.Status)
}

func TestSettlement_RedemptionTrigger(t *testing.T) {
	fx := newSettlementFixture(t)
	ctx := context.Background()

	sess := fx.checkIn(t, "acct-1", "store-1")
	require.NoError(t, fx.ledger.Credit(ctx, "acct-1", 100, "promo", true))

	fx.clock.Advance(time.Hour)
	require.NoError(t, fx.ledger.Debit(ctx, "acct-1", 30, "redemption store:store-1"))

	unlocked, err := fx.settlement.Check(ctx, "acct-1", "store-1")
	require.NoError(t, err)
	assert.Equal(t, 1, unlocked)

	grant, err := fx.store.GrantBySession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, grant.UnlockTrigger)
	assert.Equal(t, loyalty.TriggerRedemption, *grant.UnlockTrigger)

	// 100 promo - 30 redeemed + 20 unlocked.
	acct, err := fx.store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 90, acct.LoopsBalance)

	requireConsistent(t, fx.ledger, "acct-1")
}

func TestSettlement_RedemptionAtPrefixSharingStoreIgnored(t *testing.T) {
	// GIVEN: A pending grant at store s1 and a redemption at store s10
	// THEN: The evidence match is token-anchored, so the grant stays
	//       pending until a redemption names s1 itself

	fx := newSettlementFixture(t)
	seedStore(t, fx.store, "s1", "coffee", 47.6100, -122.3400)
	seedStore(t, fx.store, "s10", "books", 47.6200, -122.3400)
	ctx := context.Background()

	sess := fx.checkIn(t, "acct-1", "s1")
	require.NoError(t, fx.ledger.Credit(ctx, "acct-1", 100, "promo", true))

	fx.clock.Advance(time.Hour)
	require.NoError(t, fx.ledger.Debit(ctx, "acct-1", 30, "redemption store:s10"))

	unlocked, err := fx.settlement.Check(ctx, "acct-1", "s1")
	require.NoError(t, err)
	assert.Zero(t, unlocked)

	grant, err := fx.store.GrantBySession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.GrantPending, grant.Status)

	fx.clock.Advance(time.Hour)
	require.NoError(t, fx.ledger.Debit(ctx, "acct-1", 10, "redemption store:s1"))

	unlocked, err = fx.settlement.Check(ctx, "acct-1", "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, unlocked)
}

func TestSettlement_RepeatPurchaseTrigger(t *testing.T) {
	fx := newSettlementFixture(t)
	ctx := context.Background()

	sess := fx.checkIn(t, "acct-1", "store-1")
	fx.clock.Advance(time.Hour)
	recordPurchase(t, fx.store, "p-1", "acct-1", "store-1", 1500, fx.clock.Now())

	unlocked, err := fx.settlement.Check(ctx, "acct-1", "store-1")
	require.NoError(t, err)
	assert.Equal(t, 1, unlocked)

	grant, err := fx.store.GrantBySession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, grant.UnlockTrigger)
	assert.Equal(t, loyalty.TriggerRepeatPurchase, *grant.UnlockTrigger)
}

func TestSettlement_RelatedCategoryTrigger(t *testing.T) {
	// GIVEN: A pending grant at one coffee store
	// WHEN: The shopper later checks in at a different coffee store
	// THEN: The grant unlocks via related_category_visit

	fx := newSettlementFixture(t)
	seedStore(t, fx.store, "store-2", "coffee", 47.6200, -122.3400)
	ctx := context.Background()

	sess := fx.checkIn(t, "acct-1", "store-1")
	fx.clock.Advance(time.Hour)
	fx.checkIn(t, "acct-1", "store-2")

	unlocked, err := fx.settlement.Check(ctx, "acct-1", "store-1")
	require.NoError(t, err)
	assert.Equal(t, 1, unlocked)

	grant, err := fx.store.GrantBySession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, grant.UnlockTrigger)
	assert.Equal(t, loyalty.TriggerRelatedCategory, *grant.UnlockTrigger)

	records, err := fx.store.TriggerRecords(ctx, grant.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "category=coffee sessions=1", records[0].TriggerData)
}

func TestSettlement_ReturnVisitOutranksPurchase(t *testing.T) {
	// Both trigger kinds have evidence; priority order picks the visit.
	fx := newSettlementFixture(t)
	ctx := context.Background()

	sess := fx.checkIn(t, "acct-1", "store-1")
	fx.clock.Advance(time.Hour)
	recordPurchase(t, fx.store, "p-1", "acct-1", "store-1", 1500, fx.clock.Now())
	fx.clock.Advance(time.Hour)
	fx.checkIn(t, "acct-1", "store-1")

	_, err := fx.settlement.Check(ctx, "acct-1", "store-1")
	require.NoError(t, err)

	grant, err := fx.store.GrantBySession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, grant.UnlockTrigger)
	assert.Equal(t, loyalty.TriggerReturnVisit, *grant.UnlockTrigger)
}

func TestSettlement_UnlocksExactlyOnce(t *testing.T) {
	fx := newSettlementFixture(t)
	ctx := context.Background()

	fx.checkIn(t, "acct-1", "store-1")
	fx.clock.Advance(time.Hour)
	fx.checkIn(t, "acct-1", "store-1")

	unlocked, err := fx.settlement.Check(ctx, "acct-1", "store-1")
	require.NoError(t, err)
	assert.Equal(t, 1, unlocked)

	unlocked, err = fx.settlement.Check(ctx, "acct-1", "store-1")
	require.NoError(t, err)
	assert.Zero(t, unlocked)

	// One settlement credit, not two.
	entries, err := fx.store.Entries(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	acct, err := fx.store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 20, acct.LoopsBalance)
}

func TestSettlement_EvidenceBeforeGrantIgnored(t *testing.T) {
	// A purchase an hour before the check-in is outside the grant's
	// evidence window.
	fx := newSettlementFixture(t)
	ctx := context.Background()

	recordPurchase(t, fx.store, "p-0", "acct-1", "store-1", 1500, fx.clock.Now())
	fx.clock.Advance(time.Hour)
	sess := fx.checkIn(t, "acct-1", "store-1")

	unlocked, err := fx.settlement.Check(ctx, "acct-1", "store-1")
	require.NoError(t, err)
	assert.Zero(t, unlocked)

	grant, err := fx.store.GrantBySession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.GrantPending, grant.Status)
}

func TestSettlement_ExpiredGrantNeverPromotes(t *testing.T) {
	// GIVEN: A grant past its 7-day deadline
	// WHEN: Evidence finally arrives
	// THEN: The grant is not promoted, and the expiry sweep claims it

	fx := newSettlementFixture(t)
	ctx := context.Background()

	first := fx.checkIn(t, "acct-1", "store-1")
	fx.clock.Advance(8 * 24 * time.Hour)
	fx.checkIn(t, "acct-1", "store-1")

	unlocked, err := fx.settlement.Check(ctx, "acct-1", "store-1")
	require.NoError(t, err)
	assert.Zero(t, unlocked)

	n, err := fx.grants.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	grant, err := fx.store.GrantBySession(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.GrantExpired, grant.Status)

	acct, err := fx.store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Zero(t, acct.LoopsBalance)
}

func TestSettlement_ConcurrentChecksCreditOnce(t *testing.T) {
	// GIVEN: One promotable grant
	// WHEN: Many detectors race over it
	// THEN: The conditional unlock lets exactly one through

	fx := newSettlementFixture(t)
	ctx := context.Background()

	fx.checkIn(t, "acct-1", "store-1")
	fx.clock.Advance(time.Hour)
	fx.checkIn(t, "acct-1", "store-1")

	const racers = 8
	results := make(chan int, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := fx.settlement.Check(ctx, "acct-1", "store-1")
			assert.NoError(t, err)
			results <- n
		}()
	}
	wg.Wait()
	close(results)

	total := 0
	for n := range results {
		total += n
	}
	assert.Equal(t, 1, total)

	entries, err := fx.store.Entries(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	acct, err := fx.store.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 20, acct.LoopsBalance)
	requireConsistent(t, fx.ledger, "acct-1")
}

func TestSettlement_TerminalTransitionHasOneWinner(t *testing.T) {
	// The storage guard behind both unlock and expiry: whichever
	// terminal write lands first, the other becomes a no-op.

	fx := newSettlementFixture(t)
	ctx := context.Background()

	sessA := fx.checkIn(t, "acct-1", "store-1")

	grantA, err := fx.store.GrantBySession(ctx, sessA.ID)
	require.NoError(t, err)

	// Unlock first: the expiry sweep must skip the row.
	ok, err := fx.store.UnlockGrant(ctx, grantA.ID, loyalty.TriggerReturnVisit, fx.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)

	fx.clock.Advance(loyalty.GrantTTL + time.Minute)
	n, err := fx.grants.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := fx.store.GetGrant(ctx, grantA.ID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.GrantUnlocked, got.Status)

	// Expire first: the unlock must report a lost race.
	sessB := fx.checkIn(t, "acct-1", "store-1")
	grantB, err := fx.store.GrantBySession(ctx, sessB.ID)
	require.NoError(t, err)

	fx.clock.Advance(loyalty.GrantTTL + time.Minute)
	n, err = fx.grants.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err = fx.store.UnlockGrant(ctx, grantB.ID, loyalty.TriggerReturnVisit, fx.clock.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = fx.store.GetGrant(ctx, grantB.ID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.GrantExpired, got.Status)
}

func TestSettlement_SweepCoversAllOutstandingPairs(t *testing.T) {
	fx := newSettlementFixture(t)
	seedAccount(t, fx.store, "acct-2", loyalty.PlanStarter)
	seedStore(t, fx.store, "store-2", "books", 47.6200, -122.3400)
	ctx := context.Background()

	fx.checkIn(t, "acct-1", "store-1")
	fx.checkIn(t, "acct-2", "store-2")
	fx.clock.Advance(time.Hour)
	recordPurchase(t, fx.store, "p-1", "acct-1", "store-1", 1500, fx.clock.Now())
	recordPurchase(t, fx.store, "p-2", "acct-2", "store-2", 2500, fx.clock.Now())

	unlocked, err := fx.settlement.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, unlocked)

	for _, id := range []string{"acct-1", "acct-2"} {
		acct, err := fx.store.GetAccount(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 20, acct.LoopsBalance, "account %s", id)
		requireConsistent(t, fx.ledger, id)
	}
}
