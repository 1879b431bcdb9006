package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collectif/connect-ledger/concierge"
	"github.com/collectif/connect-ledger/ledger"
	"github.com/collectif/connect-ledger/rewards"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testEnv struct {
	store     *Store
	accounts  *ledger.Accounts
	ledger    *ledger.Ledger
	concierge *concierge.Service
	rewards   *rewards.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tx := ledger.NewTransactor(store, 5, logger)
	tx.BaseBackoff = time.Millisecond
	accounts := ledger.NewAccounts(store, tx, ledger.NewPolicy(ledger.TierRuleAtLeast), logger)
	l := ledger.NewLedger(store, accounts, tx, logger)

	env := &testEnv{
		store:     store,
		accounts:  accounts,
		ledger:    l,
		concierge: concierge.NewService(l, 50, nil, logger),
		rewards:   rewards.NewService(store, l, rewards.DefaultValuation, nil, logger),
	}

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error {
		for _, a := range []ledger.Account{
			{ID: "admin", DisplayName: "Admin", Tier: ledger.TierPrivilege, Role: ledger.RoleAdmin},
			{ID: "c-1", DisplayName: "Concierge", Tier: ledger.TierEssential, Role: ledger.RoleConcierge},
			{ID: "m-1", DisplayName: "Member", Tier: ledger.TierEssential, Role: ledger.RoleMember},
		} {
			a.CreatedAt, a.UpdatedAt = now, now
			if err := tx.InsertAccount(ctx, a); err != nil {
				return err
			}
		}
		return nil
	}))
	return env
}

func (e *testEnv) balance(t *testing.T, id ledger.AccountID) int64 {
	t.Helper()
	acct, err := e.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acct.Balance
}

// =============================================================================
// WORKFLOW SCENARIOS
// =============================================================================

func TestSQLite_RoundTrip(t *testing.T) {
	// GIVEN: m-1 at 100 points
	// WHEN: +50 award, failed 120 redemption, 100 redemption
	// THEN: 150, 150, 50 with three ledger entries besides funding

	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.ledger.Adjust(ctx, "admin", "m-1", 100, "opening balance")
	require.NoError(t, err)
	require.NoError(t, env.rewards.Seed(ctx, []ledger.Reward{
		{ID: "big", Title: "Week-end", PointsCost: 120, RequiredTier: ledger.TierEssential, Active: true},
		{ID: "dinner", Title: "Dîner", PointsCost: 100, RequiredTier: ledger.TierEssential, Active: true},
	}))

	req, err := env.concierge.Submit(ctx, "m-1", "Table pour deux")
	require.NoError(t, err)
	_, err = env.concierge.Complete(ctx, req.ID, "c-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), env.balance(t, "m-1"))

	_, err = env.rewards.Redeem(ctx, "big", "m-1")
	assert.Equal(t, ledger.KindFailedPrecondition, ledger.KindOf(err))
	assert.Equal(t, int64(150), env.balance(t, "m-1"))

	res, err := env.rewards.Redeem(ctx, "dinner", "m-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), res.Balance)
	assert.NotZero(t, res.Entry.Seq)

	entries, err := env.store.ListEntries(ctx, "m-1", ledger.EntryQuery{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, ledger.KindRewardRedemption, entries[0].Kind)
	assert.Equal(t, ledger.KindServiceReward, entries[1].Kind)
	assert.Equal(t, ledger.KindAdjustment, entries[2].Kind)
	assert.False(t, entries[0].CreatedAt.Before(entries[1].CreatedAt))

	rec, err := env.ledger.Verify(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, rec.OK())

	stored, err := env.store.GetServiceRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, stored.Status)
	assert.Equal(t, ledger.AccountID("c-1"), stored.ValidatedBy)
	require.NotNil(t, stored.CompletedAt)
}

func TestSQLite_ConcurrentRedemption(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.ledger.Adjust(ctx, "admin", "m-1", 100, "opening balance")
	require.NoError(t, err)
	require.NoError(t, env.rewards.Seed(ctx, []ledger.Reward{
		{ID: "r-80", Title: "Spa", PointsCost: 80, RequiredTier: ledger.TierEssential, Active: true},
	}))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.rewards.Redeem(ctx, "r-80", "m-1")
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.Equal(t, ledger.KindFailedPrecondition, ledger.KindOf(err))
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, int64(20), env.balance(t, "m-1"))
}

func TestSQLite_RollbackOnError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := env.store.WithTx(ctx, func(tx ledger.Tx) error {
		acct, err := tx.GetAccount(ctx, "m-1")
		require.NoError(t, err)
		acct.Balance = 10
		require.NoError(t, tx.UpdateAccount(ctx, acct))
		_, err = tx.AppendEntry(ctx, ledger.Entry{ID: "e-1", AccountID: "m-1", Kind: ledger.KindAdjustment, Delta: 10})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(0), env.balance(t, "m-1"))

	sum, err := env.store.SumEntries(ctx, "m-1")
	require.NoError(t, err)
	assert.Zero(t, sum)
}

// =============================================================================
// STORE GUARANTEES
// =============================================================================

func TestSQLite_EntriesAreAppendOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, _, err := env.ledger.Adjust(ctx, "admin", "m-1", 10, "gift")
	require.NoError(t, err)

	_, err = env.store.db.ExecContext(ctx, `UPDATE ledger_entries SET delta = 1000`)
	assert.ErrorContains(t, err, "append-only")
	_, err = env.store.db.ExecContext(ctx, `DELETE FROM ledger_entries`)
	assert.ErrorContains(t, err, "append-only")
}

func TestSQLite_DuplicateIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	appendKey := func(id ledger.EntryID) error {
		return env.store.WithTx(ctx, func(tx ledger.Tx) error {
			_, err := tx.AppendEntry(ctx, ledger.Entry{
				ID: id, AccountID: "m-1", Kind: ledger.KindForumPostReward, Delta: 10, IdempotencyKey: "forum_post_reward:p-1",
			})
			return err
		})
	}
	require.NoError(t, appendKey("e-1"))
	assert.ErrorIs(t, appendKey("e-2"), ledger.ErrDuplicateEntry)
}

func TestSQLite_InsertAccountTwice_AlreadyExists(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertAccount(ctx, ledger.Account{ID: "m-1", DisplayName: "x", Tier: ledger.TierEssential, Role: ledger.RoleMember})
	})
	assert.ErrorIs(t, err, ledger.ErrAlreadyExists)

	acct, created, err := env.accounts.Create(ctx, ledger.Identity{ID: "m-1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Member", acct.DisplayName)
}

func TestSQLite_NegativeBalanceRejectedBySchema(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.store.WithTx(ctx, func(tx ledger.Tx) error {
		acct, err := tx.GetAccount(ctx, "m-1")
		if err != nil {
			return err
		}
		acct.Balance = -1
		return tx.UpdateAccount(ctx, acct)
	})
	assert.Error(t, err)
	assert.Equal(t, int64(0), env.balance(t, "m-1"))
}

func TestSQLite_ListServiceRequests(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.concierge.Submit(ctx, "m-1", "Taxi")
	require.NoError(t, err)
	second, err := env.concierge.Submit(ctx, "m-1", "Pressing")
	require.NoError(t, err)
	_, err = env.concierge.Start(ctx, second.ID, "c-1")
	require.NoError(t, err)

	open, err := env.concierge.ListOpen(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, first.ID, open[0].ID)
	assert.Equal(t, ledger.StatusInProgress, open[1].Status)

	inProgress, err := env.store.ListServiceRequests(ctx, ledger.RequestFilter{
		Statuses: []ledger.RequestStatus{ledger.StatusInProgress},
	})
	require.NoError(t, err)
	require.Len(t, inProgress, 1)
	assert.Equal(t, second.ID, inProgress[0].ID)
}

func TestMapError(t *testing.T) {
	busy := sqlite3.Error{Code: sqlite3.ErrBusy}
	assert.ErrorIs(t, mapError(busy), ledger.ErrConflict)

	unique := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}
	assert.ErrorIs(t, mapError(unique), ledger.ErrAlreadyExists)

	other := errors.New("disk I/O error")
	assert.Equal(t, other, mapError(other))
}
