package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collectif/connect-ledger/ledger"
	"github.com/collectif/connect-ledger/ledger/store"
)

func seeded(t *testing.T) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	m.SeedAccount(ledger.Account{ID: "m-1", Tier: ledger.TierEssential, Role: ledger.RoleMember})
	return m
}

func TestMemory_ConcurrentWrite_Conflicts(t *testing.T) {
	// GIVEN: tx1 has read account m-1
	// WHEN: tx2 updates m-1 and commits before tx1
	// THEN: tx1 fails with ErrConflict and tx2's write survives

	m := seeded(t)
	ctx := context.Background()

	err := m.WithTx(ctx, func(tx1 ledger.Tx) error {
		acct, err := tx1.GetAccount(ctx, "m-1")
		require.NoError(t, err)

		require.NoError(t, m.WithTx(ctx, func(tx2 ledger.Tx) error {
			other, err := tx2.GetAccount(ctx, "m-1")
			require.NoError(t, err)
			other.Balance = 7
			return tx2.UpdateAccount(ctx, other)
		}))

		acct.Balance = 99
		return tx1.UpdateAccount(ctx, acct)
	})
	assert.ErrorIs(t, err, ledger.ErrConflict)

	acct, err := m.GetAccount(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), acct.Balance)
}

func TestMemory_ReadOnlyTx_ConflictsOnStaleRead(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	err := m.WithTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.GetAccount(ctx, "m-1")
		require.NoError(t, err)
		m.SeedAccount(ledger.Account{ID: "m-1", Version: 5})
		return nil
	})
	assert.ErrorIs(t, err, ledger.ErrConflict)
}

func TestMemory_ConcurrentInsert_AlreadyExists(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	err := m.WithTx(ctx, func(tx1 ledger.Tx) error {
		require.NoError(t, tx1.InsertAccount(ctx, ledger.Account{ID: "new"}))
		require.NoError(t, m.WithTx(ctx, func(tx2 ledger.Tx) error {
			return tx2.InsertAccount(ctx, ledger.Account{ID: "new"})
		}))
		return nil
	})
	// tx1 read "new" as absent, so the read-set check fires first.
	assert.True(t, errors.Is(err, ledger.ErrConflict) || errors.Is(err, ledger.ErrAlreadyExists))
}

func TestMemory_RollbackOnError(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(tx ledger.Tx) error {
		acct, _ := tx.GetAccount(ctx, "m-1")
		acct.Balance = 10
		require.NoError(t, tx.UpdateAccount(ctx, acct))
		_, err := tx.AppendEntry(ctx, ledger.Entry{ID: "e-1", AccountID: "m-1", Delta: 10, IdempotencyKey: "k"})
		require.NoError(t, err)

		// Read-your-writes inside the transaction.
		staged, _ := tx.GetAccount(ctx, "m-1")
		assert.Equal(t, int64(10), staged.Balance)
		sum, _ := tx.SumEntries(ctx, "m-1")
		assert.Equal(t, int64(10), sum)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	acct, _ := m.GetAccount(ctx, "m-1")
	assert.Equal(t, int64(0), acct.Balance)
	entries, _ := m.ListEntries(ctx, "m-1", ledger.EntryQuery{})
	assert.Empty(t, entries)

	// The key was never committed, so it is free again.
	require.NoError(t, m.WithTx(ctx, func(tx ledger.Tx) error {
		exists, err := tx.EntryExists(ctx, "k")
		assert.False(t, exists)
		return err
	}))
}

func TestMemory_DuplicateKeyInSameTx(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	err := m.WithTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.AppendEntry(ctx, ledger.Entry{ID: "e-1", AccountID: "m-1", Delta: 1, IdempotencyKey: "k"}); err != nil {
			return err
		}
		_, err := tx.AppendEntry(ctx, ledger.Entry{ID: "e-2", AccountID: "m-1", Delta: 1, IdempotencyKey: "k"})
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateEntry)
}

func TestMemory_EntrySeqAndTimestampsMonotonic(t *testing.T) {
	m := seeded(t)
	ctx := context.Background()

	clock := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	m.Clock = func() time.Time { return clock }

	post := func(id ledger.EntryID) {
		require.NoError(t, m.WithTx(ctx, func(tx ledger.Tx) error {
			_, err := tx.AppendEntry(ctx, ledger.Entry{ID: id, AccountID: "m-1", Delta: 1})
			return err
		}))
	}
	post("e-1")
	clock = clock.Add(-time.Minute) // server clock stepped back
	post("e-2")

	entries, err := m.ListEntries(ctx, "m-1", ledger.EntryQuery{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.EntryID("e-2"), entries[0].ID)
	assert.Greater(t, entries[0].Seq, entries[1].Seq)
	assert.False(t, entries[0].CreatedAt.Before(entries[1].CreatedAt))
}

func TestMemory_ListServiceRequests_Filter(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	base := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

	m.SeedServiceRequest(ledger.ServiceRequest{ID: "r-2", MemberID: "m-1", Status: ledger.StatusInProgress, CreatedAt: base.Add(time.Hour)})
	m.SeedServiceRequest(ledger.ServiceRequest{ID: "r-1", MemberID: "m-1", Status: ledger.StatusNew, CreatedAt: base})
	m.SeedServiceRequest(ledger.ServiceRequest{ID: "r-3", MemberID: "m-2", Status: ledger.StatusCompleted, CreatedAt: base})

	open, err := m.ListServiceRequests(ctx, ledger.RequestFilter{
		Statuses: []ledger.RequestStatus{ledger.StatusNew, ledger.StatusInProgress},
	})
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, ledger.RequestID("r-1"), open[0].ID)

	mine, err := m.ListServiceRequests(ctx, ledger.RequestFilter{MemberID: "m-2"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, ledger.RequestID("r-3"), mine[0].ID)
}
