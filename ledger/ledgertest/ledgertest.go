// Package ledgertest wires an in-memory ledger for tests.
package ledgertest

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/collectif/connect-ledger/ledger"
	"github.com/collectif/connect-ledger/ledger/store"
)

// AdminID is the account seeded as admin in every Env.
const AdminID ledger.AccountID = "admin-root"

type Env struct {
	Store      *store.Memory
	Transactor *ledger.Transactor
	Policy     ledger.Policy
	Accounts   *ledger.Accounts
	Ledger     *ledger.Ledger
	Logger     *slog.Logger
}

type Option func(*ledger.Policy)

// WithTierRule selects the tier eligibility rule.
func WithTierRule(rule ledger.TierRule) Option {
	return func(p *ledger.Policy) { p.TierRule = rule }
}

// Logger discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// New returns an Env with a single admin account.
func New(t testing.TB, opts ...Option) *Env {
	t.Helper()

	logger := Logger()
	mem := store.NewMemory()
	policy := ledger.NewPolicy(ledger.TierRuleAtLeast)
	for _, opt := range opts {
		opt(&policy)
	}
	tx := ledger.NewTransactor(mem, 10, logger)
	tx.BaseBackoff = time.Millisecond
	accounts := ledger.NewAccounts(mem, tx, policy, logger)

	mem.SeedAccount(ledger.Account{
		ID:          AdminID,
		DisplayName: "Admin",
		Tier:        ledger.TierPrivilege,
		Role:        ledger.RoleAdmin,
	})

	return &Env{
		Store:      mem,
		Transactor: tx,
		Policy:     policy,
		Accounts:   accounts,
		Ledger:     ledger.NewLedger(mem, accounts, tx, logger),
		Logger:     logger,
	}
}

// Account provisions an account through the normal sign-up path and sets
// its role and tier as the admin.
func (e *Env) Account(t testing.TB, id ledger.AccountID, role ledger.Role, tier ledger.Tier) ledger.Account {
	t.Helper()
	ctx := context.Background()

	acct, _, err := e.Accounts.Create(ctx, ledger.Identity{ID: id, DisplayName: string(id)})
	require.NoError(t, err)
	if role != ledger.RoleMember {
		acct, err = e.Accounts.SetRole(ctx, AdminID, id, role)
		require.NoError(t, err)
	}
	if tier != ledger.TierEssential {
		acct, err = e.Accounts.SetTier(ctx, AdminID, id, tier)
		require.NoError(t, err)
	}
	return acct
}

// Member provisions an essential member.
func (e *Env) Member(t testing.TB, id ledger.AccountID) ledger.Account {
	return e.Account(t, id, ledger.RoleMember, ledger.TierEssential)
}

// Concierge provisions a concierge.
func (e *Env) Concierge(t testing.TB, id ledger.AccountID) ledger.Account {
	return e.Account(t, id, ledger.RoleConcierge, ledger.TierEssential)
}

// Fund credits points with a manual adjustment so the ledger stays balanced.
func (e *Env) Fund(t testing.TB, id ledger.AccountID, points int64) {
	t.Helper()
	_, _, err := e.Ledger.Adjust(context.Background(), AdminID, id, points, "test funding")
	require.NoError(t, err)
}

// Balance reads the stored balance.
func (e *Env) Balance(t testing.TB, id ledger.AccountID) int64 {
	t.Helper()
	acct, err := e.Accounts.Get(context.Background(), id)
	require.NoError(t, err)
	return acct.Balance
}

// Entries returns the full history of an account, newest first.
func (e *Env) Entries(t testing.TB, id ledger.AccountID) []ledger.Entry {
	t.Helper()
	entries, err := e.Store.ListEntries(context.Background(), id, ledger.EntryQuery{})
	require.NoError(t, err)
	return entries
}

// RequireBalanced asserts the stored balance equals the ledger sum.
func (e *Env) RequireBalanced(t testing.TB, id ledger.AccountID) {
	t.Helper()
	rec, err := e.Ledger.Verify(context.Background(), id)
	require.NoError(t, err)
	require.True(t, rec.OK(), "balance %d drifted from ledger sum %d", rec.Balance, rec.LedgerSum)
}
