package api

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collectif/connect-ledger/ledger"
	"github.com/collectif/connect-ledger/ledger/ledgertest"
)

func TestLedgerAuditor_ReportsDrift(t *testing.T) {
	// GIVEN: One balanced member and one legacy account whose balance has
	//        no ledger entries behind it
	env := ledgertest.New(t)
	env.Member(t, "m-1")
	env.Fund(t, "m-1", 40)
	env.Store.SeedAccount(ledger.Account{
		ID: "legacy", DisplayName: "Legacy", Tier: ledger.TierEssential, Role: ledger.RoleMember, Balance: 30,
	})
	auditor := NewLedgerAuditor(env.Ledger, 0, env.Logger)
	assert.Nil(t, auditor.Last())

	// WHEN: The audit runs
	report := auditor.RunNow(context.Background())

	// THEN: Only the legacy account is reported, and nothing is corrected
	require.NoError(t, report.Err)
	require.Len(t, report.Drifted, 1)
	assert.Equal(t, ledger.AccountID("legacy"), report.Drifted[0].AccountID)
	assert.Equal(t, int64(30), report.Drifted[0].Drift())
	assert.Equal(t, int64(30), env.Balance(t, "legacy"))
	require.NotNil(t, auditor.Last())
	assert.Equal(t, report.FinishedAt, auditor.Last().FinishedAt)
}

func TestLedgerAuditor_DisabledWithZeroInterval(t *testing.T) {
	env := ledgertest.New(t)
	auditor := NewLedgerAuditor(env.Ledger, 0, env.Logger)

	require.NoError(t, auditor.Start())
	assert.Nil(t, auditor.scheduler)
	auditor.Stop()
}

func TestLedgerAuditor_RunsOnSchedule(t *testing.T) {
	env := ledgertest.New(t)
	auditor := NewLedgerAuditor(env.Ledger, 20*time.Millisecond, env.Logger)

	require.NoError(t, auditor.Start())
	defer auditor.Stop()

	assert.Eventually(t, func() bool { return auditor.Last() != nil }, 2*time.Second, 10*time.Millisecond)
}

// slowReader delays account listing so an audit is still running when the
// auditor is stopped.
type slowReader struct {
	ledger.Reader
	delay   time.Duration
	started chan struct{}
	once    sync.Once
}

func (r *slowReader) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	r.once.Do(func() { close(r.started) })
	time.Sleep(r.delay)
	return r.Reader.ListAccounts(ctx)
}

func TestLedgerAuditor_StopDuringRun(t *testing.T) {
	// GIVEN: An auditor whose audit takes 300ms
	env := ledgertest.New(t)
	env.Member(t, "m-1")
	slow := &slowReader{Reader: env.Store, delay: 300 * time.Millisecond, started: make(chan struct{})}
	accounts := *env.Accounts
	accounts.Reader = slow
	l := *env.Ledger
	l.Accounts = &accounts

	auditor := NewLedgerAuditor(&l, 10*time.Millisecond, env.Logger)
	require.NoError(t, auditor.Start())
	select {
	case <-slow.started:
	case <-time.After(2 * time.Second):
		t.Fatal("audit never started")
	}

	// WHEN: Stop is called mid-audit
	begin := time.Now()
	auditor.Stop()

	// THEN: Stop waits for the run only, and its report is recorded
	assert.Less(t, time.Since(begin), time.Second)
	require.NotNil(t, auditor.Last())
	assert.NoError(t, auditor.Last().Err)
}

func TestAPI_LastAudit(t *testing.T) {
	env := newAPIEnv(t)
	env.Member(t, "m-1")

	var none ErrorResponse
	assert.Equal(t, http.StatusNotFound, env.call(t, http.MethodGet, "/api/admin/audit", ledgertest.AdminID, nil, &none))

	var run AuditReportDTO
	require.Equal(t, http.StatusOK, env.call(t, http.MethodPost, "/api/admin/audit", ledgertest.AdminID, nil, &run))

	var denied ErrorResponse
	assert.Equal(t, http.StatusForbidden, env.call(t, http.MethodGet, "/api/admin/audit", "m-1", nil, &denied))

	var last AuditReportDTO
	require.Equal(t, http.StatusOK, env.call(t, http.MethodGet, "/api/admin/audit", ledgertest.AdminID, nil, &last))
	assert.True(t, run.FinishedAt.Equal(last.FinishedAt))
	assert.Empty(t, last.Drifted)
	assert.Empty(t, last.Error)
}

func TestAPI_RunAudit(t *testing.T) {
	env := newAPIEnv(t)
	env.Member(t, "m-1")
	env.Store.SeedAccount(ledger.Account{
		ID: "legacy", DisplayName: "Legacy", Tier: ledger.TierEssential, Role: ledger.RoleMember, Balance: 5,
	})

	var denied ErrorResponse
	assert.Equal(t, http.StatusForbidden, env.call(t, http.MethodPost, "/api/admin/audit", "m-1", nil, &denied))

	var report AuditReportDTO
	require.Equal(t, http.StatusOK, env.call(t, http.MethodPost, "/api/admin/audit", ledgertest.AdminID, nil, &report))
	require.Len(t, report.Drifted, 1)
	assert.Equal(t, "legacy", report.Drifted[0].AccountID)
	assert.False(t, report.Drifted[0].OK)

	var rec ReconciliationDTO
	require.Equal(t, http.StatusOK, env.call(t, http.MethodGet, "/api/admin/accounts/m-1/verify", ledgertest.AdminID, nil, &rec))
	assert.True(t, rec.OK)
}
