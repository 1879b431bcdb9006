/*
scheduler.go - Periodic ledger audit

PURPOSE:
  Recomputes every account's ledger sum and compares it with the stored
  balance. A mismatch means the conservation invariant was broken outside
  the workflows (manual SQL, restore from a bad backup) and is logged at
  ERROR level with the drift amount.

DESIGN:
  - gocron DurationJob at AUDIT_INTERVAL, singleton mode so a slow audit
    never overlaps the next one
  - Read-only: the audit reports, it never corrects
  - The last report is served by GET /api/admin/audit

CONFIGURATION:
  - Interval: AUDIT_INTERVAL (0 disables the job; RunNow still works)

USAGE:
  auditor := api.NewLedgerAuditor(l, 15*time.Minute, logger)
  if err := auditor.Start(); err != nil { ... }
  defer auditor.Stop()

SEE ALSO:
  - ledger/ledger.go: VerifyAll
*/
package api

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/collectif/connect-ledger/ledger"
)

// AuditReport is the outcome of one audit run.
type AuditReport struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Drifted    []ledger.Reconciliation
	Err        error
}

// LedgerAuditor runs Ledger.VerifyAll on a schedule.
type LedgerAuditor struct {
	Ledger   *ledger.Ledger
	Interval time.Duration
	Logger   *slog.Logger

	mu        sync.Mutex
	scheduler gocron.Scheduler
	last      *AuditReport
}

// NewLedgerAuditor creates an auditor. It does not start until Start.
func NewLedgerAuditor(l *ledger.Ledger, interval time.Duration, logger *slog.Logger) *LedgerAuditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerAuditor{Ledger: l, Interval: interval, Logger: logger}
}

// Start schedules the audit. A zero interval leaves it disabled.
func (a *LedgerAuditor) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.Interval <= 0 {
		a.Logger.Info("ledger audit disabled")
		return nil
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(a.Interval),
		gocron.NewTask(func() { a.RunNow(context.Background()) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("ledger-audit"),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("schedule ledger audit: %w", err)
	}
	s.Start()
	a.scheduler = s

	a.Logger.Info("ledger audit started", "interval", a.Interval)
	return nil
}

// Stop shuts the scheduler down and waits for a running audit. The lock is
// released before Shutdown: the running audit takes it to record its report.
func (a *LedgerAuditor) Stop() {
	a.mu.Lock()
	s := a.scheduler
	a.scheduler = nil
	a.mu.Unlock()

	if s == nil {
		return
	}
	if err := s.Shutdown(); err != nil {
		a.Logger.Error("ledger audit shutdown", "error", err)
	}
	a.Logger.Info("ledger audit stopped")
}

// RunNow performs one audit synchronously and records the report.
func (a *LedgerAuditor) RunNow(ctx context.Context) AuditReport {
	report := AuditReport{StartedAt: time.Now().UTC()}
	report.Drifted, report.Err = a.Ledger.VerifyAll(ctx)
	report.FinishedAt = time.Now().UTC()

	switch {
	case report.Err != nil:
		a.Logger.ErrorContext(ctx, "ledger audit failed", "error", report.Err)
	case len(report.Drifted) > 0:
		for _, rec := range report.Drifted {
			a.Logger.ErrorContext(ctx, "ledger audit found drift",
				"account_id", rec.AccountID, "balance", rec.Balance,
				"ledger_sum", rec.LedgerSum, "drift", rec.Drift())
		}
	default:
		a.Logger.InfoContext(ctx, "ledger audit clean", "duration", report.FinishedAt.Sub(report.StartedAt))
	}

	a.mu.Lock()
	a.last = &report
	a.mu.Unlock()
	return report
}

// Last returns the most recent report, or nil before the first run.
func (a *LedgerAuditor) Last() *AuditReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}
