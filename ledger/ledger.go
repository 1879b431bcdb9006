/*
ledger.go - Append-only points ledger

PURPOSE:
  The Ledger is the audit trail of every point movement. The stored
  account balance is a cache of the ledger sum that is updated in the
  same transaction as each append, so the two can never drift.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. CONSERVATION: account.Balance == sum(entry.Delta) after every commit
  3. NON-NEGATIVE: no posting may leave a balance below zero
  4. IDEMPOTENT: an idempotency key can be used by one entry only

POSTING:
  Post is the only way workflows move points. It adjusts the balance and
  appends the entry through the same Tx:

    err := transactor.Run(ctx, "redeemReward", func(tx ledger.Tx) error {
        _, _, err := l.Post(ctx, tx, ledger.Posting{...})
        return err
    })

SEE ALSO:
  - accounts.go: AdjustBalance
  - store.go: Tx.AppendEntry
*/
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Posting describes one point movement to record.
type Posting struct {
	AccountID      AccountID
	Kind           EntryKind
	Delta          int64
	Description    string
	RelatedID      string
	IdempotencyKey string
	ActorID        AccountID
}

// EntryPage is one page of history, newest first. NextBefore is the cursor
// for the following page, zero when there is none.
type EntryPage struct {
	Entries    []Entry
	NextBefore int64
}

// Reconciliation compares a stored balance with its ledger sum.
type Reconciliation struct {
	AccountID AccountID
	Balance   int64
	LedgerSum int64
}

func (r Reconciliation) Drift() int64 { return r.Balance - r.LedgerSum }
func (r Reconciliation) OK() bool     { return r.Drift() == 0 && r.Balance >= 0 }

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Reader     Reader
	Accounts   *Accounts
	Transactor *Transactor
	Logger     *slog.Logger

	// NewID generates entry ids. Defaults to random UUIDs.
	NewID func() EntryID
}

func NewLedger(store Store, accounts *Accounts, tx *Transactor, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		Reader:     store,
		Accounts:   accounts,
		Transactor: tx,
		Logger:     logger,
		NewID:      func() EntryID { return EntryID(uuid.NewString()) },
	}
}

// Append writes an entry inside tx. Must run in the same Tx as the
// matching balance adjustment; use Post unless you are Post.
func (l *Ledger) Append(ctx context.Context, tx Tx, e Entry) (Entry, error) {
	if strings.TrimSpace(string(e.AccountID)) == "" {
		return Entry{}, InvalidArgument("entry account id is required")
	}
	if e.Kind == "" {
		return Entry{}, InvalidArgument("entry kind is required")
	}
	if e.Delta == 0 {
		return Entry{}, InvalidArgument("entry delta must be non-zero")
	}
	if e.ID == "" {
		e.ID = l.NewID()
	}
	return tx.AppendEntry(ctx, e)
}

// Post adjusts the balance and appends the entry in tx.
func (l *Ledger) Post(ctx context.Context, tx Tx, p Posting) (Account, Entry, error) {
	if p.Delta == 0 {
		return Account{}, Entry{}, InvalidArgument("posting delta must be non-zero")
	}
	acct, err := l.Accounts.AdjustBalance(ctx, tx, p.AccountID, p.Delta)
	if err != nil {
		return Account{}, Entry{}, err
	}
	entry, err := l.Append(ctx, tx, Entry{
		AccountID:      p.AccountID,
		Kind:           p.Kind,
		Delta:          p.Delta,
		Description:    p.Description,
		RelatedID:      p.RelatedID,
		IdempotencyKey: p.IdempotencyKey,
		ActorID:        p.ActorID,
	})
	if err != nil {
		return Account{}, Entry{}, err
	}
	return acct, entry, nil
}

// Adjust posts a manual correction. Admin only; the balance and the entry
// move together like any other posting.
func (l *Ledger) Adjust(ctx context.Context, actorID, accountID AccountID, delta int64, reason string) (Account, Entry, error) {
	actor, err := l.Accounts.Actor(ctx, actorID)
	if err != nil {
		return Account{}, Entry{}, err
	}
	if err := l.Accounts.Policy.Authorize(actor, OpAdjustBalance, accountID); err != nil {
		return Account{}, Entry{}, err
	}
	if strings.TrimSpace(reason) == "" {
		return Account{}, Entry{}, InvalidArgument("reason is required")
	}
	if delta == 0 {
		return Account{}, Entry{}, InvalidArgument("delta must be non-zero")
	}

	var (
		acct  Account
		entry Entry
	)
	err = l.Transactor.Run(ctx, string(OpAdjustBalance), func(tx Tx) error {
		current, err := tx.GetAccount(ctx, accountID)
		if errors.Is(err, ErrAccountNotFound) {
			return NotFound(err, "account %s not found", accountID)
		}
		if err != nil {
			return err
		}
		if current.Balance+delta < 0 {
			return FailedPrecondition(&InsufficientPointsError{
				AccountID: accountID, Available: current.Balance, Requested: -delta,
			}, "adjustment would make the balance negative")
		}
		acct, entry, err = l.Post(ctx, tx, Posting{
			AccountID:   accountID,
			Kind:        KindAdjustment,
			Delta:       delta,
			Description: reason,
			ActorID:     actorID,
		})
		return err
	})
	if err != nil {
		return Account{}, Entry{}, Classify(ctx, l.Logger, string(OpAdjustBalance), err)
	}
	l.Logger.InfoContext(ctx, "manual adjustment posted",
		"account_id", accountID, "actor_id", actorID, "delta", delta, "entry_id", entry.ID)
	return acct, entry, nil
}

// =============================================================================
// READ SIDE
// =============================================================================

// List returns one page of an account's history, newest first.
func (l *Ledger) List(ctx context.Context, accountID AccountID, q EntryQuery) (EntryPage, error) {
	if strings.TrimSpace(string(accountID)) == "" {
		return EntryPage{}, InvalidArgument("account id is required")
	}
	if q.Limit <= 0 {
		q.Limit = DefaultPageSize
	}
	if q.Limit > MaxPageSize {
		q.Limit = MaxPageSize
	}
	if q.BeforeSeq < 0 {
		return EntryPage{}, InvalidArgument("cursor must be positive")
	}

	// One extra row tells whether another page exists.
	fetch := q
	fetch.Limit = q.Limit + 1
	entries, err := l.Reader.ListEntries(ctx, accountID, fetch)
	if err != nil {
		return EntryPage{}, Classify(ctx, l.Logger, "listEntries", err)
	}
	page := EntryPage{Entries: entries}
	if len(entries) > q.Limit {
		page.Entries = entries[:q.Limit]
		page.NextBefore = page.Entries[q.Limit-1].Seq
	}
	if page.Entries == nil {
		page.Entries = []Entry{}
	}
	return page, nil
}

// ListFor is List behind the ViewLedger policy.
func (l *Ledger) ListFor(ctx context.Context, actorID, accountID AccountID, q EntryQuery) (EntryPage, error) {
	actor, err := l.Accounts.Actor(ctx, actorID)
	if err != nil {
		return EntryPage{}, err
	}
	if err := l.Accounts.Policy.Authorize(actor, OpViewLedger, accountID); err != nil {
		return EntryPage{}, err
	}
	return l.List(ctx, accountID, q)
}

// Verify recomputes the ledger sum of an account and compares it with the
// stored balance, reading both from one snapshot.
func (l *Ledger) Verify(ctx context.Context, accountID AccountID) (Reconciliation, error) {
	var rec Reconciliation
	err := l.Transactor.Run(ctx, "verifyLedger", func(tx Tx) error {
		acct, err := tx.GetAccount(ctx, accountID)
		if errors.Is(err, ErrAccountNotFound) {
			return NotFound(err, "account %s not found", accountID)
		}
		if err != nil {
			return err
		}
		sum, err := tx.SumEntries(ctx, accountID)
		if err != nil {
			return err
		}
		rec = Reconciliation{AccountID: accountID, Balance: acct.Balance, LedgerSum: sum}
		return nil
	})
	if err != nil {
		return Reconciliation{}, Classify(ctx, l.Logger, "verifyLedger", err)
	}
	if !rec.OK() {
		l.Logger.ErrorContext(ctx, "ledger drift detected",
			"account_id", accountID, "balance", rec.Balance, "ledger_sum", rec.LedgerSum)
	}
	return rec, nil
}

// VerifyFor is Verify behind the admin policy.
func (l *Ledger) VerifyFor(ctx context.Context, actorID, accountID AccountID) (Reconciliation, error) {
	actor, err := l.Accounts.Actor(ctx, actorID)
	if err != nil {
		return Reconciliation{}, err
	}
	if err := l.Accounts.Policy.Authorize(actor, OpVerifyLedger, accountID); err != nil {
		return Reconciliation{}, err
	}
	return l.Verify(ctx, accountID)
}

// VerifyAll reconciles every account and returns the ones that drifted.
func (l *Ledger) VerifyAll(ctx context.Context) ([]Reconciliation, error) {
	accounts, err := l.Accounts.List(ctx)
	if err != nil {
		return nil, Classify(ctx, l.Logger, "verifyAll", err)
	}
	var drifted []Reconciliation
	for _, acct := range accounts {
		rec, err := l.Verify(ctx, acct.ID)
		if err != nil {
			return drifted, err
		}
		if !rec.OK() {
			drifted = append(drifted, rec)
		}
	}
	return drifted, nil
}
