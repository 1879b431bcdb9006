package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// =============================================================================
// ACCOUNT STORE
// =============================================================================

// Accounts owns the account lifecycle. Balances change only through
// AdjustBalance, which requires an open Tx and is called by Ledger.Post.
type Accounts struct {
	Reader     Reader
	Transactor *Transactor
	Policy     Policy
	Logger     *slog.Logger
}

func NewAccounts(store Store, tx *Transactor, policy Policy, logger *slog.Logger) *Accounts {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accounts{Reader: store, Transactor: tx, Policy: policy, Logger: logger}
}

// Create provisions the account for a new identity.
//
// Idempotent on identity ID: the sign-up trigger is delivered at least once,
// so a duplicate call returns the existing account with created=false.
func (a *Accounts) Create(ctx context.Context, id Identity) (Account, bool, error) {
	if strings.TrimSpace(string(id.ID)) == "" {
		return Account{}, false, InvalidArgument("identity id is required")
	}
	name := strings.TrimSpace(id.DisplayName)
	if name == "" {
		name = DefaultDisplayName
	}

	var (
		result  Account
		created bool
	)
	err := a.Transactor.Run(ctx, "createAccount", func(tx Tx) error {
		existing, err := tx.GetAccount(ctx, id.ID)
		if err == nil {
			result, created = existing, false
			return nil
		}
		if !errors.Is(err, ErrAccountNotFound) {
			return err
		}

		now := tx.Now()
		acct := Account{
			ID:          id.ID,
			DisplayName: name,
			Email:       id.Email,
			Tier:        TierEssential,
			Role:        RoleMember,
			Balance:     0,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.InsertAccount(ctx, acct); err != nil {
			return err
		}
		result, created = acct, true
		return nil
	})
	if errors.Is(err, ErrAlreadyExists) {
		// Lost a race with a concurrent delivery of the same event.
		existing, getErr := a.Get(ctx, id.ID)
		return existing, false, getErr
	}
	if err != nil {
		return Account{}, false, a.internal(ctx, "createAccount", err)
	}
	if created {
		a.Logger.InfoContext(ctx, "account created", "account_id", result.ID)
	}
	return result, created, nil
}

// Get returns an account or a NotFound error.
func (a *Accounts) Get(ctx context.Context, id AccountID) (Account, error) {
	acct, err := a.Reader.GetAccount(ctx, id)
	if errors.Is(err, ErrAccountNotFound) {
		return Account{}, NotFound(err, "account %s not found", id)
	}
	if err != nil {
		return Account{}, a.internal(ctx, "getAccount", err)
	}
	return acct, nil
}

// List returns all accounts.
func (a *Accounts) List(ctx context.Context) ([]Account, error) {
	return a.Reader.ListAccounts(ctx)
}

// Actor resolves the acting account. An empty id or an unknown account
// yields (nil, nil) so the Policy can decide how to refuse.
func (a *Accounts) Actor(ctx context.Context, id AccountID) (*Account, error) {
	if strings.TrimSpace(string(id)) == "" {
		return nil, nil
	}
	acct, err := a.Reader.GetAccount(ctx, id)
	if errors.Is(err, ErrAccountNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, a.internal(ctx, "resolveActor", err)
	}
	return &acct, nil
}

// AdjustBalance applies delta to the account inside tx. Callers are
// Ledger.Post and nothing else.
func (a *Accounts) AdjustBalance(ctx context.Context, tx Tx, id AccountID, delta int64) (Account, error) {
	acct, err := tx.GetAccount(ctx, id)
	if err != nil {
		return Account{}, err
	}
	next := acct.Balance + delta
	if next < 0 {
		return Account{}, Internal(ErrNegativeBalance, "balance of %s would become %d", id, next)
	}
	acct.Balance = next
	acct.UpdatedAt = tx.Now()
	if err := tx.UpdateAccount(ctx, acct); err != nil {
		return Account{}, err
	}
	return acct, nil
}

// =============================================================================
// ADMIN ACTIONS
// =============================================================================

// SetRole changes the role of an account. Admin only.
func (a *Accounts) SetRole(ctx context.Context, actorID, id AccountID, role Role) (Account, error) {
	if !role.Valid() {
		return Account{}, InvalidArgument("unknown role %q", role)
	}
	return a.update(ctx, actorID, id, OpSetRole, func(acct *Account) {
		acct.Role = role
	})
}

// SetTier changes the membership tier of an account. Admin only.
func (a *Accounts) SetTier(ctx context.Context, actorID, id AccountID, tier Tier) (Account, error) {
	if !tier.Valid() {
		return Account{}, InvalidArgument("unknown tier %q", tier)
	}
	return a.update(ctx, actorID, id, OpSetTier, func(acct *Account) {
		acct.Tier = tier
	})
}

func (a *Accounts) update(ctx context.Context, actorID, id AccountID, op Operation, mutate func(*Account)) (Account, error) {
	actor, err := a.Actor(ctx, actorID)
	if err != nil {
		return Account{}, err
	}
	if err := a.Policy.Authorize(actor, op, id); err != nil {
		return Account{}, err
	}
	if strings.TrimSpace(string(id)) == "" {
		return Account{}, InvalidArgument("account id is required")
	}

	var result Account
	err = a.Transactor.Run(ctx, string(op), func(tx Tx) error {
		acct, err := tx.GetAccount(ctx, id)
		if errors.Is(err, ErrAccountNotFound) {
			return NotFound(err, "account %s not found", id)
		}
		if err != nil {
			return err
		}
		mutate(&acct)
		acct.UpdatedAt = tx.Now()
		if err := tx.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		result = acct
		return nil
	})
	if err != nil {
		return Account{}, a.internal(ctx, string(op), err)
	}
	a.Logger.InfoContext(ctx, "account updated", "op", op, "account_id", id, "actor_id", actorID)
	return result, nil
}

// internal logs unexpected errors and passes classified ones through.
func (a *Accounts) internal(ctx context.Context, op string, err error) error {
	return Classify(ctx, a.Logger, op, err)
}

// Classify returns err unchanged when it already carries a non-internal
// Kind. Anything else is logged with full context and wrapped as Internal.
func Classify(ctx context.Context, logger *slog.Logger, op string, err error) error {
	if KindOf(err) != KindInternal {
		return err
	}
	logger.ErrorContext(ctx, "operation failed", "op", op, "err", err)
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Internal(err, "%s failed", op)
}
