package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// DefaultMaxAttempts bounds conflict retries when none is configured.
const DefaultMaxAttempts = 5

// Transactor runs a unit of work in one store transaction and retries it
// from scratch when the store reports a write conflict.
//
// fn must be safe to run more than once: all of its effects go through the
// Tx it receives, and a conflicted attempt leaves nothing behind.
type Transactor struct {
	Store       Store
	MaxAttempts int
	// BaseBackoff is the first retry delay; it doubles per attempt with jitter.
	BaseBackoff time.Duration
	Logger      *slog.Logger
}

func NewTransactor(store Store, maxAttempts int, logger *slog.Logger) *Transactor {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transactor{
		Store:       store,
		MaxAttempts: maxAttempts,
		BaseBackoff: 5 * time.Millisecond,
		Logger:      logger,
	}
}

// Run executes fn inside Store.WithTx. Errors other than ErrConflict are
// returned as-is on the first occurrence.
func (t *Transactor) Run(ctx context.Context, op string, fn func(Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= t.MaxAttempts; attempt++ {
		err := t.Store.WithTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		lastErr = err
		t.Logger.DebugContext(ctx, "transaction conflict, retrying",
			"op", op, "attempt", attempt, "max_attempts", t.MaxAttempts)

		if attempt == t.MaxAttempts {
			break
		}
		if err := t.sleep(ctx, attempt); err != nil {
			return err
		}
	}
	t.Logger.ErrorContext(ctx, "transaction retries exhausted",
		"op", op, "attempts", t.MaxAttempts, "err", lastErr)
	return Internal(fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr), "%s could not be committed, try again", op)
}

func (t *Transactor) sleep(ctx context.Context, attempt int) error {
	if t.BaseBackoff <= 0 {
		return ctx.Err()
	}
	d := t.BaseBackoff << (attempt - 1)
	d += time.Duration(rand.Int63n(int64(d) + 1))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
