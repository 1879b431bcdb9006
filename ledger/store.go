/*
store.go - Persistence contract for the points engine

PURPOSE:
  Defines the interface between the workflows and the storage engine.
  Workflows assume nothing about the product behind it, only "atomic
  read-modify-write across N keyed records".

KEY INTERFACES:
  Tx:     Reads and writes inside one atomic transaction
  Reader: Reads outside any transaction (history, listings)
  Store:  Reader + WithTx + catalog maintenance

APPEND-ONLY CONTRACT:
  Tx.AppendEntry is the only write on entries. No Update or Delete exists
  for entries anywhere in this interface.

ISOLATION:
  WithTx runs fn once. Implementations must give snapshot isolation and
  report a write conflict as ErrConflict (possibly wrapped) so the
  Transactor can retry the whole unit of work. If fn returns an error,
  nothing fn wrote is visible to anyone.

SERVER TIME:
  Tx.Now is the store's clock for this transaction. AppendEntry ignores
  caller-provided CreatedAt/Seq and assigns its own, monotonic per store.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory, optimistic concurrency (tests, dev)
  - store/sqlite/sqlite.go: SQLite, single writer
  - store/postgres/postgres.go: PostgreSQL, SERIALIZABLE

SEE ALSO:
  - transactor.go: Retry around WithTx
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// TRANSACTION VIEW
// =============================================================================

// Tx is the view of the store inside one atomic transaction.
type Tx interface {
	// Now returns the server timestamp for this transaction.
	Now() time.Time

	GetAccount(ctx context.Context, id AccountID) (Account, error)
	// InsertAccount fails with ErrAlreadyExists if the id is taken.
	InsertAccount(ctx context.Context, acct Account) error
	UpdateAccount(ctx context.Context, acct Account) error

	GetServiceRequest(ctx context.Context, id RequestID) (ServiceRequest, error)
	InsertServiceRequest(ctx context.Context, req ServiceRequest) error
	UpdateServiceRequest(ctx context.Context, req ServiceRequest) error

	GetReward(ctx context.Context, id RewardID) (Reward, error)

	// AppendEntry persists an entry and returns it with CreatedAt set. Engines
	// that number entries at commit leave Seq zero in the returned value.
	// Fails with ErrDuplicateEntry if the idempotency key exists.
	AppendEntry(ctx context.Context, entry Entry) (Entry, error)

	// EntryExists checks if an idempotency key was already used.
	EntryExists(ctx context.Context, idempotencyKey string) (bool, error)

	// SumEntries returns the sum of all deltas for an account as seen by this Tx.
	SumEntries(ctx context.Context, accountID AccountID) (int64, error)
}

// =============================================================================
// READER
// =============================================================================

// EntryQuery selects a page of entries, newest first.
type EntryQuery struct {
	Limit int
	// BeforeSeq restricts to entries with Seq < BeforeSeq. Zero means no bound.
	BeforeSeq int64
}

// RequestFilter selects service requests. Empty fields match everything.
type RequestFilter struct {
	MemberID AccountID
	Statuses []RequestStatus
}

// Reader serves queries that do not need a transaction.
type Reader interface {
	GetAccount(ctx context.Context, id AccountID) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)

	// ListEntries returns entries ordered by CreatedAt desc, Seq desc.
	ListEntries(ctx context.Context, accountID AccountID, q EntryQuery) ([]Entry, error)
	// SumEntries returns the sum of all deltas for an account.
	SumEntries(ctx context.Context, accountID AccountID) (int64, error)

	GetServiceRequest(ctx context.Context, id RequestID) (ServiceRequest, error)
	// ListServiceRequests returns matching requests, oldest first.
	ListServiceRequests(ctx context.Context, f RequestFilter) ([]ServiceRequest, error)

	GetReward(ctx context.Context, id RewardID) (Reward, error)
	ListRewards(ctx context.Context) ([]Reward, error)
}

// =============================================================================
// STORE
// =============================================================================

// Store is the full persistence contract.
type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// UpsertReward writes a catalog entry. Catalog maintenance is not part
	// of the points invariant surface.
	UpsertReward(ctx context.Context, reward Reward) error

	Close() error
}
