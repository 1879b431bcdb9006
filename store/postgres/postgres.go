/*
Package postgres provides a PostgreSQL-backed implementation of ledger.Store.

PURPOSE:
  The multi-instance engine. Several API processes can share one database;
  correctness comes from SERIALIZABLE transactions rather than from a
  single writer.

APPEND-ONLY ENFORCEMENT:
  ledger_entries has a trigger that raises on UPDATE and DELETE.

CONCURRENCY:
  Every WithTx runs at SERIALIZABLE isolation. When PostgreSQL aborts a
  transaction with serialization_failure (40001) or deadlock_detected
  (40P01), the error is reported as ledger.ErrConflict and the
  ledger.Transactor runs the whole unit of work again.

USAGE:
  store, err := postgres.New(ctx, os.Getenv("DATABASE_URL"))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New().
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/collectif/connect-ledger/ledger"
)

// PostgreSQL error codes the store translates.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

const idempotencyConstraint = "ledger_entries_idempotency_key_key"

// Store implements ledger.Store using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool

	// Clock is the server clock. Defaults to time.Now in UTC.
	Clock func() time.Time
}

var _ ledger.Store = (*Store)(nil)

// New connects to databaseURL and migrates the schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{pool: pool, Clock: func() time.Time { return time.Now().UTC() }}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		email TEXT,
		tier TEXT NOT NULL CHECK (tier IN ('essential', 'privilege')),
		role TEXT NOT NULL CHECK (role IN ('member', 'concierge', 'admin')),
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		version BIGINT NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		kind TEXT NOT NULL,
		delta BIGINT NOT NULL CHECK (delta <> 0),
		description TEXT NOT NULL DEFAULT '',
		related_id TEXT,
		idempotency_key TEXT UNIQUE,
		actor_id TEXT,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_account_seq
		ON ledger_entries(account_id, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_created_at
		ON ledger_entries(created_at DESC);

	CREATE OR REPLACE FUNCTION ledger_entries_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'ledger entries are append-only';
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS ledger_entries_append_only ON ledger_entries;
	CREATE TRIGGER ledger_entries_append_only
		BEFORE UPDATE OR DELETE ON ledger_entries
		FOR EACH ROW EXECUTE FUNCTION ledger_entries_append_only();

	CREATE TABLE IF NOT EXISTS service_requests (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		description TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('new', 'in_progress', 'completed')),
		validated_by TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		version BIGINT NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_service_requests_member
		ON service_requests(member_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_service_requests_status
		ON service_requests(status, created_at);

	CREATE TABLE IF NOT EXISTS rewards (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		points_cost BIGINT NOT NULL CHECK (points_cost > 0),
		required_tier TEXT NOT NULL CHECK (required_tier IN ('essential', 'privilege')),
		active BOOLEAN NOT NULL DEFAULT TRUE
	);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// queryer is satisfied by *pgxpool.Pool and pgx.Tx.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// READER
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	return getAccount(ctx, s.pool, id)
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

func (s *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, q ledger.EntryQuery) ([]ledger.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE account_id = $1`
	args := []any{string(accountID)}
	if q.BeforeSeq > 0 {
		args = append(args, q.BeforeSeq)
		query += fmt.Sprintf(` AND seq < $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC, seq DESC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) SumEntries(ctx context.Context, accountID ledger.AccountID) (int64, error) {
	return sumEntries(ctx, s.pool, accountID)
}

func (s *Store) GetServiceRequest(ctx context.Context, id ledger.RequestID) (ledger.ServiceRequest, error) {
	return getServiceRequest(ctx, s.pool, id)
}

func (s *Store) ListServiceRequests(ctx context.Context, f ledger.RequestFilter) ([]ledger.ServiceRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM service_requests WHERE TRUE`
	var args []any
	if f.MemberID != "" {
		args = append(args, string(f.MemberID))
		query += fmt.Sprintf(` AND member_id = $%d`, len(args))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		query += fmt.Sprintf(` AND status = ANY($%d)`, len(args))
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query service requests: %w", err)
	}
	defer rows.Close()

	var reqs []ledger.ServiceRequest
	for rows.Next() {
		req, err := scanServiceRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

func (s *Store) GetReward(ctx context.Context, id ledger.RewardID) (ledger.Reward, error) {
	return getReward(ctx, s.pool, id)
}

func (s *Store) ListRewards(ctx context.Context) ([]ledger.Reward, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+rewardColumns+` FROM rewards ORDER BY points_cost ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rewards: %w", err)
	}
	defer rows.Close()

	var rewards []ledger.Reward
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		rewards = append(rewards, r)
	}
	return rewards, rows.Err()
}

// UpsertReward inserts or replaces a catalog entry.
func (s *Store) UpsertReward(ctx context.Context, r ledger.Reward) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rewards (id, title, description, points_cost, required_tier, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			points_cost = EXCLUDED.points_cost,
			required_tier = EXCLUDED.required_tier,
			active = EXCLUDED.active`,
		string(r.ID), r.Title, r.Description, r.PointsCost, string(r.RequiredTier), r.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert reward: %w", mapError(err))
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn in a SERIALIZABLE transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx, now: s.Clock()}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", mapError(err))
	}
	return nil
}

type txStore struct {
	tx  pgx.Tx
	now time.Time
}

func (ts *txStore) Now() time.Time { return ts.now }

func (ts *txStore) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	return getAccount(ctx, ts.tx, id)
}

func (ts *txStore) InsertAccount(ctx context.Context, a ledger.Account) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO accounts (id, display_name, email, tier, role, balance, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)`,
		string(a.ID), a.DisplayName, nullString(a.Email), string(a.Tier), string(a.Role), a.Balance,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", mapError(err))
	}
	return nil
}

func (ts *txStore) UpdateAccount(ctx context.Context, a ledger.Account) error {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE accounts
		SET display_name = $1, email = $2, tier = $3, role = $4, balance = $5, updated_at = $6, version = version + 1
		WHERE id = $7`,
		a.DisplayName, nullString(a.Email), string(a.Tier), string(a.Role), a.Balance, a.UpdatedAt, string(a.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

func (ts *txStore) GetServiceRequest(ctx context.Context, id ledger.RequestID) (ledger.ServiceRequest, error) {
	return getServiceRequest(ctx, ts.tx, id)
}

func (ts *txStore) InsertServiceRequest(ctx context.Context, r ledger.ServiceRequest) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO service_requests (id, member_id, description, status, validated_by, created_at, updated_at, completed_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)`,
		string(r.ID), string(r.MemberID), r.Description, string(r.Status), nullString(string(r.ValidatedBy)),
		r.CreatedAt, r.UpdatedAt, r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert service request: %w", mapError(err))
	}
	return nil
}

func (ts *txStore) UpdateServiceRequest(ctx context.Context, r ledger.ServiceRequest) error {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE service_requests
		SET description = $1, status = $2, validated_by = $3, updated_at = $4, completed_at = $5, version = version + 1
		WHERE id = $6`,
		r.Description, string(r.Status), nullString(string(r.ValidatedBy)), r.UpdatedAt, r.CompletedAt, string(r.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update service request: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrRequestNotFound
	}
	return nil
}

func (ts *txStore) GetReward(ctx context.Context, id ledger.RewardID) (ledger.Reward, error) {
	return getReward(ctx, ts.tx, id)
}

func (ts *txStore) AppendEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	// created_at never goes backwards even if the server clock does.
	err := ts.tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (id, account_id, kind, delta, description, related_id, idempotency_key, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8,
			GREATEST($9::timestamptz, (SELECT MAX(created_at) FROM ledger_entries)))
		RETURNING seq, created_at`,
		string(e.ID), string(e.AccountID), string(e.Kind), e.Delta, e.Description,
		nullString(e.RelatedID), nullString(e.IdempotencyKey), nullString(string(e.ActorID)),
		ts.now,
	).Scan(&e.Seq, &e.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation && pgErr.ConstraintName == idempotencyConstraint {
			return ledger.Entry{}, ledger.ErrDuplicateEntry
		}
		return ledger.Entry{}, fmt.Errorf("failed to append entry: %w", mapError(err))
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

func (ts *txStore) EntryExists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := ts.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE idempotency_key = $1)`, key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", mapError(err))
	}
	return exists, nil
}

func (ts *txStore) SumEntries(ctx context.Context, accountID ledger.AccountID) (int64, error) {
	return sumEntries(ctx, ts.tx, accountID)
}

// =============================================================================
// SHARED QUERIES
// =============================================================================

const (
	accountColumns = `id, display_name, email, tier, role, balance, created_at, updated_at, version`
	entryColumns   = `seq, id, account_id, kind, delta, description, related_id, idempotency_key, actor_id, created_at`
	requestColumns = `id, member_id, description, status, validated_by, created_at, updated_at, completed_at, version`
	rewardColumns  = `id, title, description, points_cost, required_tier, active`
)

func getAccount(ctx context.Context, q queryer, id ledger.AccountID) (ledger.Account, error) {
	acct, err := scanAccount(q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acct, err
}

func scanAccount(row pgx.Row) (ledger.Account, error) {
	var (
		a                     ledger.Account
		id, tier, role, email string
		nullableEmail         *string
	)
	err := row.Scan(&id, &a.DisplayName, &nullableEmail, &tier, &role, &a.Balance, &a.CreatedAt, &a.UpdatedAt, &a.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("failed to scan account: %w", mapError(err))
	}
	if nullableEmail != nil {
		email = *nullableEmail
	}
	a.ID = ledger.AccountID(id)
	a.Email = email
	a.Tier = ledger.Tier(tier)
	a.Role = ledger.Role(role)
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, nil
}

func scanEntry(row pgx.Row) (ledger.Entry, error) {
	var (
		e                       ledger.Entry
		id, accountID, kind     string
		relatedID, key, actorID *string
	)
	err := row.Scan(&e.Seq, &id, &accountID, &kind, &e.Delta, &e.Description,
		&relatedID, &key, &actorID, &e.CreatedAt)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}
	e.ID = ledger.EntryID(id)
	e.AccountID = ledger.AccountID(accountID)
	e.Kind = ledger.EntryKind(kind)
	e.RelatedID = deref(relatedID)
	e.IdempotencyKey = deref(key)
	e.ActorID = ledger.AccountID(deref(actorID))
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

func sumEntries(ctx context.Context, q queryer, accountID ledger.AccountID) (int64, error) {
	var sum int64
	err := q.QueryRow(ctx,
		`SELECT COALESCE(SUM(delta), 0)::BIGINT FROM ledger_entries WHERE account_id = $1`, string(accountID),
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum entries: %w", mapError(err))
	}
	return sum, nil
}

func getServiceRequest(ctx context.Context, q queryer, id ledger.RequestID) (ledger.ServiceRequest, error) {
	req, err := scanServiceRequest(q.QueryRow(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ServiceRequest{}, ledger.ErrRequestNotFound
	}
	return req, err
}

func scanServiceRequest(row pgx.Row) (ledger.ServiceRequest, error) {
	var (
		r                    ledger.ServiceRequest
		id, memberID, status string
		validatedBy          *string
		completedAt          *time.Time
	)
	err := row.Scan(&id, &memberID, &r.Description, &status, &validatedBy,
		&r.CreatedAt, &r.UpdatedAt, &completedAt, &r.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan service request: %w", mapError(err))
	}
	r.ID = ledger.RequestID(id)
	r.MemberID = ledger.AccountID(memberID)
	r.Status = ledger.RequestStatus(status)
	r.ValidatedBy = ledger.AccountID(deref(validatedBy))
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	if completedAt != nil {
		t := completedAt.UTC()
		r.CompletedAt = &t
	}
	return r, nil
}

func getReward(ctx context.Context, q queryer, id ledger.RewardID) (ledger.Reward, error) {
	r, err := scanReward(q.QueryRow(ctx, `SELECT `+rewardColumns+` FROM rewards WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Reward{}, ledger.ErrRewardNotFound
	}
	return r, err
}

func scanReward(row pgx.Row) (ledger.Reward, error) {
	var (
		r        ledger.Reward
		id, tier string
	)
	err := row.Scan(&id, &r.Title, &r.Description, &r.PointsCost, &tier, &r.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan reward: %w", mapError(err))
	}
	r.ID = ledger.RewardID(id)
	r.RequiredTier = ledger.Tier(tier)
	return r, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// mapError turns serialization failures and deadlocks into
// ledger.ErrConflict and unique violations into ledger.ErrAlreadyExists,
// keeping the driver error in the chain.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeSerializationFailure, codeDeadlockDetected:
		return fmt.Errorf("%w: %w", ledger.ErrConflict, err)
	case codeUniqueViolation:
		return fmt.Errorf("%w: %w", ledger.ErrAlreadyExists, err)
	}
	return err
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
