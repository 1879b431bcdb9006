/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  The default single-node engine. Every workflow transaction runs as one
  SQLite write transaction, so the status change, the balance update and
  the ledger entry commit or roll back together.

APPEND-ONLY ENFORCEMENT:
  ledger_entries has BEFORE UPDATE / BEFORE DELETE triggers that abort.
  There is no UPDATE or DELETE statement on it in this package.

KEY TABLES:
  accounts:         balance cache + tier + role, CHECK (balance >= 0)
  ledger_entries:   immutable history, seq orders it, idempotency_key UNIQUE
  service_requests: concierge workflow state
  rewards:          catalog

CONCURRENCY:
  The DSN sets _txlock=immediate, so every transaction takes the write
  lock at BEGIN and reads inside it can never go stale. A writer that
  cannot get the lock within the busy timeout gets SQLITE_BUSY, which is
  reported as ledger.ErrConflict and retried by ledger.Transactor.

WAL MODE:
  Opened with WAL so readers do not block the writer.

USAGE:
  store, err := sqlite.New("./data/connect.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New().
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/collectif/connect-ledger/ledger"
)

// timeLayout is fixed width so TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB

	// Clock is the server clock. Defaults to time.Now in UTC.
	Clock func() time.Time
}

var _ ledger.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, Clock: func() time.Time { return time.Now().UTC() }}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		email TEXT,
		tier TEXT NOT NULL CHECK (tier IN ('essential', 'privilege')),
		role TEXT NOT NULL CHECK (role IN ('member', 'concierge', 'admin')),
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);

	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		kind TEXT NOT NULL,
		delta INTEGER NOT NULL CHECK (delta <> 0),
		description TEXT NOT NULL DEFAULT '',
		related_id TEXT,
		idempotency_key TEXT UNIQUE,
		actor_id TEXT,
		created_at TEXT NOT NULL
	);

	-- History pages (hot path)
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_account_seq
		ON ledger_entries(account_id, seq DESC);

	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
		BEFORE UPDATE ON ledger_entries
		BEGIN SELECT RAISE(ABORT, 'ledger entries are append-only'); END;

	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
		BEFORE DELETE ON ledger_entries
		BEGIN SELECT RAISE(ABORT, 'ledger entries are append-only'); END;

	CREATE TABLE IF NOT EXISTS service_requests (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		description TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('new', 'in_progress', 'completed')),
		validated_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		completed_at TEXT,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_service_requests_member
		ON service_requests(member_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_service_requests_status
		ON service_requests(status, created_at);

	CREATE TABLE IF NOT EXISTS rewards (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		points_cost INTEGER NOT NULL CHECK (points_cost > 0),
		required_tier TEXT NOT NULL CHECK (required_tier IN ('essential', 'privilege')),
		active INTEGER NOT NULL DEFAULT 1
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// READER
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	return getAccount(ctx, s.db, id)
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
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
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE account_id = ?`
	args := []any{accountID}
	if q.BeforeSeq > 0 {
		query += ` AND seq < ?`
		args = append(args, q.BeforeSeq)
	}
	query += ` ORDER BY seq DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	return sumEntries(ctx, s.db, accountID)
}

func (s *Store) GetServiceRequest(ctx context.Context, id ledger.RequestID) (ledger.ServiceRequest, error) {
	return getServiceRequest(ctx, s.db, id)
}

func (s *Store) ListServiceRequests(ctx context.Context, f ledger.RequestFilter) ([]ledger.ServiceRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM service_requests WHERE 1=1`
	var args []any
	if f.MemberID != "" {
		query += ` AND member_id = ?`
		args = append(args, f.MemberID)
	}
	if len(f.Statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(", ?", len(f.Statuses)-1) + `)`
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	return getReward(ctx, s.db, id)
}

func (s *Store) ListRewards(ctx context.Context) ([]ledger.Reward, error) {
	rows, err := s.db.QueryContext(ctx,
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rewards (id, title, description, points_cost, required_tier, active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			points_cost = excluded.points_cost,
			required_tier = excluded.required_tier,
			active = excluded.active`,
		r.ID, r.Title, r.Description, r.PointsCost, r.RequiredTier, r.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert reward: %w", mapError(err))
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes a function within a database transaction. The transaction
// starts with BEGIN IMMEDIATE.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, now: s.Clock()}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", mapError(err))
	}
	return nil
}

type txStore struct {
	tx  *sql.Tx
	now time.Time
}

func (ts *txStore) Now() time.Time { return ts.now }

func (ts *txStore) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	return getAccount(ctx, ts.tx, id)
}

func (ts *txStore) InsertAccount(ctx context.Context, a ledger.Account) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO accounts (id, display_name, email, tier, role, balance, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		a.ID, a.DisplayName, nullString(a.Email), a.Tier, a.Role, a.Balance,
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", mapError(err))
	}
	return nil
}

func (ts *txStore) UpdateAccount(ctx context.Context, a ledger.Account) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE accounts
		SET display_name = ?, email = ?, tier = ?, role = ?, balance = ?, updated_at = ?, version = version + 1
		WHERE id = ?`,
		a.DisplayName, nullString(a.Email), a.Tier, a.Role, a.Balance, formatTime(a.UpdatedAt), a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", mapError(err))
	}
	return requireRow(res, ledger.ErrAccountNotFound)
}

func (ts *txStore) GetServiceRequest(ctx context.Context, id ledger.RequestID) (ledger.ServiceRequest, error) {
	return getServiceRequest(ctx, ts.tx, id)
}

func (ts *txStore) InsertServiceRequest(ctx context.Context, r ledger.ServiceRequest) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO service_requests (id, member_id, description, status, validated_by, created_at, updated_at, completed_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		r.ID, r.MemberID, r.Description, r.Status, nullString(string(r.ValidatedBy)),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt), nullTime(r.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert service request: %w", mapError(err))
	}
	return nil
}

func (ts *txStore) UpdateServiceRequest(ctx context.Context, r ledger.ServiceRequest) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE service_requests
		SET description = ?, status = ?, validated_by = ?, updated_at = ?, completed_at = ?, version = version + 1
		WHERE id = ?`,
		r.Description, r.Status, nullString(string(r.ValidatedBy)),
		formatTime(r.UpdatedAt), nullTime(r.CompletedAt), r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update service request: %w", mapError(err))
	}
	return requireRow(res, ledger.ErrRequestNotFound)
}

func (ts *txStore) GetReward(ctx context.Context, id ledger.RewardID) (ledger.Reward, error) {
	return getReward(ctx, ts.tx, id)
}

func (ts *txStore) AppendEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	// created_at never goes backwards even if the server clock does.
	createdAt := ts.now
	var last sql.NullString
	if err := ts.tx.QueryRowContext(ctx, `SELECT MAX(created_at) FROM ledger_entries`).Scan(&last); err != nil {
		return ledger.Entry{}, fmt.Errorf("failed to read last entry time: %w", mapError(err))
	}
	if last.Valid {
		if t := parseTime(last.String); t.After(createdAt) {
			createdAt = t
		}
	}
	e.CreatedAt = createdAt

	res, err := ts.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, kind, delta, description, related_id, idempotency_key, actor_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.Kind, e.Delta, e.Description,
		nullString(e.RelatedID), nullString(e.IdempotencyKey), nullString(string(e.ActorID)),
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "idempotency_key") {
			return ledger.Entry{}, ledger.ErrDuplicateEntry
		}
		return ledger.Entry{}, fmt.Errorf("failed to append entry: %w", mapError(err))
	}
	if e.Seq, err = res.LastInsertId(); err != nil {
		return ledger.Entry{}, fmt.Errorf("failed to read entry seq: %w", err)
	}
	return e, nil
}

func (ts *txStore) EntryExists(ctx context.Context, key string) (bool, error) {
	var count int
	err := ts.tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ledger_entries WHERE idempotency_key = ?", key,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", mapError(err))
	}
	return count > 0, nil
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

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func getAccount(ctx context.Context, q queryer, id ledger.AccountID) (ledger.Account, error) {
	row := q.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acct, err
}

func scanAccount(row scanner) (ledger.Account, error) {
	var (
		a                    ledger.Account
		email                sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&a.ID, &a.DisplayName, &email, &a.Tier, &a.Role, &a.Balance, &createdAt, &updatedAt, &a.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return a, err
		}
		return a, fmt.Errorf("failed to scan account: %w", mapError(err))
	}
	a.Email = email.String
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

func scanEntry(row scanner) (ledger.Entry, error) {
	var (
		e                       ledger.Entry
		relatedID, key, actorID sql.NullString
		createdAt               string
	)
	err := row.Scan(&e.Seq, &e.ID, &e.AccountID, &e.Kind, &e.Delta, &e.Description,
		&relatedID, &key, &actorID, &createdAt)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}
	e.RelatedID = relatedID.String
	e.IdempotencyKey = key.String
	e.ActorID = ledger.AccountID(actorID.String)
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

func sumEntries(ctx context.Context, q queryer, accountID ledger.AccountID) (int64, error) {
	var sum int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE account_id = ?`, accountID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum entries: %w", mapError(err))
	}
	return sum, nil
}

func getServiceRequest(ctx context.Context, q queryer, id ledger.RequestID) (ledger.ServiceRequest, error) {
	row := q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM service_requests WHERE id = ?`, id)
	req, err := scanServiceRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ServiceRequest{}, ledger.ErrRequestNotFound
	}
	return req, err
}

func scanServiceRequest(row scanner) (ledger.ServiceRequest, error) {
	var (
		r                      ledger.ServiceRequest
		validatedBy, completed sql.NullString
		createdAt, updatedAt   string
	)
	err := row.Scan(&r.ID, &r.MemberID, &r.Description, &r.Status, &validatedBy,
		&createdAt, &updatedAt, &completed, &r.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan service request: %w", mapError(err))
	}
	r.ValidatedBy = ledger.AccountID(validatedBy.String)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	if completed.Valid {
		t := parseTime(completed.String)
		r.CompletedAt = &t
	}
	return r, nil
}

func getReward(ctx context.Context, q queryer, id ledger.RewardID) (ledger.Reward, error) {
	row := q.QueryRowContext(ctx, `SELECT `+rewardColumns+` FROM rewards WHERE id = ?`, id)
	r, err := scanReward(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Reward{}, ledger.ErrRewardNotFound
	}
	return r, err
}

func scanReward(row scanner) (ledger.Reward, error) {
	var r ledger.Reward
	err := row.Scan(&r.ID, &r.Title, &r.Description, &r.PointsCost, &r.RequiredTier, &r.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan reward: %w", mapError(err))
	}
	return r, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// mapError turns lock contention into ledger.ErrConflict and duplicate keys
// into ledger.ErrAlreadyExists, keeping the driver error in the chain.
func mapError(err error) error {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}
	switch {
	case se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked:
		return fmt.Errorf("%w: %w", ledger.ErrConflict, err)
	case se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique:
		return fmt.Errorf("%w: %w", ledger.ErrAlreadyExists, err)
	}
	return err
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}
