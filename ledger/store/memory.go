// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/collectif/connect-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps all records in maps and runs transactions with optimistic
// concurrency: a Tx stages its writes, remembers the version of every
// record it read, and at commit fails with ledger.ErrConflict if any of
// them changed in the meantime.
type Memory struct {
	mu          sync.RWMutex
	accounts    map[ledger.AccountID]ledger.Account
	requests    map[ledger.RequestID]ledger.ServiceRequest
	rewards     map[ledger.RewardID]ledger.Reward
	entries     []ledger.Entry // in Seq order
	idempotency map[string]ledger.EntryID
	seq         int64
	lastAt      time.Time

	// Clock is the server clock. Defaults to time.Now in UTC.
	Clock func() time.Time

	faultMu sync.Mutex
	fault   func(op string) error
}

func NewMemory() *Memory {
	return &Memory{
		accounts:    make(map[ledger.AccountID]ledger.Account),
		requests:    make(map[ledger.RequestID]ledger.ServiceRequest),
		rewards:     make(map[ledger.RewardID]ledger.Reward),
		idempotency: make(map[string]ledger.EntryID),
		Clock:       func() time.Time { return time.Now().UTC() },
	}
}

var _ ledger.Store = (*Memory)(nil)

// InjectFault installs a hook called before every transactional write and
// before commit, with the operation name ("insert_account", "update_account",
// "insert_request", "update_request", "append_entry", "commit"). A non-nil
// return aborts the transaction with that error. Pass nil to clear.
func (m *Memory) InjectFault(fn func(op string) error) {
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	m.fault = fn
}

func (m *Memory) checkFault(op string) error {
	m.faultMu.Lock()
	fn := m.fault
	m.faultMu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(op)
}

func (m *Memory) Close() error { return nil }

// =============================================================================
// FIXTURES - bypass the ledger, for tests and demo data only
// =============================================================================

// SeedAccount writes an account as-is. The balance is not backed by
// entries, so seeding a non-zero balance creates drift on purpose.
func (m *Memory) SeedAccount(acct ledger.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct.Version++
	m.accounts[acct.ID] = acct
}

// SeedServiceRequest writes a service request as-is.
func (m *Memory) SeedServiceRequest(req ledger.ServiceRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req.Version++
	m.requests[req.ID] = req
}

// =============================================================================
// READER
// =============================================================================

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acct, nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ledger.Account, 0, len(m.accounts))
	for _, acct := range m.accounts {
		result = append(result, acct)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) ListEntries(_ context.Context, accountID ledger.AccountID, q ledger.EntryQuery) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if e.AccountID != accountID {
			continue
		}
		if q.BeforeSeq > 0 && e.Seq >= q.BeforeSeq {
			continue
		}
		result = append(result, e)
		if q.Limit > 0 && len(result) == q.Limit {
			break
		}
	}
	return result, nil
}

func (m *Memory) SumEntries(_ context.Context, accountID ledger.AccountID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sumLocked(accountID), nil
}

func (m *Memory) sumLocked(accountID ledger.AccountID) int64 {
	var sum int64
	for _, e := range m.entries {
		if e.AccountID == accountID {
			sum += e.Delta
		}
	}
	return sum
}

func (m *Memory) GetServiceRequest(_ context.Context, id ledger.RequestID) (ledger.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return ledger.ServiceRequest{}, ledger.ErrRequestNotFound
	}
	return req, nil
}

func (m *Memory) ListServiceRequests(_ context.Context, f ledger.RequestFilter) ([]ledger.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.ServiceRequest
	for _, req := range m.requests {
		if f.MemberID != "" && req.MemberID != f.MemberID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, req.Status) {
			continue
		}
		result = append(result, req)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func containsStatus(statuses []ledger.RequestStatus, s ledger.RequestStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func (m *Memory) GetReward(_ context.Context, id ledger.RewardID) (ledger.Reward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rewards[id]
	if !ok {
		return ledger.Reward{}, ledger.ErrRewardNotFound
	}
	return r, nil
}

func (m *Memory) ListRewards(_ context.Context) ([]ledger.Reward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ledger.Reward, 0, len(m.rewards))
	for _, r := range m.rewards {
		result = append(result, r)
	}
	sortRewards(result)
	return result, nil
}

func sortRewards(rewards []ledger.Reward) {
	sort.Slice(rewards, func(i, j int) bool {
		if rewards[i].PointsCost != rewards[j].PointsCost {
			return rewards[i].PointsCost < rewards[j].PointsCost
		}
		return rewards[i].ID < rewards[j].ID
	})
}

func (m *Memory) UpsertReward(_ context.Context, reward ledger.Reward) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rewards[reward.ID] = reward
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn against a staged view and commits it if no record read by
// fn changed concurrently.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx := &memoryTx{
		parent:       m,
		now:          m.Clock(),
		readAccounts: make(map[ledger.AccountID]int64),
		readRequests: make(map[ledger.RequestID]int64),
		accounts:     make(map[ledger.AccountID]ledger.Account),
		requests:     make(map[ledger.RequestID]ledger.ServiceRequest),
		newAccounts:  make(map[ledger.AccountID]bool),
		newRequests:  make(map[ledger.RequestID]bool),
		keys:         make(map[string]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.commit(tx)
}

func (m *Memory) commit(tx *memoryTx) error {
	if err := m.checkFault("commit"); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate the read set. Version 0 means "read as absent".
	for id, v := range tx.readAccounts {
		if m.accounts[id].Version != v {
			return fmt.Errorf("account %s: %w", id, ledger.ErrConflict)
		}
	}
	for id, v := range tx.readRequests {
		if m.requests[id].Version != v {
			return fmt.Errorf("service request %s: %w", id, ledger.ErrConflict)
		}
	}
	for id := range tx.newAccounts {
		if _, exists := m.accounts[id]; exists {
			return fmt.Errorf("account %s: %w", id, ledger.ErrAlreadyExists)
		}
	}
	for id := range tx.newRequests {
		if _, exists := m.requests[id]; exists {
			return fmt.Errorf("service request %s: %w", id, ledger.ErrAlreadyExists)
		}
	}
	for _, e := range tx.entries {
		if e.IdempotencyKey == "" {
			continue
		}
		if _, exists := m.idempotency[e.IdempotencyKey]; exists {
			// Another transaction used the key after we checked it.
			return fmt.Errorf("idempotency key %s: %w", e.IdempotencyKey, ledger.ErrConflict)
		}
	}

	// Apply.
	for id, acct := range tx.accounts {
		acct.Version = m.accounts[id].Version + 1
		m.accounts[id] = acct
	}
	for id, req := range tx.requests {
		req.Version = m.requests[id].Version + 1
		m.requests[id] = req
	}
	at := tx.now
	if at.Before(m.lastAt) {
		at = m.lastAt
	}
	for _, e := range tx.entries {
		m.seq++
		e.Seq = m.seq
		e.CreatedAt = at
		m.entries = append(m.entries, e)
		if e.IdempotencyKey != "" {
			m.idempotency[e.IdempotencyKey] = e.ID
		}
	}
	m.lastAt = at
	return nil
}

// memoryTx is a staged view. Reads see the transaction's own writes first.
type memoryTx struct {
	parent *Memory
	now    time.Time

	readAccounts map[ledger.AccountID]int64
	readRequests map[ledger.RequestID]int64

	accounts    map[ledger.AccountID]ledger.Account
	requests    map[ledger.RequestID]ledger.ServiceRequest
	newAccounts map[ledger.AccountID]bool
	newRequests map[ledger.RequestID]bool
	entries     []ledger.Entry
	keys        map[string]bool
}

func (tx *memoryTx) Now() time.Time { return tx.now }

func (tx *memoryTx) GetAccount(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	if acct, ok := tx.accounts[id]; ok {
		return acct, nil
	}
	tx.parent.mu.RLock()
	acct, ok := tx.parent.accounts[id]
	tx.parent.mu.RUnlock()

	if _, seen := tx.readAccounts[id]; !seen {
		tx.readAccounts[id] = acct.Version
	}
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acct, nil
}

func (tx *memoryTx) InsertAccount(ctx context.Context, acct ledger.Account) error {
	if err := tx.parent.checkFault("insert_account"); err != nil {
		return err
	}
	if _, err := tx.GetAccount(ctx, acct.ID); err == nil {
		return ledger.ErrAlreadyExists
	}
	tx.accounts[acct.ID] = acct
	tx.newAccounts[acct.ID] = true
	return nil
}

func (tx *memoryTx) UpdateAccount(ctx context.Context, acct ledger.Account) error {
	if err := tx.parent.checkFault("update_account"); err != nil {
		return err
	}
	if _, err := tx.GetAccount(ctx, acct.ID); err != nil {
		return err
	}
	tx.accounts[acct.ID] = acct
	return nil
}

func (tx *memoryTx) GetServiceRequest(_ context.Context, id ledger.RequestID) (ledger.ServiceRequest, error) {
	if req, ok := tx.requests[id]; ok {
		return req, nil
	}
	tx.parent.mu.RLock()
	req, ok := tx.parent.requests[id]
	tx.parent.mu.RUnlock()

	if _, seen := tx.readRequests[id]; !seen {
		tx.readRequests[id] = req.Version
	}
	if !ok {
		return ledger.ServiceRequest{}, ledger.ErrRequestNotFound
	}
	return req, nil
}

func (tx *memoryTx) InsertServiceRequest(ctx context.Context, req ledger.ServiceRequest) error {
	if err := tx.parent.checkFault("insert_request"); err != nil {
		return err
	}
	if _, err := tx.GetServiceRequest(ctx, req.ID); err == nil {
		return ledger.ErrAlreadyExists
	}
	tx.requests[req.ID] = req
	tx.newRequests[req.ID] = true
	return nil
}

func (tx *memoryTx) UpdateServiceRequest(ctx context.Context, req ledger.ServiceRequest) error {
	if err := tx.parent.checkFault("update_request"); err != nil {
		return err
	}
	if _, err := tx.GetServiceRequest(ctx, req.ID); err != nil {
		return err
	}
	tx.requests[req.ID] = req
	return nil
}

func (tx *memoryTx) GetReward(ctx context.Context, id ledger.RewardID) (ledger.Reward, error) {
	return tx.parent.GetReward(ctx, id)
}

func (tx *memoryTx) AppendEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	if err := tx.parent.checkFault("append_entry"); err != nil {
		return ledger.Entry{}, err
	}
	if e.IdempotencyKey != "" {
		exists, err := tx.EntryExists(ctx, e.IdempotencyKey)
		if err != nil {
			return ledger.Entry{}, err
		}
		if exists {
			return ledger.Entry{}, ledger.ErrDuplicateEntry
		}
		tx.keys[e.IdempotencyKey] = true
	}
	// Seq is assigned at commit; CreatedAt is the transaction time.
	e.CreatedAt = tx.now
	tx.entries = append(tx.entries, e)
	return e, nil
}

func (tx *memoryTx) EntryExists(_ context.Context, key string) (bool, error) {
	if tx.keys[key] {
		return true, nil
	}
	tx.parent.mu.RLock()
	defer tx.parent.mu.RUnlock()
	_, ok := tx.parent.idempotency[key]
	return ok, nil
}

func (tx *memoryTx) SumEntries(_ context.Context, accountID ledger.AccountID) (int64, error) {
	tx.parent.mu.RLock()
	sum := tx.parent.sumLocked(accountID)
	tx.parent.mu.RUnlock()
	for _, e := range tx.entries {
		if e.AccountID == accountID {
			sum += e.Delta
		}
	}
	return sum, nil
}
