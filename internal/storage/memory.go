package storage

import (
	"context"
	"sync"

	"ledger-reconciliation-service/internal/models"
)

// MemoryStore is a mutex-guarded in-memory Store. Values are copied on the way in and out.
type MemoryStore struct {
	mu      sync.RWMutex
	txns    map[string]*models.BankStatementTransaction
	entries map[string]*models.JournalEntry
	matches map[string]*models.ReconciliationMatch
	checks  map[string]*models.ConsistencyCheck
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txns:    make(map[string]*models.BankStatementTransaction),
		entries: make(map[string]*models.JournalEntry),
		matches: make(map[string]*models.ReconciliationMatch),
		checks:  make(map[string]*models.ConsistencyCheck),
	}
}

func (m *MemoryStore) SaveTransactions(ctx context.Context, txns []*models.BankStatementTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range txns {
		m.txns[t.ID] = cloneTxn(t)
	}
	return nil
}

func (m *MemoryStore) SaveJournalEntries(ctx context.Context, entries []*models.JournalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		m.entries[e.ID] = cloneEntry(e)
	}
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*models.BankStatementTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.txns[id]
	if !ok {
		return nil, notFound("transaction", id)
	}
	return cloneTxn(t), nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, filter TxnFilter) ([]*models.BankStatementTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.BankStatementTransaction
	for _, t := range m.txns {
		if filter.matches(t) {
			out = append(out, cloneTxn(t))
		}
	}
	sortTransactions(out)
	return out, nil
}

func (m *MemoryStore) ListJournalEntries(ctx context.Context, filter EntryFilter) ([]*models.JournalEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.JournalEntry
	for _, e := range m.entries {
		if filter.matches(e) {
			out = append(out, cloneEntry(e))
		}
	}
	sortEntries(out)
	return out, nil
}

func (m *MemoryStore) GetMatch(ctx context.Context, id string) (*models.ReconciliationMatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	match, ok := m.matches[id]
	if !ok {
		return nil, notFound("match", id)
	}
	return match.Clone(), nil
}

func (m *MemoryStore) ListMatches(ctx context.Context, filter MatchFilter) ([]*models.ReconciliationMatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.ReconciliationMatch
	for _, match := range m.matches {
		if filter.matches(match) {
			out = append(out, match.Clone())
		}
	}
	sortMatches(out)
	return out, nil
}

func (m *MemoryStore) SaveMatches(ctx context.Context, matches []*models.ReconciliationMatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, match := range matches {
		m.matches[match.ID] = match.Clone()
	}
	return nil
}

func (m *MemoryStore) GetCheck(ctx context.Context, id string) (*models.ConsistencyCheck, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.checks[id]
	if !ok {
		return nil, notFound("check", id)
	}
	return cloneCheck(c), nil
}

func (m *MemoryStore) ListChecks(ctx context.Context, filter CheckFilter) ([]*models.ConsistencyCheck, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.ConsistencyCheck
	for _, c := range m.checks {
		if filter.matches(c) {
			out = append(out, cloneCheck(c))
		}
	}
	sortChecks(out)
	return out, nil
}

func (m *MemoryStore) SaveChecks(ctx context.Context, checks []*models.ConsistencyCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range checks {
		m.checks[c.ID] = cloneCheck(c)
	}
	return nil
}

func (m *MemoryStore) FindCheckByFingerprint(ctx context.Context, fingerprint string) (*models.ConsistencyCheck, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found []*models.ConsistencyCheck
	for _, c := range m.checks {
		if c.Fingerprint == fingerprint {
			found = append(found, c)
		}
	}
	if len(found) == 0 {
		return nil, nil
	}
	sortChecks(found)
	return cloneCheck(found[len(found)-1]), nil
}

func (m *MemoryStore) Close() error {
	return nil
}
