// Package storage persists statement transactions, journal entries, reconciliation
// matches and consistency checks. MemoryStore serves tests and one-shot CLI runs;
// SQLStore serves sqlite3 and postgres through database/sql.
package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/pkg/errors"
)

// TxnFilter selects statement transactions. Zero values match everything.
type TxnFilter struct {
	AccountID   string
	StatementID string
	From        time.Time
	To          time.Time
	IDs         []string
}

// EntryFilter selects journal entries. Zero values match everything.
type EntryFilter struct {
	AccountID string
	From      time.Time
	To        time.Time
}

// MatchFilter selects reconciliation matches. Zero values match everything.
type MatchFilter struct {
	Statuses  []models.MatchStatus
	BankTxnID string
	RunID     string
	GroupID   string
}

// CheckFilter selects consistency checks. Zero values match everything.
type CheckFilter struct {
	Status models.CheckStatus
	Type   models.CheckType
	TxnID  string
}

// Store is the persistence boundary used by the run service and the review queue.
type Store interface {
	SaveTransactions(ctx context.Context, txns []*models.BankStatementTransaction) error
	SaveJournalEntries(ctx context.Context, entries []*models.JournalEntry) error
	GetTransaction(ctx context.Context, id string) (*models.BankStatementTransaction, error)
	ListTransactions(ctx context.Context, filter TxnFilter) ([]*models.BankStatementTransaction, error)
	ListJournalEntries(ctx context.Context, filter EntryFilter) ([]*models.JournalEntry, error)

	GetMatch(ctx context.Context, id string) (*models.ReconciliationMatch, error)
	ListMatches(ctx context.Context, filter MatchFilter) ([]*models.ReconciliationMatch, error)
	// SaveMatches inserts or updates every match in one atomic write
	SaveMatches(ctx context.Context, matches []*models.ReconciliationMatch) error

	GetCheck(ctx context.Context, id string) (*models.ConsistencyCheck, error)
	ListChecks(ctx context.Context, filter CheckFilter) ([]*models.ConsistencyCheck, error)
	SaveChecks(ctx context.Context, checks []*models.ConsistencyCheck) error
	// FindCheckByFingerprint returns the most recent check for a fingerprint, or nil
	FindCheckByFingerprint(ctx context.Context, fingerprint string) (*models.ConsistencyCheck, error)

	Close() error
}

func notFound(kind, id string) error {
	return errors.New(errors.CategoryStorage, errors.CodeNotFound, fmt.Sprintf("%s %s not found", kind, id)).
		WithContext("id", id)
}

// IsNotFound reports whether err is a missing-record error from a Store
func IsNotFound(err error) bool {
	return errors.HasErrorCode(err, errors.CodeNotFound)
}

func (f TxnFilter) matches(t *models.BankStatementTransaction) bool {
	if f.AccountID != "" && t.AccountID != f.AccountID {
		return false
	}
	if f.StatementID != "" && t.StatementID != f.StatementID {
		return false
	}
	if !inRange(t.Date, f.From, f.To) {
		return false
	}
	if len(f.IDs) > 0 && !contains(f.IDs, t.ID) {
		return false
	}
	return true
}

func (f EntryFilter) matches(e *models.JournalEntry) bool {
	if f.AccountID != "" && e.AccountID != f.AccountID {
		return false
	}
	return inRange(e.Date, f.From, f.To)
}

func (f MatchFilter) matches(m *models.ReconciliationMatch) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if m.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.BankTxnID != "" && m.BankTxnID != f.BankTxnID {
		return false
	}
	if f.RunID != "" && m.RunID != f.RunID {
		return false
	}
	if f.GroupID != "" && m.GroupID != f.GroupID {
		return false
	}
	return true
}

func (f CheckFilter) matches(c *models.ConsistencyCheck) bool {
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.Type != "" && c.CheckType != f.Type {
		return false
	}
	if f.TxnID != "" && !c.References(f.TxnID) {
		return false
	}
	return true
}

// inRange compares civil days so a From/To date includes the whole day
func inRange(t, from, to time.Time) bool {
	day := models.DayNumber(t)
	if !from.IsZero() && day < models.DayNumber(from) {
		return false
	}
	if !to.IsZero() && day > models.DayNumber(to) {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// sortTransactions orders by date then id, the processing order of a run
func sortTransactions(txns []*models.BankStatementTransaction) {
	sort.Slice(txns, func(i, j int) bool {
		if !txns[i].Date.Equal(txns[j].Date) {
			return txns[i].Date.Before(txns[j].Date)
		}
		return txns[i].ID < txns[j].ID
	})
}

func sortEntries(entries []*models.JournalEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Date.Equal(entries[j].Date) {
			return entries[i].Date.Before(entries[j].Date)
		}
		return entries[i].ID < entries[j].ID
	})
}

func sortMatches(matches []*models.ReconciliationMatch) {
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.Before(matches[j].CreatedAt)
		}
		return matches[i].ID < matches[j].ID
	})
}

func sortChecks(checks []*models.ConsistencyCheck) {
	sort.Slice(checks, func(i, j int) bool {
		if !checks[i].CreatedAt.Equal(checks[j].CreatedAt) {
			return checks[i].CreatedAt.Before(checks[j].CreatedAt)
		}
		return checks[i].ID < checks[j].ID
	})
}

func cloneTxn(t *models.BankStatementTransaction) *models.BankStatementTransaction {
	c := *t
	return &c
}

func cloneEntry(e *models.JournalEntry) *models.JournalEntry {
	c := *e
	c.Lines = append([]models.JournalLine(nil), e.Lines...)
	return &c
}

func cloneCheck(c *models.ConsistencyCheck) *models.ConsistencyCheck {
	out := *c
	out.RelatedTxnIDs = append([]string(nil), c.RelatedTxnIDs...)
	if c.Details != nil {
		out.Details = make(map[string]interface{}, len(c.Details))
		for k, v := range c.Details {
			out.Details[k] = v
		}
	}
	if c.ResolvedAt != nil {
		at := *c.ResolvedAt
		out.ResolvedAt = &at
	}
	return &out
}
