// Package history derives counterparty history from stored transactions and settled matches.
// A Book is a read-only snapshot taken at the start of a run.
package history

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"ledger-reconciliation-service/internal/matcher"
	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/internal/storage"
)

// Book indexes transactions and settled matches by normalized counterparty key
type Book struct {
	records  map[string][]matcher.HistoryRecord
	activity map[string][]*models.BankStatementTransaction
}

var _ matcher.HistorySource = (*Book)(nil)

// Build creates a book from in-memory data. Only accepted and auto-accepted matches
// contribute category history.
func Build(txns []*models.BankStatementTransaction, entries []*models.JournalEntry, matches []*models.ReconciliationMatch) *Book {
	b := &Book{
		records:  make(map[string][]matcher.HistoryRecord),
		activity: make(map[string][]*models.BankStatementTransaction),
	}

	byTxn := make(map[string]*models.BankStatementTransaction, len(txns))
	for _, t := range txns {
		byTxn[t.ID] = t
		if key := t.CounterpartyKey(); key != "" {
			b.activity[key] = append(b.activity[key], t)
		}
	}
	byEntry := make(map[string]*models.JournalEntry, len(entries))
	for _, e := range entries {
		byEntry[e.ID] = e
	}

	for _, m := range matches {
		if !m.Status.IsSettled() || len(m.JournalEntryIDs) == 0 {
			continue
		}
		t, ok := byTxn[m.BankTxnID]
		if !ok {
			continue
		}
		key := t.CounterpartyKey()
		e, ok := byEntry[m.JournalEntryIDs[0]]
		if key == "" || !ok {
			continue
		}
		b.records[key] = append(b.records[key], matcher.HistoryRecord{
			Date:     t.Date,
			Category: e.Category(),
			Amount:   t.AbsAmount(),
		})
	}

	for key := range b.records {
		recs := b.records[key]
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].Date.Before(recs[j].Date) })
	}
	for key := range b.activity {
		txns := b.activity[key]
		sort.SliceStable(txns, func(i, j int) bool {
			if !txns[i].Date.Equal(txns[j].Date) {
				return txns[i].Date.Before(txns[j].Date)
			}
			return txns[i].ID < txns[j].ID
		})
	}
	return b
}

// Load builds a book from everything in the store
func Load(ctx context.Context, store storage.Store) (*Book, error) {
	txns, err := store.ListTransactions(ctx, storage.TxnFilter{})
	if err != nil {
		return nil, err
	}
	entries, err := store.ListJournalEntries(ctx, storage.EntryFilter{})
	if err != nil {
		return nil, err
	}
	matches, err := store.ListMatches(ctx, storage.MatchFilter{
		Statuses: []models.MatchStatus{models.StatusAccepted, models.StatusAutoAccepted},
	})
	if err != nil {
		return nil, err
	}
	return Build(txns, entries, matches), nil
}

// Records returns the settled-match history of a counterparty in date order
func (b *Book) Records(counterparty string) []matcher.HistoryRecord {
	return b.records[counterparty]
}

// Activity returns every known transaction of a counterparty in date order
func (b *Book) Activity(counterparty string) []*models.BankStatementTransaction {
	return b.activity[counterparty]
}

// Keys returns the counterparty keys with activity in sorted order
func (b *Book) Keys() []string {
	keys := make([]string, 0, len(b.activity))
	for k := range b.activity {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Counterparties returns the number of distinct counterparties with activity
func (b *Book) Counterparties() int {
	return len(b.activity)
}

// MonthlyAverage returns the average monthly total of a counterparty's transactions dated
// strictly before `before` and within lookbackDays of it. Only months with activity count.
// ok is false when there is no such history.
func (b *Book) MonthlyAverage(counterparty string, before time.Time, lookbackDays int) (avg decimal.Decimal, ok bool) {
	end := models.DayNumber(before)
	start := end - lookbackDays

	months := make(map[int]decimal.Decimal)
	for _, t := range b.activity[counterparty] {
		d := t.Day()
		if d >= end || d < start {
			continue
		}
		month := t.Date.Year()*12 + int(t.Date.Month())
		months[month] = months[month].Add(t.AbsAmount())
	}
	if len(months) == 0 {
		return decimal.Zero, false
	}

	total := decimal.Zero
	for _, sum := range months {
		total = total.Add(sum)
	}
	return total.Div(decimal.NewFromInt(int64(len(months)))), true
}
