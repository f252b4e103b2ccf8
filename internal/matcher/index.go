package matcher

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"ledger-reconciliation-service/internal/models"
)

// ScopeKey identifies the (account, currency) partition an entry or transaction belongs to
type ScopeKey struct {
	AccountID string
	Currency  string
}

// ScopeFor returns the scope a transaction or entry with this account and currency belongs to
func ScopeFor(accountID, currency string) ScopeKey {
	return scopeOf(accountID, currency)
}

func scopeOf(accountID, currency string) ScopeKey {
	return ScopeKey{AccountID: accountID, Currency: strings.ToUpper(strings.TrimSpace(currency))}
}

// scopeIndex holds the entries of one scope twice: ordered by day and ordered by amount.
// days, dayAmounts and amounts are aligned with the slice they follow.
type scopeIndex struct {
	byDay      []*models.JournalEntry
	days       []int
	dayAmounts []decimal.Decimal
	byAmount   []*models.JournalEntry
	amounts    []decimal.Decimal
}

// EntryIndex provides indexed lookup of journal entries by scope, day and amount.
// It is immutable after construction and safe for concurrent readers.
type EntryIndex struct {
	scopes  map[ScopeKey]*scopeIndex
	byID    map[string]*models.JournalEntry
	amounts map[string]decimal.Decimal
}

// NewEntryIndex builds the index. Entries are ordered by day then id, and by amount then id.
func NewEntryIndex(entries []*models.JournalEntry) *EntryIndex {
	idx := &EntryIndex{
		scopes:  make(map[ScopeKey]*scopeIndex),
		byID:    make(map[string]*models.JournalEntry, len(entries)),
		amounts: make(map[string]decimal.Decimal, len(entries)),
	}

	for _, e := range entries {
		key := scopeOf(e.AccountID, e.Currency)
		s, ok := idx.scopes[key]
		if !ok {
			s = &scopeIndex{}
			idx.scopes[key] = s
		}
		s.byDay = append(s.byDay, e)
		idx.byID[e.ID] = e
		idx.amounts[e.ID] = e.Amount()
	}

	for _, s := range idx.scopes {
		sort.Slice(s.byDay, func(i, j int) bool {
			di, dj := s.byDay[i].Day(), s.byDay[j].Day()
			if di != dj {
				return di < dj
			}
			return s.byDay[i].ID < s.byDay[j].ID
		})
		s.days = make([]int, len(s.byDay))
		s.dayAmounts = make([]decimal.Decimal, len(s.byDay))
		for i, e := range s.byDay {
			s.days[i] = e.Day()
			s.dayAmounts[i] = idx.amounts[e.ID]
		}

		s.byAmount = append([]*models.JournalEntry(nil), s.byDay...)
		sort.SliceStable(s.byAmount, func(i, j int) bool {
			return idx.amounts[s.byAmount[i].ID].LessThan(idx.amounts[s.byAmount[j].ID])
		})
		s.amounts = make([]decimal.Decimal, len(s.byAmount))
		for i, e := range s.byAmount {
			s.amounts[i] = idx.amounts[e.ID]
		}
	}
	return idx
}

// Amount returns the indexed amount of an entry without summing its lines again
func (idx *EntryIndex) Amount(e *models.JournalEntry) decimal.Decimal {
	if a, ok := idx.amounts[e.ID]; ok {
		return a
	}
	return e.Amount()
}

// Get returns an entry by id
func (idx *EntryIndex) Get(id string) (*models.JournalEntry, bool) {
	e, ok := idx.byID[id]
	return e, ok
}

// Len returns the number of indexed entries
func (idx *EntryIndex) Len() int {
	return len(idx.byID)
}

// InWindow returns the entries of a scope whose day lies in [day-window, day+window], in day order
func (idx *EntryIndex) InWindow(scope ScopeKey, day, window int) []*models.JournalEntry {
	s, ok := idx.scopes[scope]
	if !ok {
		return nil
	}
	lo := sort.SearchInts(s.days, day-window)
	hi := sort.SearchInts(s.days, day+window+1)
	return s.byDay[lo:hi]
}

// InAmountRange returns the entries of a scope whose amount lies in [min, max], in amount order
func (idx *EntryIndex) InAmountRange(scope ScopeKey, min, max decimal.Decimal) []*models.JournalEntry {
	s, ok := idx.scopes[scope]
	if !ok {
		return nil
	}
	lo := sort.Search(len(s.amounts), func(i int) bool {
		return s.amounts[i].GreaterThanOrEqual(min)
	})
	hi := sort.Search(len(s.amounts), func(i int) bool {
		return s.amounts[i].GreaterThan(max)
	})
	if lo >= hi {
		return nil
	}
	return s.byAmount[lo:hi]
}

// below collects the entries of a scope within [day-window, day+window] whose amount is
// below target and that keep accepts. It walks whichever of the date window and the
// below-target amount range is shorter, and stops with overflow once more than limit
// entries qualify.
func (idx *EntryIndex) below(scope ScopeKey, day, window int, target decimal.Decimal, limit int,
	keep func(*models.JournalEntry) bool) (pool []*models.JournalEntry, overflow bool) {
	s, ok := idx.scopes[scope]
	if !ok {
		return nil, false
	}
	lo := sort.SearchInts(s.days, day-window)
	hi := sort.SearchInts(s.days, day+window+1)
	cheaper := sort.Search(len(s.amounts), func(i int) bool {
		return s.amounts[i].GreaterThanOrEqual(target)
	})

	if hi-lo <= cheaper {
		for i := lo; i < hi; i++ {
			if s.dayAmounts[i].LessThan(target) && keep(s.byDay[i]) {
				if pool = append(pool, s.byDay[i]); len(pool) > limit {
					return pool, true
				}
			}
		}
		return pool, false
	}
	for i := 0; i < cheaper; i++ {
		e := s.byAmount[i]
		if d := e.Day(); d >= day-window && d <= day+window && keep(e) {
			if pool = append(pool, e); len(pool) > limit {
				return pool, true
			}
		}
	}
	return pool, false
}

// Scope returns every entry of a scope in day order
func (idx *EntryIndex) Scope(scope ScopeKey) []*models.JournalEntry {
	if s, ok := idx.scopes[scope]; ok {
		return s.byDay
	}
	return nil
}

// Scopes returns all scope keys in a stable order
func (idx *EntryIndex) Scopes() []ScopeKey {
	keys := make([]ScopeKey, 0, len(idx.scopes))
	for k := range idx.scopes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].AccountID != keys[j].AccountID {
			return keys[i].AccountID < keys[j].AccountID
		}
		return keys[i].Currency < keys[j].Currency
	})
	return keys
}

// IndexStats describes the index for logging
type IndexStats struct {
	Entries int `json:"entries"`
	Scopes  int `json:"scopes"`
	Largest int `json:"largest_scope"`
}

// Stats returns index statistics
func (idx *EntryIndex) Stats() IndexStats {
	stats := IndexStats{Entries: len(idx.byID), Scopes: len(idx.scopes)}
	for _, s := range idx.scopes {
		if len(s.byDay) > stats.Largest {
			stats.Largest = len(s.byDay)
		}
	}
	return stats
}
