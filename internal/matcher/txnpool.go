package matcher

import (
	"sort"

	"github.com/shopspring/decimal"

	"ledger-reconciliation-service/internal/models"
)

// TxnPool holds the transactions still open for N:1 grouping, per scope in day order.
// Removed transactions stay in place and are skipped. It is not safe for concurrent use.
type TxnPool struct {
	scopes  map[ScopeKey]*txnScope
	removed map[string]bool
}

type txnScope struct {
	txns    []*models.BankStatementTransaction
	days    []int
	amounts []decimal.Decimal
	live    int
}

// NewTxnPool indexes txns by scope and day
func NewTxnPool(txns []*models.BankStatementTransaction) *TxnPool {
	p := &TxnPool{
		scopes:  make(map[ScopeKey]*txnScope),
		removed: make(map[string]bool),
	}
	for _, t := range txns {
		key := scopeOf(t.AccountID, t.Currency)
		s, ok := p.scopes[key]
		if !ok {
			s = &txnScope{}
			p.scopes[key] = s
		}
		s.txns = append(s.txns, t)
	}
	for _, s := range p.scopes {
		sortTxns(s.txns)
		s.days = make([]int, len(s.txns))
		s.amounts = make([]decimal.Decimal, len(s.txns))
		for i, t := range s.txns {
			s.days[i] = t.Day()
			s.amounts[i] = t.AbsAmount()
		}
		s.live = len(s.txns)
	}
	return p
}

// Len returns the number of transactions of a scope still in the pool
func (p *TxnPool) Len(scope ScopeKey) int {
	if s, ok := p.scopes[scope]; ok {
		return s.live
	}
	return 0
}

// Remove takes transactions out of the pool
func (p *TxnPool) Remove(txns ...*models.BankStatementTransaction) {
	for _, t := range txns {
		if p.removed[t.ID] {
			continue
		}
		if s, ok := p.scopes[scopeOf(t.AccountID, t.Currency)]; ok {
			p.removed[t.ID] = true
			s.live--
		}
	}
}

// below returns the pooled transactions of one scope and direction within
// [day-window, day+window] whose absolute amount is below target, with those amounts.
// It stops with overflow once more than limit qualify.
func (p *TxnPool) below(scope ScopeKey, dir models.Direction, day, window int, target decimal.Decimal, limit int) ([]*models.BankStatementTransaction, []decimal.Decimal, bool) {
	s, ok := p.scopes[scope]
	if !ok {
		return nil, nil, false
	}
	lo := sort.SearchInts(s.days, day-window)
	hi := sort.SearchInts(s.days, day+window+1)

	var txns []*models.BankStatementTransaction
	var amounts []decimal.Decimal
	for i := lo; i < hi; i++ {
		t := s.txns[i]
		if t.Direction != dir || p.removed[t.ID] || !s.amounts[i].LessThan(target) {
			continue
		}
		txns = append(txns, t)
		amounts = append(amounts, s.amounts[i])
		if len(txns) > limit {
			return txns, amounts, true
		}
	}
	return txns, amounts, false
}
