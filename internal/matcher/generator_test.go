package matcher

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"ledger-reconciliation-service/internal/models"
)

func TestEntryIndexLookups(t *testing.T) {
	entries := []*models.JournalEntry{
		receipt("JE-3", "2024-03-20", "30.00", ""),
		receipt("JE-1", "2024-03-10", "10.00", ""),
		receipt("JE-2", "2024-03-15", "20.00", ""),
	}
	other := receipt("JE-9", "2024-03-15", "20.00", "")
	other.AccountID = "ACC-2"
	idx := NewEntryIndex(append(entries, other))

	scope := ScopeKey{AccountID: "ACC-1", Currency: "USD"}
	window := idx.InWindow(scope, models.DayNumber(day("2024-03-14")), 4)
	if len(window) != 2 || window[0].ID != "JE-1" || window[1].ID != "JE-2" {
		t.Errorf("unexpected window result %v", window)
	}

	byAmount := idx.InAmountRange(scope, dec("15"), dec("30"))
	if len(byAmount) != 2 || byAmount[0].ID != "JE-2" || byAmount[1].ID != "JE-3" {
		t.Errorf("unexpected amount range result %v", byAmount)
	}

	if got := idx.InAmountRange(ScopeKey{AccountID: "ACC-1", Currency: "EUR"}, dec("0"), dec("100")); len(got) != 0 {
		t.Errorf("expected currency scoping, got %v", got)
	}

	stats := idx.Stats()
	if stats.Entries != 4 || stats.Scopes != 2 || stats.Largest != 3 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if _, ok := idx.Get("JE-9"); !ok {
		t.Error("expected lookup by id")
	}
}

func TestGenerateOneToOne(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowFeeResidual = false
	idx := NewEntryIndex([]*models.JournalEntry{
		receipt("JE-1", "2024-03-15", "100.05", "exact-ish"),
		receipt("JE-2", "2024-03-25", "100.00", "too far for first window"),
		receipt("JE-3", "2024-03-16", "150.00", "wrong amount"),
	})
	gen := NewGenerator(idx, cfg)

	res := gen.Generate(txnIn("T-1", "2024-03-15", "100.00", "x"), nil, nil)
	if res.Window != 3 {
		t.Errorf("expected first window to succeed, got %d", res.Window)
	}
	if len(res.Candidates) != 1 || res.Candidates[0].Entries[0].ID != "JE-1" {
		t.Fatalf("expected only JE-1, got %+v", res.Candidates)
	}
	c := res.Candidates[0]
	if c.Kind != models.KindOneToOne || len(c.Provenance) == 0 || !c.Residual.IsZero() {
		t.Errorf("unexpected candidate %+v", c)
	}
}

func TestGenerateExpandsWindow(t *testing.T) {
	cfg := DefaultConfig()
	idx := NewEntryIndex([]*models.JournalEntry{
		payment("JE-1", "2024-02-05", "75.00", "late posting"),
		payment("JE-2", "2024-02-25", "75.00", "much later"),
	})
	gen := NewGenerator(idx, cfg)

	res := gen.Generate(txnOut("T-1", "2024-01-31", "75.00", "x"), nil, nil)
	if res.Window != 7 {
		t.Errorf("expected the 7 day step to find JE-1, got window %d", res.Window)
	}
	if len(res.Candidates) != 1 || res.Candidates[0].Entries[0].ID != "JE-1" {
		t.Errorf("expected JE-1 only, got %+v", res.Candidates)
	}

	res = gen.Generate(txnOut("T-2", "2024-03-20", "75.00", "x"), nil, nil)
	if res.Window != 30 || len(res.Candidates) != 1 || res.Candidates[0].Entries[0].ID != "JE-2" {
		t.Errorf("expected the 30 day step to find JE-2, got %+v", res)
	}

	res = gen.Generate(txnOut("T-3", "2024-06-20", "75.00", "x"), nil, nil)
	if len(res.Candidates) != 0 || res.Window != 30 {
		t.Errorf("expected no candidates after the widest window, got %+v", res)
	}
}

func TestGenerateRespectsClaimsAndExclusions(t *testing.T) {
	cfg := DefaultConfig()
	idx := NewEntryIndex([]*models.JournalEntry{
		receipt("JE-1", "2024-03-15", "100.00", ""),
		receipt("JE-2", "2024-03-15", "100.00", ""),
	})
	gen := NewGenerator(idx, cfg)
	txn := txnIn("T-1", "2024-03-15", "100.00", "")

	res := gen.Generate(txn, claimMap{"JE-1": "T-9"}, nil)
	if len(res.Candidates) != 1 || res.Candidates[0].Entries[0].ID != "JE-2" {
		t.Errorf("expected claimed JE-1 to be skipped, got %+v", res.Candidates)
	}

	res = gen.Generate(txn, claimMap{"JE-1": "T-1"}, nil)
	if len(res.Candidates) != 2 {
		t.Errorf("expected the transaction's own claim to stay available, got %d candidates", len(res.Candidates))
	}

	res = gen.Generate(txn, nil, map[string]bool{"JE-2": true})
	if len(res.Candidates) != 1 || res.Candidates[0].Entries[0].ID != "JE-1" {
		t.Errorf("expected rejected entry set to be excluded, got %+v", res.Candidates)
	}
}

func TestGenerateFeeResidual(t *testing.T) {
	cfg := DefaultConfig()
	idx := NewEntryIndex([]*models.JournalEntry{payment("JE-1", "2024-03-15", "100.00", "supplier")})
	gen := NewGenerator(idx, cfg)

	res := gen.Generate(txnOut("T-1", "2024-03-15", "102.50", "supplier"), nil, nil)
	if len(res.Candidates) != 1 {
		t.Fatalf("expected a fee residual candidate, got %+v", res.Candidates)
	}
	if !res.Candidates[0].Residual.Equal(dec("2.50")) {
		t.Errorf("expected residual 2.50, got %s", res.Candidates[0].Residual)
	}

	cfg.AllowFeeResidual = false
	res = NewGenerator(idx, cfg).Generate(txnOut("T-1", "2024-03-15", "102.50", "supplier"), nil, nil)
	if len(res.Candidates) != 0 {
		t.Errorf("expected no candidate without fee splits, got %+v", res.Candidates)
	}
}

func TestGenerateOneToMany(t *testing.T) {
	cfg := DefaultConfig()
	idx := NewEntryIndex([]*models.JournalEntry{
		receipt("JE-1", "2024-03-14", "400.00", "invoice 1"),
		receipt("JE-2", "2024-03-15", "350.00", "invoice 2"),
		receipt("JE-3", "2024-03-16", "250.00", "invoice 3"),
		receipt("JE-4", "2024-03-16", "999.00", "unrelated"),
	})
	m := NewMatcher(idx, cfg, nil)

	d := m.Match(txnIn("T-1", "2024-03-15", "1000.00", "customer batch invoice"), nil, nil, day("2024-03-31"))
	if !d.HasMatch() {
		t.Fatalf("expected a match, got %+v", d)
	}
	if d.Best.Kind != models.KindOneToMany {
		t.Errorf("expected one_to_many, got %s", d.Best.Kind)
	}
	if got := d.Best.Key(); got != "JE-1,JE-2,JE-3" {
		t.Errorf("expected all three entries, got %s", got)
	}
	if d.Best.Score.Breakdown.Amount != 100 {
		t.Errorf("expected amount dimension 100, got %f", d.Best.Score.Breakdown.Amount)
	}
}

func TestGenerateSkipsLargePools(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowFeeResidual = false
	var entries []*models.JournalEntry
	for i := 0; i < cfg.Subset.SkipLimit+1; i++ {
		entries = append(entries, receipt(fmt.Sprintf("JE-%03d", i), "2024-03-15", "1.00", ""))
	}
	gen := NewGenerator(NewEntryIndex(entries), cfg)

	res := gen.Generate(txnIn("T-1", "2024-03-15", "3.00", ""), nil, nil)
	if !res.SubsetSkipped {
		t.Error("expected subset search to be skipped")
	}
	if len(res.Candidates) != 0 {
		t.Errorf("expected no 1:1 candidates, got %d", len(res.Candidates))
	}
	if res.Window != cfg.DateWindowSteps[len(cfg.DateWindowSteps)-1] {
		t.Errorf("expected every window to be tried, got %d", res.Window)
	}
}

func TestSearchSubsetsBounded(t *testing.T) {
	lim := SubsetConfig{MaxItems: 3, PoolCap: 20, SkipLimit: 40, MaxCandidates: 2, MaxSteps: 1000}
	values := []decimal.Decimal{dec("1"), dec("2"), dec("3"), dec("4"), dec("5")}

	found := searchSubsets(values, dec("6"), decimal.Zero, lim)
	if len(found) != 2 {
		t.Fatalf("expected search to stop at 2 candidates, got %v", found)
	}
	for _, combo := range found {
		sum := decimal.Zero
		for _, i := range combo {
			sum = sum.Add(values[i])
		}
		if !sum.Equal(dec("6")) || len(combo) < 2 || len(combo) > 3 {
			t.Errorf("invalid combination %v", combo)
		}
	}

	lim.MaxCandidates = 10
	all := searchSubsets(values, dec("6"), decimal.Zero, lim)
	// {1,2,3}, {1,5}, {2,4}
	if len(all) != 3 {
		t.Errorf("expected 3 combinations, got %v", all)
	}

	cents := searchSubsets([]decimal.Decimal{dec("0.10"), dec("0.20"), dec("0.31")}, dec("0.30"), dec("0.01"), lim)
	if len(cents) != 1 {
		t.Errorf("expected exact decimal search over cents, got %v", cents)
	}

	lim.MaxSteps = 1
	if got := searchSubsets(values, dec("6"), decimal.Zero, lim); len(got) != 0 {
		t.Errorf("expected step budget to stop the search, got %v", got)
	}
}

func TestGenerateGroups(t *testing.T) {
	cfg := DefaultConfig()
	e := receipt("JE-1", "2024-03-15", "500.00", "deposit")
	gen := NewGenerator(NewEntryIndex([]*models.JournalEntry{e}), cfg)

	txns := []*models.BankStatementTransaction{
		txnIn("T-1", "2024-03-15", "200.00", "deposit"),
		txnIn("T-2", "2024-03-16", "300.00", "deposit"),
		txnOut("T-3", "2024-03-15", "300.00", "withdrawal"),
		txnIn("T-4", "2024-05-01", "300.00", "too late"),
	}
	pool := NewTxnPool(txns)

	groups := gen.GenerateGroups(e, pool)
	if len(groups) != 1 {
		t.Fatalf("expected one group, got %+v", groups)
	}
	if ids := groups[0].TxnIDs(); len(ids) != 2 || ids[0] != "T-1" || ids[1] != "T-2" {
		t.Errorf("unexpected group %v", ids)
	}

	m := NewMatcher(NewEntryIndex([]*models.JournalEntry{e}), cfg, nil)
	d := m.MatchGroups(e, pool, day("2024-03-31"))
	if !d.HasMatch() || d.Group == nil {
		t.Fatalf("expected group decision, got %+v", d)
	}

	pool.Remove(txns[1])
	if got := gen.GenerateGroups(e, pool); len(got) != 0 {
		t.Errorf("expected removed transaction to leave no group, got %+v", got)
	}
	if n := pool.Len(ScopeKey{AccountID: "ACC-1", Currency: "USD"}); n != 3 {
		t.Errorf("expected 3 pooled transactions, got %d", n)
	}
	pool.Remove(txns[1])
	if n := pool.Len(ScopeKey{AccountID: "ACC-1", Currency: "USD"}); n != 3 {
		t.Errorf("expected removal to be idempotent, got %d", n)
	}
}

func TestGenerateGroupsSkipsOverflowingPools(t *testing.T) {
	cfg := DefaultConfig()
	e := receipt("JE-1", "2024-03-15", "5000.00", "deposit")
	gen := NewGenerator(NewEntryIndex([]*models.JournalEntry{e}), cfg)

	var txns []*models.BankStatementTransaction
	for i := 0; i < cfg.Subset.SkipLimit+1; i++ {
		txns = append(txns, txnIn(fmt.Sprintf("T-%03d", i), "2024-03-15", "1000.00", ""))
	}
	// the incoming pool overflows; the outgoing pair is found at the next window
	txns = append(txns,
		txnOut("T-A", "2024-03-20", "2000.00", ""),
		txnOut("T-B", "2024-03-20", "3000.00", ""))

	groups := gen.GenerateGroups(e, NewTxnPool(txns))
	if len(groups) != 1 {
		t.Fatalf("expected only the outgoing pair, got %+v", groups)
	}
	if ids := groups[0].TxnIDs(); len(ids) != 2 || ids[0] != "T-A" {
		t.Errorf("unexpected group %v", ids)
	}
}

func TestBelowWalksShorterRange(t *testing.T) {
	var entries []*models.JournalEntry
	for i := 0; i < 30; i++ {
		date := day("2024-03-01").AddDate(0, 0, i).Format("2006-01-02")
		entries = append(entries, receipt(fmt.Sprintf("JE-%02d", i), date, fmt.Sprintf("%d.00", 10+i), ""))
	}
	idx := NewEntryIndex(entries)
	scope := ScopeKey{AccountID: "ACC-1", Currency: "USD"}
	keep := func(*models.JournalEntry) bool { return true }
	mid := models.DayNumber(day("2024-03-16"))

	// narrow window: three days, all below target
	pool, overflow := idx.below(scope, mid, 1, dec("100"), 40, keep)
	if overflow || len(pool) != 3 {
		t.Errorf("expected 3 entries from the date window, got %d overflow=%v", len(pool), overflow)
	}

	// wide window, low target: walks the two cheapest entries
	pool, overflow = idx.below(scope, mid, 30, dec("12"), 40, keep)
	if overflow || len(pool) != 2 || pool[0].ID != "JE-00" || pool[1].ID != "JE-01" {
		t.Errorf("unexpected below-target pool %v", pool)
	}

	if _, overflow = idx.below(scope, mid, 30, dec("100"), 5, keep); !overflow {
		t.Error("expected overflow past the limit")
	}

	if got := idx.Amount(entries[3]); !got.Equal(dec("13")) {
		t.Errorf("expected cached amount 13, got %s", got)
	}
}
