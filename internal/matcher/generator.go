package matcher

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"ledger-reconciliation-service/internal/models"
)

// ClaimView reports which entries are held by active matches
type ClaimView interface {
	ClaimedBy(entryID string) (txnID string, ok bool)
}

// Candidate is one proposed entry set for a transaction
type Candidate struct {
	Entries    []*models.JournalEntry `json:"-"`
	Kind       models.MatchKind       `json:"kind"`
	Provenance []string               `json:"provenance"`
	// Residual is the transaction amount not covered by the entries (fee split), signed
	Residual decimal.Decimal `json:"residual"`
	Window   int             `json:"window"`
}

// EntryIDs returns the candidate's entry ids in day order
func (c Candidate) EntryIDs() []string {
	ids := make([]string, len(c.Entries))
	for i, e := range c.Entries {
		ids[i] = e.ID
	}
	return ids
}

// Key returns the order-independent entry set key
func (c Candidate) Key() string {
	return models.EntrySetKey(c.EntryIDs())
}

// GenerateResult is the output of candidate generation for one transaction
type GenerateResult struct {
	Candidates []Candidate
	// Window is the date window that produced the candidates, or the widest tried
	Window int
	// SubsetSkipped is set when the pool was too large for subset search
	SubsetSkipped bool
}

// GroupCandidate proposes several transactions settling one entry
type GroupCandidate struct {
	Entry      *models.JournalEntry
	Txns       []*models.BankStatementTransaction
	Provenance []string
	Window     int
}

// TxnIDs returns the group's transaction ids in date order
func (g GroupCandidate) TxnIDs() []string {
	ids := make([]string, len(g.Txns))
	for i, t := range g.Txns {
		ids[i] = t.ID
	}
	return ids
}

// Generator proposes candidate entry sets. It never filters by score.
type Generator struct {
	index *EntryIndex
	cfg   *Config
}

// NewGenerator creates a generator over an entry index
func NewGenerator(index *EntryIndex, cfg *Config) *Generator {
	return &Generator{index: index, cfg: cfg}
}

// Generate proposes candidates for txn. Entries claimed for another transaction and entry
// sets listed in excluded (by EntrySetKey) are never proposed. The date window expands
// through the configured steps until a step yields at least one candidate. Once the subset
// pool overflows, wider windows skip subset search.
func (g *Generator) Generate(txn *models.BankStatementTransaction, claims ClaimView, excluded map[string]bool) GenerateResult {
	var res GenerateResult
	subset := g.cfg.Subset.MaxItems >= 2
	skipped := false
	for _, w := range g.cfg.DateWindowSteps {
		res = g.generateInWindow(txn, w, claims, excluded, subset)
		if res.SubsetSkipped {
			subset, skipped = false, true
		}
		res.SubsetSkipped = skipped
		if len(res.Candidates) > 0 {
			return res
		}
	}
	return res
}

func available(e *models.JournalEntry, txnID string, claims ClaimView) bool {
	if claims == nil {
		return true
	}
	owner, ok := claims.ClaimedBy(e.ID)
	return !ok || owner == txnID
}

func (g *Generator) generateInWindow(txn *models.BankStatementTransaction, window int, claims ClaimView, excluded map[string]bool, subset bool) GenerateResult {
	res := GenerateResult{Window: window}
	scope := scopeOf(txn.AccountID, txn.Currency)
	target := txn.AbsAmount()
	day := txn.Day()
	tol := g.cfg.AmountTolerance

	reach := tol
	if g.cfg.AllowFeeResidual && g.cfg.MaxFeeResidual.GreaterThan(reach) {
		reach = g.cfg.MaxFeeResidual
	}

	for _, e := range g.index.InAmountRange(scope, target.Sub(reach), target.Add(reach)) {
		gap := models.DaysBetween(txn.Date, e.Date)
		if gap > window || !available(e, txn.ID, claims) || excluded[e.ID] {
			continue
		}
		amount := g.index.Amount(e)
		delta := target.Sub(amount)
		c := Candidate{
			Entries:  []*models.JournalEntry{e},
			Kind:     models.KindOneToOne,
			Window:   window,
			Residual: decimal.Zero,
		}
		if delta.Abs().LessThanOrEqual(tol) {
			c.Provenance = []string{
				fmt.Sprintf("amount %s within tolerance %s of %s", amount.String(), tol.String(), target.String()),
				fmt.Sprintf("date gap %d day(s) within +/-%d", gap, window),
			}
		} else {
			c.Residual = delta
			c.Provenance = []string{
				fmt.Sprintf("amount %s leaves fee residual %s", amount.String(), delta.String()),
				fmt.Sprintf("date gap %d day(s) within +/-%d", gap, window),
			}
		}
		res.Candidates = append(res.Candidates, c)
	}

	if !subset {
		return res
	}

	pool, overflow := g.index.below(scope, day, window, target, g.cfg.Subset.SkipLimit,
		func(e *models.JournalEntry) bool { return available(e, txn.ID, claims) })
	if overflow {
		res.SubsetSkipped = true
		return res
	}
	if len(pool) < 2 {
		return res
	}

	sort.SliceStable(pool, func(i, j int) bool {
		gi, gj := abs(pool[i].Day()-day), abs(pool[j].Day()-day)
		if gi != gj {
			return gi < gj
		}
		return pool[i].ID < pool[j].ID
	})
	if len(pool) > g.cfg.Subset.PoolCap {
		pool = pool[:g.cfg.Subset.PoolCap]
	}

	amounts := make([]decimal.Decimal, len(pool))
	for i, e := range pool {
		amounts[i] = g.index.Amount(e)
	}
	for _, combo := range searchSubsets(amounts, target, tol, g.cfg.Subset) {
		entries := make([]*models.JournalEntry, len(combo))
		for i, p := range combo {
			entries[i] = pool[p]
		}
		sortEntries(entries)
		c := Candidate{
			Entries:  entries,
			Kind:     models.KindOneToMany,
			Window:   window,
			Residual: decimal.Zero,
			Provenance: []string{
				fmt.Sprintf("%d entries sum to %s within tolerance %s", len(entries), g.sum(entries).String(), tol.String()),
				fmt.Sprintf("all entries within +/-%d day(s)", window),
			},
		}
		if excluded[c.Key()] {
			continue
		}
		res.Candidates = append(res.Candidates, c)
	}
	return res
}

// GenerateGroups proposes sets of two or more transactions whose amounts together settle
// entry. pool holds the still-unmatched transactions; only transactions of the entry's scope
// sharing a direction are grouped. A direction whose pool overflowed is not retried at
// wider windows.
func (g *Generator) GenerateGroups(entry *models.JournalEntry, pool *TxnPool) []GroupCandidate {
	if g.cfg.Subset.MaxItems < 2 || pool == nil {
		return nil
	}
	scope := scopeOf(entry.AccountID, entry.Currency)
	if pool.Len(scope) < 2 {
		return nil
	}
	target := g.index.Amount(entry)
	tol := g.cfg.AmountTolerance
	day := entry.Day()
	directions := []models.Direction{models.DirectionIn, models.DirectionOut}
	overflowed := make(map[models.Direction]bool, len(directions))

	for _, w := range g.cfg.DateWindowSteps {
		var out []GroupCandidate
		for _, dir := range directions {
			if overflowed[dir] {
				continue
			}
			members, amounts, overflow := pool.below(scope, dir, day, w, target, g.cfg.Subset.SkipLimit)
			if overflow {
				overflowed[dir] = true
				continue
			}
			if len(members) < 2 {
				continue
			}
			order := make([]int, len(members))
			for i := range order {
				order[i] = i
			}
			sort.SliceStable(order, func(i, j int) bool {
				a, b := members[order[i]], members[order[j]]
				gi, gj := abs(a.Day()-day), abs(b.Day()-day)
				if gi != gj {
					return gi < gj
				}
				return a.ID < b.ID
			})
			if len(order) > g.cfg.Subset.PoolCap {
				order = order[:g.cfg.Subset.PoolCap]
			}
			values := make([]decimal.Decimal, len(order))
			for i, p := range order {
				values[i] = amounts[p]
			}

			for _, combo := range searchSubsets(values, target, tol, g.cfg.Subset) {
				group := make([]*models.BankStatementTransaction, len(combo))
				for i, p := range combo {
					group[i] = members[order[p]]
				}
				sortTxns(group)
				out = append(out, GroupCandidate{
					Entry:  entry,
					Txns:   group,
					Window: w,
					Provenance: []string{
						fmt.Sprintf("%d %s transactions sum to entry amount %s within tolerance %s", len(group), dir, target.String(), tol.String()),
						fmt.Sprintf("all transactions within +/-%d day(s)", w),
					},
				})
			}
		}
		if len(out) > 0 {
			return out
		}
		if len(overflowed) == len(directions) {
			return nil
		}
	}
	return nil
}

// searchSubsets finds combinations of 2..MaxItems values whose sum is within tol of target.
// It walks a fixed array sorted by value with an explicit index stack, pruning branches whose
// running sum already exceeds target+tol. Returned combinations hold indexes into values.
func searchSubsets(values []decimal.Decimal, target, tol decimal.Decimal, lim SubsetConfig) [][]int {
	scale := int32(0)
	for _, d := range append([]decimal.Decimal{target, tol}, values...) {
		if e := -d.Exponent(); e > scale {
			scale = e
		}
	}
	if scale > 8 {
		scale = 8
	}
	toUnits := func(d decimal.Decimal) int64 { return d.Shift(scale).Round(0).IntPart() }

	units := make([]int64, len(values))
	order := make([]int, len(values))
	for i, v := range values {
		units[i] = toUnits(v)
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return units[order[a]] < units[order[b]] })

	t, tl := toUnits(target), toUnits(tol)
	var found [][]int
	stack := make([]int, 0, lim.MaxItems)
	sum := int64(0)
	next := 0

	for steps := 0; steps < lim.MaxSteps && len(found) < lim.MaxCandidates; steps++ {
		if next < len(order) && len(stack) < lim.MaxItems && sum+units[order[next]] <= t+tl {
			stack = append(stack, next)
			sum += units[order[next]]
			next++
			if len(stack) >= 2 && abs64(sum-t) <= tl {
				combo := make([]int, len(stack))
				for i, p := range stack {
					combo[i] = order[p]
				}
				sort.Ints(combo)
				found = append(found, combo)
			}
			continue
		}
		if len(stack) == 0 {
			break
		}
		last := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		sum -= units[order[last]]
		next = last + 1
	}
	return found
}

func sortEntries(entries []*models.JournalEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Day() != entries[j].Day() {
			return entries[i].Day() < entries[j].Day()
		}
		return entries[i].ID < entries[j].ID
	})
}

func sortTxns(txns []*models.BankStatementTransaction) {
	sort.Slice(txns, func(i, j int) bool {
		if txns[i].Day() != txns[j].Day() {
			return txns[i].Day() < txns[j].Day()
		}
		return txns[i].ID < txns[j].ID
	})
}

func (g *Generator) sum(entries []*models.JournalEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(g.index.Amount(e))
	}
	return total
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func abs64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
