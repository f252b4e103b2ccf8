// Package consistency detects duplicate, transfer-pair and anomaly patterns among
// statement transactions and records them as ConsistencyCheck rows.
package consistency

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"ledger-reconciliation-service/internal/history"
	"ledger-reconciliation-service/internal/matcher"
	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/internal/storage"
	"ledger-reconciliation-service/pkg/logger"
)

// Input is everything one pass looks at. Scope are the transactions of the run; All are
// every known transaction they are compared against. Active are the active matches.
// Entries are the journal entries those matches reference; Run loads them when nil and
// ledger accounts are configured.
type Input struct {
	Scope   []*models.BankStatementTransaction
	All     []*models.BankStatementTransaction
	Active  []*models.ReconciliationMatch
	Entries []*models.JournalEntry
	Book    *history.Book
}

// Result summarizes one pass
type Result struct {
	Created []*models.ConsistencyCheck
	// Escalated are open checks raised to a higher severity by this pass
	Escalated []*models.ConsistencyCheck
	// Suppressed counts detections whose fingerprint already has a check
	Suppressed int
	// FlaggedMatches counts matches that received a check id
	FlaggedMatches int
}

// Checker detects conditions and persists new checks idempotently
type Checker struct {
	cfg   Config
	store storage.Store
	log   logger.Logger
	now   func() time.Time
}

// NewChecker creates a checker over a store
func NewChecker(cfg Config, store storage.Store, log logger.Logger) *Checker {
	if log == nil {
		log = logger.Discard()
	}
	return &Checker{cfg: cfg, store: store, log: log.WithComponent("consistency"), now: time.Now}
}

// Run detects conditions, stores checks whose fingerprint is new, and attaches the ids of
// open checks to the active matches of the flagged transactions. Every failure is collected
// and returned together; the caller decides whether it is fatal.
func (c *Checker) Run(ctx context.Context, in Input) (*Result, error) {
	res := &Result{}
	var errs error
	if in.Entries == nil && len(c.cfg.LedgerAccounts) > 0 {
		entries, err := c.store.ListJournalEntries(ctx, storage.EntryFilter{})
		if err != nil {
			errs = multierr.Append(errs, err)
		}
		in.Entries = entries
	}
	detected := c.Detect(in)

	var open, created, escalated []*models.ConsistencyCheck
	for _, check := range detected {
		if err := ctx.Err(); err != nil {
			return res, multierr.Append(errs, err)
		}
		existing, err := c.store.FindCheckByFingerprint(ctx, check.Fingerprint)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if existing != nil {
			raised := check.Severity.Rank() > existing.Severity.Rank()
			switch {
			case existing.Status == models.CheckOpen && raised:
				existing.Severity = check.Severity
				existing.Details = check.Details
				escalated = append(escalated, existing)
				continue
			case existing.Status == models.CheckOpen:
				res.Suppressed++
				open = append(open, existing)
				continue
			case !raised:
				// a resolved check stays acknowledged up to the severity it was resolved at
				res.Suppressed++
				continue
			}
		}
		check.ID = uuid.NewString()
		check.Status = models.CheckOpen
		check.CreatedAt = c.now()
		created = append(created, check)
	}

	if len(created)+len(escalated) > 0 {
		if err := c.store.SaveChecks(ctx, append(append([]*models.ConsistencyCheck{}, created...), escalated...)); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			res.Created = created
			res.Escalated = escalated
			open = append(open, created...)
			open = append(open, escalated...)
		}
	}

	flagged := c.attach(open, in.Active)
	if len(flagged) > 0 {
		if err := c.store.SaveMatches(ctx, flagged); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			res.FlaggedMatches = len(flagged)
		}
	}

	for _, check := range res.Created {
		c.log.WithFields(logger.Fields{
			"check_id": check.ID,
			"type":     check.CheckType,
			"severity": check.Severity,
			"txns":     strings.Join(check.RelatedTxnIDs, ","),
		}).Warn("Consistency check opened")
	}
	for _, check := range res.Escalated {
		c.log.WithFields(logger.Fields{
			"check_id": check.ID,
			"type":     check.CheckType,
			"severity": check.Severity,
		}).Warn("Consistency check escalated")
	}
	return res, errs
}

// attach adds check ids to the matches of referenced transactions and returns the changed matches
func (c *Checker) attach(checks []*models.ConsistencyCheck, active []*models.ReconciliationMatch) []*models.ReconciliationMatch {
	if len(checks) == 0 {
		return nil
	}
	byTxn := make(map[string][]*models.ConsistencyCheck)
	for _, check := range checks {
		for _, id := range check.RelatedTxnIDs {
			byTxn[id] = append(byTxn[id], check)
		}
	}

	var changed []*models.ReconciliationMatch
	for _, m := range active {
		dirty := false
		for _, check := range byTxn[m.BankTxnID] {
			if !m.HasCheck(check.ID) {
				m.CheckIDs = append(m.CheckIDs, check.ID)
				dirty = true
			}
		}
		if dirty {
			m.UpdatedAt = c.now()
			changed = append(changed, m)
		}
	}
	return changed
}

// Detect returns every condition found, ordered by fingerprint. It does not touch the store.
func (c *Checker) Detect(in Input) []*models.ConsistencyCheck {
	inScope := make(map[string]bool, len(in.Scope))
	for _, t := range in.Scope {
		inScope[t.ID] = true
	}
	all := in.All
	if len(all) == 0 {
		all = in.Scope
	}

	var out []*models.ConsistencyCheck
	out = append(out, c.duplicates(all, inScope)...)
	out = append(out, c.transferPairs(all, inScope, in.Active, in.Entries)...)
	out = append(out, c.anomalies(in.Scope, in.Book)...)
	if in.Book != nil {
		out = append(out, c.bursts(in.Book, inScope)...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

func newCheck(checkType models.CheckType, severity models.Severity, ids []string, details map[string]interface{}) *models.ConsistencyCheck {
	ids = models.SortEntryIDs(ids)
	return &models.ConsistencyCheck{
		CheckType:     checkType,
		Severity:      severity,
		RelatedTxnIDs: ids,
		Fingerprint:   models.CheckFingerprint(checkType, ids),
		Details:       details,
	}
}

// duplicates pairs transactions on one account with equal signed amounts, close dates and
// similar descriptions
func (c *Checker) duplicates(all []*models.BankStatementTransaction, inScope map[string]bool) []*models.ConsistencyCheck {
	groups := make(map[string][]*models.BankStatementTransaction)
	for _, t := range all {
		key := t.AccountID + "|" + strings.ToUpper(t.Currency) + "|" + t.Amount.String()
		groups[key] = append(groups[key], t)
	}

	var out []*models.ConsistencyCheck
	for _, group := range groups {
		sortByDate(group)
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				a, b := group[i], group[j]
				gap := b.Day() - a.Day()
				if gap > c.cfg.DuplicateMaxDays {
					break
				}
				if !inScope[a.ID] && !inScope[b.ID] {
					continue
				}
				sim, ok := matcher.TextSimilarity(a.Description, b.Description, c.cfg.Description)
				if !ok || sim < c.cfg.DuplicateMinSimilarity {
					continue
				}
				out = append(out, newCheck(models.CheckDuplicate, models.SeverityMedium, []string{a.ID, b.ID},
					map[string]interface{}{
						"account_id": a.AccountID,
						"amount":     a.Amount.StringFixed(2),
						"days_apart": gap,
						"similarity": roundTo(sim, 2),
					}))
			}
		}
	}
	return out
}

// transferPairs pairs an OUT on one account with an IN of the same size on another. A pair
// is skipped when either leg is matched to an entry that books between the ledger accounts
// of both bank accounts, since the ledger already records it as a transfer.
func (c *Checker) transferPairs(all []*models.BankStatementTransaction, inScope map[string]bool,
	active []*models.ReconciliationMatch, entries []*models.JournalEntry) []*models.ConsistencyCheck {
	entriesOf := make(map[string][]string)
	for _, m := range active {
		if m.Status.IsActive() {
			entriesOf[m.BankTxnID] = append(entriesOf[m.BankTxnID], m.JournalEntryIDs...)
		}
	}
	byID := make(map[string]*models.JournalEntry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}
	booked := func(o, in *models.BankStatementTransaction) bool {
		from, ok := c.cfg.LedgerAccount(o.AccountID)
		if !ok {
			return false
		}
		to, ok := c.cfg.LedgerAccount(in.AccountID)
		if !ok {
			return false
		}
		for _, id := range append(append([]string{}, entriesOf[o.ID]...), entriesOf[in.ID]...) {
			if e := byID[id]; e != nil && touches(e, from) && touches(e, to) {
				return true
			}
		}
		return false
	}

	outs := make(map[string][]*models.BankStatementTransaction)
	ins := make(map[string][]*models.BankStatementTransaction)
	for _, t := range all {
		key := strings.ToUpper(t.Currency) + "|" + t.AbsAmount().String()
		if t.Direction == models.DirectionOut {
			outs[key] = append(outs[key], t)
		} else {
			ins[key] = append(ins[key], t)
		}
	}

	var out []*models.ConsistencyCheck
	for key, legs := range outs {
		for _, o := range legs {
			for _, in := range ins[key] {
				if o.AccountID == in.AccountID || (!inScope[o.ID] && !inScope[in.ID]) {
					continue
				}
				gap := models.DaysBetween(o.Date, in.Date)
				if gap > c.cfg.TransferMaxDays || booked(o, in) {
					continue
				}
				out = append(out, newCheck(models.CheckTransferPair, models.SeverityLow, []string{o.ID, in.ID},
					map[string]interface{}{
						"from_account": o.AccountID,
						"to_account":   in.AccountID,
						"amount":       o.AbsAmount().StringFixed(2),
						"days_apart":   gap,
					}))
			}
		}
	}
	return out
}

// anomalies merges every single-transaction reason into one check with the highest severity
func (c *Checker) anomalies(scope []*models.BankStatementTransaction, book *history.Book) []*models.ConsistencyCheck {
	var out []*models.ConsistencyCheck
	for _, t := range scope {
		var reasons []string
		severity := models.Severity("")
		details := map[string]interface{}{"amount": t.AbsAmount().StringFixed(2)}
		amount := t.AbsAmount()

		if key := t.CounterpartyKey(); key != "" && book != nil {
			if avg, ok := book.MonthlyAverage(key, t.Date, c.cfg.AverageLookbackDays); ok && avg.IsPositive() &&
				amount.GreaterThan(avg.Mul(c.cfg.AnomalyRatio)) {
				reasons = append(reasons, "amount_exceeds_monthly_average")
				severity = models.MaxSeverity(severity, models.SeverityHigh)
				details["counterparty"] = key
				details["monthly_average"] = avg.StringFixed(2)
				details["ratio"] = amount.Div(avg).StringFixed(1)
			}
		}
		if amount.GreaterThanOrEqual(c.cfg.LargeRoundAmount) && amount.Equal(amount.Truncate(0)) {
			reasons = append(reasons, "large_round_amount")
			severity = models.MaxSeverity(severity, models.SeverityMedium)
			details["threshold"] = c.cfg.LargeRoundAmount.StringFixed(2)
		}

		if len(reasons) == 0 {
			continue
		}
		details["reasons"] = reasons
		out = append(out, newCheck(models.CheckAnomaly, severity, []string{t.ID}, details))
	}
	return out
}

// bursts flags more than BurstCount transactions of one counterparty inside BurstWindow.
// Clusters do not overlap; one check covers a whole cluster.
func (c *Checker) bursts(book *history.Book, inScope map[string]bool) []*models.ConsistencyCheck {
	var out []*models.ConsistencyCheck
	for _, key := range book.Keys() {
		txns := book.Activity(key)
		for i := 0; i < len(txns); {
			j := i
			for j+1 < len(txns) && txns[j+1].Date.Sub(txns[i].Date) < c.cfg.BurstWindow {
				j++
			}
			cluster := txns[i : j+1]
			if len(cluster) > c.cfg.BurstCount && anyInScope(cluster, inScope) {
				ids := make([]string, len(cluster))
				for k, t := range cluster {
					ids[k] = t.ID
				}
				out = append(out, newCheck(models.CheckAnomaly, models.SeverityMedium, ids,
					map[string]interface{}{
						"reasons":      []string{"counterparty_burst"},
						"counterparty": key,
						"count":        len(cluster),
						"window_hours": c.cfg.BurstWindow.Hours(),
					}))
				i = j + 1
				continue
			}
			i++
		}
	}
	return out
}

func anyInScope(txns []*models.BankStatementTransaction, inScope map[string]bool) bool {
	for _, t := range txns {
		if inScope[t.ID] {
			return true
		}
	}
	return false
}

func touches(e *models.JournalEntry, accountCode string) bool {
	for _, l := range e.Lines {
		if strings.EqualFold(l.AccountCode, accountCode) {
			return true
		}
	}
	return false
}

func sortByDate(txns []*models.BankStatementTransaction) {
	sort.Slice(txns, func(i, j int) bool {
		if !txns[i].Date.Equal(txns[j].Date) {
			return txns[i].Date.Before(txns[j].Date)
		}
		return txns[i].ID < txns[j].ID
	})
}

func roundTo(v float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return f
}
