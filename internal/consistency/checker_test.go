package consistency

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-reconciliation-service/internal/history"
	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/internal/storage"
	"ledger-reconciliation-service/pkg/logger"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func txn(id, account, date, amount, desc string) *models.BankStatementTransaction {
	amt := decimal.RequireFromString(amount)
	dir := models.DirectionIn
	if amt.IsNegative() {
		dir = models.DirectionOut
	}
	return &models.BankStatementTransaction{
		ID: id, StatementID: "S-1", AccountID: account, Date: day(date), Description: desc,
		Amount: amt, Direction: dir, Currency: "USD",
	}
}

func newTestChecker(store storage.Store) *Checker {
	c := NewChecker(DefaultConfig(), store, logger.Discard())
	c.now = func() time.Time { return day("2024-04-01") }
	return c
}

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.DuplicateMinSimilarity = 1.5
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.AnomalyRatio = decimal.NewFromInt(1)
	assert.Error(t, cfg.Validate())
}

func TestDetectDuplicate(t *testing.T) {
	c := newTestChecker(storage.NewMemoryStore())
	a := txn("T-1", "ACC-1", "2024-03-15", "-87.50", "Coffee Supplies Ltd")
	b := txn("T-2", "ACC-1", "2024-03-15", "-87.50", "Coffee Supplies Ltd")
	otherAccount := txn("T-3", "ACC-2", "2024-03-15", "-87.50", "Coffee Supplies Ltd")
	tooLate := txn("T-4", "ACC-1", "2024-03-18", "-87.50", "Coffee Supplies Ltd")
	different := txn("T-5", "ACC-1", "2024-03-15", "-87.50", "Payroll run")

	checks := c.Detect(Input{Scope: []*models.BankStatementTransaction{a, b, otherAccount, tooLate, different}})

	var dups []*models.ConsistencyCheck
	for _, ch := range checks {
		if ch.CheckType == models.CheckDuplicate {
			dups = append(dups, ch)
		}
	}
	require.Len(t, dups, 1)
	assert.Equal(t, []string{"T-1", "T-2"}, dups[0].RelatedTxnIDs)
	assert.Equal(t, models.SeverityMedium, dups[0].Severity)
	assert.Equal(t, "duplicate:T-1,T-2", dups[0].Fingerprint)
	assert.Equal(t, "-87.50", dups[0].Details["amount"])
}

func TestDetectTransferPair(t *testing.T) {
	c := newTestChecker(storage.NewMemoryStore())
	out := txn("T-1", "ACC-1", "2024-03-15", "-500.00", "transfer to savings")
	in := txn("T-2", "ACC-2", "2024-03-17", "500.00", "transfer from checking")
	far := txn("T-3", "ACC-3", "2024-03-30", "500.00", "unrelated")

	checks := c.Detect(Input{Scope: []*models.BankStatementTransaction{out, in, far}})
	var pairs []*models.ConsistencyCheck
	for _, ch := range checks {
		if ch.CheckType == models.CheckTransferPair {
			pairs = append(pairs, ch)
		}
	}
	require.Len(t, pairs, 1)
	assert.Equal(t, []string{"T-1", "T-2"}, pairs[0].RelatedTxnIDs)
	assert.Equal(t, models.SeverityLow, pairs[0].Severity)

	// a leg matched to an entry that books between both ledger accounts is not reported
	c.cfg.LedgerAccounts = map[string]string{"acc-1": "1010", "ACC-2": "1020"}
	matched := []*models.ReconciliationMatch{
		{ID: "M-1", BankTxnID: "T-1", JournalEntryIDs: []string{"JE-1"}, Status: models.StatusAccepted},
		{ID: "M-2", BankTxnID: "T-2", JournalEntryIDs: []string{"JE-2"}, Status: models.StatusPendingReview},
	}
	transfer := entry("JE-1", "ACC-1", "2024-03-15", "500.00",
		models.JournalLine{AccountCode: "1020", AccountType: models.AccountAsset},
		models.JournalLine{AccountCode: "1010", AccountType: models.AccountAsset})
	deposit := entry("JE-2", "ACC-2", "2024-03-17", "500.00",
		models.JournalLine{AccountCode: "1020", AccountType: models.AccountAsset},
		models.JournalLine{AccountCode: "4000", AccountType: models.AccountIncome})

	checks = c.Detect(Input{Scope: []*models.BankStatementTransaction{out, in}, Active: matched,
		Entries: []*models.JournalEntry{transfer, deposit}})
	for _, ch := range checks {
		assert.NotEqual(t, models.CheckTransferPair, ch.CheckType)
	}

	// entries that each touch only their own bank's ledger account still leave the pair open
	expense := entry("JE-1", "ACC-1", "2024-03-15", "500.00",
		models.JournalLine{AccountCode: "6100", AccountType: models.AccountExpense},
		models.JournalLine{AccountCode: "1010", AccountType: models.AccountAsset})
	checks = c.Detect(Input{Scope: []*models.BankStatementTransaction{out, in}, Active: matched,
		Entries: []*models.JournalEntry{expense, deposit}})
	require.Len(t, checks, 1)
	assert.Equal(t, models.CheckTransferPair, checks[0].CheckType)
}

func TestRunLoadsEntriesForTransferExclusion(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	c := newTestChecker(store)
	c.cfg.LedgerAccounts = map[string]string{"ACC-1": "1010", "ACC-2": "1020"}

	require.NoError(t, store.SaveJournalEntries(ctx, []*models.JournalEntry{
		entry("JE-1", "ACC-1", "2024-03-15", "500.00",
			models.JournalLine{AccountCode: "1020", AccountType: models.AccountAsset},
			models.JournalLine{AccountCode: "1010", AccountType: models.AccountAsset}),
	}))
	out := txn("T-1", "ACC-1", "2024-03-15", "-500.00", "transfer to savings")
	in := txn("T-2", "ACC-2", "2024-03-16", "500.00", "transfer from checking")
	active := []*models.ReconciliationMatch{
		{ID: "M-1", BankTxnID: "T-1", JournalEntryIDs: []string{"JE-1"}, Status: models.StatusAutoAccepted},
	}

	res, err := c.Run(ctx, Input{Scope: []*models.BankStatementTransaction{out, in}, Active: active})
	require.NoError(t, err)
	assert.Empty(t, res.Created)
}

func entry(id, account, date, amount string, debit, credit models.JournalLine) *models.JournalEntry {
	amt := decimal.RequireFromString(amount)
	debit.Debit = amt
	credit.Credit = amt
	return &models.JournalEntry{
		ID: id, AccountID: account, Date: day(date), Currency: "USD",
		Lines: []models.JournalLine{debit, credit},
	}
}

func TestDetectAnomalyMergesReasons(t *testing.T) {
	c := newTestChecker(storage.NewMemoryStore())

	var all []*models.BankStatementTransaction
	for i, d := range []string{"2024-01-10", "2024-02-10", "2024-03-01"} {
		h := txn(fmt.Sprintf("H-%d", i), "ACC-1", d, "500.00", "consulting")
		h.Counterparty = "Globex"
		all = append(all, h)
	}
	big := txn("T-1", "ACC-1", "2024-03-20", "15000.00", "consulting")
	big.Counterparty = "Globex"
	all = append(all, big)

	book := history.Build(all, nil, nil)
	checks := c.Detect(Input{Scope: []*models.BankStatementTransaction{big}, All: all, Book: book})

	require.Len(t, checks, 1)
	ch := checks[0]
	assert.Equal(t, models.CheckAnomaly, ch.CheckType)
	assert.Equal(t, models.SeverityHigh, ch.Severity)
	assert.Equal(t, []string{"T-1"}, ch.RelatedTxnIDs)
	assert.Equal(t, []string{"amount_exceeds_monthly_average", "large_round_amount"}, ch.Details["reasons"])
	assert.Equal(t, "500.00", ch.Details["monthly_average"])
}

func TestDetectRoundAmountWithoutHistory(t *testing.T) {
	c := newTestChecker(storage.NewMemoryStore())
	round := txn("T-1", "ACC-1", "2024-03-20", "-12000.00", "equipment")
	notRound := txn("T-2", "ACC-1", "2024-03-21", "-12000.50", "equipment")

	checks := c.Detect(Input{Scope: []*models.BankStatementTransaction{round, notRound}})
	require.Len(t, checks, 1)
	assert.Equal(t, models.SeverityMedium, checks[0].Severity)
	assert.Equal(t, []string{"T-1"}, checks[0].RelatedTxnIDs)
}

func TestDetectCounterpartyBurst(t *testing.T) {
	c := newTestChecker(storage.NewMemoryStore())
	var all []*models.BankStatementTransaction
	for i := 0; i < 6; i++ {
		tx := txn(fmt.Sprintf("T-%d", i), "ACC-1", "2024-03-20", fmt.Sprintf("-%d.15", 10+i), fmt.Sprintf("order %d", i))
		tx.Counterparty = "Shop"
		all = append(all, tx)
	}

	checks := c.Detect(Input{Scope: all, All: all, Book: history.Build(all, nil, nil)})
	require.Len(t, checks, 1)
	assert.Equal(t, models.CheckAnomaly, checks[0].CheckType)
	assert.Len(t, checks[0].RelatedTxnIDs, 6)
	assert.Equal(t, 6, checks[0].Details["count"])

	checks = c.Detect(Input{Scope: all[:5], All: all[:5], Book: history.Build(all[:5], nil, nil)})
	assert.Empty(t, checks, "five transactions is not a burst")
}

func TestRunIsIdempotentAndFlagsMatches(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	c := newTestChecker(store)

	a := txn("T-1", "ACC-1", "2024-03-15", "87.50", "Invoice 1001 Acme")
	b := txn("T-2", "ACC-1", "2024-03-15", "87.50", "Invoice 1001 Acme")
	match := &models.ReconciliationMatch{ID: "M-1", BankTxnID: "T-2", JournalEntryIDs: []string{"JE-1"}, Status: models.StatusPendingReview}
	require.NoError(t, store.SaveMatches(ctx, []*models.ReconciliationMatch{match}))

	in := Input{Scope: []*models.BankStatementTransaction{a, b}, Active: []*models.ReconciliationMatch{match}}
	res, err := c.Run(ctx, in)
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	assert.Equal(t, 1, res.FlaggedMatches)

	stored, err := store.GetMatch(ctx, "M-1")
	require.NoError(t, err)
	assert.Equal(t, []string{res.Created[0].ID}, stored.CheckIDs)

	again, err := c.Run(ctx, Input{Scope: in.Scope, Active: []*models.ReconciliationMatch{stored}})
	require.NoError(t, err)
	assert.Empty(t, again.Created)
	assert.Equal(t, 1, again.Suppressed)
	assert.Equal(t, 0, again.FlaggedMatches)

	// a resolved check stays acknowledged
	check := res.Created[0]
	require.NoError(t, check.Resolve(models.ResolutionApproved, "two real invoices", day("2024-04-02")))
	require.NoError(t, store.SaveChecks(ctx, []*models.ConsistencyCheck{check}))
	third, err := c.Run(ctx, in)
	require.NoError(t, err)
	assert.Empty(t, third.Created)

	all, err := store.ListChecks(ctx, storage.CheckFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRunEscalatesOpenAnomaly(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	c := newTestChecker(store)

	big := txn("T-1", "ACC-1", "2024-03-20", "15000.00", "consulting")
	big.Counterparty = "Globex"
	scope := []*models.BankStatementTransaction{big}

	// round amount alone is medium
	first, err := c.Run(ctx, Input{Scope: scope})
	require.NoError(t, err)
	require.Len(t, first.Created, 1)
	assert.Equal(t, models.SeverityMedium, first.Created[0].Severity)

	// counterparty history now makes it exceed the monthly average as well
	var all []*models.BankStatementTransaction
	for i, d := range []string{"2024-01-10", "2024-02-10", "2024-03-01"} {
		h := txn(fmt.Sprintf("H-%d", i), "ACC-1", d, "500.00", "consulting")
		h.Counterparty = "Globex"
		all = append(all, h)
	}
	all = append(all, big)
	book := history.Build(all, nil, nil)

	second, err := c.Run(ctx, Input{Scope: scope, All: all, Book: book})
	require.NoError(t, err)
	assert.Empty(t, second.Created)
	require.Len(t, second.Escalated, 1)
	assert.Equal(t, first.Created[0].ID, second.Escalated[0].ID)

	stored, err := store.GetCheck(ctx, first.Created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.SeverityHigh, stored.Severity)
	assert.True(t, stored.BlocksApproval())

	// an acknowledgment at medium does not cover a later high detection
	stored.Severity = models.SeverityMedium
	require.NoError(t, stored.Resolve(models.ResolutionApproved, "known client", day("2024-04-02")))
	require.NoError(t, store.SaveChecks(ctx, []*models.ConsistencyCheck{stored}))
	c.now = func() time.Time { return day("2024-04-03") }

	third, err := c.Run(ctx, Input{Scope: scope, All: all, Book: book})
	require.NoError(t, err)
	require.Len(t, third.Created, 1)
	assert.Equal(t, models.SeverityHigh, third.Created[0].Severity)
	assert.NotEqual(t, stored.ID, third.Created[0].ID)

	// the same high detection is then suppressed by the new open check
	fourth, err := c.Run(ctx, Input{Scope: scope, All: all, Book: book})
	require.NoError(t, err)
	assert.Empty(t, fourth.Created)
	assert.Empty(t, fourth.Escalated)
	assert.Equal(t, 1, fourth.Suppressed)
}

type failingStore struct {
	*storage.MemoryStore
}

func (f failingStore) SaveChecks(ctx context.Context, checks []*models.ConsistencyCheck) error {
	return fmt.Errorf("disk full")
}

func TestRunCollectsStoreFailures(t *testing.T) {
	c := newTestChecker(failingStore{storage.NewMemoryStore()})
	a := txn("T-1", "ACC-1", "2024-03-15", "87.50", "same")
	b := txn("T-2", "ACC-1", "2024-03-15", "87.50", "same")

	res, err := c.Run(context.Background(), Input{Scope: []*models.BankStatementTransaction{a, b}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Empty(t, res.Created)
}
