package reconciler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-reconciliation-service/internal/consistency"
	"ledger-reconciliation-service/internal/events"
	"ledger-reconciliation-service/internal/matcher"
	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/internal/review"
	"ledger-reconciliation-service/internal/storage"
	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

var asOf = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func bankTxn(id, date, amount, desc string) *models.BankStatementTransaction {
	amt := decimal.RequireFromString(amount)
	dir := models.DirectionIn
	if amt.IsNegative() {
		dir = models.DirectionOut
	}
	return &models.BankStatementTransaction{
		ID: id, StatementID: "STMT-1", AccountID: "ACC-1", Date: day(date),
		Description: desc, Amount: amt, Direction: dir, Currency: "USD",
	}
}

func receipt(id, date, amount, memo string) *models.JournalEntry {
	amt := decimal.RequireFromString(amount)
	return &models.JournalEntry{
		ID: id, AccountID: "ACC-1", Date: day(date), Memo: memo, Currency: "USD",
		Lines: []models.JournalLine{
			{AccountCode: "1000", AccountType: models.AccountAsset, Debit: amt, Credit: decimal.Zero},
			{AccountCode: "4000", AccountType: models.AccountIncome, Debit: decimal.Zero, Credit: amt},
		},
	}
}

type harness struct {
	ctx      context.Context
	store    *storage.MemoryStore
	recorder *events.Recorder
	svc      *Service
}

func newHarness(t *testing.T, withChecks bool) *harness {
	t.Helper()
	store := storage.NewMemoryStore()
	rec := &events.Recorder{}

	var checker *consistency.Checker
	if withChecks {
		checker = consistency.NewChecker(consistency.DefaultConfig(), store, logger.Discard())
	}
	cfg := DefaultConfig()
	cfg.Workers = 4
	svc, err := NewService(store, matcher.DefaultConfig(), checker, rec, cfg, logger.Discard())
	require.NoError(t, err)
	return &harness{ctx: context.Background(), store: store, recorder: rec, svc: svc}
}

func (h *harness) seed(t *testing.T, txns []*models.BankStatementTransaction, entries []*models.JournalEntry) {
	t.Helper()
	require.NoError(t, h.store.SaveTransactions(h.ctx, txns))
	require.NoError(t, h.store.SaveJournalEntries(h.ctx, entries))
}

func (h *harness) run(t *testing.T) *RunSummary {
	t.Helper()
	summary, err := h.svc.Run(h.ctx, Request{AsOf: asOf})
	require.NoError(t, err)
	return summary
}

func (h *harness) activeFor(t *testing.T, txnID string) []*models.ReconciliationMatch {
	t.Helper()
	matches, err := h.store.ListMatches(h.ctx, storage.MatchFilter{BankTxnID: txnID})
	require.NoError(t, err)
	var out []*models.ReconciliationMatch
	for _, m := range matches {
		if m.Status.IsActive() {
			out = append(out, m)
		}
	}
	return out
}

func (h *harness) put(t *testing.T, m *models.ReconciliationMatch) {
	t.Helper()
	m.RunID = "R-0"
	m.Kind = models.KindOneToOne
	m.ResidualAmount = decimal.Zero
	m.CreatedAt = asOf.Add(-48 * time.Hour)
	m.UpdatedAt = m.CreatedAt
	require.NoError(t, h.store.SaveMatches(h.ctx, []*models.ReconciliationMatch{m}))
}

func TestNewServiceRejectsBadConfig(t *testing.T) {
	_, err := NewService(nil, nil, nil, nil, DefaultConfig(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	bad := matcher.DefaultConfig()
	bad.Weights.Amount = 0.9
	_, err = NewService(storage.NewMemoryStore(), bad, nil, nil, DefaultConfig(), nil)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	cfg := DefaultConfig()
	cfg.Workers = 0
	_, err = NewService(storage.NewMemoryStore(), nil, nil, nil, cfg, nil)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))

	_, err = newHarness(t, false).svc.Run(context.Background(), Request{From: day("2024-03-10"), To: day("2024-03-01")})
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestRunClassifiesMatches(t *testing.T) {
	h := newHarness(t, true)
	h.seed(t,
		[]*models.BankStatementTransaction{
			bankTxn("T-1", "2024-03-05", "250.00", "Invoice 1001 Acme"),
			bankTxn("T-2", "2024-03-06", "480.00", "wire transfer"),
			bankTxn("T-3", "2024-03-07", "999.99", "unknown deposit"),
		},
		[]*models.JournalEntry{
			receipt("JE-1", "2024-03-05", "250.00", "Invoice 1001 Acme"),
			receipt("JE-2", "2024-03-06", "480.00", "Invoice 2002 Globex"),
		})

	summary := h.run(t)
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, 1, summary.AutoAccepted)
	assert.Equal(t, 1, summary.PendingReview)
	assert.Equal(t, 1, summary.Unmatched)
	assert.Len(t, summary.Created, 2)
	assert.Equal(t, asOf, summary.AsOf)

	m1 := h.activeFor(t, "T-1")
	require.Len(t, m1, 1)
	assert.Equal(t, models.StatusAutoAccepted, m1[0].Status)
	assert.Equal(t, []string{"JE-1"}, m1[0].JournalEntryIDs)
	assert.Equal(t, summary.RunID, m1[0].RunID)

	m2 := h.activeFor(t, "T-2")
	require.Len(t, m2, 1)
	assert.Equal(t, models.StatusPendingReview, m2[0].Status)
	assert.NotEmpty(t, m2[0].ReviewReason)

	assert.Empty(t, h.activeFor(t, "T-3"))

	evs := h.recorder.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, m1[0].ID, evs[0].MatchID)
	assert.Equal(t, 1, summary.Notified)
}

func TestRunIsIdempotent(t *testing.T) {
	h := newHarness(t, true)
	h.seed(t,
		[]*models.BankStatementTransaction{
			bankTxn("T-1", "2024-03-05", "250.00", "Invoice 1001 Acme"),
			bankTxn("T-2", "2024-03-06", "480.00", "wire transfer"),
			bankTxn("T-3", "2024-03-06", "-12000.00", "equipment purchase"),
		},
		[]*models.JournalEntry{
			receipt("JE-1", "2024-03-05", "250.00", "Invoice 1001 Acme"),
			receipt("JE-2", "2024-03-06", "480.00", "Invoice 2002 Globex"),
		})

	first := h.run(t)
	require.Len(t, first.Created, 2)
	require.Equal(t, 1, first.ChecksCreated, "large round amount")

	second := h.run(t)
	assert.Empty(t, second.Created)
	assert.Equal(t, 2, second.Unchanged)
	assert.Equal(t, 0, second.Superseded)
	assert.Equal(t, 0, second.ChecksCreated)
	assert.Equal(t, 1, second.ChecksSuppressed)

	all, err := h.store.ListMatches(h.ctx, storage.MatchFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	checks, err := h.store.ListChecks(h.ctx, storage.CheckFilter{})
	require.NoError(t, err)
	assert.Len(t, checks, 1)
	assert.Len(t, h.recorder.Events(), 1, "settled matches are signalled once")
}

func TestRunNeverReplacesAcceptedMatch(t *testing.T) {
	h := newHarness(t, false)
	h.seed(t,
		[]*models.BankStatementTransaction{bankTxn("T-1", "2024-03-05", "250.00", "Invoice 1001 Acme")},
		[]*models.JournalEntry{
			receipt("JE-1", "2024-03-09", "249.00", "misc"),
			receipt("JE-9", "2024-03-05", "250.00", "Invoice 1001 Acme"),
		})
	h.put(t, &models.ReconciliationMatch{ID: "M-1", BankTxnID: "T-1", JournalEntryIDs: []string{"JE-1"}, Score: 64, Status: models.StatusAccepted})

	summary := h.run(t)
	assert.Empty(t, summary.Created)
	assert.Equal(t, 1, summary.Unchanged)

	active := h.activeFor(t, "T-1")
	require.Len(t, active, 1)
	assert.Equal(t, "M-1", active[0].ID)
	assert.Equal(t, models.StatusAccepted, active[0].Status)
}

func TestRunSupersedesOnlyStrictlyBetterMatches(t *testing.T) {
	h := newHarness(t, false)
	h.seed(t,
		[]*models.BankStatementTransaction{
			bankTxn("T-1", "2024-03-05", "480.00", "Invoice 2002 Globex"),
			bankTxn("T-2", "2024-03-20", "730.00", "Invoice 3003 Initech"),
		},
		[]*models.JournalEntry{
			receipt("JE-OLD", "2024-03-01", "470.00", "older booking"),
			receipt("JE-NEW", "2024-03-05", "480.00", "Invoice 2002 Globex"),
			receipt("JE-X", "2024-03-20", "730.00", "Invoice 3003 Initech"),
			receipt("JE-Y", "2024-03-21", "730.00", "Invoice 3003 Initech"),
		})
	h.put(t, &models.ReconciliationMatch{ID: "M-OLD", BankTxnID: "T-1", JournalEntryIDs: []string{"JE-OLD"}, Score: 62, Status: models.StatusPendingReview})
	h.put(t, &models.ReconciliationMatch{ID: "M-KEEP", BankTxnID: "T-2", JournalEntryIDs: []string{"JE-Y"}, Score: 99, Status: models.StatusPendingReview})

	summary := h.run(t)
	assert.Equal(t, 1, summary.Superseded)
	assert.Equal(t, 1, summary.Unchanged)

	old, err := h.store.GetMatch(h.ctx, "M-OLD")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuperseded, old.Status)

	active := h.activeFor(t, "T-1")
	require.Len(t, active, 1)
	assert.Equal(t, []string{"JE-NEW"}, active[0].JournalEntryIDs)
	assert.Equal(t, active[0].ID, old.SupersededBy)
	assert.Greater(t, active[0].Score, old.Score)

	kept := h.activeFor(t, "T-2")
	require.Len(t, kept, 1)
	assert.Equal(t, "M-KEEP", kept[0].ID, "a candidate that does not score higher leaves the match alone")
}

func TestRunSkipsRejectedEntrySets(t *testing.T) {
	h := newHarness(t, false)
	h.seed(t,
		[]*models.BankStatementTransaction{bankTxn("T-1", "2024-03-05", "250.00", "Invoice 1001 Acme")},
		[]*models.JournalEntry{receipt("JE-1", "2024-03-05", "250.00", "Invoice 1001 Acme")})
	h.put(t, &models.ReconciliationMatch{ID: "M-1", BankTxnID: "T-1", JournalEntryIDs: []string{"JE-1"}, Score: 98, Status: models.StatusRejected})

	summary := h.run(t)
	assert.Empty(t, summary.Created)
	assert.Equal(t, 1, summary.Unmatched)
	assert.Empty(t, h.activeFor(t, "T-1"))
}

func TestRunRegeneratesOnClaimConflict(t *testing.T) {
	h := newHarness(t, false)
	h.seed(t,
		[]*models.BankStatementTransaction{
			bankTxn("T-1", "2024-03-05", "100.00", "Invoice 1001 Acme"),
			bankTxn("T-2", "2024-03-05", "100.00", "Invoice 1001 Acme"),
		},
		[]*models.JournalEntry{
			receipt("JE-1", "2024-03-05", "100.00", "Invoice 1001 Acme"),
			receipt("JE-2", "2024-03-07", "100.00", "Invoice 1001 Acme"),
		})

	summary := h.run(t)
	assert.Equal(t, 1, summary.Regenerated)
	assert.Equal(t, 0, summary.Unmatched)

	m1 := h.activeFor(t, "T-1")
	m2 := h.activeFor(t, "T-2")
	require.Len(t, m1, 1)
	require.Len(t, m2, 1)
	assert.Equal(t, []string{"JE-1"}, m1[0].JournalEntryIDs)
	assert.Equal(t, []string{"JE-2"}, m2[0].JournalEntryIDs)
}

func TestRunGroupsManyToOne(t *testing.T) {
	h := newHarness(t, false)
	h.seed(t,
		[]*models.BankStatementTransaction{
			bankTxn("T-1", "2024-03-10", "100.00", "Invoice 1001 Acme part 1"),
			bankTxn("T-2", "2024-03-10", "200.00", "Invoice 1001 Acme part 2"),
		},
		[]*models.JournalEntry{receipt("JE-1", "2024-03-10", "300.00", "Invoice 1001 Acme")})

	summary := h.run(t)
	assert.Equal(t, 2, summary.Grouped)
	assert.Equal(t, 0, summary.Unmatched)

	m1 := h.activeFor(t, "T-1")
	m2 := h.activeFor(t, "T-2")
	require.Len(t, m1, 1)
	require.Len(t, m2, 1)
	assert.Equal(t, models.KindManyToOne, m1[0].Kind)
	assert.NotEmpty(t, m1[0].GroupID)
	assert.Equal(t, m1[0].GroupID, m2[0].GroupID)
	assert.Equal(t, []string{"JE-1"}, m2[0].JournalEntryIDs)

	again := h.run(t)
	assert.Empty(t, again.Created)
	assert.Equal(t, 2, again.Unchanged)
}

func seedGroup(t *testing.T, h *harness) (*models.ReconciliationMatch, *models.ReconciliationMatch) {
	t.Helper()
	h.seed(t,
		[]*models.BankStatementTransaction{
			bankTxn("T-1", "2024-03-10", "100.00", "Invoice 1001 Acme part 1"),
			bankTxn("T-2", "2024-03-10", "200.00", "Invoice 1001 Acme part 2"),
		},
		[]*models.JournalEntry{receipt("JE-1", "2024-03-10", "300.00", "Invoice 1001 Acme")})
	summary := h.run(t)
	require.Equal(t, 2, summary.Grouped)

	m1 := h.activeFor(t, "T-1")
	m2 := h.activeFor(t, "T-2")
	require.Len(t, m1, 1)
	require.Len(t, m2, 1)
	return m1[0], m2[0]
}

func TestReviewedGroupLeavesNoStraggler(t *testing.T) {
	h := newHarness(t, false)
	m1, _ := seedGroup(t, h)

	mgr := review.NewManager(h.store, h.recorder, logger.Discard())
	var err error
	if m1.Status == models.StatusAutoAccepted {
		_, err = mgr.Reopen(h.ctx, m1.ID, "wrong entry")
	} else {
		_, err = mgr.Reject(h.ctx, m1.ID, "wrong entry")
	}
	require.NoError(t, err)

	again := h.run(t)
	assert.Equal(t, 0, again.Released)
	assert.Empty(t, h.activeFor(t, "T-1"))
	assert.Empty(t, h.activeFor(t, "T-2"), "the rejected group is not proposed again")
}

func TestRunReleasesBrokenGroup(t *testing.T) {
	h := newHarness(t, false)
	m1, m2 := seedGroup(t, h)
	settled := m2.Status == models.StatusAutoAccepted
	before := len(h.recorder.Events())

	// a member rejected outside the review queue leaves its sibling behind
	require.NoError(t, m1.Transition(models.StatusRejected, asOf))
	require.NoError(t, h.store.SaveMatches(h.ctx, []*models.ReconciliationMatch{m1}))

	again := h.run(t)
	assert.Equal(t, 1, again.Released)
	assert.Empty(t, h.activeFor(t, "T-2"))

	stored, err := h.store.GetMatch(h.ctx, m2.ID)
	require.NoError(t, err)
	assert.False(t, stored.Status.IsActive())

	evs := h.recorder.Events()[before:]
	if settled {
		assert.Equal(t, models.StatusRejected, stored.Status)
		require.Len(t, evs, 1)
		assert.Equal(t, events.ActionUnreconciled, evs[0].Action)
		assert.Equal(t, m2.ID, evs[0].MatchID)
	} else {
		assert.Equal(t, models.StatusSuperseded, stored.Status)
		assert.Empty(t, evs)
	}

	third := h.run(t)
	assert.Equal(t, 0, third.Released)
}

func TestRunReportsInputErrors(t *testing.T) {
	h := newHarness(t, false)
	broken := bankTxn("T-BAD", "2024-03-05", "1.00", "broken")
	broken.Amount = decimal.Zero
	unbalanced := receipt("JE-BAD", "2024-03-05", "10.00", "broken")
	unbalanced.Lines[1].Credit = decimal.RequireFromString("9.00")
	h.seed(t,
		[]*models.BankStatementTransaction{broken, bankTxn("T-1", "2024-03-05", "250.00", "Invoice 1001 Acme")},
		[]*models.JournalEntry{unbalanced, receipt("JE-1", "2024-03-05", "250.00", "Invoice 1001 Acme")})

	summary := h.run(t)
	assert.Equal(t, 2, summary.Skipped)
	require.NotNil(t, summary.InputErrors)
	assert.Equal(t, 2, summary.InputErrors.ByCategory[errors.CategoryInput])
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.AutoAccepted)
}

func TestRunStopsOnCancellation(t *testing.T) {
	h := newHarness(t, false)
	h.seed(t,
		[]*models.BankStatementTransaction{bankTxn("T-1", "2024-03-05", "250.00", "Invoice 1001 Acme")},
		[]*models.JournalEntry{receipt("JE-1", "2024-03-05", "250.00", "Invoice 1001 Acme")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := h.svc.Run(ctx, Request{AsOf: asOf})
	require.Error(t, err)
	assert.True(t, errors.HasErrorCode(err, errors.CodeRunCancelled))
	require.NotNil(t, summary)
	assert.True(t, summary.Cancelled)

	all, err := h.store.ListMatches(context.Background(), storage.MatchFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRunTenThousandTransactions(t *testing.T) {
	if testing.Short() {
		t.Skip("large run")
	}
	h := newHarness(t, true)

	const n = 10000
	txns := make([]*models.BankStatementTransaction, n)
	entries := make([]*models.JournalEntry, n)
	base := day("2024-01-01")
	for i := 0; i < n; i++ {
		date := base.AddDate(0, 0, i%365).Format("2006-01-02")
		amount := decimal.NewFromInt(1000).Add(decimal.RequireFromString("7.13").Mul(decimal.NewFromInt(int64(i)))).StringFixed(2)
		memo := fmt.Sprintf("Payment ref %05d", i)
		txns[i] = bankTxn(fmt.Sprintf("T-%05d", i), date, amount, memo)
		entries[i] = receipt(fmt.Sprintf("JE-%05d", i), date, amount, memo)
	}
	h.seed(t, txns, entries)

	started := time.Now()
	summary, err := h.svc.Run(h.ctx, Request{AsOf: day("2025-01-31")})
	elapsed := time.Since(started)
	require.NoError(t, err)

	assert.Equal(t, n, summary.Processed)
	assert.Equal(t, n, summary.AutoAccepted+summary.PendingReview)
	assert.Equal(t, 0, summary.Unmatched)
	assert.Less(t, elapsed, 20*time.Second)
	t.Logf("reconciled %d transactions in %s", n, elapsed)
}

func TestRunTenThousandUnmatched(t *testing.T) {
	if testing.Short() {
		t.Skip("large run")
	}
	h := newHarness(t, true)

	// every entry is larger than any transaction, so nothing settles 1:1 and every N:1
	// pool overflows
	const n = 10000
	txns := make([]*models.BankStatementTransaction, n)
	entries := make([]*models.JournalEntry, n)
	base := day("2024-01-01")
	for i := 0; i < n; i++ {
		date := base.AddDate(0, 0, i%365).Format("2006-01-02")
		amount := fmt.Sprintf("%d.37", 10+(i*7919)%9000)
		if i%2 == 1 {
			amount = "-" + amount
		}
		txns[i] = bankTxn(fmt.Sprintf("T-%05d", i), date, amount, fmt.Sprintf("Card purchase %05d", i))
		entries[i] = receipt(fmt.Sprintf("JE-%05d", i), date, fmt.Sprintf("%d.50", 20000+i), fmt.Sprintf("Wire %05d", i))
	}
	h.seed(t, txns, entries)

	started := time.Now()
	summary, err := h.svc.Run(h.ctx, Request{AsOf: day("2025-01-31")})
	elapsed := time.Since(started)
	require.NoError(t, err)

	assert.Equal(t, n, summary.Processed)
	assert.Equal(t, n, summary.Unmatched)
	assert.Empty(t, summary.Created)
	assert.Less(t, elapsed, 20*time.Second)
	t.Logf("scanned %d unmatched transactions in %s", n, elapsed)
}
