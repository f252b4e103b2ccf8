package matcher

import (
	"time"

	"github.com/shopspring/decimal"

	"ledger-reconciliation-service/internal/models"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// txnIn builds a money-in transaction on ACC-1
func txnIn(id, date, amount, desc string) *models.BankStatementTransaction {
	return &models.BankStatementTransaction{
		ID:          id,
		StatementID: "STMT-1",
		AccountID:   "ACC-1",
		Date:        day(date),
		Description: desc,
		Amount:      dec(amount),
		Direction:   models.DirectionIn,
		Currency:    "USD",
	}
}

// txnOut builds a money-out transaction on ACC-1 with a negative amount
func txnOut(id, date, amount, desc string) *models.BankStatementTransaction {
	t := txnIn(id, date, amount, desc)
	t.Amount = t.Amount.Neg()
	t.Direction = models.DirectionOut
	return t
}

// receipt builds an asset/income entry on ACC-1
func receipt(id, date, amount, memo string) *models.JournalEntry {
	return entry(id, date, amount, memo, models.AccountAsset, "1000", models.AccountIncome, "4000")
}

// payment builds an expense/asset entry on ACC-1
func payment(id, date, amount, memo string) *models.JournalEntry {
	return entry(id, date, amount, memo, models.AccountExpense, "6000", models.AccountAsset, "1000")
}

func entry(id, date, amount, memo string, debit models.AccountType, debitCode string, credit models.AccountType, creditCode string) *models.JournalEntry {
	return &models.JournalEntry{
		ID:        id,
		AccountID: "ACC-1",
		Date:      day(date),
		Memo:      memo,
		Currency:  "USD",
		Lines: []models.JournalLine{
			{AccountCode: debitCode, AccountType: debit, Debit: dec(amount), Credit: decimal.Zero},
			{AccountCode: creditCode, AccountType: credit, Debit: decimal.Zero, Credit: dec(amount)},
		},
	}
}

// claimMap is a ClaimView backed by a map of entry id to transaction id
type claimMap map[string]string

func (c claimMap) ClaimedBy(entryID string) (string, bool) {
	id, ok := c[entryID]
	return id, ok
}

// fakeHistory serves fixed records per counterparty
type fakeHistory map[string][]HistoryRecord

func (f fakeHistory) Records(counterparty string) []HistoryRecord {
	return f[counterparty]
}
