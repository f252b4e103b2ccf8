package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the money flow of a bank transaction relative to the account
type Direction string

const (
	// DirectionIn is money received into the bank account
	DirectionIn Direction = "IN"
	// DirectionOut is money paid out of the bank account
	DirectionOut Direction = "OUT"
)

// IsValid checks if the direction is valid
func (d Direction) IsValid() bool {
	return d == DirectionIn || d == DirectionOut
}

// Opposite returns the other direction
func (d Direction) Opposite() Direction {
	if d == DirectionIn {
		return DirectionOut
	}
	return DirectionIn
}

// ParseDirection parses a direction from common bank export spellings
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "IN", "CREDIT", "CR", "C":
		return DirectionIn, nil
	case "OUT", "DEBIT", "DR", "D":
		return DirectionOut, nil
	default:
		return "", fmt.Errorf("invalid direction '%s': must be IN or OUT", s)
	}
}

// AccountType is the chart-of-accounts class of a journal line
type AccountType string

const (
	AccountAsset     AccountType = "asset"
	AccountLiability AccountType = "liability"
	AccountEquity    AccountType = "equity"
	AccountIncome    AccountType = "income"
	AccountExpense   AccountType = "expense"
)

// AllAccountTypes lists every account type in a fixed order
var AllAccountTypes = []AccountType{AccountAsset, AccountLiability, AccountEquity, AccountIncome, AccountExpense}

// IsValid checks if the account type is one of the five known classes
func (a AccountType) IsValid() bool {
	switch a {
	case AccountAsset, AccountLiability, AccountEquity, AccountIncome, AccountExpense:
		return true
	}
	return false
}

// ParseAccountType parses an account type, accepting plural and capitalised forms
func ParseAccountType(s string) (AccountType, error) {
	t := AccountType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case "assets":
		t = AccountAsset
	case "liabilities":
		t = AccountLiability
	case "expenses":
		t = AccountExpense
	case "revenue", "revenues":
		t = AccountIncome
	}
	if !t.IsValid() {
		return "", fmt.Errorf("invalid account type '%s'", s)
	}
	return t, nil
}

// BankStatementTransaction is one line of an imported bank statement. It is read-only here.
type BankStatementTransaction struct {
	ID           string          `json:"id"`
	StatementID  string          `json:"statement_id"`
	AccountID    string          `json:"account_id"`
	Date         time.Time       `json:"date"`
	Description  string          `json:"description"`
	Amount       decimal.Decimal `json:"amount"`
	Direction    Direction       `json:"direction"`
	Currency     string          `json:"currency"`
	Reference    string          `json:"reference,omitempty"`
	Counterparty string          `json:"counterparty,omitempty"`
}

// Validate performs basic validation on the transaction
func (t *BankStatementTransaction) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("transaction ID cannot be empty")
	}
	if strings.TrimSpace(t.AccountID) == "" {
		return fmt.Errorf("transaction %s has no account", t.ID)
	}
	if t.Amount.IsZero() {
		return fmt.Errorf("transaction %s amount cannot be zero", t.ID)
	}
	if !t.Direction.IsValid() {
		return fmt.Errorf("transaction %s has invalid direction: %s", t.ID, t.Direction)
	}
	if t.Date.IsZero() {
		return fmt.Errorf("transaction %s date cannot be zero", t.ID)
	}
	if len(strings.TrimSpace(t.Currency)) != 3 {
		return fmt.Errorf("transaction %s has invalid currency: %q", t.ID, t.Currency)
	}
	return nil
}

// AbsAmount returns the unsigned transaction amount
func (t *BankStatementTransaction) AbsAmount() decimal.Decimal {
	return t.Amount.Abs()
}

// Day returns the civil day number of the transaction date
func (t *BankStatementTransaction) Day() int {
	return DayNumber(t.Date)
}

// CounterpartyKey returns the normalized key used to group a counterparty's history.
// The reference is used when no counterparty was extracted from the statement.
func (t *BankStatementTransaction) CounterpartyKey() string {
	key := t.Counterparty
	if strings.TrimSpace(key) == "" {
		key = t.Reference
	}
	return NormalizeIdentifier(key)
}

func (t *BankStatementTransaction) String() string {
	return fmt.Sprintf("Transaction{ID: %s, Account: %s, Amount: %s %s, Date: %s}",
		t.ID, t.AccountID, t.Amount.String(), t.Currency, t.Date.Format("2006-01-02"))
}

// JournalLine is one debit or credit line of a journal entry
type JournalLine struct {
	AccountCode string          `json:"account_code"`
	AccountType AccountType     `json:"account_type"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
}

// JournalEntry is a ledger record scoped to a bank account. It is read-only here.
type JournalEntry struct {
	ID        string        `json:"id"`
	AccountID string        `json:"account_id"`
	Date      time.Time     `json:"date"`
	Memo      string        `json:"memo"`
	Currency  string        `json:"currency"`
	Lines     []JournalLine `json:"lines"`
}

// Amount returns the total debits of the entry
func (e *JournalEntry) Amount() decimal.Decimal {
	total := decimal.Zero
	for _, l := range e.Lines {
		total = total.Add(l.Debit)
	}
	return total
}

func (e *JournalEntry) totalCredits() decimal.Decimal {
	total := decimal.Zero
	for _, l := range e.Lines {
		total = total.Add(l.Credit)
	}
	return total
}

// Validate checks the entry is well formed and balanced
func (e *JournalEntry) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("journal entry ID cannot be empty")
	}
	if strings.TrimSpace(e.AccountID) == "" {
		return fmt.Errorf("journal entry %s has no account", e.ID)
	}
	if e.Date.IsZero() {
		return fmt.Errorf("journal entry %s date cannot be zero", e.ID)
	}
	if len(e.Lines) < 2 {
		return fmt.Errorf("journal entry %s needs at least two lines", e.ID)
	}
	for i, l := range e.Lines {
		if !l.AccountType.IsValid() {
			return fmt.Errorf("journal entry %s line %d has invalid account type: %s", e.ID, i+1, l.AccountType)
		}
		if l.Debit.IsNegative() || l.Credit.IsNegative() {
			return fmt.Errorf("journal entry %s line %d has a negative amount", e.ID, i+1)
		}
	}
	if !e.Amount().Equal(e.totalCredits()) {
		return fmt.Errorf("debits %s do not equal credits %s", e.Amount().String(), e.totalCredits().String())
	}
	if e.Amount().IsZero() {
		return fmt.Errorf("journal entry %s amount cannot be zero", e.ID)
	}
	return nil
}

// Day returns the civil day number of the entry date
func (e *JournalEntry) Day() int {
	return DayNumber(e.Date)
}

// primaryLine returns the largest debit (or credit) line, first one wins on equal amounts.
func (e *JournalEntry) primaryLine(debit bool) (JournalLine, bool) {
	var best JournalLine
	found := false
	for _, l := range e.Lines {
		amt := l.Credit
		if debit {
			amt = l.Debit
		}
		if !amt.IsPositive() {
			continue
		}
		bestAmt := best.Credit
		if debit {
			bestAmt = best.Debit
		}
		if !found || amt.GreaterThan(bestAmt) {
			best, found = l, true
		}
	}
	return best, found
}

// DebitType returns the account type of the primary debit line
func (e *JournalEntry) DebitType() AccountType {
	l, _ := e.primaryLine(true)
	return l.AccountType
}

// CreditType returns the account type of the primary credit line
func (e *JournalEntry) CreditType() AccountType {
	l, _ := e.primaryLine(false)
	return l.AccountType
}

// Category returns the counter account code of the entry: the primary credit account for
// money received into an asset, the primary debit account otherwise.
func (e *JournalEntry) Category() string {
	debit, _ := e.primaryLine(true)
	credit, _ := e.primaryLine(false)
	if debit.AccountType == AccountAsset && credit.AccountType != AccountAsset {
		return credit.AccountCode
	}
	return debit.AccountCode
}

func (e *JournalEntry) String() string {
	return fmt.Sprintf("JournalEntry{ID: %s, Account: %s, Amount: %s %s, Date: %s}",
		e.ID, e.AccountID, e.Amount().String(), e.Currency, e.Date.Format("2006-01-02"))
}

// SortEntryIDs returns a sorted copy of the ids
func SortEntryIDs(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}

// EntrySetKey returns an order-independent key for a set of entry ids
func EntrySetKey(ids []string) string {
	return strings.Join(SortEntryIDs(ids), ",")
}

// DayNumber converts the calendar date of t to a day count since the Unix epoch.
// The wall-clock date is used as-is, so month and year boundaries reduce to subtraction.
func DayNumber(t time.Time) int {
	y, m, d := t.Date()
	return int(time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400)
}

// DaysBetween returns the absolute civil-day difference between two dates
func DaysBetween(a, b time.Time) int {
	diff := DayNumber(a) - DayNumber(b)
	if diff < 0 {
		return -diff
	}
	return diff
}

// ParseDecimalFromString parses a decimal value from string with validation
func ParseDecimalFromString(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount string cannot be empty")
	}

	s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		s = "-" + strings.Trim(s, "()")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal format '%s': %w", s, err)
	}
	return d, nil
}

// ParseTimeWithFormats attempts to parse time from string using multiple common formats
func ParseTimeWithFormats(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("time string cannot be empty")
	}

	formats := []string{
		"2006-01-02",
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"01/02/2006",
		"2006/01/02",
		"Jan 2, 2006",
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, fmt.Errorf("unable to parse time '%s': %w", s, lastErr)
}

// CompareAmountsWithTolerance compares two decimal amounts with a tolerance
func CompareAmountsWithTolerance(a, b, tolerance decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}

// NormalizeIdentifier cleans and normalizes identifier strings
func NormalizeIdentifier(id string) string {
	return strings.Join(strings.Fields(strings.ToUpper(id)), " ")
}
