package parsers

import (
	"fmt"
	"strings"
)

// StatementFormat maps statement columns to the CSV headers of one bank's export
type StatementFormat struct {
	Name              string `json:"name" yaml:"name"`
	IDColumn          string `json:"id_column" yaml:"id_column"`
	StatementIDColumn string `json:"statement_id_column" yaml:"statement_id_column"`
	AccountIDColumn   string `json:"account_id_column" yaml:"account_id_column"`
	DateColumn        string `json:"date_column" yaml:"date_column"`
	// DateFormat is a Go layout; empty accepts the common layouts
	DateFormat         string `json:"date_format,omitempty" yaml:"date_format,omitempty"`
	DescriptionColumn  string `json:"description_column" yaml:"description_column"`
	AmountColumn       string `json:"amount_column" yaml:"amount_column"`
	DirectionColumn    string `json:"direction_column,omitempty" yaml:"direction_column,omitempty"`
	CurrencyColumn     string `json:"currency_column" yaml:"currency_column"`
	ReferenceColumn    string `json:"reference_column,omitempty" yaml:"reference_column,omitempty"`
	CounterpartyColumn string `json:"counterparty_column,omitempty" yaml:"counterparty_column,omitempty"`
	Delimiter          rune   `json:"delimiter" yaml:"delimiter"`
}

// Validate checks if the statement format is usable
func (f *StatementFormat) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("format name cannot be empty")
	}
	if strings.TrimSpace(f.IDColumn) == "" {
		return fmt.Errorf("id column cannot be empty")
	}
	if strings.TrimSpace(f.AmountColumn) == "" {
		return fmt.Errorf("amount column cannot be empty")
	}
	if strings.TrimSpace(f.DateColumn) == "" {
		return fmt.Errorf("date column cannot be empty")
	}
	return nil
}

func (f *StatementFormat) required() []string {
	return []string{f.IDColumn, f.DateColumn, f.AmountColumn}
}

// StatementDefaults fill fields a statement export leaves out
type StatementDefaults struct {
	StatementID string
	AccountID   string
	Currency    string
}

// JournalFormat maps journal line columns to CSV headers. One row is one line; rows
// sharing an entry id form one entry.
type JournalFormat struct {
	Name              string `json:"name" yaml:"name"`
	EntryIDColumn     string `json:"entry_id_column" yaml:"entry_id_column"`
	AccountIDColumn   string `json:"account_id_column" yaml:"account_id_column"`
	DateColumn        string `json:"date_column" yaml:"date_column"`
	DateFormat        string `json:"date_format,omitempty" yaml:"date_format,omitempty"`
	MemoColumn        string `json:"memo_column" yaml:"memo_column"`
	CurrencyColumn    string `json:"currency_column" yaml:"currency_column"`
	AccountCodeColumn string `json:"account_code_column" yaml:"account_code_column"`
	AccountTypeColumn string `json:"account_type_column" yaml:"account_type_column"`
	DebitColumn       string `json:"debit_column" yaml:"debit_column"`
	CreditColumn      string `json:"credit_column" yaml:"credit_column"`
	Delimiter         rune   `json:"delimiter" yaml:"delimiter"`
}

// Validate checks if the journal format is usable
func (f *JournalFormat) Validate() error {
	for name, col := range map[string]string{
		"entry id":     f.EntryIDColumn,
		"date":         f.DateColumn,
		"account code": f.AccountCodeColumn,
		"account type": f.AccountTypeColumn,
		"debit":        f.DebitColumn,
		"credit":       f.CreditColumn,
	} {
		if strings.TrimSpace(col) == "" {
			return fmt.Errorf("%s column cannot be empty", name)
		}
	}
	return nil
}

func (f *JournalFormat) required() []string {
	return []string{f.EntryIDColumn, f.DateColumn, f.AccountCodeColumn, f.AccountTypeColumn, f.DebitColumn, f.CreditColumn}
}

// JournalDefaults fill fields a journal export leaves out
type JournalDefaults struct {
	AccountID string
	Currency  string
}

// Predefined statement formats
var (
	// StandardStatementFormat is the native export format
	StandardStatementFormat = &StatementFormat{
		Name:               "standard",
		IDColumn:           "id",
		StatementIDColumn:  "statement_id",
		AccountIDColumn:    "account_id",
		DateColumn:         "date",
		DescriptionColumn:  "description",
		AmountColumn:       "amount",
		DirectionColumn:    "direction",
		CurrencyColumn:     "currency",
		ReferenceColumn:    "reference",
		CounterpartyColumn: "counterparty",
		Delimiter:          ',',
	}

	// USBankStatementFormat uses MM/DD/YYYY posting dates
	USBankStatementFormat = &StatementFormat{
		Name:              "us_bank",
		IDColumn:          "transaction_id",
		DateColumn:        "posting_date",
		DateFormat:        "01/02/2006",
		DescriptionColumn: "transaction_description",
		AmountColumn:      "transaction_amount",
		ReferenceColumn:   "check_or_slip",
		CurrencyColumn:    "currency",
		Delimiter:         ',',
	}

	// EUBankStatementFormat is semicolon separated with DD.MM.YYYY value dates
	EUBankStatementFormat = &StatementFormat{
		Name:               "eu_bank",
		IDColumn:           "ref_number",
		DateColumn:         "value_date",
		DateFormat:         "02.01.2006",
		DescriptionColumn:  "transaction_details",
		AmountColumn:       "amount",
		DirectionColumn:    "debit_credit_indicator",
		CurrencyColumn:     "currency",
		CounterpartyColumn: "counterparty_name",
		Delimiter:          ';',
	}
)

// StandardJournalFormat is the native ledger export format
var StandardJournalFormat = &JournalFormat{
	Name:              "standard",
	EntryIDColumn:     "entry_id",
	AccountIDColumn:   "account_id",
	DateColumn:        "date",
	MemoColumn:        "memo",
	CurrencyColumn:    "currency",
	AccountCodeColumn: "account_code",
	AccountTypeColumn: "account_type",
	DebitColumn:       "debit",
	CreditColumn:      "credit",
	Delimiter:         ',',
}

// GetStatementFormat returns a predefined statement format by name
func GetStatementFormat(name string) *StatementFormat {
	for _, f := range ListStatementFormats() {
		if strings.EqualFold(strings.TrimSpace(name), f.Name) {
			return f
		}
	}
	return nil
}

// ListStatementFormats returns all predefined statement formats
func ListStatementFormats() []*StatementFormat {
	return []*StatementFormat{
		StandardStatementFormat,
		USBankStatementFormat,
		EUBankStatementFormat,
	}
}

// AutoDetectStatementFormat picks the first predefined format whose key columns all appear
// in headers, falling back to the standard format
func AutoDetectStatementFormat(headers []string) *StatementFormat {
	present := make(map[string]bool, len(headers))
	for _, h := range headers {
		present[strings.ToLower(strings.TrimSpace(h))] = true
	}
	for _, f := range ListStatementFormats() {
		matched := true
		for _, col := range f.required() {
			if !present[strings.ToLower(col)] {
				matched = false
				break
			}
		}
		if matched {
			return f
		}
	}
	return StandardStatementFormat
}
