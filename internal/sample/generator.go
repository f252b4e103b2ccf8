// Package sample generates reproducible bank statement and journal datasets together with
// the matches a correct run should produce. The CLI uses it to write demo files and the
// tests use it to measure matching accuracy end to end.
package sample

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledger-reconciliation-service/internal/models"
)

// Scenario names how a generated transaction relates to the ledger
type Scenario string

const (
	// ScenarioExact books the same amount on the same day
	ScenarioExact Scenario = "exact"
	// ScenarioDelayed books the entry a few days before the bank clears it
	ScenarioDelayed Scenario = "delayed"
	// ScenarioFee receives a payment net of a small bank charge
	ScenarioFee Scenario = "fee"
	// ScenarioSplit settles two entries with one bank transaction
	ScenarioSplit Scenario = "split"
	// ScenarioUnmatched has no entry in the ledger
	ScenarioUnmatched Scenario = "unmatched"
)

// Expectation is the answer for one generated transaction. EntryIDs is empty when the
// transaction should stay unmatched.
type Expectation struct {
	TxnID    string   `json:"bank_txn_id"`
	EntryIDs []string `json:"entry_ids"`
	Scenario Scenario `json:"scenario"`
}

// Dataset is one generated statement with its ledger
type Dataset struct {
	Transactions []*models.BankStatementTransaction `json:"-"`
	Entries      []*models.JournalEntry             `json:"-"`
	Expected     []Expectation                      `json:"expected"`
}

// Options controls a Generator
type Options struct {
	Seed        int64
	AccountID   string
	StatementID string
	Currency    string
	Start       time.Time
	// Days spreads transaction dates over this many days from Start
	Days int
	// OrphanEntries adds ledger entries no bank transaction settles
	OrphanEntries int
}

// DefaultOptions returns a one-month USD statement
func DefaultOptions() Options {
	return Options{
		Seed:          1,
		AccountID:     "ACC-1",
		StatementID:   "STMT-1",
		Currency:      "USD",
		Start:         time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Days:          28,
		OrphanEntries: 3,
	}
}

var counterparties = []string{
	"ACME Corp", "Globex", "Initech", "Umbrella Ltd", "Stark Industries",
	"Wayne Enterprises", "Hooli", "Soylent", "Vandelay Imports", "Cyberdyne",
}

// mix is the scenario of every tenth transaction
var mix = []Scenario{
	ScenarioExact, ScenarioExact, ScenarioExact, ScenarioExact, ScenarioExact,
	ScenarioDelayed, ScenarioFee, ScenarioSplit, ScenarioExact, ScenarioUnmatched,
}

// Generator builds datasets. It is not safe for concurrent use.
type Generator struct {
	opts    Options
	rng     *rand.Rand
	invoice int
	entry   int
}

// NewGenerator creates a generator. Zero fields of opts take their defaults.
func NewGenerator(opts Options) *Generator {
	def := DefaultOptions()
	if opts.AccountID == "" {
		opts.AccountID = def.AccountID
	}
	if opts.StatementID == "" {
		opts.StatementID = def.StatementID
	}
	if opts.Currency == "" {
		opts.Currency = def.Currency
	}
	if opts.Start.IsZero() {
		opts.Start = def.Start
	}
	if opts.Days <= 0 {
		opts.Days = def.Days
	}
	return &Generator{opts: opts, rng: rand.New(rand.NewSource(opts.Seed)), invoice: 1000}
}

// Generate builds n bank transactions and the ledger entries behind them
func (g *Generator) Generate(n int) *Dataset {
	d := &Dataset{}
	for i := 0; i < n; i++ {
		scenario := mix[i%len(mix)]
		g.invoice++
		cp := counterparties[g.rng.Intn(len(counterparties))]
		date := g.opts.Start.AddDate(0, 0, g.rng.Intn(g.opts.Days))
		dir := models.DirectionIn
		if g.rng.Intn(2) == 0 {
			dir = models.DirectionOut
		}
		// fees only come off incoming payments
		if scenario == ScenarioFee {
			dir = models.DirectionIn
		}
		memo := fmt.Sprintf("%s invoice %d", cp, g.invoice)
		amount := g.amount()

		txn := &models.BankStatementTransaction{
			ID:           fmt.Sprintf("T-%05d", i+1),
			StatementID:  g.opts.StatementID,
			AccountID:    g.opts.AccountID,
			Date:         date,
			Description:  memo,
			Direction:    dir,
			Currency:     g.opts.Currency,
			Counterparty: cp,
		}
		exp := Expectation{TxnID: txn.ID, Scenario: scenario}

		switch scenario {
		case ScenarioExact:
			exp.EntryIDs = g.book(d, dir, date, memo, amount)
		case ScenarioDelayed:
			exp.EntryIDs = g.book(d, dir, date.AddDate(0, 0, -(4+g.rng.Intn(3))), memo, amount)
		case ScenarioFee:
			exp.EntryIDs = g.book(d, dir, date, memo, amount)
			fee := decimal.New(int64(50+g.rng.Intn(400)), -2)
			amount = amount.Sub(fee)
		case ScenarioSplit:
			first := g.amount()
			second := g.amount()
			exp.EntryIDs = append(g.book(d, dir, date, memo+" part 1", first),
				g.book(d, dir, date, memo+" part 2", second)...)
			amount = first.Add(second)
		case ScenarioUnmatched:
		}

		if dir == models.DirectionOut {
			amount = amount.Neg()
		}
		txn.Amount = amount
		d.Transactions = append(d.Transactions, txn)
		d.Expected = append(d.Expected, exp)
	}

	for i := 0; i < g.opts.OrphanEntries; i++ {
		g.invoice++
		cp := counterparties[g.rng.Intn(len(counterparties))]
		date := g.opts.Start.AddDate(0, 0, g.rng.Intn(g.opts.Days))
		g.book(d, models.DirectionOut, date, fmt.Sprintf("%s accrual %d", cp, g.invoice), g.amount())
	}
	return d
}

// amount returns a random amount between 10.00 and 5009.99
func (g *Generator) amount() decimal.Decimal {
	return decimal.New(int64(1000+g.rng.Intn(500000)), -2)
}

// book adds a balanced entry against the bank asset account and returns its id
func (g *Generator) book(d *Dataset, dir models.Direction, date time.Time, memo string, amount decimal.Decimal) []string {
	g.entry++
	bank := models.JournalLine{AccountCode: "1000", AccountType: models.AccountAsset}
	other := models.JournalLine{AccountCode: "4000", AccountType: models.AccountIncome}
	if dir == models.DirectionOut {
		other = models.JournalLine{AccountCode: "6000", AccountType: models.AccountExpense}
	}

	var lines []models.JournalLine
	if dir == models.DirectionIn {
		bank.Debit, bank.Credit = amount, decimal.Zero
		other.Debit, other.Credit = decimal.Zero, amount
		lines = []models.JournalLine{bank, other}
	} else {
		other.Debit, other.Credit = amount, decimal.Zero
		bank.Debit, bank.Credit = decimal.Zero, amount
		lines = []models.JournalLine{other, bank}
	}

	e := &models.JournalEntry{
		ID:        fmt.Sprintf("JE-%05d", g.entry),
		AccountID: g.opts.AccountID,
		Date:      date,
		Memo:      memo,
		Currency:  g.opts.Currency,
		Lines:     lines,
	}
	d.Entries = append(d.Entries, e)
	return []string{e.ID}
}

// WriteStatementCSV writes the transactions in the standard statement layout
func (d *Dataset) WriteStatementCSV(w io.Writer) error {
	rows := [][]string{{"id", "statement_id", "account_id", "date", "description", "amount", "currency", "counterparty"}}
	for _, t := range d.Transactions {
		rows = append(rows, []string{
			t.ID, t.StatementID, t.AccountID, t.Date.Format("2006-01-02"), t.Description,
			t.Amount.StringFixed(2), t.Currency, t.Counterparty,
		})
	}
	return writeCSV(w, rows)
}

// WriteJournalCSV writes one row per journal line in the standard journal layout
func (d *Dataset) WriteJournalCSV(w io.Writer) error {
	rows := [][]string{{"entry_id", "account_id", "date", "memo", "currency", "account_code", "account_type", "debit", "credit"}}
	for _, e := range d.Entries {
		for _, l := range e.Lines {
			debit, credit := "", ""
			if l.Debit.IsPositive() {
				debit = l.Debit.StringFixed(2)
			}
			if l.Credit.IsPositive() {
				credit = l.Credit.StringFixed(2)
			}
			rows = append(rows, []string{
				e.ID, e.AccountID, e.Date.Format("2006-01-02"), e.Memo, e.Currency,
				l.AccountCode, string(l.AccountType), debit, credit,
			})
		}
	}
	return writeCSV(w, rows)
}

// Files names the files written by WriteFiles
type Files struct {
	Statement string
	Journal   string
	Expected  string
}

// WriteFiles writes statement.csv, journal.csv and expected.json into dir
func (d *Dataset) WriteFiles(dir string) (*Files, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	files := &Files{
		Statement: filepath.Join(dir, "statement.csv"),
		Journal:   filepath.Join(dir, "journal.csv"),
		Expected:  filepath.Join(dir, "expected.json"),
	}
	writers := []struct {
		path  string
		write func(io.Writer) error
	}{
		{files.Statement, d.WriteStatementCSV},
		{files.Journal, d.WriteJournalCSV},
		{files.Expected, func(w io.Writer) error {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(d)
		}},
	}
	for _, wr := range writers {
		if err := writeFile(wr.path, wr.write); err != nil {
			return nil, err
		}
	}
	return files, nil
}

// Accuracy compares the active matches of a run with the expected answers
type Accuracy struct {
	Expected int `json:"expected"`
	Correct  int `json:"correct"`
	// Wrong counts transactions matched to other entries than expected
	Wrong int `json:"wrong"`
	// Missing counts transactions left unmatched although an answer exists
	Missing int `json:"missing"`
	// Spurious counts matches on transactions that should stay unmatched
	Spurious int `json:"spurious"`
}

// Rate returns Correct / Expected, or 1 for an empty dataset
func (a Accuracy) Rate() float64 {
	if a.Expected == 0 {
		return 1
	}
	return float64(a.Correct) / float64(a.Expected)
}

// String returns a one-line summary
func (a Accuracy) String() string {
	return fmt.Sprintf("%d/%d correct (%.1f%%), %d wrong, %d missing, %d spurious",
		a.Correct, a.Expected, a.Rate()*100, a.Wrong, a.Missing, a.Spurious)
}

// Score checks the active matches, given as transaction id to entry ids
func (d *Dataset) Score(active map[string][]string) Accuracy {
	var acc Accuracy
	for _, exp := range d.Expected {
		acc.Expected++
		got := active[exp.TxnID]
		switch {
		case len(exp.EntryIDs) == 0 && len(got) == 0:
			acc.Correct++
		case len(exp.EntryIDs) == 0:
			acc.Spurious++
		case len(got) == 0:
			acc.Missing++
		case sameSet(exp.EntryIDs, got):
			acc.Correct++
		default:
			acc.Wrong++
		}
	}
	return acc
}

// ActiveEntries maps every transaction with an active match to its entry ids
func ActiveEntries(matches []*models.ReconciliationMatch) map[string][]string {
	out := make(map[string][]string)
	for _, m := range matches {
		if m.Status.IsActive() {
			out[m.BankTxnID] = append(out[m.BankTxnID], m.JournalEntryIDs...)
		}
	}
	return out
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	return strings.Join(x, ",") == strings.Join(y, ",")
}

func writeCSV(w io.Writer, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write CSV: %w", err)
	}
	return nil
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
