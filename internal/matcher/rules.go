package matcher

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/pkg/errors"
)

// Plausibility grades a (direction, debit type, credit type) combination
type Plausibility string

const (
	Valid       Plausibility = "valid"
	Unusual     Plausibility = "unusual"
	Implausible Plausibility = "implausible"
)

// Score returns the business dimension value for the grade
func (p Plausibility) Score() float64 {
	switch p {
	case Valid:
		return 100
	case Unusual:
		return 60
	default:
		return 20
	}
}

// RuleKey identifies one row of the business table
type RuleKey struct {
	Direction models.Direction
	Debit     models.AccountType
	Credit    models.AccountType
}

// RuleTable maps every known combination to a grade. Unlisted keys are implausible.
type RuleTable struct {
	rules map[RuleKey]Plausibility
}

// NewRuleTable builds a table from explicit rows
func NewRuleTable(rows map[RuleKey]Plausibility) *RuleTable {
	t := &RuleTable{rules: make(map[RuleKey]Plausibility, len(rows))}
	for k, v := range rows {
		t.rules[k] = v
	}
	return t
}

// DefaultRuleTable returns the built-in table for a bank (asset) account
func DefaultRuleTable() *RuleTable {
	in, out := models.DirectionIn, models.DirectionOut
	a, l, q, i, x := models.AccountAsset, models.AccountLiability, models.AccountEquity, models.AccountIncome, models.AccountExpense

	return NewRuleTable(map[RuleKey]Plausibility{
		// money received: bank asset is debited
		{in, a, i}: Valid,   // sales, salary, interest
		{in, a, l}: Valid,   // loan drawdown, customer deposit
		{in, a, q}: Valid,   // capital injection
		{in, a, a}: Unusual, // transfer between own accounts, receivable collection
		{in, a, x}: Unusual, // refund of an expense
		// money paid: bank asset is credited
		{out, x, a}: Valid,   // purchases, rent, fees
		{out, l, a}: Valid,   // card or loan repayment, payables
		{out, q, a}: Unusual, // owner drawings, dividends
		{out, a, a}: Unusual, // transfer, prepayment
		{out, i, a}: Unusual, // refund to a customer
	})
}

// Lookup returns the grade for a combination, defaulting to implausible
func (t *RuleTable) Lookup(dir models.Direction, debit, credit models.AccountType) Plausibility {
	if p, ok := t.rules[RuleKey{Direction: dir, Debit: debit, Credit: credit}]; ok {
		return p
	}
	return Implausible
}

// Len returns the number of explicit rows
func (t *RuleTable) Len() int {
	return len(t.rules)
}

// Keys returns the explicit rows in a stable order
func (t *RuleTable) Keys() []RuleKey {
	keys := make([]RuleKey, 0, len(t.rules))
	for k := range t.rules {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Direction != b.Direction {
			return a.Direction < b.Direction
		}
		if a.Debit != b.Debit {
			return a.Debit < b.Debit
		}
		return a.Credit < b.Credit
	})
	return keys
}

type ruleFile struct {
	Rules []ruleRow `yaml:"rules"`
}

type ruleRow struct {
	Direction    string `yaml:"direction"`
	Debit        string `yaml:"debit"`
	Credit       string `yaml:"credit"`
	Plausibility string `yaml:"plausibility"`
}

// ParseRuleTable reads a YAML rule table:
//
//	rules:
//	  - {direction: IN, debit: asset, credit: income, plausibility: valid}
func ParseRuleTable(data []byte) (*RuleTable, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.ConfigError(errors.CodeInvalidConfig, "matching.rules_file", "unparseable yaml", err)
	}
	if len(file.Rules) == 0 {
		return nil, errors.ConfigError(errors.CodeMissingConfig, "matching.rules_file rules", nil, nil)
	}

	rows := make(map[RuleKey]Plausibility, len(file.Rules))
	for i, row := range file.Rules {
		dir, err := models.ParseDirection(row.Direction)
		if err != nil {
			return nil, ruleRowError(i, err)
		}
		debit, err := models.ParseAccountType(row.Debit)
		if err != nil {
			return nil, ruleRowError(i, err)
		}
		credit, err := models.ParseAccountType(row.Credit)
		if err != nil {
			return nil, ruleRowError(i, err)
		}
		p := Plausibility(strings.ToLower(strings.TrimSpace(row.Plausibility)))
		if p != Valid && p != Unusual && p != Implausible {
			return nil, ruleRowError(i, fmt.Errorf("invalid plausibility %q", row.Plausibility))
		}
		key := RuleKey{Direction: dir, Debit: debit, Credit: credit}
		if _, dup := rows[key]; dup {
			return nil, ruleRowError(i, fmt.Errorf("duplicate rule %s %s/%s", dir, debit, credit))
		}
		rows[key] = p
	}
	return NewRuleTable(rows), nil
}

// LoadRuleTable reads a YAML rule table from disk
func LoadRuleTable(path string) (*RuleTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ConfigError(errors.CodeInvalidConfig, "matching.rules_file", path, err)
	}
	return ParseRuleTable(data)
}

func ruleRowError(i int, err error) error {
	return errors.ConfigError(errors.CodeInvalidConfig, fmt.Sprintf("matching.rules_file rule %d", i+1), err.Error(), err)
}
