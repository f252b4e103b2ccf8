// Package matcher scores, generates and resolves candidate matches between bank
// statement transactions and ledger journal entries.
//
// The pipeline for one transaction is:
//  1. Candidate generation over a per-account index sorted by day and amount
//  2. Scoring of every candidate on five weighted dimensions
//  3. Resolution: deterministic tie-breaking and threshold classification
//
// Every call takes an explicit *Config and an explicit as-of date. Nothing in this
// package reads the wall clock or package-level mutable state.
package matcher

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"ledger-reconciliation-service/pkg/errors"
)

// Weights are the relative importance of the five scoring dimensions. They must sum to 1.0.
type Weights struct {
	Amount      float64 `mapstructure:"amount" json:"amount"`
	Date        float64 `mapstructure:"date" json:"date"`
	Description float64 `mapstructure:"description" json:"description"`
	Business    float64 `mapstructure:"business" json:"business"`
	History     float64 `mapstructure:"history" json:"history"`
}

// Sum returns the total of all weights
func (w Weights) Sum() float64 {
	return w.Amount + w.Date + w.Description + w.Business + w.History
}

// DescriptionConfig controls text similarity
type DescriptionConfig struct {
	// TokenWeight and EditWeight blend token-set overlap with edit-distance ratio
	TokenWeight float64 `json:"token_weight"`
	EditWeight  float64 `json:"edit_weight"`
	// EmptyScore is returned when either side has no usable text
	EmptyScore float64 `json:"empty_score"`
}

// HistoryConfig controls the counterparty history dimension
type HistoryConfig struct {
	LookbackDays  int     `json:"lookback_days"`
	Neutral       float64 `json:"neutral"`
	Bonus         float64 `json:"bonus"`
	Penalty       float64 `json:"penalty"`
	OutlierFactor float64 `json:"outlier_factor"`
}

// SubsetConfig bounds the 1:N and N:1 subset-sum search
type SubsetConfig struct {
	// MaxItems is the largest number of entries (or transactions) in one combination
	MaxItems int `json:"max_items"`
	// PoolCap keeps only the N items closest by date before searching
	PoolCap int `json:"pool_cap"`
	// SkipLimit disables the search when the eligible pool is larger than this
	SkipLimit int `json:"skip_limit"`
	// MaxCandidates stops the search after this many combinations were found
	MaxCandidates int `json:"max_candidates"`
	// MaxSteps caps the number of search steps per transaction
	MaxSteps int `json:"max_steps"`
}

// Config holds every tunable used by generation, scoring and resolution.
// It is built once, validated, and then only read.
type Config struct {
	Weights Weights `json:"weights"`

	AutoAcceptThreshold float64 `json:"auto_accept_threshold"`
	ReviewThreshold     float64 `json:"review_threshold"`
	TieEpsilon          float64 `json:"tie_epsilon"`
	// ScorePrecision is the number of decimals kept in the total score
	ScorePrecision int `json:"score_precision"`

	// AmountTolerance is the absolute difference still treated as a match
	AmountTolerance decimal.Decimal `json:"amount_tolerance"`
	// AmountPercentBand is the relative difference scored 90, as a fraction (0.005 = 0.5%)
	AmountPercentBand decimal.Decimal `json:"amount_percent_band"`
	// AmountAbsoluteBand is the absolute difference scored 70
	AmountAbsoluteBand decimal.Decimal `json:"amount_absolute_band"`
	// AmountZeroCutoff is where the amount score reaches 0. Zero means band + 10 x tolerance.
	AmountZeroCutoff decimal.Decimal `json:"amount_zero_cutoff"`

	// AllowFeeResidual lets a 1:1 candidate differ by up to MaxFeeResidual, recorded as a residual
	AllowFeeResidual bool            `json:"allow_fee_residual"`
	MaxFeeResidual   decimal.Decimal `json:"max_fee_residual"`

	// DateWindowSteps are the expanding +/- day windows used by candidate generation
	DateWindowSteps []int `json:"date_window_steps"`
	// MaxDateWindow is where the date score reaches 0
	MaxDateWindow int `json:"max_date_window"`

	Description DescriptionConfig `json:"description"`
	History     HistoryConfig     `json:"history"`
	Subset      SubsetConfig      `json:"subset"`

	// Rules is the business plausibility table
	Rules *RuleTable `json:"-"`
}

// DefaultConfig returns the documented defaults
func DefaultConfig() *Config {
	return &Config{
		Weights: Weights{
			Amount:      0.40,
			Date:        0.25,
			Description: 0.20,
			Business:    0.10,
			History:     0.05,
		},
		AutoAcceptThreshold: 85,
		ReviewThreshold:     60,
		TieEpsilon:          0.5,
		ScorePrecision:      0,
		AmountTolerance:     decimal.RequireFromString("0.10"),
		AmountPercentBand:   decimal.RequireFromString("0.005"),
		AmountAbsoluteBand:  decimal.RequireFromString("5.00"),
		AllowFeeResidual:    true,
		MaxFeeResidual:      decimal.RequireFromString("5.00"),
		DateWindowSteps:     []int{3, 7, 30},
		MaxDateWindow:       30,
		Description: DescriptionConfig{
			TokenWeight: 0.5,
			EditWeight:  0.5,
			EmptyScore:  30,
		},
		History: HistoryConfig{
			LookbackDays:  365,
			Neutral:       50,
			Bonus:         20,
			Penalty:       20,
			OutlierFactor: 3,
		},
		Subset: SubsetConfig{
			MaxItems:      5,
			PoolCap:       20,
			SkipLimit:     40,
			MaxCandidates: 8,
			MaxSteps:      200000,
		},
		Rules: DefaultRuleTable(),
	}
}

// Validate checks the configuration once at startup. Any problem is a ConfigError.
func (c *Config) Validate() error {
	w := c.Weights
	for name, v := range map[string]float64{
		"amount": w.Amount, "date": w.Date, "description": w.Description,
		"business": w.Business, "history": w.History,
	} {
		if v < 0 || v > 1 {
			return errors.ConfigError(errors.CodeInvalidWeights, "matching.weights."+name, v, nil)
		}
	}
	if math.Abs(w.Sum()-1.0) > 1e-6 {
		return errors.ConfigError(errors.CodeInvalidWeights, "matching.weights", fmt.Sprintf("%.4f", w.Sum()), nil)
	}

	if c.ReviewThreshold < 0 || c.AutoAcceptThreshold > 100 || c.ReviewThreshold > c.AutoAcceptThreshold {
		return errors.ConfigError(errors.CodeInvalidConfig, "matching.thresholds",
			fmt.Sprintf("review=%.1f auto_accept=%.1f", c.ReviewThreshold, c.AutoAcceptThreshold), nil)
	}
	if c.TieEpsilon < 0 {
		return errors.ConfigError(errors.CodeInvalidConfig, "matching.tie_epsilon", c.TieEpsilon, nil)
	}
	if c.ScorePrecision < 0 || c.ScorePrecision > 4 {
		return errors.ConfigError(errors.CodeInvalidConfig, "matching.score_precision", c.ScorePrecision, nil)
	}

	if c.AmountTolerance.IsNegative() || c.AmountPercentBand.IsNegative() || c.AmountAbsoluteBand.IsNegative() {
		return errors.ConfigError(errors.CodeInvalidConfig, "matching.amount", "negative tolerance", nil)
	}
	if !c.AmountZeroCutoff.IsZero() && c.AmountZeroCutoff.LessThanOrEqual(c.AmountAbsoluteBand) {
		return errors.ConfigError(errors.CodeInvalidConfig, "matching.amount_zero_cutoff", c.AmountZeroCutoff.String(), nil).
			WithSuggestion("the zero cutoff must be larger than the absolute band")
	}
	if c.AllowFeeResidual && !c.MaxFeeResidual.IsPositive() {
		return errors.ConfigError(errors.CodeInvalidConfig, "matching.max_fee_residual", c.MaxFeeResidual.String(), nil)
	}

	if len(c.DateWindowSteps) == 0 {
		return errors.ConfigError(errors.CodeMissingConfig, "matching.date_window_steps", nil, nil)
	}
	prev := -1
	for _, step := range c.DateWindowSteps {
		if step <= prev || step > c.MaxDateWindow {
			return errors.ConfigError(errors.CodeInvalidConfig, "matching.date_window_steps", c.DateWindowSteps, nil).
				WithSuggestion("steps must be increasing and not exceed max_date_window")
		}
		prev = step
	}
	if c.MaxDateWindow <= 7 {
		return errors.ConfigError(errors.CodeInvalidConfig, "matching.max_date_window", c.MaxDateWindow, nil).
			WithSuggestion("the max window must be larger than the 7-day band")
	}

	d := c.Description
	if d.TokenWeight < 0 || d.EditWeight < 0 || math.Abs(d.TokenWeight+d.EditWeight-1.0) > 1e-6 {
		return errors.ConfigError(errors.CodeInvalidConfig, "matching.description",
			fmt.Sprintf("token=%.2f edit=%.2f", d.TokenWeight, d.EditWeight), nil)
	}
	if d.EmptyScore < 0 || d.EmptyScore > 100 {
		return errors.ConfigError(errors.CodeInvalidConfig, "matching.description.empty_score", d.EmptyScore, nil)
	}

	if c.History.LookbackDays < 0 || c.History.OutlierFactor < 1 {
		return errors.ConfigError(errors.CodeInvalidConfig, "matching.history", c.History, nil)
	}

	s := c.Subset
	if s.MaxItems < 1 || s.PoolCap < 1 || s.SkipLimit < 1 || s.MaxCandidates < 1 || s.MaxSteps < 1 {
		return errors.ConfigError(errors.CodeInvalidConfig, "matching.subset", s, nil)
	}

	if c.Rules == nil {
		return errors.ConfigError(errors.CodeMissingConfig, "matching.rules", nil, nil)
	}
	return nil
}

// ZeroCutoff returns the amount difference at which the amount score reaches 0
func (c *Config) ZeroCutoff() decimal.Decimal {
	if c.AmountZeroCutoff.IsPositive() {
		return c.AmountZeroCutoff
	}
	return c.AmountAbsoluteBand.Add(c.AmountTolerance.Mul(decimal.NewFromInt(10)))
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	out.DateWindowSteps = append([]int(nil), c.DateWindowSteps...)
	return &out
}

// String returns a human-readable description of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{AutoAccept: %.0f, Review: %.0f, Tolerance: %s, Windows: %v, Subset: %d/%d}",
		c.AutoAcceptThreshold, c.ReviewThreshold, c.AmountTolerance.String(), c.DateWindowSteps,
		c.Subset.MaxItems, c.Subset.PoolCap)
}
