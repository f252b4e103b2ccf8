package consistency

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledger-reconciliation-service/internal/matcher"
	"ledger-reconciliation-service/pkg/errors"
)

// Config holds the detection thresholds
type Config struct {
	// DuplicateMaxDays is the largest day gap between two duplicate candidates
	DuplicateMaxDays int
	// DuplicateMinSimilarity is the description similarity in [0,1] two duplicates must reach
	DuplicateMinSimilarity float64

	// TransferMaxDays is the largest day gap between the two legs of a transfer
	TransferMaxDays int

	// AnomalyRatio flags amounts above this multiple of the counterparty's monthly average
	AnomalyRatio decimal.Decimal
	// AverageLookbackDays bounds the trailing window of the monthly average
	AverageLookbackDays int
	// LargeRoundAmount flags whole amounts at or above this value
	LargeRoundAmount decimal.Decimal
	// BurstCount flags more than this many transactions of one counterparty inside BurstWindow
	BurstCount  int
	BurstWindow time.Duration

	// LedgerAccounts maps a bank account id to the ledger account code it is booked under
	LedgerAccounts map[string]string

	Description matcher.DescriptionConfig
}

// DefaultConfig returns the documented thresholds
func DefaultConfig() Config {
	return Config{
		DuplicateMaxDays:       1,
		DuplicateMinSimilarity: 0.80,
		TransferMaxDays:        3,
		AnomalyRatio:           decimal.NewFromInt(10),
		AverageLookbackDays:    90,
		LargeRoundAmount:       decimal.NewFromInt(10000),
		BurstCount:             5,
		BurstWindow:            24 * time.Hour,
		Description:            matcher.DefaultConfig().Description,
	}
}

// LedgerAccount returns the ledger account code of a bank account
func (c Config) LedgerAccount(bankAccountID string) (string, bool) {
	if code, ok := c.LedgerAccounts[bankAccountID]; ok && code != "" {
		return code, true
	}
	// config files arrive with lowercased keys
	code, ok := c.LedgerAccounts[strings.ToLower(bankAccountID)]
	return code, ok && code != ""
}

// Validate checks the thresholds once at startup
func (c Config) Validate() error {
	if c.DuplicateMaxDays < 0 || c.TransferMaxDays < 0 {
		return errors.ConfigError(errors.CodeInvalidConfig, "consistency.max_days",
			[]int{c.DuplicateMaxDays, c.TransferMaxDays}, nil)
	}
	if c.DuplicateMinSimilarity < 0 || c.DuplicateMinSimilarity > 1 {
		return errors.ConfigError(errors.CodeInvalidConfig, "consistency.duplicate_min_similarity", c.DuplicateMinSimilarity, nil)
	}
	if !c.AnomalyRatio.GreaterThan(decimal.NewFromInt(1)) {
		return errors.ConfigError(errors.CodeInvalidConfig, "consistency.anomaly_ratio", c.AnomalyRatio.String(), nil)
	}
	if c.AverageLookbackDays < 1 {
		return errors.ConfigError(errors.CodeInvalidConfig, "consistency.average_lookback_days", c.AverageLookbackDays, nil)
	}
	if !c.LargeRoundAmount.IsPositive() {
		return errors.ConfigError(errors.CodeInvalidConfig, "consistency.large_round_amount", c.LargeRoundAmount.String(), nil)
	}
	if c.BurstCount < 1 || c.BurstWindow <= 0 {
		return errors.ConfigError(errors.CodeInvalidConfig, "consistency.burst", c.BurstCount, nil)
	}
	return nil
}
