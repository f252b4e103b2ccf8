// Package config turns the CLI configuration (file, RECONCILER_ environment variables and
// flags, all merged by viper) into the validated configs of each service.
package config

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"ledger-reconciliation-service/internal/consistency"
	"ledger-reconciliation-service/internal/events"
	"ledger-reconciliation-service/internal/matcher"
	"ledger-reconciliation-service/internal/parsers"
	"ledger-reconciliation-service/internal/reconciler"
	"ledger-reconciliation-service/internal/reporter"
	"ledger-reconciliation-service/internal/storage"
	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

// DriverMemory keeps everything in process memory. Useful for a single scheduled process.
const DriverMemory = "memory"

// EnvPrefix is the prefix of every environment variable read by the CLI
const EnvPrefix = "RECONCILER"

// StorageSettings selects the store
type StorageSettings struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// MatchingSettings overrides the matcher defaults. Amounts are decimal strings.
type MatchingSettings struct {
	Weights             matcher.Weights `mapstructure:"weights"`
	AutoAcceptThreshold float64         `mapstructure:"auto_accept_threshold"`
	ReviewThreshold     float64         `mapstructure:"review_threshold"`
	TieEpsilon          float64         `mapstructure:"tie_epsilon"`
	AmountTolerance     string          `mapstructure:"amount_tolerance"`
	AmountZeroCutoff    string          `mapstructure:"amount_zero_cutoff"`
	AllowFeeResidual    bool            `mapstructure:"allow_fee_residual"`
	MaxFeeResidual      string          `mapstructure:"max_fee_residual"`
	DateWindowSteps     []int           `mapstructure:"date_window_steps"`
	MaxDateWindow       int             `mapstructure:"max_date_window"`
	// RulesFile is a YAML business rule table replacing the built-in one
	RulesFile string `mapstructure:"rules_file"`
}

// ConsistencySettings overrides the consistency thresholds
type ConsistencySettings struct {
	DuplicateMaxDays       int           `mapstructure:"duplicate_max_days"`
	DuplicateMinSimilarity float64       `mapstructure:"duplicate_min_similarity"`
	TransferMaxDays        int           `mapstructure:"transfer_max_days"`
	AnomalyRatio           string        `mapstructure:"anomaly_ratio"`
	AverageLookbackDays    int           `mapstructure:"average_lookback_days"`
	LargeRoundAmount       string        `mapstructure:"large_round_amount"`
	BurstCount             int           `mapstructure:"burst_count"`
	BurstWindow            time.Duration `mapstructure:"burst_window"`
	// LedgerAccounts maps bank account ids to ledger account codes for transfer detection
	LedgerAccounts map[string]string `mapstructure:"ledger_accounts"`
}

// NotifySettings configures the ledger signal. Without brokers events are only logged.
type NotifySettings struct {
	Kafka events.KafkaConfig `mapstructure:"kafka"`
}

// RunSettings holds the run service options
type RunSettings struct {
	Workers           int           `mapstructure:"workers"`
	ProgressInterval  time.Duration `mapstructure:"progress_interval"`
	GroupMatching     bool          `mapstructure:"group_matching"`
	ConsistencyChecks bool          `mapstructure:"consistency_checks"`
}

// ScheduleSettings configures the periodic sweep
type ScheduleSettings struct {
	Cron      string        `mapstructure:"cron"`
	Timeout   time.Duration `mapstructure:"timeout"`
	AccountID string        `mapstructure:"account_id"`
}

// OutputSettings configures report rendering
type OutputSettings struct {
	Format         string `mapstructure:"format"`
	IncludeMatches bool   `mapstructure:"include_matches"`
	MaxItems       int    `mapstructure:"max_items"`
}

// ImportSettings configures the CSV readers
type ImportSettings struct {
	StatementFormat string `mapstructure:"statement_format"`
	StatementID     string `mapstructure:"statement_id"`
	AccountID       string `mapstructure:"account_id"`
	Currency        string `mapstructure:"currency"`
	Workers         int    `mapstructure:"workers"`
}

// AppConfig is the whole CLI configuration
type AppConfig struct {
	Storage     StorageSettings     `mapstructure:"storage"`
	Matching    MatchingSettings    `mapstructure:"matching"`
	Consistency ConsistencySettings `mapstructure:"consistency"`
	Notify      NotifySettings      `mapstructure:"notify"`
	Logging     logger.Config       `mapstructure:"logging"`
	Run         RunSettings         `mapstructure:"run"`
	Schedule    ScheduleSettings    `mapstructure:"schedule"`
	Output      OutputSettings      `mapstructure:"output"`
	Import      ImportSettings      `mapstructure:"import"`
}

// SetDefaults registers every key with its default so environment variables can override
// any of them.
func SetDefaults(v *viper.Viper) {
	m := matcher.DefaultConfig()
	c := consistency.DefaultConfig()
	r := reconciler.DefaultConfig()
	l := logger.DefaultConfig()
	out := reporter.DefaultReportConfig()

	v.SetDefault("storage.driver", storage.DriverSQLite)
	v.SetDefault("storage.dsn", "reconciler.db")

	v.SetDefault("matching.weights.amount", m.Weights.Amount)
	v.SetDefault("matching.weights.date", m.Weights.Date)
	v.SetDefault("matching.weights.description", m.Weights.Description)
	v.SetDefault("matching.weights.business", m.Weights.Business)
	v.SetDefault("matching.weights.history", m.Weights.History)
	v.SetDefault("matching.auto_accept_threshold", m.AutoAcceptThreshold)
	v.SetDefault("matching.review_threshold", m.ReviewThreshold)
	v.SetDefault("matching.tie_epsilon", m.TieEpsilon)
	v.SetDefault("matching.amount_tolerance", m.AmountTolerance.String())
	v.SetDefault("matching.amount_zero_cutoff", m.AmountZeroCutoff.String())
	v.SetDefault("matching.allow_fee_residual", m.AllowFeeResidual)
	v.SetDefault("matching.max_fee_residual", m.MaxFeeResidual.String())
	v.SetDefault("matching.date_window_steps", m.DateWindowSteps)
	v.SetDefault("matching.max_date_window", m.MaxDateWindow)
	v.SetDefault("matching.rules_file", "")

	v.SetDefault("consistency.duplicate_max_days", c.DuplicateMaxDays)
	v.SetDefault("consistency.duplicate_min_similarity", c.DuplicateMinSimilarity)
	v.SetDefault("consistency.transfer_max_days", c.TransferMaxDays)
	v.SetDefault("consistency.anomaly_ratio", c.AnomalyRatio.String())
	v.SetDefault("consistency.average_lookback_days", c.AverageLookbackDays)
	v.SetDefault("consistency.large_round_amount", c.LargeRoundAmount.String())
	v.SetDefault("consistency.burst_count", c.BurstCount)
	v.SetDefault("consistency.burst_window", c.BurstWindow)

	v.SetDefault("notify.kafka.brokers", []string{})
	v.SetDefault("notify.kafka.topic", events.TopicMatchReconciled)
	v.SetDefault("notify.kafka.write_timeout", 10*time.Second)

	v.SetDefault("logging.level", string(l.Level))
	v.SetDefault("logging.format", string(l.Format))
	v.SetDefault("logging.output", string(l.Output))
	v.SetDefault("logging.file", "")

	v.SetDefault("run.workers", r.Workers)
	v.SetDefault("run.progress_interval", r.ProgressInterval)
	v.SetDefault("run.group_matching", r.GroupMatching)
	v.SetDefault("run.consistency_checks", r.ConsistencyChecks)

	v.SetDefault("schedule.cron", "0 2 * * *")
	v.SetDefault("schedule.timeout", 30*time.Minute)
	v.SetDefault("schedule.account_id", "")

	v.SetDefault("output.format", string(out.Format))
	v.SetDefault("output.include_matches", out.IncludeMatches)
	v.SetDefault("output.max_items", out.MaxItems)

	v.SetDefault("import.statement_format", parsers.StandardStatementFormat.Name)
	v.SetDefault("import.statement_id", "")
	v.SetDefault("import.account_id", "")
	v.SetDefault("import.currency", "USD")
	v.SetDefault("import.workers", 4)
}

// BindEnv makes every registered key readable from RECONCILER_SECTION_KEY
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the merged configuration out of v and validates it
func Load(v *viper.Viper) (*AppConfig, error) {
	SetDefaults(v)
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.ConfigError(errors.CodeInvalidConfig, "config", v.ConfigFileUsed(), err).
			WithSuggestion("check the config file syntax and value types")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate builds every derived config once so a bad setting fails at startup
func (c *AppConfig) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case storage.DriverSQLite, storage.DriverPostgres:
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return errors.ConfigError(errors.CodeMissingConfig, "storage.dsn", nil, nil)
		}
	default:
		return errors.ConfigError(errors.CodeInvalidConfig, "storage.driver", c.Storage.Driver, nil).
			WithSuggestion("use memory, sqlite3 or postgres")
	}

	if _, err := c.MatcherConfig(); err != nil {
		return err
	}
	if _, err := c.CheckerConfig(); err != nil {
		return err
	}
	if err := c.RunConfig().Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return errors.ConfigError(errors.CodeInvalidConfig, "logging", c.Logging.Level, err)
	}
	if err := c.ReportConfig().Validate(); err != nil {
		return errors.ConfigError(errors.CodeInvalidConfig, "output.format", c.Output.Format, err).
			WithSuggestion("use one of console, json or csv")
	}
	if _, err := c.StatementFormat(); err != nil {
		return err
	}
	if c.Import.Workers <= 0 {
		return errors.ConfigError(errors.CodeInvalidValue, "import.workers", c.Import.Workers, nil)
	}
	return nil
}

// MatcherConfig returns the matcher defaults with the configured overrides applied
func (c *AppConfig) MatcherConfig() (*matcher.Config, error) {
	s := c.Matching
	cfg := matcher.DefaultConfig()
	cfg.Weights = s.Weights
	cfg.AutoAcceptThreshold = s.AutoAcceptThreshold
	cfg.ReviewThreshold = s.ReviewThreshold
	cfg.TieEpsilon = s.TieEpsilon
	cfg.AllowFeeResidual = s.AllowFeeResidual
	if len(s.DateWindowSteps) > 0 {
		cfg.DateWindowSteps = append([]int(nil), s.DateWindowSteps...)
	}
	if s.MaxDateWindow > 0 {
		cfg.MaxDateWindow = s.MaxDateWindow
	}

	var err error
	if cfg.AmountTolerance, err = parseAmount("matching.amount_tolerance", s.AmountTolerance, cfg.AmountTolerance); err != nil {
		return nil, err
	}
	if cfg.AmountZeroCutoff, err = parseAmount("matching.amount_zero_cutoff", s.AmountZeroCutoff, cfg.AmountZeroCutoff); err != nil {
		return nil, err
	}
	if cfg.MaxFeeResidual, err = parseAmount("matching.max_fee_residual", s.MaxFeeResidual, cfg.MaxFeeResidual); err != nil {
		return nil, err
	}

	if s.RulesFile != "" {
		rules, err := matcher.LoadRuleTable(s.RulesFile)
		if err != nil {
			return nil, err
		}
		cfg.Rules = rules
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// CheckerConfig returns the consistency thresholds
func (c *AppConfig) CheckerConfig() (consistency.Config, error) {
	s := c.Consistency
	cfg := consistency.DefaultConfig()
	cfg.DuplicateMaxDays = s.DuplicateMaxDays
	cfg.DuplicateMinSimilarity = s.DuplicateMinSimilarity
	cfg.TransferMaxDays = s.TransferMaxDays
	cfg.AverageLookbackDays = s.AverageLookbackDays
	cfg.BurstCount = s.BurstCount
	cfg.BurstWindow = s.BurstWindow
	cfg.LedgerAccounts = s.LedgerAccounts

	var err error
	if cfg.AnomalyRatio, err = parseAmount("consistency.anomaly_ratio", s.AnomalyRatio, cfg.AnomalyRatio); err != nil {
		return cfg, err
	}
	if cfg.LargeRoundAmount, err = parseAmount("consistency.large_round_amount", s.LargeRoundAmount, cfg.LargeRoundAmount); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// RunConfig returns the run service options
func (c *AppConfig) RunConfig() reconciler.Config {
	return reconciler.Config{
		Workers:           c.Run.Workers,
		ProgressInterval:  c.Run.ProgressInterval,
		GroupMatching:     c.Run.GroupMatching,
		ConsistencyChecks: c.Run.ConsistencyChecks,
	}
}

// ReportConfig returns the report options
func (c *AppConfig) ReportConfig() *reporter.ReportConfig {
	cfg := reporter.DefaultReportConfig()
	cfg.Format = reporter.OutputFormat(strings.ToLower(c.Output.Format))
	cfg.IncludeMatches = c.Output.IncludeMatches
	cfg.MaxItems = c.Output.MaxItems
	return cfg
}

// StatementFormat resolves the configured statement column layout
func (c *AppConfig) StatementFormat() (*parsers.StatementFormat, error) {
	format := parsers.GetStatementFormat(c.Import.StatementFormat)
	if format == nil {
		var names []string
		for _, f := range parsers.ListStatementFormats() {
			names = append(names, f.Name)
		}
		return nil, errors.ConfigError(errors.CodeInvalidConfig, "import.statement_format", c.Import.StatementFormat, nil).
			WithSuggestion("use one of " + strings.Join(names, ", "))
	}
	return format, nil
}

// Loader builds the CSV loader for the import command
func (c *AppConfig) Loader(log logger.Logger) (*parsers.Loader, error) {
	format, err := c.StatementFormat()
	if err != nil {
		return nil, err
	}
	statements, err := parsers.NewStatementParser(format, parsers.StatementDefaults{
		StatementID: c.Import.StatementID,
		AccountID:   c.Import.AccountID,
		Currency:    c.Import.Currency,
	}, log)
	if err != nil {
		return nil, err
	}
	journal, err := parsers.NewJournalParser(parsers.StandardJournalFormat, parsers.JournalDefaults{
		AccountID: c.Import.AccountID,
		Currency:  c.Import.Currency,
	}, log)
	if err != nil {
		return nil, err
	}
	return parsers.NewLoader(statements, journal, c.Import.Workers, log), nil
}

// NewLogger builds the process logger
func (c *AppConfig) NewLogger() (logger.Logger, error) {
	cfg := c.Logging
	return logger.NewLogger(&cfg)
}

// OpenStore opens the configured store. SQL stores are migrated on open.
func (c *AppConfig) OpenStore(ctx context.Context, log logger.Logger) (storage.Store, error) {
	if c.Storage.Driver == DriverMemory {
		return storage.NewMemoryStore(), nil
	}
	return storage.OpenSQL(ctx, c.Storage.Driver, c.Storage.DSN, log)
}

// Notifier returns the Kafka publisher when brokers are configured, else a log notifier
func (c *AppConfig) Notifier(log logger.Logger) (events.LedgerNotifier, error) {
	if len(c.Notify.Kafka.Brokers) == 0 {
		return events.NewLogNotifier(log), nil
	}
	return events.NewKafkaNotifier(c.Notify.Kafka)
}

func parseAmount(setting, value string, def decimal.Decimal) (decimal.Decimal, error) {
	if strings.TrimSpace(value) == "" {
		return def, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return def, errors.ConfigError(errors.CodeInvalidValue, setting, value, err)
	}
	return d, nil
}
