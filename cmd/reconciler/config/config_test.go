package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"ledger-reconciliation-service/internal/events"
	"ledger-reconciliation-service/internal/matcher"
	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/internal/reporter"
	"ledger-reconciliation-service/internal/storage"
	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

func loadDefaults(t *testing.T) *AppConfig {
	t.Helper()
	cfg, err := Load(viper.New())
	if err != nil {
		t.Fatalf("failed to load default config: %v", err)
	}
	return cfg
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg := loadDefaults(t)

	if cfg.Storage.Driver != storage.DriverSQLite {
		t.Errorf("expected driver %s, got %s", storage.DriverSQLite, cfg.Storage.Driver)
	}
	if cfg.Output.Format != "console" {
		t.Errorf("expected console output, got %s", cfg.Output.Format)
	}
	if cfg.Import.Workers != 4 {
		t.Errorf("expected 4 import workers, got %d", cfg.Import.Workers)
	}
	if cfg.Logging.Level != logger.InfoLevel {
		t.Errorf("expected info logging, got %s", cfg.Logging.Level)
	}

	m, err := cfg.MatcherConfig()
	if err != nil {
		t.Fatalf("matcher config should be valid: %v", err)
	}
	def := matcher.DefaultConfig()
	if m.AutoAcceptThreshold != def.AutoAcceptThreshold || m.ReviewThreshold != def.ReviewThreshold {
		t.Errorf("expected default thresholds, got %s", m)
	}
	if !m.AmountTolerance.Equal(def.AmountTolerance) {
		t.Errorf("expected tolerance %s, got %s", def.AmountTolerance, m.AmountTolerance)
	}
	if len(m.DateWindowSteps) != 3 || m.DateWindowSteps[2] != 30 {
		t.Errorf("expected windows [3 7 30], got %v", m.DateWindowSteps)
	}

	c, err := cfg.CheckerConfig()
	if err != nil {
		t.Fatalf("checker config should be valid: %v", err)
	}
	if !c.AnomalyRatio.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected anomaly ratio 10, got %s", c.AnomalyRatio)
	}
	if c.BurstWindow != 24*time.Hour {
		t.Errorf("expected 24h burst window, got %v", c.BurstWindow)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeFile(t, "reconciler.yaml", `
storage:
  driver: memory
matching:
  auto_accept_threshold: 90
  amount_tolerance: "0.25"
  date_window_steps: [2, 5, 20]
  max_date_window: 20
consistency:
  burst_count: 8
  burst_window: 12h
  large_round_amount: "5000"
  ledger_accounts:
    ACC-CHK: "1010"
    ACC-SAV: "1020"
notify:
  kafka:
    brokers: ["kafka-1:9092", "kafka-2:9092"]
    topic: ledger.events
output:
  format: json
  max_items: 50
import:
  statement_format: eu_bank
  currency: EUR
`)
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("failed to read config: %v", err)
	}

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	m, err := cfg.MatcherConfig()
	if err != nil {
		t.Fatalf("matcher config should be valid: %v", err)
	}
	if m.AutoAcceptThreshold != 90 {
		t.Errorf("expected auto accept 90, got %v", m.AutoAcceptThreshold)
	}
	if !m.AmountTolerance.Equal(decimal.RequireFromString("0.25")) {
		t.Errorf("expected tolerance 0.25, got %s", m.AmountTolerance)
	}
	if m.MaxDateWindow != 20 || m.DateWindowSteps[0] != 2 {
		t.Errorf("expected windows [2 5 20] up to 20, got %v up to %d", m.DateWindowSteps, m.MaxDateWindow)
	}
	// untouched keys keep their defaults
	if m.ReviewThreshold != 60 {
		t.Errorf("expected review threshold 60, got %v", m.ReviewThreshold)
	}

	c, err := cfg.CheckerConfig()
	if err != nil {
		t.Fatalf("checker config should be valid: %v", err)
	}
	if c.BurstCount != 8 || c.BurstWindow != 12*time.Hour {
		t.Errorf("expected burst 8 in 12h, got %d in %v", c.BurstCount, c.BurstWindow)
	}
	if !c.LargeRoundAmount.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("expected large round amount 5000, got %s", c.LargeRoundAmount)
	}
	if code, ok := c.LedgerAccount("ACC-SAV"); !ok || code != "1020" {
		t.Errorf("expected ledger account 1020 for ACC-SAV, got %q (%v)", code, ok)
	}

	if len(cfg.Notify.Kafka.Brokers) != 2 || cfg.Notify.Kafka.Topic != "ledger.events" {
		t.Errorf("unexpected kafka settings: %+v", cfg.Notify.Kafka)
	}
	if rc := cfg.ReportConfig(); rc.Format != reporter.FormatJSON || rc.MaxItems != 50 {
		t.Errorf("unexpected report config: %+v", rc)
	}
	format, err := cfg.StatementFormat()
	if err != nil || format.Name != "eu_bank" {
		t.Errorf("expected eu_bank format, got %v (%v)", format, err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("RECONCILER_OUTPUT_FORMAT", "csv")
	t.Setenv("RECONCILER_STORAGE_DRIVER", "memory")
	t.Setenv("RECONCILER_MATCHING_REVIEW_THRESHOLD", "55")

	v := viper.New()
	BindEnv(v)
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Output.Format != "csv" {
		t.Errorf("expected csv output from env, got %s", cfg.Output.Format)
	}
	if cfg.Storage.Driver != DriverMemory {
		t.Errorf("expected memory driver from env, got %s", cfg.Storage.Driver)
	}
	if cfg.Matching.ReviewThreshold != 55 {
		t.Errorf("expected review threshold 55 from env, got %v", cfg.Matching.ReviewThreshold)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
		code   errors.ErrorCode
	}{
		{"unknown driver", func(c *AppConfig) { c.Storage.Driver = "mysql" }, errors.CodeInvalidConfig},
		{"postgres without dsn", func(c *AppConfig) {
			c.Storage.Driver = storage.DriverPostgres
			c.Storage.DSN = " "
		}, errors.CodeMissingConfig},
		{"weights off", func(c *AppConfig) { c.Matching.Weights.Amount = 0.9 }, errors.CodeInvalidWeights},
		{"bad tolerance", func(c *AppConfig) { c.Matching.AmountTolerance = "ten cents" }, errors.CodeInvalidValue},
		{"thresholds swapped", func(c *AppConfig) { c.Matching.ReviewThreshold = 95 }, errors.CodeInvalidConfig},
		{"bad anomaly ratio", func(c *AppConfig) { c.Consistency.AnomalyRatio = "1" }, errors.CodeInvalidConfig},
		{"no run workers", func(c *AppConfig) { c.Run.Workers = 0 }, errors.CodeInvalidValue},
		{"bad log level", func(c *AppConfig) { c.Logging.Level = "loud" }, errors.CodeInvalidConfig},
		{"bad output format", func(c *AppConfig) { c.Output.Format = "xml" }, errors.CodeInvalidConfig},
		{"unknown statement format", func(c *AppConfig) { c.Import.StatementFormat = "mt940" }, errors.CodeInvalidConfig},
		{"no import workers", func(c *AppConfig) { c.Import.Workers = 0 }, errors.CodeInvalidValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadDefaults(t)
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !errors.IsCategory(err, errors.CategoryConfiguration) {
				t.Errorf("expected a configuration error, got %v", err)
			}
			if !errors.HasErrorCode(err, tt.code) {
				t.Errorf("expected code %s, got %v", tt.code, err)
			}
		})
	}
}

func TestMatcherConfigRulesFile(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.Matching.RulesFile = writeFile(t, "rules.yaml", `
rules:
  - {direction: IN, debit: asset, credit: income, plausibility: valid}
  - {direction: OUT, debit: expense, credit: asset, plausibility: unusual}
`)

	m, err := cfg.MatcherConfig()
	if err != nil {
		t.Fatalf("matcher config should be valid: %v", err)
	}
	if m.Rules.Len() != 2 {
		t.Errorf("expected 2 rules, got %d", m.Rules.Len())
	}
	if got := m.Rules.Lookup(models.DirectionOut, models.AccountExpense, models.AccountAsset); got != matcher.Unusual {
		t.Errorf("expected unusual, got %s", got)
	}

	cfg.Matching.RulesFile = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := cfg.MatcherConfig(); !errors.IsCategory(err, errors.CategoryConfiguration) {
		t.Errorf("expected a configuration error for a missing rules file, got %v", err)
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		cfg := loadDefaults(t)
		cfg.Storage.Driver = DriverMemory
		store, err := cfg.OpenStore(ctx, logger.Discard())
		if err != nil {
			t.Fatalf("failed to open store: %v", err)
		}
		defer store.Close()
		if _, ok := store.(*storage.MemoryStore); !ok {
			t.Errorf("expected a memory store, got %T", store)
		}
	})

	t.Run("sqlite", func(t *testing.T) {
		cfg := loadDefaults(t)
		cfg.Storage.DSN = filepath.Join(t.TempDir(), "reconciler.db")
		store, err := cfg.OpenStore(ctx, logger.Discard())
		if err != nil {
			t.Fatalf("failed to open store: %v", err)
		}
		defer store.Close()
		if _, ok := store.(*storage.SQLStore); !ok {
			t.Errorf("expected a SQL store, got %T", store)
		}
	})
}

func TestNotifier(t *testing.T) {
	cfg := loadDefaults(t)

	n, err := cfg.Notifier(logger.Discard())
	if err != nil {
		t.Fatalf("failed to build notifier: %v", err)
	}
	if _, ok := n.(*events.LogNotifier); !ok {
		t.Errorf("expected a log notifier without brokers, got %T", n)
	}

	cfg.Notify.Kafka.Brokers = []string{"localhost:9092"}
	n, err = cfg.Notifier(logger.Discard())
	if err != nil {
		t.Fatalf("failed to build notifier: %v", err)
	}
	defer n.Close()
	if _, ok := n.(*events.KafkaNotifier); !ok {
		t.Errorf("expected a kafka notifier, got %T", n)
	}
}

func TestLoader(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.Import.AccountID = "ACC-1"
	cfg.Import.StatementID = "STMT-9"

	loader, err := cfg.Loader(logger.Discard())
	if err != nil {
		t.Fatalf("failed to build loader: %v", err)
	}

	stmt := writeFile(t, "statement.csv", "id,date,description,amount\nT-1,2024-03-01,Coffee,-4.50\n")
	batch, err := loader.Load(context.Background(), []string{stmt}, nil)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if len(batch.Transactions) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(batch.Transactions))
	}
	txn := batch.Transactions[0]
	if txn.AccountID != "ACC-1" || txn.StatementID != "STMT-9" || txn.Currency != "USD" {
		t.Errorf("expected import defaults to apply, got %+v", txn)
	}
}
