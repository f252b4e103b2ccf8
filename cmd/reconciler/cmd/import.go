package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledger-reconciliation-service/internal/reporter"
	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

var (
	statementFiles []string
	journalFiles   []string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Load bank statement and journal CSV files into the store",
	Long: `Import reads bank statement transactions and journal lines from CSV files
and stores them for matching. Journal lines are grouped into entries by
entry_id. Rows that fail validation are skipped and listed in the report;
an unreadable file fails the whole import and nothing is stored.

Statement formats: standard, us_bank, eu_bank.

Examples:
  reconciler import --statements march.csv --account ACC-1 --statement-id 2024-03
  reconciler import --statements a.csv,b.csv --journal ledger.csv --format eu_bank --currency EUR`,
	PreRunE: validateImportFlags,
	RunE:    runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().StringSliceVarP(&statementFiles, "statements", "s", nil, "comma-separated bank statement CSV files")
	importCmd.Flags().StringSliceVarP(&journalFiles, "journal", "j", nil, "comma-separated journal line CSV files")
	importCmd.Flags().String("format", "", "statement column layout: standard, us_bank, eu_bank")
	importCmd.Flags().String("account", "", "account id for rows without one")
	importCmd.Flags().String("statement-id", "", "statement id for rows without one")
	importCmd.Flags().String("currency", "", "currency for rows without one")
	importCmd.Flags().Int("workers", 0, "files read in parallel")

	viper.BindPFlag("import.statement_format", importCmd.Flags().Lookup("format"))
	viper.BindPFlag("import.account_id", importCmd.Flags().Lookup("account"))
	viper.BindPFlag("import.statement_id", importCmd.Flags().Lookup("statement-id"))
	viper.BindPFlag("import.currency", importCmd.Flags().Lookup("currency"))
	viper.BindPFlag("import.workers", importCmd.Flags().Lookup("workers"))
}

func validateImportFlags(cmd *cobra.Command, args []string) error {
	if len(statementFiles) == 0 && len(journalFiles) == 0 {
		return errors.ConfigError(errors.CodeMissingConfig, "--statements/--journal", nil, nil).
			WithSuggestion("give at least one statement or journal file")
	}
	for _, path := range statementFiles {
		if err := validateFileExists(path, "statement file"); err != nil {
			return errors.InputError(errors.CodeFileNotFound, "", "statements", path, err)
		}
	}
	for _, path := range journalFiles {
		if err := validateFileExists(path, "journal file"); err != nil {
			return errors.InputError(errors.CodeFileNotFound, "", "journal", path, err)
		}
	}
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		loader, err := a.cfg.Loader(a.log)
		if err != nil {
			return err
		}
		batch, err := loader.Load(ctx, statementFiles, journalFiles)
		if err != nil {
			return err
		}

		if len(batch.Transactions) > 0 {
			if err := a.store.SaveTransactions(ctx, batch.Transactions); err != nil {
				return err
			}
		}
		if len(batch.Entries) > 0 {
			if err := a.store.SaveJournalEntries(ctx, batch.Entries); err != nil {
				return err
			}
		}

		log := a.log.WithFields(logger.Fields{
			"transactions": len(batch.Transactions),
			"entries":      len(batch.Entries),
		})
		if batch.Stats.HasErrors() {
			log.WithField("skipped", len(batch.Stats.Errors)).Warn("Import finished with skipped rows")
		} else {
			log.Info("Import finished")
		}

		if err := a.render(cmd, "import", func(gen *reporter.ReportGenerator, w io.Writer) error {
			return gen.WriteParseStats(batch.Stats, w)
		}); err != nil {
			return err
		}
		if verbose {
			fmt.Fprintf(cmd.ErrOrStderr(), "Stored %d transactions and %d journal entries\n",
				len(batch.Transactions), len(batch.Entries))
		}
		return nil
	})
}
