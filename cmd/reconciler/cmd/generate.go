package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"ledger-reconciliation-service/internal/sample"
	"ledger-reconciliation-service/pkg/errors"
)

var (
	generateDir   string
	generateCount int
	generateOpts  = sample.DefaultOptions()
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a sample statement and ledger with known answers",
	Long: `Generate writes statement.csv, journal.csv and expected.json into a
directory. The data mixes exact, delayed, fee-deducted, split and unmatched
transactions; expected.json lists the entries each transaction should match.
The same seed always produces the same files.

Examples:
  reconciler generate --dir ./demo --count 200
  reconciler import --statements demo/statement.csv --journal demo/journal.csv`,
	Args: cobra.NoArgs,
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().StringVar(&generateDir, "dir", "sample", "output directory")
	generateCmd.Flags().IntVar(&generateCount, "count", 100, "number of bank transactions")
	generateCmd.Flags().Int64Var(&generateOpts.Seed, "seed", generateOpts.Seed, "random seed")
	generateCmd.Flags().StringVar(&generateOpts.AccountID, "account", generateOpts.AccountID, "account id")
	generateCmd.Flags().StringVar(&generateOpts.Currency, "currency", generateOpts.Currency, "currency code")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	if generateCount <= 0 {
		return errors.ConfigError(errors.CodeInvalidValue, "--count", generateCount, nil)
	}
	d := sample.NewGenerator(generateOpts).Generate(generateCount)
	files, err := d.WriteFiles(generateDir)
	if err != nil {
		return errors.Wrap(err, errors.CategoryInternal, errors.CodeUnexpectedError, "cannot write sample files").
			WithSuggestion("check the output directory is writable")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d transactions to %s\n", len(d.Transactions), files.Statement)
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d journal entries to %s\n", len(d.Entries), files.Journal)
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote expected matches to %s\n", files.Expected)
	return nil
}
