package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"ledger-reconciliation-service/internal/reporter"
	"ledger-reconciliation-service/internal/review"
	"ledger-reconciliation-service/internal/storage"
)

var (
	statsAccount   string
	statsStatement string
	statsFrom      string
	statsTo        string
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show reconciliation progress",
	Long: `Stats counts the transactions in scope by state (matched, pending review,
unmatched), the match rate, the score distribution of active matches and the
open consistency checks by severity.`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().StringVar(&statsAccount, "account", "", "only transactions of this account")
	statsCmd.Flags().StringVar(&statsStatement, "statement", "", "only transactions of this statement")
	statsCmd.Flags().StringVar(&statsFrom, "from", "", "first transaction date (YYYY-MM-DD)")
	statsCmd.Flags().StringVar(&statsTo, "to", "", "last transaction date (YYYY-MM-DD)")
}

func statsFilter() (storage.TxnFilter, error) {
	filter := storage.TxnFilter{AccountID: statsAccount, StatementID: statsStatement}
	var err error
	if filter.From, err = parseDateFlag("from", statsFrom); err != nil {
		return filter, err
	}
	if filter.To, err = parseDateFlag("to", statsTo); err != nil {
		return filter, err
	}
	return filter, nil
}

func runStats(cmd *cobra.Command, args []string) error {
	filter, err := statsFilter()
	if err != nil {
		return err
	}
	return withReview(cmd, func(ctx context.Context, a *app, m *review.Manager) error {
		stats, err := m.Stats(ctx, filter)
		if err != nil {
			return err
		}
		return a.render(cmd, "stats", func(gen *reporter.ReportGenerator, w io.Writer) error {
			return gen.WriteStats(stats, w)
		})
	})
}
