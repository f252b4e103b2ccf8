package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/internal/reporter"
	"ledger-reconciliation-service/internal/review"
	"ledger-reconciliation-service/pkg/errors"
)

var (
	checkType   string
	checkAction string
	checkNote   string
)

var checkTypes = []models.CheckType{models.CheckDuplicate, models.CheckTransferPair, models.CheckAnomaly}

var checksCmd = &cobra.Command{
	Use:   "checks",
	Short: "List and resolve consistency checks",
}

var checksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open consistency checks, most severe first",
	Args:  cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return validateCheckType(checkType)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return withReview(cmd, func(ctx context.Context, a *app, m *review.Manager) error {
			checks, err := m.ListOpenChecks(ctx, models.CheckType(checkType))
			if err != nil {
				return err
			}
			return a.render(cmd, "checks", func(gen *reporter.ReportGenerator, w io.Writer) error {
				return gen.WriteChecks(checks, w)
			})
		})
	},
}

var checksResolveCmd = &cobra.Command{
	Use:   "resolve CHECK_ID",
	Short: "Resolve an open check",
	Long: `Resolve closes an open consistency check.

  approve  the condition is expected
  flag     close the check and keep it for follow-up
  reject   the condition is a real problem; active matches of the related
           transactions are rejected where their status allows it`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withReview(cmd, func(ctx context.Context, a *app, m *review.Manager) error {
			res, err := m.ResolveCheck(ctx, args[0], checkAction, checkNote)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Check %s resolved as %s\n", res.Check.ID, res.Check.Resolution)
			for _, id := range res.UndoneMatch {
				fmt.Fprintf(cmd.OutOrStdout(), "  match %s rejected\n", id)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(checksCmd)
	checksCmd.AddCommand(checksListCmd, checksResolveCmd)

	checksListCmd.Flags().StringVar(&checkType, "type", "", "only checks of this type: duplicate, transfer_pair, anomaly")

	checksResolveCmd.Flags().StringVar(&checkAction, "action", "", "approve, reject or flag (required)")
	checksResolveCmd.Flags().StringVar(&checkNote, "note", "", "resolution note")
	checksResolveCmd.MarkFlagRequired("action")
}

func validateCheckType(t string) error {
	if t == "" {
		return nil
	}
	for _, known := range checkTypes {
		if models.CheckType(t) == known {
			return nil
		}
	}
	return errors.ConfigError(errors.CodeInvalidValue, "--type", t, nil).
		WithSuggestion("use duplicate, transfer_pair or anomaly")
}
