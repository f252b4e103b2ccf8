package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/internal/reporter"
	"ledger-reconciliation-service/internal/review"
)

var (
	reviewNote    string
	pendingFilter review.PendingFilter
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Work the pending review queue",
	Long: `Review lists matches waiting for a decision and applies accept, reject and
reopen actions. Batch actions apply to every given match or to none: a batch
accept is refused while an open medium or high consistency check references
any of its transactions.`,
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending matches, highest score first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withReview(cmd, func(ctx context.Context, a *app, m *review.Manager) error {
			items, err := m.ListPending(ctx, pendingFilter)
			if err != nil {
				return err
			}
			return a.render(cmd, "pending", func(gen *reporter.ReportGenerator, w io.Writer) error {
				return gen.WritePending(items, w)
			})
		})
	},
}

var reviewAcceptCmd = &cobra.Command{
	Use:   "accept MATCH_ID",
	Short: "Accept a pending match",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewAction(cmd, args[0], (*review.Manager).Accept)
	},
}

var reviewRejectCmd = &cobra.Command{
	Use:   "reject MATCH_ID",
	Short: "Reject a pending match",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewAction(cmd, args[0], (*review.Manager).Reject)
	},
}

var reviewReopenCmd = &cobra.Command{
	Use:   "reopen MATCH_ID",
	Short: "Send an auto-accepted match back to review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewAction(cmd, args[0], (*review.Manager).Reopen)
	},
}

var reviewBatchAcceptCmd = &cobra.Command{
	Use:   "batch-accept MATCH_ID...",
	Short: "Accept several pending matches, all or none",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return batchAction(cmd, "accepted", args, (*review.Manager).BatchAccept)
	},
}

var reviewBatchRejectCmd = &cobra.Command{
	Use:   "batch-reject MATCH_ID...",
	Short: "Reject several pending matches, all or none",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return batchAction(cmd, "rejected", args, (*review.Manager).BatchReject)
	},
}

func init() {
	rootCmd.AddCommand(reviewCmd)
	reviewCmd.AddCommand(reviewListCmd, reviewAcceptCmd, reviewRejectCmd, reviewReopenCmd,
		reviewBatchAcceptCmd, reviewBatchRejectCmd)

	reviewCmd.PersistentFlags().StringVar(&reviewNote, "note", "", "reviewer note stored with the decision")

	reviewListCmd.Flags().StringVar(&pendingFilter.AccountID, "account", "", "only matches of this account")
	reviewListCmd.Flags().StringVar(&pendingFilter.StatementID, "statement", "", "only matches of this statement")
	reviewListCmd.Flags().Float64Var(&pendingFilter.MinScore, "min-score", 0, "only matches scoring at least this")
	reviewListCmd.Flags().IntVar(&pendingFilter.Limit, "limit", 0, "list at most this many matches (0 = all)")
}

func withReview(cmd *cobra.Command, fn func(ctx context.Context, a *app, m *review.Manager) error) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		m, err := a.reviewManager()
		if err != nil {
			return err
		}
		return fn(ctx, a, m)
	})
}

type singleAction func(m *review.Manager, ctx context.Context, matchID, note string) (*models.ReconciliationMatch, error)

func reviewAction(cmd *cobra.Command, matchID string, action singleAction) error {
	return withReview(cmd, func(ctx context.Context, a *app, m *review.Manager) error {
		match, err := action(m, ctx, matchID, reviewNote)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Match %s is now %s (transaction %s)\n", match.ID, match.Status, match.BankTxnID)
		return nil
	})
}

type batchFunc func(m *review.Manager, ctx context.Context, matchIDs []string, note string) (*review.BatchResult, error)

func batchAction(cmd *cobra.Command, verb string, matchIDs []string, action batchFunc) error {
	return withReview(cmd, func(ctx context.Context, a *app, m *review.Manager) error {
		res, err := action(m, ctx, matchIDs, reviewNote)
		if err != nil {
			if res != nil {
				for _, b := range res.Blocked {
					fmt.Fprintf(cmd.ErrOrStderr(), "  blocked: match %s (transaction %s) by checks %v\n", b.MatchID, b.TxnID, b.CheckIDs)
				}
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d matches %s\n", len(res.Processed), verb)
		return nil
	})
}
