package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledger-reconciliation-service/internal/reconciler"
	"ledger-reconciliation-service/internal/reporter"
	"ledger-reconciliation-service/pkg/errors"
)

// Flags for the run command
var (
	runAccount   string
	runStatement string
	runFrom      string
	runTo        string
	runAsOf      string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Match stored statement transactions against the ledger",
	Long: `Run matches every stored transaction in scope against the journal entries
of its account. Matches scoring at or above the auto-accept threshold are
accepted, those above the review threshold are queued for review and the
rest stay unmatched. A consistency pass runs afterwards.

Interrupting a run (Ctrl-C) stops it after the transaction being committed;
everything committed so far is kept.

Examples:
  reconciler run --account ACC-1 --statement 2024-03
  reconciler run --from 2024-03-01 --to 2024-03-31 --as-of 2024-04-01
  reconciler run --account ACC-1 --include-matches --output-format csv -o matches.csv`,
	PreRunE: validateRunFlags,
	RunE:    runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runAccount, "account", "", "only transactions of this account")
	runCmd.Flags().StringVar(&runStatement, "statement", "", "only transactions of this statement")
	runCmd.Flags().StringVar(&runFrom, "from", "", "first transaction date (YYYY-MM-DD)")
	runCmd.Flags().StringVar(&runTo, "to", "", "last transaction date (YYYY-MM-DD)")
	runCmd.Flags().StringVar(&runAsOf, "as-of", "", "reference date for history scoring (default: now)")
	runCmd.Flags().Bool("include-matches", false, "list every match created by the run")
	runCmd.Flags().Bool("no-consistency", false, "skip the consistency pass")

	viper.BindPFlag("output.include_matches", runCmd.Flags().Lookup("include-matches"))
}

func validateRunFlags(cmd *cobra.Command, args []string) error {
	_, err := runRequest()
	return err
}

func runRequest() (reconciler.Request, error) {
	var req reconciler.Request
	var err error
	req.AccountID = runAccount
	req.StatementID = runStatement
	if req.From, err = parseDateFlag("from", runFrom); err != nil {
		return req, err
	}
	if req.To, err = parseDateFlag("to", runTo); err != nil {
		return req, err
	}
	if req.AsOf, err = parseDateFlag("as-of", runAsOf); err != nil {
		return req, err
	}
	return req, req.Validate()
}

func runRun(cmd *cobra.Command, args []string) error {
	req, err := runRequest()
	if err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		if skip, _ := cmd.Flags().GetBool("no-consistency"); skip {
			a.cfg.Run.ConsistencyChecks = false
		}
		svc, err := a.service()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		// a failed run still reports what it committed before the failure
		summary, runErr := svc.Run(ctx, req)
		if summary == nil {
			return runErr
		}
		if err := a.render(cmd, "run", func(gen *reporter.ReportGenerator, w io.Writer) error {
			return gen.WriteRunSummary(summary, w)
		}); err != nil {
			return err
		}
		if runErr != nil {
			return runErr
		}
		if summary.Cancelled {
			return errors.New(errors.CategoryMatching, errors.CodeRunCancelled, "run cancelled before every transaction was processed").
				WithContext("run_id", summary.RunID).
				WithSuggestion("run again to process the remaining transactions")
		}
		return nil
	})
}
