package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledger-reconciliation-service/internal/reconciler"
	"ledger-reconciliation-service/internal/reporter"
	"ledger-reconciliation-service/pkg/logger"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Sweep the whole ledger on a cron schedule",
	Long: `Schedule keeps running and starts a reconciliation sweep at every tick of a
standard five-field cron expression. Each sweep uses its own start time as
the as-of date. SIGINT or SIGTERM stops the schedule after a running sweep
finishes.

Examples:
  reconciler schedule --cron "0 2 * * *" --timeout 45m
  reconciler schedule --cron "*/15 * * * *" --account ACC-1 --run-now`,
	Args: cobra.NoArgs,
	RunE: runSchedule,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)

	scheduleCmd.Flags().String("cron", "", "cron expression (default from schedule.cron)")
	scheduleCmd.Flags().Duration("timeout", 0, "upper bound of one sweep (default from schedule.timeout)")
	scheduleCmd.Flags().String("account", "", "only sweep this account")
	scheduleCmd.Flags().Bool("run-now", false, "sweep once immediately before waiting for the schedule")

	viper.BindPFlag("schedule.cron", scheduleCmd.Flags().Lookup("cron"))
	viper.BindPFlag("schedule.timeout", scheduleCmd.Flags().Lookup("timeout"))
	viper.BindPFlag("schedule.account_id", scheduleCmd.Flags().Lookup("account"))
}

func runSchedule(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		svc, err := a.service()
		if err != nil {
			return err
		}

		sc := a.cfg.Schedule
		req := reconciler.Request{AccountID: sc.AccountID}
		scheduler, err := reconciler.NewScheduler(sc.Cron, svc, req, sc.Timeout, a.log)
		if err != nil {
			return err
		}
		scheduler.OnSummary = func(summary *reconciler.RunSummary, err error) {
			if summary == nil {
				return
			}
			if rerr := a.render(cmd, "sweep", func(gen *reporter.ReportGenerator, w io.Writer) error {
				return gen.WriteRunSummary(summary, w)
			}); rerr != nil {
				a.log.WithError(rerr).Warn("Failed to render sweep summary")
			}
		}

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		if runNow, _ := cmd.Flags().GetBool("run-now"); runNow {
			scheduler.Sweep(ctx)
		}
		scheduler.Start()
		a.log.WithFields(logger.Fields{
			"cron": sc.Cron,
			"next": scheduler.Next().Format("2006-01-02 15:04:05"),
		}).Info("Waiting for the next sweep")
		if verbose {
			fmt.Fprintf(cmd.ErrOrStderr(), "Next sweep at %s\n", scheduler.Next().Format("2006-01-02 15:04:05"))
		}

		<-ctx.Done()
		<-scheduler.Stop().Done()
		a.log.Info("Scheduler stopped")
		return nil
	})
}
