package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"ledger-reconciliation-service/cmd/reconciler/config"
	"ledger-reconciliation-service/internal/consistency"
	"ledger-reconciliation-service/internal/events"
	"ledger-reconciliation-service/internal/reconciler"
	"ledger-reconciliation-service/internal/reporter"
	"ledger-reconciliation-service/internal/review"
	"ledger-reconciliation-service/internal/storage"
	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

// dateLayout is the layout of every date flag
const dateLayout = "2006-01-02"

// app holds what every command needs: the validated config, the logger and an open store
type app struct {
	cfg      *config.AppConfig
	log      logger.Logger
	store    storage.Store
	notifier events.LedgerNotifier
}

func newApp(ctx context.Context) (*app, error) {
	if initErr != nil {
		return nil, initErr
	}
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = logger.DebugLevel
	}

	log, err := cfg.NewLogger()
	if err != nil {
		return nil, errors.ConfigError(errors.CodeInvalidConfig, "logging", cfg.Logging.Output, err)
	}
	logger.SetGlobalLogger(log)

	store, err := cfg.OpenStore(ctx, log)
	if err != nil {
		return nil, err
	}
	log.WithField("driver", cfg.Storage.Driver).Debug("Store opened")
	return &app{cfg: cfg, log: log, store: store}, nil
}

// Close releases the notifier and the store
func (a *app) Close() error {
	var err error
	if a.notifier != nil {
		err = multierr.Append(err, a.notifier.Close())
	}
	return multierr.Append(err, a.store.Close())
}

func (a *app) ledgerNotifier() (events.LedgerNotifier, error) {
	if a.notifier != nil {
		return a.notifier, nil
	}
	n, err := a.cfg.Notifier(a.log)
	if err != nil {
		return nil, err
	}
	a.notifier = n
	return n, nil
}

func (a *app) service() (*reconciler.Service, error) {
	matching, err := a.cfg.MatcherConfig()
	if err != nil {
		return nil, err
	}
	checks, err := a.cfg.CheckerConfig()
	if err != nil {
		return nil, err
	}
	notifier, err := a.ledgerNotifier()
	if err != nil {
		return nil, err
	}
	checker := consistency.NewChecker(checks, a.store, a.log)
	return reconciler.NewService(a.store, matching, checker, notifier, a.cfg.RunConfig(), a.log)
}

func (a *app) reviewManager() (*review.Manager, error) {
	notifier, err := a.ledgerNotifier()
	if err != nil {
		return nil, err
	}
	return review.NewManager(a.store, notifier, a.log), nil
}

// render writes one report to --output-file or the command's stdout
func (a *app) render(cmd *cobra.Command, report string, fn reporter.RenderFunc) error {
	gen, err := reporter.NewSafeReportGenerator(a.cfg.ReportConfig(), a.log)
	if err != nil {
		return err
	}
	if outputFile == "" {
		return gen.Render(report, fn, cmd.OutOrStdout())
	}
	path, err := gen.RenderToFile(report, outputFile, fn)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Report written to %s\n", path)
	return nil
}

// withApp runs fn with an app that is closed afterwards
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			a.log.WithError(cerr).Warn("Failed to close resources")
		}
	}()
	return fn(ctx, a)
}

// parseDateFlag parses an optional YYYY-MM-DD flag value
func parseDateFlag(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, errors.ConfigError(errors.CodeInvalidValue, "--"+name, value, err).
			WithSuggestion("use the YYYY-MM-DD format")
	}
	return t, nil
}

func validateFileExists(filePath, description string) error {
	if filePath == "" {
		return fmt.Errorf("%s path cannot be empty", description)
	}

	info, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		return fmt.Errorf("%s does not exist: %s", description, filePath)
	}
	if err != nil {
		return fmt.Errorf("error accessing %s: %w", description, err)
	}

	if info.IsDir() {
		return fmt.Errorf("%s is a directory, expected a file: %s", description, filePath)
	}

	// Check if file is readable
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("%s is not readable: %w", description, err)
	}
	file.Close()

	return nil
}
