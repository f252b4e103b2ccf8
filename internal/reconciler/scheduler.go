package reconciler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

// Runner runs one reconciliation pass
type Runner interface {
	Run(ctx context.Context, req Request) (*RunSummary, error)
}

// Scheduler sweeps the whole ledger on a cron schedule
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	request Request
	timeout time.Duration
	log     logger.Logger

	// OnSummary, when set, receives every completed sweep
	OnSummary func(*RunSummary, error)
}

// NewScheduler registers a sweep on the standard five-field cron spec. timeout bounds a
// single sweep; zero means no bound.
func NewScheduler(spec string, runner Runner, req Request, timeout time.Duration, log logger.Logger) (*Scheduler, error) {
	if log == nil {
		log = logger.Discard()
	}
	s := &Scheduler{
		cron:    cron.New(),
		runner:  runner,
		request: req,
		timeout: timeout,
		log:     log.WithComponent("scheduler"),
	}
	if _, err := s.cron.AddFunc(spec, func() { s.Sweep(context.Background()) }); err != nil {
		return nil, errors.ConfigError(errors.CodeInvalidValue, "schedule.cron", spec, err)
	}
	return s, nil
}

// Start begins firing sweeps in the background
func (s *Scheduler) Start() {
	s.log.WithField("entries", len(s.cron.Entries())).Info("Scheduler started")
	s.cron.Start()
}

// Stop stops the schedule and returns a context that is done once a running sweep finishes
func (s *Scheduler) Stop() context.Context {
	s.log.Info("Scheduler stopping")
	return s.cron.Stop()
}

// Next returns the time of the next sweep, or zero before Start
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Sweep runs one pass now. The as-of time of every sweep is its own start time.
func (s *Scheduler) Sweep(ctx context.Context) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req := s.request
	req.AsOf = time.Time{}
	summary, err := s.runner.Run(ctx, req)
	if err != nil {
		s.log.WithError(err).Error("Scheduled sweep failed")
	} else {
		s.log.WithFields(logger.Fields{
			"run_id":        summary.RunID,
			"auto_accepted": summary.AutoAccepted,
			"pending":       summary.PendingReview,
			"unmatched":     summary.Unmatched,
		}).Info("Scheduled sweep finished")
	}
	if s.OnSummary != nil {
		s.OnSummary(summary, err)
	}
}
