package reconciler

import (
	"runtime"
	"time"

	"ledger-reconciliation-service/pkg/errors"
)

// Config holds the run service options. Matching and consistency tunables live in their
// own packages and are passed to NewService separately.
type Config struct {
	// Workers bounds the goroutines used for candidate generation and scoring
	Workers int
	// ProgressInterval is how often the commit phase logs progress
	ProgressInterval time.Duration
	// GroupMatching enables the N:1 pass over transactions left unmatched
	GroupMatching bool
	// ConsistencyChecks enables the consistency pass after matching
	ConsistencyChecks bool
}

// DefaultConfig returns the default run options
func DefaultConfig() Config {
	return Config{
		Workers:           runtime.NumCPU(),
		ProgressInterval:  5 * time.Second,
		GroupMatching:     true,
		ConsistencyChecks: true,
	}
}

// Validate checks the run options
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return errors.ConfigError(errors.CodeInvalidValue, "run.workers", c.Workers, nil)
	}
	if c.ProgressInterval < 0 {
		return errors.ConfigError(errors.CodeInvalidValue, "run.progress_interval", c.ProgressInterval, nil)
	}
	return nil
}

// Request scopes a run. Zero values select every stored transaction.
type Request struct {
	AccountID   string
	StatementID string
	From        time.Time
	To          time.Time
	// AsOf is the reference time for history scoring; zero means now
	AsOf time.Time
}

// Validate checks the request scope
func (r Request) Validate() error {
	if !r.From.IsZero() && !r.To.IsZero() && r.From.After(r.To) {
		return errors.ConfigError(errors.CodeInvalidValue, "date_range",
			r.From.Format("2006-01-02")+".."+r.To.Format("2006-01-02"), nil).
			WithSuggestion("the start date must not be after the end date")
	}
	return nil
}
