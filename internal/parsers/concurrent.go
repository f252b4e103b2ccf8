package parsers

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

// Batch is the combined result of reading several statement and journal files
type Batch struct {
	Transactions []*models.BankStatementTransaction
	Entries      []*models.JournalEntry
	Stats        *ParseStats
}

// Loader reads many files in parallel
type Loader struct {
	statements *StatementParser
	journal    *JournalParser
	workers    int
	log        logger.Logger
}

// NewLoader creates a Loader. workers bounds the files read at once.
func NewLoader(statements *StatementParser, journal *JournalParser, workers int, log logger.Logger) *Loader {
	if workers <= 0 {
		workers = 4
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Loader{statements: statements, journal: journal, workers: workers, log: log.WithComponent("loader")}
}

// Load reads every statement and journal file. Results keep the order of the paths
// given, whatever order the files finish in. A file that cannot be read at all fails the
// load; bad rows only show up in the stats.
func (l *Loader) Load(ctx context.Context, statementPaths, journalPaths []string) (*Batch, error) {
	txns := make([][]*models.BankStatementTransaction, len(statementPaths))
	entries := make([][]*models.JournalEntry, len(journalPaths))
	stats := make([]*ParseStats, len(statementPaths)+len(journalPaths))

	var mu sync.Mutex
	var fileErrs []error
	record := func(err error) {
		mu.Lock()
		fileErrs = append(fileErrs, err)
		mu.Unlock()
	}

	p := pool.New().WithContext(ctx).WithMaxGoroutines(l.workers)
	for i, path := range statementPaths {
		i, path := i, path
		p.Go(func(ctx context.Context) error {
			if l.statements == nil {
				return errors.ConfigError(errors.CodeMissingConfig, "import.statement_format", nil, nil)
			}
			got, st, err := l.statements.ParseFile(ctx, path)
			if err != nil {
				record(err)
				return nil
			}
			txns[i], stats[i] = got, st
			return nil
		})
	}
	for i, path := range journalPaths {
		i, path := i, path
		p.Go(func(ctx context.Context) error {
			if l.journal == nil {
				return errors.ConfigError(errors.CodeMissingConfig, "import.journal_format", nil, nil)
			}
			got, st, err := l.journal.ParseFile(ctx, path)
			if err != nil {
				record(err)
				return nil
			}
			entries[i], stats[len(statementPaths)+i] = got, st
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	if len(fileErrs) > 0 {
		rerrs := make([]*errors.ReconcilerError, 0, len(fileErrs))
		for _, err := range fileErrs {
			rerrs = append(rerrs, errors.WrapIfNeeded(err, errors.CategoryInput, errors.CodeInvalidFormat, "cannot read input file"))
		}
		return nil, errors.NewErrorSummary(rerrs)
	}

	batch := &Batch{Stats: NewParseStats()}
	for _, got := range txns {
		batch.Transactions = append(batch.Transactions, got...)
	}
	for _, got := range entries {
		batch.Entries = append(batch.Entries, got...)
	}
	for _, st := range stats {
		batch.Stats.Merge(st)
	}

	l.log.WithFields(logger.Fields{
		"files":        batch.Stats.Sources,
		"transactions": len(batch.Transactions),
		"entries":      len(batch.Entries),
		"errors":       len(batch.Stats.Errors),
	}).Info("Input loaded")
	return batch, nil
}
