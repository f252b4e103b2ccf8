package parsers

import (
	"context"
	"io"
	"strings"
	"time"

	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

// StatementParser reads bank statement lines
type StatementParser struct {
	*BaseParser
	format   *StatementFormat
	defaults StatementDefaults
}

// NewStatementParser creates a parser for one statement format. A nil format uses the
// standard format.
func NewStatementParser(format *StatementFormat, defaults StatementDefaults, log logger.Logger) (*StatementParser, error) {
	if format == nil {
		format = StandardStatementFormat
	}
	if err := format.Validate(); err != nil {
		return nil, errors.ConfigError(errors.CodeInvalidConfig, "import.statement_format", format.Name, err)
	}
	cfg := DefaultParseConfig()
	if format.Delimiter != 0 {
		cfg.Delimiter = format.Delimiter
	}
	return &StatementParser{
		BaseParser: NewBaseParser(cfg, log),
		format:     format,
		defaults:   defaults,
	}, nil
}

// ParseFile reads the statement lines of a CSV file
func (sp *StatementParser) ParseFile(ctx context.Context, path string) ([]*models.BankStatementTransaction, *ParseStats, error) {
	file, err := sp.OpenFile(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()
	return sp.Parse(ctx, file, path)
}

// Parse reads statement lines from r. Rows that fail to parse or validate are recorded in
// the returned stats and skipped.
func (sp *StatementParser) Parse(ctx context.Context, r io.Reader, source string) ([]*models.BankStatementTransaction, *ParseStats, error) {
	reader := sp.NewReader(r)
	pc := NewParseContext(ctx, source)
	stats := NewParseStats()
	stats.Sources = 1

	if err := sp.ReadHeaders(reader, pc, sp.format.required()); err != nil {
		return nil, stats, err
	}

	var txns []*models.BankStatementTransaction
	for {
		record, err := sp.ReadRecord(reader, pc)
		if err == io.EOF {
			break
		}
		if pc.IsCancelled() {
			stats.TotalLines = pc.LineNumber
			return txns, stats, errors.Wrap(ctx.Err(), errors.CategoryInput, errors.CodeInvalidFormat, "parsing cancelled: "+source)
		}
		if err != nil {
			stats.AddError(err)
			continue
		}
		stats.RecordsParsed++

		txn, err := sp.parseRecord(record, pc)
		if err != nil {
			stats.AddError(err)
			continue
		}
		if err := txn.Validate(); err != nil {
			stats.AddError(errors.InputError(errors.CodeInvalidValue, txn.ID, "transaction", pc.Location(), err))
			continue
		}
		txns = append(txns, txn)
		stats.RecordsValid++
	}
	stats.TotalLines = pc.LineNumber

	sp.logger.WithFields(logger.Fields{
		"source":  source,
		"records": stats.RecordsParsed,
		"valid":   stats.RecordsValid,
		"errors":  len(stats.Errors),
	}).Info("Parsed bank statement")
	return txns, stats, nil
}

func (sp *StatementParser) parseRecord(record []string, pc *ParseContext) (*models.BankStatementTransaction, error) {
	f := sp.format
	id, err := sp.RequiredField(record, pc, f.IDColumn)
	if err != nil {
		return nil, err
	}

	date, err := parseDate(sp.Field(record, pc, f.DateColumn), f.DateFormat)
	if err != nil {
		return nil, errors.InputError(errors.CodeInvalidDate, id, f.DateColumn, sp.Field(record, pc, f.DateColumn), err)
	}

	rawAmount := sp.Field(record, pc, f.AmountColumn)
	amount, err := models.ParseDecimalFromString(rawAmount)
	if err != nil || amount.IsZero() {
		return nil, errors.InputError(errors.CodeInvalidAmount, id, f.AmountColumn, rawAmount, err)
	}

	// the amount sign decides the direction unless the export carries one; unsigned
	// exports take their sign from the direction
	direction := models.DirectionIn
	if amount.IsNegative() {
		direction = models.DirectionOut
	}
	if raw := sp.Field(record, pc, f.DirectionColumn); raw != "" {
		direction, err = models.ParseDirection(raw)
		if err != nil {
			return nil, errors.InputError(errors.CodeInvalidValue, id, f.DirectionColumn, raw, err)
		}
		amount = amount.Abs()
		if direction == models.DirectionOut {
			amount = amount.Neg()
		}
	}

	return &models.BankStatementTransaction{
		ID:           id,
		StatementID:  orDefault(sp.Field(record, pc, f.StatementIDColumn), sp.defaults.StatementID),
		AccountID:    orDefault(sp.Field(record, pc, f.AccountIDColumn), sp.defaults.AccountID),
		Date:         date,
		Description:  sp.Field(record, pc, f.DescriptionColumn),
		Amount:       amount,
		Direction:    direction,
		Currency:     strings.ToUpper(orDefault(sp.Field(record, pc, f.CurrencyColumn), sp.defaults.Currency)),
		Reference:    sp.Field(record, pc, f.ReferenceColumn),
		Counterparty: sp.Field(record, pc, f.CounterpartyColumn),
	}, nil
}

func parseDate(s, layout string) (time.Time, error) {
	if layout != "" {
		return time.Parse(layout, strings.TrimSpace(s))
	}
	return models.ParseTimeWithFormats(s)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
