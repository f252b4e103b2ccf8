package parsers

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"

	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

// JournalParser reads journal lines and groups them into entries
type JournalParser struct {
	*BaseParser
	format   *JournalFormat
	defaults JournalDefaults
}

// NewJournalParser creates a parser for one journal format. A nil format uses the
// standard format.
func NewJournalParser(format *JournalFormat, defaults JournalDefaults, log logger.Logger) (*JournalParser, error) {
	if format == nil {
		format = StandardJournalFormat
	}
	if err := format.Validate(); err != nil {
		return nil, errors.ConfigError(errors.CodeInvalidConfig, "import.journal_format", format.Name, err)
	}
	cfg := DefaultParseConfig()
	if format.Delimiter != 0 {
		cfg.Delimiter = format.Delimiter
	}
	return &JournalParser{
		BaseParser: NewBaseParser(cfg, log),
		format:     format,
		defaults:   defaults,
	}, nil
}

// ParseFile reads the journal entries of a CSV file
func (jp *JournalParser) ParseFile(ctx context.Context, path string) ([]*models.JournalEntry, *ParseStats, error) {
	file, err := jp.OpenFile(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()
	return jp.Parse(ctx, file, path)
}

// pendingEntry collects the lines of one entry while the source is read
type pendingEntry struct {
	entry  *models.JournalEntry
	broken error
}

// Parse reads journal lines from r. Entries come back in the order their first line
// appears. An entry with any bad line, conflicting header fields, or unbalanced lines is
// reported once and skipped as a whole.
func (jp *JournalParser) Parse(ctx context.Context, r io.Reader, source string) ([]*models.JournalEntry, *ParseStats, error) {
	reader := jp.NewReader(r)
	pc := NewParseContext(ctx, source)
	stats := NewParseStats()
	stats.Sources = 1

	if err := jp.ReadHeaders(reader, pc, jp.format.required()); err != nil {
		return nil, stats, err
	}

	var order []string
	byID := make(map[string]*pendingEntry)
	for {
		record, err := jp.ReadRecord(reader, pc)
		if err == io.EOF {
			break
		}
		if pc.IsCancelled() {
			stats.TotalLines = pc.LineNumber
			return nil, stats, errors.Wrap(ctx.Err(), errors.CategoryInput, errors.CodeInvalidFormat, "parsing cancelled: "+source)
		}
		if err != nil {
			stats.AddError(err)
			continue
		}
		stats.RecordsParsed++

		id, err := jp.RequiredField(record, pc, jp.format.EntryIDColumn)
		if err != nil {
			stats.AddError(err)
			continue
		}
		pe, seen := byID[id]
		if !seen {
			pe = &pendingEntry{}
			byID[id] = pe
			order = append(order, id)
		}
		if pe.broken != nil {
			continue
		}
		if err := jp.addLine(pe, id, record, pc); err != nil {
			pe.broken = err
		}
	}
	stats.TotalLines = pc.LineNumber

	entries := make([]*models.JournalEntry, 0, len(order))
	for _, id := range order {
		pe := byID[id]
		if pe.broken != nil {
			stats.AddError(pe.broken)
			continue
		}
		if err := pe.entry.Validate(); err != nil {
			stats.AddError(errors.InputError(errors.CodeUnbalancedEntry, id, "lines", err.Error(), err))
			continue
		}
		entries = append(entries, pe.entry)
		stats.RecordsValid++
	}

	jp.logger.WithFields(logger.Fields{
		"source":  source,
		"lines":   stats.RecordsParsed,
		"entries": stats.RecordsValid,
		"errors":  len(stats.Errors),
	}).Info("Parsed journal")
	return entries, stats, nil
}

// addLine appends one row to its entry. The first row fixes the entry's date, account,
// currency and memo; later rows may leave them blank but must not contradict them.
func (jp *JournalParser) addLine(pe *pendingEntry, id string, record []string, pc *ParseContext) error {
	f := jp.format
	rawDate := jp.Field(record, pc, f.DateColumn)
	header := &models.JournalEntry{
		ID:        id,
		AccountID: orDefault(jp.Field(record, pc, f.AccountIDColumn), jp.defaults.AccountID),
		Memo:      jp.Field(record, pc, f.MemoColumn),
		Currency:  strings.ToUpper(orDefault(jp.Field(record, pc, f.CurrencyColumn), jp.defaults.Currency)),
	}
	if rawDate != "" || pe.entry == nil {
		date, err := parseDate(rawDate, f.DateFormat)
		if err != nil {
			return errors.InputError(errors.CodeInvalidDate, id, f.DateColumn, rawDate, err)
		}
		header.Date = date
	}

	if pe.entry == nil {
		pe.entry = header
	} else if err := mergeHeader(pe.entry, header); err != nil {
		return errors.InputError(errors.CodeInvalidValue, id, err.field, err.value, fmt.Errorf("%s", err.msg)).
			WithContext("location", pc.Location())
	}

	line, err := jp.parseLine(id, record, pc)
	if err != nil {
		return err
	}
	pe.entry.Lines = append(pe.entry.Lines, line)
	return nil
}

func (jp *JournalParser) parseLine(id string, record []string, pc *ParseContext) (models.JournalLine, error) {
	f := jp.format
	code, err := jp.RequiredField(record, pc, f.AccountCodeColumn)
	if err != nil {
		return models.JournalLine{}, err
	}
	rawType := jp.Field(record, pc, f.AccountTypeColumn)
	accountType, err := models.ParseAccountType(rawType)
	if err != nil {
		return models.JournalLine{}, errors.InputError(errors.CodeInvalidValue, id, f.AccountTypeColumn, rawType, err)
	}
	debit, err := optionalAmount(id, f.DebitColumn, jp.Field(record, pc, f.DebitColumn))
	if err != nil {
		return models.JournalLine{}, err
	}
	credit, err := optionalAmount(id, f.CreditColumn, jp.Field(record, pc, f.CreditColumn))
	if err != nil {
		return models.JournalLine{}, err
	}
	if debit.IsZero() == credit.IsZero() {
		return models.JournalLine{}, errors.InputError(errors.CodeInvalidAmount, id, f.DebitColumn+"/"+f.CreditColumn,
			debit.String()+"/"+credit.String(), fmt.Errorf("a line needs exactly one of debit or credit"))
	}
	return models.JournalLine{AccountCode: code, AccountType: accountType, Debit: debit, Credit: credit}, nil
}

func optionalAmount(id, column, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := models.ParseDecimalFromString(raw)
	if err != nil {
		return decimal.Zero, errors.InputError(errors.CodeInvalidAmount, id, column, raw, err)
	}
	if d.IsNegative() {
		return decimal.Zero, errors.InputError(errors.CodeInvalidAmount, id, column, raw, fmt.Errorf("amount cannot be negative"))
	}
	return d, nil
}

type headerConflict struct {
	field string
	value string
	msg   string
}

func mergeHeader(into, row *models.JournalEntry) *headerConflict {
	if !row.Date.IsZero() && !row.Date.Equal(into.Date) {
		return &headerConflict{"date", row.Date.Format("2006-01-02"),
			"date differs from " + into.Date.Format("2006-01-02")}
	}
	if row.AccountID != "" && into.AccountID != "" && row.AccountID != into.AccountID {
		return &headerConflict{"account_id", row.AccountID, "account differs from " + into.AccountID}
	}
	if row.Currency != "" && into.Currency != "" && row.Currency != into.Currency {
		return &headerConflict{"currency", row.Currency, "currency differs from " + into.Currency}
	}
	if into.Memo == "" {
		into.Memo = row.Memo
	}
	if into.AccountID == "" {
		into.AccountID = row.AccountID
	}
	if into.Currency == "" {
		into.Currency = row.Currency
	}
	return nil
}
