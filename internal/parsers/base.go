// Package parsers reads bank statement lines and journal lines from CSV.
//
// Both readers share BaseParser for header handling and row reading. Malformed rows never
// stop a file: each becomes an input error in ParseStats and the row is skipped. Only
// problems with the file itself (missing, unreadable, missing required columns) are
// returned as errors.
//
// Example usage:
//
//	p, err := parsers.NewStatementParser(parsers.DefaultStatementColumns(), parsers.StatementDefaults{})
//	txns, stats, err := p.ParseFile(ctx, "statement-2024-03.csv")
//	for _, ie := range stats.Errors {
//		log.Warn(ie)
//	}
package parsers

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

// ParseConfig holds the CSV dialect
type ParseConfig struct {
	HasHeader        bool
	Delimiter        rune
	Comment          rune
	TrimLeadingSpace bool
	SkipEmptyRows    bool
	MaxFieldSize     int
}

// DefaultParseConfig returns a comma separated dialect with a header row
func DefaultParseConfig() *ParseConfig {
	return &ParseConfig{
		HasHeader:        true,
		Delimiter:        ',',
		TrimLeadingSpace: true,
		SkipEmptyRows:    true,
		MaxFieldSize:     64 * 1024,
	}
}

// BaseParser provides the CSV plumbing shared by the statement and journal readers
type BaseParser struct {
	config *ParseConfig
	logger logger.Logger
}

// NewBaseParser creates a BaseParser. A nil config uses DefaultParseConfig.
func NewBaseParser(config *ParseConfig, log logger.Logger) *BaseParser {
	if config == nil {
		config = DefaultParseConfig()
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &BaseParser{config: config, logger: log.WithComponent("parser")}
}

// ParseContext holds state while one source is read
type ParseContext struct {
	Source     string
	LineNumber int
	Headers    []string
	HeaderMap  map[string]int
	ctx        context.Context
}

// NewParseContext creates a parsing context for a named source
func NewParseContext(ctx context.Context, source string) *ParseContext {
	if ctx == nil {
		ctx = context.Background()
	}
	return &ParseContext{Source: source, HeaderMap: make(map[string]int), ctx: ctx}
}

// IsCancelled checks if the parsing context has been cancelled
func (pc *ParseContext) IsCancelled() bool {
	return pc.ctx.Err() != nil
}

// Location names the current row for error messages
func (pc *ParseContext) Location() string {
	return fmt.Sprintf("%s line %d", pc.Source, pc.LineNumber)
}

// GetColumnIndex returns the index of a column by name, case-insensitively, or -1
func (pc *ParseContext) GetColumnIndex(name string) int {
	if index, ok := pc.HeaderMap[name]; ok {
		return index
	}
	for header, index := range pc.HeaderMap {
		if strings.EqualFold(header, name) {
			return index
		}
	}
	return -1
}

// OpenFile opens a CSV file. The caller closes the returned file.
func (bp *BaseParser) OpenFile(path string) (*os.File, error) {
	file, err := os.Open(path)
	if err != nil {
		bp.logger.WithError(err).WithField("file_path", path).Error("Failed to open CSV file")
		if os.IsNotExist(err) {
			return nil, errors.InputError(errors.CodeFileNotFound, path, "path", path, err)
		}
		return nil, errors.InputError(errors.CodeInvalidFormat, path, "path", path, err)
	}
	return file, nil
}

// NewReader wraps r in a csv.Reader configured with the dialect
func (bp *BaseParser) NewReader(r io.Reader) *csv.Reader {
	reader := csv.NewReader(r)
	reader.Comma = bp.config.Delimiter
	reader.Comment = bp.config.Comment
	reader.TrimLeadingSpace = bp.config.TrimLeadingSpace
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = false
	return reader
}

// ReadHeaders reads the header row and checks the required columns are present.
// Without a header row the required columns are assumed in order.
func (bp *BaseParser) ReadHeaders(reader *csv.Reader, pc *ParseContext, required []string) error {
	if !bp.config.HasHeader {
		pc.Headers = append([]string(nil), required...)
		bp.buildHeaderMap(pc)
		return nil
	}

	headers, err := reader.Read()
	if err == io.EOF {
		return errors.InputError(errors.CodeInvalidFormat, pc.Source, "header", pc.Source, fmt.Errorf("file is empty"))
	}
	if err != nil {
		return errors.InputError(errors.CodeInvalidFormat, pc.Source, "header", pc.Source, err)
	}
	pc.LineNumber++

	pc.Headers = make([]string, len(headers))
	for i, h := range headers {
		// a UTF-8 byte order mark sticks to the first header
		pc.Headers[i] = strings.TrimSpace(strings.TrimPrefix(h, "\uFEFF"))
	}
	bp.buildHeaderMap(pc)

	var missing []string
	for _, h := range required {
		if pc.GetColumnIndex(h) == -1 {
			missing = append(missing, h)
		}
	}
	if len(missing) > 0 {
		return errors.InputError(errors.CodeInvalidFormat, pc.Source, "header", pc.Source,
			fmt.Errorf("missing columns: %s", strings.Join(missing, ", "))).
			WithSuggestion(fmt.Sprintf("add the columns %s or map them in the parser configuration", strings.Join(missing, ", ")))
	}
	bp.logger.WithFields(logger.Fields{"source": pc.Source, "headers": pc.Headers}).Debug("Read headers")
	return nil
}

func (bp *BaseParser) buildHeaderMap(pc *ParseContext) {
	pc.HeaderMap = make(map[string]int, len(pc.Headers))
	for i, h := range pc.Headers {
		pc.HeaderMap[h] = i
	}
}

// ReadRecord returns the next non-empty row. A row that cannot be used is reported as an
// input error with a nil record; io.EOF ends the source.
func (bp *BaseParser) ReadRecord(reader *csv.Reader, pc *ParseContext) ([]string, error) {
	for {
		if pc.IsCancelled() {
			return nil, pc.ctx.Err()
		}
		record, err := reader.Read()
		if err == io.EOF {
			return nil, err
		}
		pc.LineNumber++
		if err != nil {
			return nil, errors.InputError(errors.CodeInvalidFormat, pc.Location(), "row", pc.Location(), err)
		}
		if bp.config.SkipEmptyRows && isEmptyRecord(record) {
			continue
		}
		for i, field := range record {
			if bp.config.MaxFieldSize > 0 && len(field) > bp.config.MaxFieldSize {
				return nil, errors.InputError(errors.CodeInvalidFormat, pc.Location(), fmt.Sprintf("column %d", i+1), pc.Location(),
					fmt.Errorf("field exceeds %d bytes", bp.config.MaxFieldSize))
			}
			if !utf8.ValidString(field) {
				return nil, errors.InputError(errors.CodeInvalidFormat, pc.Location(), fmt.Sprintf("column %d", i+1), pc.Location(),
					fmt.Errorf("invalid UTF-8"))
			}
		}
		return record, nil
	}
}

func isEmptyRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

// Field returns the trimmed value of a named column, or "" when the column is absent
func (bp *BaseParser) Field(record []string, pc *ParseContext, name string) string {
	if name == "" {
		return ""
	}
	index := pc.GetColumnIndex(name)
	if index < 0 || index >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[index])
}

// RequiredField returns the value of a column that must not be empty
func (bp *BaseParser) RequiredField(record []string, pc *ParseContext, name string) (string, error) {
	v := bp.Field(record, pc, name)
	if v == "" {
		return "", errors.InputError(errors.CodeMissingField, pc.Location(), name, nil, nil)
	}
	return v, nil
}

// ParseStats records the outcome of reading one or more sources
type ParseStats struct {
	Sources       int                       `json:"sources"`
	TotalLines    int                       `json:"total_lines"`
	RecordsParsed int                       `json:"records_parsed"`
	RecordsValid  int                       `json:"records_valid"`
	Errors        []*errors.ReconcilerError `json:"errors,omitempty"`
}

// NewParseStats creates empty statistics
func NewParseStats() *ParseStats {
	return &ParseStats{}
}

// AddError records a skipped row
func (ps *ParseStats) AddError(err error) {
	ps.Errors = append(ps.Errors, errors.WrapIfNeeded(err, errors.CategoryInput, errors.CodeInvalidValue, "invalid input row"))
}

// Merge adds the counts and errors of other
func (ps *ParseStats) Merge(other *ParseStats) {
	if other == nil {
		return
	}
	ps.Sources += other.Sources
	ps.TotalLines += other.TotalLines
	ps.RecordsParsed += other.RecordsParsed
	ps.RecordsValid += other.RecordsValid
	ps.Errors = append(ps.Errors, other.Errors...)
}

// HasErrors returns true if any row was skipped
func (ps *ParseStats) HasErrors() bool {
	return len(ps.Errors) > 0
}

// Summary groups the skipped rows by category and code
func (ps *ParseStats) Summary() *errors.ErrorSummary {
	return errors.NewErrorSummary(ps.Errors)
}

// String returns a human-readable summary of parsing statistics
func (ps *ParseStats) String() string {
	return fmt.Sprintf("Parsed %d lines, %d records (%d valid), %d errors",
		ps.TotalLines, ps.RecordsParsed, ps.RecordsValid, len(ps.Errors))
}

// GetSampleErrors returns up to maxSamples error messages
func (ps *ParseStats) GetSampleErrors(maxSamples int) []string {
	limit := len(ps.Errors)
	if maxSamples > 0 && maxSamples < limit {
		limit = maxSamples
	}
	samples := make([]string, 0, limit)
	for i := 0; i < limit; i++ {
		samples = append(samples, ps.Errors[i].Error())
	}
	return samples
}
