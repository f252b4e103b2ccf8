// Package reporter renders run summaries, review queues and consistency checks.
//
// Supported output formats:
//   - Console: human-readable tables for the terminal
//   - JSON: structured data for programmatic consumption
//   - CSV: one row per match or check for spreadsheets
//
// Example usage:
//
//	gen, err := reporter.NewReportGenerator(&reporter.ReportConfig{Format: reporter.FormatJSON})
//	err = gen.WriteRunSummary(summary, os.Stdout)
package reporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/internal/parsers"
	"ledger-reconciliation-service/internal/reconciler"
	"ledger-reconciliation-service/internal/review"
)

// OutputFormat represents the supported report output formats
type OutputFormat string

const (
	FormatConsole OutputFormat = "console"
	FormatJSON    OutputFormat = "json"
	FormatCSV     OutputFormat = "csv"
)

// IsValid checks if the output format is supported
func (f OutputFormat) IsValid() bool {
	switch f {
	case FormatConsole, FormatJSON, FormatCSV:
		return true
	default:
		return false
	}
}

// ReportConfig holds configuration options for report generation
type ReportConfig struct {
	Format OutputFormat `json:"format"`

	// IncludeMatches lists the matches a run created
	IncludeMatches  bool `json:"include_matches"`
	IncludeFailures bool `json:"include_failures"`
	// MaxItems caps console lists; zero shows everything
	MaxItems int `json:"max_items"`

	CSVDelimiter rune `json:"csv_delimiter"`
	CSVHeaders   bool `json:"csv_headers"`
}

// DefaultReportConfig returns a default report configuration
func DefaultReportConfig() *ReportConfig {
	return &ReportConfig{
		Format:          FormatConsole,
		IncludeMatches:  false,
		IncludeFailures: true,
		MaxItems:        20,
		CSVDelimiter:    ',',
		CSVHeaders:      true,
	}
}

// Validate validates the report configuration
func (c *ReportConfig) Validate() error {
	if !c.Format.IsValid() {
		return fmt.Errorf("invalid output format: %s", c.Format)
	}
	if c.MaxItems < 0 {
		return fmt.Errorf("max items cannot be negative, got %d", c.MaxItems)
	}
	return nil
}

// ReportGenerator renders reports in the configured format
type ReportGenerator struct {
	config *ReportConfig
}

// NewReportGenerator creates a new report generator with the specified configuration
func NewReportGenerator(config *ReportConfig) (*ReportGenerator, error) {
	if config == nil {
		config = DefaultReportConfig()
	}
	if config.CSVDelimiter == 0 {
		config.CSVDelimiter = ','
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid report configuration: %w", err)
	}
	return &ReportGenerator{config: config}, nil
}

// GetConfiguration returns the current configuration
func (rg *ReportGenerator) GetConfiguration() *ReportConfig {
	return rg.config
}

// WriteRunSummary renders the outcome of one reconciliation run
func (rg *ReportGenerator) WriteRunSummary(summary *reconciler.RunSummary, w io.Writer) error {
	if summary == nil {
		return fmt.Errorf("run summary cannot be nil")
	}
	switch rg.config.Format {
	case FormatJSON:
		out := *summary
		if !rg.config.IncludeMatches {
			out.Created = nil
		}
		if !rg.config.IncludeFailures {
			out.Failures = nil
		}
		return writeJSON(w, out)
	case FormatCSV:
		return rg.writeMatchesCSV(summary.Created, w)
	}

	fmt.Fprintf(w, "RECONCILIATION RUN %s\n", summary.RunID)
	fmt.Fprintf(w, "As of:    %s\n", summary.AsOf.Format(time.RFC3339))
	fmt.Fprintf(w, "Duration: %v\n\n", summary.Duration)

	fmt.Fprintf(w, "=== SUMMARY ===\n")
	fmt.Fprintf(w, "Processed:      %d\n", summary.Processed)
	fmt.Fprintf(w, "Auto-accepted:  %d (%.1f%%)\n", summary.AutoAccepted, percentage(summary.AutoAccepted, summary.Processed))
	fmt.Fprintf(w, "Pending review: %d (%.1f%%)\n", summary.PendingReview, percentage(summary.PendingReview, summary.Processed))
	fmt.Fprintf(w, "Unmatched:      %d (%.1f%%)\n", summary.Unmatched, percentage(summary.Unmatched, summary.Processed))
	fmt.Fprintf(w, "Unchanged:      %d\n", summary.Unchanged)
	fmt.Fprintf(w, "Superseded:     %d\n", summary.Superseded)
	fmt.Fprintf(w, "Grouped (N:1):  %d\n", summary.Grouped)
	fmt.Fprintf(w, "Released:       %d\n", summary.Released)
	fmt.Fprintf(w, "Regenerated:    %d\n", summary.Regenerated)
	fmt.Fprintf(w, "Ledger signals: %d\n\n", summary.Notified)

	fmt.Fprintf(w, "=== CONSISTENCY ===\n")
	fmt.Fprintf(w, "Checks created:    %d\n", summary.ChecksCreated)
	fmt.Fprintf(w, "Checks suppressed: %d\n", summary.ChecksSuppressed)
	fmt.Fprintf(w, "Checks escalated:  %d\n", summary.ChecksEscalated)
	fmt.Fprintf(w, "Matches flagged:   %d\n", summary.FlaggedMatches)
	if summary.ConsistencyError != "" {
		fmt.Fprintf(w, "Incomplete:        %s\n", summary.ConsistencyError)
	}
	fmt.Fprintf(w, "\n")

	if summary.Skipped > 0 {
		fmt.Fprintf(w, "=== SKIPPED INPUT ===\n")
		fmt.Fprintf(w, "Skipped: %d\n", summary.Skipped)
		if summary.InputErrors != nil {
			for _, e := range summary.InputErrors.SampleErrors {
				fmt.Fprintf(w, "  - %s\n", e.Message)
			}
		}
		fmt.Fprintf(w, "\n")
	}

	if rg.config.IncludeFailures && len(summary.Failures) > 0 {
		fmt.Fprintf(w, "=== FAILURES (%d) ===\n", len(summary.Failures))
		for i, f := range summary.Failures {
			if rg.truncated(w, i, len(summary.Failures)) {
				break
			}
			fmt.Fprintf(w, "  - %s\n", f.Message)
		}
		fmt.Fprintf(w, "\n")
	}

	if rg.config.IncludeMatches && len(summary.Created) > 0 {
		fmt.Fprintf(w, "=== MATCHES CREATED (%d) ===\n", len(summary.Created))
		rg.printMatches(summary.Created, w)
		fmt.Fprintf(w, "\n")
	}

	if summary.Cancelled {
		fmt.Fprintf(w, "Run was cancelled; results above are partial.\n")
	}
	return nil
}

// WriteStats renders reconciliation progress for a scope
func (rg *ReportGenerator) WriteStats(stats *review.Stats, w io.Writer) error {
	if stats == nil {
		return fmt.Errorf("stats cannot be nil")
	}
	switch rg.config.Format {
	case FormatJSON:
		return writeJSON(w, stats)
	case FormatCSV:
		cw := rg.csvWriter(w)
		if rg.config.CSVHeaders {
			if err := cw.Write([]string{"Metric", "Value"}); err != nil {
				return fmt.Errorf("failed to write CSV headers: %w", err)
			}
		}
		rows := [][]string{
			{"total", strconv.Itoa(stats.Total)},
			{"matched", strconv.Itoa(stats.Matched)},
			{"pending_review", strconv.Itoa(stats.Pending)},
			{"unmatched", strconv.Itoa(stats.Unmatched)},
			{"match_rate", strconv.FormatFloat(stats.MatchRate, 'f', 2, 64)},
		}
		for _, b := range stats.ScoreDistribution {
			rows = append(rows, []string{"score_" + b.Label, strconv.Itoa(b.Count)})
		}
		for _, sev := range severitiesDesc {
			rows = append(rows, []string{"open_checks_" + string(sev), strconv.Itoa(stats.OpenChecks[sev])})
		}
		return writeCSVRows(cw, rows)
	}

	fmt.Fprintf(w, "=== RECONCILIATION STATUS ===\n")
	fmt.Fprintf(w, "Transactions:   %d\n", stats.Total)
	fmt.Fprintf(w, "Matched:        %d (%.1f%%)\n", stats.Matched, stats.MatchRate)
	fmt.Fprintf(w, "Pending review: %d (%.1f%%)\n", stats.Pending, percentage(stats.Pending, stats.Total))
	fmt.Fprintf(w, "Unmatched:      %d (%.1f%%)\n\n", stats.Unmatched, percentage(stats.Unmatched, stats.Total))

	fmt.Fprintf(w, "=== SCORE DISTRIBUTION ===\n")
	for _, b := range stats.ScoreDistribution {
		fmt.Fprintf(w, "%-7s %5d\n", b.Label, b.Count)
	}
	fmt.Fprintf(w, "\n=== OPEN CHECKS ===\n")
	for _, sev := range severitiesDesc {
		fmt.Fprintf(w, "%-7s %5d\n", strings.ToUpper(string(sev)), stats.OpenChecks[sev])
	}
	return nil
}

// WritePending renders the review queue
func (rg *ReportGenerator) WritePending(items []review.PendingItem, w io.Writer) error {
	switch rg.config.Format {
	case FormatJSON:
		return writeJSON(w, items)
	case FormatCSV:
		matches := make([]*models.ReconciliationMatch, 0, len(items))
		for _, it := range items {
			matches = append(matches, it.Match)
		}
		return rg.writeMatchesCSV(matches, w)
	}

	fmt.Fprintf(w, "Pending review: %d\n\n", len(items))
	for i, it := range items {
		if rg.truncated(w, i, len(items)) {
			break
		}
		m := it.Match
		fmt.Fprintf(w, "  %d. %s  score %.1f  txn %s -> %s\n", i+1, m.ID, m.Score, m.BankTxnID, strings.Join(m.JournalEntryIDs, ", "))
		if t := it.Transaction; t != nil {
			fmt.Fprintf(w, "     %s %s %s  %q\n", t.Date.Format("2006-01-02"), t.Amount.StringFixed(2), t.Currency, t.Description)
		}
		if m.ReviewReason != "" {
			fmt.Fprintf(w, "     reason: %s\n", m.ReviewReason)
		}
		if len(m.CheckIDs) > 0 {
			fmt.Fprintf(w, "     checks: %s\n", strings.Join(m.CheckIDs, ", "))
		}
	}
	return nil
}

// WriteChecks renders consistency checks, most severe first
func (rg *ReportGenerator) WriteChecks(checks []*models.ConsistencyCheck, w io.Writer) error {
	switch rg.config.Format {
	case FormatJSON:
		return writeJSON(w, checks)
	case FormatCSV:
		cw := rg.csvWriter(w)
		if rg.config.CSVHeaders {
			if err := cw.Write([]string{"ID", "Type", "Severity", "Status", "Transactions", "Resolution", "Created"}); err != nil {
				return fmt.Errorf("failed to write CSV headers: %w", err)
			}
		}
		rows := make([][]string, 0, len(checks))
		for _, c := range checks {
			rows = append(rows, []string{
				c.ID,
				string(c.CheckType),
				string(c.Severity),
				string(c.Status),
				strings.Join(c.RelatedTxnIDs, ";"),
				string(c.Resolution),
				c.CreatedAt.Format(time.RFC3339),
			})
		}
		return writeCSVRows(cw, rows)
	}

	fmt.Fprintf(w, "Consistency checks: %d\n\n", len(checks))
	groups := make(map[models.Severity][]*models.ConsistencyCheck)
	for _, c := range checks {
		groups[c.Severity] = append(groups[c.Severity], c)
	}
	for _, sev := range severitiesDesc {
		group := groups[sev]
		if len(group) == 0 {
			continue
		}
		fmt.Fprintf(w, "%s Severity (%d):\n", strings.ToUpper(string(sev)), len(group))
		for i, c := range group {
			if rg.truncated(w, i, len(group)) {
				break
			}
			fmt.Fprintf(w, "  - %s %s [%s] txns %s%s\n", c.ID, c.CheckType, c.Status,
				strings.Join(c.RelatedTxnIDs, ", "), formatDetails(c.Details))
		}
		fmt.Fprintf(w, "\n")
	}
	return nil
}

// WriteParseStats renders the outcome of an import
func (rg *ReportGenerator) WriteParseStats(stats *parsers.ParseStats, w io.Writer) error {
	if stats == nil {
		return fmt.Errorf("parse stats cannot be nil")
	}
	if rg.config.Format == FormatJSON {
		return writeJSON(w, stats)
	}
	fmt.Fprintf(w, "=== IMPORT ===\n")
	fmt.Fprintf(w, "Files:          %d\n", stats.Sources)
	fmt.Fprintf(w, "Rows read:      %d\n", stats.RecordsParsed)
	fmt.Fprintf(w, "Records loaded: %d\n", stats.RecordsValid)
	fmt.Fprintf(w, "Rows skipped:   %d\n", len(stats.Errors))
	for _, msg := range stats.GetSampleErrors(rg.config.MaxItems) {
		fmt.Fprintf(w, "  - %s\n", msg)
	}
	return nil
}

func (rg *ReportGenerator) printMatches(matches []*models.ReconciliationMatch, w io.Writer) {
	for i, m := range matches {
		if rg.truncated(w, i, len(matches)) {
			break
		}
		fmt.Fprintf(w, "  %d. %s %-14s score %5.1f  txn %s -> %s",
			i+1, m.ID, m.Status, m.Score, m.BankTxnID, strings.Join(m.JournalEntryIDs, ", "))
		if !m.ResidualAmount.IsZero() {
			fmt.Fprintf(w, "  residual %s", m.ResidualAmount.StringFixed(2))
		}
		fmt.Fprintf(w, "\n")
	}
}

func (rg *ReportGenerator) writeMatchesCSV(matches []*models.ReconciliationMatch, w io.Writer) error {
	cw := rg.csvWriter(w)
	if rg.config.CSVHeaders {
		headers := []string{
			"Match_ID", "Bank_Txn_ID", "Journal_Entry_IDs", "Kind", "Status", "Score",
			"Amount_Score", "Date_Score", "Description_Score", "Business_Score", "History_Score",
			"Residual", "Ambiguous", "Review_Reason", "Created",
		}
		if err := cw.Write(headers); err != nil {
			return fmt.Errorf("failed to write CSV headers: %w", err)
		}
	}
	rows := make([][]string, 0, len(matches))
	for _, m := range matches {
		b := m.Breakdown
		rows = append(rows, []string{
			m.ID,
			m.BankTxnID,
			strings.Join(m.JournalEntryIDs, ";"),
			string(m.Kind),
			string(m.Status),
			formatScore(m.Score),
			formatScore(b.Amount),
			formatScore(b.Date),
			formatScore(b.Description),
			formatScore(b.Business),
			formatScore(b.History),
			m.ResidualAmount.StringFixed(2),
			strconv.FormatBool(m.Ambiguous),
			m.ReviewReason,
			m.CreatedAt.Format(time.RFC3339),
		})
	}
	return writeCSVRows(cw, rows)
}

func (rg *ReportGenerator) csvWriter(w io.Writer) *csv.Writer {
	cw := csv.NewWriter(w)
	cw.Comma = rg.config.CSVDelimiter
	return cw
}

// truncated prints the overflow line once MaxItems entries were shown
func (rg *ReportGenerator) truncated(w io.Writer, i, total int) bool {
	if rg.config.MaxItems == 0 || i < rg.config.MaxItems {
		return false
	}
	fmt.Fprintf(w, "  ... and %d more\n", total-rg.config.MaxItems)
	return true
}

var severitiesDesc = []models.Severity{models.SeverityHigh, models.SeverityMedium, models.SeverityLow}

func writeJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func writeCSVRows(cw *csv.Writer, rows [][]string) error {
	for _, r := range rows {
		if err := cw.Write(r); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func formatDetails(details map[string]interface{}) string {
	if len(details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, details[k]))
	}
	return "  (" + strings.Join(parts, ", ") + ")"
}

func percentage(part, total int) float64 {
	if total == 0 {
		return 0.0
	}
	return float64(part) / float64(total) * 100.0
}
