package matcher

import (
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledger-reconciliation-service/internal/models"
)

// HistoryRecord is one earlier confirmed match of a counterparty
type HistoryRecord struct {
	Date     time.Time
	Category string
	Amount   decimal.Decimal
}

// HistorySource returns the confirmed matches recorded for a counterparty key
type HistorySource interface {
	Records(counterparty string) []HistoryRecord
}

// ScoreResult is the weighted total and the per-dimension breakdown
type ScoreResult struct {
	Total     float64               `json:"total"`
	Breakdown models.ScoreBreakdown `json:"breakdown"`
}

// Scorer binds a config and a history source so callers only pass the pair being scored
type Scorer struct {
	cfg     *Config
	history HistorySource
}

// NewScorer creates a scorer. history may be nil, in which case the history dimension is neutral.
func NewScorer(cfg *Config, history HistorySource) *Scorer {
	return &Scorer{cfg: cfg, history: history}
}

// Score scores one transaction against a set of journal entries
func (s *Scorer) Score(txn *models.BankStatementTransaction, entries []*models.JournalEntry, asOf time.Time) ScoreResult {
	return Score(txn, entries, s.cfg, asOf, s.history)
}

// ScoreGroup scores several transactions that together settle one entry
func (s *Scorer) ScoreGroup(txns []*models.BankStatementTransaction, entry *models.JournalEntry, asOf time.Time) ScoreResult {
	return ScoreGroup(txns, entry, s.cfg, asOf, s.history)
}

// Score computes the weighted score of a (transaction, entry set) pair.
// The result depends only on its arguments.
func Score(txn *models.BankStatementTransaction, entries []*models.JournalEntry, cfg *Config, asOf time.Time, history HistorySource) ScoreResult {
	entrySum := decimal.Zero
	memos := make([]string, 0, len(entries))
	maxGap := 0
	for _, e := range entries {
		entrySum = entrySum.Add(e.Amount())
		memos = append(memos, e.Memo)
		if gap := models.DaysBetween(txn.Date, e.Date); gap > maxGap {
			maxGap = gap
		}
	}

	b := models.ScoreBreakdown{
		Amount:      AmountScore(entrySum.Sub(txn.AbsAmount()), txn.AbsAmount(), cfg),
		Date:        DateScore(maxGap, cfg),
		Description: DescriptionScore([]string{txn.Description}, memos, cfg.Description),
		Business:    businessScore(txn.Direction, entries, cfg.Rules),
		History:     historyScore(txn, entries, cfg, asOf, history),
	}
	return ScoreResult{Total: total(b, cfg), Breakdown: b}
}

// ScoreGroup computes the weighted score of several transactions against one entry
func ScoreGroup(txns []*models.BankStatementTransaction, entry *models.JournalEntry, cfg *Config, asOf time.Time, history HistorySource) ScoreResult {
	txnSum := decimal.Zero
	descs := make([]string, 0, len(txns))
	maxGap := 0
	hist := 0.0
	entries := []*models.JournalEntry{entry}
	business := 100.0
	for _, t := range txns {
		txnSum = txnSum.Add(t.AbsAmount())
		descs = append(descs, t.Description)
		if gap := models.DaysBetween(t.Date, entry.Date); gap > maxGap {
			maxGap = gap
		}
		hist += historyScore(t, entries, cfg, asOf, history)
		business = math.Min(business, businessScore(t.Direction, entries, cfg.Rules))
	}

	b := models.ScoreBreakdown{
		Amount:      AmountScore(entry.Amount().Sub(txnSum), txnSum, cfg),
		Date:        DateScore(maxGap, cfg),
		Description: DescriptionScore(descs, []string{entry.Memo}, cfg.Description),
		Business:    business,
		History:     hist / float64(len(txns)),
	}
	return ScoreResult{Total: total(b, cfg), Breakdown: b}
}

func total(b models.ScoreBreakdown, cfg *Config) float64 {
	w := cfg.Weights
	t := w.Amount*b.Amount + w.Date*b.Date + w.Description*b.Description + w.Business*b.Business + w.History*b.History
	t = math.Max(0, math.Min(100, t))
	p := math.Pow10(cfg.ScorePrecision)
	return math.Round(t*p) / p
}

// AmountScore grades an absolute difference against the transaction amount base
func AmountScore(delta, base decimal.Decimal, cfg *Config) float64 {
	delta = delta.Abs()
	if delta.IsZero() {
		return 100
	}
	if base.IsPositive() && delta.Div(base).LessThanOrEqual(cfg.AmountPercentBand) {
		return 90
	}
	if delta.LessThanOrEqual(cfg.AmountAbsoluteBand) {
		return 70
	}
	cutoff := cfg.ZeroCutoff()
	if delta.GreaterThanOrEqual(cutoff) {
		return 0
	}
	ratio := cutoff.Sub(delta).Div(cutoff.Sub(cfg.AmountAbsoluteBand))
	return 70 * ratio.InexactFloat64()
}

// DateScore grades a civil-day gap
func DateScore(gap int, cfg *Config) float64 {
	if gap < 0 {
		gap = -gap
	}
	switch {
	case gap == 0:
		return 100
	case gap <= 3:
		return 90
	case gap <= 7:
		return 70
	case gap >= cfg.MaxDateWindow:
		return 0
	}
	return 70 * float64(cfg.MaxDateWindow-gap) / float64(cfg.MaxDateWindow-7)
}

// DescriptionScore returns the best similarity between any left text and any right text,
// also trying each side's texts joined together.
func DescriptionScore(left, right []string, cfg DescriptionConfig) float64 {
	best := -1.0
	for _, l := range withJoined(left) {
		for _, r := range withJoined(right) {
			if sim, ok := TextSimilarity(l, r, cfg); ok && sim > best {
				best = sim
			}
		}
	}
	if best < 0 {
		return cfg.EmptyScore
	}
	return best * 100
}

func withJoined(texts []string) []string {
	if len(texts) < 2 {
		return texts
	}
	return append(append([]string(nil), texts...), strings.Join(texts, " "))
}

func businessScore(dir models.Direction, entries []*models.JournalEntry, rules *RuleTable) float64 {
	score := 100.0
	for _, e := range entries {
		score = math.Min(score, rules.Lookup(dir, e.DebitType(), e.CreditType()).Score())
	}
	return score
}

func historyScore(txn *models.BankStatementTransaction, entries []*models.JournalEntry, cfg *Config, asOf time.Time, source HistorySource) float64 {
	h := cfg.History
	key := txn.CounterpartyKey()
	if source == nil || key == "" {
		return h.Neutral
	}

	asOfDay := models.DayNumber(asOf)
	categories := make(map[string]bool, len(entries))
	for _, e := range entries {
		categories[e.Category()] = true
	}

	seen := 0
	sum := decimal.Zero
	for _, r := range source.Records(key) {
		day := models.DayNumber(r.Date)
		if day > asOfDay || day < asOfDay-h.LookbackDays {
			continue
		}
		if categories[r.Category] {
			return math.Min(100, h.Neutral+h.Bonus)
		}
		seen++
		sum = sum.Add(r.Amount.Abs())
	}
	if seen == 0 {
		return h.Neutral
	}

	mean := sum.Div(decimal.NewFromInt(int64(seen)))
	factor := decimal.NewFromFloat(h.OutlierFactor)
	amt := txn.AbsAmount()
	if amt.GreaterThan(mean.Mul(factor)) || amt.Mul(factor).LessThan(mean) {
		return math.Max(0, h.Neutral-h.Penalty)
	}
	return h.Neutral
}
