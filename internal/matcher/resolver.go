package matcher

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"ledger-reconciliation-service/internal/models"
)

// ScoredCandidate is a candidate with its score
type ScoredCandidate struct {
	Candidate
	Score ScoreResult
}

// ScoredGroup is an N:1 group with its score
type ScoredGroup struct {
	GroupCandidate
	Score ScoreResult
}

// Decision is the outcome of resolving one transaction (or one N:1 group)
type Decision struct {
	// Status is auto_accepted, pending_review, or empty when nothing should be matched
	Status    models.MatchStatus
	Best      *ScoredCandidate
	Group     *ScoredGroup
	Ambiguous bool
	Reason    string
	// Considered is the number of scored alternatives
	Considered int
}

// HasMatch reports whether the decision creates a match
func (d Decision) HasMatch() bool {
	return d.Status != "" && (d.Best != nil || d.Group != nil)
}

// Score returns the winning score, or 0 when there is no winner
func (d Decision) Score() float64 {
	switch {
	case d.Best != nil:
		return d.Best.Score.Total
	case d.Group != nil:
		return d.Group.Score.Total
	}
	return 0
}

// Classify maps a score to the status a new match moves to, or "" below the review threshold
func Classify(score float64, cfg *Config) models.MatchStatus {
	switch {
	case score >= cfg.AutoAcceptThreshold:
		return models.StatusAutoAccepted
	case score >= cfg.ReviewThreshold:
		return models.StatusPendingReview
	}
	return ""
}

// tieKeys are the ordered preferences applied among candidates inside the tie window
type tieKeys struct {
	business float64
	firstDay int
	size     int
	ids      string
}

func compareKeys(a, b tieKeys) int {
	switch {
	case a.business != b.business:
		if a.business > b.business {
			return -1
		}
		return 1
	case a.firstDay != b.firstDay:
		if a.firstDay < b.firstDay {
			return -1
		}
		return 1
	case a.size != b.size:
		if a.size < b.size {
			return -1
		}
		return 1
	}
	return strings.Compare(a.ids, b.ids)
}

// sameRank reports a tie that survives every key except the id list
func sameRank(a, b tieKeys) bool {
	return a.business == b.business && a.firstDay == b.firstDay && a.size == b.size
}

func candidateKeys(c ScoredCandidate) tieKeys {
	first := 0
	if len(c.Entries) > 0 {
		first = c.Entries[0].Day()
		for _, e := range c.Entries[1:] {
			if e.Day() < first {
				first = e.Day()
			}
		}
	}
	return tieKeys{
		business: c.Score.Breakdown.Business,
		firstDay: first,
		size:     len(c.Entries),
		ids:      c.Key(),
	}
}

func groupKeys(g ScoredGroup) tieKeys {
	first := 0
	if len(g.Txns) > 0 {
		first = g.Txns[0].Day()
	}
	return tieKeys{
		business: g.Score.Breakdown.Business,
		firstDay: first,
		size:     len(g.Txns),
		ids:      models.EntrySetKey(g.TxnIDs()),
	}
}

// Resolve picks the winning candidate. Candidates within TieEpsilon of the top score are
// ordered by business score, earliest entry date, entry count and entry id list. When the
// first three keys still tie, the decision is marked ambiguous and never auto-accepted.
// forceReview, when non-empty, also prevents auto-acceptance and is recorded as the reason.
func Resolve(scored []ScoredCandidate, cfg *Config, forceReview string) Decision {
	d := Decision{Considered: len(scored)}
	if len(scored) == 0 {
		d.Reason = "no candidates"
		return d
	}

	top := scored[0].Score.Total
	for _, s := range scored[1:] {
		if s.Score.Total > top {
			top = s.Score.Total
		}
	}

	var tied []ScoredCandidate
	for _, s := range scored {
		if s.Score.Total >= top-cfg.TieEpsilon {
			tied = append(tied, s)
		}
	}
	keys := make(map[string]tieKeys, len(tied))
	for _, s := range tied {
		keys[s.Key()] = candidateKeys(s)
	}
	sort.SliceStable(tied, func(i, j int) bool {
		return compareKeys(keys[tied[i].Key()], keys[tied[j].Key()]) < 0
	})

	best := tied[0]
	d.Best = &best
	d.Ambiguous = len(tied) > 1 && sameRank(keys[tied[0].Key()], keys[tied[1].Key()])
	d.Status, d.Reason = classifyDecision(best.Score.Total, d.Ambiguous, forceReview, cfg)
	if d.Status == "" {
		d.Best = nil
	}
	return d
}

// ResolveGroup picks the winning N:1 group for one entry using the same rules as Resolve
func ResolveGroup(scored []ScoredGroup, cfg *Config) Decision {
	d := Decision{Considered: len(scored)}
	if len(scored) == 0 {
		d.Reason = "no groups"
		return d
	}

	top := scored[0].Score.Total
	for _, s := range scored[1:] {
		if s.Score.Total > top {
			top = s.Score.Total
		}
	}
	var tied []ScoredGroup
	for _, s := range scored {
		if s.Score.Total >= top-cfg.TieEpsilon {
			tied = append(tied, s)
		}
	}
	sort.SliceStable(tied, func(i, j int) bool {
		return compareKeys(groupKeys(tied[i]), groupKeys(tied[j])) < 0
	})

	best := tied[0]
	d.Group = &best
	d.Ambiguous = len(tied) > 1 && sameRank(groupKeys(tied[0]), groupKeys(tied[1]))
	d.Status, d.Reason = classifyDecision(best.Score.Total, d.Ambiguous, "", cfg)
	if d.Status == "" {
		d.Group = nil
	}
	return d
}

func classifyDecision(score float64, ambiguous bool, forceReview string, cfg *Config) (models.MatchStatus, string) {
	status := Classify(score, cfg)
	switch {
	case status == "":
		return "", fmt.Sprintf("best score %.1f below review threshold %.1f", score, cfg.ReviewThreshold)
	case status == models.StatusAutoAccepted && ambiguous:
		return models.StatusPendingReview, "ambiguous: more than one candidate ties for the top score"
	case status == models.StatusAutoAccepted && forceReview != "":
		return models.StatusPendingReview, forceReview
	case status == models.StatusPendingReview && ambiguous:
		return status, "ambiguous: more than one candidate ties for the top score"
	case status == models.StatusPendingReview:
		return status, fmt.Sprintf("score %.1f below auto-accept threshold %.1f", score, cfg.AutoAcceptThreshold)
	}
	return status, ""
}

// Matcher generates, scores and resolves candidates for single transactions
type Matcher struct {
	generator *Generator
	scorer    *Scorer
	cfg       *Config
}

// NewMatcher wires a generator and scorer over an index
func NewMatcher(index *EntryIndex, cfg *Config, history HistorySource) *Matcher {
	return &Matcher{
		generator: NewGenerator(index, cfg),
		scorer:    NewScorer(cfg, history),
		cfg:       cfg,
	}
}

// Config returns the matcher's configuration
func (m *Matcher) Config() *Config {
	return m.cfg
}

// Generator returns the underlying generator
func (m *Matcher) Generator() *Generator {
	return m.generator
}

// Match runs generation, scoring and resolution for one transaction
func (m *Matcher) Match(txn *models.BankStatementTransaction, claims ClaimView, excluded map[string]bool, asOf time.Time) Decision {
	gen := m.generator.Generate(txn, claims, excluded)
	scored := make([]ScoredCandidate, len(gen.Candidates))
	for i, c := range gen.Candidates {
		scored[i] = ScoredCandidate{Candidate: c, Score: m.scorer.Score(txn, c.Entries, asOf)}
	}

	force := ""
	if gen.SubsetSkipped {
		force = fmt.Sprintf("subset search skipped: more than %d entries in the +/-%d day window", m.cfg.Subset.SkipLimit, gen.Window)
	}
	d := Resolve(scored, m.cfg, force)
	if gen.SubsetSkipped && d.Best != nil && d.Best.Kind == models.KindOneToOne && d.Best.Score.Breakdown.Amount == 100 {
		// an exact 1:1 amount cannot be beaten by a skipped combination
		d.Status, d.Reason = classifyDecision(d.Best.Score.Total, d.Ambiguous, "", m.cfg)
	}
	return d
}

// MatchGroups scores and resolves the N:1 groups proposed for one entry
func (m *Matcher) MatchGroups(entry *models.JournalEntry, pool *TxnPool, asOf time.Time) Decision {
	groups := m.generator.GenerateGroups(entry, pool)
	scored := make([]ScoredGroup, len(groups))
	for i, g := range groups {
		scored[i] = ScoredGroup{GroupCandidate: g, Score: m.scorer.ScoreGroup(g.Txns, entry, asOf)}
	}
	return ResolveGroup(scored, m.cfg)
}
