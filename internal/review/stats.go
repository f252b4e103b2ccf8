package review

import (
	"context"
	"fmt"

	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/internal/storage"
)

// ScoreBucket counts active matches whose score falls in [Min, Max). The last bucket
// also counts Max itself.
type ScoreBucket struct {
	Label string  `json:"label"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// Stats summarizes reconciliation progress for a scope of transactions
type Stats struct {
	Total     int `json:"total"`
	Matched   int `json:"matched"`
	Pending   int `json:"pending_review"`
	Unmatched int `json:"unmatched"`
	// MatchRate is Matched / Total as a percentage
	MatchRate         float64                 `json:"match_rate"`
	ScoreDistribution []ScoreBucket           `json:"score_distribution"`
	OpenChecks        map[models.Severity]int `json:"open_checks"`
}

func newBuckets() []ScoreBucket {
	return []ScoreBucket{
		{Label: "0-59", Min: 0, Max: 60},
		{Label: "60-69", Min: 60, Max: 70},
		{Label: "70-84", Min: 70, Max: 85},
		{Label: "85-94", Min: 85, Max: 95},
		{Label: "95-100", Min: 95, Max: 100},
	}
}

// bucketFor returns the index of the bucket holding score, or -1 outside every bucket
func bucketFor(buckets []ScoreBucket, score float64) int {
	for i, b := range buckets {
		if score >= b.Min && (score < b.Max || (i == len(buckets)-1 && score == b.Max)) {
			return i
		}
	}
	return -1
}

// Stats counts transactions in the filter scope by the state of their active match.
// Matched covers accepted and auto_accepted.
func (m *Manager) Stats(ctx context.Context, filter storage.TxnFilter) (*Stats, error) {
	txns, err := m.store.ListTransactions(ctx, filter)
	if err != nil {
		return nil, err
	}
	matches, err := m.store.ListMatches(ctx, storage.MatchFilter{})
	if err != nil {
		return nil, err
	}

	active := make(map[string]*models.ReconciliationMatch)
	for _, match := range matches {
		if match.Status.IsActive() {
			active[match.BankTxnID] = match
		}
	}

	st := &Stats{
		Total:             len(txns),
		ScoreDistribution: newBuckets(),
		OpenChecks:        make(map[models.Severity]int),
	}
	for _, t := range txns {
		match, ok := active[t.ID]
		switch {
		case !ok:
			st.Unmatched++
			continue
		case match.Status.IsSettled():
			st.Matched++
		case match.Status == models.StatusPendingReview:
			st.Pending++
		default:
			st.Unmatched++
		}
		if i := bucketFor(st.ScoreDistribution, match.Score); i >= 0 {
			st.ScoreDistribution[i].Count++
		}
	}
	if st.Total > 0 {
		st.MatchRate = float64(st.Matched) * 100 / float64(st.Total)
	}

	checks, err := m.store.ListChecks(ctx, storage.CheckFilter{Status: models.CheckOpen})
	if err != nil {
		return nil, err
	}
	for _, c := range checks {
		st.OpenChecks[c.Severity]++
	}
	return st, nil
}

// String renders the headline numbers
func (s *Stats) String() string {
	return fmt.Sprintf("total=%d matched=%d pending=%d unmatched=%d rate=%.1f%%",
		s.Total, s.Matched, s.Pending, s.Unmatched, s.MatchRate)
}
