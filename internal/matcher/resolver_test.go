package matcher

import (
	"strings"
	"testing"

	"ledger-reconciliation-service/internal/models"
)

func scored(total, business float64, entries ...*models.JournalEntry) ScoredCandidate {
	kind := models.KindOneToOne
	if len(entries) > 1 {
		kind = models.KindOneToMany
	}
	return ScoredCandidate{
		Candidate: Candidate{Entries: entries, Kind: kind},
		Score: ScoreResult{
			Total:     total,
			Breakdown: models.ScoreBreakdown{Business: business},
		},
	}
}

func TestClassify(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		score  float64
		expect models.MatchStatus
	}{
		{100, models.StatusAutoAccepted},
		{85, models.StatusAutoAccepted},
		{84, models.StatusPendingReview},
		{60, models.StatusPendingReview},
		{59, ""},
		{0, ""},
	}
	for _, tt := range tests {
		if got := Classify(tt.score, cfg); got != tt.expect {
			t.Errorf("Classify(%f) = %q, want %q", tt.score, got, tt.expect)
		}
	}
}

func TestResolvePicksHighestScore(t *testing.T) {
	cfg := DefaultConfig()
	a := receipt("JE-A", "2024-03-15", "10", "")
	b := receipt("JE-B", "2024-03-15", "10", "")

	d := Resolve([]ScoredCandidate{scored(70, 100, a), scored(92, 100, b)}, cfg, "")
	if d.Best == nil || d.Best.Entries[0].ID != "JE-B" {
		t.Fatalf("expected JE-B, got %+v", d.Best)
	}
	if d.Status != models.StatusAutoAccepted || d.Ambiguous {
		t.Errorf("expected unambiguous auto_accepted, got %s ambiguous=%v", d.Status, d.Ambiguous)
	}
	if d.Considered != 2 {
		t.Errorf("expected 2 considered, got %d", d.Considered)
	}
}

func TestResolveTieBreakKeys(t *testing.T) {
	cfg := DefaultConfig()
	early := receipt("JE-Z", "2024-03-14", "10", "")
	late := receipt("JE-A", "2024-03-15", "10", "")
	part1 := receipt("JE-B", "2024-03-14", "5", "")
	part2 := receipt("JE-C", "2024-03-14", "5", "")

	tests := []struct {
		name       string
		candidates []ScoredCandidate
		winner     string
		ambiguous  bool
	}{
		{
			name:       "business score first",
			candidates: []ScoredCandidate{scored(90, 60, early), scored(89.6, 100, late)},
			winner:     "JE-A",
		},
		{
			name:       "outside epsilon the score wins",
			candidates: []ScoredCandidate{scored(90, 60, early), scored(89.4, 100, late)},
			winner:     "JE-Z",
		},
		{
			name:       "earliest entry date",
			candidates: []ScoredCandidate{scored(90, 100, late), scored(90, 100, early)},
			winner:     "JE-Z",
		},
		{
			name:       "fewer entries",
			candidates: []ScoredCandidate{scored(90, 100, part1, part2), scored(90, 100, early)},
			winner:     "JE-Z",
		},
		{
			name:       "lowest id list when everything else ties",
			candidates: []ScoredCandidate{scored(90, 100, early), scored(90, 100, part1)},
			winner:     "JE-B",
			ambiguous:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Resolve(tt.candidates, cfg, "")
			if d.Best == nil {
				t.Fatal("expected a winner")
			}
			if got := d.Best.Entries[0].ID; got != tt.winner {
				t.Errorf("expected %s, got %s", tt.winner, got)
			}
			if d.Ambiguous != tt.ambiguous {
				t.Errorf("expected ambiguous=%v, got %v", tt.ambiguous, d.Ambiguous)
			}
		})
	}
}

func TestResolveAmbiguousNeverAutoAccepts(t *testing.T) {
	cfg := DefaultConfig()
	a := receipt("JE-1", "2024-03-15", "10", "")
	b := receipt("JE-2", "2024-03-15", "10", "")

	d := Resolve([]ScoredCandidate{scored(97, 100, b), scored(97, 100, a)}, cfg, "")
	if d.Status != models.StatusPendingReview {
		t.Errorf("expected pending_review for a true tie, got %s", d.Status)
	}
	if !d.Ambiguous || !strings.Contains(d.Reason, "ambiguous") {
		t.Errorf("expected ambiguity to be reported, got %q", d.Reason)
	}
	if d.Best.Entries[0].ID != "JE-1" {
		t.Errorf("expected deterministic winner JE-1, got %s", d.Best.Entries[0].ID)
	}
}

func TestResolveForcedReviewAndNoMatch(t *testing.T) {
	cfg := DefaultConfig()
	a := receipt("JE-1", "2024-03-15", "10", "")

	d := Resolve([]ScoredCandidate{scored(95, 100, a)}, cfg, "subset search skipped")
	if d.Status != models.StatusPendingReview || d.Reason != "subset search skipped" {
		t.Errorf("expected forced review, got %s %q", d.Status, d.Reason)
	}

	d = Resolve([]ScoredCandidate{scored(40, 100, a)}, cfg, "")
	if d.HasMatch() || d.Best != nil {
		t.Errorf("expected no match below the review threshold, got %+v", d)
	}

	d = Resolve(nil, cfg, "")
	if d.HasMatch() || d.Reason != "no candidates" {
		t.Errorf("expected empty decision, got %+v", d)
	}
}

func TestResolveGroup(t *testing.T) {
	cfg := DefaultConfig()
	e := receipt("JE-1", "2024-03-15", "500", "")
	g1 := ScoredGroup{
		GroupCandidate: GroupCandidate{Entry: e, Txns: []*models.BankStatementTransaction{
			txnIn("T-1", "2024-03-14", "200", ""), txnIn("T-2", "2024-03-15", "300", ""),
		}},
		Score: ScoreResult{Total: 90, Breakdown: models.ScoreBreakdown{Business: 100}},
	}
	g2 := ScoredGroup{
		GroupCandidate: GroupCandidate{Entry: e, Txns: []*models.BankStatementTransaction{
			txnIn("T-3", "2024-03-15", "100", ""), txnIn("T-4", "2024-03-15", "150", ""), txnIn("T-5", "2024-03-15", "250", ""),
		}},
		Score: ScoreResult{Total: 90, Breakdown: models.ScoreBreakdown{Business: 100}},
	}

	d := ResolveGroup([]ScoredGroup{g2, g1}, cfg)
	if d.Group == nil || d.Group.TxnIDs()[0] != "T-1" {
		t.Fatalf("expected earliest group to win, got %+v", d.Group)
	}
	if d.Status != models.StatusAutoAccepted || d.Ambiguous {
		t.Errorf("expected auto_accepted, got %s ambiguous=%v", d.Status, d.Ambiguous)
	}
}
