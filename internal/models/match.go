package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MatchStatus is the lifecycle state of a reconciliation match
type MatchStatus string

const (
	StatusPending       MatchStatus = "pending"
	StatusAutoAccepted  MatchStatus = "auto_accepted"
	StatusPendingReview MatchStatus = "pending_review"
	StatusAccepted      MatchStatus = "accepted"
	StatusRejected      MatchStatus = "rejected"
	StatusSuperseded    MatchStatus = "superseded"
)

// matchTransitions is the complete set of legal status changes. Anything absent is illegal.
var matchTransitions = map[MatchStatus][]MatchStatus{
	StatusPending:       {StatusAutoAccepted, StatusPendingReview, StatusSuperseded},
	StatusPendingReview: {StatusAccepted, StatusRejected, StatusSuperseded},
	StatusAutoAccepted:  {StatusRejected},
	StatusAccepted:      nil,
	StatusRejected:      nil,
	StatusSuperseded:    nil,
}

// IsValid checks if the status is a known state
func (s MatchStatus) IsValid() bool {
	_, ok := matchTransitions[s]
	return ok
}

// CanTransition reports whether moving from s to next is allowed
func (s MatchStatus) CanTransition(next MatchStatus) bool {
	for _, allowed := range matchTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func (s MatchStatus) IsTerminal() bool {
	return s.IsValid() && len(matchTransitions[s]) == 0
}

// IsActive reports whether a match in this state holds its transaction and entries
func (s MatchStatus) IsActive() bool {
	return s.IsValid() && s != StatusRejected && s != StatusSuperseded
}

// IsSettled reports whether the match was confirmed and must never be replaced by a re-run
func (s MatchStatus) IsSettled() bool {
	return s == StatusAccepted || s == StatusAutoAccepted
}

// MatchKind describes the cardinality of a match
type MatchKind string

const (
	KindOneToOne  MatchKind = "one_to_one"
	KindOneToMany MatchKind = "one_to_many"
	KindManyToOne MatchKind = "many_to_one"
)

// ScoreBreakdown holds the per-dimension scores, each in [0,100]
type ScoreBreakdown struct {
	Amount      float64 `json:"amount"`
	Date        float64 `json:"date"`
	Description float64 `json:"description"`
	Business    float64 `json:"business"`
	History     float64 `json:"history"`
}

// ReconciliationMatch links one bank transaction to one or more journal entries
type ReconciliationMatch struct {
	ID              string          `json:"id"`
	RunID           string          `json:"run_id"`
	BankTxnID       string          `json:"bank_txn_id"`
	JournalEntryIDs []string        `json:"journal_entry_ids"`
	Kind            MatchKind       `json:"kind"`
	GroupID         string          `json:"group_id,omitempty"`
	Score           float64         `json:"match_score"`
	Breakdown       ScoreBreakdown  `json:"score_breakdown"`
	ResidualAmount  decimal.Decimal `json:"residual_amount"`
	Ambiguous       bool            `json:"ambiguous"`
	ReviewReason    string          `json:"review_reason,omitempty"`
	CheckIDs        []string        `json:"check_ids,omitempty"`
	ReviewNote      string          `json:"review_note,omitempty"`
	Status          MatchStatus     `json:"status"`
	SupersededBy    string          `json:"superseded_by,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Transition moves the match to next if the transition table allows it
func (m *ReconciliationMatch) Transition(next MatchStatus, at time.Time) error {
	if !m.Status.CanTransition(next) {
		return fmt.Errorf("match %s cannot move from %s to %s", m.ID, m.Status, next)
	}
	m.Status = next
	m.UpdatedAt = at
	return nil
}

// EntrySetKey returns the order-independent key of the matched entries
func (m *ReconciliationMatch) EntrySetKey() string {
	return EntrySetKey(m.JournalEntryIDs)
}

// HasCheck reports whether the check id is already attached
func (m *ReconciliationMatch) HasCheck(checkID string) bool {
	for _, id := range m.CheckIDs {
		if id == checkID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to mutate
func (m *ReconciliationMatch) Clone() *ReconciliationMatch {
	c := *m
	c.JournalEntryIDs = append([]string(nil), m.JournalEntryIDs...)
	c.CheckIDs = append([]string(nil), m.CheckIDs...)
	return &c
}
