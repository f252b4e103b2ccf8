// Package events signals the external ledger when a match is accepted or withdrawn.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledger-reconciliation-service/internal/models"
)

// TopicMatchReconciled is the default topic for accepted matches
const TopicMatchReconciled = "ledger.match_reconciled"

// Action says whether the ledger should settle or release the referenced entries
type Action string

const (
	ActionReconciled   Action = "reconciled"
	ActionUnreconciled Action = "unreconciled"
)

// MatchReconciled tells the ledger that a bank transaction is settled against its entries,
// or with ActionUnreconciled that an earlier settlement no longer holds.
type MatchReconciled struct {
	EventID         string             `json:"event_id"`
	Action          Action             `json:"action"`
	MatchID         string             `json:"match_id"`
	RunID           string             `json:"run_id"`
	BankTxnID       string             `json:"bank_txn_id"`
	JournalEntryIDs []string           `json:"journal_entry_ids"`
	GroupID         string             `json:"group_id,omitempty"`
	Status          models.MatchStatus `json:"status"`
	Score           float64            `json:"match_score"`
	ResidualAmount  decimal.Decimal    `json:"residual_amount"`
	OccurredAt      time.Time          `json:"occurred_at"`
}

// NewMatchReconciled builds the event for a settled match
func NewMatchReconciled(m *models.ReconciliationMatch, at time.Time) MatchReconciled {
	return MatchReconciled{
		EventID:         uuid.NewString(),
		Action:          ActionReconciled,
		MatchID:         m.ID,
		RunID:           m.RunID,
		BankTxnID:       m.BankTxnID,
		JournalEntryIDs: append([]string(nil), m.JournalEntryIDs...),
		GroupID:         m.GroupID,
		Status:          m.Status,
		Score:           m.Score,
		ResidualAmount:  m.ResidualAmount,
		OccurredAt:      at,
	}
}

// NewMatchUnreconciled builds the event for a settlement that was reopened or rejected.
// Status is the match's status after the change.
func NewMatchUnreconciled(m *models.ReconciliationMatch, at time.Time) MatchReconciled {
	event := NewMatchReconciled(m, at)
	event.Action = ActionUnreconciled
	return event
}

// LedgerNotifier delivers reconciliation events to the ledger
type LedgerNotifier interface {
	Notify(ctx context.Context, event MatchReconciled) error
	Close() error
}
