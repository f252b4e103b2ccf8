package events

import (
	"context"
	"sync"

	"ledger-reconciliation-service/pkg/logger"
)

// LogNotifier writes events to the log. It is used when no broker is configured.
type LogNotifier struct {
	log logger.Logger
}

var _ LedgerNotifier = (*LogNotifier)(nil)

// NewLogNotifier creates a notifier that logs every event
func NewLogNotifier(log logger.Logger) *LogNotifier {
	return &LogNotifier{log: log.WithComponent("ledger-signal")}
}

func (n *LogNotifier) Notify(ctx context.Context, event MatchReconciled) error {
	entry := n.log.WithFields(logger.Fields{
		"match_id":    event.MatchID,
		"bank_txn_id": event.BankTxnID,
		"entries":     event.JournalEntryIDs,
		"status":      event.Status,
		"score":       event.Score,
	})
	if event.Action == ActionUnreconciled {
		entry.Info("Match unreconciled")
		return nil
	}
	entry.Info("Match reconciled")
	return nil
}

func (n *LogNotifier) Close() error { return nil }

// Recorder keeps events in memory. Tests and dry runs use it.
type Recorder struct {
	mu     sync.Mutex
	events []MatchReconciled
	// Err, when set, is returned by every Notify call
	Err error
}

var _ LedgerNotifier = (*Recorder)(nil)

func (r *Recorder) Notify(ctx context.Context, event MatchReconciled) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []MatchReconciled {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]MatchReconciled(nil), r.events...)
}

func (r *Recorder) Close() error { return nil }
