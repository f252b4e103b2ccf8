// Package review manages the human side of reconciliation: the queue of matches awaiting
// a decision and the consistency checks that gate batch approval.
package review

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"ledger-reconciliation-service/internal/events"
	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/internal/storage"
	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

// Manager applies review actions. Actions are serialized so a batch sees a stable queue.
type Manager struct {
	mu       sync.Mutex
	store    storage.Store
	notifier events.LedgerNotifier
	log      logger.Logger
	now      func() time.Time
}

// NewManager creates a review manager. notifier may be nil.
func NewManager(store storage.Store, notifier events.LedgerNotifier, log logger.Logger) *Manager {
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{
		store:    store,
		notifier: notifier,
		log:      log.WithComponent("review"),
		now:      time.Now,
	}
}

// PendingFilter narrows the pending queue
type PendingFilter struct {
	AccountID   string
	StatementID string
	MinScore    float64
	Limit       int
}

// PendingItem is a pending match with the transaction it settles
type PendingItem struct {
	Match       *models.ReconciliationMatch       `json:"match"`
	Transaction *models.BankStatementTransaction `json:"transaction,omitempty"`
}

// ListPending returns pending_review matches, highest score first
func (m *Manager) ListPending(ctx context.Context, filter PendingFilter) ([]PendingItem, error) {
	matches, err := m.store.ListMatches(ctx, storage.MatchFilter{
		Statuses: []models.MatchStatus{models.StatusPendingReview},
	})
	if err != nil {
		return nil, err
	}

	items := make([]PendingItem, 0, len(matches))
	for _, match := range matches {
		if match.Score < filter.MinScore {
			continue
		}
		txn, err := m.store.GetTransaction(ctx, match.BankTxnID)
		if err != nil && !storage.IsNotFound(err) {
			return nil, err
		}
		if txn != nil {
			if filter.AccountID != "" && txn.AccountID != filter.AccountID {
				continue
			}
			if filter.StatementID != "" && txn.StatementID != filter.StatementID {
				continue
			}
		}
		items = append(items, PendingItem{Match: match, Transaction: txn})
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Match.Score != items[j].Match.Score {
			return items[i].Match.Score > items[j].Match.Score
		}
		return items[i].Match.ID < items[j].Match.ID
	})
	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items, nil
}

// Accept confirms a pending_review match and signals the ledger. The other members of an
// N:1 group are accepted with it.
func (m *Manager) Accept(ctx context.Context, matchID, note string) (*models.ReconciliationMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, err := m.transition(ctx, matchID, models.StatusPendingReview, models.StatusAccepted, note)
	if err != nil {
		return nil, err
	}
	for _, member := range members {
		m.signal(ctx, member)
	}
	return members[0], nil
}

// Reject refuses a pending_review match, together with the rest of its group. Its entry set
// is never proposed to the transaction again.
func (m *Manager) Reject(ctx context.Context, matchID, note string) (*models.ReconciliationMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, err := m.transition(ctx, matchID, models.StatusPendingReview, models.StatusRejected, note)
	if err != nil {
		return nil, err
	}
	return members[0], nil
}

// Reopen rejects an auto-accepted match after human inspection and tells the ledger the
// settlement no longer holds. A group is reopened as a whole.
func (m *Manager) Reopen(ctx context.Context, matchID, note string) (*models.ReconciliationMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, err := m.transition(ctx, matchID, models.StatusAutoAccepted, models.StatusRejected, note)
	if err != nil {
		return nil, err
	}
	for _, member := range members {
		m.unsignal(ctx, member)
	}
	return members[0], nil
}

// transition moves a match and its active group members from one status to another in a
// single write. The requested match is returned first.
func (m *Manager) transition(ctx context.Context, matchID string, from, to models.MatchStatus, note string) ([]*models.ReconciliationMatch, error) {
	match, err := m.load(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if match.Status != from {
		return nil, errors.ReviewError(errors.CodeInvalidTransition, "match "+matchID,
			fmt.Sprintf("status is %s, expected %s", match.Status, from))
	}
	members, err := m.withGroup(ctx, match)
	if err != nil {
		return nil, err
	}

	at := m.now()
	for _, member := range members {
		if member.Status != from {
			return nil, errors.ReviewError(errors.CodeInvalidTransition, "match "+matchID,
				fmt.Sprintf("group member %s is %s, expected %s", member.ID, member.Status, from))
		}
		if err := member.Transition(to, at); err != nil {
			return nil, errors.ReviewError(errors.CodeInvalidTransition, "match "+member.ID, err.Error())
		}
		member.ReviewNote = note
	}
	if err := m.store.SaveMatches(ctx, members); err != nil {
		return nil, err
	}

	fields := logger.Fields{"match_id": matchID, "status": to}
	if match.GroupID != "" {
		fields["group_id"] = match.GroupID
		fields["members"] = len(members)
	}
	m.log.WithFields(fields).Info("Match reviewed")
	return members, nil
}

// withGroup returns the match followed by the other active members of its group
func (m *Manager) withGroup(ctx context.Context, match *models.ReconciliationMatch) ([]*models.ReconciliationMatch, error) {
	members := []*models.ReconciliationMatch{match}
	if match.GroupID == "" {
		return members, nil
	}
	siblings, err := m.store.ListMatches(ctx, storage.MatchFilter{GroupID: match.GroupID})
	if err != nil {
		return nil, err
	}
	for _, sibling := range siblings {
		if sibling.ID != match.ID && sibling.Status.IsActive() {
			members = append(members, sibling)
		}
	}
	return members, nil
}

func (m *Manager) load(ctx context.Context, matchID string) (*models.ReconciliationMatch, error) {
	match, err := m.store.GetMatch(ctx, matchID)
	if storage.IsNotFound(err) {
		return nil, errors.ReviewError(errors.CodeNotFound, "match "+matchID, "")
	}
	return match, err
}

// BlockedItem names a batch member held back by open checks
type BlockedItem struct {
	MatchID  string   `json:"match_id"`
	TxnID    string   `json:"bank_txn_id"`
	CheckIDs []string `json:"check_ids"`
}

// BatchResult reports a batch action. Blocked is set only when the batch was refused.
type BatchResult struct {
	Processed []string      `json:"processed"`
	Blocked   []BlockedItem `json:"blocked,omitempty"`
}

// BatchAccept accepts every match or none. Any open medium or high check referencing a batch
// transaction blocks the whole batch; the result lists every blocked transaction.
func (m *Manager) BatchAccept(ctx context.Context, matchIDs []string, note string) (*BatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matches, err := m.loadBatch(ctx, matchIDs, "accept")
	if err != nil {
		return nil, err
	}

	open, err := m.store.ListChecks(ctx, storage.CheckFilter{Status: models.CheckOpen})
	if err != nil {
		return nil, err
	}
	var blocked []BlockedItem
	for _, match := range matches {
		var ids []string
		for _, c := range open {
			if c.BlocksApproval() && c.References(match.BankTxnID) {
				ids = append(ids, c.ID)
			}
		}
		if len(ids) > 0 {
			blocked = append(blocked, BlockedItem{MatchID: match.ID, TxnID: match.BankTxnID, CheckIDs: ids})
		}
	}
	if len(blocked) > 0 {
		parts := make([]string, len(blocked))
		for i, b := range blocked {
			parts[i] = fmt.Sprintf("%s (checks %s)", b.TxnID, strings.Join(b.CheckIDs, ","))
		}
		return &BatchResult{Blocked: blocked}, errors.ReviewError(errors.CodeBatchBlocked, "accept",
			"unresolved consistency checks on "+strings.Join(parts, "; ")).
			WithContext("blocked", blocked)
	}

	res, err := m.applyBatch(ctx, matches, models.StatusAccepted, note)
	if err != nil {
		return nil, err
	}
	for _, match := range matches {
		m.signal(ctx, match)
	}
	return res, nil
}

// BatchReject rejects every match or none. It is not gated by checks.
func (m *Manager) BatchReject(ctx context.Context, matchIDs []string, note string) (*BatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matches, err := m.loadBatch(ctx, matchIDs, "reject")
	if err != nil {
		return nil, err
	}
	return m.applyBatch(ctx, matches, models.StatusRejected, note)
}

// loadBatch loads all batch members and their group siblings, and refuses the batch if any
// is missing or not pending_review
func (m *Manager) loadBatch(ctx context.Context, matchIDs []string, action string) ([]*models.ReconciliationMatch, error) {
	if len(matchIDs) == 0 {
		return nil, errors.ReviewError(errors.CodeBatchInvalid, action, "no match ids given")
	}

	seen := make(map[string]bool, len(matchIDs))
	var matches []*models.ReconciliationMatch
	var invalid []string
	for _, id := range matchIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		match, err := m.store.GetMatch(ctx, id)
		switch {
		case storage.IsNotFound(err):
			invalid = append(invalid, id+" (not found)")
		case err != nil:
			return nil, err
		case match.Status != models.StatusPendingReview:
			invalid = append(invalid, fmt.Sprintf("%s (%s)", id, match.Status))
		default:
			members, err := m.withGroup(ctx, match)
			if err != nil {
				return nil, err
			}
			for _, member := range members {
				if member.ID != id && seen[member.ID] {
					continue
				}
				seen[member.ID] = true
				if member.Status != models.StatusPendingReview {
					invalid = append(invalid, fmt.Sprintf("%s (group member %s is %s)", id, member.ID, member.Status))
					continue
				}
				matches = append(matches, member)
			}
		}
	}
	if len(invalid) > 0 {
		return nil, errors.ReviewError(errors.CodeBatchInvalid, action,
			"not pending review: "+strings.Join(invalid, ", ")).
			WithContext("invalid", invalid)
	}
	return matches, nil
}

func (m *Manager) applyBatch(ctx context.Context, matches []*models.ReconciliationMatch, to models.MatchStatus, note string) (*BatchResult, error) {
	at := m.now()
	res := &BatchResult{}
	for _, match := range matches {
		if err := match.Transition(to, at); err != nil {
			return nil, errors.ReviewError(errors.CodeInvalidTransition, "match "+match.ID, err.Error())
		}
		match.ReviewNote = note
		res.Processed = append(res.Processed, match.ID)
	}
	if err := m.store.SaveMatches(ctx, matches); err != nil {
		return nil, err
	}

	m.log.WithFields(logger.Fields{"count": len(matches), "status": to}).Info("Batch reviewed")
	return res, nil
}

// signal notifies the ledger. A failed signal is logged; the match stays accepted.
func (m *Manager) signal(ctx context.Context, match *models.ReconciliationMatch) {
	m.notify(ctx, events.NewMatchReconciled(match, m.now()))
}

// unsignal withdraws an earlier settlement from the ledger
func (m *Manager) unsignal(ctx context.Context, match *models.ReconciliationMatch) {
	m.notify(ctx, events.NewMatchUnreconciled(match, m.now()))
}

func (m *Manager) notify(ctx context.Context, event events.MatchReconciled) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, event); err != nil {
		m.log.WithError(err).WithFields(logger.Fields{
			"match_id": event.MatchID,
			"action":   event.Action,
		}).Warn("Ledger signal failed")
	}
}

// ListOpenChecks returns the open checks, most severe first
func (m *Manager) ListOpenChecks(ctx context.Context, checkType models.CheckType) ([]*models.ConsistencyCheck, error) {
	checks, err := m.store.ListChecks(ctx, storage.CheckFilter{Status: models.CheckOpen, Type: checkType})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(checks, func(i, j int) bool {
		return checks[i].Severity.Rank() > checks[j].Severity.Rank()
	})
	return checks, nil
}

// CheckResolution reports a resolved check and the matches it undid
type CheckResolution struct {
	Check       *models.ConsistencyCheck `json:"check"`
	UndoneMatch []string                 `json:"undone_matches,omitempty"`
}

// ResolveCheck closes an open check. approve acknowledges the condition; flag closes it for
// follow-up; reject also rejects the active matches of the related transactions wherever the
// match lifecycle allows it.
func (m *Manager) ResolveCheck(ctx context.Context, checkID, action, note string) (*CheckResolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	resolution, err := models.ParseResolution(action)
	if err != nil {
		return nil, errors.ReviewError(errors.CodeInvalidTransition, "check "+checkID, err.Error())
	}
	check, err := m.store.GetCheck(ctx, checkID)
	if storage.IsNotFound(err) {
		return nil, errors.ReviewError(errors.CodeNotFound, "check "+checkID, "")
	}
	if err != nil {
		return nil, err
	}

	at := m.now()
	if err := check.Resolve(resolution, note, at); err != nil {
		return nil, errors.ReviewError(errors.CodeInvalidTransition, "check "+checkID, err.Error())
	}

	out := &CheckResolution{Check: check}
	var withdrawn []*models.ReconciliationMatch
	if resolution == models.ResolutionRejected {
		var undone []*models.ReconciliationMatch
		seen := make(map[string]bool)
		for _, txnID := range check.RelatedTxnIDs {
			matches, err := m.store.ListMatches(ctx, storage.MatchFilter{BankTxnID: txnID})
			if err != nil {
				return nil, err
			}
			for _, match := range matches {
				if seen[match.ID] || !match.Status.IsActive() || !match.Status.CanTransition(models.StatusRejected) {
					continue
				}
				members, err := m.withGroup(ctx, match)
				if err != nil {
					return nil, err
				}
				for _, member := range members {
					if seen[member.ID] || !member.Status.CanTransition(models.StatusRejected) {
						continue
					}
					seen[member.ID] = true
					settled := member.Status == models.StatusAutoAccepted
					if err := member.Transition(models.StatusRejected, at); err != nil {
						return nil, errors.InternalError("reject match "+member.ID, err)
					}
					member.ReviewNote = fmt.Sprintf("rejected with check %s", check.ID)
					undone = append(undone, member)
					out.UndoneMatch = append(out.UndoneMatch, member.ID)
					if settled {
						withdrawn = append(withdrawn, member)
					}
				}
			}
		}
		if len(undone) > 0 {
			if err := m.store.SaveMatches(ctx, undone); err != nil {
				return nil, err
			}
		}
	}

	if err := m.store.SaveChecks(ctx, []*models.ConsistencyCheck{check}); err != nil {
		return nil, err
	}
	m.log.WithFields(logger.Fields{
		"check_id":   checkID,
		"resolution": resolution,
		"undone":     len(out.UndoneMatch),
	}).Info("Consistency check resolved")
	for _, match := range withdrawn {
		m.unsignal(ctx, match)
	}
	return out, nil
}
