// Package reconciler runs matching over the stored statement transactions and journal
// entries.
//
// A run loads its scope, builds the entry index and counterparty history, then works in
// two phases. Candidate generation and scoring run in parallel over a snapshot of the
// entries already claimed by active matches. A single writer then commits decisions in
// date and id order; when an earlier commit of the same run took an entry a decision relied
// on, that transaction is regenerated against the live claims. Transactions still unmatched
// afterwards are offered to the N:1 pass, then the consistency checker runs over the scope.
//
// Example usage:
//
//	svc, err := reconciler.NewService(store, matcher.DefaultConfig(), checker, notifier,
//		reconciler.DefaultConfig(), log)
//	summary, err := svc.Run(ctx, reconciler.Request{StatementID: "STMT-2024-03"})
package reconciler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"ledger-reconciliation-service/internal/consistency"
	"ledger-reconciliation-service/internal/events"
	"ledger-reconciliation-service/internal/history"
	"ledger-reconciliation-service/internal/matcher"
	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/internal/storage"
	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

// RunSummary reports what one run did
type RunSummary struct {
	RunID     string        `json:"run_id"`
	AsOf      time.Time     `json:"as_of"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	// Processed counts the valid transactions in scope
	Processed     int `json:"processed"`
	AutoAccepted  int `json:"auto_accepted"`
	PendingReview int `json:"pending_review"`
	// Unmatched counts transactions left without an active match
	Unmatched  int `json:"unmatched"`
	Superseded int `json:"superseded"`
	// Unchanged counts transactions whose existing match was kept
	Unchanged   int `json:"unchanged"`
	Grouped     int `json:"grouped"`
	Released    int `json:"released"`
	Regenerated int `json:"regenerated"`
	Skipped     int `json:"skipped_input_errors"`
	Failed      int `json:"failed"`

	ChecksCreated    int    `json:"checks_created"`
	ChecksSuppressed int    `json:"checks_suppressed"`
	ChecksEscalated  int    `json:"checks_escalated"`
	FlaggedMatches   int    `json:"flagged_matches"`
	ConsistencyError string `json:"consistency_error,omitempty"`
	Notified         int    `json:"notified"`
	Cancelled        bool   `json:"cancelled"`

	Created     []*models.ReconciliationMatch `json:"created,omitempty"`
	InputErrors *errors.ErrorSummary          `json:"input_errors,omitempty"`
	Failures    []*errors.ReconcilerError     `json:"failures,omitempty"`
}

// Service runs reconciliation. Runs are serialized; a second Run waits for the first.
type Service struct {
	store    storage.Store
	matching *matcher.Config
	checker  *consistency.Checker
	notifier events.LedgerNotifier
	cfg      Config
	log      logger.Logger
	now      func() time.Time
	mu       sync.Mutex
}

// NewService validates the configuration and creates a run service. checker and notifier
// may be nil to skip the consistency pass and the ledger signal.
func NewService(
	store storage.Store,
	matching *matcher.Config,
	checker *consistency.Checker,
	notifier events.LedgerNotifier,
	cfg Config,
	log logger.Logger,
) (*Service, error) {
	if store == nil {
		return nil, errors.ConfigError(errors.CodeMissingConfig, "store", nil, nil)
	}
	if matching == nil {
		matching = matcher.DefaultConfig()
	}
	if err := matching.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Discard()
	}

	return &Service{
		store:    store,
		matching: matching,
		checker:  checker,
		notifier: notifier,
		cfg:      cfg,
		log:      log.WithComponent("reconciler"),
		now:      time.Now,
	}, nil
}

// runState is the mutable state of one run. Only the commit phase writes to it.
type runState struct {
	summary  *RunSummary
	claims   claimSet
	active   map[string]*models.ReconciliationMatch
	excluded map[string]map[string]bool
	failed   map[string]bool
	// groups holds every stored member of each N:1 group, active or not
	groups   map[string][]*models.ReconciliationMatch
	signal   []*models.ReconciliationMatch
	withdraw []*models.ReconciliationMatch
	log      logger.Logger
}

// Run matches every transaction in the request scope and returns the run summary. When the
// context is cancelled the run stops between transactions, keeps what it committed and
// returns the partial summary together with a cancellation error.
func (s *Service) Run(ctx context.Context, req Request) (*RunSummary, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	started := s.now()
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = started
	}
	st := &runState{
		summary:  &RunSummary{RunID: uuid.NewString(), AsOf: asOf, StartedAt: started},
		claims:   make(claimSet),
		active:   make(map[string]*models.ReconciliationMatch),
		excluded: make(map[string]map[string]bool),
		failed:   make(map[string]bool),
		groups:   make(map[string][]*models.ReconciliationMatch),
	}
	st.log = s.log.WithField("run_id", st.summary.RunID)
	st.log.WithFields(logger.Fields{
		"account_id":   req.AccountID,
		"statement_id": req.StatementID,
		"as_of":        asOf.Format(time.RFC3339),
	}).Info("Starting reconciliation run")

	txns, entries, err := s.load(ctx, req, st)
	if err != nil {
		return nil, err
	}
	if err := s.loadMatches(ctx, st); err != nil {
		return nil, err
	}
	if err := s.releaseBrokenGroups(ctx, st); err != nil {
		return nil, err
	}
	book, err := history.Load(ctx, s.store)
	if err != nil {
		return nil, err
	}

	index := matcher.NewEntryIndex(entries)
	m := matcher.NewMatcher(index, s.matching, book)
	st.log.WithFields(logger.Fields{
		"transactions":   len(txns),
		"entries":        index.Len(),
		"counterparties": book.Counterparties(),
	}).Debug("Index built")

	work := s.selectWork(txns, st)
	decisions, failures := s.score(ctx, m, work, st)
	runErr := s.commit(ctx, m, work, decisions, failures, st)
	if runErr == nil && s.cfg.GroupMatching {
		runErr = s.matchGroups(ctx, m, index, txns, st)
	}

	s.signalLedger(ctx, st)
	if runErr == nil && s.checker != nil && s.cfg.ConsistencyChecks {
		s.checkConsistency(ctx, txns, book, st)
	}

	for _, t := range txns {
		if st.active[t.ID] == nil {
			st.summary.Unmatched++
		}
	}
	st.summary.Duration = s.now().Sub(started)
	st.log.WithFields(logger.Fields{
		"processed":      st.summary.Processed,
		"auto_accepted":  st.summary.AutoAccepted,
		"pending_review": st.summary.PendingReview,
		"unmatched":      st.summary.Unmatched,
		"superseded":     st.summary.Superseded,
		"failed":         st.summary.Failed,
		"checks":         st.summary.ChecksCreated,
		"duration":       st.summary.Duration.String(),
	}).Info("Reconciliation run finished")
	return st.summary, runErr
}

// load reads the scope. Malformed items are skipped and reported as input errors.
func (s *Service) load(ctx context.Context, req Request, st *runState) ([]*models.BankStatementTransaction, []*models.JournalEntry, error) {
	stored, err := s.store.ListTransactions(ctx, storage.TxnFilter{
		AccountID:   req.AccountID,
		StatementID: req.StatementID,
		From:        req.From,
		To:          req.To,
	})
	if err != nil {
		return nil, nil, err
	}
	var inputErrs []*errors.ReconcilerError

	txns := make([]*models.BankStatementTransaction, 0, len(stored))
	for _, t := range stored {
		if err := t.Validate(); err != nil {
			inputErrs = append(inputErrs, errors.InputError(errors.CodeInvalidValue, t.ID, "transaction", err.Error(), err))
			continue
		}
		txns = append(txns, t)
	}
	sortTxns(txns)

	// entries are not limited to the date range so cross-period matches stay possible
	storedEntries, err := s.store.ListJournalEntries(ctx, storage.EntryFilter{AccountID: req.AccountID})
	if err != nil {
		return nil, nil, err
	}
	entries := make([]*models.JournalEntry, 0, len(storedEntries))
	for _, e := range storedEntries {
		if err := e.Validate(); err != nil {
			inputErrs = append(inputErrs, errors.InputError(errors.CodeInvalidValue, e.ID, "journal_entry", err.Error(), err))
			continue
		}
		entries = append(entries, e)
	}

	for _, ie := range inputErrs {
		st.log.WithError(ie).Warn("Skipping malformed input")
	}
	if len(inputErrs) > 0 {
		st.summary.Skipped = len(inputErrs)
		st.summary.InputErrors = errors.NewErrorSummary(inputErrs)
	}
	st.summary.Processed = len(txns)
	return txns, entries, nil
}

// loadMatches builds the claim set from every active match and the per-transaction set of
// rejected entry sets
func (s *Service) loadMatches(ctx context.Context, st *runState) error {
	matches, err := s.store.ListMatches(ctx, storage.MatchFilter{})
	if err != nil {
		return err
	}
	for _, m := range matches {
		if m.GroupID != "" {
			st.groups[m.GroupID] = append(st.groups[m.GroupID], m)
		}
		switch {
		case m.Status.IsActive():
			st.active[m.BankTxnID] = m
			st.claims.hold(m.BankTxnID, m.JournalEntryIDs)
		case m.Status == models.StatusRejected:
			st.exclude(m.BankTxnID, m.EntrySetKey())
		}
	}
	return nil
}

// releaseBrokenGroups withdraws the active members of N:1 groups in which some member is no
// longer active. Open members are superseded; auto-accepted members are rejected and
// withdrawn from the ledger. Accepted members keep their entry.
func (s *Service) releaseBrokenGroups(ctx context.Context, st *runState) error {
	groupIDs := make([]string, 0, len(st.groups))
	for id := range st.groups {
		groupIDs = append(groupIDs, id)
	}
	sort.Strings(groupIDs)

	at := s.now()
	var released, kept []*models.ReconciliationMatch
	for _, groupID := range groupIDs {
		members := st.groups[groupID]
		if !brokenGroup(members) {
			continue
		}
		for _, m := range members {
			next := models.StatusSuperseded
			switch m.Status {
			case models.StatusPending, models.StatusPendingReview:
			case models.StatusAutoAccepted:
				next = models.StatusRejected
			case models.StatusAccepted:
				kept = append(kept, m)
				st.log.WithFields(logger.Fields{"group_id": groupID, "match_id": m.ID}).
					Warn("Accepted member of a broken group kept")
				continue
			default:
				continue
			}
			r := m.Clone()
			if err := r.Transition(next, at); err != nil {
				return errors.InternalError("release group member "+m.ID, err)
			}
			r.ReviewNote = fmt.Sprintf("released from group %s", groupID)
			released = append(released, r)
		}
	}
	if len(released) == 0 {
		return nil
	}
	if err := s.store.SaveMatches(ctx, released); err != nil {
		return err
	}

	for _, r := range released {
		st.claims.release(r.BankTxnID, r.JournalEntryIDs)
		if active := st.active[r.BankTxnID]; active != nil && active.ID == r.ID {
			delete(st.active, r.BankTxnID)
		}
		if r.Status == models.StatusRejected {
			st.exclude(r.BankTxnID, r.EntrySetKey())
			st.withdraw = append(st.withdraw, r)
		}
	}
	for _, m := range kept {
		st.claims.hold(m.BankTxnID, m.JournalEntryIDs)
	}
	st.summary.Released = len(released)
	st.log.WithField("released", len(released)).Info("Broken groups released")
	return nil
}

func brokenGroup(members []*models.ReconciliationMatch) bool {
	for _, m := range members {
		if !m.Status.IsActive() {
			return true
		}
	}
	return false
}

// selectWork returns the transactions that need a decision. Settled matches and members of
// intact N:1 groups are never revisited.
func (s *Service) selectWork(txns []*models.BankStatementTransaction, st *runState) []*models.BankStatementTransaction {
	work := make([]*models.BankStatementTransaction, 0, len(txns))
	for _, t := range txns {
		if existing := st.active[t.ID]; existing != nil && (existing.Status.IsSettled() || existing.GroupID != "") {
			st.summary.Unchanged++
			continue
		}
		work = append(work, t)
	}
	return work
}

// score generates and scores candidates for every work item in parallel over a snapshot of
// the claim set
func (s *Service) score(ctx context.Context, m *matcher.Matcher, work []*models.BankStatementTransaction, st *runState) ([]matcher.Decision, []error) {
	snapshot := st.claims.clone()
	decisions := make([]matcher.Decision, len(work))
	failures := make([]error, len(work))

	p := pool.New().WithContext(ctx).WithMaxGoroutines(s.cfg.Workers)
	for i, txn := range work {
		i, txn := i, txn
		p.Go(func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			decisions[i], failures[i] = decide(m, txn, snapshot, st.excluded[txn.ID], st.summary.AsOf)
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		st.log.WithError(err).Debug("Scoring stopped early")
	}
	return decisions, failures
}

// decide isolates one transaction: a panic while matching fails that transaction only
func decide(m *matcher.Matcher, txn *models.BankStatementTransaction, claims matcher.ClaimView, excluded map[string]bool, asOf time.Time) (d matcher.Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.MatchingError(errors.CodeCandidateFailed, txn.ID, fmt.Errorf("%v", r))
		}
	}()
	return m.Match(txn, claims, excluded, asOf), nil
}

// commit applies decisions one transaction at a time in processing order
func (s *Service) commit(ctx context.Context, m *matcher.Matcher, work []*models.BankStatementTransaction, decisions []matcher.Decision, failures []error, st *runState) error {
	progress := logger.NewProgressTracker(logger.ProgressConfig{
		Operation:   "commit matches",
		Total:       int64(len(work)),
		LogInterval: s.cfg.ProgressInterval,
		Logger:      st.log,
	})
	defer progress.Complete()

	for i, txn := range work {
		if err := ctx.Err(); err != nil {
			st.summary.Cancelled = true
			return errors.MatchingError(errors.CodeRunCancelled, txn.ID, err)
		}
		progress.Increment()

		if failures[i] != nil {
			st.fail(txn.ID, failures[i])
			continue
		}
		d := decisions[i]
		if d.HasMatch() && st.claims.conflicts(txn.ID, d.Best.EntryIDs()) {
			st.summary.Regenerated++
			var err error
			if d, err = decide(m, txn, st.claims, st.excluded[txn.ID], st.summary.AsOf); err != nil {
				st.fail(txn.ID, err)
				continue
			}
		}
		if err := s.apply(ctx, txn, d, st); err != nil {
			st.fail(txn.ID, err)
		}
	}
	return nil
}

// apply persists one decision. An existing pending match is superseded only by a strictly
// better score on a different entry set.
func (s *Service) apply(ctx context.Context, txn *models.BankStatementTransaction, d matcher.Decision, st *runState) error {
	existing := st.active[txn.ID]
	if !d.HasMatch() {
		if existing != nil {
			st.summary.Unchanged++
		}
		return nil
	}

	ids := d.Best.EntryIDs()
	if existing != nil && (existing.EntrySetKey() == models.EntrySetKey(ids) || d.Score() <= existing.Score) {
		st.summary.Unchanged++
		return nil
	}

	match, err := s.newMatch(st, txn.ID, ids, d.Best.Kind, "", d.Best.Score, d.Best.Residual, d)
	if err != nil {
		return err
	}
	batch := []*models.ReconciliationMatch{match}
	var old *models.ReconciliationMatch
	if existing != nil {
		old = existing.Clone()
		if err := old.Transition(models.StatusSuperseded, s.now()); err != nil {
			return errors.InternalError("supersede match "+old.ID, err)
		}
		old.SupersededBy = match.ID
		batch = []*models.ReconciliationMatch{old, match}
	}
	if err := s.store.SaveMatches(ctx, batch); err != nil {
		return err
	}

	if old != nil {
		st.claims.release(txn.ID, old.JournalEntryIDs)
		st.summary.Superseded++
		st.log.WithFields(logger.Fields{
			"bank_txn_id": txn.ID,
			"old_match":   old.ID,
			"old_score":   old.Score,
			"new_score":   match.Score,
		}).Info("Match superseded")
	}
	st.claims.hold(txn.ID, ids)
	st.active[txn.ID] = match
	st.record(match)
	return nil
}

func (s *Service) newMatch(st *runState, txnID string, entryIDs []string, kind models.MatchKind, groupID string, score matcher.ScoreResult, residual decimal.Decimal, d matcher.Decision) (*models.ReconciliationMatch, error) {
	at := s.now()
	m := &models.ReconciliationMatch{
		ID:              uuid.NewString(),
		RunID:           st.summary.RunID,
		BankTxnID:       txnID,
		JournalEntryIDs: entryIDs,
		Kind:            kind,
		GroupID:         groupID,
		Score:           score.Total,
		Breakdown:       score.Breakdown,
		ResidualAmount:  residual,
		Ambiguous:       d.Ambiguous,
		Status:          models.StatusPending,
		CreatedAt:       at,
		UpdatedAt:       at,
	}
	if d.Status == models.StatusPendingReview {
		m.ReviewReason = d.Reason
	}
	if err := m.Transition(d.Status, at); err != nil {
		return nil, errors.InternalError("classify match for "+txnID, err)
	}
	return m, nil
}

// matchGroups offers every unclaimed entry to the transactions of its scope still left
// without an active match
func (s *Service) matchGroups(ctx context.Context, m *matcher.Matcher, index *matcher.EntryIndex, txns []*models.BankStatementTransaction, st *runState) error {
	open := make([]*models.BankStatementTransaction, 0, len(txns))
	for _, t := range txns {
		if st.active[t.ID] == nil && !st.failed[t.ID] {
			open = append(open, t)
		}
	}
	pool := matcher.NewTxnPool(open)

	for _, scope := range index.Scopes() {
		for _, entry := range index.Scope(scope) {
			if pool.Len(scope) < 2 {
				break
			}
			if err := ctx.Err(); err != nil {
				st.summary.Cancelled = true
				return errors.Wrap(err, errors.CategoryMatching, errors.CodeRunCancelled, "matching run cancelled during group matching")
			}
			if _, claimed := st.claims.ClaimedBy(entry.ID); claimed {
				continue
			}

			d := m.MatchGroups(entry, pool, st.summary.AsOf)
			if !d.HasMatch() || st.groupExcluded(d.Group) {
				continue
			}
			if err := s.saveGroup(ctx, d, st); err != nil {
				st.log.WithError(err).WithField("journal_entry_id", entry.ID).Warn("Group match not saved")
				continue
			}
			pool.Remove(d.Group.Txns...)
		}
	}
	return nil
}

// saveGroup stores one many_to_one match per group member under a shared group id
func (s *Service) saveGroup(ctx context.Context, d matcher.Decision, st *runState) error {
	groupID := uuid.NewString()
	entryIDs := []string{d.Group.Entry.ID}

	matches := make([]*models.ReconciliationMatch, 0, len(d.Group.Txns))
	for _, t := range d.Group.Txns {
		match, err := s.newMatch(st, t.ID, entryIDs, models.KindManyToOne, groupID, d.Group.Score, decimal.Zero, d)
		if err != nil {
			return err
		}
		matches = append(matches, match)
	}
	if err := s.store.SaveMatches(ctx, matches); err != nil {
		return err
	}

	st.claims.hold(d.Group.Txns[0].ID, entryIDs)
	for _, match := range matches {
		st.active[match.BankTxnID] = match
		st.record(match)
	}
	st.summary.Grouped += len(matches)
	st.log.WithFields(logger.Fields{
		"group_id":         groupID,
		"journal_entry_id": d.Group.Entry.ID,
		"members":          len(matches),
		"score":            d.Group.Score.Total,
	}).Info("Group match created")
	return nil
}

// signalLedger notifies the ledger of withdrawn and auto-accepted matches. Failures are
// logged; the matches stay committed.
func (s *Service) signalLedger(ctx context.Context, st *runState) {
	if s.notifier == nil || len(st.signal)+len(st.withdraw) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	pending := make([]events.MatchReconciled, 0, len(st.signal)+len(st.withdraw))
	for _, m := range st.withdraw {
		pending = append(pending, events.NewMatchUnreconciled(m, s.now()))
	}
	for _, m := range st.signal {
		pending = append(pending, events.NewMatchReconciled(m, s.now()))
	}
	for _, event := range pending {
		if err := s.notifier.Notify(ctx, event); err != nil {
			st.log.WithError(err).WithFields(logger.Fields{
				"match_id": event.MatchID,
				"action":   event.Action,
			}).Warn("Ledger signal failed")
			continue
		}
		st.summary.Notified++
	}
}

// checkConsistency runs the checker over the scope. Its failures never fail the run.
func (s *Service) checkConsistency(ctx context.Context, txns []*models.BankStatementTransaction, book *history.Book, st *runState) {
	all, err := s.store.ListTransactions(ctx, storage.TxnFilter{})
	if err != nil {
		st.consistencyFailed(err)
		return
	}
	active, err := s.store.ListMatches(ctx, storage.MatchFilter{Statuses: activeStatuses})
	if err != nil {
		st.consistencyFailed(err)
		return
	}

	res, err := s.checker.Run(ctx, consistency.Input{Scope: txns, All: all, Active: active, Book: book})
	if res != nil {
		st.summary.ChecksCreated = len(res.Created)
		st.summary.ChecksSuppressed = res.Suppressed
		st.summary.ChecksEscalated = len(res.Escalated)
		st.summary.FlaggedMatches = res.FlaggedMatches
	}
	if err != nil {
		st.consistencyFailed(err)
	}
}

var activeStatuses = []models.MatchStatus{
	models.StatusPending,
	models.StatusPendingReview,
	models.StatusAutoAccepted,
	models.StatusAccepted,
}

func (st *runState) record(m *models.ReconciliationMatch) {
	st.summary.Created = append(st.summary.Created, m)
	switch m.Status {
	case models.StatusAutoAccepted:
		st.summary.AutoAccepted++
		st.signal = append(st.signal, m)
	case models.StatusPendingReview:
		st.summary.PendingReview++
	}
}

func (st *runState) fail(txnID string, err error) {
	rerr := errors.WrapIfNeeded(err, errors.CategoryMatching, errors.CodeCandidateFailed,
		"matching failed for transaction "+txnID)
	st.failed[txnID] = true
	st.summary.Failed++
	st.summary.Failures = append(st.summary.Failures, rerr)
	st.log.WithError(rerr).WithField("bank_txn_id", txnID).Warn("Transaction left unmatched")
}

func (st *runState) exclude(txnID, entrySetKey string) {
	if st.excluded[txnID] == nil {
		st.excluded[txnID] = make(map[string]bool)
	}
	st.excluded[txnID][entrySetKey] = true
}

func (st *runState) consistencyFailed(err error) {
	st.summary.ConsistencyError = err.Error()
	st.log.WithError(err).Warn("Consistency pass incomplete")
}

// groupExcluded reports whether any member already had this entry rejected
func (st *runState) groupExcluded(g *matcher.ScoredGroup) bool {
	key := models.EntrySetKey([]string{g.Entry.ID})
	for _, t := range g.Txns {
		if st.excluded[t.ID][key] {
			return true
		}
	}
	return false
}

func sortTxns(txns []*models.BankStatementTransaction) {
	sort.SliceStable(txns, func(i, j int) bool {
		if !txns[i].Date.Equal(txns[j].Date) {
			return txns[i].Date.Before(txns[j].Date)
		}
		return txns[i].ID < txns[j].ID
	})
}
