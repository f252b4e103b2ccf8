package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

// Supported database/sql drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// SQLStore is a Store over database/sql. Queries are written with ? placeholders and
// rebound to $n for postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
	log    logger.Logger
}

var _ Store = (*SQLStore)(nil)

// OpenSQL opens the database, applies pending migrations and returns the store
func OpenSQL(ctx context.Context, driver, dsn string, log logger.Logger) (*SQLStore, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, errors.ConfigError(errors.CodeInvalidConfig, "storage.driver", driver, nil).
			WithSuggestion("use memory, sqlite3 or postgres")
	}
	if log == nil {
		log = logger.Discard()
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "open "+driver, err)
	}

	if driver == DriverSQLite {
		// a single connection serializes writers and keeps :memory: databases shared
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
			_ = db.Close()
			return nil, errors.StorageError(errors.CodeQueryFailed, "enable WAL", err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.StorageError(errors.CodeQueryFailed, "ping "+driver, err)
	}

	s := &SQLStore{db: db, driver: driver, log: log.WithComponent("storage")}
	if err := s.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders for the active driver
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) withTx(ctx context.Context, operation string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.StorageError(errors.CodeQueryFailed, operation, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return errors.StorageError(errors.CodeQueryFailed, operation, err)
	}
	if err := tx.Commit(); err != nil {
		return errors.StorageError(errors.CodeQueryFailed, operation, err)
	}
	return nil
}

const txnColumns = `id, statement_id, account_id, txn_date, description, amount, direction, currency, reference, counterparty`

func (s *SQLStore) SaveTransactions(ctx context.Context, txns []*models.BankStatementTransaction) error {
	query := s.rebind(`INSERT INTO bank_transactions (` + txnColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			statement_id = excluded.statement_id, account_id = excluded.account_id,
			txn_date = excluded.txn_date, description = excluded.description,
			amount = excluded.amount, direction = excluded.direction, currency = excluded.currency,
			reference = excluded.reference, counterparty = excluded.counterparty`)

	return s.withTx(ctx, "save transactions", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, t := range txns {
			if _, err := stmt.ExecContext(ctx, t.ID, t.StatementID, t.AccountID, formatTime(t.Date),
				t.Description, t.Amount.String(), string(t.Direction), t.Currency, t.Reference, t.Counterparty); err != nil {
				return fmt.Errorf("transaction %s: %w", t.ID, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) SaveJournalEntries(ctx context.Context, entries []*models.JournalEntry) error {
	query := s.rebind(`INSERT INTO journal_entries (id, account_id, entry_date, memo, currency, lines_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			account_id = excluded.account_id, entry_date = excluded.entry_date, memo = excluded.memo,
			currency = excluded.currency, lines_json = excluded.lines_json`)

	return s.withTx(ctx, "save journal entries", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, e := range entries {
			lines, err := json.Marshal(e.Lines)
			if err != nil {
				return fmt.Errorf("entry %s: %w", e.ID, err)
			}
			if _, err := stmt.ExecContext(ctx, e.ID, e.AccountID, formatTime(e.Date), e.Memo, e.Currency, string(lines)); err != nil {
				return fmt.Errorf("entry %s: %w", e.ID, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) GetTransaction(ctx context.Context, id string) (*models.BankStatementTransaction, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+txnColumns+` FROM bank_transactions WHERE id = ?`), id)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "get transaction", err)
	}
	txns, err := scanTransactions(rows)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "get transaction", err)
	}
	if len(txns) == 0 {
		return nil, notFound("transaction", id)
	}
	return txns[0], nil
}

func (s *SQLStore) ListTransactions(ctx context.Context, filter TxnFilter) ([]*models.BankStatementTransaction, error) {
	var where []string
	var args []interface{}
	if filter.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.StatementID != "" {
		where = append(where, "statement_id = ?")
		args = append(args, filter.StatementID)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+txnColumns+` FROM bank_transactions`+whereClause(where)), args...)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list transactions", err)
	}
	txns, err := scanTransactions(rows)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list transactions", err)
	}

	out := txns[:0]
	for _, t := range txns {
		if filter.matches(t) {
			out = append(out, t)
		}
	}
	sortTransactions(out)
	return out, nil
}

func scanTransactions(rows *sql.Rows) ([]*models.BankStatementTransaction, error) {
	defer rows.Close()

	var out []*models.BankStatementTransaction
	for rows.Next() {
		var t models.BankStatementTransaction
		var date, amount, direction string
		if err := rows.Scan(&t.ID, &t.StatementID, &t.AccountID, &date, &t.Description, &amount,
			&direction, &t.Currency, &t.Reference, &t.Counterparty); err != nil {
			return nil, err
		}
		var err error
		if t.Date, err = parseTime(date); err != nil {
			return nil, err
		}
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		t.Direction = models.Direction(direction)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListJournalEntries(ctx context.Context, filter EntryFilter) ([]*models.JournalEntry, error) {
	var where []string
	var args []interface{}
	if filter.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, filter.AccountID)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, account_id, entry_date, memo, currency, lines_json
		FROM journal_entries`+whereClause(where)), args...)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list journal entries", err)
	}
	defer rows.Close()

	var out []*models.JournalEntry
	for rows.Next() {
		var e models.JournalEntry
		var date, lines string
		if err := rows.Scan(&e.ID, &e.AccountID, &date, &e.Memo, &e.Currency, &lines); err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "list journal entries", err)
		}
		if e.Date, err = parseTime(date); err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "list journal entries", err)
		}
		if err := json.Unmarshal([]byte(lines), &e.Lines); err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "decode journal lines", err)
		}
		if filter.matches(&e) {
			out = append(out, &e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list journal entries", err)
	}
	sortEntries(out)
	return out, nil
}

const matchColumns = `id, run_id, bank_txn_id, journal_entry_ids, kind, group_id, score, breakdown_json,
	residual_amount, ambiguous, review_reason, check_ids, review_note, status, superseded_by, created_at, updated_at`

func (s *SQLStore) GetMatch(ctx context.Context, id string) (*models.ReconciliationMatch, error) {
	matches, err := s.queryMatches(ctx, "get match", `SELECT `+matchColumns+` FROM reconciliation_matches WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, notFound("match", id)
	}
	return matches[0], nil
}

func (s *SQLStore) ListMatches(ctx context.Context, filter MatchFilter) ([]*models.ReconciliationMatch, error) {
	var where []string
	var args []interface{}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.BankTxnID != "" {
		where = append(where, "bank_txn_id = ?")
		args = append(args, filter.BankTxnID)
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.GroupID != "" {
		where = append(where, "group_id = ?")
		args = append(args, filter.GroupID)
	}

	matches, err := s.queryMatches(ctx, "list matches", `SELECT `+matchColumns+` FROM reconciliation_matches`+whereClause(where), args...)
	if err != nil {
		return nil, err
	}
	sortMatches(matches)
	return matches, nil
}

func (s *SQLStore) queryMatches(ctx context.Context, operation, query string, args ...interface{}) ([]*models.ReconciliationMatch, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, operation, err)
	}
	defer rows.Close()

	var out []*models.ReconciliationMatch
	for rows.Next() {
		var m models.ReconciliationMatch
		var entryIDs, kind, breakdown, residual, checkIDs, status, created, updated string
		var ambiguous int
		if err := rows.Scan(&m.ID, &m.RunID, &m.BankTxnID, &entryIDs, &kind, &m.GroupID, &m.Score, &breakdown,
			&residual, &ambiguous, &m.ReviewReason, &checkIDs, &m.ReviewNote, &status, &m.SupersededBy, &created, &updated); err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, operation, err)
		}
		if err := decodeMatch(&m, entryIDs, kind, breakdown, residual, checkIDs, status, created, updated); err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, operation, err)
		}
		m.Ambiguous = ambiguous != 0
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, operation, err)
	}
	return out, nil
}

func decodeMatch(m *models.ReconciliationMatch, entryIDs, kind, breakdown, residual, checkIDs, status, created, updated string) error {
	var err error
	if err = json.Unmarshal([]byte(entryIDs), &m.JournalEntryIDs); err != nil {
		return err
	}
	if err = json.Unmarshal([]byte(breakdown), &m.Breakdown); err != nil {
		return err
	}
	if err = json.Unmarshal([]byte(checkIDs), &m.CheckIDs); err != nil {
		return err
	}
	if m.ResidualAmount, err = decimal.NewFromString(residual); err != nil {
		return err
	}
	if m.CreatedAt, err = parseTime(created); err != nil {
		return err
	}
	if m.UpdatedAt, err = parseTime(updated); err != nil {
		return err
	}
	m.Kind = models.MatchKind(kind)
	m.Status = models.MatchStatus(status)
	return nil
}

// SaveMatches upserts all matches in a single transaction: either every match is written or none
func (s *SQLStore) SaveMatches(ctx context.Context, matches []*models.ReconciliationMatch) error {
	query := s.rebind(`INSERT INTO reconciliation_matches (` + matchColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			run_id = excluded.run_id, bank_txn_id = excluded.bank_txn_id,
			journal_entry_ids = excluded.journal_entry_ids, kind = excluded.kind, group_id = excluded.group_id,
			score = excluded.score, breakdown_json = excluded.breakdown_json,
			residual_amount = excluded.residual_amount, ambiguous = excluded.ambiguous,
			review_reason = excluded.review_reason, check_ids = excluded.check_ids,
			review_note = excluded.review_note, status = excluded.status,
			superseded_by = excluded.superseded_by, updated_at = excluded.updated_at`)

	return s.withTx(ctx, "save matches", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, m := range matches {
			entryIDs, err := json.Marshal(nonNil(m.JournalEntryIDs))
			if err != nil {
				return fmt.Errorf("match %s entry ids: %w", m.ID, err)
			}
			breakdown, err := json.Marshal(m.Breakdown)
			if err != nil {
				return fmt.Errorf("match %s breakdown: %w", m.ID, err)
			}
			checkIDs, err := json.Marshal(nonNil(m.CheckIDs))
			if err != nil {
				return fmt.Errorf("match %s check ids: %w", m.ID, err)
			}
			ambiguous := 0
			if m.Ambiguous {
				ambiguous = 1
			}
			if _, err := stmt.ExecContext(ctx, m.ID, m.RunID, m.BankTxnID, string(entryIDs), string(m.Kind), m.GroupID,
				m.Score, string(breakdown), m.ResidualAmount.String(), ambiguous, m.ReviewReason, string(checkIDs),
				m.ReviewNote, string(m.Status), m.SupersededBy, formatTime(m.CreatedAt), formatTime(m.UpdatedAt)); err != nil {
				return fmt.Errorf("match %s: %w", m.ID, err)
			}
		}
		return nil
	})
}

const checkColumns = `id, check_type, severity, related_txn_ids, fingerprint, details_json, status,
	resolution, resolution_note, created_at, resolved_at`

func (s *SQLStore) GetCheck(ctx context.Context, id string) (*models.ConsistencyCheck, error) {
	checks, err := s.queryChecks(ctx, "get check", `SELECT `+checkColumns+` FROM consistency_checks WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(checks) == 0 {
		return nil, notFound("check", id)
	}
	return checks[0], nil
}

func (s *SQLStore) ListChecks(ctx context.Context, filter CheckFilter) ([]*models.ConsistencyCheck, error) {
	var where []string
	var args []interface{}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		where = append(where, "check_type = ?")
		args = append(args, string(filter.Type))
	}

	checks, err := s.queryChecks(ctx, "list checks", `SELECT `+checkColumns+` FROM consistency_checks`+whereClause(where), args...)
	if err != nil {
		return nil, err
	}
	out := checks[:0]
	for _, c := range checks {
		if filter.matches(c) {
			out = append(out, c)
		}
	}
	sortChecks(out)
	return out, nil
}

func (s *SQLStore) FindCheckByFingerprint(ctx context.Context, fingerprint string) (*models.ConsistencyCheck, error) {
	checks, err := s.queryChecks(ctx, "find check", `SELECT `+checkColumns+` FROM consistency_checks WHERE fingerprint = ?`, fingerprint)
	if err != nil {
		return nil, err
	}
	if len(checks) == 0 {
		return nil, nil
	}
	sortChecks(checks)
	return checks[len(checks)-1], nil
}

func (s *SQLStore) queryChecks(ctx context.Context, operation, query string, args ...interface{}) ([]*models.ConsistencyCheck, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, operation, err)
	}
	defer rows.Close()

	var out []*models.ConsistencyCheck
	for rows.Next() {
		var c models.ConsistencyCheck
		var checkType, severity, related, details, status, resolution, created string
		var resolved sql.NullString
		if err := rows.Scan(&c.ID, &checkType, &severity, &related, &c.Fingerprint, &details, &status,
			&resolution, &c.ResolutionNote, &created, &resolved); err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, operation, err)
		}
		if err := json.Unmarshal([]byte(related), &c.RelatedTxnIDs); err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, operation, err)
		}
		if err := json.Unmarshal([]byte(details), &c.Details); err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, operation, err)
		}
		if c.CreatedAt, err = parseTime(created); err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, operation, err)
		}
		if resolved.Valid {
			at, err := parseTime(resolved.String)
			if err != nil {
				return nil, errors.StorageError(errors.CodeQueryFailed, operation, err)
			}
			c.ResolvedAt = &at
		}
		c.CheckType = models.CheckType(checkType)
		c.Severity = models.Severity(severity)
		c.Status = models.CheckStatus(status)
		c.Resolution = models.Resolution(resolution)
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, operation, err)
	}
	return out, nil
}

func (s *SQLStore) SaveChecks(ctx context.Context, checks []*models.ConsistencyCheck) error {
	query := s.rebind(`INSERT INTO consistency_checks (` + checkColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			severity = excluded.severity, related_txn_ids = excluded.related_txn_ids,
			details_json = excluded.details_json, status = excluded.status,
			resolution = excluded.resolution, resolution_note = excluded.resolution_note,
			resolved_at = excluded.resolved_at`)

	return s.withTx(ctx, "save checks", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, c := range checks {
			related, err := json.Marshal(nonNil(c.RelatedTxnIDs))
			if err != nil {
				return fmt.Errorf("check %s related ids: %w", c.ID, err)
			}
			details, err := json.Marshal(c.Details)
			if err != nil {
				return fmt.Errorf("check %s details: %w", c.ID, err)
			}
			var resolved sql.NullString
			if c.ResolvedAt != nil {
				resolved = sql.NullString{String: formatTime(*c.ResolvedAt), Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, c.ID, string(c.CheckType), string(c.Severity), string(related),
				c.Fingerprint, string(details), string(c.Status), string(c.Resolution), c.ResolutionNote,
				formatTime(c.CreatedAt), resolved); err != nil {
				return fmt.Errorf("check %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// formatTime keeps the original offset so civil dates survive a round trip
func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
