package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ledger-reconciliation-service/pkg/errors"
)

// Migration is one forward-only schema change
type Migration struct {
	Version int
	Name    string
	Up      []string
}

// allMigrations run in order. The statements are portable across sqlite3 and postgres.
var allMigrations = []Migration{
	{
		Version: 1,
		Name:    "initial_schema",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS bank_transactions (
				id TEXT PRIMARY KEY,
				statement_id TEXT NOT NULL,
				account_id TEXT NOT NULL,
				txn_date TEXT NOT NULL,
				description TEXT NOT NULL,
				amount TEXT NOT NULL,
				direction TEXT NOT NULL,
				currency TEXT NOT NULL,
				reference TEXT NOT NULL DEFAULT '',
				counterparty TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_bank_transactions_account ON bank_transactions (account_id, statement_id)`,
			`CREATE TABLE IF NOT EXISTS journal_entries (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL,
				entry_date TEXT NOT NULL,
				memo TEXT NOT NULL,
				currency TEXT NOT NULL,
				lines_json TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_journal_entries_account ON journal_entries (account_id)`,
			`CREATE TABLE IF NOT EXISTS reconciliation_matches (
				id TEXT PRIMARY KEY,
				run_id TEXT NOT NULL,
				bank_txn_id TEXT NOT NULL,
				journal_entry_ids TEXT NOT NULL,
				kind TEXT NOT NULL,
				group_id TEXT NOT NULL DEFAULT '',
				score DOUBLE PRECISION NOT NULL,
				breakdown_json TEXT NOT NULL,
				residual_amount TEXT NOT NULL,
				ambiguous INTEGER NOT NULL DEFAULT 0,
				review_reason TEXT NOT NULL DEFAULT '',
				check_ids TEXT NOT NULL DEFAULT '[]',
				status TEXT NOT NULL,
				superseded_by TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_matches_txn ON reconciliation_matches (bank_txn_id)`,
			`CREATE INDEX IF NOT EXISTS idx_matches_status ON reconciliation_matches (status)`,
			`CREATE TABLE IF NOT EXISTS consistency_checks (
				id TEXT PRIMARY KEY,
				check_type TEXT NOT NULL,
				severity TEXT NOT NULL,
				related_txn_ids TEXT NOT NULL,
				fingerprint TEXT NOT NULL,
				details_json TEXT NOT NULL,
				status TEXT NOT NULL,
				resolution TEXT NOT NULL DEFAULT '',
				resolution_note TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				resolved_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_checks_fingerprint ON consistency_checks (fingerprint)`,
			`CREATE INDEX IF NOT EXISTS idx_checks_status ON consistency_checks (status)`,
		},
	},
	{
		Version: 2,
		Name:    "add_match_group_index",
		Up: []string{
			`CREATE INDEX IF NOT EXISTS idx_matches_group ON reconciliation_matches (group_id)`,
		},
	},
	{
		Version: 3,
		Name:    "add_match_review_note",
		Up: []string{
			`ALTER TABLE reconciliation_matches ADD COLUMN review_note TEXT NOT NULL DEFAULT ''`,
		},
	},
}

func (s *SQLStore) runMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return errors.StorageError(errors.CodeMigrationFailed, "create schema_migrations", err)
	}

	applied, err := s.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, m := range allMigrations {
		if applied[m.Version] {
			continue
		}
		s.log.WithField("version", m.Version).Infof("Running migration %s", m.Name)

		if err := s.applyMigration(ctx, m); err != nil {
			return errors.StorageError(errors.CodeMigrationFailed, fmt.Sprintf("%d (%s)", m.Version, m.Name), err)
		}
	}
	return nil
}

func (s *SQLStore) applyMigration(ctx context.Context, m Migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, stmt := range m.Up {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`),
		m.Version, m.Name, time.Now().UTC().Format(time.RFC3339)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) appliedMigrations(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, errors.StorageError(errors.CodeMigrationFailed, "read schema_migrations", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, errors.StorageError(errors.CodeMigrationFailed, "read schema_migrations", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// SchemaVersion returns the highest applied migration version
func (s *SQLStore) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, errors.StorageError(errors.CodeQueryFailed, "schema version", err)
	}
	return int(v.Int64), nil
}
