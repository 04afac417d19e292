package storage

import (
	"context"
	"database/sql"
	"fmt"

	"dues-reconciliation-service/pkg/errors"
)

// SchemaVersion is the schema version this build expects
const SchemaVersion = 3

// migration is one forward-only schema change
type migration struct {
	Version     int
	Description string
	Statements  []string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS residents (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				block TEXT NOT NULL DEFAULT '',
				house_number TEXT NOT NULL DEFAULT '',
				rt TEXT NOT NULL DEFAULT '',
				rw TEXT NOT NULL DEFAULT '',
				phone TEXT NOT NULL DEFAULT '',
				payment_index INTEGER NOT NULL DEFAULT 0,
				aliases TEXT NOT NULL DEFAULT '[]',
				active INTEGER NOT NULL DEFAULT 1
			)`,
			`CREATE TABLE IF NOT EXISTS payments (
				id TEXT PRIMARY KEY,
				resident_id TEXT NOT NULL,
				amount TEXT NOT NULL,
				payment_date TEXT NOT NULL,
				period_id TEXT NOT NULL DEFAULT '',
				schedule_item_ids TEXT NOT NULL DEFAULT '[]',
				notes TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_payments_amount_date ON payments(amount, payment_date)`,
			`CREATE TABLE IF NOT EXISTS transactions (
				id TEXT PRIMARY KEY,
				date TEXT NOT NULL,
				description TEXT NOT NULL,
				amount TEXT NOT NULL,
				balance TEXT,
				reference TEXT NOT NULL DEFAULT '',
				direction TEXT NOT NULL DEFAULT '',
				category TEXT NOT NULL DEFAULT '',
				omitted INTEGER NOT NULL DEFAULT 0,
				omit_reason TEXT NOT NULL DEFAULT '',
				state TEXT NOT NULL DEFAULT 'UNVERIFIED',
				matched_resident_id TEXT NOT NULL DEFAULT '',
				matched_payment_id TEXT NOT NULL DEFAULT '',
				match_confidence REAL NOT NULL DEFAULT 0,
				match_strategy TEXT NOT NULL DEFAULT '',
				import_batch TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_transactions_state ON transactions(state)`,
			`CREATE INDEX IF NOT EXISTS idx_transactions_date ON transactions(date)`,
			`CREATE TABLE IF NOT EXISTS audit_records (
				id TEXT PRIMARY KEY,
				transaction_id TEXT NOT NULL,
				action TEXT NOT NULL,
				confidence REAL NOT NULL DEFAULT 0,
				actor TEXT NOT NULL DEFAULT '',
				notes TEXT NOT NULL DEFAULT '',
				previous_resident_id TEXT NOT NULL DEFAULT '',
				previous_payment_id TEXT NOT NULL DEFAULT '',
				new_resident_id TEXT NOT NULL DEFAULT '',
				new_payment_id TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_transaction ON audit_records(transaction_id)`,
		},
	},
	{
		Version:     2,
		Description: "Make audit records append-only",
		Statements: []string{
			`CREATE TRIGGER IF NOT EXISTS audit_records_no_update
				BEFORE UPDATE ON audit_records
				BEGIN SELECT RAISE(ABORT, 'audit records are immutable'); END`,
			`CREATE TRIGGER IF NOT EXISTS audit_records_no_delete
				BEFORE DELETE ON audit_records
				BEGIN SELECT RAISE(ABORT, 'audit records are immutable'); END`,
		},
	},
	{
		Version:     3,
		Description: "Add learning records and custom rules",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS learning_records (
				resident_id TEXT PRIMARY KEY,
				data TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS custom_rules (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				priority INTEGER NOT NULL,
				enabled INTEGER NOT NULL DEFAULT 1,
				condition_json TEXT NOT NULL,
				action_json TEXT NOT NULL,
				confidence REAL NOT NULL DEFAULT 0,
				tags TEXT NOT NULL DEFAULT '[]',
				updated_at TEXT NOT NULL
			)`,
		},
	},
}

// migrate applies every migration newer than the stored user_version
func (r *SQLiteRepository) migrate(ctx context.Context) error {
	var current int
	if err := r.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return errors.StorageError(errors.CodeMigrationFailed, "read schema version", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := r.apply(ctx, m); err != nil {
			return errors.StorageError(errors.CodeMigrationFailed, fmt.Sprintf("migration %d", m.Version), err)
		}
		r.log.WithField("version", m.Version).WithField("description", m.Description).Info("Applied migration")
	}

	var final int
	if err := r.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&final); err != nil {
		return errors.StorageError(errors.CodeMigrationFailed, "verify schema version", err)
	}
	if final != SchemaVersion {
		return errors.StorageError(errors.CodeMigrationFailed, "verify schema version",
			fmt.Errorf("expected schema version %d, got %d", SchemaVersion, final))
	}
	return nil
}

func (r *SQLiteRepository) apply(ctx context.Context, m migration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
		return err
	}
	return tx.Commit()
}

// queryable is satisfied by both *sql.DB and *sql.Tx
type queryable interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
