package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/shopspring/decimal"

	"dues-reconciliation-service/internal/models"
	"dues-reconciliation-service/pkg/errors"
	"dues-reconciliation-service/pkg/logger"
)

// timeLayout is fixed width so that stored timestamps sort chronologically
const timeLayout = "2006-01-02 15:04:05.000000000"

// SQLiteRepository implements Repository, LearningStore and RuleSource on
// a SQLite database
type SQLiteRepository struct {
	db  *sql.DB
	q   queryable
	tx  *sql.Tx
	log logger.Logger
}

// NewSQLiteRepository opens or creates the database at path and migrates
// it to the current schema. ":memory:" opens a private in-memory database.
func NewSQLiteRepository(ctx context.Context, path string) (*SQLiteRepository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.ConfigurationError(errors.CodeMissingConfig, "database.path", path, nil)
	}

	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, errors.FileError(errors.CodeFilePermission, filepath.Dir(path), err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "open database", err)
	}
	// One connection serializes writers and keeps ":memory:" databases whole
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.StorageError(errors.CodeQueryFailed, "ping database", err)
	}

	r := &SQLiteRepository{
		db:  db,
		q:   db,
		log: logger.GetGlobalLogger().WithComponent("storage").WithField("path", path),
	}
	if err := r.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// Close closes the database. It is a no-op on a transaction-bound repository.
func (r *SQLiteRepository) Close() error {
	if r.tx != nil {
		return nil
	}
	return r.db.Close()
}

// WithinTx runs fn inside one database transaction. Nested calls join the
// outer transaction.
func (r *SQLiteRepository) WithinTx(ctx context.Context, fn func(Repository) error) error {
	if r.tx != nil {
		return fn(r)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.StorageError(errors.CodeWriteFailed, "begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&SQLiteRepository{db: r.db, q: tx, tx: tx, log: r.log}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.StorageError(errors.CodeWriteFailed, "commit transaction", err)
	}
	return nil
}

// inTx runs fn in the bound transaction or a fresh one
func (r *SQLiteRepository) inTx(ctx context.Context, fn func(q queryable) error) error {
	return r.WithinTx(ctx, func(repo Repository) error {
		return fn(repo.(*SQLiteRepository).q)
	})
}

// ListActiveResidents returns active residents ordered by id
func (r *SQLiteRepository) ListActiveResidents(ctx context.Context) ([]*models.Resident, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, name, block, house_number, rt, rw, phone, payment_index, aliases, active
		FROM residents WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list residents", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Resident
	for rows.Next() {
		res, err := scanResident(rows)
		if err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "list residents", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list residents", err)
	}
	return out, nil
}

// GetResident returns one resident, active or not
func (r *SQLiteRepository) GetResident(ctx context.Context, id string) (*models.Resident, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, name, block, house_number, rt, rw, phone, payment_index, aliases, active
		FROM residents WHERE id = ?`, id)
	res, err := scanResident(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("resident", id)
	}
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "get resident", err)
	}
	return res, nil
}

// SaveResidents inserts or replaces residents
func (r *SQLiteRepository) SaveResidents(ctx context.Context, residents []*models.Resident) error {
	return r.inTx(ctx, func(q queryable) error {
		for _, res := range residents {
			if err := res.Validate(); err != nil {
				return errors.ValidationError(errors.CodeInvalidData, "resident", res.ID, err)
			}
			aliases, err := json.Marshal(res.Aliases)
			if err != nil {
				return errors.InternalError(errors.CodeUnexpectedError, "encode aliases", err)
			}
			_, err = q.ExecContext(ctx, `
				INSERT OR REPLACE INTO residents
					(id, name, block, house_number, rt, rw, phone, payment_index, aliases, active)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				res.ID, res.Name, res.Block, res.HouseNumber, res.RT, res.RW, res.Phone,
				res.PaymentIndex, string(aliases), boolInt(res.Active))
			if err != nil {
				return errors.StorageError(errors.CodeWriteFailed, "save resident", err).WithContext("resident_id", res.ID)
			}
		}
		return nil
	})
}

// SavePayments inserts or replaces payments
func (r *SQLiteRepository) SavePayments(ctx context.Context, payments []*models.Payment) error {
	return r.inTx(ctx, func(q queryable) error {
		for _, p := range payments {
			if err := p.Validate(); err != nil {
				return errors.ValidationError(errors.CodeInvalidData, "payment", p.ID, err)
			}
			items, err := json.Marshal(p.ScheduleItemIDs)
			if err != nil {
				return errors.InternalError(errors.CodeUnexpectedError, "encode schedule items", err)
			}
			_, err = q.ExecContext(ctx, `
				INSERT OR REPLACE INTO payments
					(id, resident_id, amount, payment_date, period_id, schedule_item_ids, notes)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				p.ID, p.ResidentID, p.Amount.String(), formatTime(p.PaymentDate), p.PeriodID, string(items), p.Notes)
			if err != nil {
				return errors.StorageError(errors.CodeWriteFailed, "save payment", err).WithContext("payment_id", p.ID)
			}
		}
		return nil
	})
}

// FindPayments returns payments of the query amount inside the window
func (r *SQLiteRepository) FindPayments(ctx context.Context, query models.PaymentQuery) ([]*models.Payment, error) {
	sqlQuery := `
		SELECT id, resident_id, amount, payment_date, period_id, schedule_item_ids, notes
		FROM payments WHERE amount = ? AND payment_date >= ? AND payment_date <= ?`
	args := []any{query.Amount.String(), formatTime(query.From), formatTime(query.To)}
	if query.ResidentID != "" {
		sqlQuery += ` AND resident_id = ?`
		args = append(args, query.ResidentID)
	}
	sqlQuery += ` ORDER BY payment_date, id`

	rows, err := r.q.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "find payments", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Payment
	for rows.Next() {
		var (
			p                  models.Payment
			amount, date, item string
		)
		if err := rows.Scan(&p.ID, &p.ResidentID, &amount, &date, &p.PeriodID, &item, &p.Notes); err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "find payments", err)
		}
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "find payments", err)
		}
		if p.PaymentDate, err = parseTime(date); err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "find payments", err)
		}
		if err := json.Unmarshal([]byte(item), &p.ScheduleItemIDs); err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "find payments", err)
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "find payments", err)
	}
	return out, nil
}

const transactionColumns = `id, date, description, amount, balance, reference, direction, category,
	omitted, omit_reason, state, matched_resident_id, matched_payment_id, match_confidence,
	match_strategy, import_batch, created_at, updated_at`

// SaveTransactions inserts mutations whose id is not stored yet
func (r *SQLiteRepository) SaveTransactions(ctx context.Context, transactions []*models.Transaction) (int, error) {
	inserted := 0
	err := r.inTx(ctx, func(q queryable) error {
		now := time.Now()
		for _, tx := range transactions {
			if err := tx.Validate(); err != nil {
				return errors.ValidationError(errors.CodeInvalidData, "transaction", tx.ID, err)
			}
			if tx.State == "" {
				tx.State = models.StateUnverified
			}
			if tx.CreatedAt.IsZero() {
				tx.CreatedAt = now
			}
			tx.UpdatedAt = now

			res, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO transactions (`+transactionColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, transactionArgs(tx)...)
			if err != nil {
				return errors.StorageError(errors.CodeWriteFailed, "save transaction", err).WithContext("transaction_id", tx.ID)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// GetTransaction returns one mutation
func (r *SQLiteRepository) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFoundError("transaction", id)
	}
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "get transaction", err)
	}
	return tx, nil
}

// ListTransactions returns mutations matching the filter ordered by date
func (r *SQLiteRepository) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*models.Transaction, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, s := range filter.States {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "state IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.ResidentID != "" {
		where = append(where, "matched_resident_id = ?")
		args = append(args, filter.ResidentID)
	}
	if filter.ImportBatch != "" {
		where = append(where, "import_batch = ?")
		args = append(args, filter.ImportBatch)
	}
	if !filter.From.IsZero() {
		where = append(where, "date >= ?")
		args = append(args, formatTime(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "date <= ?")
		args = append(args, formatTime(filter.To))
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list transactions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "list transactions", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list transactions", err)
	}
	return out, nil
}

// UpdateTransaction overwrites the mutable fields of a stored mutation
func (r *SQLiteRepository) UpdateTransaction(ctx context.Context, tx *models.Transaction) error {
	if err := tx.Validate(); err != nil {
		return errors.ValidationError(errors.CodeInvalidData, "transaction", tx.ID, err)
	}
	tx.UpdatedAt = time.Now()

	res, err := r.q.ExecContext(ctx, `
		UPDATE transactions SET category = ?, omitted = ?, omit_reason = ?, state = ?,
			matched_resident_id = ?, matched_payment_id = ?, match_confidence = ?,
			match_strategy = ?, updated_at = ?
		WHERE id = ?`,
		string(tx.Category), boolInt(tx.Omitted), tx.OmitReason, string(tx.State),
		tx.MatchedResidentID, tx.MatchedPaymentID, tx.MatchConfidence,
		string(tx.MatchStrategy), formatTime(tx.UpdatedAt), tx.ID)
	if err != nil {
		return errors.StorageError(errors.CodeWriteFailed, "update transaction", err).WithContext("transaction_id", tx.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundError("transaction", tx.ID)
	}
	return nil
}

// AppendAudit stores an audit record
func (r *SQLiteRepository) AppendAudit(ctx context.Context, record *models.AuditRecord) error {
	if err := record.Validate(); err != nil {
		return errors.ValidationError(errors.CodeInvalidData, "audit", record.ID, err)
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO audit_records (id, transaction_id, action, confidence, actor, notes,
			previous_resident_id, previous_payment_id, new_resident_id, new_payment_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.TransactionID, string(record.Action), record.Confidence, record.Actor,
		record.Notes, record.PreviousResidentID, record.PreviousPaymentID, record.NewResidentID,
		record.NewPaymentID, formatTime(record.CreatedAt))
	if err != nil {
		return errors.StorageError(errors.CodeWriteFailed, "append audit", err).WithContext("audit_id", record.ID)
	}
	return nil
}

// ListAudit returns audit records oldest first
func (r *SQLiteRepository) ListAudit(ctx context.Context, transactionID string) ([]*models.AuditRecord, error) {
	query := `SELECT id, transaction_id, action, confidence, actor, notes, previous_resident_id,
		previous_payment_id, new_resident_id, new_payment_id, created_at FROM audit_records`
	var args []any
	if transactionID != "" {
		query += ` WHERE transaction_id = ?`
		args = append(args, transactionID)
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list audit", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.AuditRecord
	for rows.Next() {
		var (
			a             models.AuditRecord
			action, stamp string
		)
		if err := rows.Scan(&a.ID, &a.TransactionID, &action, &a.Confidence, &a.Actor, &a.Notes,
			&a.PreviousResidentID, &a.PreviousPaymentID, &a.NewResidentID, &a.NewPaymentID, &stamp); err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "list audit", err)
		}
		a.Action = models.AuditAction(action)
		if a.CreatedAt, err = parseTime(stamp); err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "list audit", err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list audit", err)
	}
	return out, nil
}

// LoadLearning returns every stored learning record
func (r *SQLiteRepository) LoadLearning(ctx context.Context) ([]*models.LearningRecord, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT resident_id, data FROM learning_records ORDER BY resident_id`)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "load learning", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.LearningRecord
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "load learning", err)
		}
		var rec models.LearningRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			r.log.WithError(err).WithField("resident_id", id).Warn("Skipping unreadable learning record")
			continue
		}
		rec.ResidentID = id
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "load learning", err)
	}
	return out, nil
}

// SaveLearning inserts or replaces a resident's learning record
func (r *SQLiteRepository) SaveLearning(ctx context.Context, record *models.LearningRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return errors.InternalError(errors.CodeUnexpectedError, "encode learning record", err)
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO learning_records (resident_id, data, updated_at) VALUES (?, ?, ?)`,
		record.ResidentID, string(data), formatTime(record.UpdatedAt))
	if err != nil {
		return errors.StorageError(errors.CodeWriteFailed, "save learning", err).WithContext("resident_id", record.ResidentID)
	}
	return nil
}

// ListRules returns stored custom rules ordered by priority
func (r *SQLiteRepository) ListRules(ctx context.Context) ([]*models.RuleRecord, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, name, priority, enabled, condition_json, action_json, confidence, tags, updated_at
		FROM custom_rules ORDER BY priority, id`)
	if err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list rules", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.RuleRecord
	for rows.Next() {
		var (
			rec         models.RuleRecord
			enabled     int
			tags, stamp string
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Priority, &enabled, &rec.ConditionJSON,
			&rec.ActionJSON, &rec.Confidence, &tags, &stamp); err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "list rules", err)
		}
		rec.Enabled = enabled != 0
		if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "list rules", err)
		}
		if rec.UpdatedAt, err = parseTime(stamp); err != nil {
			return nil, errors.StorageError(errors.CodeQueryFailed, "list rules", err)
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.StorageError(errors.CodeQueryFailed, "list rules", err)
	}
	return out, nil
}

// SaveRule inserts or replaces a custom rule
func (r *SQLiteRepository) SaveRule(ctx context.Context, record *models.RuleRecord) error {
	tags, err := json.Marshal(record.Tags)
	if err != nil {
		return errors.InternalError(errors.CodeUnexpectedError, "encode rule tags", err)
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO custom_rules
			(id, name, priority, enabled, condition_json, action_json, confidence, tags, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.Name, record.Priority, boolInt(record.Enabled), record.ConditionJSON,
		record.ActionJSON, record.Confidence, string(tags), formatTime(record.UpdatedAt))
	if err != nil {
		return errors.StorageError(errors.CodeWriteFailed, "save rule", err).WithContext("rule_id", record.ID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResident(s scanner) (*models.Resident, error) {
	var (
		res     models.Resident
		aliases string
		active  int
	)
	if err := s.Scan(&res.ID, &res.Name, &res.Block, &res.HouseNumber, &res.RT, &res.RW,
		&res.Phone, &res.PaymentIndex, &aliases, &active); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(aliases), &res.Aliases); err != nil {
		return nil, fmt.Errorf("decode aliases of resident %s: %w", res.ID, err)
	}
	res.Active = active != 0
	return &res, nil
}

func scanTransaction(s scanner) (*models.Transaction, error) {
	var (
		tx                                models.Transaction
		date, amount, created, updated    string
		balance                           sql.NullString
		direction, category, state, strat string
		omitted                           int
	)
	if err := s.Scan(&tx.ID, &date, &tx.Description, &amount, &balance, &tx.Reference, &direction,
		&category, &omitted, &tx.OmitReason, &state, &tx.MatchedResidentID, &tx.MatchedPaymentID,
		&tx.MatchConfidence, &strat, &tx.ImportBatch, &created, &updated); err != nil {
		return nil, err
	}

	var err error
	if tx.Date, err = parseTime(date); err != nil {
		return nil, err
	}
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	if balance.Valid {
		b, err := decimal.NewFromString(balance.String)
		if err != nil {
			return nil, err
		}
		tx.Balance = &b
	}
	if tx.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if tx.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	tx.Direction = models.Direction(direction)
	tx.Category = models.Category(category)
	tx.State = models.VerificationState(state)
	tx.MatchStrategy = models.Strategy(strat)
	tx.Omitted = omitted != 0
	return &tx, nil
}

func transactionArgs(tx *models.Transaction) []any {
	var balance any
	if tx.Balance != nil {
		balance = tx.Balance.String()
	}
	return []any{
		tx.ID, formatTime(tx.Date), tx.Description, tx.Amount.String(), balance, tx.Reference,
		string(tx.Direction), string(tx.Category), boolInt(tx.Omitted), tx.OmitReason, string(tx.State),
		tx.MatchedResidentID, tx.MatchedPaymentID, tx.MatchConfidence, string(tx.MatchStrategy),
		tx.ImportBatch, formatTime(tx.CreatedAt), formatTime(tx.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.ParseInLocation(timeLayout, s, time.UTC)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
