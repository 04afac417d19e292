// Package storage persists residents, payments, bank mutations, audit
// records, learning records and custom rules.
//
// The core consumes storage only through the Repository interface. Learning
// records and custom rules are optional capabilities exposed by the
// LearningStore and RuleSource interfaces; callers type-assert for them and
// treat a repository without them as having none.
//
// Example usage:
//
//	repo, err := storage.NewSQLiteRepository(ctx, "data/dues.db")
//	if err != nil {
//		return err
//	}
//	defer repo.Close()
//
//	err = repo.WithinTx(ctx, func(r storage.Repository) error {
//		if err := r.UpdateTransaction(ctx, tx); err != nil {
//			return err
//		}
//		return r.AppendAudit(ctx, record)
//	})
package storage

import (
	"context"
	"time"

	"dues-reconciliation-service/internal/models"
)

// TransactionFilter selects stored mutations. Zero fields do not filter.
type TransactionFilter struct {
	States      []models.VerificationState
	ResidentID  string
	ImportBatch string
	From        time.Time
	To          time.Time
	Limit       int
}

// Repository is the storage boundary of the reconciliation core
type Repository interface {
	ListActiveResidents(ctx context.Context) ([]*models.Resident, error)
	GetResident(ctx context.Context, id string) (*models.Resident, error)
	SaveResidents(ctx context.Context, residents []*models.Resident) error

	SavePayments(ctx context.Context, payments []*models.Payment) error
	// FindPayments returns payments of exactly the query amount inside the
	// query window, ordered by payment date
	FindPayments(ctx context.Context, query models.PaymentQuery) ([]*models.Payment, error)

	// SaveTransactions inserts new mutations and ignores ids already stored,
	// returning how many were inserted
	SaveTransactions(ctx context.Context, transactions []*models.Transaction) (int, error)
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*models.Transaction, error)
	UpdateTransaction(ctx context.Context, tx *models.Transaction) error

	// AppendAudit stores an immutable audit record
	AppendAudit(ctx context.Context, record *models.AuditRecord) error
	// ListAudit returns audit records oldest first, for one mutation or for
	// all of them when transactionID is empty
	ListAudit(ctx context.Context, transactionID string) ([]*models.AuditRecord, error)

	// WithinTx runs fn against a repository bound to one storage
	// transaction. Every write inside fn commits or rolls back together.
	WithinTx(ctx context.Context, fn func(Repository) error) error

	Close() error
}

// LearningStore is the optional capability of persisting learning records
type LearningStore interface {
	LoadLearning(ctx context.Context) ([]*models.LearningRecord, error)
	SaveLearning(ctx context.Context, record *models.LearningRecord) error
}

// RuleSource is the optional capability of persisting custom rules
type RuleSource interface {
	ListRules(ctx context.Context) ([]*models.RuleRecord, error)
	SaveRule(ctx context.Context, record *models.RuleRecord) error
}

// matchesFilter applies a filter in memory
func matchesFilter(tx *models.Transaction, f TransactionFilter) bool {
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if tx.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ResidentID != "" && tx.MatchedResidentID != f.ResidentID {
		return false
	}
	if f.ImportBatch != "" && tx.ImportBatch != f.ImportBatch {
		return false
	}
	if !f.From.IsZero() && tx.Date.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && tx.Date.After(f.To) {
		return false
	}
	return true
}
