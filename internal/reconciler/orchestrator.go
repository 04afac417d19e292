package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"dues-reconciliation-service/internal/models"
	"dues-reconciliation-service/internal/storage"
	"dues-reconciliation-service/pkg/errors"
	"dues-reconciliation-service/pkg/logger"
)

// ImportRequest is one upload: a statement and optionally an updated
// resident registry and payment ledger
type ImportRequest struct {
	// BatchID labels the stored mutations; a new id is generated when empty
	BatchID      string
	Residents    []*models.Resident
	Payments     []*models.Payment
	Transactions []*models.Transaction
}

// ImportResult reports every step of an upload
type ImportResult struct {
	BatchID       string              `json:"batch_id"`
	Preprocessing *PreprocessingStats `json:"preprocessing"`
	Inserted      int                 `json:"inserted"`
	AlreadyStored int                 `json:"already_stored"`
	Batch         *BatchResult        `json:"batch"`
}

// ImportProgress tracks the steps of an upload
type ImportProgress struct {
	Step           string        `json:"step"`
	CompletedSteps int           `json:"completed_steps"`
	TotalSteps     int           `json:"total_steps"`
	Elapsed        time.Duration `json:"elapsed"`
}

// ProgressCallback is called after every step of an upload
type ProgressCallback func(ImportProgress)

const importSteps = 4

// Orchestrator runs uploads end to end: registry update, preprocessing,
// storage and batch verification
type Orchestrator struct {
	engine       *VerificationEngine
	preprocessor *DataPreprocessor
	log          logger.Logger

	mu        sync.Mutex
	callbacks []ProgressCallback
}

// NewOrchestrator creates an orchestrator over an engine
func NewOrchestrator(engine *VerificationEngine, preprocessing *PreprocessingConfig) (*Orchestrator, error) {
	if engine == nil {
		return nil, errors.ValidationError(errors.CodeMissingField, "verification_engine", nil, nil).
			WithSuggestion("Provide a valid VerificationEngine instance")
	}
	return &Orchestrator{
		engine:       engine,
		preprocessor: NewDataPreprocessor(preprocessing),
		log:          logger.GetGlobalLogger().WithComponent("orchestrator"),
	}, nil
}

// AddProgressCallback adds a progress callback function
func (o *Orchestrator) AddProgressCallback(callback ProgressCallback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.callbacks = append(o.callbacks, callback)
}

func (o *Orchestrator) report(step string, completed int, start time.Time) {
	o.mu.Lock()
	callbacks := append([]ProgressCallback(nil), o.callbacks...)
	o.mu.Unlock()

	p := ImportProgress{Step: step, CompletedSteps: completed, TotalSteps: importSteps, Elapsed: time.Since(start)}
	for _, cb := range callbacks {
		cb(p)
	}
}

// Import stores an upload and verifies its new mutations. Lines already
// stored from an earlier upload are not inserted again; those still
// UNVERIFIED are matched again, decided ones are left alone.
func (o *Orchestrator) Import(ctx context.Context, req *ImportRequest) (*ImportResult, error) {
	if req == nil {
		return nil, errors.ValidationError(errors.CodeMissingField, "import_request", nil, nil)
	}
	start := time.Now()
	repo := o.engine.repo

	batchID := req.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	}
	log := o.log.WithField("batch_id", batchID)
	log.WithFields(logger.Fields{
		"residents":    len(req.Residents),
		"payments":     len(req.Payments),
		"transactions": len(req.Transactions),
	}).Info("Starting import")

	if len(req.Residents) > 0 || len(req.Payments) > 0 {
		err := repo.WithinTx(ctx, func(r storage.Repository) error {
			if len(req.Residents) > 0 {
				if err := r.SaveResidents(ctx, req.Residents); err != nil {
					return err
				}
			}
			if len(req.Payments) > 0 {
				return r.SavePayments(ctx, req.Payments)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if err := o.engine.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	o.report("Registry updated", 1, start)

	prepared, stats := o.preprocessor.PreprocessTransactions(batchID, req.Transactions)
	for _, e := range stats.Errors {
		log.WithError(e).Warn("Skipping invalid statement line")
	}
	o.report("Statement preprocessed", 2, start)

	inserted, err := repo.SaveTransactions(ctx, prepared)
	if err != nil {
		return nil, err
	}
	o.report("Mutations stored", 3, start)

	pending := make([]*models.Transaction, 0, len(prepared))
	for _, tx := range prepared {
		stored, err := repo.GetTransaction(ctx, tx.ID)
		if err != nil {
			return nil, err
		}
		if stored.State == models.StateUnverified {
			pending = append(pending, stored)
		}
	}

	batch, err := o.engine.ProcessBatch(ctx, pending)
	if batch != nil {
		batch.Summary.Skipped += len(prepared) - len(pending)
		batch.Summary.Total = len(prepared)
	}
	result := &ImportResult{
		BatchID:       batchID,
		Preprocessing: stats,
		Inserted:      inserted,
		AlreadyStored: len(prepared) - inserted,
		Batch:         batch,
	}
	if err != nil {
		return result, err
	}
	o.report("Mutations verified", 4, start)

	log.WithFields(logger.Fields{
		"inserted":   inserted,
		"duplicates": stats.Duplicates,
		"invalid":    stats.Invalid,
		"elapsed":    time.Since(start),
	}).Info("Import completed")
	return result, nil
}
