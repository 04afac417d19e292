package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dues-reconciliation-service/internal/models"
	"dues-reconciliation-service/internal/storage"
	"dues-reconciliation-service/pkg/errors"
	"dues-reconciliation-service/pkg/logger"
)

// ProcessBatch classifies, matches and persists mutations one at a time.
// Mutations that are not UNVERIFIED are skipped so a later run never
// overwrites a decision. A failing mutation stays UNVERIFIED and lands in the
// review queue; the batch continues. Only cancellation of ctx stops the
// batch early, returning the partial result with the context error.
func (e *VerificationEngine) ProcessBatch(ctx context.Context, transactions []*models.Transaction) (*BatchResult, error) {
	start := time.Now()
	result := &BatchResult{
		Summary:  BatchSummary{Total: len(transactions)},
		Outcomes: make([]*Outcome, 0, len(transactions)),
	}

	if _, err := e.MatchingContext(ctx); err != nil {
		return nil, err
	}

	tracker := logger.NewProgressTracker(logger.ProgressConfig{
		Operation:   "process batch",
		Total:       int64(len(transactions)),
		LogInterval: e.config.ProgressInterval,
		Logger:      e.log,
	})

	for _, tx := range transactions {
		if err := ctx.Err(); err != nil {
			result.Summary.Duration = time.Since(start)
			result.Progress = tracker.Complete()
			return result, errors.MatchingError(errors.CodeTimeout, "process batch", err)
		}
		if tx.State != "" && tx.State != models.StateUnverified {
			result.Summary.Skipped++
			tracker.Increment(true)
			continue
		}

		outcome, err := e.processOne(ctx, tx)
		if err != nil {
			rerr := errors.WrapIfNeeded(err, errors.CategoryMatching, errors.CodeMatchingFailed, "process transaction").
				WithContext("transaction_id", tx.ID)
			if errors.IsCode(rerr, errors.CodeAlreadyVerified) {
				result.Summary.Skipped++
				tracker.Increment(true)
				continue
			}
			result.Errors = append(result.Errors, rerr)
			result.Summary.Failed++
			tracker.Increment(false)
			e.log.WithError(err).WithField("transaction_id", tx.ID).Warn("Transaction failed, left for review")
			continue
		}

		result.Outcomes = append(result.Outcomes, outcome)
		result.Summary.count(outcome, tx.Amount)
		tracker.Increment(true)
	}

	result.Summary.Duration = time.Since(start)
	result.Progress = tracker.Complete()
	e.log.WithField("summary", result.Summary.String()).Info("Batch processed")
	return result, nil
}

// processOne matches one mutation under the per-transaction timeout and
// persists the outcome
func (e *VerificationEngine) processOne(ctx context.Context, tx *models.Transaction) (*Outcome, error) {
	txCtx, cancel := context.WithTimeout(ctx, e.config.TransactionTimeout)
	defer cancel()

	outcome, err := e.ClassifyAndMatch(txCtx, tx)
	if err != nil {
		if txCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			e.log.WithField("transaction_id", tx.ID).
				WithField("timeout", e.config.TransactionTimeout).
				Warn("Matching timed out, routing to manual review")
			outcome = &Outcome{
				TransactionID: tx.ID,
				Category:      tx.Category,
				Tier:          models.TierManualReview,
				TimedOut:      true,
			}
		} else {
			return nil, err
		}
	}

	if err := e.persist(ctx, tx, outcome); err != nil {
		return nil, err
	}
	return outcome, nil
}

// persist writes an outcome. Auto-verified matches get an auto-match audit
// record in the same storage transaction. Review outcomes keep the best
// result as a tentative pointer on the UNVERIFIED mutation.
func (e *VerificationEngine) persist(ctx context.Context, tx *models.Transaction, outcome *Outcome) error {
	return e.repo.WithinTx(ctx, func(repo storage.Repository) error {
		stored, err := repo.GetTransaction(ctx, tx.ID)
		if err != nil {
			return err
		}
		if stored.State != models.StateUnverified {
			return errors.ValidationError(errors.CodeAlreadyVerified, "state", stored.State,
				fmt.Errorf("transaction %s is already %s", tx.ID, stored.State))
		}

		if outcome.Category != "" {
			stored.Category = outcome.Category
		}
		stored.ApplyMatch(outcome.Match)

		switch outcome.Tier {
		case models.TierOmitted:
			stored.Omitted = true
			stored.OmitReason = outcome.OmitReason
			stored.State = models.StateOmitted
			stored.ClearMatch()
		case models.TierAutoVerified:
			stored.State = models.StateVerified
		}

		if err := repo.UpdateTransaction(ctx, stored); err != nil {
			return err
		}
		*tx = *stored.Clone()

		if outcome.Tier != models.TierAutoVerified {
			return nil
		}
		return repo.AppendAudit(ctx, &models.AuditRecord{
			ID:            uuid.NewString(),
			TransactionID: stored.ID,
			Action:        models.ActionAutoMatch,
			Confidence:    outcome.Match.Confidence,
			Actor:         e.config.Actor,
			Notes:         fmt.Sprintf("%s via %v", outcome.Match.Strategy, outcome.Match.RuleIDs),
			NewResidentID: outcome.Match.ResidentID,
			NewPaymentID:  outcome.Match.PaymentID,
			CreatedAt:     e.clock(),
		})
	})
}
