package review

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"dues-reconciliation-service/internal/models"
	"dues-reconciliation-service/internal/storage"
	"dues-reconciliation-service/pkg/errors"
	"dues-reconciliation-service/pkg/logger"
)

// DecisionKind is an operator action on a mutation
type DecisionKind string

const (
	// DecisionMatch assigns the mutation to a resident. Accepting the
	// tentative match is a confirmation; choosing anyone else an override.
	DecisionMatch DecisionKind = "match"
	// DecisionUnmatch removes a match, including an automatic one, and
	// returns the mutation to the review queue
	DecisionUnmatch DecisionKind = "unmatch"
	// DecisionSkip defers the mutation without changing it
	DecisionSkip DecisionKind = "skip"
	// DecisionFlag marks the mutation for follow-up without changing it
	DecisionFlag DecisionKind = "flag"
	// DecisionOmit marks the mutation as noise
	DecisionOmit DecisionKind = "omit"
)

// ParseDecisionKind parses a decision name
func ParseDecisionKind(s string) (DecisionKind, error) {
	kind := DecisionKind(strings.ToLower(strings.TrimSpace(s)))
	switch kind {
	case DecisionMatch, DecisionUnmatch, DecisionSkip, DecisionFlag, DecisionOmit:
		return kind, nil
	}
	return "", errors.ValidationError(errors.CodeInvalidDecision, "decision", s,
		fmt.Errorf("decision must be one of match, unmatch, skip, flag, omit"))
}

// Decision is one operator action. Confidence is the operator's certainty
// in a match; zero means 1.
type Decision struct {
	TransactionID string       `json:"transaction_id"`
	Kind          DecisionKind `json:"kind"`
	ResidentID    string       `json:"resident_id,omitempty"`
	PaymentID     string       `json:"payment_id,omitempty"`
	Confidence    float64      `json:"confidence,omitempty"`
	Actor         string       `json:"actor"`
	Notes         string       `json:"notes,omitempty"`
}

// DecisionResult is the outcome of one decision of a bulk request
type DecisionResult struct {
	Decision Decision            `json:"decision"`
	Record   *models.AuditRecord `json:"record,omitempty"`
	Err      error               `json:"-"`
}

// BulkResult reports every decision of a bulk request
type BulkResult struct {
	Results   []DecisionResult `json:"results"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
}

// Errors returns the failed decisions
func (b *BulkResult) Errors() []DecisionResult {
	var failed []DecisionResult
	for _, r := range b.Results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}

// RecordOperatorDecision applies a decision and returns its audit record.
// The mutation update and the audit record commit together. A confirmation
// is learned from afterwards; a learning failure is logged and does not undo
// the decision.
func (w *Workflow) RecordOperatorDecision(ctx context.Context, d Decision) (*models.AuditRecord, error) {
	if strings.TrimSpace(d.TransactionID) == "" {
		return nil, errors.ValidationError(errors.CodeMissingField, "transaction_id", nil, nil)
	}
	if strings.TrimSpace(d.Actor) == "" {
		return nil, errors.ValidationError(errors.CodeMissingField, "actor", nil, nil).
			WithSuggestion("Record who made the decision")
	}
	if _, err := ParseDecisionKind(string(d.Kind)); err != nil {
		return nil, err
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return nil, errors.ValidationError(errors.CodeOutOfRange, "confidence", d.Confidence,
			fmt.Errorf("confidence must be between 0 and 1"))
	}

	var record *models.AuditRecord
	err := w.repo.WithinTx(ctx, func(repo storage.Repository) error {
		tx, err := repo.GetTransaction(ctx, d.TransactionID)
		if err != nil {
			return err
		}
		record, err = w.apply(ctx, repo, tx, d)
		if err != nil {
			return err
		}
		if err := record.Validate(); err != nil {
			return errors.ValidationError(errors.CodeInvalidDecision, "audit_record", record.ID, err)
		}
		if record.Action != models.ActionManualSkip && record.Action != models.ActionManualFlag {
			if err := repo.UpdateTransaction(ctx, tx); err != nil {
				return err
			}
		}
		return repo.AppendAudit(ctx, record)
	})
	if err != nil {
		return nil, err
	}

	log := w.log.WithFields(logger.Fields{
		"transaction_id": record.TransactionID,
		"action":         record.Action,
		"actor":          record.Actor,
	})
	log.Info("Operator decision recorded")

	if record.Action.IsConfirmation() {
		if err := w.engine.LearnFrom(ctx, record); err != nil {
			log.WithError(err).Warn("Learning from decision failed")
		}
	}
	return record, nil
}

// apply changes tx according to the decision and returns the audit record
// describing the change
func (w *Workflow) apply(ctx context.Context, repo storage.Repository, tx *models.Transaction, d Decision) (*models.AuditRecord, error) {
	record := &models.AuditRecord{
		ID:                 uuid.NewString(),
		TransactionID:      tx.ID,
		Actor:              d.Actor,
		Notes:              d.Notes,
		PreviousResidentID: tx.MatchedResidentID,
		PreviousPaymentID:  tx.MatchedPaymentID,
		CreatedAt:          w.engine.Now(),
	}

	switch d.Kind {
	case DecisionMatch:
		if tx.State == models.StateVerified {
			return nil, alreadyVerified(tx)
		}
		if strings.TrimSpace(d.ResidentID) == "" {
			return nil, errors.ValidationError(errors.CodeMissingField, "resident_id", nil, nil).
				WithSuggestion("A match decision needs the resident the mutation belongs to")
		}
		if _, err := repo.GetResident(ctx, d.ResidentID); err != nil {
			return nil, err
		}

		record.Action = models.ActionManualOverride
		paymentID := d.PaymentID
		if tx.State == models.StateUnverified && tx.MatchedResidentID == d.ResidentID {
			record.Action = models.ActionManualConfirm
			if paymentID == "" {
				paymentID = tx.MatchedPaymentID
			}
		}
		confidence := d.Confidence
		if confidence == 0 {
			confidence = 1
		}
		record.Confidence = confidence
		record.NewResidentID = d.ResidentID
		record.NewPaymentID = paymentID

		strategy := models.StrategyManual
		if record.Action == models.ActionManualConfirm && tx.MatchStrategy != "" {
			strategy = tx.MatchStrategy
		}
		tx.ApplyMatch(&models.MatchResult{
			ResidentID: d.ResidentID,
			PaymentID:  paymentID,
			Confidence: confidence,
			Strategy:   strategy,
		})
		tx.State = models.StateVerified
		tx.Omitted = false
		tx.OmitReason = ""
		if tx.Category == models.CategoryUncategorized {
			tx.Category = models.CategoryDues
		}

	case DecisionUnmatch:
		if !tx.IsMatched() && tx.State != models.StateVerified {
			return nil, errors.ValidationError(errors.CodeInvalidDecision, "decision", d.Kind,
				fmt.Errorf("transaction %s has no match to remove", tx.ID))
		}
		record.Action = models.ActionSystemUnmatch
		tx.ClearMatch()
		tx.State = models.StateUnverified

	case DecisionSkip, DecisionFlag:
		if tx.State != models.StateUnverified {
			return nil, alreadyVerified(tx)
		}
		record.Action = models.ActionManualSkip
		if d.Kind == DecisionFlag {
			record.Action = models.ActionManualFlag
		}
		record.Confidence = tx.MatchConfidence

	case DecisionOmit:
		if tx.State != models.StateUnverified {
			return nil, alreadyVerified(tx)
		}
		record.Action = models.ActionManualOmit
		tx.ClearMatch()
		tx.State = models.StateOmitted
		tx.Omitted = true
		tx.OmitReason = d.Notes
		if tx.OmitReason == "" {
			tx.OmitReason = "omitted by " + d.Actor
		}
	}
	return record, nil
}

func alreadyVerified(tx *models.Transaction) error {
	return errors.ValidationError(errors.CodeAlreadyVerified, "state", tx.State,
		fmt.Errorf("transaction %s is already %s", tx.ID, tx.State)).
		WithSuggestion("Unmatch the transaction first")
}

// BulkDecide applies decisions one by one. A failing decision is reported in
// its result and the rest continue; cancellation of ctx fails the remaining
// decisions.
func (w *Workflow) BulkDecide(ctx context.Context, decisions []Decision) *BulkResult {
	result := &BulkResult{Results: make([]DecisionResult, 0, len(decisions))}
	for _, d := range decisions {
		r := DecisionResult{Decision: d}
		if err := ctx.Err(); err != nil {
			r.Err = errors.MatchingError(errors.CodeTimeout, "bulk decision", err)
		} else {
			r.Record, r.Err = w.RecordOperatorDecision(ctx, d)
		}
		if r.Err != nil {
			result.Failed++
		} else {
			result.Succeeded++
		}
		result.Results = append(result.Results, r)
	}

	w.log.WithFields(logger.Fields{
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
	}).Info("Bulk decisions applied")
	return result
}
