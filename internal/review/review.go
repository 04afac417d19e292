// Package review implements the manual verification workflow: a prioritized
// queue of unresolved mutations with ranked resident suggestions, and the
// operator decisions that resolve them.
//
// Every decision updates the mutation and appends an immutable audit record
// inside one storage transaction. Confirmations are then fed back into the
// learning system so similar mutations match automatically next time.
//
// Example usage:
//
//	workflow, err := review.NewWorkflow(engine)
//	if err != nil {
//		return err
//	}
//	items, err := workflow.Queue(ctx, 20)
//	if err != nil {
//		return err
//	}
//	record, err := workflow.RecordOperatorDecision(ctx, review.Decision{
//		TransactionID: items[0].Transaction.ID,
//		Kind:          review.DecisionMatch,
//		ResidentID:    items[0].Suggestions[0].ResidentID,
//		Actor:         "treasurer",
//	})
package review

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"dues-reconciliation-service/internal/matcher"
	"dues-reconciliation-service/internal/models"
	"dues-reconciliation-service/internal/reconciler"
	"dues-reconciliation-service/internal/rules"
	"dues-reconciliation-service/internal/storage"
	"dues-reconciliation-service/pkg/errors"
	"dues-reconciliation-service/pkg/logger"
)

// Priority orders the review queue
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// Source tells where a suggestion came from
type Source string

const (
	SourceRule    Source = "rule"
	SourceLearned Source = "learned"
	SourceHistory Source = "history"
)

func (s Source) rank() int {
	switch s {
	case SourceRule:
		return 0
	case SourceLearned:
		return 1
	default:
		return 2
	}
}

// Suggestion is a candidate resident for an unresolved mutation
type Suggestion struct {
	ResidentID   string          `json:"resident_id"`
	ResidentName string          `json:"resident_name"`
	Address      string          `json:"address,omitempty"`
	PaymentID    string          `json:"payment_id,omitempty"`
	Confidence   float64         `json:"confidence"`
	Strategy     models.Strategy `json:"strategy,omitempty"`
	Source       Source          `json:"source"`
	Factors      []string        `json:"factors,omitempty"`
}

// Item is one entry of the review queue
type Item struct {
	Transaction *models.Transaction `json:"transaction"`
	Priority    Priority            `json:"priority"`
	Tier        models.ReviewTier   `json:"tier"`
	Suggestions []Suggestion        `json:"suggestions"`
}

// Workflow serves the review queue and records operator decisions
type Workflow struct {
	engine *reconciler.VerificationEngine
	repo   storage.Repository
	config *reconciler.Config
	log    logger.Logger
}

// NewWorkflow creates a review workflow over a verification engine and its
// repository
func NewWorkflow(engine *reconciler.VerificationEngine) (*Workflow, error) {
	if engine == nil {
		return nil, errors.ValidationError(errors.CodeMissingField, "verification_engine", nil, nil).
			WithSuggestion("Provide a valid VerificationEngine instance")
	}
	return &Workflow{
		engine: engine,
		repo:   engine.Repository(),
		config: engine.Config(),
		log:    logger.GetGlobalLogger().WithComponent("review"),
	}, nil
}

// Queue returns unresolved mutations ordered by priority, then date. A limit
// of zero returns the whole queue.
func (w *Workflow) Queue(ctx context.Context, limit int) ([]*Item, error) {
	pending, err := w.repo.ListTransactions(ctx, storage.TransactionFilter{
		States: []models.VerificationState{models.StateUnverified},
	})
	if err != nil {
		return nil, err
	}
	mc, err := w.engine.MatchingContext(ctx)
	if err != nil {
		return nil, err
	}
	history, err := w.loadHistory(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]*Item, 0, len(pending))
	for _, tx := range pending {
		items = append(items, w.buildItem(ctx, mc, history, tx))
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Priority != b.Priority {
			return a.Priority.rank() < b.Priority.rank()
		}
		if !a.Transaction.Date.Equal(b.Transaction.Date) {
			return a.Transaction.Date.Before(b.Transaction.Date)
		}
		return a.Transaction.ID < b.Transaction.ID
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	w.log.WithFields(logger.Fields{
		"pending":  len(pending),
		"returned": len(items),
	}).Debug("Review queue built")
	return items, nil
}

// Item builds the review entry of one mutation
func (w *Workflow) Item(ctx context.Context, transactionID string) (*Item, error) {
	tx, err := w.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	mc, err := w.engine.MatchingContext(ctx)
	if err != nil {
		return nil, err
	}
	history, err := w.loadHistory(ctx)
	if err != nil {
		return nil, err
	}
	return w.buildItem(ctx, mc, history, tx), nil
}

func (w *Workflow) buildItem(ctx context.Context, mc *rules.MatchingContext, history []pastMatch, tx *models.Transaction) *Item {
	item := &Item{Transaction: tx, Tier: models.TierManualReview}

	var candidates []*models.MatchResult
	outcome, err := w.engine.ClassifyAndMatch(ctx, tx)
	if err != nil {
		w.log.WithError(err).WithField("transaction_id", tx.ID).
			Warn("Matching failed, suggesting from history only")
	} else {
		item.Tier = outcome.Tier
		candidates = outcome.Candidates
	}

	item.Suggestions = w.suggest(mc, history, tx, candidates)
	item.Priority = w.priority(tx, item.Suggestions)
	return item
}

// priority is HIGH for large amounts or when nothing was suggested, MEDIUM
// for moderate amounts or when every suggestion is weak, LOW otherwise
func (w *Workflow) priority(tx *models.Transaction, suggestions []Suggestion) Priority {
	amount := tx.Amount.Abs()
	if w.config.Matching.IsLargeAmount(amount) || len(suggestions) == 0 {
		return PriorityHigh
	}
	if amount.GreaterThan(decimal.NewFromInt(w.config.ModerateAmount)) {
		return PriorityMedium
	}
	for _, s := range suggestions {
		if s.Confidence >= w.config.Matching.Tiers.AssistedReview {
			return PriorityLow
		}
	}
	return PriorityMedium
}

// suggest merges rule candidates, learned-pattern matches and similar
// historical decisions. Each resident appears once with its strongest
// suggestion; ties prefer rule over learned over history.
func (w *Workflow) suggest(mc *rules.MatchingContext, history []pastMatch, tx *models.Transaction, candidates []*models.MatchResult) []Suggestion {
	best := make(map[string]Suggestion)
	offer := func(s Suggestion) {
		resident, ok := mc.Residents.Get(s.ResidentID)
		if !ok {
			return
		}
		s.ResidentName = resident.Name
		s.Address = residentAddress(resident)
		current, seen := best[s.ResidentID]
		if !seen || s.Confidence > current.Confidence ||
			(s.Confidence == current.Confidence && s.Source.rank() < current.Source.rank()) {
			best[s.ResidentID] = s
		}
	}

	for _, c := range candidates {
		offer(Suggestion{
			ResidentID: c.ResidentID,
			PaymentID:  c.PaymentID,
			Confidence: c.Confidence,
			Strategy:   c.Strategy,
			Source:     SourceRule,
			Factors:    c.Factors,
		})
	}

	for _, m := range mc.History.Rank(tx.Description, tx.Amount, w.config.SuggestionFloor) {
		offer(Suggestion{
			ResidentID: m.ResidentID,
			Confidence: m.Score,
			Strategy:   models.StrategyLearned,
			Source:     SourceLearned,
			Factors:    m.Factors,
		})
	}

	for _, s := range w.historySuggestions(history, tx) {
		offer(s)
	}

	out := make([]Suggestion, 0, len(best))
	for _, s := range best {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if out[i].Source != out[j].Source {
			return out[i].Source.rank() < out[j].Source.rank()
		}
		return out[i].ResidentID < out[j].ResidentID
	})
	if len(out) > w.config.MaxSuggestions {
		out = out[:w.config.MaxSuggestions]
	}
	return out
}

func residentAddress(r *models.Resident) string {
	if r.Block == "" {
		return ""
	}
	return r.Block + "/" + r.HouseNumber
}

// pastMatch is a mutation an operator matched to a resident
type pastMatch struct {
	transactionID string
	residentID    string
	description   string
	amount        decimal.Decimal
}

// loadHistory returns the confirmed decisions that still hold: the latest
// decision of each mutation, when that mutation is still verified to the
// confirmed resident
func (w *Workflow) loadHistory(ctx context.Context) ([]pastMatch, error) {
	audits, err := w.repo.ListAudit(ctx, "")
	if err != nil {
		return nil, err
	}

	latest := make(map[string]*models.AuditRecord)
	var order []string
	for _, a := range audits {
		if _, seen := latest[a.TransactionID]; !seen {
			order = append(order, a.TransactionID)
		}
		latest[a.TransactionID] = a
	}

	var history []pastMatch
	for _, id := range order {
		a := latest[id]
		if !a.Action.IsConfirmation() {
			continue
		}
		tx, err := w.repo.GetTransaction(ctx, id)
		if errors.IsCode(err, errors.CodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if tx.State != models.StateVerified || tx.MatchedResidentID != a.NewResidentID {
			continue
		}
		history = append(history, pastMatch{
			transactionID: tx.ID,
			residentID:    tx.MatchedResidentID,
			description:   tx.Description,
			amount:        tx.Amount,
		})
	}
	return history, nil
}

// historySuggestions scores past decisions by description similarity. An
// identical amount adds a small bonus.
func (w *Workflow) historySuggestions(history []pastMatch, tx *models.Transaction) []Suggestion {
	floor := w.config.Matching.Name.ConsiderationFloor
	var out []Suggestion
	for _, past := range history {
		if past.transactionID == tx.ID {
			continue
		}
		sim := matcher.Similarity(past.description, tx.Description)
		if sim < floor {
			continue
		}
		confidence := historyWeight * sim
		factors := []string{"similar to verified mutation " + past.transactionID}
		if past.amount.Equal(tx.Amount) {
			confidence += historyAmountBonus
			factors = append(factors, "same amount")
		}
		if confidence > 1 {
			confidence = 1
		}
		if confidence < w.config.SuggestionFloor {
			continue
		}
		out = append(out, Suggestion{
			ResidentID: past.residentID,
			Confidence: confidence,
			Strategy:   models.StrategyManual,
			Source:     SourceHistory,
			Factors:    factors,
		})
	}
	return out
}

const (
	historyWeight      = 0.8
	historyAmountBonus = 0.1
)
