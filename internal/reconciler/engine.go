// Package reconciler runs the verification pipeline over bank mutations:
// classification, rule matching, confidence tiering and the learning
// feedback loop.
//
// The VerificationEngine owns the current MatchingContext. The context is
// built lazily on first use, guarded by a single-flight group so concurrent
// callers share one build, and replaced as a whole when residents, learned
// patterns or rules change.
//
// Example usage:
//
//	engine, err := reconciler.NewVerificationEngine(repo, reconciler.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	if err := engine.Initialize(ctx); err != nil {
//		return err
//	}
//	outcome, err := engine.ClassifyAndMatch(ctx, tx)
//	if err == nil {
//		fmt.Println(outcome.Tier, outcome.Match)
//	}
package reconciler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"dues-reconciliation-service/internal/classifier"
	"dues-reconciliation-service/internal/learning"
	"dues-reconciliation-service/internal/models"
	"dues-reconciliation-service/internal/rules"
	"dues-reconciliation-service/internal/storage"
	"dues-reconciliation-service/pkg/errors"
	"dues-reconciliation-service/pkg/logger"
)

const contextKey = "matching-context"

// VerificationEngine classifies and matches mutations against a snapshot of
// the resident registry and feeds operator confirmations back into learning
type VerificationEngine struct {
	repo     storage.Repository
	config   *Config
	learning *learning.System
	log      logger.Logger
	now      func() time.Time

	group singleflight.Group

	mu         sync.RWMutex
	mc         *rules.MatchingContext
	rules      *rules.Engine
	classifier *classifier.Classifier
}

// NewVerificationEngine creates an engine over a repository. Nothing is read
// from storage until Initialize or the first match.
func NewVerificationEngine(repo storage.Repository, config *Config) (*VerificationEngine, error) {
	if repo == nil {
		return nil, errors.ValidationError(errors.CodeMissingField, "repository", nil, nil).
			WithSuggestion("Provide a storage repository")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &VerificationEngine{
		repo:       repo,
		config:     config,
		learning:   learning.NewSystem(config.Matching),
		log:        logger.GetGlobalLogger().WithComponent("verification_engine"),
		now:        time.Now,
		rules:      rules.DefaultEngine(config.Matching),
		classifier: classifier.New(config.Classifier),
	}, nil
}

// Config returns the engine configuration
func (e *VerificationEngine) Config() *Config {
	return e.config
}

// Repository returns the storage the engine reads and writes
func (e *VerificationEngine) Repository() storage.Repository {
	return e.repo
}

// Learning returns the learning system fed by this engine
func (e *VerificationEngine) Learning() *learning.System {
	return e.learning
}

// Rules returns the current rule engine
func (e *VerificationEngine) Rules() *rules.Engine {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules
}

// SetClock overrides the clock used for audit timestamps and the context
// build time
func (e *VerificationEngine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
	e.learning.SetClock(now)
}

// Now returns the current time of the engine clock
func (e *VerificationEngine) Now() time.Time {
	return e.clock()
}

func (e *VerificationEngine) clock() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.now()
}

// Initialize loads learned patterns, custom rules and the learned
// classifier, then builds the matching context. Missing optional storage
// capabilities leave the corresponding state empty.
func (e *VerificationEngine) Initialize(ctx context.Context) error {
	return logger.TimedOperation("initialize verification engine", e.log, func() error {
		if err := e.loadLearning(ctx); err != nil {
			return err
		}
		if err := e.loadCustomRules(ctx); err != nil {
			return err
		}
		if e.config.TrainClassifier {
			if err := e.trainClassifier(ctx); err != nil {
				return err
			}
		}
		return e.Refresh(ctx)
	})
}

// loadLearning reads stored learning records. When none are stored the
// records are seeded from the confirmed decisions of the audit trail.
func (e *VerificationEngine) loadLearning(ctx context.Context) error {
	store, hasStore := e.repo.(storage.LearningStore)
	if hasStore {
		records, err := store.LoadLearning(ctx)
		if err != nil {
			return err
		}
		if len(records) > 0 {
			e.learning.Load(records)
			e.log.WithField("residents", len(records)).Info("Loaded learning records")
			return nil
		}
	}

	audits, err := e.repo.ListAudit(ctx, "")
	if err != nil {
		return err
	}
	if len(audits) == 0 {
		return nil
	}

	txs := make(map[string]*models.Transaction)
	for _, a := range audits {
		if !a.Action.IsConfirmation() {
			continue
		}
		if _, seen := txs[a.TransactionID]; seen {
			continue
		}
		tx, err := e.repo.GetTransaction(ctx, a.TransactionID)
		if errors.IsCode(err, errors.CodeNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		txs[tx.ID] = tx
	}

	learned := e.learning.SeedFromAudit(audits, func(id string) (*models.Transaction, bool) {
		tx, ok := txs[id]
		return tx, ok
	})
	if learned == 0 || !hasStore {
		return nil
	}
	for _, rec := range e.learning.Snapshot() {
		if err := store.SaveLearning(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// loadCustomRules merges stored custom rules into the default rule set.
// Malformed records are skipped.
func (e *VerificationEngine) loadCustomRules(ctx context.Context) error {
	source, ok := e.repo.(storage.RuleSource)
	if !ok {
		return nil
	}
	records, err := source.ListRules(ctx)
	if err != nil {
		return err
	}
	custom := rules.LoadRuleRecords(records)
	if len(custom) == 0 {
		return nil
	}

	e.mu.Lock()
	e.rules = rules.DefaultEngine(e.config.Matching).WithRules(custom)
	e.mu.Unlock()
	e.log.WithFields(logger.Fields{
		"stored": len(records),
		"loaded": len(custom),
	}).Info("Loaded custom rules")
	return nil
}

// trainClassifier trains the learned classifier from verified (dues) and
// omitted (noise) mutations
func (e *VerificationEngine) trainClassifier(ctx context.Context) error {
	history, err := e.repo.ListTransactions(ctx, storage.TransactionFilter{
		States: []models.VerificationState{models.StateVerified, models.StateOmitted},
	})
	if err != nil {
		return err
	}

	samples := make([]classifier.Sample, 0, len(history))
	for _, tx := range history {
		switch {
		case tx.State == models.StateVerified && tx.IsMatched():
			samples = append(samples, classifier.Sample{Description: tx.Description, Dues: true})
		case tx.State == models.StateOmitted:
			samples = append(samples, classifier.Sample{Description: tx.Description})
		}
	}

	model := classifier.TrainModel(samples)
	dues, noise := model.Counts()
	e.mu.Lock()
	e.classifier = classifier.New(e.config.Classifier).WithModel(model)
	e.mu.Unlock()
	e.log.WithFields(logger.Fields{
		"dues_samples":  dues,
		"noise_samples": noise,
	}).Debug("Trained learned classifier")
	return nil
}

// Refresh rebuilds the matching context from storage and replaces the
// current one. Concurrent refreshes share one build.
func (e *VerificationEngine) Refresh(ctx context.Context) error {
	_, err := e.build(ctx)
	return err
}

// MatchingContext returns the current snapshot, building it on first use
func (e *VerificationEngine) MatchingContext(ctx context.Context) (*rules.MatchingContext, error) {
	e.mu.RLock()
	mc := e.mc
	e.mu.RUnlock()
	if mc != nil {
		return mc, nil
	}
	return e.build(ctx)
}

func (e *VerificationEngine) build(ctx context.Context) (*rules.MatchingContext, error) {
	v, err, shared := e.group.Do(contextKey, func() (interface{}, error) {
		residents, err := e.repo.ListActiveResidents(ctx)
		if err != nil {
			return nil, err
		}

		e.mu.RLock()
		cls := e.classifier
		e.mu.RUnlock()

		mc, err := rules.NewMatchingContext(rules.ContextInput{
			Residents:  residents,
			Learned:    e.learning.Snapshot(),
			Payments:   e.repo,
			Classifier: cls,
			Config:     e.config.Matching,
			Now:        e.clock(),
		})
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		e.mc = mc
		e.mu.Unlock()

		stats := mc.Residents.Stats()
		e.log.WithFields(logger.Fields{
			"residents": stats.ActiveResidents,
			"learned":   mc.History.Len(),
		}).Info("Matching context built")
		return mc, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		e.log.Debug("Shared an in-flight matching context build")
	}
	return v.(*rules.MatchingContext), nil
}

// replaceHistory swaps the learned-pattern matcher of the current snapshot
// for one built from the latest learning records
func (e *VerificationEngine) replaceHistory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mc == nil {
		return
	}
	next := *e.mc
	next.History = learning.NewHistoricalMatcher(e.learning.Snapshot(), e.config.Matching)
	e.mc = &next
}

// UpdateRules replaces the rule engine with the result of fn
func (e *VerificationEngine) UpdateRules(fn func(*rules.Engine) (*rules.Engine, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	next, err := fn(e.rules)
	if err != nil {
		return err
	}
	e.rules = next
	return nil
}

// ClassifyAndMatch decides one mutation without persisting anything.
// Omitted mutations are terminal with zero confidence; otherwise the best
// rule result is tiered. A rule engine error fails only this mutation.
func (e *VerificationEngine) ClassifyAndMatch(ctx context.Context, tx *models.Transaction) (*Outcome, error) {
	if tx == nil {
		return nil, errors.ValidationError(errors.CodeMissingField, "transaction", nil, nil)
	}
	mc, err := e.MatchingContext(ctx)
	if err != nil {
		return nil, err
	}

	class := mc.Classifier.Classify(tx)
	outcome := &Outcome{
		TransactionID: tx.ID,
		Category:      class.Category,
	}
	if class.Omitted {
		outcome.Omitted = true
		outcome.OmitReason = class.Reason
		outcome.Tier = models.TierOmitted
		return outcome, nil
	}

	eval, err := e.Rules().Evaluate(ctx, mc, tx)
	if err != nil {
		return nil, err
	}
	outcome.Match = eval.Best
	outcome.Candidates = eval.Candidates
	outcome.Tier = mc.Config.Tiers.TierForResult(eval.Best)
	return outcome, nil
}

// LearnFrom folds a confirmed decision into the learning records, persists
// the resident's record when the repository can store it and makes the new
// patterns visible to matching. Other audit actions are ignored.
func (e *VerificationEngine) LearnFrom(ctx context.Context, record *models.AuditRecord) error {
	if record == nil || !record.Action.IsConfirmation() || record.NewResidentID == "" {
		return nil
	}
	tx, err := e.repo.GetTransaction(ctx, record.TransactionID)
	if err != nil {
		return err
	}

	confidence := record.Confidence
	if confidence <= 0 {
		confidence = 1
	}
	updated := e.learning.Update(record.NewResidentID, tx, confidence)

	if store, ok := e.repo.(storage.LearningStore); ok {
		if err := store.SaveLearning(ctx, updated); err != nil {
			return err
		}
	}
	e.replaceHistory()

	e.log.WithFields(logger.Fields{
		"transaction_id":      record.TransactionID,
		"resident_id":         record.NewResidentID,
		"total_verifications": updated.TotalVerifications,
	}).Debug("Learned from confirmed decision")
	return nil
}
