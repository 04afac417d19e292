package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"dues-reconciliation-service/internal/models"
	"dues-reconciliation-service/pkg/errors"
	"dues-reconciliation-service/pkg/logger"
)

// Engine evaluates an ordered rule set. It is immutable; the With* methods
// return a new engine and leave the receiver untouched.
type Engine struct {
	rules []*models.Rule
	log   logger.Logger
}

// Evaluation is the outcome of running every rule against one mutation
type Evaluation struct {
	// Best is the winning match, or nil when no rule produced one
	Best *models.MatchResult
	// Candidates holds one result per resident, best first
	Candidates []*models.MatchResult
	// Fired lists the ids of rules whose condition held, in rule order
	Fired []string
	// Exclusions lists the reasons of exclude actions that fired
	Exclusions []string
}

// NewEngine creates an engine over rules ordered by ascending priority.
// Rules with equal priority keep their given order.
func NewEngine(rules []*models.Rule) *Engine {
	ordered := make([]*models.Rule, 0, len(rules))
	for _, r := range rules {
		if r != nil {
			ordered = append(ordered, r.Clone())
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})
	return &Engine{
		rules: ordered,
		log:   logger.GetGlobalLogger().WithComponent("rules"),
	}
}

// Rules returns copies of the rules in evaluation order
func (e *Engine) Rules() []*models.Rule {
	out := make([]*models.Rule, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.Clone()
	}
	return out
}

// Rule returns a copy of the rule with the given id
func (e *Engine) Rule(id string) (*models.Rule, bool) {
	for _, r := range e.rules {
		if r.ID == id {
			return r.Clone(), true
		}
	}
	return nil, false
}

// WithRules returns an engine where rules replace existing rules with the
// same id and are appended otherwise
func (e *Engine) WithRules(rules []*models.Rule) *Engine {
	merged := e.Rules()
	index := make(map[string]int, len(merged))
	for i, r := range merged {
		index[r.ID] = i
	}
	for _, r := range rules {
		if r == nil {
			continue
		}
		if i, ok := index[r.ID]; ok {
			merged[i] = r.Clone()
			continue
		}
		index[r.ID] = len(merged)
		merged = append(merged, r.Clone())
	}
	return NewEngine(merged)
}

// WithRuleEnabled returns an engine with one rule enabled or disabled
func (e *Engine) WithRuleEnabled(id string, enabled bool) (*Engine, error) {
	return e.update(id, func(r *models.Rule) { r.Enabled = enabled })
}

// WithPriority returns an engine with one rule moved to a new priority
func (e *Engine) WithPriority(id string, priority int) (*Engine, error) {
	return e.update(id, func(r *models.Rule) { r.Priority = priority })
}

func (e *Engine) update(id string, fn func(*models.Rule)) (*Engine, error) {
	rules := e.Rules()
	for _, r := range rules {
		if r.ID == id {
			fn(r)
			return NewEngine(rules), nil
		}
	}
	return nil, errors.NotFoundError("rule", id)
}

// accumulator collects the effects of firing rules
type accumulator struct {
	candidates  []*models.MatchResult
	excludeAll  bool
	excluded    map[models.Strategy]bool
	exclusions  []string
	boost       float64
	boostRules  []string
	review      []string
	reviewRules []string
	fired       []string
}

// Evaluate runs every enabled rule against the mutation. A rule that errors
// or panics is logged and skipped. A storage failure aborts the evaluation
// and is returned, so the caller can fail this single mutation.
func (e *Engine) Evaluate(ctx context.Context, mc *MatchingContext, tx *models.Transaction) (*Evaluation, error) {
	if mc == nil {
		return nil, errors.MatchingError(errors.CodeMatchingFailed, "rule evaluation", fmt.Errorf("matching context is not initialized"))
	}
	if tx == nil {
		return nil, errors.ValidationError(errors.CodeMissingField, "transaction", nil, nil)
	}

	s := newSubject(mc, tx)
	acc := &accumulator{excluded: make(map[models.Strategy]bool)}

	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.fire(ctx, s, rule, acc); err != nil {
			if errors.IsCategory(err, errors.CategoryStorage) {
				return nil, err
			}
			e.log.WithError(err).WithFields(logger.Fields{
				"rule_id":     rule.ID,
				"transaction": tx.ID,
			}).Warn("Rule failed, skipping")
		}
	}

	return acc.finish(), nil
}

func (e *Engine) fire(ctx context.Context, s *subject, rule *models.Rule, acc *accumulator) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.MatchingError(errors.CodeRuleFailed, "rule "+rule.ID, fmt.Errorf("panic: %v", r))
		}
	}()

	ok, err := s.eval(rule.Condition)
	if err != nil {
		return errors.MatchingError(errors.CodeRuleFailed, "rule "+rule.ID, err)
	}
	if !ok {
		return nil
	}
	acc.fired = append(acc.fired, rule.ID)
	return e.act(ctx, s, rule, acc)
}

// act applies a rule action. Every action kind is handled here.
func (e *Engine) act(ctx context.Context, s *subject, rule *models.Rule, acc *accumulator) error {
	switch a := rule.Action.(type) {
	case models.ProduceMatchAction:
		r, err := s.resolve(ctx, a.Strategy)
		if err != nil || r == nil {
			return err
		}
		if a.Confidence > 0 && r.Confidence > a.Confidence {
			r.Confidence = a.Confidence
		}
		r.AddRule(rule.ID)
		acc.candidates = append(acc.candidates, r)
	case models.SuggestMatchAction:
		r, err := s.resolve(ctx, a.Strategy)
		if err != nil || r == nil {
			return err
		}
		if a.Confidence > 0 && r.Confidence > a.Confidence {
			r.Confidence = a.Confidence
		}
		r.Confidence = models.ClampConfidence(r.Confidence * s.mc.Config.SuggestionFactor)
		r.RequiresReview = true
		r.AddFactor("suggested by %s", rule.Name)
		r.AddRule(rule.ID)
		acc.candidates = append(acc.candidates, r)
	case models.ExcludeMatchAction:
		if a.Strategy == "" {
			acc.excludeAll = true
		} else {
			acc.excluded[a.Strategy] = true
		}
		reason := a.Reason
		if reason == "" {
			reason = rule.Name
		}
		acc.exclusions = append(acc.exclusions, reason)
	case models.BoostConfidenceAction:
		acc.boost += a.Amount
		acc.boostRules = append(acc.boostRules, rule.ID)
	case models.RequireVerificationAction:
		reason := a.Reason
		if reason == "" {
			reason = rule.Name
		}
		acc.review = append(acc.review, reason)
		acc.reviewRules = append(acc.reviewRules, rule.ID)
	case nil:
		return fmt.Errorf("rule has no action")
	default:
		return fmt.Errorf("unknown action kind %s", a.Kind())
	}
	return nil
}

// finish drops excluded candidates, keeps one result per resident and
// applies boosts and verification requirements to the winner
func (acc *accumulator) finish() *Evaluation {
	eval := &Evaluation{Fired: acc.fired, Exclusions: acc.exclusions}

	var kept []*models.MatchResult
	for _, c := range acc.candidates {
		if acc.excludeAll || acc.excluded[c.Strategy] {
			continue
		}
		kept = append(kept, c)
	}
	models.SortByConfidence(kept)

	byResident := make(map[string]*models.MatchResult)
	for _, c := range kept {
		if first, ok := byResident[c.ResidentID]; ok {
			for _, id := range c.RuleIDs {
				first.AddRule(id)
			}
			if first.PaymentID == "" {
				first.PaymentID = c.PaymentID
			}
			continue
		}
		byResident[c.ResidentID] = c
		eval.Candidates = append(eval.Candidates, c)
	}
	if len(eval.Candidates) == 0 {
		return eval
	}

	best := eval.Candidates[0]
	if acc.boost > 0 {
		best.Confidence = models.ClampConfidence(best.Confidence + acc.boost)
		best.AddFactor("boosted by %.2f", acc.boost)
		for _, id := range acc.boostRules {
			best.AddRule(id)
		}
	}
	if len(acc.review) > 0 {
		best.RequiresReview = true
		best.AddFactor("verification required: %s", strings.Join(acc.review, ", "))
		for _, id := range acc.reviewRules {
			best.AddRule(id)
		}
	}
	eval.Best = best.Clone()
	return eval
}
