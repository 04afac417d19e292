// Package rules evaluates ordered condition→action rules against a bank
// mutation and produces the best resident match.
//
// Rules never hold matcher state themselves. Every evaluation reads an
// immutable MatchingContext, a snapshot of the resident index, the learned
// patterns and the matchers built over them. A refreshed snapshot replaces
// the old one as a whole, so evaluations in flight keep a consistent view.
//
// Example usage:
//
//	mc, err := rules.NewMatchingContext(rules.ContextInput{
//		Residents: residents,
//		Learned:   records,
//		Payments:  repo,
//		Config:    matcher.DefaultMatchingConfig(),
//	})
//	engine := rules.NewEngine(rules.DefaultRules(mc.Config))
//	eval, err := engine.Evaluate(ctx, mc, tx)
//	if err == nil && eval.Best != nil {
//		fmt.Println(eval.Best)
//	}
package rules

import (
	"context"
	"time"

	"dues-reconciliation-service/internal/classifier"
	"dues-reconciliation-service/internal/learning"
	"dues-reconciliation-service/internal/matcher"
	"dues-reconciliation-service/internal/models"
)

// PaymentFinder looks up recorded payments for corroboration
type PaymentFinder interface {
	FindPayments(ctx context.Context, query models.PaymentQuery) ([]*models.Payment, error)
}

// MatchingContext is an immutable snapshot of everything rules read. It is
// never mutated after construction; refresh by building a new one.
type MatchingContext struct {
	Residents    *matcher.ResidentIndex
	PaymentIndex *matcher.PaymentIndexExtractor
	Names        *matcher.NameMatcher
	Addresses    *matcher.AddressMatcher
	Classifier   *classifier.Classifier
	History      *learning.HistoricalMatcher
	Payments     PaymentFinder
	Config       *matcher.MatchingConfig
	BuiltAt      time.Time
}

// ContextInput carries the data a MatchingContext is built from
type ContextInput struct {
	Residents  []*models.Resident
	Learned    []*models.LearningRecord
	Payments   PaymentFinder
	Classifier *classifier.Classifier
	Config     *matcher.MatchingConfig
	Now        time.Time
}

// NewMatchingContext builds the resident index and every matcher over it.
// A nil classifier falls back to the default keyword configuration and a
// nil payment finder behaves as an empty payment store.
func NewMatchingContext(in ContextInput) (*MatchingContext, error) {
	config := in.Config
	if config == nil {
		config = matcher.DefaultMatchingConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	index, err := matcher.NewResidentIndex(in.Residents)
	if err != nil {
		return nil, err
	}

	cls := in.Classifier
	if cls == nil {
		cls = classifier.New(classifier.DefaultConfig())
	}
	payments := in.Payments
	if payments == nil {
		payments = noPayments{}
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	learned := make([]*models.LearningRecord, 0, len(in.Learned))
	for _, r := range in.Learned {
		if r != nil {
			learned = append(learned, r.Clone())
		}
	}

	return &MatchingContext{
		Residents:    index,
		PaymentIndex: matcher.NewPaymentIndexExtractor(index, config),
		Names:        matcher.NewNameMatcher(index, config, cls),
		Addresses:    matcher.NewAddressMatcher(index, config),
		Classifier:   cls,
		History:      learning.NewHistoricalMatcher(learned, config),
		Payments:     payments,
		Config:       config,
		BuiltAt:      now,
	}, nil
}

type noPayments struct{}

func (noPayments) FindPayments(context.Context, models.PaymentQuery) ([]*models.Payment, error) {
	return nil, nil
}
