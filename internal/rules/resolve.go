package rules

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"dues-reconciliation-service/internal/classifier"
	"dues-reconciliation-service/internal/learning"
	"dues-reconciliation-service/internal/matcher"
	"dues-reconciliation-service/internal/models"
	"dues-reconciliation-service/pkg/errors"
)

// subject is one mutation under evaluation. Matcher lookups are memoized so
// that several rules asking the same question pay for it once.
type subject struct {
	mc     *MatchingContext
	tx     *models.Transaction
	amount decimal.Decimal

	indexDone bool
	index     *matcher.PaymentIndexMatch
	nameDone  bool
	name      *matcher.NameMatch
	addrDone  bool
	addr      *matcher.AddressMatch
	histDone  bool
	hist      *learning.HistoricalMatch
}

func newSubject(mc *MatchingContext, tx *models.Transaction) *subject {
	return &subject{mc: mc, tx: tx, amount: tx.Amount.Abs()}
}

func (s *subject) paymentIndex() *matcher.PaymentIndexMatch {
	if !s.indexDone {
		s.index = s.mc.PaymentIndex.Resolve(s.amount)
		s.indexDone = true
	}
	return s.index
}

func (s *subject) nameMatch() *matcher.NameMatch {
	if !s.nameDone {
		s.name = s.mc.Names.Match(s.tx.Description, s.amount)
		s.nameDone = true
	}
	return s.name
}

func (s *subject) addressMatch() *matcher.AddressMatch {
	if !s.addrDone {
		s.addr = s.mc.Addresses.Match(s.tx.Description)
		s.addrDone = true
	}
	return s.addr
}

func (s *subject) historicalMatch() *learning.HistoricalMatch {
	if !s.histDone {
		s.hist = s.mc.History.Match(s.tx.Description, s.amount)
		s.histDone = true
	}
	return s.hist
}

// eval interprets a condition tree. Every condition kind is handled here.
func (s *subject) eval(c models.Condition) (bool, error) {
	switch cond := c.(type) {
	case models.AndCondition:
		for _, child := range cond.Children {
			ok, err := s.eval(child)
			if err != nil || !ok {
				return false, err
			}
		}
		return len(cond.Children) > 0, nil
	case models.OrCondition:
		for _, child := range cond.Children {
			ok, err := s.eval(child)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case models.NotCondition:
		for _, child := range cond.Children {
			ok, err := s.eval(child)
			if err != nil {
				return false, err
			}
			if ok {
				return false, nil
			}
		}
		return true, nil
	case models.PaymentIndexExistsCondition:
		return s.mc.PaymentIndex.HasIndex(s.amount), nil
	case models.AmountCondition:
		return s.compareAmount(cond)
	case models.DateRangeCondition:
		return models.WithinDays(s.tx.Date, s.mc.BuiltAt, cond.Days), nil
	case models.NameExistsCondition:
		return s.nameMatch() != nil, nil
	case models.AddressExistsCondition:
		return s.addressMatch() != nil, nil
	case models.KeywordExistsCondition:
		if len(cond.Keywords) == 0 {
			return s.mc.Classifier.HasDuesKeyword(s.tx.Description), nil
		}
		return classifier.HasAnyKeyword(s.tx.Description, cond.Keywords), nil
	case models.DescriptionRegexCondition:
		if cond.Pattern == nil {
			return false, fmt.Errorf("description regex condition has no pattern")
		}
		return cond.Pattern.MatchString(s.tx.Description), nil
	case models.LearnedPatternCondition:
		m := s.historicalMatch()
		return m != nil && m.Score >= cond.MinScore, nil
	case nil:
		return false, fmt.Errorf("rule has no condition")
	default:
		return false, fmt.Errorf("unknown condition kind %s", c.Kind())
	}
}

func (s *subject) compareAmount(c models.AmountCondition) (bool, error) {
	switch c.Operator {
	case models.AmountEquals:
		return s.amount.Equal(c.Value), nil
	case models.AmountGreaterThan:
		return s.amount.GreaterThan(c.Value), nil
	case models.AmountLessThan:
		return s.amount.LessThan(c.Value), nil
	case models.AmountBetween:
		return s.amount.GreaterThanOrEqual(c.Min) && s.amount.LessThanOrEqual(c.Max), nil
	default:
		return false, fmt.Errorf("unknown amount operator %q", c.Operator)
	}
}

// resolve runs one strategy and returns its match, or nil when the strategy
// finds nobody. Storage failures while looking up payments are returned as
// storage errors.
func (s *subject) resolve(ctx context.Context, strategy models.Strategy) (*models.MatchResult, error) {
	switch strategy {
	case models.StrategyPaymentIndex:
		return s.resolvePaymentIndex(ctx)
	case models.StrategyName:
		return s.resolveName(ctx)
	case models.StrategyAddress:
		return s.resolveAddress(ctx)
	case models.StrategyLearned:
		return s.resolveLearned(ctx)
	case models.StrategyKeyword:
		return s.resolveKeyword(ctx)
	default:
		return nil, fmt.Errorf("strategy %q cannot be resolved", strategy)
	}
}

func (s *subject) resolvePaymentIndex(ctx context.Context) (*models.MatchResult, error) {
	m := s.paymentIndex()
	if m == nil {
		return nil, nil
	}
	payment, err := s.corroborate(ctx, m.Resident.ID)
	if err != nil {
		return nil, err
	}

	r := &models.MatchResult{
		ResidentID: m.Resident.ID,
		Strategy:   models.StrategyPaymentIndex,
		Confidence: s.mc.PaymentIndex.Confidence(payment != nil),
	}
	r.AddFactor("payment index %d (%d x %s)", m.Index, m.Months, m.Base.String())
	if payment != nil {
		r.PaymentID = payment.ID
		r.AddFactor("corroborated by payment %s", payment.ID)
	}
	return r, nil
}

func (s *subject) resolveName(ctx context.Context) (*models.MatchResult, error) {
	m := s.nameMatch()
	if m == nil {
		return nil, nil
	}
	r := &models.MatchResult{
		ResidentID: m.Resident.ID,
		Strategy:   models.StrategyName,
		Confidence: m.Confidence,
	}
	r.AddFactor("%s %q matched %q (%.2f)", m.Field, m.MatchedValue, m.Candidate, m.Similarity)
	if m.Contextual {
		r.AddFactor("dues context")
	}
	return r, s.attachPayment(ctx, r)
}

func (s *subject) resolveAddress(ctx context.Context) (*models.MatchResult, error) {
	m := s.addressMatch()
	if m == nil {
		return nil, nil
	}
	r := &models.MatchResult{
		ResidentID: m.Resident.ID,
		Strategy:   models.StrategyAddress,
		Confidence: m.Confidence,
	}
	r.AddFactor("address %s (%s)", m.Address.Key(), m.Address.Pattern)
	if m.Fuzzy {
		r.AddFactor("fuzzy match")
	}
	if m.RTRWMatch {
		r.AddFactor("RT/RW match")
	}
	return r, s.attachPayment(ctx, r)
}

func (s *subject) resolveLearned(ctx context.Context) (*models.MatchResult, error) {
	m := s.historicalMatch()
	if m == nil {
		return nil, nil
	}
	r := &models.MatchResult{
		ResidentID: m.ResidentID,
		Strategy:   models.StrategyLearned,
		Confidence: m.Score,
		Factors:    append([]string(nil), m.Factors...),
	}
	// keywords and amount are shared by many residents; without a learned
	// name or address the match is held at the assisted review floor
	if !m.Identifying() {
		if floor := s.mc.Config.Tiers.AssistedReview; r.Confidence > floor {
			r.Confidence = floor
		}
		r.RequiresReview = true
		r.AddFactor("no learned name or address")
	}
	return r, s.attachPayment(ctx, r)
}

// resolveKeyword attributes a dues-keyword mutation to the only resident
// holding a payment of the same amount in the window. More than one
// candidate resident is ambiguous and resolves nobody.
func (s *subject) resolveKeyword(ctx context.Context) (*models.MatchResult, error) {
	payments, err := s.findPayments(ctx, "")
	if err != nil {
		return nil, err
	}

	byResident := make(map[string][]*models.Payment)
	for _, p := range payments {
		if _, ok := s.mc.Residents.Get(p.ResidentID); ok {
			byResident[p.ResidentID] = append(byResident[p.ResidentID], p)
		}
	}
	if len(byResident) != 1 {
		return nil, nil
	}

	var residentID string
	for id := range byResident {
		residentID = id
	}
	payment := matcher.ClosestPayment(byResident[residentID], s.tx.Date)

	r := &models.MatchResult{
		ResidentID: residentID,
		PaymentID:  payment.ID,
		Strategy:   models.StrategyKeyword,
		Confidence: s.mc.Config.KeywordConfidence,
	}
	r.AddFactor("dues keyword with unique payment %s", payment.ID)
	return r, nil
}

// corroborate returns the payment of the resident closest in date to the
// mutation with an equal amount inside the window
func (s *subject) corroborate(ctx context.Context, residentID string) (*models.Payment, error) {
	payments, err := s.findPayments(ctx, residentID)
	if err != nil {
		return nil, err
	}
	return matcher.ClosestPayment(payments, s.tx.Date), nil
}

func (s *subject) attachPayment(ctx context.Context, r *models.MatchResult) error {
	payment, err := s.corroborate(ctx, r.ResidentID)
	if err != nil {
		return err
	}
	if payment != nil {
		r.PaymentID = payment.ID
		r.AddFactor("payment %s", payment.ID)
	}
	return nil
}

func (s *subject) findPayments(ctx context.Context, residentID string) ([]*models.Payment, error) {
	q := models.NewPaymentQuery(residentID, s.amount, s.tx.Date, s.mc.Config.PaymentWindowDays)
	payments, err := s.mc.Payments.FindPayments(ctx, q)
	if err != nil {
		return nil, errors.WrapIfNeeded(err, errors.CategoryStorage, errors.CodeQueryFailed, "payment corroboration lookup failed")
	}
	// the window is enforced here as well so that a coarse store cannot widen it
	var inWindow []*models.Payment
	for _, p := range payments {
		if s.mc.Config.IsWithinPaymentWindow(p.PaymentDate, s.tx.Date) {
			inWindow = append(inWindow, p)
		}
	}
	sort.SliceStable(inWindow, func(i, j int) bool {
		return inWindow[i].PaymentDate.Before(inWindow[j].PaymentDate)
	})
	return inWindow, nil
}
