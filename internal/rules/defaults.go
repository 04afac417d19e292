package rules

import (
	"regexp"

	"github.com/shopspring/decimal"

	"dues-reconciliation-service/internal/matcher"
	"dues-reconciliation-service/internal/models"
)

// Default rule ids
const (
	RulePaymentIndex     = "payment-index"
	RuleNameMatch        = "name-match"
	RuleAddressMatch     = "address-match"
	RuleLearnedPattern   = "learned-pattern"
	RuleDuesKeyword      = "ipl-keyword"
	RuleLargeAmount      = "large-amount"
	RuleNameAddressBoost = "name-address-boost"
	RuleReversal         = "reversal-exclusion"
)

var reversalPattern = regexp.MustCompile(`(?i)\b(?:refund|reversal|pengembalian|koreksi|batal|retur)\b`)

// DefaultRules returns the built-in rule set. Thresholds come from config.
func DefaultRules(config *matcher.MatchingConfig) []*models.Rule {
	if config == nil {
		config = matcher.DefaultMatchingConfig()
	}

	return []*models.Rule{
		{
			ID:        RulePaymentIndex,
			Name:      "Payment index in amount",
			Priority:  10,
			Enabled:   true,
			Condition: models.PaymentIndexExistsCondition{},
			Action:    models.ProduceMatchAction{Strategy: models.StrategyPaymentIndex, Confidence: config.PaymentIndex.CorroboratedConfidence},
			Tags:      []string{"amount", "deterministic"},
		},
		{
			ID:        RuleNameMatch,
			Name:      "Resident name in description",
			Priority:  20,
			Enabled:   true,
			Condition: models.NameExistsCondition{},
			Action:    models.ProduceMatchAction{Strategy: models.StrategyName, Confidence: 1.0},
			Tags:      []string{"name"},
		},
		{
			ID:        RuleAddressMatch,
			Name:      "Resident address in description",
			Priority:  30,
			Enabled:   true,
			Condition: models.AddressExistsCondition{},
			Action:    models.ProduceMatchAction{Strategy: models.StrategyAddress, Confidence: 0.95},
			Tags:      []string{"address"},
		},
		{
			ID:        RuleLearnedPattern,
			Name:      "Learned resident pattern",
			Priority:  40,
			Enabled:   true,
			Condition: models.LearnedPatternCondition{MinScore: config.Learning.MinMatchScore},
			Action:    models.ProduceMatchAction{Strategy: models.StrategyLearned, Confidence: 0.9},
			Tags:      []string{"learning"},
		},
		{
			ID:       RuleDuesKeyword,
			Name:     "Dues keyword with unique payment",
			Priority: 50,
			Enabled:  true,
			Condition: models.AndCondition{Children: []models.Condition{
				models.KeywordExistsCondition{},
				models.AmountCondition{Operator: models.AmountGreaterThan, Value: decimal.Zero},
			}},
			Action: models.SuggestMatchAction{Strategy: models.StrategyKeyword, Confidence: config.KeywordConfidence},
			Tags:   []string{"keyword"},
		},
		{
			ID:        RuleLargeAmount,
			Name:      "Large amount",
			Priority:  60,
			Enabled:   true,
			Condition: models.AmountCondition{Operator: models.AmountGreaterThan, Value: decimal.NewFromInt(config.LargeAmount)},
			Action:    models.RequireVerificationAction{Reason: "amount above large threshold"},
			Tags:      []string{"amount", "safety"},
		},
		{
			ID:       RuleNameAddressBoost,
			Name:     "Name and address agree",
			Priority: 70,
			Enabled:  true,
			Condition: models.AndCondition{Children: []models.Condition{
				models.NameExistsCondition{},
				models.AddressExistsCondition{},
			}},
			Action: models.BoostConfidenceAction{Amount: 0.05},
			Tags:   []string{"name", "address"},
		},
		{
			ID:        RuleReversal,
			Name:      "Refund or reversal",
			Priority:  80,
			Enabled:   true,
			Condition: models.DescriptionRegexCondition{Pattern: reversalPattern},
			Action:    models.ExcludeMatchAction{Reason: "refund or reversal"},
			Tags:      []string{"safety"},
		},
	}
}

// DefaultEngine returns an engine over the built-in rules
func DefaultEngine(config *matcher.MatchingConfig) *Engine {
	return NewEngine(DefaultRules(config))
}
