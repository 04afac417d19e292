package models

import (
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// Rule is a data-driven condition→action pair interpreted by the rule engine
type Rule struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Priority    int       `json:"priority"`
	Enabled     bool      `json:"enabled"`
	Condition   Condition `json:"-"`
	Action      Action    `json:"-"`
	Tags        []string  `json:"tags,omitempty"`
	Custom      bool      `json:"custom"`
	LastUpdated time.Time `json:"last_updated"`
}

// Clone returns a shallow copy; conditions and actions are immutable
func (r *Rule) Clone() *Rule {
	c := *r
	c.Tags = append([]string(nil), r.Tags...)
	return &c
}

// ConditionKind names a condition node type
type ConditionKind string

const (
	ConditionAnd                ConditionKind = "AND"
	ConditionOr                 ConditionKind = "OR"
	ConditionNot                ConditionKind = "NOT"
	ConditionPaymentIndexExists ConditionKind = "PAYMENT_INDEX_EXISTS"
	ConditionAmount             ConditionKind = "AMOUNT"
	ConditionDateRange          ConditionKind = "DATE_RANGE"
	ConditionNameExists         ConditionKind = "NAME_EXISTS"
	ConditionAddressExists      ConditionKind = "ADDRESS_EXISTS"
	ConditionKeywordExists      ConditionKind = "KEYWORD_EXISTS"
	ConditionDescriptionRegex   ConditionKind = "DESCRIPTION_REGEX"
	ConditionLearnedPattern     ConditionKind = "LEARNED_PATTERN_EXISTS"
)

// Condition is a node of a rule condition tree. The set of implementations
// is closed to this package.
type Condition interface {
	Kind() ConditionKind
	sealedCondition()
}

// AndCondition is true when every child is true
type AndCondition struct{ Children []Condition }

// OrCondition is true when any child is true
type OrCondition struct{ Children []Condition }

// NotCondition is true when no child is true
type NotCondition struct{ Children []Condition }

// PaymentIndexExistsCondition is true when the amount encodes a payment index
type PaymentIndexExistsCondition struct{}

// AmountOperator compares a mutation amount
type AmountOperator string

const (
	AmountEquals      AmountOperator = "EQUALS"
	AmountGreaterThan AmountOperator = "GT"
	AmountLessThan    AmountOperator = "LT"
	AmountBetween     AmountOperator = "BETWEEN"
)

// AmountCondition compares the absolute mutation amount. Value is used by
// EQUALS, GT and LT; Min and Max (inclusive) by BETWEEN.
type AmountCondition struct {
	Operator AmountOperator
	Value    decimal.Decimal
	Min      decimal.Decimal
	Max      decimal.Decimal
}

// DateRangeCondition is true when the mutation date is within Days of now
type DateRangeCondition struct{ Days int }

// NameExistsCondition is true when a resident name is found in the description
type NameExistsCondition struct{}

// AddressExistsCondition is true when an address resolves to a resident
type AddressExistsCondition struct{}

// KeywordExistsCondition is true when the description contains one of the
// keywords, or one of the classifier's dues keywords when Keywords is empty.
type KeywordExistsCondition struct{ Keywords []string }

// DescriptionRegexCondition is true when the description matches Pattern
type DescriptionRegexCondition struct {
	Pattern *regexp.Regexp
}

// LearnedPatternCondition is true when learned patterns score at least MinScore
type LearnedPatternCondition struct{ MinScore float64 }

func (AndCondition) Kind() ConditionKind                { return ConditionAnd }
func (OrCondition) Kind() ConditionKind                 { return ConditionOr }
func (NotCondition) Kind() ConditionKind                { return ConditionNot }
func (PaymentIndexExistsCondition) Kind() ConditionKind { return ConditionPaymentIndexExists }
func (AmountCondition) Kind() ConditionKind             { return ConditionAmount }
func (DateRangeCondition) Kind() ConditionKind          { return ConditionDateRange }
func (NameExistsCondition) Kind() ConditionKind         { return ConditionNameExists }
func (AddressExistsCondition) Kind() ConditionKind      { return ConditionAddressExists }
func (KeywordExistsCondition) Kind() ConditionKind      { return ConditionKeywordExists }
func (DescriptionRegexCondition) Kind() ConditionKind   { return ConditionDescriptionRegex }
func (LearnedPatternCondition) Kind() ConditionKind     { return ConditionLearnedPattern }

func (AndCondition) sealedCondition()                {}
func (OrCondition) sealedCondition()                 {}
func (NotCondition) sealedCondition()                {}
func (PaymentIndexExistsCondition) sealedCondition() {}
func (AmountCondition) sealedCondition()             {}
func (DateRangeCondition) sealedCondition()          {}
func (NameExistsCondition) sealedCondition()         {}
func (AddressExistsCondition) sealedCondition()      {}
func (KeywordExistsCondition) sealedCondition()      {}
func (DescriptionRegexCondition) sealedCondition()   {}
func (LearnedPatternCondition) sealedCondition()     {}

// ActionKind names a rule action type
type ActionKind string

const (
	ActionProduceMatch        ActionKind = "PRODUCE_MATCH"
	ActionSuggestMatch        ActionKind = "SUGGEST_MATCH"
	ActionExcludeMatch        ActionKind = "EXCLUDE_MATCH"
	ActionBoostConfidence     ActionKind = "BOOST_CONFIDENCE"
	ActionRequireVerification ActionKind = "REQUIRE_VERIFICATION"
)

// Action is what a firing rule does. The set of implementations is closed
// to this package.
type Action interface {
	Kind() ActionKind
	sealedAction()
}

// ProduceMatchAction resolves a resident with Strategy. Confidence caps the
// confidence reported by the strategy.
type ProduceMatchAction struct {
	Strategy   Strategy
	Confidence float64
}

// SuggestMatchAction resolves like ProduceMatchAction but scales the
// confidence down and always requires review.
type SuggestMatchAction struct {
	Strategy   Strategy
	Confidence float64
}

// ExcludeMatchAction drops candidates produced by Strategy, or all
// candidates when Strategy is empty.
type ExcludeMatchAction struct {
	Strategy Strategy
	Reason   string
}

// BoostConfidenceAction raises the winning candidate's confidence by Amount
type BoostConfidenceAction struct{ Amount float64 }

// RequireVerificationAction prevents the winning candidate from auto-verifying
type RequireVerificationAction struct{ Reason string }

func (ProduceMatchAction) Kind() ActionKind        { return ActionProduceMatch }
func (SuggestMatchAction) Kind() ActionKind        { return ActionSuggestMatch }
func (ExcludeMatchAction) Kind() ActionKind        { return ActionExcludeMatch }
func (BoostConfidenceAction) Kind() ActionKind     { return ActionBoostConfidence }
func (RequireVerificationAction) Kind() ActionKind { return ActionRequireVerification }

func (ProduceMatchAction) sealedAction()        {}
func (SuggestMatchAction) sealedAction()        {}
func (ExcludeMatchAction) sealedAction()        {}
func (BoostConfidenceAction) sealedAction()     {}
func (RequireVerificationAction) sealedAction() {}

// RuleRecord is the persisted form of a custom rule
type RuleRecord struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Priority      int       `json:"priority"`
	Enabled       bool      `json:"enabled"`
	ConditionJSON string    `json:"condition"`
	ActionJSON    string    `json:"action"`
	Confidence    float64   `json:"confidence"`
	Tags          []string  `json:"tags,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}
