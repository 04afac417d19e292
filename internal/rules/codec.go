package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"dues-reconciliation-service/internal/models"
	"dues-reconciliation-service/pkg/errors"
	"dues-reconciliation-service/pkg/logger"
)

// ConditionSpec is the serialized form of a condition tree node
type ConditionSpec struct {
	Type     models.ConditionKind  `json:"type" yaml:"type"`
	Children []ConditionSpec       `json:"children,omitempty" yaml:"children,omitempty"`
	Operator models.AmountOperator `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    string                `json:"value,omitempty" yaml:"value,omitempty"`
	Min      string                `json:"min,omitempty" yaml:"min,omitempty"`
	Max      string                `json:"max,omitempty" yaml:"max,omitempty"`
	Days     int                   `json:"days,omitempty" yaml:"days,omitempty"`
	Keywords []string              `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Pattern  string                `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	MinScore float64               `json:"min_score,omitempty" yaml:"min_score,omitempty"`
}

// ActionSpec is the serialized form of a rule action
type ActionSpec struct {
	Type       models.ActionKind `json:"type" yaml:"type"`
	Strategy   models.Strategy   `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Confidence float64           `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	Amount     float64           `json:"amount,omitempty" yaml:"amount,omitempty"`
	Reason     string            `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// RuleSpec is the serialized form of a rule in a rules file
type RuleSpec struct {
	ID        string        `json:"id" yaml:"id"`
	Name      string        `json:"name" yaml:"name"`
	Priority  int           `json:"priority" yaml:"priority"`
	Enabled   *bool         `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Condition ConditionSpec `json:"condition" yaml:"condition"`
	Action    ActionSpec    `json:"action" yaml:"action"`
	Tags      []string      `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// RulesFile is the layout of a YAML rules file
type RulesFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

// DecodeCondition validates a condition spec and builds the condition
func DecodeCondition(spec ConditionSpec) (models.Condition, error) {
	switch spec.Type {
	case models.ConditionAnd, models.ConditionOr, models.ConditionNot:
		if len(spec.Children) == 0 {
			return nil, fmt.Errorf("%s condition needs at least one child", spec.Type)
		}
		children := make([]models.Condition, 0, len(spec.Children))
		for _, child := range spec.Children {
			c, err := DecodeCondition(child)
			if err != nil {
				return nil, err
			}
			children = append(children, c)
		}
		switch spec.Type {
		case models.ConditionAnd:
			return models.AndCondition{Children: children}, nil
		case models.ConditionOr:
			return models.OrCondition{Children: children}, nil
		default:
			return models.NotCondition{Children: children}, nil
		}
	case models.ConditionPaymentIndexExists:
		return models.PaymentIndexExistsCondition{}, nil
	case models.ConditionAmount:
		return decodeAmount(spec)
	case models.ConditionDateRange:
		if spec.Days <= 0 {
			return nil, fmt.Errorf("date range needs a positive day window, got %d", spec.Days)
		}
		return models.DateRangeCondition{Days: spec.Days}, nil
	case models.ConditionNameExists:
		return models.NameExistsCondition{}, nil
	case models.ConditionAddressExists:
		return models.AddressExistsCondition{}, nil
	case models.ConditionKeywordExists:
		return models.KeywordExistsCondition{Keywords: append([]string(nil), spec.Keywords...)}, nil
	case models.ConditionDescriptionRegex:
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid description pattern %q: %w", spec.Pattern, err)
		}
		return models.DescriptionRegexCondition{Pattern: re}, nil
	case models.ConditionLearnedPattern:
		if spec.MinScore < 0 || spec.MinScore > 1 {
			return nil, fmt.Errorf("learned pattern score must be in [0,1], got %.2f", spec.MinScore)
		}
		return models.LearnedPatternCondition{MinScore: spec.MinScore}, nil
	default:
		return nil, fmt.Errorf("unknown condition type %q", spec.Type)
	}
}

func decodeAmount(spec ConditionSpec) (models.Condition, error) {
	c := models.AmountCondition{Operator: spec.Operator}
	var err error
	switch spec.Operator {
	case models.AmountEquals, models.AmountGreaterThan, models.AmountLessThan:
		if c.Value, err = decimal.NewFromString(spec.Value); err != nil {
			return nil, fmt.Errorf("invalid amount value %q: %w", spec.Value, err)
		}
	case models.AmountBetween:
		if c.Min, err = decimal.NewFromString(spec.Min); err != nil {
			return nil, fmt.Errorf("invalid amount minimum %q: %w", spec.Min, err)
		}
		if c.Max, err = decimal.NewFromString(spec.Max); err != nil {
			return nil, fmt.Errorf("invalid amount maximum %q: %w", spec.Max, err)
		}
		if c.Min.GreaterThan(c.Max) {
			return nil, fmt.Errorf("amount minimum %s exceeds maximum %s", c.Min, c.Max)
		}
	default:
		return nil, fmt.Errorf("unknown amount operator %q", spec.Operator)
	}
	return c, nil
}

// EncodeCondition converts a condition into its serialized form
func EncodeCondition(c models.Condition) ConditionSpec {
	switch cond := c.(type) {
	case models.AndCondition:
		return ConditionSpec{Type: models.ConditionAnd, Children: encodeChildren(cond.Children)}
	case models.OrCondition:
		return ConditionSpec{Type: models.ConditionOr, Children: encodeChildren(cond.Children)}
	case models.NotCondition:
		return ConditionSpec{Type: models.ConditionNot, Children: encodeChildren(cond.Children)}
	case models.AmountCondition:
		spec := ConditionSpec{Type: models.ConditionAmount, Operator: cond.Operator}
		if cond.Operator == models.AmountBetween {
			spec.Min, spec.Max = cond.Min.String(), cond.Max.String()
		} else {
			spec.Value = cond.Value.String()
		}
		return spec
	case models.DateRangeCondition:
		return ConditionSpec{Type: models.ConditionDateRange, Days: cond.Days}
	case models.KeywordExistsCondition:
		return ConditionSpec{Type: models.ConditionKeywordExists, Keywords: append([]string(nil), cond.Keywords...)}
	case models.DescriptionRegexCondition:
		spec := ConditionSpec{Type: models.ConditionDescriptionRegex}
		if cond.Pattern != nil {
			spec.Pattern = cond.Pattern.String()
		}
		return spec
	case models.LearnedPatternCondition:
		return ConditionSpec{Type: models.ConditionLearnedPattern, MinScore: cond.MinScore}
	case nil:
		return ConditionSpec{}
	default:
		return ConditionSpec{Type: c.Kind()}
	}
}

func encodeChildren(children []models.Condition) []ConditionSpec {
	out := make([]ConditionSpec, len(children))
	for i, c := range children {
		out[i] = EncodeCondition(c)
	}
	return out
}

// DecodeAction validates an action spec and builds the action
func DecodeAction(spec ActionSpec) (models.Action, error) {
	switch spec.Type {
	case models.ActionProduceMatch, models.ActionSuggestMatch:
		if !spec.Strategy.IsValid() {
			return nil, fmt.Errorf("%s needs a valid strategy, got %q", spec.Type, spec.Strategy)
		}
		if spec.Confidence <= 0 || spec.Confidence > 1 {
			return nil, fmt.Errorf("%s confidence must be in (0,1], got %.2f", spec.Type, spec.Confidence)
		}
		if spec.Type == models.ActionProduceMatch {
			return models.ProduceMatchAction{Strategy: spec.Strategy, Confidence: spec.Confidence}, nil
		}
		return models.SuggestMatchAction{Strategy: spec.Strategy, Confidence: spec.Confidence}, nil
	case models.ActionExcludeMatch:
		if spec.Strategy != "" && !spec.Strategy.IsValid() {
			return nil, fmt.Errorf("unknown strategy %q", spec.Strategy)
		}
		return models.ExcludeMatchAction{Strategy: spec.Strategy, Reason: spec.Reason}, nil
	case models.ActionBoostConfidence:
		if spec.Amount <= 0 || spec.Amount > 1 {
			return nil, fmt.Errorf("boost amount must be in (0,1], got %.2f", spec.Amount)
		}
		return models.BoostConfidenceAction{Amount: spec.Amount}, nil
	case models.ActionRequireVerification:
		return models.RequireVerificationAction{Reason: spec.Reason}, nil
	default:
		return nil, fmt.Errorf("unknown action type %q", spec.Type)
	}
}

// EncodeAction converts an action into its serialized form
func EncodeAction(a models.Action) ActionSpec {
	switch act := a.(type) {
	case models.ProduceMatchAction:
		return ActionSpec{Type: models.ActionProduceMatch, Strategy: act.Strategy, Confidence: act.Confidence}
	case models.SuggestMatchAction:
		return ActionSpec{Type: models.ActionSuggestMatch, Strategy: act.Strategy, Confidence: act.Confidence}
	case models.ExcludeMatchAction:
		return ActionSpec{Type: models.ActionExcludeMatch, Strategy: act.Strategy, Reason: act.Reason}
	case models.BoostConfidenceAction:
		return ActionSpec{Type: models.ActionBoostConfidence, Amount: act.Amount}
	case models.RequireVerificationAction:
		return ActionSpec{Type: models.ActionRequireVerification, Reason: act.Reason}
	case nil:
		return ActionSpec{}
	default:
		return ActionSpec{Type: a.Kind()}
	}
}

// DecodeRuleSpec builds a custom rule from its serialized form. Rules are
// enabled unless the spec says otherwise.
func DecodeRuleSpec(spec RuleSpec) (*models.Rule, error) {
	if spec.ID == "" {
		return nil, errors.ConfigurationError(errors.CodeInvalidRule, "rule.id", spec.Name, fmt.Errorf("rule id cannot be empty"))
	}
	cond, err := DecodeCondition(spec.Condition)
	if err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidRule, "rule."+spec.ID+".condition", spec.Condition.Type, err)
	}
	action, err := DecodeAction(spec.Action)
	if err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidRule, "rule."+spec.ID+".action", spec.Action.Type, err)
	}

	enabled := true
	if spec.Enabled != nil {
		enabled = *spec.Enabled
	}
	name := spec.Name
	if name == "" {
		name = spec.ID
	}
	return &models.Rule{
		ID:        spec.ID,
		Name:      name,
		Priority:  spec.Priority,
		Enabled:   enabled,
		Condition: cond,
		Action:    action,
		Tags:      append([]string(nil), spec.Tags...),
		Custom:    true,
	}, nil
}

// EncodeRuleSpec converts a rule into its serialized form
func EncodeRuleSpec(rule *models.Rule) RuleSpec {
	enabled := rule.Enabled
	return RuleSpec{
		ID:        rule.ID,
		Name:      rule.Name,
		Priority:  rule.Priority,
		Enabled:   &enabled,
		Condition: EncodeCondition(rule.Condition),
		Action:    EncodeAction(rule.Action),
		Tags:      append([]string(nil), rule.Tags...),
	}
}

// DecodeRuleRecord builds a rule from its persisted record. The record's
// confidence is used when the action JSON carries none.
func DecodeRuleRecord(rec *models.RuleRecord) (*models.Rule, error) {
	var cond ConditionSpec
	if err := json.Unmarshal([]byte(rec.ConditionJSON), &cond); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidRule, "rule."+rec.ID+".condition", rec.ConditionJSON, err)
	}
	var action ActionSpec
	if err := json.Unmarshal([]byte(rec.ActionJSON), &action); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidRule, "rule."+rec.ID+".action", rec.ActionJSON, err)
	}
	if action.Confidence == 0 {
		action.Confidence = rec.Confidence
	}

	enabled := rec.Enabled
	rule, err := DecodeRuleSpec(RuleSpec{
		ID:        rec.ID,
		Name:      rec.Name,
		Priority:  rec.Priority,
		Enabled:   &enabled,
		Condition: cond,
		Action:    action,
		Tags:      rec.Tags,
	})
	if err != nil {
		return nil, err
	}
	rule.LastUpdated = rec.UpdatedAt
	return rule, nil
}

// EncodeRuleRecord converts a rule into its persisted record
func EncodeRuleRecord(rule *models.Rule) (*models.RuleRecord, error) {
	spec := EncodeRuleSpec(rule)
	cond, err := json.Marshal(spec.Condition)
	if err != nil {
		return nil, errors.InternalError(errors.CodeUnexpectedError, "encode rule condition", err)
	}
	action, err := json.Marshal(spec.Action)
	if err != nil {
		return nil, errors.InternalError(errors.CodeUnexpectedError, "encode rule action", err)
	}
	updated := rule.LastUpdated
	if updated.IsZero() {
		updated = time.Now()
	}
	return &models.RuleRecord{
		ID:            rule.ID,
		Name:          rule.Name,
		Priority:      rule.Priority,
		Enabled:       rule.Enabled,
		ConditionJSON: string(cond),
		ActionJSON:    string(action),
		Confidence:    spec.Action.Confidence,
		Tags:          spec.Tags,
		UpdatedAt:     updated,
	}, nil
}

// LoadRuleRecords decodes persisted rules. Malformed records are logged and
// skipped.
func LoadRuleRecords(records []*models.RuleRecord) []*models.Rule {
	log := logger.GetGlobalLogger().WithComponent("rules")
	var out []*models.Rule
	for _, rec := range records {
		if rec == nil {
			continue
		}
		rule, err := DecodeRuleRecord(rec)
		if err != nil {
			log.WithError(err).WithField("rule_id", rec.ID).Warn("Skipping malformed custom rule")
			continue
		}
		out = append(out, rule)
	}
	return out
}

// ParseRulesYAML decodes a YAML rules document. Malformed rules are logged
// and skipped; a document that is not valid YAML is an error.
func ParseRulesYAML(data []byte) ([]*models.Rule, error) {
	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidRule, "rules", "yaml", err)
	}

	log := logger.GetGlobalLogger().WithComponent("rules")
	var out []*models.Rule
	for i, spec := range file.Rules {
		rule, err := DecodeRuleSpec(spec)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"rule_id": spec.ID,
				"index":   i,
			}).Warn("Skipping malformed rule")
			continue
		}
		out = append(out, rule)
	}
	return out, nil
}

// LoadRulesFile reads custom rules from a YAML file
func LoadRulesFile(path string) ([]*models.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileError(errors.CodeFileNotFound, path, err)
		}
		return nil, errors.FileError(errors.CodeFilePermission, path, err)
	}
	return ParseRulesYAML(data)
}

// MarshalRulesYAML writes rules in the rules file layout
func MarshalRulesYAML(rules []*models.Rule) ([]byte, error) {
	file := RulesFile{Rules: make([]RuleSpec, 0, len(rules))}
	for _, r := range rules {
		file.Rules = append(file.Rules, EncodeRuleSpec(r))
	}
	return yaml.Marshal(file)
}
