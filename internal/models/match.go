package models

import (
	"fmt"
	"sort"
	"strings"
)

// Strategy names the resolution logic that produced a match
type Strategy string

const (
	StrategyPaymentIndex Strategy = "PAYMENT_INDEX"
	StrategyName         Strategy = "NAME"
	StrategyAddress      Strategy = "ADDRESS"
	StrategyKeyword      Strategy = "IPL_KEYWORD"
	StrategyLearned      Strategy = "LEARNED_PATTERN"
	StrategyManual       Strategy = "MANUAL"
)

// IsValid checks if the strategy can be named by a rule action
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyPaymentIndex, StrategyName, StrategyAddress, StrategyKeyword, StrategyLearned:
		return true
	}
	return false
}

// MatchResult is the ephemeral outcome of one matching attempt
type MatchResult struct {
	ResidentID     string   `json:"resident_id,omitempty"`
	PaymentID      string   `json:"payment_id,omitempty"`
	Confidence     float64  `json:"confidence"`
	Strategy       Strategy `json:"strategy"`
	Factors        []string `json:"factors,omitempty"`
	RequiresReview bool     `json:"requires_review"`
	RuleIDs        []string `json:"rule_ids,omitempty"`
}

// AddFactor appends a human-readable contributing factor
func (m *MatchResult) AddFactor(format string, args ...interface{}) {
	m.Factors = append(m.Factors, fmt.Sprintf(format, args...))
}

// AddRule records a supporting rule id once
func (m *MatchResult) AddRule(id string) {
	for _, existing := range m.RuleIDs {
		if existing == id {
			return
		}
	}
	m.RuleIDs = append(m.RuleIDs, id)
}

// Clone returns a copy safe to mutate
func (m *MatchResult) Clone() *MatchResult {
	if m == nil {
		return nil
	}
	c := *m
	c.Factors = append([]string(nil), m.Factors...)
	c.RuleIDs = append([]string(nil), m.RuleIDs...)
	return &c
}

// String returns a compact description of the result
func (m *MatchResult) String() string {
	return fmt.Sprintf("MatchResult{Resident: %s, Strategy: %s, Confidence: %.2f, Factors: [%s]}",
		m.ResidentID, m.Strategy, m.Confidence, strings.Join(m.Factors, "; "))
}

// ClampConfidence bounds a confidence value to [0,1]
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// SortByConfidence orders results by descending confidence, keeping the
// original order for ties.
func SortByConfidence(results []*MatchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Confidence > results[j].Confidence
	})
}

// ReviewTier is the outcome class of a classified mutation
type ReviewTier int

const (
	TierOmitted ReviewTier = iota
	TierAutoVerified
	TierAssistedReview
	TierManualReview
)

// String returns the string representation of ReviewTier
func (t ReviewTier) String() string {
	switch t {
	case TierOmitted:
		return "OMITTED"
	case TierAutoVerified:
		return "AUTO_VERIFIED"
	case TierAssistedReview:
		return "NEEDS_ASSISTED_REVIEW"
	case TierManualReview:
		return "NEEDS_MANUAL_REVIEW"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the tier name in JSON and CSV output
func (t ReviewTier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// TierThresholds are the lower bounds of the auto and assisted tiers
type TierThresholds struct {
	AutoVerify     float64 `json:"auto_verify" mapstructure:"auto_verify"`
	AssistedReview float64 `json:"assisted_review" mapstructure:"assisted_review"`
}

// DefaultTierThresholds returns the 0.8 / 0.5 boundaries
func DefaultTierThresholds() TierThresholds {
	return TierThresholds{AutoVerify: 0.8, AssistedReview: 0.5}
}

// Validate checks that the thresholds partition [0,1]
func (t TierThresholds) Validate() error {
	if t.AssistedReview < 0 || t.AutoVerify > 1 || t.AssistedReview >= t.AutoVerify {
		return fmt.Errorf("tier thresholds must satisfy 0 <= assisted (%f) < auto (%f) <= 1",
			t.AssistedReview, t.AutoVerify)
	}
	return nil
}

// TierFor maps a confidence to exactly one tier. Lower bounds are inclusive.
func (t TierThresholds) TierFor(confidence float64) ReviewTier {
	switch {
	case confidence >= t.AutoVerify:
		return TierAutoVerified
	case confidence >= t.AssistedReview:
		return TierAssistedReview
	default:
		return TierManualReview
	}
}

// TierForResult tiers a match result. A missing result is manual review and
// a result flagged for review never auto-verifies.
func (t TierThresholds) TierForResult(result *MatchResult) ReviewTier {
	if result == nil || result.ResidentID == "" {
		return TierManualReview
	}
	tier := t.TierFor(result.Confidence)
	if tier == TierAutoVerified && result.RequiresReview {
		return TierAssistedReview
	}
	return tier
}
