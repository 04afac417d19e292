// Package matcher provides the deterministic and fuzzy resolvers that map a
// bank mutation to a resident, together with the policy configuration that
// every stage of the pipeline reads its thresholds from.
//
// The package contains four resolvers, each built once per resident snapshot
// and read-only afterwards:
//   - ResidentIndex: lookups by id, payment index and address
//   - PaymentIndexExtractor: decodes the numeric suffix embedded in amounts
//   - NameMatcher: extracts candidate names from descriptions and scores them
//   - AddressMatcher: extracts block/house tokens and resolves them
//
// Example usage:
//
//	config := matcher.DefaultMatchingConfig()
//	index, err := matcher.NewResidentIndex(residents)
//	if err != nil {
//		return err
//	}
//	extractor := matcher.NewPaymentIndexExtractor(index, config)
//	if m := extractor.Resolve(tx.CreditAmount()); m != nil {
//		fmt.Println(m.Resident.Name, m.Index)
//	}
package matcher

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"dues-reconciliation-service/internal/models"
)

// IndexBand is an inclusive range of accepted payment-index remainders
type IndexBand struct {
	Min int `json:"min" mapstructure:"min"`
	Max int `json:"max" mapstructure:"max"`
}

// Contains reports whether v lies inside the band
func (b IndexBand) Contains(v int) bool {
	return v >= b.Min && v <= b.Max
}

// PaymentIndexConfig controls payment-index extraction
type PaymentIndexConfig struct {
	// BaseAmounts are the accepted monthly dues amounts in whole rupiah
	BaseAmounts []int64 `json:"base_amounts" mapstructure:"base_amounts"`
	// PredicateBand decides whether an amount carries an index at all
	PredicateBand IndexBand `json:"predicate_band" mapstructure:"predicate_band"`
	// ResolutionBand decides which remainders are looked up as an index
	ResolutionBand IndexBand `json:"resolution_band" mapstructure:"resolution_band"`
	// Confidence is reported for an index match without a payment record
	Confidence float64 `json:"confidence" mapstructure:"confidence"`
	// CorroboratedConfidence is reported when a payment record corroborates the match
	CorroboratedConfidence float64 `json:"corroborated_confidence" mapstructure:"corroborated_confidence"`
}

// NameConfig controls fuzzy name matching
type NameConfig struct {
	ConsiderationFloor      float64 `json:"consideration_floor" mapstructure:"consideration_floor"`
	AcceptanceFloor         float64 `json:"acceptance_floor" mapstructure:"acceptance_floor"`
	PrimaryNameBonus        float64 `json:"primary_name_bonus" mapstructure:"primary_name_bonus"`
	HighSimilarityThreshold float64 `json:"high_similarity_threshold" mapstructure:"high_similarity_threshold"`
	HighSimilarityBonus     float64 `json:"high_similarity_bonus" mapstructure:"high_similarity_bonus"`
	ContextBonus            float64 `json:"context_bonus" mapstructure:"context_bonus"`
	// LongCollisionLength is the candidate length from which a stop-word
	// containing candidate is kept if it nearly equals a registered name
	LongCollisionLength     int     `json:"long_collision_length" mapstructure:"long_collision_length"`
	LongCollisionSimilarity float64 `json:"long_collision_similarity" mapstructure:"long_collision_similarity"`
}

// AddressConfig controls address resolution
type AddressConfig struct {
	FuzzyMinScore float64 `json:"fuzzy_min_score" mapstructure:"fuzzy_min_score"`
	FuzzyPenalty  float64 `json:"fuzzy_penalty" mapstructure:"fuzzy_penalty"`
}

// InsightThreshold gates insights of one pattern family
type InsightThreshold struct {
	MinFrequency  int     `json:"min_frequency" mapstructure:"min_frequency"`
	MinConfidence float64 `json:"min_confidence" mapstructure:"min_confidence"`
}

// LearningConfig controls the learning system and historical matching
type LearningConfig struct {
	EMAPreviousWeight    float64 `json:"ema_previous_weight" mapstructure:"ema_previous_weight"`
	EMAObservationWeight float64 `json:"ema_observation_weight" mapstructure:"ema_observation_weight"`
	MinKeywordLength     int     `json:"min_keyword_length" mapstructure:"min_keyword_length"`
	AmountBucket         int64   `json:"amount_bucket" mapstructure:"amount_bucket"`
	DescriptionWeight    float64 `json:"description_weight" mapstructure:"description_weight"`
	AmountWeight         float64 `json:"amount_weight" mapstructure:"amount_weight"`
	AmountProximity      int64   `json:"amount_proximity" mapstructure:"amount_proximity"`
	MinMatchScore        float64 `json:"min_match_score" mapstructure:"min_match_score"`
	MaxPatternsPerFamily int     `json:"max_patterns_per_family" mapstructure:"max_patterns_per_family"`

	NameInsight    InsightThreshold `json:"name_insight" mapstructure:"name_insight"`
	AddressInsight InsightThreshold `json:"address_insight" mapstructure:"address_insight"`
	KeywordInsight InsightThreshold `json:"keyword_insight" mapstructure:"keyword_insight"`
	AmountInsight  InsightThreshold `json:"amount_insight" mapstructure:"amount_insight"`
}

// InsightThreshold returns the threshold of a family
func (lc *LearningConfig) InsightThreshold(family models.PatternFamily) InsightThreshold {
	switch family {
	case models.FamilyName:
		return lc.NameInsight
	case models.FamilyAddress:
		return lc.AddressInsight
	case models.FamilyKeyword:
		return lc.KeywordInsight
	default:
		return lc.AmountInsight
	}
}

// MatchingConfig holds every policy constant of the matching pipeline.
// Use the provided factory functions for common scenarios:
//   - DefaultMatchingConfig(): the production thresholds
//   - StrictMatchingConfig(): fewer automatic decisions
//   - RelaxedMatchingConfig(): more candidates surfaced for review
type MatchingConfig struct {
	PaymentIndex PaymentIndexConfig `json:"payment_index" mapstructure:"payment_index"`
	Name         NameConfig         `json:"name" mapstructure:"name"`
	Address      AddressConfig      `json:"address" mapstructure:"address"`
	Learning     LearningConfig     `json:"learning" mapstructure:"learning"`

	// PaymentWindowDays is the ± window used by payment corroboration lookups
	PaymentWindowDays int `json:"payment_window_days" mapstructure:"payment_window_days"`

	// DuesBandMin and DuesBandMax bound the amounts that look like dues
	DuesBandMin int64 `json:"dues_band_min" mapstructure:"dues_band_min"`
	DuesBandMax int64 `json:"dues_band_max" mapstructure:"dues_band_max"`

	// SuggestionFactor scales the confidence of suggest-match actions
	SuggestionFactor float64 `json:"suggestion_factor" mapstructure:"suggestion_factor"`

	// KeywordConfidence is reported by the IPL keyword strategy
	KeywordConfidence float64 `json:"keyword_confidence" mapstructure:"keyword_confidence"`

	// LargeAmount routes mutations above it to verification and high priority
	LargeAmount int64 `json:"large_amount" mapstructure:"large_amount"`

	Tiers models.TierThresholds `json:"tiers" mapstructure:"tiers"`
}

// DefaultMatchingConfig returns the production configuration
func DefaultMatchingConfig() *MatchingConfig {
	return &MatchingConfig{
		PaymentIndex: PaymentIndexConfig{
			BaseAmounts:            []int64{250000},
			PredicateBand:          IndexBand{Min: models.MinPaymentIndex, Max: models.MaxPaymentIndex},
			ResolutionBand:         IndexBand{Min: models.MinPaymentIndex, Max: models.MaxPaymentIndex},
			Confidence:             0.9,
			CorroboratedConfidence: 0.95,
		},
		Name: NameConfig{
			ConsiderationFloor:      0.6,
			AcceptanceFloor:         0.7,
			PrimaryNameBonus:        0.1,
			HighSimilarityThreshold: 0.95,
			HighSimilarityBonus:     0.05,
			ContextBonus:            0.05,
			LongCollisionLength:     8,
			LongCollisionSimilarity: 0.9,
		},
		Address: AddressConfig{
			FuzzyMinScore: 0.5,
			FuzzyPenalty:  0.1,
		},
		Learning: LearningConfig{
			EMAPreviousWeight:    0.7,
			EMAObservationWeight: 0.3,
			MinKeywordLength:     4,
			AmountBucket:         10000,
			DescriptionWeight:    0.6,
			AmountWeight:         0.4,
			AmountProximity:      50000,
			MinMatchScore:        0.7,
			MaxPatternsPerFamily: 50,
			NameInsight:          InsightThreshold{MinFrequency: 3, MinConfidence: 0.7},
			AddressInsight:       InsightThreshold{MinFrequency: 2, MinConfidence: 0.8},
			KeywordInsight:       InsightThreshold{MinFrequency: 5, MinConfidence: 0.6},
			AmountInsight:        InsightThreshold{MinFrequency: 3, MinConfidence: 0.7},
		},
		PaymentWindowDays: 7,
		DuesBandMin:       100000,
		DuesBandMax:       3000000,
		SuggestionFactor:  0.8,
		KeywordConfidence: 0.85,
		LargeAmount:       5000000,
		Tiers:             models.DefaultTierThresholds(),
	}
}

// StrictMatchingConfig returns a configuration that auto-verifies less
func StrictMatchingConfig() *MatchingConfig {
	config := DefaultMatchingConfig()
	config.PaymentIndex.PredicateBand.Min = 100
	config.Name.ConsiderationFloor = 0.7
	config.Name.AcceptanceFloor = 0.8
	config.Address.FuzzyMinScore = 0.7
	config.Learning.MinMatchScore = 0.8
	config.PaymentWindowDays = 3
	config.Tiers = models.TierThresholds{AutoVerify: 0.9, AssistedReview: 0.6}
	return config
}

// RelaxedMatchingConfig returns a configuration that surfaces more candidates
func RelaxedMatchingConfig() *MatchingConfig {
	config := DefaultMatchingConfig()
	config.Name.ConsiderationFloor = 0.5
	config.Name.AcceptanceFloor = 0.6
	config.Address.FuzzyMinScore = 0.4
	config.Learning.MinMatchScore = 0.6
	config.PaymentWindowDays = 10
	return config
}

// Validate checks if the matching configuration is valid
func (mc *MatchingConfig) Validate() error {
	if len(mc.PaymentIndex.BaseAmounts) == 0 {
		return fmt.Errorf("at least one base dues amount is required")
	}
	for _, base := range mc.PaymentIndex.BaseAmounts {
		if base <= 0 {
			return fmt.Errorf("base dues amount must be positive: %d", base)
		}
	}
	for name, band := range map[string]IndexBand{
		"predicate":  mc.PaymentIndex.PredicateBand,
		"resolution": mc.PaymentIndex.ResolutionBand,
	} {
		if band.Min < 1 || band.Max < band.Min {
			return fmt.Errorf("invalid %s band: %d-%d", name, band.Min, band.Max)
		}
	}

	for name, v := range map[string]float64{
		"payment index confidence":     mc.PaymentIndex.Confidence,
		"corroborated confidence":      mc.PaymentIndex.CorroboratedConfidence,
		"name consideration floor":     mc.Name.ConsiderationFloor,
		"name acceptance floor":        mc.Name.AcceptanceFloor,
		"address fuzzy minimum score":  mc.Address.FuzzyMinScore,
		"address fuzzy penalty":        mc.Address.FuzzyPenalty,
		"learning minimum match score": mc.Learning.MinMatchScore,
		"suggestion factor":            mc.SuggestionFactor,
		"keyword confidence":           mc.KeywordConfidence,
	} {
		if v < 0.0 || v > 1.0 {
			return fmt.Errorf("%s must be between 0.0 and 1.0: %f", name, v)
		}
	}

	if mc.Name.ConsiderationFloor > mc.Name.AcceptanceFloor {
		return fmt.Errorf("name consideration floor %f exceeds acceptance floor %f",
			mc.Name.ConsiderationFloor, mc.Name.AcceptanceFloor)
	}

	if w := mc.Learning.EMAPreviousWeight + mc.Learning.EMAObservationWeight; w < 0.999 || w > 1.001 {
		return fmt.Errorf("EMA weights should sum to 1.0, got %f", w)
	}
	if w := mc.Learning.DescriptionWeight + mc.Learning.AmountWeight; w < 0.999 || w > 1.001 {
		return fmt.Errorf("historical match weights should sum to 1.0, got %f", w)
	}
	if mc.Learning.AmountBucket <= 0 {
		return fmt.Errorf("amount bucket must be positive: %d", mc.Learning.AmountBucket)
	}

	if mc.PaymentWindowDays < 0 {
		return fmt.Errorf("payment window days cannot be negative: %d", mc.PaymentWindowDays)
	}
	if mc.DuesBandMin < 0 || mc.DuesBandMax < mc.DuesBandMin {
		return fmt.Errorf("invalid dues band: %d-%d", mc.DuesBandMin, mc.DuesBandMax)
	}

	if err := mc.Tiers.Validate(); err != nil {
		return fmt.Errorf("invalid tiers: %w", err)
	}

	return nil
}

// Clone creates a deep copy of the matching configuration
func (mc *MatchingConfig) Clone() *MatchingConfig {
	if mc == nil {
		return nil
	}
	c := *mc
	c.PaymentIndex.BaseAmounts = append([]int64(nil), mc.PaymentIndex.BaseAmounts...)
	return &c
}

// BaseDecimals returns the base dues amounts as decimals
func (mc *MatchingConfig) BaseDecimals() []decimal.Decimal {
	out := make([]decimal.Decimal, len(mc.PaymentIndex.BaseAmounts))
	for i, base := range mc.PaymentIndex.BaseAmounts {
		out[i] = decimal.NewFromInt(base)
	}
	return out
}

// IsWithinDuesBand reports whether an amount looks like a dues transfer
func (mc *MatchingConfig) IsWithinDuesBand(amount decimal.Decimal) bool {
	a := amount.Abs()
	return a.GreaterThanOrEqual(decimal.NewFromInt(mc.DuesBandMin)) &&
		a.LessThanOrEqual(decimal.NewFromInt(mc.DuesBandMax))
}

// IsLargeAmount reports whether an amount exceeds the large-transaction threshold
func (mc *MatchingConfig) IsLargeAmount(amount decimal.Decimal) bool {
	return amount.Abs().GreaterThan(decimal.NewFromInt(mc.LargeAmount))
}

// IsWithinPaymentWindow checks if two dates are within the corroboration window
func (mc *MatchingConfig) IsWithinPaymentWindow(date1, date2 time.Time) bool {
	return models.WithinDays(date1, date2, mc.PaymentWindowDays)
}

// String returns a human-readable description of the configuration
func (mc *MatchingConfig) String() string {
	return fmt.Sprintf("MatchingConfig{Bases: %v, IndexBand: %d-%d, Window: %d days, NameFloor: %.2f, Tiers: %.2f/%.2f}",
		mc.PaymentIndex.BaseAmounts, mc.PaymentIndex.ResolutionBand.Min, mc.PaymentIndex.ResolutionBand.Max,
		mc.PaymentWindowDays, mc.Name.AcceptanceFloor, mc.Tiers.AutoVerify, mc.Tiers.AssistedReview)
}
