package reconciler

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dues-reconciliation-service/internal/classifier"
	"dues-reconciliation-service/internal/matcher"
	"dues-reconciliation-service/internal/models"
	"dues-reconciliation-service/pkg/errors"
	"dues-reconciliation-service/pkg/logger"
)

// Config holds the policy of the verification engine
type Config struct {
	Matching   *matcher.MatchingConfig `json:"matching" mapstructure:"matching"`
	Classifier *classifier.Config      `json:"classifier" mapstructure:"classifier"`

	// TransactionTimeout bounds the matching of one mutation. A mutation
	// that runs out of time goes to manual review.
	TransactionTimeout time.Duration `json:"transaction_timeout" mapstructure:"transaction_timeout"`

	// Actor is recorded on audit records written by the engine itself
	Actor string `json:"actor" mapstructure:"actor"`

	// MaxSuggestions bounds the ranked suggestions of a review item
	MaxSuggestions int `json:"max_suggestions" mapstructure:"max_suggestions"`

	// SuggestionFloor drops learned and historical suggestions scoring below it
	SuggestionFloor float64 `json:"suggestion_floor" mapstructure:"suggestion_floor"`

	// ModerateAmount raises review items above it to medium priority
	ModerateAmount int64 `json:"moderate_amount" mapstructure:"moderate_amount"`

	// TrainClassifier enables the learned classifier trained from history
	TrainClassifier bool `json:"train_classifier" mapstructure:"train_classifier"`

	// ProgressInterval is how often batch progress is logged
	ProgressInterval time.Duration `json:"progress_interval" mapstructure:"progress_interval"`
}

// DefaultConfig returns a default configuration for the verification engine
func DefaultConfig() *Config {
	return &Config{
		Matching:           matcher.DefaultMatchingConfig(),
		Classifier:         classifier.DefaultConfig(),
		TransactionTimeout: 5 * time.Second,
		Actor:              "system",
		MaxSuggestions:     5,
		SuggestionFloor:    0.3,
		ModerateAmount:     1000000,
		TrainClassifier:    true,
		ProgressInterval:   5 * time.Second,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Matching == nil {
		return errors.ConfigurationError(errors.CodeMissingConfig, "matching", nil, nil)
	}
	if err := c.Matching.Validate(); err != nil {
		return err
	}
	if c.Classifier == nil {
		return errors.ConfigurationError(errors.CodeMissingConfig, "classifier", nil, nil)
	}
	if err := c.Classifier.Validate(); err != nil {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "classifier", nil, err)
	}
	if c.TransactionTimeout <= 0 {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "transaction_timeout", c.TransactionTimeout,
			fmt.Errorf("transaction timeout must be positive"))
	}
	if strings.TrimSpace(c.Actor) == "" {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "actor", c.Actor,
			fmt.Errorf("actor cannot be empty"))
	}
	if c.MaxSuggestions <= 0 {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "max_suggestions", c.MaxSuggestions,
			fmt.Errorf("max suggestions must be positive"))
	}
	if c.SuggestionFloor < 0 || c.SuggestionFloor > 1 {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "suggestion_floor", c.SuggestionFloor,
			fmt.Errorf("suggestion floor must be between 0 and 1"))
	}
	if c.ModerateAmount <= 0 || c.ModerateAmount > c.Matching.LargeAmount {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "moderate_amount", c.ModerateAmount,
			fmt.Errorf("moderate amount must be positive and not above the large amount %d", c.Matching.LargeAmount))
	}
	return nil
}

// Outcome is the decision of the engine for one mutation
type Outcome struct {
	TransactionID string              `json:"transaction_id"`
	Category      models.Category     `json:"category"`
	Omitted       bool                `json:"omitted"`
	OmitReason    string              `json:"omit_reason,omitempty"`
	Match         *models.MatchResult `json:"match,omitempty"`
	Tier          models.ReviewTier   `json:"tier"`
	// Candidates are the per-resident results of the rule engine, best first
	Candidates []*models.MatchResult `json:"candidates,omitempty"`
	// TimedOut is set when matching ran out of time
	TimedOut bool `json:"timed_out,omitempty"`
}

// Confidence returns the confidence of the outcome, zero when unmatched
func (o *Outcome) Confidence() float64 {
	if o.Match == nil || o.Omitted {
		return 0
	}
	return o.Match.Confidence
}

// BatchSummary counts the outcomes of one batch
type BatchSummary struct {
	Total          int             `json:"total"`
	Processed      int             `json:"processed"`
	Skipped        int             `json:"skipped"`
	Failed         int             `json:"failed"`
	TimedOut       int             `json:"timed_out"`
	AutoVerified   int             `json:"auto_verified"`
	AssistedReview int             `json:"assisted_review"`
	ManualReview   int             `json:"manual_review"`
	Omitted        int             `json:"omitted"`
	MatchedAmount  decimal.Decimal `json:"matched_amount"`
	Duration       time.Duration   `json:"duration"`
}

// BatchResult is the result of processing one batch of mutations
type BatchResult struct {
	Summary  BatchSummary              `json:"summary"`
	Outcomes []*Outcome                `json:"outcomes"`
	Errors   []*errors.ReconcilerError `json:"errors,omitempty"`
	Progress logger.ProgressStats      `json:"progress"`
}

func (s *BatchSummary) count(o *Outcome, amount decimal.Decimal) {
	s.Processed++
	if o.TimedOut {
		s.TimedOut++
	}
	switch o.Tier {
	case models.TierOmitted:
		s.Omitted++
	case models.TierAutoVerified:
		s.AutoVerified++
		s.MatchedAmount = s.MatchedAmount.Add(amount.Abs())
	case models.TierAssistedReview:
		s.AssistedReview++
	default:
		s.ManualReview++
	}
}

// String returns a one-line summary
func (s BatchSummary) String() string {
	return fmt.Sprintf("processed %d of %d: %d auto-verified, %d assisted, %d manual, %d omitted, %d failed, %d skipped",
		s.Processed, s.Total, s.AutoVerified, s.AssistedReview, s.ManualReview, s.Omitted, s.Failed, s.Skipped)
}
