package reconciler

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"dues-reconciliation-service/internal/matcher"
	"dues-reconciliation-service/internal/models"
	"dues-reconciliation-service/pkg/errors"
)

// mutationNamespace scopes the name-based ids of imported mutations
var mutationNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("dues-reconciliation-service/mutation"))

// DataPreprocessor normalizes parsed statement lines before they are stored
type DataPreprocessor struct {
	config *PreprocessingConfig
}

// PreprocessingConfig contains configuration for data preprocessing
type PreprocessingConfig struct {
	// Timezone is applied to dates parsed without one
	Timezone *time.Location
	// TrimWhitespace collapses runs of whitespace in descriptions
	TrimWhitespace bool
	// UpperCase upper-cases descriptions
	UpperCase bool
	// RemoveDuplicates drops exact duplicate lines of the same upload
	RemoveDuplicates bool
	// SkipZeroAmounts drops lines without an amount instead of failing them
	SkipZeroAmounts bool
}

// PreprocessingStats reports what preprocessing did to a batch
type PreprocessingStats struct {
	Input      int                       `json:"input"`
	Output     int                       `json:"output"`
	Invalid    int                       `json:"invalid"`
	Duplicates int                       `json:"duplicates"`
	ZeroAmount int                       `json:"zero_amount"`
	Groups     []matcher.DuplicateGroup  `json:"-"`
	Errors     []*errors.ReconcilerError `json:"errors,omitempty"`
}

// DefaultPreprocessingConfig returns a default preprocessing configuration
func DefaultPreprocessingConfig() *PreprocessingConfig {
	return &PreprocessingConfig{
		Timezone:         time.UTC,
		TrimWhitespace:   true,
		UpperCase:        false,
		RemoveDuplicates: true,
		SkipZeroAmounts:  true,
	}
}

// NewDataPreprocessor creates a new data preprocessor
func NewDataPreprocessor(config *PreprocessingConfig) *DataPreprocessor {
	if config == nil {
		config = DefaultPreprocessingConfig()
	}
	if config.Timezone == nil {
		config.Timezone = time.UTC
	}
	return &DataPreprocessor{config: config}
}

// PreprocessTransactions normalizes parsed lines, drops exact duplicates of
// the same upload and assigns stable ids. The id of a line is derived from
// its date, description, amount, balance and reference, so uploading the
// same statement twice produces the same ids and the store ignores the
// second copy. Invalid lines are reported in the stats and left out.
func (dp *DataPreprocessor) PreprocessTransactions(batchID string, transactions []*models.Transaction) ([]*models.Transaction, *PreprocessingStats) {
	stats := &PreprocessingStats{Input: len(transactions)}

	normalized := make([]*models.Transaction, 0, len(transactions))
	for i, tx := range transactions {
		if tx == nil {
			continue
		}
		c := tx.Clone()
		if c.Amount.IsZero() && dp.config.SkipZeroAmounts {
			stats.ZeroAmount++
			continue
		}
		c.Description = dp.normalizeDescription(c.Description)
		c.Date = dp.normalizeDate(c.Date)
		c.ImportBatch = batchID
		if c.State == "" {
			c.State = models.StateUnverified
		}
		if c.Category == "" {
			c.Category = models.CategoryUncategorized
		}
		// Row ids keep lines apart until duplicates are known
		c.ID = fmt.Sprintf("row-%d", i)

		if err := c.Validate(); err != nil {
			stats.Invalid++
			stats.Errors = append(stats.Errors,
				errors.ValidationError(errors.CodeInvalidData, "row", i+1, err))
			continue
		}
		normalized = append(normalized, c)
	}

	if dp.config.RemoveDuplicates && len(normalized) > 1 {
		detection := matcher.DetectDuplicates(normalized)
		stats.Groups = detection.Groups
		drop := detection.ExactDuplicates()
		if len(drop) > 0 {
			kept := normalized[:0]
			for _, tx := range normalized {
				if drop[tx.ID] {
					stats.Duplicates++
					continue
				}
				kept = append(kept, tx)
			}
			normalized = kept
		}
	}

	occurrences := make(map[string]int)
	for _, tx := range normalized {
		key := identityKey(tx)
		occurrences[key]++
		if n := occurrences[key]; n > 1 {
			key = fmt.Sprintf("%s|%d", key, n)
		}
		tx.ID = uuid.NewSHA1(mutationNamespace, []byte(key)).String()
	}

	stats.Output = len(normalized)
	return normalized, stats
}

func identityKey(tx *models.Transaction) string {
	balance := ""
	if tx.Balance != nil {
		balance = tx.Balance.String()
	}
	return strings.Join([]string{
		tx.Date.UTC().Format(time.RFC3339),
		strings.Join(strings.Fields(strings.ToUpper(tx.Description)), " "),
		tx.Amount.String(),
		balance,
		tx.Reference,
	}, "|")
}

func (dp *DataPreprocessor) normalizeDescription(s string) string {
	if dp.config.TrimWhitespace {
		s = strings.Join(strings.Fields(s), " ")
	}
	if dp.config.UpperCase {
		s = strings.ToUpper(s)
	}
	return s
}

// normalizeDate moves a date without a zone into the configured timezone,
// keeping the wall clock
func (dp *DataPreprocessor) normalizeDate(t time.Time) time.Time {
	if t.IsZero() || t.Location() != time.UTC || dp.config.Timezone == time.UTC {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), dp.config.Timezone)
}
