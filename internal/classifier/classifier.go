// Package classifier categorizes bank mutation descriptions and decides
// which mutations are noise that must never reach resident matching.
//
// Keyword rules always take precedence. A naive Bayes model trained from the
// verification history may fill in the dues category when keyword rules are
// silent, but it never omits a mutation on its own.
//
// Example usage:
//
//	c := classifier.New(classifier.DefaultConfig())
//	result := c.Classify(tx)
//	if result.Omitted {
//		fmt.Println("omitted:", result.Reason)
//	}
package classifier

import (
	"fmt"
	"regexp"
	"strings"

	"dues-reconciliation-service/internal/models"
)

// Source names what decided a category
type Source string

const (
	SourceKeyword   Source = "keyword"
	SourceDirection Source = "direction"
	SourceLearned   Source = "learned"
	SourceNone      Source = "none"
)

// Result is the classification of one mutation
type Result struct {
	Category   models.Category
	Omitted    bool
	Reason     string
	Source     Source
	Confidence float64
	// Keywords lists the dues keywords found in the description
	Keywords []string
}

// CategoryRule maps a set of description patterns to a category
type CategoryRule struct {
	Category models.Category `json:"category" yaml:"category" mapstructure:"category"`
	Patterns []string        `json:"patterns" yaml:"patterns" mapstructure:"patterns"`
	// Omit marks mutations of this category as noise
	Omit bool `json:"omit" yaml:"omit" mapstructure:"omit"`
}

// Config holds the keyword tables of the classifier. Rules are tried in
// order, so tax on interest is reported as tax.
type Config struct {
	DuesKeywords []string       `json:"dues_keywords" mapstructure:"dues_keywords"`
	Rules        []CategoryRule `json:"rules" mapstructure:"rules"`
	// OmitDebits omits every outgoing mutation
	OmitDebits bool `json:"omit_debits" mapstructure:"omit_debits"`
	// LearnedMinProbability is the posterior needed to accept a learned category
	LearnedMinProbability float64 `json:"learned_min_probability" mapstructure:"learned_min_probability"`
	// LearnedMinSamples is the number of samples per class before the model is used
	LearnedMinSamples int `json:"learned_min_samples" mapstructure:"learned_min_samples"`
}

// DefaultConfig returns the keyword tables used for Indonesian statements
func DefaultConfig() *Config {
	return &Config{
		DuesKeywords: []string{"IPL", "IURAN", "KEAMANAN", "KEBERSIHAN", "SAMPAH", "KAS RT", "KAS RW", "IURAN WARGA"},
		Rules: []CategoryRule{
			{Category: models.CategoryBankFee, Omit: true, Patterns: []string{
				`\bBIAYA\s+(ADM|ADMIN|ADMINISTRASI|TRANSFER|KARTU|MATERAI)`, `\bADM(IN)?\s+BANK\b`, `\bPROVISI\b`, `\bBI-?FAST\s+FEE\b`,
			}},
			{Category: models.CategoryTax, Omit: true, Patterns: []string{
				`\bPAJAK\b`, `\bPPH\b`, `\bTAX\b`,
			}},
			{Category: models.CategoryInterest, Omit: true, Patterns: []string{
				`\bBUNGA\b`, `\bJASA\s+GIRO\b`, `\bINTEREST\b`,
			}},
			{Category: models.CategoryUtility, Omit: true, Patterns: []string{
				`\bPLN\b`, `\bLISTRIK\b`, `\bPDAM\b`, `\bTELKOM\b`, `\bINDIHOME\b`, `\bTOKEN\b`, `\bPULSA\b`, `\bBPJS\b`,
			}},
			{Category: models.CategoryDonation, Patterns: []string{
				`\bDONASI\b`, `\bSUMBANGAN\b`, `\bINFA[QK]\b`, `\bSEDEKAH\b`, `\bZAKAT\b`, `\bSANTUNAN\b`,
			}},
			{Category: models.CategorySpecial, Patterns: []string{
				`\bAGUSTUSAN\b`, `\b17\s?AN\b`, `\bHUT\s+RI\b`, `\bRENOVASI\b`, `\bPEMBANGUNAN\b`, `\bKEGIATAN\b`,
			}},
		},
		OmitDebits:            true,
		LearnedMinProbability: 0.8,
		LearnedMinSamples:     5,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.DuesKeywords) == 0 {
		return fmt.Errorf("at least one dues keyword is required")
	}
	for _, rule := range c.Rules {
		if rule.Category == "" {
			return fmt.Errorf("category rule without category")
		}
		for _, p := range rule.Patterns {
			if _, err := regexp.Compile("(?i)" + p); err != nil {
				return fmt.Errorf("invalid pattern %q for %s: %w", p, rule.Category, err)
			}
		}
	}
	if c.LearnedMinProbability < 0 || c.LearnedMinProbability > 1 {
		return fmt.Errorf("learned minimum probability must be between 0.0 and 1.0: %f", c.LearnedMinProbability)
	}
	return nil
}

type compiledRule struct {
	category models.Category
	omit     bool
	patterns []*regexp.Regexp
}

// Classifier categorizes mutations. It is read-only after construction and
// safe for concurrent use.
type Classifier struct {
	config   *Config
	keywords []*regexp.Regexp
	rules    []compiledRule
	model    *Model
}

// New creates a classifier. Patterns are expected to be valid; invalid ones
// are dropped, use Config.Validate to detect them up front.
func New(config *Config) *Classifier {
	if config == nil {
		config = DefaultConfig()
	}
	c := &Classifier{config: config}
	for _, k := range config.DuesKeywords {
		c.keywords = append(c.keywords, keywordPattern(k))
	}
	for _, rule := range config.Rules {
		cr := compiledRule{category: rule.Category, omit: rule.Omit}
		for _, p := range rule.Patterns {
			if re, err := regexp.Compile("(?i)" + p); err == nil {
				cr.patterns = append(cr.patterns, re)
			}
		}
		c.rules = append(c.rules, cr)
	}
	return c
}

func keywordPattern(keyword string) *regexp.Regexp {
	words := strings.Fields(regexp.QuoteMeta(strings.ToUpper(keyword)))
	return regexp.MustCompile(`(?i)\b` + strings.Join(words, `\s+`) + `\b`)
}

// WithModel returns a copy of the classifier backed by a learned model
func (c *Classifier) WithModel(model *Model) *Classifier {
	clone := *c
	clone.model = model
	return &clone
}

// Model returns the learned model, or nil
func (c *Classifier) Model() *Model {
	return c.model
}

// Keywords returns the configured dues keywords
func (c *Classifier) Keywords() []string {
	return append([]string(nil), c.config.DuesKeywords...)
}

// DuesKeywords returns the dues keywords present in a description
func (c *Classifier) DuesKeywords(description string) []string {
	var found []string
	for i, re := range c.keywords {
		if re.MatchString(description) {
			found = append(found, c.config.DuesKeywords[i])
		}
	}
	return found
}

// HasDuesKeyword reports whether a description mentions dues
func (c *Classifier) HasDuesKeyword(description string) bool {
	for _, re := range c.keywords {
		if re.MatchString(description) {
			return true
		}
	}
	return false
}

// HasAnyKeyword reports whether a description contains any of keywords
func HasAnyKeyword(description string, keywords []string) bool {
	for _, k := range keywords {
		if keywordPattern(k).MatchString(description) {
			return true
		}
	}
	return false
}

// ShouldOmit reports whether a mutation is noise and why
func (c *Classifier) ShouldOmit(tx *models.Transaction) (bool, string) {
	r := c.Classify(tx)
	return r.Omitted, r.Reason
}

// Classify assigns a category and the omission decision. Dues keywords win
// over every noise pattern, so "IPL + BIAYA ADM" stays a dues mutation.
func (c *Classifier) Classify(tx *models.Transaction) Result {
	keywords := c.DuesKeywords(tx.Description)

	if tx.IsDebit() {
		return Result{
			Category:   models.CategoryTransferOut,
			Omitted:    c.config.OmitDebits,
			Reason:     "outgoing mutation",
			Source:     SourceDirection,
			Confidence: 1,
			Keywords:   keywords,
		}
	}

	if len(keywords) > 0 {
		return Result{
			Category:   models.CategoryDues,
			Source:     SourceKeyword,
			Confidence: 1,
			Keywords:   keywords,
		}
	}

	for _, rule := range c.rules {
		for _, re := range rule.patterns {
			if re.MatchString(tx.Description) {
				result := Result{Category: rule.category, Source: SourceKeyword, Confidence: 1}
				if rule.omit {
					result.Omitted = true
					result.Reason = fmt.Sprintf("%s pattern %q without dues keyword",
						strings.ToLower(string(rule.category)), re.String()[4:])
				}
				return result
			}
		}
	}

	if c.model != nil {
		if dues, p, ok := c.model.Predict(tx.Description, c.config.LearnedMinSamples); ok && dues &&
			p >= c.config.LearnedMinProbability {
			return Result{Category: models.CategoryDues, Source: SourceLearned, Confidence: p}
		}
	}

	return Result{Category: models.CategoryUncategorized, Source: SourceNone}
}
