package learning

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"dues-reconciliation-service/internal/matcher"
	"dues-reconciliation-service/internal/models"
)

var keywordTokenPattern = regexp.MustCompile(`[A-Z]+`)

// Patterns holds the pattern strings of one observation per family
type Patterns map[models.PatternFamily][]string

// ExtractPatterns derives the four pattern families from a description and
// amount: name-like candidates, normalized address keys, alphabetic keyword
// tokens of at least MinKeywordLength letters and the amount rounded to the
// nearest bucket.
func ExtractPatterns(description string, amount decimal.Decimal, config *matcher.LearningConfig) Patterns {
	p := make(Patterns, len(models.PatternFamilies))

	p[models.FamilyName] = dedupe(matcher.ExtractNameCandidates(description))

	var addresses []string
	for _, a := range matcher.ExtractAddresses(description) {
		addresses = append(addresses, a.Key())
	}
	p[models.FamilyAddress] = addresses

	var keywords []string
	for _, tok := range keywordTokenPattern.FindAllString(strings.ToUpper(description), -1) {
		if len(tok) >= config.MinKeywordLength {
			keywords = append(keywords, tok)
		}
	}
	p[models.FamilyKeyword] = dedupe(keywords)

	if amount.IsPositive() || amount.IsNegative() {
		p[models.FamilyAmount] = []string{AmountBucket(amount, config.AmountBucket).String()}
	}

	return p
}

// AmountBucket rounds an absolute amount to the nearest multiple of bucket
func AmountBucket(amount decimal.Decimal, bucket int64) decimal.Decimal {
	if bucket <= 0 {
		return amount.Abs()
	}
	b := decimal.NewFromInt(bucket)
	return amount.Abs().Div(b).Round(0).Mul(b)
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
