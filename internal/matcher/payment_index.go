package matcher

import (
	"github.com/shopspring/decimal"

	"dues-reconciliation-service/internal/models"
)

// PaymentIndexMatch is a resident resolved from the amount suffix
type PaymentIndexMatch struct {
	Resident *models.Resident
	Index    int
	Months   int64
	Base     decimal.Decimal
}

// ExtractPaymentIndex decodes the index embedded in amount for one base:
// months = floor(amount/base), remainder = amount - months*base. The
// remainder is the index when months > 0 and the remainder is a whole
// number inside band. Pure and deterministic.
func ExtractPaymentIndex(amount, base decimal.Decimal, band IndexBand) (int, bool) {
	if !base.IsPositive() || !amount.IsPositive() {
		return 0, false
	}

	months := amount.Div(base).Floor()
	if months.IsZero() {
		return 0, false
	}

	remainder := amount.Sub(months.Mul(base))
	if !remainder.Equal(remainder.Truncate(0)) {
		return 0, false
	}

	idx := remainder.IntPart()
	if !band.Contains(int(idx)) {
		return 0, false
	}
	return int(idx), true
}

// PaymentIndexExtractor resolves residents from amounts for a snapshot
type PaymentIndexExtractor struct {
	index  *ResidentIndex
	bases  []decimal.Decimal
	config PaymentIndexConfig
}

// NewPaymentIndexExtractor creates an extractor over a resident index
func NewPaymentIndexExtractor(index *ResidentIndex, config *MatchingConfig) *PaymentIndexExtractor {
	return &PaymentIndexExtractor{
		index:  index,
		bases:  config.BaseDecimals(),
		config: config.PaymentIndex,
	}
}

// HasIndex reports whether the amount carries an index under any base,
// using the predicate band
func (e *PaymentIndexExtractor) HasIndex(amount decimal.Decimal) bool {
	for _, base := range e.bases {
		if _, ok := ExtractPaymentIndex(amount.Abs(), base, e.config.PredicateBand); ok {
			return true
		}
	}
	return false
}

// Resolve returns the resident owning the index decoded from amount using
// the resolution band. Bases are tried in configured order and the first base
// whose index belongs to an active resident wins.
func (e *PaymentIndexExtractor) Resolve(amount decimal.Decimal) *PaymentIndexMatch {
	a := amount.Abs()
	for _, base := range e.bases {
		idx, ok := ExtractPaymentIndex(a, base, e.config.ResolutionBand)
		if !ok {
			continue
		}
		resident, found := e.index.FindByPaymentIndex(idx)
		if !found {
			continue
		}
		return &PaymentIndexMatch{
			Resident: resident,
			Index:    idx,
			Months:   a.Div(base).Floor().IntPart(),
			Base:     base,
		}
	}
	return nil
}

// Confidence returns the confidence of an index match
func (e *PaymentIndexExtractor) Confidence(corroborated bool) float64 {
	if corroborated {
		return e.config.CorroboratedConfidence
	}
	return e.config.Confidence
}
