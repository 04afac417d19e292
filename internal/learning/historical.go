package learning

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"dues-reconciliation-service/internal/matcher"
	"dues-reconciliation-service/internal/models"
)

// HistoricalMatch is a resident whose learned patterns resemble a mutation
type HistoricalMatch struct {
	ResidentID       string
	Score            float64
	DescriptionScore float64
	AmountScore      float64
	// NameScore and AddressScore are the identifying parts of the
	// description score; keywords and amounts are shared by many residents
	NameScore    float64
	AddressScore float64
	Factors          []string
}

// HistoricalMatcher scores mutations against a snapshot of learning records.
// It never changes after construction.
type HistoricalMatcher struct {
	records []*models.LearningRecord
	config  matcher.LearningConfig
}

// NewHistoricalMatcher creates a matcher over learning records. The records
// are owned by the matcher afterwards.
func NewHistoricalMatcher(records []*models.LearningRecord, config *matcher.MatchingConfig) *HistoricalMatcher {
	return &HistoricalMatcher{records: records, config: config.Learning}
}

// Len returns the number of records in the snapshot
func (hm *HistoricalMatcher) Len() int {
	return len(hm.records)
}

// Match returns the best resident scoring at least MinMatchScore, or nil
// when nobody qualifies or two residents tie for the best score.
func (hm *HistoricalMatcher) Match(description string, amount decimal.Decimal) *HistoricalMatch {
	ranked := hm.Rank(description, amount, hm.config.MinMatchScore)
	if len(ranked) == 0 {
		return nil
	}
	if len(ranked) > 1 && ranked[1].Score == ranked[0].Score {
		return nil
	}
	return ranked[0]
}

// Identifying reports whether the match hit a learned name or address
func (m *HistoricalMatch) Identifying() bool {
	return m.NameScore > 0 || m.AddressScore > 0
}

// Rank scores every resident and returns those at or above floor, best first
func (hm *HistoricalMatcher) Rank(description string, amount decimal.Decimal, floor float64) []*HistoricalMatch {
	observed := ExtractPatterns(description, amount, &hm.config)

	var out []*HistoricalMatch
	for _, record := range hm.records {
		m := hm.score(record, observed, amount)
		if m.Score > 0 && m.Score >= floor {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ResidentID < out[j].ResidentID
	})
	return out
}

// score combines description similarity and amount proximity:
// DescriptionWeight*desc + AmountWeight*amount. The description part is the
// strongest of the name, address and keyword families, each weighted by the
// learned confidence of the pattern it hit.
func (hm *HistoricalMatcher) score(record *models.LearningRecord, observed Patterns, amount decimal.Decimal) *HistoricalMatch {
	m := &HistoricalMatch{ResidentID: record.ResidentID}

	name := 0.0
	for _, candidate := range observed[models.FamilyName] {
		for _, e := range record.NamePatterns {
			if s := matcher.Similarity(candidate, e.Pattern) * e.Confidence; s > name {
				name = s
			}
		}
	}

	address := 0.0
	for _, key := range observed[models.FamilyAddress] {
		for _, e := range record.AddressPatterns {
			if key == e.Pattern && e.Confidence > address {
				address = e.Confidence
			}
		}
	}

	keyword := 0.0
	if words := observed[models.FamilyKeyword]; len(words) > 0 && len(record.KeywordPatterns) > 0 {
		learned := make(map[string]float64, len(record.KeywordPatterns))
		for _, e := range record.KeywordPatterns {
			learned[e.Pattern] = e.Confidence
		}
		sum := 0.0
		for _, w := range words {
			sum += learned[w]
		}
		keyword = sum / float64(len(words))
	}

	m.NameScore = name
	m.AddressScore = address
	m.DescriptionScore = name
	if name > 0 {
		m.Factors = append(m.Factors, fmt.Sprintf("learned name %.2f", name))
	}
	if address > m.DescriptionScore {
		m.DescriptionScore = address
	}
	if address > 0 {
		m.Factors = append(m.Factors, fmt.Sprintf("learned address %.2f", address))
	}
	if keyword > m.DescriptionScore {
		m.DescriptionScore = keyword
	}

	m.AmountScore = hm.amountScore(record.AmountPatterns, amount)
	if m.AmountScore > 0 {
		m.Factors = append(m.Factors, fmt.Sprintf("learned amount %.2f", m.AmountScore))
	}

	m.Score = models.ClampConfidence(hm.config.DescriptionWeight*m.DescriptionScore + hm.config.AmountWeight*m.AmountScore)
	return m
}

// amountScore is 1 for an amount in a learned bucket and decays linearly
// from 0.5 to 0 over AmountProximity around the nearest learned bucket.
func (hm *HistoricalMatcher) amountScore(entries []models.PatternEntry, amount decimal.Decimal) float64 {
	if len(entries) == 0 {
		return 0
	}
	bucket := AmountBucket(amount, hm.config.AmountBucket)
	proximity := decimal.NewFromInt(hm.config.AmountProximity)

	best := 0.0
	for _, e := range entries {
		learned, err := decimal.NewFromString(e.Pattern)
		if err != nil {
			continue
		}
		if learned.Equal(bucket) {
			return 1
		}
		if !proximity.IsPositive() {
			continue
		}
		diff := learned.Sub(amount.Abs()).Abs()
		if diff.GreaterThan(proximity) {
			continue
		}
		ratio, _ := diff.Div(proximity).Float64()
		if s := 0.5 * (1 - ratio); s > best {
			best = s
		}
	}
	return best
}
