package learning

import (
	"sort"

	"dues-reconciliation-service/internal/models"
)

// Insight is a learned pattern strong enough to report
type Insight struct {
	Family     models.PatternFamily `json:"family"`
	Pattern    string               `json:"pattern"`
	Confidence float64              `json:"confidence"`
	Frequency  int                  `json:"frequency"`
	Residents  []string             `json:"residents"`
}

// ResidentSimilarity is the pattern overlap between two residents
type ResidentSimilarity struct {
	ResidentID string  `json:"resident_id"`
	Score      float64 `json:"score"`
}

// Insights returns patterns passing their family thresholds, strongest
// first. The same pattern learned for several residents is merged into one
// insight with the highest confidence and the summed frequency.
func (s *System) Insights() []Insight {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type key struct {
		family  models.PatternFamily
		pattern string
	}
	merged := make(map[key]*Insight)
	var order []key

	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		record := s.records[id]
		for _, family := range models.PatternFamilies {
			threshold := s.config.InsightThreshold(family)
			for _, e := range record.Patterns(family) {
				if e.Frequency < threshold.MinFrequency || e.Confidence < threshold.MinConfidence {
					continue
				}
				k := key{family, e.Pattern}
				ins, ok := merged[k]
				if !ok {
					ins = &Insight{Family: family, Pattern: e.Pattern}
					merged[k] = ins
					order = append(order, k)
				}
				if e.Confidence > ins.Confidence {
					ins.Confidence = e.Confidence
				}
				ins.Frequency += e.Frequency
				ins.Residents = append(ins.Residents, id)
			}
		}
	}

	out := make([]Insight, 0, len(order))
	for _, k := range order {
		out = append(out, *merged[k])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Frequency > out[j].Frequency
	})
	return out
}

// SimilarResidents ranks other residents by the Jaccard overlap of their
// pattern sets, averaged over the families either resident has patterns in.
// Residents without any overlap are left out.
func (s *System) SimilarResidents(residentID string, limit int) []ResidentSimilarity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	target, ok := s.records[residentID]
	if !ok {
		return nil
	}

	var out []ResidentSimilarity
	for id, other := range s.records {
		if id == residentID {
			continue
		}
		total, families := 0.0, 0
		for _, family := range models.PatternFamilies {
			a, b := target.Patterns(family), other.Patterns(family)
			if len(a) == 0 && len(b) == 0 {
				continue
			}
			total += jaccard(a, b)
			families++
		}
		if families == 0 {
			continue
		}
		if score := total / float64(families); score > 0 {
			out = append(out, ResidentSimilarity{ResidentID: id, Score: score})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ResidentID < out[j].ResidentID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func jaccard(a, b []models.PatternEntry) float64 {
	set := make(map[string]bool, len(a))
	for _, e := range a {
		set[e.Pattern] = true
	}
	intersection := 0
	union := len(set)
	for _, e := range b {
		if set[e.Pattern] {
			intersection++
		} else {
			union++
		}
	}
	return float64(intersection) / float64(union)
}
