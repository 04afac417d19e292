package models

import "time"

// PatternFamily identifies one of the learned pattern lists
type PatternFamily string

const (
	FamilyName    PatternFamily = "name"
	FamilyAddress PatternFamily = "address"
	FamilyKeyword PatternFamily = "keyword"
	FamilyAmount  PatternFamily = "amount"
)

// PatternFamilies lists every family in a stable order
var PatternFamilies = []PatternFamily{FamilyName, FamilyAddress, FamilyKeyword, FamilyAmount}

// PatternEntry is one learned pattern with its observation statistics
type PatternEntry struct {
	Pattern    string    `json:"pattern"`
	Frequency  int       `json:"frequency"`
	LastSeen   time.Time `json:"last_seen"`
	Confidence float64   `json:"confidence"`
}

// LearningRecord holds the learned patterns of one resident
type LearningRecord struct {
	ResidentID         string         `json:"resident_id"`
	NamePatterns       []PatternEntry `json:"name_patterns"`
	AddressPatterns    []PatternEntry `json:"address_patterns"`
	KeywordPatterns    []PatternEntry `json:"keyword_patterns"`
	AmountPatterns     []PatternEntry `json:"amount_patterns"`
	AverageConfidence  float64        `json:"average_confidence"`
	TotalVerifications int            `json:"total_verifications"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// NewLearningRecord creates an empty record for a resident
func NewLearningRecord(residentID string) *LearningRecord {
	return &LearningRecord{ResidentID: residentID}
}

// Patterns returns the list of a family
func (r *LearningRecord) Patterns(family PatternFamily) []PatternEntry {
	switch family {
	case FamilyName:
		return r.NamePatterns
	case FamilyAddress:
		return r.AddressPatterns
	case FamilyKeyword:
		return r.KeywordPatterns
	case FamilyAmount:
		return r.AmountPatterns
	}
	return nil
}

// SetPatterns replaces the list of a family
func (r *LearningRecord) SetPatterns(family PatternFamily, entries []PatternEntry) {
	switch family {
	case FamilyName:
		r.NamePatterns = entries
	case FamilyAddress:
		r.AddressPatterns = entries
	case FamilyKeyword:
		r.KeywordPatterns = entries
	case FamilyAmount:
		r.AmountPatterns = entries
	}
}

// Clone returns a deep copy of the record
func (r *LearningRecord) Clone() *LearningRecord {
	c := *r
	for _, family := range PatternFamilies {
		c.SetPatterns(family, append([]PatternEntry(nil), r.Patterns(family)...))
	}
	return &c
}
