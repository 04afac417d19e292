// Package learning keeps per-resident pattern statistics learned from
// confirmed verifications and matches new mutations against them.
//
// The System is the only mutable component of the matching pipeline. The
// verification engine feeds it confirmed decisions and takes immutable
// snapshots of its records when it builds a matching context, so matching
// never reads a record while it is being updated.
//
// Example usage:
//
//	sys := learning.NewSystem(matcher.DefaultMatchingConfig())
//	sys.Load(records)
//	updated := sys.Update(residentID, tx, 1.0)
//	hm := learning.NewHistoricalMatcher(sys.Snapshot(), config)
//	if m := hm.Match(tx.Description, tx.Amount); m != nil {
//		fmt.Println(m.ResidentID, m.Score)
//	}
package learning

import (
	"sort"
	"sync"
	"time"

	"dues-reconciliation-service/internal/matcher"
	"dues-reconciliation-service/internal/models"
	"dues-reconciliation-service/pkg/logger"
)

// System holds the learning records of every resident
type System struct {
	mu      sync.RWMutex
	records map[string]*models.LearningRecord
	config  matcher.LearningConfig
	now     func() time.Time
	log     logger.Logger
}

// NewSystem creates an empty learning system
func NewSystem(config *matcher.MatchingConfig) *System {
	return &System{
		records: make(map[string]*models.LearningRecord),
		config:  config.Learning,
		now:     time.Now,
		log:     logger.GetGlobalLogger().WithComponent("learning"),
	}
}

// SetClock overrides the clock used for last-seen timestamps
func (s *System) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Load replaces all records. Confidences read from storage are clamped to
// [0,1].
func (s *System) Load(records []*models.LearningRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*models.LearningRecord, len(records))
	for _, r := range records {
		if r == nil || r.ResidentID == "" {
			continue
		}
		c := r.Clone()
		c.AverageConfidence = models.ClampConfidence(c.AverageConfidence)
		for _, family := range models.PatternFamilies {
			entries := c.Patterns(family)
			for i := range entries {
				entries[i].Confidence = models.ClampConfidence(entries[i].Confidence)
			}
		}
		s.records[c.ResidentID] = c
	}
	s.log.WithField("records", len(s.records)).Debug("Learning records loaded")
}

// Len returns the number of residents with learned patterns
func (s *System) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Record returns a copy of a resident's record
func (s *System) Record(residentID string) (*models.LearningRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[residentID]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Snapshot returns deep copies of all records sorted by resident id
func (s *System) Snapshot() []*models.LearningRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.LearningRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResidentID < out[j].ResidentID })
	return out
}

// Update folds one confirmed verification into the resident's record and
// returns a copy of the updated record for persistence. A pattern seen
// before moves its confidence by the moving average
// prev*EMAPreviousWeight + confidence*EMAObservationWeight; a new pattern
// starts at the verification's confidence.
func (s *System) Update(residentID string, tx *models.Transaction, confidence float64) *models.LearningRecord {
	confidence = models.ClampConfidence(confidence)
	patterns := ExtractPatterns(tx.Description, tx.Amount, &s.config)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	record, ok := s.records[residentID]
	if !ok {
		record = models.NewLearningRecord(residentID)
		s.records[residentID] = record
	}

	for _, family := range models.PatternFamilies {
		record.SetPatterns(family, s.fold(record.Patterns(family), patterns[family], confidence, now))
	}

	total := float64(record.TotalVerifications)
	record.AverageConfidence = models.ClampConfidence((record.AverageConfidence*total + confidence) / (total + 1))
	record.TotalVerifications++
	record.UpdatedAt = now

	s.log.WithFields(logger.Fields{
		"resident_id":   residentID,
		"transaction":   tx.ID,
		"verifications": record.TotalVerifications,
	}).Debug("Learning record updated")

	return record.Clone()
}

func (s *System) fold(entries []models.PatternEntry, observed []string, confidence float64, now time.Time) []models.PatternEntry {
	for _, pattern := range observed {
		found := false
		for i := range entries {
			if entries[i].Pattern != pattern {
				continue
			}
			prev := entries[i].Confidence
			entries[i].Confidence = models.ClampConfidence(s.config.EMAPreviousWeight*prev + s.config.EMAObservationWeight*confidence)
			entries[i].Frequency++
			entries[i].LastSeen = now
			found = true
			break
		}
		if !found {
			entries = append(entries, models.PatternEntry{
				Pattern:    pattern,
				Frequency:  1,
				LastSeen:   now,
				Confidence: confidence,
			})
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Frequency != entries[j].Frequency {
			return entries[i].Frequency > entries[j].Frequency
		}
		return entries[i].LastSeen.After(entries[j].LastSeen)
	})
	if limit := s.config.MaxPatternsPerFamily; limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// TransactionLookup resolves a mutation id while seeding from audit history
type TransactionLookup func(id string) (*models.Transaction, bool)

// SeedFromAudit replays confirmed decisions of the audit trail in
// chronological order. Records whose mutation cannot be found are skipped.
// It returns the number of decisions learned.
func (s *System) SeedFromAudit(audits []*models.AuditRecord, lookup TransactionLookup) int {
	ordered := append([]*models.AuditRecord(nil), audits...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	learned := 0
	for _, a := range ordered {
		if !a.Action.IsConfirmation() || a.NewResidentID == "" {
			continue
		}
		tx, ok := lookup(a.TransactionID)
		if !ok {
			s.log.WithField("transaction", a.TransactionID).Warn("Audit record references unknown transaction")
			continue
		}
		confidence := a.Confidence
		if confidence == 0 {
			confidence = 1
		}
		s.Update(a.NewResidentID, tx, confidence)
		learned++
	}
	s.log.WithField("decisions", learned).Info("Learning seeded from audit history")
	return learned
}
