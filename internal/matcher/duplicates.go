package matcher

import (
	"fmt"
	"strings"

	"dues-reconciliation-service/internal/models"
)

// DuplicateGroup is a set of mutations that look like the same bank line
type DuplicateGroup struct {
	Transactions []*models.Transaction
	GroupID      string
	Confidence   float64
	Reason       string
	// Exact is set when every field that identifies a bank line is equal
	Exact bool
}

// DuplicateDetectionResult represents the result of duplicate detection
type DuplicateDetectionResult struct {
	Groups []DuplicateGroup
}

// ExactDuplicates returns the ids of every member after the first of each
// exact group. Importers drop these.
func (r *DuplicateDetectionResult) ExactDuplicates() map[string]bool {
	ids := make(map[string]bool)
	for _, g := range r.Groups {
		if !g.Exact {
			continue
		}
		for _, tx := range g.Transactions[1:] {
			ids[tx.ID] = true
		}
	}
	return ids
}

// DetectDuplicates groups mutations of the same statement that share amount
// and calendar date. Statement re-imports produce exact duplicates; two
// residents paying the same amount on the same day produce partial ones.
func DetectDuplicates(transactions []*models.Transaction) *DuplicateDetectionResult {
	var groups []DuplicateGroup
	processed := make(map[int]bool)

	for i, tx1 := range transactions {
		if processed[i] {
			continue
		}

		duplicates := []*models.Transaction{tx1}
		for j := i + 1; j < len(transactions); j++ {
			if processed[j] {
				continue
			}
			if isPotentialDuplicate(tx1, transactions[j]) {
				duplicates = append(duplicates, transactions[j])
				processed[j] = true
			}
		}
		processed[i] = true

		if len(duplicates) > 1 {
			confidence, exact := duplicateConfidence(duplicates)
			groups = append(groups, DuplicateGroup{
				Transactions: duplicates,
				GroupID:      fmt.Sprintf("DUP_%s", tx1.ID),
				Confidence:   confidence,
				Reason:       duplicateReason(duplicates),
				Exact:        exact,
			})
		}
	}

	return &DuplicateDetectionResult{Groups: groups}
}

func isPotentialDuplicate(tx1, tx2 *models.Transaction) bool {
	if !tx1.Amount.Equal(tx2.Amount) {
		return false
	}
	if tx1.IsDebit() != tx2.IsDebit() {
		return false
	}
	return models.WithinDays(tx1.Date, tx2.Date, 0)
}

// duplicateConfidence averages the similarity of every member to the first
func duplicateConfidence(transactions []*models.Transaction) (float64, bool) {
	reference := transactions[0]
	total := 0.0
	exact := true

	for _, tx := range transactions[1:] {
		score := 0.5 // amount, direction and date already agree
		if normalizeDescription(reference.Description) == normalizeDescription(tx.Description) {
			score += 0.3
		} else {
			exact = false
		}
		if reference.Reference == tx.Reference {
			score += 0.1
		} else {
			exact = false
		}
		if balanceEqual(reference, tx) {
			score += 0.1
		} else {
			exact = false
		}
		total += score
	}

	return total / float64(len(transactions)-1), exact
}

func balanceEqual(a, b *models.Transaction) bool {
	if a.Balance == nil || b.Balance == nil {
		return a.Balance == nil && b.Balance == nil
	}
	return a.Balance.Equal(*b.Balance)
}

func normalizeDescription(s string) string {
	return strings.Join(strings.Fields(strings.ToUpper(s)), " ")
}

func duplicateReason(transactions []*models.Transaction) string {
	return fmt.Sprintf("Found %d mutations with amount %s on %s",
		len(transactions), transactions[0].Amount.String(), transactions[0].Date.Format("2006-01-02"))
}
