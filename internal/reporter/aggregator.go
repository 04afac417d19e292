package reporter

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"dues-reconciliation-service/internal/models"
	"dues-reconciliation-service/internal/storage"
	"dues-reconciliation-service/pkg/errors"
	"dues-reconciliation-service/pkg/logger"
)

// StatsFilter narrows the mutations a dashboard covers. Zero fields do not
// filter.
type StatsFilter struct {
	From        time.Time `json:"from,omitempty"`
	To          time.Time `json:"to,omitempty"`
	ImportBatch string    `json:"import_batch,omitempty"`
}

// MonthStats summarizes the mutations of one calendar month
type MonthStats struct {
	Month          string          `json:"month"`
	Total          int             `json:"total"`
	Verified       int             `json:"verified"`
	Omitted        int             `json:"omitted"`
	Unverified     int             `json:"unverified"`
	VerifiedAmount decimal.Decimal `json:"verified_amount"`
}

// DashboardStats is a read-only summary of stored mutations and their audit
// trail
type DashboardStats struct {
	GeneratedAt time.Time   `json:"generated_at"`
	Filter      StatsFilter `json:"filter"`

	Total            int `json:"total"`
	Verified         int `json:"verified"`
	AutoVerified     int `json:"auto_verified"`
	ManuallyVerified int `json:"manually_verified"`
	Omitted          int `json:"omitted"`
	Unverified       int `json:"unverified"`
	AssistedReview   int `json:"assisted_review"`
	ManualReview     int `json:"manual_review"`

	TotalAmount      decimal.Decimal `json:"total_amount"`
	VerifiedAmount   decimal.Decimal `json:"verified_amount"`
	UnverifiedAmount decimal.Decimal `json:"unverified_amount"`
	OmittedAmount    decimal.Decimal `json:"omitted_amount"`

	// VerificationRate is verified over non-omitted mutations
	VerificationRate  float64 `json:"verification_rate"`
	AverageConfidence float64 `json:"average_confidence"`

	ActiveResidents int `json:"active_residents"`
	PayingResidents int `json:"paying_residents"`

	ByCategory map[models.Category]int    `json:"by_category"`
	ByStrategy map[models.Strategy]int    `json:"by_strategy"`
	ByAction   map[models.AuditAction]int `json:"by_action"`
	ByActor    map[string]int             `json:"by_actor"`
	Monthly    []MonthStats               `json:"monthly"`
}

// DashboardAggregator computes dashboard statistics from storage
type DashboardAggregator struct {
	repo  storage.Repository
	tiers models.TierThresholds
	now   func() time.Time
	log   logger.Logger
}

// NewDashboardAggregator creates an aggregator. Unverified mutations are
// split into assisted and manual review by tiers.
func NewDashboardAggregator(repo storage.Repository, tiers models.TierThresholds) (*DashboardAggregator, error) {
	if repo == nil {
		return nil, errors.ValidationError(errors.CodeMissingField, "repository", nil, nil)
	}
	if err := tiers.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "tiers", tiers, err)
	}
	return &DashboardAggregator{
		repo:  repo,
		tiers: tiers,
		now:   time.Now,
		log:   logger.GetGlobalLogger().WithComponent("dashboard"),
	}, nil
}

// SetClock overrides the clock used for GeneratedAt
func (a *DashboardAggregator) SetClock(now func() time.Time) {
	a.now = now
}

// Stats aggregates the mutations selected by filter
func (a *DashboardAggregator) Stats(ctx context.Context, filter StatsFilter) (*DashboardStats, error) {
	txs, err := a.repo.ListTransactions(ctx, storage.TransactionFilter{
		From:        filter.From,
		To:          filter.To,
		ImportBatch: filter.ImportBatch,
	})
	if err != nil {
		return nil, err
	}
	audits, err := a.repo.ListAudit(ctx, "")
	if err != nil {
		return nil, err
	}
	residents, err := a.repo.ListActiveResidents(ctx)
	if err != nil {
		return nil, err
	}

	stats := &DashboardStats{
		GeneratedAt:      a.now(),
		Filter:           filter,
		TotalAmount:      decimal.Zero,
		VerifiedAmount:   decimal.Zero,
		UnverifiedAmount: decimal.Zero,
		OmittedAmount:    decimal.Zero,
		ActiveResidents:  len(residents),
		ByCategory:       make(map[models.Category]int),
		ByStrategy:       make(map[models.Strategy]int),
		ByAction:         make(map[models.AuditAction]int),
		ByActor:          make(map[string]int),
	}

	// The latest audit record of a mutation tells how it was verified
	selected := make(map[string]bool, len(txs))
	for _, tx := range txs {
		selected[tx.ID] = true
	}
	latest := make(map[string]*models.AuditRecord)
	for _, record := range audits {
		if !selected[record.TransactionID] {
			continue
		}
		stats.ByAction[record.Action]++
		if record.Actor != "" {
			stats.ByActor[record.Actor]++
		}
		latest[record.TransactionID] = record
	}

	months := make(map[string]*MonthStats)
	paying := make(map[string]bool)
	confidenceSum := 0.0

	for _, tx := range txs {
		amount := tx.Amount.Abs()
		stats.Total++
		stats.TotalAmount = stats.TotalAmount.Add(amount)
		stats.ByCategory[tx.Category]++

		key := tx.Date.Format("2006-01")
		month, ok := months[key]
		if !ok {
			month = &MonthStats{Month: key, VerifiedAmount: decimal.Zero}
			months[key] = month
		}
		month.Total++

		switch tx.State {
		case models.StateVerified:
			stats.Verified++
			stats.VerifiedAmount = stats.VerifiedAmount.Add(amount)
			stats.ByStrategy[tx.MatchStrategy]++
			confidenceSum += tx.MatchConfidence
			if tx.MatchedResidentID != "" {
				paying[tx.MatchedResidentID] = true
			}
			if record, ok := latest[tx.ID]; ok && record.Action == models.ActionAutoMatch {
				stats.AutoVerified++
			} else {
				stats.ManuallyVerified++
			}
			month.Verified++
			month.VerifiedAmount = month.VerifiedAmount.Add(amount)

		case models.StateOmitted:
			stats.Omitted++
			stats.OmittedAmount = stats.OmittedAmount.Add(amount)
			month.Omitted++

		default:
			stats.Unverified++
			stats.UnverifiedAmount = stats.UnverifiedAmount.Add(amount)
			if tx.IsMatched() && tx.MatchConfidence >= a.tiers.AssistedReview {
				stats.AssistedReview++
			} else {
				stats.ManualReview++
			}
			month.Unverified++
		}
	}

	if considered := stats.Total - stats.Omitted; considered > 0 {
		stats.VerificationRate = float64(stats.Verified) / float64(considered)
	}
	if stats.Verified > 0 {
		stats.AverageConfidence = confidenceSum / float64(stats.Verified)
	}
	stats.PayingResidents = len(paying)

	stats.Monthly = make([]MonthStats, 0, len(months))
	for _, m := range months {
		stats.Monthly = append(stats.Monthly, *m)
	}
	sort.Slice(stats.Monthly, func(i, j int) bool {
		return stats.Monthly[i].Month < stats.Monthly[j].Month
	})

	a.log.WithFields(logger.Fields{
		"transactions": stats.Total,
		"audit":        len(audits),
	}).Debug("Dashboard aggregated")
	return stats, nil
}
