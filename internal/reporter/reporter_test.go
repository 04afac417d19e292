package reporter

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dues-reconciliation-service/internal/models"
	"dues-reconciliation-service/internal/storage"
	"dues-reconciliation-service/pkg/logger"
)

var generatedAt = time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)

func day(month time.Month, d int) time.Time {
	return time.Date(2024, month, d, 0, 0, 0, 0, time.UTC)
}

func mutation(id, batch string, date time.Time, amount int64, state models.VerificationState) *models.Transaction {
	tx := models.NewTransaction(id, date, "MUTATION "+id, decimal.NewFromInt(amount))
	tx.ImportBatch = batch
	tx.State = state
	return tx
}

func createTestRepository(t *testing.T) *storage.MemoryRepository {
	t.Helper()
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	require.NoError(t, repo.SaveResidents(ctx, []*models.Resident{
		{ID: "r-157", Name: "Siti Rahayu", PaymentIndex: 157, Active: true},
		{ID: "r-1109", Name: "Budi Santoso", Active: true},
		{ID: "r-205", Name: "Dewi Lestari", Active: true},
		{ID: "r-300", Name: "Agus Wibowo", Active: true},
		{ID: "r-400", Name: "Pindah Rumah", Active: false},
	}))

	auto := mutation("tx-1", "b1", day(time.March, 10), 250157, models.StateVerified)
	auto.Category = models.CategoryDues
	auto.ApplyMatch(&models.MatchResult{ResidentID: "r-157", Confidence: 0.95, Strategy: models.StrategyPaymentIndex})

	manual := mutation("tx-2", "b1", day(time.March, 11), 250000, models.StateVerified)
	manual.Category = models.CategoryDues
	manual.ApplyMatch(&models.MatchResult{ResidentID: "r-1109", Confidence: 1, Strategy: models.StrategyManual})

	omitted := mutation("tx-3", "b2", day(time.February, 5), 450000, models.StateOmitted)
	omitted.Category = models.CategoryUtility
	omitted.Omitted = true

	assisted := mutation("tx-4", "b2", day(time.March, 12), 100000, models.StateUnverified)
	assisted.ApplyMatch(&models.MatchResult{ResidentID: "r-205", Confidence: 0.6, Strategy: models.StrategyName})

	unmatched := mutation("tx-5", "b2", day(time.February, 6), 123456, models.StateUnverified)

	_, err := repo.SaveTransactions(ctx, []*models.Transaction{auto, manual, omitted, assisted, unmatched})
	require.NoError(t, err)

	for i, record := range []*models.AuditRecord{
		{TransactionID: "tx-1", Action: models.ActionAutoMatch, Actor: "system", NewResidentID: "r-157"},
		{TransactionID: "tx-2", Action: models.ActionManualOverride, Actor: "treasurer", NewResidentID: "r-1109"},
		{TransactionID: "tx-5", Action: models.ActionManualSkip, Actor: "treasurer"},
	} {
		record.ID = fmt.Sprintf("a-%d", i+1)
		record.CreatedAt = generatedAt.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.AppendAudit(ctx, record))
	}
	return repo
}

func createTestStats(t *testing.T, filter StatsFilter) *DashboardStats {
	t.Helper()
	aggregator, err := NewDashboardAggregator(createTestRepository(t), models.DefaultTierThresholds())
	require.NoError(t, err)
	aggregator.SetClock(func() time.Time { return generatedAt })

	stats, err := aggregator.Stats(context.Background(), filter)
	require.NoError(t, err)
	return stats
}

func TestNewDashboardAggregator(t *testing.T) {
	_, err := NewDashboardAggregator(nil, models.DefaultTierThresholds())
	assert.Error(t, err)

	_, err = NewDashboardAggregator(storage.NewMemoryRepository(), models.TierThresholds{AutoVerify: 0.4, AssistedReview: 0.5})
	assert.Error(t, err)
}

func TestDashboardStats(t *testing.T) {
	stats := createTestStats(t, StatsFilter{})

	assert.Equal(t, generatedAt, stats.GeneratedAt)
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 2, stats.Verified)
	assert.Equal(t, 1, stats.AutoVerified)
	assert.Equal(t, 1, stats.ManuallyVerified)
	assert.Equal(t, 1, stats.Omitted)
	assert.Equal(t, 2, stats.Unverified)
	assert.Equal(t, 1, stats.AssistedReview)
	assert.Equal(t, 1, stats.ManualReview)

	assert.True(t, stats.TotalAmount.Equal(decimal.NewFromInt(1173613)), stats.TotalAmount.String())
	assert.True(t, stats.VerifiedAmount.Equal(decimal.NewFromInt(500157)))
	assert.True(t, stats.UnverifiedAmount.Equal(decimal.NewFromInt(223456)))
	assert.True(t, stats.OmittedAmount.Equal(decimal.NewFromInt(450000)))

	assert.InDelta(t, 0.5, stats.VerificationRate, 1e-9)
	assert.InDelta(t, 0.975, stats.AverageConfidence, 1e-9)
	assert.Equal(t, 4, stats.ActiveResidents)
	assert.Equal(t, 2, stats.PayingResidents)

	assert.Equal(t, 2, stats.ByCategory[models.CategoryDues])
	assert.Equal(t, 1, stats.ByCategory[models.CategoryUtility])
	assert.Equal(t, 1, stats.ByStrategy[models.StrategyPaymentIndex])
	assert.Equal(t, 1, stats.ByAction[models.ActionManualSkip])
	assert.Equal(t, 2, stats.ByActor["treasurer"])

	require.Len(t, stats.Monthly, 2)
	assert.Equal(t, MonthStats{Month: "2024-02", Total: 2, Omitted: 1, Unverified: 1, VerifiedAmount: decimal.Zero}, stats.Monthly[0])
	assert.Equal(t, "2024-03", stats.Monthly[1].Month)
	assert.Equal(t, 2, stats.Monthly[1].Verified)
}

func TestDashboardStatsFilter(t *testing.T) {
	stats := createTestStats(t, StatsFilter{ImportBatch: "b1"})
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Verified)
	assert.Zero(t, stats.ByAction[models.ActionManualSkip], "audit of other batches is left out")
	assert.InDelta(t, 1.0, stats.VerificationRate, 1e-9)

	stats = createTestStats(t, StatsFilter{From: day(time.February, 1), To: day(time.February, 28)})
	assert.Equal(t, 2, stats.Total)
	assert.Zero(t, stats.Verified)
}

func TestEmptyDashboard(t *testing.T) {
	aggregator, err := NewDashboardAggregator(storage.NewMemoryRepository(), models.DefaultTierThresholds())
	require.NoError(t, err)
	stats, err := aggregator.Stats(context.Background(), StatsFilter{})
	require.NoError(t, err)

	assert.Zero(t, stats.Total)
	assert.Zero(t, stats.VerificationRate)
	assert.Empty(t, stats.Monthly)

	for _, format := range []OutputFormat{FormatConsole, FormatJSON, FormatCSV} {
		generator, err := NewReportGenerator(&ReportConfig{Format: format, TableMaxWidth: 80, CSVDelimiter: ','})
		require.NoError(t, err)
		var buf bytes.Buffer
		assert.NoError(t, generator.GenerateReport(stats, &buf), "format %s", format)
	}
}

func TestReportConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		config      *ReportConfig
		expectError bool
	}{
		{"valid config", DefaultReportConfig(), false},
		{"invalid format", &ReportConfig{Format: "invalid", TableMaxWidth: 120}, true},
		{"table width too small", &ReportConfig{Format: FormatConsole, TableMaxWidth: 30}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReportGenerator(tt.config)
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	assert.False(t, OutputFormat("").IsValid())
	assert.True(t, FormatCSV.IsValid())
}

func TestConsoleReport(t *testing.T) {
	stats := createTestStats(t, StatsFilter{ImportBatch: "b1"})
	generator, err := NewReportGenerator(nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, generator.GenerateReport(stats, &buf))
	output := buf.String()

	for _, section := range []string{
		"DUES RECONCILIATION DASHBOARD",
		"Scope: batch b1",
		"=== SUMMARY ===",
		"=== AMOUNTS ===",
		"=== REVIEW QUEUE ===",
		"=== CATEGORIES ===",
		"=== MATCH STRATEGIES ===",
		"=== AUDIT TRAIL ===",
		"=== MONTHLY ===",
	} {
		assert.Contains(t, output, section)
	}
	assert.Contains(t, output, "Verified Amount:   500157.00")
	assert.Contains(t, output, "Paying Residents:   2 of 4")
}

func TestJSONReport(t *testing.T) {
	stats := createTestStats(t, StatsFilter{})
	config := DefaultReportConfig()
	config.Format = FormatJSON
	config.IncludeMonthly = false
	generator, err := NewReportGenerator(config)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, generator.GenerateReport(stats, &buf))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.EqualValues(t, 5, decoded["total"])
	assert.Equal(t, "500157", decoded["verified_amount"])
	assert.Contains(t, decoded, "by_category")
	assert.NotContains(t, decoded, "monthly")
}

func TestCSVReport(t *testing.T) {
	stats := createTestStats(t, StatsFilter{})
	config := DefaultReportConfig()
	config.Format = FormatCSV
	config.CSVDelimiter = ';'
	generator, err := NewReportGenerator(config)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, generator.GenerateReport(stats, &buf))

	reader := csv.NewReader(&buf)
	reader.Comma = ';'
	records, err := reader.ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, []string{"Section", "Key", "Count", "Amount"}, records[0])
	assert.Equal(t, []string{"summary", "total", "5", "1173613.00"}, records[1])
	assert.Contains(t, records, []string{"month", "2024-03", "2", "500157.00"})
	assert.Contains(t, records, []string{"audit_action", "manual-skip", "1", ""})
}

// jsonRejectingWriter fails every write of a JSON document
type jsonRejectingWriter struct {
	bytes.Buffer
}

func (w *jsonRejectingWriter) Write(p []byte) (int, error) {
	if strings.HasPrefix(string(p), "{") {
		return 0, fmt.Errorf("json not accepted")
	}
	return w.Buffer.Write(p)
}

func TestSafeReportGeneratorFallsBackToConsole(t *testing.T) {
	config := DefaultReportConfig()
	config.Format = FormatJSON
	generator, err := NewSafeReportGenerator(config, logger.NewNopLogger())
	require.NoError(t, err)

	var w jsonRejectingWriter
	require.NoError(t, generator.GenerateReportSafely(createTestStats(t, StatsFilter{}), &w))
	assert.Contains(t, w.String(), "NOTE: Report generated in fallback format")
	assert.Contains(t, w.String(), "=== SUMMARY ===")

	assert.Error(t, generator.GenerateReportSafely(nil, &w))
	assert.Error(t, generator.GenerateReportSafely(createTestStats(t, StatsFilter{}), nil))
}

func TestWriteReportFile(t *testing.T) {
	config := DefaultReportConfig()
	config.Format = FormatJSON
	generator, err := NewSafeReportGenerator(config, logger.NewNopLogger())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "reports", "dashboard.json")
	require.NoError(t, generator.WriteReportFile(createTestStats(t, StatsFilter{}), path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, json.Valid(data))
}

func TestGenerateBackupPath(t *testing.T) {
	assert.Equal(t, filepath.Join("out", "report_backup.csv"), generateBackupPath(filepath.Join("out", "report.csv")))
}
