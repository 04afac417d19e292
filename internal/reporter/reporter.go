// Package reporter aggregates stored mutations and audit records into
// dashboard statistics and renders them.
//
// Supported output formats:
//   - Console: Human-readable tabular output for terminal display
//   - JSON: Structured data format for programmatic consumption
//   - CSV: Comma-separated format for spreadsheet applications
//
// Example usage:
//
//	aggregator, err := reporter.NewDashboardAggregator(repo, models.DefaultTierThresholds())
//	if err != nil {
//		return err
//	}
//	stats, err := aggregator.Stats(ctx, reporter.StatsFilter{})
//	if err != nil {
//		return err
//	}
//
//	generator, err := reporter.NewReportGenerator(&reporter.ReportConfig{
//		Format:         reporter.FormatJSON,
//		IncludeMonthly: true,
//		TableMaxWidth:  120,
//	})
//	err = generator.GenerateReport(stats, os.Stdout)
package reporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OutputFormat represents the supported report output formats
type OutputFormat string

const (
	FormatConsole OutputFormat = "console"
	FormatJSON    OutputFormat = "json"
	FormatCSV     OutputFormat = "csv"
)

// IsValid checks if the output format is supported
func (f OutputFormat) IsValid() bool {
	switch f {
	case FormatConsole, FormatJSON, FormatCSV:
		return true
	default:
		return false
	}
}

// ReportConfig holds configuration options for report generation
type ReportConfig struct {
	// Output format
	Format OutputFormat `json:"format" mapstructure:"format"`

	// Detail level options
	IncludeBreakdowns bool `json:"include_breakdowns" mapstructure:"include_breakdowns"`
	IncludeMonthly    bool `json:"include_monthly" mapstructure:"include_monthly"`
	IncludeAudit      bool `json:"include_audit" mapstructure:"include_audit"`

	// Console formatting options
	TableMaxWidth int `json:"table_max_width" mapstructure:"table_max_width"`

	// CSV options
	CSVDelimiter rune `json:"csv_delimiter" mapstructure:"csv_delimiter"`
	CSVHeaders   bool `json:"csv_headers" mapstructure:"csv_headers"`
}

// DefaultReportConfig returns a default report configuration
func DefaultReportConfig() *ReportConfig {
	return &ReportConfig{
		Format:            FormatConsole,
		IncludeBreakdowns: true,
		IncludeMonthly:    true,
		IncludeAudit:      true,
		TableMaxWidth:     120,
		CSVDelimiter:      ',',
		CSVHeaders:        true,
	}
}

// Validate validates the report configuration
func (c *ReportConfig) Validate() error {
	if !c.Format.IsValid() {
		return fmt.Errorf("invalid output format: %s", c.Format)
	}

	if c.TableMaxWidth < 50 {
		return fmt.Errorf("table max width must be at least 50 characters, got %d", c.TableMaxWidth)
	}

	return nil
}

// ReportGenerator renders dashboard statistics in various formats
type ReportGenerator struct {
	config *ReportConfig
}

// NewReportGenerator creates a new report generator with the specified configuration
func NewReportGenerator(config *ReportConfig) (*ReportGenerator, error) {
	if config == nil {
		config = DefaultReportConfig()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid report configuration: %w", err)
	}

	return &ReportGenerator{
		config: config,
	}, nil
}

// GenerateReport renders stats and writes the report to writer
func (rg *ReportGenerator) GenerateReport(stats *DashboardStats, writer io.Writer) error {
	if stats == nil {
		return fmt.Errorf("dashboard stats cannot be nil")
	}

	switch rg.config.Format {
	case FormatConsole:
		return rg.generateConsoleReport(stats, writer)
	case FormatJSON:
		return rg.generateJSONReport(stats, writer)
	case FormatCSV:
		return rg.generateCSVReport(stats, writer)
	default:
		return fmt.Errorf("unsupported output format: %s", rg.config.Format)
	}
}

// generateConsoleReport generates a human-readable console report
func (rg *ReportGenerator) generateConsoleReport(stats *DashboardStats, writer io.Writer) error {
	fmt.Fprintf(writer, "DUES RECONCILIATION DASHBOARD\n")
	fmt.Fprintf(writer, "Generated: %s\n", stats.GeneratedAt.Format(time.RFC3339))
	if scope := describeFilter(stats.Filter); scope != "" {
		fmt.Fprintf(writer, "Scope: %s\n", scope)
	}
	fmt.Fprintf(writer, "\n")

	fmt.Fprintf(writer, "=== SUMMARY ===\n")
	rg.printSummary(stats, writer)
	fmt.Fprintf(writer, "\n")

	fmt.Fprintf(writer, "=== AMOUNTS ===\n")
	rg.printAmounts(stats, writer)
	fmt.Fprintf(writer, "\n")

	fmt.Fprintf(writer, "=== REVIEW QUEUE ===\n")
	fmt.Fprintf(writer, "Assisted Review: %d\n", stats.AssistedReview)
	fmt.Fprintf(writer, "Manual Review:   %d\n", stats.ManualReview)
	fmt.Fprintf(writer, "\n")

	if rg.config.IncludeBreakdowns {
		fmt.Fprintf(writer, "=== CATEGORIES ===\n")
		rg.printCounts(countRows(stats.ByCategory), stats.Total, writer)
		fmt.Fprintf(writer, "\n")

		fmt.Fprintf(writer, "=== MATCH STRATEGIES ===\n")
		rg.printCounts(countRows(stats.ByStrategy), stats.Verified, writer)
		fmt.Fprintf(writer, "\n")
	}

	if rg.config.IncludeAudit && len(stats.ByAction) > 0 {
		fmt.Fprintf(writer, "=== AUDIT TRAIL ===\n")
		total := 0
		for _, n := range stats.ByAction {
			total += n
		}
		rg.printCounts(countRows(stats.ByAction), total, writer)
		if len(stats.ByActor) > 0 {
			fmt.Fprintf(writer, "\nBy actor:\n")
			rg.printCounts(countRows(stats.ByActor), total, writer)
		}
		fmt.Fprintf(writer, "\n")
	}

	if rg.config.IncludeMonthly && len(stats.Monthly) > 0 {
		fmt.Fprintf(writer, "=== MONTHLY ===\n")
		rg.printMonthly(stats.Monthly, writer)
	}

	return nil
}

// generateJSONReport generates a structured JSON report
func (rg *ReportGenerator) generateJSONReport(stats *DashboardStats, writer io.Writer) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")

	return encoder.Encode(rg.filterStatsForOutput(stats))
}

// generateCSVReport writes one row per metric: section, key, count, amount
func (rg *ReportGenerator) generateCSVReport(stats *DashboardStats, writer io.Writer) error {
	csvWriter := csv.NewWriter(writer)
	csvWriter.Comma = rg.config.CSVDelimiter

	var records [][]string
	if rg.config.CSVHeaders {
		records = append(records, []string{"Section", "Key", "Count", "Amount"})
	}

	summary := []struct {
		key    string
		count  int
		amount decimal.Decimal
	}{
		{"total", stats.Total, stats.TotalAmount},
		{"verified", stats.Verified, stats.VerifiedAmount},
		{"auto_verified", stats.AutoVerified, decimal.Zero},
		{"manually_verified", stats.ManuallyVerified, decimal.Zero},
		{"omitted", stats.Omitted, stats.OmittedAmount},
		{"unverified", stats.Unverified, stats.UnverifiedAmount},
		{"assisted_review", stats.AssistedReview, decimal.Zero},
		{"manual_review", stats.ManualReview, decimal.Zero},
		{"paying_residents", stats.PayingResidents, decimal.Zero},
		{"active_residents", stats.ActiveResidents, decimal.Zero},
	}
	for _, row := range summary {
		records = append(records, []string{"summary", row.key, strconv.Itoa(row.count), row.amount.StringFixed(2)})
	}

	if rg.config.IncludeBreakdowns {
		for _, row := range countRows(stats.ByCategory) {
			records = append(records, []string{"category", row.key, strconv.Itoa(row.count), ""})
		}
		for _, row := range countRows(stats.ByStrategy) {
			records = append(records, []string{"strategy", row.key, strconv.Itoa(row.count), ""})
		}
	}
	if rg.config.IncludeAudit {
		for _, row := range countRows(stats.ByAction) {
			records = append(records, []string{"audit_action", row.key, strconv.Itoa(row.count), ""})
		}
	}
	if rg.config.IncludeMonthly {
		for _, m := range stats.Monthly {
			records = append(records, []string{"month", m.Month, strconv.Itoa(m.Verified), m.VerifiedAmount.StringFixed(2)})
		}
	}

	if err := csvWriter.WriteAll(records); err != nil {
		return fmt.Errorf("failed to write CSV report: %w", err)
	}
	return nil
}

// Helper methods for console output formatting

func (rg *ReportGenerator) printSummary(stats *DashboardStats, writer io.Writer) {
	fmt.Fprintf(writer, "Mutations:\n")
	fmt.Fprintf(writer, "  Total:      %d\n", stats.Total)
	fmt.Fprintf(writer, "  Verified:   %d (%.1f%%)\n",
		stats.Verified, rg.calculatePercentage(stats.Verified, stats.Total))
	fmt.Fprintf(writer, "    Auto:     %d\n", stats.AutoVerified)
	fmt.Fprintf(writer, "    Manual:   %d\n", stats.ManuallyVerified)
	fmt.Fprintf(writer, "  Omitted:    %d (%.1f%%)\n",
		stats.Omitted, rg.calculatePercentage(stats.Omitted, stats.Total))
	fmt.Fprintf(writer, "  Unverified: %d (%.1f%%)\n",
		stats.Unverified, rg.calculatePercentage(stats.Unverified, stats.Total))

	fmt.Fprintf(writer, "\nVerification Rate:  %.1f%%\n", stats.VerificationRate*100)
	fmt.Fprintf(writer, "Average Confidence: %.2f\n", stats.AverageConfidence)
	fmt.Fprintf(writer, "Paying Residents:   %d of %d\n", stats.PayingResidents, stats.ActiveResidents)
}

func (rg *ReportGenerator) printAmounts(stats *DashboardStats, writer io.Writer) {
	fmt.Fprintf(writer, "Total Amount:      %s\n", stats.TotalAmount.StringFixed(2))
	fmt.Fprintf(writer, "Verified Amount:   %s\n", stats.VerifiedAmount.StringFixed(2))
	fmt.Fprintf(writer, "Unverified Amount: %s\n", stats.UnverifiedAmount.StringFixed(2))
	fmt.Fprintf(writer, "Omitted Amount:    %s\n", stats.OmittedAmount.StringFixed(2))
}

func (rg *ReportGenerator) printCounts(rows []countRow, total int, writer io.Writer) {
	width := 0
	for _, row := range rows {
		if len(row.key) > width {
			width = len(row.key)
		}
	}
	if limit := rg.config.TableMaxWidth - 20; width > limit {
		width = limit
	}
	for _, row := range rows {
		key := row.key
		if len(key) > width {
			key = key[:width]
		}
		fmt.Fprintf(writer, "  %-*s %5d (%.1f%%)\n", width, key, row.count, rg.calculatePercentage(row.count, total))
	}
}

func (rg *ReportGenerator) printMonthly(months []MonthStats, writer io.Writer) {
	fmt.Fprintf(writer, "  %-7s %6s %8s %7s %10s %16s\n", "Month", "Total", "Verified", "Omitted", "Unverified", "Verified Amount")
	for _, m := range months {
		fmt.Fprintf(writer, "  %-7s %6d %8d %7d %10d %16s\n",
			m.Month, m.Total, m.Verified, m.Omitted, m.Unverified, m.VerifiedAmount.StringFixed(2))
	}
}

// Helper methods

func (rg *ReportGenerator) calculatePercentage(part, total int) float64 {
	if total == 0 {
		return 0.0
	}
	return float64(part) / float64(total) * 100.0
}

func (rg *ReportGenerator) filterStatsForOutput(stats *DashboardStats) map[string]interface{} {
	output := map[string]interface{}{
		"generated_at":       stats.GeneratedAt,
		"filter":             stats.Filter,
		"total":              stats.Total,
		"verified":           stats.Verified,
		"auto_verified":      stats.AutoVerified,
		"manually_verified":  stats.ManuallyVerified,
		"omitted":            stats.Omitted,
		"unverified":         stats.Unverified,
		"assisted_review":    stats.AssistedReview,
		"manual_review":      stats.ManualReview,
		"total_amount":       stats.TotalAmount,
		"verified_amount":    stats.VerifiedAmount,
		"unverified_amount":  stats.UnverifiedAmount,
		"omitted_amount":     stats.OmittedAmount,
		"verification_rate":  stats.VerificationRate,
		"average_confidence": stats.AverageConfidence,
		"active_residents":   stats.ActiveResidents,
		"paying_residents":   stats.PayingResidents,
	}

	if rg.config.IncludeBreakdowns {
		output["by_category"] = stats.ByCategory
		output["by_strategy"] = stats.ByStrategy
	}

	if rg.config.IncludeAudit {
		output["by_action"] = stats.ByAction
		output["by_actor"] = stats.ByActor
	}

	if rg.config.IncludeMonthly {
		output["monthly"] = stats.Monthly
	}

	return output
}

// UpdateConfiguration updates the report generator configuration
func (rg *ReportGenerator) UpdateConfiguration(config *ReportConfig) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid report configuration: %w", err)
	}

	rg.config = config
	return nil
}

// GetConfiguration returns the current configuration
func (rg *ReportGenerator) GetConfiguration() *ReportConfig {
	return rg.config
}

type countRow struct {
	key   string
	count int
}

// countRows orders a breakdown by count, then key
func countRows[K ~string](counts map[K]int) []countRow {
	rows := make([]countRow, 0, len(counts))
	for k, n := range counts {
		key := string(k)
		if key == "" {
			key = "(none)"
		}
		rows = append(rows, countRow{key: key, count: n})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].count != rows[j].count {
			return rows[i].count > rows[j].count
		}
		return rows[i].key < rows[j].key
	})
	return rows
}

func describeFilter(f StatsFilter) string {
	var parts []string
	if !f.From.IsZero() {
		parts = append(parts, "from "+f.From.Format("2006-01-02"))
	}
	if !f.To.IsZero() {
		parts = append(parts, "to "+f.To.Format("2006-01-02"))
	}
	if f.ImportBatch != "" {
		parts = append(parts, "batch "+f.ImportBatch)
	}
	return strings.Join(parts, ", ")
}
