package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dues-reconciliation-service/internal/reporter"
	"dues-reconciliation-service/pkg/errors"
	"dues-reconciliation-service/pkg/logger"
)

// Flags for the stats command
var (
	statsFrom   string
	statsTo     string
	statsBatch  string
	statsFormat string
	statsOutput string
)

// statsCmd represents the stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Report verification statistics",
	Long: `Stats summarizes the stored mutations: verification and omission counts,
amounts, review tiers, categories, match strategies, audit actions and a
monthly breakdown.

Examples:
  reconciler stats
  reconciler stats --from 2024-01-01 --to 2024-03-31
  reconciler stats --batch 2024-03 --format csv --output laporan/maret.csv`,

	PreRunE: validateStatsFlags,
	RunE:    runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().StringVar(&statsFrom, "from", "", "first mutation date (YYYY-MM-DD)")
	statsCmd.Flags().StringVar(&statsTo, "to", "", "last mutation date (YYYY-MM-DD)")
	statsCmd.Flags().StringVar(&statsBatch, "batch", "", "only mutations of one upload")
	statsCmd.Flags().StringVarP(&statsFormat, "format", "f", "console", "report format: console, json, csv")
	statsCmd.Flags().StringVarP(&statsOutput, "output", "o", "", "output file path (default: stdout)")

	viper.BindPFlag("report.format", statsCmd.Flags().Lookup("format"))
}

func validateStatsFlags(cmd *cobra.Command, args []string) error {
	statsFormat = viper.GetString("report.format")

	if !reporter.OutputFormat(statsFormat).IsValid() {
		return errors.ConfigurationError(errors.CodeInvalidConfig, "format", statsFormat,
			fmt.Errorf("valid formats: console, json, csv"))
	}

	from, to, err := statsRange()
	if err != nil {
		return err
	}
	if !from.IsZero() && !to.IsZero() && from.After(to) {
		return errors.ValidationError(errors.CodeOutOfRange, "from", statsFrom,
			fmt.Errorf("start date cannot be after end date"))
	}

	if statsOutput != "" {
		dir := filepath.Dir(statsOutput)
		if dir != "." {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				return errors.FileError(errors.CodeFileNotFound, dir,
					fmt.Errorf("output directory does not exist: %s", dir))
			}
		}
	}
	return nil
}

// statsRange parses --from and --to; the end date covers its whole day
func statsRange() (time.Time, time.Time, error) {
	var from, to time.Time
	if statsFrom != "" {
		t, err := time.Parse("2006-01-02", statsFrom)
		if err != nil {
			return from, to, errors.ValidationError(errors.CodeInvalidDate, "from", statsFrom,
				fmt.Errorf("use YYYY-MM-DD: %w", err))
		}
		from = t
	}
	if statsTo != "" {
		t, err := time.Parse("2006-01-02", statsTo)
		if err != nil {
			return from, to, errors.ValidationError(errors.CodeInvalidDate, "to", statsTo,
				fmt.Errorf("use YYYY-MM-DD: %w", err))
		}
		to = t.Add(24*time.Hour - time.Nanosecond)
	}
	return from, to, nil
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	from, to, err := statsRange()
	if err != nil {
		return err
	}

	aggregator, err := reporter.NewDashboardAggregator(s.repo, s.cfg.Engine.Matching.Tiers)
	if err != nil {
		return err
	}
	stats, err := aggregator.Stats(ctx, reporter.StatsFilter{
		From:        from,
		To:          to,
		ImportBatch: statsBatch,
	})
	if err != nil {
		return err
	}

	reportConfig := *s.cfg.Report
	reportConfig.Format = reporter.OutputFormat(statsFormat)
	generator, err := reporter.NewSafeReportGenerator(&reportConfig,
		logger.WithComponent("cli"))
	if err != nil {
		return err
	}

	if statsOutput != "" {
		if err := generator.WriteReportFile(stats, statsOutput); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Report written to %s\n", statsOutput)
		return nil
	}
	return generator.GenerateReportSafely(stats, cmd.OutOrStdout())
}
