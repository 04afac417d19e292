package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"dues-reconciliation-service/internal/learning"
	"dues-reconciliation-service/pkg/errors"
)

// Flags for the insights command
var (
	insightsResident string
	insightsLimit    int
	insightsOutput   string
)

// insightsCmd represents the insights command
var insightsCmd = &cobra.Command{
	Use:   "insights",
	Short: "Show learned payment patterns",
	Long: `Insights lists the name, address, keyword and amount patterns learned from
confirmed matches that are strong enough to rely on.

With --resident it lists the residents whose learned patterns overlap the
most with that resident instead, which helps spot shared accounts and
family members paying for each other.

Examples:
  reconciler insights
  reconciler insights --resident r-c11-9 --limit 5`,

	PreRunE: validateInsightsFlags,
	RunE:    runInsights,
}

func init() {
	rootCmd.AddCommand(insightsCmd)

	insightsCmd.Flags().StringVar(&insightsResident, "resident", "", "list residents similar to this one")
	insightsCmd.Flags().IntVarP(&insightsLimit, "limit", "n", 10, "maximum number of similar residents")
	insightsCmd.Flags().StringVarP(&insightsOutput, "output-format", "o", "console", "output format: console, json")
}

func validateInsightsFlags(cmd *cobra.Command, args []string) error {
	if insightsLimit <= 0 {
		return errors.ValidationError(errors.CodeOutOfRange, "limit", insightsLimit,
			fmt.Errorf("limit must be positive"))
	}
	switch insightsOutput {
	case "console", "json":
	default:
		return errors.ConfigurationError(errors.CodeInvalidConfig, "output-format", insightsOutput,
			fmt.Errorf("valid formats: console, json"))
	}
	return nil
}

func runInsights(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	system := s.engine.Learning()
	w := cmd.OutOrStdout()

	if insightsResident != "" {
		if _, err := s.repo.GetResident(ctx, insightsResident); err != nil {
			return err
		}
		similar := system.SimilarResidents(insightsResident, insightsLimit)
		if insightsOutput == "json" {
			return writeJSON(w, similar)
		}
		writeSimilar(w, insightsResident, similar)
		return nil
	}

	insights := system.Insights()
	if insightsOutput == "json" {
		return writeJSON(w, insights)
	}
	writeInsights(w, system.Len(), insights)
	return nil
}

func writeInsights(w io.Writer, residents int, insights []learning.Insight) {
	fmt.Fprintf(w, "Learned patterns for %d residents\n", residents)
	if len(insights) == 0 {
		fmt.Fprintln(w, "No pattern is strong enough to report yet")
		return
	}
	fmt.Fprintf(w, "\n%-8s %-32s %10s %9s  %s\n", "FAMILY", "PATTERN", "CONFIDENCE", "FREQUENCY", "RESIDENTS")
	for _, ins := range insights {
		fmt.Fprintf(w, "%-8s %-32s %10.2f %9d  %s\n", ins.Family, truncate(ins.Pattern, 32),
			ins.Confidence, ins.Frequency, strings.Join(ins.Residents, ", "))
	}
}

func writeSimilar(w io.Writer, residentID string, similar []learning.ResidentSimilarity) {
	if len(similar) == 0 {
		fmt.Fprintf(w, "No resident shares learned patterns with %s\n", residentID)
		return
	}
	fmt.Fprintf(w, "Residents similar to %s\n", residentID)
	for _, sim := range similar {
		fmt.Fprintf(w, "  %-16s %.2f\n", sim.ResidentID, sim.Score)
	}
}
