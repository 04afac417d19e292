package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"dues-reconciliation-service/internal/review"
	"dues-reconciliation-service/pkg/errors"
)

// Flags for the queue command
var (
	queueLimit  int
	queueOutput string
	queueItemID string
)

// queueCmd represents the queue command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show mutations waiting for manual review",
	Long: `Queue lists unverified mutations, highest priority first, each with its
ranked resident suggestions.

Examples:
  reconciler queue
  reconciler queue --limit 10 --output-format json
  reconciler queue --tx 3f1c2a...`,

	PreRunE: validateQueueFlags,
	RunE:    runQueue,
}

func init() {
	rootCmd.AddCommand(queueCmd)

	queueCmd.Flags().IntVarP(&queueLimit, "limit", "n", 20, "maximum number of items (0 for all)")
	queueCmd.Flags().StringVarP(&queueOutput, "output-format", "o", "console", "output format: console, json")
	queueCmd.Flags().StringVar(&queueItemID, "tx", "", "show a single mutation with its suggestions")
}

func validateQueueFlags(cmd *cobra.Command, args []string) error {
	if queueLimit < 0 {
		return errors.ValidationError(errors.CodeOutOfRange, "limit", queueLimit,
			fmt.Errorf("limit cannot be negative"))
	}
	switch queueOutput {
	case "console", "json":
	default:
		return errors.ConfigurationError(errors.CodeInvalidConfig, "output-format", queueOutput,
			fmt.Errorf("valid formats: console, json"))
	}
	return nil
}

func runQueue(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	workflow, err := review.NewWorkflow(s.engine)
	if err != nil {
		return err
	}

	var items []*review.Item
	if queueItemID != "" {
		item, err := workflow.Item(ctx, queueItemID)
		if err != nil {
			return err
		}
		items = []*review.Item{item}
	} else {
		items, err = workflow.Queue(ctx, queueLimit)
		if err != nil {
			return err
		}
	}

	if queueOutput == "json" {
		return writeJSON(cmd.OutOrStdout(), items)
	}
	writeQueue(cmd.OutOrStdout(), items)
	return nil
}

func writeQueue(w io.Writer, items []*review.Item) {
	if len(items) == 0 {
		fmt.Fprintln(w, "Review queue is empty")
		return
	}

	fmt.Fprintf(w, "%d mutations waiting for review\n", len(items))
	for i, item := range items {
		tx := item.Transaction
		fmt.Fprintf(w, "\n%d. [%s] %s  %s  %s\n", i+1, item.Priority,
			tx.Date.Format("2006-01-02"), tx.Amount.StringFixed(0), tx.ID)
		fmt.Fprintf(w, "   %s\n", tx.Description)
		if tx.MatchedResidentID != "" {
			fmt.Fprintf(w, "   tentative: %s (%.2f, %s)\n", tx.MatchedResidentID, tx.MatchConfidence, tx.MatchStrategy)
		}
		if len(item.Suggestions) == 0 {
			fmt.Fprintln(w, "   no suggestions")
			continue
		}
		for _, sug := range item.Suggestions {
			fmt.Fprintf(w, "   - %-12s %-28s %.2f  %s", sug.ResidentID, truncate(sug.ResidentName, 28), sug.Confidence, sug.Source)
			if sug.Address != "" {
				fmt.Fprintf(w, "  %s", sug.Address)
			}
			if len(sug.Factors) > 0 {
				fmt.Fprintf(w, "  [%s]", strings.Join(sug.Factors, ", "))
			}
			fmt.Fprintln(w)
		}
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return errors.InternalError(errors.CodeUnexpectedError, "encode output", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
