package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"dues-reconciliation-service/internal/review"
	"dues-reconciliation-service/pkg/errors"
)

// Flags for the decide command
var (
	decideTxID       string
	decideKind       string
	decideResident   string
	decidePayment    string
	decideNotes      string
	decideFile       string
	decideConfidence float64
)

// decideCmd represents the decide command
var decideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Record operator decisions on mutations",
	Long: `Decide records an operator decision on one mutation, or on every mutation
listed in a decisions file.

Decisions: match, unmatch, skip, flag, omit. A match needs --resident;
matching the tentative resident confirms it, any other resident overrides
it. --confidence (0 to 1, default 1) records how certain the operator is
and weights what the learning system takes from the match. Every decision
is written to the audit trail with the --actor name.

A decisions file is YAML (or JSON) of the form:

  decisions:
    - transaction_id: 3f1c2a...
      decision: match
      resident_id: r-c11-9
      confidence: 0.8
    - transaction_id: 9b04de...
      decision: omit
      notes: refund from supplier

Examples:
  reconciler decide --tx 3f1c2a... --decision match --resident r-c11-9
  reconciler decide --tx 9b04de... --decision omit --notes "refund"
  reconciler decide --file keputusan.yaml --actor bendahara`,

	PreRunE: validateDecideFlags,
	RunE:    runDecide,
}

func init() {
	rootCmd.AddCommand(decideCmd)

	decideCmd.Flags().StringVar(&decideTxID, "tx", "", "mutation id")
	decideCmd.Flags().StringVarP(&decideKind, "decision", "d", "", "decision: match, unmatch, skip, flag, omit")
	decideCmd.Flags().StringVar(&decideResident, "resident", "", "resident id for a match decision")
	decideCmd.Flags().StringVar(&decidePayment, "payment", "", "payment id for a match decision")
	decideCmd.Flags().StringVar(&decideNotes, "notes", "", "notes stored with the decision")
	decideCmd.Flags().Float64Var(&decideConfidence, "confidence", 0, "operator confidence in a match decision, 0 to 1 (default 1)")
	decideCmd.Flags().StringVar(&decideFile, "file", "", "YAML or JSON file with decisions to apply in bulk")
}

func validateDecideFlags(cmd *cobra.Command, args []string) error {
	if decideFile != "" {
		if decideTxID != "" {
			return errors.ValidationError(errors.CodeInvalidDecision, "file", decideFile,
				fmt.Errorf("--file and --tx cannot be combined"))
		}
		return validateFileExists(decideFile, "decisions file")
	}
	if decideTxID == "" {
		return errors.ValidationError(errors.CodeMissingField, "tx", nil,
			fmt.Errorf("either --tx or --file is required"))
	}
	kind, err := review.ParseDecisionKind(decideKind)
	if err != nil {
		return err
	}
	if kind == review.DecisionMatch && decideResident == "" {
		return errors.ValidationError(errors.CodeMissingField, "resident", nil,
			fmt.Errorf("a match decision needs --resident"))
	}
	if decideConfidence < 0 || decideConfidence > 1 {
		return errors.ValidationError(errors.CodeOutOfRange, "confidence", decideConfidence,
			fmt.Errorf("--confidence must be between 0 and 1"))
	}
	return nil
}

// decisionSpec is one entry of a decisions file
type decisionSpec struct {
	TransactionID string  `yaml:"transaction_id"`
	Decision      string  `yaml:"decision"`
	ResidentID    string  `yaml:"resident_id,omitempty"`
	PaymentID     string  `yaml:"payment_id,omitempty"`
	Confidence    float64 `yaml:"confidence,omitempty"`
	Notes         string  `yaml:"notes,omitempty"`
}

type decisionsFile struct {
	Decisions []decisionSpec `yaml:"decisions"`
}

// loadDecisions reads a decisions file. Unknown decision names fail the
// whole file before anything is applied.
func loadDecisions(path, actorName string) ([]review.Decision, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.FileError(errors.CodeFilePermission, path, err)
	}

	var file decisionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.ParseError(errors.CodeInvalidFormat, path, 0, "", "", err)
	}
	if len(file.Decisions) == 0 {
		return nil, errors.ValidationError(errors.CodeMissingField, "decisions", path,
			fmt.Errorf("decisions file lists no decisions"))
	}

	decisions := make([]review.Decision, 0, len(file.Decisions))
	for i, spec := range file.Decisions {
		kind, err := review.ParseDecisionKind(spec.Decision)
		if err != nil {
			return nil, errors.Wrap(err, errors.CategoryValidation, errors.CodeInvalidDecision,
				fmt.Sprintf("decision %d of %s", i+1, path))
		}
		decisions = append(decisions, review.Decision{
			TransactionID: strings.TrimSpace(spec.TransactionID),
			Kind:          kind,
			ResidentID:    strings.TrimSpace(spec.ResidentID),
			PaymentID:     strings.TrimSpace(spec.PaymentID),
			Confidence:    spec.Confidence,
			Actor:         actorName,
			Notes:         spec.Notes,
		})
	}
	return decisions, nil
}

func runDecide(cmd *cobra.Command, args []string) error {
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

	if decideFile != "" {
		decisions, err := loadDecisions(decideFile, s.cfg.Actor)
		if err != nil {
			return err
		}
		result := workflow.BulkDecide(ctx, decisions)
		return writeBulkResult(cmd.OutOrStdout(), result)
	}

	kind, err := review.ParseDecisionKind(decideKind)
	if err != nil {
		return err
	}
	record, err := workflow.RecordOperatorDecision(ctx, review.Decision{
		TransactionID: decideTxID,
		Kind:          kind,
		ResidentID:    decideResident,
		PaymentID:     decidePayment,
		Confidence:    decideConfidence,
		Actor:         s.cfg.Actor,
		Notes:         decideNotes,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s by %s", record.TransactionID, record.Action, record.Actor)
	if record.NewResidentID != "" {
		fmt.Fprintf(cmd.OutOrStdout(), " -> %s", record.NewResidentID)
	}
	fmt.Fprintf(cmd.OutOrStdout(), " (audit %s)\n", record.ID)
	return nil
}

// writeBulkResult prints every decision and fails when any decision failed
func writeBulkResult(w io.Writer, result *review.BulkResult) error {
	for _, r := range result.Results {
		if r.Err != nil {
			fmt.Fprintf(w, "FAILED  %s %s: %v\n", r.Decision.TransactionID, r.Decision.Kind, r.Err)
			continue
		}
		fmt.Fprintf(w, "OK      %s %s\n", r.Decision.TransactionID, r.Record.Action)
	}
	fmt.Fprintf(w, "\n%d applied, %d failed\n", result.Succeeded, result.Failed)

	if result.Failed == 0 {
		return nil
	}
	var failed []*errors.ReconcilerError
	for _, r := range result.Errors() {
		failed = append(failed, errors.WrapIfNeeded(r.Err, errors.CategoryValidation, errors.CodeInvalidDecision, "decision failed"))
	}
	summary := errors.NewErrorSummary(failed)
	return errors.New(errors.CategoryValidation, errors.CodeInvalidDecision, summary.Error()).
		WithContext("failed", result.Failed)
}
