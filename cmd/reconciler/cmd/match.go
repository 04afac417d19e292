package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dues-reconciliation-service/internal/models"
	"dues-reconciliation-service/internal/parsers"
	"dues-reconciliation-service/internal/reconciler"
	"dues-reconciliation-service/pkg/errors"
)

// Flags for the match command
var (
	statementFiles  []string
	residentsFile   string
	paymentsFile    string
	statementFormat string
	batchID         string
	matchOutput     string
	showProgress    bool
)

// matchCmd represents the match command
var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Import bank statements and verify their mutations",
	Long: `Match imports one or more bank statement exports, stores their mutations
and runs them through classification and resident matching.

A resident register and a payment ledger can be imported in the same run;
they replace the stored residents and add to the stored payments before
any mutation is matched. Statement lines already stored by an earlier
upload are recognized and not processed again.

Statement formats: auto (detected from the header row), klikbca, mandiri,
generic.

Examples:
  # Statement only, residents already stored
  reconciler match --statement mutasi-maret.csv

  # Register, payments and two statements in one upload
  reconciler match --residents warga.csv --payments pembayaran.csv \
    --statement bca-maret.csv,mandiri-maret.csv

  # Fixed format, labelled batch, JSON result
  reconciler match --statement mutasi.csv --format klikbca \
    --batch 2024-03 --output-format json`,

	PreRunE: validateMatchFlags,
	RunE:    runMatch,
}

func init() {
	rootCmd.AddCommand(matchCmd)

	matchCmd.Flags().StringSliceVarP(&statementFiles, "statement", "s", []string{}, "comma-separated bank statement CSV files (required)")
	matchCmd.Flags().StringVarP(&residentsFile, "residents", "r", "", "resident register CSV file")
	matchCmd.Flags().StringVarP(&paymentsFile, "payments", "p", "", "payment ledger CSV file")
	matchCmd.Flags().StringVarP(&statementFormat, "format", "f", "auto", "statement format: auto, klikbca, mandiri, generic")
	matchCmd.Flags().StringVarP(&batchID, "batch", "b", "", "label of the upload (default: generated)")
	matchCmd.Flags().StringVarP(&matchOutput, "output-format", "o", "console", "result format: console, json")
	matchCmd.Flags().BoolVar(&showProgress, "progress", false, "show progress indicators")

	matchCmd.MarkFlagRequired("statement")

	viper.BindPFlag("match.format", matchCmd.Flags().Lookup("format"))
	viper.BindPFlag("match.progress", matchCmd.Flags().Lookup("progress"))
}

func validateMatchFlags(cmd *cobra.Command, args []string) error {
	statementFormat = viper.GetString("match.format")
	showProgress = viper.GetBool("match.progress")

	if len(statementFiles) == 0 {
		return errors.ValidationError(errors.CodeMissingField, "statement", nil,
			fmt.Errorf("at least one statement file is required"))
	}
	for i, path := range statementFiles {
		if err := validateFileExists(path, fmt.Sprintf("statement file %d", i+1)); err != nil {
			return err
		}
	}
	if residentsFile != "" {
		if err := validateFileExists(residentsFile, "resident register"); err != nil {
			return err
		}
	}
	if paymentsFile != "" {
		if err := validateFileExists(paymentsFile, "payment ledger"); err != nil {
			return err
		}
	}

	if _, err := statementFormatFor(statementFormat); err != nil {
		return err
	}
	switch matchOutput {
	case "console", "json":
	default:
		return errors.ConfigurationError(errors.CodeInvalidConfig, "output-format", matchOutput,
			fmt.Errorf("valid formats: console, json"))
	}
	return nil
}

// statementFormatFor resolves a --format value; auto returns nil so that
// every file is detected from its headers
func statementFormatFor(name string) (*parsers.MutationFormat, error) {
	if name == "" || strings.EqualFold(name, "auto") {
		return nil, nil
	}
	format := parsers.GetMutationFormat(name)
	if format == nil {
		names := []string{"auto"}
		for _, f := range parsers.ListMutationFormats() {
			names = append(names, f.Name)
		}
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "format", name,
			fmt.Errorf("valid formats: %s", strings.Join(names, ", ")))
	}
	return format, nil
}

func validateFileExists(filePath, description string) error {
	if filePath == "" {
		return errors.ValidationError(errors.CodeMissingField, description, nil,
			fmt.Errorf("%s path cannot be empty", description))
	}

	info, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		return errors.FileError(errors.CodeFileNotFound, filePath, err).
			WithSuggestion(fmt.Sprintf("Check the path of the %s", description))
	}
	if err != nil {
		return errors.FileError(errors.CodeFilePermission, filePath, err)
	}

	if info.IsDir() {
		return errors.FileError(errors.CodeInvalidFormat, filePath,
			fmt.Errorf("%s is a directory, expected a file", description))
	}

	file, err := os.Open(filePath)
	if err != nil {
		return errors.FileError(errors.CodeFilePermission, filePath, err)
	}
	file.Close()

	return nil
}

// statementUpload is everything read from the files of one match run
type statementUpload struct {
	Residents    []*models.Resident
	Payments     []*models.Payment
	Transactions []*models.Transaction
	Stats        *parsers.ParseStats
}

func runMatch(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	format, err := statementFormatFor(statementFormat)
	if err != nil {
		return err
	}

	upload, err := readUpload(ctx, s, format, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	orchestrator, err := reconciler.NewOrchestrator(s.engine, s.cfg.Preprocessing)
	if err != nil {
		return err
	}
	if showProgress {
		orchestrator.AddProgressCallback(func(p reconciler.ImportProgress) {
			fmt.Fprintf(cmd.ErrOrStderr(), "[%d/%d] %s (%s)\n",
				p.CompletedSteps, p.TotalSteps, p.Step, p.Elapsed.Round(time.Millisecond))
		})
	}

	result, err := orchestrator.Import(ctx, &reconciler.ImportRequest{
		BatchID:      batchID,
		Residents:    upload.Residents,
		Payments:     upload.Payments,
		Transactions: upload.Transactions,
	})
	if err != nil {
		return err
	}

	return writeImportResult(cmd.OutOrStdout(), result, upload)
}

// readUpload parses the register, the ledger and every statement file. Row
// errors are reported and skipped; file level errors stop the run.
func readUpload(ctx context.Context, s *session, format *parsers.MutationFormat, warn io.Writer) (*statementUpload, error) {
	upload := &statementUpload{Stats: parsers.NewParseStats(0)}

	if residentsFile != "" {
		parser, err := parsers.NewResidentParser(s.cfg.Parse)
		if err != nil {
			return nil, err
		}
		residents, stats, err := parser.ParseFile(ctx, residentsFile)
		if err != nil {
			return nil, err
		}
		reportRowErrors(warn, residentsFile, stats)
		upload.Residents = residents
		upload.Stats.Merge(stats)
	}

	if paymentsFile != "" {
		parser, err := parsers.NewPaymentParser(s.cfg.Parse)
		if err != nil {
			return nil, err
		}
		payments, stats, err := parser.ParseFile(ctx, paymentsFile)
		if err != nil {
			return nil, err
		}
		reportRowErrors(warn, paymentsFile, stats)
		upload.Payments = payments
		upload.Stats.Merge(stats)
	}

	results, err := parsers.ParseStatementFiles(ctx, statementFiles, format, s.cfg.Concurrency)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if r.Err != nil {
			return nil, r.Err
		}
		if verbose {
			fmt.Fprintf(warn, "%s: %s format, %s\n", r.Path, r.Format, r.Stats)
		}
		reportRowErrors(warn, r.Path, r.Stats)
		upload.Transactions = append(upload.Transactions, r.Transactions...)
		upload.Stats.Merge(r.Stats)
	}
	return upload, nil
}

func reportRowErrors(w io.Writer, path string, stats *parsers.ParseStats) {
	if stats == nil || !stats.HasErrors() {
		return
	}
	fmt.Fprintf(w, "Warning: %s: %d rows skipped\n", path, stats.ErrorCount)
	for _, sample := range stats.GetSampleErrors(5) {
		fmt.Fprintf(w, "  %s\n", sample)
	}
}

func writeImportResult(w io.Writer, result *reconciler.ImportResult, upload *statementUpload) error {
	if matchOutput == "json" {
		return writeJSON(w, struct {
			*reconciler.ImportResult
			ParseErrors int `json:"parse_errors"`
		}{result, upload.Stats.ErrorCount})
	}

	fmt.Fprintf(w, "Batch %s\n", result.BatchID)
	if len(upload.Residents) > 0 {
		fmt.Fprintf(w, "  Residents imported:    %d\n", len(upload.Residents))
	}
	if len(upload.Payments) > 0 {
		fmt.Fprintf(w, "  Payments imported:     %d\n", len(upload.Payments))
	}
	fmt.Fprintf(w, "  Statement lines:       %d\n", len(upload.Transactions))
	if upload.Stats.ErrorCount > 0 {
		fmt.Fprintf(w, "  Unreadable rows:       %d\n", upload.Stats.ErrorCount)
	}
	if p := result.Preprocessing; p != nil {
		fmt.Fprintf(w, "  Duplicates dropped:    %d\n", p.Duplicates)
		fmt.Fprintf(w, "  Zero amounts dropped:  %d\n", p.ZeroAmount)
		fmt.Fprintf(w, "  Invalid lines:         %d\n", p.Invalid)
	}
	fmt.Fprintf(w, "  New mutations:         %d\n", result.Inserted)
	fmt.Fprintf(w, "  Already stored:        %d\n", result.AlreadyStored)

	if result.Batch == nil {
		return nil
	}
	sum := result.Batch.Summary
	fmt.Fprintf(w, "\nVerification\n")
	fmt.Fprintf(w, "  Auto-verified:         %d (%s)\n", sum.AutoVerified, sum.MatchedAmount.StringFixed(0))
	fmt.Fprintf(w, "  Assisted review:       %d\n", sum.AssistedReview)
	fmt.Fprintf(w, "  Manual review:         %d\n", sum.ManualReview)
	fmt.Fprintf(w, "  Omitted:               %d\n", sum.Omitted)
	if sum.TimedOut > 0 {
		fmt.Fprintf(w, "  Timed out:             %d\n", sum.TimedOut)
	}
	if sum.Failed > 0 {
		fmt.Fprintf(w, "  Failed:                %d\n", sum.Failed)
		for _, e := range result.Batch.Errors {
			fmt.Fprintf(w, "    %s\n", e.Error())
		}
	}
	fmt.Fprintf(w, "  Duration:              %s\n", sum.Duration)
	return nil
}
