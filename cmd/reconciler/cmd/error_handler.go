package cmd

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/viper"

	"dues-reconciliation-service/pkg/errors"
	"dues-reconciliation-service/pkg/logger"
)

// CLIErrorHandler provides user-friendly error handling for CLI operations
type CLIErrorHandler struct {
	logger  logger.Logger
	verbose bool
	out     io.Writer
}

// NewCLIErrorHandler creates a new CLI error handler
func NewCLIErrorHandler() *CLIErrorHandler {
	return &CLIErrorHandler{
		logger:  logger.WithComponent("cli"),
		verbose: viper.GetBool("verbose"),
		out:     os.Stderr,
	}
}

// HandleError handles errors and provides user-friendly messages
func (h *CLIErrorHandler) HandleError(err error) int {
	if err == nil {
		return 0
	}

	// Log the error
	h.logger.WithError(err).Error("Command failed")

	// Handle ReconcilerError with detailed information
	if reconcilerErr, ok := errors.AsReconcilerError(err); ok {
		return h.handleReconcilerError(reconcilerErr)
	}

	// Handle other error types
	return h.handleGenericError(err)
}

// handleReconcilerError handles ReconcilerError with detailed context
func (h *CLIErrorHandler) handleReconcilerError(err *errors.ReconcilerError) int {
	// Print the main error message
	fmt.Fprintf(h.out, "Error: %s\n", err.Message)

	// Add context information if available
	if len(err.Context) > 0 {
		keys := make([]string, 0, len(err.Context))
		for key := range err.Context {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		fmt.Fprintf(h.out, "\nContext:\n")
		for _, key := range keys {
			fmt.Fprintf(h.out, "  %s: %v\n", key, err.Context[key])
		}
	}

	// Add suggestion if available
	if err.Suggestion != "" {
		fmt.Fprintf(h.out, "\nSuggestion: %s\n", err.Suggestion)
	}

	// Add category-specific help
	fmt.Fprintf(h.out, "\n%s\n", h.getCategoryHelp(err.Category))

	if err.Category == errors.CategoryFile && err.Cause != nil {
		if path, ok := err.Context["file_path"].(string); ok {
			fmt.Fprintf(h.out, "\n%s", FormatFileError(path, err.Cause))
		}
	}

	// Show underlying error in verbose mode
	if h.verbose {
		if err.Cause != nil {
			fmt.Fprintf(h.out, "\nUnderlying error: %v\n", err.Cause)
		}
		SuggestRecoveryActions(h.out, err.Category)
	}

	return err.GetExitCode()
}

// handleGenericError handles non-ReconcilerError types
func (h *CLIErrorHandler) handleGenericError(err error) int {
	// Check for common system errors and provide better messages
	if h.isFileNotFoundError(err) {
		fmt.Fprintf(h.out, "Error: File not found\n")
		fmt.Fprintf(h.out, "Suggestion: Check if the file path is correct and the file exists\n")
		return 2
	}

	if h.isPermissionError(err) {
		fmt.Fprintf(h.out, "Error: Permission denied\n")
		fmt.Fprintf(h.out, "Suggestion: Check file permissions and ensure you have read access\n")
		return 2
	}

	if h.isDiskFullError(err) {
		fmt.Fprintf(h.out, "Error: Insufficient disk space\n")
		fmt.Fprintf(h.out, "Suggestion: Free up disk space and try again\n")
		return 2
	}

	// Generic error handling
	fmt.Fprintf(h.out, "Error: %v\n", err)

	if !h.verbose {
		fmt.Fprintf(h.out, "\nFor more details, run with --verbose flag\n")
	}

	return 1
}

// getCategoryHelp returns category-specific help text
func (h *CLIErrorHandler) getCategoryHelp(category errors.ErrorCategory) string {
	switch category {
	case errors.CategoryFile:
		return `File error help:
• Check if the file exists and is readable
• Verify the file path is correct (use absolute paths if needed)
• Ensure you have proper permissions to access the file
• Try using a different file or contact your system administrator`

	case errors.CategoryParse:
		return `Parse error help:
• Verify the CSV file format and structure
• Check the header row, e.g. tanggal, keterangan, jumlah or kredit/debet
• Ensure the file uses UTF-8 encoding
• Pick the statement layout explicitly with --format klikbca|mandiri|generic
• Use 'reconciler match --help' for the supported formats`

	case errors.CategoryValidation:
		return `Validation error help:
• Check that all required fields have values
• Verify dates, e.g. 31/03/2024 in files and 2024-03-31 in flags
• Amounts may use 250.000,00 or 250,000.00 but not both in one file
• Payment indexes must be unique across the resident register`

	case errors.CategoryConfiguration:
		return `Configuration error help:
• Check your command-line flags and arguments
• Verify configuration file syntax if using --config
• Use 'reconciler <command> --help' to see all available options
• Try running with default settings first`

	case errors.CategoryMatching:
		return `Matching error help:
• Check that the resident register is imported and up to date
• Increase engine.transaction_timeout for very large registers
• Review custom rules with 'reconciler rules list'
• Unmatched mutations stay in 'reconciler queue' for manual review`

	case errors.CategoryStorage:
		return `Storage error help:
• Check that the --db path is writable
• Make sure no other process holds a lock on the database
• Verify the mutation or resident id with 'reconciler queue'
• Restore the database from a backup if it is corrupted`

	default:
		return `For more help:
• Use 'reconciler --help' for general help
• Use 'reconciler <command> --help' for command-specific help
• Check the documentation for detailed examples
• Report bugs or ask for help on the project repository`
	}
}

// Error detection helpers

func (h *CLIErrorHandler) isFileNotFoundError(err error) bool {
	return os.IsNotExist(err) || strings.Contains(err.Error(), "no such file or directory")
}

func (h *CLIErrorHandler) isPermissionError(err error) bool {
	return os.IsPermission(err) ||
		strings.Contains(err.Error(), "permission denied") ||
		strings.Contains(err.Error(), "access denied")
}

func (h *CLIErrorHandler) isDiskFullError(err error) bool {
	if stderrors.Is(err, syscall.ENOSPC) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "no space left") ||
		strings.Contains(errStr, "disk full") ||
		strings.Contains(errStr, "device full")
}

// FormatFileError formats file-related errors with helpful information
func FormatFileError(filePath string, err error) string {
	baseName := filepath.Base(filePath)
	dir := filepath.Dir(filePath)

	var message strings.Builder
	message.WriteString(fmt.Sprintf("Error with file '%s':\n", baseName))
	message.WriteString(fmt.Sprintf("  Path: %s\n", filePath))
	message.WriteString(fmt.Sprintf("  Error: %v\n", err))

	if os.IsNotExist(err) {
		message.WriteString("  Suggestion: Check if the file exists in the specified location\n")

		// statement exports are usually named alike, e.g. mutasi-maret.csv
		if entries, dirErr := os.ReadDir(dir); dirErr == nil {
			prefix := strings.ToLower(baseName[:min(len(baseName), 3)])
			var similar []string
			for _, entry := range entries {
				if !entry.IsDir() && strings.Contains(strings.ToLower(entry.Name()), prefix) {
					similar = append(similar, entry.Name())
				}
			}
			if len(similar) > 0 {
				message.WriteString("  Similar files found:\n")
				for _, name := range similar[:min(len(similar), 3)] {
					message.WriteString(fmt.Sprintf("    - %s\n", name))
				}
			}
		}
	} else if os.IsPermission(err) {
		message.WriteString("  Suggestion: Check file permissions - you may need read access\n")
	}

	return message.String()
}

// SuggestRecoveryActions suggests actions the user can take to recover from errors
func SuggestRecoveryActions(w io.Writer, category errors.ErrorCategory) {
	fmt.Fprintf(w, "\nRecovery suggestions:\n")

	switch category {
	case errors.CategoryFile:
		fmt.Fprintf(w, "• Verify file paths and permissions\n")
		fmt.Fprintf(w, "• Export the statement again from internet banking\n")

	case errors.CategoryParse:
		fmt.Fprintf(w, "• Fix data format issues in the CSV files\n")
		fmt.Fprintf(w, "• Remove or correct invalid entries\n")
		fmt.Fprintf(w, "• Save files in UTF-8 encoding\n")

	case errors.CategoryValidation:
		fmt.Fprintf(w, "• Correct the invalid data values\n")
		fmt.Fprintf(w, "• Check date and amount formats\n")

	case errors.CategoryConfiguration:
		fmt.Fprintf(w, "• Review command-line arguments\n")
		fmt.Fprintf(w, "• Check configuration file syntax\n")

	case errors.CategoryMatching:
		fmt.Fprintf(w, "• Import an up to date resident register\n")
		fmt.Fprintf(w, "• Resolve remaining mutations with 'reconciler decide'\n")

	case errors.CategoryStorage:
		fmt.Fprintf(w, "• Check the database path and its permissions\n")
		fmt.Fprintf(w, "• Retry once other reconciler processes have finished\n")
	}

	fmt.Fprintf(w, "• Use --verbose flag for more detailed error information\n")
}
