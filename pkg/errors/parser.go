package errors

import (
	"fmt"
	"path/filepath"
	"strings"
)

// RowError describes a problem with a single row of an imported file
type RowError struct {
	*ReconcilerError
	File        string `json:"file"`
	Line        int    `json:"line"`
	Column      string `json:"column,omitempty"`
	Value       string `json:"value,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// Error implements the error interface with the row location appended
func (e *RowError) Error() string {
	location := fmt.Sprintf("at %s", filepath.Base(e.File))
	if e.Line > 0 {
		location += fmt.Sprintf(":%d", e.Line)
	}
	if e.Column != "" {
		location += fmt.Sprintf(" column '%s'", e.Column)
	}
	return e.ReconcilerError.Error() + " " + location
}

// Unwrap exposes the structured error to IsCode and AsReconcilerError
func (e *RowError) Unwrap() error {
	return e.ReconcilerError
}

// NewRowError creates a recoverable row error
func NewRowError(code ErrorCode, file string, line int, column, value string, cause error) *RowError {
	return &RowError{
		ReconcilerError: ParseError(code, file, line, column, value, cause),
		File:            file,
		Line:            line,
		Column:          column,
		Value:           value,
		Recoverable:     true,
	}
}

// InvalidAmountError creates an error for an unparseable mutation amount
func InvalidAmountError(file string, line int, column, value string) *RowError {
	err := NewRowError(CodeInvalidData, file, line, column, value, nil)
	err.WithSuggestion("use plain digits (250157), Indonesian (250.157,00) or international (250,157.00) notation")
	return err
}

// InvalidDateError creates an error for an unparseable mutation date
func InvalidDateError(file string, line int, column, value string) *RowError {
	err := NewRowError(CodeInvalidData, file, line, column, value, nil)
	err.WithSuggestion("use YYYY-MM-DD, DD/MM/YYYY or DD-MM-YYYY")
	return err
}

// MissingColumnError creates a non-recoverable error for a missing header
func MissingColumnError(file string, column string, actual []string) *RowError {
	err := NewRowError(CodeMissingColumn, file, 1, column, "", nil)
	err.Recoverable = false
	err.WithContext("headers", strings.Join(actual, ","))
	return err
}

// RowErrorCollector collects row errors up to a limit
type RowErrorCollector struct {
	errors    []*RowError
	maxErrors int
}

// NewRowErrorCollector creates a new collector. A maxErrors of zero means no limit.
func NewRowErrorCollector(maxErrors int) *RowErrorCollector {
	return &RowErrorCollector{maxErrors: maxErrors}
}

// Add records an error and reports whether processing may continue
func (c *RowErrorCollector) Add(err *RowError) bool {
	if err == nil {
		return true
	}

	c.errors = append(c.errors, err)
	if c.maxErrors > 0 && len(c.errors) >= c.maxErrors {
		return false
	}
	return err.Recoverable
}

// HasErrors returns true if any errors have been collected
func (c *RowErrorCollector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all collected errors
func (c *RowErrorCollector) Errors() []*RowError {
	return c.errors
}

// Summary returns an error summary for all collected errors
func (c *RowErrorCollector) Summary() *ErrorSummary {
	result := make([]*ReconcilerError, len(c.errors))
	for i, err := range c.errors {
		result[i] = err.ReconcilerError
	}
	return NewErrorSummary(result)
}

// FormatRowErrors formats row errors for terminal output
func FormatRowErrors(errs []*RowError) string {
	if len(errs) == 0 {
		return "No parse errors"
	}

	var lines []string
	lines = append(lines, fmt.Sprintf("Found %d parse errors:", len(errs)))
	const maxDetailed = 10
	for i, err := range errs {
		if i == maxDetailed {
			lines = append(lines, fmt.Sprintf("  ... and %d more", len(errs)-maxDetailed))
			break
		}
		lines = append(lines, "  - "+err.Error())
	}
	return strings.Join(lines, "\n")
}
