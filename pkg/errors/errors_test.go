package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestReconcilerError(t *testing.T) {
	tests := []struct {
		name        string
		category    ErrorCategory
		code        ErrorCode
		message     string
		cause       error
		expectCode  int
		expectError string
	}{
		{
			name:        "file error",
			category:    CategoryFile,
			code:        CodeFileNotFound,
			message:     "file not found",
			cause:       errors.New("no such file"),
			expectCode:  2,
			expectError: "file not found: no such file",
		},
		{
			name:        "parse error",
			category:    CategoryParse,
			code:        CodeInvalidFormat,
			message:     "invalid format",
			expectCode:  3,
			expectError: "invalid format",
		},
		{
			name:        "storage error",
			category:    CategoryStorage,
			code:        CodeQueryFailed,
			message:     "query failed",
			cause:       errors.New("disk I/O error"),
			expectCode:  6,
			expectError: "query failed: disk I/O error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err *ReconcilerError
			if tt.cause != nil {
				err = Wrap(tt.cause, tt.category, tt.code, tt.message)
			} else {
				err = New(tt.category, tt.code, tt.message)
			}

			if err.Category != tt.category {
				t.Errorf("expected category %s, got %s", tt.category, err.Category)
			}
			if err.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, err.Code)
			}
			if err.GetExitCode() != tt.expectCode {
				t.Errorf("expected exit code %d, got %d", tt.expectCode, err.GetExitCode())
			}
			if err.Error() != tt.expectError {
				t.Errorf("expected error string %q, got %q", tt.expectError, err.Error())
			}
			if tt.cause != nil && err.Unwrap() != tt.cause {
				t.Errorf("expected to unwrap to %v, got %v", tt.cause, err.Unwrap())
			}
			if len(err.StackTrace) == 0 {
				t.Error("expected a captured stack trace")
			}
		})
	}
}

func TestReconcilerErrorWithContext(t *testing.T) {
	err := New(CategoryValidation, CodeDuplicateIndex, "test error").
		WithContext("payment_index", 157).
		WithSuggestion("assign another index")

	if err.Context["payment_index"] != 157 {
		t.Errorf("expected payment_index context 157, got %v", err.Context["payment_index"])
	}

	expected := "test error (suggestion: assign another index)"
	if err.Error() != expected {
		t.Errorf("expected error string '%s', got '%s'", expected, err.Error())
	}
}

func TestSpecificErrorConstructors(t *testing.T) {
	t.Run("ValidationError duplicate index", func(t *testing.T) {
		err := ValidationError(CodeDuplicateIndex, "r-1,r-2", 157, nil)
		if err.Category != CategoryValidation {
			t.Errorf("expected validation category, got %s", err.Category)
		}
		if !strings.Contains(err.Message, "157") {
			t.Errorf("expected message to mention the index, got %s", err.Message)
		}
	})

	t.Run("StorageError", func(t *testing.T) {
		cause := errors.New("database is locked")
		err := StorageError(CodeQueryFailed, "find payments", cause)
		if err.Category != CategoryStorage {
			t.Errorf("expected storage category, got %s", err.Category)
		}
		if err.Context["operation"] != "find payments" {
			t.Errorf("expected operation context, got %v", err.Context["operation"])
		}
		if err.Cause != cause {
			t.Errorf("expected cause %v, got %v", cause, err.Cause)
		}
	})

	t.Run("MatchingError timeout", func(t *testing.T) {
		err := MatchingError(CodeTimeout, "classify and match", nil)
		if err.Code != CodeTimeout || err.Suggestion == "" {
			t.Errorf("unexpected matching error: %+v", err)
		}
	})

	t.Run("NotFoundError", func(t *testing.T) {
		err := NotFoundError("transaction", "tx-1")
		if !IsCode(err, CodeNotFound) {
			t.Error("expected not found code")
		}
		if err.Context["id"] != "tx-1" {
			t.Errorf("expected id context, got %v", err.Context["id"])
		}
	})
}

func TestIsCategoryThroughWrapping(t *testing.T) {
	base := StorageError(CodeQueryFailed, "list residents", errors.New("boom"))
	wrapped := fmt.Errorf("building context: %w", base)

	if !IsCategory(wrapped, CategoryStorage) {
		t.Error("expected storage category to be found through fmt wrapping")
	}
	if IsCategory(wrapped, CategoryParse) {
		t.Error("did not expect parse category")
	}
	if IsCategory(nil, CategoryStorage) {
		t.Error("nil error has no category")
	}
	if !IsCode(wrapped, CodeQueryFailed) {
		t.Error("expected query failed code")
	}
}

func TestErrorSummary(t *testing.T) {
	errs := []*ReconcilerError{
		New(CategoryFile, CodeFileNotFound, "error 1"),
		New(CategoryParse, CodeInvalidFormat, "error 2"),
		New(CategoryParse, CodeInvalidData, "error 3"),
		New(CategoryStorage, CodeWriteFailed, "error 4"),
		New(CategoryValidation, CodeInvalidAmount, "error 5"),
		New(CategoryValidation, CodeInvalidDate, "error 6"),
	}

	summary := NewErrorSummary(errs)

	if summary.Total != 6 {
		t.Errorf("expected total 6, got %d", summary.Total)
	}
	if summary.ByCategory[CategoryParse] != 2 {
		t.Errorf("expected 2 parse errors, got %d", summary.ByCategory[CategoryParse])
	}
	if len(summary.SampleErrors) != 5 {
		t.Errorf("expected 5 sample errors, got %d", len(summary.SampleErrors))
	}
	if !summary.HasCategory(CategoryStorage) {
		t.Error("expected to have storage category")
	}
	if summary.HasCategory(CategoryMatching) {
		t.Error("expected not to have matching category")
	}
	if !summary.HasCode(CodeWriteFailed) {
		t.Error("expected write failed code")
	}
	if summary.GetExitCode() != 6 {
		t.Errorf("expected highest exit code 6, got %d", summary.GetExitCode())
	}
}

func TestEmptyErrorSummary(t *testing.T) {
	summary := NewErrorSummary(nil)

	if summary.Total != 0 {
		t.Errorf("expected total 0, got %d", summary.Total)
	}
	if summary.Error() != "no errors" {
		t.Errorf("expected 'no errors', got '%s'", summary.Error())
	}
	if summary.GetExitCode() != 0 {
		t.Errorf("expected exit code 0, got %d", summary.GetExitCode())
	}
}

func TestWrapIfNeeded(t *testing.T) {
	reconcilerErr := New(CategoryFile, CodeFileNotFound, "test")
	genericErr := errors.New("generic error")

	if WrapIfNeeded(reconcilerErr, CategoryParse, CodeInvalidFormat, "wrapped") != reconcilerErr {
		t.Error("expected WrapIfNeeded to return original ReconcilerError")
	}

	wrapped := WrapIfNeeded(genericErr, CategoryParse, CodeInvalidFormat, "wrapped")
	if wrapped.Cause != genericErr || wrapped.Category != CategoryParse {
		t.Error("expected WrapIfNeeded to wrap generic error")
	}

	if WrapIfNeeded(nil, CategoryParse, CodeInvalidFormat, "wrapped") != nil {
		t.Error("expected WrapIfNeeded to return nil for nil input")
	}
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		category     ErrorCategory
		expectedCode int
	}{
		{CategoryFile, 2},
		{CategoryParse, 3},
		{CategoryValidation, 3},
		{CategoryConfiguration, 4},
		{CategoryMatching, 5},
		{CategoryInternal, 5},
		{CategoryStorage, 6},
		{ErrorCategory("other"), 1},
	}

	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			err := New(tt.category, "test_code", "test message")
			if err.GetExitCode() != tt.expectedCode {
				t.Errorf("expected exit code %d for category %s, got %d",
					tt.expectedCode, tt.category, err.GetExitCode())
			}
		})
	}
}

func TestRowErrorCollector(t *testing.T) {
	collector := NewRowErrorCollector(3)

	if !collector.Add(InvalidAmountError("mutasi.csv", 2, "amount", "abc")) {
		t.Error("expected collector to continue after a recoverable error")
	}
	if collector.Add(MissingColumnError("mutasi.csv", "amount", []string{"date", "description"})) {
		t.Error("expected collector to stop after a non-recoverable error")
	}
	if !collector.HasErrors() {
		t.Error("expected collected errors")
	}

	collector.Add(InvalidDateError("mutasi.csv", 4, "date", "31/31/2024"))
	if collector.Add(InvalidDateError("mutasi.csv", 5, "date", "x")) {
		t.Error("expected collector to stop at the error limit")
	}

	summary := collector.Summary()
	if summary.Total != 4 {
		t.Errorf("expected 4 errors in summary, got %d", summary.Total)
	}

	msg := collector.Errors()[0].Error()
	if !strings.Contains(msg, "mutasi.csv:2") {
		t.Errorf("expected location in message, got %q", msg)
	}
	if !strings.Contains(FormatRowErrors(collector.Errors()), "Found 4 parse errors") {
		t.Error("expected formatted header")
	}
}

func TestRowErrorUnwrapsToReconcilerError(t *testing.T) {
	err := error(MissingColumnError("mutasi.csv", "amount", nil))

	if !IsCode(err, CodeMissingColumn) {
		t.Error("expected the row error to expose its code")
	}
	if !IsCategory(err, CategoryParse) {
		t.Error("expected the row error to expose its category")
	}
	re, ok := AsReconcilerError(err)
	if !ok || re.GetExitCode() != 3 {
		t.Errorf("expected a parse exit code, got %v", re)
	}
}
