// Package parsers reads the CSV exports the reconciliation pipeline consumes:
// bank mutation statements, the resident register and recorded payments.
//
// Real exports differ per bank and per spreadsheet, so every parser resolves
// its columns through a list of header aliases, accepts Indonesian and
// international amount notation, and reports bad rows as recoverable row
// errors instead of failing the whole file.
//
// Parser Types:
//   - MutationParser: bank statements, single amount or credit/debit columns
//   - ResidentParser: the resident register with ";"-separated bank aliases
//   - PaymentParser: recorded payments used to corroborate matches
//
// Example usage:
//
//	parser, err := NewMutationParser(nil, nil)
//	lines, stats, err := parser.ParseFile(ctx, "mutasi-maret.csv")
//	if stats.HasErrors() {
//		fmt.Println(errors.FormatRowErrors(stats.Errors))
//	}
//
//	// Large statements in batches
//	stats, err = parser.ParseStream(ctx, file, "mutasi.csv", 500, func(batch []*models.Transaction) error {
//		return store(batch)
//	})
package parsers

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"dues-reconciliation-service/pkg/errors"
	"dues-reconciliation-service/pkg/logger"
)

// ParseConfig holds configuration for CSV parsing
type ParseConfig struct {
	HasHeader        bool `json:"has_header" mapstructure:"has_header"`
	Delimiter        rune `json:"delimiter" mapstructure:"delimiter"`
	Comment          rune `json:"comment" mapstructure:"comment"`
	TrimLeadingSpace bool `json:"trim_leading_space" mapstructure:"trim_leading_space"`
	SkipEmptyRows    bool `json:"skip_empty_rows" mapstructure:"skip_empty_rows"`
	MaxFieldSize     int  `json:"max_field_size" mapstructure:"max_field_size"`
	ValidateEncoding bool `json:"validate_encoding" mapstructure:"validate_encoding"`
	// MaxErrors stops parsing after this many row errors; zero means no limit
	MaxErrors int `json:"max_errors" mapstructure:"max_errors"`
}

// DefaultParseConfig returns a configuration with sensible defaults
func DefaultParseConfig() *ParseConfig {
	return &ParseConfig{
		HasHeader:        true,
		Delimiter:        ',',
		Comment:          0,
		TrimLeadingSpace: true,
		SkipEmptyRows:    true,
		MaxFieldSize:     64 * 1024,
		ValidateEncoding: true,
		MaxErrors:        100,
	}
}

// Validate checks if the parse configuration is valid
func (c *ParseConfig) Validate() error {
	if c.Delimiter == 0 || c.Delimiter == '\r' || c.Delimiter == '\n' || c.Delimiter == utf8.RuneError {
		return fmt.Errorf("invalid delimiter %q", c.Delimiter)
	}
	if c.Comment == c.Delimiter {
		return fmt.Errorf("comment character cannot equal the delimiter")
	}
	if c.MaxFieldSize < 0 {
		return fmt.Errorf("max field size cannot be negative, got %d", c.MaxFieldSize)
	}
	if c.MaxErrors < 0 {
		return fmt.Errorf("max errors cannot be negative, got %d", c.MaxErrors)
	}
	return nil
}

// Column names a logical field and the header spellings it may appear under
type Column struct {
	Field    string
	Aliases  []string
	Required bool
}

// BaseParser provides common CSV parsing functionality
type BaseParser struct {
	config *ParseConfig
	logger logger.Logger
}

// NewBaseParser creates a new BaseParser with the given configuration
func NewBaseParser(config *ParseConfig, component string) (*BaseParser, error) {
	if config == nil {
		config = DefaultParseConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "parse_config", config, err)
	}

	log := logger.GetGlobalLogger().WithComponent(component)
	log.WithFields(logger.Fields{
		"has_header": config.HasHeader,
		"delimiter":  string(config.Delimiter),
		"max_errors": config.MaxErrors,
	}).Debug("Created parser")

	return &BaseParser{config: config, logger: log}, nil
}

// ParseContext holds state during parsing operations
type ParseContext struct {
	File       string
	LineNumber int
	Headers    []string
	HeaderMap  map[string]int
	columns    map[string]int
	ctx        context.Context
}

// NewParseContext creates a new parsing context
func NewParseContext(ctx context.Context, file string) *ParseContext {
	if ctx == nil {
		ctx = context.Background()
	}
	return &ParseContext{
		File:      file,
		HeaderMap: make(map[string]int),
		columns:   make(map[string]int),
		ctx:       ctx,
	}
}

// IsCancelled checks if the parsing context has been cancelled
func (pc *ParseContext) IsCancelled() bool {
	return pc.ctx.Err() != nil
}

// GetColumnIndex returns the index of a header, or -1 if not found. Case,
// spaces, dots, dashes and underscores are ignored, so "No. Rumah" finds
// "no_rumah".
func (pc *ParseContext) GetColumnIndex(name string) int {
	if index, ok := pc.HeaderMap[normalizeHeader(name)]; ok {
		return index
	}
	return -1
}

// ColumnIndex returns the bound index of a logical field, or -1
func (pc *ParseContext) ColumnIndex(field string) int {
	if index, ok := pc.columns[field]; ok {
		return index
	}
	return -1
}

// ColumnHeader returns the header a logical field was bound to
func (pc *ParseContext) ColumnHeader(field string) string {
	if index := pc.ColumnIndex(field); index >= 0 && index < len(pc.Headers) {
		return pc.Headers[index]
	}
	return field
}

// OpenFile opens a CSV file, validating its encoding when configured
func (bp *BaseParser) OpenFile(filePath string) (*os.File, error) {
	bp.logger.WithField("file_path", filePath).Debug("Opening CSV file")

	file, err := os.Open(filePath)
	if err != nil {
		bp.logger.WithError(err).WithField("file_path", filePath).Error("Failed to open CSV file")
		if os.IsNotExist(err) {
			return nil, errors.FileError(errors.CodeFileNotFound, filePath, err)
		}
		return nil, errors.FileError(errors.CodeFilePermission, filePath, err)
	}

	if bp.config.ValidateEncoding {
		if err := bp.validateEncoding(file, filePath); err != nil {
			file.Close()
			return nil, err
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			file.Close()
			return nil, errors.FileError(errors.CodeFilePermission, filePath, err)
		}
	}

	return file, nil
}

// NewReader wraps r in a csv.Reader configured for this parser
func (bp *BaseParser) NewReader(r io.Reader) *csv.Reader {
	reader := csv.NewReader(r)
	reader.Comma = bp.config.Delimiter
	reader.Comment = bp.config.Comment
	reader.TrimLeadingSpace = bp.config.TrimLeadingSpace
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	return reader
}

// validateEncoding checks the first lines of the file for valid UTF-8
func (bp *BaseParser) validateEncoding(file *os.File, filePath string) error {
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0

	for scanner.Scan() && lineNum < 100 {
		lineNum++
		if !utf8.Valid(scanner.Bytes()) {
			return errors.ParseError(
				errors.CodeInvalidFormat,
				filePath,
				lineNum,
				"encoding",
				"",
				fmt.Errorf("invalid UTF-8 encoding detected"),
			).WithSuggestion("Save the file in UTF-8 encoding and try again")
		}
	}

	if err := scanner.Err(); err != nil {
		return errors.FileError(errors.CodeInvalidFormat, filePath, err)
	}
	return nil
}

// ReadHeaders reads the header row and binds every column to a header. A
// missing required column is fatal.
func (bp *BaseParser) ReadHeaders(reader *csv.Reader, parseCtx *ParseContext, columns []Column) error {
	if !bp.config.HasHeader {
		// Without a header row the columns appear in declaration order
		parseCtx.Headers = make([]string, len(columns))
		for i, col := range columns {
			parseCtx.Headers[i] = col.Field
		}
		bp.buildHeaderMap(parseCtx)
		return bp.bindColumns(parseCtx, columns)
	}

	headers, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return errors.ValidationError(
				errors.CodeMissingField,
				"file_content",
				"empty",
				nil,
			).WithSuggestion("Ensure the file contains header and data rows")
		}
		return errors.ParseError(errors.CodeInvalidFormat, parseCtx.File, 1, "headers", "", err)
	}

	parseCtx.LineNumber++
	parseCtx.Headers = cleanHeaders(headers)
	bp.buildHeaderMap(parseCtx)

	bp.logger.WithField("headers", parseCtx.Headers).Debug("Read headers")
	return bp.bindColumns(parseCtx, columns)
}

func (bp *BaseParser) bindColumns(parseCtx *ParseContext, columns []Column) error {
	for _, col := range columns {
		index := -1
		for _, name := range append([]string{col.Field}, col.Aliases...) {
			if index = parseCtx.GetColumnIndex(name); index >= 0 {
				break
			}
		}
		if index >= 0 {
			parseCtx.columns[col.Field] = index
			continue
		}
		if col.Required {
			bp.logger.WithFields(logger.Fields{
				"column":            col.Field,
				"available_headers": parseCtx.Headers,
			}).Error("Required column is missing")
			return errors.MissingColumnError(parseCtx.File, col.Field, parseCtx.Headers)
		}
	}
	return nil
}

// cleanHeaders trims whitespace and a leading byte order mark
func cleanHeaders(headers []string) []string {
	cleaned := make([]string, len(headers))
	for i, header := range headers {
		if i == 0 {
			header = strings.TrimPrefix(header, "\ufeff")
		}
		cleaned[i] = strings.TrimSpace(header)
	}
	return cleaned
}

func (bp *BaseParser) buildHeaderMap(parseCtx *ParseContext) {
	parseCtx.HeaderMap = make(map[string]int, len(parseCtx.Headers))
	for i, header := range parseCtx.Headers {
		key := normalizeHeader(header)
		if _, exists := parseCtx.HeaderMap[key]; !exists {
			parseCtx.HeaderMap[key] = i
		}
	}
}

func normalizeHeader(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '/' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ReadRecord reads the next non-empty record. io.EOF marks the end of input.
func (bp *BaseParser) ReadRecord(reader *csv.Reader, parseCtx *ParseContext) ([]string, error) {
	for {
		if parseCtx.IsCancelled() {
			return nil, errors.InternalError(
				errors.CodeUnexpectedError,
				"csv_parsing",
				fmt.Errorf("parsing cancelled: %w", parseCtx.ctx.Err()),
			)
		}

		record, err := reader.Read()
		if err != nil {
			if err == io.EOF {
				return nil, err
			}
			parseCtx.LineNumber++
			bp.logger.WithError(err).WithField("line_number", parseCtx.LineNumber).Warn("Failed to read CSV record")
			return nil, errors.NewRowError(errors.CodeInvalidFormat, parseCtx.File, parseCtx.LineNumber, "", "", err)
		}
		parseCtx.LineNumber++

		if bp.config.SkipEmptyRows && isEmptyRecord(record) {
			continue
		}

		if bp.config.MaxFieldSize > 0 {
			for i, field := range record {
				if len(field) > bp.config.MaxFieldSize {
					return nil, errors.NewRowError(
						errors.CodeInvalidData,
						parseCtx.File,
						parseCtx.LineNumber,
						fmt.Sprintf("field_%d", i),
						truncate(field, 50),
						fmt.Errorf("field exceeds maximum size of %d bytes", bp.config.MaxFieldSize),
					)
				}
			}
		}

		return record, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func isEmptyRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

// Row is one record with its columns bound to logical fields
type Row struct {
	Line   int
	record []string
	ctx    *ParseContext
}

// Get returns the trimmed value of a field, or "" when the column is absent
func (r *Row) Get(field string) string {
	index := r.ctx.ColumnIndex(field)
	if index < 0 || index >= len(r.record) {
		return ""
	}
	return strings.TrimSpace(r.record[index])
}

// Has reports whether the file carries a column for field
func (r *Row) Has(field string) bool {
	return r.ctx.ColumnIndex(field) >= 0
}

// Error builds a recoverable row error for field
func (r *Row) Error(code errors.ErrorCode, field string, cause error) *errors.RowError {
	return errors.NewRowError(code, r.ctx.File, r.Line, r.ctx.ColumnHeader(field), r.Get(field), cause)
}

// stream reads every record of r, converts it and hands accepted values to
// emit. Row errors are collected in the stats; the run stops on a fatal
// error, on cancellation or when the error limit is reached.
func stream[T any](
	bp *BaseParser,
	ctx context.Context,
	r io.Reader,
	file string,
	columns []Column,
	convert func(*Row) (T, *errors.RowError),
	emit func(T) error,
) (*ParseStats, error) {
	parseCtx := NewParseContext(ctx, file)
	stats := NewParseStats(bp.config.MaxErrors)
	reader := bp.NewReader(r)

	if err := bp.ReadHeaders(reader, parseCtx, columns); err != nil {
		return stats, err
	}

	for {
		record, err := bp.ReadRecord(reader, parseCtx)
		if err == io.EOF {
			break
		}
		if err != nil {
			rowErr, ok := err.(*errors.RowError)
			if !ok {
				stats.TotalLines = parseCtx.LineNumber
				return stats, err
			}
			stats.RecordsParsed++
			if !stats.AddError(rowErr) {
				stats.TotalLines = parseCtx.LineNumber
				return stats, tooManyErrors(file, stats)
			}
			continue
		}

		stats.RecordsParsed++
		value, rowErr := convert(&Row{Line: parseCtx.LineNumber, record: record, ctx: parseCtx})
		if rowErr != nil {
			if !stats.AddError(rowErr) {
				stats.TotalLines = parseCtx.LineNumber
				if !rowErr.Recoverable {
					return stats, rowErr
				}
				return stats, tooManyErrors(file, stats)
			}
			continue
		}

		if err := emit(value); err != nil {
			stats.TotalLines = parseCtx.LineNumber
			return stats, err
		}
		stats.RecordsValid++
	}

	stats.TotalLines = parseCtx.LineNumber
	bp.logger.WithFields(logger.Fields{
		"file":   file,
		"parsed": stats.RecordsParsed,
		"valid":  stats.RecordsValid,
		"errors": stats.ErrorCount,
	}).Debug("Parsed file")
	return stats, nil
}

// parseAll collects every accepted value of r
func parseAll[T any](
	bp *BaseParser,
	ctx context.Context,
	r io.Reader,
	file string,
	columns []Column,
	convert func(*Row) (T, *errors.RowError),
) ([]T, *ParseStats, error) {
	var out []T
	stats, err := stream(bp, ctx, r, file, columns, convert, func(v T) error {
		out = append(out, v)
		return nil
	})
	return out, stats, err
}

// parseFile opens path and collects every accepted value
func parseFile[T any](
	bp *BaseParser,
	ctx context.Context,
	path string,
	columns []Column,
	convert func(*Row) (T, *errors.RowError),
) ([]T, *ParseStats, error) {
	file, err := bp.OpenFile(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()
	return parseAll(bp, ctx, file, path, columns, convert)
}

func tooManyErrors(file string, stats *ParseStats) error {
	return errors.ParseError(
		errors.CodeInvalidData,
		file,
		stats.TotalLines,
		"",
		"",
		fmt.Errorf("stopped after %d row errors", stats.ErrorCount),
	).WithSuggestion("Check that the file matches the expected export format")
}

// ParseStats holds statistics about a parsing operation
type ParseStats struct {
	TotalLines    int
	RecordsParsed int
	RecordsValid  int
	ErrorCount    int
	Errors        []*errors.RowError
	collector     *errors.RowErrorCollector
}

// NewParseStats creates a new ParseStats instance. A maxErrors of zero means
// no limit.
func NewParseStats(maxErrors int) *ParseStats {
	return &ParseStats{collector: errors.NewRowErrorCollector(maxErrors)}
}

// AddError records a row error and reports whether parsing may continue
func (ps *ParseStats) AddError(err *errors.RowError) bool {
	if ps.collector == nil {
		ps.collector = errors.NewRowErrorCollector(0)
	}
	ok := ps.collector.Add(err)
	ps.Errors = ps.collector.Errors()
	ps.ErrorCount = len(ps.Errors)
	return ok
}

// HasErrors returns true if there were any parsing errors
func (ps *ParseStats) HasErrors() bool {
	return ps.ErrorCount > 0
}

// Merge adds the counts and errors of other
func (ps *ParseStats) Merge(other *ParseStats) {
	if other == nil {
		return
	}
	ps.TotalLines += other.TotalLines
	ps.RecordsParsed += other.RecordsParsed
	ps.RecordsValid += other.RecordsValid
	for _, err := range other.Errors {
		ps.AddError(err)
	}
}

// String returns a human-readable summary of parsing statistics
func (ps *ParseStats) String() string {
	return fmt.Sprintf("Parsed %d lines, %d records (%d valid), %d errors",
		ps.TotalLines, ps.RecordsParsed, ps.RecordsValid, ps.ErrorCount)
}

// GetSampleErrors returns a sample of the parsing errors for logging
func (ps *ParseStats) GetSampleErrors(maxSamples int) []string {
	if len(ps.Errors) == 0 {
		return nil
	}

	limit := len(ps.Errors)
	if maxSamples > 0 && maxSamples < limit {
		limit = maxSamples
	}

	samples := make([]string, 0, limit)
	for i := 0; i < limit; i++ {
		samples = append(samples, ps.Errors[i].Error())
	}
	return samples
}
