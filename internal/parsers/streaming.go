package parsers

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"dues-reconciliation-service/internal/models"
	"dues-reconciliation-service/pkg/logger"
)

// MutationBatchCallback receives consecutive batches of parsed mutations
type MutationBatchCallback func([]*models.Transaction) error

// ParseStream parses a statement from r and hands the lines to callback in
// batches of batchSize. A callback error stops the run.
func (mp *MutationParser) ParseStream(
	ctx context.Context,
	r io.Reader,
	name string,
	batchSize int,
	callback MutationBatchCallback,
) (*ParseStats, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	tracker := logger.NewProgressTracker(logger.ProgressConfig{
		Operation: "parse " + name,
		Logger:    mp.logger,
	})

	batch := make([]*models.Transaction, 0, batchSize)
	stats, err := stream(mp.BaseParser, ctx, r, name, mp.format.columns(), mp.convert,
		func(tx *models.Transaction) error {
			batch = append(batch, tx)
			tracker.Increment(true)
			if len(batch) < batchSize {
				return nil
			}
			if err := callback(batch); err != nil {
				return fmt.Errorf("callback error: %w", err)
			}
			batch = make([]*models.Transaction, 0, batchSize)
			return nil
		})
	if err == nil && len(batch) > 0 {
		if cbErr := callback(batch); cbErr != nil {
			err = fmt.Errorf("callback error: %w", cbErr)
		}
	}
	tracker.Complete()
	return stats, err
}

// FileResult holds the outcome of parsing one statement file
type FileResult struct {
	Path         string
	Format       string
	Transactions []*models.Transaction
	Stats        *ParseStats
	Err          error
}

// ParseStatementFiles parses several statement files concurrently, at most
// concurrency at a time. Each file is parsed with format, or with the format
// detected from its headers when format is nil. Per-file failures are
// reported in the results; the returned error is only set on cancellation.
// Results keep the order of paths.
func ParseStatementFiles(
	ctx context.Context,
	paths []string,
	format *MutationFormat,
	concurrency int,
) ([]*FileResult, error) {
	if concurrency <= 0 {
		concurrency = 4
	}

	results := make([]*FileResult, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, path := range paths {
		g.Go(func() error {
			results[i] = parseStatementFile(gctx, path, format)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func parseStatementFile(ctx context.Context, path string, format *MutationFormat) *FileResult {
	result := &FileResult{Path: path}

	if format == nil {
		detected, err := DetectFileFormat(path)
		if err != nil {
			result.Err = err
			return result
		}
		format = detected
	}
	result.Format = format.Name

	parser, err := NewMutationParser(format, nil)
	if err != nil {
		result.Err = err
		return result
	}
	result.Transactions, result.Stats, result.Err = parser.ParseFile(ctx, path)
	return result
}

// DetectFileFormat reads the header row of a statement file and picks a
// predefined format for it
func DetectFileFormat(path string) (*MutationFormat, error) {
	base, err := NewBaseParser(nil, "format_detection")
	if err != nil {
		return nil, err
	}
	file, err := base.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	headers, err := base.NewReader(file).Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read headers for format detection: %w", err)
	}
	return DetectMutationFormat(headers), nil
}
