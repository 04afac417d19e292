package parsers

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dues-reconciliation-service/internal/models"
	"dues-reconciliation-service/pkg/errors"
)

// MutationParser reads bank statement exports into unverified mutations.
// Lines are not validated here: zero amounts (opening balance rows) pass
// through and preprocessing decides what to keep.
type MutationParser struct {
	*BaseParser
	format *MutationFormat
}

// NewMutationParser creates a parser for format. A nil format uses
// GenericFormat; a nil config uses the format's delimiter and header setting.
func NewMutationParser(format *MutationFormat, config *ParseConfig) (*MutationParser, error) {
	if format == nil {
		format = GenericFormat
	}
	if err := format.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "mutation_format", format.Name, err)
	}
	if config == nil {
		config = DefaultParseConfig()
		if format.Delimiter != 0 {
			config.Delimiter = format.Delimiter
		}
		config.HasHeader = format.HasHeader
	}

	base, err := NewBaseParser(config, "mutation_parser")
	if err != nil {
		return nil, err
	}
	return &MutationParser{BaseParser: base, format: format}, nil
}

// Format returns the statement format of the parser
func (mp *MutationParser) Format() *MutationFormat {
	return mp.format
}

// ParseFile parses a statement file
func (mp *MutationParser) ParseFile(ctx context.Context, path string) ([]*models.Transaction, *ParseStats, error) {
	return parseFile(mp.BaseParser, ctx, path, mp.format.columns(), mp.convert)
}

// Parse parses a statement from r; name labels errors
func (mp *MutationParser) Parse(ctx context.Context, r io.Reader, name string) ([]*models.Transaction, *ParseStats, error) {
	return parseAll(mp.BaseParser, ctx, r, name, mp.format.columns(), mp.convert)
}

// directionSuffix splits "250.157,00 CR" into the number and its marker
var directionSuffix = regexp.MustCompile(`(?i)^(.*\d)\s*(CR|DB|DR|C|D|K)\.?$`)

func (mp *MutationParser) convert(row *Row) (*models.Transaction, *errors.RowError) {
	if !row.Has(FieldAmount) && !row.Has(FieldCredit) && !row.Has(FieldDebit) {
		return nil, errors.MissingColumnError(row.ctx.File, FieldAmount, row.ctx.Headers)
	}

	date, err := mp.parseDate(row.Get(FieldDate))
	if err != nil {
		return nil, errors.InvalidDateError(row.ctx.File, row.Line, row.ctx.ColumnHeader(FieldDate), row.Get(FieldDate))
	}

	amount, direction, rowErr := mp.parseAmount(row)
	if rowErr != nil {
		return nil, rowErr
	}

	tx := models.NewTransaction(
		fmt.Sprintf("%s:%d", filepath.Base(row.ctx.File), row.Line),
		date,
		row.Get(FieldDescription),
		amount,
	)
	tx.Direction = direction
	tx.Reference = row.Get(FieldReference)

	if raw := row.Get(FieldBalance); raw != "" {
		balance, err := models.ParseAmount(stripDirection(raw))
		if err != nil {
			return nil, errors.InvalidAmountError(row.ctx.File, row.Line, row.ctx.ColumnHeader(FieldBalance), raw)
		}
		tx.Balance = &balance
	}
	return tx, nil
}

// parseAmount returns a signed amount: credits positive, debits negative
func (mp *MutationParser) parseAmount(row *Row) (decimal.Decimal, models.Direction, *errors.RowError) {
	if raw := row.Get(FieldAmount); raw != "" {
		direction := models.DirectionUnknown
		if m := directionSuffix.FindStringSubmatch(raw); m != nil {
			if d, err := models.ParseDirection(m[2]); err == nil {
				direction = d
				raw = m[1]
			}
		}
		if marker := row.Get(FieldDirection); marker != "" {
			d, err := models.ParseDirection(marker)
			if err != nil {
				return decimal.Zero, "", row.Error(errors.CodeInvalidData, FieldDirection, err)
			}
			direction = d
		}

		amount, err := models.ParseAmount(raw)
		if err != nil {
			return decimal.Zero, "", errors.InvalidAmountError(row.ctx.File, row.Line, row.ctx.ColumnHeader(FieldAmount), row.Get(FieldAmount))
		}
		switch direction {
		case models.DirectionDebit:
			amount = amount.Abs().Neg()
		case models.DirectionCredit:
			amount = amount.Abs()
		default:
			if amount.IsNegative() {
				direction = models.DirectionDebit
			} else if amount.IsPositive() {
				direction = models.DirectionCredit
			}
		}
		return amount, direction, nil
	}

	credit, err := optionalAmount(row.Get(FieldCredit))
	if err != nil {
		return decimal.Zero, "", errors.InvalidAmountError(row.ctx.File, row.Line, row.ctx.ColumnHeader(FieldCredit), row.Get(FieldCredit))
	}
	debit, err := optionalAmount(row.Get(FieldDebit))
	if err != nil {
		return decimal.Zero, "", errors.InvalidAmountError(row.ctx.File, row.Line, row.ctx.ColumnHeader(FieldDebit), row.Get(FieldDebit))
	}

	switch {
	case !credit.IsZero() && !debit.IsZero():
		return decimal.Zero, "", row.Error(errors.CodeInvalidData, FieldCredit,
			fmt.Errorf("both credit %s and debit %s are set", credit, debit))
	case !credit.IsZero():
		return credit.Abs(), models.DirectionCredit, nil
	case !debit.IsZero():
		return debit.Abs().Neg(), models.DirectionDebit, nil
	default:
		return decimal.Zero, models.DirectionUnknown, nil
	}
}

func (mp *MutationParser) parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range mp.format.DateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return models.ParseDate(raw)
}

// optionalAmount parses a credit or debit cell; blanks and dashes are zero
func optionalAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "-" {
		return decimal.Zero, nil
	}
	return models.ParseAmount(raw)
}

func stripDirection(raw string) string {
	if m := directionSuffix.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	return raw
}
