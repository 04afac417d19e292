package parsers

import (
	"context"
	"fmt"
	"io"
	"strings"

	"dues-reconciliation-service/internal/models"
	"dues-reconciliation-service/pkg/errors"
)

// Logical fields of a payment export
const (
	FieldPaymentID     = "id"
	FieldPaymentOwner  = "resident_id"
	FieldPaymentAmount = "amount"
	FieldPaymentDate   = "payment_date"
	FieldPeriod        = "period_id"
	FieldScheduleItems = "schedule_item_ids"
	FieldNotes         = "notes"
)

var paymentColumns = []Column{
	{Field: FieldPaymentID, Aliases: []string{"payment_id", "no_pembayaran"}, Required: true},
	{Field: FieldPaymentOwner, Aliases: []string{"resident", "warga_id", "kode_warga"}, Required: true},
	{Field: FieldPaymentAmount, Aliases: []string{"jumlah", "nominal"}, Required: true},
	{Field: FieldPaymentDate, Aliases: []string{"date", "tanggal", "tanggal_bayar"}, Required: true},
	{Field: FieldPeriod, Aliases: []string{"period", "periode"}},
	{Field: FieldScheduleItems, Aliases: []string{"schedule_items", "items", "tagihan"}},
	{Field: FieldNotes, Aliases: []string{"catatan", "keterangan"}},
}

// PaymentParser reads recorded payments used to corroborate matches
type PaymentParser struct {
	*BaseParser
}

// NewPaymentParser creates a payment export parser
func NewPaymentParser(config *ParseConfig) (*PaymentParser, error) {
	base, err := NewBaseParser(config, "payment_parser")
	if err != nil {
		return nil, err
	}
	return &PaymentParser{BaseParser: base}, nil
}

// ParseFile parses a payment export file
func (pp *PaymentParser) ParseFile(ctx context.Context, path string) ([]*models.Payment, *ParseStats, error) {
	return parseFile(pp.BaseParser, ctx, path, paymentColumns, pp.convert)
}

// Parse parses payments from r; name labels errors
func (pp *PaymentParser) Parse(ctx context.Context, r io.Reader, name string) ([]*models.Payment, *ParseStats, error) {
	return parseAll(pp.BaseParser, ctx, r, name, paymentColumns, pp.convert)
}

func (pp *PaymentParser) convert(row *Row) (*models.Payment, *errors.RowError) {
	amount, err := models.ParseAmount(row.Get(FieldPaymentAmount))
	if err != nil {
		return nil, errors.InvalidAmountError(row.ctx.File, row.Line, row.ctx.ColumnHeader(FieldPaymentAmount), row.Get(FieldPaymentAmount))
	}
	date, err := models.ParseDate(row.Get(FieldPaymentDate))
	if err != nil {
		return nil, errors.InvalidDateError(row.ctx.File, row.Line, row.ctx.ColumnHeader(FieldPaymentDate), row.Get(FieldPaymentDate))
	}

	p := &models.Payment{
		ID:          row.Get(FieldPaymentID),
		ResidentID:  row.Get(FieldPaymentOwner),
		Amount:      amount,
		PaymentDate: date,
		PeriodID:    row.Get(FieldPeriod),
		Notes:       row.Get(FieldNotes),
	}
	for _, item := range strings.Split(row.Get(FieldScheduleItems), AliasSeparator) {
		if item = strings.TrimSpace(item); item != "" {
			p.ScheduleItemIDs = append(p.ScheduleItemIDs, item)
		}
	}

	if err := p.Validate(); err != nil {
		return nil, row.Error(errors.CodeInvalidData, FieldPaymentAmount, fmt.Errorf("invalid payment: %w", err))
	}
	return p, nil
}
