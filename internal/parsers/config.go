package parsers

import (
	"context"
	"fmt"
	"strings"
)

// Logical fields of a mutation statement
const (
	FieldDate        = "date"
	FieldDescription = "description"
	FieldAmount      = "amount"
	FieldCredit      = "credit"
	FieldDebit       = "debit"
	FieldDirection   = "direction"
	FieldBalance     = "balance"
	FieldReference   = "reference"
)

// MutationFormat describes the columns of one bank's statement export
type MutationFormat struct {
	Name        string              `json:"name" yaml:"name" mapstructure:"name"`
	Delimiter   rune                `json:"delimiter" yaml:"delimiter" mapstructure:"delimiter"`
	HasHeader   bool                `json:"has_header" yaml:"has_header" mapstructure:"has_header"`
	DateLayouts []string            `json:"date_layouts,omitempty" yaml:"date_layouts,omitempty" mapstructure:"date_layouts"`
	Columns     map[string][]string `json:"columns" yaml:"columns" mapstructure:"columns"`
	Description string              `json:"description,omitempty" yaml:"description,omitempty" mapstructure:"description"`
}

// Validate checks that the format can locate a date, a description and an
// amount, either as one signed column or as credit/debit columns
func (f *MutationFormat) Validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("format name cannot be empty")
	}
	if len(f.Columns[FieldDate]) == 0 {
		return fmt.Errorf("format %s: date column cannot be empty", f.Name)
	}
	if len(f.Columns[FieldDescription]) == 0 {
		return fmt.Errorf("format %s: description column cannot be empty", f.Name)
	}
	if len(f.Columns[FieldAmount]) == 0 && len(f.Columns[FieldCredit]) == 0 {
		return fmt.Errorf("format %s: needs an amount or a credit column", f.Name)
	}
	return nil
}

// columns returns the column bindings of the format. Amount, credit and
// debit are optional individually; the parser checks that one of them bound.
func (f *MutationFormat) columns() []Column {
	fields := []string{
		FieldDate, FieldDescription, FieldAmount, FieldCredit,
		FieldDebit, FieldDirection, FieldBalance, FieldReference,
	}
	out := make([]Column, 0, len(fields))
	for _, field := range fields {
		aliases := f.Columns[field]
		if len(aliases) == 0 {
			continue
		}
		out = append(out, Column{
			Field:    field,
			Aliases:  aliases,
			Required: field == FieldDate || field == FieldDescription,
		})
	}
	return out
}

// Predefined statement formats
var (
	// GenericFormat accepts the common English and Indonesian headers
	GenericFormat = &MutationFormat{
		Name:      "generic",
		Delimiter: ',',
		HasHeader: true,
		Columns: map[string][]string{
			FieldDate:        {"tanggal", "tgl", "transaction_date", "tanggal_transaksi", "posting_date", "value_date"},
			FieldDescription: {"keterangan", "uraian", "remarks", "berita", "transaction_description", "details"},
			FieldAmount:      {"jumlah", "nominal", "mutasi", "nilai"},
			FieldCredit:      {"kredit", "cr", "masuk"},
			FieldDebit:       {"debet", "db", "keluar"},
			FieldDirection:   {"type", "jenis", "d/k", "db/cr", "dk"},
			FieldBalance:     {"saldo"},
			FieldReference:   {"ref", "referensi", "no_ref", "reference_number"},
		},
		Description: "Generic statement with English or Indonesian headers",
	}

	// KlikBCAFormat is the KlikBCA mutation export: one amount column with a
	// CR/DB suffix and day-first dates
	KlikBCAFormat = &MutationFormat{
		Name:        "klikbca",
		Delimiter:   ',',
		HasHeader:   true,
		DateLayouts: []string{"02/01/2006", "02/01/06"},
		Columns: map[string][]string{
			FieldDate:        {"tanggal_transaksi", "tgl_transaksi"},
			FieldDescription: {"keterangan"},
			FieldAmount:      {"jumlah"},
			FieldBalance:     {"saldo"},
			FieldReference:   {"cabang"},
		},
		Description: "KlikBCA mutation export with CR/DB amount suffix",
	}

	// MandiriFormat is the Mandiri internet banking export with separate
	// debit and credit columns
	MandiriFormat = &MutationFormat{
		Name:        "mandiri",
		Delimiter:   ',',
		HasHeader:   true,
		DateLayouts: []string{"02/01/2006", "02 Jan 2006"},
		Columns: map[string][]string{
			FieldDate:        {"tanggal", "posting_date"},
			FieldDescription: {"keterangan", "remarks"},
			FieldCredit:      {"kredit", "credit"},
			FieldDebit:       {"debet", "debit"},
			FieldBalance:     {"saldo", "balance"},
			FieldReference:   {"no_referensi", "reference_no"},
		},
		Description: "Mandiri export with separate debit and credit columns",
	}
)

// GetMutationFormat returns a predefined format by name
func GetMutationFormat(name string) *MutationFormat {
	for _, f := range ListMutationFormats() {
		if strings.EqualFold(strings.TrimSpace(name), f.Name) {
			return f
		}
	}
	return nil
}

// ListMutationFormats returns the predefined formats in detection order
func ListMutationFormats() []*MutationFormat {
	return []*MutationFormat{KlikBCAFormat, MandiriFormat, GenericFormat}
}

// DetectMutationFormat picks the first predefined format whose date,
// description and amount aliases all appear in headers. The generic format
// is the fallback.
func DetectMutationFormat(headers []string) *MutationFormat {
	ctx := NewParseContext(context.Background(), "")
	ctx.Headers = cleanHeaders(headers)
	(&BaseParser{}).buildHeaderMap(ctx)

	found := func(f *MutationFormat, field string) bool {
		for _, name := range f.Columns[field] {
			if ctx.GetColumnIndex(name) >= 0 {
				return true
			}
		}
		return false
	}

	for _, f := range ListMutationFormats() {
		if found(f, FieldDate) && found(f, FieldDescription) &&
			(found(f, FieldAmount) || found(f, FieldCredit)) {
			return f
		}
	}
	return GenericFormat
}
