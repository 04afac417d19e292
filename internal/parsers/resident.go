package parsers

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"dues-reconciliation-service/internal/models"
	"dues-reconciliation-service/pkg/errors"
)

// AliasSeparator separates bank aliases inside one register cell
const AliasSeparator = ";"

// Logical fields of the resident register
const (
	FieldResidentID   = "id"
	FieldName         = "name"
	FieldBlock        = "block"
	FieldHouseNumber  = "house_number"
	FieldRT           = "rt"
	FieldRW           = "rw"
	FieldPhone        = "phone"
	FieldPaymentIndex = "payment_index"
	FieldAliases      = "aliases"
	FieldActive       = "active"
)

var residentColumns = []Column{
	{Field: FieldResidentID, Aliases: []string{"resident_id", "kode", "kode_warga"}},
	{Field: FieldName, Aliases: []string{"nama", "nama_warga", "nama_pemilik"}, Required: true},
	{Field: FieldBlock, Aliases: []string{"blok"}, Required: true},
	{Field: FieldHouseNumber, Aliases: []string{"house", "no_rumah", "nomor_rumah", "nomor"}, Required: true},
	{Field: FieldRT},
	{Field: FieldRW},
	{Field: FieldPhone, Aliases: []string{"telepon", "no_hp", "hp"}},
	{Field: FieldPaymentIndex, Aliases: []string{"index", "indeks", "kode_bayar"}},
	{Field: FieldAliases, Aliases: []string{"alias", "nama_bank", "bank_names"}},
	{Field: FieldActive, Aliases: []string{"aktif", "status"}},
}

// ResidentParser reads the resident register. Aliases listed in the register
// are entered by an administrator and are therefore verified.
type ResidentParser struct {
	*BaseParser
}

// NewResidentParser creates a resident register parser
func NewResidentParser(config *ParseConfig) (*ResidentParser, error) {
	base, err := NewBaseParser(config, "resident_parser")
	if err != nil {
		return nil, err
	}
	return &ResidentParser{BaseParser: base}, nil
}

// ParseFile parses a resident register file
func (rp *ResidentParser) ParseFile(ctx context.Context, path string) ([]*models.Resident, *ParseStats, error) {
	return parseFile(rp.BaseParser, ctx, path, residentColumns, rp.converter())
}

// Parse parses a resident register from r; name labels errors
func (rp *ResidentParser) Parse(ctx context.Context, r io.Reader, name string) ([]*models.Resident, *ParseStats, error) {
	return parseAll(rp.BaseParser, ctx, r, name, residentColumns, rp.converter())
}

// converter returns a row converter that rejects a payment index or id
// already used earlier in the same file
func (rp *ResidentParser) converter() func(*Row) (*models.Resident, *errors.RowError) {
	seenIndex := make(map[int]int)
	seenID := make(map[string]int)

	return func(row *Row) (*models.Resident, *errors.RowError) {
		block := row.Get(FieldBlock)
		house := row.Get(FieldHouseNumber)

		r := &models.Resident{
			ID:          row.Get(FieldResidentID),
			Name:        strings.Join(strings.Fields(row.Get(FieldName)), " "),
			Block:       models.NormalizeBlock(block),
			HouseNumber: models.NormalizeHouseNumber(house),
			RT:          row.Get(FieldRT),
			RW:          row.Get(FieldRW),
			Phone:       row.Get(FieldPhone),
			Active:      true,
		}
		if r.ID == "" {
			r.ID = DeriveResidentID(block, house)
		}

		if raw := row.Get(FieldPaymentIndex); raw != "" {
			index, err := strconv.Atoi(raw)
			if err != nil {
				return nil, row.Error(errors.CodeInvalidData, FieldPaymentIndex, err)
			}
			r.PaymentIndex = index
		} else if index, ok := models.DerivePaymentIndex(block, house); ok {
			r.PaymentIndex = index
		}

		if raw := row.Get(FieldActive); raw != "" {
			active, err := parseActive(raw)
			if err != nil {
				return nil, row.Error(errors.CodeInvalidData, FieldActive, err)
			}
			r.Active = active
		}

		r.Aliases = ParseAliases(row.Get(FieldAliases))

		if err := r.Validate(); err != nil {
			return nil, row.Error(errors.CodeInvalidData, FieldName, err)
		}

		if line, dup := seenID[r.ID]; dup {
			return nil, row.Error(errors.CodeInvalidData, FieldResidentID,
				fmt.Errorf("resident %s already defined on line %d", r.ID, line))
		}
		if r.PaymentIndex != 0 {
			if line, dup := seenIndex[r.PaymentIndex]; dup {
				return nil, row.Error(errors.CodeDuplicateIndex, FieldPaymentIndex,
					fmt.Errorf("payment index %d already used on line %d", r.PaymentIndex, line))
			}
			seenIndex[r.PaymentIndex] = row.Line
		}
		seenID[r.ID] = row.Line
		return r, nil
	}
}

// DeriveResidentID builds the id of a register row without one: "C-011",
// "9" becomes "r-c11-9"
func DeriveResidentID(block, house string) string {
	return "r-" + strings.ToLower(models.NormalizeBlock(block)) + "-" + strings.ToLower(models.NormalizeHouseNumber(house))
}

// ParseAliases splits a register cell into verified bank aliases, dropping
// blanks and repeated names
func ParseAliases(raw string) []models.BankAlias {
	var aliases []models.BankAlias
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, AliasSeparator) {
		name := strings.ToUpper(strings.Join(strings.Fields(part), " "))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		aliases = append(aliases, models.BankAlias{Name: name, Verified: true})
	}
	return aliases
}

func parseActive(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "y", "yes", "ya", "aktif", "active":
		return true, nil
	case "0", "false", "n", "no", "tidak", "nonaktif", "non-aktif", "inactive":
		return false, nil
	default:
		return false, fmt.Errorf("unknown active flag %q", raw)
	}
}
