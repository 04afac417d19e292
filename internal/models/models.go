// Package models defines the typed value models shared by the reconciliation
// pipeline: residents, bank mutations, payments, match results, rules,
// learning records and audit records. Values are constructed once at the
// storage or parser boundary; matchers never see untyped rows.
package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction represents the side of a bank mutation
type Direction string

const (
	// DirectionCredit is money coming into the association account
	DirectionCredit Direction = "CREDIT"
	// DirectionDebit is money leaving the association account
	DirectionDebit Direction = "DEBIT"
	// DirectionUnknown is used when the statement does not say
	DirectionUnknown Direction = ""
)

// String returns the string representation of Direction
func (d Direction) String() string {
	if d == DirectionUnknown {
		return "UNKNOWN"
	}
	return string(d)
}

// IsValid checks if the direction is valid
func (d Direction) IsValid() bool {
	return d == DirectionCredit || d == DirectionDebit || d == DirectionUnknown
}

// VerificationState is the persisted verification state of a mutation
type VerificationState string

const (
	StateUnverified VerificationState = "UNVERIFIED"
	StateVerified   VerificationState = "VERIFIED"
	StateOmitted    VerificationState = "OMITTED"
)

// IsValid checks if the state is one of the known states
func (s VerificationState) IsValid() bool {
	return s == StateUnverified || s == StateVerified || s == StateOmitted
}

// Category is the classification assigned to a mutation description
type Category string

const (
	CategoryDues          Category = "IPL"
	CategoryDonation      Category = "DONATION"
	CategorySpecial       Category = "SPECIAL"
	CategoryBankFee       Category = "BANK_FEE"
	CategoryInterest      Category = "INTEREST"
	CategoryTax           Category = "TAX"
	CategoryUtility       Category = "UTILITY"
	CategoryTransferOut   Category = "TRANSFER_OUT"
	CategoryUncategorized Category = "UNCATEGORIZED"
)

// Transaction is one bank mutation line
type Transaction struct {
	ID                string            `json:"id"`
	Date              time.Time         `json:"date"`
	Description       string            `json:"description"`
	Amount            decimal.Decimal   `json:"amount"`
	Balance           *decimal.Decimal  `json:"balance,omitempty"`
	Reference         string            `json:"reference,omitempty"`
	Direction         Direction         `json:"direction,omitempty"`
	Category          Category          `json:"category"`
	Omitted           bool              `json:"omitted"`
	OmitReason        string            `json:"omit_reason,omitempty"`
	State             VerificationState `json:"state"`
	MatchedResidentID string            `json:"matched_resident_id,omitempty"`
	MatchedPaymentID  string            `json:"matched_payment_id,omitempty"`
	MatchConfidence   float64           `json:"match_confidence"`
	MatchStrategy     Strategy          `json:"match_strategy,omitempty"`
	ImportBatch       string            `json:"import_batch,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// NewTransaction creates an unverified, unclassified mutation
func NewTransaction(id string, date time.Time, description string, amount decimal.Decimal) *Transaction {
	return &Transaction{
		ID:          id,
		Date:        date,
		Description: description,
		Amount:      amount,
		Category:    CategoryUncategorized,
		State:       StateUnverified,
	}
}

// Validate performs basic validation on the Transaction
func (t *Transaction) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("transaction ID cannot be empty")
	}
	if t.Amount.IsZero() {
		return fmt.Errorf("transaction amount cannot be zero")
	}
	if t.Date.IsZero() {
		return fmt.Errorf("transaction date cannot be zero")
	}
	if !t.Direction.IsValid() {
		return fmt.Errorf("invalid direction: %s", t.Direction)
	}
	if t.State != "" && !t.State.IsValid() {
		return fmt.Errorf("invalid verification state: %s", t.State)
	}
	if t.MatchConfidence < 0 || t.MatchConfidence > 1 {
		return fmt.Errorf("match confidence must be between 0 and 1, got %f", t.MatchConfidence)
	}
	return nil
}

// IsDebit returns true if money left the account
func (t *Transaction) IsDebit() bool {
	if t.Direction != DirectionUnknown {
		return t.Direction == DirectionDebit
	}
	return t.Amount.IsNegative()
}

// IsCredit returns true if money came into the account
func (t *Transaction) IsCredit() bool {
	return !t.IsDebit()
}

// CreditAmount returns the absolute amount used for matching
func (t *Transaction) CreditAmount() decimal.Decimal {
	return t.Amount.Abs()
}

// IsMatched reports whether the mutation carries a resident pointer
func (t *Transaction) IsMatched() bool {
	return t.MatchedResidentID != ""
}

// IsResolved reports whether an operator or the engine has closed the mutation
func (t *Transaction) IsResolved() bool {
	return t.State == StateVerified || t.State == StateOmitted
}

// ApplyMatch copies the pointers of a match result onto the mutation
func (t *Transaction) ApplyMatch(result *MatchResult) {
	if result == nil {
		t.ClearMatch()
		return
	}
	t.MatchedResidentID = result.ResidentID
	t.MatchedPaymentID = result.PaymentID
	t.MatchConfidence = result.Confidence
	t.MatchStrategy = result.Strategy
}

// ClearMatch removes all match pointers
func (t *Transaction) ClearMatch() {
	t.MatchedResidentID = ""
	t.MatchedPaymentID = ""
	t.MatchConfidence = 0
	t.MatchStrategy = ""
}

// Clone returns a copy safe to mutate
func (t *Transaction) Clone() *Transaction {
	c := *t
	if t.Balance != nil {
		b := *t.Balance
		c.Balance = &b
	}
	return &c
}

// String returns a string representation of the Transaction
func (t *Transaction) String() string {
	return fmt.Sprintf("Transaction{ID: %s, Date: %s, Amount: %s, Description: %q, State: %s}",
		t.ID, t.Date.Format("2006-01-02"), t.Amount.String(), t.Description, t.State)
}

var (
	currencyPattern  = regexp.MustCompile(`(?i)^(rp\.?|idr)\s*`)
	thousandsPattern = regexp.MustCompile(`^\d{1,3}([.,]\d{3})+$`)
)

// ParseAmount parses a bank statement amount. Plain digits, Indonesian
// notation (250.157,00) and international notation (250,157.00) are
// accepted, with an optional Rp/IDR prefix and a leading minus sign.
func ParseAmount(s string) (decimal.Decimal, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("amount string cannot be empty")
	}

	negative := false
	if strings.HasPrefix(raw, "(") && strings.HasSuffix(raw, ")") {
		negative = true
		raw = strings.TrimSuffix(strings.TrimPrefix(raw, "("), ")")
	}
	if strings.HasPrefix(raw, "-") {
		negative = true
		raw = strings.TrimPrefix(raw, "-")
	}
	raw = currencyPattern.ReplaceAllString(strings.TrimSpace(raw), "")
	raw = strings.ReplaceAll(raw, " ", "")

	lastDot := strings.LastIndex(raw, ".")
	lastComma := strings.LastIndex(raw, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			raw = strings.ReplaceAll(raw, ".", "")
			raw = strings.Replace(raw, ",", ".", 1)
		} else {
			raw = strings.ReplaceAll(raw, ",", "")
		}
	case thousandsPattern.MatchString(raw):
		raw = strings.NewReplacer(".", "", ",", "").Replace(raw)
	case lastComma >= 0:
		raw = strings.Replace(raw, ",", ".", 1)
	}

	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount format '%s': %w", s, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// ParseDirection parses a credit/debit marker
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return DirectionUnknown, nil
	case "CREDIT", "C", "CR", "K", "KREDIT", "MASUK":
		return DirectionCredit, nil
	case "DEBIT", "D", "DR", "DB", "KELUAR":
		return DirectionDebit, nil
	default:
		return DirectionUnknown, fmt.Errorf("invalid direction '%s': must be CR or DB", s)
	}
}

// ParseDate attempts to parse a date using formats common in Indonesian
// bank exports. Day-first formats are tried before month-first ones.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("date string cannot be empty")
	}

	formats := []string{
		"2006-01-02",
		time.RFC3339,
		"2006-01-02 15:04:05",
		"02/01/2006",
		"02/01/2006 15:04:05",
		"02-01-2006",
		"02/01/06",
		"2006/01/02",
		"02 Jan 2006",
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("unable to parse date '%s': %w", s, lastErr)
}

// WithinDays compares two dates within a day tolerance, ignoring time of day
func WithinDays(a, b time.Time, days int) bool {
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	diff := da.Sub(db)
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Duration(days)*24*time.Hour
}
