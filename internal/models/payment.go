package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Payment is a recorded payment of one resident. A single payment may settle
// several schedule items and may be linked from several mutations.
type Payment struct {
	ID              string          `json:"id"`
	ResidentID      string          `json:"resident_id"`
	Amount          decimal.Decimal `json:"amount"`
	PaymentDate     time.Time       `json:"payment_date"`
	PeriodID        string          `json:"period_id,omitempty"`
	ScheduleItemIDs []string        `json:"schedule_item_ids,omitempty"`
	Notes           string          `json:"notes,omitempty"`
}

// Validate performs basic validation on the Payment
func (p *Payment) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("payment ID cannot be empty")
	}
	if strings.TrimSpace(p.ResidentID) == "" {
		return fmt.Errorf("payment %s: resident ID cannot be empty", p.ID)
	}
	if !p.Amount.IsPositive() {
		return fmt.Errorf("payment %s: amount must be positive", p.ID)
	}
	if p.PaymentDate.IsZero() {
		return fmt.Errorf("payment %s: payment date cannot be zero", p.ID)
	}
	return nil
}

// PaymentQuery selects payments for corroboration lookups. ResidentID is
// optional; the amount must be equal and the payment date within the window.
type PaymentQuery struct {
	ResidentID string
	Amount     decimal.Decimal
	From       time.Time
	To         time.Time
}

// NewPaymentQuery builds a query for payments of amount within ±days of date
func NewPaymentQuery(residentID string, amount decimal.Decimal, date time.Time, days int) PaymentQuery {
	window := time.Duration(days) * 24 * time.Hour
	return PaymentQuery{
		ResidentID: residentID,
		Amount:     amount,
		From:       date.Add(-window),
		To:         date.Add(window),
	}
}

// Matches reports whether a payment satisfies the query
func (q PaymentQuery) Matches(p *Payment) bool {
	if q.ResidentID != "" && p.ResidentID != q.ResidentID {
		return false
	}
	if !p.Amount.Equal(q.Amount) {
		return false
	}
	return !p.PaymentDate.Before(q.From) && !p.PaymentDate.After(q.To)
}
