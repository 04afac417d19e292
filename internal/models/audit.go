package models

import (
	"fmt"
	"time"
)

// AuditAction is the kind of a verification audit record
type AuditAction string

const (
	ActionManualConfirm  AuditAction = "manual-confirm"
	ActionManualOverride AuditAction = "manual-override"
	ActionManualOmit     AuditAction = "manual-omit"
	ActionManualSkip     AuditAction = "manual-skip"
	ActionManualFlag     AuditAction = "manual-flag"
	ActionSystemUnmatch  AuditAction = "system-unmatch"
	ActionAutoMatch      AuditAction = "auto-match"
)

// IsValid checks if the action is a known audit action
func (a AuditAction) IsValid() bool {
	switch a {
	case ActionManualConfirm, ActionManualOverride, ActionManualOmit, ActionManualSkip,
		ActionManualFlag, ActionSystemUnmatch, ActionAutoMatch:
		return true
	}
	return false
}

// IsConfirmation reports whether the action confirms a resident match and
// therefore feeds the learning loop.
func (a AuditAction) IsConfirmation() bool {
	return a == ActionManualConfirm || a == ActionManualOverride
}

// AuditRecord is an append-only verification log entry
type AuditRecord struct {
	ID                 string      `json:"id"`
	TransactionID      string      `json:"transaction_id"`
	Action             AuditAction `json:"action"`
	Confidence         float64     `json:"confidence"`
	Actor              string      `json:"actor"`
	Notes              string      `json:"notes,omitempty"`
	PreviousResidentID string      `json:"previous_resident_id,omitempty"`
	PreviousPaymentID  string      `json:"previous_payment_id,omitempty"`
	NewResidentID      string      `json:"new_resident_id,omitempty"`
	NewPaymentID       string      `json:"new_payment_id,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
}

// Validate performs basic validation on the AuditRecord
func (a *AuditRecord) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("audit record ID cannot be empty")
	}
	if a.TransactionID == "" {
		return fmt.Errorf("audit record %s: transaction ID cannot be empty", a.ID)
	}
	if !a.Action.IsValid() {
		return fmt.Errorf("audit record %s: invalid action %q", a.ID, a.Action)
	}
	if a.Action.IsConfirmation() && a.NewResidentID == "" {
		return fmt.Errorf("audit record %s: %s requires a resident", a.ID, a.Action)
	}
	return nil
}
