package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input    string
		expected string
		wantErr  bool
	}{
		{"250157", "250157", false},
		{"250.157", "250157", false},
		{"250,157", "250157", false},
		{"250.157,00", "250157", false},
		{"250,157.00", "250157", false},
		{"Rp 1.000.000", "1000000", false},
		{"IDR250157", "250157", false},
		{"-6.500", "-6500", false},
		{"(2.500,50)", "-2500.5", false},
		{"12.50", "12.5", false},
		{"12,5", "12.5", false},
		{"", "", true},
		{"abc", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAmount(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseAmount(%q) expected error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAmount(%q) unexpected error: %v", tt.input, err)
			}
			if !got.Equal(decimal.RequireFromString(tt.expected)) {
				t.Errorf("ParseAmount(%q) = %s, want %s", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseDate(t *testing.T) {
	want := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	for _, input := range []string{"2024-03-05", "05/03/2024", "05-03-2024", "2024/03/05", "05 Mar 2024"} {
		got, err := ParseDate(input)
		if err != nil {
			t.Errorf("ParseDate(%q) unexpected error: %v", input, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("ParseDate(%q) = %v, want %v", input, got, want)
		}
	}

	if _, err := ParseDate("not a date"); err == nil {
		t.Error("expected error for invalid date")
	}
}

func TestParseDirection(t *testing.T) {
	tests := map[string]Direction{
		"CR":     DirectionCredit,
		"kredit": DirectionCredit,
		"DB":     DirectionDebit,
		"debit":  DirectionDebit,
		"":       DirectionUnknown,
	}
	for input, want := range tests {
		got, err := ParseDirection(input)
		if err != nil || got != want {
			t.Errorf("ParseDirection(%q) = %v, %v; want %v", input, got, err, want)
		}
	}
	if _, err := ParseDirection("sideways"); err == nil {
		t.Error("expected error for invalid direction")
	}
}

func TestTransactionDirection(t *testing.T) {
	tx := NewTransaction("tx-1", time.Now(), "ADMIN", decimal.NewFromInt(-6500))
	if !tx.IsDebit() {
		t.Error("negative amount without direction should be a debit")
	}

	tx.Direction = DirectionCredit
	if tx.IsDebit() {
		t.Error("explicit credit direction wins over sign")
	}
	if !tx.CreditAmount().Equal(decimal.NewFromInt(6500)) {
		t.Errorf("expected absolute amount, got %s", tx.CreditAmount())
	}
}

func TestTransactionApplyAndClearMatch(t *testing.T) {
	tx := NewTransaction("tx-1", time.Now(), "IPL", decimal.NewFromInt(250157))
	tx.ApplyMatch(&MatchResult{ResidentID: "r-1", PaymentID: "p-1", Confidence: 0.95, Strategy: StrategyPaymentIndex})

	if !tx.IsMatched() || tx.MatchedPaymentID != "p-1" || tx.MatchStrategy != StrategyPaymentIndex {
		t.Errorf("match not applied: %+v", tx)
	}

	tx.ClearMatch()
	if tx.IsMatched() || tx.MatchConfidence != 0 || tx.MatchStrategy != "" {
		t.Errorf("match not cleared: %+v", tx)
	}
}

func TestTransactionValidate(t *testing.T) {
	valid := NewTransaction("tx-1", time.Now(), "IPL", decimal.NewFromInt(250000))
	if err := valid.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	zero := NewTransaction("tx-2", time.Now(), "IPL", decimal.Zero)
	if err := zero.Validate(); err == nil {
		t.Error("expected error for zero amount")
	}

	badConfidence := valid.Clone()
	badConfidence.MatchConfidence = 1.5
	if err := badConfidence.Validate(); err == nil {
		t.Error("expected error for confidence above 1")
	}
}

func TestNormalizeAddress(t *testing.T) {
	blocks := map[string]string{"c11": "C11", "C 011": "C11", "c-11": "C11", "AB03": "AB3", "ANGGREK": "ANGGREK"}
	for input, want := range blocks {
		if got := NormalizeBlock(input); got != want {
			t.Errorf("NormalizeBlock(%q) = %q, want %q", input, got, want)
		}
	}

	houses := map[string]string{"09": "9", "9": "9", "009a": "9A", "0": "0", "10": "10"}
	for input, want := range houses {
		if got := NormalizeHouseNumber(input); got != want {
			t.Errorf("NormalizeHouseNumber(%q) = %q, want %q", input, got, want)
		}
	}

	if got := AddressKey("c 11", "09"); got != "C11/9" {
		t.Errorf("AddressKey = %q, want C11/9", got)
	}
}

func TestDerivePaymentIndex(t *testing.T) {
	tests := []struct {
		block, house string
		want         int
		ok           bool
	}{
		{"C11", "9", 1109, true},
		{"A1", "57", 157, true},
		{"B0", "5", 0, false},
		{"ANGGREK", "5", 0, false},
		{"C1", "120", 0, false},
		{"C100", "1", 0, false},
	}

	for _, tt := range tests {
		got, ok := DerivePaymentIndex(tt.block, tt.house)
		if got != tt.want || ok != tt.ok {
			t.Errorf("DerivePaymentIndex(%q, %q) = %d, %v; want %d, %v",
				tt.block, tt.house, got, ok, tt.want, tt.ok)
		}
	}
}

func TestTierThresholdsPartition(t *testing.T) {
	th := DefaultTierThresholds()
	if err := th.Validate(); err != nil {
		t.Fatalf("default thresholds invalid: %v", err)
	}

	tests := []struct {
		confidence float64
		want       ReviewTier
	}{
		{0, TierManualReview},
		{0.4999, TierManualReview},
		{0.5, TierAssistedReview},
		{0.7999, TierAssistedReview},
		{0.8, TierAutoVerified},
		{1, TierAutoVerified},
	}
	for _, tt := range tests {
		if got := th.TierFor(tt.confidence); got != tt.want {
			t.Errorf("TierFor(%v) = %s, want %s", tt.confidence, got, tt.want)
		}
	}

	// every point of [0,1] maps to exactly one tier; raising confidence never
	// moves a result to a more manual tier
	previous := TierManualReview
	for i := 0; i <= 1000; i++ {
		c := float64(i) / 1000
		tier := th.TierFor(c)
		if tier != TierManualReview && tier != TierAssistedReview && tier != TierAutoVerified {
			t.Fatalf("confidence %v mapped to %s", c, tier)
		}
		if tier > previous {
			t.Fatalf("tiers not monotonic at %v", c)
		}
		previous = tier
	}
}

func TestTierForResult(t *testing.T) {
	th := DefaultTierThresholds()

	if got := th.TierForResult(nil); got != TierManualReview {
		t.Errorf("nil result should be manual review, got %s", got)
	}

	flagged := &MatchResult{ResidentID: "r-1", Confidence: 0.95, RequiresReview: true}
	if got := th.TierForResult(flagged); got != TierAssistedReview {
		t.Errorf("flagged result should be assisted review, got %s", got)
	}

	clean := &MatchResult{ResidentID: "r-1", Confidence: 0.95}
	if got := th.TierForResult(clean); got != TierAutoVerified {
		t.Errorf("clean result should auto verify, got %s", got)
	}

	if err := (TierThresholds{AutoVerify: 0.5, AssistedReview: 0.8}).Validate(); err == nil {
		t.Error("expected inverted thresholds to be rejected")
	}
}

func TestPaymentQueryMatches(t *testing.T) {
	date := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	q := NewPaymentQuery("r-1", decimal.NewFromInt(250157), date, 7)

	tests := []struct {
		name    string
		payment *Payment
		want    bool
	}{
		{"same day", &Payment{ResidentID: "r-1", Amount: decimal.NewFromInt(250157), PaymentDate: date}, true},
		{"window edge", &Payment{ResidentID: "r-1", Amount: decimal.NewFromInt(250157), PaymentDate: date.AddDate(0, 0, 7)}, true},
		{"outside window", &Payment{ResidentID: "r-1", Amount: decimal.NewFromInt(250157), PaymentDate: date.AddDate(0, 0, 8)}, false},
		{"other amount", &Payment{ResidentID: "r-1", Amount: decimal.NewFromInt(250000), PaymentDate: date}, false},
		{"other resident", &Payment{ResidentID: "r-2", Amount: decimal.NewFromInt(250157), PaymentDate: date}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := q.Matches(tt.payment); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithinDays(t *testing.T) {
	a := time.Date(2024, 3, 10, 23, 0, 0, 0, time.UTC)
	b := time.Date(2024, 3, 17, 1, 0, 0, 0, time.UTC)
	if !WithinDays(a, b, 7) {
		t.Error("expected dates seven calendar days apart to be within 7 days")
	}
	if WithinDays(a, b.AddDate(0, 0, 1), 7) {
		t.Error("expected eight days apart to be outside the window")
	}
}

func TestLearningRecordClone(t *testing.T) {
	rec := NewLearningRecord("r-1")
	rec.NamePatterns = []PatternEntry{{Pattern: "budi santoso", Frequency: 1, Confidence: 0.9}}

	clone := rec.Clone()
	clone.NamePatterns[0].Frequency = 5
	if rec.NamePatterns[0].Frequency != 1 {
		t.Error("clone shares pattern storage with the original")
	}
}

func TestAuditRecordValidate(t *testing.T) {
	rec := &AuditRecord{ID: "a-1", TransactionID: "tx-1", Action: ActionManualConfirm}
	if err := rec.Validate(); err == nil {
		t.Error("confirm without resident should be invalid")
	}
	rec.NewResidentID = "r-1"
	if err := rec.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	rec.Action = "bogus"
	if err := rec.Validate(); err == nil {
		t.Error("unknown action should be invalid")
	}
}
