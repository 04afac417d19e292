package matcher

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"dues-reconciliation-service/internal/models"
	"dues-reconciliation-service/pkg/errors"
)

func createTestResidents() []*models.Resident {
	return []*models.Resident{
		{ID: "r-157", Name: "Siti Rahayu", Block: "A1", HouseNumber: "57", PaymentIndex: 157, Active: true},
		{ID: "r-1109", Name: "Budi Santoso", Block: "C11", HouseNumber: "9", RT: "003", RW: "007", Active: true,
			Aliases: []models.BankAlias{{Name: "B SANTOSO", Frequency: 4, Verified: true}}},
		{ID: "r-1110", Name: "Agus Wibowo", Block: "C11", HouseNumber: "10", Active: true},
		{ID: "r-205", Name: "Dewi Lestari", Block: "B2", HouseNumber: "5", Active: true,
			Aliases: []models.BankAlias{{Name: "DEWI L", Frequency: 1, Verified: false}}},
		{ID: "r-old", Name: "Hendra Gunawan", Block: "D4", HouseNumber: "1", Active: false},
		{ID: "r-cl", Name: "Rina Marlina", Block: "ANGGREK", HouseNumber: "5", PaymentIndex: 8001, Active: true},
	}
}

func createTestIndex(t *testing.T) *ResidentIndex {
	t.Helper()
	index, err := NewResidentIndex(createTestResidents())
	if err != nil {
		t.Fatalf("NewResidentIndex() error: %v", err)
	}
	return index
}

func TestNewResidentIndex(t *testing.T) {
	index := createTestIndex(t)

	if index.Len() != 5 {
		t.Errorf("expected 5 active residents, got %d", index.Len())
	}
	if _, ok := index.Get("r-old"); !ok {
		t.Error("inactive residents should still be retrievable by id")
	}

	stats := index.Stats()
	if stats.TotalResidents != 6 || stats.ActiveResidents != 5 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.IndexedPayments != 5 {
		t.Errorf("expected 5 indexed payments, got %d", stats.IndexedPayments)
	}
}

func TestResidentIndexDerivedIndexes(t *testing.T) {
	index := createTestIndex(t)

	tests := []struct {
		paymentIndex int
		want         string
	}{
		{157, "r-157"},
		{1109, "r-1109"},
		{1110, "r-1110"},
		{205, "r-205"},
		{8001, "r-cl"},
	}
	for _, tt := range tests {
		r, ok := index.FindByPaymentIndex(tt.paymentIndex)
		if !ok || r.ID != tt.want {
			t.Errorf("FindByPaymentIndex(%d) = %v, want %s", tt.paymentIndex, r, tt.want)
		}
	}

	if _, ok := index.FindByPaymentIndex(401); ok {
		t.Error("inactive resident must not own a payment index")
	}
}

func TestResidentIndexUniqueness(t *testing.T) {
	index := createTestIndex(t)

	// every active resident is found back by its own index, and by no other
	for _, r := range index.Active {
		found, ok := index.FindByPaymentIndex(r.PaymentIndex)
		if !ok || found.ID != r.ID {
			t.Errorf("resident %s not found by its index %d", r.ID, r.PaymentIndex)
		}
	}
	owners := make(map[int]string)
	for _, r := range index.Active {
		if other, ok := owners[r.PaymentIndex]; ok {
			t.Errorf("index %d shared by %s and %s", r.PaymentIndex, other, r.ID)
		}
		owners[r.PaymentIndex] = r.ID
	}

	duplicate := []*models.Resident{
		{ID: "r-1", Name: "One", PaymentIndex: 300, Active: true},
		{ID: "r-2", Name: "Two", PaymentIndex: 300, Active: true},
	}
	_, err := NewResidentIndex(duplicate)
	if err == nil {
		t.Fatal("expected duplicate payment index to be rejected")
	}
	if !errors.IsCode(err, errors.CodeDuplicateIndex) {
		t.Errorf("expected duplicate index error, got %v", err)
	}

	// a derived index never steals an explicit one
	derivedCollision := []*models.Resident{
		{ID: "r-1", Name: "One", Block: "C3", HouseNumber: "1", Active: true},
		{ID: "r-2", Name: "Two", PaymentIndex: 301, Active: true},
	}
	index, err = NewResidentIndex(derivedCollision)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r, _ := index.FindByPaymentIndex(301); r.ID != "r-2" {
		t.Errorf("explicit index should win, got %s", r.ID)
	}
	if r, _ := index.Get("r-1"); r.PaymentIndex != 0 {
		t.Errorf("colliding derived index should stay unassigned, got %d", r.PaymentIndex)
	}

	// inactive residents do not take part in uniqueness
	inactive := []*models.Resident{
		{ID: "r-1", Name: "One", PaymentIndex: 300, Active: false},
		{ID: "r-2", Name: "Two", PaymentIndex: 300, Active: true},
	}
	if _, err := NewResidentIndex(inactive); err != nil {
		t.Errorf("inactive duplicate should be allowed: %v", err)
	}
}

func TestResidentIndexDoesNotAliasInput(t *testing.T) {
	residents := createTestResidents()
	index, err := NewResidentIndex(residents)
	if err != nil {
		t.Fatal(err)
	}
	residents[1].Name = "Changed"
	if r, _ := index.Get("r-1109"); r.Name != "Budi Santoso" {
		t.Error("index must hold its own copy of residents")
	}
}

func TestResidentIndexAddressLookup(t *testing.T) {
	index := createTestIndex(t)

	if got := index.FindByAddress("c 011", "09"); len(got) != 1 || got[0].ID != "r-1109" {
		t.Errorf("FindByAddress(c 011, 09) = %v", got)
	}
	if got := index.FindByBlock("C11"); len(got) != 2 {
		t.Errorf("expected 2 residents in C11, got %d", len(got))
	}
	blocks := index.Blocks()
	if len(blocks) != 4 || blocks[0] != "A1" {
		t.Errorf("unexpected blocks: %v", blocks)
	}
}

func TestResidentIndexNameTokens(t *testing.T) {
	tokens := createTestIndex(t).NameTokens()
	for _, want := range []string{"BUDI", "SANTOSO", "B", "RINA"} {
		if !tokens[want] {
			t.Errorf("expected token %q", want)
		}
	}
	if tokens["L"] {
		t.Error("unverified alias tokens must not be registered")
	}
}

func TestPaymentIndexFind(t *testing.T) {
	date := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	payments := []*models.Payment{
		{ID: "p-1", ResidentID: "r-157", Amount: decimal.NewFromInt(250157), PaymentDate: date.AddDate(0, 0, -3)},
		{ID: "p-2", ResidentID: "r-157", Amount: decimal.NewFromInt(250157), PaymentDate: date.AddDate(0, 0, -30)},
		{ID: "p-3", ResidentID: "r-1109", Amount: decimal.NewFromInt(250000), PaymentDate: date},
	}
	pi := NewPaymentIndex(payments)

	found := pi.Find(models.NewPaymentQuery("r-157", decimal.NewFromInt(250157), date, 7))
	if len(found) != 1 || found[0].ID != "p-1" {
		t.Errorf("expected p-1 only, got %v", found)
	}

	anyResident := pi.Find(models.NewPaymentQuery("", decimal.NewFromInt(250000), date, 7))
	if len(anyResident) != 1 || anyResident[0].ID != "p-3" {
		t.Errorf("expected p-3 for any resident, got %v", anyResident)
	}

	if got := pi.Find(models.NewPaymentQuery("", decimal.NewFromInt(1), date, 7)); got != nil {
		t.Errorf("expected no payments, got %v", got)
	}

	if closest := ClosestPayment(payments[:2], date); closest.ID != "p-1" {
		t.Errorf("ClosestPayment = %s, want p-1", closest.ID)
	}
}
