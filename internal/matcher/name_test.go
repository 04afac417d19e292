package matcher

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"dues-reconciliation-service/internal/models"
)

type fakeKeywords struct{}

func (fakeKeywords) HasDuesKeyword(description string) bool {
	return strings.Contains(strings.ToUpper(description), "IPL")
}

func createTestNameMatcher(t *testing.T) *NameMatcher {
	t.Helper()
	return NewNameMatcher(createTestIndex(t), DefaultMatchingConfig(), fakeKeywords{})
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		min  float64
		max  float64
	}{
		{"BUDI SANTOSO", "BUDI SANTOSO", 1, 1},
		{"budi santoso", "BUDI  SANTOSO", 1, 1},
		{"Bapak Budi Santoso", "BUDI SANTOSO", 1, 1},
		{"SANTOSO BUDI", "BUDI SANTOSO", 1, 1},
		{"BUDI SANTOSA", "BUDI SANTOSO", 0.9, 0.95},
		{"AAAA", "ZZZZ", 0, 0},
		{"", "BUDI", 0, 0},
	}

	for _, tt := range tests {
		got := Similarity(tt.a, tt.b)
		if got < tt.min || got > tt.max {
			t.Errorf("Similarity(%q, %q) = %v, want in [%v, %v]", tt.a, tt.b, got, tt.min, tt.max)
		}
		if back := Similarity(tt.b, tt.a); back != got {
			t.Errorf("Similarity not symmetric for %q/%q: %v vs %v", tt.a, tt.b, got, back)
		}
	}

	if Similarity("BUDI SANTOSO", "XQZ WVK") >= DefaultMatchingConfig().Name.AcceptanceFloor {
		t.Error("disjoint names must score below the acceptance floor")
	}
}

func TestExtractCandidates(t *testing.T) {
	nm := createTestNameMatcher(t)

	tests := []struct {
		description string
		want        string
	}{
		{"TRANSFER DARI BUDI SANTOSO C 11 / 9", "BUDI SANTOSO"},
		{"Transfer dari Budi Santoso", "BUDI SANTOSO"},
		{"trf ipl bapak agus wibowo maret", "AGUS WIBOWO"},
		{"Mr. Agus Wibowo", "AGUS WIBOWO"},
	}
	for _, tt := range tests {
		found := false
		candidates := nm.ExtractCandidates(tt.description)
		for _, c := range candidates {
			if c == tt.want {
				found = true
			}
			for _, tok := range strings.Fields(c) {
				if nameStopWords[tok] {
					t.Errorf("candidate %q of %q contains stop-word %q", c, tt.description, tok)
				}
			}
		}
		if !found {
			t.Errorf("ExtractCandidates(%q) = %v, want %q", tt.description, candidates, tt.want)
		}
	}

	if got := ExtractNameCandidates("BIAYA ADMIN SUHARTO"); len(got) != 1 || got[0] != "SUHARTO" {
		t.Errorf("ExtractNameCandidates = %v", got)
	}
	if got := ExtractNameCandidates("TRANSFER IURAN BULANAN"); len(got) != 0 {
		t.Errorf("periodic dues wording is not a name, got %v", got)
	}
}

func TestNameMatcherMatch(t *testing.T) {
	nm := createTestNameMatcher(t)

	m := nm.Match("TRANSFER DARI BUDI SANTOSO C 11 / 9", decimal.NewFromInt(250000))
	if m == nil {
		t.Fatal("expected a name match")
	}
	if m.Resident.ID != "r-1109" || m.Field != FieldPrimaryName {
		t.Errorf("unexpected match: %+v", m)
	}
	if m.Confidence != 1.0 {
		t.Errorf("exact primary name in dues band should be capped at 1.0, got %v", m.Confidence)
	}
	if !m.Contextual {
		t.Error("amount inside the dues band should count as context")
	}

	alias := nm.Match("TRF B SANTOSO", decimal.NewFromInt(10000000))
	if alias == nil || alias.Resident.ID != "r-1109" || alias.Field != FieldAlias {
		t.Fatalf("expected alias match, got %+v", alias)
	}
	// alias, exact, no context: 1.0 + 0.05 capped
	if alias.Confidence != 1.0 || alias.Contextual {
		t.Errorf("unexpected alias confidence %v contextual %v", alias.Confidence, alias.Contextual)
	}

	if m := nm.Match("DEWI L", decimal.NewFromInt(250000)); m != nil && m.Field == FieldAlias {
		t.Error("unverified aliases must not match")
	}

	if m := nm.Match("PEMBAYARAN LISTRIK PLN", decimal.NewFromInt(250000)); m != nil {
		t.Errorf("expected no match, got %+v", m)
	}
}

func TestNameMatcherConfidenceBonuses(t *testing.T) {
	nm := createTestNameMatcher(t)

	// two edits away from the primary name: similarity 10/12
	m := nm.Match("BUDI SANTO", decimal.NewFromInt(10000000))
	if m == nil {
		t.Fatal("expected fuzzy match")
	}
	want := m.Similarity + 0.1
	if m.Confidence != want {
		t.Errorf("Confidence = %v, want %v", m.Confidence, want)
	}

	withContext := nm.Match("IPL BUDI SANTO", decimal.NewFromInt(10000000))
	if withContext == nil || !withContext.Contextual {
		t.Fatal("dues keyword should add context")
	}
	if withContext.Confidence <= m.Confidence {
		t.Errorf("context should raise confidence: %v vs %v", withContext.Confidence, m.Confidence)
	}
}

func TestNameMatcherAmbiguity(t *testing.T) {
	residents := []*models.Resident{
		{ID: "r-1", Name: "Budi Santoso", Block: "A1", HouseNumber: "1", Active: true},
		{ID: "r-2", Name: "Budi Santoso", Block: "A1", HouseNumber: "2", Active: true},
	}
	index, err := NewResidentIndex(residents)
	if err != nil {
		t.Fatal(err)
	}
	nm := NewNameMatcher(index, DefaultMatchingConfig(), nil)

	if m := nm.Match("TRANSFER BUDI SANTOSO", decimal.NewFromInt(250000)); m != nil {
		t.Errorf("two residents with the same name must not match, got %s", m.Resident.ID)
	}
	if got := nm.Candidates("TRANSFER BUDI SANTOSO", decimal.NewFromInt(250000), 5); len(got) != 2 {
		t.Errorf("both residents should be suggested, got %d", len(got))
	}
}

func TestNameMatcherStopWordNames(t *testing.T) {
	residents := []*models.Resident{
		{ID: "r-1", Name: "Bunga Citra", Block: "A1", HouseNumber: "1", Active: true},
	}
	index, err := NewResidentIndex(residents)
	if err != nil {
		t.Fatal(err)
	}
	nm := NewNameMatcher(index, DefaultMatchingConfig(), nil)

	m := nm.Match("TRF BUNGA CITRA", decimal.NewFromInt(250000))
	if m == nil || m.Resident.ID != "r-1" {
		t.Errorf("registered name tokens must survive stop-word filtering, got %+v", m)
	}
}

func TestNameMatcherCandidatesLimit(t *testing.T) {
	nm := createTestNameMatcher(t)
	got := nm.Candidates("BUDI SANTOSO AGUS WIBOWO", decimal.Zero, 1)
	if len(got) != 1 {
		t.Errorf("expected 1 candidate, got %d", len(got))
	}
}
