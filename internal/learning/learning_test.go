package learning

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"dues-reconciliation-service/internal/matcher"
	"dues-reconciliation-service/internal/models"
)

var testNow = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestSystem() *System {
	sys := NewSystem(matcher.DefaultMatchingConfig())
	sys.SetClock(func() time.Time { return testNow })
	return sys
}

func newTx(id, desc string, amount int64) *models.Transaction {
	return models.NewTransaction(id, testNow, desc, decimal.NewFromInt(amount))
}

func findPattern(entries []models.PatternEntry, pattern string) (models.PatternEntry, bool) {
	for _, e := range entries {
		if e.Pattern == pattern {
			return e, true
		}
	}
	return models.PatternEntry{}, false
}

func TestExtractPatterns(t *testing.T) {
	config := matcher.DefaultMatchingConfig().Learning
	p := ExtractPatterns("TRF IPL BUDI SANTOSO C11/9", decimal.NewFromInt(254999), &config)

	if names := p[models.FamilyName]; len(names) == 0 || names[0] != "BUDI SANTOSO" {
		t.Errorf("name patterns = %v", names)
	}
	if addr := p[models.FamilyAddress]; len(addr) != 1 || addr[0] != "C11/9" {
		t.Errorf("address patterns = %v", addr)
	}
	for _, k := range p[models.FamilyKeyword] {
		if len(k) <= 3 {
			t.Errorf("keyword %q is too short", k)
		}
	}
	if amount := p[models.FamilyAmount]; len(amount) != 1 || amount[0] != "250000" {
		t.Errorf("amount patterns = %v", amount)
	}

	generic := ExtractPatterns("TRANSFER IURAN BULANAN", decimal.NewFromInt(250000), &config)
	if names := generic[models.FamilyName]; len(names) != 0 {
		t.Errorf("dues wording must not be learned as a name, got %v", names)
	}
	if len(generic[models.FamilyKeyword]) == 0 {
		t.Error("keywords should still be learned")
	}
}

func TestAmountBucket(t *testing.T) {
	tests := map[int64]string{
		254999:  "250000",
		255000:  "260000",
		-250157: "250000",
		4000:    "0",
	}
	for amount, want := range tests {
		if got := AmountBucket(decimal.NewFromInt(amount), 10000); got.String() != want {
			t.Errorf("AmountBucket(%d) = %s, want %s", amount, got, want)
		}
	}
}

func TestUpdateMovingAverage(t *testing.T) {
	sys := newTestSystem()
	tx := newTx("tx-1", "TRF BUDI SANTOSO", 250000)

	c1, c2 := 0.9, 0.6
	sys.Update("r-1", tx, c1)
	record := sys.Update("r-1", tx, c2)

	entry, ok := findPattern(record.NamePatterns, "BUDI SANTOSO")
	if !ok {
		t.Fatal("name pattern not learned")
	}
	if want := 0.7*c1 + 0.3*c2; entry.Confidence != want {
		t.Errorf("Confidence = %v, want exactly %v", entry.Confidence, want)
	}
	if entry.Frequency != 2 || !entry.LastSeen.Equal(testNow) {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if record.TotalVerifications != 2 {
		t.Errorf("TotalVerifications = %d, want 2", record.TotalVerifications)
	}
	if want := (c1 + c2) / 2; record.AverageConfidence != want {
		t.Errorf("AverageConfidence = %v, want %v", record.AverageConfidence, want)
	}

	fresh := sys.Update("r-1", newTx("tx-2", "TRF AGUS WIBOWO", 300000), 0.4)
	if e, ok := findPattern(fresh.NamePatterns, "AGUS WIBOWO"); !ok || e.Confidence != 0.4 || e.Frequency != 1 {
		t.Errorf("new pattern should start at the verification confidence, got %+v", e)
	}
}

func TestUpdateBoundsConfidence(t *testing.T) {
	sys := newTestSystem()
	record := sys.Update("r-1", newTx("tx-1", "TRF BUDI SANTOSO", 250000), 1.7)
	for _, family := range models.PatternFamilies {
		for _, e := range record.Patterns(family) {
			if e.Confidence < 0 || e.Confidence > 1 {
				t.Errorf("%s pattern %q has confidence %v", family, e.Pattern, e.Confidence)
			}
		}
	}
}

func TestUpdateCapsPatterns(t *testing.T) {
	config := matcher.DefaultMatchingConfig()
	config.Learning.MaxPatternsPerFamily = 2
	sys := NewSystem(config)
	tick := testNow
	sys.SetClock(func() time.Time {
		tick = tick.Add(time.Minute)
		return tick
	})

	for i, desc := range []string{"TRF ALPHA", "TRF ALPHA", "TRF BRAVO", "TRF CHARLIE"} {
		sys.Update("r-1", newTx(string(rune('a'+i)), desc, 250000), 1)
	}
	record, _ := sys.Record("r-1")
	if len(record.KeywordPatterns) != 2 {
		t.Fatalf("expected 2 keyword patterns, got %d", len(record.KeywordPatterns))
	}
	if record.KeywordPatterns[0].Pattern != "ALPHA" || record.KeywordPatterns[1].Pattern != "CHARLIE" {
		t.Errorf("expected the most frequent then the most recent pattern, got %v", record.KeywordPatterns)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	sys := newTestSystem()
	sys.Update("r-1", newTx("tx-1", "TRF BUDI SANTOSO", 250000), 1)

	snapshot := sys.Snapshot()
	snapshot[0].NamePatterns[0].Frequency = 99

	record, _ := sys.Record("r-1")
	if record.NamePatterns[0].Frequency == 99 {
		t.Error("snapshot must not share storage with the system")
	}
}

func TestLoadClampsConfidence(t *testing.T) {
	sys := newTestSystem()
	sys.Load([]*models.LearningRecord{
		{ResidentID: "r-1", AverageConfidence: 3, NamePatterns: []models.PatternEntry{{Pattern: "X", Confidence: -1}}},
		nil,
	})
	record, ok := sys.Record("r-1")
	if !ok || sys.Len() != 1 {
		t.Fatal("record not loaded")
	}
	if record.AverageConfidence != 1 || record.NamePatterns[0].Confidence != 0 {
		t.Errorf("confidences not clamped: %+v", record)
	}
}

func TestInsights(t *testing.T) {
	sys := newTestSystem()
	for i := 0; i < 3; i++ {
		sys.Update("r-1", newTx("a", "TRF BUDI SANTOSO", 250000), 1.0)
		sys.Update("r-2", newTx("b", "TRF BUDI SANTOSO", 500000), 0.8)
	}
	sys.Update("r-3", newTx("c", "TRF DEWI LESTARI", 250000), 1.0)

	insights := sys.Insights()
	var name *Insight
	for i := range insights {
		if insights[i].Family == models.FamilyName && insights[i].Pattern == "BUDI SANTOSO" {
			name = &insights[i]
		}
		if insights[i].Pattern == "DEWI LESTARI" {
			t.Error("a single observation must not become an insight")
		}
	}
	if name == nil {
		t.Fatalf("expected merged name insight, got %+v", insights)
	}
	if name.Frequency != 6 || name.Confidence != 1.0 || len(name.Residents) != 2 {
		t.Errorf("unexpected merged insight: %+v", name)
	}

	for i := 1; i < len(insights); i++ {
		if insights[i].Confidence > insights[i-1].Confidence {
			t.Error("insights must be sorted by confidence")
		}
	}
}

func TestSimilarResidents(t *testing.T) {
	sys := newTestSystem()
	sys.Update("r-1", newTx("a", "TRF BUDI SANTOSO", 250000), 1)
	sys.Update("r-2", newTx("b", "TRF BUDI SANTOSO", 250000), 1)
	sys.Update("r-3", newTx("c", "TRF DEWI LESTARI", 250000), 1)
	sys.Update("r-4", newTx("d", "SETOR TUNAI", 999000), 1)

	similar := sys.SimilarResidents("r-1", 10)
	if len(similar) != 2 {
		t.Fatalf("expected 2 similar residents, got %+v", similar)
	}
	if similar[0].ResidentID != "r-2" || similar[0].Score != 1 {
		t.Errorf("identical history should rank first with score 1, got %+v", similar[0])
	}
	if similar[1].ResidentID != "r-3" || similar[1].Score <= 0 || similar[1].Score >= 1 {
		t.Errorf("unexpected second resident: %+v", similar[1])
	}

	if got := sys.SimilarResidents("unknown", 10); got != nil {
		t.Errorf("unknown resident should have no similar residents, got %v", got)
	}
}

func TestSeedFromAudit(t *testing.T) {
	sys := newTestSystem()
	txs := map[string]*models.Transaction{
		"tx-1": newTx("tx-1", "TRF BUDI SANTOSO", 250000),
		"tx-2": newTx("tx-2", "TRF BUDI SANTOSO", 250000),
	}
	audits := []*models.AuditRecord{
		{ID: "a-2", TransactionID: "tx-2", Action: models.ActionManualOverride, NewResidentID: "r-1", Confidence: 1, CreatedAt: testNow},
		{ID: "a-1", TransactionID: "tx-1", Action: models.ActionManualConfirm, NewResidentID: "r-1", CreatedAt: testNow.Add(-time.Hour)},
		{ID: "a-3", TransactionID: "tx-1", Action: models.ActionManualSkip, CreatedAt: testNow},
		{ID: "a-4", TransactionID: "missing", Action: models.ActionManualConfirm, NewResidentID: "r-2", CreatedAt: testNow},
	}

	learned := sys.SeedFromAudit(audits, func(id string) (*models.Transaction, bool) {
		tx, ok := txs[id]
		return tx, ok
	})
	if learned != 2 {
		t.Errorf("learned %d decisions, want 2", learned)
	}
	record, ok := sys.Record("r-1")
	if !ok || record.TotalVerifications != 2 {
		t.Errorf("unexpected record: %+v", record)
	}
	if _, ok := sys.Record("r-2"); ok {
		t.Error("unknown transactions must be skipped")
	}
}

func TestHistoricalMatcher(t *testing.T) {
	config := matcher.DefaultMatchingConfig()
	sys := newTestSystem()
	for i := 0; i < 3; i++ {
		sys.Update("r-1", newTx("a", "TRF BUDI SANTOSO", 250000), 1)
	}
	sys.Update("r-3", newTx("c", "TRF DEWI LESTARI", 400000), 1)
	hm := NewHistoricalMatcher(sys.Snapshot(), config)

	m := hm.Match("BUDI SANTOSO", decimal.NewFromInt(250000))
	if m == nil || m.ResidentID != "r-1" {
		t.Fatalf("expected r-1, got %+v", m)
	}
	if m.Score != 1 || m.AmountScore != 1 {
		t.Errorf("exact history should score 1, got %+v", m)
	}
	if !m.Identifying() {
		t.Errorf("a learned name hit is identifying: %+v", m)
	}

	near := hm.Match("BUDI SANTOSO", decimal.NewFromInt(270000))
	if near == nil || near.ResidentID != "r-1" {
		t.Fatalf("expected r-1 for a nearby amount, got %+v", near)
	}
	if near.AmountScore <= 0 || near.AmountScore >= 0.5 {
		t.Errorf("nearby amount should get partial credit, got %v", near.AmountScore)
	}

	if m := hm.Match("SITI RAHAYU", decimal.NewFromInt(250000)); m != nil {
		t.Errorf("amount alone must not reach the threshold, got %+v", m)
	}

	ranked := hm.Rank("BUDI SANTOSO", decimal.NewFromInt(250000), 0)
	if len(ranked) < 1 || ranked[0].ResidentID != "r-1" {
		t.Errorf("unexpected ranking: %+v", ranked)
	}
}
