package parsers

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"dues-reconciliation-service/internal/models"
	"dues-reconciliation-service/pkg/errors"
)

// Helper function to create a CSV file in a temporary directory
func createTempCSVFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}
	return path
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

const klikBCAStatement = `Tanggal Transaksi,Keterangan,Cabang,Jumlah,Saldo
05/03/2024,TRSF E-BANKING CR BUDI SANTOSO,0000,"250,000.00 CR","5,250,000.00"
06/03/2024,BIAYA ADM,0000,"10,000.00 DB","5,240,000.00"
`

func TestParseConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*ParseConfig)
		wantErr bool
	}{
		{"defaults", func(*ParseConfig) {}, false},
		{"semicolon", func(c *ParseConfig) { c.Delimiter = ';' }, false},
		{"no delimiter", func(c *ParseConfig) { c.Delimiter = 0 }, true},
		{"newline delimiter", func(c *ParseConfig) { c.Delimiter = '\n' }, true},
		{"comment equals delimiter", func(c *ParseConfig) { c.Comment = ',' }, true},
		{"negative field size", func(c *ParseConfig) { c.MaxFieldSize = -1 }, true},
		{"negative max errors", func(c *ParseConfig) { c.MaxErrors = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultParseConfig()
			tt.modify(config)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMutationParserCreditDebitColumns(t *testing.T) {
	content := `Tanggal,Keterangan,Kredit,Debet,Saldo
10/03/2024,TRF 250157 A1-57,"250.157,00",,"1.250.157,00"
11/03/2024,BIAYA ADM,,"6.500,00","1.243.657,00"
12/03/2024,SALDO AWAL,,,
xx/03/2024,BAD DATE,"100.000",,
`
	parser, err := NewMutationParser(GenericFormat, nil)
	if err != nil {
		t.Fatalf("NewMutationParser() error = %v", err)
	}

	lines, stats, err := parser.Parse(context.Background(), strings.NewReader(content), "mutasi.csv")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if stats.RecordsParsed != 4 || stats.RecordsValid != 3 || stats.ErrorCount != 1 || stats.TotalLines != 5 {
		t.Errorf("unexpected stats: %s", stats)
	}

	credit := lines[0]
	if credit.ID != "mutasi.csv:2" {
		t.Errorf("expected line id mutasi.csv:2, got %s", credit.ID)
	}
	if !credit.Amount.Equal(mustDecimal(t, "250157")) {
		t.Errorf("expected amount 250157, got %s", credit.Amount)
	}
	if credit.Direction != models.DirectionCredit {
		t.Errorf("expected credit, got %s", credit.Direction)
	}
	if credit.Balance == nil || !credit.Balance.Equal(mustDecimal(t, "1250157")) {
		t.Errorf("expected balance 1250157, got %v", credit.Balance)
	}
	if !credit.Date.Equal(time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("expected day-first date, got %s", credit.Date)
	}
	if credit.State != models.StateUnverified || credit.Category != models.CategoryUncategorized {
		t.Errorf("expected a fresh mutation, got %s/%s", credit.State, credit.Category)
	}

	debit := lines[1]
	if !debit.Amount.Equal(mustDecimal(t, "-6500")) || !debit.IsDebit() {
		t.Errorf("expected debit of -6500, got %s (%s)", debit.Amount, debit.Direction)
	}

	if !lines[2].Amount.IsZero() || lines[2].Balance != nil {
		t.Errorf("expected the opening balance row to pass through with zero amount")
	}

	rowErr := stats.Errors[0]
	if rowErr.Line != 5 {
		t.Errorf("expected error on line 5, got %d", rowErr.Line)
	}
	if !errors.IsCode(rowErr, errors.CodeInvalidData) {
		t.Errorf("expected invalid data code, got %v", rowErr)
	}
}

func TestMutationParserAmountSuffix(t *testing.T) {
	headers := strings.Split(strings.SplitN(klikBCAStatement, "\n", 2)[0], ",")
	format := DetectMutationFormat(headers)
	if format != KlikBCAFormat {
		t.Fatalf("expected klikbca format, got %s", format.Name)
	}

	parser, err := NewMutationParser(format, nil)
	if err != nil {
		t.Fatalf("NewMutationParser() error = %v", err)
	}
	lines, stats, err := parser.Parse(context.Background(), strings.NewReader(klikBCAStatement), "bca.csv")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if stats.HasErrors() {
		t.Fatalf("unexpected errors: %v", stats.GetSampleErrors(5))
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	if !lines[0].Amount.Equal(mustDecimal(t, "250000")) || lines[0].Direction != models.DirectionCredit {
		t.Errorf("expected credit 250000, got %s %s", lines[0].Amount, lines[0].Direction)
	}
	if !lines[1].Amount.Equal(mustDecimal(t, "-10000")) || lines[1].Direction != models.DirectionDebit {
		t.Errorf("expected debit -10000, got %s %s", lines[1].Amount, lines[1].Direction)
	}
	if lines[0].Reference != "0000" {
		t.Errorf("expected branch code as reference, got %q", lines[0].Reference)
	}
	if lines[1].Balance == nil || !lines[1].Balance.Equal(mustDecimal(t, "5240000")) {
		t.Errorf("expected balance 5240000, got %v", lines[1].Balance)
	}
}

func TestMutationParserDirectionColumn(t *testing.T) {
	content := `date,description,amount,type,reference
2024-03-10,TRF BUDI,250157,CR,REF1
2024-03-11,TARIK TUNAI,50000,DB,REF2
2024-03-12,KOREKSI,-7500,,
2024-03-13,SALAH,1000,XX,
`
	parser, err := NewMutationParser(nil, nil)
	if err != nil {
		t.Fatalf("NewMutationParser() error = %v", err)
	}
	lines, stats, err := parser.Parse(context.Background(), strings.NewReader(content), "generic.csv")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	tests := []struct {
		amount    string
		direction models.Direction
		reference string
	}{
		{"250157", models.DirectionCredit, "REF1"},
		{"-50000", models.DirectionDebit, "REF2"},
		{"-7500", models.DirectionDebit, ""},
	}
	if len(lines) != len(tests) {
		t.Fatalf("expected %d lines, got %d", len(tests), len(lines))
	}
	for i, tt := range tests {
		if !lines[i].Amount.Equal(mustDecimal(t, tt.amount)) {
			t.Errorf("line %d: expected amount %s, got %s", i, tt.amount, lines[i].Amount)
		}
		if lines[i].Direction != tt.direction {
			t.Errorf("line %d: expected direction %s, got %s", i, tt.direction, lines[i].Direction)
		}
		if lines[i].Reference != tt.reference {
			t.Errorf("line %d: expected reference %q, got %q", i, tt.reference, lines[i].Reference)
		}
	}

	if stats.ErrorCount != 1 || stats.Errors[0].Column != "type" {
		t.Errorf("expected one direction error, got %v", stats.GetSampleErrors(5))
	}
}

func TestMutationParserMissingColumns(t *testing.T) {
	parser, err := NewMutationParser(nil, nil)
	if err != nil {
		t.Fatalf("NewMutationParser() error = %v", err)
	}

	t.Run("no date column", func(t *testing.T) {
		_, _, err := parser.Parse(context.Background(), strings.NewReader("foo,bar\n1,2\n"), "bad.csv")
		if !errors.IsCode(err, errors.CodeMissingColumn) {
			t.Errorf("expected missing column error, got %v", err)
		}
	})

	t.Run("no amount column", func(t *testing.T) {
		_, _, err := parser.Parse(context.Background(), strings.NewReader("tanggal,keterangan\n10/03/2024,X\n"), "bad.csv")
		if !errors.IsCode(err, errors.CodeMissingColumn) {
			t.Errorf("expected missing column error, got %v", err)
		}
	})

	t.Run("empty file", func(t *testing.T) {
		_, _, err := parser.Parse(context.Background(), strings.NewReader(""), "empty.csv")
		if !errors.IsCode(err, errors.CodeMissingField) {
			t.Errorf("expected missing field error, got %v", err)
		}
	})
}

func TestMutationParserStopsAtErrorLimit(t *testing.T) {
	config := DefaultParseConfig()
	config.MaxErrors = 2
	parser, err := NewMutationParser(GenericFormat, config)
	if err != nil {
		t.Fatalf("NewMutationParser() error = %v", err)
	}

	content := "date,description,amount\nx,A,1\ny,B,2\nz,C,3\n2024-03-10,D,4\n"
	lines, stats, err := parser.Parse(context.Background(), strings.NewReader(content), "noisy.csv")
	if err == nil {
		t.Fatal("expected an error once the limit is reached")
	}
	if !errors.IsCode(err, errors.CodeInvalidData) {
		t.Errorf("expected invalid data code, got %v", err)
	}
	if stats.ErrorCount != 2 || len(lines) != 0 {
		t.Errorf("expected 2 errors and no lines, got %d errors and %d lines", stats.ErrorCount, len(lines))
	}
}

func TestMutationParserCancelled(t *testing.T) {
	parser, err := NewMutationParser(nil, nil)
	if err != nil {
		t.Fatalf("NewMutationParser() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err = parser.Parse(ctx, strings.NewReader("date,description,amount\n2024-03-10,A,1\n"), "c.csv")
	if !errors.IsCategory(err, errors.CategoryInternal) {
		t.Errorf("expected cancellation error, got %v", err)
	}
}

func TestParseStream(t *testing.T) {
	var b strings.Builder
	b.WriteString("date,description,amount\n")
	for i := 1; i <= 5; i++ {
		b.WriteString("2024-03-1" + string(rune('0'+i)) + ",TRF,25000" + string(rune('0'+i)) + "\n")
	}

	parser, err := NewMutationParser(nil, nil)
	if err != nil {
		t.Fatalf("NewMutationParser() error = %v", err)
	}

	var sizes []int
	stats, err := parser.ParseStream(context.Background(), strings.NewReader(b.String()), "stream.csv", 2,
		func(batch []*models.Transaction) error {
			sizes = append(sizes, len(batch))
			return nil
		})
	if err != nil {
		t.Fatalf("ParseStream() error = %v", err)
	}
	if stats.RecordsValid != 5 {
		t.Errorf("expected 5 valid records, got %d", stats.RecordsValid)
	}
	if len(sizes) != 3 || sizes[0] != 2 || sizes[1] != 2 || sizes[2] != 1 {
		t.Errorf("expected batches [2 2 1], got %v", sizes)
	}

	_, err = parser.ParseStream(context.Background(), strings.NewReader(b.String()), "stream.csv", 2,
		func([]*models.Transaction) error { return os.ErrClosed })
	if err == nil || !strings.Contains(err.Error(), "callback error") {
		t.Errorf("expected callback error, got %v", err)
	}
}

func TestParseStatementFiles(t *testing.T) {
	bca := createTempCSVFile(t, "bca.csv", klikBCAStatement)
	missing := filepath.Join(t.TempDir(), "missing.csv")

	results, err := ParseStatementFiles(context.Background(), []string{bca, missing}, nil, 2)
	if err != nil {
		t.Fatalf("ParseStatementFiles() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	if results[0].Err != nil || results[0].Format != "klikbca" || len(results[0].Transactions) != 2 {
		t.Errorf("unexpected result for %s: %+v", bca, results[0])
	}
	if !errors.IsCode(results[1].Err, errors.CodeFileNotFound) {
		t.Errorf("expected file not found, got %v", results[1].Err)
	}
}

func TestInvalidEncodingIsRejected(t *testing.T) {
	path := createTempCSVFile(t, "latin1.csv", "date,description,amount\n2024-03-10,SETORAN \xe9\xe8,1000\n")
	parser, err := NewMutationParser(nil, nil)
	if err != nil {
		t.Fatalf("NewMutationParser() error = %v", err)
	}

	_, _, err = parser.ParseFile(context.Background(), path)
	if !errors.IsCode(err, errors.CodeInvalidFormat) {
		t.Errorf("expected invalid format error, got %v", err)
	}
}

func TestDetectMutationFormat(t *testing.T) {
	tests := []struct {
		headers []string
		want    string
	}{
		{[]string{"Tanggal Transaksi", "Keterangan", "Cabang", "Jumlah", "Saldo"}, "klikbca"},
		{[]string{"\ufeffTanggal", "Keterangan", "Debet", "Kredit", "Saldo"}, "mandiri"},
		{[]string{"date", "description", "amount"}, "generic"},
		{[]string{"foo", "bar"}, "generic"},
	}

	for _, tt := range tests {
		t.Run(tt.want+"/"+strings.Join(tt.headers, "|"), func(t *testing.T) {
			if got := DetectMutationFormat(tt.headers); got.Name != tt.want {
				t.Errorf("DetectMutationFormat() = %s, want %s", got.Name, tt.want)
			}
		})
	}

	if GetMutationFormat(" KlikBCA ") != KlikBCAFormat {
		t.Error("expected lookup by name to ignore case and spaces")
	}
	if GetMutationFormat("unknown") != nil {
		t.Error("expected nil for an unknown format")
	}
}

func TestResidentParser(t *testing.T) {
	content := `nama,blok,no_rumah,rt,indeks,alias,aktif
Budi  Santoso,C-011,09,03,,BUDI SANTOSO;B SANTOSO; budi santoso ,ya
Dewi Lestari,B2,5,,,,
Ahmad,A1,57,,157,,
Duplicate,A9,99,,157,,
,A2,1,,,,
Sutrisno,D4,12,,,,tidak
Bad,A3,3,,abc,,
`
	parser, err := NewResidentParser(nil)
	if err != nil {
		t.Fatalf("NewResidentParser() error = %v", err)
	}
	residents, stats, err := parser.Parse(context.Background(), strings.NewReader(content), "warga.csv")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if len(residents) != 4 {
		t.Fatalf("expected 4 residents, got %d", len(residents))
	}
	if stats.ErrorCount != 3 {
		t.Errorf("expected 3 errors, got %v", stats.GetSampleErrors(10))
	}

	budi := residents[0]
	if budi.ID != "r-c11-9" || budi.Name != "Budi Santoso" {
		t.Errorf("unexpected resident: %+v", budi)
	}
	if budi.Block != "C11" || budi.HouseNumber != "9" || budi.RT != "03" {
		t.Errorf("expected normalized address C11/9, got %s/%s", budi.Block, budi.HouseNumber)
	}
	if budi.PaymentIndex != 1109 {
		t.Errorf("expected derived payment index 1109, got %d", budi.PaymentIndex)
	}
	if len(budi.Aliases) != 2 || budi.Aliases[1].Name != "B SANTOSO" || !budi.Aliases[0].Verified {
		t.Errorf("expected two verified aliases, got %+v", budi.Aliases)
	}

	if residents[1].PaymentIndex != 205 || residents[2].PaymentIndex != 157 {
		t.Errorf("unexpected payment indexes %d and %d", residents[1].PaymentIndex, residents[2].PaymentIndex)
	}
	if residents[3].Active {
		t.Error("expected Sutrisno to be inactive")
	}

	if !errors.IsCode(stats.Errors[0], errors.CodeDuplicateIndex) || stats.Errors[0].Line != 5 {
		t.Errorf("expected duplicate index on line 5, got %v", stats.Errors[0])
	}
}

func TestParseAliases(t *testing.T) {
	if got := ParseAliases(""); len(got) != 0 {
		t.Errorf("expected no aliases, got %+v", got)
	}
	got := ParseAliases("mama kiki; ;MAMA  KIKI;kiki")
	if len(got) != 2 || got[0].Name != "MAMA KIKI" || got[1].Name != "KIKI" {
		t.Errorf("unexpected aliases %+v", got)
	}
}

func TestPaymentParser(t *testing.T) {
	content := `payment_id,resident_id,jumlah,tanggal,periode,tagihan,catatan
p-1,r-157,"250.157",2024-03-08,2024-03,si-1;si-2,transfer
p-2,r-205,abc,2024-03-08,,,
p-3,,250000,2024-03-08,,,
`
	parser, err := NewPaymentParser(nil)
	if err != nil {
		t.Fatalf("NewPaymentParser() error = %v", err)
	}
	payments, stats, err := parser.Parse(context.Background(), strings.NewReader(content), "payments.csv")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if len(payments) != 1 || stats.ErrorCount != 2 {
		t.Fatalf("expected 1 payment and 2 errors, got %d and %d", len(payments), stats.ErrorCount)
	}
	p := payments[0]
	if p.ID != "p-1" || p.ResidentID != "r-157" || !p.Amount.Equal(mustDecimal(t, "250157")) {
		t.Errorf("unexpected payment %+v", p)
	}
	if p.PeriodID != "2024-03" || len(p.ScheduleItemIDs) != 2 || p.Notes != "transfer" {
		t.Errorf("unexpected payment details %+v", p)
	}
	if !p.PaymentDate.Equal(time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected payment date %s", p.PaymentDate)
	}
}

func TestParseStatsMerge(t *testing.T) {
	a := NewParseStats(0)
	a.TotalLines, a.RecordsParsed, a.RecordsValid = 3, 2, 2
	b := NewParseStats(0)
	b.TotalLines, b.RecordsParsed, b.RecordsValid = 4, 3, 2
	b.AddError(errors.InvalidAmountError("b.csv", 3, "amount", "x"))

	a.Merge(b)
	if a.TotalLines != 7 || a.RecordsParsed != 5 || a.RecordsValid != 4 || a.ErrorCount != 1 {
		t.Errorf("unexpected merged stats: %s", a)
	}
}
