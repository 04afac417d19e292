package matcher

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"github.com/shopspring/decimal"

	"dues-reconciliation-service/internal/models"
)

// NameField tells whether a name match hit the primary name or an alias
type NameField int

const (
	FieldPrimaryName NameField = iota
	FieldAlias
)

// String returns the string representation of NameField
func (f NameField) String() string {
	if f == FieldPrimaryName {
		return "name"
	}
	return "alias"
}

// KeywordDetector reports whether a description contains dues keywords
type KeywordDetector interface {
	HasDuesKeyword(description string) bool
}

// NameMatch is the best resident found for a description
type NameMatch struct {
	Resident     *models.Resident
	Field        NameField
	MatchedValue string
	Candidate    string
	Similarity   float64
	Confidence   float64
	Contextual   bool
}

var (
	titleCasePattern = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+){1,2}\b`)
	allCapsPattern   = regexp.MustCompile(`\b[A-Z]+(?:\s+[A-Z]+)*\b`)
	titledPattern    = regexp.MustCompile(`(?i)\b(?:mr|mrs|ms|dr|ir|bpk|bapak|pak|ibu|bu|sdr|sdri|hj)\.?\s+([a-z]+(?:\s+[a-z]+){0,2})`)
	nonLetterPattern = regexp.MustCompile(`[^A-Z ]+`)
	spacePattern     = regexp.MustCompile(`\s+`)
)

var nameTitles = map[string]bool{
	"MR": true, "MRS": true, "MS": true, "DR": true, "IR": true, "BPK": true, "BAPAK": true,
	"PAK": true, "IBU": true, "BU": true, "SDR": true, "SDRI": true, "H": true, "HJ": true,
}

// nameStopWords are banking and domain words that never form a name on
// their own
var nameStopWords = map[string]bool{
	"TRANSFER": true, "TRF": true, "TRSF": true, "TRX": true, "DARI": true, "KE": true, "UNTUK": true,
	"UTK": true, "BAYAR": true, "PEMBAYARAN": true, "IPL": true, "IURAN": true, "BULAN": true,
	"BLN": true, "BULANAN": true, "BULANNYA": true, "TAHUNAN": true, "TAGIHAN": true,
	"PERIODE": true, "LUNAS": true, "CICILAN": true, "BANK": true, "BCA": true, "BNI": true, "BRI": true, "MANDIRI": true, "BSI": true,
	"CIMB": true, "PERMATA": true, "BTN": true, "MBANKING": true, "IBANKING": true, "ATM": true,
	"SETOR": true, "SETORAN": true, "TUNAI": true, "KREDIT": true, "DEBIT": true, "BIAYA": true,
	"ADM": true, "ADMIN": true, "PAJAK": true, "BUNGA": true, "SALDO": true, "BLOK": true,
	"BLK": true, "NO": true, "NOMOR": true, "RT": true, "RW": true, "CLUSTER": true,
	"KEAMANAN": true, "KEBERSIHAN": true, "SAMPAH": true, "WARGA": true, "KAS": true,
	"PERUMAHAN": true, "FEE": true, "REF": true, "BIFAST": true, "FAST": true, "ONLINE": true,
	"VIA": true, "QRIS": true, "CR": true, "DB": true, "SWITCHING": true, "ANTAR": true,
	"REKENING": true, "REK": true, "BERSAMA": true, "DAN": true, "SD": true,
	"JANUARI": true, "FEBRUARI": true, "MARET": true, "APRIL": true, "MEI": true, "JUNI": true,
	"JULI": true, "AGUSTUS": true, "SEPTEMBER": true, "OKTOBER": true, "NOVEMBER": true,
	"DESEMBER": true, "JAN": true, "FEB": true, "MAR": true, "APR": true, "JUN": true,
	"JUL": true, "AGU": true, "AGS": true, "SEP": true, "OKT": true, "NOV": true, "DES": true,
}

// normalizeName upper-cases, strips punctuation and leading titles
func normalizeName(name string) string {
	s := strings.ToUpper(name)
	s = nonLetterPattern.ReplaceAllString(s, " ")
	tokens := strings.Fields(s)
	for len(tokens) > 1 && nameTitles[tokens[0]] {
		tokens = tokens[1:]
	}
	return strings.Join(tokens, " ")
}

// Similarity returns a normalized similarity in [0,1] between two names.
// It is the better of the plain edit-distance ratio and the ratio after
// sorting tokens, so "SANTOSO BUDI" scores like "BUDI SANTOSO".
func Similarity(a, b string) float64 {
	a, b = normalizeName(a), normalizeName(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	plain := ratio(a, b)
	sorted := ratio(sortTokens(a), sortTokens(b))
	if sorted > plain {
		return sorted
	}
	return plain
}

func ratio(a, b string) float64 {
	maxLen := utf8.RuneCountInString(a)
	if l := utf8.RuneCountInString(b); l > maxLen {
		maxLen = l
	}
	if maxLen == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(maxLen)
}

func sortTokens(s string) string {
	tokens := strings.Fields(s)
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

type nameEntry struct {
	resident *models.Resident
	field    NameField
	value    string
}

// candidate is a name-like substring of a description. Raw candidates still
// contain stop-words and are only kept on a long near-exact collision.
type candidate struct {
	text string
	raw  bool
}

// NameMatcher indexes resident names and verified aliases of one snapshot
type NameMatcher struct {
	entries    []nameEntry
	nameTokens map[string]bool
	keywords   KeywordDetector
	config     *MatchingConfig
}

// NewNameMatcher builds the name index. keywords may be nil, in which case
// only the dues amount band contributes context.
func NewNameMatcher(index *ResidentIndex, config *MatchingConfig, keywords KeywordDetector) *NameMatcher {
	nm := &NameMatcher{
		nameTokens: index.NameTokens(),
		keywords:   keywords,
		config:     config,
	}
	for _, r := range index.Active {
		if v := normalizeName(r.Name); v != "" {
			nm.entries = append(nm.entries, nameEntry{resident: r, field: FieldPrimaryName, value: v})
		}
		for _, a := range r.VerifiedAliases() {
			if v := normalizeName(a.Name); v != "" {
				nm.entries = append(nm.entries, nameEntry{resident: r, field: FieldAlias, value: v})
			}
		}
	}
	return nm
}

// ExtractCandidates returns the name-like substrings of a description
func (nm *NameMatcher) ExtractCandidates(description string) []string {
	var out []string
	for _, c := range nm.extract(description) {
		if !c.raw {
			out = append(out, c.text)
		}
	}
	return out
}

// ExtractNameCandidates extracts candidates without a resident snapshot, so
// every stop-word is filtered. Used by the learning system.
func ExtractNameCandidates(description string) []string {
	nm := &NameMatcher{nameTokens: map[string]bool{}}
	return nm.ExtractCandidates(description)
}

func (nm *NameMatcher) extract(description string) []candidate {
	seen := make(map[string]bool)
	var out []candidate
	add := func(text string, raw bool) {
		key := text
		if raw {
			key = "raw:" + text
		}
		if text == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, candidate{text: text, raw: raw})
	}

	var sequences []string
	sequences = append(sequences, titleCasePattern.FindAllString(description, -1)...)
	sequences = append(sequences, allCapsPattern.FindAllString(description, -1)...)
	for _, m := range titledPattern.FindAllStringSubmatch(description, -1) {
		sequences = append(sequences, m[1])
	}

	for _, seq := range sequences {
		normalized := normalizeName(seq)
		tokens := strings.Fields(normalized)
		if len(tokens) == 0 {
			continue
		}

		var segment []string
		flush := func() {
			for _, c := range nameWindows(segment) {
				add(c, false)
			}
			segment = segment[:0]
		}
		stopped := false
		for _, tok := range tokens {
			if nm.isStopWord(tok) {
				stopped = true
				flush()
				continue
			}
			segment = append(segment, tok)
		}
		flush()

		if stopped && utf8.RuneCountInString(normalized) >= nm.longCollisionLength() {
			add(spacePattern.ReplaceAllString(normalized, " "), true)
		}
	}
	return out
}

// nameWindows emits the 2 and 3 token windows of a segment, or a lone token
// of at least four letters.
func nameWindows(segment []string) []string {
	if len(segment) == 1 {
		if utf8.RuneCountInString(segment[0]) >= 4 {
			return []string{segment[0]}
		}
		return nil
	}
	var out []string
	for size := 3; size >= 2; size-- {
		for i := 0; i+size <= len(segment); i++ {
			out = append(out, strings.Join(segment[i:i+size], " "))
		}
	}
	return out
}

func (nm *NameMatcher) isStopWord(token string) bool {
	if nameTitles[token] {
		return true
	}
	if !nameStopWords[token] {
		return false
	}
	return !nm.nameTokens[token]
}

func (nm *NameMatcher) longCollisionLength() int {
	if nm.config == nil || nm.config.Name.LongCollisionLength == 0 {
		return 8
	}
	return nm.config.Name.LongCollisionLength
}

// scored is one (resident, field, value) hit for a candidate
type scored struct {
	entry      nameEntry
	candidate  string
	similarity float64
}

// rank scores every candidate against every entry and keeps hits above the
// consideration floor, best first.
func (nm *NameMatcher) rank(description string) []scored {
	floor := nm.config.Name.ConsiderationFloor
	var hits []scored
	for _, c := range nm.extract(description) {
		for _, e := range nm.entries {
			sim := Similarity(c.text, e.value)
			if c.raw && sim < nm.config.Name.LongCollisionSimilarity {
				continue
			}
			if sim < floor {
				continue
			}
			hits = append(hits, scored{entry: e, candidate: c.text, similarity: sim})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].similarity != hits[j].similarity {
			return hits[i].similarity > hits[j].similarity
		}
		if hits[i].entry.field != hits[j].entry.field {
			return hits[i].entry.field < hits[j].entry.field
		}
		return hits[i].entry.resident.ID < hits[j].entry.resident.ID
	})
	return hits
}

// Match returns the single best resident whose name or verified alias
// appears in the description, or nil when nothing passes the acceptance
// floor or two residents tie for the top score.
func (nm *NameMatcher) Match(description string, amount decimal.Decimal) *NameMatch {
	hits := nm.rank(description)
	if len(hits) == 0 {
		return nil
	}

	best := hits[0]
	if best.similarity < nm.config.Name.AcceptanceFloor {
		return nil
	}
	for _, h := range hits[1:] {
		if h.similarity < best.similarity {
			break
		}
		if h.entry.resident.ID != best.entry.resident.ID {
			return nil
		}
	}

	return nm.toMatch(best, description, amount)
}

// Candidates returns up to limit distinct residents above the consideration
// floor, best first. Used to build review suggestions.
func (nm *NameMatcher) Candidates(description string, amount decimal.Decimal, limit int) []*NameMatch {
	seen := make(map[string]bool)
	var out []*NameMatch
	for _, h := range nm.rank(description) {
		if seen[h.entry.resident.ID] {
			continue
		}
		seen[h.entry.resident.ID] = true
		out = append(out, nm.toMatch(h, description, amount))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (nm *NameMatcher) toMatch(h scored, description string, amount decimal.Decimal) *NameMatch {
	m := &NameMatch{
		Resident:     h.entry.resident,
		Field:        h.entry.field,
		MatchedValue: h.entry.value,
		Candidate:    h.candidate,
		Similarity:   h.similarity,
	}
	m.Contextual = nm.config.IsWithinDuesBand(amount) ||
		(nm.keywords != nil && nm.keywords.HasDuesKeyword(description))
	m.Confidence = nm.confidence(m)
	return m
}

// confidence applies the primary-name, high-similarity and context bonuses
func (nm *NameMatcher) confidence(m *NameMatch) float64 {
	c := m.Similarity
	if m.Field == FieldPrimaryName {
		c += nm.config.Name.PrimaryNameBonus
	}
	if m.Similarity >= nm.config.Name.HighSimilarityThreshold {
		c += nm.config.Name.HighSimilarityBonus
	}
	if m.Contextual {
		c += nm.config.Name.ContextBonus
	}
	return models.ClampConfidence(c)
}
