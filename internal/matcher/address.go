package matcher

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"dues-reconciliation-service/internal/models"
)

// AddressPattern is one supported way of writing a block and house number
type AddressPattern struct {
	Name       string
	Regex      *regexp.Regexp
	Confidence float64
	// Format renders a normalized pair in this pattern's notation
	Format func(block, house string) string
	// groups maps regex submatches to a raw block and house number
	groups func(m []string) (block, house string)
}

func splitGroups(m []string) (string, string) {
	return m[1] + m[2], m[3]
}

func wholeGroups(m []string) (string, string) {
	return m[1], m[2]
}

// AddressPatterns lists the extraction patterns in priority order. Patterns
// run on upper-cased text. Block digits are optional so that letter-only
// blocks such as "A/5" resolve.
var AddressPatterns = []AddressPattern{
	{
		Name:       "blok-nomor",
		Regex:      regexp.MustCompile(`BLOK\s*([A-Z]{1,2})\s*-?\s*(\d{0,3})\s*(?:NO\.?|NOMOR)\s*(\d{1,4}[A-Z]?)`),
		Confidence: 0.95,
		Format:     func(b, h string) string { return fmt.Sprintf("Blok %s No. %s", b, h) },
		groups:     splitGroups,
	},
	{
		Name:       "slash",
		Regex:      regexp.MustCompile(`\b([A-Z]{1,2})\s*-?\s*(\d{0,3})\s*/\s*(\d{1,4}[A-Z]?)\b`),
		Confidence: 0.9,
		Format:     func(b, h string) string { return fmt.Sprintf("%s/%s", b, h) },
		groups:     splitGroups,
	},
	{
		Name:       "nomor",
		Regex:      regexp.MustCompile(`\b([A-Z]{1,2})\s*-?\s*(\d{0,3})\s+(?:NO\.?|NOMOR)\s*(\d{1,4}[A-Z]?)\b`),
		Confidence: 0.88,
		Format:     func(b, h string) string { return fmt.Sprintf("%s nomor %s", b, h) },
		groups:     splitGroups,
	},
	{
		Name:       "hyphen",
		Regex:      regexp.MustCompile(`\b([A-Z]{1,2})(\d{0,3})\s*-\s*(\d{1,4}[A-Z]?)\b`),
		Confidence: 0.85,
		Format:     func(b, h string) string { return fmt.Sprintf("%s-%s", b, h) },
		groups:     splitGroups,
	},
	{
		Name:       "cluster",
		Regex:      regexp.MustCompile(`CLUSTER\s+([A-Z]+)\s+(?:NO\.?\s*)?(\d{1,4}[A-Z]?)`),
		Confidence: 0.8,
		Format:     func(b, h string) string { return fmt.Sprintf("Cluster %s No %s", b, h) },
		groups:     wholeGroups,
	},
	{
		Name:       "blok",
		Regex:      regexp.MustCompile(`BLOK\s*([A-Z]{1,2}\d{0,3})\s+(\d{1,4}[A-Z]?)\b`),
		Confidence: 0.75,
		Format:     func(b, h string) string { return fmt.Sprintf("blok %s %s", b, h) },
		groups:     wholeGroups,
	},
}

var rtrwPattern = regexp.MustCompile(`RT\s*\.?\s*0*(\d{1,3})\s*/?\s*RW\s*\.?\s*0*(\d{1,3})`)

// ExtractedAddress is a normalized (block, house) pair found in text
type ExtractedAddress struct {
	Block      string
	House      string
	Pattern    string
	Confidence float64
}

// Key returns the lookup key of the extracted address
func (a ExtractedAddress) Key() string {
	return models.AddressKey(a.Block, a.House)
}

// AddressMatch is a resident resolved from an address in a description
type AddressMatch struct {
	Resident   *models.Resident
	Address    ExtractedAddress
	Confidence float64
	Fuzzy      bool
	Score      float64
	RTRWMatch  bool
}

// ExtractAddresses returns every address found in text, pattern priority
// first, without duplicates. RT/RW spans and text already claimed by a
// higher priority pattern are not read again.
func ExtractAddresses(text string) []ExtractedAddress {
	work := []byte(strings.ToUpper(text))
	for _, loc := range rtrwPattern.FindAllIndex(work, -1) {
		blank(work, loc[0], loc[1])
	}

	seen := make(map[string]bool)
	var out []ExtractedAddress
	for _, p := range AddressPatterns {
		matches := p.Regex.FindAllSubmatchIndex(work, -1)
		for _, loc := range matches {
			m := make([]string, len(loc)/2)
			for i := range m {
				if loc[2*i] >= 0 {
					m[i] = string(work[loc[2*i]:loc[2*i+1]])
				}
			}
			block, house := p.groups(m)
			addr := ExtractedAddress{
				Block:      models.NormalizeBlock(block),
				House:      models.NormalizeHouseNumber(house),
				Pattern:    p.Name,
				Confidence: p.Confidence,
			}
			if addr.Block == "" || addr.House == "" || isZoneBlock(addr.Block) || seen[addr.Key()] {
				continue
			}
			seen[addr.Key()] = true
			out = append(out, addr)
		}
		for _, loc := range matches {
			blank(work, loc[0], loc[1])
		}
	}
	return out
}

// isZoneBlock reports blocks that are really RT or RW numbers, as in "RT 003/005"
func isZoneBlock(block string) bool {
	letters, _ := splitBlock(block)
	return letters == "RT" || letters == "RW"
}

func blank(b []byte, from, to int) {
	for i := from; i < to; i++ {
		b[i] = ' '
	}
}

// ExtractRTRW returns the RT and RW numbers found in text
func ExtractRTRW(text string) (rt, rw string, ok bool) {
	m := rtrwPattern.FindStringSubmatch(strings.ToUpper(text))
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// AddressMatcher resolves extracted addresses against a resident snapshot
type AddressMatcher struct {
	index  *ResidentIndex
	config AddressConfig
}

// NewAddressMatcher creates an address matcher over a resident index
func NewAddressMatcher(index *ResidentIndex, config *MatchingConfig) *AddressMatcher {
	return &AddressMatcher{index: index, config: config.Address}
}

// HasAddress reports whether the text contains a recognizable address that
// belongs to some active resident, exactly or fuzzily
func (am *AddressMatcher) HasAddress(text string) bool {
	return am.Match(text) != nil
}

// Match resolves the description to one resident. Exact address equality is
// tried for every extracted address before any fuzzy resolution. Addresses
// shared by several residents are ambiguous and never resolve.
func (am *AddressMatcher) Match(text string) *AddressMatch {
	addresses := ExtractAddresses(text)
	if len(addresses) == 0 {
		return nil
	}

	var match *AddressMatch
	for _, addr := range addresses {
		residents := am.index.FindByAddress(addr.Block, addr.House)
		if len(residents) == 1 {
			match = &AddressMatch{
				Resident:   residents[0],
				Address:    addr,
				Confidence: addr.Confidence,
				Score:      1,
			}
			break
		}
	}

	if match == nil {
		for _, addr := range addresses {
			if match = am.fuzzy(addr); match != nil {
				break
			}
		}
	}
	if match == nil {
		return nil
	}

	if rt, rw, ok := ExtractRTRW(text); ok {
		match.RTRWMatch = trimZeros(match.Resident.RT) == rt && trimZeros(match.Resident.RW) == rw
	}
	return match
}

// fuzzy scores every active resident against a partially matching address.
// Equal block scores 0.6 and a block sharing only its letters 0.3; equal
// house scores 0.4 and an off-by-one house 0.2.
func (am *AddressMatcher) fuzzy(addr ExtractedAddress) *AddressMatch {
	letters, _ := splitBlock(addr.Block)

	var best *models.Resident
	bestScore := 0.0
	tie := false
	for _, r := range am.index.Active {
		if r.Block == "" {
			continue
		}
		block := models.NormalizeBlock(r.Block)

		score := 0.0
		if block == addr.Block {
			score += 0.6
		} else if l, _ := splitBlock(block); l != "" && l == letters {
			score += 0.3
		} else {
			continue
		}

		house := models.NormalizeHouseNumber(r.HouseNumber)
		if house == addr.House {
			score += 0.4
		} else if offByOne(house, addr.House) {
			score += 0.2
		}

		switch {
		case score > bestScore:
			best, bestScore, tie = r, score, false
		case score == bestScore:
			tie = true
		}
	}

	if best == nil || tie || bestScore < am.config.FuzzyMinScore {
		return nil
	}
	return &AddressMatch{
		Resident:   best,
		Address:    addr,
		Confidence: models.ClampConfidence(addr.Confidence*bestScore - am.config.FuzzyPenalty),
		Fuzzy:      true,
		Score:      bestScore,
	}
}

func splitBlock(block string) (letters, digits string) {
	i := strings.IndexFunc(block, func(r rune) bool { return r >= '0' && r <= '9' })
	if i < 0 {
		return block, ""
	}
	return block[:i], block[i:]
}

func offByOne(a, b string) bool {
	x, errA := strconv.Atoi(a)
	y, errB := strconv.Atoi(b)
	if errA != nil || errB != nil {
		return false
	}
	return x-y == 1 || y-x == 1
}

func trimZeros(s string) string {
	t := strings.TrimLeft(strings.TrimSpace(s), "0")
	if t == "" && s != "" {
		return "0"
	}
	return t
}
