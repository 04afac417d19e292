package models

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	// MinPaymentIndex is the smallest assignable payment index
	MinPaymentIndex = 10
	// MaxPaymentIndex is the largest assignable payment index
	MaxPaymentIndex = 9999
)

// BankAlias is a name under which a resident's transfers appear on statements
type BankAlias struct {
	Name      string `json:"name"`
	Frequency int    `json:"frequency"`
	Verified  bool   `json:"verified"`
}

// Resident is a registered household that owes dues
type Resident struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Block        string      `json:"block"`
	HouseNumber  string      `json:"house_number"`
	RT           string      `json:"rt,omitempty"`
	RW           string      `json:"rw,omitempty"`
	Phone        string      `json:"phone,omitempty"`
	PaymentIndex int         `json:"payment_index"`
	Aliases      []BankAlias `json:"aliases,omitempty"`
	Active       bool        `json:"active"`
}

// Validate performs basic validation on the Resident
func (r *Resident) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("resident ID cannot be empty")
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("resident %s: name cannot be empty", r.ID)
	}
	if r.PaymentIndex != 0 && (r.PaymentIndex < MinPaymentIndex || r.PaymentIndex > MaxPaymentIndex) {
		return fmt.Errorf("resident %s: payment index %d outside %d-%d",
			r.ID, r.PaymentIndex, MinPaymentIndex, MaxPaymentIndex)
	}
	return nil
}

// AddressKey returns the normalized "BLOCK/HOUSE" key of the resident
func (r *Resident) AddressKey() string {
	return AddressKey(r.Block, r.HouseNumber)
}

// VerifiedAliases returns the aliases confirmed by an operator
func (r *Resident) VerifiedAliases() []BankAlias {
	var out []BankAlias
	for _, a := range r.Aliases {
		if a.Verified {
			out = append(out, a)
		}
	}
	return out
}

// Clone returns a deep copy of the resident
func (r *Resident) Clone() *Resident {
	c := *r
	c.Aliases = append([]BankAlias(nil), r.Aliases...)
	return &c
}

var blockPattern = regexp.MustCompile(`^([A-Z]+)0*(\d*)$`)

// NormalizeBlock upper-cases a block token and removes separators and
// leading zeros from its numeric part: "c-011" becomes "C11".
func NormalizeBlock(block string) string {
	b := strings.ToUpper(strings.TrimSpace(block))
	b = strings.NewReplacer(" ", "", "-", "", ".", "").Replace(b)
	if m := blockPattern.FindStringSubmatch(b); m != nil {
		return m[1] + m[2]
	}
	return b
}

// NormalizeHouseNumber removes whitespace and leading zeros: "09a" becomes "9A"
func NormalizeHouseNumber(house string) string {
	h := strings.ToUpper(strings.TrimSpace(house))
	h = strings.ReplaceAll(h, " ", "")
	i := 0
	for i < len(h)-1 && h[i] == '0' && h[i+1] >= '0' && h[i+1] <= '9' {
		i++
	}
	return h[i:]
}

// AddressKey builds the normalized lookup key for a block and house number
func AddressKey(block, house string) string {
	return NormalizeBlock(block) + "/" + NormalizeHouseNumber(house)
}

// DerivePaymentIndex computes the default payment index for an address as
// blockNumber*100 + houseNumber. Blocks without a number, or addresses whose
// index would fall outside the assignable range, need an explicit index.
func DerivePaymentIndex(block, house string) (int, bool) {
	m := blockPattern.FindStringSubmatch(NormalizeBlock(block))
	if m == nil || m[2] == "" {
		return 0, false
	}
	blockNumber, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, false
	}

	digits := strings.TrimRightFunc(NormalizeHouseNumber(house), func(r rune) bool {
		return r < '0' || r > '9'
	})
	houseNumber, err := strconv.Atoi(digits)
	if err != nil || houseNumber > 99 {
		return 0, false
	}

	index := blockNumber*100 + houseNumber
	if index < MinPaymentIndex || index > MaxPaymentIndex {
		return 0, false
	}
	return index, true
}
