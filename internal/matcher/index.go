package matcher

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dues-reconciliation-service/internal/models"
	"dues-reconciliation-service/pkg/errors"
)

// ResidentIndex provides lookups over a snapshot of active residents
type ResidentIndex struct {
	// ByID maps resident ids to residents, inactive ones included
	ByID map[string]*models.Resident

	// ByPaymentIndex maps payment indexes to active residents
	ByPaymentIndex map[int]*models.Resident

	// ByAddress maps normalized "BLOCK/HOUSE" keys to active residents
	ByAddress map[string][]*models.Resident

	// ByBlock maps normalized blocks to active residents
	ByBlock map[string][]*models.Resident

	// Active holds the active residents sorted by id
	Active []*models.Resident
}

// NewResidentIndex builds the index and enforces that payment indexes are
// unique among active residents. Residents without an explicit index get the
// derived one when it is free.
func NewResidentIndex(residents []*models.Resident) (*ResidentIndex, error) {
	index := &ResidentIndex{
		ByID:           make(map[string]*models.Resident, len(residents)),
		ByPaymentIndex: make(map[int]*models.Resident),
		ByAddress:      make(map[string][]*models.Resident),
		ByBlock:        make(map[string][]*models.Resident),
	}

	var pending []*models.Resident
	for _, src := range residents {
		r := src.Clone()
		if err := r.Validate(); err != nil {
			return nil, errors.ValidationError(errors.CodeInvalidData, "resident", r.ID, err)
		}
		index.ByID[r.ID] = r
		if !r.Active {
			continue
		}

		index.Active = append(index.Active, r)
		if r.Block != "" {
			key := r.AddressKey()
			index.ByAddress[key] = append(index.ByAddress[key], r)
			block := models.NormalizeBlock(r.Block)
			index.ByBlock[block] = append(index.ByBlock[block], r)
		}

		if r.PaymentIndex == 0 {
			pending = append(pending, r)
			continue
		}
		if existing, ok := index.ByPaymentIndex[r.PaymentIndex]; ok {
			return nil, errors.ValidationError(errors.CodeDuplicateIndex,
				existing.ID+","+r.ID, r.PaymentIndex, nil)
		}
		index.ByPaymentIndex[r.PaymentIndex] = r
	}

	// explicit indexes win over derived ones
	for _, r := range pending {
		derived, ok := models.DerivePaymentIndex(r.Block, r.HouseNumber)
		if !ok {
			continue
		}
		if _, taken := index.ByPaymentIndex[derived]; taken {
			continue
		}
		r.PaymentIndex = derived
		index.ByPaymentIndex[derived] = r
	}

	sort.Slice(index.Active, func(i, j int) bool {
		return index.Active[i].ID < index.Active[j].ID
	})

	return index, nil
}

// Get returns a resident by id
func (ri *ResidentIndex) Get(id string) (*models.Resident, bool) {
	r, ok := ri.ByID[id]
	return r, ok
}

// FindByPaymentIndex returns the active resident owning a payment index
func (ri *ResidentIndex) FindByPaymentIndex(paymentIndex int) (*models.Resident, bool) {
	r, ok := ri.ByPaymentIndex[paymentIndex]
	return r, ok
}

// FindByAddress returns active residents registered at an address
func (ri *ResidentIndex) FindByAddress(block, house string) []*models.Resident {
	return ri.ByAddress[models.AddressKey(block, house)]
}

// FindByBlock returns active residents registered in a block
func (ri *ResidentIndex) FindByBlock(block string) []*models.Resident {
	return ri.ByBlock[models.NormalizeBlock(block)]
}

// Blocks returns every normalized block with at least one active resident
func (ri *ResidentIndex) Blocks() []string {
	blocks := make([]string, 0, len(ri.ByBlock))
	for b := range ri.ByBlock {
		blocks = append(blocks, b)
	}
	sort.Strings(blocks)
	return blocks
}

// NameTokens returns the set of upper-case tokens of all registered names
// and verified aliases.
func (ri *ResidentIndex) NameTokens() map[string]bool {
	tokens := make(map[string]bool)
	for _, r := range ri.Active {
		for _, f := range strings.Fields(normalizeName(r.Name)) {
			tokens[f] = true
		}
		for _, a := range r.VerifiedAliases() {
			for _, f := range strings.Fields(normalizeName(a.Name)) {
				tokens[f] = true
			}
		}
	}
	return tokens
}

// Len returns the number of active residents
func (ri *ResidentIndex) Len() int {
	return len(ri.Active)
}

// IndexStats provides statistics about a resident index
type IndexStats struct {
	TotalResidents  int `json:"total_residents"`
	ActiveResidents int `json:"active_residents"`
	IndexedPayments int `json:"indexed_payments"`
	UniqueAddresses int `json:"unique_addresses"`
	UniqueBlocks    int `json:"unique_blocks"`
}

// Stats returns statistics about the index
func (ri *ResidentIndex) Stats() IndexStats {
	return IndexStats{
		TotalResidents:  len(ri.ByID),
		ActiveResidents: len(ri.Active),
		IndexedPayments: len(ri.ByPaymentIndex),
		UniqueAddresses: len(ri.ByAddress),
		UniqueBlocks:    len(ri.ByBlock),
	}
}

// PaymentIndex is an in-memory payment lookup sorted by amount, used by the
// in-memory repository and by tests.
type PaymentIndex struct {
	entries []*paymentEntry
}

type paymentEntry struct {
	Amount   decimal.Decimal
	Payments []*models.Payment
}

// NewPaymentIndex creates a payment index from a slice of payments
func NewPaymentIndex(payments []*models.Payment) *PaymentIndex {
	byAmount := make(map[string]*paymentEntry)
	for _, p := range payments {
		key := p.Amount.String()
		if entry, ok := byAmount[key]; ok {
			entry.Payments = append(entry.Payments, p)
		} else {
			byAmount[key] = &paymentEntry{Amount: p.Amount, Payments: []*models.Payment{p}}
		}
	}

	pi := &PaymentIndex{entries: make([]*paymentEntry, 0, len(byAmount))}
	for _, e := range byAmount {
		sort.Slice(e.Payments, func(i, j int) bool {
			return e.Payments[i].PaymentDate.Before(e.Payments[j].PaymentDate)
		})
		pi.entries = append(pi.entries, e)
	}
	sort.Slice(pi.entries, func(i, j int) bool {
		return pi.entries[i].Amount.LessThan(pi.entries[j].Amount)
	})
	return pi
}

// Find returns payments satisfying a query, ordered by payment date
func (pi *PaymentIndex) Find(q models.PaymentQuery) []*models.Payment {
	i := sort.Search(len(pi.entries), func(i int) bool {
		return pi.entries[i].Amount.GreaterThanOrEqual(q.Amount)
	})
	if i == len(pi.entries) || !pi.entries[i].Amount.Equal(q.Amount) {
		return nil
	}

	var out []*models.Payment
	for _, p := range pi.entries[i].Payments {
		if q.Matches(p) {
			out = append(out, p)
		}
	}
	return out
}

// ClosestPayment picks the payment whose date is nearest to date
func ClosestPayment(payments []*models.Payment, date time.Time) *models.Payment {
	var best *models.Payment
	var bestDiff time.Duration
	for _, p := range payments {
		diff := p.PaymentDate.Sub(date)
		if diff < 0 {
			diff = -diff
		}
		if best == nil || diff < bestDiff {
			best, bestDiff = p, diff
		}
	}
	return best
}
