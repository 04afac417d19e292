package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dues-reconciliation-service/internal/matcher"
	"dues-reconciliation-service/internal/models"
	"dues-reconciliation-service/pkg/errors"
)

// memoryState is the data held by a MemoryRepository
type memoryState struct {
	residents    map[string]*models.Resident
	payments     map[string]*models.Payment
	transactions map[string]*models.Transaction
	audit        []*models.AuditRecord
	learning     map[string]*models.LearningRecord
	rules        map[string]*models.RuleRecord
}

func newMemoryState() *memoryState {
	return &memoryState{
		residents:    make(map[string]*models.Resident),
		payments:     make(map[string]*models.Payment),
		transactions: make(map[string]*models.Transaction),
		learning:     make(map[string]*models.LearningRecord),
		rules:        make(map[string]*models.RuleRecord),
	}
}

// clone copies the maps. Stored values are never mutated in place, so
// sharing the pointers is safe.
func (s *memoryState) clone() *memoryState {
	c := newMemoryState()
	for k, v := range s.residents {
		c.residents[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.transactions {
		c.transactions[k] = v
	}
	c.audit = append([]*models.AuditRecord(nil), s.audit...)
	for k, v := range s.learning {
		c.learning[k] = v
	}
	for k, v := range s.rules {
		c.rules[k] = v
	}
	return c
}

// MemoryRepository is a Repository held in memory. It backs tests and dry
// runs; WithinTx restores the previous state when fn fails.
type MemoryRepository struct {
	mu       *sync.Mutex
	state    *memoryState
	payIndex *matcher.PaymentIndex
	inTx     bool
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{mu: &sync.Mutex{}, state: newMemoryState()}
}

func (m *MemoryRepository) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// Close is a no-op
func (m *MemoryRepository) Close() error { return nil }

// WithinTx runs fn with the repository locked and rolls back on error
func (m *MemoryRepository) WithinTx(ctx context.Context, fn func(Repository) error) error {
	if m.inTx {
		return fn(m)
	}
	if err := ctx.Err(); err != nil {
		return errors.StorageError(errors.CodeWriteFailed, "begin transaction", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	bound := &MemoryRepository{mu: m.mu, state: m.state, payIndex: m.payIndex, inTx: true}
	if err := fn(bound); err != nil {
		m.state = snapshot
		m.payIndex = nil
		return err
	}
	m.state = bound.state
	m.payIndex = bound.payIndex
	return nil
}

// ListActiveResidents returns active residents ordered by id
func (m *MemoryRepository) ListActiveResidents(_ context.Context) ([]*models.Resident, error) {
	defer m.lock()()
	var out []*models.Resident
	for _, r := range m.state.residents {
		if r.Active {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetResident returns one resident
func (m *MemoryRepository) GetResident(_ context.Context, id string) (*models.Resident, error) {
	defer m.lock()()
	r, ok := m.state.residents[id]
	if !ok {
		return nil, errors.NotFoundError("resident", id)
	}
	return r.Clone(), nil
}

// SaveResidents inserts or replaces residents
func (m *MemoryRepository) SaveResidents(_ context.Context, residents []*models.Resident) error {
	for _, r := range residents {
		if err := r.Validate(); err != nil {
			return errors.ValidationError(errors.CodeInvalidData, "resident", r.ID, err)
		}
	}
	defer m.lock()()
	for _, r := range residents {
		m.state.residents[r.ID] = r.Clone()
	}
	return nil
}

// SavePayments inserts or replaces payments
func (m *MemoryRepository) SavePayments(_ context.Context, payments []*models.Payment) error {
	for _, p := range payments {
		if err := p.Validate(); err != nil {
			return errors.ValidationError(errors.CodeInvalidData, "payment", p.ID, err)
		}
	}
	defer m.lock()()
	for _, p := range payments {
		c := *p
		c.ScheduleItemIDs = append([]string(nil), p.ScheduleItemIDs...)
		m.state.payments[p.ID] = &c
	}
	m.payIndex = nil
	return nil
}

// FindPayments returns payments of the query amount inside the window
func (m *MemoryRepository) FindPayments(_ context.Context, query models.PaymentQuery) ([]*models.Payment, error) {
	defer m.lock()()
	if m.payIndex == nil {
		all := make([]*models.Payment, 0, len(m.state.payments))
		for _, p := range m.state.payments {
			all = append(all, p)
		}
		m.payIndex = matcher.NewPaymentIndex(all)
	}
	found := m.payIndex.Find(query)
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].PaymentDate.Equal(found[j].PaymentDate) {
			return found[i].ID < found[j].ID
		}
		return found[i].PaymentDate.Before(found[j].PaymentDate)
	})
	return found, nil
}

// SaveTransactions inserts mutations whose id is not stored yet
func (m *MemoryRepository) SaveTransactions(_ context.Context, transactions []*models.Transaction) (int, error) {
	for _, tx := range transactions {
		if err := tx.Validate(); err != nil {
			return 0, errors.ValidationError(errors.CodeInvalidData, "transaction", tx.ID, err)
		}
	}
	defer m.lock()()
	now := time.Now()
	inserted := 0
	for _, tx := range transactions {
		if _, exists := m.state.transactions[tx.ID]; exists {
			continue
		}
		if tx.State == "" {
			tx.State = models.StateUnverified
		}
		if tx.CreatedAt.IsZero() {
			tx.CreatedAt = now
		}
		tx.UpdatedAt = now
		m.state.transactions[tx.ID] = tx.Clone()
		inserted++
	}
	return inserted, nil
}

// GetTransaction returns one mutation
func (m *MemoryRepository) GetTransaction(_ context.Context, id string) (*models.Transaction, error) {
	defer m.lock()()
	tx, ok := m.state.transactions[id]
	if !ok {
		return nil, errors.NotFoundError("transaction", id)
	}
	return tx.Clone(), nil
}

// ListTransactions returns mutations matching the filter ordered by date
func (m *MemoryRepository) ListTransactions(_ context.Context, filter TransactionFilter) ([]*models.Transaction, error) {
	defer m.lock()()
	var out []*models.Transaction
	for _, tx := range m.state.transactions {
		if matchesFilter(tx, filter) {
			out = append(out, tx.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].ID < out[j].ID
		}
		return out[i].Date.Before(out[j].Date)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdateTransaction replaces a stored mutation
func (m *MemoryRepository) UpdateTransaction(_ context.Context, tx *models.Transaction) error {
	if err := tx.Validate(); err != nil {
		return errors.ValidationError(errors.CodeInvalidData, "transaction", tx.ID, err)
	}
	defer m.lock()()
	existing, ok := m.state.transactions[tx.ID]
	if !ok {
		return errors.NotFoundError("transaction", tx.ID)
	}
	tx.UpdatedAt = time.Now()
	c := tx.Clone()
	c.CreatedAt = existing.CreatedAt
	m.state.transactions[tx.ID] = c
	return nil
}

// AppendAudit stores an audit record
func (m *MemoryRepository) AppendAudit(_ context.Context, record *models.AuditRecord) error {
	if err := record.Validate(); err != nil {
		return errors.ValidationError(errors.CodeInvalidData, "audit", record.ID, err)
	}
	defer m.lock()()
	for _, a := range m.state.audit {
		if a.ID == record.ID {
			return errors.StorageError(errors.CodeWriteFailed, "append audit",
				fmt.Errorf("audit record %s already exists", record.ID))
		}
	}
	c := *record
	m.state.audit = append(m.state.audit, &c)
	return nil
}

// ListAudit returns audit records oldest first
func (m *MemoryRepository) ListAudit(_ context.Context, transactionID string) ([]*models.AuditRecord, error) {
	defer m.lock()()
	var out []*models.AuditRecord
	for _, a := range m.state.audit {
		if transactionID == "" || a.TransactionID == transactionID {
			c := *a
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// LoadLearning returns every stored learning record
func (m *MemoryRepository) LoadLearning(_ context.Context) ([]*models.LearningRecord, error) {
	defer m.lock()()
	out := make([]*models.LearningRecord, 0, len(m.state.learning))
	for _, r := range m.state.learning {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResidentID < out[j].ResidentID })
	return out, nil
}

// SaveLearning inserts or replaces a learning record
func (m *MemoryRepository) SaveLearning(_ context.Context, record *models.LearningRecord) error {
	defer m.lock()()
	m.state.learning[record.ResidentID] = record.Clone()
	return nil
}

// ListRules returns stored custom rules ordered by priority
func (m *MemoryRepository) ListRules(_ context.Context) ([]*models.RuleRecord, error) {
	defer m.lock()()
	out := make([]*models.RuleRecord, 0, len(m.state.rules))
	for _, r := range m.state.rules {
		c := *r
		c.Tags = append([]string(nil), r.Tags...)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority == out[j].Priority {
			return out[i].ID < out[j].ID
		}
		return out[i].Priority < out[j].Priority
	})
	return out, nil
}

// SaveRule inserts or replaces a custom rule
func (m *MemoryRepository) SaveRule(_ context.Context, record *models.RuleRecord) error {
	defer m.lock()()
	c := *record
	c.Tags = append([]string(nil), record.Tags...)
	m.state.rules[record.ID] = &c
	return nil
}
