package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"tickrelay/internal/domain"
)

// Compile-time interface check.
var _ OrderStore = (*MemoryStore)(nil)

// MemoryStore is an OrderStore that keeps the most recent records in
// memory. It is used when no database path is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	max     int
	order   []string // intent IDs, oldest first
	records map[string]*OrderRecord
}

// NewMemoryStore creates a MemoryStore retaining at most max records
// (default 1000).
func NewMemoryStore(max int) *MemoryStore {
	if max <= 0 {
		max = 1000
	}
	return &MemoryStore{max: max, records: make(map[string]*OrderRecord)}
}

// SaveIntent records intent as pending, evicting the oldest record when full.
func (m *MemoryStore) SaveIntent(_ context.Context, intent domain.TradeIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[intent.ID]; ok {
		return nil
	}
	r := RecordFromIntent(intent)
	m.records[r.ID] = &r
	m.order = append(m.order, r.ID)
	if len(m.order) > m.max {
		delete(m.records, m.order[0])
		m.order = m.order[1:]
	}
	return nil
}

// SaveResult updates the record for res.TradeIntentID.
func (m *MemoryStore) SaveResult(_ context.Context, res domain.OrderResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[res.TradeIntentID]
	if !ok {
		return fmt.Errorf("updating order %s: %w", res.TradeIntentID, ErrNotFound)
	}
	r.Status = res.Status
	r.BrokerOrderID = res.BrokerOrderID
	r.Reason = res.Reason
	r.UpdatedAt = res.At
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	return nil
}

// GetOrder returns a copy of the record for id.
func (m *MemoryStore) GetOrder(_ context.Context, id string) (*OrderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// ListOrders returns records newest first.
func (m *MemoryStore) ListOrders(_ context.Context, status domain.OrderStatus, limit int) ([]OrderRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []OrderRecord
	for _, id := range slices.Backward(m.order) {
		r := m.records[id]
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, *r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
