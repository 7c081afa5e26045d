package disputes

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/escrowbot/internal/escrow"
)

// MemoryStore is an in-memory dispute store for development mode.
type MemoryStore struct {
	disputes map[string]*Dispute
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
	}
}

func copyDispute(d *Dispute) *Dispute {
	cp := *d
	if d.ResolvedAt != nil {
		at := *d.ResolvedAt
		cp.ResolvedAt = &at
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.disputes {
		if existing.TransactionID == d.TransactionID && existing.Status == StatusOpen {
			return ErrAlreadyDisputed
		}
	}
	m.disputes[d.ID] = copyDispute(d)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return copyDispute(d), nil
}

func (m *MemoryStore) OpenFor(ctx context.Context, transactionID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes {
		if d.TransactionID == transactionID && d.Status == StatusOpen {
			return copyDispute(d), nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) ListByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.TransactionID == transactionID {
			result = append(result, copyDispute(d))
		}
	}
	sortOldestFirst(result)
	return result, nil
}

func (m *MemoryStore) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.Status == StatusOpen {
			result = append(result, copyDispute(d))
		}
	}
	sortOldestFirst(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Resolve(ctx context.Context, id string, resolution escrow.Status, notes string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return ErrDisputeNotFound
	}
	if d.Status != StatusOpen {
		return ErrNotOpen
	}
	d.Status = StatusResolved
	d.Resolution = resolution
	d.ResolutionNotes = notes
	d.ResolvedAt = &at
	return nil
}

func sortOldestFirst(ds []*Dispute) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].CreatedAt.Before(ds[j].CreatedAt) })
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
