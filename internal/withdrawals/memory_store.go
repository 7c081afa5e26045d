package withdrawals

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory withdrawal store for development mode.
type MemoryStore struct {
	withdrawals map[string]*Withdrawal
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory withdrawal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		withdrawals: make(map[string]*Withdrawal),
	}
}

func (m *MemoryStore) Create(ctx context.Context, w *Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *w
	m.withdrawals[w.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID int64, limit int) ([]*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Withdrawal
	for _, w := range m.withdrawals {
		if w.UserID == userID {
			cp := *w
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Complete(ctx context.Context, id, txid string, at time.Time) error {
	return m.finish(id, at, func(w *Withdrawal) {
		w.Status = StatusSent
		w.TxID = txid
		w.Error = ""
	})
}

func (m *MemoryStore) Fail(ctx context.Context, id, reason string, at time.Time) error {
	return m.finish(id, at, func(w *Withdrawal) {
		w.Status = StatusFailed
		w.Error = reason
	})
}

func (m *MemoryStore) RecordAttempt(ctx context.Context, id, reason string, at time.Time) error {
	return m.finish(id, at, func(w *Withdrawal) {
		w.Error = reason
	})
}

func (m *MemoryStore) finish(id string, at time.Time, apply func(*Withdrawal)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return ErrWithdrawalNotFound
	}
	if w.Status != StatusPending {
		return ErrStatusConflict
	}
	apply(w)
	w.UpdatedAt = at
	return nil
}

var _ Store = (*MemoryStore)(nil)
