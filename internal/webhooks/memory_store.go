package webhooks

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func copySub(s *Subscription) *Subscription {
	cp := *s
	cp.Events = append([]EventType(nil), s.Events...)
	if s.LastSuccess != nil {
		at := *s.LastSuccess
		cp.LastSuccess = &at
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = copySub(sub)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return copySub(sub), nil
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) List(ctx context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		result = append(result, copySub(sub))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Active && sub.wants(eventType) {
			result = append(result, copySub(sub))
		}
	}
	return result, nil
}

func (m *MemoryStore) RecordResult(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.subs[sub.ID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	cur.Active = sub.Active
	cur.LastError = sub.LastError
	cur.ConsecutiveFailures = sub.ConsecutiveFailures
	if sub.LastSuccess != nil {
		at := *sub.LastSuccess
		cur.LastSuccess = &at
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(m.subs, id)
	return nil
}
