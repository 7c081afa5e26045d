package users

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory user store for demo/development mode.
type MemoryStore struct {
	users    map[int64]*User
	byHandle map[string]int64 // lower-cased handle -> user ID
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory user store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[int64]*User),
		byHandle: make(map[string]int64),
	}
}

func (m *MemoryStore) Upsert(ctx context.Context, c Contact) (*User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	key := strings.ToLower(c.Handle)

	if key != "" {
		if holder, ok := m.byHandle[key]; ok && holder != c.ID {
			prev := m.users[holder]
			prev.Handle = ""
			prev.UpdatedAt = now
			delete(m.byHandle, key)
		}
	}

	u, exists := m.users[c.ID]
	if !exists {
		u = &User{ID: c.ID, Locale: c.Locale, CreatedAt: now}
		if u.Locale == "" {
			u.Locale = DefaultLocale
		}
		m.users[c.ID] = u
	}
	if old := strings.ToLower(u.Handle); old != "" && old != key {
		delete(m.byHandle, old)
	}
	u.Handle = c.Handle
	u.UpdatedAt = now
	if key != "" {
		m.byHandle[key] = c.ID
	}

	cp := *u
	return &cp, !exists, nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetByHandle(ctx context.Context, handle string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byHandle[strings.ToLower(handle)]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *m.users[id]
	return &cp, nil
}

func (m *MemoryStore) SetLocale(ctx context.Context, id int64, locale string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.Locale = locale
	u.UpdatedAt = time.Now()
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
