package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowbot/internal/pagination"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
// A single mutex makes every check-and-mutate atomic.
type MemoryStore struct {
	wallets map[string]*Wallet
	byOwner map[ownerKey]string
	entries []*Entry
	mu      sync.RWMutex
}

type ownerKey struct {
	owner    int64
	currency string
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
		byOwner: make(map[ownerKey]string),
		entries: make([]*Entry, 0),
	}
}

func copyWallet(w *Wallet) *Wallet {
	cp := *w
	if w.PublicKeys != nil {
		cp.PublicKeys = append([]string(nil), w.PublicKeys...)
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ownerKey{w.OwnerID, w.Currency}
	if _, ok := m.byOwner[key]; ok {
		return ErrWalletExists
	}
	m.wallets[w.ID] = copyWallet(w)
	m.byOwner[key] = w.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return copyWallet(w), nil
}

func (m *MemoryStore) GetByOwner(ctx context.Context, ownerID int64, currency string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOwner[ownerKey{ownerID, currency}]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return copyWallet(m.wallets[id]), nil
}

func (m *MemoryStore) ListByOwner(ctx context.Context, ownerID int64) ([]*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Wallet
	for _, w := range m.wallets {
		if w.OwnerID == ownerID {
			result = append(result, copyWallet(w))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Currency < result[j].Currency })
	return result, nil
}

func (m *MemoryStore) ListAfter(ctx context.Context, afterID string, limit int) ([]*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.wallets))
	for id := range m.wallets {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}

	result := make([]*Wallet, 0, len(ids))
	for _, id := range ids {
		result = append(result, copyWallet(m.wallets[id]))
	}
	return result, nil
}

// record appends an entry and stamps the wallet. Caller must hold m.mu.
func (m *MemoryStore) record(w *Wallet, typ string, amount decimal.Decimal, entryID, reference string) {
	now := time.Now()
	w.UpdatedAt = now
	m.entries = append(m.entries, &Entry{
		ID:        entryID,
		WalletID:  w.ID,
		Type:      typ,
		Amount:    amount,
		Reference: reference,
		CreatedAt: now,
	})
}

func (m *MemoryStore) Debit(ctx context.Context, id string, amount decimal.Decimal, entryID, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	if w.Available.LessThan(amount) {
		return ErrInsufficientFunds
	}
	w.Available = w.Available.Sub(amount)
	m.record(w, EntryDebit, amount, entryID, reference)
	return nil
}

func (m *MemoryStore) CreditAvailable(ctx context.Context, id string, amount decimal.Decimal, entryID, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	w.Available = w.Available.Add(amount)
	m.record(w, EntryCreditAvailable, amount, entryID, reference)
	return nil
}

func (m *MemoryStore) CreditPending(ctx context.Context, ownerID int64, currency string, amount decimal.Decimal, entryID, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byOwner[ownerKey{ownerID, currency}]
	if !ok {
		return ErrRecipientWalletNotFound
	}
	w := m.wallets[id]
	w.Pending = w.Pending.Add(amount)
	m.record(w, EntryCreditPending, amount, entryID, reference)
	return nil
}

func (m *MemoryStore) ClearPending(ctx context.Context, ownerID int64, currency string, amount decimal.Decimal, entryID, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byOwner[ownerKey{ownerID, currency}]
	if !ok {
		return ErrWalletNotFound
	}
	w := m.wallets[id]
	if w.Pending.LessThan(amount) {
		return ErrInsufficientPending
	}
	w.Pending = w.Pending.Sub(amount)
	m.record(w, EntryClearPending, amount, entryID, reference)
	return nil
}

func (m *MemoryStore) SettlePending(ctx context.Context, ownerID int64, currency string, gross, share decimal.Decimal, entryID, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byOwner[ownerKey{ownerID, currency}]
	if !ok {
		return ErrWalletNotFound
	}
	w := m.wallets[id]
	if w.Pending.LessThan(gross) {
		return ErrInsufficientPending
	}
	w.Pending = w.Pending.Sub(gross)
	w.Available = w.Available.Add(share)
	m.record(w, EntrySettle, share, entryID, reference)
	return nil
}

func (m *MemoryStore) RaiseAvailable(ctx context.Context, id string, observed decimal.Decimal, entryID, reference string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[id]
	if !ok {
		return false, ErrWalletNotFound
	}
	if !observed.GreaterThan(w.Available) {
		return false, nil
	}
	delta := observed.Sub(w.Available)
	w.Available = observed
	m.record(w, EntryReconcile, delta, entryID, reference)
	return true, nil
}

func (m *MemoryStore) History(ctx context.Context, id string, before *pagination.Cursor, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.wallets[id]; !ok {
		return nil, ErrWalletNotFound
	}

	// entries are in insertion order; a cursor resumes after its entry
	skipping := before != nil
	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.entries[i]
		if e.WalletID != id {
			continue
		}
		if skipping {
			if e.ID == before.ID {
				skipping = false
			}
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
