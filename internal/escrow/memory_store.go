package escrow

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory transaction store for development mode.
type MemoryStore struct {
	txs map[string]*Transaction
	mu  sync.RWMutex
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs: make(map[string]*Transaction),
	}
}

// copyTx returns a copy that shares no pointers with the stored row.
func copyTx(t *Transaction) *Transaction {
	cp := *t
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		cp.CompletedAt = &at
	}
	if t.PayoutClaimedAt != nil {
		at := *t.PayoutClaimedAt
		cp.PayoutClaimedAt = &at
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txs[tx.ID] = copyTx(tx)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return copyTx(t), nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from, to Status, f Finalize) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txs[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if t.Status != from {
		return ErrStatusConflict
	}
	t.Status = to
	t.PayoutClaimedAt = nil
	if f.CompletedAt != nil {
		at := *f.CompletedAt
		t.CompletedAt = &at
	}
	if f.OnchainTxID != "" {
		t.OnchainTxID = f.OnchainTxID
	}
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ClaimPayout(ctx context.Context, id string, expected Status, now, staleBefore time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txs[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if t.Status != expected {
		return ErrStatusConflict
	}
	if t.PayoutClaimedAt != nil && t.PayoutClaimedAt.After(staleBefore) {
		return ErrPayoutInProgress
	}
	t.PayoutClaimedAt = &now
	return nil
}

func (m *MemoryStore) ReleaseClaim(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txs[id]
	if !ok {
		return ErrTransactionNotFound
	}
	t.PayoutClaimedAt = nil
	return nil
}

func (m *MemoryStore) expirable(t *Transaction, cutoff time.Time) bool {
	return t.Status == StatusPending && t.PayoutClaimedAt == nil && t.CreatedAt.Before(cutoff)
}

func (m *MemoryStore) ExpireOne(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txs[id]
	if !ok {
		return false, ErrTransactionNotFound
	}
	if !m.expirable(t, cutoff) {
		return false, nil
	}
	t.Status = StatusExpired
	t.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) ExpireBefore(ctx context.Context, cutoff time.Time) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Transaction
	for _, t := range m.txs {
		if m.expirable(t, cutoff) {
			t.Status = StatusExpired
			t.UpdatedAt = time.Now()
			result = append(result, copyTx(t))
		}
	}
	return result, nil
}

func (m *MemoryStore) ListUnlinked(ctx context.Context, handle string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.txs {
		if t.SellerID != 0 || !strings.EqualFold(t.RecipientHandle, handle) {
			continue
		}
		if t.Status == StatusPending || t.Status == StatusDisputed {
			result = append(result, copyTx(t))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) LinkSeller(ctx context.Context, id, handle string, sellerID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txs[id]
	if !ok {
		return false, ErrTransactionNotFound
	}
	if t.SellerID != 0 || !strings.EqualFold(t.RecipientHandle, handle) {
		return false, nil
	}
	if t.Status != StatusPending && t.Status != StatusDisputed {
		return false, nil
	}
	t.SellerID = sellerID
	t.RecipientHandle = ""
	t.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) UnlinkSeller(ctx context.Context, id string, sellerID int64, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txs[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if t.SellerID != sellerID {
		return ErrStatusConflict
	}
	t.SellerID = 0
	t.RecipientHandle = handle
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID int64, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.txs {
		if t.InvolvesUser(userID) {
			result = append(result, copyTx(t))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) PendingGross(ctx context.Context, sellerID int64, currency string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := decimal.Zero
	for _, t := range m.txs {
		if t.SellerID == sellerID && t.Currency == currency && t.Status == StatusPending {
			sum = sum.Add(t.GrossAmount)
		}
	}
	return sum, nil
}

func (m *MemoryStore) CountOpen(ctx context.Context, userID int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, t := range m.txs {
		if t.InvolvesUser(userID) && (t.Status == StatusPending || t.Status == StatusDisputed) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) LatestPending(ctx context.Context, buyerID int64) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Transaction
	for _, t := range m.txs {
		if t.BuyerID != buyerID || t.Status != StatusPending {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	if latest == nil {
		return nil, ErrTransactionNotFound
	}
	return copyTx(latest), nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
