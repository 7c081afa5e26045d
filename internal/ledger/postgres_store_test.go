//go:build integration

package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowbot/internal/testutil"
)

func setupPG(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func pgWallet(t *testing.T, store *PostgresStore, id string, owner int64, currency string) *Wallet {
	t.Helper()
	now := time.Now()
	w := &Wallet{
		ID:        id,
		OwnerID:   owner,
		Currency:  currency,
		Address:   "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
		KeyHandle: "kh-" + id,
		Kind:      KindSingle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.Create(context.Background(), w))
	return w
}

func TestPostgres_CreateAndGet(t *testing.T) {
	store, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	w := pgWallet(t, store, "wal_1", 1, "BTC")

	got, err := store.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.OwnerID)
	assert.Equal(t, "kh-wal_1", got.KeyHandle)
	assert.True(t, got.Available.IsZero())
	assert.Nil(t, got.PublicKeys)

	byOwner, err := store.GetByOwner(ctx, 1, "BTC")
	require.NoError(t, err)
	assert.Equal(t, w.ID, byOwner.ID)

	_, err = store.Get(ctx, "wal_missing")
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestPostgres_UniqueOwnerCurrency(t *testing.T) {
	store, cleanup := setupPG(t)
	defer cleanup()

	pgWallet(t, store, "wal_1", 1, "BTC")
	err := store.Create(context.Background(), &Wallet{
		ID: "wal_2", OwnerID: 1, Currency: "BTC", Address: "x", Kind: KindSingle,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	assert.ErrorIs(t, err, ErrWalletExists)
}

func TestPostgres_Multisig(t *testing.T) {
	store, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now()
	w := &Wallet{
		ID: "wal_ms", OwnerID: 3, Currency: "BTC", Address: "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
		Kind: KindMultisig, M: 2, N: 3, PublicKeys: []string{"02a", "02b", "02c"},
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.Create(ctx, w))

	got, err := store.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, KindMultisig, got.Kind)
	assert.Equal(t, 2, got.M)
	assert.Equal(t, []string{"02a", "02b", "02c"}, got.PublicKeys)
}

func TestPostgres_DebitAndCredit(t *testing.T) {
	store, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	w := pgWallet(t, store, "wal_1", 1, "BTC")
	require.NoError(t, store.CreditAvailable(ctx, w.ID, dec("10"), "ent_1", "fund"))
	require.NoError(t, store.Debit(ctx, w.ID, dec("3.5"), "ent_2", "tx-1"))

	err := store.Debit(ctx, w.ID, dec("7"), "ent_3", "tx-2")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	err = store.Debit(ctx, "wal_missing", dec("1"), "ent_4", "tx-3")
	assert.ErrorIs(t, err, ErrWalletNotFound)

	got, _ := store.Get(ctx, w.ID)
	assert.True(t, got.Available.Equal(dec("6.5")), "got %s", got.Available)

	entries, err := store.History(ctx, w.ID, nil, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestPostgres_PendingLifecycle(t *testing.T) {
	store, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	w := pgWallet(t, store, "wal_s", 2, "BTC")

	require.NoError(t, store.CreditPending(ctx, 2, "BTC", dec("55"), "ent_1", "tx-1"))
	err := store.CreditPending(ctx, 9, "BTC", dec("1"), "ent_2", "tx-2")
	assert.ErrorIs(t, err, ErrRecipientWalletNotFound)

	err = store.ClearPending(ctx, 2, "BTC", dec("56"), "ent_3", "tx-1")
	assert.ErrorIs(t, err, ErrInsufficientPending)

	require.NoError(t, store.SettlePending(ctx, 2, "BTC", dec("55"), dec("52.25"), "ent_4", "tx-1"))
	got, _ := store.Get(ctx, w.ID)
	assert.True(t, got.Pending.IsZero())
	assert.True(t, got.Available.Equal(dec("52.25")))
}

func TestPostgres_RaiseAvailable(t *testing.T) {
	store, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	w := pgWallet(t, store, "wal_1", 1, "BTC")
	require.NoError(t, store.CreditAvailable(ctx, w.ID, dec("10"), "ent_1", "fund"))

	changed, err := store.RaiseAvailable(ctx, w.ID, dec("8"), "ent_2", "reconcile")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = store.RaiseAvailable(ctx, w.ID, dec("12"), "ent_3", "reconcile")
	require.NoError(t, err)
	assert.True(t, changed)

	got, _ := store.Get(ctx, w.ID)
	assert.True(t, got.Available.Equal(dec("12")))

	entries, _ := store.History(ctx, w.ID, nil, 1)
	require.Len(t, entries, 1)
	assert.Equal(t, EntryReconcile, entries[0].Type)
	assert.True(t, entries[0].Amount.Equal(dec("2")))

	_, err = store.RaiseAvailable(ctx, "wal_missing", dec("1"), "ent_4", "reconcile")
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestPostgres_ConcurrentDebits(t *testing.T) {
	store, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	w := pgWallet(t, store, "wal_1", 1, "BTC")
	require.NoError(t, store.CreditAvailable(ctx, w.ID, dec("10"), "ent_fund", "fund"))

	var ok atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Debit(ctx, w.ID, dec("3"), newEntryID(), "race")
			if err == nil {
				ok.Add(1)
			} else if !errors.Is(err, ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(3), ok.Load())
	got, _ := store.Get(ctx, w.ID)
	assert.True(t, got.Available.Equal(dec("1")), "got %s", got.Available)
}
