//go:build integration

package escrow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowbot/internal/idgen"
	"github.com/mbd888/escrowbot/internal/testutil"
)

func setupPG(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func pgTx(t *testing.T, store *PostgresStore, buyer, seller int64, handle string, createdAt time.Time) *Transaction {
	t.Helper()
	tx := &Transaction{
		ID:              idgen.New(),
		BuyerID:         buyer,
		SellerID:        seller,
		RecipientHandle: handle,
		Currency:        "BTC",
		RequestedAmount: dec("10"),
		GrossAmount:     dec("10.5"),
		FeeAmount:       dec("0.5"),
		Status:          StatusPending,
		SourceWalletID:  "wal_src",
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
	require.NoError(t, store.Create(context.Background(), tx))
	return tx
}

func TestPostgres_CreateGet(t *testing.T) {
	store, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	tx := pgTx(t, store, 1, 2, "", time.Now())

	got, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.SellerID)
	assert.Empty(t, got.RecipientHandle)
	assert.True(t, got.GrossAmount.Equal(dec("10.5")))
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.PayoutClaimedAt)

	handleTx := pgTx(t, store, 1, 0, "Bob", time.Now())
	got, err = store.Get(ctx, handleTx.ID)
	require.NoError(t, err)
	assert.Zero(t, got.SellerID)
	assert.Equal(t, "Bob", got.RecipientHandle)

	_, err = store.Get(ctx, idgen.New())
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestPostgres_RecipientConstraint(t *testing.T) {
	store, cleanup := setupPG(t)
	defer cleanup()

	now := time.Now()
	bad := &Transaction{
		ID: idgen.New(), BuyerID: 1, SellerID: 2, RecipientHandle: "bob", Currency: "BTC",
		RequestedAmount: dec("1"), GrossAmount: dec("1"), FeeAmount: dec("0"),
		Status: StatusPending, SourceWalletID: "wal_src", CreatedAt: now, UpdatedAt: now,
	}
	assert.Error(t, store.Create(context.Background(), bad), "seller and handle are mutually exclusive")
}

func TestPostgres_Transition(t *testing.T) {
	store, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	tx := pgTx(t, store, 1, 2, "", time.Now())
	now := time.Now()

	require.NoError(t, store.Transition(ctx, tx.ID, StatusPending, StatusCompleted, Finalize{CompletedAt: &now, OnchainTxID: "abc"}))
	assert.ErrorIs(t, store.Transition(ctx, tx.ID, StatusPending, StatusDisputed, Finalize{}), ErrStatusConflict)
	assert.ErrorIs(t, store.Transition(ctx, idgen.New(), StatusPending, StatusDisputed, Finalize{}), ErrTransactionNotFound)

	got, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "abc", got.OnchainTxID)
	require.NotNil(t, got.CompletedAt)
}

func TestPostgres_ConcurrentTransitionSingleWinner(t *testing.T) {
	store, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	tx := pgTx(t, store, 1, 2, "", time.Now())

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for _, to := range []Status{StatusCompleted, StatusDisputed, StatusExpired, StatusCompleted} {
		wg.Add(1)
		go func(to Status) {
			defer wg.Done()
			if store.Transition(ctx, tx.ID, StatusPending, to, Finalize{}) == nil {
				wins.Add(1)
			}
		}(to)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestPostgres_PayoutClaim(t *testing.T) {
	store, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	tx := pgTx(t, store, 1, 2, "", time.Now())
	now := time.Now()

	require.NoError(t, store.ClaimPayout(ctx, tx.ID, StatusPending, now, now.Add(-payoutClaimTTL)))
	assert.ErrorIs(t, store.ClaimPayout(ctx, tx.ID, StatusPending, now, now.Add(-payoutClaimTTL)), ErrPayoutInProgress)
	assert.ErrorIs(t, store.ClaimPayout(ctx, tx.ID, StatusDisputed, now, now.Add(-payoutClaimTTL)), ErrStatusConflict)

	// Claimed rows are never expired.
	ok, err := store.ExpireOne(ctx, tx.ID, now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	// Stale claims can be retaken.
	later := now.Add(payoutClaimTTL + time.Minute)
	require.NoError(t, store.ClaimPayout(ctx, tx.ID, StatusPending, later, later.Add(-payoutClaimTTL)))

	require.NoError(t, store.ReleaseClaim(ctx, tx.ID))
	got, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PayoutClaimedAt)
}

func TestPostgres_ExpireBefore(t *testing.T) {
	store, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now()
	old := pgTx(t, store, 1, 2, "", now.Add(-25*time.Hour))
	young := pgTx(t, store, 1, 2, "", now.Add(-23*time.Hour))

	expired, err := store.ExpireBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, old.ID, expired[0].ID)
	assert.Equal(t, StatusExpired, expired[0].Status)

	got, err := store.Get(ctx, young.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	expired, err = store.ExpireBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestPostgres_LinkUnlink(t *testing.T) {
	store, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	tx := pgTx(t, store, 1, 0, "Bob", time.Now())

	list, err := store.ListUnlinked(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, list, 1)

	ok, err := store.LinkSeller(ctx, tx.ID, "BOB", 7)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.LinkSeller(ctx, tx.ID, "bob", 8)
	require.NoError(t, err)
	assert.False(t, ok, "second link must lose")

	sum, err := store.PendingGross(ctx, 7, "BTC")
	require.NoError(t, err)
	assert.True(t, sum.Equal(dec("10.5")))

	require.NoError(t, store.UnlinkSeller(ctx, tx.ID, 7, "Bob"))
	assert.ErrorIs(t, store.UnlinkSeller(ctx, tx.ID, 7, "Bob"), ErrStatusConflict)

	got, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Zero(t, got.SellerID)
	assert.Equal(t, "Bob", got.RecipientHandle)
}

func TestPostgres_Queries(t *testing.T) {
	store, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now()
	first := pgTx(t, store, 1, 2, "", now.Add(-time.Hour))
	second := pgTx(t, store, 1, 3, "", now)
	pgTx(t, store, 4, 5, "", now)

	list, err := store.ListByUser(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)

	latest, err := store.LatestPending(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	n, err := store.CountOpen(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, store.Transition(ctx, first.ID, StatusPending, StatusDisputed, Finalize{}))
	n, err = store.CountOpen(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "disputed is still open")

	sum, err := store.PendingGross(ctx, 2, "BTC")
	require.NoError(t, err)
	assert.True(t, sum.IsZero())

	_, err = store.LatestPending(ctx, 9)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}
