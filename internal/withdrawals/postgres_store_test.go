//go:build integration

package withdrawals

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowbot/internal/idgen"
	"github.com/mbd888/escrowbot/internal/ledger"
	"github.com/mbd888/escrowbot/internal/testutil"
)

func setupPG(t *testing.T) (*PostgresStore, string, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)

	now := time.Now()
	w := &ledger.Wallet{
		ID:        idgen.WithPrefix("wal_"),
		OwnerID:   userID,
		Currency:  "BTC",
		Address:   destBTC,
		KeyHandle: "kh_test",
		Kind:      ledger.KindSingle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, ledger.NewPostgresStore(db).Create(context.Background(), w))
	return NewPostgresStore(db), w.ID, cleanup
}

func pgWithdrawal(walletID string, createdAt time.Time) *Withdrawal {
	return &Withdrawal{
		ID:        idgen.WithPrefix("wd_"),
		UserID:    userID,
		WalletID:  walletID,
		Currency:  "BTC",
		Amount:    decimal.RequireFromString("0.12345678"),
		ToAddress: destBTC,
		Status:    StatusPending,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestPostgres_CreateAndFinish(t *testing.T) {
	store, walletID, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	w := pgWithdrawal(walletID, time.Now())
	require.NoError(t, store.Create(ctx, w))

	got, err := store.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(w.Amount))
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.TxID)

	require.NoError(t, store.Complete(ctx, w.ID, "deadbeef", time.Now()))
	assert.ErrorIs(t, store.Fail(ctx, w.ID, "late", time.Now()), ErrStatusConflict)
	assert.ErrorIs(t, store.Complete(ctx, "wd_missing", "x", time.Now()), ErrWithdrawalNotFound)

	got, err = store.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
	assert.Equal(t, "deadbeef", got.TxID)
}

func TestPostgres_RecordAttempt(t *testing.T) {
	store, walletID, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	w := pgWithdrawal(walletID, time.Now())
	require.NoError(t, store.Create(ctx, w))

	require.NoError(t, store.RecordAttempt(ctx, w.ID, "broadcast failed: timeout", time.Now()))
	got, err := store.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "broadcast failed: timeout", got.Error)

	require.NoError(t, store.Complete(ctx, w.ID, "cafebabe", time.Now()))
	got, err = store.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
	assert.Empty(t, got.Error)

	assert.ErrorIs(t, store.RecordAttempt(ctx, w.ID, "late", time.Now()), ErrStatusConflict)
	assert.ErrorIs(t, store.RecordAttempt(ctx, "wd_missing", "x", time.Now()), ErrWithdrawalNotFound)
}

func TestPostgres_ListByUser(t *testing.T) {
	store, walletID, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	var ids []string
	for i := 0; i < 3; i++ {
		w := pgWithdrawal(walletID, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.Create(ctx, w))
		ids = append(ids, w.ID)
	}
	require.NoError(t, store.Fail(ctx, ids[0], "rejected", time.Now()))

	ws, err := store.ListByUser(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, ws, 3)
	assert.Equal(t, ids[2], ws[0].ID, "newest first")
	assert.Equal(t, StatusFailed, ws[2].Status)
	assert.Equal(t, "rejected", ws[2].Error)
}
