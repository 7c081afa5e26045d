//go:build integration

package disputes

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowbot/internal/escrow"
	"github.com/mbd888/escrowbot/internal/idgen"
	"github.com/mbd888/escrowbot/internal/testutil"
)

func setupPG(t *testing.T) (*PostgresStore, *escrow.PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), escrow.NewPostgresStore(db), cleanup
}

func pgTrade(t *testing.T, txs *escrow.PostgresStore) string {
	t.Helper()
	now := time.Now()
	tx := &escrow.Transaction{
		ID:              idgen.New(),
		BuyerID:         1,
		SellerID:        2,
		Currency:        "BTC",
		RequestedAmount: decimal.NewFromInt(10),
		GrossAmount:     decimal.NewFromInt(11),
		FeeAmount:       decimal.NewFromInt(1),
		Status:          escrow.StatusDisputed,
		SourceWalletID:  "wal_src",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, txs.Create(context.Background(), tx))
	return tx.ID
}

func TestPostgres_OpenDisputeUniqueness(t *testing.T) {
	store, txs, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	txID := pgTrade(t, txs)
	d := &Dispute{ID: idgen.New(), TransactionID: txID, InitiatorID: 1, Reason: "late", Status: StatusOpen, CreatedAt: time.Now()}
	require.NoError(t, store.Create(ctx, d))

	dup := &Dispute{ID: idgen.New(), TransactionID: txID, InitiatorID: 1, Status: StatusOpen, CreatedAt: time.Now()}
	assert.ErrorIs(t, store.Create(ctx, dup), ErrAlreadyDisputed)

	open, err := store.OpenFor(ctx, txID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, open.ID)
	assert.Equal(t, "late", open.Reason)
	assert.Nil(t, open.ResolvedAt)
	assert.Empty(t, open.Resolution)

	_, err = store.Get(ctx, idgen.New())
	assert.ErrorIs(t, err, ErrDisputeNotFound)
}

func TestPostgres_Resolve(t *testing.T) {
	store, txs, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	txID := pgTrade(t, txs)
	d := &Dispute{ID: idgen.New(), TransactionID: txID, InitiatorID: 1, Status: StatusOpen, CreatedAt: time.Now()}
	require.NoError(t, store.Create(ctx, d))

	require.NoError(t, store.Resolve(ctx, d.ID, escrow.StatusRefunded, "split it", time.Now()))
	assert.ErrorIs(t, store.Resolve(ctx, d.ID, escrow.StatusRefunded, "", time.Now()), ErrNotOpen)
	assert.ErrorIs(t, store.Resolve(ctx, idgen.New(), escrow.StatusRefunded, "", time.Now()), ErrDisputeNotFound)

	got, err := store.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
	assert.Equal(t, escrow.StatusRefunded, got.Resolution)
	assert.Equal(t, "split it", got.ResolutionNotes)
	require.NotNil(t, got.ResolvedAt)

	// The partial index frees the transaction for a new dispute.
	again := &Dispute{ID: idgen.New(), TransactionID: txID, InitiatorID: 1, Status: StatusOpen, CreatedAt: time.Now()}
	require.NoError(t, store.Create(ctx, again))

	all, err := store.ListByTransaction(ctx, txID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	open, err := store.ListOpen(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, again.ID, open[0].ID)
}
