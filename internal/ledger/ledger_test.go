package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowbot/internal/pagination"
)

// fakeKeys hands out fixed, valid addresses per currency.
type fakeKeys struct {
	mu    sync.Mutex
	calls int
	err   error
	addr  string // overrides the per-currency address when set
}

func (f *fakeKeys) CreateWallet(ctx context.Context, currency string, kind Kind, params MultisigParams) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", "", f.err
	}
	if f.addr != "" {
		return f.addr, "kh-test", nil
	}
	switch currency {
	case "BTC":
		return "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", "kh-btc", nil
	case "ETH", "USDT":
		return "0x52908400098527886E0F7030069857D2E4169EE7", "kh-eth", nil
	default:
		return "LTC1qexampleaddressforlitecoin0000", "kh-other", nil
	}
}

func newTestLedger(t *testing.T) (*Ledger, *fakeKeys) {
	t.Helper()
	keys := &fakeKeys{}
	return New(NewMemoryStore(), keys), keys
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func createFunded(t *testing.T, l *Ledger, ownerID int64, currency, amount string) *Wallet {
	t.Helper()
	ctx := context.Background()
	w, err := l.CreateWallet(ctx, CreateWalletRequest{OwnerID: ownerID, Currency: currency})
	require.NoError(t, err)
	if a := dec(amount); a.IsPositive() {
		require.NoError(t, l.CreditAvailable(ctx, w.ID, a, "fund"))
	}
	return w
}

func TestLedger_CreateWallet(t *testing.T) {
	l, keys := newTestLedger(t)
	ctx := context.Background()

	w, err := l.CreateWallet(ctx, CreateWalletRequest{OwnerID: 7, Currency: "btc"})
	require.NoError(t, err)
	assert.Equal(t, "BTC", w.Currency)
	assert.Equal(t, KindSingle, w.Kind)
	assert.Equal(t, "kh-btc", w.KeyHandle)
	assert.True(t, w.Available.IsZero())
	assert.True(t, w.Pending.IsZero())
	assert.Equal(t, 1, keys.calls)

	got, err := l.WalletFor(ctx, 7, "BTC")
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.ID)
}

func TestLedger_CreateWallet_OnePerCurrency(t *testing.T) {
	l, keys := newTestLedger(t)
	ctx := context.Background()

	_, err := l.CreateWallet(ctx, CreateWalletRequest{OwnerID: 1, Currency: "BTC"})
	require.NoError(t, err)

	_, err = l.CreateWallet(ctx, CreateWalletRequest{OwnerID: 1, Currency: "BTC"})
	assert.ErrorIs(t, err, ErrWalletExists)
	assert.Equal(t, 1, keys.calls, "key manager must not be called for a duplicate")

	_, err = l.CreateWallet(ctx, CreateWalletRequest{OwnerID: 1, Currency: "ETH"})
	assert.NoError(t, err)

	wallets, err := l.ListByOwner(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, wallets, 2)
}

func TestLedger_CreateWallet_StoreEnforcesUniqueness(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	w := &Wallet{ID: "wal_a", OwnerID: 1, Currency: "BTC"}
	require.NoError(t, store.Create(ctx, w))
	err := store.Create(ctx, &Wallet{ID: "wal_b", OwnerID: 1, Currency: "BTC"})
	assert.ErrorIs(t, err, ErrWalletExists)
}

func TestLedger_CreateWallet_Multisig(t *testing.T) {
	tests := []struct {
		name     string
		currency string
		params   MultisigParams
		wantErr  bool
	}{
		{"2 of 3 without keys", "BTC", MultisigParams{M: 2, N: 3}, false},
		{"2 of 2 with keys", "BTC", MultisigParams{M: 2, N: 2, PublicKeys: []string{"02aa", "03bb"}}, false},
		{"15 of 15", "BTC", MultisigParams{M: 15, N: 15}, false},
		{"m greater than n", "BTC", MultisigParams{M: 3, N: 2}, true},
		{"zero m", "BTC", MultisigParams{M: 0, N: 2}, true},
		{"too many keys", "BTC", MultisigParams{M: 2, N: 16}, true},
		{"key count mismatch", "BTC", MultisigParams{M: 1, N: 2, PublicKeys: []string{"02aa"}}, true},
		{"not BTC", "ETH", MultisigParams{M: 1, N: 2}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newTestLedger(t)
			w, err := l.CreateWallet(context.Background(), CreateWalletRequest{
				OwnerID:  1,
				Currency: tt.currency,
				Kind:     KindMultisig,
				Multisig: tt.params,
			})
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidMultisig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, KindMultisig, w.Kind)
			assert.Equal(t, tt.params.M, w.M)
			assert.Equal(t, tt.params.N, w.N)
		})
	}
}

func TestLedger_CreateWallet_RejectsBadAddress(t *testing.T) {
	l, keys := newTestLedger(t)
	keys.addr = "not-an-address"

	_, err := l.CreateWallet(context.Background(), CreateWalletRequest{OwnerID: 1, Currency: "BTC"})
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = l.WalletFor(context.Background(), 1, "BTC")
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestLedger_CreateWallet_KeyManagerFailure(t *testing.T) {
	l, keys := newTestLedger(t)
	keys.err = errors.New("signer down")

	_, err := l.CreateWallet(context.Background(), CreateWalletRequest{OwnerID: 1, Currency: "BTC"})
	assert.Error(t, err)
}

func TestLedger_Debit(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	w := createFunded(t, l, 1, "BTC", "10")

	require.NoError(t, l.Debit(ctx, w.ID, dec("4.5"), "tx-1"))

	bal, err := l.GetBalance(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, bal.Available.Equal(dec("5.5")), "got %s", bal.Available)

	err = l.Debit(ctx, w.ID, dec("5.50000001"), "tx-2")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	err = l.Debit(ctx, "wal_missing", dec("1"), "tx-3")
	assert.ErrorIs(t, err, ErrWalletNotFound)

	err = l.Debit(ctx, w.ID, decimal.Zero, "tx-4")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestLedger_ConcurrentDebits(t *testing.T) {
	tests := []struct {
		balance string
		amount  string
		workers int
		want    int64
	}{
		{"10", "3", 20, 3},
		{"1", "0.25", 50, 4},
		{"100", "100", 10, 1},
		{"0.5", "1", 10, 0},
	}

	for _, tt := range tests {
		t.Run(tt.balance+"/"+tt.amount, func(t *testing.T) {
			l, _ := newTestLedger(t)
			ctx := context.Background()
			w := createFunded(t, l, 1, "BTC", tt.balance)

			var ok atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < tt.workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := l.Debit(ctx, w.ID, dec(tt.amount), "race")
					if err == nil {
						ok.Add(1)
					} else if !errors.Is(err, ErrInsufficientFunds) {
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, tt.want, ok.Load())
			bal, err := l.GetBalance(ctx, w.ID)
			require.NoError(t, err)
			assert.False(t, bal.Available.IsNegative())
			expected := dec(tt.balance).Sub(dec(tt.amount).Mul(decimal.NewFromInt(tt.want)))
			assert.True(t, bal.Available.Equal(expected), "got %s want %s", bal.Available, expected)
		})
	}
}

func TestLedger_CreditPending(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	w := createFunded(t, l, 2, "BTC", "0")

	require.NoError(t, l.CreditPending(ctx, 2, "btc", dec("55"), "tx-1"))

	bal, err := l.GetBalance(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, bal.Pending.Equal(dec("55")))
	assert.True(t, bal.Available.IsZero())

	err = l.CreditPending(ctx, 3, "BTC", dec("1"), "tx-2")
	assert.ErrorIs(t, err, ErrRecipientWalletNotFound)

	err = l.CreditPending(ctx, 2, "ETH", dec("1"), "tx-3")
	assert.ErrorIs(t, err, ErrRecipientWalletNotFound)
}

func TestLedger_ClearPending(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	w := createFunded(t, l, 2, "BTC", "0")
	require.NoError(t, l.CreditPending(ctx, 2, "BTC", dec("10"), "tx-1"))

	err := l.ClearPending(ctx, 2, "BTC", dec("11"), "tx-1")
	assert.ErrorIs(t, err, ErrInsufficientPending)

	require.NoError(t, l.ClearPending(ctx, 2, "BTC", dec("10"), "tx-1"))
	bal, _ := l.GetBalance(ctx, w.ID)
	assert.True(t, bal.Pending.IsZero())

	err = l.ClearPending(ctx, 9, "BTC", dec("1"), "tx-1")
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestLedger_SettlePending(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	w := createFunded(t, l, 2, "LTC", "1")
	require.NoError(t, l.CreditPending(ctx, 2, "LTC", dec("55"), "tx-1"))

	require.NoError(t, l.SettlePending(ctx, 2, "LTC", dec("55"), dec("52.25"), "tx-1"))

	bal, _ := l.GetBalance(ctx, w.ID)
	assert.True(t, bal.Pending.IsZero())
	assert.True(t, bal.Available.Equal(dec("53.25")), "got %s", bal.Available)

	err := l.SettlePending(ctx, 2, "LTC", dec("1"), dec("2"), "bad")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	err = l.SettlePending(ctx, 2, "LTC", dec("1"), dec("1"), "tx-2")
	assert.ErrorIs(t, err, ErrInsufficientPending)
}

func TestLedger_RaiseAvailable(t *testing.T) {
	tests := []struct {
		name     string
		stored   string
		observed string
		changed  bool
		want     string
	}{
		{"oracle higher", "10", "12", true, "12"},
		{"oracle lower", "10", "8", false, "10"},
		{"equal", "10", "10", false, "10"},
		{"from zero", "0", "0.001", true, "0.001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newTestLedger(t)
			ctx := context.Background()
			w := createFunded(t, l, 1, "BTC", tt.stored)

			changed, err := l.RaiseAvailable(ctx, w.ID, dec(tt.observed), "reconcile")
			require.NoError(t, err)
			assert.Equal(t, tt.changed, changed)

			bal, _ := l.GetBalance(ctx, w.ID)
			assert.True(t, bal.Available.Equal(dec(tt.want)), "got %s", bal.Available)
			assert.True(t, bal.Pending.IsZero())
		})
	}
}

func TestLedger_History(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	w := createFunded(t, l, 1, "BTC", "10")

	require.NoError(t, l.Debit(ctx, w.ID, dec("1"), "tx-1"))
	require.NoError(t, l.CreditPending(ctx, 1, "BTC", dec("2"), "tx-2"))

	entries, next, err := l.History(ctx, w.ID, nil, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Empty(t, next)
	assert.Equal(t, EntryCreditPending, entries[0].Type)
	assert.Equal(t, EntryDebit, entries[1].Type)
	assert.Equal(t, EntryCreditAvailable, entries[2].Type)

	// walk the history one entry per page
	var types []string
	var cursor *pagination.Cursor
	for page := 0; page < 5; page++ {
		entries, next, err = l.History(ctx, w.ID, cursor, 1)
		require.NoError(t, err)
		for _, e := range entries {
			types = append(types, e.Type)
		}
		if next == "" {
			break
		}
		cursor, err = pagination.Decode(next)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{EntryCreditPending, EntryDebit, EntryCreditAvailable}, types)

	_, _, err = l.History(ctx, "wal_missing", nil, 10)
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestLedger_ListAfter(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		createFunded(t, l, i, "BTC", "0")
	}

	first, err := l.ListAfter(ctx, "", 3)
	require.NoError(t, err)
	require.Len(t, first, 3)

	rest, err := l.ListAfter(ctx, first[2].ID, 3)
	require.NoError(t, err)
	assert.Len(t, rest, 2)
	assert.Greater(t, rest[0].ID, first[2].ID)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	w := createFunded(t, l, 1, "BTC", "5")

	got, err := l.Wallet(ctx, w.ID)
	require.NoError(t, err)
	got.Available = dec("1000")

	again, _ := l.Wallet(ctx, w.ID)
	assert.True(t, again.Available.Equal(dec("5")))
}
