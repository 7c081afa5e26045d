package reconciliation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowbot/internal/auth"
	"github.com/mbd888/escrowbot/internal/ledger"
	"github.com/mbd888/escrowbot/internal/oracle"
)

type stubKeys struct {
	n atomic.Int64
}

func (k *stubKeys) CreateWallet(ctx context.Context, currency string, kind ledger.Kind, params ledger.MultisigParams) (string, string, error) {
	n := k.n.Add(1)
	if currency == "ETH" {
		return fmt.Sprintf("0x%040d", n), fmt.Sprintf("kh-%d", n), nil
	}
	return "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", fmt.Sprintf("kh-%d", n), nil
}

// mockOracle returns a fixed balance per currency; missing currencies are
// unavailable.
type mockOracle struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	calls    int
}

func (m *mockOracle) Balance(ctx context.Context, currency, address string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	b, ok := m.balances[currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s down", oracle.ErrUnavailable, currency)
	}
	return b, nil
}

func (m *mockOracle) set(currency, amount string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[currency] = decimal.RequireFromString(amount)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setup(t *testing.T) (*Service, *ledger.Ledger, *mockOracle) {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore(), &stubKeys{})
	o := &mockOracle{balances: map[string]decimal.Decimal{}}
	return NewService(l, o, testLogger()), l, o
}

func wallet(t *testing.T, l *ledger.Ledger, owner int64, currency, available string) *ledger.Wallet {
	t.Helper()
	ctx := context.Background()
	w, err := l.CreateWallet(ctx, ledger.CreateWalletRequest{OwnerID: owner, Currency: currency})
	require.NoError(t, err)
	if a := decimal.RequireFromString(available); a.IsPositive() {
		require.NoError(t, l.CreditAvailable(ctx, w.ID, a, "deposit"))
	}
	return w
}

func available(t *testing.T, l *ledger.Ledger, id string) string {
	t.Helper()
	b, err := l.GetBalance(context.Background(), id)
	require.NoError(t, err)
	return b.Available.String()
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name      string
		stored    string
		observed  string
		want      string
		wantDelta string
	}{
		{"chain above ledger raises", "10", "12", "12", "2"},
		{"chain below ledger keeps stored", "10", "8", "10", "0"},
		{"equal", "10", "10", "10", "0"},
		{"first deposit", "0", "0.5", "0.5", "0.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, l, o := setup(t)
			w := wallet(t, l, 1, "BTC", tt.stored)
			o.set("BTC", tt.observed)

			res, err := svc.Reconcile(context.Background(), w.ID)
			require.NoError(t, err)
			assert.False(t, res.Skipped)
			assert.Equal(t, tt.want, res.Available.String())
			assert.Equal(t, tt.wantDelta, res.Delta.String())
			assert.Equal(t, tt.want, available(t, l, w.ID))
		})
	}
}

func TestReconcile_NeverTouchesPending(t *testing.T) {
	svc, l, o := setup(t)
	ctx := context.Background()
	w := wallet(t, l, 1, "BTC", "10")
	require.NoError(t, l.CreditPending(ctx, 1, "BTC", decimal.NewFromInt(5), "trade"))
	o.set("BTC", "12")

	_, err := svc.Reconcile(ctx, w.ID)
	require.NoError(t, err)

	b, err := l.GetBalance(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "5", b.Pending.String())
}

func TestReconcile_OracleUnavailable(t *testing.T) {
	svc, l, _ := setup(t)
	w := wallet(t, l, 1, "BTC", "10")

	res, err := svc.Reconcile(context.Background(), w.ID)
	require.ErrorIs(t, err, ErrReconciliationSkipped)
	assert.ErrorIs(t, err, oracle.ErrUnavailable)
	require.NotNil(t, res)
	assert.True(t, res.Skipped)
	assert.Equal(t, "10", res.Available.String())
	assert.Equal(t, "10", available(t, l, w.ID))
}

func TestReconcile_UnknownWallet(t *testing.T) {
	svc, _, _ := setup(t)
	_, err := svc.Reconcile(context.Background(), "wal_missing")
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
}

func TestReconcileFor(t *testing.T) {
	svc, l, o := setup(t)
	w := wallet(t, l, 1, "BTC", "1")
	o.set("BTC", "3")

	require.NoError(t, svc.ReconcileFor(context.Background(), 1, "btc"))
	assert.Equal(t, "3", available(t, l, w.ID))

	assert.NoError(t, svc.ReconcileFor(context.Background(), 1, "ETH"), "missing wallet is left to the caller")
}

func TestRefreshOwner(t *testing.T) {
	svc, l, o := setup(t)
	btc := wallet(t, l, 1, "BTC", "1")
	eth := wallet(t, l, 1, "ETH", "2")
	wallet(t, l, 2, "BTC", "0")
	o.set("BTC", "4")

	results, err := svc.RefreshOwner(context.Background(), 1)
	require.Error(t, err, "ETH oracle is down")
	assert.ErrorIs(t, err, ErrReconciliationSkipped)
	require.Len(t, results, 2)

	assert.Equal(t, "4", available(t, l, btc.ID))
	assert.Equal(t, "2", available(t, l, eth.ID))
}

func TestRunAll(t *testing.T) {
	svc, l, o := setup(t)
	for owner := int64(1); owner <= pageSize+5; owner++ {
		wallet(t, l, owner, "BTC", "1")
	}
	wallet(t, l, 1, "ETH", "0")
	o.set("BTC", "2")

	report, err := svc.RunAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pageSize+6, report.Checked)
	assert.Equal(t, pageSize+5, report.Raised)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Failed)

	// A second run finds nothing left to raise.
	report, err = svc.RunAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Raised)
}

func TestTimer_StartStop(t *testing.T) {
	svc, l, o := setup(t)
	w := wallet(t, l, 1, "BTC", "1")
	o.set("BTC", "2")

	timer := NewTimer(svc, 10*time.Millisecond, testLogger())
	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	assert.Eventually(t, func() bool { return available(t, l, w.ID) == "2" }, time.Second, 5*time.Millisecond)
	assert.True(t, timer.Running())

	timer.Stop()
	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}

func setupRouter(t *testing.T) (*gin.Engine, *ledger.Ledger, *mockOracle) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc, l, o := setup(t)

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(auth.Middleware(), auth.MarkAdmin("s3cret"), auth.RequireAuth())
	h := NewHandler(svc, testLogger())
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(v1.Group("", auth.RequireAdmin("s3cret")))
	return r, l, o
}

func post(r *gin.Engine, path, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.Header.Set(auth.HeaderUserID, userID)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_ReconcileWallet(t *testing.T) {
	r, l, o := setupRouter(t)
	w := wallet(t, l, 1, "BTC", "10")

	resp := post(r, "/v1/wallets/"+w.ID+"/reconcile", "2")
	assert.Equal(t, http.StatusNotFound, resp.Code, "other users cannot see the wallet")

	resp = post(r, "/v1/wallets/"+w.ID+"/reconcile", "1")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"skipped":true`)
	assert.Contains(t, resp.Body.String(), "warning")

	o.set("BTC", "12")
	resp = post(r, "/v1/wallets/"+w.ID+"/reconcile", "1")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"skipped":false`)
	assert.Equal(t, "12", available(t, l, w.ID))
}

func TestHandler_RefreshUser(t *testing.T) {
	r, l, o := setupRouter(t)
	w := wallet(t, l, 1, "BTC", "1")
	o.set("BTC", "5")

	resp := post(r, "/v1/users/2/refresh", "1")
	assert.Equal(t, http.StatusForbidden, resp.Code)

	resp = post(r, "/v1/users/1/refresh", "1")
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Contains(t, resp.Body.String(), `"count":1`)
	assert.Equal(t, "5", available(t, l, w.ID))
}
