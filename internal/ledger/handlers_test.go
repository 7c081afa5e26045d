package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowbot/internal/auth"
)

type fixedConverter struct {
	rate decimal.Decimal
	err  error
}

func (f fixedConverter) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	if f.err != nil {
		return decimal.Zero, f.err
	}
	return amount.Mul(f.rate), nil
}

func setupTestRouter(t *testing.T) (*gin.Engine, *Ledger, *Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	l, _ := newTestLedger(t)
	h := NewHandler(l, slog.New(slog.DiscardHandler))

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(auth.Middleware(), auth.RequireAuth())
	h.RegisterRoutes(v1)
	return r, l, h
}

func doRequest(r *gin.Engine, method, path string, userID string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(auth.HeaderUserID, userID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateWallet(t *testing.T) {
	r, l, _ := setupTestRouter(t)

	w := doRequest(r, "POST", "/v1/wallets", "5", map[string]string{"currency": "btc"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Wallet Wallet `json:"wallet"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(5), resp.Wallet.OwnerID)
	assert.Equal(t, "BTC", resp.Wallet.Currency)
	assert.NotContains(t, w.Body.String(), "kh-btc", "key handle must never be serialized")

	_, err := l.WalletFor(context.Background(), 5, "BTC")
	assert.NoError(t, err)

	w = doRequest(r, "POST", "/v1/wallets", "5", map[string]string{"currency": "BTC"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_CreateWallet_Validation(t *testing.T) {
	r, _, _ := setupTestRouter(t)

	w := doRequest(r, "POST", "/v1/wallets", "5", map[string]string{"currency": "b!"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(r, "POST", "/v1/wallets", "5", map[string]interface{}{
		"currency": "BTC",
		"kind":     "multisig",
		"multisig": map[string]int{"m": 3, "n": 2},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(r, "POST", "/v1/wallets", "", map[string]string{"currency": "BTC"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_GetWallet_Ownership(t *testing.T) {
	r, l, _ := setupTestRouter(t)
	wal := createFunded(t, l, 5, "BTC", "1.5")

	w := doRequest(r, "GET", "/v1/wallets/"+wal.ID, "5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"available":"1.50000000"`)

	w = doRequest(r, "GET", "/v1/wallets/"+wal.ID, "6", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(r, "GET", "/v1/wallets/wal_nope", "5", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_GetWallet_Display(t *testing.T) {
	r, l, h := setupTestRouter(t)
	h.WithConverter(fixedConverter{rate: decimal.NewFromInt(60000)})
	wal := createFunded(t, l, 5, "BTC", "0.5")

	w := doRequest(r, "GET", "/v1/wallets/"+wal.ID+"?display=usd", "5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"currency":"USD"`)
	assert.Contains(t, w.Body.String(), `"available":"30000.00"`)
}

func TestHandler_GetWallet_DisplayFailureIsBestEffort(t *testing.T) {
	r, l, h := setupTestRouter(t)
	h.WithConverter(fixedConverter{err: errors.New("price feed down")})
	wal := createFunded(t, l, 5, "BTC", "0.5")

	w := doRequest(r, "GET", "/v1/wallets/"+wal.ID+"?display=USD", "5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), `"display"`)
}

func TestHandler_ListWallets(t *testing.T) {
	r, l, _ := setupTestRouter(t)
	createFunded(t, l, 5, "BTC", "0")
	createFunded(t, l, 5, "ETH", "0")

	w := doRequest(r, "GET", "/v1/users/5/wallets", "5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)

	w = doRequest(r, "GET", "/v1/users/5/wallets", "6", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_GetHistory(t *testing.T) {
	r, l, _ := setupTestRouter(t)
	wal := createFunded(t, l, 5, "BTC", "2")
	require.NoError(t, l.Debit(context.Background(), wal.ID, dec("1"), "tx-1"))

	w := doRequest(r, "GET", "/v1/wallets/"+wal.ID+"/history?limit=1", "5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
	assert.Contains(t, w.Body.String(), `"type":"debit"`)
	assert.Contains(t, w.Body.String(), `"hasMore":true`)

	w = doRequest(r, "GET", "/v1/wallets/"+wal.ID+"/history?cursor=!!!", "5", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
