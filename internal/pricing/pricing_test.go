package pricing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type priceServer struct {
	calls  atomic.Int32
	status atomic.Int32
	body   atomic.Value
}

func newPriceServer(t *testing.T, body string) (*priceServer, *httptest.Server) {
	t.Helper()
	ps := &priceServer{}
	ps.status.Store(http.StatusOK)
	ps.body.Store(body)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.calls.Add(1)
		assert.Equal(t, "/simple/price", r.URL.Path)
		w.WriteHeader(int(ps.status.Load()))
		_, _ = w.Write([]byte(ps.body.Load().(string)))
	}))
	t.Cleanup(srv.Close)
	return ps, srv
}

func TestConvert(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"bitcoin":{"usd":65000.50}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Minute)
	got, err := c.Convert(context.Background(), decimal.RequireFromString("0.5"), "btc", "USD")
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.RequireFromString("32500.25")), got.String())
	assert.Equal(t, "ids=bitcoin&vs_currencies=usd", gotQuery)
}

func TestConvert_SameCurrency(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", time.Minute)
	got, err := c.Convert(context.Background(), decimal.NewFromInt(3), "ETH", "eth")
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.NewFromInt(3)))
}

func TestPrice_CachesWithinTTL(t *testing.T) {
	ps, srv := newPriceServer(t, `{"ethereum":{"eur":3000}}`)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewClient(srv.URL, time.Minute).WithClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		p, err := c.Price(context.Background(), "ETH", "EUR")
		require.NoError(t, err)
		assert.True(t, p.Equal(decimal.NewFromInt(3000)))
	}
	assert.Equal(t, int32(1), ps.calls.Load())

	now = now.Add(time.Minute)
	ps.body.Store(`{"ethereum":{"eur":3100}}`)
	p, err := c.Price(context.Background(), "ETH", "EUR")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(3100)))
	assert.Equal(t, int32(2), ps.calls.Load())
}

func TestPrice_StaleFallback(t *testing.T) {
	ps, srv := newPriceServer(t, `{"tether":{"usd":1.0002}}`)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewClient(srv.URL, time.Minute).WithClock(func() time.Time { return now })

	_, err := c.Price(context.Background(), "USDT", "USD")
	require.NoError(t, err)

	now = now.Add(time.Hour)
	ps.status.Store(http.StatusTooManyRequests)
	p, err := c.Price(context.Background(), "USDT", "USD")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.RequireFromString("1.0002")))
}

func TestPrice_Errors(t *testing.T) {
	tests := []struct {
		name     string
		currency string
		status   int
		body     string
		wantErr  error
	}{
		{"unknown ticker", "DOGE", http.StatusOK, `{}`, ErrUnsupported},
		{"server error", "BTC", http.StatusInternalServerError, ``, ErrUnavailable},
		{"missing pair", "BTC", http.StatusOK, `{"bitcoin":{}}`, ErrUnsupported},
		{"zero price", "BTC", http.StatusOK, `{"bitcoin":{"usd":0}}`, ErrUnavailable},
		{"garbage", "BTC", http.StatusOK, `<html>`, ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ps, srv := newPriceServer(t, tt.body)
			ps.status.Store(int32(tt.status))

			_, err := NewClient(srv.URL, time.Minute).Price(context.Background(), tt.currency, "USD")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
