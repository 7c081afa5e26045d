// Package pricing converts crypto amounts into display currencies using a
// CoinGecko-style simple price API. Prices are for display only and never
// feed a balance.
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowbot/internal/ledger"
)

// DefaultTTL is how long a fetched price is served from cache.
const DefaultTTL = 5 * time.Minute

var (
	// ErrUnsupported means no price source knows the currency pair.
	ErrUnsupported = errors.New("unsupported currency")

	// ErrUnavailable means the price could not be fetched and nothing is
	// cached.
	ErrUnavailable = errors.New("price unavailable")
)

// coinIDs maps tickers to price API coin ids.
var coinIDs = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"USDT": "tether",
}

type quote struct {
	price   decimal.Decimal
	fetched time.Time
}

// Client fetches and caches prices.
type Client struct {
	baseURL string
	ttl     time.Duration
	http    *http.Client
	now     func() time.Time

	mu    sync.RWMutex
	cache map[string]quote // "BTC/usd" -> price
}

// NewClient creates a price client for the API at baseURL
// (e.g. https://api.coingecko.com/api/v3).
func NewClient(baseURL string, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     ttl,
		http:    &http.Client{Timeout: 5 * time.Second},
		now:     time.Now,
		cache:   make(map[string]quote),
	}
}

// WithHTTPClient replaces the default HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// WithClock replaces the time source.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

// Convert returns amount of from expressed in to.
func (c *Client) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return amount, nil
	}
	price, err := c.Price(ctx, from, to)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(price), nil
}

// Price returns the price of one unit of currency in vs. A failed fetch
// falls back to the last known price, however old.
func (c *Client) Price(ctx context.Context, currency, vs string) (decimal.Decimal, error) {
	currency, vs = strings.ToUpper(currency), strings.ToLower(vs)
	id, ok := coinIDs[currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnsupported, currency)
	}
	key := currency + "/" + vs

	c.mu.RLock()
	q, cached := c.cache[key]
	c.mu.RUnlock()
	if cached && c.now().Sub(q.fetched) < c.ttl {
		return q.price, nil
	}

	price, err := c.fetch(ctx, id, vs)
	if err != nil {
		if cached {
			return q.price, nil
		}
		return decimal.Zero, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	c.mu.Lock()
	c.cache[key] = quote{price: price, fetched: c.now()}
	c.mu.Unlock()
	return price, nil
}

func (c *Client) fetch(ctx context.Context, id, vs string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", vs)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch price: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price API returned status %d", resp.StatusCode)
	}

	var result map[string]map[string]decimal.Decimal
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode price response: %w", err)
	}
	price, ok := result[id][vs]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s in %s", ErrUnsupported, id, vs)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid price returned: %s", price)
	}
	return price, nil
}

var _ ledger.Converter = (*Client)(nil)
