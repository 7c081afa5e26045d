package oracle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// satoshiExp scales satoshis to BTC.
const satoshiExp = -8

// BlockchainInfo reads confirmed BTC balances from a blockchain.info style
// q/addressbalance endpoint, which answers with a bare satoshi count.
type BlockchainInfo struct {
	baseURL       string
	confirmations int
	client        *http.Client
}

// NewBlockchainInfo creates a BTC source rooted at baseURL.
func NewBlockchainInfo(baseURL string) *BlockchainInfo {
	return &BlockchainInfo{
		baseURL:       strings.TrimRight(baseURL, "/"),
		confirmations: 1,
		client:        &http.Client{Timeout: 10 * time.Second},
	}
}

// WithHTTPClient overrides the HTTP client.
func (b *BlockchainInfo) WithHTTPClient(c *http.Client) *BlockchainInfo {
	b.client = c
	return b
}

// WithConfirmations sets the minimum confirmations counted.
func (b *BlockchainInfo) WithConfirmations(n int) *BlockchainInfo {
	b.confirmations = n
	return b
}

func (b *BlockchainInfo) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	u := fmt.Sprintf("%s/q/addressbalance/%s?confirmations=%d", b.baseURL, url.PathEscape(address), b.confirmations)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: read body: %w", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%w: btc balance status %d", ErrUnavailable, resp.StatusCode)
	}

	sats, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: unexpected btc balance %q", ErrUnavailable, body)
	}
	return decimal.New(sats, satoshiExp), nil
}
