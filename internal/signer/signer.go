// Package signer talks to the key-management and signing service. Private
// key material never leaves that service: wallets are created there and only
// an address plus an opaque key handle come back, and payments are requested
// by key handle.
package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowbot/internal/circuitbreaker"
	"github.com/mbd888/escrowbot/internal/escrow"
	"github.com/mbd888/escrowbot/internal/ledger"
	"github.com/mbd888/escrowbot/internal/retry"
)

var (
	// ErrSigning means the signer refused the request. Retrying the same
	// request will not help.
	ErrSigning = errors.New("signing failed")

	// ErrBroadcast means the request may not have reached the network.
	// Retrying with the same reference is safe.
	ErrBroadcast = errors.New("broadcast failed")
)

// Operation names, also used as circuit breaker keys.
const (
	OpCreateWallet = "create_wallet"
	OpSend         = "send"
)

// Error wraps a signer failure with the operation and payment reference.
type Error struct {
	Op        string
	Reference string
	Err       error
}

func (e *Error) Error() string {
	if e.Reference != "" {
		return fmt.Sprintf("signer: %s failed (ref: %s): %v", e.Op, e.Reference, e.Err)
	}
	return fmt.Sprintf("signer: %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same request may be sent again.
func (e *Error) Retryable() bool { return errors.Is(e.Err, ErrBroadcast) }

// Client is the HTTP JSON client of the signing service.
type Client struct {
	baseURL   string
	token     string
	http      *http.Client
	breaker   *circuitbreaker.Breaker
	attempts  int
	baseDelay time.Duration
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetry sets the attempt count and first backoff delay of every call.
func WithRetry(attempts int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.attempts = attempts
		c.baseDelay = baseDelay
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for the signer at baseURL, authenticating with a
// bearer token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		http:      &http.Client{Timeout: 30 * time.Second},
		breaker:   circuitbreaker.New(5, 30*time.Second),
		attempts:  3,
		baseDelay: 500 * time.Millisecond,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Breaker exposes the circuit breaker for health checks.
func (c *Client) Breaker() *circuitbreaker.Breaker {
	return c.breaker
}

type createWalletRequest struct {
	Currency   string   `json:"currency"`
	Kind       string   `json:"kind"`
	M          int      `json:"m"`
	N          int      `json:"n"`
	PublicKeys []string `json:"publicKeys,omitempty"`
}

type createWalletResponse struct {
	Address   string `json:"address"`
	KeyHandle string `json:"keyHandle"`
}

// CreateWallet asks the signer to generate key material for a new wallet.
func (c *Client) CreateWallet(ctx context.Context, currency string, kind ledger.Kind, params ledger.MultisigParams) (string, string, error) {
	req := createWalletRequest{
		Currency:   strings.ToUpper(currency),
		Kind:       string(kind),
		M:          params.M,
		N:          params.N,
		PublicKeys: params.PublicKeys,
	}
	var resp createWalletResponse
	if err := c.call(ctx, OpCreateWallet, "", "/v1/wallets", req, &resp); err != nil {
		return "", "", err
	}
	if resp.Address == "" || resp.KeyHandle == "" {
		return "", "", &Error{Op: OpCreateWallet, Err: fmt.Errorf("%w: incomplete response", ErrSigning)}
	}
	return resp.Address, resp.KeyHandle, nil
}

type sendOutput struct {
	Address string          `json:"address"`
	Amount  decimal.Decimal `json:"amount"`
}

type sendRequest struct {
	KeyHandle string       `json:"keyHandle"`
	Currency  string       `json:"currency"`
	Reference string       `json:"reference"`
	Outputs   []sendOutput `json:"outputs"`
}

type sendResponse struct {
	TxID string `json:"txid"`
}

// SendSplit pays every output from the wallet behind keyHandle in a single
// transaction. The signer deduplicates on reference.
func (c *Client) SendSplit(ctx context.Context, keyHandle, currency, reference string, outputs []escrow.Output) (string, error) {
	if len(outputs) == 0 {
		return "", &Error{Op: OpSend, Reference: reference, Err: fmt.Errorf("%w: no outputs", ErrSigning)}
	}
	req := sendRequest{
		KeyHandle: keyHandle,
		Currency:  strings.ToUpper(currency),
		Reference: reference,
		Outputs:   make([]sendOutput, len(outputs)),
	}
	for i, o := range outputs {
		req.Outputs[i] = sendOutput{Address: o.Address, Amount: o.Amount}
	}

	var resp sendResponse
	if err := c.call(ctx, OpSend, reference, "/v1/sends", req, &resp); err != nil {
		return "", err
	}
	if resp.TxID == "" {
		return "", &Error{Op: OpSend, Reference: reference, Err: fmt.Errorf("%w: missing txid", ErrBroadcast)}
	}

	c.logger.Info("signer send broadcast",
		"reference", reference, "currency", req.Currency, "outputs", len(outputs), "txid", resp.TxID)
	return resp.TxID, nil
}

// Send pays a single output.
func (c *Client) Send(ctx context.Context, keyHandle, currency, reference, to string, amount decimal.Decimal) (string, error) {
	return c.SendSplit(ctx, keyHandle, currency, reference, []escrow.Output{{Address: to, Amount: amount}})
}

// call runs one request under the breaker, retrying broadcast failures.
// A whole retry sequence counts as a single breaker outcome.
func (c *Client) call(ctx context.Context, op, reference, path string, in, out any) error {
	err := c.breaker.Do(op, isBroadcast, func() error {
		return retry.Do(ctx, c.attempts, c.baseDelay, func() error {
			err := c.post(ctx, path, reference, in, out)
			if errors.Is(err, ErrSigning) {
				return retry.Permanent(err)
			}
			return err
		})
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = fmt.Errorf("%w: %w", ErrBroadcast, err)
	} else if !errors.Is(err, ErrSigning) && !errors.Is(err, ErrBroadcast) {
		// context cancellation between attempts
		err = fmt.Errorf("%w: %w", ErrBroadcast, err)
	}
	c.logger.Warn("signer call failed", "op", op, "reference", reference, "error", err)
	return &Error{Op: op, Reference: reference, Err: err}
}

func isBroadcast(err error) bool {
	return errors.Is(err, ErrBroadcast)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) post(ctx context.Context, path, reference string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: encode request: %w", ErrSigning, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %w", ErrSigning, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if reference != "" {
		req.Header.Set("Idempotency-Key", reference)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBroadcast, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", ErrBroadcast, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%w: decode response: %w", ErrBroadcast, err)
		}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrBroadcast, resp.StatusCode)
	default:
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		msg := eb.Message
		if msg == "" {
			msg = eb.Error
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%w: status %d: %s", ErrSigning, resp.StatusCode, msg)
	}
}

var (
	_ ledger.KeyManager = (*Client)(nil)
	_ escrow.Payer      = (*Client)(nil)
)
