// Package oracle reads on-chain balances for custodial wallet addresses.
//
// Every failure to obtain a balance, whether a network error, a bad response
// or a currency nobody serves, wraps ErrUnavailable. Callers treat it as
// "no observation" and keep their stored value.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrUnavailable means the balance source could not be read.
var ErrUnavailable = errors.New("oracle: balance source unavailable")

// Source reads the balance of an address in one currency.
type Source interface {
	Balance(ctx context.Context, address string) (decimal.Decimal, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, address string) (decimal.Decimal, error)

func (f SourceFunc) Balance(ctx context.Context, address string) (decimal.Decimal, error) {
	return f(ctx, address)
}

// Router dispatches balance reads to the source registered for a currency.
type Router struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{sources: make(map[string]Source)}
}

// Register serves currency from src, replacing any earlier source.
func (r *Router) Register(currency string, src Source) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[strings.ToUpper(currency)] = src
	return r
}

// Supports reports whether currency has a source.
func (r *Router) Supports(currency string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sources[strings.ToUpper(currency)]
	return ok
}

// Balance returns the observed balance of address.
func (r *Router) Balance(ctx context.Context, currency, address string) (decimal.Decimal, error) {
	r.mu.RLock()
	src, ok := r.sources[strings.ToUpper(currency)]
	r.mu.RUnlock()
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no source for %s", ErrUnavailable, currency)
	}

	bal, err := src.Balance(ctx, address)
	if err != nil {
		if !errors.Is(err, ErrUnavailable) {
			err = fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return decimal.Zero, err
	}
	if bal.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative balance %s", ErrUnavailable, bal)
	}
	return bal, nil
}
