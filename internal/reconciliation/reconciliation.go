// Package reconciliation brings stored wallet balances up to what the chain
// reports.
//
// The chain is only trusted upwards: an observed balance above the stored
// available balance raises it (deposits), one below it is ignored because
// the ledger already accounts for debits the chain may not reflect yet.
// Pending balances are never touched.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowbot/internal/ledger"
	"github.com/mbd888/escrowbot/internal/traces"
)

// ErrReconciliationSkipped means no observation was available; the stored
// balance was kept. It wraps the oracle's error.
var ErrReconciliationSkipped = errors.New("reconciliation skipped")

// Ledger is the part of the wallet ledger the reconciler uses.
type Ledger interface {
	Wallet(ctx context.Context, id string) (*ledger.Wallet, error)
	WalletFor(ctx context.Context, ownerID int64, currency string) (*ledger.Wallet, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]*ledger.Wallet, error)
	ListAfter(ctx context.Context, afterID string, limit int) ([]*ledger.Wallet, error)
	RaiseAvailable(ctx context.Context, walletID string, observed decimal.Decimal, reference string) (bool, error)
}

// Oracle reports on-chain balances.
type Oracle interface {
	Balance(ctx context.Context, currency, address string) (decimal.Decimal, error)
}

// Result is the outcome of reconciling one wallet.
type Result struct {
	WalletID  string          `json:"walletId"`
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Observed  decimal.Decimal `json:"observed"`
	Delta     decimal.Decimal `json:"delta"`
	Skipped   bool            `json:"skipped"`
}

// Report summarizes a full run.
type Report struct {
	Checked  int           `json:"checked"`
	Raised   int           `json:"raised"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// reference recorded on reconcile ledger entries.
const reference = "reconcile"

const pageSize = 100

// Service reconciles wallets against the oracle.
type Service struct {
	ledger Ledger
	oracle Oracle
	logger *slog.Logger
}

// NewService creates a reconciliation service.
func NewService(l Ledger, o Oracle, logger *slog.Logger) *Service {
	return &Service{ledger: l, oracle: o, logger: logger}
}

// Reconcile compares one wallet with the chain. When the oracle is
// unavailable the result carries the stored balance with Skipped set and the
// error wraps ErrReconciliationSkipped.
func (s *Service) Reconcile(ctx context.Context, walletID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.Reconcile", traces.WalletID(walletID))
	defer span.End()

	w, err := s.ledger.Wallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	return s.reconcile(ctx, w)
}

func (s *Service) reconcile(ctx context.Context, w *ledger.Wallet) (*Result, error) {
	res := &Result{
		WalletID:  w.ID,
		Currency:  w.Currency,
		Available: w.Available,
		Observed:  w.Available,
		Delta:     decimal.Zero,
	}

	observed, err := s.oracle.Balance(ctx, w.Currency, w.Address)
	if err != nil {
		res.Skipped = true
		walletsReconciled.WithLabelValues(w.Currency, "skipped").Inc()
		return res, fmt.Errorf("%w: wallet %s: %w", ErrReconciliationSkipped, w.ID, err)
	}
	res.Observed = observed

	if !observed.GreaterThan(w.Available) {
		walletsReconciled.WithLabelValues(w.Currency, "unchanged").Inc()
		return res, nil
	}

	raised, err := s.ledger.RaiseAvailable(ctx, w.ID, observed, reference)
	if err != nil {
		walletsReconciled.WithLabelValues(w.Currency, "failed").Inc()
		return nil, fmt.Errorf("failed to raise balance of wallet %s: %w", w.ID, err)
	}
	if !raised {
		// A concurrent credit got there first; report what is stored now.
		fresh, err := s.ledger.Wallet(ctx, w.ID)
		if err != nil {
			return nil, err
		}
		res.Available = fresh.Available
		walletsReconciled.WithLabelValues(w.Currency, "unchanged").Inc()
		return res, nil
	}

	res.Delta = observed.Sub(w.Available)
	res.Available = observed
	walletsReconciled.WithLabelValues(w.Currency, "raised").Inc()
	s.logger.Info("wallet balance raised to chain",
		"walletId", w.ID, "currency", w.Currency, "delta", res.Delta.String(), "available", observed.String())
	return res, nil
}

// ReconcileFor reconciles the owner's wallet for currency. A missing wallet
// is not an error here; the caller's own lookup reports it.
func (s *Service) ReconcileFor(ctx context.Context, ownerID int64, currency string) error {
	w, err := s.ledger.WalletFor(ctx, ownerID, currency)
	if errors.Is(err, ledger.ErrWalletNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.reconcile(ctx, w)
	return err
}

// RefreshOwner reconciles every wallet of a user. Results are returned for
// all wallets, skipped ones included; the error joins the individual
// failures.
func (s *Service) RefreshOwner(ctx context.Context, ownerID int64) ([]*Result, error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.RefreshOwner", traces.UserID(ownerID))
	defer span.End()

	wallets, err := s.ledger.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	results := make([]*Result, 0, len(wallets))
	var errs []error
	for _, w := range wallets {
		res, err := s.reconcile(ctx, w)
		if err != nil {
			errs = append(errs, err)
		}
		if res != nil {
			results = append(results, res)
		}
	}
	return results, errors.Join(errs...)
}

// RunAll reconciles every wallet, paging by ID. Per-wallet failures are
// counted and logged; only a ledger listing error aborts the run.
func (s *Service) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{}

	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		page, err := s.ledger.ListAfter(ctx, after, pageSize)
		if err != nil {
			runErrors.Inc()
			return report, fmt.Errorf("failed to list wallets: %w", err)
		}

		for _, w := range page {
			report.Checked++
			res, err := s.reconcile(ctx, w)
			switch {
			case errors.Is(err, ErrReconciliationSkipped):
				report.Skipped++
			case err != nil:
				report.Failed++
				s.logger.Warn("wallet reconciliation failed", "walletId", w.ID, "error", err)
			case res.Delta.IsPositive():
				report.Raised++
			}
		}

		if len(page) < pageSize {
			break
		}
		after = page[len(page)-1].ID
	}

	report.Duration = time.Since(start)
	runDuration.Observe(report.Duration.Seconds())
	lastRunRaised.Set(float64(report.Raised))
	lastRunSkipped.Set(float64(report.Skipped))
	return report, nil
}
