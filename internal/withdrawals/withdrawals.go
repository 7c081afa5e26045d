// Package withdrawals moves value from a custodial wallet to an external
// address.
//
// The ledger is debited before anything is broadcast. The debit is credited
// back only when the signer proves nothing was sent; a send whose outcome is
// unknown leaves the withdrawal PENDING until Retry resends it under the same
// reference. A user with a PENDING or DISPUTED trade cannot withdraw.
package withdrawals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowbot/internal/idgen"
	"github.com/mbd888/escrowbot/internal/ledger"
	"github.com/mbd888/escrowbot/internal/metrics"
	"github.com/mbd888/escrowbot/internal/money"
	"github.com/mbd888/escrowbot/internal/syncutil"
	"github.com/mbd888/escrowbot/internal/traces"
	"github.com/mbd888/escrowbot/internal/validation"
)

var (
	ErrWithdrawalNotFound = errors.New("withdrawal not found")
	ErrOpenTransactions   = errors.New("user has open transactions")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidAddress     = errors.New("invalid destination address")
	ErrSendFailed         = errors.New("withdrawal send failed")
	ErrSendUnconfirmed    = errors.New("withdrawal send not confirmed")
	ErrNotPending         = errors.New("withdrawal is not pending")
	ErrStatusConflict     = errors.New("withdrawal status changed concurrently")
)

// Status is the state of a withdrawal.
type Status string

const (
	StatusPending Status = "PENDING" // debited, send in flight or unconfirmed
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED" // debit credited back
)

// Withdrawal is a payment out of a custodial wallet.
type Withdrawal struct {
	ID        string          `json:"id"`
	UserID    int64           `json:"userId"`
	WalletID  string          `json:"walletId"`
	Currency  string          `json:"currency"`
	Amount    decimal.Decimal `json:"amount"`
	ToAddress string          `json:"toAddress"`
	Status    Status          `json:"status"`
	TxID      string          `json:"txid,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Request contains the parameters for a withdrawal.
type Request struct {
	UserID    int64           `json:"-"`
	Currency  string          `json:"currency" binding:"required"`
	Amount    decimal.Decimal `json:"amount"`
	ToAddress string          `json:"toAddress" binding:"required"`
}

// Store persists withdrawals.
type Store interface {
	Create(ctx context.Context, w *Withdrawal) error
	Get(ctx context.Context, id string) (*Withdrawal, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]*Withdrawal, error)
	// Complete and Fail move a PENDING withdrawal to its final status.
	// ErrStatusConflict if it is no longer PENDING.
	Complete(ctx context.Context, id, txid string, at time.Time) error
	Fail(ctx context.Context, id, reason string, at time.Time) error
	// RecordAttempt notes the error of an unconfirmed send on a PENDING
	// withdrawal.
	RecordAttempt(ctx context.Context, id, reason string, at time.Time) error
}

// Ledger is the subset of the wallet ledger a withdrawal touches.
type Ledger interface {
	WalletFor(ctx context.Context, ownerID int64, currency string) (*ledger.Wallet, error)
	Debit(ctx context.Context, walletID string, amount decimal.Decimal, reference string) error
	CreditAvailable(ctx context.Context, walletID string, amount decimal.Decimal, reference string) error
}

// Trades reports whether a user still has value tied up in escrow.
type Trades interface {
	HasOpenTransactions(ctx context.Context, userID int64) (bool, error)
}

// Sender broadcasts a single-output payment. reference makes it idempotent.
type Sender interface {
	Send(ctx context.Context, keyHandle, currency, reference, to string, amount decimal.Decimal) (txid string, err error)
}

// Notifier receives a withdrawal once it reaches SENT or FAILED.
type Notifier interface {
	WithdrawalEvent(ctx context.Context, event string, w *Withdrawal)
}

// Refresher brings a stored balance up to the chain.
type Refresher func(ctx context.Context, ownerID int64, currency string) error

// Service executes withdrawals.
type Service struct {
	store   Store
	ledger  Ledger
	trades  Trades
	sender  Sender
	refresh Refresher // nil = no pre-withdrawal reconciliation
	notify  Notifier
	locks   *syncutil.ContextShardedMutex
	now     func() time.Time
	logger  *slog.Logger
}

// NewService creates a new withdrawal service.
func NewService(store Store, l Ledger, trades Trades, sender Sender, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		ledger: l,
		trades: trades,
		sender: sender,
		locks:  syncutil.NewContextShardedMutex(),
		now:    time.Now,
		logger: logger,
	}
}

// WithRefresher reconciles the source wallet before every withdrawal.
func (s *Service) WithRefresher(r Refresher) *Service {
	s.refresh = r
	return s
}

// WithNotifier publishes "withdrawal.sent" and "withdrawal.failed" events.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notify = n
	return s
}

func (s *Service) emit(ctx context.Context, w *Withdrawal) {
	if s.notify != nil {
		snapshot := *w
		s.notify.WithdrawalEvent(ctx, "withdrawal."+strings.ToLower(string(w.Status)), &snapshot)
	}
}

// Withdraw debits the user's wallet and sends the amount to req.ToAddress.
// The withdrawal id is the send reference.
func (s *Service) Withdraw(ctx context.Context, req Request) (*Withdrawal, error) {
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	ctx, span := traces.StartSpan(ctx, "withdrawals.Withdraw",
		traces.UserID(req.UserID), traces.Currency(currency), traces.Amount(req.Amount.String()))
	defer span.End()

	amount := req.Amount.Truncate(money.Places(currency))
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	to := strings.TrimSpace(req.ToAddress)
	if !validation.IsValidAddress(currency, to) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, to)
	}

	// One withdrawal per user at a time.
	unlock, err := s.locks.LockContext(ctx, userKey(req.UserID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	open, err := s.trades.HasOpenTransactions(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, ErrOpenTransactions
	}

	if s.refresh != nil {
		if err := s.refresh(ctx, req.UserID, currency); err != nil {
			s.logger.Warn("pre-withdrawal refresh failed", "userId", req.UserID, "currency", currency, "error", err)
		}
	}

	wallet, err := s.ledger.WalletFor(ctx, req.UserID, currency)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.WalletID(wallet.ID))

	now := s.now()
	w := &Withdrawal{
		ID:        idgen.WithPrefix("wd_"),
		UserID:    req.UserID,
		WalletID:  wallet.ID,
		Currency:  currency,
		Amount:    amount,
		ToAddress: to,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	span.SetAttributes(traces.Reference(w.ID))

	if err := s.ledger.Debit(ctx, wallet.ID, amount, "withdrawal:"+w.ID); err != nil {
		metrics.WithdrawalsTotal.WithLabelValues(currency, "rejected").Inc()
		return nil, err
	}

	if err := s.store.Create(ctx, w); err != nil {
		s.creditBack(ctx, w, "record")
		return nil, err
	}

	return s.attempt(ctx, w, wallet.KeyHandle)
}

// Retry resends a PENDING withdrawal whose earlier send was not confirmed.
// The reference is the withdrawal id again, so the signer pays at most once.
func (s *Service) Retry(ctx context.Context, id string) (*Withdrawal, error) {
	ctx, span := traces.StartSpan(ctx, "withdrawals.Retry", traces.Reference(id))
	defer span.End()

	w, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := s.locks.LockContext(ctx, userKey(w.UserID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock: a concurrent retry may have finished it.
	w, err = s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != StatusPending {
		return w, fmt.Errorf("%w: %s", ErrNotPending, w.Status)
	}
	wallet, err := s.ledger.WalletFor(ctx, w.UserID, w.Currency)
	if err != nil {
		return nil, err
	}
	metrics.WithdrawalsTotal.WithLabelValues(w.Currency, "retried").Inc()
	return s.attempt(ctx, w, wallet.KeyHandle)
}

// attempt sends a debited withdrawal and records the outcome.
func (s *Service) attempt(ctx context.Context, w *Withdrawal, keyHandle string) (*Withdrawal, error) {
	txid, err := s.sender.Send(ctx, keyHandle, w.Currency, w.ID, w.ToAddress, w.Amount)

	// The payment may be on chain now; its bookkeeping must not depend on the
	// caller staying connected.
	ctx = context.WithoutCancel(ctx)

	if err != nil && !sendRejected(err) {
		w.Error = err.Error()
		s.logger.Warn("withdrawal send not confirmed, left pending",
			"withdrawalId", w.ID, "userId", w.UserID, "currency", w.Currency, "error", err)
		s.finish(ctx, w, func() error { return s.store.RecordAttempt(ctx, w.ID, w.Error, s.now()) })
		metrics.WithdrawalsTotal.WithLabelValues(w.Currency, "unconfirmed").Inc()
		return w, fmt.Errorf("%w: %w", ErrSendUnconfirmed, err)
	}
	if err != nil {
		s.logger.Warn("withdrawal send rejected",
			"withdrawalId", w.ID, "userId", w.UserID, "currency", w.Currency, "error", err)
		s.creditBack(ctx, w, "send")
		w.Status = StatusFailed
		w.Error = err.Error()
		s.finish(ctx, w, func() error { return s.store.Fail(ctx, w.ID, w.Error, s.now()) })
		metrics.WithdrawalsTotal.WithLabelValues(w.Currency, "failed").Inc()
		s.emit(ctx, w)
		return w, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	w.Status = StatusSent
	w.TxID = txid
	w.Error = ""
	s.finish(ctx, w, func() error { return s.store.Complete(ctx, w.ID, txid, s.now()) })

	metrics.WithdrawalsTotal.WithLabelValues(w.Currency, "sent").Inc()
	s.logger.Info("withdrawal sent",
		"withdrawalId", w.ID, "userId", w.UserID, "currency", w.Currency,
		"amount", w.Amount.String(), "txid", txid)
	s.emit(ctx, w)
	return w, nil
}

// sendRejected reports whether err proves the payment was never broadcast.
// Anything else, timeouts included, may have reached the network.
func sendRejected(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && !r.Retryable()
}

func userKey(id int64) string {
	return fmt.Sprintf("user:%d", id)
}

// creditBack returns a debited amount to the wallet.
func (s *Service) creditBack(ctx context.Context, w *Withdrawal, step string) {
	if err := s.ledger.CreditAvailable(ctx, w.WalletID, w.Amount, "withdrawal_reversal:"+w.ID); err != nil {
		metrics.CompensationsTotal.WithLabelValues("failed").Inc()
		s.logger.Error("CRITICAL: withdrawal reversal failed, requires manual resolution",
			"withdrawalId", w.ID, "walletId", w.WalletID, "step", step,
			"amount", w.Amount.String(), "currency", w.Currency, "error", err)
		return
	}
	metrics.CompensationsTotal.WithLabelValues("ok").Inc()
}

// finish records the final status, retrying once.
func (s *Service) finish(ctx context.Context, w *Withdrawal, write func() error) {
	if err := write(); err == nil {
		w.UpdatedAt = s.now()
		return
	}
	if err := write(); err != nil {
		s.logger.Error("CRITICAL: withdrawal status not recorded, requires manual resolution",
			"withdrawalId", w.ID, "status", w.Status, "txid", w.TxID, "error", err)
		return
	}
	w.UpdatedAt = s.now()
}

// Get returns a withdrawal by ID.
func (s *Service) Get(ctx context.Context, id string) (*Withdrawal, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns a user's withdrawals, newest first.
func (s *Service) ListByUser(ctx context.Context, userID int64, limit int) ([]*Withdrawal, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}
