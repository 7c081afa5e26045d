// Package escrow runs the lifecycle of a two-party trade.
//
// Flow:
//  1. Initiate: buyer's available balance is debited by the fee-inclusive
//     gross and the seller's pending balance is credited by the same gross
//  2. Release: buyer confirms; gross leaves custody in one split payment
//     (seller share + platform fee) and the seller's pending is cleared
//  3. Dispute: buyer blocks the trade until an admin settles it
//  4. Expire: PENDING trades older than the expiry window become EXPIRED
//
// Status only moves forward:
//
//	PENDING -> COMPLETED | DISPUTED | EXPIRED
//	DISPUTED -> COMPLETED | REFUNDED | CANCELLED
package escrow

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
	"github.com/mbd888/escrowbot/internal/users"
	"github.com/mbd888/escrowbot/internal/validation"
)

var (
	ErrTransactionNotFound    = errors.New("transaction not found")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrStatusConflict         = errors.New("transaction status changed concurrently")
	ErrUnauthorized           = errors.New("not authorized for this transaction")
	ErrExpired                = errors.New("transaction expired")
	ErrRecipientWalletMissing = errors.New("recipient has no wallet for this currency")
	ErrSourceWalletMissing    = errors.New("buyer has no wallet for this currency")
	ErrUnknownRecipient       = errors.New("recipient is not a registered user")
	ErrInvalidRecipient       = errors.New("exactly one of recipient id or handle is required")
	ErrSelfTrade              = errors.New("buyer and seller must differ")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidResolution      = errors.New("resolution must be COMPLETED, REFUNDED or CANCELLED")
	ErrPayoutInProgress       = errors.New("payout already in progress")
	ErrPayoutFailed           = errors.New("payout failed")
)

// Status represents the state of a transaction.
type Status string

const (
	StatusPending   Status = "PENDING"   // Buyer debited, seller pending credited
	StatusCompleted Status = "COMPLETED" // Paid out to the seller
	StatusDisputed  Status = "DISPUTED"  // Blocked until an admin settles
	StatusExpired   Status = "EXPIRED"   // Aged out while PENDING
	StatusRefunded  Status = "REFUNDED"  // Dispute settled with the refund split
	StatusCancelled Status = "CANCELLED" // Dispute closed without payout
)

// IsTerminal returns true if no transition leaves s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusExpired, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusCompleted || to == StatusDisputed || to == StatusExpired
	case StatusDisputed:
		return to == StatusCompleted || to == StatusRefunded || to == StatusCancelled
	}
	return false
}

// Transaction is one escrowed trade.
type Transaction struct {
	ID              string          `json:"id"`
	BuyerID         int64           `json:"buyerId"`
	SellerID        int64           `json:"sellerId,omitempty"`        // 0 until a handle recipient registers
	RecipientHandle string          `json:"recipientHandle,omitempty"` // set iff SellerID == 0
	Currency        string          `json:"currency"`
	RequestedAmount decimal.Decimal `json:"requestedAmount"`
	GrossAmount     decimal.Decimal `json:"grossAmount"`
	FeeAmount       decimal.Decimal `json:"feeAmount"`
	Status          Status          `json:"status"`
	Description     string          `json:"description,omitempty"`
	SourceWalletID  string          `json:"sourceWalletId"`
	OnchainTxID     string          `json:"onchainTxId,omitempty"`
	PayoutClaimedAt *time.Time      `json:"-"`
	CreatedAt       time.Time       `json:"createdAt"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// HasSeller reports whether the recipient is linked to a user.
func (t *Transaction) HasSeller() bool {
	return t.SellerID != 0
}

// InvolvesUser reports whether userID is the buyer or the linked seller.
func (t *Transaction) InvolvesUser(userID int64) bool {
	return t.BuyerID == userID || (t.SellerID != 0 && t.SellerID == userID)
}

// Finalize carries the fields written together with a status change.
type Finalize struct {
	CompletedAt *time.Time
	OnchainTxID string
}

// Store persists transactions. Every status write is a compare-and-set on
// the expected prior status.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)

	// Transition moves id from -> to. ErrStatusConflict when the stored
	// status is not from.
	Transition(ctx context.Context, id string, from, to Status, f Finalize) error

	// ClaimPayout marks id as being paid out. Succeeds only while the status
	// is expected and no live claim exists; claims older than staleBefore are
	// considered abandoned.
	ClaimPayout(ctx context.Context, id string, expected Status, now, staleBefore time.Time) error
	ReleaseClaim(ctx context.Context, id string) error

	// ExpireOne expires id if it is PENDING, unclaimed and created before cutoff.
	ExpireOne(ctx context.Context, id string, cutoff time.Time) (bool, error)
	// ExpireBefore expires every PENDING, unclaimed trade created before cutoff.
	ExpireBefore(ctx context.Context, cutoff time.Time) ([]*Transaction, error)

	// ListUnlinked returns open trades waiting for handle (case-insensitive).
	ListUnlinked(ctx context.Context, handle string) ([]*Transaction, error)
	// LinkSeller sets the seller of an unlinked open trade addressed to handle.
	LinkSeller(ctx context.Context, id, handle string, sellerID int64) (bool, error)
	// UnlinkSeller reverts LinkSeller.
	UnlinkSeller(ctx context.Context, id string, sellerID int64, handle string) error

	ListByUser(ctx context.Context, userID int64, limit int) ([]*Transaction, error)
	PendingGross(ctx context.Context, sellerID int64, currency string) (decimal.Decimal, error)
	CountOpen(ctx context.Context, userID int64) (int, error)
	LatestPending(ctx context.Context, buyerID int64) (*Transaction, error)
}

// Ledger is the subset of the wallet ledger the state machine drives.
type Ledger interface {
	Wallet(ctx context.Context, id string) (*ledger.Wallet, error)
	WalletFor(ctx context.Context, ownerID int64, currency string) (*ledger.Wallet, error)
	Debit(ctx context.Context, walletID string, amount decimal.Decimal, reference string) error
	CreditAvailable(ctx context.Context, walletID string, amount decimal.Decimal, reference string) error
	CreditPending(ctx context.Context, ownerID int64, currency string, amount decimal.Decimal, reference string) error
	ClearPending(ctx context.Context, ownerID int64, currency string, amount decimal.Decimal, reference string) error
	SettlePending(ctx context.Context, ownerID int64, currency string, gross, share decimal.Decimal, reference string) error
}

// Directory resolves trade recipients to registered users.
type Directory interface {
	Get(ctx context.Context, id int64) (*users.User, error)
	ByHandle(ctx context.Context, handle string) (*users.User, error)
}

// Output is one destination of a split payment.
type Output struct {
	Address string
	Amount  decimal.Decimal
}

// Payer sends value out of a custodial wallet. reference makes the send
// idempotent: repeating a reference never pays twice.
type Payer interface {
	SendSplit(ctx context.Context, keyHandle, currency, reference string, outputs []Output) (txid string, err error)
}

// Notifier receives trade lifecycle events once they are stored. event is
// one of "transaction.created", "transaction.linked", "transaction.disputed"
// or "transaction." plus the lower-cased final status. Implementations must
// not block.
type Notifier interface {
	TransactionEvent(ctx context.Context, event string, tx *Transaction)
}

// Policy holds the money rules of the service.
type Policy struct {
	FeePercent     decimal.Decimal   // charged on top of the requested amount
	ReleasePercent decimal.Decimal   // seller share of gross on release
	RefundPercent  decimal.Decimal   // seller share of gross on a REFUNDED settlement
	ExpiryWindow   time.Duration     // PENDING trades older than this expire
	FeeAddresses   map[string]string // platform fee address per currency
	OnChain        []string          // currencies paid out through the Payer
}

// DefaultPolicy returns the production money rules: 5% fee, 95/5 release
// split, 50/50 refund split, 24h expiry.
func DefaultPolicy() Policy {
	return Policy{
		FeePercent:     decimal.NewFromInt(5),
		ReleasePercent: decimal.NewFromInt(95),
		RefundPercent:  decimal.NewFromInt(50),
		ExpiryWindow:   24 * time.Hour,
		FeeAddresses:   map[string]string{},
	}
}

func (p Policy) isOnChain(currency string) bool {
	for _, c := range p.OnChain {
		if strings.EqualFold(c, currency) {
			return true
		}
	}
	return false
}

// payoutClaimTTL bounds how long a crashed payout can block a trade.
const payoutClaimTTL = 5 * time.Minute

// InitiateRequest contains the parameters for opening a trade.
type InitiateRequest struct {
	BuyerID         int64           `json:"-"`
	SellerID        int64           `json:"recipientId"`
	RecipientHandle string          `json:"recipientHandle"`
	Currency        string          `json:"currency" binding:"required"`
	Amount          decimal.Decimal `json:"amount"`
	Description     string          `json:"description"`
}

// Service implements the escrow state machine.
type Service struct {
	store  Store
	ledger Ledger
	users  Directory
	payer  Payer // nil = every currency settles on the ledger
	notify Notifier
	policy Policy
	locks  *syncutil.ContextShardedMutex
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a new escrow service.
func NewService(store Store, ledger Ledger, users Directory, payer Payer, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		ledger: ledger,
		users:  users,
		payer:  payer,
		policy: DefaultPolicy(),
		locks:  syncutil.NewContextShardedMutex(),
		now:    time.Now,
		logger: logger,
	}
}

// WithPolicy overrides the default money rules.
func (s *Service) WithPolicy(p Policy) *Service {
	if p.FeeAddresses == nil {
		p.FeeAddresses = map[string]string{}
	}
	s.policy = p
	return s
}

// WithNotifier publishes lifecycle events to n.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notify = n
	return s
}

// WithClock replaces time.Now (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Policy returns the money rules in effect.
func (s *Service) Policy() Policy {
	return s.policy
}

// emit hands a snapshot of tx to the notifier.
func (s *Service) emit(ctx context.Context, event string, tx *Transaction) {
	if s.notify == nil {
		return
	}
	snapshot := copyTx(tx)
	s.notify.TransactionEvent(ctx, "transaction."+event, snapshot)
}

// lock serializes operations on one transaction inside this process.
func (s *Service) lock(ctx context.Context, id string) (func(), error) {
	return s.locks.LockContext(ctx, "tx:"+id)
}

// recipient is a resolved counterparty. userID is 0 for an unknown handle.
type recipient struct {
	userID int64
	handle string
}

func (s *Service) resolveRecipient(ctx context.Context, req InitiateRequest) (recipient, error) {
	handle := validation.NormalizeHandle(req.RecipientHandle)
	if (req.SellerID == 0) == (handle == "") {
		return recipient{}, ErrInvalidRecipient
	}

	if req.SellerID != 0 {
		u, err := s.users.Get(ctx, req.SellerID)
		if errors.Is(err, users.ErrUserNotFound) {
			return recipient{}, ErrUnknownRecipient
		}
		if err != nil {
			return recipient{}, err
		}
		return recipient{userID: u.ID, handle: u.Handle}, nil
	}

	if !validation.IsValidHandle(handle) {
		return recipient{}, fmt.Errorf("%w: invalid handle %q", ErrInvalidRecipient, handle)
	}
	u, err := s.users.ByHandle(ctx, handle)
	if errors.Is(err, users.ErrUserNotFound) {
		return recipient{handle: handle}, nil
	}
	if err != nil {
		return recipient{}, err
	}
	return recipient{userID: u.ID, handle: u.Handle}, nil
}

// Initiate opens a trade: the buyer is debited the fee-inclusive gross and the
// seller's pending balance is credited. Every step that cannot complete
// compensates the ones before it.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Initiate", traces.UserID(req.BuyerID))
	defer span.End()

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if !validation.IsValidCurrency(currency) {
		return nil, fmt.Errorf("%w: currency %q", ErrInvalidAmount, req.Currency)
	}
	amount := req.Amount.Truncate(money.Places(currency))
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	rcpt, err := s.resolveRecipient(ctx, req)
	if err != nil {
		return nil, err
	}
	if rcpt.userID == req.BuyerID {
		return nil, ErrSelfTrade
	}

	source, err := s.ledger.WalletFor(ctx, req.BuyerID, currency)
	if errors.Is(err, ledger.ErrWalletNotFound) {
		return nil, ErrSourceWalletMissing
	}
	if err != nil {
		return nil, err
	}

	fee, gross := money.WithFee(amount, s.policy.FeePercent, currency)
	now := s.now()
	tx := &Transaction{
		ID:              idgen.New(),
		BuyerID:         req.BuyerID,
		Currency:        currency,
		RequestedAmount: amount,
		GrossAmount:     gross,
		FeeAmount:       fee,
		Status:          StatusPending,
		Description:     validation.SanitizeString(req.Description, validation.MaxStringLength),
		SourceWalletID:  source.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	span.SetAttributes(traces.TransactionID(tx.ID), traces.Currency(currency), traces.Amount(gross.String()))

	// (a) buyer pays gross
	if err := s.ledger.Debit(ctx, source.ID, gross, tx.ID); err != nil {
		return nil, fmt.Errorf("failed to debit buyer: %w", err)
	}

	// (b) seller pending, or a handle credit waiting for registration
	credited := false
	switch {
	case rcpt.userID == 0:
		tx.RecipientHandle = rcpt.handle
	default:
		err := s.ledger.CreditPending(ctx, rcpt.userID, currency, gross, tx.ID)
		switch {
		case err == nil:
			tx.SellerID = rcpt.userID
			credited = true
		case errors.Is(err, ledger.ErrRecipientWalletNotFound):
			s.refundBuyer(ctx, tx)
			return nil, ErrRecipientWalletMissing
		default:
			s.refundBuyer(ctx, tx)
			return nil, fmt.Errorf("failed to credit seller: %w", err)
		}
	}

	// (c) persist
	if err := s.store.Create(ctx, tx); err != nil {
		if credited {
			s.compensate(ctx, tx, "seller pending", func() error {
				return s.ledger.ClearPending(ctx, tx.SellerID, currency, gross, tx.ID+":compensate")
			})
		}
		s.refundBuyer(ctx, tx)
		return nil, fmt.Errorf("failed to create transaction record: %w", err)
	}

	kind := "linked"
	if !tx.HasSeller() {
		kind = "handle"
	}
	metrics.TransactionsInitiated.WithLabelValues(currency, kind).Inc()
	s.logger.Info("transaction initiated",
		"transactionId", tx.ID, "buyerId", tx.BuyerID, "sellerId", tx.SellerID,
		"recipientHandle", tx.RecipientHandle, "currency", currency,
		"gross", gross.String(), "fee", fee.String())

	s.emit(ctx, "created", tx)
	return tx, nil
}

func (s *Service) refundBuyer(ctx context.Context, tx *Transaction) {
	s.compensate(ctx, tx, "buyer debit", func() error {
		return s.ledger.CreditAvailable(ctx, tx.SourceWalletID, tx.GrossAmount, tx.ID+":compensate")
	})
}

// compensate runs an undo step. A failed undo leaves money misplaced, so it is
// logged for manual resolution.
func (s *Service) compensate(ctx context.Context, tx *Transaction, what string, undo func() error) {
	if err := undo(); err != nil {
		metrics.CompensationsTotal.WithLabelValues("failed").Inc()
		s.logger.Error("CRITICAL: compensation failed, requires manual resolution",
			"transactionId", tx.ID, "step", what, "amount", tx.GrossAmount.String(),
			"currency", tx.Currency, "error", err)
		return
	}
	metrics.CompensationsTotal.WithLabelValues("ok").Inc()
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns trades where the user is buyer or seller, newest first.
func (s *Service) ListByUser(ctx context.Context, userID int64, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// PendingBalance sums the gross of PENDING trades where userID is the seller.
func (s *Service) PendingBalance(ctx context.Context, userID int64, currency string) (decimal.Decimal, error) {
	return s.store.PendingGross(ctx, userID, strings.ToUpper(currency))
}

// HasOpenTransactions reports whether the user is party to a PENDING or
// DISPUTED trade.
func (s *Service) HasOpenTransactions(ctx context.Context, userID int64) (bool, error) {
	n, err := s.store.CountOpen(ctx, userID)
	return n > 0, err
}

// LatestPending returns the buyer's most recent PENDING trade.
func (s *Service) LatestPending(ctx context.Context, buyerID int64) (*Transaction, error) {
	return s.store.LatestPending(ctx, buyerID)
}

// isAged reports whether a PENDING trade is past the expiry window.
func (s *Service) isAged(tx *Transaction) bool {
	return !s.now().Before(tx.CreatedAt.Add(s.policy.ExpiryWindow))
}

// expireInline flips an aged trade to EXPIRED during a user call, since the
// sweeper may run late.
func (s *Service) expireInline(ctx context.Context, tx *Transaction) error {
	ok, err := s.store.ExpireOne(ctx, tx.ID, s.now().Add(-s.policy.ExpiryWindow))
	if err != nil {
		return err
	}
	if ok {
		metrics.ExpiredTotal.Inc()
		metrics.TransitionsTotal.WithLabelValues(string(StatusPending), string(StatusExpired)).Inc()
		s.logger.Info("transaction expired", "transactionId", tx.ID, "createdAt", tx.CreatedAt)
		s.dropPending(ctx, tx, StatusExpired)
		tx.Status = StatusExpired
		s.emit(ctx, "expired", tx)
	}
	return ErrExpired
}

// Dispute moves a PENDING trade to DISPUTED. Only the buyer may dispute.
// Disputing an already DISPUTED trade returns it unchanged so a missing
// dispute record can be recreated.
func (s *Service) Dispute(ctx context.Context, id string, callerID int64) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Dispute", traces.TransactionID(id))
	defer span.End()

	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.BuyerID != callerID {
		return nil, ErrUnauthorized
	}
	if tx.Status == StatusDisputed {
		return tx, nil
	}
	if tx.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, tx.Status, StatusDisputed)
	}
	if s.isAged(tx) {
		return nil, s.expireInline(ctx, tx)
	}

	if err := s.store.Transition(ctx, id, StatusPending, StatusDisputed, Finalize{}); err != nil {
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues(string(StatusPending), string(StatusDisputed)).Inc()

	tx.Status = StatusDisputed
	tx.UpdatedAt = s.now()
	s.logger.Info("transaction disputed", "transactionId", id, "buyerId", callerID)
	s.emit(ctx, "disputed", tx)
	return tx, nil
}

// ExpirePending expires every PENDING trade past the expiry window that is
// not being paid out. Returns the number expired.
func (s *Service) ExpirePending(ctx context.Context) (int, error) {
	expired, err := s.store.ExpireBefore(ctx, s.now().Add(-s.policy.ExpiryWindow))
	if err != nil {
		return 0, err
	}
	for _, tx := range expired {
		metrics.ExpiredTotal.Inc()
		metrics.TransitionsTotal.WithLabelValues(string(StatusPending), string(StatusExpired)).Inc()
		metrics.TradeDuration.WithLabelValues(string(StatusExpired)).Observe(s.now().Sub(tx.CreatedAt).Seconds())
		s.logger.Info("transaction expired",
			"transactionId", tx.ID, "buyerId", tx.BuyerID,
			"gross", tx.GrossAmount.String(), "currency", tx.Currency)
		s.dropPending(ctx, tx, StatusExpired)
		s.emit(ctx, "expired", tx)
	}
	return len(expired), nil
}

// dropPending takes the gross of a trade closed without payout off the
// seller's pending balance. The buyer's debit stays where it is.
func (s *Service) dropPending(ctx context.Context, tx *Transaction, final Status) {
	if !tx.HasSeller() {
		return
	}
	reference := tx.ID + ":" + strings.ToLower(string(final))
	if err := s.ledger.ClearPending(ctx, tx.SellerID, tx.Currency, tx.GrossAmount, reference); err != nil {
		s.logger.Error("CRITICAL: seller pending not cleared on close, requires manual resolution",
			"transactionId", tx.ID, "sellerId", tx.SellerID, "status", final,
			"gross", tx.GrossAmount.String(), "currency", tx.Currency, "error", err)
	}
}

// IsRetryable reports whether err is a transient failure the caller may retry
// with the same request.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPayoutInProgress) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}
