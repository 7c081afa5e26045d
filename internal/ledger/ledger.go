// Package ledger owns custodial wallet balances.
//
// Every wallet carries two balances:
//   - available: spendable by the owner (funds trades and withdrawals)
//   - pending:   escrowed value credited by a buyer, not yet spendable
//
// Each mutation is a single conditional update scoped to one wallet row, so
// concurrent trades can never both pass a stale balance check. Movements that
// touch more than one wallet are composed (and compensated) by the caller.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowbot/internal/idgen"
	"github.com/mbd888/escrowbot/internal/pagination"
	"github.com/mbd888/escrowbot/internal/validation"
)

var (
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrInsufficientPending     = errors.New("insufficient pending balance")
	ErrWalletNotFound          = errors.New("wallet not found")
	ErrRecipientWalletNotFound = errors.New("recipient has no wallet for this currency")
	ErrWalletExists            = errors.New("wallet already exists for this currency")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidMultisig         = errors.New("invalid multisig parameters")
	ErrInvalidAddress          = errors.New("key manager returned an invalid address")
)

// Kind distinguishes single-key wallets from m-of-n multisig wallets.
type Kind string

const (
	KindSingle   Kind = "single"
	KindMultisig Kind = "multisig"
)

// MaxMultisigKeys bounds n in an m-of-n wallet.
const MaxMultisigKeys = 15

// Entry types recorded for every balance mutation.
const (
	EntryDebit           = "debit"
	EntryCreditAvailable = "credit_available"
	EntryCreditPending   = "credit_pending"
	EntryClearPending    = "clear_pending"
	EntrySettle          = "settle"
	EntryReconcile       = "reconcile"
)

// Wallet is a custodial wallet for one (owner, currency) pair.
type Wallet struct {
	ID         string          `json:"id"`
	OwnerID    int64           `json:"ownerId"`
	Currency   string          `json:"currency"`
	Address    string          `json:"address"`
	KeyHandle  string          `json:"-"` // opaque reference held by the signer
	Available  decimal.Decimal `json:"available"`
	Pending    decimal.Decimal `json:"pending"`
	Kind       Kind            `json:"kind"`
	M          int             `json:"m,omitempty"`
	N          int             `json:"n,omitempty"`
	PublicKeys []string        `json:"publicKeys,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Balance is a read-only snapshot of a wallet's balances.
type Balance struct {
	WalletID  string          `json:"walletId"`
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Pending   decimal.Decimal `json:"pending"`
}

// Entry is an append-only audit record of one balance mutation.
type Entry struct {
	ID        string          `json:"id"`
	WalletID  string          `json:"walletId"`
	Type      string          `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// MultisigParams are the m-of-n parameters of a multisig wallet.
type MultisigParams struct {
	M          int      `json:"m"`
	N          int      `json:"n"`
	PublicKeys []string `json:"publicKeys,omitempty"`
}

// CreateWalletRequest contains the parameters for creating a wallet.
type CreateWalletRequest struct {
	OwnerID  int64          `json:"-"`
	Currency string         `json:"currency" binding:"required"`
	Kind     Kind           `json:"kind"`
	Multisig MultisigParams `json:"multisig"`
}

// Store persists wallets and ledger entries. Every balance mutation must be
// atomic and conditional on the row it touches.
type Store interface {
	Create(ctx context.Context, w *Wallet) error
	Get(ctx context.Context, id string) (*Wallet, error)
	GetByOwner(ctx context.Context, ownerID int64, currency string) (*Wallet, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]*Wallet, error)
	ListAfter(ctx context.Context, afterID string, limit int) ([]*Wallet, error)

	Debit(ctx context.Context, id string, amount decimal.Decimal, entryID, reference string) error
	CreditAvailable(ctx context.Context, id string, amount decimal.Decimal, entryID, reference string) error
	CreditPending(ctx context.Context, ownerID int64, currency string, amount decimal.Decimal, entryID, reference string) error
	ClearPending(ctx context.Context, ownerID int64, currency string, amount decimal.Decimal, entryID, reference string) error
	SettlePending(ctx context.Context, ownerID int64, currency string, gross, share decimal.Decimal, entryID, reference string) error
	RaiseAvailable(ctx context.Context, id string, observed decimal.Decimal, entryID, reference string) (bool, error)

	// History lists entries newest first, strictly after before when set.
	History(ctx context.Context, id string, before *pagination.Cursor, limit int) ([]*Entry, error)
}

// KeyManager is the key-management collaborator. It generates key material
// and returns only the address and an opaque handle to it.
type KeyManager interface {
	CreateWallet(ctx context.Context, currency string, kind Kind, params MultisigParams) (address, keyHandle string, err error)
}

// Ledger manages custodial wallet balances
type Ledger struct {
	store Store
	keys  KeyManager
}

// New creates a new ledger
func New(store Store, keys KeyManager) *Ledger {
	return &Ledger{store: store, keys: keys}
}

// CreateWallet provisions a wallet through the key manager and records it.
// At most one wallet exists per (owner, currency).
func (l *Ledger) CreateWallet(ctx context.Context, req CreateWalletRequest) (*Wallet, error) {
	defer observeOp("create_wallet")()

	currency := strings.ToUpper(req.Currency)
	kind := req.Kind
	if kind == "" {
		kind = KindSingle
	}

	var params MultisigParams
	switch kind {
	case KindSingle:
		params = MultisigParams{M: 1, N: 1}
	case KindMultisig:
		if err := validateMultisig(currency, req.Multisig); err != nil {
			return nil, err
		}
		params = req.Multisig
	default:
		return nil, fmt.Errorf("%w: unknown wallet kind %q", ErrInvalidMultisig, kind)
	}

	if _, err := l.store.GetByOwner(ctx, req.OwnerID, currency); err == nil {
		return nil, ErrWalletExists
	} else if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}

	address, handle, err := l.keys.CreateWallet(ctx, currency, kind, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet keys: %w", err)
	}
	if !validation.IsValidAddress(currency, address) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}

	now := time.Now()
	w := &Wallet{
		ID:        idgen.WithPrefix("wal_"),
		OwnerID:   req.OwnerID,
		Currency:  currency,
		Address:   address,
		KeyHandle: handle,
		Available: decimal.Zero,
		Pending:   decimal.Zero,
		Kind:      kind,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if kind == KindMultisig {
		w.M, w.N = params.M, params.N
		w.PublicKeys = append([]string(nil), params.PublicKeys...)
	}

	if err := l.store.Create(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

func validateMultisig(currency string, p MultisigParams) error {
	if currency != "BTC" {
		return fmt.Errorf("%w: multisig is only supported for BTC", ErrInvalidMultisig)
	}
	if p.M < 1 || p.N < p.M || p.N > MaxMultisigKeys {
		return fmt.Errorf("%w: need 1 <= m <= n <= %d", ErrInvalidMultisig, MaxMultisigKeys)
	}
	if len(p.PublicKeys) != 0 && len(p.PublicKeys) != p.N {
		return fmt.Errorf("%w: expected %d public keys, got %d", ErrInvalidMultisig, p.N, len(p.PublicKeys))
	}
	return nil
}

// Wallet returns a wallet by ID.
func (l *Ledger) Wallet(ctx context.Context, id string) (*Wallet, error) {
	return l.store.Get(ctx, id)
}

// WalletFor returns the owner's wallet for currency.
func (l *Ledger) WalletFor(ctx context.Context, ownerID int64, currency string) (*Wallet, error) {
	return l.store.GetByOwner(ctx, ownerID, strings.ToUpper(currency))
}

// ListByOwner returns all wallets of a user.
func (l *Ledger) ListByOwner(ctx context.Context, ownerID int64) ([]*Wallet, error) {
	return l.store.ListByOwner(ctx, ownerID)
}

// ListAfter pages through all wallets ordered by ID.
func (l *Ledger) ListAfter(ctx context.Context, afterID string, limit int) ([]*Wallet, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.store.ListAfter(ctx, afterID, limit)
}

// GetBalance returns a read-only snapshot of a wallet's balances.
func (l *Ledger) GetBalance(ctx context.Context, walletID string) (*Balance, error) {
	w, err := l.store.Get(ctx, walletID)
	if err != nil {
		return nil, err
	}
	return &Balance{
		WalletID:  w.ID,
		Currency:  w.Currency,
		Available: w.Available,
		Pending:   w.Pending,
	}, nil
}

// Debit removes amount from a wallet's available balance. The balance check
// and the decrement are one conditional update.
func (l *Ledger) Debit(ctx context.Context, walletID string, amount decimal.Decimal, reference string) error {
	defer observeOp(EntryDebit)()
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	err := l.store.Debit(ctx, walletID, amount, newEntryID(), reference)
	if errors.Is(err, ErrInsufficientFunds) {
		insufficientFundsTotal.Inc()
	}
	return err
}

// CreditAvailable adds amount to a wallet's available balance.
func (l *Ledger) CreditAvailable(ctx context.Context, walletID string, amount decimal.Decimal, reference string) error {
	defer observeOp(EntryCreditAvailable)()
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return l.store.CreditAvailable(ctx, walletID, amount, newEntryID(), reference)
}

// CreditPending adds amount to the pending balance of the owner's wallet for
// currency. Returns ErrRecipientWalletNotFound if the owner has no such wallet.
func (l *Ledger) CreditPending(ctx context.Context, ownerID int64, currency string, amount decimal.Decimal, reference string) error {
	defer observeOp(EntryCreditPending)()
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return l.store.CreditPending(ctx, ownerID, strings.ToUpper(currency), amount, newEntryID(), reference)
}

// ClearPending removes escrowed value that has left custody (paid out on-chain).
func (l *Ledger) ClearPending(ctx context.Context, ownerID int64, currency string, amount decimal.Decimal, reference string) error {
	defer observeOp(EntryClearPending)()
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return l.store.ClearPending(ctx, ownerID, strings.ToUpper(currency), amount, newEntryID(), reference)
}

// SettlePending removes gross from pending and adds share to available in a
// single update. Used when a trade settles on the ledger rather than on-chain.
func (l *Ledger) SettlePending(ctx context.Context, ownerID int64, currency string, gross, share decimal.Decimal, reference string) error {
	defer observeOp(EntrySettle)()
	if !gross.IsPositive() || share.IsNegative() || share.GreaterThan(gross) {
		return ErrInvalidAmount
	}
	return l.store.SettlePending(ctx, ownerID, strings.ToUpper(currency), gross, share, newEntryID(), reference)
}

// RaiseAvailable sets available to observed only if observed is strictly
// greater than the stored value. Reports whether the balance changed.
func (l *Ledger) RaiseAvailable(ctx context.Context, walletID string, observed decimal.Decimal, reference string) (bool, error) {
	defer observeOp(EntryReconcile)()
	if observed.IsNegative() {
		return false, ErrInvalidAmount
	}
	return l.store.RaiseAvailable(ctx, walletID, observed, newEntryID(), reference)
}

// History returns a page of a wallet's ledger entries, newest first, and the
// cursor of the following page ("" on the last one).
func (l *Ledger) History(ctx context.Context, walletID string, before *pagination.Cursor, limit int) ([]*Entry, string, error) {
	if limit <= 0 {
		limit = 50
	}
	entries, err := l.store.History(ctx, walletID, before, limit+1)
	if err != nil {
		return nil, "", err
	}
	entries, next := pagination.Trim(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return entries, next, nil
}

func newEntryID() string {
	return idgen.WithPrefix("ent_")
}
