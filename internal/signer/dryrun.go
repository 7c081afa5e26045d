package signer

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowbot/internal/escrow"
	"github.com/mbd888/escrowbot/internal/idgen"
	"github.com/mbd888/escrowbot/internal/ledger"
	"github.com/mbd888/escrowbot/internal/validation"
)

// DryRun is an in-process signer for development and tests. It derives
// well-formed addresses from random bytes, records sends, and broadcasts
// nothing.
type DryRun struct {
	mu      sync.Mutex
	wallets map[string]string // key handle -> currency
	sends   map[string]*Sent  // reference -> send
	logger  *slog.Logger
}

// Sent is a payment recorded by DryRun.
type Sent struct {
	KeyHandle string
	Currency  string
	Reference string
	Outputs   []escrow.Output
	TxID      string
}

// NewDryRun creates a dry-run signer.
func NewDryRun(logger *slog.Logger) *DryRun {
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRun{
		wallets: make(map[string]string),
		sends:   make(map[string]*Sent),
		logger:  logger,
	}
}

// CreateWallet returns a fresh address for currency.
func (d *DryRun) CreateWallet(ctx context.Context, currency string, kind ledger.Kind, params ledger.MultisigParams) (string, string, error) {
	currency = strings.ToUpper(currency)

	seed := make([]byte, 33)
	if _, err := rand.Read(seed); err != nil {
		return "", "", &Error{Op: OpCreateWallet, Err: fmt.Errorf("%w: %w", ErrSigning, err)}
	}

	var address string
	switch currency {
	case "BTC":
		hash := btcutil.Hash160(seed)
		if kind == ledger.KindMultisig {
			addr, err := btcutil.NewAddressScriptHashFromHash(hash, validation.BTCParams)
			if err != nil {
				return "", "", &Error{Op: OpCreateWallet, Err: fmt.Errorf("%w: %w", ErrSigning, err)}
			}
			address = addr.EncodeAddress()
		} else {
			addr, err := btcutil.NewAddressPubKeyHash(hash, validation.BTCParams)
			if err != nil {
				return "", "", &Error{Op: OpCreateWallet, Err: fmt.Errorf("%w: %w", ErrSigning, err)}
			}
			address = addr.EncodeAddress()
		}
	default:
		// account-model chains share the ethereum address format
		address = common.BytesToAddress(crypto.Keccak256(seed[1:])[12:]).Hex()
	}

	handle := idgen.WithPrefix("kh_")
	d.mu.Lock()
	d.wallets[handle] = currency
	d.mu.Unlock()

	d.logger.Info("dry-run wallet created", "currency", currency, "kind", kind, "address", address)
	return address, handle, nil
}

// SendSplit records the payment. Repeating a reference returns the first
// txid without recording a second send.
func (d *DryRun) SendSplit(ctx context.Context, keyHandle, currency, reference string, outputs []escrow.Output) (string, error) {
	if len(outputs) == 0 {
		return "", &Error{Op: OpSend, Reference: reference, Err: fmt.Errorf("%w: no outputs", ErrSigning)}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if s, ok := d.sends[reference]; ok {
		return s.TxID, nil
	}
	if _, ok := d.wallets[keyHandle]; !ok {
		return "", &Error{Op: OpSend, Reference: reference, Err: fmt.Errorf("%w: unknown key handle", ErrSigning)}
	}

	currency = strings.ToUpper(currency)
	var txid string
	if currency == "BTC" {
		txid = chainhash.DoubleHashH([]byte(keyHandle + ":" + reference)).String()
	} else {
		txid = crypto.Keccak256Hash([]byte(keyHandle + ":" + reference)).Hex()
	}

	d.sends[reference] = &Sent{
		KeyHandle: keyHandle,
		Currency:  currency,
		Reference: reference,
		Outputs:   append([]escrow.Output(nil), outputs...),
		TxID:      txid,
	}
	d.logger.Info("dry-run send recorded", "reference", reference, "currency", currency, "outputs", len(outputs), "txid", txid)
	return txid, nil
}

// Send pays a single output.
func (d *DryRun) Send(ctx context.Context, keyHandle, currency, reference, to string, amount decimal.Decimal) (string, error) {
	return d.SendSplit(ctx, keyHandle, currency, reference, []escrow.Output{{Address: to, Amount: amount}})
}

// Sent returns the send recorded under reference.
func (d *DryRun) Sent(reference string) (*Sent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sends[reference]
	if !ok {
		return nil, false
	}
	cp := *s
	cp.Outputs = append([]escrow.Output(nil), s.Outputs...)
	return &cp, true
}

// SendCount returns the number of distinct sends.
func (d *DryRun) SendCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sends)
}

var (
	_ ledger.KeyManager = (*DryRun)(nil)
	_ escrow.Payer      = (*DryRun)(nil)
)
