package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowbot/internal/pagination"
)

// PostgresStore implements Store with PostgreSQL.
//
// Balance mutations run as one statement each: a conditional UPDATE in a CTE
// feeding the ledger_entries INSERT. Under READ COMMITTED a concurrent writer
// blocks on the row lock and then re-checks the WHERE clause against the
// committed row, so a balance check can never pass on stale data.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const walletColumns = `id, owner_id, currency, address, key_handle, available, pending,
		       kind, m, n, public_keys, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, w *Wallet) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallets (
			id, owner_id, currency, address, key_handle, available, pending,
			kind, m, n, public_keys, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12, $13)`,
		w.ID, w.OwnerID, w.Currency, w.Address, w.KeyHandle, w.Available, w.Pending,
		string(w.Kind), w.M, w.N, pq.Array(w.PublicKeys), w.CreatedAt, w.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrWalletExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Wallet, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	return w, err
}

func (p *PostgresStore) GetByOwner(ctx context.Context, ownerID int64, currency string) (*Wallet, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1 AND currency = $2`,
		ownerID, currency)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	return w, err
}

func (p *PostgresStore) ListByOwner(ctx context.Context, ownerID int64) ([]*Wallet, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1 ORDER BY currency`, ownerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanWallets(rows)
}

func (p *PostgresStore) ListAfter(ctx context.Context, afterID string, limit int) ([]*Wallet, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+walletColumns+` FROM wallets WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanWallets(rows)
}

func (p *PostgresStore) Debit(ctx context.Context, id string, amount decimal.Decimal, entryID, reference string) error {
	n, err := p.exec(ctx, `
		WITH upd AS (
			UPDATE wallets SET available = available - $2::NUMERIC, updated_at = NOW()
			WHERE id = $1 AND available >= $2::NUMERIC
			RETURNING id
		)
		INSERT INTO ledger_entries (id, wallet_id, type, amount, reference, created_at)
		SELECT $3, id, 'debit', $2::NUMERIC, $4, NOW() FROM upd`,
		id, amount, entryID, reference)
	if err != nil {
		return fmt.Errorf("failed to debit wallet: %w", err)
	}
	if n == 0 {
		return p.missOrShort(ctx, `SELECT 1 FROM wallets WHERE id = $1`, ErrInsufficientFunds, id)
	}
	return nil
}

func (p *PostgresStore) CreditAvailable(ctx context.Context, id string, amount decimal.Decimal, entryID, reference string) error {
	n, err := p.exec(ctx, `
		WITH upd AS (
			UPDATE wallets SET available = available + $2::NUMERIC, updated_at = NOW()
			WHERE id = $1
			RETURNING id
		)
		INSERT INTO ledger_entries (id, wallet_id, type, amount, reference, created_at)
		SELECT $3, id, 'credit_available', $2::NUMERIC, $4, NOW() FROM upd`,
		id, amount, entryID, reference)
	if err != nil {
		return fmt.Errorf("failed to credit wallet: %w", err)
	}
	if n == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func (p *PostgresStore) CreditPending(ctx context.Context, ownerID int64, currency string, amount decimal.Decimal, entryID, reference string) error {
	n, err := p.exec(ctx, `
		WITH upd AS (
			UPDATE wallets SET pending = pending + $3::NUMERIC, updated_at = NOW()
			WHERE owner_id = $1 AND currency = $2
			RETURNING id
		)
		INSERT INTO ledger_entries (id, wallet_id, type, amount, reference, created_at)
		SELECT $4, id, 'credit_pending', $3::NUMERIC, $5, NOW() FROM upd`,
		ownerID, currency, amount, entryID, reference)
	if err != nil {
		return fmt.Errorf("failed to credit pending: %w", err)
	}
	if n == 0 {
		return ErrRecipientWalletNotFound
	}
	return nil
}

func (p *PostgresStore) ClearPending(ctx context.Context, ownerID int64, currency string, amount decimal.Decimal, entryID, reference string) error {
	n, err := p.exec(ctx, `
		WITH upd AS (
			UPDATE wallets SET pending = pending - $3::NUMERIC, updated_at = NOW()
			WHERE owner_id = $1 AND currency = $2 AND pending >= $3::NUMERIC
			RETURNING id
		)
		INSERT INTO ledger_entries (id, wallet_id, type, amount, reference, created_at)
		SELECT $4, id, 'clear_pending', $3::NUMERIC, $5, NOW() FROM upd`,
		ownerID, currency, amount, entryID, reference)
	if err != nil {
		return fmt.Errorf("failed to clear pending: %w", err)
	}
	if n == 0 {
		return p.missOrShort(ctx, `SELECT 1 FROM wallets WHERE owner_id = $1 AND currency = $2`,
			ErrInsufficientPending, ownerID, currency)
	}
	return nil
}

func (p *PostgresStore) SettlePending(ctx context.Context, ownerID int64, currency string, gross, share decimal.Decimal, entryID, reference string) error {
	n, err := p.exec(ctx, `
		WITH upd AS (
			UPDATE wallets SET
				pending   = pending - $3::NUMERIC,
				available = available + $4::NUMERIC,
				updated_at = NOW()
			WHERE owner_id = $1 AND currency = $2 AND pending >= $3::NUMERIC
			RETURNING id
		)
		INSERT INTO ledger_entries (id, wallet_id, type, amount, reference, created_at)
		SELECT $5, id, 'settle', $4::NUMERIC, $6, NOW() FROM upd`,
		ownerID, currency, gross, share, entryID, reference)
	if err != nil {
		return fmt.Errorf("failed to settle pending: %w", err)
	}
	if n == 0 {
		return p.missOrShort(ctx, `SELECT 1 FROM wallets WHERE owner_id = $1 AND currency = $2`,
			ErrInsufficientPending, ownerID, currency)
	}
	return nil
}

func (p *PostgresStore) RaiseAvailable(ctx context.Context, id string, observed decimal.Decimal, entryID, reference string) (bool, error) {
	n, err := p.exec(ctx, `
		WITH prev AS (
			SELECT id, available FROM wallets WHERE id = $1 FOR UPDATE
		), upd AS (
			UPDATE wallets w SET available = $2::NUMERIC, updated_at = NOW()
			FROM prev
			WHERE w.id = prev.id AND prev.available < $2::NUMERIC
			RETURNING w.id, $2::NUMERIC - prev.available AS delta
		)
		INSERT INTO ledger_entries (id, wallet_id, type, amount, reference, created_at)
		SELECT $3, id, 'reconcile', delta, $4, NOW() FROM upd`,
		id, observed, entryID, reference)
	if err != nil {
		return false, fmt.Errorf("failed to raise available: %w", err)
	}
	if n == 0 {
		if err := p.missOrShort(ctx, `SELECT 1 FROM wallets WHERE id = $1`, nil, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) History(ctx context.Context, id string, before *pagination.Cursor, limit int) ([]*Entry, error) {
	if _, err := p.Get(ctx, id); err != nil {
		return nil, err
	}

	query := `
		SELECT id, wallet_id, type, amount, COALESCE(reference, ''), created_at
		FROM ledger_entries
		WHERE wallet_id = $1`
	args := []interface{}{id, limit}
	if before != nil {
		query += ` AND (created_at, id) < ($3, $4)`
		args = append(args, before.At, before.ID)
	}
	query += `
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.WalletID, &e.Type, &e.Amount, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// missOrShort distinguishes a missing wallet from a failed balance condition
// after a conditional update touched no rows.
func (p *PostgresStore) missOrShort(ctx context.Context, query string, short error, args ...interface{}) error {
	var one int
	err := p.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrWalletNotFound
	}
	if err != nil {
		return err
	}
	return short
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWallet(sc scanner) (*Wallet, error) {
	w := &Wallet{}
	var kind string
	var keys []string
	err := sc.Scan(
		&w.ID, &w.OwnerID, &w.Currency, &w.Address, &w.KeyHandle, &w.Available, &w.Pending,
		&kind, &w.M, &w.N, pq.Array(&keys), &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	w.Kind = Kind(kind)
	if len(keys) > 0 {
		w.PublicKeys = keys
	}
	return w, nil
}

func scanWallets(rows *sql.Rows) ([]*Wallet, error) {
	var result []*Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
