package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// PostgresStore persists transactions in PostgreSQL.
//
// Every status write is a single UPDATE guarded by the expected prior status
// in its WHERE clause; zero rows affected means the CAS was lost.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `id, buyer_id, seller_id, recipient_handle, currency,
		       requested_amount, gross_amount, fee_amount, status, description,
		       source_wallet_id, onchain_txid, payout_claimed_at,
		       created_at, completed_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, buyer_id, seller_id, recipient_handle, currency,
			requested_amount, gross_amount, fee_amount, status, description,
			source_wallet_id, onchain_txid, created_at, completed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10,
			$11, $12, $13, $14, $15
		)`,
		t.ID, t.BuyerID, nullInt64(t.SellerID), nullString(t.RecipientHandle), t.Currency,
		t.RequestedAmount, t.GrossAmount, t.FeeAmount, string(t.Status), t.Description,
		t.SourceWalletID, nullString(t.OnchainTxID), t.CreatedAt, nullTime(t.CompletedAt), t.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)

	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from, to Status, f Finalize) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET
			status = $3,
			payout_claimed_at = NULL,
			completed_at = COALESCE($4, completed_at),
			onchain_txid = COALESCE($5, onchain_txid),
			updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), nullTime(f.CompletedAt), nullString(f.OnchainTxID),
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.status(ctx, id); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

func (p *PostgresStore) ClaimPayout(ctx context.Context, id string, expected Status, now, staleBefore time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET payout_claimed_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
		  AND (payout_claimed_at IS NULL OR payout_claimed_at < $4)`,
		id, string(expected), now, staleBefore,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	status, err := p.status(ctx, id)
	if err != nil {
		return err
	}
	if status != expected {
		return ErrStatusConflict
	}
	return ErrPayoutInProgress
}

func (p *PostgresStore) ReleaseClaim(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET payout_claimed_at = NULL, updated_at = NOW() WHERE id = $1`, id)
	return err
}

func (p *PostgresStore) ExpireOne(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET status = 'EXPIRED', updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING' AND created_at < $2 AND payout_claimed_at IS NULL`,
		id, cutoff,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (p *PostgresStore) ExpireBefore(ctx context.Context, cutoff time.Time) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE transactions SET status = 'EXPIRED', updated_at = NOW()
		WHERE status = 'PENDING' AND created_at < $1 AND payout_claimed_at IS NULL
		RETURNING `+txColumns, cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) ListUnlinked(ctx context.Context, handle string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE seller_id IS NULL AND LOWER(recipient_handle) = LOWER($1)
		  AND status IN ('PENDING', 'DISPUTED')
		ORDER BY created_at`, handle)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) LinkSeller(ctx context.Context, id, handle string, sellerID int64) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET seller_id = $3, recipient_handle = NULL, updated_at = NOW()
		WHERE id = $1 AND seller_id IS NULL AND LOWER(recipient_handle) = LOWER($2)
		  AND status IN ('PENDING', 'DISPUTED')`,
		id, handle, sellerID,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (p *PostgresStore) UnlinkSeller(ctx context.Context, id string, sellerID int64, handle string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET seller_id = NULL, recipient_handle = $3, updated_at = NOW()
		WHERE id = $1 AND seller_id = $2`,
		id, sellerID, handle,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID int64, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) PendingGross(ctx context.Context, sellerID int64, currency string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(gross_amount), 0) FROM transactions
		WHERE seller_id = $1 AND currency = $2 AND status = 'PENDING'`,
		sellerID, currency,
	).Scan(&sum)
	return sum, err
}

func (p *PostgresStore) CountOpen(ctx context.Context, userID int64) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE (buyer_id = $1 OR seller_id = $1) AND status IN ('PENDING', 'DISPUTED')`,
		userID,
	).Scan(&n)
	return n, err
}

func (p *PostgresStore) LatestPending(ctx context.Context, buyerID int64) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE buyer_id = $1 AND status = 'PENDING'
		ORDER BY created_at DESC
		LIMIT 1`, buyerID)

	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (p *PostgresStore) status(ctx context.Context, id string) (Status, error) {
	var s string
	err := p.db.QueryRowContext(ctx, `SELECT status FROM transactions WHERE id = $1`, id).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrTransactionNotFound
	}
	return Status(s), err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		sellerID    sql.NullInt64
		handle      sql.NullString
		status      string
		onchainTxID sql.NullString
		claimedAt   sql.NullTime
		completedAt sql.NullTime
	)

	err := s.Scan(
		&t.ID, &t.BuyerID, &sellerID, &handle, &t.Currency,
		&t.RequestedAmount, &t.GrossAmount, &t.FeeAmount, &status, &t.Description,
		&t.SourceWalletID, &onchainTxID, &claimedAt,
		&t.CreatedAt, &completedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.SellerID = sellerID.Int64
	t.RecipientHandle = handle.String
	t.OnchainTxID = onchainTxID.String
	if claimedAt.Valid {
		t.PayoutClaimedAt = &claimedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullInt64 maps the zero ID to NULL.
func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
