package withdrawals

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists withdrawals in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed withdrawal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const withdrawalColumns = `id, user_id, wallet_id, currency, amount, to_address, status,
		       txid, error, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, w *Withdrawal) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO withdrawals (id, user_id, wallet_id, currency, amount, to_address, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9)`,
		w.ID, w.UserID, w.WalletID, w.Currency, w.Amount, w.ToAddress,
		string(w.Status), w.CreatedAt, w.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Withdrawal, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id)
	w, err := scanWithdrawal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWithdrawalNotFound
	}
	return w, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID int64, limit int) ([]*Withdrawal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Complete(ctx context.Context, id, txid string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE withdrawals SET status = 'SENT', txid = $2, error = NULL, updated_at = $3
		WHERE id = $1 AND status = 'PENDING'`,
		id, txid, at,
	)
	return p.checkFinished(ctx, id, result, err)
}

func (p *PostgresStore) Fail(ctx context.Context, id, reason string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE withdrawals SET status = 'FAILED', error = $2, updated_at = $3
		WHERE id = $1 AND status = 'PENDING'`,
		id, reason, at,
	)
	return p.checkFinished(ctx, id, result, err)
}

func (p *PostgresStore) RecordAttempt(ctx context.Context, id, reason string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE withdrawals SET error = $2, updated_at = $3
		WHERE id = $1 AND status = 'PENDING'`,
		id, reason, at,
	)
	return p.checkFinished(ctx, id, result, err)
}

func (p *PostgresStore) checkFinished(ctx context.Context, id string, result sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWithdrawal(sc scanner) (*Withdrawal, error) {
	w := &Withdrawal{}
	var (
		status string
		txid   sql.NullString
		errMsg sql.NullString
	)
	err := sc.Scan(&w.ID, &w.UserID, &w.WalletID, &w.Currency, &w.Amount, &w.ToAddress, &status,
		&txid, &errMsg, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.Status = Status(status)
	w.TxID = txid.String
	w.Error = errMsg.String
	return w, nil
}

var _ Store = (*PostgresStore)(nil)
