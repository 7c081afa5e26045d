package disputes

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/escrowbot/internal/escrow"
)

// PostgresStore persists disputes in PostgreSQL. The partial unique index
// idx_disputes_open_tx allows one OPEN dispute per transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, transaction_id, initiator_id, reason, evidence, status,
		       resolution, resolution_notes, created_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (id, transaction_id, initiator_id, reason, evidence, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.TransactionID, d.InitiatorID, d.Reason, d.Evidence, string(d.Status), d.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyDisputed
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) OpenFor(ctx context.Context, transactionID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE transaction_id = $1 AND status = 'OPEN'`, transactionID)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) ListByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE transaction_id = $1
		ORDER BY created_at`, transactionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanDisputes(rows)
}

func (p *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status = 'OPEN'
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanDisputes(rows)
}

func (p *PostgresStore) Resolve(ctx context.Context, id string, resolution escrow.Status, notes string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET status = 'RESOLVED', resolution = $2, resolution_notes = $3, resolved_at = $4
		WHERE id = $1 AND status = 'OPEN'`,
		id, string(resolution), notes, at,
	)
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
		return ErrNotOpen
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(sc scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status     string
		resolution sql.NullString
		notes      sql.NullString
		resolvedAt sql.NullTime
	)
	err := sc.Scan(&d.ID, &d.TransactionID, &d.InitiatorID, &d.Reason, &d.Evidence, &status,
		&resolution, &notes, &d.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.Resolution = escrow.Status(resolution.String)
	d.ResolutionNotes = notes.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func scanDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
