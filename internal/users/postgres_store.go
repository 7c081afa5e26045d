package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists users in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed user store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Upsert(ctx context.Context, c Contact) (*User, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	if c.Handle != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET handle = NULL, updated_at = NOW()
			WHERE LOWER(handle) = LOWER($1) AND id <> $2`, c.Handle, c.ID); err != nil {
			return nil, false, fmt.Errorf("failed to release handle: %w", err)
		}
	}

	locale := c.Locale
	if locale == "" {
		locale = DefaultLocale
	}

	// xmax = 0 only for a freshly inserted row.
	u := &User{}
	var handle sql.NullString
	var created bool
	err = tx.QueryRowContext(ctx, `
		INSERT INTO users (id, handle, locale, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET handle = EXCLUDED.handle, updated_at = NOW()
		RETURNING id, handle, locale, created_at, updated_at, (xmax = 0)`,
		c.ID, nullString(c.Handle), locale,
	).Scan(&u.ID, &handle, &u.Locale, &u.CreatedAt, &u.UpdatedAt, &created)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, false, ErrHandleConflict
		}
		return nil, false, err
	}
	u.Handle = handle.String

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return u, created, nil
}

func (p *PostgresStore) Get(ctx context.Context, id int64) (*User, error) {
	return p.getOne(ctx, `WHERE id = $1`, id)
}

func (p *PostgresStore) GetByHandle(ctx context.Context, handle string) (*User, error) {
	return p.getOne(ctx, `WHERE LOWER(handle) = LOWER($1)`, handle)
}

func (p *PostgresStore) getOne(ctx context.Context, where string, arg interface{}) (*User, error) {
	u := &User{}
	var handle sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, handle, locale, created_at, updated_at FROM users `+where, arg,
	).Scan(&u.ID, &handle, &u.Locale, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Handle = handle.String
	return u, nil
}

func (p *PostgresStore) SetLocale(ctx context.Context, id int64, locale string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users SET locale = $2, updated_at = NOW() WHERE id = $1`, id, locale)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
