package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/shopdesk/gate/internal/shared"
)

// Repository defines persistence operations for the auth module.
type Repository interface {
	FindByEmail(ctx context.Context, email string) (*Account, error)
}

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db Querier
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(db Querier) *PGRepository {
	return &PGRepository{db: db}
}

const findAccountByEmailSQL = `SELECT id, email, password_hash, team, roles, is_active, created_at, updated_at
FROM admin_accounts WHERE lower(email) = lower($1)`

// FindByEmail fetches an account by email, case-insensitively.
func (r *PGRepository) FindByEmail(ctx context.Context, email string) (*Account, error) {
	var (
		acc                  Account
		createdAt, updatedAt pgtype.Timestamptz
	)
	err := r.db.QueryRow(ctx, findAccountByEmailSQL, email).Scan(
		&acc.ID, &acc.Email, &acc.PasswordHash, &acc.Team, &acc.Roles, &acc.IsActive, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("auth: find account: %w", err)
	}
	acc.CreatedAt = createdAt.Time
	acc.UpdatedAt = updatedAt.Time
	return &acc, nil
}

var _ Repository = (*PGRepository)(nil)
