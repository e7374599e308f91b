package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/petalmarket/checkout/internal/domain/auth"
)

const (
	findPrincipalSQL = `SELECT id, name, email, is_staff, is_vendor FROM principals WHERE key_hash = $1`

	upsertPrincipalSQL = `INSERT INTO principals (key_hash, name, email, is_staff, is_vendor)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key_hash) DO UPDATE SET
			name = EXCLUDED.name, email = EXCLUDED.email,
			is_staff = EXCLUDED.is_staff, is_vendor = EXCLUDED.is_vendor`
)

var _ auth.PrincipalRepository = (*PrincipalRepository)(nil)

// PrincipalRepository resolves API key hashes to principals.
type PrincipalRepository struct {
	pool *pgxpool.Pool
}

// NewPrincipalRepository returns a PrincipalRepository that uses the given pool.
func NewPrincipalRepository(pool *pgxpool.Pool) *PrincipalRepository {
	return &PrincipalRepository{pool: pool}
}

// FindByHash returns the principal whose API key hashes to the given value.
func (r *PrincipalRepository) FindByHash(ctx context.Context, hash string) (*auth.Principal, error) {
	rows, err := r.pool.Query(ctx, findPrincipalSQL, hash)
	if err != nil {
		return nil, fmt.Errorf("finding principal: %w", err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, func(row pgx.CollectableRow) (auth.Principal, error) {
		var p auth.Principal
		err := row.Scan(&p.ID, &p.Name, &p.Email, &p.Staff, &p.Vendor)
		return p, err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auth.ErrPrincipalNotFound
		}
		return nil, fmt.Errorf("finding principal: %w", err)
	}
	return &p, nil
}

// Upsert writes a principal keyed by its API key hash. Used by the seed tool.
func (r *PrincipalRepository) Upsert(ctx context.Context, hash string, p auth.Principal) error {
	if _, err := r.pool.Exec(ctx, upsertPrincipalSQL, hash, p.Name, p.Email, p.Staff, p.Vendor); err != nil {
		return fmt.Errorf("upserting principal %q: %w", p.Name, err)
	}
	return nil
}
