package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/HMasataka/kebun/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultUserQuery selects username, role and the first active company
// assignment for a user id.
const DefaultUserQuery = `
SELECT u.username, u.role, COALESCE(a.company_id::text, '')
FROM users u
LEFT JOIN LATERAL (
	SELECT company_id
	FROM user_company_assignments
	WHERE user_id = u.id AND is_active
	ORDER BY created_at
	LIMIT 1
) a ON true
WHERE u.id = $1`

// Postgres looks users up in PostgreSQL.
type Postgres struct {
	pool  *pgxpool.Pool
	query string
}

var _ domain.UserLookup = (*Postgres)(nil)

// Connect opens and pings a pool for url.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// NewPostgres uses query, or DefaultUserQuery when empty. The query takes
// the user id as $1 and returns username, role and tenant id.
func NewPostgres(pool *pgxpool.Pool, query string) *Postgres {
	if query == "" {
		query = DefaultUserQuery
	}
	return &Postgres{pool: pool, query: query}
}

// LookupUser implements domain.UserLookup.
func (p *Postgres) LookupUser(ctx context.Context, userID string) (domain.UserRecord, error) {
	var (
		u    domain.UserRecord
		role string
	)

	err := p.pool.QueryRow(ctx, p.query, userID).Scan(&u.Username, &role, &u.TenantID)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.UserRecord{}, fmt.Errorf("%w: %s", domain.ErrUserNotFound, userID)
	}
	if err != nil {
		return domain.UserRecord{}, fmt.Errorf("lookup user %s: %w", userID, err)
	}

	u.Role = domain.Role(role)
	return u, nil
}

// Close closes the underlying pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
