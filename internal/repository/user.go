package repository

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/bistro/internal/domain/auth"
	"github.com/xenking/bistro/internal/domain/user"
)

const (
	getUserSQL = `SELECT id, name, email, role, loyalty_points, total_spent_cents
		FROM users WHERE id = $1`

	getUserLegacySQL = `SELECT id, name, email, role, 0::BIGINT, 0::BIGINT
		FROM users WHERE id = $1`

	accrueLoyaltySQL = `UPDATE users
		SET loyalty_points = loyalty_points + $2, total_spent_cents = total_spent_cents + $3
		WHERE id = $1`

	upsertUserSQL = `INSERT INTO users (id, name, email, role) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email, role = EXCLUDED.role`
)

// ErrLoyaltyUnsupported is returned by AccrueLoyalty when the schema has no
// loyalty ledger.
var ErrLoyaltyUnsupported = errors.New("schema has no loyalty columns")

var _ user.Repository = (*UserRepository)(nil)

// UserRepository implements user.Repository backed by PostgreSQL.
type UserRepository struct {
	pool *pgxpool.Pool
	caps Capabilities
}

// NewUserRepository returns a UserRepository that uses the given pool.
func NewUserRepository(pool *pgxpool.Pool, caps Capabilities) *UserRepository {
	return &UserRepository{pool: pool, caps: caps}
}

// GetByID returns a user with its loyalty ledger. The ledger reads as
// zero on schemas without it.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*user.User, error) {
	query := getUserLegacySQL
	if r.caps.UserLoyalty {
		query = getUserSQL
	}

	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get user %q", id)
	}

	u, err := pgx.CollectExactlyOneRow(rows, scanUser)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, user.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get user %q", id)
	}
	return &u, nil
}

// AccrueLoyalty adds to the ledger in a single statement, so concurrent
// accruals for one user never lose an update.
func (r *UserRepository) AccrueLoyalty(ctx context.Context, id string, points, spentCents int64) error {
	if !r.caps.UserLoyalty {
		return ErrLoyaltyUnsupported
	}
	if points < 0 || spentCents < 0 {
		return errors.Errorf("loyalty accrual must not be negative: points=%d spent=%d", points, spentCents)
	}

	tag, err := r.pool.Exec(ctx, accrueLoyaltySQL, id, points, spentCents)
	if err != nil {
		return errors.Wrapf(err, "accrue loyalty for user %q", id)
	}
	if tag.RowsAffected() == 0 {
		return user.ErrNotFound
	}
	return nil
}

// Upsert creates or updates a user account, keeping its ledger.
func (r *UserRepository) Upsert(ctx context.Context, u user.User) error {
	if _, err := r.pool.Exec(ctx, upsertUserSQL, u.ID, u.Name, u.Email, string(u.Role)); err != nil {
		return errors.Wrapf(err, "upsert user %q", u.ID)
	}
	return nil
}

func scanUser(row pgx.CollectableRow) (user.User, error) {
	var (
		u    user.User
		role string
	)
	err := row.Scan(&u.ID, &u.Name, &u.Email, &role, &u.LoyaltyPoints, &u.TotalSpentCents)
	u.Role = auth.Role(role)
	return u, err
}
