package repository

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/bistro/internal/domain/promo"
)

const (
	getPromoByCodeSQL = `SELECT code, discount_type, discount_value, min_order_value_cents,
		max_uses, times_used, valid_from, valid_until, is_active
		FROM promo_codes WHERE code = UPPER($1)`

	// consumePromoSQL never lets times_used pass max_uses, even when two
	// checkouts race for the last use.
	consumePromoSQL = `UPDATE promo_codes SET times_used = times_used + 1
		WHERE code = $1 AND is_active = TRUE AND (max_uses IS NULL OR times_used < max_uses)`

	upsertPromoSQL = `INSERT INTO promo_codes
		(code, discount_type, discount_value, min_order_value_cents, max_uses, valid_from, valid_until, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (code) DO UPDATE SET
			discount_type = EXCLUDED.discount_type,
			discount_value = EXCLUDED.discount_value,
			min_order_value_cents = EXCLUDED.min_order_value_cents,
			max_uses = EXCLUDED.max_uses,
			valid_from = EXCLUDED.valid_from,
			valid_until = EXCLUDED.valid_until,
			is_active = EXCLUDED.is_active`
)

var _ promo.Repository = (*PromoRepository)(nil)

// PromoRepository implements promo.Repository backed by PostgreSQL.
type PromoRepository struct {
	pool *pgxpool.Pool
}

// NewPromoRepository returns a PromoRepository that uses the given pool.
func NewPromoRepository(pool *pgxpool.Pool) *PromoRepository {
	return &PromoRepository{pool: pool}
}

// FindByCode looks up a code regardless of its state; evaluation decides
// whether it is usable.
func (r *PromoRepository) FindByCode(ctx context.Context, code string) (*promo.Code, error) {
	rows, err := r.pool.Query(ctx, getPromoByCodeSQL, code)
	if err != nil {
		return nil, errors.Wrapf(err, "find promo code %q", code)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanPromo)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, promo.ErrNotFound
		}
		return nil, errors.Wrapf(err, "find promo code %q", code)
	}
	return &c, nil
}

// Consume atomically takes one use of the code.
func (r *PromoRepository) Consume(ctx context.Context, code string) (bool, error) {
	return consumePromo(ctx, r.pool, code)
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func consumePromo(ctx context.Context, db execer, code string) (bool, error) {
	tag, err := db.Exec(ctx, consumePromoSQL, code)
	if err != nil {
		return false, errors.Wrapf(err, "consume promo code %q", code)
	}
	return tag.RowsAffected() == 1, nil
}

// Upsert inserts or updates codes in one batch, leaving usage counters
// untouched. It returns the number of rows written.
func (r *PromoRepository) Upsert(ctx context.Context, codes []promo.Code) (int64, error) {
	if len(codes) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, c := range codes {
		var maxUses *int32
		if c.MaxUses != nil {
			v := int32(*c.MaxUses)
			maxUses = &v
		}
		validFrom := c.ValidFrom
		if validFrom.IsZero() {
			validFrom = time.Now().UTC()
		}
		batch.Queue(upsertPromoSQL,
			promo.Normalize(c.Code), string(c.DiscountType), c.Value, c.MinOrderValueCents,
			maxUses, validFrom, c.ValidUntil, c.Active,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	var written int64
	for _, c := range codes {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return written, errors.Wrapf(err, "upsert promo code %q", c.Code)
		}
		written += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return written, errors.Wrap(err, "close batch")
	}
	return written, nil
}

func scanPromo(row pgx.CollectableRow) (promo.Code, error) {
	var (
		c            promo.Code
		discountType string
		maxUses      *int32
		timesUsed    int32
	)
	err := row.Scan(
		&c.Code, &discountType, &c.Value, &c.MinOrderValueCents,
		&maxUses, &timesUsed, &c.ValidFrom, &c.ValidUntil, &c.Active,
	)
	c.DiscountType = promo.DiscountType(discountType)
	c.TimesUsed = int(timesUsed)
	if maxUses != nil {
		v := int(*maxUses)
		c.MaxUses = &v
	}
	return c, err
}
