package repository

import (
	"context"
	"database/sql"
	"io/fs"

	"github.com/go-faster/errors"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/xenking/bistro/db"
)

// NewPool creates a pgxpool.Pool configured with shopspring/decimal support
// for NUMERIC columns.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse database config")
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create connection pool")
	}
	return pool, nil
}

// Migrate applies all pending embedded migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	src, err := iofs.New(db.Migrations, db.MigrationsDir)
	if err != nil {
		return errors.Wrap(err, "open migrations")
	}

	sqlDB, err := sql.Open("pgx", pool.Config().ConnString())
	if err != nil {
		return errors.Wrap(err, "open sql db")
	}
	defer func() { _ = sqlDB.Close() }()

	if err := sqlDB.PingContext(ctx); err != nil {
		return errors.Wrap(err, "ping sql db")
	}

	driver, err := postgres.WithInstance(sqlDB, &postgres.Config{})
	if err != nil {
		return errors.Wrap(err, "init migrate driver")
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return errors.Wrap(err, "init migrate")
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		if errors.Is(err, fs.ErrNotExist) {
			return errors.Wrap(err, "migrate up: every version needs both .up.sql and .down.sql")
		}
		return errors.Wrap(err, "migrate up")
	}
	return nil
}

// Capabilities records optional schema features found at startup.
// Older databases may predate the loyalty ledger and the order promo
// reference; repositories degrade instead of failing on them.
type Capabilities struct {
	// OrderPromoCode is true when orders.promo_code exists.
	OrderPromoCode bool
	// UserLoyalty is true when users has both loyalty ledger columns.
	UserLoyalty bool
}

// FullCapabilities is the schema produced by the current migrations.
var FullCapabilities = Capabilities{OrderPromoCode: true, UserLoyalty: true}

const detectColumnsSQL = `SELECT table_name, column_name
	FROM information_schema.columns
	WHERE table_schema = current_schema()
	  AND ((table_name = 'orders' AND column_name = 'promo_code')
	    OR (table_name = 'users' AND column_name IN ('loyalty_points', 'total_spent_cents')))`

// DetectCapabilities inspects the schema once. The result is passed to
// repositories explicitly.
func DetectCapabilities(ctx context.Context, pool *pgxpool.Pool) (Capabilities, error) {
	rows, err := pool.Query(ctx, detectColumnsSQL)
	if err != nil {
		return Capabilities{}, errors.Wrap(err, "query schema columns")
	}

	found := map[string]bool{}
	var table, column string
	_, err = pgx.ForEachRow(rows, []any{&table, &column}, func() error {
		found[table+"."+column] = true
		return nil
	})
	if err != nil {
		return Capabilities{}, errors.Wrap(err, "scan schema columns")
	}

	return Capabilities{
		OrderPromoCode: found["orders.promo_code"],
		UserLoyalty:    found["users.loyalty_points"] && found["users.total_spent_cents"],
	}, nil
}
