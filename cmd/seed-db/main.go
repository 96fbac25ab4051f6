// Command seed-db applies migrations and loads a development dataset: the
// menu, sample promo codes, a customer and an admin account with API keys.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/bistro/internal/domain/auth"
	"github.com/xenking/bistro/internal/domain/product"
	"github.com/xenking/bistro/internal/domain/promo"
	"github.com/xenking/bistro/internal/domain/user"
	"github.com/xenking/bistro/internal/handler"
	"github.com/xenking/bistro/internal/repository"
)

type account struct {
	user   user.User
	keyEnv string
}

var accounts = []account{
	{
		user:   user.User{ID: "customer-demo", Name: "Cliente Demo", Email: "cliente@bistro.local", Role: auth.RoleCustomer},
		keyEnv: "BISTRO_SEED_CUSTOMER_KEY",
	},
	{
		user:   user.User{ID: "admin-demo", Name: "Gerente", Email: "gerente@bistro.local", Role: auth.RoleAdmin},
		keyEnv: "BISTRO_SEED_ADMIN_KEY",
	},
}

func main() {
	var (
		databaseURL string
		menuFile    string
		pepper      string
	)
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&menuFile, "menu-file", "db/seed/menu.json", "path to menu JSON file")
	flag.StringVar(&pepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or BISTRO_API_KEY_PEPPER env)")
	flag.Parse()

	lg, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if pepper == "" {
		pepper = os.Getenv("BISTRO_API_KEY_PEPPER")
	}
	if databaseURL == "" || pepper == "" {
		lg.Fatal("Database URL and API key pepper are required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, databaseURL, menuFile, []byte(pepper)); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	lg.Info("Seed completed")
}

func run(ctx context.Context, lg *zap.Logger, databaseURL, menuFile string, pepper []byte) error {
	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	lg.Info("Running migrations")
	if err := repository.Migrate(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}
	caps, err := repository.DetectCapabilities(ctx, pool)
	if err != nil {
		return errors.Wrap(err, "detect schema capabilities")
	}

	if err := seedMenu(ctx, lg, repository.NewProductRepository(pool), menuFile); err != nil {
		return errors.Wrap(err, "seed menu")
	}
	if err := seedPromos(ctx, lg, repository.NewPromoRepository(pool)); err != nil {
		return errors.Wrap(err, "seed promo codes")
	}
	users := repository.NewUserRepository(pool, caps)
	apikeys := repository.NewAPIKeyRepository(pool)
	for _, a := range accounts {
		if err := seedAccount(ctx, lg, users, apikeys, a, pepper); err != nil {
			return errors.Wrapf(err, "seed account %s", a.user.ID)
		}
	}
	return nil
}

func seedMenu(ctx context.Context, lg *zap.Logger, repo *repository.ProductRepository, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read menu file")
	}
	items, err := decodeMenu(data)
	if err != nil {
		return errors.Wrap(err, "parse menu")
	}
	for _, p := range items {
		if err := repo.Upsert(ctx, p); err != nil {
			return err
		}
	}
	lg.Info("Upserted menu", zap.Int("count", len(items)))
	return nil
}

// decodeMenu parses an array of menu items. Items are available unless the
// file says otherwise.
func decodeMenu(data []byte) ([]product.Product, error) {
	var items []product.Product
	err := jx.DecodeBytes(data).Arr(func(d *jx.Decoder) error {
		p := product.Product{Available: true}
		if err := d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "id":
				p.ID, err = d.Str()
			case "name":
				p.Name, err = d.Str()
			case "description":
				p.Description, err = d.Str()
			case "category":
				p.Category, err = d.Str()
			case "priceCents":
				p.PriceCents, err = d.Int64()
			case "imageUrl":
				p.ImageURL, err = d.Str()
			case "available":
				p.Available, err = d.Bool()
			default:
				err = d.Skip()
			}
			return errors.Wrap(err, key)
		}); err != nil {
			return err
		}
		if p.ID == "" || p.Name == "" {
			return errors.Errorf("menu item %d: id and name are required", len(items))
		}
		if p.PriceCents < 0 {
			return errors.Errorf("menu item %q: negative price", p.ID)
		}
		items = append(items, p)
		return nil
	})
	return items, err
}

func seedPromos(ctx context.Context, lg *zap.Logger, repo *repository.PromoRepository) error {
	welcomeUses := 100
	codes := []promo.Code{
		{
			Code:               "SAVE10",
			DiscountType:       promo.DiscountPercentage,
			Value:              decimal.NewFromInt(10),
			MinOrderValueCents: 2000,
			ValidFrom:          time.Now().UTC().Add(-time.Hour),
			Active:             true,
		},
		{
			Code:         "WELCOME5",
			DiscountType: promo.DiscountFixed,
			Value:        decimal.NewFromInt(500),
			MaxUses:      &welcomeUses,
			ValidFrom:    time.Now().UTC().Add(-time.Hour),
			Active:       true,
		},
	}
	n, err := repo.Upsert(ctx, codes)
	if err != nil {
		return err
	}
	lg.Info("Upserted promo codes", zap.Int64("count", n))
	return nil
}

// seedAccount stores the user and an API key. The key is taken from the
// account's environment variable or generated and printed once.
func seedAccount(
	ctx context.Context,
	lg *zap.Logger,
	users *repository.UserRepository,
	apikeys *repository.APIKeyRepository,
	a account,
	pepper []byte,
) error {
	if err := users.Upsert(ctx, a.user); err != nil {
		return err
	}

	key := os.Getenv(a.keyEnv)
	generated := key == ""
	if generated {
		key = "bk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if err := apikeys.Upsert(ctx, auth.APIKeyInfo{
		ID:      a.user.ID + "-default",
		KeyHash: handler.HashAPIKey(pepper, key),
		Name:    "Seed key for " + a.user.Name,
		UserID:  a.user.ID,
	}); err != nil {
		return err
	}

	fields := []zap.Field{zap.String("user_id", a.user.ID), zap.String("role", string(a.user.Role))}
	if generated {
		fields = append(fields, zap.String("api_key", key))
	}
	lg.Info("Seeded account", fields...)
	return nil
}
