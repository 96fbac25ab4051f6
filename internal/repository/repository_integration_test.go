//go:build integration

package repository

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/bistro/internal/domain/auth"
	"github.com/xenking/bistro/internal/domain/order"
	"github.com/xenking/bistro/internal/domain/pricing"
	"github.com/xenking/bistro/internal/domain/product"
	"github.com/xenking/bistro/internal/domain/promo"
	"github.com/xenking/bistro/internal/domain/user"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "bistro",
				"POSTGRES_PASSWORD": "bistro",
				"POSTGRES_DB":       "bistro",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		log.Printf("start postgres container: %v", err)
		return 1
	}
	defer func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			log.Printf("terminate postgres container: %v", err)
		}
	}()

	host, err := ctr.Host(ctx)
	if err != nil {
		log.Printf("container host: %v", err)
		return 1
	}
	port, err := ctr.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Printf("container port: %v", err)
		return 1
	}

	dsn := fmt.Sprintf("postgres://bistro:bistro@%s:%s/bistro?sslmode=disable", host, port.Port())
	testPool, err = NewPool(ctx, dsn)
	if err != nil {
		log.Printf("connect: %v", err)
		return 1
	}
	defer testPool.Close()

	if err := Migrate(ctx, testPool); err != nil {
		log.Printf("migrate: %v", err)
		return 1
	}
	return m.Run()
}

func seedUser(t *testing.T, role auth.Role) user.User {
	t.Helper()
	id := uuid.NewString()
	u := user.User{ID: id, Name: "User " + id[:8], Email: id + "@example.com", Role: role}
	require.NoError(t, NewUserRepository(testPool, FullCapabilities).Upsert(context.Background(), u))
	return u
}

func seedPromo(t *testing.T, maxUses *int) string {
	t.Helper()
	code := "T" + uuid.NewString()[:8]
	_, err := NewPromoRepository(testPool).Upsert(context.Background(), []promo.Code{{
		Code:         code,
		DiscountType: promo.DiscountPercentage,
		Value:        decimal.NewFromInt(10),
		MaxUses:      maxUses,
		Active:       true,
	}})
	require.NoError(t, err)
	return promo.Normalize(code)
}

func newOrder(owner string, method order.PaymentMethod, promoCode string) *order.Order {
	now := time.Now().UTC().Truncate(time.Microsecond)
	kind := pricing.DiscountNone
	var discount int64
	if promoCode != "" {
		kind = pricing.DiscountPromo
		discount = 200
	}
	return &order.Order{
		ID:        uuid.NewString(),
		OwnerID:   owner,
		OrderType: pricing.OrderTypeDelivery,
		Status:    method.InitialStatus(),
		Items: []order.Item{
			{ProductID: "p1", Name: "Burger", UnitPriceCents: 1000, Quantity: 2, LineSubtotalCents: 2000},
			{ProductID: "p2", Name: "Soda", UnitPriceCents: 500, Quantity: 1, LineSubtotalCents: 500},
		},
		PaymentMethod:    method,
		SubtotalCents:    2500,
		DiscountCents:    discount,
		DiscountKind:     kind,
		PromoCode:        promoCode,
		DeliveryFeeCents: 250,
		TotalCents:       2500 - discount + 250,
		DeliveryAddress:  "1 Main St",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func intPtr(v int) *int { return &v }

func TestMigrate_Idempotent(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, Migrate(ctx, testPool))

	caps, err := DetectCapabilities(ctx, testPool)
	require.NoError(t, err)
	assert.Equal(t, FullCapabilities, caps)
}

func TestProductRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewProductRepository(testPool)

	id := "prod-" + uuid.NewString()[:8]
	hidden := "prod-" + uuid.NewString()[:8]
	require.NoError(t, repo.Upsert(ctx, product.Product{ID: id, Name: "Burger", Category: "main", PriceCents: 1000, Available: true}))
	require.NoError(t, repo.Upsert(ctx, product.Product{ID: hidden, Name: "Old Burger", Category: "main", PriceCents: 900, Available: false}))

	got, err := repo.GetByIDs(ctx, []string{id, hidden, "missing"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	for _, p := range all {
		assert.True(t, p.Available)
		assert.NotEqual(t, hidden, p.ID)
	}
}

func TestPromoRepository_FindByCode(t *testing.T) {
	ctx := context.Background()
	repo := NewPromoRepository(testPool)
	code := seedPromo(t, intPtr(5))

	c, err := repo.FindByCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, promo.DiscountPercentage, c.DiscountType)
	assert.True(t, c.Value.Equal(decimal.NewFromInt(10)))
	require.NotNil(t, c.MaxUses)
	assert.Equal(t, 5, *c.MaxUses)

	_, err = repo.FindByCode(ctx, "NOPE-"+uuid.NewString())
	assert.ErrorIs(t, err, promo.ErrNotFound)
}

func TestPromoRepository_ConsumeNeverOversells(t *testing.T) {
	ctx := context.Background()
	repo := NewPromoRepository(testPool)
	code := seedPromo(t, intPtr(3))

	const attempts = 20
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.Consume(ctx, code)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, won)
	c, err := repo.FindByCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, 3, c.TimesUsed)
}

func TestOrderRepository_CreateAndRead(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(testPool, FullCapabilities)
	u := seedUser(t, auth.RoleCustomer)
	code := seedPromo(t, nil)

	o := newOrder(u.ID, order.PaymentOnline, code)
	require.NoError(t, repo.Create(ctx, order.CreateParams{Order: o}))

	got, err := repo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusAwaitingPayment, got.Status)
	assert.Equal(t, o.TotalCents, got.TotalCents)
	assert.Equal(t, code, got.PromoCode)
	assert.Equal(t, pricing.DiscountPromo, got.DiscountKind)
	assert.Empty(t, got.PaymentSessionID)

	items, err := repo.ListItems(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.Items, items)

	require.NoError(t, repo.SetPaymentSession(ctx, o.ID, "cs_test"))
	got, err = repo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "cs_test", got.PaymentSessionID)

	_, err = repo.GetByID(ctx, uuid.NewString())
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestOrderRepository_CreateConsumesPromo(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(testPool, FullCapabilities)
	promos := NewPromoRepository(testPool)
	u := seedUser(t, auth.RoleCustomer)
	code := seedPromo(t, intPtr(1))

	first := newOrder(u.ID, order.PaymentCash, code)
	require.NoError(t, repo.Create(ctx, order.CreateParams{Order: first, ConsumePromo: code}))

	second := newOrder(u.ID, order.PaymentCash, code)
	err := repo.Create(ctx, order.CreateParams{Order: second, ConsumePromo: code})
	assert.ErrorIs(t, err, order.ErrPromoUnavailable)

	_, err = repo.GetByID(ctx, second.ID)
	assert.ErrorIs(t, err, order.ErrNotFound)

	c, err := promos.FindByCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, 1, c.TimesUsed)
}

func TestOrderRepository_TransitionIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(testPool, FullCapabilities)
	u := seedUser(t, auth.RoleCustomer)
	o := newOrder(u.ID, order.PaymentOnline, "")
	require.NoError(t, repo.Create(ctx, order.CreateParams{Order: o}))

	const racers = 10
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		moved int
	)
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.TransitionStatus(ctx, o.ID, order.StatusAwaitingPayment, order.StatusPending)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				moved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, moved)

	got, err := repo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, got.Status)

	ok, err := repo.TransitionStatus(ctx, uuid.NewString(), order.StatusAwaitingPayment, order.StatusPending)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUserRepository_AccrueLoyalty(t *testing.T) {
	ctx := context.Background()
	repo := NewUserRepository(testPool, FullCapabilities)
	u := seedUser(t, auth.RoleCustomer)

	require.NoError(t, repo.AccrueLoyalty(ctx, u.ID, 20, 2050))
	require.NoError(t, repo.AccrueLoyalty(ctx, u.ID, 5, 599))

	got, err := repo.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(25), got.LoyaltyPoints)
	assert.Equal(t, int64(2649), got.TotalSpentCents)

	assert.Error(t, repo.AccrueLoyalty(ctx, u.ID, -1, 0))
	assert.ErrorIs(t, repo.AccrueLoyalty(ctx, uuid.NewString(), 1, 100), user.ErrNotFound)

	legacy := NewUserRepository(testPool, Capabilities{})
	assert.ErrorIs(t, legacy.AccrueLoyalty(ctx, u.ID, 1, 100), ErrLoyaltyUnsupported)
	got, err = legacy.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Zero(t, got.LoyaltyPoints)
}

func TestAPIKeyRepository_FindByHash(t *testing.T) {
	ctx := context.Background()
	repo := NewAPIKeyRepository(testPool)
	admin := seedUser(t, auth.RoleAdmin)

	hash := uuid.NewString()
	require.NoError(t, repo.Upsert(ctx, auth.APIKeyInfo{ID: uuid.NewString(), KeyHash: hash, Name: "admin", UserID: admin.ID}))

	info, err := repo.FindByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, admin.ID, info.UserID)
	assert.Equal(t, auth.RoleAdmin, info.Role)

	_, err = repo.FindByHash(ctx, "unknown")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}
