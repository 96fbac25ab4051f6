package pricing

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/bistro/internal/domain/auth"
	"github.com/xenking/bistro/internal/domain/product"
	"github.com/xenking/bistro/internal/domain/promo"
)

// --- Mock implementations ---

type mockProductRepo struct {
	byID    map[string]product.Product
	err     error
	lastIDs []string
}

func (m *mockProductRepo) List(_ context.Context) ([]product.Product, error) {
	return nil, nil
}

func (m *mockProductRepo) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	m.lastIDs = ids
	if m.err != nil {
		return nil, m.err
	}
	var out []product.Product
	for _, id := range ids {
		if p, ok := m.byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

type mockPromoRepo struct {
	codes map[string]*promo.Code
	err   error
}

func (m *mockPromoRepo) FindByCode(_ context.Context, code string) (*promo.Code, error) {
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.codes[code]
	if !ok {
		return nil, promo.ErrNotFound
	}
	return c, nil
}

func (m *mockPromoRepo) Consume(_ context.Context, _ string) (bool, error) {
	return false, errors.New("pricing must not consume codes")
}

// --- Helpers ---

var testConfig = Config{
	AdminDiscountPercent:       50,
	FreeDeliveryThresholdCents: 3000,
	DeliveryFeeCents:           250,
	CatalogTimeout:             time.Second,
}

func newProductRepo(products ...product.Product) *mockProductRepo {
	byID := make(map[string]product.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}
	return &mockProductRepo{byID: byID}
}

func item(id string, price int64) product.Product {
	return product.Product{ID: id, Name: "Item " + id, PriceCents: price, Available: true}
}

func save10() *promo.Code {
	return &promo.Code{
		Code:         "SAVE10",
		DiscountType: promo.DiscountPercentage,
		Value:        decimal.NewFromInt(10),
		Active:       true,
	}
}

func newEngine(products *mockProductRepo, codes ...*promo.Code) *Engine {
	repo := &mockPromoRepo{codes: make(map[string]*promo.Code)}
	for _, c := range codes {
		repo.codes[c.Code] = c
	}
	return NewEngine(testConfig, products, promo.NewEvaluator(repo))
}

// --- Tests ---

func TestCompute_DeliveryFeeBelowThreshold(t *testing.T) {
	e := newEngine(newProductRepo(item("1", 1000)))

	b, err := e.Compute(context.Background(), Request{
		Lines:     []CartLine{{ProductID: "1", Quantity: 2}},
		OrderType: OrderTypeDelivery,
		Role:      auth.RoleCustomer,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(2000), b.ProductSubtotalCents)
	assert.Equal(t, int64(0), b.DiscountCents)
	assert.Equal(t, DiscountNone, b.DiscountKind)
	assert.Equal(t, int64(250), b.DeliveryFeeCents)
	assert.Equal(t, int64(2250), b.TotalCents)
	assert.False(t, b.ShouldConsumePromo)
	assert.Nil(t, b.Promo)
	require.Len(t, b.Lines, 1)
	assert.Equal(t, Line{
		ProductID:         "1",
		Name:              "Item 1",
		UnitPriceCents:    1000,
		Quantity:          2,
		LineSubtotalCents: 2000,
	}, b.Lines[0])
}

func TestCompute_PromoPercentage(t *testing.T) {
	e := newEngine(newProductRepo(item("1", 1000)), save10())

	b, err := e.Compute(context.Background(), Request{
		Lines:     []CartLine{{ProductID: "1", Quantity: 2}},
		OrderType: OrderTypeDelivery,
		PromoCode: "save10",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(200), b.DiscountCents)
	assert.Equal(t, DiscountPromo, b.DiscountKind)
	assert.Equal(t, "SAVE10", b.AppliedPromoCode)
	assert.Equal(t, int64(250), b.DeliveryFeeCents)
	assert.Equal(t, int64(2050), b.TotalCents)
	assert.True(t, b.ShouldConsumePromo)
	require.NotNil(t, b.Promo)
	assert.True(t, b.Promo.Applied)
}

func TestCompute_AdminRoleOverridesPromo(t *testing.T) {
	e := newEngine(newProductRepo(item("1", 1000)), save10())

	b, err := e.Compute(context.Background(), Request{
		Lines:     []CartLine{{ProductID: "1", Quantity: 2}},
		OrderType: OrderTypeDelivery,
		Role:      auth.RoleAdmin,
		PromoCode: "SAVE10",
	})
	require.NoError(t, err)

	assert.Equal(t, DiscountAdmin, b.DiscountKind)
	assert.Equal(t, int64(1000), b.DiscountCents)
	assert.Empty(t, b.AppliedPromoCode)
	assert.False(t, b.ShouldConsumePromo)
	assert.Nil(t, b.Promo)
	assert.Equal(t, int64(250), b.DeliveryFeeCents)
	assert.Equal(t, int64(1250), b.TotalCents)
}

func TestCompute_ExhaustedPromoChecksOutAtFullPrice(t *testing.T) {
	limited := save10()
	limited.MaxUses = new(int)
	*limited.MaxUses = 1
	limited.TimesUsed = 1
	e := newEngine(newProductRepo(item("1", 1000)), limited)

	b, err := e.Compute(context.Background(), Request{
		Lines:     []CartLine{{ProductID: "1", Quantity: 2}},
		OrderType: OrderTypeDelivery,
		PromoCode: "SAVE10",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(0), b.DiscountCents)
	assert.Equal(t, DiscountNone, b.DiscountKind)
	assert.Empty(t, b.AppliedPromoCode)
	assert.False(t, b.ShouldConsumePromo)
	assert.Equal(t, int64(2250), b.TotalCents)
	require.NotNil(t, b.Promo)
	assert.Equal(t, promo.ReasonExhausted, b.Promo.Reason)
}

func TestCompute_UnknownPromoIsNotAnError(t *testing.T) {
	e := newEngine(newProductRepo(item("1", 1000)))

	b, err := e.Compute(context.Background(), Request{
		Lines:     []CartLine{{ProductID: "1", Quantity: 1}},
		OrderType: OrderTypeTakeaway,
		PromoCode: "NOPE",
	})
	require.NoError(t, err)
	assert.Equal(t, DiscountNone, b.DiscountKind)
	assert.Equal(t, int64(1000), b.TotalCents)
	require.NotNil(t, b.Promo)
	assert.Equal(t, promo.ReasonNotFound, b.Promo.Reason)
}

func TestCompute_TakeawayHasNoDeliveryFee(t *testing.T) {
	e := newEngine(newProductRepo(item("1", 1000)))

	b, err := e.Compute(context.Background(), Request{
		Lines:     []CartLine{{ProductID: "1", Quantity: 1}},
		OrderType: OrderTypeTakeaway,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.DeliveryFeeCents)
	assert.Equal(t, int64(1000), b.TotalCents)
}

func TestCompute_FreeDeliveryAtThreshold(t *testing.T) {
	e := newEngine(newProductRepo(item("1", 1500)))

	b, err := e.Compute(context.Background(), Request{
		Lines:     []CartLine{{ProductID: "1", Quantity: 2}},
		OrderType: OrderTypeDelivery,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.DeliveryFeeCents)
	assert.Equal(t, int64(3000), b.TotalCents)
}

func TestCompute_DiscountPushesBelowThreshold(t *testing.T) {
	e := newEngine(newProductRepo(item("1", 1600)), save10())

	b, err := e.Compute(context.Background(), Request{
		Lines:     []CartLine{{ProductID: "1", Quantity: 2}},
		OrderType: OrderTypeDelivery,
		PromoCode: "SAVE10",
	})
	require.NoError(t, err)
	// 3200 - 320 = 2880 < 3000
	assert.Equal(t, int64(250), b.DeliveryFeeCents)
	assert.Equal(t, int64(3130), b.TotalCents)
}

func TestCompute_FullDiscountLeavesDeliveryFee(t *testing.T) {
	free := &promo.Code{
		Code:         "FREEMEAL",
		DiscountType: promo.DiscountFixed,
		Value:        decimal.NewFromInt(100000),
		Active:       true,
	}
	e := newEngine(newProductRepo(item("1", 1000)), free)

	b, err := e.Compute(context.Background(), Request{
		Lines:     []CartLine{{ProductID: "1", Quantity: 1}},
		OrderType: OrderTypeDelivery,
		PromoCode: "FREEMEAL",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), b.DiscountCents)
	assert.Equal(t, int64(250), b.TotalCents)
}

func TestCompute_AggregatesDuplicateLines(t *testing.T) {
	repo := newProductRepo(item("1", 1000), item("2", 300))
	e := newEngine(repo)

	b, err := e.Compute(context.Background(), Request{
		Lines: []CartLine{
			{ProductID: "1", Quantity: 1},
			{ProductID: "2", Quantity: 2},
			{ProductID: "1", Quantity: 3},
		},
		OrderType: OrderTypeTakeaway,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "2"}, repo.lastIDs)
	require.Len(t, b.Lines, 2)
	assert.Equal(t, 4, b.Lines[0].Quantity)
	assert.Equal(t, int64(4000), b.Lines[0].LineSubtotalCents)
	assert.Equal(t, int64(4600), b.ProductSubtotalCents)
}

func TestCompute_FreeItemIsLegal(t *testing.T) {
	e := newEngine(newProductRepo(item("water", 0)))

	b, err := e.Compute(context.Background(), Request{
		Lines:     []CartLine{{ProductID: "water", Quantity: 3}},
		OrderType: OrderTypeTakeaway,
		PromoCode: "ANY",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.TotalCents)
}

func TestCompute_ValidationErrors(t *testing.T) {
	e := newEngine(newProductRepo(item("1", 1000)))
	ctx := context.Background()

	_, err := e.Compute(ctx, Request{OrderType: OrderTypeDelivery})
	require.ErrorIs(t, err, ErrEmptyCart)

	_, err = e.Compute(ctx, Request{
		Lines:     []CartLine{{ProductID: "", Quantity: 1}},
		OrderType: OrderTypeDelivery,
	})
	require.ErrorIs(t, err, ErrEmptyProductID)

	_, err = e.Compute(ctx, Request{
		Lines:     []CartLine{{ProductID: "1", Quantity: 0}},
		OrderType: OrderTypeDelivery,
	})
	var iqErr *InvalidQuantityError
	require.ErrorAs(t, err, &iqErr)
	assert.Equal(t, "1", iqErr.ProductID)

	_, err = e.Compute(ctx, Request{
		Lines:     []CartLine{{ProductID: "1", Quantity: 1}},
		OrderType: OrderType("dine_in"),
	})
	require.ErrorIs(t, err, ErrInvalidOrderType)
}

func TestCompute_QuantityBounds(t *testing.T) {
	e := newEngine(newProductRepo(item("1", 1000)))
	ctx := context.Background()

	for _, tt := range []struct {
		name  string
		lines []CartLine
	}{
		{"Huge", []CartLine{{ProductID: "1", Quantity: 2066035336255469781}}},
		{"AboveMax", []CartLine{{ProductID: "1", Quantity: MaxLineQuantity + 1}}},
		{"MergedAboveMax", []CartLine{
			{ProductID: "1", Quantity: MaxLineQuantity},
			{ProductID: "1", Quantity: 1},
		}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			b, err := e.Compute(ctx, Request{Lines: tt.lines, OrderType: OrderTypeTakeaway})
			var iqErr *InvalidQuantityError
			require.ErrorAs(t, err, &iqErr)
			assert.Equal(t, "1", iqErr.ProductID)
			assert.Nil(t, b)
		})
	}

	b, err := e.Compute(ctx, Request{
		Lines:     []CartLine{{ProductID: "1", Quantity: MaxLineQuantity}},
		OrderType: OrderTypeTakeaway,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1000*MaxLineQuantity), b.ProductSubtotalCents)
}

func TestCompute_AmountOverflow(t *testing.T) {
	e := newEngine(newProductRepo(item("1", math.MaxInt64/2), item("2", math.MaxInt64/2)))
	ctx := context.Background()

	_, err := e.Compute(ctx, Request{
		Lines:     []CartLine{{ProductID: "1", Quantity: 3}},
		OrderType: OrderTypeTakeaway,
	})
	require.ErrorIs(t, err, ErrAmountOutOfRange)

	_, err = e.Compute(ctx, Request{
		Lines: []CartLine{
			{ProductID: "1", Quantity: 1},
			{ProductID: "2", Quantity: 2},
		},
		OrderType: OrderTypeTakeaway,
	})
	require.ErrorIs(t, err, ErrAmountOutOfRange)
}

func TestCompute_UnknownProductFailsWholeRequest(t *testing.T) {
	e := newEngine(newProductRepo(item("1", 1000)))

	_, err := e.Compute(context.Background(), Request{
		Lines: []CartLine{
			{ProductID: "1", Quantity: 1},
			{ProductID: "999", Quantity: 1},
		},
		OrderType: OrderTypeTakeaway,
	})

	var pnfErr *ProductNotFoundError
	require.ErrorAs(t, err, &pnfErr)
	assert.Equal(t, "999", pnfErr.ProductID)
}

func TestCompute_UnavailableProduct(t *testing.T) {
	soldOut := item("1", 1000)
	soldOut.Available = false
	e := newEngine(newProductRepo(soldOut))

	_, err := e.Compute(context.Background(), Request{
		Lines:     []CartLine{{ProductID: "1", Quantity: 1}},
		OrderType: OrderTypeTakeaway,
	})
	var pnfErr *ProductNotFoundError
	require.ErrorAs(t, err, &pnfErr)
}

func TestCompute_CatalogError(t *testing.T) {
	e := newEngine(&mockProductRepo{err: errors.New("db down")})

	_, err := e.Compute(context.Background(), Request{
		Lines:     []CartLine{{ProductID: "1", Quantity: 1}},
		OrderType: OrderTypeTakeaway,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get products")
}

func TestCompute_PromoLookupError(t *testing.T) {
	e := NewEngine(testConfig, newProductRepo(item("1", 1000)),
		promo.NewEvaluator(&mockPromoRepo{err: errors.New("db down")}))

	_, err := e.Compute(context.Background(), Request{
		Lines:     []CartLine{{ProductID: "1", Quantity: 1}},
		OrderType: OrderTypeTakeaway,
		PromoCode: "SAVE10",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "evaluate promo code")
}

func TestCompute_Invariants(t *testing.T) {
	prices := []int64{0, 1, 99, 1000, 2999, 3001, 12345}
	quantities := []int{1, 2, 7}
	codes := []string{"", "SAVE10", "FIXED5", "BIG"}
	roles := []auth.Role{auth.RoleCustomer, auth.RoleAdmin}
	types := []OrderType{OrderTypeDelivery, OrderTypeTakeaway}

	fixed := &promo.Code{Code: "FIXED5", DiscountType: promo.DiscountFixed, Value: decimal.NewFromInt(500), Active: true}
	big := &promo.Code{Code: "BIG", DiscountType: promo.DiscountPercentage, Value: decimal.NewFromInt(150), Active: true}

	for _, price := range prices {
		e := newEngine(newProductRepo(item("1", price)), save10(), fixed, big)
		for _, qty := range quantities {
			for _, code := range codes {
				for _, role := range roles {
					for _, typ := range types {
						b, err := e.Compute(context.Background(), Request{
							Lines:     []CartLine{{ProductID: "1", Quantity: qty}},
							OrderType: typ,
							Role:      role,
							PromoCode: code,
						})
						require.NoError(t, err)
						assert.GreaterOrEqual(t, b.DeliveryFeeCents, int64(0))
						assert.GreaterOrEqual(t, b.TotalCents, b.DeliveryFeeCents)
						assert.LessOrEqual(t, b.DiscountCents, b.ProductSubtotalCents)
						assert.Equal(t, b.ProductSubtotalCents-b.DiscountCents+b.DeliveryFeeCents, b.TotalCents)
						assert.Equal(t, b.DiscountKind == DiscountPromo, b.ShouldConsumePromo)
						if role.Elevated() {
							assert.Empty(t, b.AppliedPromoCode)
						}
					}
				}
			}
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, testConfig.Validate())

	bad := testConfig
	bad.AdminDiscountPercent = 120
	require.Error(t, bad.Validate())

	bad = testConfig
	bad.DeliveryFeeCents = -1
	require.Error(t, bad.Validate())
}

func TestParseOrderType(t *testing.T) {
	got, err := ParseOrderType("delivery")
	require.NoError(t, err)
	assert.Equal(t, OrderTypeDelivery, got)

	_, err = ParseOrderType("Delivery")
	require.ErrorIs(t, err, ErrInvalidOrderType)
}
