package promo

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPromoRepo struct {
	code     *Code
	err      error
	lastCode string
}

func (m *mockPromoRepo) FindByCode(_ context.Context, code string) (*Code, error) {
	m.lastCode = code
	return m.code, m.err
}

func (m *mockPromoRepo) Consume(_ context.Context, _ string) (bool, error) {
	return true, nil
}

func intPtr(v int) *int { return &v }

func TestApply(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)

	base := func(mut func(c *Code)) *Code {
		c := &Code{
			Code:         "SAVE10",
			DiscountType: DiscountPercentage,
			Value:        decimal.NewFromInt(10),
			ValidFrom:    past,
			Active:       true,
		}
		if mut != nil {
			mut(c)
		}
		return c
	}

	tests := []struct {
		name       string
		code       *Code
		subtotal   int64
		wantCents  int64
		wantReason Reason
	}{
		{
			name:      "percentage of subtotal",
			code:      base(nil),
			subtotal:  2000,
			wantCents: 200,
		},
		{
			name: "fractional percentage rounds half away from zero",
			code: base(func(c *Code) {
				c.Value = decimal.RequireFromString("12.5")
			}),
			subtotal:  1004, // 125.5 -> 126
			wantCents: 126,
		},
		{
			name: "fixed amount",
			code: base(func(c *Code) {
				c.DiscountType = DiscountFixed
				c.Value = decimal.NewFromInt(500)
			}),
			subtotal:  2000,
			wantCents: 500,
		},
		{
			name: "fixed amount clamped to subtotal",
			code: base(func(c *Code) {
				c.DiscountType = DiscountFixed
				c.Value = decimal.NewFromInt(5000)
			}),
			subtotal:  1200,
			wantCents: 1200,
		},
		{
			name: "inactive code",
			code: base(func(c *Code) {
				c.Active = false
			}),
			subtotal:   2000,
			wantReason: ReasonInactive,
		},
		{
			name: "not started yet",
			code: base(func(c *Code) {
				c.ValidFrom = future
			}),
			subtotal:   2000,
			wantReason: ReasonNotStarted,
		},
		{
			name: "expired",
			code: base(func(c *Code) {
				c.ValidUntil = &past
			}),
			subtotal:   2000,
			wantReason: ReasonExpired,
		},
		{
			name: "inside validity window",
			code: base(func(c *Code) {
				c.ValidUntil = &future
			}),
			subtotal:  2000,
			wantCents: 200,
		},
		{
			name: "usage limit reached",
			code: base(func(c *Code) {
				c.MaxUses = intPtr(1)
				c.TimesUsed = 1
			}),
			subtotal:   2000,
			wantReason: ReasonExhausted,
		},
		{
			name: "uses remaining",
			code: base(func(c *Code) {
				c.MaxUses = intPtr(5)
				c.TimesUsed = 4
			}),
			subtotal:  2000,
			wantCents: 200,
		},
		{
			name: "below minimum order value",
			code: base(func(c *Code) {
				c.MinOrderValueCents = 2500
			}),
			subtotal:   2000,
			wantReason: ReasonBelowMinimum,
		},
		{
			name: "exactly at minimum order value",
			code: base(func(c *Code) {
				c.MinOrderValueCents = 2000
			}),
			subtotal:  2000,
			wantCents: 200,
		},
		{
			name:       "discount rounding to zero is not applied",
			code:       base(nil),
			subtotal:   4, // 0.4 -> 0
			wantReason: ReasonZeroDiscount,
		},
		{
			name: "unsupported discount type",
			code: base(func(c *Code) {
				c.DiscountType = DiscountType("bogus")
			}),
			subtotal:   2000,
			wantReason: ReasonUnsupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Apply(tt.code, tt.subtotal, now)

			if tt.wantReason != ReasonNone {
				assert.False(t, got.Applied)
				assert.Zero(t, got.DiscountCents)
				assert.Equal(t, tt.wantReason, got.Reason)
				return
			}

			assert.True(t, got.Applied)
			assert.Equal(t, tt.wantCents, got.DiscountCents)
			assert.LessOrEqual(t, got.DiscountCents, tt.subtotal)
		})
	}
}

func TestEvaluator_NormalizesCode(t *testing.T) {
	repo := &mockPromoRepo{code: &Code{
		Code:         "SAVE10",
		DiscountType: DiscountPercentage,
		Value:        decimal.NewFromInt(10),
		Active:       true,
	}}
	e := NewEvaluator(repo)

	ev, err := e.Evaluate(context.Background(), "  save10 ", 2000)
	require.NoError(t, err)
	assert.Equal(t, "SAVE10", repo.lastCode)
	assert.Equal(t, "SAVE10", ev.Code)
	assert.True(t, ev.Applied)
	assert.Equal(t, int64(200), ev.DiscountCents)
}

func TestEvaluator_UnknownCodeIsNotAnError(t *testing.T) {
	e := NewEvaluator(&mockPromoRepo{err: ErrNotFound})

	ev, err := e.Evaluate(context.Background(), "bogus", 2000)
	require.NoError(t, err)
	assert.False(t, ev.Applied)
	assert.Equal(t, ReasonNotFound, ev.Reason)
	assert.Equal(t, "BOGUS", ev.Code)
}

func TestEvaluator_BlankCode(t *testing.T) {
	repo := &mockPromoRepo{}
	e := NewEvaluator(repo)

	ev, err := e.Evaluate(context.Background(), "   ", 2000)
	require.NoError(t, err)
	assert.False(t, ev.Applied)
	assert.Empty(t, repo.lastCode)
}

func TestEvaluator_LookupError(t *testing.T) {
	e := NewEvaluator(&mockPromoRepo{err: errors.New("db down")})

	_, err := e.Evaluate(context.Background(), "SAVE10", 2000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lookup promo code")
}

func TestReason_Message(t *testing.T) {
	assert.Empty(t, ReasonNone.Message())
	assert.Equal(t, "promo code has reached its usage limit", ReasonExhausted.Message())
	assert.Equal(t, "promo code is not applicable", Reason("weird").Message())
}
