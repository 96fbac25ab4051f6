package promo

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported promo discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes Value percent off the product subtotal.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed takes Value cents off the product subtotal.
	DiscountFixed DiscountType = "fixed"
)

// ErrNotFound is returned by Repository.FindByCode when no code matches.
var ErrNotFound = errors.New("promo code not found")

// Code is a promotional code as administered in the back office.
type Code struct {
	Code               string
	DiscountType       DiscountType
	Value              decimal.Decimal
	MinOrderValueCents int64
	// MaxUses is nil for codes without a usage cap.
	MaxUses    *int
	TimesUsed  int
	ValidFrom  time.Time
	ValidUntil *time.Time
	Active     bool
}

// Exhausted reports whether the code has no uses left.
func (c *Code) Exhausted() bool {
	return c.MaxUses != nil && c.TimesUsed >= *c.MaxUses
}

// Repository provides lookup and consumption of promo codes.
type Repository interface {
	// FindByCode looks up a code case-insensitively. It returns ErrNotFound
	// when the code does not exist.
	FindByCode(ctx context.Context, code string) (*Code, error)
	// Consume increments the usage counter only while uses remain and
	// reports whether the increment happened.
	Consume(ctx context.Context, code string) (bool, error)
}

// Normalize trims and upper-cases a user supplied code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
