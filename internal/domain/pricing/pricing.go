// Package pricing computes authoritative, discounted order totals from an
// untrusted cart. All money is integer cents.
package pricing

import (
	"fmt"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/bistro/internal/domain/auth"
	"github.com/xenking/bistro/internal/domain/promo"
)

// OrderType is how the customer receives the order.
type OrderType string

const (
	OrderTypeDelivery OrderType = "delivery"
	OrderTypeTakeaway OrderType = "takeaway"
)

// ParseOrderType validates s as an OrderType.
func ParseOrderType(s string) (OrderType, error) {
	switch t := OrderType(s); t {
	case OrderTypeDelivery, OrderTypeTakeaway:
		return t, nil
	default:
		return "", ErrInvalidOrderType
	}
}

// DiscountKind tells which policy produced the discount.
type DiscountKind string

const (
	DiscountNone  DiscountKind = "none"
	DiscountPromo DiscountKind = "promo"
	DiscountAdmin DiscountKind = "admin"
)

// Validation errors. They are returned before any catalog access.
var (
	ErrEmptyCart        = errors.New("cart is empty")
	ErrEmptyProductID   = errors.New("product id is required")
	ErrInvalidOrderType = errors.New("order type must be delivery or takeaway")
	ErrAmountOutOfRange = errors.New("cart amount is out of range")
)

// MaxLineQuantity bounds the quantity of a product in one cart, after
// repeated lines are merged.
const MaxLineQuantity = 1000

// InvalidQuantityError indicates a cart line whose quantity is not in
// [1, MaxLineQuantity].
type InvalidQuantityError struct {
	ProductID string
	Quantity  int
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be between 1 and %d for product %s", MaxLineQuantity, e.ProductID)
}

// ProductNotFoundError indicates a cart line referencing an item that is
// missing from the catalog or no longer available.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s is not available", e.ProductID)
}

// CartLine is a client supplied line. It carries no price.
type CartLine struct {
	ProductID string
	Quantity  int
}

// Request is the input of Engine.Compute.
type Request struct {
	Lines     []CartLine
	OrderType OrderType
	Role      auth.Role
	// PromoCode is optional; empty means no code was entered.
	PromoCode string
}

// Line is a priced cart line. UnitPriceCents always comes from the catalog.
type Line struct {
	ProductID         string
	Name              string
	UnitPriceCents    int64
	Quantity          int
	LineSubtotalCents int64
}

// Breakdown is the fully specified price of a cart.
type Breakdown struct {
	Lines                []Line
	ProductSubtotalCents int64
	DiscountCents        int64
	DiscountKind         DiscountKind
	// AppliedPromoCode is set only when a promo discount was applied.
	AppliedPromoCode string
	DeliveryFeeCents int64
	TotalCents       int64
	// ShouldConsumePromo tells the caller to increment the code's usage
	// counter once the order is committed. The engine never does it.
	ShouldConsumePromo bool
	// Promo is the evaluation of the supplied code, nil when no code was
	// supplied or the role discount took precedence.
	Promo *promo.Evaluation
}

// Config holds the pricing policy constants.
type Config struct {
	AdminDiscountPercent       int64         `default:"50" usage:"Discount percent for elevated roles"`
	FreeDeliveryThresholdCents int64         `default:"3000" usage:"Discounted subtotal from which delivery is free" flag:"free-delivery-threshold"`
	DeliveryFeeCents           int64         `default:"250" usage:"Delivery fee below the free delivery threshold" flag:"delivery-fee"`
	CatalogTimeout             time.Duration `default:"3s" usage:"Timeout for catalog price lookups" flag:"catalog-timeout"`
}

// Validate checks the policy constants for sane ranges.
func (c Config) Validate() error {
	if c.AdminDiscountPercent < 0 || c.AdminDiscountPercent > 100 {
		return errors.Errorf("admin discount percent %d out of range [0, 100]", c.AdminDiscountPercent)
	}
	if c.FreeDeliveryThresholdCents < 0 {
		return errors.New("free delivery threshold must not be negative")
	}
	if c.DeliveryFeeCents < 0 {
		return errors.New("delivery fee must not be negative")
	}
	return nil
}
