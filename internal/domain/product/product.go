package product

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned when a requested menu item does not exist.
var ErrNotFound = errors.New("product not found")

// Product is a menu item as stored in the catalog. PriceCents is the
// authoritative unit price; it is never taken from a client request.
type Product struct {
	ID          string
	Name        string
	Description string
	Category    string
	PriceCents  int64
	ImageURL    string
	Available   bool
}

// Repository defines read operations for the menu catalog.
type Repository interface {
	List(ctx context.Context) ([]Product, error)
	// GetByIDs returns at most one row per requested id. Unknown ids are
	// simply absent from the result.
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
}
