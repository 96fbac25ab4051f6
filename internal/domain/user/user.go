package user

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/xenking/bistro/internal/domain/auth"
)

// ErrNotFound is returned when a user does not exist.
var ErrNotFound = errors.New("user not found")

// User is a customer or staff account together with its loyalty ledger.
type User struct {
	ID              string
	Name            string
	Email           string
	Role            auth.Role
	LoyaltyPoints   int64
	TotalSpentCents int64
}

// PointsForSpend converts a settled order total into loyalty points:
// one point per whole currency unit, delivery fee included.
func PointsForSpend(totalCents int64) int64 {
	if totalCents <= 0 {
		return 0
	}
	return totalCents / 100
}

// Repository reads users and applies additive loyalty updates.
type Repository interface {
	GetByID(ctx context.Context, id string) (*User, error)
	// AccrueLoyalty adds points and spentCents to the user's ledger.
	// Both values must be non-negative.
	AccrueLoyalty(ctx context.Context, id string, points, spentCents int64) error
}
