package auth

import (
	"context"

	"github.com/go-faster/errors"
)

// Role classifies an account for pricing and authorization purposes.
type Role string

const (
	RoleCustomer Role = "customer"
	// RoleAdmin is the elevated role: back-office access and the fixed
	// staff discount at checkout.
	RoleAdmin Role = "admin"
)

// Elevated reports whether the role receives the fixed role discount.
func (r Role) Elevated() bool {
	return r == RoleAdmin
}

// ErrUnauthorized is returned when a credential does not resolve to a principal.
var ErrUnauthorized = errors.New("unauthorized")

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID string
	Role   Role
}

// APIKeyInfo holds the identity data for a validated API key.
type APIKeyInfo struct {
	ID      string
	KeyHash string
	Name    string
	UserID  string
	Role    Role
}

// Repository provides lookup of API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored in ctx, if any.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
