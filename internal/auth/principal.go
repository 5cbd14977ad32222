// Package auth carries the caller identity supplied by the identity provider.
// Tokens and credentials are handled upstream; the principal is trusted as given.
package auth

import (
	"context"
	"errors"
	"slices"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

type Role string

const (
	RoleBuyer    Role = "buyer"
	RoleFarmer   Role = "farmer"
	RoleDriver   Role = "driver"
	RoleOperator Role = "operator"
)

func (r Role) Valid() bool {
	switch r {
	case RoleBuyer, RoleFarmer, RoleDriver, RoleOperator:
		return true
	}
	return false
}

// Principal is an authenticated caller.
type Principal struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// Require fails unless the principal is authenticated and holds one of roles.
func (p Principal) Require(roles ...Role) error {
	if p.UserID == "" || !p.Role.Valid() {
		return ErrUnauthenticated
	}
	if !slices.Contains(roles, p.Role) {
		return ErrForbidden
	}
	return nil
}

// Owns reports whether the principal may act on a resource owned by ownerID.
// Operators may act on anything.
func (p Principal) Owns(ownerID string) bool {
	return p.Role == RoleOperator || (p.UserID != "" && p.UserID == ownerID)
}

type contextKey string

const principalContextKey contextKey = "principal"

func NewContext(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}
