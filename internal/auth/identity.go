// Package auth carries the caller identity through the request context and
// issues and verifies the bearer tokens that establish it.
package auth

import "context"

// Role is the coarse capability class of a caller.
type Role string

const (
	RoleCustomer     Role = "Customer"
	RoleSupportAgent Role = "SupportAgent"
	RoleAdmin        Role = "Admin"
	RoleRestaurant   Role = "Restaurant"
	RoleDriver       Role = "Driver"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleSupportAgent, RoleAdmin, RoleRestaurant, RoleDriver:
		return true
	}
	return false
}

// Identity is the authenticated caller.
type Identity struct {
	UserID       string `json:"userId"`
	Name         string `json:"name"`
	Role         Role   `json:"role"`
	RestaurantID string `json:"restaurantId,omitempty"` // set for restaurant accounts
}

// IsSupport reports whether the caller may act on any conversation.
func (i Identity) IsSupport() bool {
	return i.Role == RoleSupportAgent || i.Role == RoleAdmin
}

type ctxKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
