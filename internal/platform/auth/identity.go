package auth

import (
	"context"
	"slices"
	"strings"
)

// Roles carried in the Firebase custom role claim.
const (
	// RoleDiner orders for themselves and sees only their own orders.
	RoleDiner = "diner"
	// RoleRunner delivers to tables and may read the orders of its tenants, but never mutates one.
	RoleRunner = "runner"
	// RoleStaff operates the tenants listed in the tenant claim.
	RoleStaff = "staff"
	// RoleAdmin operates every tenant.
	RoleAdmin = "admin"
)

// Identity is the authenticated caller behind a Firebase ID token.
type Identity struct {
	UID     string
	Email   string
	Roles   []string
	Tenants []string
}

// HasRole reports whether the identity carries role. Comparison ignores case.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	return role != "" && slices.Contains(i.Roles, role)
}

// HasAnyRole reports whether the identity carries at least one of roles.
func (i *Identity) HasAnyRole(roles ...string) bool {
	return slices.ContainsFunc(roles, i.HasRole)
}

// IsStaff reports whether the identity works the floor rather than ordering as a diner.
func (i *Identity) IsStaff() bool {
	return i.HasAnyRole(RoleStaff, RoleAdmin)
}

// OperatesTenant reports whether the identity may act as staff on tenantID. Tenant ids are case sensitive.
func (i *Identity) OperatesTenant(tenantID string) bool {
	switch {
	case i.HasRole(RoleAdmin):
		return true
	case !i.IsStaff():
		return false
	}
	tenantID = strings.TrimSpace(tenantID)
	return tenantID != "" && slices.Contains(i.Tenants, tenantID)
}

// ServesTenant reports whether the identity works the floor of tenantID, as staff or as a runner.
func (i *Identity) ServesTenant(tenantID string) bool {
	switch {
	case i.HasRole(RoleAdmin):
		return true
	case !i.HasAnyRole(RoleStaff, RoleRunner):
		return false
	}
	tenantID = strings.TrimSpace(tenantID)
	return tenantID != "" && slices.Contains(i.Tenants, tenantID)
}

type identityKey struct{}

// WithIdentity stores identity on ctx.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity stored by WithIdentity.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	return identity, ok && identity != nil
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
