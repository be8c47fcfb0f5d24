// Package rbac answers whether a principal may perform an operation or open a route.
// Every check is a pure function of the principal and the static role table.
package rbac

import (
	"strings"

	"github.com/odyssey-erp/agency-portal/internal/identity"
	"github.com/odyssey-erp/agency-portal/internal/shared"
)

// HasPermission reports whether p's role grants perm. While impersonating, p is the
// derived principal, so its role is the one checked. impersonation.use is held only by
// principals that identity.Principal.CanImpersonate accepts, so a team member with the
// admin role or any derived principal never holds it.
func HasPermission(p *identity.Principal, perm string) bool {
	if p == nil {
		return false
	}
	set, ok := rolePermissions[p.Role]
	if !ok {
		return false
	}
	perm = normalize(perm)
	if perm == shared.PermImpersonate && !p.CanImpersonate() {
		return false
	}
	_, granted := set[perm]
	return granted
}

// PermissionsOf returns the sorted permissions p actually holds.
func PermissionsOf(p *identity.Principal) []string {
	if p == nil {
		return nil
	}
	granted := PermissionsFor(p.Role)
	out := make([]string, 0, len(granted))
	for _, perm := range granted {
		if HasPermission(p, perm) {
			out = append(out, perm)
		}
	}
	return out
}

// HasAnyPermission reports whether p holds at least one of perms.
func HasAnyPermission(p *identity.Principal, perms ...string) bool {
	for _, perm := range perms {
		if HasPermission(p, perm) {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether p holds every one of perms.
func HasAllPermissions(p *identity.Principal, perms ...string) bool {
	if p == nil {
		return false
	}
	for _, perm := range perms {
		if !HasPermission(p, perm) {
			return false
		}
	}
	return true
}

func normalize(perm string) string {
	return strings.TrimSpace(strings.ToLower(perm))
}
