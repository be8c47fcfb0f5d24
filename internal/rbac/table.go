package rbac

import (
	"sort"

	"github.com/odyssey-erp/agency-portal/internal/identity"
	"github.com/odyssey-erp/agency-portal/internal/shared"
)

type permissionSet map[string]struct{}

func setOf(perms ...string) permissionSet {
	set := make(permissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

var adminPermissions = setOf(shared.PortalScopes()...)

// rolePermissions is the fixed role table. portal_admin shares the admin set.
var rolePermissions = map[identity.Role]permissionSet{
	identity.RoleAdmin:       adminPermissions,
	identity.RolePortalAdmin: adminPermissions,
	identity.RoleMember: setOf(
		shared.PermDashboardView,
		shared.PermRequestsView,
		shared.PermRequestsCreate,
		shared.PermRequestsEdit,
		shared.PermClientsView,
		shared.PermTeamView,
		shared.PermInvoicesView,
		shared.PermInvoicesCreate,
		shared.PermReportsView,
		shared.PermChatView,
		shared.PermChatSend,
		shared.PermAssignmentEdit,
	),
	identity.RoleViewer: setOf(
		shared.PermDashboardView,
		shared.PermRequestsView,
		shared.PermClientsView,
		shared.PermTeamView,
		shared.PermInvoicesView,
		shared.PermReportsView,
		shared.PermChatView,
	),
	identity.RoleClient: setOf(
		shared.PermDashboardView,
		shared.PermRequestsView,
		shared.PermRequestsCreate,
		shared.PermInvoicesView,
		shared.PermChatView,
		shared.PermChatSend,
	),
}

// PermissionsFor returns the sorted permission names granted to role.
func PermissionsFor(role identity.Role) []string {
	set, ok := rolePermissions[role]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Roles lists the roles present in the table.
func Roles() []identity.Role {
	return []identity.Role{
		identity.RoleAdmin,
		identity.RolePortalAdmin,
		identity.RoleMember,
		identity.RoleViewer,
		identity.RoleClient,
	}
}
