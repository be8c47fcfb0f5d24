package rbac

import (
	"path"
	"strings"

	"github.com/odyssey-erp/agency-portal/internal/identity"
	"github.com/odyssey-erp/agency-portal/internal/shared"
)

// routePermissions maps UI routes to the permissions that open them (any one suffices).
var routePermissions = map[string][]string{
	"/":              {shared.PermDashboardView},
	"/dashboard":     {shared.PermDashboardView},
	"/requests":      {shared.PermRequestsView},
	"/requests/new":  {shared.PermRequestsCreate},
	"/clients":       {shared.PermClientsView},
	"/clients/new":   {shared.PermClientsCreate},
	"/team":          {shared.PermTeamView},
	"/team/new":      {shared.PermTeamCreate},
	"/invoices":      {shared.PermInvoicesView},
	"/invoices/new":  {shared.PermInvoicesCreate},
	"/reports":       {shared.PermReportsView},
	"/settings":      {shared.PermSettingsView},
	"/impersonation": {shared.PermImpersonate},
	"/messages":      {shared.PermChatView},
	"/profile":       {shared.PermDashboardView},
}

// routePrefixes is consulted, longest first, when no exact route matches.
var routePrefixes = []struct {
	prefix string
	perms  []string
}{
	{"/invoices/", []string{shared.PermInvoicesView}},
	{"/requests/", []string{shared.PermRequestsView}},
	{"/settings/", []string{shared.PermSettingsView}},
	{"/clients/", []string{shared.PermClientsView}},
	{"/team/", []string{shared.PermTeamView}},
}

// publicRoutes are reachable without a session.
var publicRoutes = map[string]struct{}{
	"/login":           {},
	"/forgot-password": {},
	"/reset-password":  {},
	"/healthz":         {},
}

// RouteGuard decides route access. Unknown routes are denied unless DefaultAllow is set.
type RouteGuard struct {
	DefaultAllow bool
}

// NewRouteGuard constructs a guard with the given fallback policy.
func NewRouteGuard(defaultAllow bool) RouteGuard {
	return RouteGuard{DefaultAllow: defaultAllow}
}

// CanAccess reports whether p may open routePath.
func (g RouteGuard) CanAccess(p *identity.Principal, routePath string) bool {
	route := cleanRoute(routePath)
	if _, ok := publicRoutes[route]; ok {
		return true
	}
	if perms, ok := routePermissions[route]; ok {
		return HasAnyPermission(p, perms...)
	}
	for _, entry := range routePrefixes {
		if strings.HasPrefix(route, entry.prefix) {
			return HasAnyPermission(p, entry.perms...)
		}
	}
	return g.DefaultAllow
}

// CanAccessRoute applies the default-deny guard.
func CanAccessRoute(p *identity.Principal, routePath string) bool {
	return RouteGuard{}.CanAccess(p, routePath)
}

func cleanRoute(routePath string) string {
	routePath = strings.TrimSpace(routePath)
	if i := strings.IndexAny(routePath, "?#"); i >= 0 {
		routePath = routePath[:i]
	}
	if routePath == "" {
		return "/"
	}
	if !strings.HasPrefix(routePath, "/") {
		routePath = "/" + routePath
	}
	cleaned := path.Clean(routePath)
	if strings.HasSuffix(routePath, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}
