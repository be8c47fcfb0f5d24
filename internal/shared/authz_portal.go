package shared

// Portal permissions. The set is closed: roles are granted subsets of it and nothing else
// is ever checked.
const (
	PermDashboardView = "dashboard.view"

	PermRequestsView   = "requests.view"
	PermRequestsCreate = "requests.create"
	PermRequestsEdit   = "requests.edit"
	PermRequestsDelete = "requests.delete"

	PermClientsView   = "clients.view"
	PermClientsCreate = "clients.create"
	PermClientsEdit   = "clients.edit"
	PermClientsDelete = "clients.delete"

	PermTeamView   = "team.view"
	PermTeamCreate = "team.create"
	PermTeamEdit   = "team.edit"
	PermTeamDelete = "team.delete"

	PermInvoicesView   = "invoices.view"
	PermInvoicesCreate = "invoices.create"
	PermInvoicesEdit   = "invoices.edit"
	PermInvoicesDelete = "invoices.delete"

	PermReportsView = "reports.view"

	PermSettingsView = "admin_settings.view"
	PermSettingsEdit = "admin_settings.edit"

	PermImpersonate = "impersonation.use"

	PermChatView = "chat.view"
	PermChatSend = "chat.send"

	PermAssignmentEdit = "assignment.edit"
)

// PortalScopes lists every permission known to the portal.
func PortalScopes() []string {
	return []string{
		PermDashboardView,
		PermRequestsView,
		PermRequestsCreate,
		PermRequestsEdit,
		PermRequestsDelete,
		PermClientsView,
		PermClientsCreate,
		PermClientsEdit,
		PermClientsDelete,
		PermTeamView,
		PermTeamCreate,
		PermTeamEdit,
		PermTeamDelete,
		PermInvoicesView,
		PermInvoicesCreate,
		PermInvoicesEdit,
		PermInvoicesDelete,
		PermReportsView,
		PermSettingsView,
		PermSettingsEdit,
		PermImpersonate,
		PermChatView,
		PermChatSend,
		PermAssignmentEdit,
	}
}
