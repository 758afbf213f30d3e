package shared

// Roles assigned to user accounts.
const (
	RoleGeneralAdmin   = "general_admin"
	RoleProjectManager = "project_manager"
	RoleHandler        = "handler"
	RoleTrainer        = "trainer"
	RoleVeterinarian   = "veterinarian"
	RoleBreeder        = "breeder"
	RoleViewer         = "viewer"
)

// Operating modes a general admin can switch between.
const (
	ModeGeneralAdmin   = "general_admin"
	ModeProjectManager = "project_manager"
)

// Permission keys guarding the administration surface.
const (
	PermAdminPermissionsView   = "admin.permissions.view"
	PermAdminPermissionsEdit   = "admin.permissions.edit"
	PermAdminPermissionsManage = "admin.permissions.manage"
	PermAdminPermissionsExport = "admin.permissions.export"
	PermAdminAuditView         = "admin.audit.view"
	PermAdminUsersView         = "admin.users.view"
	PermAdminUsersCreate       = "admin.users.create"
)

// AdminScopes lists the permission keys of the administration surface.
func AdminScopes() []string {
	return []string{
		PermAdminPermissionsView,
		PermAdminPermissionsEdit,
		PermAdminPermissionsManage,
		PermAdminPermissionsExport,
		PermAdminAuditView,
		PermAdminUsersView,
		PermAdminUsersCreate,
	}
}

// Roles returns every assignable role.
func Roles() []string {
	return []string{
		RoleGeneralAdmin,
		RoleProjectManager,
		RoleHandler,
		RoleTrainer,
		RoleVeterinarian,
		RoleBreeder,
		RoleViewer,
	}
}

// ValidRole reports whether role is assignable.
func ValidRole(role string) bool {
	for _, r := range Roles() {
		if r == role {
			return true
		}
	}
	return false
}

// ValidMode reports whether mode is a known operating mode.
func ValidMode(mode string) bool {
	return mode == ModeGeneralAdmin || mode == ModeProjectManager
}
