package rbac

// Default policy: operators get the read-only views, admins everything.
var RolePermissions = map[string][]string{
	"operator": {
		"consumer:list",
		"consumer:view",
		"share:list",
	},
	"admin": {
		"*",
	},
}
