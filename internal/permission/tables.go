package permission

import (
	"docmigrate/internal/domain"
)

// builtin holds the default source role tables. Keys are normalized with
// roleKey.
var builtin = map[domain.SourceSystem]map[string]domain.TargetRole{
	domain.SourceGoogleDrive: {
		"owner":         domain.RoleOwner,
		"organizer":     domain.RoleOwner,
		"fileorganizer": domain.RoleEditor,
		"writer":        domain.RoleEditor,
		"commenter":     domain.RoleCommenter,
		"reader":        domain.RoleViewer,
	},
	domain.SourceOneDrive: {
		"owner":     domain.RoleOwner,
		"sp.owner":  domain.RoleOwner,
		"write":     domain.RoleEditor,
		"sp.member": domain.RoleEditor,
		"read":      domain.RoleViewer,
	},
	domain.SourceFileNet: {
		"cmis:all":          domain.RoleOwner,
		"cmis:write":        domain.RoleEditor,
		"cmis:read":         domain.RoleViewer,
		"full_control":      domain.RoleOwner,
		"owner_control":     domain.RoleOwner,
		"major_versioning":  domain.RoleEditor,
		"minor_versioning":  domain.RoleEditor,
		"modify_properties": domain.RoleEditor,
		"view_content":      domain.RoleViewer,
		"view_properties":   domain.RoleViewer,
	},
	domain.SourceS3: {
		"full_control": domain.RoleOwner,
		"write":        domain.RoleEditor,
		"write_acp":    domain.RoleEditor,
		"read":         domain.RoleViewer,
		"read_acp":     domain.RoleViewer,
	},
	domain.SourceLocal: {
		"owner": domain.RoleOwner,
		"write": domain.RoleEditor,
		"read":  domain.RoleViewer,
	},
}

func roleKey(role string) string { return domain.RoleKey(role) }

// BuiltinRole looks role up in the default table of system.
func BuiltinRole(system domain.SourceSystem, role string) (domain.TargetRole, bool) {
	r, ok := builtin[system][roleKey(role)]
	return r, ok
}
