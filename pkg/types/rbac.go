package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Permission is a closed "resource:verb" capability string.
type Permission string

const (
	PermissionAgentsView       Permission = "agents:view"
	PermissionAgentsRegister   Permission = "agents:register"
	PermissionAgentsUnregister Permission = "agents:unregister"
	PermissionAgentsCommand    Permission = "agents:command"

	PermissionPoliciesView   Permission = "policies:view"
	PermissionPoliciesCreate Permission = "policies:create"
	PermissionPoliciesUpdate Permission = "policies:update"
	PermissionPoliciesDelete Permission = "policies:delete"
	PermissionPoliciesDeploy Permission = "policies:deploy"

	PermissionReportsView   Permission = "reports:view"
	PermissionReportsExport Permission = "reports:export"

	PermissionAuditView   Permission = "audit:view"
	PermissionAuditExport Permission = "audit:export"

	PermissionUsersView   Permission = "users:view"
	PermissionUsersCreate Permission = "users:create"
	PermissionUsersUpdate Permission = "users:update"
	PermissionUsersDelete Permission = "users:delete"

	PermissionConfigView   Permission = "config:view"
	PermissionConfigUpdate Permission = "config:update"
)

// Category returns the resource category portion of the permission.
func (p Permission) Category() string {
	for i := 0; i < len(p); i++ {
		if p[i] == ':' {
			return string(p[:i])
		}
	}
	return string(p)
}

// Role is the caller's privilege class.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// Hierarchy levels. A higher level strictly contains the permissions of
// every lower level.
const (
	levelAdmin    = 100
	levelOperator = 50
	levelViewer   = 10
)

var viewerPermissions = []Permission{
	PermissionAgentsView,
	PermissionPoliciesView,
	PermissionReportsView,
}

var operatorPermissions = append([]Permission{
	PermissionAgentsRegister,
	PermissionAgentsUnregister,
	PermissionAgentsCommand,
	PermissionPoliciesCreate,
	PermissionPoliciesUpdate,
	PermissionPoliciesDeploy,
	PermissionReportsExport,
	PermissionAuditView,
}, viewerPermissions...)

var adminPermissions = append([]Permission{
	PermissionPoliciesDelete,
	PermissionAuditExport,
	PermissionUsersView,
	PermissionUsersCreate,
	PermissionUsersUpdate,
	PermissionUsersDelete,
	PermissionConfigView,
	PermissionConfigUpdate,
}, operatorPermissions...)

var rolePermissions = map[Role]map[Permission]bool{
	RoleAdmin:    permissionSet(adminPermissions),
	RoleOperator: permissionSet(operatorPermissions),
	RoleViewer:   permissionSet(viewerPermissions),
}

func permissionSet(perms []Permission) map[Permission]bool {
	set := make(map[Permission]bool, len(perms))
	for _, p := range perms {
		set[p] = true
	}
	return set
}

// ParseRole converts a string to a Role.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAdmin, RoleOperator, RoleViewer:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown role: %q", s)
	}
}

// Level returns the hierarchy level of the role. Unknown roles are level 0.
func (r Role) Level() int {
	switch r {
	case RoleAdmin:
		return levelAdmin
	case RoleOperator:
		return levelOperator
	case RoleViewer:
		return levelViewer
	default:
		return 0
	}
}

// HasPermission reports whether the role grants the permission.
func (r Role) HasPermission(p Permission) bool {
	return rolePermissions[r][p]
}

// HasAtLeastPrivilegesOf reports whether this role sits at or above the
// other role in the hierarchy.
func (r Role) HasAtLeastPrivilegesOf(other Role) bool {
	return r.Level() >= other.Level()
}

// Permissions returns the full permission set of the role.
func (r Role) Permissions() []Permission {
	set := rolePermissions[r]
	perms := make([]Permission, 0, len(set))
	for p := range set {
		perms = append(perms, p)
	}
	return perms
}

// User is a human or UI caller of the control plane API.
type User struct {
	ID           uuid.UUID  `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	Role         Role       `json:"role"`
	PasswordHash string     `json:"-"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty"`
}

// HasPermission reports whether the user is active and its role grants the
// permission.
func (u *User) HasPermission(p Permission) bool {
	return u.Active && u.Role.HasPermission(p)
}
