// Package access authorizes API callers against registered access policies.
package access

import (
	"strings"

	"github.com/macsweep/control-plane/pkg/types"
)

// AccessPolicy is one authorization rule. The first registered policy whose
// method set and resource pattern match a request decides it.
type AccessPolicy struct {
	Name                   string
	ResourcePattern        string
	Methods                []string
	RequiredPermissions    []types.Permission // any-of; empty means none required
	MinimumRole            types.Role         // empty means no role floor
	RequiresAuthentication bool
}

// MatchesMethod reports whether the policy covers the HTTP method.
func (p *AccessPolicy) MatchesMethod(method string) bool {
	for _, m := range p.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// MatchesResource reports whether the pattern matches the resource path.
// Patterns match by exact equality, by a trailing "*" prefix wildcard, or
// segment-wise where "{name}" or "*" segments match any single non-empty
// segment.
func (p *AccessPolicy) MatchesResource(resource string) bool {
	pattern := p.ResourcePattern
	if pattern == resource {
		return true
	}
	if strings.HasSuffix(pattern, "*") && !strings.Contains(strings.TrimSuffix(pattern, "*"), "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		if !strings.Contains(prefix, "{") && strings.HasPrefix(resource, prefix) {
			return true
		}
	}
	return matchSegments(pattern, resource)
}

func matchSegments(pattern, resource string) bool {
	pSegs := strings.Split(strings.Trim(pattern, "/"), "/")
	rSegs := strings.Split(strings.Trim(resource, "/"), "/")
	if len(pSegs) != len(rSegs) {
		return false
	}
	for i, ps := range pSegs {
		rs := rSegs[i]
		if rs == "" {
			return false
		}
		if ps == "*" {
			continue
		}
		if strings.HasPrefix(ps, "{") && strings.HasSuffix(ps, "}") {
			continue
		}
		if ps != rs {
			return false
		}
	}
	return true
}

// DefaultPolicies returns the control plane's route policy table. Order
// matters: more specific patterns come before their wildcard parents.
func DefaultPolicies() []AccessPolicy {
	return []AccessPolicy{
		{
			Name:            "health",
			ResourcePattern: "/api/v1/health",
			Methods:         []string{"GET"},
		},
		{
			Name:            "auth-login",
			ResourcePattern: "/api/v1/auth/login",
			Methods:         []string{"POST"},
		},
		{
			Name:            "auth-refresh",
			ResourcePattern: "/api/v1/auth/refresh",
			Methods:         []string{"POST"},
		},
		{
			// Agents self-register before they hold any credential; the
			// registration service vets the identity before admission.
			Name:            "agents-register",
			ResourcePattern: "/api/v1/agents/register",
			Methods:         []string{"POST"},
		},
		{
			Name:                   "agents-approve",
			ResourcePattern:        "/api/v1/agents/{id}/approve",
			Methods:                []string{"POST"},
			RequiredPermissions:    []types.Permission{types.PermissionAgentsRegister},
			RequiresAuthentication: true,
		},
		{
			Name:                   "agents-reject",
			ResourcePattern:        "/api/v1/agents/{id}/reject",
			Methods:                []string{"POST"},
			RequiredPermissions:    []types.Permission{types.PermissionAgentsRegister},
			RequiresAuthentication: true,
		},
		{
			// Agent liveness reports authenticate with the opaque
			// registry token, checked by the transport layer.
			Name:            "agents-heartbeat",
			ResourcePattern: "/api/v1/agents/{id}/heartbeat",
			Methods:         []string{"POST"},
		},
		{
			Name:            "agents-acknowledge",
			ResourcePattern: "/api/v1/agents/{id}/acknowledge",
			Methods:         []string{"POST"},
		},
		{
			Name:                   "agents-list",
			ResourcePattern:        "/api/v1/agents",
			Methods:                []string{"GET"},
			RequiredPermissions:    []types.Permission{types.PermissionAgentsView},
			RequiresAuthentication: true,
		},
		{
			Name:                   "agents-command",
			ResourcePattern:        "/api/v1/agents/{id}/command",
			Methods:                []string{"POST"},
			RequiredPermissions:    []types.Permission{types.PermissionAgentsCommand},
			RequiresAuthentication: true,
		},
		{
			Name:                   "agents-get",
			ResourcePattern:        "/api/v1/agents/{id}",
			Methods:                []string{"GET"},
			RequiredPermissions:    []types.Permission{types.PermissionAgentsView},
			RequiresAuthentication: true,
		},
		{
			Name:                   "agents-unregister",
			ResourcePattern:        "/api/v1/agents/{id}",
			Methods:                []string{"DELETE"},
			RequiredPermissions:    []types.Permission{types.PermissionAgentsUnregister},
			RequiresAuthentication: true,
		},
		{
			Name:                   "policies-list",
			ResourcePattern:        "/api/v1/policies",
			Methods:                []string{"GET"},
			RequiredPermissions:    []types.Permission{types.PermissionPoliciesView},
			RequiresAuthentication: true,
		},
		{
			Name:                   "policies-create",
			ResourcePattern:        "/api/v1/policies",
			Methods:                []string{"POST"},
			RequiredPermissions:    []types.Permission{types.PermissionPoliciesCreate},
			RequiresAuthentication: true,
		},
		{
			Name:                   "policies-deploy",
			ResourcePattern:        "/api/v1/policies/{id}/deploy",
			Methods:                []string{"POST"},
			RequiredPermissions:    []types.Permission{types.PermissionPoliciesDeploy},
			RequiresAuthentication: true,
		},
		{
			Name:                   "policies-get",
			ResourcePattern:        "/api/v1/policies/{id}",
			Methods:                []string{"GET"},
			RequiredPermissions:    []types.Permission{types.PermissionPoliciesView},
			RequiresAuthentication: true,
		},
		{
			Name:                   "policies-update",
			ResourcePattern:        "/api/v1/policies/{id}",
			Methods:                []string{"PUT", "PATCH"},
			RequiredPermissions:    []types.Permission{types.PermissionPoliciesUpdate},
			RequiresAuthentication: true,
		},
		{
			Name:                   "policies-delete",
			ResourcePattern:        "/api/v1/policies/{id}",
			Methods:                []string{"DELETE"},
			RequiredPermissions:    []types.Permission{types.PermissionPoliciesDelete},
			RequiresAuthentication: true,
		},
		{
			Name:                   "distributions-cancel",
			ResourcePattern:        "/api/v1/distributions/{id}/cancel",
			Methods:                []string{"POST"},
			RequiredPermissions:    []types.Permission{types.PermissionPoliciesDeploy},
			RequiresAuthentication: true,
		},
		{
			Name:                   "distributions-rollback",
			ResourcePattern:        "/api/v1/distributions/{id}/rollback",
			Methods:                []string{"POST"},
			RequiredPermissions:    []types.Permission{types.PermissionPoliciesDeploy},
			RequiresAuthentication: true,
		},
		{
			Name:                   "distributions-retry",
			ResourcePattern:        "/api/v1/distributions/{id}/retry",
			Methods:                []string{"POST"},
			RequiredPermissions:    []types.Permission{types.PermissionPoliciesDeploy},
			RequiresAuthentication: true,
		},
		{
			Name:                   "distributions",
			ResourcePattern:        "/api/v1/distributions*",
			Methods:                []string{"GET"},
			RequiredPermissions:    []types.Permission{types.PermissionPoliciesView},
			RequiresAuthentication: true,
		},
		{
			Name:                   "reports-execution-export",
			ResourcePattern:        "/api/v1/reports/executions/{id}/export",
			Methods:                []string{"POST"},
			RequiredPermissions:    []types.Permission{types.PermissionReportsExport},
			RequiresAuthentication: true,
		},
		{
			Name:                   "reports-export",
			ResourcePattern:        "/api/v1/reports/*/export",
			Methods:                []string{"POST"},
			RequiredPermissions:    []types.Permission{types.PermissionReportsExport},
			RequiresAuthentication: true,
		},
		{
			Name:                   "reports",
			ResourcePattern:        "/api/v1/reports/*",
			Methods:                []string{"GET"},
			RequiredPermissions:    []types.Permission{types.PermissionReportsView},
			RequiresAuthentication: true,
		},
		{
			Name:                   "audit-logs",
			ResourcePattern:        "/api/v1/audit/logs",
			Methods:                []string{"GET"},
			RequiredPermissions:    []types.Permission{types.PermissionAuditView},
			RequiresAuthentication: true,
		},
		{
			Name:                   "audit-export",
			ResourcePattern:        "/api/v1/audit/logs/export",
			Methods:                []string{"POST"},
			RequiredPermissions:    []types.Permission{types.PermissionAuditExport},
			RequiresAuthentication: true,
		},
		{
			Name:            "users",
			ResourcePattern: "/api/v1/users/*",
			Methods:         []string{"GET", "POST", "PUT", "PATCH", "DELETE"},
			RequiredPermissions: []types.Permission{
				types.PermissionUsersView,
				types.PermissionUsersCreate,
				types.PermissionUsersUpdate,
				types.PermissionUsersDelete,
			},
			MinimumRole:            types.RoleAdmin,
			RequiresAuthentication: true,
		},
		{
			Name:            "users-collection",
			ResourcePattern: "/api/v1/users",
			Methods:         []string{"GET", "POST"},
			RequiredPermissions: []types.Permission{
				types.PermissionUsersView,
				types.PermissionUsersCreate,
			},
			MinimumRole:            types.RoleAdmin,
			RequiresAuthentication: true,
		},
		{
			Name:                   "config-view",
			ResourcePattern:        "/api/v1/config",
			Methods:                []string{"GET"},
			RequiredPermissions:    []types.Permission{types.PermissionConfigView},
			MinimumRole:            types.RoleAdmin,
			RequiresAuthentication: true,
		},
		{
			Name:                   "config-update",
			ResourcePattern:        "/api/v1/config",
			Methods:                []string{"PUT", "PATCH"},
			RequiredPermissions:    []types.Permission{types.PermissionConfigUpdate},
			MinimumRole:            types.RoleAdmin,
			RequiresAuthentication: true,
		},
	}
}
