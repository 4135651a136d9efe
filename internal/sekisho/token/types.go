// Package token defines the capability-token data model and the durable
// token store shared by the auth manager and its clients.
package token

import (
	"fmt"
	"strings"
	"time"
)

// Permission is a single named capability an agent may hold.
type Permission string

const (
	PermissionRead          Permission = "READ"
	PermissionWrite         Permission = "WRITE"
	PermissionExecute       Permission = "EXECUTE"
	PermissionAdmin         Permission = "ADMIN"
	PermissionCreateHandoff Permission = "CREATE_HANDOFF"
	PermissionReadHandoff   Permission = "READ_HANDOFF"
	PermissionDeleteHandoff Permission = "DELETE_HANDOFF"
	PermissionModifyConfig  Permission = "MODIFY_CONFIG"
	PermissionViewLogs      Permission = "VIEW_LOGS"
	PermissionManageTokens  Permission = "MANAGE_TOKENS"
)

// allPermissions lists every permission in declaration order.
var allPermissions = []Permission{
	PermissionRead,
	PermissionWrite,
	PermissionExecute,
	PermissionAdmin,
	PermissionCreateHandoff,
	PermissionReadHandoff,
	PermissionDeleteHandoff,
	PermissionModifyConfig,
	PermissionViewLogs,
	PermissionManageTokens,
}

// AllPermissions returns every defined permission, in declaration order.
func AllPermissions() []Permission {
	out := make([]Permission, len(allPermissions))
	copy(out, allPermissions)
	return out
}

// ParsePermission converts a string (any case) to a Permission.
func ParsePermission(s string) (Permission, error) {
	p := Permission(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range allPermissions {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("token: unknown permission %q", s)
}

// Role is a named, fixed permission set used as the default for newly
// minted tokens.
type Role string

const (
	RoleAdmin        Role = "ADMIN"
	RoleOrchestrator Role = "ORCHESTRATOR"
	RoleSpecialist   Role = "SPECIALIST"
	RoleReviewer     Role = "REVIEWER"
	RoleObserver     Role = "OBSERVER"
	RoleGuest        Role = "GUEST"
)

// rolePermissions is the fixed role table. Order within each set is the
// permission declaration order; clients that render the sets rely on it
// being stable.
var rolePermissions = map[Role][]Permission{
	RoleAdmin: allPermissions,
	RoleOrchestrator: {
		PermissionRead, PermissionWrite, PermissionExecute,
		PermissionCreateHandoff, PermissionReadHandoff, PermissionDeleteHandoff,
		PermissionViewLogs,
	},
	RoleSpecialist: {
		PermissionRead, PermissionWrite, PermissionExecute,
		PermissionCreateHandoff, PermissionReadHandoff,
	},
	RoleReviewer: {PermissionRead, PermissionReadHandoff, PermissionViewLogs},
	RoleObserver: {PermissionRead, PermissionViewLogs},
	RoleGuest:    {PermissionRead},
}

// AllRoles returns every defined role, most privileged first.
func AllRoles() []Role {
	return []Role{RoleAdmin, RoleOrchestrator, RoleSpecialist, RoleReviewer, RoleObserver, RoleGuest}
}

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	_, ok := rolePermissions[r]
	return ok
}

// Permissions returns a copy of the role's fixed permission set.
func (r Role) Permissions() []Permission {
	perms := rolePermissions[r]
	out := make([]Permission, len(perms))
	copy(out, perms)
	return out
}

// ParseRole converts a string (any case) to a Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("token: unknown role %q", s)
	}
	return r, nil
}

// AgentToken is a minted capability: a signed opaque token string bound to an
// agent identity, a role, and a permission set.
//
// Only LastUsed and UsageCount change after minting; everything else is
// immutable for the token's lifetime. A nil ExpiresAt means the token never
// expires.
type AgentToken struct {
	AgentID      string         `json:"agent_id"`
	Token        string         `json:"token"`
	Role         Role           `json:"role"`
	Permissions  []Permission   `json:"permissions"`
	CreatedAt    time.Time      `json:"created_at"`
	ExpiresAt    *time.Time     `json:"expires_at"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	Metadata     map[string]any `json:"metadata"`
	LastUsed     *time.Time     `json:"last_used"`
	UsageCount   int64          `json:"usage_count"`
}

// HasPermission reports whether the token carries p.
func (t *AgentToken) HasPermission(p Permission) bool {
	for _, have := range t.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// Expired reports whether the token's expiry time has passed. Tokens without
// an expiry never expire.
func (t *AgentToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// Clone returns a deep copy so that callers can never mutate store state
// through a returned token.
func (t *AgentToken) Clone() *AgentToken {
	out := *t
	out.Permissions = make([]Permission, len(t.Permissions))
	copy(out.Permissions, t.Permissions)
	if t.ExpiresAt != nil {
		exp := *t.ExpiresAt
		out.ExpiresAt = &exp
	}
	if t.LastUsed != nil {
		lu := *t.LastUsed
		out.LastUsed = &lu
	}
	if t.Metadata != nil {
		out.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
