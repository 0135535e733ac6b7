// Package rbac contains the role-based access control domain model:
// the closed permission set, roles, role bindings, and per-server tool ACLs.
package rbac

import (
	"fmt"
	"sort"
)

// Permission is one entry of the closed permission enumeration.
type Permission string

// The complete permission set. The enumeration is closed: unknown
// permission strings are rejected at the boundary.
const (
	PermServerView   Permission = "server:view"
	PermServerAdd    Permission = "server:add"
	PermServerEdit   Permission = "server:edit"
	PermServerDelete Permission = "server:delete"
	PermServerTest   Permission = "server:test"

	PermToolView    Permission = "tool:view"
	PermToolExecute Permission = "tool:execute"
	PermToolManage  Permission = "tool:manage"

	PermConfigView Permission = "config:view"
	PermConfigEdit Permission = "config:edit"

	PermUserView   Permission = "user:view"
	PermUserManage Permission = "user:manage"

	PermRoleView   Permission = "role:view"
	PermRoleManage Permission = "role:manage"

	PermAuditView Permission = "audit:view"

	PermOAuthManage Permission = "oauth:manage"
)

// AllPermissions lists every permission in the closed set.
var AllPermissions = []Permission{
	PermServerView, PermServerAdd, PermServerEdit, PermServerDelete, PermServerTest,
	PermToolView, PermToolExecute, PermToolManage,
	PermConfigView, PermConfigEdit,
	PermUserView, PermUserManage,
	PermRoleView, PermRoleManage,
	PermAuditView,
	PermOAuthManage,
}

var permissionSet = func() map[Permission]struct{} {
	m := make(map[Permission]struct{}, len(AllPermissions))
	for _, p := range AllPermissions {
		m[p] = struct{}{}
	}
	return m
}()

// ParsePermission validates a permission string against the closed set.
func ParsePermission(s string) (Permission, error) {
	p := Permission(s)
	if _, ok := permissionSet[p]; !ok {
		return "", fmt.Errorf("unknown permission %q", s)
	}
	return p, nil
}

// PermissionSet is a set of permissions.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from the given permissions.
func NewPermissionSet(perms ...Permission) PermissionSet {
	s := make(PermissionSet, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

// Has reports whether p is in the set.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Add inserts p into the set.
func (s PermissionSet) Add(p Permission) { s[p] = struct{}{} }

// Union returns a new set containing the members of both sets.
func (s PermissionSet) Union(other PermissionSet) PermissionSet {
	out := make(PermissionSet, len(s)+len(other))
	for p := range s {
		out[p] = struct{}{}
	}
	for p := range other {
		out[p] = struct{}{}
	}
	return out
}

// Contains reports whether every member of other is in s.
func (s PermissionSet) Contains(other PermissionSet) bool {
	for p := range other {
		if !s.Has(p) {
			return false
		}
	}
	return true
}

// Slice returns the set members as a slice (unordered).
func (s PermissionSet) Slice() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	return out
}

// Strings returns the set members as sorted strings.
func (s PermissionSet) Strings() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, string(p))
	}
	sort.Strings(out)
	return out
}
