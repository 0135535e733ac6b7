package rbac

import (
	"errors"
	"time"
)

// Sentinel errors for the rbac domain.
var (
	// ErrRoleNotFound indicates the role does not exist.
	ErrRoleNotFound = errors.New("role not found")
	// ErrSystemRole indicates an attempt to delete or weaken a system role.
	ErrSystemRole = errors.New("system role cannot be modified this way")
)

// System role names. System roles are seeded at first start and can never
// be deleted or reduced below their minimum permission sets.
const (
	RoleAdmin  = "admin"
	RoleUser   = "user"
	RoleViewer = "viewer"
)

// Role is a named permission set.
type Role struct {
	// ID is the unique identifier.
	ID string
	// Name is the unique human-readable name.
	Name string
	// Description is optional free text.
	Description string
	// Permissions is the set of permissions this role grants.
	Permissions PermissionSet
	// IsSystem marks the seeded roles admin/user/viewer.
	IsSystem bool
	// CreatedAt is when the role was created.
	CreatedAt time.Time
	// UpdatedAt is when the role was last modified.
	UpdatedAt time.Time
}

// SystemRoleMinimums defines the permission floor for each system role.
// Updates to a system role must keep at least these permissions.
var SystemRoleMinimums = map[string]PermissionSet{
	RoleAdmin: NewPermissionSet(AllPermissions...),
	RoleUser: NewPermissionSet(
		PermServerView, PermToolView, PermToolExecute, PermConfigView,
	),
	RoleViewer: NewPermissionSet(
		PermServerView, PermToolView,
	),
}

// RoleBinding associates a user with a role (many-to-many).
type RoleBinding struct {
	UserID    string
	RoleID    string
	CreatedAt time.Time
}

// ACLAllTools is the sentinel value marking a ServerACL that allows every
// tool on its server.
const ACLAllTools = "*"

// ServerACL restricts which tools a user may call on one server.
// When no ACL row exists for (user, server), role defaults apply.
type ServerACL struct {
	UserID   string
	ServerID string
	// AllowedTools is the permitted tool set (raw upstream names).
	// A single ACLAllTools entry allows every tool.
	AllowedTools []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AllowsAll reports whether the ACL permits every tool on the server.
func (a *ServerACL) AllowsAll() bool {
	for _, t := range a.AllowedTools {
		if t == ACLAllTools {
			return true
		}
	}
	return false
}

// AllowsTool reports whether the ACL permits the given raw tool name.
func (a *ServerACL) AllowsTool(name string) bool {
	for _, t := range a.AllowedTools {
		if t == ACLAllTools || t == name {
			return true
		}
	}
	return false
}

// ADGroupMapping maps an AD/LDAP group DN to one or more roles.
// Applied during OAuth callback when the provider supplies group DNs;
// a user matching multiple groups receives the union of mapped roles.
type ADGroupMapping struct {
	// DN is the group distinguished name.
	DN string
	// RoleIDs are the roles granted to members of the group.
	RoleIDs   []string
	CreatedAt time.Time
}
