package rbac

import "context"

// RoleStore persists roles, role bindings, server ACLs, and AD group mappings.
// Implementations serialize writes; reads may be concurrent.
type RoleStore interface {
	PutRole(ctx context.Context, role *Role) error
	GetRole(ctx context.Context, roleID string) (*Role, error)
	GetRoleByName(ctx context.Context, name string) (*Role, error)
	ListRoles(ctx context.Context) ([]*Role, error)
	DeleteRole(ctx context.Context, roleID string) error

	PutBinding(ctx context.Context, binding *RoleBinding) error
	DeleteBinding(ctx context.Context, userID, roleID string) error
	ListBindingsForUser(ctx context.Context, userID string) ([]*RoleBinding, error)

	PutServerACL(ctx context.Context, acl *ServerACL) error
	GetServerACL(ctx context.Context, userID, serverID string) (*ServerACL, error)
	DeleteServerACL(ctx context.Context, userID, serverID string) error
	DeleteACLsForServer(ctx context.Context, serverID string) error

	PutGroupMapping(ctx context.Context, mapping *ADGroupMapping) error
	ListGroupMappings(ctx context.Context) ([]*ADGroupMapping, error)
	DeleteGroupMapping(ctx context.Context, dn string) error
}
