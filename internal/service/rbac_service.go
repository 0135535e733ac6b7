package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaygate/relaygate/internal/domain/audit"
	"github.com/relaygate/relaygate/internal/domain/gwerr"
	"github.com/relaygate/relaygate/internal/domain/identity"
	"github.com/relaygate/relaygate/internal/domain/rbac"
)

// Auditor records audit events. Satisfied by *AuditService.
type Auditor interface {
	Emit(ctx context.Context, event *audit.Event)
}

// RBACService answers permission questions and manages roles, bindings,
// per-server tool ACLs, and AD group mappings. Effective permissions are
// cached per user; any mutation that can change an answer drops the whole
// cache, so checks never serve stale grants for longer than one lookup.
type RBACService struct {
	store   rbac.RoleStore
	auditor Auditor
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string]rbac.PermissionSet // userID -> effective permissions
}

// NewRBACService creates an RBACService over store.
func NewRBACService(store rbac.RoleStore, auditor Auditor, logger *slog.Logger) *RBACService {
	return &RBACService{
		store:   store,
		auditor: auditor,
		logger:  logger,
		cache:   make(map[string]rbac.PermissionSet),
	}
}

// PermissionsFor returns the union of permissions across all of the user's
// role bindings. A user with no bindings has no permissions.
func (s *RBACService) PermissionsFor(ctx context.Context, userID string) (rbac.PermissionSet, error) {
	s.mu.RLock()
	cached, ok := s.cache[userID]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	bindings, err := s.store.ListBindingsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}

	perms := rbac.NewPermissionSet()
	for _, b := range bindings {
		role, err := s.store.GetRole(ctx, b.RoleID)
		if errors.Is(err, rbac.ErrRoleNotFound) {
			continue // binding to a deleted role is inert
		}
		if err != nil {
			return nil, fmt.Errorf("get role %s: %w", b.RoleID, err)
		}
		perms = perms.Union(role.Permissions)
	}

	s.mu.Lock()
	s.cache[userID] = perms
	s.mu.Unlock()
	return perms, nil
}

// HasPermission reports whether the user holds the permission.
func (s *RBACService) HasPermission(ctx context.Context, userID string, perm rbac.Permission) (bool, error) {
	perms, err := s.PermissionsFor(ctx, userID)
	if err != nil {
		return false, err
	}
	return perms.Has(perm), nil
}

// Require returns a Forbidden error and emits an authz.denied audit event
// when the principal lacks the permission.
func (s *RBACService) Require(ctx context.Context, principal *identity.Principal, perm rbac.Permission) error {
	ok, err := s.HasPermission(ctx, principal.UserID, perm)
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "permission check failed", err)
	}
	if ok {
		return nil
	}
	s.auditor.Emit(ctx, &audit.Event{
		Kind:      audit.KindAuthzDenied,
		Severity:  audit.SeverityWarn,
		UserID:    principal.UserID,
		UserEmail: principal.Email,
		Action:    string(perm),
		Details:   map[string]any{"permission": string(perm)},
	})
	return gwerr.Newf(gwerr.Forbidden, "missing permission %s", perm)
}

// CheckToolAccess decides whether the principal may execute a tool on a
// server: the tool:execute permission plus the per-server ACL when one
// exists. Absence of an ACL row means role defaults apply.
func (s *RBACService) CheckToolAccess(ctx context.Context, principal *identity.Principal, serverID, rawToolName string) error {
	if err := s.Require(ctx, principal, rbac.PermToolExecute); err != nil {
		return err
	}

	acl, err := s.store.GetServerACL(ctx, principal.UserID, serverID)
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "acl lookup failed", err)
	}
	if acl == nil || acl.AllowsTool(rawToolName) {
		return nil
	}

	s.auditor.Emit(ctx, &audit.Event{
		Kind:         audit.KindAuthzDenied,
		Severity:     audit.SeverityWarn,
		UserID:       principal.UserID,
		UserEmail:    principal.Email,
		ResourceType: "tool",
		ResourceID:   rawToolName,
		Action:       "tools/call",
		Details:      map[string]any{"server_id": serverID},
	})
	return gwerr.Newf(gwerr.Forbidden, "tool %s is not permitted on this server", rawToolName)
}

// CreateRole creates a custom role. Permission strings outside the closed
// enumeration are rejected.
func (s *RBACService) CreateRole(ctx context.Context, actor *identity.Principal, name, description string, permStrings []string) (*rbac.Role, error) {
	perms, err := parsePermissions(permStrings)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, gwerr.New(gwerr.BadRequest, "role name is required")
	}

	if existing, err := s.store.GetRoleByName(ctx, name); err == nil && existing != nil {
		return nil, gwerr.Newf(gwerr.Conflict, "role %q already exists", name)
	} else if err != nil && !errors.Is(err, rbac.ErrRoleNotFound) {
		return nil, gwerr.Wrap(gwerr.Internal, "role lookup failed", err)
	}

	now := time.Now().UTC()
	role := &rbac.Role{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Permissions: perms,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.PutRole(ctx, role); err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "store role failed", err)
	}

	s.invalidate()
	s.emitChange(ctx, actor, audit.KindRoleCreated, "role", role.ID, map[string]any{
		"name":        role.Name,
		"permissions": permStrings,
	})
	return role, nil
}

// UpdateRole replaces a role's description and permissions. System roles
// cannot be renamed and must retain their minimum permission set.
func (s *RBACService) UpdateRole(ctx context.Context, actor *identity.Principal, roleID, name, description string, permStrings []string) (*rbac.Role, error) {
	role, err := s.store.GetRole(ctx, roleID)
	if errors.Is(err, rbac.ErrRoleNotFound) {
		return nil, gwerr.New(gwerr.NotFound, "role not found")
	}
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "role lookup failed", err)
	}

	perms, err := parsePermissions(permStrings)
	if err != nil {
		return nil, err
	}

	if role.IsSystem {
		if name != "" && name != role.Name {
			return nil, gwerr.New(gwerr.BadRequest, "system roles cannot be renamed")
		}
		if min, ok := rbac.SystemRoleMinimums[role.Name]; ok && !perms.Contains(min) {
			return nil, gwerr.Newf(gwerr.BadRequest,
				"system role %s cannot drop below its minimum permissions", role.Name)
		}
	} else if name != "" {
		role.Name = name
	}

	role.Description = description
	role.Permissions = perms
	role.UpdatedAt = time.Now().UTC()
	if err := s.store.PutRole(ctx, role); err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "store role failed", err)
	}

	s.invalidate()
	s.emitChange(ctx, actor, audit.KindRoleUpdated, "role", role.ID, map[string]any{
		"name":        role.Name,
		"permissions": permStrings,
	})
	return role, nil
}

// DeleteRole removes a custom role and, via the store, its bindings.
func (s *RBACService) DeleteRole(ctx context.Context, actor *identity.Principal, roleID string) error {
	err := s.store.DeleteRole(ctx, roleID)
	if errors.Is(err, rbac.ErrRoleNotFound) {
		return gwerr.New(gwerr.NotFound, "role not found")
	}
	if errors.Is(err, rbac.ErrSystemRole) {
		return gwerr.New(gwerr.BadRequest, "system roles cannot be deleted")
	}
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "delete role failed", err)
	}

	s.invalidate()
	s.emitChange(ctx, actor, audit.KindRoleDeleted, "role", roleID, nil)
	return nil
}

// ListRoles returns all roles.
func (s *RBACService) ListRoles(ctx context.Context) ([]*rbac.Role, error) {
	return s.store.ListRoles(ctx)
}

// AssignRole binds a role to a user. Assigning an already-bound role is a
// no-op.
func (s *RBACService) AssignRole(ctx context.Context, actor *identity.Principal, userID, roleID string) error {
	if _, err := s.store.GetRole(ctx, roleID); errors.Is(err, rbac.ErrRoleNotFound) {
		return gwerr.New(gwerr.NotFound, "role not found")
	} else if err != nil {
		return gwerr.Wrap(gwerr.Internal, "role lookup failed", err)
	}

	binding := &rbac.RoleBinding{UserID: userID, RoleID: roleID, CreatedAt: time.Now().UTC()}
	if err := s.store.PutBinding(ctx, binding); err != nil {
		return gwerr.Wrap(gwerr.Internal, "store binding failed", err)
	}

	s.invalidate()
	s.emitChange(ctx, actor, audit.KindRoleAssigned, "user", userID, map[string]any{
		"role_id": roleID,
	})
	return nil
}

// RevokeRole removes a role binding from a user.
func (s *RBACService) RevokeRole(ctx context.Context, actor *identity.Principal, userID, roleID string) error {
	if err := s.store.DeleteBinding(ctx, userID, roleID); err != nil {
		return gwerr.Wrap(gwerr.Internal, "delete binding failed", err)
	}

	s.invalidate()
	s.emitChange(ctx, actor, audit.KindRoleRevoked, "user", userID, map[string]any{
		"role_id": roleID,
	})
	return nil
}

// SetServerACL restricts which tools a user may call on a server.
func (s *RBACService) SetServerACL(ctx context.Context, actor *identity.Principal, userID, serverID string, allowedTools []string) error {
	if len(allowedTools) == 0 {
		return gwerr.New(gwerr.BadRequest, "allowed_tools must not be empty; clear the acl to restore role defaults")
	}

	now := time.Now().UTC()
	acl := &rbac.ServerACL{
		UserID:       userID,
		ServerID:     serverID,
		AllowedTools: allowedTools,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.PutServerACL(ctx, acl); err != nil {
		return gwerr.Wrap(gwerr.Internal, "store acl failed", err)
	}

	s.emitChange(ctx, actor, audit.KindACLSet, "server", serverID, map[string]any{
		"user_id":       userID,
		"allowed_tools": allowedTools,
	})
	return nil
}

// ClearServerACL removes the per-user restriction, restoring role defaults.
func (s *RBACService) ClearServerACL(ctx context.Context, actor *identity.Principal, userID, serverID string) error {
	if err := s.store.DeleteServerACL(ctx, userID, serverID); err != nil {
		return gwerr.Wrap(gwerr.Internal, "delete acl failed", err)
	}

	s.emitChange(ctx, actor, audit.KindACLCleared, "server", serverID, map[string]any{
		"user_id": userID,
	})
	return nil
}

// RoleIDsForUser lists the role IDs bound to a user.
func (s *RBACService) RoleIDsForUser(ctx context.Context, userID string) ([]string, error) {
	bindings, err := s.store.ListBindingsForUser(ctx, userID)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "list bindings failed", err)
	}
	ids := make([]string, 0, len(bindings))
	for _, b := range bindings {
		ids = append(ids, b.RoleID)
	}
	return ids, nil
}

// SetGroupMapping maps an AD group DN to a set of roles. Every role must
// exist.
func (s *RBACService) SetGroupMapping(ctx context.Context, actor *identity.Principal, dn string, roleIDs []string) error {
	if dn == "" || len(roleIDs) == 0 {
		return gwerr.New(gwerr.BadRequest, "dn and role_ids are required")
	}
	for _, id := range roleIDs {
		if _, err := s.store.GetRole(ctx, id); errors.Is(err, rbac.ErrRoleNotFound) {
			return gwerr.Newf(gwerr.NotFound, "role %s not found", id)
		} else if err != nil {
			return gwerr.Wrap(gwerr.Internal, "role lookup failed", err)
		}
	}

	mapping := &rbac.ADGroupMapping{DN: dn, RoleIDs: roleIDs, CreatedAt: time.Now().UTC()}
	if err := s.store.PutGroupMapping(ctx, mapping); err != nil {
		return gwerr.Wrap(gwerr.Internal, "store group mapping failed", err)
	}

	s.emitChange(ctx, actor, audit.KindGroupMappingSet, "group", dn, map[string]any{
		"role_ids": roleIDs,
	})
	return nil
}

// ListGroupMappings returns all AD group mappings.
func (s *RBACService) ListGroupMappings(ctx context.Context) ([]*rbac.ADGroupMapping, error) {
	mappings, err := s.store.ListGroupMappings(ctx)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "list group mappings failed", err)
	}
	return mappings, nil
}

// RemoveGroupMapping deletes the mapping for a group DN.
func (s *RBACService) RemoveGroupMapping(ctx context.Context, actor *identity.Principal, dn string) error {
	if err := s.store.DeleteGroupMapping(ctx, dn); err != nil {
		return gwerr.Wrap(gwerr.Internal, "delete group mapping failed", err)
	}

	s.emitChange(ctx, actor, audit.KindGroupMappingRemoved, "group", dn, nil)
	return nil
}

// RolesForGroups resolves AD group DNs to the union of mapped role IDs.
// Unmapped groups are ignored.
func (s *RBACService) RolesForGroups(ctx context.Context, groups []string) ([]string, error) {
	if len(groups) == 0 {
		return nil, nil
	}
	mappings, err := s.store.ListGroupMappings(ctx)
	if err != nil {
		return nil, fmt.Errorf("list group mappings: %w", err)
	}

	inGroups := make(map[string]bool, len(groups))
	for _, g := range groups {
		inGroups[g] = true
	}

	seen := make(map[string]bool)
	var roleIDs []string
	for _, m := range mappings {
		if !inGroups[m.DN] {
			continue
		}
		for _, id := range m.RoleIDs {
			if !seen[id] {
				seen[id] = true
				roleIDs = append(roleIDs, id)
			}
		}
	}
	return roleIDs, nil
}

// Invalidate drops the cached permissions, forcing recomputation on the
// next check. Called by collaborating services after user-affecting writes.
func (s *RBACService) Invalidate() {
	s.invalidate()
}

func (s *RBACService) invalidate() {
	s.mu.Lock()
	s.cache = make(map[string]rbac.PermissionSet)
	s.mu.Unlock()
}

func (s *RBACService) emitChange(ctx context.Context, actor *identity.Principal, kind audit.Kind, resourceType, resourceID string, details map[string]any) {
	event := &audit.Event{
		Kind:         kind,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		Success:      true,
	}
	if actor != nil {
		event.UserID = actor.UserID
		event.UserEmail = actor.Email
	}
	s.auditor.Emit(ctx, event)
}

func parsePermissions(permStrings []string) (rbac.PermissionSet, error) {
	perms := rbac.NewPermissionSet()
	for _, ps := range permStrings {
		p, err := rbac.ParsePermission(ps)
		if err != nil {
			return nil, gwerr.Newf(gwerr.BadRequest, "unknown permission %q", ps)
		}
		perms.Add(p)
	}
	return perms, nil
}
