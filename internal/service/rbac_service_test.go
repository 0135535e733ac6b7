package service

import (
	"context"
	"testing"
	"time"

	"github.com/relaygate/relaygate/internal/domain/audit"
	"github.com/relaygate/relaygate/internal/domain/gwerr"
	"github.com/relaygate/relaygate/internal/domain/identity"
	"github.com/relaygate/relaygate/internal/domain/rbac"
)

func seedRole(t *testing.T, store *memRoleStore, id, name string, system bool, perms ...rbac.Permission) {
	t.Helper()
	set := rbac.NewPermissionSet()
	for _, p := range perms {
		set.Add(p)
	}
	err := store.PutRole(context.Background(), &rbac.Role{
		ID:          id,
		Name:        name,
		Permissions: set,
		IsSystem:    system,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("PutRole(%s) error: %v", id, err)
	}
}

func bindRole(t *testing.T, store *memRoleStore, userID, roleID string) {
	t.Helper()
	err := store.PutBinding(context.Background(), &rbac.RoleBinding{
		UserID:    userID,
		RoleID:    roleID,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("PutBinding() error: %v", err)
	}
}

func TestRBACService_PermissionsUnionAcrossRoles(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemRoleStore()
	seedRole(t, store, "r-view", "viewers", false, rbac.PermServerView)
	seedRole(t, store, "r-exec", "executors", false, rbac.PermToolExecute)
	bindRole(t, store, "u-1", "r-view")
	bindRole(t, store, "u-1", "r-exec")

	svc := NewRBACService(store, nopAuditor{}, testLogger())
	perms, err := svc.PermissionsFor(ctx, "u-1")
	if err != nil {
		t.Fatalf("PermissionsFor() error: %v", err)
	}
	if !perms.Has(rbac.PermServerView) || !perms.Has(rbac.PermToolExecute) {
		t.Errorf("PermissionsFor() = %v, want union of both roles", perms.Strings())
	}
}

func TestRBACService_NoBindingsMeansNoPermissions(t *testing.T) {
	t.Parallel()

	svc := NewRBACService(newMemRoleStore(), nopAuditor{}, testLogger())
	ok, err := svc.HasPermission(context.Background(), "u-unknown", rbac.PermServerView)
	if err != nil {
		t.Fatalf("HasPermission() error: %v", err)
	}
	if ok {
		t.Error("user with no bindings has permissions")
	}
}

func TestRBACService_DeletedRoleBindingIsInert(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemRoleStore()
	seedRole(t, store, "r-1", "temp", false, rbac.PermToolExecute)
	bindRole(t, store, "u-1", "r-1")
	// Remove the role directly, leaving the binding dangling.
	delete(store.roles, "r-1")

	svc := NewRBACService(store, nopAuditor{}, testLogger())
	perms, err := svc.PermissionsFor(ctx, "u-1")
	if err != nil {
		t.Fatalf("PermissionsFor() error: %v", err)
	}
	if perms.Has(rbac.PermToolExecute) {
		t.Error("dangling binding granted permissions")
	}
}

func TestRBACService_CacheAndInvalidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemRoleStore()
	seedRole(t, store, "r-1", "viewers", false, rbac.PermServerView)
	bindRole(t, store, "u-1", "r-1")

	svc := NewRBACService(store, nopAuditor{}, testLogger())
	if _, err := svc.PermissionsFor(ctx, "u-1"); err != nil {
		t.Fatalf("PermissionsFor() error: %v", err)
	}
	if _, err := svc.PermissionsFor(ctx, "u-1"); err != nil {
		t.Fatalf("PermissionsFor() error: %v", err)
	}
	if store.listBindingCalls != 1 {
		t.Errorf("store queried %d times for cached user, want 1", store.listBindingCalls)
	}

	// A role change must be visible on the next check.
	if err := svc.RevokeRole(ctx, nil, "u-1", "r-1"); err != nil {
		t.Fatalf("RevokeRole() error: %v", err)
	}
	perms, err := svc.PermissionsFor(ctx, "u-1")
	if err != nil {
		t.Fatalf("PermissionsFor() error: %v", err)
	}
	if perms.Has(rbac.PermServerView) {
		t.Error("revoked permission still served from cache")
	}
}

func TestRBACService_RequireEmitsDenial(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	auditor := &recordingAuditor{}
	svc := NewRBACService(newMemRoleStore(), auditor, testLogger())
	principal := &identity.Principal{UserID: "u-1", Email: "a@b.c"}

	err := svc.Require(ctx, principal, rbac.PermServerAdd)
	if gwerr.KindOf(err) != gwerr.Forbidden {
		t.Fatalf("Require() error = %v, want Forbidden", err)
	}
	if !auditor.hasKind(audit.KindAuthzDenied) {
		t.Error("denial did not emit authz.denied")
	}
}

func TestRBACService_CheckToolAccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemRoleStore()
	seedRole(t, store, "r-1", "users", false, rbac.PermToolExecute)
	bindRole(t, store, "u-1", "r-1")
	svc := NewRBACService(store, nopAuditor{}, testLogger())
	principal := &identity.Principal{UserID: "u-1", Email: "a@b.c"}

	// No ACL row: role defaults apply.
	if err := svc.CheckToolAccess(ctx, principal, "s-1", "read_file"); err != nil {
		t.Fatalf("CheckToolAccess() without acl error: %v", err)
	}

	if err := svc.SetServerACL(ctx, nil, "u-1", "s-1", []string{"read_file"}); err != nil {
		t.Fatalf("SetServerACL() error: %v", err)
	}
	if err := svc.CheckToolAccess(ctx, principal, "s-1", "read_file"); err != nil {
		t.Errorf("CheckToolAccess() allowed tool error: %v", err)
	}
	if err := svc.CheckToolAccess(ctx, principal, "s-1", "delete_file"); gwerr.KindOf(err) != gwerr.Forbidden {
		t.Errorf("CheckToolAccess() blocked tool error = %v, want Forbidden", err)
	}

	// The wildcard ACL allows everything.
	if err := svc.SetServerACL(ctx, nil, "u-1", "s-1", []string{rbac.ACLAllTools}); err != nil {
		t.Fatalf("SetServerACL(*) error: %v", err)
	}
	if err := svc.CheckToolAccess(ctx, principal, "s-1", "delete_file"); err != nil {
		t.Errorf("CheckToolAccess() wildcard error: %v", err)
	}

	if err := svc.ClearServerACL(ctx, nil, "u-1", "s-1"); err != nil {
		t.Fatalf("ClearServerACL() error: %v", err)
	}
	if err := svc.CheckToolAccess(ctx, principal, "s-1", "delete_file"); err != nil {
		t.Errorf("CheckToolAccess() after clear error: %v", err)
	}
}

func TestRBACService_SetServerACLEmptyRejected(t *testing.T) {
	t.Parallel()

	svc := NewRBACService(newMemRoleStore(), nopAuditor{}, testLogger())
	err := svc.SetServerACL(context.Background(), nil, "u-1", "s-1", nil)
	if gwerr.KindOf(err) != gwerr.BadRequest {
		t.Errorf("SetServerACL(empty) error = %v, want BadRequest", err)
	}
}

func TestRBACService_CreateRole(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := NewRBACService(newMemRoleStore(), nopAuditor{}, testLogger())

	role, err := svc.CreateRole(ctx, nil, "operators", "ops", []string{"server:view", "tool:execute"})
	if err != nil {
		t.Fatalf("CreateRole() error: %v", err)
	}
	if !role.Permissions.Has(rbac.PermToolExecute) {
		t.Error("created role missing tool:execute")
	}

	if _, err := svc.CreateRole(ctx, nil, "operators", "", nil); gwerr.KindOf(err) != gwerr.Conflict {
		t.Errorf("duplicate CreateRole() error = %v, want Conflict", err)
	}
	if _, err := svc.CreateRole(ctx, nil, "bad", "", []string{"no:such"}); gwerr.KindOf(err) != gwerr.BadRequest {
		t.Errorf("CreateRole(unknown perm) error = %v, want BadRequest", err)
	}
	if _, err := svc.CreateRole(ctx, nil, "", "", nil); gwerr.KindOf(err) != gwerr.BadRequest {
		t.Errorf("CreateRole(no name) error = %v, want BadRequest", err)
	}
}

func TestRBACService_SystemRoleProtections(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemRoleStore()
	seedRole(t, store, "r-admin", rbac.RoleAdmin, true, rbac.SystemRoleMinimums[rbac.RoleAdmin].Slice()...)
	svc := NewRBACService(store, nopAuditor{}, testLogger())

	if _, err := svc.UpdateRole(ctx, nil, "r-admin", "superadmin", "", allPermissionStrings()); gwerr.KindOf(err) != gwerr.BadRequest {
		t.Errorf("rename system role error = %v, want BadRequest", err)
	}
	if _, err := svc.UpdateRole(ctx, nil, "r-admin", "", "", []string{"server:view"}); gwerr.KindOf(err) != gwerr.BadRequest {
		t.Errorf("strip system role error = %v, want BadRequest", err)
	}
	if err := svc.DeleteRole(ctx, nil, "r-admin"); gwerr.KindOf(err) != gwerr.BadRequest {
		t.Errorf("delete system role error = %v, want BadRequest", err)
	}

	// The full permission set without a rename is fine.
	if _, err := svc.UpdateRole(ctx, nil, "r-admin", "", "all access", allPermissionStrings()); err != nil {
		t.Errorf("UpdateRole(admin, full set) error: %v", err)
	}
}

func allPermissionStrings() []string {
	return rbac.SystemRoleMinimums[rbac.RoleAdmin].Strings()
}

func TestRBACService_AssignRoleUnknownRole(t *testing.T) {
	t.Parallel()

	svc := NewRBACService(newMemRoleStore(), nopAuditor{}, testLogger())
	err := svc.AssignRole(context.Background(), nil, "u-1", "r-missing")
	if gwerr.KindOf(err) != gwerr.NotFound {
		t.Errorf("AssignRole() error = %v, want NotFound", err)
	}
}

func TestRBACService_GroupMappings(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newMemRoleStore()
	seedRole(t, store, "r-1", "engineers", false, rbac.PermToolExecute)
	seedRole(t, store, "r-2", "viewers", false, rbac.PermServerView)
	svc := NewRBACService(store, nopAuditor{}, testLogger())

	if err := svc.SetGroupMapping(ctx, nil, "CN=Eng,DC=corp", []string{"r-1", "r-2"}); err != nil {
		t.Fatalf("SetGroupMapping() error: %v", err)
	}
	if err := svc.SetGroupMapping(ctx, nil, "CN=Ghost,DC=corp", []string{"r-missing"}); gwerr.KindOf(err) != gwerr.NotFound {
		t.Errorf("SetGroupMapping(unknown role) error = %v, want NotFound", err)
	}
	if err := svc.SetGroupMapping(ctx, nil, "", nil); gwerr.KindOf(err) != gwerr.BadRequest {
		t.Errorf("SetGroupMapping(empty) error = %v, want BadRequest", err)
	}

	roleIDs, err := svc.RolesForGroups(ctx, []string{"CN=Eng,DC=corp", "CN=Other,DC=corp"})
	if err != nil {
		t.Fatalf("RolesForGroups() error: %v", err)
	}
	if len(roleIDs) != 2 {
		t.Errorf("RolesForGroups() = %v, want 2 roles", roleIDs)
	}

	if err := svc.RemoveGroupMapping(ctx, nil, "CN=Eng,DC=corp"); err != nil {
		t.Fatalf("RemoveGroupMapping() error: %v", err)
	}
	roleIDs, _ = svc.RolesForGroups(ctx, []string{"CN=Eng,DC=corp"})
	if len(roleIDs) != 0 {
		t.Errorf("RolesForGroups() after remove = %v", roleIDs)
	}
}
