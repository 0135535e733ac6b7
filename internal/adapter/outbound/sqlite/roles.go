package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/relaygate/relaygate/internal/domain/rbac"
)

// PutRole inserts or updates a role.
func (s *Store) PutRole(ctx context.Context, role *rbac.Role) error {
	perms, err := marshalPermissions(role.Permissions)
	if err != nil {
		return err
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO roles (id, name, description, permissions, is_system, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				description = excluded.description,
				permissions = excluded.permissions,
				updated_at = excluded.updated_at`,
			role.ID, role.Name, role.Description, perms, boolToDB(role.IsSystem),
			timeToDB(role.CreatedAt), timeToDB(role.UpdatedAt))
		return err
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("role name %q already exists", role.Name)
	}
	if err != nil {
		return fmt.Errorf("put role: %w", err)
	}
	return nil
}

// GetRole fetches a role by ID.
func (s *Store) GetRole(ctx context.Context, roleID string) (*rbac.Role, error) {
	row := s.db.QueryRowContext(ctx, roleSelect+` WHERE id = ?`, roleID)
	return scanRole(row)
}

// GetRoleByName fetches a role by its unique name.
func (s *Store) GetRoleByName(ctx context.Context, name string) (*rbac.Role, error) {
	row := s.db.QueryRowContext(ctx, roleSelect+` WHERE name = ?`, name)
	return scanRole(row)
}

// ListRoles returns all roles ordered by name.
func (s *Store) ListRoles(ctx context.Context) ([]*rbac.Role, error) {
	rows, err := s.db.QueryContext(ctx, roleSelect+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var roles []*rbac.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// DeleteRole removes a role; bindings cascade. System roles are refused.
func (s *Store) DeleteRole(ctx context.Context, roleID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var isSystem int
		err := tx.QueryRowContext(ctx,
			`SELECT is_system FROM roles WHERE id = ?`, roleID).Scan(&isSystem)
		if errors.Is(err, sql.ErrNoRows) {
			return rbac.ErrRoleNotFound
		}
		if err != nil {
			return fmt.Errorf("check role: %w", err)
		}
		if isSystem != 0 {
			return rbac.ErrSystemRole
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM roles WHERE id = ?`, roleID)
		if err != nil {
			return fmt.Errorf("delete role: %w", err)
		}
		return nil
	})
}

// PutBinding creates a user-role binding. Re-binding is a no-op.
func (s *Store) PutBinding(ctx context.Context, binding *rbac.RoleBinding) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO role_bindings (user_id, role_id, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT(user_id, role_id) DO NOTHING`,
			binding.UserID, binding.RoleID, timeToDB(binding.CreatedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("put binding: %w", err)
	}
	return nil
}

// DeleteBinding removes a user-role binding.
func (s *Store) DeleteBinding(ctx context.Context, userID, roleID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM role_bindings WHERE user_id = ? AND role_id = ?`, userID, roleID)
		if err != nil {
			return fmt.Errorf("delete binding: %w", err)
		}
		return nil
	})
}

// ListBindingsForUser returns the role bindings of one user.
func (s *Store) ListBindingsForUser(ctx context.Context, userID string) ([]*rbac.RoleBinding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, role_id, created_at FROM role_bindings WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bindings []*rbac.RoleBinding
	for rows.Next() {
		var (
			binding   rbac.RoleBinding
			createdAt int64
		)
		if err := rows.Scan(&binding.UserID, &binding.RoleID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		binding.CreatedAt = timeFromDB(createdAt)
		bindings = append(bindings, &binding)
	}
	return bindings, rows.Err()
}

// PutServerACL inserts or replaces a per-user, per-server tool ACL.
func (s *Store) PutServerACL(ctx context.Context, acl *rbac.ServerACL) error {
	tools, err := json.Marshal(acl.AllowedTools)
	if err != nil {
		return fmt.Errorf("marshal allowed tools: %w", err)
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO server_acls (user_id, server_id, allowed_tools, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(user_id, server_id) DO UPDATE SET
				allowed_tools = excluded.allowed_tools,
				updated_at = excluded.updated_at`,
			acl.UserID, acl.ServerID, string(tools),
			timeToDB(acl.CreatedAt), timeToDB(acl.UpdatedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("put server acl: %w", err)
	}
	return nil
}

// GetServerACL fetches the ACL for (user, server); nil when absent.
func (s *Store) GetServerACL(ctx context.Context, userID, serverID string) (*rbac.ServerACL, error) {
	var (
		acl       rbac.ServerACL
		tools     string
		createdAt int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, server_id, allowed_tools, created_at, updated_at
		FROM server_acls WHERE user_id = ? AND server_id = ?`,
		userID, serverID).Scan(&acl.UserID, &acl.ServerID, &tools, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get server acl: %w", err)
	}
	if err := json.Unmarshal([]byte(tools), &acl.AllowedTools); err != nil {
		return nil, fmt.Errorf("unmarshal allowed tools: %w", err)
	}
	acl.CreatedAt = timeFromDB(createdAt)
	acl.UpdatedAt = timeFromDB(updatedAt)
	return &acl, nil
}

// DeleteServerACL removes the ACL for (user, server).
func (s *Store) DeleteServerACL(ctx context.Context, userID, serverID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM server_acls WHERE user_id = ? AND server_id = ?`, userID, serverID)
		if err != nil {
			return fmt.Errorf("delete server acl: %w", err)
		}
		return nil
	})
}

// DeleteACLsForServer purges all ACLs referencing a server.
// Called on server removal.
func (s *Store) DeleteACLsForServer(ctx context.Context, serverID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM server_acls WHERE server_id = ?`, serverID)
		if err != nil {
			return fmt.Errorf("delete server acls: %w", err)
		}
		return nil
	})
}

// PutGroupMapping inserts or replaces an AD group-to-roles mapping.
func (s *Store) PutGroupMapping(ctx context.Context, mapping *rbac.ADGroupMapping) error {
	roleIDs, err := json.Marshal(mapping.RoleIDs)
	if err != nil {
		return fmt.Errorf("marshal role ids: %w", err)
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ad_group_mappings (dn, role_ids, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT(dn) DO UPDATE SET role_ids = excluded.role_ids`,
			mapping.DN, string(roleIDs), timeToDB(mapping.CreatedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("put group mapping: %w", err)
	}
	return nil
}

// ListGroupMappings returns all AD group mappings.
func (s *Store) ListGroupMappings(ctx context.Context) ([]*rbac.ADGroupMapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dn, role_ids, created_at FROM ad_group_mappings ORDER BY dn`)
	if err != nil {
		return nil, fmt.Errorf("list group mappings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var mappings []*rbac.ADGroupMapping
	for rows.Next() {
		var (
			mapping   rbac.ADGroupMapping
			roleIDs   string
			createdAt int64
		)
		if err := rows.Scan(&mapping.DN, &roleIDs, &createdAt); err != nil {
			return nil, fmt.Errorf("scan group mapping: %w", err)
		}
		if err := json.Unmarshal([]byte(roleIDs), &mapping.RoleIDs); err != nil {
			return nil, fmt.Errorf("unmarshal role ids: %w", err)
		}
		mapping.CreatedAt = timeFromDB(createdAt)
		mappings = append(mappings, &mapping)
	}
	return mappings, rows.Err()
}

// DeleteGroupMapping removes a mapping by DN.
func (s *Store) DeleteGroupMapping(ctx context.Context, dn string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM ad_group_mappings WHERE dn = ?`, dn)
		if err != nil {
			return fmt.Errorf("delete group mapping: %w", err)
		}
		return nil
	})
}

const roleSelect = `
	SELECT id, name, description, permissions, is_system, created_at, updated_at
	FROM roles`

func scanRole(row rowScanner) (*rbac.Role, error) {
	var (
		role      rbac.Role
		perms     string
		isSystem  int
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&role.ID, &role.Name, &role.Description, &perms, &isSystem, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rbac.ErrRoleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan role: %w", err)
	}
	role.Permissions, err = unmarshalPermissions(perms)
	if err != nil {
		return nil, err
	}
	role.IsSystem = isSystem != 0
	role.CreatedAt = timeFromDB(createdAt)
	role.UpdatedAt = timeFromDB(updatedAt)
	return &role, nil
}
