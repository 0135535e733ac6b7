package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/domain/rbac"
)

// seed inserts the system roles and default gateway settings when absent.
// Seeding is idempotent and runs inside one transaction.
func (s *Store) seed(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := timeToDB(time.Now())

		for _, name := range []string{rbac.RoleAdmin, rbac.RoleUser, rbac.RoleViewer} {
			var count int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM roles WHERE name = ?`, name).Scan(&count); err != nil {
				return fmt.Errorf("check role %s: %w", name, err)
			}
			if count > 0 {
				continue
			}
			perms, err := marshalPermissions(rbac.SystemRoleMinimums[name])
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO roles (id, name, description, permissions, is_system, created_at, updated_at)
				VALUES (?, ?, ?, ?, 1, ?, ?)`,
				uuid.NewString(), name, systemRoleDescription(name), perms, now, now); err != nil {
				return fmt.Errorf("seed role %s: %w", name, err)
			}
			s.logger.Info("seeded system role", "role", name)
		}

		for key, value := range config.SettingDefaults() {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO gateway_config (key, value, updated_at)
				VALUES (?, ?, ?)
				ON CONFLICT(key) DO NOTHING`,
				key, string(value), now); err != nil {
				return fmt.Errorf("seed setting %s: %w", key, err)
			}
		}
		return nil
	})
}

func systemRoleDescription(name string) string {
	switch name {
	case rbac.RoleAdmin:
		return "Full administrative access"
	case rbac.RoleUser:
		return "View and execute tools"
	case rbac.RoleViewer:
		return "Read-only access"
	default:
		return ""
	}
}

func marshalPermissions(set rbac.PermissionSet) (string, error) {
	perms := make([]string, 0, len(set))
	for _, p := range set.Slice() {
		perms = append(perms, string(p))
	}
	data, err := json.Marshal(perms)
	if err != nil {
		return "", fmt.Errorf("marshal permissions: %w", err)
	}
	return string(data), nil
}

func unmarshalPermissions(data string) (rbac.PermissionSet, error) {
	var raw []string
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, fmt.Errorf("unmarshal permissions: %w", err)
	}
	set := make(rbac.PermissionSet, len(raw))
	for _, r := range raw {
		p, err := rbac.ParsePermission(r)
		if err != nil {
			// Tolerate unknown permissions from newer schema versions.
			continue
		}
		set.Add(p)
	}
	return set, nil
}
