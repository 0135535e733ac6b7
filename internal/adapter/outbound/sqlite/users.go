package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/relaygate/relaygate/internal/domain/identity"
)

// PutUser inserts or updates a user. Emails are stored lowercased; the
// schema's UNIQUE constraint upholds the one-user-per-email invariant.
func (s *Store) PutUser(ctx context.Context, user *identity.User) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO users
				(id, email, display_name, provider_id, subject, enabled, created_at, last_login_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				email = excluded.email,
				display_name = excluded.display_name,
				provider_id = excluded.provider_id,
				subject = excluded.subject,
				enabled = excluded.enabled,
				last_login_at = excluded.last_login_at`,
			user.ID, identity.NormalizeEmail(user.Email), user.DisplayName,
			user.ProviderID, user.Subject, boolToDB(user.Enabled),
			timeToDB(user.CreatedAt), timeToDB(user.LastLoginAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

// GetUser fetches a user by ID.
func (s *Store) GetUser(ctx context.Context, userID string) (*identity.User, error) {
	row := s.db.QueryRowContext(ctx, userSelect+` WHERE id = ?`, userID)
	return scanUser(row)
}

// GetUserByEmail fetches a user by email, case-insensitively.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*identity.User, error) {
	row := s.db.QueryRowContext(ctx, userSelect+` WHERE email = ?`, identity.NormalizeEmail(email))
	return scanUser(row)
}

// GetUserBySubject fetches a user by (provider, subject).
func (s *Store) GetUserBySubject(ctx context.Context, providerID, subject string) (*identity.User, error) {
	row := s.db.QueryRowContext(ctx,
		userSelect+` WHERE provider_id = ? AND subject = ?`, providerID, subject)
	return scanUser(row)
}

// ListUsers returns all users ordered by email.
func (s *Store) ListUsers(ctx context.Context) ([]*identity.User, error) {
	rows, err := s.db.QueryContext(ctx, userSelect+` ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*identity.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

const userSelect = `
	SELECT id, email, display_name, provider_id, subject, enabled, created_at, last_login_at
	FROM users`

func scanUser(row rowScanner) (*identity.User, error) {
	var (
		user        identity.User
		enabled     int
		createdAt   int64
		lastLoginAt int64
	)
	err := row.Scan(&user.ID, &user.Email, &user.DisplayName, &user.ProviderID,
		&user.Subject, &enabled, &createdAt, &lastLoginAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	user.Enabled = enabled != 0
	user.CreatedAt = timeFromDB(createdAt)
	user.LastLoginAt = timeFromDB(lastLoginAt)
	return &user, nil
}
