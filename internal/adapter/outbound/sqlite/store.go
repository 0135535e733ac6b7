// Package sqlite implements the gateway's persistence ports on an embedded
// SQLite database. All writes run inside transactions on a single writer
// connection; reads share the pool. Foreign keys and uniqueness constraints
// (users.email, servers.url among enabled) are enforced by the schema.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the embedded relational store backing all persisted entities.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the database at path, applies pending migrations,
// and seeds system roles and default gateway config when empty.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows a single writer; serializing all access through one
	// connection avoids SQLITE_BUSY under concurrent transactions.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	if err := s.seed(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("seed database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrations are applied in order; schema_migrations records progress.
var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS servers (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL DEFAULT '',
		url              TEXT NOT NULL,
		description      TEXT NOT NULL DEFAULT '',
		capabilities     TEXT,
		protocol_version TEXT NOT NULL DEFAULT '',
		server_info      TEXT,
		enabled          INTEGER NOT NULL DEFAULT 1,
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_servers_url_enabled
		ON servers(url) WHERE enabled = 1;

	CREATE TABLE IF NOT EXISTS oauth_providers (
		id                       TEXT PRIMARY KEY,
		name                     TEXT NOT NULL,
		client_id                TEXT NOT NULL,
		client_secret_ciphertext BLOB NOT NULL,
		authorize_url            TEXT NOT NULL,
		token_url                TEXT NOT NULL,
		userinfo_url             TEXT NOT NULL,
		scopes                   TEXT NOT NULL DEFAULT '[]',
		enabled                  INTEGER NOT NULL DEFAULT 1,
		created_at               INTEGER NOT NULL,
		updated_at               INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		display_name  TEXT NOT NULL DEFAULT '',
		provider_id   TEXT NOT NULL DEFAULT '',
		subject       TEXT NOT NULL DEFAULT '',
		enabled       INTEGER NOT NULL DEFAULT 1,
		created_at    INTEGER NOT NULL,
		last_login_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_users_subject ON users(provider_id, subject);

	CREATE TABLE IF NOT EXISTS roles (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		permissions TEXT NOT NULL DEFAULT '[]',
		is_system   INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS role_bindings (
		user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		role_id    TEXT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, role_id)
	);

	CREATE TABLE IF NOT EXISTS server_acls (
		user_id       TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		server_id     TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		allowed_tools TEXT NOT NULL DEFAULT '[]',
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL,
		PRIMARY KEY (user_id, server_id)
	);

	CREATE TABLE IF NOT EXISTS ad_group_mappings (
		dn         TEXT PRIMARY KEY,
		role_ids   TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS gateway_config (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_events (
		id            TEXT PRIMARY KEY,
		ts            INTEGER NOT NULL,
		kind          TEXT NOT NULL,
		severity      TEXT NOT NULL,
		user_id       TEXT NOT NULL DEFAULT '',
		user_email    TEXT NOT NULL DEFAULT '',
		ip            TEXT NOT NULL DEFAULT '',
		resource_type TEXT NOT NULL DEFAULT '',
		resource_id   TEXT NOT NULL DEFAULT '',
		action        TEXT NOT NULL DEFAULT '',
		details       TEXT NOT NULL DEFAULT '{}',
		success       INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts);
	CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_events(kind, ts);
	CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_events(user_email, ts);
	`,
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for v := current; v < len(migrations); v++ {
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
				return fmt.Errorf("apply migration %d: %w", v+1, err)
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
				v+1, timeToDB(time.Now()))
			return err
		})
		if err != nil {
			return err
		}
		s.logger.Info("applied schema migration", "version", v+1)
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// isUniqueViolation reports whether err is a uniqueness constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// timeToDB converts a time to its stored form (unix nanoseconds, UTC).
func timeToDB(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

// timeFromDB converts a stored time back. Zero stays zero.
func timeFromDB(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
