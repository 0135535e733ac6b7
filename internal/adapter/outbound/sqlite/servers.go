package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/relaygate/relaygate/internal/domain/registry"
)

// PutServer inserts or replaces an upstream server record.
// Returns registry.ErrDuplicateURL when another enabled server has the URL.
func (s *Store) PutServer(ctx context.Context, server *registry.Server) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO servers
				(id, name, url, description, capabilities, protocol_version, server_info, enabled, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				url = excluded.url,
				description = excluded.description,
				capabilities = excluded.capabilities,
				protocol_version = excluded.protocol_version,
				server_info = excluded.server_info,
				enabled = excluded.enabled,
				updated_at = excluded.updated_at`,
			server.ID, server.Name, server.URL, server.Description,
			nullableJSON(server.Capabilities), server.ProtocolVersion,
			nullableJSON(server.ServerInfo), boolToDB(server.Enabled),
			timeToDB(server.CreatedAt), timeToDB(server.UpdatedAt))
		return err
	})
	if isUniqueViolation(err) {
		return registry.ErrDuplicateURL
	}
	if err != nil {
		return fmt.Errorf("put server: %w", err)
	}
	return nil
}

// GetServer fetches a server by ID.
func (s *Store) GetServer(ctx context.Context, serverID string) (*registry.Server, error) {
	row := s.db.QueryRowContext(ctx, serverSelect+` WHERE id = ?`, serverID)
	return scanServer(row)
}

// GetServerByURL fetches an enabled server by URL.
func (s *Store) GetServerByURL(ctx context.Context, url string) (*registry.Server, error) {
	row := s.db.QueryRowContext(ctx, serverSelect+` WHERE url = ? AND enabled = 1`, url)
	return scanServer(row)
}

// ListServers returns all server records ordered by name then ID.
func (s *Store) ListServers(ctx context.Context) ([]*registry.Server, error) {
	rows, err := s.db.QueryContext(ctx, serverSelect+` ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var servers []*registry.Server
	for rows.Next() {
		server, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, server)
	}
	return servers, rows.Err()
}

// DeleteServer removes a server; related ACLs cascade.
func (s *Store) DeleteServer(ctx context.Context, serverID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, serverID)
		if err != nil {
			return fmt.Errorf("delete server: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return registry.ErrServerNotFound
		}
		return nil
	})
}

const serverSelect = `
	SELECT id, name, url, description, capabilities, protocol_version, server_info, enabled, created_at, updated_at
	FROM servers`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (*registry.Server, error) {
	var (
		server       registry.Server
		capabilities sql.NullString
		serverInfo   sql.NullString
		enabled      int
		createdAt    int64
		updatedAt    int64
	)
	err := row.Scan(&server.ID, &server.Name, &server.URL, &server.Description,
		&capabilities, &server.ProtocolVersion, &serverInfo, &enabled, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, registry.ErrServerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan server: %w", err)
	}
	if capabilities.Valid {
		server.Capabilities = []byte(capabilities.String)
	}
	if serverInfo.Valid {
		server.ServerInfo = []byte(serverInfo.String)
	}
	server.Enabled = enabled != 0
	server.CreatedAt = timeFromDB(createdAt)
	server.UpdatedAt = timeFromDB(updatedAt)
	return &server, nil
}

func nullableJSON(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

func boolToDB(b bool) int {
	if b {
		return 1
	}
	return 0
}
