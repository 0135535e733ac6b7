package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/relaygate/relaygate/internal/domain/identity"
)

// PutProvider inserts or updates an OAuth provider record.
// The client secret arrives already encrypted; plaintext never reaches here.
func (s *Store) PutProvider(ctx context.Context, provider *identity.OAuthProvider) error {
	scopes, err := json.Marshal(provider.Scopes)
	if err != nil {
		return fmt.Errorf("marshal scopes: %w", err)
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO oauth_providers
				(id, name, client_id, client_secret_ciphertext, authorize_url, token_url, userinfo_url, scopes, enabled, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				client_id = excluded.client_id,
				client_secret_ciphertext = excluded.client_secret_ciphertext,
				authorize_url = excluded.authorize_url,
				token_url = excluded.token_url,
				userinfo_url = excluded.userinfo_url,
				scopes = excluded.scopes,
				enabled = excluded.enabled,
				updated_at = excluded.updated_at`,
			provider.ID, provider.Name, provider.ClientID, provider.ClientSecretCiphertext,
			provider.AuthorizeURL, provider.TokenURL, provider.UserinfoURL,
			string(scopes), boolToDB(provider.Enabled),
			timeToDB(provider.CreatedAt), timeToDB(provider.UpdatedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("put provider: %w", err)
	}
	return nil
}

// GetProvider fetches a provider by ID.
func (s *Store) GetProvider(ctx context.Context, providerID string) (*identity.OAuthProvider, error) {
	row := s.db.QueryRowContext(ctx, providerSelect+` WHERE id = ?`, providerID)
	return scanProvider(row)
}

// ListProviders returns all providers ordered by name.
func (s *Store) ListProviders(ctx context.Context) ([]*identity.OAuthProvider, error) {
	rows, err := s.db.QueryContext(ctx, providerSelect+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var providers []*identity.OAuthProvider
	for rows.Next() {
		provider, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, provider)
	}
	return providers, rows.Err()
}

// DeleteProvider removes a provider record.
func (s *Store) DeleteProvider(ctx context.Context, providerID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM oauth_providers WHERE id = ?`, providerID)
		if err != nil {
			return fmt.Errorf("delete provider: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return identity.ErrProviderNotFound
		}
		return nil
	})
}

const providerSelect = `
	SELECT id, name, client_id, client_secret_ciphertext, authorize_url, token_url, userinfo_url, scopes, enabled, created_at, updated_at
	FROM oauth_providers`

func scanProvider(row rowScanner) (*identity.OAuthProvider, error) {
	var (
		provider  identity.OAuthProvider
		scopes    string
		enabled   int
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&provider.ID, &provider.Name, &provider.ClientID,
		&provider.ClientSecretCiphertext, &provider.AuthorizeURL, &provider.TokenURL,
		&provider.UserinfoURL, &scopes, &enabled, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrProviderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan provider: %w", err)
	}
	if err := json.Unmarshal([]byte(scopes), &provider.Scopes); err != nil {
		return nil, fmt.Errorf("unmarshal scopes: %w", err)
	}
	provider.Enabled = enabled != 0
	provider.CreatedAt = timeFromDB(createdAt)
	provider.UpdatedAt = timeFromDB(updatedAt)
	return &provider, nil
}
