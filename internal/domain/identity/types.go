// Package identity contains the user, OAuth provider, and principal domain types.
package identity

import (
	"errors"
	"strings"
	"time"
)

// Sentinel errors for the identity domain.
var (
	// ErrUserNotFound indicates the user does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserDisabled indicates the user exists but is denied authentication.
	ErrUserDisabled = errors.New("user is disabled")
	// ErrProviderNotFound indicates the OAuth provider does not exist.
	ErrProviderNotFound = errors.New("oauth provider not found")
)

// User is an authenticated account created on first successful OAuth callback.
type User struct {
	// ID is the unique identifier.
	ID string
	// Email is unique and stored lowercased.
	Email string
	// DisplayName is the human-readable name from the provider.
	DisplayName string
	// ProviderID references the OAuthProvider that authenticated the user.
	ProviderID string
	// Subject is the provider-scoped stable subject identifier.
	Subject string
	// Enabled gates authentication; a disabled user is denied without deletion.
	Enabled bool
	// CreatedAt is when the user record was first created.
	CreatedAt time.Time
	// LastLoginAt is the time of the most recent successful login.
	LastLoginAt time.Time
}

// NormalizeEmail lowercases and trims an email for the uniqueness invariant.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// OAuthProvider is a configured external OAuth 2.1 identity provider.
// The client secret is held only as ciphertext; plaintext never reaches
// the store or any API response.
type OAuthProvider struct {
	// ID is the unique identifier.
	ID string
	// Name is the display name (e.g. "google").
	Name string
	// ClientID is the OAuth client identifier.
	ClientID string
	// ClientSecretCiphertext is the encrypted client secret.
	ClientSecretCiphertext []byte
	// AuthorizeURL is the provider's authorization endpoint.
	AuthorizeURL string
	// TokenURL is the provider's token endpoint.
	TokenURL string
	// UserinfoURL is the provider's userinfo endpoint.
	UserinfoURL string
	// Scopes are the requested OAuth scopes.
	Scopes []string
	// Enabled gates whether login via this provider is offered.
	Enabled bool
	// CreatedAt is when the provider was configured.
	CreatedAt time.Time
	// UpdatedAt is when the provider was last modified.
	UpdatedAt time.Time
}

// Principal is the authenticated identity derived from a verified token.
type Principal struct {
	UserID     string
	Email      string
	Name       string
	ProviderID string
}

// Userinfo is the subset of the provider userinfo response the gateway reads.
type Userinfo struct {
	Subject string   `json:"sub"`
	Email   string   `json:"email"`
	Name    string   `json:"name"`
	// Groups carries AD/LDAP group DNs when the provider supplies them.
	Groups []string `json:"groups,omitempty"`
}
