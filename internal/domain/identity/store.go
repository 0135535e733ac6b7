package identity

import "context"

// UserStore persists user records.
type UserStore interface {
	PutUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, userID string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserBySubject(ctx context.Context, providerID, subject string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
}

// ProviderStore persists OAuth provider records.
type ProviderStore interface {
	PutProvider(ctx context.Context, provider *OAuthProvider) error
	GetProvider(ctx context.Context, providerID string) (*OAuthProvider, error)
	ListProviders(ctx context.Context) ([]*OAuthProvider, error)
	DeleteProvider(ctx context.Context, providerID string) error
}
