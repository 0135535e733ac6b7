package identity

import (
	"context"
	"errors"
	"time"
)

// ErrFlowNotFound indicates an unknown or expired OAuth login flow.
var ErrFlowNotFound = errors.New("oauth flow not found")

// OAuthFlow is the in-memory state of one pending login attempt, keyed by
// the opaque state parameter. Flows expire after a short TTL and are
// single-use: a successful callback consumes the flow.
type OAuthFlow struct {
	// State is the ≥128-bit random state parameter.
	State string
	// ProviderID references the provider the flow was initiated against.
	ProviderID string
	// CodeVerifier is the PKCE verifier whose S256 digest was sent on initiate.
	CodeVerifier string
	// RedirectURI is the callback URI sent to the provider.
	RedirectURI string
	// CreatedAt is when the flow was initiated.
	CreatedAt time.Time
}

// FlowStore holds pending OAuth flows with TTL expiry.
type FlowStore interface {
	Put(ctx context.Context, flow *OAuthFlow) error
	// Take retrieves and consumes the flow in one step.
	Take(ctx context.Context, state string) (*OAuthFlow, error)
}
