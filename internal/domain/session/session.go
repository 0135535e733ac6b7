// Package session contains the MCP session domain: per-client conversational
// state keyed by the Mcp-Session-Id header.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// DefaultIdleTTL is the default idle timeout before a session is reaped.
const DefaultIdleTTL = 30 * time.Minute

// Sentinel errors for the session domain.
var (
	// ErrSessionNotFound indicates the session id is unknown or expired.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotInitialized indicates a call before notifications/initialized.
	ErrNotInitialized = errors.New("session not initialized")
)

// Session is the in-memory state for one MCP client session.
// Session state is ephemeral; reconnection after a gateway restart is the
// client's responsibility.
type Session struct {
	// ID is the Mcp-Session-Id value issued on initialize.
	ID string
	// UserID is the authenticated principal that opened the session.
	UserID string
	// ProtocolVersion is the negotiated protocol version.
	ProtocolVersion string
	// Initialized flips to true when notifications/initialized arrives.
	// It establishes the happens-before edge for all later calls.
	Initialized bool
	// CreatedAt is when initialize succeeded.
	CreatedAt time.Time
	// LastSeen is the time of the most recent request on this session.
	LastSeen time.Time
}

// IsIdle reports whether the session has exceeded the idle TTL.
func (s *Session) IsIdle(ttl time.Duration, now time.Time) bool {
	return now.Sub(s.LastSeen) > ttl
}

// Store is the port for session persistence (in-memory in this gateway).
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	// DeleteIdle removes sessions idle longer than ttl, returning the count.
	DeleteIdle(ctx context.Context, ttl time.Duration) (int, error)
}

// GenerateID creates a cryptographically random session ID:
// 128 bits, base64url without padding.
func GenerateID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
