// Package outbound defines the outbound port interfaces for connecting
// to upstream MCP servers.
package outbound

import (
	"context"
	"encoding/json"

	"github.com/relaygate/relaygate/pkg/mcp"
)

// Upstream is one logical MCP session with an upstream server over the
// Streamable HTTP transport. Implementations are safe for concurrent use.
type Upstream interface {
	// Initialize performs the MCP handshake: the initialize request followed
	// by the notifications/initialized notification. It must be called before
	// ListTools or CallTool. Calling it on an initialized session is a no-op.
	Initialize(ctx context.Context) (*mcp.InitializeResult, error)

	// ListTools fetches the complete tool catalog, following pagination
	// cursors until exhausted.
	ListTools(ctx context.Context) ([]mcp.Tool, error)

	// CallTool invokes a tool by its upstream-native name and returns the
	// raw result member of the response. A JSON-RPC error from the upstream
	// is returned as a *jsonrpc.Error.
	CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)

	// Close terminates the upstream session. Safe to call multiple times.
	Close() error
}

// Dialer creates upstream sessions. The returned Upstream is not yet
// initialized.
type Dialer interface {
	Dial(url string) Upstream
}

// UpstreamPool hands out shared, initialized upstream sessions keyed by
// server ID, re-dialing transparently after invalidation.
type UpstreamPool interface {
	// Acquire returns an initialized session for the server, dialing and
	// performing the handshake if none is cached.
	Acquire(ctx context.Context, serverID, url string) (Upstream, error)

	// Invalidate closes and forgets the cached session for the server.
	// The next Acquire dials fresh.
	Invalidate(serverID string)

	// Close releases all cached sessions.
	Close() error
}
