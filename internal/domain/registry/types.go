// Package registry contains domain types for upstream MCP server records,
// capability snapshots, and health probing.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Sentinel errors for the registry domain.
var (
	// ErrServerNotFound indicates the server record does not exist.
	ErrServerNotFound = errors.New("upstream server not found")
	// ErrDuplicateURL indicates another enabled server already has the URL.
	ErrDuplicateURL = errors.New("upstream server url already registered")
)

// Server is a registered upstream MCP server.
type Server struct {
	// ID is the content-derived stable identifier of URL (see ServerID).
	ID string
	// Name is the display name reported by the server, or derived from URL.
	Name string
	// URL is the server's MCP endpoint. Unique among enabled servers.
	URL string
	// Description is optional operator-supplied text.
	Description string
	// Capabilities is the raw capabilities object from the last successful
	// initialize, kept as an opaque snapshot.
	Capabilities json.RawMessage
	// ProtocolVersion is the negotiated protocol version from discovery.
	ProtocolVersion string
	// ServerInfo is the server implementation info from discovery.
	ServerInfo json.RawMessage
	// Enabled gates participation in the aggregated catalog.
	Enabled bool
	// CreatedAt is when the record was created.
	CreatedAt time.Time
	// UpdatedAt is when the record was last modified.
	UpdatedAt time.Time
}

// Validate checks the server record before persistence.
func (s *Server) Validate() error {
	if s.URL == "" {
		return fmt.Errorf("url is required")
	}
	parsed, err := url.Parse(s.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("url is not a valid URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https")
	}
	return nil
}

// ServerID derives the stable identifier for a server URL.
// The identifier is content-derived so re-adding the same URL yields the
// same ID across restarts and gateways.
func ServerID(serverURL string) string {
	return fmt.Sprintf("s%016x", xxhash.Sum64String(serverURL))
}

// ShortID returns the 8-character short form used in qualified tool names.
func ShortID(serverID string) string {
	if len(serverID) <= 8 {
		return serverID
	}
	return serverID[:8]
}

// HealthStatus classifies a server.test probe result.
type HealthStatus string

const (
	// StatusHealthy means full handshake plus tools/list within 2s.
	StatusHealthy HealthStatus = "healthy"
	// StatusDegraded means handshake ok but tools/list failed or slow.
	StatusDegraded HealthStatus = "degraded"
	// StatusUnhealthy means the handshake itself failed.
	StatusUnhealthy HealthStatus = "unhealthy"
)

// HealthReport is the result of a server.test probe.
type HealthReport struct {
	Status    HealthStatus `json:"status"`
	LatencyMS int64        `json:"latency_ms"`
	ToolCount int          `json:"tool_count,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Tool is a tool discovered from an upstream server. Tools are derived
// state: they live in the aggregator index, never in the store.
type Tool struct {
	// RawName is the name the upstream exposes.
	RawName string
	// Description is the upstream-supplied description.
	Description string
	// InputSchema is the JSON Schema for the tool's arguments.
	InputSchema json.RawMessage
	// ServerID identifies the owning upstream.
	ServerID string
	// DiscoveredAt records when this snapshot was taken.
	DiscoveredAt time.Time
}

const (
	// MaxToolsPerServer caps tools accepted from a single upstream.
	// Prevents memory exhaustion from a malicious upstream.
	MaxToolsPerServer = 1000
	// MaxTotalTools caps the aggregated catalog size.
	MaxTotalTools = 10000
)
