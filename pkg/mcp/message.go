// Package mcp provides MCP message types and JSON-RPC codec utilities
// for the relaygate gateway.
package mcp

import (
	"encoding/json"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// ProtocolVersionBaseline is the protocol version the gateway speaks.
const ProtocolVersionBaseline = "2025-06-18"

// SupportedProtocolVersions is the closed accept set for initialize.
var SupportedProtocolVersions = map[string]bool{
	"2025-06-18": true,
	"2025-03-26": true,
}

// Direction indicates the flow direction of a message through the gateway.
type Direction int

const (
	// ClientToUpstream indicates a message flowing from client to an upstream server.
	ClientToUpstream Direction = iota
	// UpstreamToClient indicates a message flowing from an upstream server to a client.
	UpstreamToClient
)

// String returns the string representation of the Direction.
func (d Direction) String() string {
	switch d {
	case ClientToUpstream:
		return "client->upstream"
	case UpstreamToClient:
		return "upstream->client"
	default:
		return "unknown"
	}
}

// Message wraps a decoded JSON-RPC message with gateway metadata.
// It stores both the raw bytes (for efficient passthrough) and the decoded
// message (for routing and permission checks).
type Message struct {
	// Raw contains the original bytes of the message.
	Raw []byte

	// Direction indicates which edge the message arrived on.
	Direction Direction

	// Decoded contains the parsed JSON-RPC message.
	// The concrete type is either *jsonrpc.Request or *jsonrpc.Response.
	Decoded jsonrpc.Message

	// Timestamp records when the message was received by the gateway.
	Timestamp time.Time
}

// IsRequest returns true if the message is a JSON-RPC request.
func (m *Message) IsRequest() bool {
	_, ok := m.Decoded.(*jsonrpc.Request)
	return ok
}

// IsResponse returns true if the message is a JSON-RPC response.
func (m *Message) IsResponse() bool {
	_, ok := m.Decoded.(*jsonrpc.Response)
	return ok
}

// Method returns the method name if this is a request, empty string otherwise.
func (m *Message) Method() string {
	req, ok := m.Decoded.(*jsonrpc.Request)
	if !ok {
		return ""
	}
	return req.Method
}

// IsNotification reports whether this is a request without an id.
// Notifications expect no response; Streamable HTTP answers 202 Accepted.
// The id is checked on the raw bytes because jsonrpc.ID does not expose
// a presence test that survives round-tripping through interface values.
func (m *Message) IsNotification() bool {
	if !m.IsRequest() {
		return false
	}
	return m.RawID() == nil
}

// Request returns the underlying Request, or nil if this is not a request.
func (m *Message) Request() *jsonrpc.Request {
	req, _ := m.Decoded.(*jsonrpc.Request)
	return req
}

// Response returns the underlying Response, or nil if this is not a response.
func (m *Message) Response() *jsonrpc.Response {
	resp, _ := m.Decoded.(*jsonrpc.Response)
	return resp
}

// RawID extracts the request ID from the raw message bytes as json.RawMessage.
// The raw form preserves the client's original id representation (number or
// string) for byte-faithful echo in responses.
func (m *Message) RawID() json.RawMessage {
	if m.Raw == nil {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(m.Raw, &raw); err != nil {
		return nil
	}
	return raw["id"]
}

// InitializeParams are the parameters of an MCP initialize request.
type InitializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ClientInfo      Implementation  `json:"clientInfo"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
}

// Implementation identifies an MCP client or server implementation.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the result of an MCP initialize request.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ServerInfo      Implementation  `json:"serverInfo"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
}

// Tool is the wire representation of a tool in tools/list results.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsResult is the result of a tools/list request.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams are the parameters of a tools/call request.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}
