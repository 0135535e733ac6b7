package http

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/relaygate/relaygate/internal/domain/gwerr"
	"github.com/relaygate/relaygate/internal/domain/rbac"
	"github.com/relaygate/relaygate/pkg/mcp"
)

const (
	// MCPSessionIDHeader carries the session identifier.
	MCPSessionIDHeader = "Mcp-Session-Id"

	// MCPProtocolVersionHeader pins the protocol version after initialize.
	MCPProtocolVersionHeader = "MCP-Protocol-Version"

	// maxRequestBodySize is the maximum allowed request body size (1 MB).
	maxRequestBodySize = 1 << 20
)

// serverInfo identifies the gateway in initialize results.
var serverInfo = mcp.Implementation{Name: "relaygate", Version: "1.0.0"}

// gatewayCapabilities is the fixed capabilities object the gateway
// advertises: a tool catalog without change notifications.
var gatewayCapabilities = json.RawMessage(`{"tools":{"listChanged":false}}`)

// handleMCP routes the /mcp endpoint by HTTP method. The gateway does not
// open server-initiated streams, so GET is rejected.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleMCPPost(w, r)
	case http.MethodDelete:
		s.handleMCPDelete(w, r)
	case http.MethodGet:
		w.Header().Set("Allow", "POST, DELETE")
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
			"error": "server-initiated streams are not supported",
		})
	default:
		w.Header().Set("Allow", "POST, DELETE")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleMCPPost processes one JSON-RPC message from the client.
func (s *Server) handleMCPPost(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, mcp.ContentTypeJSON) {
		writeJSONRPCError(w, http.StatusBadRequest, nil, gwerr.CodeParseError,
			"content type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONRPCError(w, http.StatusRequestEntityTooLarge, nil, gwerr.CodeParseError,
			"request body too large or unreadable")
		return
	}

	if len(bytes.TrimSpace(body)) == 0 {
		writeJSONRPCError(w, http.StatusBadRequest, nil, gwerr.CodeParseError, "empty request body")
		return
	}
	if bytes.TrimSpace(body)[0] == '[' {
		// Batching was removed from the protocol this gateway speaks.
		writeJSONRPCError(w, http.StatusBadRequest, nil, gwerr.CodeInvalidRequest,
			"batch requests are not supported")
		return
	}

	msg, err := mcp.WrapMessage(body, mcp.ClientToUpstream)
	if err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, nil, gwerr.CodeParseError, "invalid JSON-RPC message")
		return
	}
	if !msg.IsRequest() {
		// Client-to-server responses have no meaning here; acknowledge and
		// drop them.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch msg.Method() {
	case "initialize":
		s.handleInitialize(w, r, msg)
	case "notifications/initialized":
		s.handleInitialized(w, r)
	default:
		if msg.IsNotification() {
			// Other notifications are accepted and ignored.
			w.WriteHeader(http.StatusAccepted)
			return
		}
		s.handleOperational(w, r, msg)
	}
}

// handleInitialize opens a session and negotiates the protocol version.
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, msg *mcp.Message) {
	principal := principalFrom(r.Context())

	var params mcp.InitializeParams
	if req := msg.Request(); req != nil && len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeJSONRPCError(w, http.StatusBadRequest, msg.RawID(), gwerr.CodeInvalidParams,
				"malformed initialize params")
			return
		}
	}

	sess, err := s.sessions.Begin(r.Context(), principal.UserID, params.ProtocolVersion)
	if err != nil {
		writeGatewayError(w, msg.RawID(), err)
		return
	}

	result := mcp.InitializeResult{
		ProtocolVersion: sess.ProtocolVersion,
		ServerInfo:      serverInfo,
		Capabilities:    gatewayCapabilities,
	}
	w.Header().Set(MCPSessionIDHeader, sess.ID)
	s.writeResult(w, r, msg.RawID(), result)
}

// handleInitialized flips the session's ordering gate.
func (s *Server) handleInitialized(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.MarkInitialized(r.Context(), r.Header.Get(MCPSessionIDHeader)); err != nil {
		writeHTTPError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleOperational serves post-handshake requests: tools/list, tools/call,
// and ping. Everything else is METHOD_NOT_FOUND.
func (s *Server) handleOperational(w http.ResponseWriter, r *http.Request, msg *mcp.Message) {
	principal := principalFrom(r.Context())

	if v := r.Header.Get(MCPProtocolVersionHeader); v != "" && !mcp.SupportedProtocolVersions[v] {
		writeGatewayError(w, msg.RawID(),
			gwerr.Newf(gwerr.UnsupportedProtocol, "protocol version %s is not supported", v))
		return
	}

	if _, err := s.sessions.Require(r.Context(), r.Header.Get(MCPSessionIDHeader), principal.UserID); err != nil {
		writeGatewayError(w, msg.RawID(), err)
		return
	}

	switch msg.Method() {
	case "tools/list":
		s.handleToolsList(w, r, msg)
	case "tools/call":
		s.handleToolsCall(w, r, msg)
	case "ping":
		s.writeResult(w, r, msg.RawID(), struct{}{})
	default:
		writeGatewayError(w, msg.RawID(),
			gwerr.Newf(gwerr.MethodNotFound, "method %s is not supported", msg.Method()))
	}
}

// handleToolsList returns the aggregated catalog filtered by the caller's
// permissions and ACLs. The gateway serves the whole catalog in one page.
func (s *Server) handleToolsList(w http.ResponseWriter, r *http.Request, msg *mcp.Message) {
	principal := principalFrom(r.Context())
	if err := s.rbac.Require(r.Context(), principal, rbac.PermToolView); err != nil {
		writeGatewayError(w, msg.RawID(), err)
		return
	}

	tools, err := s.aggregator.ListToolsFor(r.Context(), principal)
	if err != nil {
		writeGatewayError(w, msg.RawID(), err)
		return
	}

	wire := make([]mcp.Tool, 0, len(tools))
	for _, t := range tools {
		wire = append(wire, mcp.Tool{
			Name:        t.QualifiedName,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	s.writeResult(w, r, msg.RawID(), mcp.ListToolsResult{Tools: wire})
}

// handleToolsCall routes the call to the owning upstream.
func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, msg *mcp.Message) {
	principal := principalFrom(r.Context())

	var params mcp.CallToolParams
	req := msg.Request()
	if req == nil || len(req.Params) == 0 {
		writeJSONRPCError(w, http.StatusBadRequest, msg.RawID(), gwerr.CodeInvalidParams,
			"tools/call requires params")
		return
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		writeJSONRPCError(w, http.StatusBadRequest, msg.RawID(), gwerr.CodeInvalidParams,
			"tools/call requires a tool name")
		return
	}

	result, err := s.aggregator.ExecuteTool(r.Context(), principal, params.Name, params.Arguments, s.requestTimeout)
	if err != nil {
		s.metrics.ToolCallsTotal.WithLabelValues("error").Inc()
		writeGatewayError(w, msg.RawID(), err)
		return
	}
	s.metrics.ToolCallsTotal.WithLabelValues("ok").Inc()
	s.writeRawResult(w, r, msg.RawID(), result)
}

// handleMCPDelete terminates the session named in the header.
func (s *Server) handleMCPDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(MCPSessionIDHeader)
	if id == "" {
		writeHTTPError(w, gwerr.New(gwerr.BadRequest, "missing Mcp-Session-Id header"))
		return
	}
	if err := s.sessions.End(r.Context(), id); err != nil {
		writeHTTPError(w, gwerr.Wrap(gwerr.Internal, "session teardown failed", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeResult marshals result and writes the JSON-RPC response.
func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, id json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		writeGatewayError(w, id, gwerr.Wrap(gwerr.Internal, "response encoding failed", err))
		return
	}
	s.writeRawResult(w, r, id, raw)
}

// writeRawResult writes a JSON-RPC success response, as a plain JSON body
// or a single SSE event depending on what the client accepts.
func (s *Server) writeRawResult(w http.ResponseWriter, r *http.Request, id json.RawMessage, result json.RawMessage) {
	body, err := json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
	}{JSONRPC: "2.0", ID: id, Result: result})
	if err != nil {
		writeGatewayError(w, id, gwerr.Wrap(gwerr.Internal, "response encoding failed", err))
		return
	}

	if wantsSSE(r) {
		writer, err := mcp.NewSSEWriter(w)
		if err != nil {
			writeGatewayError(w, id, gwerr.Wrap(gwerr.Internal, "streaming unsupported", err))
			return
		}
		_ = writer.WriteEvent(body)
		return
	}

	w.Header().Set("Content-Type", mcp.ContentTypeJSON)
	_, _ = w.Write(body)
}

// wantsSSE reports whether the client prefers an event stream: it accepts
// text/event-stream and does not accept plain JSON.
func wantsSSE(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, mcp.ContentTypeSSE) &&
		!strings.Contains(accept, mcp.ContentTypeJSON)
}
