package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/domain/audit"
	"github.com/relaygate/relaygate/internal/domain/gwerr"
	"github.com/relaygate/relaygate/internal/domain/rbac"
	"github.com/relaygate/relaygate/pkg/mcp"
)

func TestMCP_InitializeHandshake(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.SettingsOverride{})

	rr := env.postMCP(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","clientInfo":{"name":"test","version":"1.0"}}}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get(MCPSessionIDHeader) == "" {
		t.Error("response missing Mcp-Session-Id header")
	}

	resp := decodeRPC(t, rr)
	var result mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("result does not decode: %v", err)
	}
	if result.ProtocolVersion != mcp.ProtocolVersionBaseline {
		t.Errorf("protocolVersion = %q, want %q", result.ProtocolVersion, mcp.ProtocolVersionBaseline)
	}
	if result.ServerInfo.Name != "relaygate" {
		t.Errorf("serverInfo.name = %q", result.ServerInfo.Name)
	}
}

func TestMCP_InitializeUnknownVersionRejected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.SettingsOverride{})

	rr := env.postMCP(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"1999-01-01"}}`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body %s", rr.Code, rr.Body.String())
	}
	wantRPCError(t, rr, gwerr.UnsupportedProtocol.JSONRPCCode())
	if rr.Header().Get(MCPSessionIDHeader) != "" {
		t.Error("rejected initialize still issued a session id")
	}
}

func TestMCP_InitializeWithoutVersionGetsBaseline(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.SettingsOverride{})

	rr := env.postMCP(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var result mcp.InitializeResult
	if err := json.Unmarshal(decodeRPC(t, rr).Result, &result); err != nil {
		t.Fatalf("result does not decode: %v", err)
	}
	if result.ProtocolVersion != mcp.ProtocolVersionBaseline {
		t.Errorf("protocolVersion = %q, want baseline", result.ProtocolVersion)
	}
}

func TestMCP_MissingBearerToken(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.SettingsOverride{})

	rr := env.do(http.MethodPost, "/mcp",
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}`,
		map[string]string{"Content-Type": "application/json"})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestMCP_InvalidBearerToken(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.SettingsOverride{})

	rr := env.do(http.MethodPost, "/mcp",
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}`,
		map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer not-a-token",
		})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestMCP_GetRejected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.SettingsOverride{})

	rr := env.do(http.MethodGet, "/mcp", "", map[string]string{
		"Authorization": "Bearer " + env.token,
	})
	if allow := rr.Header().Get("Allow"); !strings.Contains(allow, "POST") {
		t.Errorf("Allow header = %q", allow)
	}
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rr.Code)
	}
}

func TestMCP_BatchRejected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.SettingsOverride{})

	rr := env.postMCP(`[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
	wantRPCError(t, rr, gwerr.CodeInvalidRequest)
}

func TestMCP_MalformedBody(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.SettingsOverride{})

	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"not json", "{nope"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rr := env.postMCP(tt.body, nil)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rr.Code)
			}
			wantRPCError(t, rr, gwerr.CodeParseError)
		})
	}
}

func TestMCP_WrongContentType(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.SettingsOverride{})

	rr := env.postMCP(`{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		map[string]string{"Content-Type": "text/plain"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
	wantRPCError(t, rr, gwerr.CodeParseError)
}

func TestMCP_ClientResponseAccepted(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.SettingsOverride{})

	// A response message from the client has no routing target here.
	rr := env.postMCP(`{"jsonrpc":"2.0","id":9,"result":{}}`, nil)
	if rr.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rr.Code)
	}
}

func TestMCP_UnknownNotificationAccepted(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.SettingsOverride{})

	rr := env.postMCP(`{"jsonrpc":"2.0","method":"notifications/progress"}`, nil)
	if rr.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rr.Code)
	}
}

func TestMCP_OperationsRequireSession(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.SettingsOverride{})

	// No session header means the client never initialized.
	rr := env.postMCP(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rr.Code)
	}
	wantRPCError(t, rr, gwerr.NotInitialized.JSONRPCCode())

	// Unknown session.
	rr = env.postMCP(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		map[string]string{MCPSessionIDHeader: "ghost"})
	wantRPCError(t, rr, gwerr.NotFound.JSONRPCCode())
}

func TestMCP_OperationsBeforeInitializedNotification(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.SettingsOverride{})

	rr := env.postMCP(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`, nil)
	sessID := rr.Header().Get(MCPSessionIDHeader)
	if sessID == "" {
		t.Fatal("missing session id")
	}

	rr = env.postMCP(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		map[string]string{MCPSessionIDHeader: sessID})
	if rr.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rr.Code)
	}
	wantRPCError(t, rr, gwerr.NotInitialized.JSONRPCCode())
}

func TestMCP_UnsupportedProtocolHeader(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.SettingsOverride{})
	sessID := env.initSession(t)

	rr := env.postMCP(`{"jsonrpc":"2.0","id":2,"method":"ping"}`, map[string]string{
		MCPSessionIDHeader:       sessID,
		MCPProtocolVersionHeader: "1999-01-01",
	})
	wantRPCError(t, rr, gwerr.UnsupportedProtocol.JSONRPCCode())
}

func TestMCP_Ping(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.SettingsOverride{})
	sessID := env.initSession(t)

	rr := env.postMCP(`{"jsonrpc":"2.0","id":7,"method":"ping"}`, map[string]string{
		MCPSessionIDHeader:       sessID,
		MCPProtocolVersionHeader: mcp.ProtocolVersionBaseline,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	resp := decodeRPC(t, rr)
	if resp.Error != nil {
		t.Fatalf("ping returned error: %+v", resp.Error)
	}
	if string(resp.ID) != "7" {
		t.Errorf("id = %s, want 7", resp.ID)
	}
}

func TestMCP_UnknownMethod(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.SettingsOverride{})
	sessID := env.initSession(t)

	rr := env.postMCP(`{"jsonrpc":"2.0","id":3,"method":"resources/list"}`,
		map[string]string{MCPSessionIDHeader: sessID})
	wantRPCError(t, rr, gwerr.CodeMethodNotFound)
}

func TestMCP_ToolsListAndCall(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.SettingsOverride{})
	env.seedCatalog(t)
	sessID := env.initSession(t)

	rr := env.postMCP(`{"jsonrpc":"2.0","id":4,"method":"tools/list"}`,
		map[string]string{MCPSessionIDHeader: sessID})
	if rr.Code != http.StatusOK {
		t.Fatalf("tools/list status = %d, body %s", rr.Code, rr.Body.String())
	}
	var list mcp.ListToolsResult
	if err := json.Unmarshal(decodeRPC(t, rr).Result, &list); err != nil {
		t.Fatalf("tools/list result does not decode: %v", err)
	}
	if len(list.Tools) != 2 {
		t.Fatalf("tools/list returned %d tools, want 2", len(list.Tools))
	}
	if list.Tools[0].Name != "echo" || list.Tools[1].Name != "read_file" {
		t.Errorf("tool names = %q, %q", list.Tools[0].Name, list.Tools[1].Name)
	}

	rr = env.postMCP(`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}}`,
		map[string]string{MCPSessionIDHeader: sessID})
	if rr.Code != http.StatusOK {
		t.Fatalf("tools/call status = %d, body %s", rr.Code, rr.Body.String())
	}
	resp := decodeRPC(t, rr)
	if resp.Error != nil {
		t.Fatalf("tools/call returned error: %+v", resp.Error)
	}
	name, args := env.upstream.lastCall()
	if name != "echo" {
		t.Errorf("upstream received name %q, want raw name echo", name)
	}
	if !strings.Contains(string(args), `"hi"`) {
		t.Errorf("upstream received args %s", args)
	}
	if !env.auditor.hasKind(audit.KindToolInvoked) {
		t.Error("tools/call did not audit the invocation")
	}
}

func TestMCP_ToolsCallValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.SettingsOverride{})
	sessID := env.initSession(t)

	tests := []struct {
		name string
		body string
	}{
		{"no params", `{"jsonrpc":"2.0","id":5,"method":"tools/call"}`},
		{"no tool name", `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"arguments":{}}}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rr := env.postMCP(tt.body, map[string]string{MCPSessionIDHeader: sessID})
			wantRPCError(t, rr, gwerr.CodeInvalidParams)
		})
	}
}

func TestMCP_ToolsCallUnknownTool(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.SettingsOverride{})
	env.seedCatalog(t)
	sessID := env.initSession(t)

	rr := env.postMCP(`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"no_such_tool"}}`,
		map[string]string{MCPSessionIDHeader: sessID})
	wantRPCError(t, rr, gwerr.NotFound.JSONRPCCode())
}

func TestMCP_ToolsListAppliesACL(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.SettingsOverride{})
	env.seedCatalog(t)

	token := env.mintUserToken(t, "u-limited", "limited@example.com", rbac.RoleUser)
	err := env.store.PutServerACL(context.Background(), &rbac.ServerACL{
		UserID: "u-limited", ServerID: env.serverID,
		AllowedTools: []string{"read_file"},
	})
	if err != nil {
		t.Fatalf("PutServerACL() error: %v", err)
	}

	saved := env.token
	env.token = token
	defer func() { env.token = saved }()
	sessID := env.initSession(t)

	rr := env.postMCP(`{"jsonrpc":"2.0","id":4,"method":"tools/list"}`,
		map[string]string{MCPSessionIDHeader: sessID})
	if rr.Code != http.StatusOK {
		t.Fatalf("tools/list status = %d, body %s", rr.Code, rr.Body.String())
	}
	var list mcp.ListToolsResult
	if err := json.Unmarshal(decodeRPC(t, rr).Result, &list); err != nil {
		t.Fatalf("result does not decode: %v", err)
	}
	if len(list.Tools) != 1 || list.Tools[0].Name != "read_file" {
		t.Errorf("tools = %+v, want only read_file", list.Tools)
	}

	// The tool outside the ACL is denied on call as well.
	rr = env.postMCP(`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"echo","arguments":{}}}`,
		map[string]string{MCPSessionIDHeader: sessID})
	wantRPCError(t, rr, gwerr.Forbidden.JSONRPCCode())
}

func TestMCP_SSEResponse(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.SettingsOverride{})
	sessID := env.initSession(t)

	rr := env.postMCP(`{"jsonrpc":"2.0","id":8,"method":"ping"}`, map[string]string{
		MCPSessionIDHeader: sessID,
		"Accept":           mcp.ContentTypeSSE,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, mcp.ContentTypeSSE) {
		t.Errorf("Content-Type = %q, want %q", ct, mcp.ContentTypeSSE)
	}
	if body := rr.Body.String(); !strings.Contains(body, "data: ") {
		t.Errorf("body is not an SSE event: %q", body)
	}
}

func TestMCP_JSONPreferredWhenBothAccepted(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.SettingsOverride{})
	sessID := env.initSession(t)

	rr := env.postMCP(`{"jsonrpc":"2.0","id":8,"method":"ping"}`, map[string]string{
		MCPSessionIDHeader: sessID,
		"Accept":           "application/json, text/event-stream",
	})
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, mcp.ContentTypeJSON) {
		t.Errorf("Content-Type = %q, want %q", ct, mcp.ContentTypeJSON)
	}
}

func TestMCP_DeleteEndsSession(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.SettingsOverride{})
	sessID := env.initSession(t)

	rr := env.do(http.MethodDelete, "/mcp", "", map[string]string{
		"Authorization":    "Bearer " + env.token,
		MCPSessionIDHeader: sessID,
	})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d, want 204", rr.Code)
	}

	rr = env.postMCP(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		map[string]string{MCPSessionIDHeader: sessID})
	wantRPCError(t, rr, gwerr.NotFound.JSONRPCCode())
}

func TestMCP_DeleteWithoutSessionHeader(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.SettingsOverride{})

	rr := env.do(http.MethodDelete, "/mcp", "", map[string]string{
		"Authorization": "Bearer " + env.token,
	})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}
