package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/relaygate/relaygate/internal/adapter/outbound/memory"
	"github.com/relaygate/relaygate/internal/adapter/outbound/sqlite"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/crypto"
	"github.com/relaygate/relaygate/internal/domain/audit"
	"github.com/relaygate/relaygate/internal/domain/identity"
	"github.com/relaygate/relaygate/internal/domain/rbac"
	"github.com/relaygate/relaygate/internal/domain/registry"
	"github.com/relaygate/relaygate/internal/port/outbound"
	"github.com/relaygate/relaygate/internal/service"
	"github.com/relaygate/relaygate/pkg/mcp"
)

const testAdminPassword = "relay-test-password"

var testJWTSecret = []byte("0123456789abcdef0123456789abcdef")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingAuditor captures emitted events for assertions.
type recordingAuditor struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (a *recordingAuditor) Emit(_ context.Context, event *audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *recordingAuditor) hasKind(kind audit.Kind) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// stubUpstream is a scripted in-process upstream session.
type stubUpstream struct {
	mu       sync.Mutex
	tools    []mcp.Tool
	callErr  error
	lastName string
	lastArgs json.RawMessage
}

func (u *stubUpstream) Initialize(context.Context) (*mcp.InitializeResult, error) {
	return &mcp.InitializeResult{
		ProtocolVersion: mcp.ProtocolVersionBaseline,
		ServerInfo:      mcp.Implementation{Name: "stub", Version: "0.0.1"},
		Capabilities:    json.RawMessage(`{"tools":{}}`),
	}, nil
}

func (u *stubUpstream) ListTools(context.Context) ([]mcp.Tool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.tools, nil
}

func (u *stubUpstream) CallTool(_ context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lastName = name
	u.lastArgs = args
	if u.callErr != nil {
		return nil, u.callErr
	}
	return json.RawMessage(`{"content":[{"type":"text","text":"ok"}]}`), nil
}

func (u *stubUpstream) Close() error { return nil }

func (u *stubUpstream) lastCall() (string, json.RawMessage) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastName, u.lastArgs
}

// stubPool hands out stub sessions by server ID.
type stubPool struct {
	mu        sync.Mutex
	upstreams map[string]outbound.Upstream
}

func (p *stubPool) Acquire(_ context.Context, serverID, _ string) (outbound.Upstream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	up, ok := p.upstreams[serverID]
	if !ok {
		return nil, context.DeadlineExceeded
	}
	return up, nil
}

func (p *stubPool) Invalidate(string) {}

func (p *stubPool) Close() error { return nil }

// testEnv wires the full handler stack over a throwaway database, with a
// stubbed upstream plane and a break-glass admin login for minting tokens.
type testEnv struct {
	store    *sqlite.Store
	handler  http.Handler
	auth     *service.AuthService
	agg      *service.Aggregator
	auditor  *recordingAuditor
	pool     *stubPool
	upstream *stubUpstream

	token    string
	serverID string
}

func newTestEnv(t *testing.T, override config.SettingsOverride) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()

	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "gateway.db"), logger)
	if err != nil {
		t.Fatalf("sqlite.Open() error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	auditor := &recordingAuditor{}
	configSvc, err := service.NewConfigService(ctx, store, override, auditor, logger)
	if err != nil {
		t.Fatalf("NewConfigService() error: %v", err)
	}
	rbacSvc := service.NewRBACService(store, auditor, logger)

	secrets, err := crypto.NewSecretBox(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewSecretBox() error: %v", err)
	}
	hash, err := crypto.HashPassword(testAdminPassword)
	if err != nil {
		t.Fatalf("HashPassword() error: %v", err)
	}
	authSvc := service.NewAuthService(
		store, store, memory.NewFlowStore(10*time.Minute), rbacSvc, secrets,
		configSvc, auditor, logger, testJWTSecret, "http://gw.test",
		service.WithLocalAdmin(hash),
	)

	pool := &stubPool{upstreams: make(map[string]outbound.Upstream)}
	agg := service.NewAggregator(store, store, rbacSvc, pool, auditor, logger)
	sessionSvc := service.NewSessionService(memory.NewSessionStore(), 30*time.Minute, logger)

	server := NewServer(ServerDeps{
		Logger:         logger,
		Config:         configSvc,
		Auth:           authSvc,
		RBAC:           rbacSvc,
		Sessions:       sessionSvc,
		Aggregator:     agg,
		Auditor:        auditor,
		Limiter:        memory.NewRateLimiter(),
		RequestTimeout: 5 * time.Second,
	})

	result, err := authSvc.LocalLogin(ctx, testAdminPassword, "127.0.0.1")
	if err != nil {
		t.Fatalf("LocalLogin() error: %v", err)
	}

	return &testEnv{
		store:    store,
		handler:  server.Handler(),
		auth:     authSvc,
		agg:      agg,
		auditor:  auditor,
		pool:     pool,
		upstream: &stubUpstream{},
		token:    result.Token,
	}
}

// seedCatalog registers one enabled upstream with two tools.
func (e *testEnv) seedCatalog(t *testing.T) {
	t.Helper()
	url := "http://tools.internal/mcp"
	id := registry.ServerID(url)
	now := time.Now().UTC()
	err := e.store.PutServer(context.Background(), &registry.Server{
		ID:      id,
		Name:    "tools",
		URL:     url,
		Enabled: true, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("PutServer() error: %v", err)
	}

	e.pool.mu.Lock()
	e.pool.upstreams[id] = e.upstream
	e.pool.mu.Unlock()

	e.agg.SetServerTools(id, []registry.Tool{
		{RawName: "echo", Description: "echo input", InputSchema: json.RawMessage(`{"type":"object"}`), ServerID: id},
		{RawName: "read_file", Description: "read a file", InputSchema: json.RawMessage(`{"type":"object"}`), ServerID: id},
	})
	e.serverID = id
}

// mintUserToken creates an enabled user bound to the named system roles and
// returns a bearer token for them.
func (e *testEnv) mintUserToken(t *testing.T, userID, email string, roleNames ...string) string {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	err := e.store.PutUser(ctx, &identity.User{
		ID: userID, Email: email, ProviderID: "test", Subject: userID,
		Enabled: true, CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("PutUser() error: %v", err)
	}
	for _, name := range roleNames {
		role, err := e.store.GetRoleByName(ctx, name)
		if err != nil {
			t.Fatalf("GetRoleByName(%q) error: %v", name, err)
		}
		if err := e.store.PutBinding(ctx, &rbac.RoleBinding{UserID: userID, RoleID: role.ID, CreatedAt: now}); err != nil {
			t.Fatalf("PutBinding() error: %v", err)
		}
	}

	token, err := crypto.NewTokenIssuer(testJWTSecret, time.Hour).Issue(identity.Principal{
		UserID: userID, Email: email, ProviderID: "test",
	})
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	return token
}

func (e *testEnv) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

// postMCP sends one authenticated JSON-RPC message to /mcp.
func (e *testEnv) postMCP(body string, headers map[string]string) *httptest.ResponseRecorder {
	merged := map[string]string{
		"Authorization": "Bearer " + e.token,
		"Content-Type":  "application/json",
	}
	for k, v := range headers {
		merged[k] = v
	}
	return e.do(http.MethodPost, "/mcp", body, merged)
}

// initSession runs the initialize handshake and returns the session ID.
func (e *testEnv) initSession(t *testing.T) string {
	t.Helper()
	rr := e.postMCP(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("initialize status = %d, body %s", rr.Code, rr.Body.String())
	}
	sessID := rr.Header().Get(MCPSessionIDHeader)
	if sessID == "" {
		t.Fatal("initialize response missing Mcp-Session-Id")
	}
	rr = e.postMCP(`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		map[string]string{MCPSessionIDHeader: sessID})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("notifications/initialized status = %d, body %s", rr.Code, rr.Body.String())
	}
	return sessID
}

// rpcEnvelope decodes a single JSON-RPC response body.
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int64  `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeRPC(t *testing.T, rr *httptest.ResponseRecorder) rpcEnvelope {
	t.Helper()
	var env rpcEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("response is not JSON-RPC: %v\nbody: %s", err, rr.Body.String())
	}
	return env
}

func wantRPCError(t *testing.T, rr *httptest.ResponseRecorder, code int64) {
	t.Helper()
	env := decodeRPC(t, rr)
	if env.Error == nil {
		t.Fatalf("expected JSON-RPC error, got result %s", env.Result)
	}
	if env.Error.Code != code {
		t.Errorf("error code = %d, want %d (message %q)", env.Error.Code, code, env.Error.Message)
	}
}
