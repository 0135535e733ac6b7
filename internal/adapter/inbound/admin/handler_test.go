package admin

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
	"github.com/relaygate/relaygate/internal/ctxkey"
	"github.com/relaygate/relaygate/internal/domain/gwerr"
	"github.com/relaygate/relaygate/internal/domain/identity"
	"github.com/relaygate/relaygate/internal/domain/rbac"
	"github.com/relaygate/relaygate/internal/port/outbound"
	"github.com/relaygate/relaygate/internal/service"
	"github.com/relaygate/relaygate/pkg/mcp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubUpstream serves discovery for server.add and server.test.
type stubUpstream struct {
	mu      sync.Mutex
	initErr error
	listErr error
	tools   []mcp.Tool
}

func (u *stubUpstream) Initialize(context.Context) (*mcp.InitializeResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.initErr != nil {
		return nil, u.initErr
	}
	return &mcp.InitializeResult{
		ProtocolVersion: mcp.ProtocolVersionBaseline,
		ServerInfo:      mcp.Implementation{Name: "stub-server", Version: "1.2.3"},
		Capabilities:    json.RawMessage(`{"tools":{}}`),
	}, nil
}

func (u *stubUpstream) ListTools(context.Context) ([]mcp.Tool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.listErr != nil {
		return nil, u.listErr
	}
	return u.tools, nil
}

func (u *stubUpstream) CallTool(context.Context, string, json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"content":[]}`), nil
}

func (u *stubUpstream) Close() error { return nil }

type stubDialer struct {
	upstream *stubUpstream
}

func (d *stubDialer) Dial(string) outbound.Upstream { return d.upstream }

type stubPool struct {
	dialer *stubDialer
}

func (p *stubPool) Acquire(ctx context.Context, _, url string) (outbound.Upstream, error) {
	up := p.dialer.Dial(url)
	if _, err := up.Initialize(ctx); err != nil {
		return nil, err
	}
	return up, nil
}

func (p *stubPool) Invalidate(string) {}

func (p *stubPool) Close() error { return nil }

// fixture is the management handler over a throwaway database with a
// stubbed upstream plane.
type fixture struct {
	handler  *Handler
	store    *sqlite.Store
	upstream *stubUpstream

	admin  *identity.Principal
	viewer *identity.Principal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()

	store, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "gateway.db"), logger)
	if err != nil {
		t.Fatalf("sqlite.Open() error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	auditSvc := service.NewAuditService(store, logger)
	configSvc, err := service.NewConfigService(ctx, store, config.SettingsOverride{}, auditSvc, logger)
	if err != nil {
		t.Fatalf("NewConfigService() error: %v", err)
	}
	rbacSvc := service.NewRBACService(store, auditSvc, logger)

	secrets, err := crypto.NewSecretBox(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewSecretBox() error: %v", err)
	}
	authSvc := service.NewAuthService(
		store, store, memory.NewFlowStore(10*time.Minute), rbacSvc, secrets,
		configSvc, auditSvc, logger,
		[]byte("0123456789abcdef0123456789abcdef"), "http://gw.test",
	)

	upstream := &stubUpstream{
		tools: []mcp.Tool{
			{Name: "echo", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
	}
	dialer := &stubDialer{upstream: upstream}
	pool := &stubPool{dialer: dialer}
	aggregator := service.NewAggregator(store, store, rbacSvc, pool, auditSvc, logger)
	registrySvc := service.NewRegistryService(store, store, dialer, pool, aggregator, auditSvc, logger)
	aggregator.SetRefresher(registrySvc)

	f := &fixture{
		handler:  NewHandler(authSvc, registrySvc, rbacSvc, auditSvc, configSvc, store, logger),
		store:    store,
		upstream: upstream,
		admin:    seedPrincipal(t, store, "u-admin", "admin@example.com", rbac.RoleAdmin),
		viewer:   seedPrincipal(t, store, "u-viewer", "viewer@example.com", rbac.RoleViewer),
	}
	return f
}

func seedPrincipal(t *testing.T, store *sqlite.Store, id, email, roleName string) *identity.Principal {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	err := store.PutUser(ctx, &identity.User{
		ID: id, Email: email, ProviderID: "test", Subject: id,
		Enabled: true, CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("PutUser() error: %v", err)
	}
	role, err := store.GetRoleByName(ctx, roleName)
	if err != nil {
		t.Fatalf("GetRoleByName(%q) error: %v", roleName, err)
	}
	if err := store.PutBinding(ctx, &rbac.RoleBinding{UserID: id, RoleID: role.ID, CreatedAt: now}); err != nil {
		t.Fatalf("PutBinding() error: %v", err)
	}
	return &identity.Principal{UserID: id, Email: email, ProviderID: "test"}
}

// rpcResult is a decoded management response.
type rpcResult struct {
	status int
	result json.RawMessage
	err    *errorObject
}

// call posts one JSON-RPC request as the given principal.
func (f *fixture) call(t *testing.T, principal *identity.Principal, method, params string) rpcResult {
	t.Helper()
	body := `{"jsonrpc":"2.0","id":1,"method":"` + method + `"`
	if params != "" {
		body += `,"params":` + params
	}
	body += `}`

	req := httptest.NewRequest(http.MethodPost, "/manage", strings.NewReader(body))
	if principal != nil {
		req = req.WithContext(context.WithValue(req.Context(), ctxkey.PrincipalKey{}, principal))
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *errorObject    `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response does not decode: %v\nbody: %s", err, rr.Body.String())
	}
	return rpcResult{status: rr.Code, result: resp.Result, err: resp.Error}
}

func (res rpcResult) mustSucceed(t *testing.T) json.RawMessage {
	t.Helper()
	if res.err != nil {
		t.Fatalf("unexpected error: code %d, %s", res.err.Code, res.err.Message)
	}
	return res.result
}

func (res rpcResult) mustFail(t *testing.T, code int64) {
	t.Helper()
	if res.err == nil {
		t.Fatalf("expected error code %d, got result %s", code, res.result)
	}
	if res.err.Code != code {
		t.Errorf("error code = %d, want %d (message %q)", res.err.Code, code, res.err.Message)
	}
}

func TestHandler_NonPostRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/manage", nil)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rr.Code)
	}
	if allow := rr.Header().Get("Allow"); allow != "POST" {
		t.Errorf("Allow = %q, want POST", allow)
	}
}

func TestHandler_InvalidEnvelope(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{nope`},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"server.list"}`},
		{"missing method", `{"jsonrpc":"2.0","id":1}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, "/manage", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			f.handler.ServeHTTP(rr, req)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rr.Code)
			}
		})
	}
}

func TestHandler_MethodNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res := f.call(t, f.admin, "no.such.method", "")
	res.mustFail(t, gwerr.CodeMethodNotFound)
}

func TestHandler_PermissionDenied(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res := f.call(t, f.viewer, "server.add", `{"url":"http://up.internal/mcp"}`)
	if res.status != http.StatusForbidden {
		t.Errorf("status = %d, want 403", res.status)
	}
	res.mustFail(t, gwerr.Forbidden.JSONRPCCode())

	// No principal at all behaves the same as an unprivileged one.
	res = f.call(t, nil, "server.add", `{"url":"http://up.internal/mcp"}`)
	res.mustFail(t, gwerr.Forbidden.JSONRPCCode())
}

func TestHandler_UnknownParamsField(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res := f.call(t, f.admin, "server.get", `{"server_id":"x","bogus":true}`)
	res.mustFail(t, gwerr.BadRequest.JSONRPCCode())
}
