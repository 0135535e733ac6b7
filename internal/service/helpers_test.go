package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/domain/audit"
	"github.com/relaygate/relaygate/internal/domain/identity"
	"github.com/relaygate/relaygate/internal/domain/rbac"
	"github.com/relaygate/relaygate/internal/domain/registry"
	"github.com/relaygate/relaygate/internal/port/outbound"
	"github.com/relaygate/relaygate/pkg/mcp"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAuditStore records appended events in memory.
type fakeAuditStore struct {
	mu      sync.Mutex
	events  []*audit.Event
	batches int
	failAll bool
}

func (s *fakeAuditStore) Append(ctx context.Context, event *audit.Event) error {
	return s.AppendBatch(ctx, []*audit.Event{event})
}

func (s *fakeAuditStore) AppendBatch(ctx context.Context, events []*audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return context.DeadlineExceeded
	}
	s.events = append(s.events, events...)
	s.batches++
	return nil
}

func (s *fakeAuditStore) Query(ctx context.Context, filter audit.Filter) ([]*audit.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*audit.Event, len(s.events))
	copy(out, s.events)
	return out, nil
}

func (s *fakeAuditStore) Statistics(ctx context.Context, from, to time.Time) (*audit.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &audit.Stats{
		ByKind:     make(map[audit.Kind]int64),
		BySeverity: make(map[audit.Severity]int64),
	}
	for _, e := range s.events {
		stats.Total++
		stats.ByKind[e.Kind]++
		stats.BySeverity[e.Severity]++
		if !e.Success {
			stats.Failures++
		}
	}
	return stats, nil
}

func (s *fakeAuditStore) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*audit.Event
	var deleted int64
	for _, e := range s.events {
		if e.Timestamp.Before(olderThan) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return deleted, nil
}

func (s *fakeAuditStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *fakeAuditStore) kinds() []audit.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Kind, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Kind)
	}
	return out
}

// nopAuditor satisfies Auditor for services under test that do not assert
// on emitted events.
type nopAuditor struct{}

func (nopAuditor) Emit(ctx context.Context, event *audit.Event) {}

// recordingAuditor captures emitted events for assertions.
type recordingAuditor struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (a *recordingAuditor) Emit(ctx context.Context, event *audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *recordingAuditor) kinds() []audit.Kind {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]audit.Kind, 0, len(a.events))
	for _, e := range a.events {
		out = append(out, e.Kind)
	}
	return out
}

func (a *recordingAuditor) hasKind(kind audit.Kind) bool {
	for _, k := range a.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// memRoleStore is an in-memory rbac.RoleStore. getRoleCalls and
// listBindingCalls count store hits for cache assertions.
type memRoleStore struct {
	mu               sync.Mutex
	roles            map[string]*rbac.Role
	bindings         map[string][]*rbac.RoleBinding
	acls             map[string]*rbac.ServerACL
	groups           map[string]*rbac.ADGroupMapping
	getRoleCalls     int
	listBindingCalls int
}

func newMemRoleStore() *memRoleStore {
	return &memRoleStore{
		roles:    make(map[string]*rbac.Role),
		bindings: make(map[string][]*rbac.RoleBinding),
		acls:     make(map[string]*rbac.ServerACL),
		groups:   make(map[string]*rbac.ADGroupMapping),
	}
}

func (s *memRoleStore) PutRole(ctx context.Context, role *rbac.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *role
	s.roles[role.ID] = &cp
	return nil
}

func (s *memRoleStore) GetRole(ctx context.Context, roleID string) (*rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getRoleCalls++
	role, ok := s.roles[roleID]
	if !ok {
		return nil, rbac.ErrRoleNotFound
	}
	cp := *role
	return &cp, nil
}

func (s *memRoleStore) GetRoleByName(ctx context.Context, name string) (*rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, role := range s.roles {
		if role.Name == name {
			cp := *role
			return &cp, nil
		}
	}
	return nil, rbac.ErrRoleNotFound
}

func (s *memRoleStore) ListRoles(ctx context.Context) ([]*rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*rbac.Role, 0, len(s.roles))
	for _, role := range s.roles {
		cp := *role
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memRoleStore) DeleteRole(ctx context.Context, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[roleID]
	if !ok {
		return rbac.ErrRoleNotFound
	}
	if role.IsSystem {
		return rbac.ErrSystemRole
	}
	delete(s.roles, roleID)
	for userID, bindings := range s.bindings {
		var kept []*rbac.RoleBinding
		for _, b := range bindings {
			if b.RoleID != roleID {
				kept = append(kept, b)
			}
		}
		s.bindings[userID] = kept
	}
	return nil
}

func (s *memRoleStore) PutBinding(ctx context.Context, binding *rbac.RoleBinding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bindings[binding.UserID] {
		if b.RoleID == binding.RoleID {
			return nil
		}
	}
	cp := *binding
	s.bindings[binding.UserID] = append(s.bindings[binding.UserID], &cp)
	return nil
}

func (s *memRoleStore) DeleteBinding(ctx context.Context, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*rbac.RoleBinding
	for _, b := range s.bindings[userID] {
		if b.RoleID != roleID {
			kept = append(kept, b)
		}
	}
	s.bindings[userID] = kept
	return nil
}

func (s *memRoleStore) ListBindingsForUser(ctx context.Context, userID string) ([]*rbac.RoleBinding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listBindingCalls++
	out := make([]*rbac.RoleBinding, len(s.bindings[userID]))
	copy(out, s.bindings[userID])
	return out, nil
}

func (s *memRoleStore) PutServerACL(ctx context.Context, acl *rbac.ServerACL) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *acl
	s.acls[acl.UserID+"/"+acl.ServerID] = &cp
	return nil
}

func (s *memRoleStore) GetServerACL(ctx context.Context, userID, serverID string) (*rbac.ServerACL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acl, ok := s.acls[userID+"/"+serverID]
	if !ok {
		return nil, nil
	}
	cp := *acl
	return &cp, nil
}

func (s *memRoleStore) DeleteServerACL(ctx context.Context, userID, serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.acls, userID+"/"+serverID)
	return nil
}

func (s *memRoleStore) DeleteACLsForServer(ctx context.Context, serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, acl := range s.acls {
		if acl.ServerID == serverID {
			delete(s.acls, key)
		}
	}
	return nil
}

func (s *memRoleStore) PutGroupMapping(ctx context.Context, mapping *rbac.ADGroupMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *mapping
	s.groups[mapping.DN] = &cp
	return nil
}

func (s *memRoleStore) ListGroupMappings(ctx context.Context) ([]*rbac.ADGroupMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*rbac.ADGroupMapping, 0, len(s.groups))
	for _, m := range s.groups {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memRoleStore) DeleteGroupMapping(ctx context.Context, dn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, dn)
	return nil
}

// memIdentityStore is an in-memory identity.UserStore and ProviderStore.
type memIdentityStore struct {
	mu        sync.Mutex
	users     map[string]*identity.User
	providers map[string]*identity.OAuthProvider
}

func newMemIdentityStore() *memIdentityStore {
	return &memIdentityStore{
		users:     make(map[string]*identity.User),
		providers: make(map[string]*identity.OAuthProvider),
	}
}

func (s *memIdentityStore) PutUser(ctx context.Context, user *identity.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *user
	cp.Email = identity.NormalizeEmail(cp.Email)
	s.users[user.ID] = &cp
	return nil
}

func (s *memIdentityStore) GetUser(ctx context.Context, userID string) (*identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	cp := *user
	return &cp, nil
}

func (s *memIdentityStore) GetUserByEmail(ctx context.Context, email string) (*identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = identity.NormalizeEmail(email)
	for _, user := range s.users {
		if user.Email == email {
			cp := *user
			return &cp, nil
		}
	}
	return nil, identity.ErrUserNotFound
}

func (s *memIdentityStore) GetUserBySubject(ctx context.Context, providerID, subject string) (*identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.ProviderID == providerID && user.Subject == subject {
			cp := *user
			return &cp, nil
		}
	}
	return nil, identity.ErrUserNotFound
}

func (s *memIdentityStore) ListUsers(ctx context.Context) ([]*identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*identity.User, 0, len(s.users))
	for _, user := range s.users {
		cp := *user
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memIdentityStore) PutProvider(ctx context.Context, provider *identity.OAuthProvider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *provider
	s.providers[provider.ID] = &cp
	return nil
}

func (s *memIdentityStore) GetProvider(ctx context.Context, providerID string) (*identity.OAuthProvider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	provider, ok := s.providers[providerID]
	if !ok {
		return nil, identity.ErrProviderNotFound
	}
	cp := *provider
	return &cp, nil
}

func (s *memIdentityStore) ListProviders(ctx context.Context) ([]*identity.OAuthProvider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*identity.OAuthProvider, 0, len(s.providers))
	for _, provider := range s.providers {
		cp := *provider
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memIdentityStore) DeleteProvider(ctx context.Context, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[providerID]; !ok {
		return identity.ErrProviderNotFound
	}
	delete(s.providers, providerID)
	return nil
}

// memServerStore is an in-memory registry.ServerStore enforcing the
// one-enabled-server-per-URL invariant.
type memServerStore struct {
	mu      sync.Mutex
	servers map[string]*registry.Server
}

func newMemServerStore() *memServerStore {
	return &memServerStore{servers: make(map[string]*registry.Server)}
}

func (s *memServerStore) PutServer(ctx context.Context, server *registry.Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if server.Enabled {
		for id, existing := range s.servers {
			if id != server.ID && existing.Enabled && existing.URL == server.URL {
				return registry.ErrDuplicateURL
			}
		}
	}
	cp := *server
	s.servers[server.ID] = &cp
	return nil
}

func (s *memServerStore) GetServer(ctx context.Context, serverID string) (*registry.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	server, ok := s.servers[serverID]
	if !ok {
		return nil, registry.ErrServerNotFound
	}
	cp := *server
	return &cp, nil
}

func (s *memServerStore) GetServerByURL(ctx context.Context, url string) (*registry.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, server := range s.servers {
		if server.URL == url && server.Enabled {
			cp := *server
			return &cp, nil
		}
	}
	return nil, registry.ErrServerNotFound
}

func (s *memServerStore) ListServers(ctx context.Context) ([]*registry.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*registry.Server, 0, len(s.servers))
	for _, server := range s.servers {
		cp := *server
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memServerStore) DeleteServer(ctx context.Context, serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.servers[serverID]; !ok {
		return registry.ErrServerNotFound
	}
	delete(s.servers, serverID)
	return nil
}

// fakeUpstream scripts upstream responses for one URL.
type fakeUpstream struct {
	mu        sync.Mutex
	initErr   error
	listErr   error
	tools     []mcp.Tool
	callFn    func(name string, args json.RawMessage) (json.RawMessage, error)
	listCalls int
	callCalls int
	closed    bool
}

func (u *fakeUpstream) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.initErr != nil {
		return nil, u.initErr
	}
	return &mcp.InitializeResult{
		ProtocolVersion: mcp.ProtocolVersionBaseline,
		ServerInfo:      mcp.Implementation{Name: "fake-upstream", Version: "0.0.1"},
		Capabilities:    json.RawMessage(`{"tools":{}}`),
	}, nil
}

func (u *fakeUpstream) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.listCalls++
	if u.listErr != nil {
		return nil, u.listErr
	}
	out := make([]mcp.Tool, len(u.tools))
	copy(out, u.tools)
	return out, nil
}

func (u *fakeUpstream) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	u.mu.Lock()
	fn := u.callFn
	u.callCalls++
	u.mu.Unlock()
	if fn == nil {
		return json.RawMessage(`{"content":[]}`), nil
	}
	return fn(name, args)
}

func (u *fakeUpstream) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closed = true
	return nil
}

// fakeDialer hands out scripted upstreams keyed by URL.
type fakeDialer struct {
	mu        sync.Mutex
	upstreams map[string]*fakeUpstream
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{upstreams: make(map[string]*fakeUpstream)}
}

func (d *fakeDialer) add(url string, upstream *fakeUpstream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.upstreams[url] = upstream
}

func (d *fakeDialer) Dial(url string) outbound.Upstream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.upstreams[url]; ok {
		return u
	}
	u := &fakeUpstream{initErr: context.DeadlineExceeded}
	d.upstreams[url] = u
	return u
}

// fakePool acquires sessions straight from the dialer and records
// invalidations.
type fakePool struct {
	dialer *fakeDialer

	mu          sync.Mutex
	invalidated []string
	acquireErr  error
}

func (p *fakePool) Acquire(ctx context.Context, serverID, url string) (outbound.Upstream, error) {
	p.mu.Lock()
	err := p.acquireErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return p.dialer.Dial(url), nil
}

func (p *fakePool) Invalidate(serverID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invalidated = append(p.invalidated, serverID)
}

func (p *fakePool) Close() error { return nil }

func (p *fakePool) invalidations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.invalidated))
	copy(out, p.invalidated)
	return out
}

// memSettingsStore is an in-memory config.SettingsStore.
type memSettingsStore struct {
	mu       sync.Mutex
	settings map[string]json.RawMessage
}

func newMemSettingsStore() *memSettingsStore {
	return &memSettingsStore{settings: config.SettingDefaults()}
}

func (s *memSettingsStore) GetSetting(ctx context.Context, key string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.settings[key]
	if !ok {
		return nil, config.ErrSettingNotFound
	}
	return value, nil
}

func (s *memSettingsStore) SetSetting(ctx context.Context, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *memSettingsStore) ListSettings(ctx context.Context) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]json.RawMessage, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}
