package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/relaygate/relaygate/internal/domain/audit"
	"github.com/relaygate/relaygate/internal/domain/gwerr"
	"github.com/relaygate/relaygate/internal/domain/identity"
	"github.com/relaygate/relaygate/internal/domain/rbac"
	"github.com/relaygate/relaygate/internal/domain/registry"
	"github.com/relaygate/relaygate/internal/service"
)

// serverView is the wire shape of an upstream server record.
type serverView struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	URL             string          `json:"url"`
	Description     string          `json:"description,omitempty"`
	ProtocolVersion string          `json:"protocol_version,omitempty"`
	ServerInfo      json.RawMessage `json:"server_info,omitempty"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	Enabled         bool            `json:"enabled"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func toServerView(s *registry.Server) serverView {
	return serverView{
		ID:              s.ID,
		Name:            s.Name,
		URL:             s.URL,
		Description:     s.Description,
		ProtocolVersion: s.ProtocolVersion,
		ServerInfo:      s.ServerInfo,
		Capabilities:    s.Capabilities,
		Enabled:         s.Enabled,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

func (h *Handler) serverAdd(r *http.Request, principal *identity.Principal, params json.RawMessage) (any, error) {
	if err := h.rbac.Require(r.Context(), principal, rbac.PermServerAdd); err != nil {
		return nil, err
	}
	var p struct {
		URL         string `json:"url"`
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	server, err := h.registry.AddServer(r.Context(), principal, service.ServerInput{
		URL:         p.URL,
		Name:        p.Name,
		Description: p.Description,
	})
	if err != nil {
		return nil, err
	}
	return toServerView(server), nil
}

func (h *Handler) serverList(r *http.Request, principal *identity.Principal, _ json.RawMessage) (any, error) {
	if err := h.rbac.Require(r.Context(), principal, rbac.PermServerView); err != nil {
		return nil, err
	}
	servers, err := h.registry.ListServers(r.Context())
	if err != nil {
		return nil, err
	}
	views := make([]serverView, 0, len(servers))
	for _, s := range servers {
		views = append(views, toServerView(s))
	}
	return map[string]any{"servers": views}, nil
}

func (h *Handler) serverGet(r *http.Request, principal *identity.Principal, params json.RawMessage) (any, error) {
	if err := h.rbac.Require(r.Context(), principal, rbac.PermServerView); err != nil {
		return nil, err
	}
	var p struct {
		ServerID string `json:"server_id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	server, err := h.registry.GetServer(r.Context(), p.ServerID)
	if err != nil {
		return nil, err
	}
	return toServerView(server), nil
}

func (h *Handler) serverUpdate(r *http.Request, principal *identity.Principal, params json.RawMessage) (any, error) {
	if err := h.rbac.Require(r.Context(), principal, rbac.PermServerEdit); err != nil {
		return nil, err
	}
	var p struct {
		ServerID    string  `json:"server_id"`
		Name        *string `json:"name"`
		Description *string `json:"description"`
		Enabled     *bool   `json:"enabled"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	server, err := h.registry.UpdateServer(r.Context(), principal, p.ServerID, service.ServerPatch{
		Name:        p.Name,
		Description: p.Description,
		Enabled:     p.Enabled,
	})
	if err != nil {
		return nil, err
	}
	return toServerView(server), nil
}

func (h *Handler) serverRemove(r *http.Request, principal *identity.Principal, params json.RawMessage) (any, error) {
	if err := h.rbac.Require(r.Context(), principal, rbac.PermServerDelete); err != nil {
		return nil, err
	}
	var p struct {
		ServerID string `json:"server_id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := h.registry.RemoveServer(r.Context(), principal, p.ServerID); err != nil {
		return nil, err
	}
	return map[string]bool{"removed": true}, nil
}

func (h *Handler) serverTest(r *http.Request, principal *identity.Principal, params json.RawMessage) (any, error) {
	if err := h.rbac.Require(r.Context(), principal, rbac.PermServerTest); err != nil {
		return nil, err
	}
	var p struct {
		ServerID string `json:"server_id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return h.registry.TestServer(r.Context(), principal, p.ServerID)
}

// providerView never carries secret material.
type providerView struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ClientID     string    `json:"client_id"`
	AuthorizeURL string    `json:"authorize_url"`
	TokenURL     string    `json:"token_url"`
	UserinfoURL  string    `json:"userinfo_url"`
	Scopes       []string  `json:"scopes"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
}

func toProviderView(p *identity.OAuthProvider) providerView {
	return providerView{
		ID:           p.ID,
		Name:         p.Name,
		ClientID:     p.ClientID,
		AuthorizeURL: p.AuthorizeURL,
		TokenURL:     p.TokenURL,
		UserinfoURL:  p.UserinfoURL,
		Scopes:       p.Scopes,
		Enabled:      p.Enabled,
		CreatedAt:    p.CreatedAt,
	}
}

func (h *Handler) providerAdd(r *http.Request, principal *identity.Principal, params json.RawMessage) (any, error) {
	if err := h.rbac.Require(r.Context(), principal, rbac.PermOAuthManage); err != nil {
		return nil, err
	}
	var p struct {
		Name         string   `json:"name"`
		ClientID     string   `json:"client_id"`
		ClientSecret string   `json:"client_secret"`
		AuthorizeURL string   `json:"authorize_url"`
		TokenURL     string   `json:"token_url"`
		UserinfoURL  string   `json:"userinfo_url"`
		Scopes       []string `json:"scopes"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	provider, err := h.auth.AddProvider(r.Context(), principal, service.ProviderInput{
		Name:         p.Name,
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		AuthorizeURL: p.AuthorizeURL,
		TokenURL:     p.TokenURL,
		UserinfoURL:  p.UserinfoURL,
		Scopes:       p.Scopes,
	})
	if err != nil {
		return nil, err
	}
	return toProviderView(provider), nil
}

func (h *Handler) providerList(r *http.Request, principal *identity.Principal, _ json.RawMessage) (any, error) {
	if err := h.rbac.Require(r.Context(), principal, rbac.PermOAuthManage); err != nil {
		return nil, err
	}
	providers, err := h.auth.ListProviders(r.Context())
	if err != nil {
		return nil, err
	}
	views := make([]providerView, 0, len(providers))
	for _, p := range providers {
		views = append(views, toProviderView(p))
	}
	return map[string]any{"providers": views}, nil
}

func (h *Handler) providerRemove(r *http.Request, principal *identity.Principal, params json.RawMessage) (any, error) {
	if err := h.rbac.Require(r.Context(), principal, rbac.PermOAuthManage); err != nil {
		return nil, err
	}
	var p struct {
		ProviderID string `json:"provider_id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := h.auth.RemoveProvider(r.Context(), principal, p.ProviderID); err != nil {
		return nil, err
	}
	return map[string]bool{"removed": true}, nil
}

type roleView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Permissions []string  `json:"permissions"`
	IsSystem    bool      `json:"is_system"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toRoleView(role *rbac.Role) roleView {
	return roleView{
		ID:          role.ID,
		Name:        role.Name,
		Description: role.Description,
		Permissions: role.Permissions.Strings(),
		IsSystem:    role.IsSystem,
		CreatedAt:   role.CreatedAt,
		UpdatedAt:   role.UpdatedAt,
	}
}

func (h *Handler) roleList(r *http.Request, principal *identity.Principal, _ json.RawMessage) (any, error) {
	if err := h.rbac.Require(r.Context(), principal, rbac.PermRoleView); err != nil {
		return nil, err
	}
	roles, err := h.rbac.ListRoles(r.Context())
	if err != nil {
		return nil, err
	}
	views := make([]roleView, 0, len(roles))
	for _, role := range roles {
		views = append(views, toRoleView(role))
	}
	return map[string]any{"roles": views}, nil
}

func (h *Handler) roleCreate(r *http.Request, principal *identity.Principal, params json.RawMessage) (any, error) {
	if err := h.rbac.Require(r.Context(), principal, rbac.PermRoleManage); err != nil {
		return nil, err
	}
	var p struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Permissions []string `json:"permissions"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	role, err := h.rbac.CreateRole(r.Context(), principal, p.Name, p.Description, p.Permissions)
	if err != nil {
		return nil, err
	}
	return toRoleView(role), nil
}

func (h *Handler) roleUpdate(r *http.Request, principal *identity.Principal, params json.RawMessage) (any, error) {
	if err := h.rbac.Require(r.Context(), principal, rbac.PermRoleManage); err != nil {
		return nil, err
	}
	var p struct {
		RoleID      string   `json:"role_id"`
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Permissions []string `json:"permissions"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	role, err := h.rbac.UpdateRole(r.Context(), principal, p.RoleID, p.Name, p.Description, p.Permissions)
	if err != nil {
		return nil, err
	}
	return toRoleView(role), nil
}

func (h *Handler) roleDelete(r *http.Request, principal *identity.Principal, params json.RawMessage) (any, error) {
	if err := h.rbac.Require(r.Context(), principal, rbac.PermRoleManage); err != nil {
		return nil, err
	}
	var p struct {
		RoleID string `json:"role_id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := h.rbac.DeleteRole(r.Context(), principal, p.RoleID); err != nil {
		return nil, err
	}
	return map[string]bool{"deleted": true}, nil
}

type userView struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name,omitempty"`
	ProviderID  string    `json:"provider_id"`
	Enabled     bool      `json:"enabled"`
	RoleIDs     []string  `json:"role_ids"`
	CreatedAt   time.Time `json:"created_at"`
	LastLoginAt time.Time `json:"last_login_at"`
}

func (h *Handler) userList(r *http.Request, principal *identity.Principal, _ json.RawMessage) (any, error) {
	if err := h.rbac.Require(r.Context(), principal, rbac.PermUserView); err != nil {
		return nil, err
	}
	users, err := h.users.ListUsers(r.Context())
	if err != nil {
		return nil, err
	}
	views := make([]userView, 0, len(users))
	for _, u := range users {
		roleIDs, err := h.rbac.RoleIDsForUser(r.Context(), u.ID)
		if err != nil {
			return nil, err
		}
		views = append(views, userView{
			ID:          u.ID,
			Email:       u.Email,
			DisplayName: u.DisplayName,
			ProviderID:  u.ProviderID,
			Enabled:     u.Enabled,
			RoleIDs:     roleIDs,
			CreatedAt:   u.CreatedAt,
			LastLoginAt: u.LastLoginAt,
		})
	}
	return map[string]any{"users": views}, nil
}

func (h *Handler) userAssignRole(r *http.Request, principal *identity.Principal, params json.RawMessage) (any, error) {
	if err := h.rbac.Require(r.Context(), principal, rbac.PermUserManage); err != nil {
		return nil, err
	}
	var p struct {
		UserID string `json:"user_id"`
		RoleID string `json:"role_id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if _, err := h.users.GetUser(r.Context(), p.UserID); err != nil {
		return nil, err
	}
	if err := h.rbac.AssignRole(r.Context(), principal, p.UserID, p.RoleID); err != nil {
		return nil, err
	}
	return map[string]bool{"assigned": true}, nil
}

func (h *Handler) userRevokeRole(r *http.Request, principal *identity.Principal, params json.RawMessage) (any, error) {
	if err := h.rbac.Require(r.Context(), principal, rbac.PermUserManage); err != nil {
		return nil, err
	}
	var p struct {
		UserID string `json:"user_id"`
		RoleID string `json:"role_id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := h.rbac.RevokeRole(r.Context(), principal, p.UserID, p.RoleID); err != nil {
		return nil, err
	}
	return map[string]bool{"revoked": true}, nil
}

func (h *Handler) aclSet(r *http.Request, principal *identity.Principal, params json.RawMessage) (any, error) {
	if err := h.rbac.Require(r.Context(), principal, rbac.PermUserManage); err != nil {
		return nil, err
	}
	var p struct {
		UserID       string   `json:"user_id"`
		ServerID     string   `json:"server_id"`
		AllowedTools []string `json:"allowed_tools"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := h.rbac.SetServerACL(r.Context(), principal, p.UserID, p.ServerID, p.AllowedTools); err != nil {
		return nil, err
	}
	return map[string]bool{"set": true}, nil
}

func (h *Handler) aclClear(r *http.Request, principal *identity.Principal, params json.RawMessage) (any, error) {
	if err := h.rbac.Require(r.Context(), principal, rbac.PermUserManage); err != nil {
		return nil, err
	}
	var p struct {
		UserID   string `json:"user_id"`
		ServerID string `json:"server_id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := h.rbac.ClearServerACL(r.Context(), principal, p.UserID, p.ServerID); err != nil {
		return nil, err
	}
	return map[string]bool{"cleared": true}, nil
}

func (h *Handler) groupSet(r *http.Request, principal *identity.Principal, params json.RawMessage) (any, error) {
	if err := h.rbac.Require(r.Context(), principal, rbac.PermRoleManage); err != nil {
		return nil, err
	}
	var p struct {
		DN      string   `json:"dn"`
		RoleIDs []string `json:"role_ids"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := h.rbac.SetGroupMapping(r.Context(), principal, p.DN, p.RoleIDs); err != nil {
		return nil, err
	}
	return map[string]bool{"set": true}, nil
}

func (h *Handler) groupList(r *http.Request, principal *identity.Principal, _ json.RawMessage) (any, error) {
	if err := h.rbac.Require(r.Context(), principal, rbac.PermRoleView); err != nil {
		return nil, err
	}
	mappings, err := h.rbac.ListGroupMappings(r.Context())
	if err != nil {
		return nil, err
	}
	type mappingView struct {
		DN      string   `json:"dn"`
		RoleIDs []string `json:"role_ids"`
	}
	views := make([]mappingView, 0, len(mappings))
	for _, m := range mappings {
		views = append(views, mappingView{DN: m.DN, RoleIDs: m.RoleIDs})
	}
	return map[string]any{"mappings": views}, nil
}

func (h *Handler) groupRemove(r *http.Request, principal *identity.Principal, params json.RawMessage) (any, error) {
	if err := h.rbac.Require(r.Context(), principal, rbac.PermRoleManage); err != nil {
		return nil, err
	}
	var p struct {
		DN string `json:"dn"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := h.rbac.RemoveGroupMapping(r.Context(), principal, p.DN); err != nil {
		return nil, err
	}
	return map[string]bool{"removed": true}, nil
}

type eventView struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Kind         string         `json:"kind"`
	Severity     string         `json:"severity"`
	UserID       string         `json:"user_id,omitempty"`
	UserEmail    string         `json:"user_email,omitempty"`
	IP           string         `json:"ip,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Action       string         `json:"action,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Success      bool           `json:"success"`
}

func (h *Handler) auditQuery(r *http.Request, principal *identity.Principal, params json.RawMessage) (any, error) {
	if err := h.rbac.Require(r.Context(), principal, rbac.PermAuditView); err != nil {
		return nil, err
	}
	var p struct {
		From      time.Time `json:"from"`
		To        time.Time `json:"to"`
		Kind      string    `json:"kind"`
		Severity  string    `json:"severity"`
		UserID    string    `json:"user_id"`
		UserEmail string    `json:"user_email"`
		Limit     int       `json:"limit"`
		Offset    int       `json:"offset"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	events, err := h.audit.Query(r.Context(), audit.Filter{
		From:      p.From,
		To:        p.To,
		Kind:      audit.Kind(p.Kind),
		Severity:  audit.Severity(p.Severity),
		UserID:    p.UserID,
		UserEmail: p.UserEmail,
		Limit:     p.Limit,
		Offset:    p.Offset,
	})
	if err != nil {
		return nil, err
	}
	views := make([]eventView, 0, len(events))
	for _, e := range events {
		views = append(views, eventView{
			ID:           e.ID,
			Timestamp:    e.Timestamp,
			Kind:         string(e.Kind),
			Severity:     string(e.Severity),
			UserID:       e.UserID,
			UserEmail:    e.UserEmail,
			IP:           e.IP,
			ResourceType: e.ResourceType,
			ResourceID:   e.ResourceID,
			Action:       e.Action,
			Details:      e.Details,
			Success:      e.Success,
		})
	}
	return map[string]any{"events": views}, nil
}

func (h *Handler) auditStatistics(r *http.Request, principal *identity.Principal, params json.RawMessage) (any, error) {
	if err := h.rbac.Require(r.Context(), principal, rbac.PermAuditView); err != nil {
		return nil, err
	}
	var p struct {
		From time.Time `json:"from"`
		To   time.Time `json:"to"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.To.IsZero() {
		p.To = time.Now().UTC()
	}
	if p.From.IsZero() {
		p.From = p.To.AddDate(0, 0, -7)
	}
	stats, err := h.audit.Statistics(r.Context(), p.From, p.To)
	if err != nil {
		return nil, err
	}
	byKind := make(map[string]int64, len(stats.ByKind))
	for k, n := range stats.ByKind {
		byKind[string(k)] = n
	}
	bySeverity := make(map[string]int64, len(stats.BySeverity))
	for s, n := range stats.BySeverity {
		bySeverity[string(s)] = n
	}
	return map[string]any{
		"total":       stats.Total,
		"failures":    stats.Failures,
		"by_kind":     byKind,
		"by_severity": bySeverity,
	}, nil
}

// configGet returns one setting when a key is given, otherwise the full
// settings map.
func (h *Handler) configGet(r *http.Request, principal *identity.Principal, params json.RawMessage) (any, error) {
	if err := h.rbac.Require(r.Context(), principal, rbac.PermConfigView); err != nil {
		return nil, err
	}
	var p struct {
		Key string `json:"key"`
	}
	if len(params) > 0 {
		if err := decode(params, &p); err != nil {
			return nil, err
		}
	}
	if p.Key != "" {
		value, err := h.config.Get(r.Context(), p.Key)
		if err != nil {
			return nil, err
		}
		return map[string]any{"key": p.Key, "value": value}, nil
	}
	settings, err := h.config.List(r.Context())
	if err != nil {
		return nil, err
	}
	return map[string]any{"settings": settings}, nil
}

func (h *Handler) configSet(r *http.Request, principal *identity.Principal, params json.RawMessage) (any, error) {
	if err := h.rbac.Require(r.Context(), principal, rbac.PermConfigEdit); err != nil {
		return nil, err
	}
	var p struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Key == "" || len(p.Value) == 0 {
		return nil, gwerr.New(gwerr.BadRequest, "key and value are required")
	}
	if err := h.config.Set(r.Context(), principal, p.Key, p.Value); err != nil {
		return nil, err
	}
	return map[string]bool{"updated": true}, nil
}
