package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/relaygate/relaygate/internal/domain/audit"
	"github.com/relaygate/relaygate/internal/domain/gwerr"
	"github.com/relaygate/relaygate/internal/domain/identity"
	"github.com/relaygate/relaygate/internal/domain/rbac"
	"github.com/relaygate/relaygate/internal/domain/registry"
	"github.com/relaygate/relaygate/internal/port/outbound"
	"github.com/relaygate/relaygate/pkg/mcp"
)

const (
	// discoverTimeout bounds the whole add-time discovery sequence.
	discoverTimeout = 10 * time.Second

	// healthyLatency is the probe latency bound for a healthy verdict.
	healthyLatency = 2 * time.Second

	// DefaultRefreshInterval is how often the background catalog refresh runs.
	DefaultRefreshInterval = 15 * time.Minute
)

// Catalog is the aggregated tool index the registry feeds. Implemented by
// Aggregator.
type Catalog interface {
	// SetServerTools replaces the tool snapshot for one server.
	SetServerTools(serverID string, tools []registry.Tool)
	// RemoveServer drops a server's tools from the index.
	RemoveServer(serverID string)
}

// ServerInput is the payload for registering an upstream server.
type ServerInput struct {
	URL         string `validate:"required,url"`
	Name        string
	Description string
}

// ServerPatch updates mutable server fields. Nil members are left unchanged.
type ServerPatch struct {
	Name        *string
	Description *string
	Enabled     *bool
}

// RegistryService manages the upstream server registry: registration with
// capability discovery, health probing, and periodic tool refresh.
type RegistryService struct {
	servers registry.ServerStore
	acls    rbac.RoleStore
	dialer  outbound.Dialer
	pool    outbound.UpstreamPool
	catalog Catalog
	auditor Auditor
	logger  *slog.Logger

	refreshGroup singleflight.Group
}

// NewRegistryService creates a RegistryService.
func NewRegistryService(
	servers registry.ServerStore,
	acls rbac.RoleStore,
	dialer outbound.Dialer,
	pool outbound.UpstreamPool,
	catalog Catalog,
	auditor Auditor,
	logger *slog.Logger,
) *RegistryService {
	return &RegistryService{
		servers: servers,
		acls:    acls,
		dialer:  dialer,
		pool:    pool,
		catalog: catalog,
		auditor: auditor,
		logger:  logger,
	}
}

// AddServer registers an upstream: validate, reject duplicate URLs among
// enabled servers, discover capabilities and tools, persist, and publish
// the tools to the catalog. A server that fails discovery is not stored.
func (s *RegistryService) AddServer(ctx context.Context, actor *identity.Principal, in ServerInput) (*registry.Server, error) {
	candidate := &registry.Server{URL: in.URL}
	if err := candidate.Validate(); err != nil {
		return nil, gwerr.Wrap(gwerr.BadRequest, err.Error(), err)
	}

	if existing, err := s.servers.GetServerByURL(ctx, in.URL); err == nil && existing != nil {
		return nil, gwerr.New(gwerr.Conflict, "an enabled server with this url already exists")
	} else if err != nil && !errors.Is(err, registry.ErrServerNotFound) {
		return nil, gwerr.Wrap(gwerr.Internal, "server lookup failed", err)
	}

	initResult, tools, err := s.discover(ctx, in.URL)
	if err != nil {
		s.emitServerEvent(ctx, actor, audit.KindServerAdded, registry.ServerID(in.URL), map[string]any{
			"url": in.URL, "error": gwerr.ClientMessage(err),
		}, false)
		return nil, err
	}

	name := in.Name
	if name == "" {
		name = initResult.ServerInfo.Name
	}
	if name == "" {
		name = in.URL
	}
	serverInfo, _ := json.Marshal(initResult.ServerInfo)

	now := time.Now().UTC()
	server := &registry.Server{
		ID:              registry.ServerID(in.URL),
		Name:            name,
		URL:             in.URL,
		Description:     in.Description,
		Capabilities:    initResult.Capabilities,
		ProtocolVersion: initResult.ProtocolVersion,
		ServerInfo:      serverInfo,
		Enabled:         true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.servers.PutServer(ctx, server); err != nil {
		if errors.Is(err, registry.ErrDuplicateURL) {
			return nil, gwerr.New(gwerr.Conflict, "an enabled server with this url already exists")
		}
		return nil, gwerr.Wrap(gwerr.Internal, "store server failed", err)
	}

	s.catalog.SetServerTools(server.ID, tools)
	s.emitServerEvent(ctx, actor, audit.KindServerAdded, server.ID, map[string]any{
		"url": server.URL, "name": server.Name, "tool_count": len(tools),
	}, true)
	return server, nil
}

// UpdateServer applies a patch to mutable fields. The URL is immutable
// because the server ID derives from it; remove and re-add to change it.
// Disabling removes the server's tools from the catalog, enabling triggers
// rediscovery.
func (s *RegistryService) UpdateServer(ctx context.Context, actor *identity.Principal, serverID string, patch ServerPatch) (*registry.Server, error) {
	server, err := s.getServer(ctx, serverID)
	if err != nil {
		return nil, err
	}

	wasEnabled := server.Enabled
	if patch.Name != nil {
		server.Name = *patch.Name
	}
	if patch.Description != nil {
		server.Description = *patch.Description
	}
	if patch.Enabled != nil {
		server.Enabled = *patch.Enabled
	}
	server.UpdatedAt = time.Now().UTC()

	if err := s.servers.PutServer(ctx, server); err != nil {
		if errors.Is(err, registry.ErrDuplicateURL) {
			return nil, gwerr.New(gwerr.Conflict, "an enabled server with this url already exists")
		}
		return nil, gwerr.Wrap(gwerr.Internal, "store server failed", err)
	}

	switch {
	case wasEnabled && !server.Enabled:
		s.catalog.RemoveServer(server.ID)
		s.pool.Invalidate(server.ID)
	case !wasEnabled && server.Enabled:
		if _, err := s.RefreshServer(ctx, server.ID); err != nil {
			s.logger.Warn("rediscovery after enable failed",
				"server_id", server.ID, "error", err)
		}
	}

	s.emitServerEvent(ctx, actor, audit.KindServerUpdated, server.ID, map[string]any{
		"name": server.Name, "enabled": server.Enabled,
	}, true)
	return server, nil
}

// RemoveServer deletes the record, its per-user ACLs, its pooled session,
// and its tools in the catalog.
func (s *RegistryService) RemoveServer(ctx context.Context, actor *identity.Principal, serverID string) error {
	if _, err := s.getServer(ctx, serverID); err != nil {
		return err
	}

	if err := s.servers.DeleteServer(ctx, serverID); err != nil {
		return gwerr.Wrap(gwerr.Internal, "delete server failed", err)
	}
	if err := s.acls.DeleteACLsForServer(ctx, serverID); err != nil {
		s.logger.Error("acl purge failed", "server_id", serverID, "error", err)
	}

	s.catalog.RemoveServer(serverID)
	s.pool.Invalidate(serverID)

	s.emitServerEvent(ctx, actor, audit.KindServerRemoved, serverID, nil, true)
	return nil
}

// GetServer returns one server record.
func (s *RegistryService) GetServer(ctx context.Context, serverID string) (*registry.Server, error) {
	return s.getServer(ctx, serverID)
}

// ListServers returns all server records.
func (s *RegistryService) ListServers(ctx context.Context) ([]*registry.Server, error) {
	return s.servers.ListServers(ctx)
}

// TestServer probes a server with a fresh session and classifies the
// result: healthy when handshake and tools/list complete within the
// latency bound, degraded when only the handshake succeeds or the probe is
// slow, unhealthy when the handshake fails.
func (s *RegistryService) TestServer(ctx context.Context, actor *identity.Principal, serverID string) (*registry.HealthReport, error) {
	server, err := s.getServer(ctx, serverID)
	if err != nil {
		return nil, err
	}

	report := s.probe(ctx, server.URL)
	s.emitServerEvent(ctx, actor, audit.KindServerTest, server.ID, map[string]any{
		"status": string(report.Status), "latency_ms": report.LatencyMS,
	}, report.Status != registry.StatusUnhealthy)
	return report, nil
}

// RefreshServer re-lists one server's tools and updates the catalog.
// Concurrent refreshes of the same server collapse into one upstream call.
func (s *RegistryService) RefreshServer(ctx context.Context, serverID string) ([]registry.Tool, error) {
	result, err, _ := s.refreshGroup.Do(serverID, func() (any, error) {
		server, err := s.getServer(ctx, serverID)
		if err != nil {
			return nil, err
		}
		if !server.Enabled {
			return nil, gwerr.New(gwerr.NotFound, "server is disabled")
		}

		upstream, err := s.pool.Acquire(ctx, server.ID, server.URL)
		if err != nil {
			return nil, gwerr.Wrap(gwerr.UpstreamError, "upstream unavailable", err)
		}
		listed, err := upstream.ListTools(ctx)
		if err != nil {
			s.pool.Invalidate(server.ID)
			return nil, gwerr.Wrap(gwerr.UpstreamError, "tools/list failed", err)
		}

		tools := toDomainTools(server.ID, listed)
		s.catalog.SetServerTools(server.ID, tools)
		return tools, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]registry.Tool), nil
}

// StartRefreshLoop refreshes every enabled server on the interval until
// ctx is cancelled.
func (s *RegistryService) StartRefreshLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.refreshAll(ctx)
			}
		}
	}()
}

// WarmCatalog discovers tools for all enabled servers, used at startup.
func (s *RegistryService) WarmCatalog(ctx context.Context) {
	s.refreshAll(ctx)
}

func (s *RegistryService) refreshAll(ctx context.Context) {
	servers, err := s.servers.ListServers(ctx)
	if err != nil {
		s.logger.Error("catalog refresh: list servers failed", "error", err)
		return
	}
	for _, server := range servers {
		if !server.Enabled {
			continue
		}
		if _, err := s.RefreshServer(ctx, server.ID); err != nil {
			s.logger.Warn("catalog refresh failed",
				"server_id", server.ID,
				"url", server.URL,
				"error", err)
		}
	}
}

// discover runs the add-time discovery sequence against a fresh session.
func (s *RegistryService) discover(ctx context.Context, url string) (*mcp.InitializeResult, []registry.Tool, error) {
	ctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()

	upstream := s.dialer.Dial(url)
	defer func() { _ = upstream.Close() }()

	initResult, err := upstream.Initialize(ctx)
	if err != nil {
		return nil, nil, gwerr.Wrap(gwerr.UpstreamError, "server handshake failed", err)
	}

	listed, err := upstream.ListTools(ctx)
	if err != nil {
		return nil, nil, gwerr.Wrap(gwerr.UpstreamError, "tools/list failed", err)
	}

	serverID := registry.ServerID(url)
	return initResult, toDomainTools(serverID, listed), nil
}

func (s *RegistryService) probe(ctx context.Context, url string) *registry.HealthReport {
	ctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()

	start := time.Now()
	upstream := s.dialer.Dial(url)
	defer func() { _ = upstream.Close() }()

	if _, err := upstream.Initialize(ctx); err != nil {
		return &registry.HealthReport{
			Status:    registry.StatusUnhealthy,
			LatencyMS: time.Since(start).Milliseconds(),
			Error:     "handshake failed",
		}
	}

	tools, err := upstream.ListTools(ctx)
	latency := time.Since(start)
	if err != nil {
		return &registry.HealthReport{
			Status:    registry.StatusDegraded,
			LatencyMS: latency.Milliseconds(),
			Error:     "tools/list failed",
		}
	}

	status := registry.StatusHealthy
	if latency > healthyLatency {
		status = registry.StatusDegraded
	}
	return &registry.HealthReport{
		Status:    status,
		LatencyMS: latency.Milliseconds(),
		ToolCount: len(tools),
	}
}

func (s *RegistryService) getServer(ctx context.Context, serverID string) (*registry.Server, error) {
	server, err := s.servers.GetServer(ctx, serverID)
	if errors.Is(err, registry.ErrServerNotFound) {
		return nil, gwerr.New(gwerr.NotFound, "server not found")
	}
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "server lookup failed", err)
	}
	return server, nil
}

// toDomainTools converts wire tools to domain tools, capping the count at
// registry.MaxToolsPerServer.
func toDomainTools(serverID string, listed []mcp.Tool) []registry.Tool {
	if len(listed) > registry.MaxToolsPerServer {
		listed = listed[:registry.MaxToolsPerServer]
	}
	now := time.Now().UTC()
	tools := make([]registry.Tool, 0, len(listed))
	for _, t := range listed {
		tools = append(tools, registry.Tool{
			RawName:      t.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			ServerID:     serverID,
			DiscoveredAt: now,
		})
	}
	return tools
}

func (s *RegistryService) emitServerEvent(ctx context.Context, actor *identity.Principal, kind audit.Kind, serverID string, details map[string]any, success bool) {
	event := &audit.Event{
		Kind:         kind,
		ResourceType: "server",
		ResourceID:   serverID,
		Details:      details,
		Success:      success,
	}
	if actor != nil {
		event.UserID = actor.UserID
		event.UserEmail = actor.Email
	}
	s.auditor.Emit(ctx, event)
}
