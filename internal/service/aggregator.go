package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	upstreammcp "github.com/relaygate/relaygate/internal/adapter/outbound/mcp"
	"github.com/relaygate/relaygate/internal/domain/audit"
	"github.com/relaygate/relaygate/internal/domain/gwerr"
	"github.com/relaygate/relaygate/internal/domain/identity"
	"github.com/relaygate/relaygate/internal/domain/rbac"
	"github.com/relaygate/relaygate/internal/domain/registry"
	"github.com/relaygate/relaygate/internal/port/outbound"
)

// DefaultRequestTimeout bounds one tools/call round trip when the caller
// supplies no timeout.
const DefaultRequestTimeout = 60 * time.Second

// AggregatedTool is one entry of the merged catalog exposed to clients.
// QualifiedName is the raw upstream name when it is unique across servers,
// otherwise raw@<short server id>.
type AggregatedTool struct {
	QualifiedName string
	RawName       string
	Description   string
	InputSchema   json.RawMessage
	ServerID      string
}

// toolIndex is an immutable catalog snapshot. Lookups read the current
// snapshot without locking; rebuilds swap in a fresh one.
type toolIndex struct {
	tools  []AggregatedTool // sorted by qualified name
	byName map[string]AggregatedTool
}

var emptyIndex = &toolIndex{byName: map[string]AggregatedTool{}}

// Refresher re-discovers a server's tools. Implemented by RegistryService;
// injected after construction to break the registry/aggregator cycle.
type Refresher interface {
	RefreshServer(ctx context.Context, serverID string) ([]registry.Tool, error)
}

// Aggregator merges per-server tool snapshots into one catalog with
// collision-qualified names, and routes tools/call to the owning upstream.
type Aggregator struct {
	servers registry.ServerStore
	acls    rbac.RoleStore
	rbac    *RBACService
	pool    outbound.UpstreamPool
	auditor Auditor
	logger  *slog.Logger

	mu        sync.Mutex // serializes snapshot mutation and index rebuild
	perServer map[string][]registry.Tool
	index     atomic.Pointer[toolIndex]

	refresher Refresher
}

// NewAggregator creates an Aggregator with an empty catalog.
func NewAggregator(
	servers registry.ServerStore,
	acls rbac.RoleStore,
	rbacSvc *RBACService,
	pool outbound.UpstreamPool,
	auditor Auditor,
	logger *slog.Logger,
) *Aggregator {
	a := &Aggregator{
		servers:   servers,
		acls:      acls,
		rbac:      rbacSvc,
		pool:      pool,
		auditor:   auditor,
		logger:    logger,
		perServer: make(map[string][]registry.Tool),
	}
	a.index.Store(emptyIndex)
	return a
}

// SetRefresher wires the registry refresh run when an upstream rejects a
// call for a tool the catalog still lists.
func (a *Aggregator) SetRefresher(r Refresher) {
	a.refresher = r
}

// SetServerTools replaces one server's tool snapshot and rebuilds the index.
func (a *Aggregator) SetServerTools(serverID string, tools []registry.Tool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.perServer[serverID] = tools
	a.rebuildLocked()
}

// RemoveServer drops a server's tools and rebuilds the index.
func (a *Aggregator) RemoveServer(serverID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.perServer, serverID)
	a.rebuildLocked()
}

// ToolCount returns the current catalog size.
func (a *Aggregator) ToolCount() int {
	return len(a.index.Load().tools)
}

// ListToolsFor returns the catalog entries the user may execute, applying
// per-server ACLs. Role defaults apply where no ACL row exists.
func (a *Aggregator) ListToolsFor(ctx context.Context, principal *identity.Principal) ([]AggregatedTool, error) {
	idx := a.index.Load()

	// One ACL lookup per server, not per tool.
	aclByServer := make(map[string]*rbac.ServerACL)
	visible := make([]AggregatedTool, 0, len(idx.tools))
	for _, tool := range idx.tools {
		acl, ok := aclByServer[tool.ServerID]
		if !ok {
			var err error
			acl, err = a.acls.GetServerACL(ctx, principal.UserID, tool.ServerID)
			if err != nil {
				return nil, gwerr.Wrap(gwerr.Internal, "acl lookup failed", err)
			}
			aclByServer[tool.ServerID] = acl
		}
		if acl == nil || acl.AllowsTool(tool.RawName) {
			visible = append(visible, tool)
		}
	}
	return visible, nil
}

// Resolve finds a catalog entry by qualified name.
func (a *Aggregator) Resolve(name string) (AggregatedTool, bool) {
	tool, ok := a.index.Load().byName[name]
	return tool, ok
}

// ExecuteTool routes one tools/call: resolve the qualified name, check
// permission and ACL, and invoke the tool on the owning upstream with the
// raw name. A name missing from the catalog fails without contacting any
// upstream. Upstream JSON-RPC errors are returned as *jsonrpc.Error for
// verbatim relay; an unknown-tool error additionally refreshes the owning
// server's catalog so later calls answer from the updated index.
func (a *Aggregator) ExecuteTool(ctx context.Context, principal *identity.Principal, name string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	start := time.Now()

	result, err := a.executeTool(ctx, principal, name, args, timeout)
	latencyMS := time.Since(start).Milliseconds()

	if err != nil {
		// Authorization denials already audit themselves.
		if gwerr.KindOf(err) != gwerr.Forbidden {
			a.auditor.Emit(ctx, &audit.Event{
				Kind:         audit.KindToolInvocationFailed,
				Severity:     audit.SeverityWarn,
				UserID:       principal.UserID,
				UserEmail:    principal.Email,
				ResourceType: "tool",
				ResourceID:   name,
				Action:       "tools/call",
				Details: map[string]any{
					"latency_ms": latencyMS,
					"error":      gwerr.ClientMessage(err),
				},
			})
		}
		return nil, err
	}

	a.auditor.Emit(ctx, &audit.Event{
		Kind:         audit.KindToolInvoked,
		UserID:       principal.UserID,
		UserEmail:    principal.Email,
		ResourceType: "tool",
		ResourceID:   name,
		Action:       "tools/call",
		Details:      map[string]any{"latency_ms": latencyMS},
		Success:      true,
	})
	return result, nil
}

func (a *Aggregator) executeTool(ctx context.Context, principal *identity.Principal, name string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	tool, ok := a.Resolve(name)
	if !ok {
		return nil, gwerr.Newf(gwerr.NotFound, "unknown tool %s", name)
	}

	if err := a.rbac.CheckToolAccess(ctx, principal, tool.ServerID, tool.RawName); err != nil {
		return nil, err
	}

	server, err := a.servers.GetServer(ctx, tool.ServerID)
	if errors.Is(err, registry.ErrServerNotFound) {
		return nil, gwerr.Newf(gwerr.NotFound, "unknown tool %s", name)
	}
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "server lookup failed", err)
	}
	if !server.Enabled {
		return nil, gwerr.Newf(gwerr.NotFound, "unknown tool %s", name)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := a.callUpstream(callCtx, server, tool.RawName, args)
	if err == nil {
		return result, nil
	}

	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, gwerr.New(gwerr.UpstreamTimeout, "upstream did not respond in time")
	}

	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		// The upstream may have dropped the tool since discovery. Refresh
		// the owning server; a vanished tool relays the upstream's error
		// as-is and later calls miss the catalog. A tool that survives the
		// refresh was a transient rejection, retried once.
		if isUnknownToolError(rpcErr) && a.refresher != nil {
			if _, rerr := a.refresher.RefreshServer(ctx, server.ID); rerr != nil {
				a.logger.Warn("catalog refresh after unknown-tool error failed",
					"server_id", server.ID, "error", rerr)
				return nil, rpcErr
			}
			if _, still := a.Resolve(name); still {
				retryCtx, retryCancel := context.WithTimeout(ctx, timeout)
				defer retryCancel()
				if result, err = a.callUpstream(retryCtx, server, tool.RawName, args); err == nil {
					return result, nil
				}
				if errors.As(err, &rpcErr) {
					return nil, rpcErr
				}
				return nil, gwerr.Wrap(gwerr.UpstreamError, "upstream call failed", err)
			}
		}
		return nil, rpcErr
	}

	return nil, gwerr.Wrap(gwerr.UpstreamError, "upstream call failed", err)
}

// callUpstream invokes the tool through the session pool, re-dialing once
// when the pooled session has expired server-side.
func (a *Aggregator) callUpstream(ctx context.Context, server *registry.Server, rawName string, args json.RawMessage) (json.RawMessage, error) {
	upstream, err := a.pool.Acquire(ctx, server.ID, server.URL)
	if err != nil {
		return nil, err
	}

	result, err := upstream.CallTool(ctx, rawName, args)
	if errors.Is(err, upstreammcp.ErrSessionExpired) {
		a.pool.Invalidate(server.ID)
		upstream, err = a.pool.Acquire(ctx, server.ID, server.URL)
		if err != nil {
			return nil, err
		}
		result, err = upstream.CallTool(ctx, rawName, args)
	}
	return result, err
}

// rebuildLocked recomputes the immutable index from the per-server
// snapshots. Raw names claimed by more than one server are qualified with
// the owning server's short ID. The result is sorted by qualified name and
// capped at registry.MaxTotalTools.
func (a *Aggregator) rebuildLocked() {
	owners := make(map[string]int)
	for _, tools := range a.perServer {
		seen := make(map[string]bool, len(tools))
		for _, t := range tools {
			if seen[t.RawName] {
				continue // duplicate within one server counts once
			}
			seen[t.RawName] = true
			owners[t.RawName]++
		}
	}

	var all []AggregatedTool
	for serverID, tools := range a.perServer {
		for _, t := range tools {
			qualified := t.RawName
			if owners[t.RawName] > 1 {
				qualified = t.RawName + "@" + registry.ShortID(serverID)
			}
			all = append(all, AggregatedTool{
				QualifiedName: qualified,
				RawName:       t.RawName,
				Description:   t.Description,
				InputSchema:   t.InputSchema,
				ServerID:      serverID,
			})
		}
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].QualifiedName != all[j].QualifiedName {
			return all[i].QualifiedName < all[j].QualifiedName
		}
		return all[i].ServerID < all[j].ServerID
	})

	if len(all) > registry.MaxTotalTools {
		a.logger.Warn("aggregated catalog truncated",
			"total", len(all),
			"cap", registry.MaxTotalTools)
		all = all[:registry.MaxTotalTools]
	}

	byName := make(map[string]AggregatedTool, len(all))
	for _, t := range all {
		if _, dup := byName[t.QualifiedName]; dup {
			// Same raw name twice on one server after qualification; first
			// (sorted) entry wins.
			continue
		}
		byName[t.QualifiedName] = t
	}

	a.index.Store(&toolIndex{tools: all, byName: byName})
}

// isUnknownToolError guesses whether an upstream JSON-RPC error means the
// tool no longer exists. Servers signal this as method not found, or as
// invalid params naming the tool.
func isUnknownToolError(e *jsonrpc.Error) bool {
	if e.Code == gwerr.CodeMethodNotFound {
		return true
	}
	if e.Code == gwerr.CodeInvalidParams {
		msg := strings.ToLower(e.Message)
		return strings.Contains(msg, "unknown tool") || strings.Contains(msg, "tool not found")
	}
	return false
}

var _ Catalog = (*Aggregator)(nil)
