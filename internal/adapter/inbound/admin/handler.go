// Package admin implements the management JSON-RPC API served on /manage.
// Every method is permission-gated through RBAC; mutations are audited by
// the services they call.
package admin

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/relaygate/relaygate/internal/ctxkey"
	"github.com/relaygate/relaygate/internal/domain/gwerr"
	"github.com/relaygate/relaygate/internal/domain/identity"
	"github.com/relaygate/relaygate/internal/service"
)

// maxManageBodySize bounds management request bodies (256 KB).
const maxManageBodySize = 256 << 10

// Handler dispatches management JSON-RPC requests.
type Handler struct {
	auth     *service.AuthService
	registry *service.RegistryService
	rbac     *service.RBACService
	audit    *service.AuditService
	config   *service.ConfigService
	users    identity.UserStore
	logger   *slog.Logger

	methods map[string]methodFunc
}

type methodFunc func(r *http.Request, principal *identity.Principal, params json.RawMessage) (any, error)

// NewHandler wires the management API over the given services.
func NewHandler(
	auth *service.AuthService,
	registry *service.RegistryService,
	rbacSvc *service.RBACService,
	auditSvc *service.AuditService,
	configSvc *service.ConfigService,
	users identity.UserStore,
	logger *slog.Logger,
) *Handler {
	h := &Handler{
		auth:     auth,
		registry: registry,
		rbac:     rbacSvc,
		audit:    auditSvc,
		config:   configSvc,
		users:    users,
		logger:   logger,
	}
	h.methods = map[string]methodFunc{
		"server.add":    h.serverAdd,
		"server.list":   h.serverList,
		"server.get":    h.serverGet,
		"server.update": h.serverUpdate,
		"server.remove": h.serverRemove,
		"server.test":   h.serverTest,

		"oauth.provider.add":    h.providerAdd,
		"oauth.provider.list":   h.providerList,
		"oauth.provider.remove": h.providerRemove,

		"role.list":   h.roleList,
		"role.create": h.roleCreate,
		"role.update": h.roleUpdate,
		"role.delete": h.roleDelete,

		"user.list":        h.userList,
		"user.assign_role": h.userAssignRole,
		"user.revoke_role": h.userRevokeRole,

		"acl.set":   h.aclSet,
		"acl.clear": h.aclClear,

		"group.set":    h.groupSet,
		"group.list":   h.groupList,
		"group.remove": h.groupRemove,

		"audit.query":      h.auditQuery,
		"audit.statistics": h.auditStatistics,

		"config.get": h.configGet,
		"config.set": h.configSet,
	}
	return h
}

// request is the JSON-RPC envelope on the management endpoint. Only single
// requests are accepted, matching the MCP endpoint.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxManageBodySize))
	if err != nil {
		writeError(w, nil, gwerr.New(gwerr.BadRequest, "request body too large or unreadable"))
		return
	}

	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, gwerr.New(gwerr.BadRequest, "invalid JSON-RPC request"))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeError(w, req.ID, gwerr.New(gwerr.BadRequest, "invalid JSON-RPC request"))
		return
	}

	fn, ok := h.methods[req.Method]
	if !ok {
		writeError(w, req.ID, gwerr.Newf(gwerr.MethodNotFound, "method %s is not supported", req.Method))
		return
	}

	principal := principalFrom(r)
	result, err := fn(r, principal, req.Params)
	if err != nil {
		h.logMethodError(r, req.Method, err)
		writeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, result)
}

func (h *Handler) logMethodError(r *http.Request, method string, err error) {
	logger := h.logger
	if l, ok := r.Context().Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		logger = l
	}
	kind := gwerr.KindOf(err)
	if kind == gwerr.Internal || kind == gwerr.UpstreamError {
		logger.Error("management method failed", "method", method, "error", err)
	} else {
		logger.Debug("management method rejected", "method", method, "error", err)
	}
}

func principalFrom(r *http.Request) *identity.Principal {
	if p, ok := r.Context().Value(ctxkey.PrincipalKey{}).(*identity.Principal); ok {
		return p
	}
	return &identity.Principal{}
}

// decode unmarshals params into dst, mapping failures onto INVALID_PARAMS.
func decode(params json.RawMessage, dst any) error {
	if len(params) == 0 {
		return gwerr.New(gwerr.BadRequest, "params are required")
	}
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return gwerr.Wrap(gwerr.BadRequest, "malformed params", err)
	}
	return nil
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *errorObject    `json:"error,omitempty"`
}

type errorObject struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func writeResult(w http.ResponseWriter, id json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		writeError(w, id, gwerr.Wrap(gwerr.Internal, "response encoding failed", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response{JSONRPC: "2.0", ID: id, Result: raw})
}

func writeError(w http.ResponseWriter, id json.RawMessage, err error) {
	kind := gwerr.KindOf(err)
	if errors.Is(err, identity.ErrUserNotFound) || errors.Is(err, identity.ErrProviderNotFound) {
		kind = gwerr.NotFound
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	_ = json.NewEncoder(w).Encode(response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &errorObject{Code: kind.JSONRPCCode(), Message: gwerr.ClientMessage(err)},
	})
}
