// Package http provides the inbound HTTP transport: the MCP endpoint, the
// auth plane, the management API mount, and operational endpoints.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaygate/relaygate/internal/domain/ratelimit"
	"github.com/relaygate/relaygate/internal/service"
)

// Version is the gateway version reported on /healthz and in handshakes.
// Overridden at build time via -ldflags.
var Version = "dev"

// Server is the inbound HTTP adapter.
type Server struct {
	logger     *slog.Logger
	config     *service.ConfigService
	auth       *service.AuthService
	rbac       *service.RBACService
	sessions   *service.SessionService
	aggregator *service.Aggregator
	auditor    service.Auditor
	limiter    ratelimit.Limiter
	metrics    *Metrics
	registry   *prometheus.Registry

	manage         http.Handler
	uiDir          string
	uiRedirectPath string
	requestTimeout time.Duration

	lastRateAudit atomic.Int64

	httpServer *http.Server
}

// ServerDeps carries the collaborators for NewServer.
type ServerDeps struct {
	Logger         *slog.Logger
	Config         *service.ConfigService
	Auth           *service.AuthService
	RBAC           *service.RBACService
	Sessions       *service.SessionService
	Aggregator     *service.Aggregator
	Auditor        service.Auditor
	Limiter        ratelimit.Limiter
	Manage         http.Handler
	UIDir          string
	UIRedirectPath string
	RequestTimeout time.Duration
}

// NewServer creates the inbound HTTP server and registers its metrics.
func NewServer(deps ServerDeps) *Server {
	registry := prometheus.NewRegistry()
	timeout := deps.RequestTimeout
	if timeout <= 0 {
		timeout = service.DefaultRequestTimeout
	}
	return &Server{
		logger:         deps.Logger,
		config:         deps.Config,
		auth:           deps.Auth,
		rbac:           deps.RBAC,
		sessions:       deps.Sessions,
		aggregator:     deps.Aggregator,
		auditor:        deps.Auditor,
		limiter:        deps.Limiter,
		metrics:        NewMetrics(registry),
		registry:       registry,
		manage:         deps.Manage,
		uiDir:          deps.UIDir,
		uiRedirectPath: deps.UIRedirectPath,
		requestTimeout: timeout,
	}
}

// Metrics exposes the metric set for collaborating components.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Handler builds the route table with the middleware chains applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// MCP endpoint: origin check, bearer auth, then per-user rate limit.
	mux.Handle("/mcp", s.chainAuthed("mcp", http.HandlerFunc(s.handleMCP)))

	// Management API, same chain; per-method permissions are enforced in
	// the handler.
	if s.manage != nil {
		mux.Handle("/manage", s.chainAuthed("manage", s.manage))
	}

	// Auth plane: rate limited by IP, no bearer token.
	mux.Handle("GET /auth/providers", s.chainPublic("auth", http.HandlerFunc(s.handleAuthProviders)))
	mux.Handle("POST /auth/login", s.chainPublic("auth", http.HandlerFunc(s.handleAuthLogin)))
	mux.Handle("GET /auth/callback", s.chainPublic("auth", http.HandlerFunc(s.handleAuthCallback)))
	mux.Handle("GET /auth/user", s.chainAuthed("auth", http.HandlerFunc(s.handleAuthUser)))
	mux.Handle("POST /auth/logout", s.chainAuthed("auth", http.HandlerFunc(s.handleAuthLogout)))

	// Operational endpoints, unauthenticated and unmetered.
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	// Static web UI, when configured.
	if s.uiDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.uiDir)))
	}

	return mux
}

func (s *Server) chainAuthed(endpoint string, h http.Handler) http.Handler {
	return s.requestID(s.checkOrigin(s.observe(endpoint, s.authenticate(s.rateLimit(h)))))
}

func (s *Server) chainPublic(endpoint string, h http.Handler) http.Handler {
	return s.requestID(s.checkOrigin(s.observe(endpoint, s.rateLimitIP(h))))
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": Version,
	})
}

// StartGauges samples the session and catalog gauges until ctx ends.
func (s *Server) StartGauges(ctx context.Context, interval time.Duration, sessionCount func() int) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.metrics.ActiveSessions.Set(float64(sessionCount()))
				s.metrics.CatalogSize.Set(float64(s.aggregator.ToolCount()))
			}
		}
	}()
}

// ListenAndServe runs the server until ctx is cancelled, then drains with
// a bounded shutdown.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: SSE responses hold the connection open.
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
