package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaygate/relaygate/internal/adapter/inbound/admin"
	gatehttp "github.com/relaygate/relaygate/internal/adapter/inbound/http"
	mcpclient "github.com/relaygate/relaygate/internal/adapter/outbound/mcp"
	"github.com/relaygate/relaygate/internal/adapter/outbound/memory"
	"github.com/relaygate/relaygate/internal/adapter/outbound/sqlite"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/crypto"
	"github.com/relaygate/relaygate/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway",
	Long: `Start the relaygate server.

The gateway listens on HOST:PORT and serves:

  /mcp       the aggregated MCP endpoint (Streamable HTTP)
  /manage    the management JSON-RPC API
  /auth/*    OAuth login, callback, and session endpoints
  /healthz   liveness
  /metrics   Prometheus metrics

Examples:
  # Start with environment configuration
  JWT_SECRET=... relaygate start

  # Start with a specific config file
  relaygate --config /path/to/relaygate.yaml start`,
	RunE:         runStart,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return &exitError{code: exitConfig, err: fmt.Errorf("configuration invalid: %w", err)}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))

	// stop() restores default signal handling so a second Ctrl+C is a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("relaygate stopped")
	return nil
}

// run wires all components together and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	gatehttp.Version = Version

	store, err := sqlite.Open(ctx, cfg.DBPath, logger)
	if err != nil {
		return &exitError{code: exitStore, err: fmt.Errorf("open store %s: %w", cfg.DBPath, err)}
	}
	defer func() { _ = store.Close() }()

	key, err := crypto.LoadOrCreateKey(cfg.EncryptionKeyFile)
	if err != nil {
		return &exitError{code: exitCrypto, err: fmt.Errorf("encryption key: %w", err)}
	}
	secrets, err := crypto.NewSecretBox(key)
	if err != nil {
		return &exitError{code: exitCrypto, err: fmt.Errorf("encryption key: %w", err)}
	}

	// Audit pipeline first: every other service emits into it.
	auditSvc := service.NewAuditService(store, logger)
	auditSvc.Start(ctx)
	defer auditSvc.Stop()

	configSvc, err := service.NewConfigService(ctx, store, cfg.Settings, auditSvc, logger)
	if err != nil {
		return &exitError{code: exitStore, err: fmt.Errorf("load settings: %w", err)}
	}
	auditSvc.StartRetention(ctx, time.Hour, func() int {
		return configSvc.Current().RetentionDays
	})

	rbacSvc := service.NewRBACService(store, auditSvc, logger)

	flows := memory.NewFlowStore(config.DefaultFlowTTL)
	flows.StartGC(ctx, time.Minute)
	defer flows.Stop()

	publicURL := cfg.PublicURL
	if publicURL == "" {
		publicURL = "http://" + cfg.Addr()
	}
	authSvc := service.NewAuthService(
		store, store, flows, rbacSvc, secrets, configSvc, auditSvc, logger,
		[]byte(cfg.JWTSecret), publicURL,
		service.WithLocalAdmin(cfg.AdminPasswordHash),
	)

	// Upstream plane: dialer, pooled sessions, catalog, registry.
	dialer := mcpclient.NewDialer()
	pool := mcpclient.NewPool(dialer, mcpclient.WithPoolLogger(logger))
	pool.StartReaper(ctx, time.Minute)
	defer func() { _ = pool.Close() }()

	aggregator := service.NewAggregator(store, store, rbacSvc, pool, auditSvc, logger)
	registrySvc := service.NewRegistryService(store, store, dialer, pool, aggregator, auditSvc, logger)
	aggregator.SetRefresher(registrySvc)

	registrySvc.WarmCatalog(ctx)
	registrySvc.StartRefreshLoop(ctx, service.DefaultRefreshInterval)

	sessionStore := memory.NewSessionStore()
	sessionSvc := service.NewSessionService(sessionStore, config.DefaultSessionIdleTTL, logger)
	sessionSvc.StartReaper(ctx, time.Minute)

	limiter := memory.NewRateLimiter()
	limiter.StartCleanup(ctx)
	defer limiter.Stop()

	manage := admin.NewHandler(authSvc, registrySvc, rbacSvc, auditSvc, configSvc, store, logger)

	server := gatehttp.NewServer(gatehttp.ServerDeps{
		Logger:         logger,
		Config:         configSvc,
		Auth:           authSvc,
		RBAC:           rbacSvc,
		Sessions:       sessionSvc,
		Aggregator:     aggregator,
		Auditor:        auditSvc,
		Limiter:        limiter,
		Manage:         manage,
		UIDir:          cfg.UIDir,
		UIRedirectPath: cfg.UIRedirectPath,
		RequestTimeout: config.DefaultRequestTimeout,
	})
	server.StartGauges(ctx, 15*time.Second, sessionStore.Len)

	logger.Info("relaygate listening",
		"addr", cfg.Addr(),
		"db", cfg.DBPath,
		"version", Version,
	)
	return server.ListenAndServe(ctx, cfg.Addr())
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
