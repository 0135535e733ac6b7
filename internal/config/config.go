// Package config provides configuration types and loading for relaygate.
//
// Configuration has two layers: process configuration (listen address, file
// paths, secrets) comes from the environment and an optional YAML file;
// gateway settings (allowed origins, token TTL, rate limit, audit retention)
// are persisted in the store and overridable by environment variables.
package config

import (
	"time"
)

// Config is the process configuration resolved at startup.
type Config struct {
	// Host is the listen address. Env: HOST.
	Host string `mapstructure:"host" validate:"required"`
	// Port is the listen port. Env: PORT.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`
	// LogLevel is one of debug, info, warn, error. Env: LOG_LEVEL.
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	// JWTSecret signs access tokens. Env: JWT_SECRET. Required.
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=32"`
	// EncryptionKeyFile is the path to the symmetric key file. Env: ENCRYPTION_KEY_FILE.
	EncryptionKeyFile string `mapstructure:"encryption_key_file" validate:"required"`
	// DBPath is the SQLite database file path. Env: DB_PATH.
	DBPath string `mapstructure:"db_path" validate:"required"`
	// UIDir is the directory of static web UI assets; empty disables serving.
	UIDir string `mapstructure:"ui_dir"`
	// PublicURL is the externally visible base URL, used for OAuth redirect URIs.
	PublicURL string `mapstructure:"public_url"`
	// UIRedirectPath is where the browser lands after login, token in fragment.
	UIRedirectPath string `mapstructure:"ui_redirect_path"`
	// AdminPasswordHash is an Argon2id hash enabling the break-glass local
	// admin login; empty disables it. Env: ADMIN_PASSWORD_HASH.
	AdminPasswordHash string `mapstructure:"admin_password_hash"`

	// Settings are the environment-level overrides for persisted settings.
	// Zero values mean "no override"; the persisted value applies.
	Settings SettingsOverride `mapstructure:",squash"`
}

// SettingsOverride carries environment overrides for persisted settings.
type SettingsOverride struct {
	// TokenTTLMinutes overrides token_ttl_seconds. Env: TOKEN_TTL_MINUTES.
	TokenTTLMinutes int `mapstructure:"token_ttl_minutes" validate:"omitempty,min=1"`
	// RateLimitRPM overrides rate_limit_rpm. Env: RATE_LIMIT_RPM.
	RateLimitRPM int `mapstructure:"rate_limit_rpm" validate:"omitempty,min=1"`
	// AllowedOrigins overrides allowed_origins (CSV). Env: ALLOWED_ORIGINS.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// AuditRetentionDays overrides retention_days. Env: AUDIT_RETENTION_DAYS.
	AuditRetentionDays int `mapstructure:"audit_retention_days" validate:"omitempty,min=1"`
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return joinHostPort(c.Host, c.Port)
}

// Default durations for in-memory state.
const (
	// DefaultSessionIdleTTL reaps idle MCP sessions.
	DefaultSessionIdleTTL = 30 * time.Minute
	// DefaultFlowTTL expires pending OAuth login flows.
	DefaultFlowTTL = 10 * time.Minute
	// DefaultRefreshInterval bounds opportunistic capability refresh per server.
	DefaultRefreshInterval = 15 * time.Minute
	// DefaultRequestTimeout is the baseline non-streaming request timeout.
	DefaultRequestTimeout = 60 * time.Second
	// DefaultStreamIdleTimeout is the idle read timeout on streaming responses.
	DefaultStreamIdleTimeout = 120 * time.Second
	// DefaultProviderTimeout is the per-call timeout toward OAuth providers.
	DefaultProviderTimeout = 10 * time.Second
)
