// Package ctxkey holds shared context key types so that packages can pass
// request-scoped values without import cycles.
package ctxkey

// LoggerKey is the context key for the request-enriched slog.Logger.
type LoggerKey struct{}

// RequestIDKey is the context key for the request ID string.
type RequestIDKey struct{}

// PrincipalKey is the context key for the authenticated *identity.Principal.
type PrincipalKey struct{}

// ClientIPKey is the context key for the client's real IP string.
type ClientIPKey struct{}
