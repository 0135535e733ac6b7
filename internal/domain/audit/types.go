// Package audit contains domain types for the append-only audit log.
package audit

import (
	"strings"
	"time"
)

// Severity ranks audit events.
type Severity string

// Severities, lowest to highest.
const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Kind identifies what happened. Kinds are namespaced by plane.
type Kind string

const (
	KindAuthLoginSuccess Kind = "auth.login.success"
	KindAuthLoginFailure Kind = "auth.login.failure"
	KindAuthTokenIssued  Kind = "auth.token.issued"
	KindAuthLogout       Kind = "auth.logout"

	KindAuthzDenied Kind = "authz.denied"

	KindServerAdded   Kind = "server.added"
	KindServerUpdated Kind = "server.updated"
	KindServerRemoved Kind = "server.removed"
	KindServerTest    Kind = "server.test"

	KindToolInvoked          Kind = "tool.invoked"
	KindToolInvocationFailed Kind = "tool.invocation_failed"

	KindRoleAssigned Kind = "role.assigned"
	KindRoleRevoked  Kind = "role.revoked"
	KindRoleCreated  Kind = "role.created"
	KindRoleUpdated  Kind = "role.updated"
	KindRoleDeleted  Kind = "role.deleted"

	KindOAuthProviderAdded   Kind = "oauth.provider.added"
	KindOAuthProviderRemoved Kind = "oauth.provider.removed"

	KindACLSet     Kind = "acl.set"
	KindACLCleared Kind = "acl.cleared"

	KindGroupMappingSet     Kind = "group.mapping.set"
	KindGroupMappingRemoved Kind = "group.mapping.removed"

	KindConfigChanged Kind = "config.changed"

	KindSecurityRateLimited  Kind = "security.rate_limited"
	KindSecurityOriginDenied Kind = "security.origin_denied"
)

// IsSecurity reports whether the kind belongs to the security namespace.
// Security events must never be dropped by the async writer.
func (k Kind) IsSecurity() bool {
	return strings.HasPrefix(string(k), "security.") ||
		strings.HasPrefix(string(k), "authz.") ||
		k == KindAuthLoginFailure
}

// IsMutation reports whether the kind records an admin configuration
// change. Mutation events must be persisted before the triggering
// request is answered.
func (k Kind) IsMutation() bool {
	switch k {
	case KindServerAdded, KindServerUpdated, KindServerRemoved,
		KindOAuthProviderAdded, KindOAuthProviderRemoved,
		KindRoleCreated, KindRoleUpdated, KindRoleDeleted,
		KindRoleAssigned, KindRoleRevoked,
		KindACLSet, KindACLCleared,
		KindGroupMappingSet, KindGroupMappingRemoved,
		KindConfigChanged:
		return true
	}
	return false
}

// Event is one append-only audit record.
type Event struct {
	// ID is the unique event identifier.
	ID string
	// Timestamp is when the event occurred (UTC).
	Timestamp time.Time
	// Kind categorizes the event.
	Kind Kind
	// Severity ranks the event.
	Severity Severity
	// UserID identifies the acting user, when known.
	UserID string
	// UserEmail is the acting user's email, when known.
	UserEmail string
	// IP is the client source address, when known.
	IP string
	// ResourceType names the affected resource class (server, role, tool, ...).
	ResourceType string
	// ResourceID identifies the affected resource.
	ResourceID string
	// Action names the operation performed.
	Action string
	// Details holds structured context, filtered through RedactDetails.
	Details map[string]any
	// Success records whether the operation succeeded.
	Success bool
}

// Filter selects events for queries. Zero values mean "no constraint".
type Filter struct {
	From      time.Time
	To        time.Time
	Kind      Kind
	Severity  Severity
	UserID    string
	UserEmail string
	// Limit caps the result size; 0 means the store default.
	Limit int
	// Offset skips that many matching events (newest first).
	Offset int
}

// Stats summarizes events over a time range.
type Stats struct {
	Total      int64
	ByKind     map[Kind]int64
	BySeverity map[Severity]int64
	Failures   int64
}

// sensitiveKeywords lists substrings that mark a detail key as sensitive.
// Comparison is case-insensitive. Tokens, secrets, and Authorization
// headers must never be persisted in audit details.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "authorization", "private_key", "privatekey",
	"code_verifier", "cookie",
}

const redactedPlaceholder = "***REDACTED***"

// RedactDetails returns a copy of details with sensitive values masked.
// Nested maps are filtered recursively.
func RedactDetails(details map[string]any) map[string]any {
	if len(details) == 0 {
		return details
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if isSensitiveKey(k) {
			out[k] = redactedPlaceholder
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = RedactDetails(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
