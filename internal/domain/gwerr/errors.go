// Package gwerr defines the closed error taxonomy for the gateway.
// Every failure surfaced to a client maps to one Kind, which carries
// both a JSON-RPC error code and an HTTP status.
package gwerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of gateway failure.
type Kind string

const (
	// BadRequest indicates malformed JSON-RPC or missing fields.
	BadRequest Kind = "BAD_REQUEST"
	// Unauthenticated indicates a missing, invalid, or expired token.
	Unauthenticated Kind = "UNAUTHENTICATED"
	// Forbidden indicates an RBAC or ACL denial.
	Forbidden Kind = "FORBIDDEN"
	// NotFound indicates an unknown session, server, or tool.
	NotFound Kind = "NOT_FOUND"
	// MethodNotFound indicates an unsupported MCP or admin method.
	MethodNotFound Kind = "METHOD_NOT_FOUND"
	// UnsupportedProtocol indicates a protocol version outside the accept set.
	UnsupportedProtocol Kind = "UNSUPPORTED_PROTOCOL"
	// NotInitialized indicates a call before notifications/initialized.
	NotInitialized Kind = "NOT_INITIALIZED"
	// UpstreamError indicates an error returned by an upstream server.
	UpstreamError Kind = "UPSTREAM_ERROR"
	// UpstreamTimeout indicates an upstream deadline was exceeded.
	UpstreamTimeout Kind = "UPSTREAM_TIMEOUT"
	// RateLimited indicates the caller's token bucket is empty.
	RateLimited Kind = "RATE_LIMITED"
	// Conflict indicates a uniqueness violation (e.g. duplicate server URL).
	Conflict Kind = "CONFLICT"
	// Internal indicates an unexpected infrastructure failure.
	Internal Kind = "INTERNAL"
)

// JSON-RPC error codes. Standard codes per JSON-RPC 2.0; domain kinds use
// the implementation-defined -32000..-32099 server error range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	codeUnauthenticated     = -32001
	codeForbidden           = -32003
	codeNotFound            = -32004
	codeUnsupportedProtocol = -32005
	codeNotInitialized      = -32006
	codeUpstreamError       = -32010
	codeUpstreamTimeout     = -32011
	codeRateLimited         = -32012
	codeConflict            = -32013
)

// Error is a gateway error carrying its taxonomy kind.
type Error struct {
	Kind    Kind
	Message string
	// Err is the wrapped cause, recorded in audit but never returned to clients.
	Err error
}

// New creates an Error of the given kind with a client-safe message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted client-safe message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that records cause for diagnostics while exposing
// only message to clients.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from err, or Internal if err is not a gateway error.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return Internal
}

// ClientMessage returns the client-safe message for err. Non-gateway errors
// collapse to a generic message so infrastructure details never leak.
func ClientMessage(err error) string {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Message
	}
	return "internal error"
}

// JSONRPCCode maps a Kind to its JSON-RPC error code.
func (k Kind) JSONRPCCode() int64 {
	switch k {
	case BadRequest:
		return CodeInvalidRequest
	case Unauthenticated:
		return codeUnauthenticated
	case Forbidden:
		return codeForbidden
	case NotFound:
		return codeNotFound
	case MethodNotFound:
		return CodeMethodNotFound
	case UnsupportedProtocol:
		return codeUnsupportedProtocol
	case NotInitialized:
		return codeNotInitialized
	case UpstreamError:
		return codeUpstreamError
	case UpstreamTimeout:
		return codeUpstreamTimeout
	case RateLimited:
		return codeRateLimited
	case Conflict:
		return codeConflict
	default:
		return CodeInternal
	}
}

// HTTPStatus maps a Kind to its HTTP status code.
func (k Kind) HTTPStatus() int {
	switch k {
	case BadRequest, UnsupportedProtocol:
		return http.StatusBadRequest
	case Unauthenticated:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case NotInitialized, Conflict:
		return http.StatusConflict
	case UpstreamError:
		return http.StatusBadGateway
	case UpstreamTimeout:
		return http.StatusGatewayTimeout
	case RateLimited:
		return http.StatusTooManyRequests
	case MethodNotFound:
		return http.StatusOK // JSON-RPC level error, transport succeeds
	default:
		return http.StatusInternalServerError
	}
}
