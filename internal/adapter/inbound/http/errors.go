package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/relaygate/relaygate/internal/domain/gwerr"
)

// jsonrpcErrorBody is the wire shape of a JSON-RPC error response.
// The id is echoed byte-faithfully from the request.
type jsonrpcErrorBody struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Error   errorObject     `json:"error"`
}

type errorObject struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// writeJSONRPCError writes a JSON-RPC error with the given HTTP status.
func writeJSONRPCError(w http.ResponseWriter, status int, id json.RawMessage, code int64, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpcErrorBody{
		JSONRPC: "2.0",
		ID:      id,
		Error:   errorObject{Code: code, Message: message},
	})
}

// writeGatewayError maps err through the error taxonomy onto a JSON-RPC
// error response. Upstream JSON-RPC errors are relayed with their original
// code and message.
func writeGatewayError(w http.ResponseWriter, id json.RawMessage, err error) {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		writeJSONRPCError(w, http.StatusOK, id, rpcErr.Code, rpcErr.Message)
		return
	}
	kind := gwerr.KindOf(err)
	writeJSONRPCError(w, kind.HTTPStatus(), id, kind.JSONRPCCode(), gwerr.ClientMessage(err))
}

// writeHTTPError writes a plain JSON error body for non-JSON-RPC endpoints.
func writeHTTPError(w http.ResponseWriter, err error) {
	kind := gwerr.KindOf(err)
	writeJSON(w, kind.HTTPStatus(), map[string]string{
		"error": gwerr.ClientMessage(err),
	})
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
