// Package mcp provides the Streamable HTTP client adapter for connecting
// to upstream MCP servers.
package mcp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/relaygate/relaygate/internal/port/outbound"
	"github.com/relaygate/relaygate/pkg/mcp"
)

const (
	// maxResponseBodySize is the maximum response body size from upstream.
	// Prevents OOM from a malicious upstream sending unbounded responses.
	maxResponseBodySize = 10 * 1024 * 1024 // 10MB

	// maxToolPages bounds tools/list pagination so a misbehaving upstream
	// cannot keep the gateway cursoring forever.
	maxToolPages = 64

	// closeTimeout bounds the best-effort session DELETE on Close.
	closeTimeout = 2 * time.Second
)

// ErrSessionExpired indicates the upstream rejected our session ID.
// The caller should dial a fresh session and retry.
var ErrSessionExpired = errors.New("upstream session expired")

// clientInfo identifies the gateway to upstream servers during initialize.
var clientInfo = mcp.Implementation{Name: "relaygate", Version: "1.0.0"}

// Client is one MCP session with an upstream server over Streamable HTTP.
// Each JSON-RPC call is an HTTP POST; the upstream may answer with a plain
// JSON body or a text/event-stream carrying the response.
type Client struct {
	url        string
	httpClient *http.Client

	mu          sync.Mutex
	sessionID   string // Mcp-Session-Id assigned by the upstream
	protocol    string // negotiated protocol version
	initialized bool

	nextID atomic.Int64
}

// Option is a functional option for configuring Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the per-request timeout for the HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if c.httpClient != nil {
			c.httpClient.Timeout = d
		}
	}
}

// NewClient creates a client for the given upstream MCP endpoint URL.
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url: url,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize performs the MCP handshake. It is idempotent: an already
// initialized session returns its cached result shape.
func (c *Client) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	c.mu.Lock()
	if c.initialized {
		result := &mcp.InitializeResult{ProtocolVersion: c.protocol}
		c.mu.Unlock()
		return result, nil
	}
	c.mu.Unlock()

	params, err := json.Marshal(mcp.InitializeParams{
		ProtocolVersion: mcp.ProtocolVersionBaseline,
		ClientInfo:      clientInfo,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal initialize params: %w", err)
	}

	raw, err := c.rpc(ctx, "initialize", params)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode initialize result: %w", err)
	}
	if result.ProtocolVersion == "" {
		return nil, errors.New("initialize result missing protocolVersion")
	}

	c.mu.Lock()
	c.protocol = result.ProtocolVersion
	c.initialized = true
	c.mu.Unlock()

	// The initialized notification completes the handshake. Upstreams
	// answer 202 Accepted with no body.
	if err := c.notify(ctx, "notifications/initialized"); err != nil {
		c.mu.Lock()
		c.initialized = false
		c.mu.Unlock()
		return nil, fmt.Errorf("initialized notification: %w", err)
	}

	return &result, nil
}

// ListTools fetches the complete tool catalog, following nextCursor until
// the upstream reports no more pages.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	var (
		tools  []mcp.Tool
		cursor string
	)
	for page := 0; page < maxToolPages; page++ {
		params := []byte(`{}`)
		if cursor != "" {
			var err error
			params, err = json.Marshal(map[string]string{"cursor": cursor})
			if err != nil {
				return nil, fmt.Errorf("marshal cursor: %w", err)
			}
		}

		raw, err := c.rpc(ctx, "tools/list", params)
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}

		var result mcp.ListToolsResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("decode tools/list result: %w", err)
		}
		tools = append(tools, result.Tools...)

		if result.NextCursor == "" {
			return tools, nil
		}
		cursor = result.NextCursor
	}
	return nil, fmt.Errorf("tools/list did not terminate after %d pages", maxToolPages)
}

// CallTool invokes a tool by its upstream-native name. A JSON-RPC error
// from the upstream is returned as a *jsonrpc.Error so callers can relay
// code and message.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	params, err := json.Marshal(mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("marshal tools/call params: %w", err)
	}
	return c.rpc(ctx, "tools/call", params)
}

// Close ends the upstream session. If the upstream assigned a session ID,
// a best-effort HTTP DELETE terminates it server-side.
func (c *Client) Close() error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.sessionID = ""
	c.initialized = false
	c.mu.Unlock()

	if sessionID == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Mcp-Session-Id", sessionID)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil // session cleanup is advisory
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	return nil
}

// rpc sends one JSON-RPC request and returns the result member of the
// matching response.
func (c *Client) rpc(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id, err := jsonrpc.MakeID(float64(c.nextID.Add(1)))
	if err != nil {
		return nil, fmt.Errorf("make request id: %w", err)
	}
	req := &jsonrpc.Request{
		ID:     id,
		Method: method,
		Params: params,
	}
	body, err := jsonrpc.EncodeMessage(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	respBody, contentType, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.decodeResponse(respBody, contentType, req.ID)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// notify sends a JSON-RPC notification and discards the (empty) response.
func (c *Client) notify(ctx context.Context, method string) error {
	req := &jsonrpc.Request{Method: method}
	body, err := jsonrpc.EncodeMessage(req)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	_, _, err = c.post(ctx, body)
	return err
}

// post performs one Streamable HTTP exchange and returns the raw response
// body with its content type. 202 Accepted yields an empty body.
func (c *Client) post(ctx context.Context, body []byte) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mcp.ContentTypeJSON)
	req.Header.Set("Accept", mcp.ContentTypeJSON+", "+mcp.ContentTypeSSE)

	c.mu.Lock()
	sessionID := c.sessionID
	protocol := c.protocol
	c.mu.Unlock()
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	if protocol != "" {
		req.Header.Set("MCP-Protocol-Version", protocol)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// The upstream assigns the session ID on the initialize response.
	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	if resp.StatusCode == http.StatusNotFound && sessionID != "" {
		c.mu.Lock()
		c.sessionID = ""
		c.initialized = false
		c.mu.Unlock()
		return nil, "", ErrSessionExpired
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusAccepted {
		return nil, "", nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("http status %d: %s", resp.StatusCode, truncate(respBody, 256))
	}

	contentType := resp.Header.Get("Content-Type")
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	}
	return respBody, contentType, nil
}

// decodeResponse extracts the response matching wantID from a plain JSON
// body or an SSE stream. SSE bodies arrive fully buffered from post,
// capped at maxResponseBodySize: intermediate stream events are consumed
// here and only the final response is handed back, never relayed
// event-by-event to the caller. Server-initiated requests and
// notifications that share the stream are skipped.
func (c *Client) decodeResponse(body []byte, contentType string, wantID jsonrpc.ID) (*jsonrpc.Response, error) {
	switch {
	case strings.EqualFold(contentType, mcp.ContentTypeJSON):
		msg, err := jsonrpc.DecodeMessage(body)
		if err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		resp, ok := msg.(*jsonrpc.Response)
		if !ok {
			return nil, errors.New("upstream sent a request where a response was expected")
		}
		return resp, nil

	case strings.EqualFold(contentType, mcp.ContentTypeSSE):
		reader := mcp.NewSSEReader(bytes.NewReader(body))
		for {
			data, err := reader.Next()
			if errors.Is(err, io.EOF) {
				return nil, errors.New("upstream stream ended without a response")
			}
			if err != nil {
				return nil, fmt.Errorf("read stream: %w", err)
			}
			msg, err := jsonrpc.DecodeMessage(data)
			if err != nil {
				return nil, fmt.Errorf("decode stream event: %w", err)
			}
			resp, ok := msg.(*jsonrpc.Response)
			if !ok {
				continue
			}
			if resp.ID == wantID {
				return resp, nil
			}
		}

	default:
		return nil, fmt.Errorf("unexpected upstream content type %q", contentType)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Dialer creates Streamable HTTP clients with shared settings.
type Dialer struct {
	opts []Option
}

// NewDialer creates a Dialer applying opts to every dialed client.
func NewDialer(opts ...Option) *Dialer {
	return &Dialer{opts: opts}
}

// Dial creates an uninitialized client for the endpoint URL.
func (d *Dialer) Dial(url string) outbound.Upstream {
	return NewClient(url, d.opts...)
}

var (
	_ outbound.Upstream = (*Client)(nil)
	_ outbound.Dialer   = (*Dialer)(nil)
)
