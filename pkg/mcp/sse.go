package mcp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// ContentTypeJSON is the media type for single-object JSON-RPC responses.
const ContentTypeJSON = "application/json"

// ContentTypeSSE is the media type for streamed JSON-RPC responses.
const ContentTypeSSE = "text/event-stream"

// maxSSEEventSize bounds a single SSE event's data payload.
// Matches the gateway's 1 MiB message limit.
const maxSSEEventSize = 1 << 20

// SSEWriter emits JSON-RPC messages as Server-Sent Events.
// Each message is written as "data: <json>\n\n" and flushed immediately.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSEWriter prepares w for SSE emission, setting the stream headers.
// Returns an error if w does not support flushing.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", ContentTypeSSE)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent writes one complete JSON-RPC message as an SSE data event.
func (s *SSEWriter) WriteEvent(data []byte) error {
	// Data must be a single line; JSON-RPC messages never contain raw newlines
	// after encoding, but normalize defensively.
	data = bytes.ReplaceAll(data, []byte("\n"), nil)
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteComment writes an SSE comment line, used to establish the stream.
func (s *SSEWriter) WriteComment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// SSEReader parses an SSE stream into complete JSON-RPC payloads.
// Only "data:" fields are significant; event names and ids are ignored,
// and multi-line data fields within one event are concatenated per the
// SSE specification.
type SSEReader struct {
	scanner *bufio.Scanner
	pending bytes.Buffer
}

// NewSSEReader wraps r for SSE event parsing.
func NewSSEReader(r io.Reader) *SSEReader {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxSSEEventSize)
	return &SSEReader{scanner: scanner}
}

// Next returns the data payload of the next event, or io.EOF at stream end.
func (r *SSEReader) Next() ([]byte, error) {
	r.pending.Reset()
	sawData := false

	for r.scanner.Scan() {
		line := r.scanner.Bytes()

		// Blank line terminates the event.
		if len(bytes.TrimSpace(line)) == 0 {
			if sawData {
				out := make([]byte, r.pending.Len())
				copy(out, r.pending.Bytes())
				return out, nil
			}
			continue
		}

		// Comment lines start with a colon.
		if line[0] == ':' {
			continue
		}

		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			rest = bytes.TrimPrefix(rest, []byte(" "))
			if sawData {
				r.pending.WriteByte('\n')
			}
			r.pending.Write(rest)
			sawData = true
		}
		// Other fields (event:, id:, retry:) are ignored.
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	if sawData {
		// Stream ended without a trailing blank line; emit what we have.
		out := make([]byte, r.pending.Len())
		copy(out, r.pending.Bytes())
		return out, nil
	}
	return nil, io.EOF
}
