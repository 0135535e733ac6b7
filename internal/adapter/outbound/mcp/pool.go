package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaygate/relaygate/internal/port/outbound"
)

// defaultPoolIdleTTL is how long an unused upstream session is kept before
// the reaper closes it.
const defaultPoolIdleTTL = 10 * time.Minute

// Pool caches one initialized upstream session per server ID. Sessions are
// dialed lazily on first Acquire and closed when idle or invalidated.
type Pool struct {
	dialer  outbound.Dialer
	idleTTL time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*poolEntry

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

type poolEntry struct {
	upstream outbound.Upstream
	lastUsed time.Time

	// initMu serializes the handshake so concurrent Acquires for the same
	// server perform it once.
	initMu      sync.Mutex
	initialized bool
}

// PoolOption is a functional option for configuring Pool.
type PoolOption func(*Pool)

// WithIdleTTL sets how long unused sessions are retained.
func WithIdleTTL(ttl time.Duration) PoolOption {
	return func(p *Pool) { p.idleTTL = ttl }
}

// WithPoolLogger sets the pool's logger.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = logger }
}

// NewPool creates a Pool dialing through dialer.
func NewPool(dialer outbound.Dialer, opts ...PoolOption) *Pool {
	p := &Pool{
		dialer:  dialer,
		idleTTL: defaultPoolIdleTTL,
		logger:  slog.Default(),
		entries: make(map[string]*poolEntry),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns an initialized session for the server, performing the
// handshake if no live session is cached. A failed handshake evicts the
// entry so the next Acquire dials fresh.
func (p *Pool) Acquire(ctx context.Context, serverID, url string) (outbound.Upstream, error) {
	p.mu.Lock()
	entry, ok := p.entries[serverID]
	if !ok {
		entry = &poolEntry{upstream: p.dialer.Dial(url)}
		p.entries[serverID] = entry
	}
	entry.lastUsed = time.Now()
	p.mu.Unlock()

	entry.initMu.Lock()
	defer entry.initMu.Unlock()
	if entry.initialized {
		return entry.upstream, nil
	}
	if _, err := entry.upstream.Initialize(ctx); err != nil {
		p.evict(serverID, entry)
		return nil, fmt.Errorf("initialize upstream session: %w", err)
	}
	entry.initialized = true
	return entry.upstream, nil
}

// Invalidate closes and forgets the session for the server, if any.
func (p *Pool) Invalidate(serverID string) {
	p.mu.Lock()
	entry, ok := p.entries[serverID]
	delete(p.entries, serverID)
	p.mu.Unlock()
	if ok {
		_ = entry.upstream.Close()
	}
}

// StartReaper periodically closes sessions idle longer than the TTL.
// It stops when ctx is cancelled or Close is called.
func (p *Pool) StartReaper(ctx context.Context, interval time.Duration) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				p.reap()
			}
		}
	}()
}

// Close releases all cached sessions and stops the reaper.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()

	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()

	for _, entry := range entries {
		_ = entry.upstream.Close()
	}
	return nil
}

// Len returns the number of cached sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool) evict(serverID string, entry *poolEntry) {
	p.mu.Lock()
	if current, ok := p.entries[serverID]; ok && current == entry {
		delete(p.entries, serverID)
	}
	p.mu.Unlock()
	_ = entry.upstream.Close()
}

func (p *Pool) reap() {
	cutoff := time.Now().Add(-p.idleTTL)

	p.mu.Lock()
	var idle []*poolEntry
	for serverID, entry := range p.entries {
		if entry.lastUsed.Before(cutoff) {
			idle = append(idle, entry)
			delete(p.entries, serverID)
		}
	}
	remaining := len(p.entries)
	p.mu.Unlock()

	for _, entry := range idle {
		_ = entry.upstream.Close()
	}
	if len(idle) > 0 {
		p.logger.Debug("closed idle upstream sessions",
			"closed", len(idle),
			"remaining", remaining)
	}
}

var _ outbound.UpstreamPool = (*Pool)(nil)
