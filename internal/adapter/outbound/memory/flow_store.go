package memory

import (
	"context"
	"sync"
	"time"

	"github.com/relaygate/relaygate/internal/domain/identity"
)

// FlowStore is a thread-safe TTL map of pending OAuth flows.
// Expired flows are dropped lazily on access and by the GC loop.
type FlowStore struct {
	mu    sync.Mutex
	flows map[string]*identity.OAuthFlow
	ttl   time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewFlowStore creates a FlowStore with the given flow TTL.
func NewFlowStore(ttl time.Duration) *FlowStore {
	return &FlowStore{
		flows: make(map[string]*identity.OAuthFlow),
		ttl:   ttl,
		stop:  make(chan struct{}),
	}
}

// Put stores a pending flow keyed by its state.
func (s *FlowStore) Put(ctx context.Context, flow *identity.OAuthFlow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *flow
	s.flows[flow.State] = &cp
	return nil
}

// Take retrieves and consumes the flow. Expired or unknown states return
// identity.ErrFlowNotFound; a state can never be redeemed twice.
func (s *FlowStore) Take(ctx context.Context, state string) (*identity.OAuthFlow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	flow, ok := s.flows[state]
	if !ok {
		return nil, identity.ErrFlowNotFound
	}
	delete(s.flows, state)
	if time.Since(flow.CreatedAt) > s.ttl {
		return nil, identity.ErrFlowNotFound
	}
	return flow, nil
}

// StartGC runs periodic expiry sweeps until ctx is cancelled or Stop is called.
func (s *FlowStore) StartGC(ctx context.Context, interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// Stop terminates the GC loop and waits for it to exit.
func (s *FlowStore) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *FlowStore) sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for state, flow := range s.flows {
		if now.Sub(flow.CreatedAt) > s.ttl {
			delete(s.flows, state)
		}
	}
}

var _ identity.FlowStore = (*FlowStore)(nil)
