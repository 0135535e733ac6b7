// Package service provides the business logic services of the gateway.
package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relaygate/relaygate/internal/domain/audit"
)

// AuditService provides async audit logging with a buffered channel and a
// background writer. Tool calls are logged without blocking the hot path.
// Security events bypass the channel and are written synchronously so they
// can never be dropped.
type AuditService struct {
	store         audit.Store
	events        chan *audit.Event
	wg            sync.WaitGroup
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	channelSize int
	sendTimeout time.Duration // 0 = drop immediately, >0 = block up to this duration
	dropCount   atomic.Int64

	warningThreshold int          // channel depth percentage that triggers a warning
	lastWarning      atomic.Int64 // rate-limits warning logs (Unix nanos)
}

// AuditOption configures AuditService.
type AuditOption func(*AuditService)

// WithBatchSize sets the number of events to batch before writing.
func WithBatchSize(size int) AuditOption {
	return func(s *AuditService) {
		s.batchSize = size
	}
}

// WithFlushInterval sets the interval to flush pending events.
func WithFlushInterval(interval time.Duration) AuditOption {
	return func(s *AuditService) {
		s.flushInterval = interval
	}
}

// WithChannelSize sets the size of the audit channel buffer.
func WithChannelSize(size int) AuditOption {
	return func(s *AuditService) {
		s.events = make(chan *audit.Event, size)
		s.channelSize = size
	}
}

// WithSendTimeout sets the backpressure timeout. 0 drops immediately when
// the channel is full; >0 blocks up to this duration before dropping.
func WithSendTimeout(timeout time.Duration) AuditOption {
	return func(s *AuditService) {
		s.sendTimeout = timeout
	}
}

// NewAuditService creates an AuditService writing through store.
func NewAuditService(store audit.Store, logger *slog.Logger, opts ...AuditOption) *AuditService {
	const defaultChannelSize = 1000
	s := &AuditService{
		store:            store,
		events:           make(chan *audit.Event, defaultChannelSize),
		logger:           logger,
		batchSize:        100,
		flushInterval:    time.Second,
		channelSize:      defaultChannelSize,
		sendTimeout:      100 * time.Millisecond,
		warningThreshold: 80,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the background writer that batches and persists events.
func (s *AuditService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Emit records one audit event. Missing ID, Timestamp, and Severity are
// filled in. Security events and admin configuration mutations are
// persisted synchronously; everything else goes through the async writer
// with bounded backpressure.
func (s *AuditService) Emit(ctx context.Context, event *audit.Event) {
	s.prepare(event)

	if event.Kind.IsSecurity() || event.Kind.IsMutation() {
		if err := s.store.Append(ctx, event); err != nil {
			s.logger.Error("failed to write synchronous audit event",
				"kind", event.Kind,
				"error", err)
		}
		return
	}

	if s.warningThreshold > 0 {
		depth := len(s.events)
		if depth >= s.channelSize*s.warningThreshold/100 {
			s.warnChannelDepth(depth)
		}
	}

	select {
	case s.events <- event:
		return
	default:
	}

	if s.sendTimeout <= 0 {
		s.recordDrop(event)
		return
	}

	select {
	case s.events <- event:
	case <-time.After(s.sendTimeout):
		s.recordDrop(event)
	}
}

// Query returns events matching the filter, newest first.
func (s *AuditService) Query(ctx context.Context, filter audit.Filter) ([]*audit.Event, error) {
	return s.store.Query(ctx, filter)
}

// Statistics aggregates events in [from, to].
func (s *AuditService) Statistics(ctx context.Context, from, to time.Time) (*audit.Stats, error) {
	return s.store.Statistics(ctx, from, to)
}

// StartRetention runs periodic cleanup of events older than the retention
// window. retentionDays is read on every sweep so config changes apply
// without restart.
func (s *AuditService) StartRetention(ctx context.Context, interval time.Duration, retentionDays func() int) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				days := retentionDays()
				if days <= 0 {
					continue
				}
				cutoff := time.Now().AddDate(0, 0, -days)
				deleted, err := s.store.Cleanup(ctx, cutoff)
				if err != nil {
					s.logger.Error("audit retention cleanup failed", "error", err)
					continue
				}
				if deleted > 0 {
					s.logger.Info("audit retention cleanup",
						"deleted", deleted,
						"older_than", cutoff.Format(time.RFC3339))
				}
			}
		}
	}()
}

// DroppedEvents returns the total number of dropped events.
func (s *AuditService) DroppedEvents() int64 {
	return s.dropCount.Load()
}

// ChannelDepth returns the current channel usage.
func (s *AuditService) ChannelDepth() int {
	return len(s.events)
}

// Stop signals the writer to stop and waits for it to finish.
// Pending events are flushed before returning.
func (s *AuditService) Stop() {
	close(s.events)
	s.wg.Wait()
}

func (s *AuditService) prepare(event *audit.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = audit.SeverityInfo
	}
}

func (s *AuditService) recordDrop(event *audit.Event) {
	drops := s.dropCount.Add(1)
	s.logger.Warn("audit event dropped",
		"kind", event.Kind,
		"action", event.Action,
		"total_drops", drops)
}

// warnChannelDepth logs a capacity warning, rate-limited to once per second.
func (s *AuditService) warnChannelDepth(depth int) {
	now := time.Now().UnixNano()
	last := s.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if s.lastWarning.CompareAndSwap(last, now) {
		s.logger.Warn("audit channel approaching capacity",
			"depth", depth,
			"capacity", s.channelSize,
			"percent", depth*100/s.channelSize)
	}
}

// worker collects and flushes audit events until the channel closes or the
// context is cancelled.
func (s *AuditService) worker(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]*audit.Event, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-s.events:
			if !ok {
				if len(batch) > 0 {
					flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					s.flush(flushCtx, batch)
					cancel()
				}
				return
			}
			batch = append(batch, event)
			if len(batch) >= s.batchSize {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			// Drain whatever is already buffered, then flush with a
			// bounded deadline.
			for {
				select {
				case event, ok := <-s.events:
					if ok {
						batch = append(batch, event)
						continue
					}
				default:
				}
				break
			}
			if len(batch) > 0 {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				s.flush(flushCtx, batch)
				cancel()
			}
			return
		}
	}
}

// flush writes a batch to the store. Errors are logged, never propagated;
// audit must not fail gateway operations.
func (s *AuditService) flush(ctx context.Context, batch []*audit.Event) {
	if err := s.store.AppendBatch(ctx, batch); err != nil {
		s.logger.Error("failed to write audit batch",
			"error", err,
			"count", len(batch))
	}
}
