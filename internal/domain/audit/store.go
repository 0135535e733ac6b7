package audit

import (
	"context"
	"time"
)

// Store is the persistence port for audit events.
type Store interface {
	// Append persists one event. Must be durable before return.
	Append(ctx context.Context, event *Event) error
	// AppendBatch persists a batch of events in one transaction.
	AppendBatch(ctx context.Context, events []*Event) error
	// Query returns events matching the filter, newest first.
	Query(ctx context.Context, filter Filter) ([]*Event, error)
	// Statistics aggregates events in [from, to].
	Statistics(ctx context.Context, from, to time.Time) (*Stats, error)
	// Cleanup deletes events older than the cutoff, returning the count removed.
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
}
