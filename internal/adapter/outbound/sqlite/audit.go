package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/relaygate/relaygate/internal/domain/audit"
)

// defaultAuditQueryLimit bounds unbounded audit queries.
const defaultAuditQueryLimit = 100

// maxAuditQueryLimit caps the page size a caller may request.
const maxAuditQueryLimit = 1000

// Append persists one audit event durably.
func (s *Store) Append(ctx context.Context, event *audit.Event) error {
	return s.AppendBatch(ctx, []*audit.Event{event})
}

// AppendBatch persists a batch of events in one transaction.
func (s *Store) AppendBatch(ctx context.Context, events []*audit.Event) error {
	if len(events) == 0 {
		return nil
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO audit_events
				(id, ts, kind, severity, user_id, user_email, ip, resource_type, resource_id, action, details, success)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, event := range events {
			details, err := json.Marshal(audit.RedactDetails(event.Details))
			if err != nil {
				details = []byte(`{}`)
			}
			if _, err := stmt.ExecContext(ctx,
				event.ID, timeToDB(event.Timestamp), string(event.Kind), string(event.Severity),
				event.UserID, event.UserEmail, event.IP,
				event.ResourceType, event.ResourceID, event.Action,
				string(details), boolToDB(event.Success)); err != nil {
				return fmt.Errorf("insert audit event: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// Query returns events matching the filter, newest first.
func (s *Store) Query(ctx context.Context, filter audit.Filter) ([]*audit.Event, error) {
	var (
		conds []string
		args  []any
	)
	if !filter.From.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, timeToDB(filter.From))
	}
	if !filter.To.IsZero() {
		conds = append(conds, "ts <= ?")
		args = append(args, timeToDB(filter.To))
	}
	if filter.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.UserEmail != "" {
		conds = append(conds, "user_email = ?")
		args = append(args, filter.UserEmail)
	}

	query := `
		SELECT id, ts, kind, severity, user_id, user_email, ip, resource_type, resource_id, action, details, success
		FROM audit_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?"

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAuditQueryLimit
	}
	if limit > maxAuditQueryLimit {
		limit = maxAuditQueryLimit
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*audit.Event
	for rows.Next() {
		var (
			event   audit.Event
			ts      int64
			kind    string
			sev     string
			details string
			success int
		)
		if err := rows.Scan(&event.ID, &ts, &kind, &sev, &event.UserID, &event.UserEmail,
			&event.IP, &event.ResourceType, &event.ResourceID, &event.Action,
			&details, &success); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		event.Timestamp = timeFromDB(ts)
		event.Kind = audit.Kind(kind)
		event.Severity = audit.Severity(sev)
		event.Success = success != 0
		if err := json.Unmarshal([]byte(details), &event.Details); err != nil {
			event.Details = map[string]any{}
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}

// Statistics aggregates event counts in [from, to].
func (s *Store) Statistics(ctx context.Context, from, to time.Time) (*audit.Stats, error) {
	stats := &audit.Stats{
		ByKind:     make(map[audit.Kind]int64),
		BySeverity: make(map[audit.Severity]int64),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, severity, success, COUNT(*)
		FROM audit_events
		WHERE ts >= ? AND ts <= ?
		GROUP BY kind, severity, success`,
		timeToDB(from), timeToDB(to))
	if err != nil {
		return nil, fmt.Errorf("audit statistics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			kind    string
			sev     string
			success int
			count   int64
		)
		if err := rows.Scan(&kind, &sev, &success, &count); err != nil {
			return nil, fmt.Errorf("scan statistics: %w", err)
		}
		stats.Total += count
		stats.ByKind[audit.Kind(kind)] += count
		stats.BySeverity[audit.Severity(sev)] += count
		if success == 0 {
			stats.Failures += count
		}
	}
	return stats, rows.Err()
}

// Cleanup deletes events older than the cutoff.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	var deleted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM audit_events WHERE ts < ?`, timeToDB(olderThan))
		if err != nil {
			return fmt.Errorf("cleanup audit: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}
