package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UsageEvent is one append-only record that an attachment was archived.
// SourceID is the sole deduplication anchor; the content hash and destination
// path ride along as audit metadata.
type UsageEvent struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	Service         string    `json:"service"`
	Metric          string    `json:"metric"`
	Quantity        int64     `json:"quantity"`
	SourceID        string    `json:"source_id"`
	FileName        string    `json:"file_name"`
	FileSize        int64     `json:"file_size"`
	ContentHash     string    `json:"content_hash"`
	DestinationPath string    `json:"destination_path"`
	WebURL          string    `json:"web_url"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// UsageFilter narrows usage queries. Zero values mean "no constraint".
type UsageFilter struct {
	Service string
	Metric  string
	Since   time.Time
	Until   time.Time
}

// UsageAggregate is the read-side rollup of a tenant's usage events.
type UsageAggregate struct {
	TotalEvents   int64            `json:"total_events"`
	TotalQuantity int64            `json:"total_quantity"`
	PerMetric     map[string]int64 `json:"per_metric"`
}

// UsageExists reports whether a usage event for the source id is already
// recorded for the tenant. This is the deduplication gate checked before any
// upload is attempted.
func (s *Store) UsageExists(ctx context.Context, tenantID, sourceID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM usage_events WHERE tenant_id = ? AND source_id = ?
	`, tenantID, sourceID).Scan(&one)
	if err == nil {
		return true, nil
	}
	if err == sql.ErrNoRows {
		return false, nil
	}
	return false, fmt.Errorf("usage exists check: %w", err)
}

// InsertUsageEvent appends a usage event and its outbox row in one
// transaction. A second insert for the same (tenant, source) fails the
// uniqueness constraint and returns ErrDuplicate; nothing is written in that
// case, the outbox row included.
func (s *Store) InsertUsageEvent(ctx context.Context, ev *UsageEvent, subject, eventType string, payload []byte, msgID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_events
		(id, tenant_id, service, metric, quantity, source_id, file_name, file_size, content_hash, destination_path, web_url, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.TenantID, ev.Service, ev.Metric, ev.Quantity, ev.SourceID,
		ev.FileName, ev.FileSize, ev.ContentHash, ev.DestinationPath, ev.WebURL, ev.OccurredAt.Unix())
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, subject, eventType, payload, msgID, now)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}

	return tx.Commit()
}

// ListUsageEvents returns a tenant's usage events matching the filter, newest
// first.
func (s *Store) ListUsageEvents(ctx context.Context, tenantID string, f UsageFilter) ([]*UsageEvent, error) {
	query, args := usageQuery(`
		SELECT id, tenant_id, service, metric, quantity, source_id, file_name, file_size, content_hash, destination_path, web_url, occurred_at
		FROM usage_events`, tenantID, f)
	query += " ORDER BY occurred_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage events: %w", err)
	}
	defer rows.Close()

	var events []*UsageEvent
	for rows.Next() {
		var ev UsageEvent
		var occurred int64
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.Service, &ev.Metric, &ev.Quantity, &ev.SourceID,
			&ev.FileName, &ev.FileSize, &ev.ContentHash, &ev.DestinationPath, &ev.WebURL, &occurred); err != nil {
			return nil, fmt.Errorf("scan usage event: %w", err)
		}
		ev.OccurredAt = time.Unix(occurred, 0).UTC()
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// AggregateUsage rolls up a tenant's usage events matching the filter.
func (s *Store) AggregateUsage(ctx context.Context, tenantID string, f UsageFilter) (*UsageAggregate, error) {
	agg := &UsageAggregate{PerMetric: make(map[string]int64)}

	query, args := usageQuery(`
		SELECT metric, COUNT(*), COALESCE(SUM(quantity), 0)
		FROM usage_events`, tenantID, f)
	query += " GROUP BY metric"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate usage: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var metric string
		var count, quantity int64
		if err := rows.Scan(&metric, &count, &quantity); err != nil {
			return nil, fmt.Errorf("scan usage aggregate: %w", err)
		}
		agg.PerMetric[metric] = count
		agg.TotalEvents += count
		agg.TotalQuantity += quantity
	}
	return agg, rows.Err()
}

func usageQuery(base, tenantID string, f UsageFilter) (string, []any) {
	query := base + " WHERE tenant_id = ?"
	args := []any{tenantID}
	if f.Service != "" {
		query += " AND service = ?"
		args = append(args, f.Service)
	}
	if f.Metric != "" {
		query += " AND metric = ?"
		args = append(args, f.Metric)
	}
	if !f.Since.IsZero() {
		query += " AND occurred_at >= ?"
		args = append(args, f.Since.Unix())
	}
	if !f.Until.IsZero() {
		query += " AND occurred_at <= ?"
		args = append(args, f.Until.Unix())
	}
	return query, args
}
