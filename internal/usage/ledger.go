// Package usage is the billable-usage ledger: an append-only, deduplicated
// record of archived attachments, fed to the downstream biller through a
// transactional outbox and NATS JetStream.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atticmail/atticmail/internal/store"
)

// Ledger service/metric names for the archival pipeline.
const (
	ServiceName = "mail-archive"
	MetricName  = "attachment_archived"
)

// SourceID derives the deduplication anchor for a message attachment. It is a
// pure function of the provider ids, so reprocessing the same attachment
// always lands on the same key.
func SourceID(messageID, attachmentID string) string {
	return messageID + "_" + attachmentID
}

// Event describes one archived attachment.
type Event struct {
	SourceID        string
	FileName        string
	FileSize        int64
	ContentHash     string
	DestinationPath string
	WebURL          string
	OccurredAt      time.Time
}

// Ledger records and reads usage events.
type Ledger struct {
	store *store.Store
	log   *zap.Logger
}

// NewLedger creates the usage ledger service.
func NewLedger(st *store.Store, log *zap.Logger) *Ledger {
	return &Ledger{store: st, log: log}
}

// Exists reports whether the source id is already archived for the tenant.
// Must be checked before any upload is attempted.
func (l *Ledger) Exists(ctx context.Context, tenantID, sourceID string) (bool, error) {
	return l.store.UsageExists(ctx, tenantID, sourceID)
}

// Record appends a usage event and queues it for publication in one
// transaction. A concurrent recorder racing on the same source id loses the
// uniqueness constraint and gets store.ErrDuplicate; callers treat that as
// already done.
func (l *Ledger) Record(ctx context.Context, tenantID string, ev Event) error {
	row := &store.UsageEvent{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		Service:         ServiceName,
		Metric:          MetricName,
		Quantity:        1,
		SourceID:        ev.SourceID,
		FileName:        ev.FileName,
		FileSize:        ev.FileSize,
		ContentHash:     ev.ContentHash,
		DestinationPath: ev.DestinationPath,
		WebURL:          ev.WebURL,
		OccurredAt:      ev.OccurredAt,
	}

	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}

	subject := fmt.Sprintf("tenant.%s.usage.archived", tenantID)
	msgID := fmt.Sprintf("usage|%s|%s", tenantID, ev.SourceID)

	if err := l.store.InsertUsageEvent(ctx, row, subject, MetricName, payload, msgID); err != nil {
		return err
	}

	l.log.Info("usage recorded",
		zap.String("tenant_id", tenantID),
		zap.String("source_id", ev.SourceID),
		zap.String("path", ev.DestinationPath))
	return nil
}

// List returns a tenant's usage events matching the filter.
func (l *Ledger) List(ctx context.Context, tenantID string, f store.UsageFilter) ([]*store.UsageEvent, error) {
	return l.store.ListUsageEvents(ctx, tenantID, f)
}

// Aggregate rolls up a tenant's usage events matching the filter.
func (l *Ledger) Aggregate(ctx context.Context, tenantID string, f store.UsageFilter) (*store.UsageAggregate, error) {
	return l.store.AggregateUsage(ctx, tenantID, f)
}
