package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedTenant(t *testing.T, s *Store) *Tenant {
	t.Helper()
	tenant, err := s.CreateTenant(context.Background(), "Acme Corp", "standard")
	require.NoError(t, err)
	return tenant
}

func seedConnection(t *testing.T, s *Store, tenantID string) *Connection {
	t.Helper()
	conn, err := s.CreateConnection(context.Background(), tenantID, "contoso.onmicrosoft.com",
		[]string{"Mail.Read", "Files.ReadWrite"}, "atv1.ref-original")
	require.NoError(t, err)
	return conn
}

func TestTenantLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tenant := seedTenant(t, s)
	assert.Equal(t, TenantActive, tenant.Status)

	got, err := s.GetTenant(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", got.Name)
	assert.Equal(t, "standard", got.Plan)

	_, err = s.GetTenant(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.UpdateTenantStatus(ctx, tenant.ID, TenantSuspended))
	got, err = s.GetTenant(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, TenantSuspended, got.Status)

	assert.ErrorIs(t, s.UpdateTenantStatus(ctx, "missing", TenantActive), ErrNotFound)
}

func TestListActiveTenants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	active := seedTenant(t, s)
	suspended, err := s.CreateTenant(ctx, "Globex", "premium")
	require.NoError(t, err)
	require.NoError(t, s.UpdateTenantStatus(ctx, suspended.ID, TenantSuspended))

	all, err := s.ListTenants(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	actives, err := s.ListActiveTenants(ctx)
	require.NoError(t, err)
	require.Len(t, actives, 1)
	assert.Equal(t, active.ID, actives[0].ID)
}

func TestConnectionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tenant := seedTenant(t, s)
	conn := seedConnection(t, s, tenant.ID)
	assert.Equal(t, ConnectionActive, conn.Status)

	got, err := s.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "contoso.onmicrosoft.com", got.ProviderTenantID)
	assert.Equal(t, []string{"Mail.Read", "Files.ReadWrite"}, got.Scopes)
	assert.Equal(t, "atv1.ref-original", got.TokenRef)

	require.NoError(t, s.UpdateConnectionStatus(ctx, conn.ID, ConnectionNeedsReconsent))
	got, err = s.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, ConnectionNeedsReconsent, got.Status)

	conns, err := s.ListConnections(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Len(t, conns, 1)
}

func TestUpdateConnectionTokenRefOrphansOldRef(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tenant := seedTenant(t, s)
	conn := seedConnection(t, s, tenant.ID)

	require.NoError(t, s.UpdateConnectionTokenRef(ctx, conn.ID, "atv1.ref-rotated"))

	got, err := s.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "atv1.ref-rotated", got.TokenRef)

	orphans, err := s.ListOrphanedTokenRefs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, conn.ID, orphans[0].ConnectionID)
	assert.Equal(t, "atv1.ref-original", orphans[0].TokenRef)

	require.NoError(t, s.DeleteOrphanedTokenRef(ctx, orphans[0].ID))
	orphans, err = s.ListOrphanedTokenRefs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	assert.ErrorIs(t, s.UpdateConnectionTokenRef(ctx, "missing", "atv1.x"), ErrNotFound)
}

func TestMailboxLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tenant := seedTenant(t, s)
	conn := seedConnection(t, s, tenant.ID)

	mb, err := s.CreateMailbox(ctx, tenant.ID, conn.ID, "billing@acme.example")
	require.NoError(t, err)
	assert.Equal(t, MailboxActive, mb.Status)
	assert.Empty(t, mb.Cursor)

	// Same address for the same tenant is rejected.
	_, err = s.CreateMailbox(ctx, tenant.ID, conn.ID, "billing@acme.example")
	assert.ErrorIs(t, err, ErrDuplicate)

	// A different tenant may register the same address.
	other := seedTenant(t, s)
	otherConn := seedConnection(t, s, other.ID)
	_, err = s.CreateMailbox(ctx, other.ID, otherConn.ID, "billing@acme.example")
	require.NoError(t, err)

	require.NoError(t, s.UpdateMailboxCursor(ctx, mb.ID, "2026-08-30T10:00:00.123456789Z"))
	got, err := s.GetMailbox(ctx, mb.ID)
	require.NoError(t, err)
	assert.Equal(t, "2026-08-30T10:00:00.123456789Z", got.Cursor)

	require.NoError(t, s.UpdateMailboxStatus(ctx, mb.ID, MailboxPaused))
	actives, err := s.ListActiveMailboxes(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Empty(t, actives)

	all, err := s.ListMailboxes(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testUsageEvent(tenantID, sourceID string, occurred time.Time) *UsageEvent {
	return &UsageEvent{
		ID:              "ev-" + sourceID,
		TenantID:        tenantID,
		Service:         "mail-archive",
		Metric:          "attachment_archived",
		Quantity:        1,
		SourceID:        sourceID,
		FileName:        "invoice.pdf",
		FileSize:        2048,
		ContentHash:     "deadbeef",
		DestinationPath: "/MailAttachments/2026/08/invoice.pdf",
		WebURL:          "https://contoso.example/item",
		OccurredAt:      occurred,
	}
}

func TestInsertUsageEventDeduplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenant := seedTenant(t, s)

	ev := testUsageEvent(tenant.ID, "msg-1_att-1", time.Now().UTC())
	require.NoError(t, s.InsertUsageEvent(ctx, ev, "tenant.t.usage.archived", "usage.archived", []byte(`{}`), "usage|t|msg-1_att-1"))

	exists, err := s.UsageExists(ctx, tenant.ID, "msg-1_att-1")
	require.NoError(t, err)
	assert.True(t, exists)

	// A replay of the same source must not add a second event or outbox row.
	dup := testUsageEvent(tenant.ID, "msg-1_att-1", time.Now().UTC())
	dup.ID = "ev-other"
	assert.ErrorIs(t, s.InsertUsageEvent(ctx, dup, "tenant.t.usage.archived", "usage.archived", []byte(`{}`), "usage|t|msg-1_att-1"), ErrDuplicate)

	events, err := s.ListUsageEvents(ctx, tenant.ID, UsageFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	pending, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	// Same source under another tenant is a distinct event.
	other := seedTenant(t, s)
	otherEv := testUsageEvent(other.ID, "msg-1_att-1", time.Now().UTC())
	otherEv.ID = "ev-tenant2"
	require.NoError(t, s.InsertUsageEvent(ctx, otherEv, "tenant.o.usage.archived", "usage.archived", []byte(`{}`), "usage|o|msg-1_att-1"))
}

func TestUsageExistsForUnknownSource(t *testing.T) {
	s := newTestStore(t)
	tenant := seedTenant(t, s)

	exists, err := s.UsageExists(context.Background(), tenant.ID, "never-seen")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestListAndAggregateUsageFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenant := seedTenant(t, s)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i, src := range []string{"m1_a1", "m1_a2", "m2_a1"} {
		ev := testUsageEvent(tenant.ID, src, base.Add(time.Duration(i)*24*time.Hour))
		require.NoError(t, s.InsertUsageEvent(ctx, ev, "s", "e", []byte(`{}`), "id-"+src))
	}

	all, err := s.ListUsageEvents(ctx, tenant.ID, UsageFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Newest first.
	assert.Equal(t, "m2_a1", all[0].SourceID)

	windowed, err := s.ListUsageEvents(ctx, tenant.ID, UsageFilter{
		Since: base.Add(12 * time.Hour),
		Until: base.Add(36 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	assert.Equal(t, "m1_a2", windowed[0].SourceID)

	none, err := s.ListUsageEvents(ctx, tenant.ID, UsageFilter{Metric: "other_metric"})
	require.NoError(t, err)
	assert.Empty(t, none)

	agg, err := s.AggregateUsage(ctx, tenant.ID, UsageFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), agg.TotalEvents)
	assert.Equal(t, int64(3), agg.TotalQuantity)
	assert.Equal(t, int64(3), agg.PerMetric["attachment_archived"])
}

func TestOutboxDequeueAndRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tenant := seedTenant(t, s)

	ev := testUsageEvent(tenant.ID, "m9_a1", time.Now().UTC())
	require.NoError(t, s.InsertUsageEvent(ctx, ev, "tenant.x.usage.archived", "usage.archived", []byte(`{"q":1}`), "usage|x|m9_a1"))

	pending, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	msg := pending[0]
	assert.Equal(t, "tenant.x.usage.archived", msg.Subject)
	assert.Equal(t, "usage|x|m9_a1", msg.MsgID)
	assert.JSONEq(t, `{"q":1}`, string(msg.Payload))

	// A retry pushes the next attempt into the future; the row disappears
	// from the due set.
	require.NoError(t, s.MarkOutboxRetry(ctx, msg.ID, time.Hour))
	pending, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, s.MarkOutboxRetry(ctx, msg.ID, -time.Second))
	pending, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.MarkPublished(ctx, msg.ID))
	pending, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
