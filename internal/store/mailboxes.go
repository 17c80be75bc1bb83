package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Mailbox statuses.
const (
	MailboxActive = "active"
	MailboxPaused = "paused"
)

// Mailbox is one polled mailbox scoped to a tenant and connection. Cursor is
// the opaque high-water mark (an RFC 3339 received timestamp) and is advanced
// only by the polling engine.
type Mailbox struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	ConnectionID string    `json:"connection_id"`
	Address      string    `json:"address"`
	Cursor       string    `json:"cursor"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CreateMailbox registers a mailbox for polling.
func (s *Store) CreateMailbox(ctx context.Context, tenantID, connectionID, address string) (*Mailbox, error) {
	now := time.Now().UTC()
	m := &Mailbox{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		ConnectionID: connectionID,
		Address:      address,
		Status:       MailboxActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mailboxes (id, tenant_id, connection_id, address, cursor, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, '', ?, ?, ?)
	`, m.ID, m.TenantID, m.ConnectionID, m.Address, m.Status, now.Unix(), now.Unix())
	if isUniqueViolation(err) {
		return nil, ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("insert mailbox: %w", err)
	}
	return m, nil
}

// GetMailbox returns the mailbox with the given id.
func (s *Store) GetMailbox(ctx context.Context, id string) (*Mailbox, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, connection_id, address, cursor, status, created_at, updated_at
		FROM mailboxes WHERE id = ?
	`, id)
	return scanMailbox(row)
}

// ListMailboxes returns all of a tenant's mailboxes.
func (s *Store) ListMailboxes(ctx context.Context, tenantID string) ([]*Mailbox, error) {
	return s.queryMailboxes(ctx, `
		SELECT id, tenant_id, connection_id, address, cursor, status, created_at, updated_at
		FROM mailboxes WHERE tenant_id = ? ORDER BY created_at
	`, tenantID)
}

// ListActiveMailboxes returns a tenant's mailboxes eligible for polling.
func (s *Store) ListActiveMailboxes(ctx context.Context, tenantID string) ([]*Mailbox, error) {
	return s.queryMailboxes(ctx, `
		SELECT id, tenant_id, connection_id, address, cursor, status, created_at, updated_at
		FROM mailboxes WHERE tenant_id = ? AND status = ? ORDER BY created_at
	`, tenantID, MailboxActive)
}

// UpdateMailboxCursor advances a mailbox's cursor after a successful poll.
func (s *Store) UpdateMailboxCursor(ctx context.Context, id, cursor string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mailboxes SET cursor = ?, updated_at = ? WHERE id = ?
	`, cursor, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update mailbox cursor: %w", err)
	}
	return requireRow(res)
}

// UpdateMailboxStatus pauses or resumes a mailbox.
func (s *Store) UpdateMailboxStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mailboxes SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update mailbox status: %w", err)
	}
	return requireRow(res)
}

func (s *Store) queryMailboxes(ctx context.Context, query string, args ...any) ([]*Mailbox, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query mailboxes: %w", err)
	}
	defer rows.Close()

	var boxes []*Mailbox
	for rows.Next() {
		m, err := scanMailbox(rows)
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, m)
	}
	return boxes, rows.Err()
}

func scanMailbox(row rowScanner) (*Mailbox, error) {
	var m Mailbox
	var created, updated int64
	err := row.Scan(&m.ID, &m.TenantID, &m.ConnectionID, &m.Address, &m.Cursor, &m.Status, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan mailbox: %w", err)
	}
	m.CreatedAt = time.Unix(created, 0).UTC()
	m.UpdatedAt = time.Unix(updated, 0).UTC()
	return &m, nil
}
