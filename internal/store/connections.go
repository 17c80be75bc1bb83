package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Connection statuses.
const (
	ConnectionActive         = "active"
	ConnectionRevoked        = "revoked"
	ConnectionNeedsReconsent = "needs_reconsent"
)

// Connection is one OAuth grant linking a tenant to a provider account. The
// token bundle itself lives in TokenRef, sealed by the vault; the row never
// holds cleartext credentials.
type Connection struct {
	ID               string    `json:"id"`
	TenantID         string    `json:"tenant_id"`
	ProviderTenantID string    `json:"provider_tenant_id"`
	Scopes           []string  `json:"scopes"`
	Status           string    `json:"status"`
	TokenRef         string    `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// CreateConnection inserts a new active connection holding the given sealed
// token reference.
func (s *Store) CreateConnection(ctx context.Context, tenantID, providerTenantID string, scopes []string, tokenRef string) (*Connection, error) {
	now := time.Now().UTC()
	c := &Connection{
		ID:               uuid.NewString(),
		TenantID:         tenantID,
		ProviderTenantID: providerTenantID,
		Scopes:           scopes,
		Status:           ConnectionActive,
		TokenRef:         tokenRef,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		return nil, fmt.Errorf("marshal scopes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO connections (id, tenant_id, provider_tenant_id, scopes_json, status, token_ref, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.TenantID, c.ProviderTenantID, string(scopesJSON), c.Status, c.TokenRef, now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("insert connection: %w", err)
	}
	return c, nil
}

// GetConnection returns the connection with the given id.
func (s *Store) GetConnection(ctx context.Context, id string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, provider_tenant_id, scopes_json, status, token_ref, created_at, updated_at
		FROM connections WHERE id = ?
	`, id)
	return scanConnection(row)
}

// ListConnections returns a tenant's connections.
func (s *Store) ListConnections(ctx context.Context, tenantID string) ([]*Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, provider_tenant_id, scopes_json, status, token_ref, created_at, updated_at
		FROM connections WHERE tenant_id = ? ORDER BY created_at
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	defer rows.Close()

	var conns []*Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

// UpdateConnectionStatus sets a connection's status.
func (s *Store) UpdateConnectionStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE connections SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update connection status: %w", err)
	}
	return requireRow(res)
}

// UpdateConnectionTokenRef replaces a connection's sealed token reference.
// The previous reference is recorded as orphaned in the same transaction so a
// janitor process can delete the stale bundle later. At most one reference is
// ever live per connection.
func (s *Store) UpdateConnectionTokenRef(ctx context.Context, id, newRef string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var oldRef string
	err = tx.QueryRowContext(ctx, `SELECT token_ref FROM connections WHERE id = ?`, id).Scan(&oldRef)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read token ref: %w", err)
	}

	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx, `
		UPDATE connections SET token_ref = ?, updated_at = ? WHERE id = ?
	`, newRef, now, id); err != nil {
		return fmt.Errorf("update token ref: %w", err)
	}

	if oldRef != "" && oldRef != newRef {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO orphaned_token_refs (connection_id, token_ref, superseded_at)
			VALUES (?, ?, ?)
		`, id, oldRef, now); err != nil {
			return fmt.Errorf("record orphaned ref: %w", err)
		}
	}

	return tx.Commit()
}

// OrphanedTokenRef is a superseded sealed token reference awaiting cleanup.
type OrphanedTokenRef struct {
	ID           int64
	ConnectionID string
	TokenRef     string
	SupersededAt time.Time
}

// ListOrphanedTokenRefs returns superseded references oldest first.
func (s *Store) ListOrphanedTokenRefs(ctx context.Context, limit int) ([]OrphanedTokenRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connection_id, token_ref, superseded_at
		FROM orphaned_token_refs ORDER BY id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query orphaned refs: %w", err)
	}
	defer rows.Close()

	var refs []OrphanedTokenRef
	for rows.Next() {
		var r OrphanedTokenRef
		var superseded int64
		if err := rows.Scan(&r.ID, &r.ConnectionID, &r.TokenRef, &superseded); err != nil {
			return nil, fmt.Errorf("scan orphaned ref: %w", err)
		}
		r.SupersededAt = time.Unix(superseded, 0).UTC()
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// DeleteOrphanedTokenRef removes a processed orphaned reference.
func (s *Store) DeleteOrphanedTokenRef(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM orphaned_token_refs WHERE id = ?`, id)
	return err
}

func scanConnection(row rowScanner) (*Connection, error) {
	var c Connection
	var scopesJSON string
	var created, updated int64
	err := row.Scan(&c.ID, &c.TenantID, &c.ProviderTenantID, &scopesJSON, &c.Status, &c.TokenRef, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan connection: %w", err)
	}
	if err := json.Unmarshal([]byte(scopesJSON), &c.Scopes); err != nil {
		return nil, fmt.Errorf("decode scopes: %w", err)
	}
	c.CreatedAt = time.Unix(created, 0).UTC()
	c.UpdatedAt = time.Unix(updated, 0).UTC()
	return &c, nil
}
