package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Tenant statuses.
const (
	TenantActive    = "active"
	TenantSuspended = "suspended"
)

// Tenant is an isolated customer account.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Plan      string    `json:"plan"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateTenant inserts a new active tenant and returns it.
func (s *Store) CreateTenant(ctx context.Context, name, plan string) (*Tenant, error) {
	now := time.Now().UTC()
	t := &Tenant{
		ID:        uuid.NewString(),
		Name:      name,
		Plan:      plan,
		Status:    TenantActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, plan, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.ID, t.Name, t.Plan, t.Status, now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("insert tenant: %w", err)
	}
	return t, nil
}

// GetTenant returns the tenant with the given id.
func (s *Store) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, plan, status, created_at, updated_at
		FROM tenants WHERE id = ?
	`, id)
	return scanTenant(row)
}

// ListTenants returns all tenants ordered by creation time.
func (s *Store) ListTenants(ctx context.Context) ([]*Tenant, error) {
	return s.queryTenants(ctx, `
		SELECT id, name, plan, status, created_at, updated_at
		FROM tenants ORDER BY created_at
	`)
}

// ListActiveTenants returns tenants eligible for polling.
func (s *Store) ListActiveTenants(ctx context.Context) ([]*Tenant, error) {
	return s.queryTenants(ctx, `
		SELECT id, name, plan, status, created_at, updated_at
		FROM tenants WHERE status = ? ORDER BY created_at
	`, TenantActive)
}

// UpdateTenantStatus sets a tenant's status.
func (s *Store) UpdateTenantStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update tenant status: %w", err)
	}
	return requireRow(res)
}

func (s *Store) queryTenants(ctx context.Context, query string, args ...any) ([]*Tenant, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*Tenant, error) {
	var t Tenant
	var created, updated int64
	err := row.Scan(&t.ID, &t.Name, &t.Plan, &t.Status, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	t.CreatedAt = time.Unix(created, 0).UTC()
	t.UpdatedAt = time.Unix(updated, 0).UTC()
	return &t, nil
}

// requireRow maps a zero-row update to ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
