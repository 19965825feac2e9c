package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"wainbox/internal/models"
)

// CreateDepartment inserts a department for a tenant.
func (s *Store) CreateDepartment(tenantID, name string) (*models.Department, error) {
	d := &models.Department{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Name:      name,
		CreatedAt: now(),
	}
	_, err := s.db.Exec(`INSERT INTO departments (id, tenant_id, name, created_at) VALUES ($1, $2, $3, $4)`,
		d.ID, d.TenantID, d.Name, d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create department: %w", err)
	}
	return d, nil
}

// EarliestDepartment returns the oldest department of a tenant, which the
// current routing policy targets.
func (s *Store) EarliestDepartment(tenantID string) (*models.Department, error) {
	var d models.Department
	err := s.db.Get(&d, `SELECT id, tenant_id, name, created_at FROM departments
		WHERE tenant_id = $1 ORDER BY created_at ASC, id ASC LIMIT 1`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get earliest department: %w", err)
	}
	return &d, nil
}

// GetDepartment fetches a department by id.
func (s *Store) GetDepartment(id string) (*models.Department, error) {
	var d models.Department
	err := s.db.Get(&d, `SELECT id, tenant_id, name, created_at FROM departments WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get department: %w", err)
	}
	return &d, nil
}
