package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vnguysoftware/revguard/internal/models"
)

// ErrSlugTaken is returned when an organization slug is already in use.
var ErrSlugTaken = errors.New("store: slug already taken")

// CreateOrganization inserts a new tenant. Slug uniqueness is global.
func (s *Store) CreateOrganization(ctx context.Context, slug, name string) (*models.Organization, error) {
	org := &models.Organization{
		ID:        uuid.NewString(),
		Slug:      slug,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (id, slug, name, created_at) VALUES ($1, $2, $3, $4)`,
		org.ID, org.Slug, org.Name, org.CreatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, ErrSlugTaken
		}
		return nil, fmt.Errorf("create organization: %w", err)
	}
	return org, nil
}

// GetOrganizationBySlug resolves a tenant by its URL slug.
func (s *Store) GetOrganizationBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, slug, name, created_at FROM organizations WHERE slug = $1`, slug)
	return scanOrganization(row)
}

// GetOrganization resolves a tenant by id.
func (s *Store) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, slug, name, created_at FROM organizations WHERE id = $1`, id)
	return scanOrganization(row)
}

// ListOrganizations returns every tenant. Used by the scheduler to fan out
// per-tenant scans.
func (s *Store) ListOrganizations(ctx context.Context) ([]models.Organization, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, slug, name, created_at FROM organizations ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()

	var out []models.Organization
	for rows.Next() {
		var org models.Organization
		if err := rows.Scan(&org.ID, &org.Slug, &org.Name, &org.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan organization: %w", err)
		}
		out = append(out, org)
	}
	return out, rows.Err()
}

func scanOrganization(row *sql.Row) (*models.Organization, error) {
	var org models.Organization
	err := row.Scan(&org.ID, &org.Slug, &org.Name, &org.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan organization: %w", err)
	}
	return &org, nil
}
