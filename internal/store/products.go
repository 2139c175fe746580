package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vnguysoftware/revguard/internal/models"
)

// CreateProduct registers a tenant product with its provider-side identifiers.
func (s *Store) CreateProduct(ctx context.Context, p *models.Product) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	var externalIDs any
	if len(p.ExternalIDs) > 0 {
		raw, err := json.Marshal(p.ExternalIDs)
		if err != nil {
			return fmt.Errorf("marshal product external ids: %w", err)
		}
		externalIDs = raw
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO products (id, org_id, name, external_ids, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.OrgID, p.Name, externalIDs, p.IsActive, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("create product: %w", err)
	}
	return nil
}

// GetProduct fetches one product within the tenant.
func (s *Store) GetProduct(ctx context.Context, orgID, productID string) (*models.Product, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, name, external_ids, is_active, created_at
		 FROM products WHERE org_id = $1 AND id = $2`, orgID, productID)
	return scanProduct(row)
}

// ListProducts returns the tenant's products, oldest first.
func (s *Store) ListProducts(ctx context.Context, orgID string) ([]models.Product, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, name, external_ids, is_active, created_at
		 FROM products WHERE org_id = $1 ORDER BY created_at`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var out []models.Product
	for rows.Next() {
		p, err := scanProductFrom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// FindProductByExternalID resolves a provider-side product identifier to the
// tenant product, or ErrNotFound when no mapping exists.
func (s *Store) FindProductByExternalID(ctx context.Context, orgID string, source models.Source, externalID string) (*models.Product, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, name, external_ids, is_active, created_at
		 FROM products WHERE org_id = $1 AND external_ids ->> $2 = $3`,
		orgID, string(source), externalID)
	return scanProduct(row)
}

// UpdateProduct replaces a product's name, external ids, and active flag.
func (s *Store) UpdateProduct(ctx context.Context, p *models.Product) error {
	var externalIDs any
	if len(p.ExternalIDs) > 0 {
		raw, err := json.Marshal(p.ExternalIDs)
		if err != nil {
			return fmt.Errorf("marshal product external ids: %w", err)
		}
		externalIDs = raw
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE products SET name = $3, external_ids = $4, is_active = $5
		 WHERE org_id = $1 AND id = $2`,
		p.OrgID, p.ID, p.Name, externalIDs, p.IsActive)
	if err != nil {
		return fmt.Errorf("update product: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanProduct(row *sql.Row) (*models.Product, error) {
	p, err := scanProductFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func scanProductFrom(sc rowScanner) (*models.Product, error) {
	var p models.Product
	var externalIDs []byte
	err := sc.Scan(&p.ID, &p.OrgID, &p.Name, &externalIDs, &p.IsActive, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan product: %w", err)
	}
	if len(externalIDs) > 0 {
		if err := json.Unmarshal(externalIDs, &p.ExternalIDs); err != nil {
			return nil, fmt.Errorf("decode product external ids: %w", err)
		}
	}
	return &p, nil
}
