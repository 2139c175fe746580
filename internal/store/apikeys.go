package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/vnguysoftware/revguard/internal/models"
)

// CreateAPIKey persists a hashed key record. The plaintext never reaches the
// store.
func (s *Store) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, org_id, key_hash, key_prefix, name, scopes, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.OrgID, key.Hash, key.Prefix, key.Name,
		pq.Array(key.Scopes), nullTime(key.ExpiresAt), key.CreatedAt)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// GetAPIKeyByHash looks up a key by its SHA-256 hash.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, key_hash, key_prefix, name, scopes, expires_at, created_at
		 FROM api_keys WHERE key_hash = $1`, hash)

	var key models.APIKey
	var expires sql.NullTime
	err := row.Scan(&key.ID, &key.OrgID, &key.Hash, &key.Prefix, &key.Name,
		pq.Array(&key.Scopes), &expires, &key.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan api key: %w", err)
	}
	key.ExpiresAt = timeOrNil(expires)
	return &key, nil
}
