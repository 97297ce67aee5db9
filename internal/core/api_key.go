package core

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/edvin/controlplane/internal/model"
	"github.com/edvin/controlplane/internal/platform"
)

// APIKeyService manages admin API keys against the core database.
type APIKeyService struct {
	db DB
}

func NewAPIKeyService(db DB) *APIKeyService {
	return &APIKeyService{db: db}
}

// Create generates a new API key, stores its hash, and returns the model
// along with the raw key. The raw key is shown to the caller exactly once.
func (s *APIKeyService) Create(ctx context.Context, description string) (*model.APIKey, string, error) {
	rawBytes := make([]byte, 32)
	if _, err := rand.Read(rawBytes); err != nil {
		return nil, "", fmt.Errorf("generate api key: %w", err)
	}
	rawKey := "cp_" + hex.EncodeToString(rawBytes)

	hash := sha256.Sum256([]byte(rawKey))
	key := &model.APIKey{
		ID:          platform.NewID(),
		Description: description,
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO api_keys (id, key_hash, description, created_at)
		 VALUES ($1, $2, $3, now())
		 RETURNING created_at`,
		key.ID, hex.EncodeToString(hash[:]), description,
	).Scan(&key.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("insert api key: %w", err)
	}
	return key, rawKey, nil
}

// Verify resolves a raw key to its record, rejecting revoked and unknown
// keys alike.
func (s *APIKeyService) Verify(ctx context.Context, rawKey string) (*model.APIKey, error) {
	hash := sha256.Sum256([]byte(rawKey))

	var k model.APIKey
	err := s.db.QueryRow(ctx,
		`SELECT id, description, created_at, revoked_at
		 FROM api_keys WHERE key_hash = $1 AND revoked_at IS NULL`,
		hex.EncodeToString(hash[:]),
	).Scan(&k.ID, &k.Description, &k.CreatedAt, &k.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("verify api key: %w", err)
	}
	return &k, nil
}

func (s *APIKeyService) List(ctx context.Context) ([]model.APIKey, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, description, created_at, revoked_at FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []model.APIKey
	for rows.Next() {
		var k model.APIKey
		if err := rows.Scan(&k.ID, &k.Description, &k.CreatedAt, &k.RevokedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api keys: %w", err)
	}
	return keys, nil
}

// Revoke soft-deletes an API key.
func (s *APIKeyService) Revoke(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE api_keys SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL", id)
	if err != nil {
		return fmt.Errorf("revoke api key %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}
