package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentforge/internal/domain"
)

// HashAPIKey returns the hex SHA-256 of the plaintext key. Only the hash is
// stored.
func HashAPIKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func newPlaintextKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "af_" + hex.EncodeToString(buf), nil
}

// CreateAPIKey mints a key for actorID and returns the plaintext exactly
// once; afterwards only the hash is recoverable.
func (s *Store) CreateAPIKey(ctx context.Context, actorID, name string) (string, domain.APIKey, error) {
	if s.db == nil {
		return "", domain.APIKey{}, fmt.Errorf("api keys require a persistent store")
	}
	if actorID == "" {
		return "", domain.APIKey{}, domain.Validationf("actor id is required")
	}
	plaintext, err := newPlaintextKey()
	if err != nil {
		return "", domain.APIKey{}, err
	}
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   HashAPIKey(plaintext),
		CreatedAt: s.now().UTC().Format(time.RFC3339),
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO api_keys(id,actor_id,name,key_hash,created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.ActorID, key.Name, key.KeyHash, key.CreatedAt)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	return plaintext, key, nil
}

// FindAPIKey resolves a plaintext key presented by a caller.
func (s *Store) FindAPIKey(ctx context.Context, plaintext string) (domain.APIKey, error) {
	if s.db == nil {
		return domain.APIKey{}, domain.ErrNotFound
	}
	var key domain.APIKey
	err := s.db.QueryRowContext(ctx, `SELECT id,actor_id,name,key_hash,created_at FROM api_keys WHERE key_hash=?`,
		HashAPIKey(plaintext)).Scan(&key.ID, &key.ActorID, &key.Name, &key.KeyHash, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.APIKey{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.APIKey{}, err
	}
	return key, nil
}

// ListAPIKeys returns all keys (hashes only), newest first.
func (s *Store) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id,actor_id,name,key_hash,created_at FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.APIKey
	for rows.Next() {
		var key domain.APIKey
		if err := rows.Scan(&key.ID, &key.ActorID, &key.Name, &key.KeyHash, &key.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// DeleteAPIKey revokes one key by id.
func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	if s.db == nil {
		return domain.ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NotFoundError{Kind: "api key", ID: id}
	}
	return nil
}
