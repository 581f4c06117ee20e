package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/rampart/internal/auth"
	"golang.org/x/crypto/bcrypt"
)

// APIKey is a row in api_keys. The plaintext key is never stored.
type APIKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Prefix    string     `json:"prefix"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// GenerateAPIKey creates a new key with its bcrypt hash and lookup prefix.
// The full key is shown to the caller once.
func GenerateAPIKey() (key, hash, prefix string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	key = auth.KeyPrefix + hex.EncodeToString(raw)

	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	return key, string(h), key[:8], nil
}

// CreateAPIKey stores a new key and returns it with its plaintext.
func (s *Store) CreateAPIKey(ctx context.Context, name string) (*APIKey, string, error) {
	key, hash, prefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("CreateAPIKey: %w", err)
	}

	var k APIKey
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (name, key_prefix, key_hash)
		VALUES ($1, $2, $3)
		RETURNING id, name, key_prefix, created_at`,
		name, prefix, hash,
	).Scan(&k.ID, &k.Name, &k.Prefix, &k.CreatedAt)
	if isUniqueViolation(err) {
		return nil, "", ErrDuplicate
	}
	if err != nil {
		return nil, "", fmt.Errorf("CreateAPIKey: %w", err)
	}
	return &k, key, nil
}

// RevokeAPIKey marks a key revoked. Revoking twice reports ErrNotFound.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("RevokeAPIKey: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Candidates implements auth.KeyStore over active keys with the prefix.
func (s *Store) Candidates(ctx context.Context, prefix string) ([]auth.KeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, key_prefix, key_hash
		FROM api_keys
		WHERE key_prefix = $1 AND revoked_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("Candidates: %w", err)
	}
	defer rows.Close()

	var out []auth.KeyRecord
	for rows.Next() {
		r := auth.KeyRecord{Source: "postgres"}
		if err := rows.Scan(&r.ID, &r.Name, &r.Prefix, &r.Hash); err != nil {
			return nil, fmt.Errorf("Candidates: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Candidates: %w", err)
	}
	return out, nil
}

// GetAPIKey returns one key's metadata.
func (s *Store) GetAPIKey(ctx context.Context, id string) (*APIKey, error) {
	var (
		k       APIKey
		revoked sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, key_prefix, created_at, revoked_at
		FROM api_keys WHERE id = $1`, id,
	).Scan(&k.ID, &k.Name, &k.Prefix, &k.CreatedAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetAPIKey: %w", err)
	}
	if revoked.Valid {
		k.RevokedAt = &revoked.Time
	}
	return &k, nil
}
