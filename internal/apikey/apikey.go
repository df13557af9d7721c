// Package apikey issues and authenticates long-lived tenant API keys used
// as an alternative to JWT login for server-to-server callers.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Prefix marks gateway API keys so they are recognizable in config files
// and secret scanners.
const Prefix = "ek_"

var (
	ErrNotFound = errors.New("apikey: not found")
	ErrInvalid  = errors.New("apikey: invalid key")
)

// Key is one issued API key. Secret is only set on creation.
type Key struct {
	ID         uuid.UUID  `json:"id"`
	UserID     uuid.UUID  `json:"user_id"`
	Name       string     `json:"name"`
	Secret     string     `json:"key,omitempty"`
	Hint       string     `json:"hint"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Querier is the subset of pgxpool.Pool the store needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists API keys. Only a SHA-256 digest of the secret is stored.
type Store struct {
	db Querier
}

func NewStore(db Querier) *Store {
	return &Store{db: db}
}

func hashKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func hint(secret string) string {
	if len(secret) <= 4 {
		return secret
	}
	return Prefix + "..." + secret[len(secret)-4:]
}

// Create issues a new key for the user. The plaintext secret appears only
// in the returned Key.
func (s *Store) Create(ctx context.Context, userID uuid.UUID, name string) (*Key, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("apikey: generate: %w", err)
	}
	secret := Prefix + base64.RawURLEncoding.EncodeToString(buf)

	k := &Key{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      name,
		Secret:    secret,
		Hint:      hint(secret),
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO api_keys (id, user_id, name, key_hash, hint, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, k.ID, k.UserID, k.Name, hashKey(secret), k.Hint, k.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("apikey: insert: %w", err)
	}
	return k, nil
}

// Authenticate resolves a presented key to its owner and stamps
// last_used_at.
func (s *Store) Authenticate(ctx context.Context, secret string) (uuid.UUID, error) {
	if !strings.HasPrefix(secret, Prefix) {
		return uuid.Nil, ErrInvalid
	}
	var userID uuid.UUID
	err := s.db.QueryRow(ctx, `
		UPDATE api_keys SET last_used_at = now()
		WHERE key_hash = $1
		RETURNING user_id
	`, hashKey(secret)).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrInvalid
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("apikey: authenticate: %w", err)
	}
	return userID, nil
}

// ListByUser returns the user's keys without secrets.
func (s *Store) ListByUser(ctx context.Context, userID uuid.UUID) ([]*Key, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, name, hint, last_used_at, created_at
		FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("apikey: list: %w", err)
	}
	defer rows.Close()

	var out []*Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.Hint, &k.LastUsedAt, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("apikey: scan: %w", err)
		}
		out = append(out, &k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("apikey: list rows: %w", err)
	}
	return out, nil
}

// Delete revokes a key after verifying ownership.
func (s *Store) Delete(ctx context.Context, id, userID uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM api_keys WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("apikey: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
