// Package sysconfig stores runtime-tunable settings in the database with
// environment variables as fallback, so operators can adjust limits
// without a deploy.
package sysconfig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/smsflow/sms-gateway/pkg/logging"
)

// Querier is the subset of pgxpool.Pool the store needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store reads and writes system_config key/value pairs.
type Store struct {
	db     Querier
	logger *logging.Logger
}

func NewStore(db Querier, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{db: db, logger: logger}
}

// Get returns the value for key, falling back to the environment variable
// of the same name and then to def.
func (s *Store) Get(ctx context.Context, key, def string) string {
	var value string
	err := s.db.QueryRow(ctx,
		`SELECT value FROM system_config WHERE key = $1`, key).Scan(&value)
	if err == nil {
		return value
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		s.logger.Error("system config read failed", "error", err, "key", key)
	}
	if env := os.Getenv(key); env != "" {
		return env
	}
	return def
}

// GetInt is Get with integer parsing.
func (s *Store) GetInt(ctx context.Context, key string, def int) int {
	raw := s.Get(ctx, key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		s.logger.Warn("system config value not an integer", "key", key, "value", raw)
		return def
	}
	return n
}

// Set upserts a key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO system_config (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = now()
	`, key, value)
	if err != nil {
		return fmt.Errorf("sysconfig: set %s: %w", key, err)
	}
	return nil
}
