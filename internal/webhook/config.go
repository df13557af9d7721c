// Package webhook fans message events out to tenant-registered HTTP
// endpoints, signing every delivery so receivers can authenticate it.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("webhook: not found")
	ErrNotOwned = errors.New("webhook: does not belong to user")
	ErrBadURL   = errors.New("webhook: url must be absolute http(s)")
	ErrNoEvents = errors.New("webhook: at least one event is required")
)

// KnownEvents lists the event types a webhook can subscribe to.
var KnownEvents = []string{"sms_received", "sms_sent", "sms_delivered", "sms_failed"}

// Config is one tenant webhook registration.
type Config struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	URL       string    `json:"url"`
	Secret    string    `json:"secret,omitempty"`
	Events    []string  `json:"events"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Querier is the subset of pgxpool.Pool the store needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists webhook configs in Postgres. Events are stored as jsonb.
type Store struct {
	db Querier
}

func NewStore(db Querier) *Store {
	return &Store{db: db}
}

func validateTarget(rawURL string, events []string) error {
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrBadURL
	}
	if len(events) == 0 {
		return ErrNoEvents
	}
	for _, e := range events {
		known := false
		for _, k := range KnownEvents {
			if e == k {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("webhook: unknown event %q", e)
		}
	}
	return nil
}

const configColumns = `id, user_id, url, secret, events, is_active, created_at`

func scanConfig(row pgx.Row) (*Config, error) {
	var c Config
	err := row.Scan(&c.ID, &c.UserID, &c.URL, &c.Secret, &c.Events, &c.IsActive, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("webhook: scan config: %w", err)
	}
	return &c, nil
}

// Create registers a webhook. The signing secret is generated server side
// and only returned here.
func (s *Store) Create(ctx context.Context, userID uuid.UUID, rawURL string, events []string) (*Config, error) {
	if err := validateTarget(rawURL, events); err != nil {
		return nil, err
	}
	secret, err := newSecret()
	if err != nil {
		return nil, err
	}
	c := &Config{
		ID:        uuid.New(),
		UserID:    userID,
		URL:       rawURL,
		Secret:    secret,
		Events:    events,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO webhook_configs (id, user_id, url, secret, events, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, true, $6)
	`, c.ID, c.UserID, c.URL, c.Secret, c.Events, c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("webhook: insert config: %w", err)
	}
	return c, nil
}

// Get fetches a config by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Config, error) {
	return scanConfig(s.db.QueryRow(ctx,
		`SELECT `+configColumns+` FROM webhook_configs WHERE id = $1`, id))
}

// GetForUser fetches a config and enforces ownership.
func (s *Store) GetForUser(ctx context.Context, id, userID uuid.UUID) (*Config, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, ErrNotOwned
	}
	return c, nil
}

// ListByUser returns the user's webhooks with secrets redacted.
func (s *Store) ListByUser(ctx context.Context, userID uuid.UUID) ([]*Config, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+configColumns+` FROM webhook_configs WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("webhook: list configs: %w", err)
	}
	defer rows.Close()

	var out []*Config
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		c.Secret = ""
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("webhook: list rows: %w", err)
	}
	return out, nil
}

// ListActiveForEvent returns every active webhook of the user subscribed
// to the given event.
func (s *Store) ListActiveForEvent(ctx context.Context, userID uuid.UUID, event string) ([]*Config, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+configColumns+` FROM webhook_configs
		WHERE user_id = $1 AND is_active AND events ? $2
	`, userID, event)
	if err != nil {
		return nil, fmt.Errorf("webhook: list for event: %w", err)
	}
	defer rows.Close()

	var out []*Config
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("webhook: event rows: %w", err)
	}
	return out, nil
}

// Update applies a partial change to url, events or active flag.
func (s *Store) Update(ctx context.Context, id, userID uuid.UUID, rawURL *string, events []string, isActive *bool) (*Config, error) {
	c, err := s.GetForUser(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if rawURL != nil {
		c.URL = *rawURL
	}
	if events != nil {
		c.Events = events
	}
	if isActive != nil {
		c.IsActive = *isActive
	}
	if err := validateTarget(c.URL, c.Events); err != nil {
		return nil, err
	}
	_, err = s.db.Exec(ctx, `
		UPDATE webhook_configs SET url = $2, events = $3, is_active = $4 WHERE id = $1
	`, c.ID, c.URL, c.Events, c.IsActive)
	if err != nil {
		return nil, fmt.Errorf("webhook: update config: %w", err)
	}
	c.Secret = ""
	return c, nil
}

// Delete removes the webhook after verifying ownership.
func (s *Store) Delete(ctx context.Context, id, userID uuid.UUID) error {
	if _, err := s.GetForUser(ctx, id, userID); err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM webhook_configs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("webhook: delete config: %w", err)
	}
	return nil
}
