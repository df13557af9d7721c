package device

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound   = errors.New("device: not found")
	ErrBadAPIKey  = errors.New("device: invalid api key")
	ErrNotOwned   = errors.New("device: does not belong to user")
	ErrBadType    = errors.New("device: invalid device type")
	ErrEmptyName  = errors.New("device: name is required")
)

// Querier is the subset of pgxpool.Pool the store needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists devices in Postgres.
type Store struct {
	db Querier
}

func NewStore(db Querier) *Store {
	return &Store{db: db}
}

const deviceColumns = `id, user_id, name, device_type, api_key, fcm_token,
	phone_number, model, os_version, app_version, is_active, last_seen_at, created_at`

func scanDevice(row pgx.Row) (*Device, error) {
	var d Device
	err := row.Scan(&d.ID, &d.UserID, &d.Name, &d.Type, &d.APIKey, &d.FCMToken,
		&d.PhoneNumber, &d.Model, &d.OSVersion, &d.AppVersion, &d.IsActive,
		&d.LastSeenAt, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("device: scan: %w", err)
	}
	return &d, nil
}

// NewAPIKey returns a fresh 32-byte URL-safe device credential.
func NewAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("device: generate api key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Create registers a new device and returns it with the generated api key.
// The api key is only surfaced here; subsequent reads redact it.
func (s *Store) Create(ctx context.Context, userID uuid.UUID, name string, typ Type, phoneNumber string) (*Device, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if !typ.Valid() {
		return nil, ErrBadType
	}
	apiKey, err := NewAPIKey()
	if err != nil {
		return nil, err
	}
	d := &Device{
		ID:          uuid.New(),
		UserID:      userID,
		Name:        name,
		Type:        typ,
		APIKey:      apiKey,
		PhoneNumber: phoneNumber,
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO devices (id, user_id, name, device_type, api_key, fcm_token,
			phone_number, model, os_version, app_version, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, '', $6, '', '', '', true, $7)
	`, d.ID, d.UserID, d.Name, d.Type, d.APIKey, d.PhoneNumber, d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("device: insert: %w", err)
	}
	return d, nil
}

// Authenticate resolves a device by its api key.
func (s *Store) Authenticate(ctx context.Context, apiKey string) (*Device, error) {
	if apiKey == "" {
		return nil, ErrBadAPIKey
	}
	d, err := scanDevice(s.db.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE api_key = $1 AND is_active`, apiKey))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrBadAPIKey
	}
	return d, err
}

// ResolveDevice authenticates a device api key for the HTTP callback
// endpoints and returns the device and owner ids.
func (s *Store) ResolveDevice(ctx context.Context, apiKey string) (uuid.UUID, uuid.UUID, error) {
	d, err := s.Authenticate(ctx, apiKey)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return d.ID, d.UserID, nil
}

// Get fetches a device by id regardless of owner.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Device, error) {
	return scanDevice(s.db.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id))
}

// GetForUser fetches a device and enforces ownership.
func (s *Store) GetForUser(ctx context.Context, id, userID uuid.UUID) (*Device, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.UserID != userID {
		return nil, ErrNotOwned
	}
	return d, nil
}

// ListByUser returns the user's devices, newest first.
func (s *Store) ListByUser(ctx context.Context, userID uuid.UUID) ([]*Device, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("device: list: %w", err)
	}
	defer rows.Close()

	var out []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("device: list rows: %w", err)
	}
	return out, nil
}

// ListActiveByUser returns the user's active devices ordered by creation,
// which fixes the ordering round-robin assignment relies on.
func (s *Store) ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]*Device, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE user_id = $1 AND is_active ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("device: list active: %w", err)
	}
	defer rows.Close()

	var out []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("device: list active rows: %w", err)
	}
	return out, nil
}

// Update applies a partial rename or activation change.
func (s *Store) Update(ctx context.Context, id, userID uuid.UUID, name *string, isActive *bool) (*Device, error) {
	d, err := s.GetForUser(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if name != nil {
		if *name == "" {
			return nil, ErrEmptyName
		}
		d.Name = *name
	}
	if isActive != nil {
		d.IsActive = *isActive
	}
	_, err = s.db.Exec(ctx,
		`UPDATE devices SET name = $2, is_active = $3 WHERE id = $1`,
		d.ID, d.Name, d.IsActive)
	if err != nil {
		return nil, fmt.Errorf("device: update: %w", err)
	}
	return d, nil
}

// Delete removes the device after verifying ownership.
func (s *Store) Delete(ctx context.Context, id, userID uuid.UUID) error {
	if _, err := s.GetForUser(ctx, id, userID); err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM devices WHERE id = $1`, id); err != nil {
		return fmt.Errorf("device: delete: %w", err)
	}
	return nil
}

// UpdateFCMToken stores the push token reported by the device app.
func (s *Store) UpdateFCMToken(ctx context.Context, id uuid.UUID, token string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE devices SET fcm_token = $2 WHERE id = $1`, id, token)
	if err != nil {
		return fmt.Errorf("device: update fcm token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateInfo records the metadata the device reports when it registers
// over the websocket. Empty fields leave the stored value alone.
func (s *Store) UpdateInfo(ctx context.Context, id uuid.UUID, name, phoneNumber, model, osVersion, appVersion string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE devices
		SET name = COALESCE(NULLIF($2, ''), name),
		    phone_number = COALESCE(NULLIF($3, ''), phone_number),
		    model = COALESCE(NULLIF($4, ''), model),
		    os_version = COALESCE(NULLIF($5, ''), os_version),
		    app_version = COALESCE(NULLIF($6, ''), app_version),
		    last_seen_at = now()
		WHERE id = $1
	`, id, name, phoneNumber, model, osVersion, appVersion)
	if err != nil {
		return fmt.Errorf("device: update info: %w", err)
	}
	return nil
}

// TouchLastSeen bumps last_seen_at, called on websocket heartbeats.
func (s *Store) TouchLastSeen(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE devices SET last_seen_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("device: touch last seen: %w", err)
	}
	return nil
}
