package sms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("sms: message not found")
	ErrNotOwned = errors.New("sms: message does not belong to user")
)

// Querier is the subset of pgxpool.Pool the store needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists messages in Postgres.
type Store struct {
	db Querier
}

func NewStore(db Querier) *Store {
	return &Store{db: db}
}

const messageColumns = `id, user_id, device_id, batch_id, direction, to_number,
	from_number, body, status, error_message, send_attempts, webhook_sent,
	created_at, assigned_at, sent_at, delivered_at, received_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.UserID, &m.DeviceID, &m.BatchID, &m.Direction,
		&m.ToNumber, &m.FromNumber, &m.Body, &m.Status, &m.ErrorMessage,
		&m.SendAttempts, &m.WebhookSent, &m.CreatedAt, &m.AssignedAt, &m.SentAt,
		&m.DeliveredAt, &m.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sms: scan message: %w", err)
	}
	return &m, nil
}

func scanMessages(rows pgx.Rows) ([]*Message, error) {
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sms: iterate messages: %w", err)
	}
	return out, nil
}

// InsertBatch persists all messages of one send in a single statement batch.
func (s *Store) InsertBatch(ctx context.Context, msgs []*Message) error {
	for _, m := range msgs {
		_, err := s.db.Exec(ctx, `
			INSERT INTO messages (id, user_id, device_id, batch_id, direction,
				to_number, from_number, body, status, error_message,
				send_attempts, created_at, assigned_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, '', $10, $11, $12)
		`, m.ID, m.UserID, m.DeviceID, m.BatchID, m.Direction, m.ToNumber,
			m.FromNumber, m.Body, m.Status, m.SendAttempts, m.CreatedAt, m.AssignedAt)
		if err != nil {
			return fmt.Errorf("sms: insert message %s: %w", m.ID, err)
		}
	}
	return nil
}

// InsertInbound stores a message received by a device.
func (s *Store) InsertInbound(ctx context.Context, m *Message) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO messages (id, user_id, device_id, direction, to_number,
			from_number, body, status, error_message, send_attempts,
			created_at, received_at)
		VALUES ($1, $2, $3, $4, '', $5, $6, $7, '', 0, $8, $9)
	`, m.ID, m.UserID, m.DeviceID, m.Direction, m.FromNumber, m.Body,
		m.Status, m.CreatedAt, m.ReceivedAt)
	if err != nil {
		return fmt.Errorf("sms: insert inbound: %w", err)
	}
	return nil
}

// Get fetches a message by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Message, error) {
	return scanMessage(s.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
}

// GetForUser fetches a message and enforces ownership.
func (s *Store) GetForUser(ctx context.Context, id, userID uuid.UUID) (*Message, error) {
	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.UserID != userID {
		return nil, ErrNotOwned
	}
	return m, nil
}

// ListFilter narrows ListByUser.
type ListFilter struct {
	Status    Status
	Direction string
	DeviceID  *uuid.UUID
	BatchID   *uuid.UUID
	Limit     int
	Offset    int
}

// ListByUser returns the user's messages, newest first.
func (s *Store) ListByUser(ctx context.Context, userID uuid.UUID, f ListFilter) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE user_id = $1`
	args := []any{userID}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Direction != "" {
		args = append(args, f.Direction)
		query += fmt.Sprintf(" AND direction = $%d", len(args))
	}
	if f.DeviceID != nil {
		args = append(args, *f.DeviceID)
		query += fmt.Sprintf(" AND device_id = $%d", len(args))
	}
	if f.BatchID != nil {
		args = append(args, *f.BatchID)
		query += fmt.Sprintf(" AND batch_id = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sms: list messages: %w", err)
	}
	return scanMessages(rows)
}

// AckResult tells the caller whether an UpdateAck changed anything.
type AckResult struct {
	Message *Message
	Changed bool
}

// UpdateAck applies a device delivery report idempotently. Allowed
// transitions are assigned or sending to sent, delivered or failed, and
// sent to delivered. Anything else leaves the row untouched and reports
// Changed false. The device must own the message.
func (s *Store) UpdateAck(ctx context.Context, deviceID, messageID uuid.UUID, status Status, errorMsg string) (AckResult, error) {
	m, err := scanMessage(s.db.QueryRow(ctx, `
		UPDATE messages
		SET status = $3,
		    error_message = CASE WHEN $3 = 'failed' THEN $4 ELSE error_message END,
		    sent_at = CASE WHEN $3 IN ('sent', 'delivered') AND sent_at IS NULL THEN now() ELSE sent_at END,
		    delivered_at = CASE WHEN $3 = 'delivered' AND delivered_at IS NULL THEN now() ELSE delivered_at END
		WHERE id = $1
		  AND device_id = $2
		  AND (
			(status IN ('assigned', 'sending') AND $3 IN ('sent', 'delivered', 'failed'))
			OR (status = 'sent' AND $3 = 'delivered')
		  )
		RETURNING `+messageColumns,
		messageID, deviceID, status, errorMsg))
	if err == nil {
		return AckResult{Message: m, Changed: true}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return AckResult{}, fmt.Errorf("sms: update ack: %w", err)
	}

	// No transition happened. Distinguish "unknown message" from a
	// duplicate or late report on an already settled message.
	current, err := s.Get(ctx, messageID)
	if err != nil {
		return AckResult{}, err
	}
	if current.DeviceID == nil || *current.DeviceID != deviceID {
		return AckResult{}, ErrNotFound
	}
	return AckResult{Message: current, Changed: false}, nil
}

// MarkWebhookSent flags a message whose webhook delivery got a 2xx.
func (s *Store) MarkWebhookSent(ctx context.Context, messageID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE messages SET webhook_sent = true WHERE id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("sms: mark webhook sent: %w", err)
	}
	return nil
}

// MarkSending moves an assigned message to sending once it has been handed
// to a live device session.
func (s *Store) MarkSending(ctx context.Context, messageID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE messages SET status = 'sending'
		WHERE id = $1 AND status = 'assigned'
	`, messageID)
	if err != nil {
		return fmt.Errorf("sms: mark sending: %w", err)
	}
	return nil
}

// Assigned returns the outbound messages currently assigned to a device
// that have not settled, used when a device reconnects.
func (s *Store) Assigned(ctx context.Context, deviceID uuid.UUID) ([]*Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE device_id = $1 AND status IN ('assigned', 'sending')
		ORDER BY created_at ASC
	`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("sms: list assigned: %w", err)
	}
	return scanMessages(rows)
}

// SweepStale requeues messages stuck in assigned or sending longer than
// maxAge. Messages that exhausted their attempts fail instead. Returns the
// requeued messages so the caller can redispatch them.
func (s *Store) SweepStale(ctx context.Context, maxAge time.Duration, maxAttempts int) ([]*Message, int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	failedTag, err := s.db.Exec(ctx, `
		UPDATE messages
		SET status = 'failed', error_message = 'send attempts exhausted'
		WHERE status IN ('assigned', 'sending')
		  AND assigned_at < $1
		  AND send_attempts >= $2
	`, cutoff, maxAttempts)
	if err != nil {
		return nil, 0, fmt.Errorf("sms: sweep exhaust: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		UPDATE messages
		SET status = 'queued', device_id = NULL, assigned_at = NULL,
		    send_attempts = send_attempts + 1
		WHERE status IN ('assigned', 'sending')
		  AND assigned_at < $1
		  AND send_attempts < $2
		RETURNING `+messageColumns,
		cutoff, maxAttempts)
	if err != nil {
		return nil, 0, fmt.Errorf("sms: sweep requeue: %w", err)
	}
	requeued, err := scanMessages(rows)
	if err != nil {
		return nil, 0, err
	}
	return requeued, int(failedTag.RowsAffected()), nil
}

// AssignQueued claims queued messages for the user and assigns them to the
// given device, bounded by limit. Used when redispatching swept messages.
func (s *Store) AssignQueued(ctx context.Context, userID, deviceID uuid.UUID, limit int) ([]*Message, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE messages
		SET status = 'assigned', device_id = $2, assigned_at = now()
		WHERE id IN (
			SELECT id FROM messages
			WHERE user_id = $1 AND status = 'queued' AND direction = 'outbound'
			ORDER BY created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+messageColumns,
		userID, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("sms: assign queued: %w", err)
	}
	return scanMessages(rows)
}

// UsersWithQueued lists users that currently have queued outbound messages.
func (s *Store) UsersWithQueued(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT user_id FROM messages
		WHERE status = 'queued' AND direction = 'outbound'
	`)
	if err != nil {
		return nil, fmt.Errorf("sms: users with queued: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sms: scan user id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sms: users with queued rows: %w", err)
	}
	return out, nil
}
