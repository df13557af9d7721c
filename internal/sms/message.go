// Package sms implements the outbound send pipeline and inbound message
// intake: validation, quota reservation, round-robin device assignment,
// delivery-report processing and the recovery sweeps.
package sms

import (
	"time"

	"github.com/google/uuid"
)

// Status is the message lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusAssigned  Status = "assigned"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusReceived  Status = "received"
)

// Terminal reports whether a status can never change again, except for
// the sent to delivered upgrade.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusReceived
}

// Directions.
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// Message is one SMS, outbound or inbound.
type Message struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"user_id"`
	DeviceID     *uuid.UUID `json:"device_id,omitempty"`
	BatchID      *uuid.UUID `json:"batch_id,omitempty"`
	Direction    string     `json:"direction"`
	ToNumber     string     `json:"to,omitempty"`
	FromNumber   string     `json:"from,omitempty"`
	Body         string     `json:"body"`
	Status       Status     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	SendAttempts int        `json:"send_attempts"`
	WebhookSent  bool       `json:"webhook_sent"`
	CreatedAt    time.Time  `json:"created_at"`
	AssignedAt   *time.Time `json:"assigned_at,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	ReceivedAt   *time.Time `json:"received_at,omitempty"`
}

// reportable maps device-reported statuses to lifecycle states. Devices may
// only report sent, delivered or failed.
func reportable(status string) (Status, bool) {
	switch Status(status) {
	case StatusSent, StatusDelivered, StatusFailed:
		return Status(status), true
	default:
		return "", false
	}
}
