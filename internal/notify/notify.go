// Package notify turns persisted send batches into deliverable work: it
// groups messages per device, chunks oversized payloads, enqueues them on
// the durable queue and later pushes the queued work to devices over a
// live session or an FCM wakeup.
package notify

import (
	"github.com/google/uuid"
)

// Item is one message inside a push payload.
type Item struct {
	MessageID uuid.UUID `json:"message_id"`
	Recipient string    `json:"recipient"`
}

// Payload is the unit of work the queue carries and delivers back to the
// gateway's internal notification endpoint.
type Payload struct {
	DeviceID    uuid.UUID `json:"device_id"`
	DeviceToken string    `json:"device_token"`
	DeviceType  string    `json:"device_type"`
	Messages    []Item    `json:"messages"`
	Body        string    `json:"body"`
}

// Task is what the send pipeline hands the dispatcher for each message.
type Task struct {
	DeviceID   uuid.UUID
	DeviceType string
	FCMToken   string
	MessageID  uuid.UUID
	Recipient  string
}
