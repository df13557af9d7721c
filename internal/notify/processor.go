package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/smsflow/sms-gateway/internal/device"
	"github.com/smsflow/sms-gateway/pkg/logging"
)

// SessionPusher delivers a send task over a live websocket session.
type SessionPusher interface {
	PushTask(deviceID, messageID uuid.UUID, to, body string) bool
}

// MessageMarker records that a message was handed to a device.
type MessageMarker interface {
	MarkSending(ctx context.Context, messageID uuid.UUID) error
}

// PushSender wakes an offline device out of band.
type PushSender interface {
	Send(ctx context.Context, token string, p Payload) error
}

// Processor handles queued notification payloads when the queue delivers
// them back to the gateway.
type Processor struct {
	sessions SessionPusher
	marker   MessageMarker
	push     PushSender
	logger   *logging.Logger
}

func NewProcessor(sessions SessionPusher, marker MessageMarker, push PushSender, logger *logging.Logger) *Processor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Processor{sessions: sessions, marker: marker, push: push, logger: logger}
}

// ProcessQueued tries each message on the device's live session first and
// falls back to an out-of-band wakeup for whatever could not be pushed.
// An error return makes the queue retry the whole payload; dedup plus
// idempotent status transitions make that safe.
func (p *Processor) ProcessQueued(ctx context.Context, payload Payload) error {
	var remaining []Item
	for _, item := range payload.Messages {
		if p.sessions.PushTask(payload.DeviceID, item.MessageID, item.Recipient, payload.Body) {
			if err := p.marker.MarkSending(ctx, item.MessageID); err != nil {
				p.logger.Error("mark sending failed", "error", err, "message_id", item.MessageID)
			}
			continue
		}
		remaining = append(remaining, item)
	}
	if len(remaining) == 0 {
		return nil
	}

	if payload.DeviceType != string(device.TypeAndroid) {
		return fmt.Errorf("notify: device %s offline with no wakeup channel", payload.DeviceID)
	}
	wake := payload
	wake.Messages = remaining
	if err := p.push.Send(ctx, payload.DeviceToken, wake); err != nil {
		return fmt.Errorf("notify: wakeup for device %s: %w", payload.DeviceID, err)
	}
	return nil
}
