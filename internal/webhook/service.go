package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/smsflow/sms-gateway/internal/observability/metrics"
	"github.com/smsflow/sms-gateway/internal/queue"
	"github.com/smsflow/sms-gateway/pkg/logging"
)

// DeliveryJob is the queue payload for one webhook delivery. The signing
// secret never travels through the queue; the callback reloads the config.
type DeliveryJob struct {
	WebhookID uuid.UUID      `json:"webhook_id"`
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// messageMarker records that a message's webhook was delivered.
// Implemented by the sms store.
type messageMarker interface {
	MarkWebhookSent(ctx context.Context, messageID uuid.UUID) error
}

// Service fans events out to the tenant's matching webhooks through the
// durable queue and executes deliveries when the queue calls back.
type Service struct {
	store       *Store
	deliverer   *Deliverer
	enqueuer    queue.Enqueuer
	callbackURL string
	marker      messageMarker
	metrics     *metrics.GatewayMetrics
	logger      *logging.Logger
}

func NewService(store *Store, deliverer *Deliverer, enqueuer queue.Enqueuer, callbackURL string, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		store:       store,
		deliverer:   deliverer,
		enqueuer:    enqueuer,
		callbackURL: callbackURL,
		logger:      logger,
	}
}

// SetMetrics wires delivery metrics after construction.
func (s *Service) SetMetrics(m *metrics.GatewayMetrics) {
	s.metrics = m
}

// SetMessageMarker wires the webhook_sent flag writer after construction.
func (s *Service) SetMessageMarker(m messageMarker) {
	s.marker = m
}

// Publish enqueues one delivery per active webhook subscribed to the event.
// Failures are logged and swallowed: webhook trouble must never fail the
// message pipeline that triggered the event.
func (s *Service) Publish(ctx context.Context, userID uuid.UUID, event string, payload map[string]any) {
	configs, err := s.store.ListActiveForEvent(ctx, userID, event)
	if err != nil {
		s.logger.Error("webhook fan-out lookup failed", "error", err, "user_id", userID, "event", event)
		return
	}
	if len(configs) == 0 {
		return
	}
	timestamp := time.Now().UTC().Format(time.RFC3339)
	for _, c := range configs {
		job := DeliveryJob{WebhookID: c.ID, Event: event, Timestamp: timestamp, Data: payload}
		body, err := json.Marshal(job)
		if err != nil {
			s.logger.Error("webhook job marshal failed", "error", err, "webhook_id", c.ID)
			continue
		}
		err = s.enqueuer.Enqueue(ctx, s.callbackURL, body, queue.PublishOptions{Retries: 5})
		if err != nil {
			s.logger.Error("webhook enqueue failed", "error", err, "webhook_id", c.ID, "event", event)
		}
	}
}

// ProcessDelivery executes one queued delivery. Deactivated or deleted
// webhooks drop silently; transport errors propagate so the queue retries.
func (s *Service) ProcessDelivery(ctx context.Context, job DeliveryJob) error {
	c, err := s.store.Get(ctx, job.WebhookID)
	if errors.Is(err, ErrNotFound) {
		s.logger.Warn("webhook deleted before delivery", "webhook_id", job.WebhookID)
		return nil
	}
	if err != nil {
		return err
	}
	if !c.IsActive {
		return nil
	}

	// The body is flat: event fields beside event and timestamp, signed
	// over the canonical encoding.
	payload := map[string]any{
		"event":     job.Event,
		"timestamp": job.Timestamp,
	}
	for k, v := range job.Data {
		payload[k] = v
	}
	body, err := Canonical(payload)
	if err != nil {
		return err
	}
	if err := s.deliverer.Deliver(ctx, c.URL, c.Secret, job.Event, body); err != nil {
		s.metrics.ObserveWebhookDelivery("error")
		return err
	}
	s.metrics.ObserveWebhookDelivery("ok")
	s.markDelivered(ctx, job)
	return nil
}

// markDelivered flags the source message after a 2xx delivery. Failures
// only log; the delivery itself already succeeded.
func (s *Service) markDelivered(ctx context.Context, job DeliveryJob) {
	if s.marker == nil {
		return
	}
	raw, ok := job.Data["message_id"].(string)
	if !ok {
		return
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return
	}
	if err := s.marker.MarkWebhookSent(ctx, id); err != nil {
		s.logger.Error("webhook sent flag failed", "error", err, "message_id", id)
	}
}
