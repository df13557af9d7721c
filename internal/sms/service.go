package sms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/smsflow/sms-gateway/internal/device"
	"github.com/smsflow/sms-gateway/internal/hub"
	"github.com/smsflow/sms-gateway/internal/notify"
	"github.com/smsflow/sms-gateway/internal/observability/metrics"
	"github.com/smsflow/sms-gateway/internal/quota"
	"github.com/smsflow/sms-gateway/pkg/logging"
)

const (
	maxRecipients = 1000
	maxBodyLength = 1600
	maxAttempts   = 3

	// sweepChunk bounds how many requeued messages one device claims per
	// assignment round so a sweep spreads load across devices.
	sweepChunk = 50
)

var (
	ErrNoRecipients      = errors.New("sms: at least one recipient is required")
	ErrTooManyRecipients = fmt.Errorf("sms: at most %d recipients per send", maxRecipients)
	ErrEmptyBody         = errors.New("sms: message body is required")
	ErrBodyTooLong       = fmt.Errorf("sms: message body exceeds %d characters", maxBodyLength)
	ErrDeviceNotOwned    = errors.New("sms: device does not belong to user")
	ErrDeviceInactive    = errors.New("sms: device is not active")
)

type quotaService interface {
	ReserveSMS(ctx context.Context, userID uuid.UUID, n int) error
	ReleaseSMS(ctx context.Context, userID uuid.UUID, n int) error
}

type deviceResolver interface {
	Get(ctx context.Context, id uuid.UUID) (*device.Device, error)
	GetForUser(ctx context.Context, id, userID uuid.UUID) (*device.Device, error)
	ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]*device.Device, error)
}

type presenceChecker interface {
	IsOnline(ctx context.Context, deviceID uuid.UUID) bool
}

type taskDispatcher interface {
	Dispatch(ctx context.Context, body string, tasks []notify.Task) error
}

// eventPublisher fans message lifecycle events out to tenant webhooks.
// Publishing is fire-and-forget from the pipeline's point of view.
type eventPublisher interface {
	Publish(ctx context.Context, userID uuid.UUID, event string, payload map[string]any)
}

// Webhook event names.
const (
	EventReceived  = "sms_received"
	EventSent      = "sms_sent"
	EventDelivered = "sms_delivered"
	EventFailed    = "sms_failed"
)

// Service runs the send pipeline.
type Service struct {
	store      *Store
	quotas     quotaService
	devices    deviceResolver
	presence   presenceChecker
	dispatcher taskDispatcher
	events     eventPublisher
	metrics    *metrics.GatewayMetrics
	logger     *logging.Logger
}

func NewService(store *Store, quotas quotaService, devices deviceResolver, presence presenceChecker, dispatcher taskDispatcher, events eventPublisher, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		store:      store,
		quotas:     quotas,
		devices:    devices,
		presence:   presence,
		dispatcher: dispatcher,
		events:     events,
		logger:     logger,
	}
}

// SetMetrics wires pipeline metrics after construction. A nil receiver on
// the metrics side keeps every observation a no-op.
func (s *Service) SetMetrics(m *metrics.GatewayMetrics) {
	s.metrics = m
}

// SendRequest is one outbound send, single or bulk.
type SendRequest struct {
	Recipients []string   `json:"recipients"`
	Body       string     `json:"message"`
	DeviceID   *uuid.UUID `json:"device_id,omitempty"`
}

// Send statuses reported back to the caller.
const (
	SendStatusProcessing = "processing"
	SendStatusQueued     = "queued"
)

// SendResult summarizes an accepted send. Status is "queued" when no
// device was online to take the batch.
type SendResult struct {
	BatchID         *uuid.UUID  `json:"batch_id,omitempty"`
	MessageIDs      []uuid.UUID `json:"message_ids"`
	RecipientsCount int         `json:"recipients_count"`
	Status          string      `json:"status"`
}

func (r SendRequest) validate() error {
	switch {
	case len(r.Recipients) == 0:
		return ErrNoRecipients
	case len(r.Recipients) > maxRecipients:
		return ErrTooManyRecipients
	case r.Body == "":
		return ErrEmptyBody
	case len([]rune(r.Body)) > maxBodyLength:
		return ErrBodyTooLong
	}
	for _, to := range r.Recipients {
		if to == "" {
			return ErrNoRecipients
		}
	}
	return nil
}

// Send validates, reserves quota, assigns devices round-robin, persists the
// batch and hands it to the notification dispatcher. With no device online
// the messages persist as queued with the reservation held; the sweep
// assigns them once a device returns. Quota is released only when the send
// itself is rejected.
func (s *Service) Send(ctx context.Context, userID uuid.UUID, req SendRequest) (*SendResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	n := len(req.Recipients)
	if err := s.quotas.ReserveSMS(ctx, userID, n); err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			s.metrics.ObserveQuotaRejection()
			s.metrics.ObserveSend("rejected")
		}
		return nil, err
	}

	targets, err := s.resolveDevices(ctx, userID, req.DeviceID)
	if err != nil {
		s.release(ctx, userID, n)
		return nil, err
	}

	var batchID *uuid.UUID
	if n > 1 {
		id := uuid.New()
		batchID = &id
	}

	now := time.Now().UTC()
	msgs := make([]*Message, n)
	ids := make([]uuid.UUID, n)
	for i, to := range req.Recipients {
		m := &Message{
			ID:        uuid.New(),
			UserID:    userID,
			BatchID:   batchID,
			Direction: DirectionOutbound,
			ToNumber:  to,
			Body:      req.Body,
			Status:    StatusQueued,
			CreatedAt: now,
		}
		if len(targets) > 0 {
			target := targets[i%len(targets)]
			assignedAt := now
			m.DeviceID = &target.ID
			m.FromNumber = target.PhoneNumber
			m.Status = StatusAssigned
			m.SendAttempts = 1
			m.AssignedAt = &assignedAt
		}
		msgs[i] = m
		ids[i] = m.ID
	}

	if err := s.store.InsertBatch(ctx, msgs); err != nil {
		s.release(ctx, userID, n)
		return nil, err
	}

	status := SendStatusProcessing
	if len(targets) == 0 {
		status = SendStatusQueued
		s.logger.Info("send queued, no devices online", "user_id", userID, "count", n)
	} else if err := s.dispatchMessages(ctx, targets, req.Body, msgs); err != nil {
		// Messages are persisted; the sweep retries what the dispatcher
		// could not hand off.
		s.logger.Error("dispatch failed after persist", "error", err, "user_id", userID)
	}

	s.metrics.ObserveSend("accepted")
	return &SendResult{
		BatchID:         batchID,
		MessageIDs:      ids,
		RecipientsCount: n,
		Status:          status,
	}, nil
}

func (s *Service) release(ctx context.Context, userID uuid.UUID, n int) {
	if err := s.quotas.ReleaseSMS(ctx, userID, n); err != nil {
		s.logger.Error("quota release failed", "error", err, "user_id", userID, "count", n)
	}
}

// resolveDevices picks the send targets: the explicitly requested device,
// or every active online device the user has. An empty result is not an
// error; the caller queues the messages instead.
func (s *Service) resolveDevices(ctx context.Context, userID uuid.UUID, deviceID *uuid.UUID) ([]*device.Device, error) {
	if deviceID != nil {
		d, err := s.devices.GetForUser(ctx, *deviceID, userID)
		if errors.Is(err, device.ErrNotOwned) {
			return nil, ErrDeviceNotOwned
		}
		if err != nil {
			return nil, err
		}
		if !d.IsActive {
			return nil, ErrDeviceInactive
		}
		if !s.presence.IsOnline(ctx, d.ID) {
			return nil, nil
		}
		return []*device.Device{d}, nil
	}

	all, err := s.devices.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var online []*device.Device
	for _, d := range all {
		if s.presence.IsOnline(ctx, d.ID) {
			online = append(online, d)
		}
	}
	return online, nil
}

func (s *Service) dispatchMessages(ctx context.Context, targets []*device.Device, body string, msgs []*Message) error {
	byID := make(map[uuid.UUID]*device.Device, len(targets))
	for _, d := range targets {
		byID[d.ID] = d
	}
	tasks := make([]notify.Task, 0, len(msgs))
	for _, m := range msgs {
		if m.DeviceID == nil {
			continue
		}
		d, ok := byID[*m.DeviceID]
		if !ok {
			continue
		}
		tasks = append(tasks, notify.Task{
			DeviceID:   d.ID,
			DeviceType: string(d.Type),
			FCMToken:   d.FCMToken,
			MessageID:  m.ID,
			Recipient:  m.ToNumber,
		})
	}
	start := time.Now()
	err := s.dispatcher.Dispatch(ctx, body, tasks)
	s.metrics.ObserveDispatchLatency(time.Since(start).Seconds())
	return err
}

// HandleReport applies a device delivery report. Unknown message ids come
// back as hub.ErrUnknownMessage so the session answers with an error frame.
func (s *Service) HandleReport(ctx context.Context, deviceID, messageID uuid.UUID, status, errorMsg string) error {
	st, ok := reportable(status)
	if !ok {
		return fmt.Errorf("sms: unreportable status %q", status)
	}
	res, err := s.store.UpdateAck(ctx, deviceID, messageID, st, errorMsg)
	if errors.Is(err, ErrNotFound) {
		return hub.ErrUnknownMessage
	}
	if err != nil {
		return err
	}
	if !res.Changed {
		return nil
	}
	s.metrics.ObserveMessage(string(res.Message.Status))

	event := ""
	switch res.Message.Status {
	case StatusSent:
		event = EventSent
	case StatusDelivered:
		event = EventDelivered
	case StatusFailed:
		event = EventFailed
	}
	if event != "" && s.events != nil {
		s.events.Publish(ctx, res.Message.UserID, event, reportPayload(res.Message))
	}
	return nil
}

// HandleIncoming stores a message received by a device and fans it out to
// the tenant's webhooks.
func (s *Service) HandleIncoming(ctx context.Context, deviceID uuid.UUID, from, body string, receivedAt time.Time) (uuid.UUID, error) {
	d, err := s.devices.Get(ctx, deviceID)
	if err != nil {
		return uuid.Nil, err
	}
	owner := d.UserID
	recv := receivedAt.UTC()
	m := &Message{
		ID:         uuid.New(),
		UserID:     owner,
		DeviceID:   &deviceID,
		Direction:  DirectionInbound,
		FromNumber: from,
		Body:       body,
		Status:     StatusReceived,
		CreatedAt:  time.Now().UTC(),
		ReceivedAt: &recv,
	}
	if err := s.store.InsertInbound(ctx, m); err != nil {
		return uuid.Nil, err
	}
	if s.events != nil {
		s.events.Publish(ctx, owner, EventReceived, map[string]any{
			"message_id": m.ID.String(),
			"from":       from,
			"body":       body,
		})
	}
	return m.ID, nil
}

func reportPayload(m *Message) map[string]any {
	payload := map[string]any{
		"message_id": m.ID.String(),
		"status":     string(m.Status),
		"to":         m.ToNumber,
	}
	if m.DeviceID != nil {
		payload["device_id"] = m.DeviceID.String()
	}
	if m.ErrorMessage != "" {
		payload["error"] = m.ErrorMessage
	}
	return payload
}

// SweepStale requeues stuck messages and redistributes them across the
// owners' online devices. Run on a schedule.
func (s *Service) SweepStale(ctx context.Context, maxAge time.Duration) (requeued, failed int, err error) {
	msgs, failedCount, err := s.store.SweepStale(ctx, maxAge, maxAttempts)
	if err != nil {
		return 0, 0, err
	}
	if err := s.RedispatchQueued(ctx); err != nil {
		s.logger.Error("redispatch after sweep failed", "error", err)
	}
	return len(msgs), failedCount, nil
}

// RedispatchQueued assigns queued messages to online devices user by user
// and pushes them through the dispatcher.
func (s *Service) RedispatchQueued(ctx context.Context) error {
	users, err := s.store.UsersWithQueued(ctx)
	if err != nil {
		return err
	}
	for _, userID := range users {
		all, err := s.devices.ListActiveByUser(ctx, userID)
		if err != nil {
			s.logger.Error("redispatch device list failed", "error", err, "user_id", userID)
			continue
		}
		var online []*device.Device
		for _, d := range all {
			if s.presence.IsOnline(ctx, d.ID) {
				online = append(online, d)
			}
		}
		if len(online) == 0 {
			continue
		}
		for {
			claimed := 0
			for _, d := range online {
				msgs, err := s.store.AssignQueued(ctx, userID, d.ID, sweepChunk)
				if err != nil {
					s.logger.Error("redispatch assign failed", "error", err,
						"user_id", userID, "device_id", d.ID)
					continue
				}
				claimed += len(msgs)
				for _, group := range groupByBody(msgs) {
					if err := s.dispatchMessages(ctx, online, group.body, group.msgs); err != nil {
						s.logger.Error("redispatch failed", "error", err, "user_id", userID)
					}
				}
			}
			if claimed == 0 {
				break
			}
		}
	}
	return nil
}

type bodyGroup struct {
	body string
	msgs []*Message
}

// groupByBody keeps dispatch payloads coherent: every task batch the
// dispatcher sees shares one body.
func groupByBody(msgs []*Message) []bodyGroup {
	index := make(map[string]int)
	var groups []bodyGroup
	for _, m := range msgs {
		i, ok := index[m.Body]
		if !ok {
			i = len(groups)
			index[m.Body] = i
			groups = append(groups, bodyGroup{body: m.Body})
		}
		groups[i].msgs = append(groups[i].msgs, m)
	}
	return groups
}
