package sms

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/smsflow/sms-gateway/internal/hub"
	"github.com/smsflow/sms-gateway/internal/http/respond"
	"github.com/smsflow/sms-gateway/internal/quota"
	"github.com/smsflow/sms-gateway/internal/tenancy"
	"github.com/smsflow/sms-gateway/pkg/logging"
)

var tracer = otel.Tracer("smsgateway.internal.sms")

type fcmTokenUpdater interface {
	UpdateFCMToken(ctx context.Context, id uuid.UUID, token string) error
}

// Handler serves the message endpoints: tenant send and history, plus the
// HTTP callbacks devices without a websocket use.
type Handler struct {
	service  *Service
	store    *Store
	fcm      fcmTokenUpdater
	sweepAge time.Duration
	logger   *logging.Logger
}

func NewHandler(service *Service, store *Store, fcm fcmTokenUpdater, sweepAge time.Duration, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, store: store, fcm: fcm, sweepAge: sweepAge, logger: logger}
}

// Send handles POST /sms/send.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "sms.send")
	defer span.End()

	userID, ok := tenancy.UserIDFromContext(ctx)
	if !ok {
		respond.Detail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Detail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	span.SetAttributes(attribute.Int("smsgateway.recipients", len(req.Recipients)))

	result, err := h.service.Send(ctx, userID, req)
	if err != nil {
		h.writeSendError(w, span, err, userID)
		return
	}
	respond.JSON(w, http.StatusCreated, result)
}

func (h *Handler) writeSendError(w http.ResponseWriter, span trace.Span, err error, userID uuid.UUID) {
	var exceeded *quota.ExceededError
	switch {
	case errors.As(err, &exceeded):
		respond.Detail(w, http.StatusTooManyRequests, exceeded.Detail())
	case errors.Is(err, ErrNoRecipients), errors.Is(err, ErrTooManyRecipients),
		errors.Is(err, ErrEmptyBody), errors.Is(err, ErrBodyTooLong):
		respond.Detail(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrDeviceNotOwned):
		respond.Detail(w, http.StatusForbidden, "device does not belong to user")
	case errors.Is(err, ErrDeviceInactive):
		respond.Detail(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("send failed", "error", err, "user_id", userID)
		respond.Detail(w, http.StatusInternalServerError, "failed to send")
		span.RecordError(err)
	}
}

// List handles GET /sms/messages.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "sms.list")
	defer span.End()

	userID, ok := tenancy.UserIDFromContext(ctx)
	if !ok {
		respond.Detail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	filter := ListFilter{
		Status:    Status(r.URL.Query().Get("status")),
		Direction: r.URL.Query().Get("direction"),
	}
	if raw := r.URL.Query().Get("device_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			respond.Detail(w, http.StatusBadRequest, "invalid device_id filter")
			return
		}
		filter.DeviceID = &id
	}
	if raw := r.URL.Query().Get("batch_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			respond.Detail(w, http.StatusBadRequest, "invalid batch_id filter")
			return
		}
		filter.BatchID = &id
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Limit = n
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Offset = n
		}
	}

	msgs, err := h.store.ListByUser(ctx, userID, filter)
	if err != nil {
		h.logger.Error("message list failed", "error", err, "user_id", userID)
		respond.Detail(w, http.StatusInternalServerError, "failed to list messages")
		span.RecordError(err)
		return
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	respond.JSON(w, http.StatusOK, msgs)
}

// ListIncoming handles GET /sms/incoming, the tenant's view of received
// messages.
func (h *Handler) ListIncoming(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "sms.list_incoming")
	defer span.End()

	userID, ok := tenancy.UserIDFromContext(ctx)
	if !ok {
		respond.Detail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	filter := ListFilter{Direction: DirectionInbound}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Limit = n
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Offset = n
		}
	}
	msgs, err := h.store.ListByUser(ctx, userID, filter)
	if err != nil {
		h.logger.Error("incoming list failed", "error", err, "user_id", userID)
		respond.Detail(w, http.StatusInternalServerError, "failed to list messages")
		span.RecordError(err)
		return
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	respond.JSON(w, http.StatusOK, msgs)
}

// Get handles GET /sms/messages/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "sms.get")
	defer span.End()

	userID, ok := tenancy.UserIDFromContext(ctx)
	if !ok {
		respond.Detail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respond.Detail(w, http.StatusBadRequest, "invalid message id")
		return
	}
	m, err := h.store.GetForUser(ctx, id, userID)
	switch {
	case errors.Is(err, ErrNotFound):
		respond.Detail(w, http.StatusNotFound, "message not found")
	case errors.Is(err, ErrNotOwned):
		respond.Detail(w, http.StatusForbidden, "message does not belong to user")
	case err != nil:
		h.logger.Error("message get failed", "error", err, "message_id", id)
		respond.Detail(w, http.StatusInternalServerError, "internal error")
		span.RecordError(err)
	default:
		respond.JSON(w, http.StatusOK, m)
	}
}

type reportRequest struct {
	MessageID uuid.UUID `json:"message_id"`
	Status    string    `json:"status"`
	Error     string    `json:"error"`
}

// Report handles POST /sms/report, the HTTP fallback for devices that
// cannot hold a websocket open. Requires device auth.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "sms.report")
	defer span.End()

	deviceID, ok := tenancy.DeviceIDFromContext(ctx)
	if !ok {
		respond.Detail(w, http.StatusUnauthorized, "device authentication required")
		return
	}
	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MessageID == uuid.Nil {
		respond.Detail(w, http.StatusBadRequest, "invalid report")
		return
	}
	err := h.service.HandleReport(ctx, deviceID, req.MessageID, req.Status, req.Error)
	switch {
	case errors.Is(err, hub.ErrUnknownMessage):
		respond.Detail(w, http.StatusNotFound, "unknown message_id")
	case err != nil:
		h.logger.Error("report failed", "error", err, "device_id", deviceID)
		respond.Detail(w, http.StatusInternalServerError, "failed to process report")
		span.RecordError(err)
	default:
		respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type incomingRequest struct {
	From       string `json:"from"`
	Body       string `json:"body"`
	ReceivedAt string `json:"received_at"`
}

// Incoming handles POST /sms/incoming, the HTTP fallback for inbound
// messages. Requires device auth.
func (h *Handler) Incoming(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "sms.incoming")
	defer span.End()

	deviceID, ok := tenancy.DeviceIDFromContext(ctx)
	if !ok {
		respond.Detail(w, http.StatusUnauthorized, "device authentication required")
		return
	}
	var req incomingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.From == "" || req.Body == "" {
		respond.Detail(w, http.StatusBadRequest, "from and body are required")
		return
	}
	receivedAt := time.Now().UTC()
	if req.ReceivedAt != "" {
		if t, err := time.Parse(time.RFC3339, req.ReceivedAt); err == nil {
			receivedAt = t.UTC()
		}
	}
	id, err := h.service.HandleIncoming(ctx, deviceID, req.From, req.Body, receivedAt)
	if err != nil {
		h.logger.Error("incoming failed", "error", err, "device_id", deviceID)
		respond.Detail(w, http.StatusInternalServerError, "failed to store message")
		span.RecordError(err)
		return
	}
	respond.JSON(w, http.StatusCreated, map[string]string{"message_id": id.String()})
}

type fcmTokenRequest struct {
	Token string `json:"token"`
}

// FCMToken handles POST /sms/fcm-token. Requires device auth.
func (h *Handler) FCMToken(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "sms.fcm_token")
	defer span.End()

	deviceID, ok := tenancy.DeviceIDFromContext(ctx)
	if !ok {
		respond.Detail(w, http.StatusUnauthorized, "device authentication required")
		return
	}
	var req fcmTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		respond.Detail(w, http.StatusBadRequest, "token is required")
		return
	}
	if err := h.fcm.UpdateFCMToken(ctx, deviceID, req.Token); err != nil {
		h.logger.Error("fcm token update failed", "error", err, "device_id", deviceID)
		respond.Detail(w, http.StatusInternalServerError, "failed to store token")
		span.RecordError(err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SweepMessages handles POST /internal/jobs/sweep-messages, the scheduled
// recovery pass for stuck messages.
func (h *Handler) SweepMessages(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "sms.sweep")
	defer span.End()

	requeued, failed, err := h.service.SweepStale(ctx, h.sweepAge)
	if err != nil {
		h.logger.Error("sweep failed", "error", err)
		respond.Detail(w, http.StatusInternalServerError, "sweep failed")
		span.RecordError(err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]int{"requeued": requeued, "failed": failed})
}
