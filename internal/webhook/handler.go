package webhook

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/smsflow/sms-gateway/internal/http/respond"
	"github.com/smsflow/sms-gateway/internal/tenancy"
	"github.com/smsflow/sms-gateway/pkg/logging"
)

var tracer = otel.Tracer("smsgateway.internal.webhook")

// Handler serves webhook registration CRUD and the internal delivery
// callback.
type Handler struct {
	store   *Store
	service *Service
	logger  *logging.Logger
}

func NewHandler(store *Store, service *Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{store: store, service: service, logger: logger}
}

type createRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

// Create handles POST /webhooks. The signing secret appears only in this
// response.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "webhook.create")
	defer span.End()

	userID, ok := tenancy.UserIDFromContext(ctx)
	if !ok {
		respond.Detail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Detail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	c, err := h.store.Create(ctx, userID, req.URL, req.Events)
	if err != nil {
		if errors.Is(err, ErrBadURL) || errors.Is(err, ErrNoEvents) {
			respond.Detail(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.logger.Error("webhook create failed", "error", err, "user_id", userID)
		respond.Detail(w, http.StatusInternalServerError, "failed to create webhook")
		span.RecordError(err)
		return
	}
	span.SetAttributes(attribute.String("smsgateway.webhook_id", c.ID.String()))
	respond.JSON(w, http.StatusCreated, c)
}

// List handles GET /webhooks.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "webhook.list")
	defer span.End()

	userID, ok := tenancy.UserIDFromContext(ctx)
	if !ok {
		respond.Detail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	configs, err := h.store.ListByUser(ctx, userID)
	if err != nil {
		h.logger.Error("webhook list failed", "error", err, "user_id", userID)
		respond.Detail(w, http.StatusInternalServerError, "failed to list webhooks")
		span.RecordError(err)
		return
	}
	if configs == nil {
		configs = []*Config{}
	}
	respond.JSON(w, http.StatusOK, configs)
}

// Get handles GET /webhooks/{id}. Secrets never come back after creation.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "webhook.get")
	defer span.End()

	userID, ok := tenancy.UserIDFromContext(ctx)
	if !ok {
		respond.Detail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respond.Detail(w, http.StatusBadRequest, "invalid webhook id")
		return
	}
	c, err := h.store.GetForUser(ctx, id, userID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	c.Secret = ""
	respond.JSON(w, http.StatusOK, c)
}

type updateRequest struct {
	URL      *string  `json:"url"`
	Events   []string `json:"events"`
	IsActive *bool    `json:"is_active"`
}

// Update handles PUT /webhooks/{id}. Omitted fields keep their value.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "webhook.update")
	defer span.End()

	userID, ok := tenancy.UserIDFromContext(ctx)
	if !ok {
		respond.Detail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respond.Detail(w, http.StatusBadRequest, "invalid webhook id")
		return
	}
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Detail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	c, err := h.store.Update(ctx, id, userID, req.URL, req.Events, req.IsActive)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, c)
}

// Delete handles DELETE /webhooks/{id}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "webhook.delete")
	defer span.End()

	userID, ok := tenancy.UserIDFromContext(ctx)
	if !ok {
		respond.Detail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respond.Detail(w, http.StatusBadRequest, "invalid webhook id")
		return
	}
	if err := h.store.Delete(ctx, id, userID); err != nil {
		h.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Deliver handles POST /api/v1/internal/webhooks/deliver, the queue
// callback executing one fan-out delivery.
func (h *Handler) Deliver(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "webhook.deliver")
	defer span.End()

	var job DeliveryJob
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		respond.Detail(w, http.StatusBadRequest, "invalid delivery job")
		return
	}
	span.SetAttributes(
		attribute.String("smsgateway.webhook_id", job.WebhookID.String()),
		attribute.String("smsgateway.event", job.Event),
	)
	if err := h.service.ProcessDelivery(ctx, job); err != nil {
		h.logger.Error("webhook delivery failed", "error", err, "webhook_id", job.WebhookID)
		span.RecordError(err)
		respond.Detail(w, http.StatusInternalServerError, "delivery failed")
		return
	}
	respond.JSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		respond.Detail(w, http.StatusNotFound, "webhook not found")
	case errors.Is(err, ErrNotOwned):
		respond.Detail(w, http.StatusForbidden, "webhook does not belong to user")
	case errors.Is(err, ErrBadURL), errors.Is(err, ErrNoEvents):
		respond.Detail(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.Error("webhook store error", "error", err)
		respond.Detail(w, http.StatusInternalServerError, "internal error")
	}
}
