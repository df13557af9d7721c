package device

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/smsflow/sms-gateway/internal/http/respond"
	"github.com/smsflow/sms-gateway/internal/quota"
	"github.com/smsflow/sms-gateway/internal/tenancy"
	"github.com/smsflow/sms-gateway/pkg/logging"
)

var tracer = otel.Tracer("smsgateway.internal.device")

// quotaService is the slice of the quota service the handler needs.
type quotaService interface {
	RegisterDevice(ctx context.Context, userID uuid.UUID) error
	UnregisterDevice(ctx context.Context, userID uuid.UUID) error
}

// Handler serves the device CRUD endpoints.
type Handler struct {
	store  *Store
	quotas quotaService
	logger *logging.Logger
}

func NewHandler(store *Store, quotas quotaService, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	if store == nil {
		panic("device: store cannot be nil")
	}
	if quotas == nil {
		panic("device: quota service cannot be nil")
	}
	return &Handler{store: store, quotas: quotas, logger: logger}
}

type createRequest struct {
	Name        string `json:"name"`
	DeviceType  Type   `json:"device_type"`
	PhoneNumber string `json:"phone_number"`
}

// Create handles POST /sms/devices. The device quota slot is reserved before
// the insert and released again if the insert fails.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "device.create")
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
	if req.DeviceType == "" {
		req.DeviceType = TypeAndroid
	}

	if err := h.quotas.RegisterDevice(ctx, userID); err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			respond.Detail(w, http.StatusTooManyRequests, exceeded.Detail())
			return
		}
		h.logger.Error("device quota check failed", "error", err, "user_id", userID)
		respond.Detail(w, http.StatusInternalServerError, "failed to register device")
		span.RecordError(err)
		return
	}

	d, err := h.store.Create(ctx, userID, req.Name, req.DeviceType, req.PhoneNumber)
	if err != nil {
		if releaseErr := h.quotas.UnregisterDevice(ctx, userID); releaseErr != nil {
			h.logger.Error("failed to release device slot", "error", releaseErr, "user_id", userID)
		}
		switch {
		case errors.Is(err, ErrEmptyName), errors.Is(err, ErrBadType):
			respond.Detail(w, http.StatusUnprocessableEntity, err.Error())
		default:
			h.logger.Error("device create failed", "error", err, "user_id", userID)
			respond.Detail(w, http.StatusInternalServerError, "failed to register device")
			span.RecordError(err)
		}
		return
	}
	span.SetAttributes(attribute.String("smsgateway.device_id", d.ID.String()))

	respond.JSON(w, http.StatusCreated, d)
}

// List handles GET /sms/devices. API keys are redacted.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "device.list")
	defer span.End()

	userID, ok := tenancy.UserIDFromContext(ctx)
	if !ok {
		respond.Detail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	devices, err := h.store.ListByUser(ctx, userID)
	if err != nil {
		h.logger.Error("device list failed", "error", err, "user_id", userID)
		respond.Detail(w, http.StatusInternalServerError, "failed to list devices")
		span.RecordError(err)
		return
	}
	for _, d := range devices {
		d.APIKey = ""
	}
	if devices == nil {
		devices = []*Device{}
	}
	respond.JSON(w, http.StatusOK, devices)
}

// Get handles GET /sms/devices/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "device.get")
	defer span.End()

	userID, ok := tenancy.UserIDFromContext(ctx)
	if !ok {
		respond.Detail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respond.Detail(w, http.StatusBadRequest, "invalid device id")
		return
	}
	d, err := h.store.GetForUser(ctx, id, userID)
	if err != nil {
		h.writeStoreError(w, span, err, "device get failed", id)
		return
	}
	d.APIKey = ""
	respond.JSON(w, http.StatusOK, d)
}

type updateRequest struct {
	Name     *string `json:"name"`
	IsActive *bool   `json:"is_active"`
}

// Update handles PUT /sms/devices/{id}. Omitted fields keep their value.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "device.update")
	defer span.End()

	userID, ok := tenancy.UserIDFromContext(ctx)
	if !ok {
		respond.Detail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respond.Detail(w, http.StatusBadRequest, "invalid device id")
		return
	}
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Detail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	d, err := h.store.Update(ctx, id, userID, req.Name, req.IsActive)
	if err != nil {
		if errors.Is(err, ErrEmptyName) {
			respond.Detail(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.writeStoreError(w, span, err, "device update failed", id)
		return
	}
	d.APIKey = ""
	respond.JSON(w, http.StatusOK, d)
}

// Delete handles DELETE /sms/devices/{id} and releases the quota slot.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "device.delete")
	defer span.End()

	userID, ok := tenancy.UserIDFromContext(ctx)
	if !ok {
		respond.Detail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respond.Detail(w, http.StatusBadRequest, "invalid device id")
		return
	}
	if err := h.store.Delete(ctx, id, userID); err != nil {
		h.writeStoreError(w, span, err, "device delete failed", id)
		return
	}
	if err := h.quotas.UnregisterDevice(ctx, userID); err != nil {
		h.logger.Error("failed to release device slot", "error", err, "user_id", userID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeStoreError(w http.ResponseWriter, span trace.Span, err error, msg string, id uuid.UUID) {
	switch {
	case errors.Is(err, ErrNotFound):
		respond.Detail(w, http.StatusNotFound, "device not found")
	case errors.Is(err, ErrNotOwned):
		respond.Detail(w, http.StatusForbidden, "device does not belong to user")
	default:
		h.logger.Error(msg, "error", err, "device_id", id)
		respond.Detail(w, http.StatusInternalServerError, "internal error")
		span.RecordError(err)
	}
}
