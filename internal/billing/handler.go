package billing

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/smsflow/sms-gateway/internal/http/respond"
	"github.com/smsflow/sms-gateway/internal/tenancy"
	"github.com/smsflow/sms-gateway/pkg/logging"
)

var tracer = otel.Tracer("smsgateway.internal.billing")

// Handler serves plan, subscription and billing webhook endpoints.
type Handler struct {
	controller *Controller
	logger     *logging.Logger
}

func NewHandler(controller *Controller, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{controller: controller, logger: logger}
}

// ListPlans handles GET /plans/list.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "billing.list_plans")
	defer span.End()

	plans, err := h.controller.ListPlans(ctx)
	if err != nil {
		h.logger.Error("plan list failed", "error", err)
		respond.Detail(w, http.StatusInternalServerError, "failed to list plans")
		span.RecordError(err)
		return
	}
	if plans == nil {
		plans = []*Plan{}
	}
	respond.JSON(w, http.StatusOK, plans)
}

type upgradeRequest struct {
	Plan         string       `json:"plan"`
	BillingCycle BillingCycle `json:"billing_cycle"`
	Method       string       `json:"method"`
}

// Upgrade handles PUT /plans/upgrade.
func (h *Handler) Upgrade(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "billing.upgrade")
	defer span.End()

	userID, ok := tenancy.UserIDFromContext(ctx)
	if !ok {
		respond.Detail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req upgradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Detail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	span.SetAttributes(attribute.String("smsgateway.plan", req.Plan))

	result, err := h.controller.StartSubscription(ctx, userID, req.Plan, req.BillingCycle, req.Method)
	if err != nil {
		switch {
		case errors.Is(err, ErrPlanNotFound):
			respond.Detail(w, http.StatusNotFound, "plan not found")
		case errors.Is(err, ErrBadCycle):
			respond.Detail(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, ErrAlreadySubscribed):
			respond.Detail(w, http.StatusConflict, "an open subscription already exists")
		case errors.Is(err, ErrProviderNotConfigured):
			respond.Detail(w, http.StatusServiceUnavailable, "payments are not available")
		default:
			h.logger.Error("plan upgrade failed", "error", err, "user_id", userID)
			respond.Detail(w, http.StatusInternalServerError, "failed to start subscription")
			span.RecordError(err)
		}
		return
	}
	respond.JSON(w, http.StatusOK, result)
}

// CurrentSubscription handles GET /subscriptions/current.
func (h *Handler) CurrentSubscription(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "billing.current_subscription")
	defer span.End()

	userID, ok := tenancy.UserIDFromContext(ctx)
	if !ok {
		respond.Detail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	sub, err := h.controller.CurrentSubscription(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		respond.Detail(w, http.StatusNotFound, "no active subscription")
		return
	}
	if err != nil {
		h.logger.Error("subscription lookup failed", "error", err, "user_id", userID)
		respond.Detail(w, http.StatusInternalServerError, "failed to load subscription")
		span.RecordError(err)
		return
	}
	respond.JSON(w, http.StatusOK, sub)
}

type cancelRequest struct {
	Immediate bool `json:"immediate"`
}

// Cancel handles POST /subscriptions/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "billing.cancel")
	defer span.End()

	userID, ok := tenancy.UserIDFromContext(ctx)
	if !ok {
		respond.Detail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req cancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respond.Detail(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if err := h.controller.Cancel(ctx, userID, req.Immediate); err != nil {
		if errors.Is(err, ErrNoSubscription) {
			respond.Detail(w, http.StatusNotFound, "no active subscription")
			return
		}
		h.logger.Error("cancellation failed", "error", err, "user_id", userID)
		respond.Detail(w, http.StatusInternalServerError, "failed to cancel subscription")
		span.RecordError(err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// ProviderWebhook handles POST /subscriptions/webhook/{provider}, the
// payment gateway's confirmation callback.
func (h *Handler) ProviderWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "billing.provider_webhook")
	defer span.End()

	if name := chi.URLParam(r, "provider"); name != h.controller.ProviderName() {
		respond.Detail(w, http.StatusNotFound, "unknown payment provider")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		respond.Detail(w, http.StatusBadRequest, "invalid webhook body")
		return
	}

	status, err := h.controller.HandleProviderWebhook(ctx, body)
	if err != nil {
		switch {
		case errors.Is(err, ErrBadWebhook):
			respond.Detail(w, http.StatusBadRequest, "invalid webhook body")
		case errors.Is(err, ErrUnverifiedPayment):
			respond.Detail(w, http.StatusBadRequest, "payment could not be verified")
		case errors.Is(err, ErrPaymentNotFound), errors.Is(err, ErrSubscriptionNotFound):
			respond.Detail(w, http.StatusNotFound, "unknown transaction")
		default:
			h.logger.Error("provider webhook failed", "error", err)
			respond.Detail(w, http.StatusInternalServerError, "failed to process webhook")
			span.RecordError(err)
		}
		return
	}
	span.SetAttributes(attribute.String("smsgateway.webhook_status", status))
	respond.JSON(w, http.StatusOK, map[string]string{"status": status})
}

// CheckRenewals handles POST /internal/jobs/check-renewals, the scheduled
// daily billing pass.
func (h *Handler) CheckRenewals(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "billing.check_renewals")
	defer span.End()

	result, err := h.controller.RunRenewalScan(ctx)
	if err != nil {
		h.logger.Error("renewal scan failed", "error", err)
		respond.Detail(w, http.StatusInternalServerError, "renewal scan failed")
		span.RecordError(err)
		return
	}
	respond.JSON(w, http.StatusOK, result)
}
