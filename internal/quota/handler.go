package quota

import (
	"net/http"

	"go.opentelemetry.io/otel"

	"github.com/smsflow/sms-gateway/internal/http/respond"
	"github.com/smsflow/sms-gateway/internal/tenancy"
	"github.com/smsflow/sms-gateway/pkg/logging"
)

var tracer = otel.Tracer("smsgateway.internal.quota")

// Handler serves quota reads and the scheduled monthly reset.
type Handler struct {
	service *Service
	logger  *logging.Logger
}

func NewHandler(service *Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, logger: logger}
}

// Get handles GET /plans/quota.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "quota.get")
	defer span.End()

	userID, ok := tenancy.UserIDFromContext(ctx)
	if !ok {
		respond.Detail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	info, err := h.service.GetQuota(ctx, userID)
	if err != nil {
		h.logger.Error("quota get failed", "error", err, "user_id", userID)
		respond.Detail(w, http.StatusInternalServerError, "failed to load quota")
		span.RecordError(err)
		return
	}
	respond.JSON(w, http.StatusOK, info)
}

// ResetMonthly handles POST /internal/jobs/reset-quotas, the daily job that
// zeroes counters for accounts whose billing anniversary is today.
func (h *Handler) ResetMonthly(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "quota.reset_monthly")
	defer span.End()

	reset, err := h.service.ResetMonthly(ctx)
	if err != nil {
		h.logger.Error("quota reset failed", "error", err)
		respond.Detail(w, http.StatusInternalServerError, "reset failed")
		span.RecordError(err)
		return
	}
	h.logger.Info("monthly quota reset", "accounts", reset)
	respond.JSON(w, http.StatusOK, map[string]int{"reset": reset})
}
