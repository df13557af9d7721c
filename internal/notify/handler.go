package notify

import (
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/smsflow/sms-gateway/internal/http/respond"
	"github.com/smsflow/sms-gateway/pkg/logging"
)

var tracer = otel.Tracer("smsgateway.internal.notify")

// Handler serves the internal notification callback the queue posts to.
// Signature verification happens in the router's internal middleware.
type Handler struct {
	processor *Processor
	logger    *logging.Logger
}

func NewHandler(processor *Processor, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{processor: processor, logger: logger}
}

// Send handles POST /api/v1/internal/notifications/send. A non-2xx status
// tells the queue to retry.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "notify.process_queued")
	defer span.End()

	var payload Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respond.Detail(w, http.StatusBadRequest, "invalid payload")
		return
	}
	span.SetAttributes(
		attribute.String("smsgateway.device_id", payload.DeviceID.String()),
		attribute.Int("smsgateway.message_count", len(payload.Messages)),
	)

	if err := h.processor.ProcessQueued(ctx, payload); err != nil {
		h.logger.Error("queued notification processing failed", "error", err,
			"device_id", payload.DeviceID)
		span.RecordError(err)
		respond.Detail(w, http.StatusInternalServerError, "delivery failed")
		return
	}
	respond.JSON(w, http.StatusOK, map[string]string{"status": "processed"})
}
