package apikey

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/smsflow/sms-gateway/internal/http/respond"
	"github.com/smsflow/sms-gateway/internal/tenancy"
	"github.com/smsflow/sms-gateway/pkg/logging"
)

// Handler serves API key management endpoints.
type Handler struct {
	store  *Store
	logger *logging.Logger
}

func NewHandler(store *Store, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{store: store, logger: logger}
}

type createRequest struct {
	Name string `json:"name"`
}

// Create handles POST /api-keys. The plaintext key appears only in this
// response.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := tenancy.UserIDFromContext(r.Context())
	if !ok {
		respond.Detail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond.Detail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		respond.Detail(w, http.StatusUnprocessableEntity, "name is required")
		return
	}
	k, err := h.store.Create(r.Context(), userID, req.Name)
	if err != nil {
		h.logger.Error("api key create failed", "error", err, "user_id", userID)
		respond.Detail(w, http.StatusInternalServerError, "failed to create api key")
		return
	}
	respond.JSON(w, http.StatusCreated, k)
}

// List handles GET /api-keys.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := tenancy.UserIDFromContext(r.Context())
	if !ok {
		respond.Detail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	keys, err := h.store.ListByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("api key list failed", "error", err, "user_id", userID)
		respond.Detail(w, http.StatusInternalServerError, "failed to list api keys")
		return
	}
	if keys == nil {
		keys = []*Key{}
	}
	respond.JSON(w, http.StatusOK, keys)
}

// Delete handles DELETE /api-keys/{id}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := tenancy.UserIDFromContext(r.Context())
	if !ok {
		respond.Detail(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respond.Detail(w, http.StatusBadRequest, "invalid key id")
		return
	}
	if err := h.store.Delete(r.Context(), id, userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			respond.Detail(w, http.StatusNotFound, "api key not found")
			return
		}
		h.logger.Error("api key delete failed", "error", err, "user_id", userID)
		respond.Detail(w, http.StatusInternalServerError, "failed to delete api key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
