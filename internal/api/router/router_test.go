package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"

	"github.com/smsflow/sms-gateway/internal/apikey"
	"github.com/smsflow/sms-gateway/internal/billing"
	"github.com/smsflow/sms-gateway/internal/device"
	"github.com/smsflow/sms-gateway/internal/notify"
	"github.com/smsflow/sms-gateway/internal/quota"
	"github.com/smsflow/sms-gateway/internal/sms"
	"github.com/smsflow/sms-gateway/internal/webhook"
)

type rejectAll struct{}

func (rejectAll) VerifySignature(string, string, []byte) error {
	return assert.AnError
}

type noopQuotas struct{}

func (noopQuotas) RegisterDevice(context.Context, uuid.UUID) error   { return nil }
func (noopQuotas) UnregisterDevice(context.Context, uuid.UUID) error { return nil }

func testRouter() http.Handler {
	mock, _ := pgxmock.NewPool()
	return New(&Config{
		JWTSecret:      "test-secret",
		SMSHandler:     sms.NewHandler(nil, nil, nil, 0, nil),
		DeviceHandler:  device.NewHandler(device.NewStore(mock), noopQuotas{}, nil),
		WebhookHandler: webhook.NewHandler(nil, nil, nil),
		QuotaHandler:   quota.NewHandler(nil, nil),
		BillingHandler: billing.NewHandler(nil, nil),
		APIKeyHandler:  apikey.NewHandler(nil, nil),
		NotifyHandler:  notify.NewHandler(nil, nil),
		QueueVerifier:  rejectAll{},
		PublicBaseURL:  "https://gateway.test",
	})
}

func TestRouter_Healthz(t *testing.T) {
	rec := httptest.NewRecorder()
	testRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRouter_TenantRoutesRequireAuth(t *testing.T) {
	router := testRouter()
	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/v1/sms/send"},
		{http.MethodGet, "/api/v1/sms/messages"},
		{http.MethodGet, "/api/v1/sms/incoming"},
		{http.MethodPost, "/api/v1/sms/devices/"},
		{http.MethodGet, "/api/v1/sms/devices/"},
		{http.MethodPost, "/api/v1/webhooks/"},
		{http.MethodGet, "/api/v1/plans/quota"},
		{http.MethodGet, "/api/v1/plans/list"},
		{http.MethodPut, "/api/v1/plans/upgrade"},
		{http.MethodPost, "/api/v1/plans/cancel"},
		{http.MethodGet, "/api/v1/subscriptions/current"},
		{http.MethodGet, "/api/v1/api-keys/"},
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestRouter_DeviceCallbacksRequireDeviceKey(t *testing.T) {
	router := testRouter()
	for _, path := range []string{
		"/api/v1/sms/report",
		"/api/v1/sms/incoming",
		"/api/v1/sms/fcm-token",
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestRouter_InternalRoutesRequireQueueSignature(t *testing.T) {
	router := testRouter()
	for _, path := range []string{
		"/api/v1/internal/notifications/send",
		"/api/v1/internal/webhooks/deliver",
		"/internal/jobs/check-renewals",
		"/internal/jobs/reset-quotas",
		"/internal/jobs/sweep-messages",
	} {
		// No signature header at all.
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)

		// A signature the verifier rejects.
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set("Upstash-Signature", "bogus")
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestRouter_UnknownRoute(t *testing.T) {
	rec := httptest.NewRecorder()
	testRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
