package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smsflow/sms-gateway/internal/tenancy"
)

type fakeKeys struct {
	userID uuid.UUID
}

func (f *fakeKeys) Authenticate(_ context.Context, secret string) (uuid.UUID, error) {
	if secret == "ek_good" {
		return f.userID, nil
	}
	return uuid.Nil, errors.New("invalid key")
}

func signToken(t *testing.T, secret string, sub string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestUserAuth_JWT(t *testing.T) {
	userID := uuid.New()
	var gotUser uuid.UUID
	handler := UserAuth("secret", nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = tenancy.UserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "secret", userID.String()))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, userID, gotUser)
}

func TestUserAuth_RejectsBadToken(t *testing.T) {
	handler := UserAuth("secret", nil, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not run")
	}))

	for _, header := range []string{
		"",
		"Bearer not-a-jwt",
		"Bearer " + signToken(t, "wrong-secret", uuid.NewString()),
		"Bearer " + signToken(t, "secret", "not-a-uuid"),
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
}

func TestUserAuth_APIKey(t *testing.T) {
	userID := uuid.New()
	keys := &fakeKeys{userID: userID}
	var gotUser uuid.UUID
	handler := UserAuth("secret", keys, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = tenancy.UserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	req.Header.Set(APIKeyHeader, "ek_good")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, userID, gotUser)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	req.Header.Set(APIKeyHeader, "ek_bad")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

type fakeDeviceResolver struct {
	deviceID uuid.UUID
	userID   uuid.UUID
}

func (f *fakeDeviceResolver) ResolveDevice(_ context.Context, apiKey string) (uuid.UUID, uuid.UUID, error) {
	if apiKey == "dk_good" {
		return f.deviceID, f.userID, nil
	}
	return uuid.Nil, uuid.Nil, errors.New("invalid key")
}

func TestDeviceAuth_ReadsAPIKeyHeader(t *testing.T) {
	resolver := &fakeDeviceResolver{deviceID: uuid.New(), userID: uuid.New()}
	var gotDevice, gotUser uuid.UUID
	handler := DeviceAuth(resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDevice, _ = tenancy.DeviceIDFromContext(r.Context())
		gotUser, _ = tenancy.UserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sms/report", nil)
	req.Header.Set(APIKeyHeader, "dk_good")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, resolver.deviceID, gotDevice)
	assert.Equal(t, resolver.userID, gotUser)
}

func TestDeviceAuth_RejectsMissingOrBadKey(t *testing.T) {
	handler := DeviceAuth(&fakeDeviceResolver{})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sms/report", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/sms/report", nil)
	req.Header.Set(APIKeyHeader, "dk_bad")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
