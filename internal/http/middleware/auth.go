package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/smsflow/sms-gateway/internal/http/respond"
	"github.com/smsflow/sms-gateway/internal/tenancy"
	"github.com/smsflow/sms-gateway/pkg/logging"
)

// APIKeyHeader carries a tenant API key as an alternative to JWT login.
const APIKeyHeader = "X-API-Key"

// KeyAuthenticator resolves a tenant API key to its owner.
type KeyAuthenticator interface {
	Authenticate(ctx context.Context, secret string) (uuid.UUID, error)
}

// UserAuth authenticates tenant requests. It accepts either a Bearer JWT
// signed with the gateway secret or an API key in the X-API-Key header,
// and stores the resolved user id in the request context.
func UserAuth(jwtSecret string, keys KeyAuthenticator, logger *logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey := r.Header.Get(APIKeyHeader); apiKey != "" && keys != nil {
				userID, err := keys.Authenticate(r.Context(), apiKey)
				if err != nil {
					respond.Detail(w, http.StatusUnauthorized, "invalid api key")
					return
				}
				next.ServeHTTP(w, r.WithContext(tenancy.WithUserID(r.Context(), userID)))
				return
			}

			token := bearerToken(r)
			if token == "" {
				respond.Detail(w, http.StatusUnauthorized, "authentication required")
				return
			}
			userID, err := parseUserToken(token, jwtSecret)
			if err != nil {
				logger.Warn("jwt rejected", "error", err)
				respond.Detail(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(tenancy.WithUserID(r.Context(), userID)))
		})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func parseUserToken(tokenString, secret string) (uuid.UUID, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return uuid.Nil, fmt.Errorf("invalid token claims")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return uuid.Nil, fmt.Errorf("token missing subject")
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, fmt.Errorf("token subject is not a user id")
	}
	return userID, nil
}

// DeviceResolver resolves a device credential to the device's ids.
type DeviceResolver interface {
	ResolveDevice(ctx context.Context, apiKey string) (deviceID, userID uuid.UUID, err error)
}

// DeviceAuth authenticates device HTTP callbacks via the device api key in
// X-API-Key and stores both the device and owning user id in context.
// Devices and tenants share the header name; the key itself decides which
// kind of caller this is, since the routes are disjoint.
func DeviceAuth(devices DeviceResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get(APIKeyHeader)
			if apiKey == "" {
				respond.Detail(w, http.StatusUnauthorized, "device api key required")
				return
			}
			deviceID, userID, err := devices.ResolveDevice(r.Context(), apiKey)
			if err != nil {
				respond.Detail(w, http.StatusUnauthorized, "invalid device api key")
				return
			}
			ctx := tenancy.WithDeviceID(r.Context(), deviceID)
			ctx = tenancy.WithUserID(ctx, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SignatureVerifier checks a queue delivery token.
type SignatureVerifier interface {
	VerifySignature(signature, url string, body []byte) error
}

// QueueAuth guards the internal callback endpoints the durable queue posts
// to. The delivery token covers the absolute URL and the body, so the
// body is buffered and restored for the handler.
func QueueAuth(verifier SignatureVerifier, publicBaseURL string, logger *logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			signature := r.Header.Get("Upstash-Signature")
			if signature == "" {
				respond.Detail(w, http.StatusUnauthorized, "missing queue signature")
				return
			}
			body, err := readBody(r)
			if err != nil {
				respond.Detail(w, http.StatusBadRequest, "unreadable body")
				return
			}
			url := publicBaseURL + r.URL.Path
			if err := verifier.VerifySignature(signature, url, body); err != nil {
				logger.Warn("queue signature rejected", "error", err, "path", r.URL.Path)
				respond.Detail(w, http.StatusUnauthorized, "invalid queue signature")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
