package tenancy

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey string

const (
	userKey   ctxKey = "smsgate.user_id"
	deviceKey ctxKey = "smsgate.device_id"
)

// WithUserID stores the authenticated tenant user id in context.
func WithUserID(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, userKey, userID)
}

// UserIDFromContext extracts the tenant user id if present.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	val := ctx.Value(userKey)
	if val == nil {
		return uuid.Nil, false
	}
	userID, ok := val.(uuid.UUID)
	return userID, ok && userID != uuid.Nil
}

// WithDeviceID stores the authenticated device id in context.
func WithDeviceID(ctx context.Context, deviceID uuid.UUID) context.Context {
	return context.WithValue(ctx, deviceKey, deviceID)
}

// DeviceIDFromContext extracts the device id if present.
func DeviceIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	val := ctx.Value(deviceKey)
	if val == nil {
		return uuid.Nil, false
	}
	deviceID, ok := val.(uuid.UUID)
	return deviceID, ok && deviceID != uuid.Nil
}
