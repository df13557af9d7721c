// Package device manages registered sender devices and their credentials.
package device

import (
	"time"

	"github.com/google/uuid"
)

// Type discriminates how undeliverable work reaches an offline device.
type Type string

const (
	TypeAndroid Type = "android"
	TypeModem   Type = "modem"
)

func (t Type) Valid() bool {
	return t == TypeAndroid || t == TypeModem
}

// Device is a registered SMS sender owned by a tenant user.
type Device struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"user_id"`
	Name        string     `json:"name"`
	Type        Type       `json:"device_type"`
	APIKey      string     `json:"api_key,omitempty"`
	FCMToken    string     `json:"-"`
	PhoneNumber string     `json:"phone_number,omitempty"`
	Model       string     `json:"model,omitempty"`
	OSVersion   string     `json:"os_version,omitempty"`
	AppVersion  string     `json:"app_version,omitempty"`
	IsActive    bool       `json:"is_active"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
