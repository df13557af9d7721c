// Package hub maintains live websocket sessions for connected devices and
// routes protocol frames between devices and the send pipeline.
package hub

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Client frame types.
const (
	FrameRegister    = "register"
	FramePing        = "ping"
	FrameSMSReport   = "sms_report"
	FrameSMSIncoming = "sms_incoming"
)

// Server frame types.
const (
	FrameRegistered = "registered"
	FramePong       = "pong"
	FrameAck        = "ack"
	FrameError      = "error"
	FrameTask       = "task"
)

// CloseBadAPIKey is sent before closing a connection that presented an
// unknown or inactive device api key.
const CloseBadAPIKey = 4001

// ClientFrame is the envelope every device frame arrives in. Fields beyond
// Type are populated depending on the frame type.
type ClientFrame struct {
	Type string `json:"type"`

	// register
	DeviceName  string `json:"device_name,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Model       string `json:"model,omitempty"`
	OSVersion   string `json:"os_version,omitempty"`
	AppVersion  string `json:"app_version,omitempty"`

	// sms_report
	MessageID uuid.UUID `json:"message_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	ErrorMsg  string    `json:"error,omitempty"`

	// sms_incoming
	From       string `json:"from,omitempty"`
	Body       string `json:"body,omitempty"`
	ReceivedAt string `json:"received_at,omitempty"`
}

// ServerFrame is the envelope for everything the hub writes back.
type ServerFrame struct {
	Type      string    `json:"type"`
	Status    string    `json:"status,omitempty"`
	DeviceID  uuid.UUID `json:"device_id,omitempty"`
	MessageID uuid.UUID `json:"message_id,omitempty"`
	To        string    `json:"to,omitempty"`
	Body      string    `json:"body,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

func errorFrame(detail string) ServerFrame {
	return ServerFrame{Type: FrameError, Detail: detail}
}

func (f ServerFrame) encode() []byte {
	b, _ := json.Marshal(f)
	return b
}

// parseReceivedAt tolerates RFC3339 timestamps and falls back to now so a
// device clock bug never drops an inbound message.
func parseReceivedAt(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}
