package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// FCMClient wakes Android devices that have no live websocket session by
// sending a data message through Firebase Cloud Messaging. The device app
// reconnects and drains its assigned work.
type FCMClient struct {
	endpoint   string
	serverKey  string
	httpClient *http.Client
}

func NewFCMClient(endpoint, serverKey string, timeout time.Duration) *FCMClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &FCMClient{
		endpoint:   endpoint,
		serverKey:  serverKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type fcmMessage struct {
	To       string         `json:"to"`
	Priority string         `json:"priority"`
	Data     map[string]any `json:"data"`
}

// Send pushes the payload to the device's FCM token.
func (c *FCMClient) Send(ctx context.Context, token string, p Payload) error {
	if token == "" {
		return fmt.Errorf("notify: device has no fcm token")
	}
	body, err := json.Marshal(fcmMessage{
		To:       token,
		Priority: "high",
		Data: map[string]any{
			"type":      "sms_send",
			"device_id": p.DeviceID.String(),
			"messages":  p.Messages,
			"body":      p.Body,
		},
	})
	if err != nil {
		return fmt.Errorf("notify: marshal fcm message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build fcm request: %w", err)
	}
	req.Header.Set("Authorization", "key="+c.serverKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: fcm send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notify: fcm returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}
