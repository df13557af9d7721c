package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Webhook-Signature"

// EventHeader names the event type for receivers that route on it.
const EventHeader = "X-Webhook-Event"

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("webhook: generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Canonical marshals a payload with sorted keys and no insignificant
// whitespace. Receivers must verify the signature over these exact bytes,
// so the encoding has to be deterministic.
func Canonical(payload map[string]any) ([]byte, error) {
	// encoding/json sorts map keys and emits compact output.
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("webhook: marshal payload: %w", err)
	}
	return b, nil
}

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// Deliverer posts signed payloads to webhook endpoints.
type Deliverer struct {
	httpClient *http.Client
}

func NewDeliverer(timeout time.Duration) *Deliverer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Deliverer{httpClient: &http.Client{Timeout: timeout}}
}

// Deliver posts body to the endpoint with the signature and event headers.
// Any non-2xx response is an error so the queue retries the delivery.
func (d *Deliverer) Deliver(ctx context.Context, url, secret, event string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(secret, body))
	req.Header.Set(EventHeader, event)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: deliver to %s: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: endpoint %s returned %d", url, resp.StatusCode)
	}
	return nil
}
