// Package queue wraps the durable HTTP job queue (QStash compatible). Jobs
// are published with a destination URL; the queue POSTs the body back to
// that URL with a signed token and retries on non-2xx responses until the
// job lands in the dead letter queue.
package queue

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/adhocore/gronx"
	"github.com/golang-jwt/jwt/v5"

	"github.com/smsflow/sms-gateway/pkg/logging"
)

// PublishOptions tune a single enqueue.
type PublishOptions struct {
	// DedupID suppresses duplicate publishes within the queue's
	// deduplication window.
	DedupID string
	// Delay postpones the first delivery attempt.
	Delay time.Duration
	// Retries caps delivery attempts before the job is dead-lettered.
	// Zero means the queue default.
	Retries int
}

// Enqueuer publishes jobs to the durable queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, destination string, body []byte, opts PublishOptions) error
}

// Scheduler registers recurring jobs.
type Scheduler interface {
	Schedule(ctx context.Context, destination, cron string, body []byte) error
}

// Client talks to a QStash-compatible queue over HTTP.
type Client struct {
	baseURL    string
	token      string
	currentKey []byte
	nextKey    []byte
	httpClient *http.Client
	logger     *logging.Logger
}

func NewClient(baseURL, token, currentSigningKey, nextSigningKey string, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		currentKey: []byte(currentSigningKey),
		nextKey:    []byte(nextSigningKey),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

// Enqueue publishes one job destined for the given absolute URL.
func (c *Client) Enqueue(ctx context.Context, destination string, body []byte, opts PublishOptions) error {
	endpoint := c.baseURL + "/v2/publish/" + destination
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("queue: build publish request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	if opts.DedupID != "" {
		req.Header.Set("Upstash-Deduplication-Id", opts.DedupID)
	}
	if opts.Delay > 0 {
		req.Header.Set("Upstash-Delay", fmt.Sprintf("%ds", int(opts.Delay.Seconds())))
	}
	if opts.Retries > 0 {
		req.Header.Set("Upstash-Retries", strconv.Itoa(opts.Retries))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("queue: publish: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("queue: publish returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}

// Schedule registers a recurring job on a cron expression. The expression
// is validated locally before it goes over the wire.
func (c *Client) Schedule(ctx context.Context, destination, cron string, body []byte) error {
	if !gronx.New().IsValid(cron) {
		return fmt.Errorf("queue: invalid cron expression %q", cron)
	}
	endpoint := c.baseURL + "/v2/schedules/" + destination
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("queue: build schedule request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Upstash-Cron", cron)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("queue: schedule: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("queue: schedule returned %d: %s", resp.StatusCode, msg)
	}
	return nil
}

type signatureClaims struct {
	Body string `json:"body"`
	jwt.RegisteredClaims
}

// VerifySignature checks the queue's delivery token against the callback
// URL and body. The current signing key is tried first, then the next key
// so key rotation does not drop jobs.
func (c *Client) VerifySignature(signature, url string, body []byte) error {
	err := c.verifyWithKey(signature, url, body, c.currentKey)
	if err != nil && len(c.nextKey) > 0 {
		err = c.verifyWithKey(signature, url, body, c.nextKey)
	}
	return err
}

func (c *Client) verifyWithKey(signature, url string, body []byte, key []byte) error {
	claims := &signatureClaims{}
	token, err := jwt.ParseWithClaims(signature, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("queue: unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return fmt.Errorf("queue: parse signature: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("queue: invalid signature token")
	}
	if claims.Subject != url {
		return fmt.Errorf("queue: signature subject mismatch")
	}
	sum := sha256.Sum256(body)
	if claims.Body != base64.URLEncoding.EncodeToString(sum[:]) {
		return fmt.Errorf("queue: signature body hash mismatch")
	}
	return nil
}

// SignDelivery produces a delivery token the way the queue does. Used by
// the in-memory queue and by tests.
func SignDelivery(key []byte, url string, body []byte, ttl time.Duration) (string, error) {
	sum := sha256.Sum256(body)
	now := time.Now()
	claims := signatureClaims{
		Body: base64.URLEncoding.EncodeToString(sum[:]),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   url,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("queue: sign delivery: %w", err)
	}
	return signed, nil
}

// MarshalJob is a small helper for enqueue call sites.
func MarshalJob(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal job: %w", err)
	}
	return b, nil
}
