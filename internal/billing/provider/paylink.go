package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/smsflow/sms-gateway/pkg/logging"
)

// Paylink implements the gateway port against the Paylink REST API.
// Authentication uses a short-lived bearer token fetched with the app
// credentials and refreshed before expiry.
type Paylink struct {
	baseURL    string
	appID      string
	appSecret  string
	httpClient *http.Client
	logger     *logging.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewPaylink(baseURL, appID, appSecret string, timeout time.Duration, logger *logging.Logger) *Paylink {
	if logger == nil {
		logger = logging.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Paylink{
		baseURL:    baseURL,
		appID:      appID,
		appSecret:  appSecret,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (p *Paylink) authToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" && time.Now().Before(p.tokenExpiry) {
		return p.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"apiId":     p.appID,
		"secretKey": p.appSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/auth", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("provider: build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("provider: auth: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("provider: auth returned %d: %s", resp.StatusCode, msg)
	}

	var out struct {
		IDToken string `json:"id_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("provider: decode auth response: %w", err)
	}
	p.token = out.IDToken
	p.tokenExpiry = time.Now().Add(25 * time.Minute)
	return p.token, nil
}

type paylinkInvoiceRequest struct {
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	CallBackURL  string `json:"callBackUrl"`
	ClientName   string `json:"clientName"`
	OrderNumber  string `json:"orderNumber"`
	Note         string `json:"note"`
}

type paylinkInvoiceResponse struct {
	TransactionNo string `json:"transactionNo"`
	URL           string `json:"url"`
}

// CreateInvoice opens a hosted Paylink invoice.
func (p *Paylink) CreateInvoice(ctx context.Context, c Charge) (*Invoice, error) {
	token, err := p.authToken(ctx)
	if err != nil {
		return nil, err
	}

	body, _ := json.Marshal(paylinkInvoiceRequest{
		Amount:      c.Amount.StringFixed(2),
		Currency:    c.Currency,
		CallBackURL: c.ReturnURL,
		ClientName:  c.CustomerRef,
		OrderNumber: c.CustomerRef + "-" + fmt.Sprint(time.Now().Unix()),
		Note:        c.Description,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/addInvoice", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider: build invoice request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: add invoice: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("provider: add invoice returned %d: %s", resp.StatusCode, msg)
	}

	var out paylinkInvoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("provider: decode invoice response: %w", err)
	}
	if out.TransactionNo == "" || out.URL == "" {
		return nil, fmt.Errorf("provider: invoice response missing transaction or url")
	}
	return &Invoice{TransactionID: out.TransactionNo, URL: out.URL}, nil
}

func (p *Paylink) Name() string { return "paylink" }

func (p *Paylink) IsConfigured() bool {
	return p.appID != "" && p.appSecret != ""
}

// SupportsAuthorizedPayments is false: Paylink charges always go through a
// hosted invoice the payer confirms.
func (p *Paylink) SupportsAuthorizedPayments() bool { return false }

func (p *Paylink) GetAuthorizationURL(ctx context.Context, remoteID, returnURL string) (string, error) {
	return "", fmt.Errorf("provider: paylink authorization: %w", ErrUnsupported)
}

func (p *Paylink) ChargeAuthorized(ctx context.Context, userRef string, c Charge) (string, error) {
	return "", fmt.Errorf("provider: paylink stored charge: %w", ErrUnsupported)
}

// VerifyPayment re-checks an invoice's status directly with Paylink, for
// callers that do not want to trust the webhook body alone.
func (p *Paylink) VerifyPayment(ctx context.Context, transactionID string) (bool, error) {
	token, err := p.authToken(ctx)
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/getInvoice/"+transactionID, nil)
	if err != nil {
		return false, fmt.Errorf("provider: build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("provider: get invoice: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("provider: get invoice returned %d: %s", resp.StatusCode, msg)
	}

	var out struct {
		OrderStatus string `json:"orderStatus"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("provider: decode invoice status: %w", err)
	}
	return out.OrderStatus == "Paid", nil
}

// ParseWebhook normalizes Paylink's callback body. Only terminal order
// states map to events; everything else is unhandled.
func (p *Paylink) ParseWebhook(body []byte) (*WebhookEvent, error) {
	var hook struct {
		TransactionNo string `json:"transactionNo"`
		OrderStatus   string `json:"orderStatus"`
		OrderNumber   string `json:"merchantOrderNumber"`
	}
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("provider: decode paylink webhook: %w", err)
	}
	if hook.TransactionNo == "" {
		return nil, fmt.Errorf("provider: paylink webhook missing transaction number")
	}

	ev := &WebhookEvent{
		RemoteID:      hook.OrderNumber,
		TransactionID: hook.TransactionNo,
		Raw:           body,
	}
	switch hook.OrderStatus {
	case "Paid":
		ev.Type = EventPaymentCompleted
	case "Failed", "Cancelled", "Declined":
		ev.Type = EventPaymentFailed
	default:
		return nil, fmt.Errorf("provider: paylink status %q: %w", hook.OrderStatus, ErrUnhandledEvent)
	}
	return ev, nil
}
