package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// Fake is an in-memory gateway for development and tests. Every invoice
// succeeds immediately; Decline makes subsequent authorized charges fail.
type Fake struct {
	counter atomic.Int64

	mu         sync.Mutex
	declined   bool
	unverified bool
	Invoices   []Charge
	Charges    []Charge
}

func NewFake() *Fake {
	return &Fake{}
}

// Decline toggles whether authorized charges are refused.
func (f *Fake) Decline(declined bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declined = declined
}

// FailVerification toggles whether VerifyPayment denies knowledge of the
// transaction, simulating a forged confirmation.
func (f *Fake) FailVerification(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unverified = fail
}

func (f *Fake) Name() string                     { return "fake" }
func (f *Fake) IsConfigured() bool               { return true }
func (f *Fake) SupportsAuthorizedPayments() bool { return true }

func (f *Fake) CreateInvoice(_ context.Context, c Charge) (*Invoice, error) {
	f.mu.Lock()
	f.Invoices = append(f.Invoices, c)
	f.mu.Unlock()
	n := f.counter.Add(1)
	return &Invoice{
		TransactionID: fmt.Sprintf("fake-txn-%d", n),
		URL:           fmt.Sprintf("https://pay.example.com/invoice/%d", n),
	}, nil
}

func (f *Fake) VerifyPayment(_ context.Context, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unverified, nil
}

func (f *Fake) GetAuthorizationURL(_ context.Context, remoteID, _ string) (string, error) {
	return "https://pay.example.com/authorize/" + remoteID, nil
}

func (f *Fake) ChargeAuthorized(_ context.Context, _ string, c Charge) (string, error) {
	f.mu.Lock()
	declined := f.declined
	if !declined {
		f.Charges = append(f.Charges, c)
	}
	f.mu.Unlock()
	if declined {
		return "", ErrDeclined
	}
	return fmt.Sprintf("fake-txn-%d", f.counter.Add(1)), nil
}

// ParseWebhook accepts the normalized event shape directly, so tests can
// post events without mimicking any real gateway's body.
func (f *Fake) ParseWebhook(body []byte) (*WebhookEvent, error) {
	var hook struct {
		Type          EventType `json:"type"`
		RemoteID      string    `json:"remote_id"`
		TransactionID string    `json:"transaction_id"`
		UserRef       string    `json:"user_ref"`
	}
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, fmt.Errorf("provider: decode fake webhook: %w", err)
	}
	switch hook.Type {
	case EventPaymentCompleted, EventAuthorizationCompleted, EventPaymentFailed:
	default:
		return nil, fmt.Errorf("provider: fake event %q: %w", hook.Type, ErrUnhandledEvent)
	}
	return &WebhookEvent{
		Type:          hook.Type,
		RemoteID:      hook.RemoteID,
		TransactionID: hook.TransactionID,
		UserRef:       hook.UserRef,
		Raw:           body,
	}, nil
}
