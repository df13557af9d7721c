// Package provider abstracts the payment gateway behind a small port so
// the billing controller never talks HTTP directly.
package provider

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrDeclined is returned when the gateway refuses a charge.
var ErrDeclined = errors.New("provider: charge declined")

// ErrUnsupported is returned for capabilities the gateway does not offer,
// such as stored charges on an invoice-only provider.
var ErrUnsupported = errors.New("provider: operation not supported")

// ErrUnhandledEvent is returned by ParseWebhook for callbacks that carry
// no billing consequence, like intermediate invoice states.
var ErrUnhandledEvent = errors.New("provider: unhandled webhook event")

// Charge describes one payment to collect.
type Charge struct {
	Amount      decimal.Decimal
	Currency    string
	Description string
	// CustomerRef identifies the payer on the gateway side.
	CustomerRef string
	// ReturnURL is where hosted invoice flows send the payer afterwards.
	ReturnURL string
}

// Invoice is a hosted payment page the payer completes.
type Invoice struct {
	TransactionID string
	URL           string
}

// EventType classifies a normalized provider webhook.
type EventType string

const (
	EventPaymentCompleted       EventType = "payment_completed"
	EventAuthorizationCompleted EventType = "authorization_completed"
	EventPaymentFailed          EventType = "payment_failed"
)

// WebhookEvent is a provider callback normalized across gateways.
type WebhookEvent struct {
	Type EventType
	// RemoteID is the reference we handed the gateway when the flow
	// started (subscription id for authorizations).
	RemoteID string
	// TransactionID identifies the charge on the gateway side.
	TransactionID string
	// UserRef is the gateway's payer handle, usable for later stored
	// charges once an authorization completes.
	UserRef string
	Raw     []byte
}

// Provider is the payment gateway port.
type Provider interface {
	Name() string
	// IsConfigured reports whether the gateway has credentials.
	IsConfigured() bool
	// SupportsAuthorizedPayments reports whether the gateway can charge
	// a payer who previously authorized us, without a hosted invoice.
	SupportsAuthorizedPayments() bool
	// CreateInvoice opens a hosted invoice and returns its URL plus the
	// transaction id the gateway will reference in its webhook.
	CreateInvoice(ctx context.Context, c Charge) (*Invoice, error)
	// VerifyPayment confirms with the gateway that a transaction was paid.
	VerifyPayment(ctx context.Context, transactionID string) (bool, error)
	// GetAuthorizationURL opens the gateway's authorization flow for
	// later stored charges. remoteID comes back in the webhook.
	GetAuthorizationURL(ctx context.Context, remoteID, returnURL string) (string, error)
	// ChargeAuthorized charges a payer who completed the authorization
	// flow and returns the transaction id.
	ChargeAuthorized(ctx context.Context, userRef string, c Charge) (string, error)
	// ParseWebhook normalizes a raw gateway callback body.
	ParseWebhook(body []byte) (*WebhookEvent, error)
}
