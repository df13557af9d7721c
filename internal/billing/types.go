// Package billing manages plans, subscriptions and payments: signup,
// invoice completion, renewals with a grace period, cancellation and the
// downgrade path back to the free plan.
package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Plan is a purchasable quota tier.
type Plan struct {
	ID             uuid.UUID       `json:"id"`
	Name           string          `json:"name"`
	MaxSMSPerMonth int             `json:"max_sms_per_month"`
	MaxDevices     int             `json:"max_devices"`
	PriceMonthly   decimal.Decimal `json:"price_monthly"`
	PriceYearly    decimal.Decimal `json:"price_yearly"`
	IsPublic       bool            `json:"is_public"`
}

// Free reports whether the plan costs nothing on either cycle.
func (p *Plan) Free() bool {
	return p.PriceMonthly.IsZero() && p.PriceYearly.IsZero()
}

// Price returns the charge for one period of the given cycle.
func (p *Plan) Price(cycle BillingCycle) decimal.Decimal {
	if cycle == CycleYearly {
		return p.PriceYearly
	}
	return p.PriceMonthly
}

// SubscriptionStatus is the subscription lifecycle state.
type SubscriptionStatus string

const (
	SubPending   SubscriptionStatus = "pending"
	SubActive    SubscriptionStatus = "active"
	SubPastDue   SubscriptionStatus = "past_due"
	SubCancelled SubscriptionStatus = "cancelled"
	SubExpired   SubscriptionStatus = "expired"
)

// BillingCycle is how often a subscription renews.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

func (c BillingCycle) Valid() bool {
	return c == CycleMonthly || c == CycleYearly
}

// PeriodEnd advances start by one cycle.
func (c BillingCycle) PeriodEnd(start time.Time) time.Time {
	if c == CycleYearly {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

// Subscription ties a user to a paid plan for a billing period.
type Subscription struct {
	ID                 uuid.UUID          `json:"id"`
	UserID             uuid.UUID          `json:"user_id"`
	PlanID             uuid.UUID          `json:"plan_id"`
	Status             SubscriptionStatus `json:"status"`
	BillingCycle       BillingCycle       `json:"billing_cycle"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
	// ProviderUserRef is the gateway's payer handle once the user
	// completed a payment authorization; empty for invoice-only billing.
	ProviderUserRef string    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}

// PaymentStatus is the payment lifecycle state.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// Payment methods.
const (
	MethodInvoice    = "invoice"
	MethodAuthorized = "authorized"
)

// Payment is one charge attempt against a subscription.
type Payment struct {
	ID             uuid.UUID       `json:"id"`
	UserID         uuid.UUID       `json:"user_id"`
	SubscriptionID uuid.UUID       `json:"subscription_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Method         string          `json:"method"`
	Status         PaymentStatus   `json:"status"`
	TransactionID  string          `json:"transaction_id,omitempty"`
	InvoiceURL     string          `json:"invoice_url,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}
