package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/smsflow/sms-gateway/internal/billing/provider"
	"github.com/smsflow/sms-gateway/internal/notify"
	"github.com/smsflow/sms-gateway/pkg/logging"
)

var (
	ErrAlreadySubscribed     = errors.New("billing: user already has an open subscription")
	ErrBadCycle              = errors.New("billing: billing cycle must be monthly or yearly")
	ErrNoSubscription        = errors.New("billing: no active subscription")
	ErrBadWebhook            = errors.New("billing: malformed provider webhook")
	ErrUnverifiedPayment     = errors.New("billing: payment not verified by provider")
	ErrProviderNotConfigured = errors.New("billing: payment provider not configured")
)

// quotaSetter moves a user's quota between plans.
type quotaSetter interface {
	SetPlan(ctx context.Context, userID, planID uuid.UUID, zeroCounter bool) error
}

// Options tune the controller's renewal behavior.
type Options struct {
	ReminderDays    int
	GraceDays       int
	DefaultPlanName string
	DefaultMethod   string
	Currency        string
	ReturnURL       string
}

// Controller drives the subscription lifecycle.
type Controller struct {
	store    *Store
	provider provider.Provider
	quotas   quotaSetter
	email    notify.EmailSender
	opts     Options
	logger   *logging.Logger
}

func NewController(store *Store, p provider.Provider, quotas quotaSetter, opts Options, logger *logging.Logger) *Controller {
	if logger == nil {
		logger = logging.Default()
	}
	if opts.ReminderDays <= 0 {
		opts.ReminderDays = 3
	}
	if opts.GraceDays <= 0 {
		opts.GraceDays = 3
	}
	if opts.DefaultPlanName == "" {
		opts.DefaultPlanName = "Free"
	}
	if opts.DefaultMethod == "" {
		opts.DefaultMethod = MethodInvoice
	}
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	return &Controller{store: store, provider: p, quotas: quotas, opts: opts, logger: logger}
}

// SetEmailSender wires outbound reminder email after construction. Without
// it, reminders are logged only.
func (c *Controller) SetEmailSender(email notify.EmailSender) {
	c.email = email
}

// ListPlans returns the public plan catalog.
func (c *Controller) ListPlans(ctx context.Context) ([]*Plan, error) {
	return c.store.ListPublicPlans(ctx)
}

// CurrentSubscription returns the user's open subscription, if any.
func (c *Controller) CurrentSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	return c.store.CurrentSubscription(ctx, userID)
}

// StartResult is what a subscription start returns. Paid plans come back
// pending with either an invoice URL or an authorization URL the payer
// must complete.
type StartResult struct {
	Subscription     *Subscription `json:"subscription,omitempty"`
	Plan             *Plan         `json:"plan"`
	Status           string        `json:"status"`
	PaymentURL       string        `json:"payment_url,omitempty"`
	AuthorizationURL string        `json:"authorization_url,omitempty"`
}

// StartSubscription begins a subscription on the named plan. Free plans
// activate immediately; paid plans open an invoice and stay pending until
// the provider confirms payment.
func (c *Controller) StartSubscription(ctx context.Context, userID uuid.UUID, planName string, cycle BillingCycle, method string) (*StartResult, error) {
	if cycle == "" {
		cycle = CycleMonthly
	}
	if !cycle.Valid() {
		return nil, ErrBadCycle
	}
	if method == "" {
		method = c.opts.DefaultMethod
	}

	plan, err := c.store.GetPlanByName(ctx, planName)
	if err != nil {
		return nil, err
	}

	if plan.Free() {
		if err := c.quotas.SetPlan(ctx, userID, plan.ID, true); err != nil {
			return nil, err
		}
		return &StartResult{Plan: plan, Status: "active"}, nil
	}

	if !c.provider.IsConfigured() {
		return nil, ErrProviderNotConfigured
	}

	if _, err := c.store.CurrentSubscription(ctx, userID); err == nil {
		return nil, ErrAlreadySubscribed
	} else if !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	sub := &Subscription{
		ID:                 uuid.New(),
		UserID:             userID,
		PlanID:             plan.ID,
		Status:             SubPending,
		BillingCycle:       cycle,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   cycle.PeriodEnd(now),
		CreatedAt:          now,
	}
	if err := c.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	if method == MethodAuthorized && c.provider.SupportsAuthorizedPayments() {
		authURL, err := c.provider.GetAuthorizationURL(ctx, sub.ID.String(), c.opts.ReturnURL)
		if err != nil {
			return nil, err
		}
		return &StartResult{
			Subscription:     sub,
			Plan:             plan,
			Status:           "pending_authorization",
			AuthorizationURL: authURL,
		}, nil
	}

	invoice, err := c.provider.CreateInvoice(ctx, provider.Charge{
		Amount:      plan.Price(cycle),
		Currency:    c.opts.Currency,
		Description: fmt.Sprintf("%s plan, %s", plan.Name, cycle),
		CustomerRef: userID.String(),
		ReturnURL:   c.opts.ReturnURL,
	})
	if err != nil {
		return nil, err
	}

	payment := &Payment{
		ID:             uuid.New(),
		UserID:         userID,
		SubscriptionID: sub.ID,
		Amount:         plan.Price(cycle),
		Currency:       c.opts.Currency,
		Method:         MethodInvoice,
		Status:         PaymentPending,
		TransactionID:  invoice.TransactionID,
		InvoiceURL:     invoice.URL,
		CreatedAt:      now,
	}
	if err := c.store.CreatePayment(ctx, payment); err != nil {
		return nil, err
	}

	return &StartResult{
		Subscription: sub,
		Plan:         plan,
		Status:       string(SubPending),
		PaymentURL:   invoice.URL,
	}, nil
}

// CompletePayment processes a provider payment confirmation. Duplicate
// confirmations for the same transaction are no-ops.
func (c *Controller) CompletePayment(ctx context.Context, transactionID string) error {
	payment, changed, err := c.store.CompletePayment(ctx, transactionID)
	if err != nil {
		return err
	}
	if !changed {
		c.logger.Info("duplicate payment confirmation ignored", "transaction_id", transactionID)
		return nil
	}

	sub, err := c.store.GetSubscription(ctx, payment.SubscriptionID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	start := now
	// A renewal paid before the period lapsed extends from the current end.
	if sub.Status == SubActive && sub.CurrentPeriodEnd.After(now) {
		start = sub.CurrentPeriodEnd
	}
	if err := c.store.AdvancePeriod(ctx, sub.ID, start, sub.BillingCycle.PeriodEnd(start)); err != nil {
		return err
	}

	// First activation restarts the quota counter; renewals leave it to
	// the monthly reset.
	zeroCounter := sub.Status == SubPending
	if err := c.quotas.SetPlan(ctx, sub.UserID, sub.PlanID, zeroCounter); err != nil {
		return err
	}
	c.logger.Info("subscription payment completed",
		"subscription_id", sub.ID, "user_id", sub.UserID, "transaction_id", transactionID)
	return nil
}

// ProviderName identifies the configured gateway, used to match the
// webhook URL's provider segment.
func (c *Controller) ProviderName() string {
	return c.provider.Name()
}

// HandleProviderWebhook normalizes and processes a gateway callback.
// Returns "processed" or, for events with no billing consequence,
// "ignored".
func (c *Controller) HandleProviderWebhook(ctx context.Context, body []byte) (string, error) {
	ev, err := c.provider.ParseWebhook(body)
	if errors.Is(err, provider.ErrUnhandledEvent) {
		c.logger.Info("ignoring provider webhook", "provider", c.provider.Name(), "reason", err)
		return "ignored", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBadWebhook, err)
	}

	switch ev.Type {
	case provider.EventPaymentCompleted:
		// The callback is unauthenticated, so the gateway itself has to
		// confirm the transaction before any subscription activates.
		paid, err := c.provider.VerifyPayment(ctx, ev.TransactionID)
		if err != nil {
			return "", fmt.Errorf("billing: verify payment: %w", err)
		}
		if !paid {
			c.logger.Warn("payment confirmation failed verification",
				"provider", c.provider.Name(), "transaction_id", ev.TransactionID)
			return "", ErrUnverifiedPayment
		}
		return "processed", c.CompletePayment(ctx, ev.TransactionID)
	case provider.EventPaymentFailed:
		payment, err := c.store.GetPaymentByTransaction(ctx, ev.TransactionID)
		if err != nil {
			return "", err
		}
		return "processed", c.store.FailPayment(ctx, payment.ID)
	case provider.EventAuthorizationCompleted:
		return "processed", c.completeAuthorization(ctx, ev)
	default:
		c.logger.Info("ignoring provider webhook", "provider", c.provider.Name(), "type", ev.Type)
		return "ignored", nil
	}
}

// completeAuthorization stores the gateway payer handle on the pending
// subscription and collects the first charge immediately. A declined
// first charge expires the subscription.
func (c *Controller) completeAuthorization(ctx context.Context, ev *provider.WebhookEvent) error {
	subID, err := uuid.Parse(ev.RemoteID)
	if err != nil {
		return fmt.Errorf("billing: authorization remote id: %w", err)
	}
	sub, err := c.store.GetSubscription(ctx, subID)
	if err != nil {
		return err
	}
	if sub.Status != SubPending {
		c.logger.Info("authorization for non-pending subscription ignored",
			"subscription_id", sub.ID, "status", sub.Status)
		return nil
	}
	if err := c.store.SetProviderUserRef(ctx, sub.ID, ev.UserRef); err != nil {
		return err
	}

	plan, err := c.store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return err
	}
	charge := provider.Charge{
		Amount:      plan.Price(sub.BillingCycle),
		Currency:    c.opts.Currency,
		Description: fmt.Sprintf("%s plan, %s", plan.Name, sub.BillingCycle),
		CustomerRef: sub.UserID.String(),
		ReturnURL:   c.opts.ReturnURL,
	}
	txn, err := c.provider.ChargeAuthorized(ctx, ev.UserRef, charge)
	if err != nil {
		c.logger.Error("first authorized charge failed", "error", err, "subscription_id", sub.ID)
		if err := c.store.UpdateSubscriptionStatus(ctx, sub.ID, SubExpired); err != nil {
			return err
		}
		return nil
	}

	payment := &Payment{
		ID:             uuid.New(),
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Amount:         charge.Amount,
		Currency:       charge.Currency,
		Method:         MethodAuthorized,
		Status:         PaymentPending,
		TransactionID:  txn,
		CreatedAt:      time.Now().UTC(),
	}
	if err := c.store.CreatePayment(ctx, payment); err != nil {
		return err
	}
	return c.CompletePayment(ctx, txn)
}

// Cancel ends the user's subscription. Immediate cancellation downgrades
// right away; otherwise the subscription runs out its paid period.
func (c *Controller) Cancel(ctx context.Context, userID uuid.UUID, immediate bool) error {
	sub, err := c.store.CurrentSubscription(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return ErrNoSubscription
	}
	if err != nil {
		return err
	}

	if !immediate {
		return c.store.SetCancelAtPeriodEnd(ctx, sub.ID, true)
	}
	if err := c.store.UpdateSubscriptionStatus(ctx, sub.ID, SubCancelled); err != nil {
		return err
	}
	return c.downgrade(ctx, sub.UserID)
}

func (c *Controller) downgrade(ctx context.Context, userID uuid.UUID) error {
	free, err := c.store.GetPlanByName(ctx, c.opts.DefaultPlanName)
	if err != nil {
		return err
	}
	return c.quotas.SetPlan(ctx, userID, free.ID, false)
}

// RenewalScanResult summarizes one scan pass.
type RenewalScanResult struct {
	Reminders int `json:"reminders"`
	Renewals  int `json:"renewals"`
	PastDue   int `json:"past_due"`
	Expired   int `json:"expired"`
	Cancelled int `json:"cancelled"`
}

// RunRenewalScan is the daily billing pass: it sends renewal reminders,
// opens renewal charges for lapsing subscriptions, marks unpaid ones
// past_due, expires those beyond the grace window and settles flagged
// cancellations.
func (c *Controller) RunRenewalScan(ctx context.Context) (RenewalScanResult, error) {
	var res RenewalScanResult
	now := time.Now().UTC()

	due, err := c.store.DueForRenewal(ctx, now.AddDate(0, 0, c.opts.ReminderDays))
	if err != nil {
		return res, err
	}
	for _, sub := range due {
		if sub.CurrentPeriodEnd.After(now) {
			c.sendReminder(ctx, sub)
			res.Reminders++
			continue
		}
		renewed, err := c.renew(ctx, sub)
		if err != nil {
			c.logger.Error("renewal failed", "error", err, "subscription_id", sub.ID)
			if err := c.store.UpdateSubscriptionStatus(ctx, sub.ID, SubPastDue); err != nil {
				c.logger.Error("past_due transition failed", "error", err, "subscription_id", sub.ID)
			}
			res.PastDue++
			continue
		}
		if renewed {
			res.Renewals++
		}
	}

	expired, err := c.store.PastDueBeyondGrace(ctx, now.AddDate(0, 0, -c.opts.GraceDays))
	if err != nil {
		return res, err
	}
	for _, sub := range expired {
		if err := c.store.UpdateSubscriptionStatus(ctx, sub.ID, SubExpired); err != nil {
			c.logger.Error("expire transition failed", "error", err, "subscription_id", sub.ID)
			continue
		}
		if err := c.downgrade(ctx, sub.UserID); err != nil {
			c.logger.Error("downgrade failed", "error", err, "user_id", sub.UserID)
			continue
		}
		c.logger.Info("subscription expired after grace period",
			"subscription_id", sub.ID, "user_id", sub.UserID)
		res.Expired++
	}

	ended, err := c.store.EndedCancellations(ctx, now)
	if err != nil {
		return res, err
	}
	for _, sub := range ended {
		if err := c.store.UpdateSubscriptionStatus(ctx, sub.ID, SubCancelled); err != nil {
			c.logger.Error("cancel transition failed", "error", err, "subscription_id", sub.ID)
			continue
		}
		if err := c.downgrade(ctx, sub.UserID); err != nil {
			c.logger.Error("downgrade failed", "error", err, "user_id", sub.UserID)
			continue
		}
		res.Cancelled++
	}

	return res, nil
}

// sendReminder emails the subscriber about the upcoming renewal. Reminder
// failures never fail the scan.
func (c *Controller) sendReminder(ctx context.Context, sub *Subscription) {
	c.logger.Info("renewal reminder",
		"subscription_id", sub.ID, "user_id", sub.UserID,
		"period_end", sub.CurrentPeriodEnd)
	if c.email == nil {
		return
	}
	email, err := c.store.UserEmail(ctx, sub.UserID)
	if err != nil {
		c.logger.Error("reminder email lookup failed", "error", err, "user_id", sub.UserID)
		return
	}
	plan, err := c.store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		c.logger.Error("reminder plan lookup failed", "error", err, "subscription_id", sub.ID)
		return
	}
	msg := notify.EmailMessage{
		To:      email,
		Subject: "Your subscription renews soon",
		Body: fmt.Sprintf("Your %s plan renews on %s. Amount due: %s %s.",
			plan.Name, sub.CurrentPeriodEnd.Format("January 2, 2006"),
			plan.Price(sub.BillingCycle).StringFixed(2), c.opts.Currency),
	}
	if err := c.email.Send(ctx, msg); err != nil {
		c.logger.Error("reminder email failed", "error", err, "user_id", sub.UserID)
	}
}

// renew attempts to collect the next period's charge. Returns true when a
// stored charge succeeded; invoice-method renewals open a new invoice and
// report false since activation waits on the provider webhook.
func (c *Controller) renew(ctx context.Context, sub *Subscription) (bool, error) {
	pending, err := c.store.HasPendingPayment(ctx, sub.ID)
	if err != nil {
		return false, err
	}
	if pending {
		return false, nil
	}

	plan, err := c.store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return false, err
	}
	charge := provider.Charge{
		Amount:      plan.Price(sub.BillingCycle),
		Currency:    c.opts.Currency,
		Description: fmt.Sprintf("%s plan renewal, %s", plan.Name, sub.BillingCycle),
		CustomerRef: sub.UserID.String(),
		ReturnURL:   c.opts.ReturnURL,
	}
	now := time.Now().UTC()

	if sub.ProviderUserRef != "" && c.provider.SupportsAuthorizedPayments() {
		txn, err := c.provider.ChargeAuthorized(ctx, sub.ProviderUserRef, charge)
		if err != nil {
			return false, err
		}
		payment := &Payment{
			ID:             uuid.New(),
			UserID:         sub.UserID,
			SubscriptionID: sub.ID,
			Amount:         charge.Amount,
			Currency:       charge.Currency,
			Method:         MethodAuthorized,
			Status:         PaymentPending,
			TransactionID:  txn,
			CreatedAt:      now,
		}
		if err := c.store.CreatePayment(ctx, payment); err != nil {
			return false, err
		}
		return true, c.CompletePayment(ctx, txn)
	}

	invoice, err := c.provider.CreateInvoice(ctx, charge)
	if err != nil {
		return false, err
	}
	payment := &Payment{
		ID:             uuid.New(),
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Amount:         charge.Amount,
		Currency:       charge.Currency,
		Method:         MethodInvoice,
		Status:         PaymentPending,
		TransactionID:  invoice.TransactionID,
		InvoiceURL:     invoice.URL,
		CreatedAt:      now,
	}
	if err := c.store.CreatePayment(ctx, payment); err != nil {
		return false, err
	}
	c.logger.Info("renewal invoice opened",
		"subscription_id", sub.ID, "user_id", sub.UserID, "invoice_url", invoice.URL)
	return false, nil
}
