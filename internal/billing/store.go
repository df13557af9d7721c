package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrPlanNotFound         = errors.New("billing: plan not found")
	ErrSubscriptionNotFound = errors.New("billing: subscription not found")
	ErrPaymentNotFound      = errors.New("billing: payment not found")
)

// Querier is the subset of pgxpool.Pool the stores need.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store bundles plan, subscription and payment persistence.
type Store struct {
	db Querier
}

func NewStore(db Querier) *Store {
	return &Store{db: db}
}

const planColumns = `id, name, max_sms_per_month, max_devices, price_monthly, price_yearly, is_public`

func scanPlan(row pgx.Row) (*Plan, error) {
	var p Plan
	err := row.Scan(&p.ID, &p.Name, &p.MaxSMSPerMonth, &p.MaxDevices,
		&p.PriceMonthly, &p.PriceYearly, &p.IsPublic)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("billing: scan plan: %w", err)
	}
	return &p, nil
}

// ListPublicPlans returns the plans shown on the upgrade page, cheapest
// first.
func (s *Store) ListPublicPlans(ctx context.Context) ([]*Plan, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+planColumns+` FROM plans WHERE is_public ORDER BY price_monthly ASC`)
	if err != nil {
		return nil, fmt.Errorf("billing: list plans: %w", err)
	}
	defer rows.Close()

	var out []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("billing: plan rows: %w", err)
	}
	return out, nil
}

// GetPlan fetches a plan by id.
func (s *Store) GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error) {
	return scanPlan(s.db.QueryRow(ctx,
		`SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
}

// GetPlanByName fetches a plan by case-insensitive name.
func (s *Store) GetPlanByName(ctx context.Context, name string) (*Plan, error) {
	return scanPlan(s.db.QueryRow(ctx,
		`SELECT `+planColumns+` FROM plans WHERE lower(name) = lower($1)`, name))
}

const subColumns = `id, user_id, plan_id, status, billing_cycle,
	current_period_start, current_period_end, cancel_at_period_end, provider_user_ref, created_at`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	err := row.Scan(&sub.ID, &sub.UserID, &sub.PlanID, &sub.Status, &sub.BillingCycle,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
		&sub.ProviderUserRef, &sub.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("billing: scan subscription: %w", err)
	}
	return &sub, nil
}

func scanSubscriptions(rows pgx.Rows) ([]*Subscription, error) {
	defer rows.Close()
	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("billing: subscription rows: %w", err)
	}
	return out, nil
}

// CreateSubscription persists a new subscription.
func (s *Store) CreateSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO subscriptions (id, user_id, plan_id, status, billing_cycle,
			current_period_start, current_period_end, cancel_at_period_end,
			provider_user_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, sub.ID, sub.UserID, sub.PlanID, sub.Status, sub.BillingCycle,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
		sub.ProviderUserRef, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("billing: insert subscription: %w", err)
	}
	return nil
}

// GetSubscription fetches a subscription by id.
func (s *Store) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subColumns+` FROM subscriptions WHERE id = $1`, id))
}

// CurrentSubscription returns the user's newest non-terminal subscription.
func (s *Store) CurrentSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	return scanSubscription(s.db.QueryRow(ctx, `
		SELECT `+subColumns+` FROM subscriptions
		WHERE user_id = $1 AND status IN ('pending', 'active', 'past_due')
		ORDER BY created_at DESC
		LIMIT 1
	`, userID))
}

// UpdateSubscriptionStatus moves a subscription to a new status.
func (s *Store) UpdateSubscriptionStatus(ctx context.Context, id uuid.UUID, status SubscriptionStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE subscriptions SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("billing: update subscription status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// AdvancePeriod activates the subscription for a fresh billing period.
func (s *Store) AdvancePeriod(ctx context.Context, id uuid.UUID, start, end time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE subscriptions
		SET status = 'active', current_period_start = $2, current_period_end = $3
		WHERE id = $1
	`, id, start, end)
	if err != nil {
		return fmt.Errorf("billing: advance period: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// SetProviderUserRef records the gateway payer handle after a completed
// payment authorization.
func (s *Store) SetProviderUserRef(ctx context.Context, id uuid.UUID, ref string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE subscriptions SET provider_user_ref = $2 WHERE id = $1`, id, ref)
	if err != nil {
		return fmt.Errorf("billing: set provider user ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// SetCancelAtPeriodEnd flags or unflags a pending cancellation.
func (s *Store) SetCancelAtPeriodEnd(ctx context.Context, id uuid.UUID, cancel bool) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE subscriptions SET cancel_at_period_end = $2 WHERE id = $1`, id, cancel)
	if err != nil {
		return fmt.Errorf("billing: set cancel flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// DueForRenewal lists active subscriptions whose period ends before the
// cutoff and that are not flagged to cancel.
func (s *Store) DueForRenewal(ctx context.Context, cutoff time.Time) ([]*Subscription, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+subColumns+` FROM subscriptions
		WHERE status = 'active' AND NOT cancel_at_period_end AND current_period_end <= $1
		ORDER BY current_period_end ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("billing: due for renewal: %w", err)
	}
	return scanSubscriptions(rows)
}

// PastDueBeyondGrace lists past_due subscriptions whose period ended more
// than the grace window ago.
func (s *Store) PastDueBeyondGrace(ctx context.Context, graceCutoff time.Time) ([]*Subscription, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+subColumns+` FROM subscriptions
		WHERE status = 'past_due' AND current_period_end <= $1
	`, graceCutoff)
	if err != nil {
		return nil, fmt.Errorf("billing: past due beyond grace: %w", err)
	}
	return scanSubscriptions(rows)
}

// EndedCancellations lists subscriptions that reached their period end with
// the cancel flag set.
func (s *Store) EndedCancellations(ctx context.Context, now time.Time) ([]*Subscription, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+subColumns+` FROM subscriptions
		WHERE status = 'active' AND cancel_at_period_end AND current_period_end <= $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("billing: ended cancellations: %w", err)
	}
	return scanSubscriptions(rows)
}

const paymentColumns = `id, user_id, subscription_id, amount, currency, method,
	status, transaction_id, invoice_url, created_at, completed_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.UserID, &p.SubscriptionID, &p.Amount, &p.Currency,
		&p.Method, &p.Status, &p.TransactionID, &p.InvoiceURL, &p.CreatedAt, &p.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("billing: scan payment: %w", err)
	}
	return &p, nil
}

// CreatePayment persists a new payment attempt.
func (s *Store) CreatePayment(ctx context.Context, p *Payment) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO payments (id, user_id, subscription_id, amount, currency,
			method, status, transaction_id, invoice_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, p.ID, p.UserID, p.SubscriptionID, p.Amount, p.Currency, p.Method,
		p.Status, p.TransactionID, p.InvoiceURL, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("billing: insert payment: %w", err)
	}
	return nil
}

// GetPaymentByTransaction fetches a payment by provider transaction id.
func (s *Store) GetPaymentByTransaction(ctx context.Context, transactionID string) (*Payment, error) {
	return scanPayment(s.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE transaction_id = $1`, transactionID))
}

// CompletePayment marks a pending payment completed. Returns the payment
// and whether this call changed it, so duplicate provider webhooks are
// harmless.
func (s *Store) CompletePayment(ctx context.Context, transactionID string) (*Payment, bool, error) {
	p, err := scanPayment(s.db.QueryRow(ctx, `
		UPDATE payments
		SET status = 'completed', completed_at = now()
		WHERE transaction_id = $1 AND status = 'pending'
		RETURNING `+paymentColumns,
		transactionID))
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, ErrPaymentNotFound) {
		return nil, false, fmt.Errorf("billing: complete payment: %w", err)
	}
	p, err = s.GetPaymentByTransaction(ctx, transactionID)
	if err != nil {
		return nil, false, err
	}
	return p, false, nil
}

// FailPayment marks a pending payment failed.
func (s *Store) FailPayment(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE payments SET status = 'failed' WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("billing: fail payment: %w", err)
	}
	return nil
}

// HasPendingPayment reports whether the subscription already has an open
// payment, so renewal scans do not double-charge.
func (s *Store) HasPendingPayment(ctx context.Context, subscriptionID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM payments WHERE subscription_id = $1 AND status = 'pending'
		)
	`, subscriptionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("billing: pending payment check: %w", err)
	}
	return exists, nil
}

// UserEmail looks up the account email for billing notices.
func (s *Store) UserEmail(ctx context.Context, userID uuid.UUID) (string, error) {
	var email string
	err := s.db.QueryRow(ctx, `SELECT email FROM users WHERE id = $1`, userID).Scan(&email)
	if err != nil {
		return "", fmt.Errorf("billing: user email: %w", err)
	}
	return email, nil
}
