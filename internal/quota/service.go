// Package quota enforces per-tenant SMS and device limits.
//
// All counter mutations run inside a single transaction with a row lock on
// the tenant's quota row, so concurrent senders serialize there and the
// monthly counter can never overshoot the plan limit.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/smsflow/sms-gateway/pkg/logging"
)

// PgxPool is the subset of pgxpool.Pool the service needs.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Info is the tenant-facing quota summary.
type Info struct {
	PlanName      string `json:"plan"`
	UsedSMS       int    `json:"sms_sent_this_month"`
	LimitSMS      int    `json:"max_sms_per_month"`
	UsedDevices   int    `json:"devices_registered"`
	LimitDevices  int    `json:"max_devices"`
	NextResetDate string `json:"reset_date"`
}

// Service implements atomic check-and-reserve against plan limits.
type Service struct {
	pool     PgxPool
	resetDay int
	logger   *logging.Logger
}

func NewService(pool PgxPool, resetDay int, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if resetDay < 1 || resetDay > 28 {
		resetDay = 1
	}
	return &Service{pool: pool, resetDay: resetDay, logger: logger}
}

type quotaRow struct {
	ID            uuid.UUID
	PlanID        uuid.UUID
	SMSSent       int
	Devices       int
	LastResetDate time.Time
}

// ReserveSMS atomically reserves n sends against the user's monthly budget.
// Returns *ExceededError when the reservation would overflow the plan limit.
func (s *Service) ReserveSMS(ctx context.Context, userID uuid.UUID, n int) error {
	if n <= 0 {
		return fmt.Errorf("quota: reserve count must be positive, got %d", n)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("quota: begin reserve: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row, limits, err := s.lockQuota(ctx, tx, userID)
	if err != nil {
		return err
	}
	if row.SMSSent+n > limits.maxSMS {
		return &ExceededError{
			QuotaType: "sms_monthly",
			Limit:     limits.maxSMS,
			Used:      row.SMSSent,
			Available: limits.maxSMS - row.SMSSent,
			ResetDate: s.NextResetDate(row.LastResetDate).Format("2006-01-02"),
		}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE quotas SET sms_sent_this_month = sms_sent_this_month + $2 WHERE id = $1`,
		row.ID, n,
	); err != nil {
		return fmt.Errorf("quota: increment sms counter: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("quota: commit reserve: %w", err)
	}
	return nil
}

// ReleaseSMS returns n reserved sends, used when persistence fails after a
// successful reservation. Never drops the counter below zero.
func (s *Service) ReleaseSMS(ctx context.Context, userID uuid.UUID, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE quotas
		SET sms_sent_this_month = GREATEST(sms_sent_this_month - $2, 0)
		WHERE user_id = $1
	`, userID, n)
	if err != nil {
		return fmt.Errorf("quota: release sms: %w", err)
	}
	return nil
}

// RegisterDevice reserves one device slot for the user.
func (s *Service) RegisterDevice(ctx context.Context, userID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("quota: begin device register: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row, limits, err := s.lockQuota(ctx, tx, userID)
	if err != nil {
		return err
	}
	if row.Devices >= limits.maxDevices {
		return &ExceededError{
			QuotaType: "devices",
			Limit:     limits.maxDevices,
			Used:      row.Devices,
			Available: 0,
		}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE quotas SET devices_registered = devices_registered + 1 WHERE id = $1`,
		row.ID,
	); err != nil {
		return fmt.Errorf("quota: increment device counter: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("quota: commit device register: %w", err)
	}
	return nil
}

// UnregisterDevice releases one device slot.
func (s *Service) UnregisterDevice(ctx context.Context, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE quotas
		SET devices_registered = GREATEST(devices_registered - 1, 0)
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("quota: unregister device: %w", err)
	}
	return nil
}

// GetQuota returns the tenant quota summary, creating the default quota
// when the user has none yet.
func (s *Service) GetQuota(ctx context.Context, userID uuid.UUID) (Info, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("quota: begin get: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row, limits, err := s.lockQuota(ctx, tx, userID)
	if err != nil {
		return Info{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Info{}, fmt.Errorf("quota: commit get: %w", err)
	}
	return Info{
		PlanName:      limits.planName,
		UsedSMS:       row.SMSSent,
		LimitSMS:      limits.maxSMS,
		UsedDevices:   row.Devices,
		LimitDevices:  limits.maxDevices,
		NextResetDate: s.NextResetDate(row.LastResetDate).Format("2006-01-02"),
	}, nil
}

// SetPlan moves the user's quota to a new plan. When zeroCounter is set the
// monthly counter restarts, which is what plan activation does.
func (s *Service) SetPlan(ctx context.Context, userID, planID uuid.UUID, zeroCounter bool) error {
	var err error
	if zeroCounter {
		_, err = s.pool.Exec(ctx, `
			UPDATE quotas
			SET plan_id = $2, sms_sent_this_month = 0, last_reset_date = now()
			WHERE user_id = $1
		`, userID, planID)
	} else {
		_, err = s.pool.Exec(ctx,
			`UPDATE quotas SET plan_id = $2 WHERE user_id = $1`, userID, planID)
	}
	if err != nil {
		return fmt.Errorf("quota: set plan: %w", err)
	}
	return nil
}

// ResetMonthly zeroes the monthly counter for every quota whose last reset
// happened on the configured reset day. Returns the number of quotas reset.
func (s *Service) ResetMonthly(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE quotas
		SET sms_sent_this_month = 0, last_reset_date = now()
		WHERE EXTRACT(DAY FROM last_reset_date) = $1
	`, s.resetDay)
	if err != nil {
		return 0, fmt.Errorf("quota: reset monthly: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// NextResetDate computes the configured reset day in the month after last,
// clamped to the last day of that month.
func (s *Service) NextResetDate(last time.Time) time.Time {
	year, month := last.Year(), last.Month()
	if month == time.December {
		year, month = year+1, time.January
	} else {
		month++
	}
	day := s.resetDay
	if lastDay := daysIn(year, month); day > lastDay {
		day = lastDay
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

type planLimits struct {
	planName   string
	maxSMS     int
	maxDevices int
}

// lockQuota fetches the user's quota row FOR UPDATE, creating a default
// Free-plan quota when absent, and returns the row plus its plan limits.
func (s *Service) lockQuota(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (quotaRow, planLimits, error) {
	row, err := s.selectQuotaForUpdate(ctx, tx, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := s.createDefaultQuota(ctx, tx, userID); err != nil {
			return quotaRow{}, planLimits{}, err
		}
		row, err = s.selectQuotaForUpdate(ctx, tx, userID)
	}
	if err != nil {
		return quotaRow{}, planLimits{}, fmt.Errorf("quota: lock quota row: %w", err)
	}

	var limits planLimits
	err = tx.QueryRow(ctx,
		`SELECT name, max_sms_per_month, max_devices FROM plans WHERE id = $1`,
		row.PlanID,
	).Scan(&limits.planName, &limits.maxSMS, &limits.maxDevices)
	if err != nil {
		return quotaRow{}, planLimits{}, fmt.Errorf("quota: load plan limits: %w", err)
	}
	return row, limits, nil
}

func (s *Service) selectQuotaForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (quotaRow, error) {
	var row quotaRow
	err := tx.QueryRow(ctx, `
		SELECT id, plan_id, sms_sent_this_month, devices_registered, last_reset_date
		FROM quotas
		WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&row.ID, &row.PlanID, &row.SMSSent, &row.Devices, &row.LastResetDate)
	return row, err
}

func (s *Service) createDefaultQuota(ctx context.Context, tx pgx.Tx, userID uuid.UUID) error {
	var planID uuid.UUID
	err := tx.QueryRow(ctx,
		`SELECT id FROM plans WHERE lower(name) = lower($1) LIMIT 1`, "Free",
	).Scan(&planID)
	if errors.Is(err, pgx.ErrNoRows) {
		planID = uuid.New()
		_, err = tx.Exec(ctx, `
			INSERT INTO plans (id, name, max_sms_per_month, max_devices, price_monthly, price_yearly, is_public)
			VALUES ($1, 'Free', 50, 1, 0, 0, true)
		`, planID)
	}
	if err != nil {
		return fmt.Errorf("quota: resolve default plan: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO quotas (id, user_id, plan_id, sms_sent_this_month, devices_registered, last_reset_date)
		VALUES ($1, $2, $3, 0, 0, now())
		ON CONFLICT (user_id) DO NOTHING
	`, uuid.New(), userID, planID)
	if err != nil {
		return fmt.Errorf("quota: create default quota: %w", err)
	}
	s.logger.Info("created default quota", "user_id", userID)
	return nil
}
