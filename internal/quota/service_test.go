package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockService(t *testing.T) (*Service, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewService(mock, 1, nil), mock
}

func expectLockedQuota(mock pgxmock.PgxPoolIface, userID, planID uuid.UUID, used, devices, maxSMS, maxDevices int) uuid.UUID {
	quotaID := uuid.New()
	mock.ExpectQuery(`SELECT id, plan_id, sms_sent_this_month, devices_registered, last_reset_date FROM quotas`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "plan_id", "sms_sent_this_month", "devices_registered", "last_reset_date"}).
			AddRow(quotaID, planID, used, devices, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	mock.ExpectQuery(`SELECT name, max_sms_per_month, max_devices FROM plans`).
		WithArgs(planID).
		WillReturnRows(pgxmock.NewRows([]string{"name", "max_sms_per_month", "max_devices"}).
			AddRow("Pro", maxSMS, maxDevices))
	return quotaID
}

func TestReserveSMS_Succeeds(t *testing.T) {
	svc, mock := newMockService(t)
	userID, planID := uuid.New(), uuid.New()

	mock.ExpectBegin()
	quotaID := expectLockedQuota(mock, userID, planID, 10, 1, 500, 3)
	mock.ExpectExec(`UPDATE quotas SET sms_sent_this_month = sms_sent_this_month \+ \$2`).
		WithArgs(quotaID, 5).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	require.NoError(t, svc.ReserveSMS(context.Background(), userID, 5))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveSMS_Exceeded(t *testing.T) {
	svc, mock := newMockService(t)
	userID, planID := uuid.New(), uuid.New()

	mock.ExpectBegin()
	expectLockedQuota(mock, userID, planID, 498, 1, 500, 3)
	mock.ExpectRollback()

	err := svc.ReserveSMS(context.Background(), userID, 5)
	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, "sms_monthly", exceeded.QuotaType)
	assert.Equal(t, 500, exceeded.Limit)
	assert.Equal(t, 498, exceeded.Used)
	assert.Equal(t, 2, exceeded.Available)
	assert.Equal(t, "2026-04-01", exceeded.ResetDate)
}

func TestReserveSMS_ExceededDetailPayload(t *testing.T) {
	err := &ExceededError{QuotaType: "sms_monthly", Limit: 100, Used: 100, Available: 0, ResetDate: "2026-09-01"}
	detail := err.Detail()
	assert.Equal(t, "quota_exceeded", detail["error"])
	assert.Equal(t, "sms_monthly", detail["quota_type"])
	assert.Equal(t, 100, detail["limit"])
	assert.Equal(t, 0, detail["available"])
	assert.Equal(t, "2026-09-01", detail["reset_date"])
	assert.Equal(t, "/api/v1/plans/list", detail["upgrade_url"])
}

func TestReserveSMS_RejectsNonPositiveCount(t *testing.T) {
	svc, _ := newMockService(t)
	assert.Error(t, svc.ReserveSMS(context.Background(), uuid.New(), 0))
}

func TestRegisterDevice_AtLimit(t *testing.T) {
	svc, mock := newMockService(t)
	userID, planID := uuid.New(), uuid.New()

	mock.ExpectBegin()
	expectLockedQuota(mock, userID, planID, 0, 3, 500, 3)
	mock.ExpectRollback()

	err := svc.RegisterDevice(context.Background(), userID)
	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, "devices", exceeded.QuotaType)
	assert.Equal(t, 3, exceeded.Used)
}

func TestReleaseSMS_FloorsAtZero(t *testing.T) {
	svc, mock := newMockService(t)
	userID := uuid.New()

	mock.ExpectExec(`GREATEST\(sms_sent_this_month - \$2, 0\)`).
		WithArgs(userID, 3).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, svc.ReleaseSMS(context.Background(), userID, 3))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetQuota(t *testing.T) {
	svc, mock := newMockService(t)
	userID, planID := uuid.New(), uuid.New()

	mock.ExpectBegin()
	expectLockedQuota(mock, userID, planID, 42, 2, 500, 3)
	mock.ExpectCommit()
	mock.ExpectRollback()

	info, err := svc.GetQuota(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, "Pro", info.PlanName)
	assert.Equal(t, 42, info.UsedSMS)
	assert.Equal(t, 500, info.LimitSMS)
	assert.Equal(t, 2, info.UsedDevices)
	assert.Equal(t, 3, info.LimitDevices)
	assert.Equal(t, "2026-04-01", info.NextResetDate)
}

func TestResetMonthly(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectExec(`EXTRACT\(DAY FROM last_reset_date\) = \$1`).
		WithArgs(1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 7))

	n, err := svc.ResetMonthly(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestNextResetDate_ClampsToShortMonth(t *testing.T) {
	svc := &Service{resetDay: 1}
	svc.resetDay = 28
	got := svc.NextResetDate(time.Date(2026, 1, 28, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC), got)

	// Day 1 rolls to the first of the next month, including year wrap.
	svc.resetDay = 1
	got = svc.NextResetDate(time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), got)
}
