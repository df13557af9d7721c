package sms

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStoreMock(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewStore(mock), mock
}

func TestUpdateAck_AppliesTransition(t *testing.T) {
	store, mock := newStoreMock(t)
	msgID, deviceID := uuid.New(), uuid.New()

	mock.ExpectQuery(`UPDATE messages`).
		WithArgs(msgID, deviceID, StatusDelivered, "").
		WillReturnRows(msgRow(messageRows(), msgID, uuid.New(), deviceID, StatusDelivered))

	res, err := store.UpdateAck(context.Background(), deviceID, msgID, StatusDelivered, "")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, StatusDelivered, res.Message.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAck_DuplicateReportNotChanged(t *testing.T) {
	store, mock := newStoreMock(t)
	msgID, deviceID := uuid.New(), uuid.New()

	mock.ExpectQuery(`UPDATE messages`).
		WithArgs(msgID, deviceID, StatusSent, "").
		WillReturnRows(messageRows())
	mock.ExpectQuery(`FROM messages WHERE id = \$1`).
		WithArgs(msgID).
		WillReturnRows(msgRow(messageRows(), msgID, uuid.New(), deviceID, StatusSent))

	res, err := store.UpdateAck(context.Background(), deviceID, msgID, StatusSent, "")
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, StatusSent, res.Message.Status)
}

func TestUpdateAck_UnknownMessage(t *testing.T) {
	store, mock := newStoreMock(t)
	msgID, deviceID := uuid.New(), uuid.New()

	mock.ExpectQuery(`UPDATE messages`).
		WithArgs(msgID, deviceID, StatusSent, "").
		WillReturnRows(messageRows())
	mock.ExpectQuery(`FROM messages WHERE id = \$1`).
		WithArgs(msgID).
		WillReturnRows(messageRows())

	_, err := store.UpdateAck(context.Background(), deviceID, msgID, StatusSent, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateAck_OtherDevicesMessage(t *testing.T) {
	store, mock := newStoreMock(t)
	msgID, owner, reporter := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectQuery(`UPDATE messages`).
		WithArgs(msgID, reporter, StatusSent, "").
		WillReturnRows(messageRows())
	mock.ExpectQuery(`FROM messages WHERE id = \$1`).
		WithArgs(msgID).
		WillReturnRows(msgRow(messageRows(), msgID, uuid.New(), owner, StatusAssigned))

	_, err := store.UpdateAck(context.Background(), reporter, msgID, StatusSent, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepStale_SplitsRequeueAndFail(t *testing.T) {
	store, mock := newStoreMock(t)
	msgID, deviceID := uuid.New(), uuid.New()

	mock.ExpectExec(`SET status = 'failed'`).
		WithArgs(pgxmock.AnyArg(), 3).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectQuery(`SET status = 'queued'`).
		WithArgs(pgxmock.AnyArg(), 3).
		WillReturnRows(msgRow(messageRows(), msgID, uuid.New(), deviceID, StatusQueued))

	requeued, failed, err := store.SweepStale(context.Background(), 5*time.Minute, 3)
	require.NoError(t, err)
	assert.Len(t, requeued, 1)
	assert.Equal(t, 2, failed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignQueued_ClaimsForDevice(t *testing.T) {
	store, mock := newStoreMock(t)
	userID, deviceID := uuid.New(), uuid.New()
	m1, m2 := uuid.New(), uuid.New()

	rows := msgRow(messageRows(), m1, userID, deviceID, StatusAssigned)
	rows = msgRow(rows, m2, userID, deviceID, StatusAssigned)
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(userID, deviceID, 50).
		WillReturnRows(rows)

	msgs, err := store.AssignQueued(context.Background(), userID, deviceID, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, m1, msgs[0].ID)
	assert.Equal(t, m2, msgs[1].ID)
}

func TestMarkWebhookSent_FlagsMessage(t *testing.T) {
	store, mock := newStoreMock(t)
	msgID := uuid.New()

	mock.ExpectExec(`UPDATE messages SET webhook_sent = true`).
		WithArgs(msgID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.MarkWebhookSent(context.Background(), msgID))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListByUser_BuildsFilterQuery(t *testing.T) {
	store, mock := newStoreMock(t)
	userID, deviceID := uuid.New(), uuid.New()

	mock.ExpectQuery(`AND status = \$2 AND device_id = \$3`).
		WithArgs(userID, StatusDelivered, deviceID, 25, 10).
		WillReturnRows(messageRows())

	_, err := store.ListByUser(context.Background(), userID, ListFilter{
		Status:   StatusDelivered,
		DeviceID: &deviceID,
		Limit:    25,
		Offset:   10,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListByUser_ClampsLimit(t *testing.T) {
	store, mock := newStoreMock(t)
	userID := uuid.New()

	mock.ExpectQuery(`LIMIT \$2`).
		WithArgs(userID, 50).
		WillReturnRows(messageRows())

	_, err := store.ListByUser(context.Background(), userID, ListFilter{Limit: 9999})
	require.NoError(t, err)
}
