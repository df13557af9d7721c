package device

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewStore(mock), mock
}

func deviceRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "user_id", "name", "device_type", "api_key", "fcm_token",
		"phone_number", "model", "os_version", "app_version", "is_active",
		"last_seen_at", "created_at",
	})
}

func TestNewAPIKey(t *testing.T) {
	key, err := NewAPIKey()
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(key)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	other, err := NewAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestCreate_GeneratesKeyAndInserts(t *testing.T) {
	store, mock := newMockStore(t)
	userID := uuid.New()

	mock.ExpectExec(`INSERT INTO devices`).
		WithArgs(pgxmock.AnyArg(), userID, "Pixel 8", TypeAndroid, pgxmock.AnyArg(), "+15550001111", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	d, err := store.Create(context.Background(), userID, "Pixel 8", TypeAndroid, "+15550001111")
	require.NoError(t, err)
	assert.NotEmpty(t, d.APIKey)
	assert.True(t, d.IsActive)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreate_Validation(t *testing.T) {
	store, _ := newMockStore(t)

	_, err := store.Create(context.Background(), uuid.New(), "", TypeAndroid, "")
	assert.ErrorIs(t, err, ErrEmptyName)

	_, err = store.Create(context.Background(), uuid.New(), "x", Type("tablet"), "")
	assert.ErrorIs(t, err, ErrBadType)
}

func TestAuthenticate_UnknownKey(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`FROM devices WHERE api_key = \$1 AND is_active`).
		WithArgs("nope").
		WillReturnRows(deviceRows())

	_, err := store.Authenticate(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrBadAPIKey)

	_, err = store.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, ErrBadAPIKey)
}

func TestGetForUser_OwnershipEnforced(t *testing.T) {
	store, mock := newMockStore(t)
	deviceID, owner, stranger := uuid.New(), uuid.New(), uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM devices WHERE id = \$1`).
		WithArgs(deviceID).
		WillReturnRows(deviceRows().AddRow(
			deviceID, owner, "Pixel 8", TypeAndroid, "key", "",
			"", "", "", "", true, nil, now))

	_, err := store.GetForUser(context.Background(), deviceID, stranger)
	assert.ErrorIs(t, err, ErrNotOwned)
}

func TestUpdateFCMToken_NotFound(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE devices SET fcm_token`).
		WithArgs(id, "tok").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	assert.ErrorIs(t, store.UpdateFCMToken(context.Background(), id, "tok"), ErrNotFound)
}
