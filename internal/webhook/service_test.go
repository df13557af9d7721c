package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smsflow/sms-gateway/internal/queue"
)

type fakeEnqueuer struct {
	destinations []string
	bodies       [][]byte
	err          error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, destination string, body []byte, _ queue.PublishOptions) error {
	if f.err != nil {
		return f.err
	}
	f.destinations = append(f.destinations, destination)
	f.bodies = append(f.bodies, body)
	return nil
}

type fakeMarker struct {
	marked []uuid.UUID
}

func (f *fakeMarker) MarkWebhookSent(_ context.Context, messageID uuid.UUID) error {
	f.marked = append(f.marked, messageID)
	return nil
}

func newTestService(t *testing.T) (*Service, pgxmock.PgxPoolIface, *fakeEnqueuer, *fakeMarker) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	enqueuer := &fakeEnqueuer{}
	marker := &fakeMarker{}
	svc := NewService(NewStore(mock), NewDeliverer(2*time.Second), enqueuer,
		"https://gateway.test/api/v1/internal/webhooks/deliver", nil)
	svc.SetMessageMarker(marker)
	return svc, mock, enqueuer, marker
}

func configRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "user_id", "url", "secret", "events", "is_active", "created_at",
	})
}

func TestPublish_EnqueuesPerMatchingConfig(t *testing.T) {
	svc, mock, enqueuer, _ := newTestService(t)
	userID := uuid.New()
	now := time.Now().UTC()

	rows := configRows().
		AddRow(uuid.New(), userID, "https://a.example.com", "s1", []string{"sms_received"}, true, now).
		AddRow(uuid.New(), userID, "https://b.example.com", "s2", []string{"sms_received"}, true, now)
	mock.ExpectQuery(`FROM webhook_configs`).
		WithArgs(userID, "sms_received").
		WillReturnRows(rows)

	svc.Publish(context.Background(), userID, "sms_received", map[string]any{"from": "+1"})
	require.Len(t, enqueuer.bodies, 2)
	assert.Equal(t, "https://gateway.test/api/v1/internal/webhooks/deliver", enqueuer.destinations[0])
}

func TestProcessDelivery_FlatSignedBodyAndMarksMessage(t *testing.T) {
	svc, mock, _, marker := newTestService(t)
	webhookID, messageID := uuid.New(), uuid.New()

	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mock.ExpectQuery(`FROM webhook_configs WHERE id = \$1`).
		WithArgs(webhookID).
		WillReturnRows(configRows().AddRow(webhookID, uuid.New(), srv.URL, "secret",
			[]string{"sms_received"}, true, time.Now().UTC()))

	err := svc.ProcessDelivery(context.Background(), DeliveryJob{
		WebhookID: webhookID,
		Event:     "sms_received",
		Timestamp: "2026-01-02T03:04:05Z",
		Data: map[string]any{
			"message_id": messageID.String(),
			"from":       "+15550001111",
			"body":       "hello",
		},
	})
	require.NoError(t, err)

	// The body is flat and canonical: sorted keys, event fields beside
	// event and timestamp, no nesting.
	want := `{"body":"hello","event":"sms_received","from":"+15550001111",` +
		`"message_id":"` + messageID.String() + `","timestamp":"2026-01-02T03:04:05Z"}`
	assert.Equal(t, want, string(gotBody))
	assert.Equal(t, Sign("secret", gotBody), gotSig)

	// A 2xx delivery flags the source message.
	assert.Equal(t, []uuid.UUID{messageID}, marker.marked)
}

func TestProcessDelivery_FailedDeliveryDoesNotMark(t *testing.T) {
	svc, mock, _, marker := newTestService(t)
	webhookID := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	mock.ExpectQuery(`FROM webhook_configs WHERE id = \$1`).
		WithArgs(webhookID).
		WillReturnRows(configRows().AddRow(webhookID, uuid.New(), srv.URL, "secret",
			[]string{"sms_sent"}, true, time.Now().UTC()))

	err := svc.ProcessDelivery(context.Background(), DeliveryJob{
		WebhookID: webhookID,
		Event:     "sms_sent",
		Timestamp: "2026-01-02T03:04:05Z",
		Data:      map[string]any{"message_id": uuid.NewString()},
	})
	assert.ErrorContains(t, err, "returned 502")
	assert.Empty(t, marker.marked)
}

func TestProcessDelivery_DeletedWebhookDropsSilently(t *testing.T) {
	svc, mock, _, marker := newTestService(t)
	webhookID := uuid.New()

	mock.ExpectQuery(`FROM webhook_configs WHERE id = \$1`).
		WithArgs(webhookID).
		WillReturnRows(configRows())

	err := svc.ProcessDelivery(context.Background(), DeliveryJob{
		WebhookID: webhookID,
		Event:     "sms_sent",
		Data:      map[string]any{"message_id": uuid.NewString()},
	})
	require.NoError(t, err)
	assert.Empty(t, marker.marked)
}
