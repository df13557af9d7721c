package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	online map[uuid.UUID]bool
	pushed []uuid.UUID
}

func (f *fakeSessions) PushTask(deviceID, messageID uuid.UUID, _, _ string) bool {
	if !f.online[deviceID] {
		return false
	}
	f.pushed = append(f.pushed, messageID)
	return true
}

type fakeMarker struct{ marked []uuid.UUID }

func (f *fakeMarker) MarkSending(_ context.Context, id uuid.UUID) error {
	f.marked = append(f.marked, id)
	return nil
}

type fakePush struct {
	sent []Payload
	err  error
}

func (f *fakePush) Send(_ context.Context, _ string, p Payload) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, p)
	return nil
}

func TestProcessQueued_LiveSessionMarksSending(t *testing.T) {
	devID := uuid.New()
	sessions := &fakeSessions{online: map[uuid.UUID]bool{devID: true}}
	marker := &fakeMarker{}
	push := &fakePush{}
	p := NewProcessor(sessions, marker, push, nil)

	m1, m2 := uuid.New(), uuid.New()
	err := p.ProcessQueued(context.Background(), Payload{
		DeviceID:   devID,
		DeviceType: "android",
		Messages:   []Item{{MessageID: m1, Recipient: "+1"}, {MessageID: m2, Recipient: "+2"}},
		Body:       "hi",
	})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{m1, m2}, sessions.pushed)
	assert.Equal(t, []uuid.UUID{m1, m2}, marker.marked)
	assert.Empty(t, push.sent)
}

func TestProcessQueued_OfflineAndroidFallsBackToPush(t *testing.T) {
	devID := uuid.New()
	sessions := &fakeSessions{online: map[uuid.UUID]bool{}}
	marker := &fakeMarker{}
	push := &fakePush{}
	p := NewProcessor(sessions, marker, push, nil)

	m1 := uuid.New()
	err := p.ProcessQueued(context.Background(), Payload{
		DeviceID:    devID,
		DeviceType:  "android",
		DeviceToken: "tok",
		Messages:    []Item{{MessageID: m1, Recipient: "+1"}},
		Body:        "hi",
	})
	require.NoError(t, err)
	require.Len(t, push.sent, 1)
	assert.Equal(t, []Item{{MessageID: m1, Recipient: "+1"}}, push.sent[0].Messages)
	assert.Empty(t, marker.marked)
}

func TestProcessQueued_OfflineModemErrorsForRetry(t *testing.T) {
	sessions := &fakeSessions{online: map[uuid.UUID]bool{}}
	p := NewProcessor(sessions, &fakeMarker{}, &fakePush{}, nil)

	err := p.ProcessQueued(context.Background(), Payload{
		DeviceID:   uuid.New(),
		DeviceType: "modem",
		Messages:   []Item{{MessageID: uuid.New(), Recipient: "+1"}},
	})
	assert.ErrorContains(t, err, "no wakeup channel")
}

func TestProcessQueued_PushFailurePropagates(t *testing.T) {
	sessions := &fakeSessions{online: map[uuid.UUID]bool{}}
	push := &fakePush{err: errors.New("fcm down")}
	p := NewProcessor(sessions, &fakeMarker{}, push, nil)

	err := p.ProcessQueued(context.Background(), Payload{
		DeviceID:    uuid.New(),
		DeviceType:  "android",
		DeviceToken: "tok",
		Messages:    []Item{{MessageID: uuid.New(), Recipient: "+1"}},
	})
	assert.ErrorContains(t, err, "fcm down")
}
