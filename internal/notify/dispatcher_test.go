package notify

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smsflow/sms-gateway/internal/queue"
)

type captureEnqueuer struct {
	mu   sync.Mutex
	jobs []capturedJob
	err  error
}

type capturedJob struct {
	destination string
	payload     Payload
	opts        queue.PublishOptions
	rawLen      int
}

func (c *captureEnqueuer) Enqueue(_ context.Context, destination string, body []byte, opts queue.PublishOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return err
	}
	c.jobs = append(c.jobs, capturedJob{destination: destination, payload: p, opts: opts, rawLen: len(body)})
	return nil
}

const callbackURL = "https://gw.example.com/api/v1/internal/notifications/send"

func TestDispatch_GroupsByDevice(t *testing.T) {
	enq := &captureEnqueuer{}
	d := NewDispatcher(enq, callbackURL, 4096, nil)

	devA, devB := uuid.New(), uuid.New()
	tasks := []Task{
		{DeviceID: devA, DeviceType: "android", FCMToken: "tok-a", MessageID: uuid.New(), Recipient: "+15550000001"},
		{DeviceID: devB, DeviceType: "android", FCMToken: "tok-b", MessageID: uuid.New(), Recipient: "+15550000002"},
		{DeviceID: devA, DeviceType: "android", FCMToken: "tok-a", MessageID: uuid.New(), Recipient: "+15550000003"},
	}
	require.NoError(t, d.Dispatch(context.Background(), "hello", tasks))

	require.Len(t, enq.jobs, 2)
	assert.Equal(t, callbackURL, enq.jobs[0].destination)
	assert.Equal(t, devA, enq.jobs[0].payload.DeviceID)
	assert.Len(t, enq.jobs[0].payload.Messages, 2)
	assert.Equal(t, devB, enq.jobs[1].payload.DeviceID)
	assert.Len(t, enq.jobs[1].payload.Messages, 1)
	assert.Equal(t, "hello", enq.jobs[0].payload.Body)
	assert.NotEmpty(t, enq.jobs[0].opts.DedupID)
	assert.NotEqual(t, enq.jobs[0].opts.DedupID, enq.jobs[1].opts.DedupID)
}

func TestDispatch_ChunksOversizedPayloads(t *testing.T) {
	enq := &captureEnqueuer{}
	d := NewDispatcher(enq, callbackURL, 1024, nil)

	devID := uuid.New()
	var tasks []Task
	var wantOrder []uuid.UUID
	for i := 0; i < 40; i++ {
		id := uuid.New()
		wantOrder = append(wantOrder, id)
		tasks = append(tasks, Task{
			DeviceID: devID, DeviceType: "android", FCMToken: "tok",
			MessageID: id, Recipient: "+155500000" + string(rune('0'+i%10)),
		})
	}
	require.NoError(t, d.Dispatch(context.Background(), strings.Repeat("b", 200), tasks))

	require.Greater(t, len(enq.jobs), 1)
	var gotOrder []uuid.UUID
	for _, job := range enq.jobs {
		assert.LessOrEqual(t, job.rawLen, 1024)
		assert.Equal(t, devID, job.payload.DeviceID)
		for _, item := range job.payload.Messages {
			gotOrder = append(gotOrder, item.MessageID)
		}
	}
	assert.Equal(t, wantOrder, gotOrder)
}

func TestDedupID_StablePerChunkShape(t *testing.T) {
	devID := uuid.New()
	p1 := Payload{DeviceID: devID, Body: "hi", Messages: []Item{{MessageID: uuid.New()}}}
	p2 := Payload{DeviceID: devID, Body: "hi", Messages: []Item{{MessageID: uuid.New()}}}
	assert.Equal(t, DedupID(p1), DedupID(p2))

	p3 := Payload{DeviceID: devID, Body: "other", Messages: p1.Messages}
	assert.NotEqual(t, DedupID(p1), DedupID(p3))
}

func TestDispatch_EmptyTasksIsNoop(t *testing.T) {
	enq := &captureEnqueuer{}
	d := NewDispatcher(enq, callbackURL, 4096, nil)
	require.NoError(t, d.Dispatch(context.Background(), "x", nil))
	assert.Empty(t, enq.jobs)
}
