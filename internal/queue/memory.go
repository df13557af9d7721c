package queue

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/smsflow/sms-gateway/pkg/logging"
)

const memoryMaxAttempts = 3

// MemoryQueue is an in-process stand-in for the durable queue, used in
// development and tests. Jobs are delivered by POSTing to the destination
// URL with a signed token, same contract as the real queue, but nothing
// survives a restart.
type MemoryQueue struct {
	signingKey []byte
	httpClient *http.Client
	logger     *logging.Logger

	mu    sync.Mutex
	seen  map[string]time.Time
	wg    sync.WaitGroup
	sched []scheduledJob
}

type scheduledJob struct {
	destination string
	cron        string
	body        []byte
}

func NewMemoryQueue(signingKey string, logger *logging.Logger) *MemoryQueue {
	if logger == nil {
		logger = logging.Default()
	}
	return &MemoryQueue{
		signingKey: []byte(signingKey),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
		seen:       make(map[string]time.Time),
	}
}

// Enqueue delivers the job asynchronously with bounded retries.
func (q *MemoryQueue) Enqueue(ctx context.Context, destination string, body []byte, opts PublishOptions) error {
	if opts.DedupID != "" && !q.markSeen(opts.DedupID) {
		return nil
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if opts.Delay > 0 {
			time.Sleep(opts.Delay)
		}
		q.deliver(destination, body)
	}()
	return nil
}

// markSeen returns false when the dedup id was published recently.
func (q *MemoryQueue) markSeen(dedupID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if at, ok := q.seen[dedupID]; ok && time.Since(at) < 10*time.Minute {
		return false
	}
	q.seen[dedupID] = time.Now()
	return true
}

func (q *MemoryQueue) deliver(destination string, body []byte) {
	for attempt := 1; attempt <= memoryMaxAttempts; attempt++ {
		if err := q.post(destination, body); err == nil {
			return
		} else if attempt == memoryMaxAttempts {
			q.logger.Error("memory queue job dead-lettered", "destination", destination, "error", err)
			return
		}
		time.Sleep(time.Duration(attempt) * time.Second)
	}
}

func (q *MemoryQueue) post(destination string, body []byte) error {
	token, err := SignDelivery(q.signingKey, destination, body, 5*time.Minute)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, destination, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("queue: build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Upstash-Signature", token)

	resp, err := q.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("queue: deliver: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("queue: delivery returned %d", resp.StatusCode)
	}
	return nil
}

// Schedule records the job. The memory queue does not tick cron schedules;
// recurring jobs in development are triggered by hitting the internal
// endpoints directly.
func (q *MemoryQueue) Schedule(_ context.Context, destination, cron string, body []byte) error {
	if !gronx.New().IsValid(cron) {
		return fmt.Errorf("queue: invalid cron expression %q", cron)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sched = append(q.sched, scheduledJob{destination: destination, cron: cron, body: body})
	return nil
}

// VerifySignature matches the Client's verification against the single
// memory signing key.
func (q *MemoryQueue) VerifySignature(signature, url string, body []byte) error {
	c := &Client{currentKey: q.signingKey}
	return c.VerifySignature(signature, url, body)
}

// Wait blocks until in-flight deliveries finish. Test helper.
func (q *MemoryQueue) Wait() {
	q.wg.Wait()
}
