package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/smsflow/sms-gateway/internal/queue"
	"github.com/smsflow/sms-gateway/pkg/logging"
)

// Dispatcher groups send tasks per device and enqueues them on the durable
// queue. The queue delivers each payload back to the gateway's internal
// notification endpoint, which does the actual device push.
type Dispatcher struct {
	enqueuer     queue.Enqueuer
	callbackURL  string
	payloadLimit int
	retries      int
	logger       *logging.Logger
}

// NewDispatcher builds a dispatcher targeting the given absolute callback
// URL. payloadLimit caps the marshaled payload size; oversized batches are
// split into ordered chunks.
func NewDispatcher(enqueuer queue.Enqueuer, callbackURL string, payloadLimit int, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	if payloadLimit <= 0 {
		payloadLimit = 4096
	}
	return &Dispatcher{
		enqueuer:     enqueuer,
		callbackURL:  callbackURL,
		payloadLimit: payloadLimit,
		retries:      5,
		logger:       logger,
	}
}

// Dispatch enqueues one payload per device, chunked to the payload limit.
// A failure on one device does not stop the others; the first error is
// returned after all devices are attempted.
func (d *Dispatcher) Dispatch(ctx context.Context, body string, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}

	order := make([]uuid.UUID, 0, len(tasks))
	grouped := make(map[uuid.UUID]*Payload)
	for _, t := range tasks {
		p, ok := grouped[t.DeviceID]
		if !ok {
			p = &Payload{
				DeviceID:    t.DeviceID,
				DeviceToken: t.FCMToken,
				DeviceType:  t.DeviceType,
				Body:        body,
			}
			grouped[t.DeviceID] = p
			order = append(order, t.DeviceID)
		}
		p.Messages = append(p.Messages, Item{MessageID: t.MessageID, Recipient: t.Recipient})
	}

	var firstErr error
	for _, deviceID := range order {
		for _, chunk := range d.chunk(grouped[deviceID]) {
			if err := d.enqueue(ctx, chunk); err != nil {
				d.logger.Error("notification enqueue failed", "error", err, "device_id", deviceID)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// chunk splits a payload so each marshaled chunk stays under the payload
// limit, preserving message order. A chunk always carries at least one
// message even if a single message overflows the limit.
func (d *Dispatcher) chunk(p *Payload) []Payload {
	overhead := payloadSize(Payload{
		DeviceID:    p.DeviceID,
		DeviceToken: p.DeviceToken,
		DeviceType:  p.DeviceType,
		Body:        p.Body,
	})
	if overhead+messagesSize(p.Messages) <= d.payloadLimit {
		return []Payload{*p}
	}

	var chunks []Payload
	current := Payload{DeviceID: p.DeviceID, DeviceToken: p.DeviceToken, DeviceType: p.DeviceType, Body: p.Body}
	size := overhead
	for _, item := range p.Messages {
		itemSize := itemSize(item)
		if len(current.Messages) > 0 && size+itemSize > d.payloadLimit {
			chunks = append(chunks, current)
			current = Payload{DeviceID: p.DeviceID, DeviceToken: p.DeviceToken, DeviceType: p.DeviceType, Body: p.Body}
			size = overhead
		}
		current.Messages = append(current.Messages, item)
		size += itemSize
	}
	if len(current.Messages) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

func (d *Dispatcher) enqueue(ctx context.Context, p Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}
	return d.enqueuer.Enqueue(ctx, d.callbackURL, body, queue.PublishOptions{
		DedupID: DedupID(p),
		Retries: d.retries,
	})
}

// DedupID derives a stable id from the device, body and chunk size so the
// queue collapses duplicate publishes of the same work.
func DedupID(p Payload) string {
	h := sha256.New()
	h.Write([]byte(p.DeviceID.String()))
	h.Write([]byte(p.Body))
	h.Write([]byte(strconv.Itoa(len(p.Messages))))
	return hex.EncodeToString(h.Sum(nil))
}

func payloadSize(p Payload) int {
	b, _ := json.Marshal(p)
	return len(b)
}

func itemSize(item Item) int {
	b, _ := json.Marshal(item)
	// Plus one for the separating comma.
	return len(b) + 1
}

func messagesSize(items []Item) int {
	n := 0
	for _, it := range items {
		n += itemSize(it)
	}
	return n
}
