package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Presence tracks device liveness in Redis so any process in the deployment
// can answer "is this device connected" without owning the socket.
type Presence struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewPresence(rdb redis.UniversalClient, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Presence{rdb: rdb, ttl: ttl}
}

// TTL is the heartbeat window. Sessions silent for longer are dead.
func (p *Presence) TTL() time.Duration {
	return p.ttl
}

func presenceKey(deviceID uuid.UUID) string {
	return "ws:device:" + deviceID.String()
}

// Touch marks the device online and refreshes its TTL. Called on connect
// and on every heartbeat.
func (p *Presence) Touch(ctx context.Context, deviceID uuid.UUID) error {
	if err := p.rdb.Set(ctx, presenceKey(deviceID), "1", p.ttl).Err(); err != nil {
		return fmt.Errorf("hub: touch presence: %w", err)
	}
	return nil
}

// Remove clears the presence key on disconnect.
func (p *Presence) Remove(ctx context.Context, deviceID uuid.UUID) error {
	if err := p.rdb.Del(ctx, presenceKey(deviceID)).Err(); err != nil {
		return fmt.Errorf("hub: remove presence: %w", err)
	}
	return nil
}

// IsOnline reports whether the device's presence key is still alive.
func (p *Presence) IsOnline(ctx context.Context, deviceID uuid.UUID) (bool, error) {
	n, err := p.rdb.Exists(ctx, presenceKey(deviceID)).Result()
	if err != nil {
		return false, fmt.Errorf("hub: check presence: %w", err)
	}
	return n > 0, nil
}
