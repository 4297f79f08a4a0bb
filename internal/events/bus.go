// Package events publishes pipeline lifecycle notices (job lifecycle,
// reconciliation actions) on a Redis pub/sub channel so a live dashboard can
// tail them, grounded on the teacher's realtime SSE bus
// (internal/realtime/bus.redisBus) but narrowed to fire-and-forget publish:
// this module has no SSE/websocket surface of its own to forward into, and
// carries no correctness weight - a dropped event never affects pipeline
// state, only a dashboard's view of it.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/civicband/clerk/internal/logging"
)

// Channel is the Redis pub/sub channel every Bus publishes to.
const Channel = "events:pipeline"

// Event is one pipeline lifecycle notice.
type Event struct {
	Kind    string    `json:"kind"` // "ack" | "fail" | "reconcile"
	Site    string    `json:"site"`
	Stage   string    `json:"stage,omitempty"`
	JobID   string    `json:"job_id,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Bus publishes Events to Redis. A nil *Bus is valid and Publish on it is a
// no-op, so callers can wire it unconditionally and skip it only when no
// REDIS_URL is reachable for a dedicated publish connection.
type Bus struct {
	rdb *goredis.Client
	log *logging.Logger
}

// New dials addr for a dedicated publish connection, separate from the
// broker's own client so a slow subscriber never contends with queue
// operations.
func New(addr string, log *logging.Logger) (*Bus, error) {
	rdb := goredis.NewClient(&goredis.Options{Addr: addr, DialTimeout: 5 * time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("events: ping %s: %w", addr, err)
	}

	return &Bus{rdb: rdb, log: log.With("component", "events.Bus")}, nil
}

// Publish fires ev on Channel. Failures are logged, not returned: a
// dashboard missing one notice is never worth failing the pipeline
// operation that triggered it.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if b == nil || b.rdb == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		b.log.Warn("failed to marshal event", "kind", ev.Kind, "error", err)
		return
	}
	if err := b.rdb.Publish(ctx, Channel, raw).Err(); err != nil {
		b.log.Warn("failed to publish event", "kind", ev.Kind, "error", err)
	}
}

// Close releases the publish connection.
func (b *Bus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
