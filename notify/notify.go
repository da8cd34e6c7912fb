// Package notify fans out domain events to per-recipient channels. Delivery
// is best-effort and fire-and-forget: the lifecycle engine never blocks or
// retries on a failed push, it only logs.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is one domain state change addressed to one recipient.
type Event struct {
	Recipient string         `json:"recipient"`
	Entity    string         `json:"entity"`
	EntityID  string         `json:"entity_id"`
	Fields    map[string]any `json:"fields,omitempty"`
	At        time.Time      `json:"at"`
}

// Publisher pushes events toward the delivery channel. Implementations must
// not block the caller beyond a short bounded publish.
type Publisher interface {
	Publish(ctx context.Context, events ...Event)
}

// RedisPublisher publishes each event as JSON on notify:<recipient>. The
// actual delivery transport (SSE gateway, push service) subscribes there.
type RedisPublisher struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedisPublisher(rdb *redis.Client, log *slog.Logger) *RedisPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &RedisPublisher{rdb: rdb, log: log}
}

func (p *RedisPublisher) Publish(ctx context.Context, events ...Event) {
	for _, ev := range events {
		if ev.Recipient == "" {
			continue
		}
		if ev.At.IsZero() {
			ev.At = time.Now().UTC()
		}
		body, err := json.Marshal(ev)
		if err != nil {
			p.log.Warn("notify: marshal event", "entity", ev.Entity, "err", err)
			continue
		}
		pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := p.rdb.Publish(pubCtx, "notify:"+ev.Recipient, body).Err(); err != nil {
			p.log.Warn("notify: publish failed", "recipient", ev.Recipient, "entity", ev.Entity, "err", err)
		}
		cancel()
	}
}

// Nop discards all events. Used when REDIS_URL is unset and in unit tests.
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) {}

// Recorder captures events for assertions in tests.
type Recorder struct {
	Events []Event
}

func (r *Recorder) Publish(_ context.Context, events ...Event) {
	r.Events = append(r.Events, events...)
}
