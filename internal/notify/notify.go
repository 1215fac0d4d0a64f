// Package notify holds the confirmation sinks the outbox relay hands
// committed notifications to.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Shivanand-hulikatti/event-reg-payments/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Message is the wire form of a confirmation.
type Message struct {
	Kind     model.NotificationKind `json:"kind"`
	RecordID string                 `json:"record_id"`
	SentAt   time.Time              `json:"sent_at"`
}

func encode(kind model.NotificationKind, recordID string, now time.Time) ([]byte, error) {
	body, err := json.Marshal(Message{Kind: kind, RecordID: recordID, SentAt: now.UTC()})
	if err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}
	return body, nil
}

// LogDispatcher only logs. Used when no broker is configured.
type LogDispatcher struct {
	log zerolog.Logger
}

// NewLogDispatcher builds a LogDispatcher.
func NewLogDispatcher(log zerolog.Logger) *LogDispatcher {
	return &LogDispatcher{log: log.With().Str("component", "notify").Logger()}
}

// Enqueue implements service.NotificationDispatcher.
func (d *LogDispatcher) Enqueue(_ context.Context, kind model.NotificationKind, recordID string) error {
	d.log.Info().Str("kind", string(kind)).Str("record_id", recordID).Msg("confirmation notification")
	return nil
}

// Publisher is the part of the rabbit client the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

// RabbitDispatcher publishes confirmations to an exchange, routed by kind.
type RabbitDispatcher struct {
	pub      Publisher
	exchange string
	now      func() time.Time
}

// NewRabbitDispatcher builds a RabbitDispatcher.
func NewRabbitDispatcher(pub Publisher, exchange string) *RabbitDispatcher {
	return &RabbitDispatcher{pub: pub, exchange: exchange, now: time.Now}
}

// Enqueue implements service.NotificationDispatcher.
func (d *RabbitDispatcher) Enqueue(ctx context.Context, kind model.NotificationKind, recordID string) error {
	body, err := encode(kind, recordID, d.now())
	if err != nil {
		return err
	}
	return d.pub.Publish(ctx, d.exchange, string(kind), body)
}

// ListPusher is the part of a redis client the dispatcher needs.
type ListPusher interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// RedisDispatcher appends confirmations to a redis list.
type RedisDispatcher struct {
	client ListPusher
	list   string
	now    func() time.Time
}

// NewRedisDispatcher builds a RedisDispatcher.
func NewRedisDispatcher(client ListPusher, list string) *RedisDispatcher {
	return &RedisDispatcher{client: client, list: list, now: time.Now}
}

// Enqueue implements service.NotificationDispatcher.
func (d *RedisDispatcher) Enqueue(ctx context.Context, kind model.NotificationKind, recordID string) error {
	body, err := encode(kind, recordID, d.now())
	if err != nil {
		return err
	}
	if err := d.client.RPush(ctx, d.list, body).Err(); err != nil {
		return fmt.Errorf("push notification to %s: %w", d.list, err)
	}
	return nil
}
