package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/conduitgw/gateway/observability"
	"github.com/redis/go-redis/v9"
)

// channelPrefix namespaces pub/sub channels under the same "conduit"
// prefix as every other storage key, per spec §6.
const channelPrefix = "conduit:events:"

func channelFor(topic Topic) string {
	return channelPrefix + string(topic)
}

// RedisBus implements Publisher and Subscriber over Redis pub/sub. Pub/sub
// in Redis has no replay: a subscriber that's down misses the message,
// which is why spec §4.3 calls this bus a best-effort notification layer.
// Consumers that need durability re-read task state from the task store
// rather than relying on having seen every event.
type RedisBus struct {
	client *redis.Client
	source string
}

func NewRedisBus(client *redis.Client, source string) *RedisBus {
	return &RedisBus{client: client, source: source}
}

func (b *RedisBus) Publish(ctx context.Context, topic Topic, payload interface{}) error {
	start := time.Now()
	defer func() { observability.RedisLatency.Observe(time.Since(start).Seconds()) }()

	data, err := json.Marshal(payload)
	if err != nil {
		observability.EventPublishFailures.WithLabelValues(string(topic)).Inc()
		return fmt.Errorf("eventbus: marshal payload: %w", err)
	}
	event := Event{
		ID:        newEventID(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    b.source,
	}
	wire, err := json.Marshal(event)
	if err != nil {
		observability.EventPublishFailures.WithLabelValues(string(topic)).Inc()
		return fmt.Errorf("eventbus: marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, channelFor(topic), wire).Err(); err != nil {
		observability.EventPublishFailures.WithLabelValues(string(topic)).Inc()
		return fmt.Errorf("eventbus: publish: %w", err)
	}
	observability.EventsPublished.WithLabelValues(string(topic)).Inc()
	return nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

func (s *redisSubscription) Unsubscribe() error {
	close(s.done)
	return s.pubsub.Close()
}

func (b *RedisBus) Subscribe(ctx context.Context, topic Topic, handler Handler) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channelFor(topic))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("eventbus: subscribe %s: %w", topic, err)
	}

	done := make(chan struct{})
	ch := pubsub.Channel()
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				handler(event)
			}
		}
	}()

	return &redisSubscription{pubsub: pubsub, done: done}, nil
}
