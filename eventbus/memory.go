package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/conduitgw/gateway/observability"
)

// MemoryBus is an in-process Publisher+Subscriber used by tests and by
// single-instance deployments that don't run Redis, fanning out
// synchronously to registered handlers.
type MemoryBus struct {
	mu       sync.RWMutex
	handlers map[Topic][]*memorySubscription
	source   string
}

func NewMemoryBus(source string) *MemoryBus {
	return &MemoryBus{handlers: make(map[Topic][]*memorySubscription), source: source}
}

type memorySubscription struct {
	bus     *MemoryBus
	topic   Topic
	handler Handler
}

func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.handlers[s.topic]
	for i, sub := range subs {
		if sub == s {
			s.bus.handlers[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic Topic, handler Handler) (Subscription, error) {
	sub := &memorySubscription{bus: b, topic: topic, handler: handler}
	b.mu.Lock()
	b.handlers[topic] = append(b.handlers[topic], sub)
	b.mu.Unlock()
	return sub, nil
}

func (b *MemoryBus) Publish(ctx context.Context, topic Topic, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		observability.EventPublishFailures.WithLabelValues(string(topic)).Inc()
		return err
	}
	event := Event{
		ID:        newEventID(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    b.source,
	}
	b.mu.RLock()
	subs := append([]*memorySubscription(nil), b.handlers[topic]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.handler(event)
	}
	observability.EventsPublished.WithLabelValues(string(topic)).Inc()
	return nil
}

func (b *MemoryBus) Close() error { return nil }
