// Package eventbus implements C3: topic-based publish/subscribe for
// lifecycle events, durable enough that a missed consumer can recover by
// re-reading task state rather than relying on the event itself.
package eventbus

import (
	"context"
	"time"
)

// Topic names match spec §4.3 exactly, including the mixed task/provider/
// cache vocabulary the components below emit.
type Topic string

const (
	TaskCreated              Topic = "TaskCreated"
	TaskClaimed              Topic = "TaskClaimed"
	TaskProgress             Topic = "TaskProgress"
	TaskCompleted            Topic = "TaskCompleted"
	TaskFailed               Topic = "TaskFailed"
	TaskCancelled            Topic = "TaskCancelled"
	ProgressCheckRequested   Topic = "ProgressCheckRequested"
	ProgressTrackingCancelled Topic = "ProgressTrackingCancelled"
	ProviderQuarantined      Topic = "ProviderQuarantined"
	ProviderFailoverInitiated Topic = "ProviderFailoverInitiated"
	ProviderRecoveryInitiated Topic = "ProviderRecoveryInitiated"
	ProviderFailoverReverted Topic = "ProviderFailoverReverted"
	MediaGenerationCompleted Topic = "MediaGenerationCompleted"
	WebhookDeliveryRequested Topic = "WebhookDeliveryRequested"
	CacheStatisticsUpdate    Topic = "CacheStatisticsUpdate"
	CacheAlert               Topic = "CacheAlert"
)

// Event is the envelope carried over the bus, generalized from
// streaming.Event: Payload stays a raw byte slice so publishers marshal
// once and subscribers unmarshal to whatever shape the topic implies.
type Event struct {
	ID        string    `json:"id"`
	Topic     Topic     `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Publisher publishes best-effort: a failed publish never blocks the
// caller's own state transition, matching spec §9's note that the bus is a
// notification fan-out, not the system of record.
type Publisher interface {
	Publish(ctx context.Context, topic Topic, payload interface{}) error
	Close() error
}

type Handler func(Event)

type Subscriber interface {
	Subscribe(ctx context.Context, topic Topic, handler Handler) (Subscription, error)
}

type Subscription interface {
	Unsubscribe() error
}
