package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
)

type taskCompletedPayload struct {
	TaskID string `json:"task_id"`
}

func TestMemoryBusDeliversToSubscriber(t *testing.T) {
	bus := NewMemoryBus("test")
	ctx := context.Background()

	var mu sync.Mutex
	var received []string
	_, err := bus.Subscribe(ctx, TaskCompleted, func(e Event) {
		var p taskCompletedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			t.Errorf("unmarshal payload: %v", err)
			return
		}
		mu.Lock()
		received = append(received, p.TaskID)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(ctx, TaskCompleted, taskCompletedPayload{TaskID: "t-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0] != "t-1" {
		t.Fatalf("expected [t-1], got %v", received)
	}
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewMemoryBus("test")
	ctx := context.Background()

	count := 0
	sub, err := bus.Subscribe(ctx, TaskFailed, func(e Event) { count++ })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.Publish(ctx, TaskFailed, taskCompletedPayload{TaskID: "t-2"})
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	bus.Publish(ctx, TaskFailed, taskCompletedPayload{TaskID: "t-3"})

	if count != 1 {
		t.Fatalf("expected exactly 1 delivery before unsubscribe, got %d", count)
	}
}

func TestMemoryBusNoSubscribersIsNotAnError(t *testing.T) {
	bus := NewMemoryBus("test")
	if err := bus.Publish(context.Background(), CacheAlert, taskCompletedPayload{TaskID: "t-4"}); err != nil {
		t.Fatalf("publish with no subscribers should not error: %v", err)
	}
}
