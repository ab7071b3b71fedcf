package dashboard

import (
	"context"
	"testing"

	"github.com/conduitgw/gateway/eventbus"
	"github.com/conduitgw/gateway/quality"
	"github.com/conduitgw/gateway/resilience"
	"github.com/conduitgw/gateway/workqueue"
)

func TestServiceCollectReportsQueueDepthAndProviders(t *testing.T) {
	queue := workqueue.NewMemoryQueue()
	if err := queue.Enqueue(context.Background(), &workqueue.WorkItem{TaskID: "t-1", Priority: workqueue.PriorityNormal}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	registry := resilience.NewRegistry(resilience.Thresholds{}, eventbus.NewMemoryBus("test"))
	registry.RecordOutcome("openai", "transcription", "whisper", true, 0, 1)

	tracker := quality.NewTracker()

	svc := NewService(queue, registry, tracker, nil, "node-1")
	snapshot, err := svc.Collect(context.Background())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	if snapshot.QueueDepth != 1 {
		t.Fatalf("queue depth = %d, want 1", snapshot.QueueDepth)
	}
	if snapshot.NodeID != "node-1" {
		t.Fatalf("node id = %q, want node-1", snapshot.NodeID)
	}
	if snapshot.IsLeader {
		t.Fatal("expected IsLeader false with a nil elector")
	}
	if len(snapshot.Providers) != 1 || snapshot.Providers[0].Provider != "openai" {
		t.Fatalf("providers = %+v, want one entry for openai", snapshot.Providers)
	}
}
