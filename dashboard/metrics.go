// Package dashboard serves an operator-facing snapshot of gateway health
// (queue depth, provider state, quality trend, leadership) over a plain
// HTTP endpoint and a broadcasting WebSocket stream.
package dashboard

import (
	"context"
	"time"

	"github.com/conduitgw/gateway/coordination"
	"github.com/conduitgw/gateway/quality"
	"github.com/conduitgw/gateway/resilience"
	"github.com/conduitgw/gateway/workqueue"
)

// Snapshot is the payload served at GET /api/dashboard and broadcast to
// every connected WebSocket client. It has no tenant scoping: every
// virtual key shares one fleet-wide operational picture.
type Snapshot struct {
	QueueDepth      int                         `json:"queue_depth"`
	IsLeader        bool                        `json:"is_leader"`
	NodeID          string                      `json:"node_id"`
	Providers       []resilience.ProviderHealth `json:"providers"`
	Recommendations []quality.Recommendation    `json:"quality_recommendations"`
	Timestamp       int64                       `json:"timestamp"`
}

// Service collects a Snapshot on demand from the live collaborators; it
// holds no state of its own, a thin read-through aggregator over the
// queue, registry, quality tracker and elector.
type Service struct {
	queue    workqueue.WorkQueue
	registry *resilience.Registry
	quality  *quality.Tracker
	elector  *coordination.LeaderElector
	nodeID   string
}

func NewService(queue workqueue.WorkQueue, registry *resilience.Registry, tracker *quality.Tracker, elector *coordination.LeaderElector, nodeID string) *Service {
	return &Service{queue: queue, registry: registry, quality: tracker, elector: elector, nodeID: nodeID}
}

func (s *Service) Collect(ctx context.Context) (Snapshot, error) {
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	var isLeader bool
	if s.elector != nil {
		isLeader = s.elector.IsLeader()
	}

	return Snapshot{
		QueueDepth:      depth,
		IsLeader:        isLeader,
		NodeID:          s.nodeID,
		Providers:       s.registry.Snapshot(),
		Recommendations: s.quality.Recommendations(),
		Timestamp:       time.Now().Unix(),
	}, nil
}
